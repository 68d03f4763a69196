package main

import (
	"context"
	"encoding/hex"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"authcore.org/internal/audit"
	"authcore.org/internal/auth"
	"authcore.org/internal/httpapi"
	"authcore.org/internal/obs"
	"authcore.org/internal/store/pg"
)

var version = "0.3.1"

func main() {
	obs.Init()

	dsn := os.Getenv("AUTHCORE_PG_DSN")
	if dsn == "" {
		log.Fatal("AUTHCORE_PG_DSN is required")
	}
	signingSecret := os.Getenv("AUTHCORE_JWT_SECRET")
	if signingSecret == "" {
		log.Fatal("AUTHCORE_JWT_SECRET is required")
	}

	store, err := pg.Open(dsn)
	if err != nil {
		log.Fatalf("open db: %v", err)
	}
	defer store.Close()

	auditor, err := audit.New(store.Audit())
	if err != nil {
		log.Fatalf("audit: %v", err)
	}

	tokens, err := auth.NewTokenService(store.Tokens(), store.Identities(), []byte(signingSecret),
		auth.WithIssuer(envOr("AUTHCORE_ISSUER", "authcore")),
		auth.WithAccessTTL(envDuration("AUTHCORE_ACCESS_TTL", 15*time.Minute)),
		auth.WithRefreshTTL(envDuration("AUTHCORE_REFRESH_TTL", 7*24*time.Hour)),
	)
	if err != nil {
		log.Fatalf("token service: %v", err)
	}

	resolver, err := auth.NewResolver(store.Roles(), store.Groups(), store.Grants())
	if err != nil {
		log.Fatalf("resolver: %v", err)
	}

	sessions, err := auth.NewSessionManager(store.Sessions(),
		auth.WithMaxSessions(envInt("AUTHCORE_MAX_SESSIONS", 10)),
	)
	if err != nil {
		log.Fatalf("session manager: %v", err)
	}

	apikeys, err := auth.NewAPIKeyService(store.APIKeys())
	if err != nil {
		log.Fatalf("api key service: %v", err)
	}

	mfa, err := auth.NewMFAService(store.MFA(), auth.WithMFAIssuer(envOr("AUTHCORE_ISSUER", "authcore")))
	if err != nil {
		log.Fatalf("mfa service: %v", err)
	}

	svc, err := auth.NewService(store, tokens, resolver, sessions, apikeys, mfa, auth.WithAuditor(auditor))
	if err != nil {
		log.Fatalf("auth service: %v", err)
	}

	limiter := auth.NewRateLimiter(envInt("AUTHCORE_RATE_PER_MINUTE", 30), envInt("AUTHCORE_RATE_BURST", 10))
	defer limiter.Stop()

	opts := []httpapi.Option{
		httpapi.WithRateLimiter(limiter),
		httpapi.WithAuditor(auditor),
	}
	if oauthSvc := buildOAuth(store); oauthSvc != nil {
		opts = append(opts, httpapi.WithOAuth(oauthSvc))
	}

	api := httpapi.New(svc, httpapi.ReadyProbe{DB: store.DB()}, version, opts...)

	srv := &http.Server{
		Addr:              envOr("AUTHCORE_ADDR", ":8080"),
		Handler:           api.Handler(),
		ReadTimeout:       15 * time.Second,
		ReadHeaderTimeout: 15 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	log.Printf("Starting authcore-api %s on %s", version, srv.Addr)

	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("listen: %v", err)
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)

	<-stop
	log.Println("Shutting down...")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		log.Printf("shutdown: %v", err)
	}
	auditor.Close() // flush queued audit events before the store goes away
	log.Println("Stopped")
}

// buildOAuth wires an OIDC provider from the environment. Absent config means
// password and api-key auth only.
func buildOAuth(store *pg.Store) *auth.OAuthService {
	issuer := os.Getenv("AUTHCORE_OIDC_ISSUER")
	if issuer == "" {
		return nil
	}
	keyHex := os.Getenv("AUTHCORE_OAUTH_TOKEN_KEY")
	key, err := hex.DecodeString(keyHex)
	if err != nil || len(key) != 32 {
		log.Fatal("AUTHCORE_OAUTH_TOKEN_KEY must be 64 hex chars")
	}
	cipher, err := auth.NewTokenCipher(key)
	if err != nil {
		log.Fatalf("oauth token cipher: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	name := envOr("AUTHCORE_OIDC_NAME", "oidc")
	provider, err := auth.NewOIDCProvider(ctx, name, issuer,
		os.Getenv("AUTHCORE_OIDC_CLIENT_ID"),
		os.Getenv("AUTHCORE_OIDC_CLIENT_SECRET"),
		os.Getenv("AUTHCORE_OIDC_REDIRECT_URL"),
		splitNonEmpty(os.Getenv("AUTHCORE_OIDC_SCOPES")),
	)
	if err != nil {
		log.Fatalf("oidc provider: %v", err)
	}

	svc, err := auth.NewOAuthService(store.OAuth(), store.Identities(), cipher, []*auth.OAuthProvider{provider})
	if err != nil {
		log.Fatalf("oauth service: %v", err)
	}
	return svc
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
		log.Fatalf("%s must be an integer", key)
	}
	return fallback
}

func envDuration(key string, fallback time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
		log.Fatalf("%s must be a duration", key)
	}
	return fallback
}

func splitNonEmpty(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
