package httpapi

import (
	"context"
	"database/sql"
	"net/http"
	"time"

	"authcore.org/internal/auth"
	"authcore.org/internal/obs"
)

// ReadyProbe reports whether the service can take traffic.
type ReadyProbe struct {
	DB *sql.DB
}

func (rp ReadyProbe) Check(ctx context.Context) error {
	if rp.DB == nil {
		return nil
	}
	return rp.DB.PingContext(ctx)
}

// API is the HTTP surface over the auth service.
type API struct {
	mux        *http.ServeMux
	svc        *auth.Service
	oauth      *auth.OAuthService
	limiter    *auth.RateLimiter
	audit      auth.Auditor
	readyProbe ReadyProbe
	version    string
}

// Option configures API.
type Option func(*API)

// WithOAuth enables the oauth login routes.
func WithOAuth(svc *auth.OAuthService) Option {
	return func(a *API) { a.oauth = svc }
}

// WithRateLimiter throttles credential endpoints.
func WithRateLimiter(l *auth.RateLimiter) Option {
	return func(a *API) { a.limiter = l }
}

// WithAuditor lets handlers record events directly.
func WithAuditor(aud auth.Auditor) Option {
	return func(a *API) {
		if aud != nil {
			a.audit = aud
		}
	}
}

func New(svc *auth.Service, rp ReadyProbe, version string, opts ...Option) *API {
	a := &API{
		mux:        http.NewServeMux(),
		svc:        svc,
		audit:      nopAuditor{},
		readyProbe: rp,
		version:    version,
	}
	for _, opt := range opts {
		opt(a)
	}

	// health/ready/info
	a.mux.HandleFunc("/healthz", a.Healthz)
	a.mux.HandleFunc("/readyz", a.Ready)
	a.mux.HandleFunc("/v1/info", a.Info)

	// Prometheus metrics
	a.mux.Handle("/metrics", obs.Handler())

	// authentication
	a.mux.HandleFunc("/v1/auth/login", a.handleLogin)
	a.mux.HandleFunc("/v1/auth/refresh", a.handleRefresh)
	a.mux.HandleFunc("/v1/auth/logout", a.handleLogout)
	a.mux.HandleFunc("/v1/auth/register", a.handleRegister)
	a.mux.HandleFunc("/v1/auth/forgot-password", a.handleForgotPassword)
	a.mux.HandleFunc("/v1/auth/reset-password", a.handleResetPassword)
	a.mux.HandleFunc("/v1/auth/change-password", a.handleChangePassword)
	a.mux.HandleFunc("/v1/auth/me", a.handleMe)
	a.mux.HandleFunc("/v1/auth/check", a.handleCheck)
	a.mux.HandleFunc("/v1/auth/oauth/", a.handleOAuth)

	// mfa
	a.mux.HandleFunc("/v1/mfa/enroll", a.handleMFAEnroll)
	a.mux.HandleFunc("/v1/mfa/verify", a.handleMFAVerify)
	a.mux.HandleFunc("/v1/mfa/disable", a.handleMFADisable)

	// credentials and sessions
	a.mux.HandleFunc("/v1/api-keys", a.handleAPIKeys)
	a.mux.HandleFunc("/v1/api-keys/", a.handleAPIKeyResource)
	a.mux.HandleFunc("/v1/sessions", a.handleSessions)
	a.mux.HandleFunc("/v1/sessions/", a.handleSessionResource)

	// administration
	a.mux.HandleFunc("/v1/roles", a.handleRoles)
	a.mux.HandleFunc("/v1/roles/", a.handleRoleResource)
	a.mux.HandleFunc("/v1/groups", a.handleGroups)
	a.mux.HandleFunc("/v1/groups/", a.handleGroupResource)
	a.mux.HandleFunc("/v1/grants", a.handleGrants)
	a.mux.HandleFunc("/v1/audit", a.handleAuditLog)

	a.mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		http.NotFound(w, r)
	})

	return a
}

// Handler assembles the middleware chain around the mux.
func (a *API) Handler() http.Handler {
	var h http.Handler = a.mux
	h = a.withAuth(h)
	h = MaxBodyBytes(h, 1<<20)
	h = CORS(h)
	h = SecurityHeaders(h)
	h = Logging(h)
	h = RequestID(h)
	return obs.Instrument(h)
}

type nopAuditor struct{}

func (nopAuditor) Security(context.Context, *auth.AuditEvent) error { return nil }
func (nopAuditor) Info(*auth.AuditEvent)                            {}

// --- Handlers ---

func (a *API) Healthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"service": "authcore-api",
		"version": a.version,
	})
}

func (a *API) Ready(w http.ResponseWriter, r *http.Request) {
	if err := a.readyProbe.Check(r.Context()); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{
			"status": "not_ready",
			"error":  err.Error(),
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status": "ready",
	})
}

func (a *API) Info(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"name":    "authcore-api",
		"time":    time.Now().UTC().Format(time.RFC3339),
		"version": a.version,
	})
}

// limited applies the bucket's budget before any credential work. Returns
// true when the request was rejected and the response already written.
func (a *API) limited(w http.ResponseWriter, r *http.Request, bucket, key string) bool {
	if a.limiter == nil {
		return false
	}
	if key == "" {
		key = clientIP(r)
	}
	if a.limiter.Allow(bucket, key) {
		return false
	}
	obs.ObserveRateLimited(bucket)
	writeError(w, r, http.StatusTooManyRequests, "rate limit exceeded")
	return true
}
