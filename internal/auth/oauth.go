package auth

import (
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/coreos/go-oidc/v3/oidc"
	"golang.org/x/oauth2"

	"authcore.org/internal/ids"
)

const oauthStateTTL = 10 * time.Minute

// OAuthProvider wraps one upstream provider: the OAuth2 code flow plus, for
// OIDC providers, discovery and ID-token verification.
type OAuthProvider struct {
	name        string
	cfg         *oauth2.Config
	verifier    *oidc.IDTokenVerifier
	userInfoURL string
	subjectKey  string
	emailKey    string
	usernameKey string
}

// NewOIDCProvider discovers endpoints from the issuer and verifies ID tokens.
func NewOIDCProvider(ctx context.Context, name, issuerURL, clientID, clientSecret, redirectURL string, scopes []string) (*OAuthProvider, error) {
	provider, err := oidc.NewProvider(ctx, issuerURL)
	if err != nil {
		return nil, fmt.Errorf("discover oidc provider %s: %w", name, err)
	}
	if len(scopes) == 0 {
		scopes = []string{oidc.ScopeOpenID, "profile", "email"}
	}
	return &OAuthProvider{
		name:     name,
		verifier: provider.Verifier(&oidc.Config{ClientID: clientID}),
		cfg: &oauth2.Config{
			ClientID:     clientID,
			ClientSecret: clientSecret,
			Endpoint:     provider.Endpoint(),
			RedirectURL:  redirectURL,
			Scopes:       scopes,
		},
	}, nil
}

// NewOAuth2Provider configures a plain OAuth2 provider with a userinfo
// endpoint and attribute keys for subject/email/username extraction.
func NewOAuth2Provider(name string, cfg *oauth2.Config, userInfoURL, subjectKey, emailKey, usernameKey string) (*OAuthProvider, error) {
	if cfg == nil || userInfoURL == "" {
		return nil, errors.New("auth: oauth2 config and userinfo url are required")
	}
	if subjectKey == "" {
		subjectKey = "id"
	}
	if emailKey == "" {
		emailKey = "email"
	}
	if usernameKey == "" {
		usernameKey = "login"
	}
	return &OAuthProvider{
		name:        name,
		cfg:         cfg,
		userInfoURL: userInfoURL,
		subjectKey:  subjectKey,
		emailKey:    emailKey,
		usernameKey: usernameKey,
	}, nil
}

// ProviderClaims is the normalized identity asserted by an upstream provider.
type ProviderClaims struct {
	Subject  string
	Email    string
	Username string
}

func (p *OAuthProvider) exchange(ctx context.Context, code string) (*oauth2.Token, ProviderClaims, error) {
	token, err := p.cfg.Exchange(ctx, code)
	if err != nil {
		return nil, ProviderClaims{}, fmt.Errorf("exchange code: %w", err)
	}
	if p.verifier != nil {
		rawIDToken, ok := token.Extra("id_token").(string)
		if !ok {
			return nil, ProviderClaims{}, errors.New("missing id_token in provider response")
		}
		idToken, err := p.verifier.Verify(ctx, rawIDToken)
		if err != nil {
			return nil, ProviderClaims{}, fmt.Errorf("verify id token: %w", err)
		}
		var claims struct {
			Email             string `json:"email"`
			PreferredUsername string `json:"preferred_username"`
		}
		if err := idToken.Claims(&claims); err != nil {
			return nil, ProviderClaims{}, fmt.Errorf("decode id token claims: %w", err)
		}
		return token, ProviderClaims{
			Subject:  idToken.Subject,
			Email:    claims.Email,
			Username: claims.PreferredUsername,
		}, nil
	}
	claims, err := p.fetchUserInfo(ctx, token)
	if err != nil {
		return nil, ProviderClaims{}, err
	}
	return token, claims, nil
}

func (p *OAuthProvider) fetchUserInfo(ctx context.Context, token *oauth2.Token) (ProviderClaims, error) {
	resp, err := p.cfg.Client(ctx, token).Get(p.userInfoURL)
	if err != nil {
		return ProviderClaims{}, fmt.Errorf("fetch userinfo: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return ProviderClaims{}, fmt.Errorf("userinfo request failed with status %d: %s", resp.StatusCode, body)
	}
	var info map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&info); err != nil {
		return ProviderClaims{}, fmt.Errorf("decode userinfo: %w", err)
	}
	claims := ProviderClaims{
		Subject:  stringAttr(info, p.subjectKey),
		Email:    stringAttr(info, p.emailKey),
		Username: stringAttr(info, p.usernameKey),
	}
	if claims.Subject == "" {
		return ProviderClaims{}, errors.New("userinfo response missing subject")
	}
	return claims, nil
}

func stringAttr(m map[string]any, key string) string {
	switch v := m[key].(type) {
	case string:
		return v
	case float64:
		return fmt.Sprintf("%.0f", v)
	default:
		return ""
	}
}

// OAuthService drives the login flow: state issuance, callback handling and
// identity linking. First login with an unknown (provider, subject) creates
// an identity; subsequent logins resolve the existing link.
type OAuthService struct {
	providers  map[string]*OAuthProvider
	oauth      OAuthStore
	identities IdentityStore
	cipher     *TokenCipher
	now        func() time.Time
}

// NewOAuthService constructs an OAuthService. The cipher protects provider
// tokens at rest and is required.
func NewOAuthService(oauthStore OAuthStore, identities IdentityStore, cipher *TokenCipher, providers []*OAuthProvider, opts ...func(*OAuthService)) (*OAuthService, error) {
	if oauthStore == nil || identities == nil || cipher == nil {
		return nil, errors.New("auth: oauth store, identity store and cipher are required")
	}
	byName := make(map[string]*OAuthProvider, len(providers))
	for _, p := range providers {
		byName[p.name] = p
	}
	s := &OAuthService{
		providers:  byName,
		oauth:      oauthStore,
		identities: identities,
		cipher:     cipher,
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// WithOAuthClock overrides the time source (useful for tests).
func WithOAuthClock(fn func() time.Time) func(*OAuthService) {
	return func(s *OAuthService) {
		if fn != nil {
			s.now = fn
		}
	}
}

// HasProvider reports whether a provider is configured.
func (s *OAuthService) HasProvider(name string) bool {
	_, ok := s.providers[name]
	return ok
}

// AuthURL issues a single-use CSRF state and returns the provider's
// authorization URL.
func (s *OAuthService) AuthURL(ctx context.Context, provider string) (string, error) {
	p, ok := s.providers[provider]
	if !ok {
		return "", fmt.Errorf("%w: unknown provider %s", ErrNotFound, provider)
	}
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generate state: %w", err)
	}
	state := base64.RawURLEncoding.EncodeToString(buf)
	if err := s.oauth.SaveState(ctx, state, provider, s.now().UTC().Add(oauthStateTTL)); err != nil {
		return "", err
	}
	return p.cfg.AuthCodeURL(state, oauth2.AccessTypeOffline), nil
}

// HandleCallback validates the state, exchanges the code, and resolves or
// creates the linked identity. Provider tokens are encrypted before storage.
func (s *OAuthService) HandleCallback(ctx context.Context, provider, code, state string) (*Identity, error) {
	p, ok := s.providers[provider]
	if !ok {
		return nil, fmt.Errorf("%w: unknown provider %s", ErrNotFound, provider)
	}
	stateProvider, err := s.oauth.ConsumeState(ctx, state, s.now().UTC())
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, fmt.Errorf("%w: invalid or expired state", ErrInvalidInput)
		}
		return nil, err
	}
	if stateProvider != provider {
		return nil, fmt.Errorf("%w: state issued for a different provider", ErrInvalidInput)
	}

	token, claims, err := p.exchange(ctx, code)
	if err != nil {
		return nil, err
	}

	identity, err := s.resolveIdentity(ctx, provider, claims)
	if err != nil {
		return nil, err
	}

	encrypted, err := s.cipher.EncryptTokens(token)
	if err != nil {
		return nil, err
	}
	if err := s.oauth.SaveProviderTokens(ctx, provider, claims.Subject, encrypted); err != nil {
		return nil, err
	}
	return identity, nil
}

func (s *OAuthService) resolveIdentity(ctx context.Context, provider string, claims ProviderClaims) (*Identity, error) {
	link, err := s.oauth.FindBySubject(ctx, provider, claims.Subject)
	if err == nil {
		identity, err := s.identities.Find(ctx, link.IdentityID)
		if err != nil {
			return nil, err
		}
		if !identity.Active() {
			return nil, ErrInvalidCredentials
		}
		return identity, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return nil, err
	}

	// First login from this provider subject: link to an existing identity
	// by email, or provision a new OAuth-only identity (no password hash).
	var identity *Identity
	if claims.Email != "" {
		identity, err = s.identities.FindByEmail(ctx, strings.ToLower(claims.Email))
		if err != nil && !errors.Is(err, ErrNotFound) {
			return nil, err
		}
	}
	if identity == nil {
		username := claims.Username
		if username == "" {
			username = claims.Email
		}
		if username == "" {
			username = provider + ":" + claims.Subject
		}
		identity = &Identity{
			ID:       ids.New(),
			Username: strings.ToLower(username),
			Email:    strings.ToLower(claims.Email),
			Status:   IdentityStatusActive,
		}
		if err := s.identities.Create(ctx, identity); err != nil {
			return nil, err
		}
	}
	if !identity.Active() {
		return nil, ErrInvalidCredentials
	}
	if err := s.oauth.Link(ctx, &OAuthIdentity{
		Provider:   provider,
		Subject:    claims.Subject,
		IdentityID: identity.ID,
		CreatedAt:  s.now().UTC(),
	}); err != nil && !errors.Is(err, ErrConflict) {
		return nil, err
	}
	return identity, nil
}

// TokenCipher encrypts provider tokens at rest with AES-GCM. The key is
// injected at construction; there is no fallback to plaintext storage.
type TokenCipher struct {
	aead cipher.AEAD
}

// NewTokenCipher builds a cipher from a 16, 24 or 32 byte key.
func NewTokenCipher(key []byte) (*TokenCipher, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("auth: token cipher key: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}
	return &TokenCipher{aead: aead}, nil
}

// EncryptTokens seals the provider token JSON with a random nonce prefix.
func (c *TokenCipher) EncryptTokens(token *oauth2.Token) ([]byte, error) {
	plaintext, err := json.Marshal(token)
	if err != nil {
		return nil, err
	}
	nonce := make([]byte, c.aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, err
	}
	return c.aead.Seal(nonce, nonce, plaintext, nil), nil
}

// DecryptTokens reverses EncryptTokens.
func (c *TokenCipher) DecryptTokens(data []byte) (*oauth2.Token, error) {
	if len(data) < c.aead.NonceSize() {
		return nil, errors.New("auth: ciphertext too short")
	}
	nonce, ciphertext := data[:c.aead.NonceSize()], data[c.aead.NonceSize():]
	plaintext, err := c.aead.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, errors.New("auth: provider token decryption failed")
	}
	var token oauth2.Token
	if err := json.Unmarshal(plaintext, &token); err != nil {
		return nil, err
	}
	return &token, nil
}
