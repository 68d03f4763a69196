package auth

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
	"time"

	"authcore.org/internal/ids"
)

const (
	minPasswordLength   = 8
	passwordResetTTL    = time.Hour
	lastSeenTouchWindow = 5 * time.Minute
	forgotPasswordFloor = 250 * time.Millisecond
	resetTokenBytes     = 32
)

// Auditor records security-relevant events. Security is synchronous: the
// caller's operation fails if the event cannot be persisted. Info is
// best-effort and may be buffered or dropped under pressure.
type Auditor interface {
	Security(ctx context.Context, event *AuditEvent) error
	Info(event *AuditEvent)
}

type nopAuditor struct{}

func (nopAuditor) Security(context.Context, *AuditEvent) error { return nil }
func (nopAuditor) Info(*AuditEvent)                            {}

// Service is the front door: it composes the token, session, resolver, api
// key and mfa services into the operations the HTTP layer exposes. All
// credential failures collapse to ErrInvalidCredentials so responses never
// reveal whether a username exists.
type Service struct {
	store    Store
	tokens   *TokenService
	resolver *Resolver
	sessions *SessionManager
	apikeys  *APIKeyService
	mfa      *MFAService
	audit    Auditor
	now      func() time.Time

	// dummyHash absorbs a password verification for unknown usernames so the
	// found and not-found paths cost the same.
	dummyHash string
}

// ServiceOption configures Service.
type ServiceOption func(*Service)

// WithAuditor wires the audit sink. Without one, events are discarded.
func WithAuditor(a Auditor) ServiceOption {
	return func(s *Service) {
		if a != nil {
			s.audit = a
		}
	}
}

// WithServiceClock overrides the time source (useful for tests).
func WithServiceClock(fn func() time.Time) ServiceOption {
	return func(s *Service) {
		if fn != nil {
			s.now = fn
		}
	}
}

// NewService wires the façade. Every collaborator is required except the
// auditor.
func NewService(store Store, tokens *TokenService, resolver *Resolver, sessions *SessionManager, apikeys *APIKeyService, mfa *MFAService, opts ...ServiceOption) (*Service, error) {
	if store == nil || tokens == nil || resolver == nil || sessions == nil || apikeys == nil || mfa == nil {
		return nil, errors.New("auth: all service collaborators are required")
	}
	s := &Service{
		store:    store,
		tokens:   tokens,
		resolver: resolver,
		sessions: sessions,
		apikeys:  apikeys,
		mfa:      mfa,
		audit:    nopAuditor{},
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	dummy, err := HashPassword("decoy-" + time.Now().Format(time.RFC3339Nano))
	if err != nil {
		return nil, err
	}
	s.dummyHash = dummy
	return s, nil
}

// Tokens exposes the token service for middleware and handlers.
func (s *Service) Tokens() *TokenService { return s.tokens }

// Sessions exposes the session manager.
func (s *Service) Sessions() *SessionManager { return s.sessions }

// APIKeys exposes the api key service.
func (s *Service) APIKeys() *APIKeyService { return s.apikeys }

// MFA exposes the mfa service.
func (s *Service) MFA() *MFAService { return s.mfa }

// Resolver exposes the permission resolver.
func (s *Service) Resolver() *Resolver { return s.resolver }

// Store exposes the backing store for administrative handlers.
func (s *Service) Store() Store { return s.store }

// LoginResult is what a successful password login yields.
type LoginResult struct {
	Identity *Identity
	Pair     TokenPair
	Session  *Session
}

// Login authenticates with username and password, enforces the second factor
// when enrolled, issues a token pair and opens a session. Failed attempts are
// audited synchronously; if the audit write fails so does the login.
func (s *Service) Login(ctx context.Context, username, password, mfaCode string, meta ClientMeta) (*LoginResult, error) {
	username = strings.ToLower(strings.TrimSpace(username))
	identity, err := s.store.Identities().FindByUsername(ctx, username)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			// Burn the same work as a real verification.
			_ = VerifyPassword(s.dummyHash, password)
			if auditErr := s.loginFailed(ctx, "", "unknown_username", meta); auditErr != nil {
				return nil, auditErr
			}
			return nil, ErrInvalidCredentials
		}
		return nil, err
	}
	if !identity.Active() {
		_ = VerifyPassword(s.dummyHash, password)
		if auditErr := s.loginFailed(ctx, identity.ID, "identity_disabled", meta); auditErr != nil {
			return nil, auditErr
		}
		return nil, ErrInvalidCredentials
	}
	if identity.PasswordHash == "" {
		// OAuth-only identities have no password to verify against.
		_ = VerifyPassword(s.dummyHash, password)
		if auditErr := s.loginFailed(ctx, identity.ID, "no_password", meta); auditErr != nil {
			return nil, auditErr
		}
		return nil, ErrInvalidCredentials
	}
	if err := VerifyPassword(identity.PasswordHash, password); err != nil {
		if !errors.Is(err, ErrInvalidCredentials) {
			return nil, err
		}
		if auditErr := s.loginFailed(ctx, identity.ID, "bad_password", meta); auditErr != nil {
			return nil, auditErr
		}
		return nil, ErrInvalidCredentials
	}

	enabled, err := s.mfa.Enabled(ctx, identity.ID)
	if err != nil {
		return nil, err
	}
	if enabled {
		if strings.TrimSpace(mfaCode) == "" {
			return nil, ErrMFARequired
		}
		if err := s.mfa.Verify(ctx, identity.ID, mfaCode); err != nil {
			if !errors.Is(err, ErrMFAInvalidCode) {
				return nil, err
			}
			if auditErr := s.loginFailed(ctx, identity.ID, "bad_mfa_code", meta); auditErr != nil {
				return nil, auditErr
			}
			return nil, ErrMFAInvalidCode
		}
	}

	return s.establish(ctx, identity, meta, "password")
}

// CompleteOAuthLogin issues tokens and a session for an identity resolved by
// the oauth callback.
func (s *Service) CompleteOAuthLogin(ctx context.Context, identity *Identity, provider string, meta ClientMeta) (*LoginResult, error) {
	return s.establish(ctx, identity, meta, "oauth:"+provider)
}

func (s *Service) establish(ctx context.Context, identity *Identity, meta ClientMeta, method string) (*LoginResult, error) {
	pair, err := s.tokens.Issue(ctx, identity)
	if err != nil {
		return nil, err
	}
	family, err := s.tokens.FamilyOf(pair.RefreshToken)
	if err != nil {
		return nil, err
	}
	session, evicted, err := s.sessions.Open(ctx, identity.ID, family, meta)
	if err != nil {
		return nil, err
	}
	for _, ev := range evicted {
		s.audit.Info(s.event(identity.ID, "session.evicted", "success", AuditInfo, meta, map[string]string{
			"session_id": ev.ID,
		}))
	}
	s.audit.Info(s.event(identity.ID, "auth.login", "success", AuditInfo, meta, map[string]string{
		"method":     method,
		"session_id": session.ID,
	}))
	_ = s.store.Identities().TouchLastSeen(ctx, identity.ID, s.now().UTC(), lastSeenTouchWindow)
	return &LoginResult{Identity: identity, Pair: pair, Session: session}, nil
}

// Refresh rotates a refresh token. Replay of an already-rotated token revokes
// the family and is audited as critical before the error is returned; that
// audit write is synchronous and its failure surfaces to the caller.
func (s *Service) Refresh(ctx context.Context, rawRefresh string, meta ClientMeta) (TokenPair, error) {
	pair, identity, err := s.tokens.Rotate(ctx, rawRefresh)
	if err != nil {
		if errors.Is(err, ErrTokenReuseDetected) {
			actorID := ""
			if identity != nil {
				actorID = identity.ID
			}
			event := s.event(actorID, "auth.token_reuse", "failure", AuditCritical, meta, nil)
			if auditErr := s.audit.Security(ctx, event); auditErr != nil {
				return TokenPair{}, fmt.Errorf("record token reuse: %w", auditErr)
			}
		}
		return TokenPair{}, err
	}
	s.audit.Info(s.event(identity.ID, "auth.refresh", "success", AuditInfo, meta, nil))
	return pair, nil
}

// Logout revokes the refresh token's family and removes its session. With
// everywhere set it revokes every outstanding token and session of the
// identity instead.
func (s *Service) Logout(ctx context.Context, identityID, rawRefresh string, everywhere bool, meta ClientMeta) error {
	if everywhere {
		if err := s.tokens.RevokeAll(ctx, identityID); err != nil {
			return err
		}
		if err := s.store.Sessions().DeleteAllForIdentity(ctx, identityID); err != nil {
			return err
		}
		s.audit.Info(s.event(identityID, "auth.logout", "success", AuditInfo, meta, map[string]string{"scope": "all"}))
		return nil
	}
	family, err := s.tokens.FamilyOf(rawRefresh)
	if err != nil {
		return err
	}
	if family == "" {
		return ErrTokenInvalid
	}
	if err := s.tokens.RevokeFamily(ctx, family); err != nil {
		return err
	}
	if err := s.store.Sessions().DeleteByFamily(ctx, family); err != nil && !errors.Is(err, ErrNotFound) {
		return err
	}
	s.audit.Info(s.event(identityID, "auth.logout", "success", AuditInfo, meta, nil))
	return nil
}

// Register creates an identity with a password credential.
func (s *Service) Register(ctx context.Context, username, email, password string, serviceAccount bool) (*Identity, error) {
	username = strings.ToLower(strings.TrimSpace(username))
	email = strings.ToLower(strings.TrimSpace(email))
	if username == "" {
		return nil, fmt.Errorf("%w: username is required", ErrInvalidInput)
	}
	if err := validatePassword(password); err != nil {
		return nil, err
	}
	hash, err := HashPassword(password)
	if err != nil {
		return nil, err
	}
	now := s.now().UTC()
	identity := &Identity{
		ID:             ids.New(),
		Username:       username,
		Email:          email,
		PasswordHash:   hash,
		Status:         IdentityStatusActive,
		ServiceAccount: serviceAccount,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if err := s.store.Identities().Create(ctx, identity); err != nil {
		return nil, err
	}
	s.audit.Info(s.event(identity.ID, "identity.registered", "success", AuditInfo, ClientMeta{}, nil))
	return identity, nil
}

// ChangePassword verifies the current password, replaces the hash and revokes
// all outstanding tokens so stolen refresh tokens die with the old password.
func (s *Service) ChangePassword(ctx context.Context, identityID, current, replacement string, meta ClientMeta) error {
	identity, err := s.store.Identities().Find(ctx, identityID)
	if err != nil {
		return err
	}
	// OAuth-only identities have no hash; treat that like a bad password
	// instead of surfacing a format error.
	if identity.PasswordHash == "" {
		return ErrInvalidCredentials
	}
	if err := VerifyPassword(identity.PasswordHash, current); err != nil {
		return err
	}
	if err := validatePassword(replacement); err != nil {
		return err
	}
	hash, err := HashPassword(replacement)
	if err != nil {
		return err
	}
	if err := s.store.Identities().UpdatePassword(ctx, identityID, hash); err != nil {
		return err
	}
	if err := s.invalidateCredentials(ctx, identityID); err != nil {
		return err
	}
	return s.audit.Security(ctx, s.event(identityID, "auth.password_changed", "success", AuditWarning, meta, nil))
}

// ForgotPassword issues a reset token when the email matches an active
// identity. The outcome is deliberately not observable: both branches return
// nil and take at least the same floor latency. The token reaches the user
// out of band via the deliver callback.
func (s *Service) ForgotPassword(ctx context.Context, email string, meta ClientMeta, deliver func(identity *Identity, token string)) error {
	started := s.now()
	defer s.holdUntil(ctx, started.Add(forgotPasswordFloor))

	identity, err := s.store.Identities().FindByEmail(ctx, strings.ToLower(strings.TrimSpace(email)))
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil
		}
		return err
	}
	if !identity.Active() {
		return nil
	}
	token, err := newResetToken()
	if err != nil {
		return err
	}
	expiresAt := s.now().UTC().Add(passwordResetTTL)
	if err := s.store.Identities().SavePasswordReset(ctx, identity.ID, hashSecret(token), expiresAt); err != nil {
		return err
	}
	s.audit.Info(s.event(identity.ID, "auth.password_reset_requested", "success", AuditInfo, meta, nil))
	if deliver != nil {
		deliver(identity, token)
	}
	return nil
}

// ResetPassword consumes a reset token, installs the new password and revokes
// every outstanding credential of the identity.
func (s *Service) ResetPassword(ctx context.Context, token, replacement string, meta ClientMeta) error {
	if err := validatePassword(replacement); err != nil {
		return err
	}
	identityID, err := s.store.Identities().ConsumePasswordReset(ctx, hashSecret(token), s.now().UTC())
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return ErrInvalidCredentials
		}
		return err
	}
	hash, err := HashPassword(replacement)
	if err != nil {
		return err
	}
	if err := s.store.Identities().UpdatePassword(ctx, identityID, hash); err != nil {
		return err
	}
	if err := s.invalidateCredentials(ctx, identityID); err != nil {
		return err
	}
	return s.audit.Security(ctx, s.event(identityID, "auth.password_reset", "success", AuditWarning, meta, nil))
}

// Deactivate disables the identity and kills its tokens and sessions. Already
// issued access tokens fail validation from this point on.
func (s *Service) Deactivate(ctx context.Context, identityID string, meta ClientMeta) error {
	if err := s.store.Identities().SetStatus(ctx, identityID, IdentityStatusDisabled); err != nil {
		return err
	}
	if err := s.invalidateCredentials(ctx, identityID); err != nil {
		return err
	}
	return s.audit.Security(ctx, s.event(identityID, "identity.deactivated", "success", AuditWarning, meta, nil))
}

func (s *Service) invalidateCredentials(ctx context.Context, identityID string) error {
	if err := s.tokens.RevokeAll(ctx, identityID); err != nil {
		return err
	}
	return s.store.Sessions().DeleteAllForIdentity(ctx, identityID)
}

// CurrentIdentity authenticates a bearer credential, either an api key or an
// access token, and returns a principal with the flattened permission set
// memoized for the request.
func (s *Service) CurrentIdentity(ctx context.Context, bearer string) (Principal, error) {
	if IsAPIKey(bearer) {
		return s.principalFromAPIKey(ctx, bearer)
	}
	identity, claims, err := s.tokens.Validate(ctx, bearer)
	if err != nil {
		return Principal{}, err
	}
	if claims.Kind != TokenKindAccess {
		return Principal{}, ErrTokenInvalid
	}
	flattened, err := s.resolver.Flatten(ctx, identity.ID)
	if err != nil {
		return Principal{}, err
	}
	_ = s.store.Identities().TouchLastSeen(ctx, identity.ID, s.now().UTC(), lastSeenTouchWindow)
	return Principal{Identity: identity, Permissions: flattened, Claims: claims}, nil
}

func (s *Service) principalFromAPIKey(ctx context.Context, bearer string) (Principal, error) {
	key, err := s.apikeys.Authenticate(ctx, bearer)
	if err != nil {
		return Principal{}, err
	}
	identity, err := s.store.Identities().Find(ctx, key.IdentityID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return Principal{}, ErrInvalidAPIKey
		}
		return Principal{}, err
	}
	if !identity.Active() {
		return Principal{}, ErrInvalidAPIKey
	}
	flattened, err := s.resolver.Flatten(ctx, identity.ID)
	if err != nil {
		return Principal{}, err
	}
	scope, err := key.ScopeSet()
	if err != nil {
		return Principal{}, err
	}
	_ = s.store.Identities().TouchLastSeen(ctx, identity.ID, s.now().UTC(), lastSeenTouchWindow)
	return Principal{Identity: identity, Permissions: flattened, Scope: scope, APIKey: key}, nil
}

// Check decides whether the principal may perform the permission, optionally
// against a concrete resource. API key scope narrows before the graph is
// consulted, so a scoped key can never widen through a resource grant.
func (s *Service) Check(ctx context.Context, principal Principal, perm Permission, resourceID string) (bool, error) {
	if principal.Identity == nil {
		return false, nil
	}
	if principal.Scope != nil && !principal.Scope.Has(perm) {
		return false, nil
	}
	return s.resolver.CheckWithSet(ctx, principal.Identity.ID, principal.Permissions, perm, resourceID)
}

// Require is Check that converts a deny into ErrPermissionDenied.
func (s *Service) Require(ctx context.Context, principal Principal, perm Permission, resourceID string) error {
	ok, err := s.Check(ctx, principal, perm, resourceID)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("%w: %s", ErrPermissionDenied, perm)
	}
	return nil
}

func (s *Service) loginFailed(ctx context.Context, actorID, reason string, meta ClientMeta) error {
	event := s.event(actorID, "auth.login", "failure", AuditWarning, meta, map[string]string{"reason": reason})
	if err := s.audit.Security(ctx, event); err != nil {
		return fmt.Errorf("record failed login: %w", err)
	}
	return nil
}

func (s *Service) event(actorID, kind, outcome string, severity AuditSeverity, meta ClientMeta, fields map[string]string) *AuditEvent {
	return &AuditEvent{
		ID:         ids.New(),
		OccurredAt: s.now().UTC(),
		ActorID:    actorID,
		Kind:       kind,
		Outcome:    outcome,
		Severity:   severity,
		Client:     meta,
		Fields:     fields,
	}
}

// holdUntil blocks until the deadline so response timing does not leak which
// branch ran. Context cancellation releases the hold early.
func (s *Service) holdUntil(ctx context.Context, deadline time.Time) {
	remaining := deadline.Sub(s.now())
	if remaining <= 0 {
		return
	}
	timer := time.NewTimer(remaining)
	defer timer.Stop()
	select {
	case <-ctx.Done():
	case <-timer.C:
	}
}

func validatePassword(password string) error {
	if len(password) < minPasswordLength {
		return fmt.Errorf("%w: password must be at least %d characters", ErrInvalidInput, minPasswordLength)
	}
	return nil
}

func newResetToken() (string, error) {
	buf := make([]byte, resetTokenBytes)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generate reset token: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}
