package auth

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
)

const defaultMaxConcurrentSessions = 10

// SessionManager tracks interactive sessions per identity and enforces the
// concurrency cap. Eviction of the oldest sessions and revocation of their
// token families happen inside the store transaction that inserts the new
// session, so the cap holds under concurrent logins.
type SessionManager struct {
	store       SessionStore
	maxSessions int
	now         func() time.Time
}

// SessionOption configures SessionManager.
type SessionOption func(*SessionManager)

// WithMaxSessions overrides the per-identity concurrency cap.
func WithMaxSessions(n int) SessionOption {
	return func(m *SessionManager) {
		if n > 0 {
			m.maxSessions = n
		}
	}
}

// WithSessionClock overrides the time source (useful for tests).
func WithSessionClock(fn func() time.Time) SessionOption {
	return func(m *SessionManager) {
		if fn != nil {
			m.now = fn
		}
	}
}

// NewSessionManager constructs a SessionManager.
func NewSessionManager(store SessionStore, opts ...SessionOption) (*SessionManager, error) {
	if store == nil {
		return nil, errors.New("auth: session store is required")
	}
	m := &SessionManager{
		store:       store,
		maxSessions: defaultMaxConcurrentSessions,
		now:         time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m, nil
}

// Open creates a session tied to the login's token family. Sessions evicted
// to honor the cap are returned so the caller can audit them; exceeding the
// cap is informational, not an error.
func (m *SessionManager) Open(ctx context.Context, identityID, tokenFamilyID string, meta ClientMeta) (*Session, []Session, error) {
	now := m.now().UTC()
	session := &Session{
		ID:             uuid.NewString(),
		IdentityID:     identityID,
		TokenFamilyID:  tokenFamilyID,
		CreatedAt:      now,
		LastActivityAt: now,
		Client:         meta,
	}
	evicted, err := m.store.Create(ctx, session, m.maxSessions)
	if err != nil {
		return nil, nil, err
	}
	return session, evicted, nil
}

// Close removes one session. Idempotent: closing an unknown session is not
// an error.
func (m *SessionManager) Close(ctx context.Context, sessionID string) error {
	err := m.store.Delete(ctx, sessionID)
	if errors.Is(err, ErrNotFound) {
		return nil
	}
	return err
}

// Find returns one session by id.
func (m *SessionManager) Find(ctx context.Context, sessionID string) (*Session, error) {
	return m.store.Find(ctx, sessionID)
}

// List returns the identity's open sessions, oldest first.
func (m *SessionManager) List(ctx context.Context, identityID string) ([]Session, error) {
	return m.store.ListByIdentity(ctx, identityID)
}

// Touch updates last_activity_at.
func (m *SessionManager) Touch(ctx context.Context, sessionID string) error {
	return m.store.Touch(ctx, sessionID, m.now().UTC())
}
