package auth

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	"authcore.org/internal/ids"
)

// APIKeyPrefix makes keys recognizable in logs and lets the AuthGate route
// them without attempting JWT parsing.
const APIKeyPrefix = "ak_"

const apiKeySecretBytes = 32

// APIKeyService manages long-lived keys. Presented form is
// "ak_<keyid>.<secret>"; only a sha256 hash of the full presented string is
// stored, and the plaintext is returned exactly once at creation or
// rotation.
type APIKeyService struct {
	store APIKeyStore
	now   func() time.Time
}

// NewAPIKeyService constructs an APIKeyService.
func NewAPIKeyService(store APIKeyStore, opts ...func(*APIKeyService)) (*APIKeyService, error) {
	if store == nil {
		return nil, errors.New("auth: api key store is required")
	}
	s := &APIKeyService{store: store, now: time.Now}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// WithAPIKeyClock overrides the time source (useful for tests).
func WithAPIKeyClock(fn func() time.Time) func(*APIKeyService) {
	return func(s *APIKeyService) {
		if fn != nil {
			s.now = fn
		}
	}
}

// Create mints a key for the identity. Scope narrows the owner's resolved
// permissions at use time; an empty scope means "everything the owner can
// do". A zero ttl creates a non-expiring key.
func (s *APIKeyService) Create(ctx context.Context, identityID, name string, scope []Permission, ttl time.Duration) (*APIKey, string, error) {
	if strings.TrimSpace(identityID) == "" {
		return nil, "", fmt.Errorf("%w: identity id is required", ErrInvalidInput)
	}
	keyID := ids.New()
	plaintext, hash, err := newAPIKeySecret(keyID)
	if err != nil {
		return nil, "", err
	}
	now := s.now().UTC()
	key := &APIKey{
		ID:         keyID,
		IdentityID: identityID,
		Name:       strings.TrimSpace(name),
		SecretHash: hash,
		Scope:      permissionStrings(scope),
		CreatedAt:  now,
	}
	if ttl > 0 {
		exp := now.Add(ttl)
		key.ExpiresAt = &exp
	}
	if err := s.store.Create(ctx, key); err != nil {
		return nil, "", err
	}
	return key, plaintext, nil
}

// Authenticate verifies a presented key and returns its record with
// last_used_at touched. All failure modes collapse to ErrInvalidAPIKey.
func (s *APIKeyService) Authenticate(ctx context.Context, presented string) (*APIKey, error) {
	keyID, err := splitAPIKey(presented)
	if err != nil {
		return nil, ErrInvalidAPIKey
	}
	key, err := s.store.Find(ctx, keyID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, ErrInvalidAPIKey
		}
		return nil, err
	}
	if key.Revoked {
		return nil, ErrInvalidAPIKey
	}
	now := s.now().UTC()
	if key.ExpiresAt != nil && now.After(*key.ExpiresAt) {
		return nil, ErrInvalidAPIKey
	}
	if !secureCompareHash(key.SecretHash, presented) {
		return nil, ErrInvalidAPIKey
	}
	if err := s.store.TouchLastUsed(ctx, key.ID, now); err != nil {
		return nil, err
	}
	key.LastUsedAt = &now
	return key, nil
}

// Rotate replaces the secret, preserving key id, scope and expiry. The new
// plaintext is returned once; the old secret stops working immediately.
func (s *APIKeyService) Rotate(ctx context.Context, keyID string) (string, error) {
	key, err := s.store.Find(ctx, keyID)
	if err != nil {
		return "", err
	}
	if key.Revoked {
		return "", ErrInvalidAPIKey
	}
	plaintext, hash, err := newAPIKeySecret(key.ID)
	if err != nil {
		return "", err
	}
	if err := s.store.ReplaceSecret(ctx, key.ID, hash); err != nil {
		return "", err
	}
	return plaintext, nil
}

// Revoke disables a key. Idempotent.
func (s *APIKeyService) Revoke(ctx context.Context, keyID string) error {
	return s.store.Revoke(ctx, keyID)
}

// Find returns one key by id, secret omitted.
func (s *APIKeyService) Find(ctx context.Context, keyID string) (*APIKey, error) {
	return s.store.Find(ctx, keyID)
}

// List returns the identity's keys, secrets omitted.
func (s *APIKeyService) List(ctx context.Context, identityID string) ([]APIKey, error) {
	return s.store.ListByIdentity(ctx, identityID)
}

// ScopeSet parses the key's stored scope. Empty scope returns nil, meaning
// no narrowing.
func (k *APIKey) ScopeSet() (PermissionSet, error) {
	if len(k.Scope) == 0 {
		return nil, nil
	}
	return ParsePermissionSet(k.Scope)
}

// IsAPIKey detects the api-key bearer form by prefix.
func IsAPIKey(bearer string) bool {
	return strings.HasPrefix(bearer, APIKeyPrefix)
}

func newAPIKeySecret(keyID string) (plaintext, hash string, err error) {
	buf := make([]byte, apiKeySecretBytes)
	if _, err := rand.Read(buf); err != nil {
		return "", "", fmt.Errorf("generate api key secret: %w", err)
	}
	secret := base64.RawURLEncoding.EncodeToString(buf)
	plaintext = APIKeyPrefix + keyID + "." + secret
	sum := sha256.Sum256([]byte(plaintext))
	return plaintext, hex.EncodeToString(sum[:]), nil
}

func splitAPIKey(presented string) (keyID string, err error) {
	if !strings.HasPrefix(presented, APIKeyPrefix) {
		return "", errors.New("missing api key prefix")
	}
	rest := strings.TrimPrefix(presented, APIKeyPrefix)
	parts := strings.Split(rest, ".")
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", errors.New("malformed api key")
	}
	return parts[0], nil
}

func permissionStrings(perms []Permission) []string {
	if len(perms) == 0 {
		return nil
	}
	out := make([]string, 0, len(perms))
	for _, p := range perms {
		out = append(out, p.String())
	}
	return out
}
