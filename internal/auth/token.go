package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"authcore.org/internal/ids"
)

const (
	defaultAccessTTL  = 15 * time.Minute
	defaultRefreshTTL = 7 * 24 * time.Hour
	tokenLeeway       = 5 * time.Second
)

// Claims are the JWT claims carried by both token kinds.
type Claims struct {
	Kind   TokenKind `json:"kind"`
	Family string    `json:"fam,omitempty"`
	jwt.RegisteredClaims
}

// TokenService issues, validates, rotates and revokes bearer tokens. Both
// kinds are self-contained HS256 JWTs; signature and expiry are checked
// locally, revocation requires one indexed metadata lookup by JTI.
type TokenService struct {
	store      TokenStore
	identities IdentityStore
	secret     []byte
	issuer     string
	accessTTL  time.Duration
	refreshTTL time.Duration
	now        func() time.Time
}

// TokenOption configures TokenService.
type TokenOption func(*TokenService) error

// WithIssuer overrides the iss claim.
func WithIssuer(issuer string) TokenOption {
	return func(s *TokenService) error {
		s.issuer = strings.TrimSpace(issuer)
		return nil
	}
}

// WithAccessTTL configures access token lifetime.
func WithAccessTTL(ttl time.Duration) TokenOption {
	return func(s *TokenService) error {
		if ttl > 0 {
			s.accessTTL = ttl
		}
		return nil
	}
}

// WithRefreshTTL configures refresh token lifetime.
func WithRefreshTTL(ttl time.Duration) TokenOption {
	return func(s *TokenService) error {
		if ttl > 0 {
			s.refreshTTL = ttl
		}
		return nil
	}
}

// WithTokenClock overrides the time source (useful for tests).
func WithTokenClock(fn func() time.Time) TokenOption {
	return func(s *TokenService) error {
		if fn != nil {
			s.now = fn
		}
		return nil
	}
}

// NewTokenService constructs a TokenService. The signing secret is injected
// explicitly; there is no process-global key state.
func NewTokenService(store TokenStore, identities IdentityStore, secret []byte, opts ...TokenOption) (*TokenService, error) {
	if store == nil || identities == nil {
		return nil, errors.New("auth: token store and identity store are required")
	}
	if len(secret) == 0 {
		return nil, errors.New("auth: signing secret is required")
	}
	s := &TokenService{
		store:      store,
		identities: identities,
		secret:     secret,
		issuer:     "authcore",
		accessTTL:  defaultAccessTTL,
		refreshTTL: defaultRefreshTTL,
		now:        time.Now,
	}
	for _, opt := range opts {
		if err := opt(s); err != nil {
			return nil, err
		}
	}
	return s, nil
}

// Issue mints a fresh access+refresh pair for the identity. Both tokens get
// new JTIs and share a new rotation family; metadata for both is stored in
// one transaction.
func (s *TokenService) Issue(ctx context.Context, identity *Identity) (TokenPair, error) {
	if !identity.Active() {
		return TokenPair{}, ErrInvalidCredentials
	}
	return s.mint(ctx, identity.ID, ids.New(), nil)
}

// Validate verifies signature and expiry locally, then checks revocation
// status by JTI and that the owning identity is still active.
func (s *TokenService) Validate(ctx context.Context, raw string) (*Identity, *Claims, error) {
	claims, err := s.parse(raw)
	if err != nil {
		return nil, nil, err
	}
	meta, err := s.store.Find(ctx, claims.ID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, nil, ErrTokenInvalid
		}
		return nil, nil, err
	}
	if meta.Revoked {
		return nil, nil, ErrTokenRevoked
	}
	identity, err := s.identities.Find(ctx, claims.Subject)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, nil, ErrTokenInvalid
		}
		return nil, nil, err
	}
	if !identity.Active() {
		return nil, nil, ErrTokenRevoked
	}
	return identity, claims, nil
}

// Rotate exchanges a refresh token for a new pair. The revoke of the old
// token and the insert of the new pair commit together, so a cancelled
// rotation leaves the old token valid. Reusing an already-rotated token
// revokes the whole family and fails with ErrTokenReuseDetected.
func (s *TokenService) Rotate(ctx context.Context, rawRefresh string) (TokenPair, *Identity, error) {
	claims, err := s.parse(rawRefresh)
	if err != nil {
		return TokenPair{}, nil, err
	}
	if claims.Kind != TokenKindRefresh {
		return TokenPair{}, nil, ErrTokenInvalid
	}
	identity, err := s.identities.Find(ctx, claims.Subject)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return TokenPair{}, nil, ErrTokenInvalid
		}
		return TokenPair{}, nil, err
	}
	if !identity.Active() {
		return TokenPair{}, nil, ErrTokenRevoked
	}

	pair, err := s.mint(ctx, identity.ID, claims.Family, &claims.ID)
	if err != nil {
		if errors.Is(err, ErrTokenReuseDetected) {
			// Replay of a rotated token: assume the family is compromised.
			if claims.Family != "" {
				if revokeErr := s.store.RevokeFamily(ctx, claims.Family); revokeErr != nil {
					return TokenPair{}, nil, fmt.Errorf("revoke family after reuse: %w", revokeErr)
				}
			}
			return TokenPair{}, identity, ErrTokenReuseDetected
		}
		if errors.Is(err, ErrNotFound) {
			return TokenPair{}, nil, ErrTokenInvalid
		}
		return TokenPair{}, nil, err
	}
	return pair, identity, nil
}

// Revoke marks one token revoked. Idempotent.
func (s *TokenService) Revoke(ctx context.Context, jti string) error {
	return s.store.Revoke(ctx, jti)
}

// RevokeFamily revokes every token in a rotation family. Idempotent.
func (s *TokenService) RevokeFamily(ctx context.Context, familyID string) error {
	return s.store.RevokeFamily(ctx, familyID)
}

// RevokeAll revokes all outstanding tokens of an identity. Idempotent.
func (s *TokenService) RevokeAll(ctx context.Context, identityID string) error {
	return s.store.RevokeAllForIdentity(ctx, identityID)
}

// FamilyOf extracts the rotation family from a raw refresh token without a
// store round-trip. Used by logout to revoke a single session's tokens.
func (s *TokenService) FamilyOf(raw string) (string, error) {
	claims, err := s.parse(raw)
	if err != nil {
		return "", err
	}
	return claims.Family, nil
}

func (s *TokenService) mint(ctx context.Context, identityID, familyID string, rotateFrom *string) (TokenPair, error) {
	now := s.now().UTC()
	access := &TokenMetadata{
		JTI:        ids.New(),
		IdentityID: identityID,
		Kind:       TokenKindAccess,
		FamilyID:   familyID,
		IssuedAt:   now,
		ExpiresAt:  now.Add(s.accessTTL),
	}
	refresh := &TokenMetadata{
		JTI:        ids.New(),
		IdentityID: identityID,
		Kind:       TokenKindRefresh,
		FamilyID:   familyID,
		IssuedAt:   now,
		ExpiresAt:  now.Add(s.refreshTTL),
	}

	if rotateFrom != nil {
		if err := s.store.Rotate(ctx, *rotateFrom, access, refresh); err != nil {
			return TokenPair{}, err
		}
	} else {
		if err := s.store.CreatePair(ctx, access, refresh); err != nil {
			return TokenPair{}, err
		}
	}

	accessToken, err := s.sign(access)
	if err != nil {
		return TokenPair{}, err
	}
	refreshToken, err := s.sign(refresh)
	if err != nil {
		return TokenPair{}, err
	}
	return TokenPair{
		AccessToken:      accessToken,
		RefreshToken:     refreshToken,
		AccessExpiresAt:  access.ExpiresAt,
		RefreshExpiresAt: refresh.ExpiresAt,
	}, nil
}

func (s *TokenService) sign(meta *TokenMetadata) (string, error) {
	claims := Claims{
		Kind:   meta.Kind,
		Family: meta.FamilyID,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    s.issuer,
			Subject:   meta.IdentityID,
			ID:        meta.JTI,
			IssuedAt:  jwt.NewNumericDate(meta.IssuedAt),
			ExpiresAt: jwt.NewNumericDate(meta.ExpiresAt),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(s.secret)
	if err != nil {
		return "", fmt.Errorf("sign token: %w", err)
	}
	return signed, nil
}

func (s *TokenService) parse(raw string) (*Claims, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, ErrTokenInvalid
	}
	parsed, err := jwt.ParseWithClaims(raw, &Claims{}, func(t *jwt.Token) (any, error) {
		if t.Method != jwt.SigningMethodHS256 {
			return nil, ErrTokenInvalid
		}
		return s.secret, nil
	},
		jwt.WithIssuer(s.issuer),
		jwt.WithLeeway(tokenLeeway),
		jwt.WithTimeFunc(func() time.Time { return s.now().UTC() }),
	)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, ErrTokenExpired
		}
		return nil, ErrTokenInvalid
	}
	claims, ok := parsed.Claims.(*Claims)
	if !ok || !parsed.Valid {
		return nil, ErrTokenInvalid
	}
	if strings.TrimSpace(claims.Subject) == "" || strings.TrimSpace(claims.ID) == "" {
		return nil, ErrTokenInvalid
	}
	if claims.Kind != TokenKindAccess && claims.Kind != TokenKindRefresh {
		return nil, ErrTokenInvalid
	}
	return claims, nil
}
