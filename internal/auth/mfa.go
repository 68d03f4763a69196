package auth

import (
	"context"
	"crypto/rand"
	"encoding/base32"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/pquerna/otp"
	"github.com/pquerna/otp/totp"
)

const (
	backupCodeCount = 10
	backupCodeBytes = 5
	totpPeriod      = 30
	totpSkew        = 1
)

// Enrollment is returned from Enroll. The secret and codes are shown exactly
// once and never recoverable afterwards.
type Enrollment struct {
	Secret      string   `json:"secret"`
	OTPAuthURL  string   `json:"otpauth_url"`
	BackupCodes []string `json:"backup_codes"`
}

// MFAService manages TOTP second factors. Enrollment is staged: the secret
// only becomes enforced after the first valid code confirms the
// authenticator was set up.
type MFAService struct {
	store  MFAStore
	issuer string
	now    func() time.Time
}

// MFAOption configures MFAService.
type MFAOption func(*MFAService)

// WithMFAIssuer sets the issuer shown in authenticator apps.
func WithMFAIssuer(issuer string) MFAOption {
	return func(s *MFAService) {
		if issuer = strings.TrimSpace(issuer); issuer != "" {
			s.issuer = issuer
		}
	}
}

// WithMFAClock overrides the time source (useful for tests).
func WithMFAClock(fn func() time.Time) MFAOption {
	return func(s *MFAService) {
		if fn != nil {
			s.now = fn
		}
	}
}

// NewMFAService constructs an MFAService.
func NewMFAService(store MFAStore, opts ...MFAOption) (*MFAService, error) {
	if store == nil {
		return nil, errors.New("auth: mfa store is required")
	}
	s := &MFAService{store: store, issuer: "authcore", now: time.Now}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Enroll provisions a staged secret plus single-use backup codes. Re-running
// Enroll before confirmation replaces the staged secret; re-running after
// the factor is enabled fails with ErrConflict.
func (s *MFAService) Enroll(ctx context.Context, identity *Identity) (*Enrollment, error) {
	if existing, err := s.store.FindSecret(ctx, identity.ID); err == nil && existing.Enabled {
		return nil, fmt.Errorf("%w: second factor already enabled", ErrConflict)
	} else if err != nil && !errors.Is(err, ErrNotFound) {
		return nil, err
	}

	key, err := totp.Generate(totp.GenerateOpts{
		Issuer:      s.issuer,
		AccountName: identity.Username,
		Period:      totpPeriod,
	})
	if err != nil {
		return nil, fmt.Errorf("generate totp secret: %w", err)
	}

	codes, hashes, err := newBackupCodes()
	if err != nil {
		return nil, err
	}

	secret := &TOTPSecret{
		IdentityID: identity.ID,
		Secret:     key.Secret(),
		Enabled:    false,
		CreatedAt:  s.now().UTC(),
	}
	if err := s.store.SaveSecret(ctx, secret); err != nil {
		return nil, err
	}
	if err := s.store.ReplaceBackupCodes(ctx, identity.ID, hashes); err != nil {
		return nil, err
	}

	return &Enrollment{
		Secret:      key.Secret(),
		OTPAuthURL:  key.URL(),
		BackupCodes: codes,
	}, nil
}

// Verify accepts a time-step-windowed TOTP code or an unused backup code.
// The first valid TOTP code after enrollment enables enforcement. Backup
// code consumption is atomic with the check, so a replayed code fails.
func (s *MFAService) Verify(ctx context.Context, identityID, code string) error {
	code = strings.TrimSpace(code)
	if code == "" {
		return ErrMFAInvalidCode
	}
	secret, err := s.store.FindSecret(ctx, identityID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return ErrMFAInvalidCode
		}
		return err
	}

	valid, err := totp.ValidateCustom(code, secret.Secret, s.now().UTC(), totp.ValidateOpts{
		Period:    totpPeriod,
		Skew:      totpSkew,
		Digits:    otp.DigitsSix,
		Algorithm: otp.AlgorithmSHA1,
	})
	if err == nil && valid {
		if !secret.Enabled {
			return s.store.Enable(ctx, identityID, s.now().UTC())
		}
		return nil
	}

	// Backup codes only apply once the factor is enforced.
	if !secret.Enabled {
		return ErrMFAInvalidCode
	}
	consumeErr := s.store.ConsumeBackupCode(ctx, identityID, hashSecret(normalizeBackupCode(code)), s.now().UTC())
	if consumeErr == nil {
		return nil
	}
	if errors.Is(consumeErr, ErrNotFound) {
		return ErrMFAInvalidCode
	}
	return consumeErr
}

// Enabled reports whether the identity has a confirmed second factor.
func (s *MFAService) Enabled(ctx context.Context, identityID string) (bool, error) {
	secret, err := s.store.FindSecret(ctx, identityID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return false, nil
		}
		return false, err
	}
	return secret.Enabled, nil
}

// Disable removes the factor and its backup codes. Callers must have
// re-authenticated the identity (password or a valid current code) first.
func (s *MFAService) Disable(ctx context.Context, identityID string) error {
	if err := s.store.ReplaceBackupCodes(ctx, identityID, nil); err != nil {
		return err
	}
	err := s.store.Disable(ctx, identityID)
	if errors.Is(err, ErrNotFound) {
		return nil
	}
	return err
}

func newBackupCodes() (codes []string, hashes []string, err error) {
	codes = make([]string, 0, backupCodeCount)
	hashes = make([]string, 0, backupCodeCount)
	encoder := base32.StdEncoding.WithPadding(base32.NoPadding)
	for i := 0; i < backupCodeCount; i++ {
		buf := make([]byte, backupCodeBytes)
		if _, err := rand.Read(buf); err != nil {
			return nil, nil, fmt.Errorf("generate backup code: %w", err)
		}
		raw := encoder.EncodeToString(buf)
		code := raw[:4] + "-" + raw[4:]
		codes = append(codes, code)
		hashes = append(hashes, hashSecret(normalizeBackupCode(code)))
	}
	return codes, hashes, nil
}

func normalizeBackupCode(code string) string {
	return strings.ToUpper(strings.ReplaceAll(strings.TrimSpace(code), "-", ""))
}
