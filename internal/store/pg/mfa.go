package pg

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"authcore.org/internal/auth"
)

type mfaStore struct {
	db *sql.DB
}

// SaveSecret upserts the staged secret. Re-enrollment resets enforcement so
// a half-finished setup never locks the account.
func (s *mfaStore) SaveSecret(ctx context.Context, secret *auth.TOTPSecret) error {
	_, err := s.db.ExecContext(ctx, `
		insert into totp_secrets (identity_id, secret, enabled, created_at)
		values ($1, $2, $3, $4)
		on conflict (identity_id) do update
		set secret = excluded.secret, enabled = false, created_at = excluded.created_at, confirmed_at = null
	`, secret.IdentityID, secret.Secret, secret.Enabled, secret.CreatedAt)
	if err != nil {
		return mapWriteError(err)
	}
	return nil
}

func (s *mfaStore) FindSecret(ctx context.Context, identityID string) (*auth.TOTPSecret, error) {
	var (
		secret    auth.TOTPSecret
		confirmed sql.NullTime
	)
	err := s.db.QueryRowContext(ctx, `
		select identity_id, secret, enabled, created_at, confirmed_at
		from totp_secrets
		where identity_id = $1
	`, identityID).Scan(&secret.IdentityID, &secret.Secret, &secret.Enabled, &secret.CreatedAt, &confirmed)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, auth.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if confirmed.Valid {
		t := confirmed.Time
		secret.ConfirmedAt = &t
	}
	return &secret, nil
}

func (s *mfaStore) Enable(ctx context.Context, identityID string, at time.Time) error {
	res, err := s.db.ExecContext(ctx, `
		update totp_secrets set enabled = true, confirmed_at = $2
		where identity_id = $1
	`, identityID, at)
	if err != nil {
		return err
	}
	return affectedOrNotFound(res)
}

func (s *mfaStore) Disable(ctx context.Context, identityID string) error {
	res, err := s.db.ExecContext(ctx, `
		delete from totp_secrets where identity_id = $1
	`, identityID)
	if err != nil {
		return err
	}
	return affectedOrNotFound(res)
}

func (s *mfaStore) ReplaceBackupCodes(ctx context.Context, identityID string, codeHashes []string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `delete from backup_codes where identity_id = $1`, identityID); err != nil {
		return err
	}
	for _, hash := range codeHashes {
		if _, err := tx.ExecContext(ctx, `
			insert into backup_codes (identity_id, code_hash)
			values ($1, $2)
		`, identityID, hash); err != nil {
			return mapWriteError(err)
		}
	}
	return tx.Commit()
}

// ConsumeBackupCode is a single conditional update, so two concurrent uses of
// the same code cannot both succeed.
func (s *mfaStore) ConsumeBackupCode(ctx context.Context, identityID, codeHash string, at time.Time) error {
	res, err := s.db.ExecContext(ctx, `
		update backup_codes set used_at = $3
		where identity_id = $1 and code_hash = $2 and used_at is null
	`, identityID, codeHash, at)
	if err != nil {
		return err
	}
	return affectedOrNotFound(res)
}
