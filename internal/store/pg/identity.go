package pg

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"authcore.org/internal/auth"
)

type identityStore struct {
	db *sql.DB
}

const identityColumns = `
	i.id, i.username, i.email, coalesce(i.password_hash, ''), i.status,
	i.service_account, i.created_at, i.updated_at, i.last_seen_at,
	coalesce((select t.enabled from totp_secrets t where t.identity_id = i.id), false)
`

func (s *identityStore) Create(ctx context.Context, identity *auth.Identity) error {
	_, err := s.db.ExecContext(ctx, `
		insert into identities (id, username, email, password_hash, status, service_account, created_at, updated_at)
		values ($1, $2, $3, $4, $5, $6, $7, $8)
	`, identity.ID, identity.Username, nullIfEmpty(identity.Email), nullIfEmpty(identity.PasswordHash),
		identity.Status, identity.ServiceAccount, identity.CreatedAt, identity.UpdatedAt)
	if err != nil {
		return mapWriteError(err)
	}
	return nil
}

func (s *identityStore) Find(ctx context.Context, id string) (*auth.Identity, error) {
	return s.findWhere(ctx, `i.id = $1`, id)
}

func (s *identityStore) FindByUsername(ctx context.Context, username string) (*auth.Identity, error) {
	return s.findWhere(ctx, `i.username = $1`, username)
}

func (s *identityStore) FindByEmail(ctx context.Context, email string) (*auth.Identity, error) {
	return s.findWhere(ctx, `i.email = $1`, email)
}

func (s *identityStore) findWhere(ctx context.Context, where string, arg any) (*auth.Identity, error) {
	var (
		identity auth.Identity
		email    sql.NullString
		lastSeen sql.NullTime
	)
	err := s.db.QueryRowContext(ctx, `
		select `+identityColumns+`
		from identities i
		where `+where,
		arg,
	).Scan(&identity.ID, &identity.Username, &email, &identity.PasswordHash, &identity.Status,
		&identity.ServiceAccount, &identity.CreatedAt, &identity.UpdatedAt, &lastSeen, &identity.MFAEnabled)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, auth.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if email.Valid {
		identity.Email = email.String
	}
	if lastSeen.Valid {
		identity.LastSeenAt = lastSeen.Time
	}
	return &identity, nil
}

func (s *identityStore) UpdatePassword(ctx context.Context, id, passwordHash string) error {
	res, err := s.db.ExecContext(ctx, `
		update identities set password_hash = $2, updated_at = now()
		where id = $1
	`, id, passwordHash)
	if err != nil {
		return err
	}
	return affectedOrNotFound(res)
}

func (s *identityStore) SetStatus(ctx context.Context, id, status string) error {
	res, err := s.db.ExecContext(ctx, `
		update identities set status = $2, updated_at = now()
		where id = $1
	`, id, status)
	if err != nil {
		return err
	}
	return affectedOrNotFound(res)
}

func (s *identityStore) TouchLastSeen(ctx context.Context, id string, at time.Time, olderThan time.Duration) error {
	// The cutoff keeps hot identities from turning every request into a write.
	_, err := s.db.ExecContext(ctx, `
		update identities set last_seen_at = $2
		where id = $1 and (last_seen_at is null or last_seen_at < $3)
	`, id, at, at.Add(-olderThan))
	return err
}

func (s *identityStore) SavePasswordReset(ctx context.Context, identityID, tokenHash string, expiresAt time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		insert into password_resets (token_hash, identity_id, expires_at)
		values ($1, $2, $3)
	`, tokenHash, identityID, expiresAt)
	if err != nil {
		return mapWriteError(err)
	}
	return nil
}

func (s *identityStore) ConsumePasswordReset(ctx context.Context, tokenHash string, now time.Time) (string, error) {
	var identityID string
	err := s.db.QueryRowContext(ctx, `
		update password_resets set used_at = $2
		where token_hash = $1 and used_at is null and expires_at > $2
		returning identity_id
	`, tokenHash, now).Scan(&identityID)
	if errors.Is(err, sql.ErrNoRows) {
		return "", auth.ErrNotFound
	}
	if err != nil {
		return "", err
	}
	return identityID, nil
}
