package pg

import (
	"context"
	"database/sql"
	"errors"

	"authcore.org/internal/auth"
)

type tokenStore struct {
	db *sql.DB
}

func (s *tokenStore) CreatePair(ctx context.Context, access, refresh *auth.TokenMetadata) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	for _, meta := range []*auth.TokenMetadata{access, refresh} {
		if err := insertToken(ctx, tx, meta); err != nil {
			return err
		}
	}
	return tx.Commit()
}

func insertToken(ctx context.Context, tx *sql.Tx, meta *auth.TokenMetadata) error {
	_, err := tx.ExecContext(ctx, `
		insert into tokens (jti, identity_id, kind, family_id, issued_at, expires_at, revoked)
		values ($1, $2, $3, $4, $5, $6, false)
	`, meta.JTI, meta.IdentityID, string(meta.Kind), meta.FamilyID, meta.IssuedAt, meta.ExpiresAt)
	if err != nil {
		return mapWriteError(err)
	}
	return nil
}

func (s *tokenStore) Find(ctx context.Context, jti string) (*auth.TokenMetadata, error) {
	var (
		meta      auth.TokenMetadata
		kind      string
		revokedAt sql.NullTime
	)
	err := s.db.QueryRowContext(ctx, `
		select jti, identity_id, kind, family_id, issued_at, expires_at, revoked, revoked_at
		from tokens
		where jti = $1
	`, jti).Scan(&meta.JTI, &meta.IdentityID, &kind, &meta.FamilyID,
		&meta.IssuedAt, &meta.ExpiresAt, &meta.Revoked, &revokedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, auth.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	meta.Kind = auth.TokenKind(kind)
	if revokedAt.Valid {
		t := revokedAt.Time
		meta.RevokedAt = &t
	}
	return &meta, nil
}

// Rotate revokes the old refresh token and inserts the new pair in one
// transaction. The conditional update is the race arbiter: exactly one of two
// concurrent rotations of the same token flips the row, the other sees it
// already revoked and reports reuse.
func (s *tokenStore) Rotate(ctx context.Context, oldJTI string, access, refresh *auth.TokenMetadata) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	res, err := tx.ExecContext(ctx, `
		update tokens set revoked = true, revoked_at = now()
		where jti = $1 and kind = 'refresh' and revoked = false
	`, oldJTI)
	if err != nil {
		return err
	}
	aff, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if aff == 0 {
		var revoked bool
		err := tx.QueryRowContext(ctx, `
			select revoked from tokens where jti = $1 and kind = 'refresh'
		`, oldJTI).Scan(&revoked)
		if errors.Is(err, sql.ErrNoRows) {
			return auth.ErrNotFound
		}
		if err != nil {
			return err
		}
		if revoked {
			return auth.ErrTokenReuseDetected
		}
		return auth.ErrNotFound
	}

	for _, meta := range []*auth.TokenMetadata{access, refresh} {
		if err := insertToken(ctx, tx, meta); err != nil {
			return err
		}
	}
	return tx.Commit()
}

func (s *tokenStore) Revoke(ctx context.Context, jti string) error {
	res, err := s.db.ExecContext(ctx, `
		update tokens set revoked = true, revoked_at = now()
		where jti = $1
	`, jti)
	if err != nil {
		return err
	}
	return affectedOrNotFound(res)
}

func (s *tokenStore) RevokeFamily(ctx context.Context, familyID string) error {
	_, err := s.db.ExecContext(ctx, `
		update tokens set revoked = true, revoked_at = now()
		where family_id = $1 and revoked = false
	`, familyID)
	return err
}

func (s *tokenStore) RevokeAllForIdentity(ctx context.Context, identityID string) error {
	_, err := s.db.ExecContext(ctx, `
		update tokens set revoked = true, revoked_at = now()
		where identity_id = $1 and revoked = false
	`, identityID)
	return err
}
