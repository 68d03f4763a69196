package pg

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"authcore.org/internal/auth"
)

type oauthStore struct {
	db *sql.DB
}

func (s *oauthStore) Link(ctx context.Context, link *auth.OAuthIdentity) error {
	_, err := s.db.ExecContext(ctx, `
		insert into oauth_identities (provider, subject, identity_id, created_at)
		values ($1, $2, $3, $4)
	`, link.Provider, link.Subject, link.IdentityID, link.CreatedAt)
	if err != nil {
		return mapWriteError(err)
	}
	return nil
}

func (s *oauthStore) FindBySubject(ctx context.Context, provider, subject string) (*auth.OAuthIdentity, error) {
	var link auth.OAuthIdentity
	err := s.db.QueryRowContext(ctx, `
		select provider, subject, identity_id, coalesce(encrypted_tokens, ''), created_at
		from oauth_identities
		where provider = $1 and subject = $2
	`, provider, subject).Scan(&link.Provider, &link.Subject, &link.IdentityID, &link.EncryptedTokens, &link.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, auth.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &link, nil
}

func (s *oauthStore) SaveProviderTokens(ctx context.Context, provider, subject string, encrypted []byte) error {
	res, err := s.db.ExecContext(ctx, `
		update oauth_identities set encrypted_tokens = $3
		where provider = $1 and subject = $2
	`, provider, subject, encrypted)
	if err != nil {
		return err
	}
	return affectedOrNotFound(res)
}

func (s *oauthStore) SaveState(ctx context.Context, state, provider string, expiresAt time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		insert into oauth_states (state, provider, expires_at)
		values ($1, $2, $3)
	`, state, provider, expiresAt)
	if err != nil {
		return mapWriteError(err)
	}
	return nil
}

func (s *oauthStore) ConsumeState(ctx context.Context, state string, now time.Time) (string, error) {
	var provider string
	err := s.db.QueryRowContext(ctx, `
		update oauth_states set consumed_at = $2
		where state = $1 and consumed_at is null and expires_at > $2
		returning provider
	`, state, now).Scan(&provider)
	if errors.Is(err, sql.ErrNoRows) {
		return "", auth.ErrNotFound
	}
	if err != nil {
		return "", err
	}
	return provider, nil
}
