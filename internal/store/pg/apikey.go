package pg

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"authcore.org/internal/auth"
)

type apiKeyStore struct {
	db *sql.DB
}

const apiKeyColumns = `id, identity_id, name, secret_hash, scope, expires_at, last_used_at, revoked, created_at`

func (s *apiKeyStore) Create(ctx context.Context, key *auth.APIKey) error {
	scope, err := marshalScope(key.Scope)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		insert into api_keys (`+apiKeyColumns+`)
		values ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`, key.ID, key.IdentityID, nullIfEmpty(key.Name), key.SecretHash, scope,
		nullTimePtr(key.ExpiresAt), nullTimePtr(key.LastUsedAt), key.Revoked, key.CreatedAt)
	if err != nil {
		return mapWriteError(err)
	}
	return nil
}

func (s *apiKeyStore) Find(ctx context.Context, id string) (*auth.APIKey, error) {
	row := s.db.QueryRowContext(ctx, `
		select `+apiKeyColumns+` from api_keys where id = $1
	`, id)
	key, err := scanAPIKey(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, auth.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return key, nil
}

func (s *apiKeyStore) ListByIdentity(ctx context.Context, identityID string) ([]auth.APIKey, error) {
	rows, err := s.db.QueryContext(ctx, `
		select `+apiKeyColumns+` from api_keys
		where identity_id = $1
		order by created_at
	`, identityID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var keys []auth.APIKey
	for rows.Next() {
		key, err := scanAPIKey(rows)
		if err != nil {
			return nil, err
		}
		keys = append(keys, *key)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return keys, nil
}

func (s *apiKeyStore) ReplaceSecret(ctx context.Context, id, secretHash string) error {
	res, err := s.db.ExecContext(ctx, `
		update api_keys set secret_hash = $2 where id = $1 and revoked = false
	`, id, secretHash)
	if err != nil {
		return err
	}
	return affectedOrNotFound(res)
}

func (s *apiKeyStore) Revoke(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `
		update api_keys set revoked = true where id = $1
	`, id)
	if err != nil {
		return err
	}
	return affectedOrNotFound(res)
}

func (s *apiKeyStore) TouchLastUsed(ctx context.Context, id string, at time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		update api_keys set last_used_at = $2 where id = $1
	`, id, at)
	return err
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanAPIKey(row rowScanner) (*auth.APIKey, error) {
	var (
		key      auth.APIKey
		name     sql.NullString
		scope    []byte
		expires  sql.NullTime
		lastUsed sql.NullTime
	)
	if err := row.Scan(&key.ID, &key.IdentityID, &name, &key.SecretHash, &scope,
		&expires, &lastUsed, &key.Revoked, &key.CreatedAt); err != nil {
		return nil, err
	}
	if name.Valid {
		key.Name = name.String
	}
	if len(scope) > 0 {
		if err := json.Unmarshal(scope, &key.Scope); err != nil {
			return nil, fmt.Errorf("decode scope: %w", err)
		}
	}
	if expires.Valid {
		t := expires.Time
		key.ExpiresAt = &t
	}
	if lastUsed.Valid {
		t := lastUsed.Time
		key.LastUsedAt = &t
	}
	return &key, nil
}

func marshalScope(scope []string) ([]byte, error) {
	if len(scope) == 0 {
		return []byte("[]"), nil
	}
	data, err := json.Marshal(scope)
	if err != nil {
		return nil, fmt.Errorf("marshal scope: %w", err)
	}
	return data, nil
}

func nullTimePtr(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}
