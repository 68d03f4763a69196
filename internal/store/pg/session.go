package pg

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"authcore.org/internal/auth"
)

type sessionStore struct {
	db *sql.DB
}

// Create inserts the session, then evicts the oldest rows beyond the cap and
// revokes their token families, all in one transaction. The identity row is
// locked first: concurrent opens for the same identity serialize on it, so at
// READ COMMITTED both cannot count the same pre-insert snapshot and overshoot
// the cap.
func (s *sessionStore) Create(ctx context.Context, session *auth.Session, maxPerIdentity int) ([]auth.Session, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	var locked int
	err = tx.QueryRowContext(ctx, `
		select 1 from identities where id = $1 for update
	`, session.IdentityID).Scan(&locked)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, auth.ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	if _, err := tx.ExecContext(ctx, `
		insert into sessions (id, identity_id, token_family_id, created_at, last_activity_at, ip, user_agent)
		values ($1, $2, $3, $4, $5, $6, $7)
	`, session.ID, session.IdentityID, session.TokenFamilyID, session.CreatedAt,
		session.LastActivityAt, nullIfEmpty(session.Client.IP), nullIfEmpty(session.Client.UserAgent)); err != nil {
		return nil, mapWriteError(err)
	}

	rows, err := tx.QueryContext(ctx, `
		select id, identity_id, token_family_id, created_at, last_activity_at,
		       coalesce(ip, ''), coalesce(user_agent, '')
		from sessions
		where identity_id = $1
		order by created_at desc, id
		offset $2
		for update
	`, session.IdentityID, maxPerIdentity)
	if err != nil {
		return nil, err
	}
	evicted, err := collectSessions(rows)
	if err != nil {
		return nil, err
	}
	if len(evicted) == 0 {
		return nil, tx.Commit()
	}

	evictedIDs := make([]string, 0, len(evicted))
	familyIDs := make([]string, 0, len(evicted))
	for _, ev := range evicted {
		evictedIDs = append(evictedIDs, ev.ID)
		if ev.TokenFamilyID != "" {
			familyIDs = append(familyIDs, ev.TokenFamilyID)
		}
	}

	holders, args := inClause(evictedIDs, 1)
	if _, err := tx.ExecContext(ctx, `delete from sessions where id in (`+holders+`)`, args...); err != nil {
		return nil, err
	}
	if len(familyIDs) > 0 {
		holders, args = inClause(familyIDs, 1)
		if _, err := tx.ExecContext(ctx, `
			update tokens set revoked = true, revoked_at = now()
			where family_id in (`+holders+`) and revoked = false
		`, args...); err != nil {
			return nil, err
		}
	}
	return evicted, tx.Commit()
}

func (s *sessionStore) Find(ctx context.Context, id string) (*auth.Session, error) {
	var session auth.Session
	err := s.db.QueryRowContext(ctx, `
		select id, identity_id, token_family_id, created_at, last_activity_at,
		       coalesce(ip, ''), coalesce(user_agent, '')
		from sessions
		where id = $1
	`, id).Scan(&session.ID, &session.IdentityID, &session.TokenFamilyID,
		&session.CreatedAt, &session.LastActivityAt, &session.Client.IP, &session.Client.UserAgent)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, auth.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &session, nil
}

func (s *sessionStore) Delete(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `delete from sessions where id = $1`, id)
	if err != nil {
		return err
	}
	return affectedOrNotFound(res)
}

func (s *sessionStore) DeleteByFamily(ctx context.Context, familyID string) error {
	res, err := s.db.ExecContext(ctx, `delete from sessions where token_family_id = $1`, familyID)
	if err != nil {
		return err
	}
	return affectedOrNotFound(res)
}

func (s *sessionStore) DeleteAllForIdentity(ctx context.Context, identityID string) error {
	_, err := s.db.ExecContext(ctx, `delete from sessions where identity_id = $1`, identityID)
	return err
}

func (s *sessionStore) ListByIdentity(ctx context.Context, identityID string) ([]auth.Session, error) {
	rows, err := s.db.QueryContext(ctx, `
		select id, identity_id, token_family_id, created_at, last_activity_at,
		       coalesce(ip, ''), coalesce(user_agent, '')
		from sessions
		where identity_id = $1
		order by created_at
	`, identityID)
	if err != nil {
		return nil, err
	}
	return collectSessions(rows)
}

func (s *sessionStore) Touch(ctx context.Context, id string, at time.Time) error {
	res, err := s.db.ExecContext(ctx, `
		update sessions set last_activity_at = $2 where id = $1
	`, id, at)
	if err != nil {
		return err
	}
	return affectedOrNotFound(res)
}

func collectSessions(rows *sql.Rows) ([]auth.Session, error) {
	defer rows.Close()
	var sessions []auth.Session
	for rows.Next() {
		var session auth.Session
		if err := rows.Scan(&session.ID, &session.IdentityID, &session.TokenFamilyID,
			&session.CreatedAt, &session.LastActivityAt, &session.Client.IP, &session.Client.UserAgent); err != nil {
			return nil, err
		}
		sessions = append(sessions, session)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return sessions, nil
}
