package pg

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"authcore.org/internal/auth"
)

type grantStore struct {
	db *sql.DB
}

func (s *grantStore) Upsert(ctx context.Context, grant *auth.ResourceGrant) error {
	actions, err := json.Marshal(grant.Actions)
	if err != nil {
		return fmt.Errorf("marshal actions: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		insert into resource_grants (id, subject_kind, subject_id, resource_id, actions, created_at)
		values ($1, $2, $3, $4, $5, $6)
		on conflict (subject_id, resource_id) do update
		set actions = excluded.actions
	`, grant.ID, string(grant.SubjectKind), grant.SubjectID, grant.ResourceID, actions, grant.CreatedAt)
	if err != nil {
		return mapWriteError(err)
	}
	return nil
}

func (s *grantStore) Delete(ctx context.Context, subjectID, resourceID string) error {
	res, err := s.db.ExecContext(ctx, `
		delete from resource_grants where subject_id = $1 and resource_id = $2
	`, subjectID, resourceID)
	if err != nil {
		return err
	}
	return affectedOrNotFound(res)
}

func (s *grantStore) ActionsFor(ctx context.Context, subjectIDs []string, resourceID string) ([]string, error) {
	if len(subjectIDs) == 0 {
		return nil, nil
	}
	holders, args := inClause(subjectIDs, 2)
	rows, err := s.db.QueryContext(ctx, `
		select actions from resource_grants
		where resource_id = $1 and subject_id in (`+holders+`)
	`, append([]any{resourceID}, args...)...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	seen := make(map[string]struct{})
	var out []string
	for rows.Next() {
		var raw []byte
		if err := rows.Scan(&raw); err != nil {
			return nil, err
		}
		var actions []string
		if err := json.Unmarshal(raw, &actions); err != nil {
			return nil, fmt.Errorf("decode actions: %w", err)
		}
		for _, a := range actions {
			if _, ok := seen[a]; ok {
				continue
			}
			seen[a] = struct{}{}
			out = append(out, a)
		}
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}
