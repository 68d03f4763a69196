package pg

import (
	"context"
	"database/sql"
	"errors"

	"authcore.org/internal/auth"
)

type groupStore struct {
	db *sql.DB
}

func (s *groupStore) Create(ctx context.Context, group *auth.Group) error {
	_, err := s.db.ExecContext(ctx, `
		insert into groups (id, name, created_at)
		values ($1, $2, $3)
	`, group.ID, group.Name, group.CreatedAt)
	if err != nil {
		return mapWriteError(err)
	}
	return nil
}

func (s *groupStore) Find(ctx context.Context, id string) (*auth.Group, error) {
	var group auth.Group
	err := s.db.QueryRowContext(ctx, `
		select id, name, created_at from groups where id = $1
	`, id).Scan(&group.ID, &group.Name, &group.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, auth.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &group, nil
}

func (s *groupStore) AddMember(ctx context.Context, groupID, identityID string) error {
	_, err := s.db.ExecContext(ctx, `
		insert into group_members (group_id, identity_id)
		values ($1, $2)
	`, groupID, identityID)
	if err != nil {
		return mapWriteError(err)
	}
	return nil
}

func (s *groupStore) RemoveMember(ctx context.Context, groupID, identityID string) error {
	res, err := s.db.ExecContext(ctx, `
		delete from group_members where group_id = $1 and identity_id = $2
	`, groupID, identityID)
	if err != nil {
		return err
	}
	return affectedOrNotFound(res)
}

func (s *groupStore) GroupsOf(ctx context.Context, identityID string) ([]auth.Group, error) {
	rows, err := s.db.QueryContext(ctx, `
		select g.id, g.name, g.created_at
		from groups g
		join group_members m on m.group_id = g.id
		where m.identity_id = $1
		order by g.name
	`, identityID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var groups []auth.Group
	for rows.Next() {
		var g auth.Group
		if err := rows.Scan(&g.ID, &g.Name, &g.CreatedAt); err != nil {
			return nil, err
		}
		groups = append(groups, g)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return groups, nil
}
