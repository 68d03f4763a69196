package pg

import (
	"context"
	"database/sql"
	"errors"

	"authcore.org/internal/auth"
)

type roleStore struct {
	db *sql.DB
}

func (s *roleStore) Create(ctx context.Context, role *auth.Role) error {
	_, err := s.db.ExecContext(ctx, `
		insert into roles (id, name, description, created_at, updated_at)
		values ($1, $2, $3, $4, $5)
	`, role.ID, role.Name, nullIfEmpty(role.Description), role.CreatedAt, role.UpdatedAt)
	if err != nil {
		return mapWriteError(err)
	}
	return nil
}

func (s *roleStore) Find(ctx context.Context, id string) (*auth.Role, error) {
	return s.findWhere(ctx, `id = $1`, id)
}

func (s *roleStore) FindByName(ctx context.Context, name string) (*auth.Role, error) {
	return s.findWhere(ctx, `name = $1`, name)
}

func (s *roleStore) findWhere(ctx context.Context, where string, arg any) (*auth.Role, error) {
	var (
		role auth.Role
		desc sql.NullString
	)
	err := s.db.QueryRowContext(ctx, `
		select id, name, description, created_at, updated_at
		from roles
		where `+where,
		arg,
	).Scan(&role.ID, &role.Name, &desc, &role.CreatedAt, &role.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, auth.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if desc.Valid {
		role.Description = desc.String
	}
	return &role, nil
}

func (s *roleStore) AssignToIdentity(ctx context.Context, roleID, identityID string) error {
	return s.assign(ctx, roleID, auth.SubjectIdentity, identityID)
}

func (s *roleStore) AssignToGroup(ctx context.Context, roleID, groupID string) error {
	return s.assign(ctx, roleID, auth.SubjectGroup, groupID)
}

func (s *roleStore) assign(ctx context.Context, roleID string, kind auth.SubjectKind, subjectID string) error {
	_, err := s.db.ExecContext(ctx, `
		insert into role_assignments (role_id, subject_kind, subject_id)
		values ($1, $2, $3)
	`, roleID, string(kind), subjectID)
	if err != nil {
		return mapWriteError(err)
	}
	return nil
}

func (s *roleStore) Unassign(ctx context.Context, roleID, subjectID string) error {
	res, err := s.db.ExecContext(ctx, `
		delete from role_assignments where role_id = $1 and subject_id = $2
	`, roleID, subjectID)
	if err != nil {
		return err
	}
	return affectedOrNotFound(res)
}

func (s *roleStore) DirectRoleIDs(ctx context.Context, identityID string) ([]string, error) {
	return s.collect(ctx, `
		select role_id from role_assignments
		where subject_kind = 'identity' and subject_id = $1
	`, identityID)
}

func (s *roleStore) RoleIDsForGroups(ctx context.Context, groupIDs []string) ([]string, error) {
	if len(groupIDs) == 0 {
		return nil, nil
	}
	holders, args := inClause(groupIDs, 1)
	return s.collect(ctx, `
		select distinct role_id from role_assignments
		where subject_kind = 'group' and subject_id in (`+holders+`)
	`, args...)
}

func (s *roleStore) ParentRoleIDs(ctx context.Context, roleIDs []string) ([]string, error) {
	if len(roleIDs) == 0 {
		return nil, nil
	}
	holders, args := inClause(roleIDs, 1)
	return s.collect(ctx, `
		select distinct parent_id from role_parents
		where child_id in (`+holders+`)
	`, args...)
}

func (s *roleStore) AddParent(ctx context.Context, childID, parentID string) error {
	_, err := s.db.ExecContext(ctx, `
		insert into role_parents (child_id, parent_id)
		values ($1, $2)
	`, childID, parentID)
	if err != nil {
		return mapWriteError(err)
	}
	return nil
}

func (s *roleStore) RemoveParent(ctx context.Context, childID, parentID string) error {
	res, err := s.db.ExecContext(ctx, `
		delete from role_parents where child_id = $1 and parent_id = $2
	`, childID, parentID)
	if err != nil {
		return err
	}
	return affectedOrNotFound(res)
}

func (s *roleStore) SetPermissions(ctx context.Context, roleID string, permissions []string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	var exists int
	if err := tx.QueryRowContext(ctx, `select 1 from roles where id = $1`, roleID).Scan(&exists); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return auth.ErrNotFound
		}
		return err
	}

	if _, err := tx.ExecContext(ctx, `delete from role_permissions where role_id = $1`, roleID); err != nil {
		return err
	}
	for _, perm := range permissions {
		if _, err := tx.ExecContext(ctx, `
			insert into role_permissions (role_id, permission)
			values ($1, $2)
		`, roleID, perm); err != nil {
			return mapWriteError(err)
		}
	}
	return tx.Commit()
}

func (s *roleStore) PermissionsForRoles(ctx context.Context, roleIDs []string) ([]string, error) {
	if len(roleIDs) == 0 {
		return nil, nil
	}
	holders, args := inClause(roleIDs, 1)
	return s.collect(ctx, `
		select distinct permission from role_permissions
		where role_id in (`+holders+`)
	`, args...)
}

func (s *roleStore) collect(ctx context.Context, query string, args ...any) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var v string
		if err := rows.Scan(&v); err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}
