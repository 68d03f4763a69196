package pg

import (
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"

	"authcore.org/internal/auth"
)

const (
	pgErrUniqueViolation     = "23505"
	pgErrForeignKeyViolation = "23503"
)

// Store realizes auth.Store over PostgreSQL. The graph lives in adjacency
// tables: group_members, role_assignments, role_parents and resource_grants
// are the edges, everything else the nodes.
type Store struct {
	db *sql.DB
}

var _ auth.Store = (*Store)(nil)

func Open(dsn string) (*Store, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, err
	}
	// Tuned pool defaults; adjust under load tests
	db.SetMaxOpenConns(50)
	db.SetMaxIdleConns(25)
	db.SetConnMaxLifetime(15 * time.Minute)
	db.SetConnMaxIdleTime(5 * time.Minute)
	return &Store{db: db}, nil
}

// NewWithDB wraps an existing connection, used by tests with sqlmock.
func NewWithDB(db *sql.DB) *Store { return &Store{db: db} }

func (s *Store) Close() error { return s.db.Close() }

func (s *Store) DB() *sql.DB { return s.db }

func (s *Store) Identities() auth.IdentityStore { return &identityStore{db: s.db} }
func (s *Store) Groups() auth.GroupStore        { return &groupStore{db: s.db} }
func (s *Store) Roles() auth.RoleStore          { return &roleStore{db: s.db} }
func (s *Store) Grants() auth.GrantStore        { return &grantStore{db: s.db} }
func (s *Store) Tokens() auth.TokenStore        { return &tokenStore{db: s.db} }
func (s *Store) APIKeys() auth.APIKeyStore      { return &apiKeyStore{db: s.db} }
func (s *Store) Sessions() auth.SessionStore    { return &sessionStore{db: s.db} }
func (s *Store) OAuth() auth.OAuthStore         { return &oauthStore{db: s.db} }
func (s *Store) MFA() auth.MFAStore             { return &mfaStore{db: s.db} }
func (s *Store) Audit() auth.AuditStore         { return &auditStore{db: s.db} }

func maybePgError(err error) (*pgconn.PgError, bool) {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr, true
	}
	return nil, false
}

func mapWriteError(err error) error {
	if pgErr, ok := maybePgError(err); ok {
		switch pgErr.Code {
		case pgErrUniqueViolation:
			return auth.ErrConflict
		case pgErrForeignKeyViolation:
			return auth.ErrNotFound
		}
	}
	return err
}

func nullIfEmpty(s string) sql.NullString {
	s = strings.TrimSpace(s)
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

func nullIfZero(t time.Time) sql.NullTime {
	if t.IsZero() {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: t, Valid: true}
}

// inClause renders "$start,$start+1,..." for one value per element.
func inClause(values []string, start int) (string, []any) {
	holders := make([]string, 0, len(values))
	args := make([]any, 0, len(values))
	for i, v := range values {
		holders = append(holders, fmt.Sprintf("$%d", start+i))
		args = append(args, v)
	}
	return strings.Join(holders, ","), args
}

func affectedOrNotFound(res sql.Result) error {
	aff, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if aff == 0 {
		return auth.ErrNotFound
	}
	return nil
}
