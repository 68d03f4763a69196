package migrate

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io/fs"
	"sort"
	"strings"
	"time"
)

const (
	defaultLedgerTable = "schema_ledger"
	// Advisory lock key shared by every runner instance so concurrent
	// deploys serialize instead of racing DDL.
	defaultLockKey = 0x41757468 // "Auth"

	kindMigration = "migration"
	kindSeed      = "seed"
)

// Manager applies SQL migration and seed files from an fs.FS, normally the
// embedded migrations directory so the binary carries its own schema. All
// bookkeeping lives in one ledger table keyed by (kind, name); each file runs
// in its own transaction together with its ledger row, so a failed file leaves
// no half-applied record.
type Manager struct {
	db            *sql.DB
	fsys          fs.FS
	migrationsDir string
	seedsDir      string
	ledgerTable   string
	lockKey       int64
}

// Option configures Manager.
type Option func(*Manager)

// WithLedgerTable overrides the bookkeeping table name.
func WithLedgerTable(name string) Option {
	return func(m *Manager) {
		if name != "" {
			m.ledgerTable = name
		}
	}
}

// WithLockKey overrides the advisory lock key, for test databases shared
// between suites.
func WithLockKey(key int64) Option {
	return func(m *Manager) { m.lockKey = key }
}

// NewManager constructs a Manager reading from fsys. seedsDir may be empty
// when the deployment carries no seeds.
func NewManager(db *sql.DB, fsys fs.FS, migrationsDir, seedsDir string, opts ...Option) *Manager {
	m := &Manager{
		db:            db,
		fsys:          fsys,
		migrationsDir: migrationsDir,
		seedsDir:      seedsDir,
		ledgerTable:   defaultLedgerTable,
		lockKey:       defaultLockKey,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Applied is one ledger entry.
type Applied struct {
	Kind      string
	Name      string
	AppliedAt time.Time
}

// Up applies all pending migrations in lexical order.
func (m *Manager) Up(ctx context.Context) error {
	return m.withLock(ctx, func(ctx context.Context) error {
		return m.applyPending(ctx, kindMigration, m.migrationsDir, ".up.sql")
	})
}

// Seed applies pending seed files. Seeds are tracked like migrations so a
// redeploy never re-inserts them.
func (m *Manager) Seed(ctx context.Context) error {
	if m.seedsDir == "" {
		return nil
	}
	return m.withLock(ctx, func(ctx context.Context) error {
		return m.applyPending(ctx, kindSeed, m.seedsDir, ".sql")
	})
}

// Down rolls back the most recently applied migration using its .down.sql
// counterpart.
func (m *Manager) Down(ctx context.Context) error {
	return m.withLock(ctx, func(ctx context.Context) error {
		entries, err := m.ledger(ctx)
		if err != nil {
			return err
		}
		var last *Applied
		for i := len(entries) - 1; i >= 0; i-- {
			if entries[i].Kind == kindMigration {
				last = &entries[i]
				break
			}
		}
		if last == nil {
			return errors.New("no migrations applied")
		}
		downPath := m.migrationsDir + "/" + strings.TrimSuffix(last.Name, ".up.sql") + ".down.sql"
		if _, err := fs.Stat(m.fsys, downPath); err != nil {
			return fmt.Errorf("missing down file for %s", last.Name)
		}
		return m.runFile(ctx, downPath, func(ctx context.Context, tx *sql.Tx) error {
			_, err := tx.ExecContext(ctx,
				fmt.Sprintf(`delete from %s where kind = $1 and name = $2`, m.ledgerTable),
				kindMigration, last.Name)
			return err
		})
	})
}

// Status returns the ledger, oldest first.
func (m *Manager) Status(ctx context.Context) ([]Applied, error) {
	if err := m.ensureLedger(ctx); err != nil {
		return nil, err
	}
	return m.ledger(ctx)
}

// withLock serializes runners across processes via a session advisory lock.
func (m *Manager) withLock(ctx context.Context, fn func(context.Context) error) error {
	conn, err := m.db.Conn(ctx)
	if err != nil {
		return err
	}
	defer conn.Close()
	if _, err := conn.ExecContext(ctx, `select pg_advisory_lock($1)`, m.lockKey); err != nil {
		return fmt.Errorf("acquire migration lock: %w", err)
	}
	defer func() {
		_, _ = conn.ExecContext(context.WithoutCancel(ctx), `select pg_advisory_unlock($1)`, m.lockKey)
	}()
	if err := m.ensureLedger(ctx); err != nil {
		return err
	}
	return fn(ctx)
}

func (m *Manager) applyPending(ctx context.Context, kind, dir, suffix string) error {
	names, err := m.sqlFiles(dir, suffix)
	if err != nil {
		return err
	}
	entries, err := m.ledger(ctx)
	if err != nil {
		return err
	}
	done := make(map[string]bool, len(entries))
	for _, e := range entries {
		if e.Kind == kind {
			done[e.Name] = true
		}
	}
	for _, name := range names {
		if done[name] {
			continue
		}
		err := m.runFile(ctx, dir+"/"+name, func(ctx context.Context, tx *sql.Tx) error {
			_, err := tx.ExecContext(ctx,
				fmt.Sprintf(`insert into %s(kind, name, applied_at) values ($1, $2, $3)`, m.ledgerTable),
				kind, name, time.Now().UTC())
			return err
		})
		if err != nil {
			return fmt.Errorf("apply %s %s: %w", kind, name, err)
		}
	}
	return nil
}

// runFile executes every statement of one SQL file plus the ledger write in a
// single transaction.
func (m *Manager) runFile(ctx context.Context, path string, record func(context.Context, *sql.Tx) error) error {
	raw, err := fs.ReadFile(m.fsys, path)
	if err != nil {
		return err
	}
	tx, err := m.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()
	for _, stmt := range statements(string(raw)) {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return err
		}
	}
	if err := record(ctx, tx); err != nil {
		return err
	}
	return tx.Commit()
}

func (m *Manager) ensureLedger(ctx context.Context) error {
	_, err := m.db.ExecContext(ctx, fmt.Sprintf(`
		create table if not exists %s (
			kind text not null,
			name text not null,
			applied_at timestamptz not null default now(),
			primary key (kind, name)
		)`, m.ledgerTable))
	return err
}

func (m *Manager) ledger(ctx context.Context) ([]Applied, error) {
	rows, err := m.db.QueryContext(ctx,
		fmt.Sprintf(`select kind, name, applied_at from %s order by applied_at, name`, m.ledgerTable))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Applied
	for rows.Next() {
		var a Applied
		if err := rows.Scan(&a.Kind, &a.Name, &a.AppliedAt); err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

func (m *Manager) sqlFiles(dir, suffix string) ([]string, error) {
	entries, err := fs.ReadDir(m.fsys, dir)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}
	var names []string
	for _, e := range entries {
		if !e.IsDir() && strings.HasSuffix(e.Name(), suffix) {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)
	return names, nil
}

// statements splits a file into executable chunks on semicolons outside
// single-quoted strings. The pgx stdlib driver rejects multi-statement Exec,
// so files must be split client-side. Dollar-quoted bodies are not supported;
// schema files here do not use them.
func statements(src string) []string {
	var out []string
	start := 0
	quoted := false
	for i, r := range src {
		switch r {
		case '\'':
			quoted = !quoted
		case ';':
			if !quoted {
				if s := strings.TrimSpace(src[start : i+1]); s != "" {
					out = append(out, s)
				}
				start = i + 1
			}
		}
	}
	if s := strings.TrimSpace(src[start:]); s != "" {
		out = append(out, s)
	}
	return out
}
