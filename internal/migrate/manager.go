// Package migrate applies SQL migration and seed files from disk. Each file
// runs in its own transaction together with its bookkeeping row, so a failed
// statement leaves neither half behind.
package migrate

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

const appliedTable = "schema_applied"

// Manager runs the migration and seed files for the access-control schema.
type Manager struct {
	db            *sql.DB
	migrationsDir string
	seedsDir      string
}

// NewManager constructs a Manager over an open pool.
func NewManager(db *sql.DB, migrationsDir, seedsDir string) *Manager {
	return &Manager{db: db, migrationsDir: migrationsDir, seedsDir: seedsDir}
}

// Up applies every pending .up.sql file in lexical order.
func (m *Manager) Up(ctx context.Context) error {
	return m.applyDir(ctx, m.migrationsDir, ".up.sql", "migration")
}

// Seed applies every pending seed file. Seeds are tracked like migrations,
// so re-running is a no-op.
func (m *Manager) Seed(ctx context.Context) error {
	return m.applyDir(ctx, m.seedsDir, ".sql", "seed")
}

// Down rolls back the most recently applied migration using its .down.sql
// counterpart.
func (m *Manager) Down(ctx context.Context) error {
	if err := m.ensureTable(ctx); err != nil {
		return err
	}
	applied, err := m.appliedNames(ctx, "migration")
	if err != nil {
		return err
	}
	if len(applied) == 0 {
		return errors.New("no migrations applied")
	}
	last := applied[len(applied)-1]
	downName := strings.TrimSuffix(last, ".up.sql") + ".down.sql"
	script, err := os.ReadFile(filepath.Join(m.migrationsDir, downName))
	if err != nil {
		return fmt.Errorf("missing down migration for %s: %w", last, err)
	}

	tx, err := m.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()
	if err := execScript(ctx, tx, string(script)); err != nil {
		return fmt.Errorf("rollback %s: %w", last, err)
	}
	if _, err := tx.ExecContext(ctx,
		`delete from `+appliedTable+` where name=$1 and kind=$2`, last, "migration"); err != nil {
		return err
	}
	return tx.Commit()
}

// Status returns applied migrations in apply order.
func (m *Manager) Status(ctx context.Context) ([]string, error) {
	if err := m.ensureTable(ctx); err != nil {
		return nil, err
	}
	return m.appliedNames(ctx, "migration")
}

func (m *Manager) applyDir(ctx context.Context, dir, suffix, kind string) error {
	if err := m.ensureTable(ctx); err != nil {
		return err
	}
	names, err := pendingFiles(dir, suffix)
	if err != nil {
		return err
	}
	applied, err := m.appliedNames(ctx, kind)
	if err != nil {
		return err
	}
	done := make(map[string]struct{}, len(applied))
	for _, name := range applied {
		done[name] = struct{}{}
	}

	for _, name := range names {
		if _, ok := done[name]; ok {
			continue
		}
		if err := m.applyOne(ctx, filepath.Join(dir, name), name, kind); err != nil {
			return fmt.Errorf("apply %s %s: %w", kind, name, err)
		}
	}
	return nil
}

func (m *Manager) applyOne(ctx context.Context, path, name, kind string) error {
	script, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	tx, err := m.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()
	if err := execScript(ctx, tx, string(script)); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx,
		`insert into `+appliedTable+` (name, kind) values ($1,$2)`, name, kind); err != nil {
		return err
	}
	return tx.Commit()
}

func (m *Manager) ensureTable(ctx context.Context) error {
	_, err := m.db.ExecContext(ctx, `
		create table if not exists `+appliedTable+` (
			name       text not null,
			kind       text not null,
			applied_at timestamptz not null default now(),
			primary key (name, kind)
		)`)
	return err
}

func (m *Manager) appliedNames(ctx context.Context, kind string) ([]string, error) {
	rows, err := m.db.QueryContext(ctx,
		`select name from `+appliedTable+` where kind=$1 order by applied_at, name`, kind)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var names []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, err
		}
		names = append(names, name)
	}
	return names, rows.Err()
}

func pendingFiles(dir, suffix string) ([]string, error) {
	if dir == "" {
		return nil, nil
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}
	var names []string
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), suffix) {
			continue
		}
		names = append(names, entry.Name())
	}
	sort.Strings(names)
	return names, nil
}

// execScript runs the statements of one SQL file inside the given
// transaction, splitting on semicolons outside single-quoted strings.
func execScript(ctx context.Context, tx *sql.Tx, script string) error {
	var (
		current  strings.Builder
		inString bool
	)
	run := func() error {
		stmt := strings.TrimSpace(current.String())
		current.Reset()
		if stmt == "" {
			return nil
		}
		_, err := tx.ExecContext(ctx, stmt)
		return err
	}
	for _, r := range script {
		switch {
		case r == '\'':
			inString = !inString
			current.WriteRune(r)
		case r == ';' && !inString:
			if err := run(); err != nil {
				return err
			}
		default:
			current.WriteRune(r)
		}
	}
	return run()
}
