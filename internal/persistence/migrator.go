package persistence

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// Migrator applies the SQL files under a migrations directory in
// lexical version order. File naming follows the golang-migrate
// convention: {version}_{name}.up.sql with a matching .down.sql.
type Migrator struct {
	db  *sql.DB
	dir string
}

// migration is one version pair discovered on disk.
type migration struct {
	version  string
	upFile   string
	downFile string
}

func NewMigrator(db *sql.DB, dir string) *Migrator {
	return &Migrator{db: db, dir: dir}
}

// Up applies every migration not yet recorded in dsc_schema_migrations.
func (m *Migrator) Up(ctx context.Context) error {
	if err := m.ensureVersionTable(ctx); err != nil {
		return fmt.Errorf("ensure version table: %w", err)
	}

	migrations, err := m.discover()
	if err != nil {
		return fmt.Errorf("discover migrations: %w", err)
	}

	applied, err := m.appliedVersions(ctx)
	if err != nil {
		return fmt.Errorf("read applied versions: %w", err)
	}

	for _, mig := range migrations {
		if applied[mig.version] {
			continue
		}

		err := m.runInTx(ctx, mig.upFile, func(tx *sql.Tx) error {
			_, err := tx.ExecContext(ctx,
				`INSERT INTO public.dsc_schema_migrations (version, filename) VALUES ($1, $2)`,
				mig.version, mig.upFile)
			return err
		})
		if err != nil {
			return err
		}

		log.Printf("INFO: migration %s applied", mig.upFile)
	}

	return nil
}

// Down rolls back the most recently applied migration, if any.
func (m *Migrator) Down(ctx context.Context) error {
	if err := m.ensureVersionTable(ctx); err != nil {
		return fmt.Errorf("ensure version table: %w", err)
	}

	var version, upFile string
	err := m.db.QueryRowContext(ctx,
		`SELECT version, filename FROM public.dsc_schema_migrations ORDER BY version DESC LIMIT 1`,
	).Scan(&version, &upFile)
	if err == sql.ErrNoRows {
		log.Println("INFO: nothing to roll back")
		return nil
	}
	if err != nil {
		return fmt.Errorf("read latest version: %w", err)
	}

	downFile := strings.Replace(upFile, ".up.sql", ".down.sql", 1)
	err = m.runInTx(ctx, downFile, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx,
			`DELETE FROM public.dsc_schema_migrations WHERE version = $1`, version)
		return err
	})
	if err != nil {
		return err
	}

	log.Printf("INFO: migration %s rolled back", downFile)
	return nil
}

// runInTx executes one migration file and its bookkeeping statement in a
// single transaction.
func (m *Migrator) runInTx(ctx context.Context, file string, record func(*sql.Tx) error) error {
	content, err := os.ReadFile(filepath.Join(m.dir, file))
	if err != nil {
		return fmt.Errorf("read %s: %w", file, err)
	}

	tx, err := m.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx for %s: %w", file, err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, string(content)); err != nil {
		return fmt.Errorf("exec %s: %w", file, err)
	}
	if err := record(tx); err != nil {
		return fmt.Errorf("record %s: %w", file, err)
	}

	return tx.Commit()
}

func (m *Migrator) ensureVersionTable(ctx context.Context) error {
	_, err := m.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS public.dsc_schema_migrations (
			version    TEXT PRIMARY KEY,
			filename   TEXT NOT NULL,
			applied_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)
	`)
	return err
}

func (m *Migrator) appliedVersions(ctx context.Context) (map[string]bool, error) {
	rows, err := m.db.QueryContext(ctx, `SELECT version FROM public.dsc_schema_migrations`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	applied := make(map[string]bool)
	for rows.Next() {
		var v string
		if err := rows.Scan(&v); err != nil {
			return nil, err
		}
		applied[v] = true
	}
	return applied, rows.Err()
}

// discover lists the up-migrations on disk sorted by version prefix.
func (m *Migrator) discover() ([]migration, error) {
	entries, err := os.ReadDir(m.dir)
	if err != nil {
		return nil, err
	}

	var out []migration
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasSuffix(name, ".up.sql") {
			continue
		}
		version, _, ok := strings.Cut(name, "_")
		if !ok {
			return nil, fmt.Errorf("migration %s: expected {version}_{name}.up.sql", name)
		}
		out = append(out, migration{
			version:  version,
			upFile:   name,
			downFile: strings.Replace(name, ".up.sql", ".down.sql", 1),
		})
	}

	sort.Slice(out, func(i, j int) bool { return out[i].version < out[j].version })
	return out, nil
}
