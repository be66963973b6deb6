package postgres

import (
	"context"
	"io/fs"
	"sort"
	"strings"

	"github.com/jmoiron/sqlx"

	"marketsim/pkg/errors"
	"marketsim/pkg/logger"
)

// Migrator applies {version}_{name}.up.sql files in order and records
// each applied version in schema_migrations.
type Migrator struct {
	db    *sqlx.DB
	files fs.FS
	dir   string
	log   *logger.Logger
}

// NewMigrator creates a migrator reading files from dir inside files
func NewMigrator(db *sqlx.DB, files fs.FS, dir string) *Migrator {
	return &Migrator{
		db:    db,
		files: files,
		dir:   dir,
		log:   logger.Get().With("component", "migrator"),
	}
}

// Up applies all pending up-migrations
func (m *Migrator) Up(ctx context.Context) error {
	if _, err := m.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version    TEXT PRIMARY KEY,
			filename   TEXT NOT NULL,
			applied_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)
	`); err != nil {
		return errors.Wrap(err, "ensure schema_migrations")
	}

	var versions []string
	if err := m.db.SelectContext(ctx, &versions, `SELECT version FROM schema_migrations`); err != nil {
		return errors.Wrap(err, "list applied migrations")
	}
	applied := make(map[string]bool, len(versions))
	for _, v := range versions {
		applied[v] = true
	}

	names, err := PendingFiles(m.files, m.dir, applied)
	if err != nil {
		return err
	}

	for _, name := range names {
		content, err := fs.ReadFile(m.files, m.dir+"/"+name)
		if err != nil {
			return errors.Wrapf(err, "read migration %s", name)
		}

		tx, err := m.db.BeginTxx(ctx, nil)
		if err != nil {
			return errors.Wrapf(err, "begin tx for %s", name)
		}
		if _, err := tx.ExecContext(ctx, string(content)); err != nil {
			_ = tx.Rollback()
			return errors.Wrapf(err, "exec migration %s", name)
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO schema_migrations (version, filename) VALUES ($1, $2)`,
			migrationVersion(name), name,
		); err != nil {
			_ = tx.Rollback()
			return errors.Wrapf(err, "record migration %s", name)
		}
		if err := tx.Commit(); err != nil {
			return errors.Wrapf(err, "commit migration %s", name)
		}

		m.log.Infow("Applied migration", "file", name)
	}

	return nil
}

// PendingFiles lists up-migrations in dir whose version is not in applied, in version order
func PendingFiles(files fs.FS, dir string, applied map[string]bool) ([]string, error) {
	entries, err := fs.ReadDir(files, dir)
	if err != nil {
		return nil, errors.Wrapf(err, "list migrations in %s", dir)
	}

	var names []string
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".up.sql") {
			continue
		}
		if applied[migrationVersion(e.Name())] {
			continue
		}
		names = append(names, e.Name())
	}

	sort.Strings(names)
	return names, nil
}

// migrationVersion returns the numeric prefix, e.g. "000001_accounts.up.sql" -> "000001"
func migrationVersion(filename string) string {
	parts := strings.SplitN(filename, "_", 2)
	return parts[0]
}
