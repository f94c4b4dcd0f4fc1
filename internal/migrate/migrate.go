// Package migrate runs versioned SQL migration files against a DSN,
// tracking the applied version in a migrations table.
package migrate

import (
	"context"
	"database/sql"
	"fmt"
	"io/fs"
	"path"
	"sort"
	"strconv"
	"strings"

	"github.com/zeebo/errs"
)

// Class classifies migration errors for the caller's error taxonomy.
var Class = errs.Class("migrate")

// Step is a single numbered migration.
type Step struct {
	Version     int
	Description string
	SQL         string
}

// LoadDir reads *.sql files named "<version>_<description>.sql" out of
// dir and returns them sorted by version.
func LoadDir(dir fs.FS) ([]Step, error) {
	entries, err := fs.ReadDir(dir, ".")
	if err != nil {
		return nil, Class.Wrap(err)
	}

	var steps []Step
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".sql") {
			continue
		}
		version, description, err := parseName(e.Name())
		if err != nil {
			return nil, Class.Wrap(err)
		}
		contents, err := fs.ReadFile(dir, e.Name())
		if err != nil {
			return nil, Class.Wrap(err)
		}
		steps = append(steps, Step{Version: version, Description: description, SQL: string(contents)})
	}

	sort.Slice(steps, func(i, j int) bool { return steps[i].Version < steps[j].Version })
	return steps, nil
}

func parseName(name string) (version int, description string, err error) {
	base := strings.TrimSuffix(path.Base(name), ".sql")
	idx := strings.IndexByte(base, '_')
	if idx < 0 {
		return 0, "", errs.New("migration filename %q missing version prefix", name)
	}
	version, err = strconv.Atoi(base[:idx])
	if err != nil {
		return 0, "", errs.New("migration filename %q has non-numeric version: %w", name, err)
	}
	return version, base[idx+1:], nil
}

// EnsureTable creates the migrations bookkeeping table if absent. The
// table lives in the storage schema alongside the rest of a tenant's
// schema, which on a brand new database doesn't exist yet, so this
// also creates that schema rather than assuming migration 1 has
// already run.
func EnsureTable(ctx context.Context, db *sql.DB) error {
	if _, err := db.ExecContext(ctx, `CREATE SCHEMA IF NOT EXISTS storage`); err != nil {
		return Class.Wrap(err)
	}
	_, err := db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS storage.migrations (
			version INTEGER PRIMARY KEY,
			description TEXT NOT NULL,
			applied_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)`)
	return Class.Wrap(err)
}

// AppliedVersion returns the highest applied migration version, or 0 if
// none have been applied yet.
func AppliedVersion(ctx context.Context, db *sql.DB) (int, error) {
	var version sql.NullInt64
	err := db.QueryRowContext(ctx, `SELECT max(version) FROM storage.migrations`).Scan(&version)
	if err != nil {
		return 0, Class.Wrap(err)
	}
	return int(version.Int64), nil
}

// Run applies every step with Version greater than the currently applied
// version, up to and including target (or all of them when target is 0),
// each inside its own transaction.
func Run(ctx context.Context, db *sql.DB, steps []Step, target int) error {
	if err := EnsureTable(ctx, db); err != nil {
		return err
	}
	current, err := AppliedVersion(ctx, db)
	if err != nil {
		return err
	}

	for _, step := range steps {
		if step.Version <= current {
			continue
		}
		if target != 0 && step.Version > target {
			break
		}
		if err := applyStep(ctx, db, step); err != nil {
			return Class.Wrap(fmt.Errorf("migration %d (%s): %w", step.Version, step.Description, err))
		}
	}
	return nil
}

func applyStep(ctx context.Context, db *sql.DB, step Step) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, step.SQL); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO storage.migrations (version, description) VALUES ($1, $2)`,
		step.Version, step.Description); err != nil {
		return err
	}
	return tx.Commit()
}
