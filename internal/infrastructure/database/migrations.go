package database

import (
	"context"
	"fmt"
	"io/fs"
	"path"
	"sort"
	"strings"
	"time"
)

// MigrationsFS holds the migration files. The migrations package sets it
// from its embedded SQL files.
var MigrationsFS fs.FS

// MigrationsDir is the directory inside MigrationsFS that holds the files.
var MigrationsDir = "migrations"

// upSuffix marks a forward migration. Down files are kept next to them for
// manual rollback and are never run by the bridge.
const upSuffix = ".up.sql"

// Migration is one forward schema change, read from
// YYYYMMDD_HHMMSS_name.up.sql.
type Migration struct {
	Version string
	Name    string
	SQL     string
}

// SchemaStatus is the applied and pending migrations of a database.
type SchemaStatus struct {
	// Applied lists applied versions, oldest first.
	Applied []string

	// Pending lists migrations not yet applied, oldest first.
	Pending []Migration
}

// Current reports whether no migration is pending.
func (s SchemaStatus) Current() bool {
	return len(s.Pending) == 0
}

// Version returns the newest applied version, or "" for an empty schema.
func (s SchemaStatus) Version() string {
	if len(s.Applied) == 0 {
		return ""
	}
	return s.Applied[len(s.Applied)-1]
}

// Migrate applies every pending migration in version order, each in its own
// transaction. A failing migration is rolled back and stops the run; the
// ones before it stay applied, so running Migrate again resumes there.
//
// Returns:
//   - []Migration: The migrations applied by this call
//   - error: The first failure
func (db *DB) Migrate(ctx context.Context) ([]Migration, error) {
	if db.readOnly {
		return nil, fmt.Errorf("migrating %s: database is read-only", db.path)
	}
	if _, err := db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version TEXT PRIMARY KEY,
			applied_at TEXT NOT NULL
		)`); err != nil {
		return nil, fmt.Errorf("creating schema_migrations: %w", err)
	}

	status, err := db.SchemaStatus(ctx)
	if err != nil {
		return nil, err
	}

	var applied []Migration
	for _, m := range status.Pending {
		if err := db.apply(ctx, m); err != nil {
			return applied, fmt.Errorf("applying migration %s (%s): %w", m.Version, m.Name, err)
		}
		applied = append(applied, m)
	}
	return applied, nil
}

// SchemaStatus compares the applied versions with the embedded migrations.
// A database that was never migrated has nothing applied.
func (db *DB) SchemaStatus(ctx context.Context) (SchemaStatus, error) {
	migrations, err := LoadMigrations()
	if err != nil {
		return SchemaStatus{}, err
	}
	applied, err := db.appliedVersions(ctx)
	if err != nil {
		return SchemaStatus{}, err
	}

	done := make(map[string]bool, len(applied))
	for _, v := range applied {
		done[v] = true
	}
	status := SchemaStatus{Applied: applied}
	for _, m := range migrations {
		if !done[m.Version] {
			status.Pending = append(status.Pending, m)
		}
	}
	return status, nil
}

func (db *DB) appliedVersions(ctx context.Context) ([]string, error) {
	var n int
	if err := db.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM sqlite_master WHERE type = 'table' AND name = 'schema_migrations'",
	).Scan(&n); err != nil {
		return nil, fmt.Errorf("reading schema: %w", err)
	}
	if n == 0 {
		return nil, nil
	}

	rows, err := db.QueryContext(ctx, "SELECT version FROM schema_migrations ORDER BY version")
	if err != nil {
		return nil, fmt.Errorf("reading applied migrations: %w", err)
	}
	defer rows.Close()

	var versions []string
	for rows.Next() {
		var v string
		if err := rows.Scan(&v); err != nil {
			return nil, fmt.Errorf("reading applied migrations: %w", err)
		}
		versions = append(versions, v)
	}
	return versions, rows.Err()
}

func (db *DB) apply(ctx context.Context, m Migration) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("starting transaction: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck // no-op after commit

	if _, err := tx.ExecContext(ctx, m.SQL); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx,
		"INSERT INTO schema_migrations (version, applied_at) VALUES (?, ?)",
		m.Version, time.Now().UTC().Format(time.RFC3339),
	); err != nil {
		return fmt.Errorf("recording version: %w", err)
	}
	return tx.Commit()
}

// LoadMigrations reads the forward migrations from MigrationsFS, oldest
// first. Files that do not follow the naming scheme are ignored.
func LoadMigrations() ([]Migration, error) {
	if MigrationsFS == nil {
		return nil, nil
	}
	entries, err := fs.ReadDir(MigrationsFS, MigrationsDir)
	if err != nil {
		return nil, fmt.Errorf("reading migrations: %w", err)
	}

	var migrations []Migration
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		version, name, ok := parseMigrationFilename(e.Name())
		if !ok {
			continue
		}
		body, err := fs.ReadFile(MigrationsFS, path.Join(MigrationsDir, e.Name()))
		if err != nil {
			return nil, fmt.Errorf("reading %s: %w", e.Name(), err)
		}
		migrations = append(migrations, Migration{Version: version, Name: name, SQL: string(body)})
	}

	sort.Slice(migrations, func(i, j int) bool {
		return migrations[i].Version < migrations[j].Version
	})
	return migrations, nil
}

// parseMigrationFilename splits "20260301_090000_velbus_modules.up.sql" into
// version "20260301_090000" and name "velbus_modules".
func parseMigrationFilename(filename string) (version, name string, ok bool) {
	base, found := strings.CutSuffix(filename, upSuffix)
	if !found {
		return "", "", false
	}
	parts := strings.SplitN(base, "_", 3) //nolint:mnd // date, time, name
	if len(parts) != 3 || len(parts[0]) != 8 || len(parts[1]) != 6 || parts[2] == "" {
		return "", "", false
	}
	return parts[0] + "_" + parts[1], parts[2], true
}
