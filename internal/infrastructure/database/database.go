package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"time"

	_ "github.com/mattn/go-sqlite3" // SQLite driver
)

const (
	dirPermissions  = 0750
	filePermissions = 0600

	// pingTimeout bounds the connectivity check in Open.
	pingTimeout = 5 * time.Second

	connMaxIdleTime = 30 * time.Minute
)

// ErrSchemaOutdated is returned by HealthCheck when migrations are pending.
var ErrSchemaOutdated = errors.New("database: schema has pending migrations")

// DB is the bridge's SQLite database. It holds the module registry and the
// command log; Migrate keeps its schema current.
type DB struct {
	*sql.DB
	path     string
	readOnly bool
}

// Config maps to the database section of config.yaml.
type Config struct {
	// Path is the database file. Its directory is created on demand.
	Path string

	// WALMode lets the API read while the bridge writes module state.
	WALMode bool

	// BusyTimeout is how long a writer waits for the lock, in seconds.
	BusyTimeout int

	// ReadOnly opens an existing file without creating or changing it.
	// Used by the validate command to inspect the schema.
	ReadOnly bool
}

// Open connects to the database described by cfg.
//
// A writable database gets its directory created and its file restricted to
// the owner. A read-only open fails when the file does not exist.
//
// Returns:
//   - *DB: Connected database
//   - error: If the file cannot be opened or does not answer a ping
func Open(cfg Config) (*DB, error) {
	if cfg.ReadOnly {
		if _, err := os.Stat(cfg.Path); err != nil {
			return nil, fmt.Errorf("opening database read-only: %w", err)
		}
	} else if err := os.MkdirAll(filepath.Dir(cfg.Path), dirPermissions); err != nil {
		return nil, fmt.Errorf("creating database directory: %w", err)
	}

	sqlDB, err := sql.Open("sqlite3", dsn(cfg))
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	// One connection: SQLite has a single writer and the registry writes on
	// every state change.
	sqlDB.SetMaxOpenConns(1)
	sqlDB.SetMaxIdleConns(1)
	sqlDB.SetConnMaxLifetime(time.Hour)
	sqlDB.SetConnMaxIdleTime(connMaxIdleTime)

	ctx, cancel := context.WithTimeout(context.Background(), pingTimeout)
	defer cancel()
	if err := sqlDB.PingContext(ctx); err != nil {
		sqlDB.Close() //nolint:errcheck // already failing
		return nil, fmt.Errorf("connecting to database %s: %w", cfg.Path, err)
	}

	if !cfg.ReadOnly {
		_ = os.Chmod(cfg.Path, filePermissions) //nolint:errcheck // file appears on first write
	}

	return &DB{DB: sqlDB, path: cfg.Path, readOnly: cfg.ReadOnly}, nil
}

// dsn builds the go-sqlite3 connection string for cfg.
func dsn(cfg Config) string {
	q := url.Values{}
	q.Set("_busy_timeout", strconv.Itoa(cfg.BusyTimeout*int(time.Second/time.Millisecond)))
	q.Set("_foreign_keys", "on")
	switch {
	case cfg.ReadOnly:
		q.Set("mode", "ro")
	case cfg.WALMode:
		q.Set("_journal_mode", "WAL")
		q.Set("_synchronous", "NORMAL")
	}
	return "file:" + cfg.Path + "?" + q.Encode()
}

// Close closes the database. Calling it again is a no-op.
func (db *DB) Close() error {
	if db.DB == nil {
		return nil
	}
	if err := db.DB.Close(); err != nil {
		return fmt.Errorf("closing database %s: %w", db.path, err)
	}
	return nil
}

// HealthCheck reports whether the database answers and its schema has every
// migration applied.
func (db *DB) HealthCheck(ctx context.Context) error {
	status, err := db.SchemaStatus(ctx)
	if err != nil {
		return fmt.Errorf("database health check: %w", err)
	}
	if !status.Current() {
		return fmt.Errorf("%w: %d", ErrSchemaOutdated, len(status.Pending))
	}
	return nil
}
