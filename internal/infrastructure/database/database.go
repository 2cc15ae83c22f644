package database

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/mattn/go-sqlite3"
)

// Database configuration constants.
const (
	// dirPermissions is the permission mode for the database directory.
	dirPermissions = 0750

	// filePermissions is the permission mode for the database file.
	filePermissions = 0600

	// msPerSecond converts seconds to milliseconds.
	msPerSecond = 1000

	// connectionTimeout is the timeout for verifying database connectivity.
	connectionTimeout = 5 * time.Second
)

// Mode selects how a connection opens the underlying database file.
type Mode int

const (
	// ModeReadOnly opens an existing database for reading only.
	ModeReadOnly Mode = iota + 1

	// ModeReadWrite opens an existing database for reading and writing.
	// The database is never created.
	ModeReadWrite

	// ModeReadWriteCreate opens the database for reading and writing,
	// creating it if it does not exist.
	ModeReadWriteCreate
)

// String returns the SQLite URI "mode" value for the mode.
func (m Mode) String() string {
	switch m {
	case ModeReadOnly:
		return "ro"
	case ModeReadWrite:
		return "rw"
	case ModeReadWriteCreate:
		return "rwc"
	default:
		return "unknown"
	}
}

// DB is a single SQLite connection wrapped in a sql.DB.
//
// The pool is capped at one physical connection that is never recycled, so
// every statement issued through a DB runs on the same engine connection.
// That property is what lets a shared-cache memory database survive for as
// long as any DB referring to it is open.
type DB struct {
	*sql.DB
	name   string
	mode   Mode
	memory bool
}

// Config contains the options for opening one connection.
type Config struct {
	// Path is the filesystem path of the database file, or the shared
	// cache name when Memory is set.
	Path string

	// Memory opens a named in-memory database shared by every connection
	// in the process that uses the same name.
	Memory bool

	// Mode is the access mode. Zero means ModeReadWriteCreate.
	Mode Mode

	// Key is the optional encryption secret, applied with PRAGMA key
	// before any other statement. Stock SQLite builds ignore it.
	Key string

	// WALMode enables Write-Ahead Logging. Only applied by connections that
	// may create the database; the journal mode is persistent in the file.
	WALMode bool

	// BusyTimeout is the maximum time to wait for a database lock (seconds).
	BusyTimeout int
}

// Open creates a new single-connection database handle.
//
// It performs the following setup:
//  1. Creates the database directory if needed (file databases opened with create)
//  2. Builds a URI filename with the access mode and engine flags
//  3. Applies the encryption key on every physical connection
//  4. Verifies the connection with a ping
//
// Parameters:
//   - ctx: Context for the connectivity check
//   - cfg: Connection configuration
//
// Returns:
//   - *DB: Connected database wrapper
//   - error: If the database cannot be opened
func Open(ctx context.Context, cfg Config) (*DB, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("database path is required")
	}
	if cfg.Mode == 0 {
		cfg.Mode = ModeReadWriteCreate
	}

	if !cfg.Memory && cfg.Mode == ModeReadWriteCreate {
		if err := os.MkdirAll(filepath.Dir(cfg.Path), dirPermissions); err != nil {
			return nil, fmt.Errorf("creating database directory: %w", err)
		}
	}

	sqlDB := sql.OpenDB(&connector{
		dsn:    buildDSN(cfg),
		driver: &sqlite3.SQLiteDriver{ConnectHook: keyHook(cfg.Key)},
	})

	// One physical connection per handle, kept for the handle's lifetime.
	sqlDB.SetMaxOpenConns(1)
	sqlDB.SetMaxIdleConns(1)
	sqlDB.SetConnMaxLifetime(0)
	sqlDB.SetConnMaxIdleTime(0)

	db := &DB{
		DB:     sqlDB,
		name:   cfg.Path,
		mode:   cfg.Mode,
		memory: cfg.Memory,
	}

	pingCtx, cancel := context.WithTimeout(ctx, connectionTimeout)
	defer cancel()

	if err := db.PingContext(pingCtx); err != nil {
		sqlDB.Close() //nolint:errcheck // Best effort cleanup on error path
		return nil, fmt.Errorf("verifying database connection: %w", err)
	}

	if !cfg.Memory && cfg.Mode == ModeReadWriteCreate {
		_ = os.Chmod(cfg.Path, filePermissions) //nolint:errcheck // File may not be materialised until first write
	}

	return db, nil
}

// buildDSN returns the mattn/go-sqlite3 URI filename for cfg.
// See: https://github.com/mattn/go-sqlite3#connection-string
func buildDSN(cfg Config) string {
	params := url.Values{}

	if cfg.Memory {
		params.Set("mode", "memory")
		params.Set("cache", "shared")
		if cfg.Mode == ModeReadOnly {
			params.Set("_query_only", "true")
		}
	} else {
		params.Set("mode", cfg.Mode.String())
		if cfg.WALMode && cfg.Mode == ModeReadWriteCreate {
			params.Set("_journal_mode", "WAL")
			params.Set("_synchronous", "NORMAL")
		}
	}

	// Every handle owns its connection, so the engine's per-connection
	// mutex is redundant.
	params.Set("_mutex", "no")
	params.Set("_foreign_keys", "on")
	if cfg.BusyTimeout > 0 {
		params.Set("_busy_timeout", strconv.Itoa(cfg.BusyTimeout*msPerSecond))
	}

	return "file:" + escapeURIPath(cfg.Path) + "?" + params.Encode()
}

// escapeURIPath escapes the characters SQLite treats specially in the path
// component of a URI filename.
func escapeURIPath(p string) string {
	r := strings.NewReplacer("%", "%25", "?", "%3f", "#", "%23")
	return r.Replace(p)
}

// keyHook returns a connect hook that applies the encryption key.
func keyHook(key string) func(*sqlite3.SQLiteConn) error {
	if key == "" {
		return nil
	}
	stmt := "PRAGMA key = '" + strings.ReplaceAll(key, "'", "''") + "'"
	return func(conn *sqlite3.SQLiteConn) error {
		if _, err := conn.Exec(stmt, nil); err != nil {
			return fmt.Errorf("applying encryption key: %w", err)
		}
		return nil
	}
}

// connector binds a DSN to a driver instance so each DB can carry its own
// connect hook.
type connector struct {
	dsn    string
	driver *sqlite3.SQLiteDriver
}

func (c *connector) Connect(_ context.Context) (driver.Conn, error) {
	return c.driver.Open(c.dsn)
}

func (c *connector) Driver() driver.Driver {
	return c.driver
}

// Close closes the database connection.
//
// Returns:
//   - error: If closing fails
func (db *DB) Close() error {
	if db.DB == nil {
		return nil
	}
	if err := db.DB.Close(); err != nil {
		return fmt.Errorf("closing database: %w", err)
	}
	return nil
}

// Path returns the filesystem path or shared memory name of the database.
func (db *DB) Path() string {
	return db.name
}

// Mode returns the access mode the connection was opened with.
func (db *DB) Mode() Mode {
	return db.mode
}

// IsMemory reports whether the connection refers to a shared memory database.
func (db *DB) IsMemory() bool {
	return db.memory
}

// HealthCheck verifies the database is accessible and functioning.
//
// Parameters:
//   - ctx: Context for timeout/cancellation
//
// Returns:
//   - error: nil if healthy, error describing the issue otherwise
func (db *DB) HealthCheck(ctx context.Context) error {
	var result int
	err := db.QueryRowContext(ctx, "SELECT 1").Scan(&result)
	if err != nil {
		return fmt.Errorf("database health check failed: %w", err)
	}
	return nil
}

// ExecContext executes a statement that doesn't return rows.
// Multiple semicolon-separated statements are executed in order.
//
// Parameters:
//   - ctx: Context for timeout/cancellation
//   - query: SQL with ? placeholders
//   - args: Arguments for placeholders
//
// Returns:
//   - sql.Result: Contains LastInsertId and RowsAffected
//   - error: If execution fails
func (db *DB) ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error) {
	result, err := db.DB.ExecContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("executing query: %w", err)
	}
	return result, nil
}

// BeginTx starts a new transaction with the given options.
//
// Example:
//
//	tx, err := db.BeginTx(ctx, nil)
//	if err != nil {
//	    return err
//	}
//	defer tx.Rollback() // No-op if committed
//
//	// ... execute queries on tx ...
//
//	return tx.Commit()
func (db *DB) BeginTx(ctx context.Context, opts *sql.TxOptions) (*sql.Tx, error) {
	tx, err := db.DB.BeginTx(ctx, opts)
	if err != nil {
		return nil, fmt.Errorf("starting transaction: %w", err)
	}
	return tx, nil
}
