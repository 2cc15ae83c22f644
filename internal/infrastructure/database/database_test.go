package database

import (
	"context"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"
)

var memoryNameSeq atomic.Int64

// uniqueMemoryName returns a shared-cache name no other test uses.
func uniqueMemoryName(t *testing.T) string {
	t.Helper()
	return fmt.Sprintf("dbtest-%s-%d", strings.ReplaceAll(t.Name(), "/", "_"), memoryNameSeq.Add(1))
}

// TestOpen verifies database connection establishment.
func TestOpen(t *testing.T) {
	ctx := context.Background()

	t.Run("creates database file", func(t *testing.T) {
		dbPath := filepath.Join(t.TempDir(), "places.sqlite")

		db, err := Open(ctx, Config{
			Path:        dbPath,
			Mode:        ModeReadWriteCreate,
			WALMode:     true,
			BusyTimeout: 5,
		})
		if err != nil {
			t.Fatalf("Open() error = %v", err)
		}
		defer db.Close() //nolint:errcheck // Test cleanup

		if _, err := db.ExecContext(ctx, "CREATE TABLE t (v INTEGER)"); err != nil {
			t.Fatalf("ExecContext() error = %v", err)
		}
		if _, err := os.Stat(dbPath); os.IsNotExist(err) {
			t.Error("database file was not created")
		}
	})

	t.Run("creates directory if not exists", func(t *testing.T) {
		dbPath := filepath.Join(t.TempDir(), "subdir", "nested", "places.sqlite")

		db, err := Open(ctx, Config{Path: dbPath})
		if err != nil {
			t.Fatalf("Open() error = %v", err)
		}
		defer db.Close() //nolint:errcheck // Test cleanup

		if _, err := os.Stat(filepath.Dir(dbPath)); os.IsNotExist(err) {
			t.Error("database directory was not created")
		}
	})

	t.Run("defaults to read-write-create", func(t *testing.T) {
		db, err := Open(ctx, Config{Path: filepath.Join(t.TempDir(), "places.sqlite")})
		if err != nil {
			t.Fatalf("Open() error = %v", err)
		}
		defer db.Close() //nolint:errcheck // Test cleanup

		if db.Mode() != ModeReadWriteCreate {
			t.Errorf("Mode() = %v, want %v", db.Mode(), ModeReadWriteCreate)
		}
	})

	t.Run("read-write does not create", func(t *testing.T) {
		dbPath := filepath.Join(t.TempDir(), "missing.sqlite")

		db, err := Open(ctx, Config{Path: dbPath, Mode: ModeReadWrite})
		if err == nil {
			db.Close() //nolint:errcheck // Test cleanup
			t.Fatal("Open() with ModeReadWrite on a missing file should fail")
		}
		if _, statErr := os.Stat(dbPath); !os.IsNotExist(statErr) {
			t.Error("ModeReadWrite created the database file")
		}
	})

	t.Run("read-only rejects writes", func(t *testing.T) {
		dbPath := filepath.Join(t.TempDir(), "places.sqlite")

		writer, err := Open(ctx, Config{Path: dbPath})
		if err != nil {
			t.Fatalf("Open() writer error = %v", err)
		}
		defer writer.Close() //nolint:errcheck // Test cleanup
		if _, err := writer.ExecContext(ctx, "CREATE TABLE t (v INTEGER)"); err != nil {
			t.Fatalf("ExecContext() error = %v", err)
		}

		reader, err := Open(ctx, Config{Path: dbPath, Mode: ModeReadOnly})
		if err != nil {
			t.Fatalf("Open() reader error = %v", err)
		}
		defer reader.Close() //nolint:errcheck // Test cleanup

		if _, err := reader.ExecContext(ctx, "INSERT INTO t (v) VALUES (1)"); err == nil {
			t.Error("insert through read-only connection should fail")
		}
	})

	t.Run("returns path", func(t *testing.T) {
		dbPath := filepath.Join(t.TempDir(), "places.sqlite")

		db, err := Open(ctx, Config{Path: dbPath})
		if err != nil {
			t.Fatalf("Open() error = %v", err)
		}
		defer db.Close() //nolint:errcheck // Test cleanup

		if db.Path() != dbPath {
			t.Errorf("Path() = %v, want %v", db.Path(), dbPath)
		}
		if db.IsMemory() {
			t.Error("IsMemory() = true for file database")
		}
	})

	t.Run("empty path", func(t *testing.T) {
		if _, err := Open(ctx, Config{}); err == nil {
			t.Error("Open() with empty path should fail")
		}
	})
}

// TestOpenMemoryShared verifies that connections using the same memory name
// see the same database.
func TestOpenMemoryShared(t *testing.T) {
	ctx := context.Background()
	name := uniqueMemoryName(t)

	writer, err := Open(ctx, Config{Path: name, Memory: true})
	if err != nil {
		t.Fatalf("Open() writer error = %v", err)
	}
	defer writer.Close() //nolint:errcheck // Test cleanup

	if _, err := writer.ExecContext(ctx, "CREATE TABLE t (v INTEGER); INSERT INTO t (v) VALUES (42)"); err != nil {
		t.Fatalf("ExecContext() error = %v", err)
	}

	reader, err := Open(ctx, Config{Path: name, Memory: true, Mode: ModeReadOnly})
	if err != nil {
		t.Fatalf("Open() reader error = %v", err)
	}
	defer reader.Close() //nolint:errcheck // Test cleanup

	var v int
	if err := reader.QueryRowContext(ctx, "SELECT v FROM t").Scan(&v); err != nil {
		t.Fatalf("QueryRowContext() error = %v", err)
	}
	if v != 42 {
		t.Errorf("v = %d, want 42", v)
	}

	if _, err := reader.ExecContext(ctx, "INSERT INTO t (v) VALUES (1)"); err == nil {
		t.Error("insert through read-only memory connection should fail")
	}
}

// TestBuildDSN verifies URI construction per mode.
func TestBuildDSN(t *testing.T) {
	tests := []struct {
		name     string
		cfg      Config
		contains []string
		excludes []string
		mode     string
	}{
		{
			name:     "read-only file",
			cfg:      Config{Path: "/tmp/p.sqlite", Mode: ModeReadOnly, WALMode: true},
			contains: []string{"file:/tmp/p.sqlite?", "_mutex=no"},
			excludes: []string{"_journal_mode"},
			mode:     "ro",
		},
		{
			name:     "read-write file",
			cfg:      Config{Path: "/tmp/p.sqlite", Mode: ModeReadWrite},
			contains: []string{"_foreign_keys=on"},
			mode:     "rw",
		},
		{
			name:     "create with WAL",
			cfg:      Config{Path: "/tmp/p.sqlite", Mode: ModeReadWriteCreate, WALMode: true, BusyTimeout: 2},
			contains: []string{"_journal_mode=WAL", "_busy_timeout=2000"},
			mode:     "rwc",
		},
		{
			name:     "shared memory",
			cfg:      Config{Path: "t1", Memory: true, Mode: ModeReadWriteCreate},
			contains: []string{"file:t1?", "cache=shared"},
			mode:     "memory",
			excludes: []string{"_query_only"},
		},
		{
			name:     "read-only memory",
			cfg:      Config{Path: "t1", Memory: true, Mode: ModeReadOnly},
			contains: []string{"mode=memory", "_query_only=true"},
		},
		{
			name:     "escapes query characters in path",
			cfg:      Config{Path: "/tmp/a?b#c.sqlite", Mode: ModeReadWriteCreate},
			contains: []string{"file:/tmp/a%3fb%23c.sqlite?"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dsn := buildDSN(tt.cfg)
			if tt.mode != "" {
				u, err := url.Parse(dsn)
				if err != nil {
					t.Fatalf("url.Parse(%q) error = %v", dsn, err)
				}
				if got := u.Query().Get("mode"); got != tt.mode {
					t.Errorf("buildDSN() = %q, mode = %q, want %q", dsn, got, tt.mode)
				}
			}
			for _, want := range tt.contains {
				if !strings.Contains(dsn, want) {
					t.Errorf("buildDSN() = %q, missing %q", dsn, want)
				}
			}
			for _, unwanted := range tt.excludes {
				if strings.Contains(dsn, unwanted) {
					t.Errorf("buildDSN() = %q, should not contain %q", dsn, unwanted)
				}
			}
		})
	}
}

// TestModeString verifies the URI mode names.
func TestModeString(t *testing.T) {
	tests := map[Mode]string{
		ModeReadOnly:        "ro",
		ModeReadWrite:       "rw",
		ModeReadWriteCreate: "rwc",
		Mode(0):             "unknown",
	}
	for mode, want := range tests {
		if got := mode.String(); got != want {
			t.Errorf("Mode(%d).String() = %q, want %q", int(mode), got, want)
		}
	}
}

// TestHealthCheck verifies the health check functionality.
func TestHealthCheck(t *testing.T) {
	db := openTestDB(t)
	defer db.Close() //nolint:errcheck // Test cleanup

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := db.HealthCheck(ctx); err != nil {
		t.Errorf("HealthCheck() error = %v", err)
	}
}

// TestClose verifies graceful shutdown.
func TestClose(t *testing.T) {
	db := openTestDB(t)

	if err := db.Close(); err != nil {
		t.Errorf("Close() error = %v", err)
	}

	db.DB = nil
	if err := db.Close(); err != nil {
		t.Errorf("Close() on nil DB error = %v", err)
	}
}

// TestTransaction verifies commit and rollback through BeginTx.
func TestTransaction(t *testing.T) {
	db := openTestDB(t)
	defer db.Close() //nolint:errcheck // Test cleanup

	ctx := context.Background()
	if _, err := db.ExecContext(ctx, "CREATE TABLE t (v INTEGER)"); err != nil {
		t.Fatalf("ExecContext() error = %v", err)
	}

	t.Run("commit", func(t *testing.T) {
		tx, err := db.BeginTx(ctx, nil)
		if err != nil {
			t.Fatalf("BeginTx() error = %v", err)
		}
		if _, err := tx.ExecContext(ctx, "INSERT INTO t (v) VALUES (1)"); err != nil {
			t.Fatalf("tx.ExecContext() error = %v", err)
		}
		if err := tx.Commit(); err != nil {
			t.Fatalf("Commit() error = %v", err)
		}
	})

	t.Run("rollback", func(t *testing.T) {
		tx, err := db.BeginTx(ctx, nil)
		if err != nil {
			t.Fatalf("BeginTx() error = %v", err)
		}
		if _, err := tx.ExecContext(ctx, "INSERT INTO t (v) VALUES (2)"); err != nil {
			t.Fatalf("tx.ExecContext() error = %v", err)
		}
		if err := tx.Rollback(); err != nil {
			t.Fatalf("Rollback() error = %v", err)
		}
	})

	var count int
	if err := db.QueryRowContext(ctx, "SELECT COUNT(*) FROM t").Scan(&count); err != nil {
		t.Fatalf("count error = %v", err)
	}
	if count != 1 {
		t.Errorf("count = %d, want 1", count)
	}
}

// TestExecContextWrapsError verifies SQL errors are wrapped.
func TestExecContextWrapsError(t *testing.T) {
	db := openTestDB(t)
	defer db.Close() //nolint:errcheck // Test cleanup

	_, err := db.ExecContext(context.Background(), "INSERT INTO missing_table VALUES (1)")
	if err == nil {
		t.Fatal("ExecContext() on missing table should fail")
	}
	if !strings.HasPrefix(err.Error(), "executing query:") {
		t.Errorf("error = %q, want prefix %q", err, "executing query:")
	}
}

// openTestDB creates a file database in a temporary directory.
func openTestDB(t *testing.T) *DB {
	t.Helper()

	db, err := Open(context.Background(), Config{
		Path:        filepath.Join(t.TempDir(), "test.sqlite"),
		WALMode:     true,
		BusyTimeout: 5,
	})
	if err != nil {
		t.Fatalf("failed to open test database: %v", err)
	}
	return db
}
