// Package database is the storage engine adapter for places-core.
//
// It opens single-connection SQLite handles through mattn/go-sqlite3 and
// applies the embedded schema migrations.
//
// This package manages:
//   - URI filenames per access mode (read-only, read-write, read-write-create)
//   - Named shared-cache memory databases
//   - Engine flags common to every handle (no per-connection mutex, foreign keys)
//   - Encryption key application on connect (PRAGMA key)
//   - Forward-only migrations tracked in PRAGMA user_version
//
// A DB wraps a sql.DB whose pool is capped at one physical connection.
// Pooling across connections is the job of the places broker, not this
// package: the broker decides how many handles exist and of what kind.
//
// Usage:
//
//	db, err := database.Open(ctx, database.Config{
//	    Path:        "/var/lib/placesd/places.sqlite",
//	    Mode:        database.ModeReadWriteCreate,
//	    WALMode:     true,
//	    BusyTimeout: 5,
//	})
//	if err != nil {
//	    return err
//	}
//	defer db.Close()
//
//	if err := db.Migrate(ctx); err != nil {
//	    return err
//	}
//
// Security Considerations:
//   - All queries use parameterised statements
//   - Database files are created with 0600 permissions
//   - The encryption key is never logged
package database
