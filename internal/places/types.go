package places

import (
	"fmt"

	"github.com/nerrad567/places-core/internal/infrastructure/database"
)

// ConnectionType tags every connection a broker issues.
//
// The numeric values are stable and cross serialization boundaries.
type ConnectionType uint8

const (
	// ReadOnly connections may be opened in any number.
	ReadOnly ConnectionType = 1

	// ReadWrite is the broker's single write connection.
	ReadWrite ConnectionType = 2

	// Sync is the connection reserved for the sync store.
	Sync ConnectionType = 3
)

// String returns the connection type name.
func (t ConnectionType) String() string {
	switch t {
	case ReadOnly:
		return "read-only"
	case ReadWrite:
		return "read-write"
	case Sync:
		return "sync"
	default:
		return fmt.Sprintf("ConnectionType(%d)", uint8(t))
	}
}

// ConnectionTypeFromInt maps a serialized discriminant back to its type.
//
// Returns ErrInvalidConnectionType for anything other than 1, 2 or 3.
func ConnectionTypeFromInt(v int) (ConnectionType, error) {
	if v < int(ReadOnly) || v > int(Sync) {
		return 0, fmt.Errorf("%w: %d", ErrInvalidConnectionType, v)
	}
	return ConnectionType(v), nil
}

// mode returns the storage open mode for connections of this type.
// Only the broker's first connection may create the database.
func (t ConnectionType) mode() database.Mode {
	switch t {
	case ReadOnly:
		return database.ModeReadOnly
	case Sync:
		return database.ModeReadWrite
	default:
		return database.ModeReadWriteCreate
	}
}

// Access selects the kind of connection OpenConnection returns.
//
// Only ReadOnlyAccess and ReadWriteAccess exist; sync connections have their
// own entry point (OpenSyncConnection).
type Access struct {
	write bool
}

var (
	// ReadOnlyAccess requests a fresh read-only connection.
	ReadOnlyAccess = Access{}

	// ReadWriteAccess requests the broker's write connection.
	ReadWriteAccess = Access{write: true}
)

// Type returns the connection type this access produces.
func (a Access) Type() ConnectionType {
	if a.write {
		return ReadWrite
	}
	return ReadOnly
}

// BrokerInfo is a point-in-time view of a live broker.
type BrokerInfo struct {
	ID              uint64 `json:"id"`
	Name            string `json:"name"`
	Memory          bool   `json:"memory"`
	Refs            int    `json:"refs"`
	WriterAvailable bool   `json:"writer_available"`
	SyncActive      bool   `json:"sync_active"`
}
