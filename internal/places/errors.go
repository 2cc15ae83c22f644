package places

import "errors"

// Domain-specific errors for broker operations.
// Use errors.Is() to check for these errors in calling code.
var (
	// ErrConnectionAlreadyOpen is returned when the write connection or the
	// sync connection is already checked out.
	ErrConnectionAlreadyOpen = errors.New("places: connection already open")

	// ErrWrongAPIForClose is returned when a connection is handed back to a
	// broker that did not issue it.
	ErrWrongAPIForClose = errors.New("places: connection closed through the wrong broker")

	// ErrBrokerClosed is returned when a connection is requested from a
	// broker whose last owning reference has been released.
	ErrBrokerClosed = errors.New("places: broker closed")

	// ErrNoSyncStore is returned by Sync when the broker has no sync store.
	ErrNoSyncStore = errors.New("places: no sync store configured")

	// ErrInvalidConnectionType is returned when an integer does not name a
	// connection type.
	ErrInvalidConnectionType = errors.New("places: invalid connection type")

	// ErrInvalidIdentity is returned for an empty path or memory name.
	ErrInvalidIdentity = errors.New("places: invalid database identity")

	// ErrInvalidKeyBundle is returned when sync keys have the wrong length
	// or encoding.
	ErrInvalidKeyBundle = errors.New("places: invalid key bundle")
)
