package places

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/nerrad567/places-core/internal/infrastructure/database"
	"github.com/nerrad567/places-core/internal/telemetry"
	_ "github.com/nerrad567/places-core/migrations" // registers the places schema
)

// brokerIDs hands out broker identities. It advances only when a broker is
// constructed, so identities map one-to-one onto broker instances.
var brokerIDs atomic.Uint64

// Options configures the brokers a registry constructs.
type Options struct {
	// Logger receives broker lifecycle events. Nil disables logging.
	Logger Logger

	// SyncStoreFactory builds the store used by Broker.Sync.
	// Nil makes Sync fail with ErrNoSyncStore.
	SyncStoreFactory SyncStoreFactory

	// BusyTimeout is how long a connection waits on a locked database (seconds).
	BusyTimeout int

	// WALMode puts file databases into Write-Ahead Logging mode on creation.
	WALMode bool
}

// Broker mediates all access to one database.
//
// It holds the single write connection, allows any number of read-only
// connections, and at most one sync connection at a time. Brokers are
// obtained from a Registry, never constructed directly.
type Broker struct {
	id       uint64
	identity Identity
	key      string
	opts     Options
	logger   Logger

	writeMu   sync.Mutex
	writeConn *Conn

	// syncMu serializes Sync calls. syncState is set once, under syncMu,
	// and read without it.
	syncMu    sync.Mutex
	syncState atomic.Pointer[syncState]

	syncActive atomic.Bool
	coop       *sync.Mutex
	closed     atomic.Bool
}

// newBroker opens the first read-write connection, which creates the
// database if needed and brings the schema up to date.
func newBroker(ctx context.Context, identity Identity, key string, opts Options) (*Broker, error) {
	logger := opts.Logger
	if logger == nil {
		logger = noopLogger{}
	}

	b := &Broker{
		identity: identity,
		key:      key,
		opts:     opts,
		logger:   logger,
		coop:     &sync.Mutex{},
	}

	db, err := b.openDB(ctx, ReadWrite)
	if err != nil {
		return nil, err
	}
	if err := db.Migrate(ctx); err != nil {
		db.Close() //nolint:errcheck // Best effort cleanup on error path
		return nil, fmt.Errorf("migrating %s: %w", identity.Name(), err)
	}

	b.id = brokerIDs.Add(1)
	b.writeConn = b.newConn(db, ReadWrite)

	b.logger.Info("broker opened",
		"broker_id", b.id,
		"database", identity.Name(),
		"memory", identity.IsMemory(),
	)
	return b, nil
}

func (b *Broker) openDB(ctx context.Context, typ ConnectionType) (*database.DB, error) {
	db, err := database.Open(ctx, database.Config{
		Path:        b.identity.Name(),
		Memory:      b.identity.IsMemory(),
		Mode:        typ.mode(),
		Key:         b.key,
		WALMode:     b.opts.WALMode,
		BusyTimeout: b.opts.BusyTimeout,
	})
	if err != nil {
		return nil, fmt.Errorf("opening %s connection to %s: %w", typ, b.identity.Name(), err)
	}
	return db, nil
}

func (b *Broker) newConn(db *database.DB, typ ConnectionType) *Conn {
	return &Conn{handle: handle{db: db, typ: typ, brokerID: b.id, coop: b.coop}}
}

// ID returns the broker's process-unique numeric identity.
func (b *Broker) ID() uint64 {
	return b.id
}

// Identity returns the canonical identity of the broker's database.
func (b *Broker) Identity() Identity {
	return b.identity
}

// OpenConnection returns a connection of the requested kind.
//
// ReadOnlyAccess always opens a fresh connection. ReadWriteAccess checks out
// the broker's single write connection and fails with
// ErrConnectionAlreadyOpen while it is checked out.
//
// Parameters:
//   - ctx: Context for the open
//   - access: ReadOnlyAccess or ReadWriteAccess
//
// Returns:
//   - *Conn: The connection; return it with CloseConnection
//   - error: ErrConnectionAlreadyOpen, ErrBrokerClosed, or a storage error
func (b *Broker) OpenConnection(ctx context.Context, access Access) (*Conn, error) {
	if b.closed.Load() {
		return nil, ErrBrokerClosed
	}

	if access.Type() == ReadOnly {
		db, err := b.openDB(ctx, ReadOnly)
		if err != nil {
			return nil, err
		}
		return b.newConn(db, ReadOnly), nil
	}

	b.writeMu.Lock()
	defer b.writeMu.Unlock()

	if b.closed.Load() {
		return nil, ErrBrokerClosed
	}
	if b.writeConn == nil {
		return nil, ErrConnectionAlreadyOpen
	}

	conn := b.writeConn
	b.writeConn = nil
	return conn, nil
}

// OpenSyncConnection checks out the broker's sync connection.
//
// Only one sync connection exists at a time; a second request fails with
// ErrConnectionAlreadyOpen until the first is released.
func (b *Broker) OpenSyncConnection(ctx context.Context) (*SyncConn, error) {
	if b.closed.Load() {
		return nil, ErrBrokerClosed
	}
	if !b.syncActive.CompareAndSwap(false, true) {
		return nil, ErrConnectionAlreadyOpen
	}

	db, err := b.openDB(ctx, Sync)
	if err != nil {
		b.syncActive.Store(false)
		return nil, err
	}

	h := handle{db: db, typ: Sync, brokerID: b.id, coop: b.coop}
	return newSyncConn(h, &b.syncActive, b.logger), nil
}

// WithSyncConnection runs fn with the sync connection checked out and
// releases it however fn returns.
func (b *Broker) WithSyncConnection(ctx context.Context, fn func(*SyncConn) error) error {
	conn, err := b.OpenSyncConnection(ctx)
	if err != nil {
		return err
	}
	defer conn.Release() //nolint:errcheck // Release errors only report a failed close

	return fn(conn)
}

// CloseConnection returns a connection to the broker that issued it.
//
// A read-write connection goes back into the write slot so the next
// ReadWriteAccess request can take it; a read-only connection is closed.
// Returning a connection issued by another broker fails with
// ErrWrongAPIForClose and leaves this broker untouched.
//
// Returning a read-write connection while the slot is already full means the
// caller returned a connection twice; CloseConnection panics.
func (b *Broker) CloseConnection(conn *Conn) error {
	if conn.BrokerID() != b.id {
		return ErrWrongAPIForClose
	}

	if conn.Type() != ReadWrite {
		return conn.db.Close()
	}

	b.writeMu.Lock()
	defer b.writeMu.Unlock()

	if b.closed.Load() {
		return conn.db.Close()
	}
	if b.writeConn != nil {
		panic(fmt.Sprintf("places: write connection returned to broker %d twice", b.id))
	}
	b.writeConn = conn
	return nil
}

// Sync runs the sync store over a fresh sync connection.
//
// Concurrent Sync calls on one broker run one after another. The client
// info cache is created on the first call and reused by every later one.
// A sync connection held elsewhere makes Sync fail with
// ErrConnectionAlreadyOpen.
//
// Parameters:
//   - ctx: Context for the run
//   - init: Storage endpoint and credentials
//   - keys: Record encryption keys
//
// Returns:
//   - *telemetry.SyncPing: What the run did
//   - error: The store's error, or a broker error
func (b *Broker) Sync(ctx context.Context, init ClientInit, keys KeyBundle) (*telemetry.SyncPing, error) {
	b.syncMu.Lock()
	defer b.syncMu.Unlock()

	if b.opts.SyncStoreFactory == nil {
		return nil, ErrNoSyncStore
	}

	conn, err := b.OpenSyncConnection(ctx)
	if err != nil {
		return nil, err
	}
	defer conn.Release() //nolint:errcheck // Release errors only report a failed close

	state := b.syncState.Load()
	if state == nil {
		state = &syncState{clientInfo: &ClientInfoCache{}}
		b.syncState.Store(state)
	}

	store := b.opts.SyncStoreFactory(conn, state.clientInfo)
	ping := telemetry.NewSyncPing()

	err = store.Sync(ctx, init, keys, ping)
	ping.Finish(err)
	if err != nil {
		b.logger.Warn("sync failed", "broker_id", b.id, "error", err)
		return nil, err
	}

	b.logger.Debug("sync completed", "broker_id", b.id, "ping_id", ping.ID, "took", ping.Took)
	return ping, nil
}

// ClientInfo returns the client info cached by earlier syncs, if any.
// It does not wait for a sync in progress.
func (b *Broker) ClientInfo() (ClientInfo, bool) {
	state := b.syncState.Load()
	if state == nil {
		return ClientInfo{}, false
	}
	return state.clientInfo.Get()
}

func (b *Broker) info(refs int) BrokerInfo {
	b.writeMu.Lock()
	writerAvailable := b.writeConn != nil
	b.writeMu.Unlock()

	return BrokerInfo{
		ID:              b.id,
		Name:            b.identity.Name(),
		Memory:          b.identity.IsMemory(),
		Refs:            refs,
		WriterAvailable: writerAvailable,
		SyncActive:      b.syncActive.Load(),
	}
}

// close runs once the last owning reference is released. Connections still
// checked out stay usable until their holders return them.
func (b *Broker) close() {
	b.closed.Store(true)

	b.writeMu.Lock()
	conn := b.writeConn
	b.writeConn = nil
	b.writeMu.Unlock()

	if conn != nil {
		if err := conn.db.Close(); err != nil {
			b.logger.Warn("closing write connection", "broker_id", b.id, "error", err)
		}
	}

	b.logger.Info("broker closed", "broker_id", b.id, "database", b.identity.Name())
}
