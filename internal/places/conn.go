package places

import (
	"context"
	"database/sql"
	"fmt"
	"runtime"
	"sync"
	"sync/atomic"

	"github.com/nerrad567/places-core/internal/infrastructure/database"
)

// handle is the part shared by every connection a broker issues.
type handle struct {
	db       *database.DB
	typ      ConnectionType
	brokerID uint64
	coop     *sync.Mutex
}

// Type returns the connection type.
func (h *handle) Type() ConnectionType {
	return h.typ
}

// BrokerID returns the numeric identity of the broker that issued the connection.
func (h *handle) BrokerID() uint64 {
	return h.brokerID
}

// ExecContext executes a statement that doesn't return rows.
// Multiple semicolon-separated statements are executed in order.
func (h *handle) ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error) {
	return h.db.ExecContext(ctx, query, args...)
}

// QueryContext executes a query that returns rows.
func (h *handle) QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error) {
	rows, err := h.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("executing query: %w", err)
	}
	return rows, nil
}

// QueryRowContext executes a query that returns at most one row.
// Errors are deferred until Scan.
func (h *handle) QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row {
	return h.db.QueryRowContext(ctx, query, args...)
}

// BeginTx starts a transaction on the connection.
func (h *handle) BeginTx(ctx context.Context, opts *sql.TxOptions) (*sql.Tx, error) {
	return h.db.BeginTx(ctx, opts)
}

// HealthCheck verifies the connection still answers queries.
func (h *handle) HealthCheck(ctx context.Context) error {
	return h.db.HealthCheck(ctx)
}

// CoordinationLock returns the lock shared by every connection of the
// issuing broker. Hold it around multi-statement work that must not
// interleave with a running sync. The broker never takes it itself.
func (h *handle) CoordinationLock() sync.Locker {
	return h.coop
}

// WithCoordinationLock runs fn while holding the coordination lock.
func (h *handle) WithCoordinationLock(fn func() error) error {
	h.coop.Lock()
	defer h.coop.Unlock()
	return fn()
}

// Conn is a read-only or read-write connection issued by a Broker.
//
// Return it with Broker.CloseConnection when done. A read-write Conn goes
// back into the broker's write slot; a read-only Conn is closed.
type Conn struct {
	handle
}

// SyncConn is the broker's sync connection.
//
// It is not a *Conn and cannot be passed to CloseConnection; call Release
// instead. Release is idempotent. A SyncConn that becomes unreachable
// without Release is released by the runtime so later syncs are not locked
// out, but callers should not rely on that.
type SyncConn struct {
	handle
	guard   *syncGuard
	cleanup runtime.Cleanup
}

// syncGuard clears the broker's sync-active flag exactly once.
// It must not reference the SyncConn that owns it.
type syncGuard struct {
	released atomic.Bool
	active   *atomic.Bool
	db       *database.DB
	logger   Logger
}

func (g *syncGuard) release() (bool, error) {
	if !g.released.CompareAndSwap(false, true) {
		return false, nil
	}
	err := g.db.Close()
	g.active.Store(false)
	return true, err
}

func newSyncConn(h handle, active *atomic.Bool, logger Logger) *SyncConn {
	g := &syncGuard{active: active, db: h.db, logger: logger}
	sc := &SyncConn{handle: h, guard: g}
	sc.cleanup = runtime.AddCleanup(sc, func(g *syncGuard) {
		if ok, _ := g.release(); ok {
			g.logger.Warn("sync connection was not released, reclaimed by cleanup")
		}
	}, g)
	return sc
}

// Release closes the sync connection and lets the broker issue another.
func (c *SyncConn) Release() error {
	released, err := c.guard.release()
	if !released {
		return nil
	}
	c.cleanup.Stop()
	if err != nil {
		return fmt.Errorf("closing sync connection: %w", err)
	}
	return nil
}
