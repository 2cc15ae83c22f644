// Package places brokers access to places databases.
//
// Every database is served by exactly one Broker per process. The broker
// enforces a single-writer, many-reader discipline and owns the one
// connection the sync subsystem may use at a time.
//
// Connection kinds:
//   - ReadOnly: opened fresh on every request, any number at once
//   - ReadWrite: the broker's single write connection, checked out and returned
//   - Sync: reserved for the sync store, checked out with OpenSyncConnection
//
// Brokers are obtained through a Registry, which deduplicates them by
// canonical identity (an absolute file path or a shared memory name) and
// closes a broker when its last owning reference is released:
//
//	api, err := places.Open(ctx, "/var/lib/placesd/places.sqlite", "")
//	if err != nil {
//	    return err
//	}
//	defer api.Release()
//
//	conn, err := api.OpenConnection(ctx, places.ReadWriteAccess)
//	if err != nil {
//	    return err
//	}
//	defer api.CloseConnection(conn)
//
// Each broker also exposes a coordination lock shared by all its
// connections. Multi-statement work that must not interleave with a sync
// takes it explicitly with Conn.WithCoordinationLock.
package places
