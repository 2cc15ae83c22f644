// Package influxdb writes sync telemetry to InfluxDB.
//
// It wraps influxdb-client-go v2 with connection management, a health
// check, and the mapping from a sync ping to points:
//
//	sync_run,database=places.db,status=ok     took_ms=..,applied=..,sent=..
//	sync_engine,database=places.db,engine=history,status=ok took_ms=..,batches=..
//
// # Usage
//
//	client, err := influxdb.Connect(ctx, cfg.InfluxDB)
//	if err != nil {
//	    return err
//	}
//	defer client.Close()
//
//	client.WriteSyncPing("places.db", ping)
//
// Writes are non-blocking and batched per batch_size and flush_interval.
// Write failures are reported through SetOnError.
package influxdb
