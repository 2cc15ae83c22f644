package influxdb

import (
	"time"

	"github.com/influxdata/influxdb-client-go/v2/api/write"

	"github.com/nerrad567/places-core/internal/telemetry"
)

// Measurement names.
const (
	MeasurementSyncRun    = "sync_run"
	MeasurementSyncEngine = "sync_engine"
)

// WriteSyncPing records one sync run: a sync_run point plus one
// sync_engine point per engine. The write is non-blocking.
func (c *Client) WriteSyncPing(database string, ping *telemetry.SyncPing) {
	if !c.IsConnected() || ping == nil {
		return
	}
	for _, p := range SyncPoints(database, ping) {
		c.writeAPI.WritePoint(p)
	}
}

// WriteSyncError records a run that failed before producing a ping.
func (c *Client) WriteSyncError(database string, started time.Time, err error) {
	if !c.IsConnected() || err == nil {
		return
	}
	c.writeAPI.WritePoint(write.NewPoint(
		MeasurementSyncRun,
		map[string]string{"database": database, "status": statusFailed, "failure": telemetry.FailureUnknown},
		map[string]any{"took_ms": int64(0), "error": err.Error()},
		started,
	))
}

const (
	statusOK     = "ok"
	statusFailed = "failed"
)

// SyncPoints converts a ping to points, timestamped at the run's start.
//
// Tags are low-cardinality (database, engine, status, failure name); counts
// and durations are fields.
func SyncPoints(database string, ping *telemetry.SyncPing) []*write.Point {
	in, out := ping.Totals()

	status := statusOK
	if !ping.Succeeded() {
		status = statusFailed
	}
	runTags := map[string]string{"database": database, "status": status}
	if ping.Failure != nil {
		runTags["failure"] = ping.Failure.Name
	}

	points := make([]*write.Point, 0, len(ping.Engines)+1)
	points = append(points, write.NewPoint(
		MeasurementSyncRun,
		runTags,
		map[string]any{
			"took_ms":     ping.Took.Milliseconds(),
			"engines":     len(ping.Engines),
			"applied":     in.Applied,
			"failed":      in.Failed,
			"reconciled":  in.Reconciled,
			"sent":        out.Sent,
			"send_failed": out.Failed,
			"ping_id":     ping.ID,
		},
		ping.Started,
	))

	for _, e := range ping.Engines {
		var sent, sendFailed int
		for _, o := range e.Outgoing {
			sent += o.Sent
			sendFailed += o.Failed
		}
		tags := map[string]string{"database": database, "engine": e.Name, "status": statusOK}
		if e.Failure != nil {
			tags["status"] = statusFailed
			tags["failure"] = e.Failure.Name
		}
		points = append(points, write.NewPoint(
			MeasurementSyncEngine,
			tags,
			map[string]any{
				"took_ms":     e.Took.Milliseconds(),
				"applied":     e.Incoming.Applied,
				"failed":      e.Incoming.Failed,
				"reconciled":  e.Incoming.Reconciled,
				"sent":        sent,
				"send_failed": sendFailed,
				"batches":     len(e.Outgoing),
			},
			e.Started,
		))
	}
	return points
}
