package main

import (
	"context"
	"errors"

	"github.com/nerrad567/places-core/internal/infrastructure/influxdb"
	"github.com/nerrad567/places-core/internal/infrastructure/logging"
	"github.com/nerrad567/places-core/internal/infrastructure/mqtt"
	"github.com/nerrad567/places-core/internal/syncworker"
)

// mqttSink publishes each sync run as the retained sync status.
type mqttSink struct {
	client *mqtt.Client
	log    *logging.Logger
}

func (s *mqttSink) ReportSync(_ context.Context, r syncworker.Result) {
	if err := s.client.PublishSyncStatus(syncStatus(r)); err != nil {
		s.log.Warn("publishing sync status", "database", r.Database, "error", err)
	}
}

// syncStatus flattens a run into the MQTT status payload.
func syncStatus(r syncworker.Result) mqtt.SyncStatus {
	st := mqtt.SyncStatus{
		Database: r.Database,
		Status:   mqtt.SyncStatusOK,
		Started:  r.Started,
		Error:    r.Error,
	}
	if !r.Succeeded() {
		st.Status = mqtt.SyncStatusFailed
	}
	if r.Ping != nil {
		in, out := r.Ping.Totals()
		st.PingID = r.Ping.ID
		st.TookMS = r.Ping.Took.Milliseconds()
		st.Applied = in.Applied
		st.Reconciled = in.Reconciled
		st.Failed = in.Failed
		st.Sent = out.Sent
	}
	return st
}

// influxSink records each sync run as points.
type influxSink struct {
	client   *influxdb.Client
	database string
}

func (s *influxSink) ReportSync(_ context.Context, r syncworker.Result) {
	if r.Ping != nil {
		s.client.WriteSyncPing(s.database, r.Ping)
		return
	}
	s.client.WriteSyncError(s.database, r.Started, errors.New(r.Error))
}
