// Package syncworker runs history syncs for one broker in the background.
//
// A Service syncs on a fixed interval and on demand (from the admin API or
// an MQTT command), remembers the last result, and reports every run to
// its sinks. Runs never overlap: a trigger that arrives while a sync is in
// progress is coalesced into the next run.
package syncworker

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/nerrad567/places-core/internal/places"
	"github.com/nerrad567/places-core/internal/telemetry"
)

// minInterval is the shortest allowed periodic sync interval.
const minInterval = time.Second

// Syncer runs one sync. *places.API satisfies it.
type Syncer interface {
	Sync(ctx context.Context, init places.ClientInit, keys places.KeyBundle) (*telemetry.SyncPing, error)
}

// Result describes one sync attempt.
type Result struct {
	Database string              `json:"database"`
	Started  time.Time           `json:"started"`
	Ping     *telemetry.SyncPing `json:"ping,omitempty"`
	Error    string              `json:"error,omitempty"`

	// Skipped is set when another holder had the sync connection.
	Skipped bool `json:"skipped,omitempty"`
}

// Succeeded reports whether the run completed without error.
func (r Result) Succeeded() bool {
	return r.Error == "" && !r.Skipped
}

// Sink receives every completed or failed run. Skipped runs are not reported.
type Sink interface {
	ReportSync(ctx context.Context, r Result)
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(ctx context.Context, r Result)

// ReportSync calls f.
func (f SinkFunc) ReportSync(ctx context.Context, r Result) {
	f(ctx, r)
}

// Logger defines the logging interface for the service.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

type noopLogger struct{}

func (noopLogger) Debug(string, ...any) {}
func (noopLogger) Info(string, ...any)  {}
func (noopLogger) Warn(string, ...any)  {}
func (noopLogger) Error(string, ...any) {}

// Config configures a Service.
type Config struct {
	// Database names the database in results and sink reports.
	Database string

	// Enabled turns syncing on. A disabled service rejects SyncNow and
	// Run returns immediately.
	Enabled bool

	// Interval between periodic syncs. Zero disables periodic syncs; runs
	// then happen only on demand.
	Interval time.Duration

	// Init and Keys are passed to every sync.
	Init places.ClientInit
	Keys places.KeyBundle
}

// Service runs syncs for one broker.
type Service struct {
	cfg    Config
	syncer Syncer
	logger Logger

	// runMu serializes runs.
	runMu sync.Mutex

	mu    sync.RWMutex
	sinks []Sink
	last  *Result

	trigger chan struct{}
}

// New creates a service. It does nothing until Run or SyncNow is called.
func New(syncer Syncer, cfg Config) *Service {
	return &Service{
		cfg:     cfg,
		syncer:  syncer,
		logger:  noopLogger{},
		trigger: make(chan struct{}, 1),
	}
}

// SetLogger sets the logger for the service.
func (s *Service) SetLogger(logger Logger) {
	s.logger = logger
}

// AddSink registers a sink for run reports.
func (s *Service) AddSink(sink Sink) {
	s.mu.Lock()
	s.sinks = append(s.sinks, sink)
	s.mu.Unlock()
}

// Enabled reports whether the service syncs at all.
func (s *Service) Enabled() bool {
	return s.cfg.Enabled
}

// Database returns the database name used in reports.
func (s *Service) Database() string {
	return s.cfg.Database
}

// Run syncs once at start, then on every interval tick and every Trigger,
// until ctx is cancelled.
func (s *Service) Run(ctx context.Context) error {
	if !s.cfg.Enabled {
		s.logger.Info("sync disabled")
		return nil
	}

	var tick <-chan time.Time
	if s.cfg.Interval > 0 {
		interval := max(s.cfg.Interval, minInterval)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		tick = ticker.C
		s.logger.Info("sync worker started", "database", s.cfg.Database, "interval", interval)
	} else {
		s.logger.Info("sync worker started, on-demand only", "database", s.cfg.Database)
	}

	s.run(ctx)

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("sync worker stopped", "database", s.cfg.Database)
			return nil
		case <-tick:
			s.run(ctx)
		case <-s.trigger:
			s.run(ctx)
		}
	}
}

// Trigger asks a running service to sync as soon as possible. It never
// blocks; triggers that arrive before the next run starts are merged.
func (s *Service) Trigger() {
	select {
	case s.trigger <- struct{}{}:
	default:
	}
}

// SyncNow runs a sync on the calling goroutine and returns its result.
//
// Returns:
//   - Result: The run, also available from Last
//   - error: ErrSyncDisabled, or the sync error
func (s *Service) SyncNow(ctx context.Context) (Result, error) {
	if !s.cfg.Enabled {
		return Result{}, ErrSyncDisabled
	}
	r, err := s.run(ctx)
	return r, err
}

// Last returns the most recent result, if any sync has run.
func (s *Service) Last() (Result, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.last == nil {
		return Result{}, false
	}
	return *s.last, true
}

func (s *Service) run(ctx context.Context) (Result, error) {
	s.runMu.Lock()
	defer s.runMu.Unlock()

	r := Result{Database: s.cfg.Database, Started: time.Now().UTC()}

	ping, err := s.syncer.Sync(ctx, s.cfg.Init, s.cfg.Keys)
	switch {
	case errors.Is(err, places.ErrConnectionAlreadyOpen):
		r.Skipped = true
		s.logger.Debug("sync skipped, sync connection busy", "database", s.cfg.Database)
	case err != nil:
		r.Error = err.Error()
		s.logger.Warn("sync failed", "database", s.cfg.Database, "error", err)
	default:
		r.Ping = ping
		in, out := ping.Totals()
		s.logger.Info("sync completed",
			"database", s.cfg.Database,
			"took", ping.Took,
			"applied", in.Applied,
			"reconciled", in.Reconciled,
			"sent", out.Sent,
		)
	}

	s.mu.Lock()
	s.last = &r
	sinks := append([]Sink(nil), s.sinks...)
	s.mu.Unlock()

	if !r.Skipped {
		for _, sink := range sinks {
			sink.ReportSync(ctx, r)
		}
	}
	return r, err
}
