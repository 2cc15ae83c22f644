// Package telemetry models the report produced by one synchronization run.
//
// A SyncPing is created by the broker before the sync store runs, filled in
// by the store as each engine progresses, and handed back to the caller, who
// forwards it to whatever sinks are configured (InfluxDB, MQTT, the admin API).
package telemetry

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

// SyncPing summarises one sync run across all engines.
type SyncPing struct {
	mu sync.Mutex

	ID       string        `json:"id"`
	Started  time.Time     `json:"started"`
	Took     time.Duration `json:"took"`
	Engines  []*Engine     `json:"engines"`
	Failure  *Failure      `json:"failure,omitempty"`
	finished bool
}

// Engine reports what one collection engine (for example "history") did.
type Engine struct {
	Name     string        `json:"name"`
	Started  time.Time     `json:"started"`
	Took     time.Duration `json:"took"`
	Incoming Incoming      `json:"incoming"`
	Outgoing []Outgoing    `json:"outgoing,omitempty"`
	Failure  *Failure      `json:"failure,omitempty"`
}

// Incoming counts records downloaded from the server.
type Incoming struct {
	Applied    int `json:"applied"`
	Failed     int `json:"failed"`
	Reconciled int `json:"reconciled"`
}

// Outgoing counts records in one upload batch.
type Outgoing struct {
	Sent   int `json:"sent"`
	Failed int `json:"failed"`
}

// Failure classifies why a run or an engine failed.
type Failure struct {
	Name    string `json:"name"`
	Message string `json:"message"`
}

// Failure names.
const (
	FailureHTTP     = "httperror"
	FailureAuth     = "autherror"
	FailureUnknown  = "unexpectederror"
	FailureShutdown = "shutdownerror"
)

// NewSyncPing creates an empty ping with a fresh ID, started now.
func NewSyncPing() *SyncPing {
	return &SyncPing{
		ID:      uuid.NewString(),
		Started: time.Now().UTC(),
	}
}

// BeginEngine starts timing an engine and attaches it to the ping.
func (p *SyncPing) BeginEngine(name string) *Engine {
	e := &Engine{Name: name, Started: time.Now().UTC()}
	p.mu.Lock()
	p.Engines = append(p.Engines, e)
	p.mu.Unlock()
	return e
}

// Finish stamps the total duration and records err as the run failure.
// Only the first call has any effect.
func (p *SyncPing) Finish(err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.finished {
		return
	}
	p.finished = true
	p.Took = time.Since(p.Started)
	if err != nil && p.Failure == nil {
		p.Failure = NewFailure(FailureUnknown, err)
	}
}

// Succeeded reports whether neither the run nor any engine failed.
func (p *SyncPing) Succeeded() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.Failure != nil {
		return false
	}
	for _, e := range p.Engines {
		if e.Failure != nil {
			return false
		}
	}
	return true
}

// Totals sums incoming and outgoing counts across all engines.
func (p *SyncPing) Totals() (Incoming, Outgoing) {
	p.mu.Lock()
	defer p.mu.Unlock()
	var in Incoming
	var out Outgoing
	for _, e := range p.Engines {
		in.Applied += e.Incoming.Applied
		in.Failed += e.Incoming.Failed
		in.Reconciled += e.Incoming.Reconciled
		for _, o := range e.Outgoing {
			out.Sent += o.Sent
			out.Failed += o.Failed
		}
	}
	return in, out
}

// Finish stamps the engine duration and records err as its failure.
func (e *Engine) Finish(err error) {
	e.Took = time.Since(e.Started)
	if err != nil && e.Failure == nil {
		e.Failure = NewFailure(FailureUnknown, err)
	}
}

// AddOutgoing records one upload batch.
func (e *Engine) AddOutgoing(sent, failed int) {
	e.Outgoing = append(e.Outgoing, Outgoing{Sent: sent, Failed: failed})
}

// NewFailure builds a Failure from an error.
func NewFailure(name string, err error) *Failure {
	msg := ""
	if err != nil {
		msg = err.Error()
	}
	return &Failure{Name: name, Message: msg}
}
