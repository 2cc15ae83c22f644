package telemetry

import (
	"encoding/json"
	"errors"
	"testing"

	"github.com/google/uuid"
)

func TestNewSyncPing(t *testing.T) {
	a := NewSyncPing()
	b := NewSyncPing()

	if _, err := uuid.Parse(a.ID); err != nil {
		t.Errorf("ID %q is not a UUID: %v", a.ID, err)
	}
	if a.ID == b.ID {
		t.Error("two pings share an ID")
	}
	if a.Started.IsZero() {
		t.Error("Started not set")
	}
	if !a.Succeeded() {
		t.Error("empty ping should count as succeeded")
	}
}

func TestSyncPingFinish(t *testing.T) {
	t.Run("success", func(t *testing.T) {
		p := NewSyncPing()
		p.Finish(nil)
		if p.Failure != nil {
			t.Errorf("Failure = %+v, want nil", p.Failure)
		}
	})

	t.Run("error recorded once", func(t *testing.T) {
		p := NewSyncPing()
		p.Finish(errors.New("first"))
		p.Finish(errors.New("second"))

		if p.Failure == nil {
			t.Fatal("Failure not recorded")
		}
		if p.Failure.Name != FailureUnknown || p.Failure.Message != "first" {
			t.Errorf("Failure = %+v, want unexpectederror/first", p.Failure)
		}
		if p.Succeeded() {
			t.Error("Succeeded() = true after failure")
		}
	})

	t.Run("keeps explicit failure", func(t *testing.T) {
		p := NewSyncPing()
		p.Failure = NewFailure(FailureAuth, errors.New("401"))
		p.Finish(errors.New("wrapped"))
		if p.Failure.Name != FailureAuth {
			t.Errorf("Failure.Name = %q, want %q", p.Failure.Name, FailureAuth)
		}
	})
}

func TestEngines(t *testing.T) {
	p := NewSyncPing()

	history := p.BeginEngine("history")
	history.Incoming.Applied = 3
	history.Incoming.Reconciled = 1
	history.AddOutgoing(5, 0)
	history.AddOutgoing(2, 1)
	history.Finish(nil)

	bookmarks := p.BeginEngine("bookmarks")
	bookmarks.Incoming.Failed = 2
	bookmarks.Finish(errors.New("boom"))

	in, out := p.Totals()
	if in != (Incoming{Applied: 3, Failed: 2, Reconciled: 1}) {
		t.Errorf("incoming totals = %+v", in)
	}
	if out != (Outgoing{Sent: 7, Failed: 1}) {
		t.Errorf("outgoing totals = %+v", out)
	}
	if p.Succeeded() {
		t.Error("Succeeded() = true with a failed engine")
	}
}

func TestSyncPingJSON(t *testing.T) {
	p := NewSyncPing()
	e := p.BeginEngine("history")
	e.AddOutgoing(1, 0)
	e.Finish(nil)
	p.Finish(nil)

	data, err := json.Marshal(p)
	if err != nil {
		t.Fatalf("Marshal() error = %v", err)
	}

	var decoded map[string]any
	if err := json.Unmarshal(data, &decoded); err != nil {
		t.Fatalf("Unmarshal() error = %v", err)
	}
	if decoded["id"] != p.ID {
		t.Errorf("id = %v, want %v", decoded["id"], p.ID)
	}
	if _, ok := decoded["failure"]; ok {
		t.Error("failure should be omitted on success")
	}
	engines, ok := decoded["engines"].([]any)
	if !ok || len(engines) != 1 {
		t.Fatalf("engines = %v, want one entry", decoded["engines"])
	}
}
