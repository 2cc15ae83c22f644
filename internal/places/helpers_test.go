package places

import (
	"context"
	"fmt"
	"sync/atomic"
	"testing"
)

var memAPICounter atomic.Uint64

// newMemAPI returns an API for a memory database no other test uses.
// It resolves through the default registry and is released on cleanup.
func newMemAPI(t *testing.T) *API {
	t.Helper()

	name := fmt.Sprintf("test-api-%d", memAPICounter.Add(1))
	api, err := OpenMemory(context.Background(), name, "")
	if err != nil {
		t.Fatalf("OpenMemory(%q) error = %v", name, err)
	}
	t.Cleanup(api.Release)
	return api
}

// newMemConn returns the write connection of a fresh memory API.
func newMemConn(t *testing.T) (*API, *Conn) {
	t.Helper()

	api := newMemAPI(t)
	conn, err := api.OpenConnection(context.Background(), ReadWriteAccess)
	if err != nil {
		t.Fatalf("OpenConnection(ReadWrite) error = %v", err)
	}
	return api, conn
}

// mustClose returns conn to api and fails the test on error.
func mustClose(t *testing.T, api *API, conn *Conn) {
	t.Helper()
	if err := api.CloseConnection(conn); err != nil {
		t.Fatalf("CloseConnection() error = %v", err)
	}
}
