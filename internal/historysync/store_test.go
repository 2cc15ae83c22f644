package historysync

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/nerrad567/places-core/internal/history"
	"github.com/nerrad567/places-core/internal/places"
	"github.com/nerrad567/places-core/internal/telemetry"
)

const testToken = "test-token"

// storageServer is an in-memory storage node.
type storageServer struct {
	t    *testing.T
	keys places.KeyBundle

	mu       sync.Mutex
	records  map[string]bso
	clock    float64
	configs  int
	posts    int
	maxPost  int
	failNext int
}

func newStorageServer(t *testing.T, keys places.KeyBundle) (*storageServer, *httptest.Server) {
	t.Helper()

	s := &storageServer{t: t, keys: keys, records: make(map[string]bso), clock: 1000, maxPost: 2}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /info/configuration", s.handleConfiguration)
	mux.HandleFunc("GET /info/collections", s.handleCollections)
	mux.HandleFunc("GET /storage/history", s.handleFetch)
	mux.HandleFunc("POST /storage/history", s.handlePost)

	srv := httptest.NewServer(s.auth(mux))
	t.Cleanup(srv.Close)
	return s, srv
}

func (s *storageServer) auth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer "+testToken {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		s.mu.Lock()
		fail := s.failNext > 0
		if fail {
			s.failNext--
		}
		s.mu.Unlock()
		if fail {
			http.Error(w, "unavailable", http.StatusServiceUnavailable)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *storageServer) handleConfiguration(w http.ResponseWriter, _ *http.Request) {
	s.mu.Lock()
	s.configs++
	maxPost := s.maxPost
	s.mu.Unlock()
	writeJSON(w, serverConfig{MaxPostRecords: maxPost})
}

func (s *storageServer) handleCollections(w http.ResponseWriter, _ *http.Request) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var newest float64
	for _, b := range s.records {
		newest = max(newest, b.Modified)
	}
	colls := map[string]float64{}
	if newest > 0 {
		colls[collection] = newest
	}
	writeJSON(w, colls)
}

func (s *storageServer) handleFetch(w http.ResponseWriter, r *http.Request) {
	newer, err := strconv.ParseFloat(r.URL.Query().Get("newer"), 64)
	if err != nil {
		http.Error(w, "bad newer", http.StatusBadRequest)
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	out := []bso{}
	for _, b := range s.records {
		if b.Modified > newer {
			out = append(out, b)
		}
	}
	writeJSON(w, out)
}

func (s *storageServer) handlePost(w http.ResponseWriter, r *http.Request) {
	var in []bso
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		http.Error(w, "bad body", http.StatusBadRequest)
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if len(in) > s.maxPost {
		http.Error(w, "batch too large", http.StatusRequestEntityTooLarge)
		return
	}

	s.posts++
	s.clock++
	res := postResult{Modified: s.clock, Failed: map[string]string{}}
	for _, b := range in {
		b.Modified = s.clock
		s.records[b.ID] = b
		res.Success = append(res.Success, b.ID)
	}
	writeJSON(w, res)
}

func (s *storageServer) stats() (configs, posts int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.configs, s.posts
}

// put stores a record as if another device had uploaded it.
func (s *storageServer) put(rec record) {
	s.t.Helper()

	plaintext, err := json.Marshal(rec)
	if err != nil {
		s.t.Fatal(err)
	}
	payload, err := seal(s.keys, plaintext)
	if err != nil {
		s.t.Fatal(err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.clock++
	s.records[rec.ID] = bso{ID: rec.ID, Modified: s.clock, Payload: payload}
}

// get decrypts a stored record.
func (s *storageServer) get(id string) (record, bool) {
	s.t.Helper()

	s.mu.Lock()
	b, ok := s.records[id]
	s.mu.Unlock()
	if !ok {
		return record{}, false
	}
	rec, err := decodeRecord(s.keys, b)
	if err != nil {
		s.t.Fatalf("decodeRecord(%s) error = %v", id, err)
	}
	return rec, true
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}

var dbSeq atomic.Int64

// newSyncedAPI creates a broker wired to the history store.
func newSyncedAPI(t *testing.T) *places.API {
	t.Helper()

	reg := places.NewRegistry(places.Options{SyncStoreFactory: NewFactory(Options{})})
	api, err := reg.OpenMemory(context.Background(), fmt.Sprintf("historysync-%d", dbSeq.Add(1)), "")
	if err != nil {
		t.Fatalf("OpenMemory() error = %v", err)
	}
	t.Cleanup(api.Release)
	return api
}

func recordVisit(t *testing.T, api *places.API, url, title string, at time.Time) string {
	t.Helper()

	ctx := context.Background()
	conn, err := api.OpenConnection(ctx, places.ReadWriteAccess)
	if err != nil {
		t.Fatalf("OpenConnection() error = %v", err)
	}
	defer api.CloseConnection(conn) //nolint:errcheck // Test cleanup

	guid, err := history.RecordVisit(ctx, conn, history.Visit{URL: url, Title: title, At: at})
	if err != nil {
		t.Fatalf("RecordVisit() error = %v", err)
	}
	return guid
}

func recent(t *testing.T, api *places.API) []history.Place {
	t.Helper()

	ctx := context.Background()
	conn, err := api.OpenConnection(ctx, places.ReadOnlyAccess)
	if err != nil {
		t.Fatalf("OpenConnection() error = %v", err)
	}
	defer api.CloseConnection(conn) //nolint:errcheck // Test cleanup

	got, err := history.Recent(ctx, conn, 100)
	if err != nil {
		t.Fatalf("Recent() error = %v", err)
	}
	return got
}

func TestSyncUploadsLocalChanges(t *testing.T) {
	keys := testKeys(t, 3)
	srv, ts := newStorageServer(t, keys)
	api := newSyncedAPI(t)
	init := places.ClientInit{StorageURL: ts.URL, AccessToken: testToken}

	at := time.Date(2026, 5, 1, 10, 0, 0, 0, time.UTC)
	var guids []string
	for i := 0; i < 3; i++ {
		guids = append(guids, recordVisit(t, api, fmt.Sprintf("https://example.com/%d", i), "page", at))
	}

	ping, err := api.Sync(context.Background(), init, keys)
	if err != nil {
		t.Fatalf("Sync() error = %v", err)
	}

	_, out := ping.Totals()
	if out.Sent != 3 || out.Failed != 0 {
		t.Errorf("outgoing = %+v, want 3 sent", out)
	}
	if _, posts := srv.stats(); posts != 2 {
		t.Errorf("posts = %d, want 2 batches of at most 2", posts)
	}

	for _, guid := range guids {
		rec, ok := srv.get(guid)
		if !ok {
			t.Fatalf("record %s not uploaded", guid)
		}
		if len(rec.Visits) != 1 || rec.Visits[0].Date != history.ToTimestamp(at) {
			t.Errorf("record %s visits = %+v", guid, rec.Visits)
		}
	}

	for _, p := range recent(t, api) {
		if p.Pending {
			t.Errorf("place %s still pending after upload", p.GUID)
		}
	}

	// Nothing changed: a second sync uploads nothing.
	ping, err = api.Sync(context.Background(), init, keys)
	if err != nil {
		t.Fatalf("second Sync() error = %v", err)
	}
	if _, out := ping.Totals(); out.Sent != 0 {
		t.Errorf("second sync sent %d records, want 0", out.Sent)
	}
}

func TestSyncAppliesIncoming(t *testing.T) {
	keys := testKeys(t, 4)
	srv, ts := newStorageServer(t, keys)
	api := newSyncedAPI(t)
	init := places.ClientInit{StorageURL: ts.URL, AccessToken: testToken}

	visitAt := history.ToTimestamp(time.Date(2026, 4, 1, 0, 0, 0, 0, time.UTC))

	// New remote place.
	srv.put(record{ID: "remoteguid01", URL: "https://remote.example/", Title: "Remote",
		Visits: []visit{{Date: visitAt, Type: 1}}})

	// Same URL as a local place with a different GUID.
	localGUID := recordVisit(t, api, "https://shared.example/", "Local", time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC))
	srv.put(record{ID: "sharedguid01", URL: "https://shared.example/", Title: "Shared",
		Visits: []visit{{Date: visitAt, Type: 1}}})

	// Tombstone and an undecryptable record.
	srv.put(record{ID: "deletedguid1", Deleted: true})
	srv.mu.Lock()
	srv.clock++
	srv.records["garbageguid1"] = bso{ID: "garbageguid1", Modified: srv.clock, Payload: `{"IV":"","ciphertext":"","hmac":"00"}`}
	srv.mu.Unlock()

	ping, err := api.Sync(context.Background(), init, keys)
	if err != nil {
		t.Fatalf("Sync() error = %v", err)
	}

	in, out := ping.Totals()
	if in.Applied != 2 || in.Reconciled != 1 || in.Failed != 1 {
		t.Errorf("incoming = %+v, want 2 applied, 1 reconciled, 1 failed", in)
	}
	// The reconciled place had local changes and goes back up merged.
	if out.Sent != 1 {
		t.Errorf("outgoing sent = %d, want 1", out.Sent)
	}

	byURL := map[string]history.Place{}
	for _, p := range recent(t, api) {
		byURL[p.URL] = p
	}

	remote, ok := byURL["https://remote.example/"]
	if !ok || remote.GUID != "remoteguid01" || remote.Title != "Remote" || remote.VisitCount != 1 {
		t.Errorf("remote place = %+v", remote)
	}
	if remote.Pending {
		t.Error("applied remote place should not be pending")
	}

	shared := byURL["https://shared.example/"]
	if shared.GUID != "sharedguid01" {
		t.Errorf("shared GUID = %q, want remote GUID (was %q)", shared.GUID, localGUID)
	}
	if shared.VisitCount != 2 {
		t.Errorf("shared VisitCount = %d, want 2", shared.VisitCount)
	}

	merged, ok := srv.get("sharedguid01")
	if !ok || len(merged.Visits) != 2 {
		t.Errorf("merged upload = %+v", merged)
	}
}

func TestSyncCachesNegotiation(t *testing.T) {
	keys := testKeys(t, 5)
	srv, ts := newStorageServer(t, keys)
	api := newSyncedAPI(t)
	init := places.ClientInit{StorageURL: ts.URL, AccessToken: testToken}

	for i := 0; i < 3; i++ {
		if _, err := api.Sync(context.Background(), init, keys); err != nil {
			t.Fatalf("Sync() #%d error = %v", i, err)
		}
	}
	if configs, _ := srv.stats(); configs != 1 {
		t.Errorf("configuration fetched %d times, want 1", configs)
	}

	info, ok := api.ClientInfo()
	if !ok || info.ClientID == "" || info.MaxPostRecords != 2 || info.StorageURL != ts.URL {
		t.Errorf("ClientInfo() = %+v, %v", info, ok)
	}

	// A new endpoint renegotiates but keeps the client ID.
	_, ts2 := newStorageServer(t, keys)
	if _, err := api.Sync(context.Background(), places.ClientInit{StorageURL: ts2.URL, AccessToken: testToken}, keys); err != nil {
		t.Fatalf("Sync() against new endpoint error = %v", err)
	}
	info2, _ := api.ClientInfo()
	if info2.ClientID != info.ClientID || info2.StorageURL != ts2.URL {
		t.Errorf("after endpoint change ClientInfo() = %+v", info2)
	}
}

func TestSyncUnauthorized(t *testing.T) {
	keys := testKeys(t, 6)
	_, ts := newStorageServer(t, keys)
	api := newSyncedAPI(t)

	_, err := api.Sync(context.Background(), places.ClientInit{StorageURL: ts.URL, AccessToken: "wrong"}, keys)
	if !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("Sync() error = %v, want ErrUnauthorized", err)
	}

	// The sync connection was released.
	conn, err := api.OpenSyncConnection(context.Background())
	if err != nil {
		t.Fatalf("OpenSyncConnection() error = %v", err)
	}
	_ = conn.Release()
}

func TestSyncServerErrorKeepsChangesPending(t *testing.T) {
	keys := testKeys(t, 8)
	srv, ts := newStorageServer(t, keys)
	api := newSyncedAPI(t)
	init := places.ClientInit{StorageURL: ts.URL, AccessToken: testToken}

	recordVisit(t, api, "https://pending.example/", "Pending", time.Now())

	if _, err := api.Sync(context.Background(), init, keys); err != nil {
		t.Fatalf("warm-up Sync() error = %v", err)
	}

	// A new local change, then the storage node goes down.
	recordVisit(t, api, "https://pending.example/", "", time.Now().Add(time.Minute))
	srv.mu.Lock()
	srv.failNext = 1
	srv.mu.Unlock()

	_, err := api.Sync(context.Background(), init, keys)
	if !errors.Is(err, ErrServer) {
		t.Fatalf("Sync() error = %v, want ErrServer", err)
	}

	for _, p := range recent(t, api) {
		if !p.Pending {
			t.Errorf("place %s lost its pending change after a failed sync", p.URL)
		}
	}
}

func TestStoreRecordsFailureInPing(t *testing.T) {
	keys := testKeys(t, 9)
	_, ts := newStorageServer(t, keys)

	tests := []struct {
		name string
		init places.ClientInit
		ctx  func() context.Context
		want string
	}{
		{
			name: "auth",
			init: places.ClientInit{StorageURL: ts.URL, AccessToken: "bad"},
			ctx:  context.Background,
			want: telemetry.FailureAuth,
		},
		{
			name: "canceled",
			init: places.ClientInit{StorageURL: ts.URL, AccessToken: testToken},
			ctx: func() context.Context {
				ctx, cancel := context.WithCancel(context.Background())
				cancel()
				return ctx
			},
			want: telemetry.FailureShutdown,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			api := newSyncedAPI(t)
			ctx := context.Background()

			conn, err := api.OpenSyncConnection(ctx)
			if err != nil {
				t.Fatalf("OpenSyncConnection() error = %v", err)
			}
			defer conn.Release() //nolint:errcheck // Test cleanup

			store := NewFactory(Options{})(conn, &places.ClientInfoCache{})
			ping := telemetry.NewSyncPing()
			if err := store.Sync(tt.ctx(), tt.init, keys, ping); err == nil {
				t.Fatal("Sync() should fail")
			}

			if ping.Failure == nil || ping.Failure.Name != tt.want {
				t.Errorf("ping failure = %+v, want %s", ping.Failure, tt.want)
			}
			if len(ping.Engines) != 1 || ping.Engines[0].Failure == nil {
				t.Errorf("engine failure not recorded: %+v", ping.Engines)
			}
		})
	}
}
