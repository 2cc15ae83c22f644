// Package historysync is the history sync store used by places brokers.
//
// A Store uploads locally changed places to a storage node and applies
// records other devices uploaded, encrypting every record with the key
// bundle. It runs over the broker's sync connection and holds the broker's
// coordination lock while it writes, so multi-statement work on other
// connections never interleaves with a sync transaction.
package historysync

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/nerrad567/places-core/internal/history"
	"github.com/nerrad567/places-core/internal/places"
	"github.com/nerrad567/places-core/internal/telemetry"
)

const (
	// EngineName is the telemetry engine name for history.
	EngineName = "history"

	// collection is the storage collection holding history records.
	collection = "history"

	// lastSyncKey is the moz_meta key holding the server timestamp of the
	// last successful sync.
	lastSyncKey = "history_last_sync"

	// defaultBatchSize is used when the server does not advertise a limit.
	defaultBatchSize = 100

	// maxVisitsPerRecord bounds how many visits are uploaded per place.
	maxVisitsPerRecord = 20

	// defaultHTTPTimeout bounds each storage request.
	defaultHTTPTimeout = 30 * time.Second

	// syncStatusNormal marks a place the server knows about.
	syncStatusNormal = 2
)

// Logger defines the logging interface for the sync store.
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

// Options configures stores built by NewFactory.
type Options struct {
	// HTTPClient is used for storage requests. Nil means a client with a
	// 30 second timeout.
	HTTPClient *http.Client

	// Logger receives per-record warnings. Nil disables logging.
	Logger Logger
}

// record is the decrypted form of a history record.
type record struct {
	ID      string  `json:"id"`
	URL     string  `json:"histUri,omitempty"`
	Title   string  `json:"title,omitempty"`
	Visits  []visit `json:"visits,omitempty"`
	Deleted bool    `json:"deleted,omitempty"`
}

type visit struct {
	Date int64 `json:"date"`
	Type int   `json:"type"`
}

// Store syncs history over one sync connection.
type Store struct {
	conn   *places.SyncConn
	cache  *places.ClientInfoCache
	http   *http.Client
	logger Logger
}

// NewFactory returns a places.SyncStoreFactory producing history stores.
func NewFactory(opts Options) places.SyncStoreFactory {
	hc := opts.HTTPClient
	if hc == nil {
		hc = &http.Client{Timeout: defaultHTTPTimeout}
	}
	logger := opts.Logger
	if logger == nil {
		logger = noopLogger{}
	}

	return func(conn *places.SyncConn, cache *places.ClientInfoCache) places.SyncStore {
		return &Store{conn: conn, cache: cache, http: hc, logger: logger}
	}
}

// Sync runs one history sync and records it in ping.
//
// Incoming records are applied before outgoing ones are uploaded so local
// changes merged with remote ones go up in the same run.
func (s *Store) Sync(ctx context.Context, init places.ClientInit, keys places.KeyBundle, ping *telemetry.SyncPing) error {
	engine := ping.BeginEngine(EngineName)

	err := s.sync(ctx, init, keys, engine)
	if err != nil {
		failure := telemetry.NewFailure(failureName(err), err)
		engine.Failure = failure
		ping.Failure = failure
	}
	engine.Finish(err)
	return err
}

func failureName(err error) string {
	switch {
	case errors.Is(err, ErrUnauthorized):
		return telemetry.FailureAuth
	case errors.Is(err, ErrServer):
		return telemetry.FailureHTTP
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return telemetry.FailureShutdown
	default:
		return telemetry.FailureUnknown
	}
}

func (s *Store) sync(ctx context.Context, init places.ClientInit, keys places.KeyBundle, engine *telemetry.Engine) error {
	c := newClient(s.http, init)

	info, err := s.negotiate(ctx, c, init)
	if err != nil {
		return fmt.Errorf("negotiating with storage node: %w", err)
	}

	colls, err := c.collections(ctx)
	if err != nil {
		return fmt.Errorf("fetching collections: %w", err)
	}

	last, err := s.lastSync(ctx)
	if err != nil {
		return err
	}

	serverModified := colls[collection]
	if serverModified > last {
		records, err := c.fetchHistory(ctx, last)
		if err != nil {
			return fmt.Errorf("fetching history: %w", err)
		}
		if err := s.applyIncoming(ctx, keys, records, engine); err != nil {
			return err
		}
	}

	uploaded, err := s.uploadOutgoing(ctx, c, keys, info.MaxPostRecords, engine)
	if err != nil {
		return err
	}

	next := max(serverModified, uploaded)
	if next > last {
		if err := s.setLastSync(ctx, next); err != nil {
			return err
		}
	}
	return nil
}

// negotiate returns the cached client info, fetching the server
// configuration when there is none or the storage endpoint changed.
func (s *Store) negotiate(ctx context.Context, c *client, init places.ClientInit) (places.ClientInfo, error) {
	cached, ok := s.cache.Get()
	if ok && cached.StorageURL == init.StorageURL {
		return cached, nil
	}

	cfg, err := c.configuration(ctx)
	if err != nil {
		return places.ClientInfo{}, err
	}

	info := places.ClientInfo{
		ClientID:       cached.ClientID,
		StorageURL:     init.StorageURL,
		MaxPostRecords: cfg.MaxPostRecords,
		NegotiatedAt:   time.Now().UTC(),
	}
	if info.ClientID == "" {
		info.ClientID = uuid.NewString()
	}
	if info.MaxPostRecords <= 0 {
		info.MaxPostRecords = defaultBatchSize
	}

	s.cache.Set(info)
	s.logger.Info("negotiated storage node", "client_id", info.ClientID, "max_post_records", info.MaxPostRecords)
	return info, nil
}

func (s *Store) lastSync(ctx context.Context) (float64, error) {
	var last float64
	err := s.conn.QueryRowContext(ctx, "SELECT value FROM moz_meta WHERE key = ?", lastSyncKey).Scan(&last)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("reading last sync time: %w", err)
	}
	return last, nil
}

func (s *Store) setLastSync(ctx context.Context, ts float64) error {
	_, err := s.conn.ExecContext(ctx, `
		INSERT INTO moz_meta (key, value) VALUES (?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value
	`, lastSyncKey, ts)
	if err != nil {
		return fmt.Errorf("writing last sync time: %w", err)
	}
	return nil
}

// applyIncoming decrypts and applies downloaded records in one transaction.
// Records that fail to decrypt or apply are counted and skipped.
func (s *Store) applyIncoming(ctx context.Context, keys places.KeyBundle, records []bso, engine *telemetry.Engine) error {
	return s.conn.WithCoordinationLock(func() error {
		tx, err := s.conn.BeginTx(ctx, nil)
		if err != nil {
			return err
		}
		defer tx.Rollback() //nolint:errcheck // Rollback is no-op after commit

		for _, b := range records {
			rec, err := decodeRecord(keys, b)
			if err != nil {
				engine.Incoming.Failed++
				s.logger.Warn("skipping undecodable record", "id", b.ID, "error", err)
				continue
			}

			reconciled, err := applyRecord(ctx, tx, rec)
			switch {
			case err != nil:
				engine.Incoming.Failed++
				s.logger.Warn("skipping record", "id", b.ID, "error", err)
			case reconciled:
				engine.Incoming.Reconciled++
			default:
				engine.Incoming.Applied++
			}
		}

		if err := tx.Commit(); err != nil {
			return fmt.Errorf("committing incoming records: %w", err)
		}
		return nil
	})
}

func decodeRecord(keys places.KeyBundle, b bso) (record, error) {
	plaintext, err := open(keys, b.Payload)
	if err != nil {
		return record{}, err
	}
	var rec record
	if err := json.Unmarshal(plaintext, &rec); err != nil {
		return record{}, fmt.Errorf("%w: %v", ErrBadPayload, err)
	}
	if rec.ID != b.ID {
		return record{}, fmt.Errorf("%w: id %q does not match envelope %q", ErrBadPayload, rec.ID, b.ID)
	}
	return rec, nil
}

// applyRecord merges one remote record into the local database.
// It reports whether the record had to be reconciled with local state.
func applyRecord(ctx context.Context, tx *sql.Tx, rec record) (bool, error) {
	if rec.Deleted {
		_, err := tx.ExecContext(ctx, "DELETE FROM moz_places WHERE guid = ?", rec.ID)
		return false, err
	}
	if rec.URL == "" {
		return false, fmt.Errorf("%w: record %q has no url", ErrBadPayload, rec.ID)
	}

	var (
		placeID    int64
		localGUID  string
		changes    int
		reconciled bool
	)
	err := tx.QueryRowContext(ctx,
		"SELECT id, guid, sync_change_counter FROM moz_places WHERE guid = ? OR url = ? ORDER BY guid = ? DESC LIMIT 1",
		rec.ID, rec.URL, rec.ID,
	).Scan(&placeID, &localGUID, &changes)

	switch {
	case errors.Is(err, sql.ErrNoRows):
		err = tx.QueryRowContext(ctx, `
			INSERT INTO moz_places (guid, url, title, sync_status, sync_change_counter)
			VALUES (?, ?, ?, ?, 0)
			RETURNING id
		`, rec.ID, rec.URL, rec.Title, syncStatusNormal).Scan(&placeID)
		if err != nil {
			return false, fmt.Errorf("inserting place: %w", err)
		}
	case err != nil:
		return false, fmt.Errorf("looking up place: %w", err)
	default:
		// A local place with another GUID for the same URL takes the
		// remote GUID; local changes keep their counter so the merged
		// record is uploaded.
		reconciled = localGUID != rec.ID || changes > 0
		if _, err := tx.ExecContext(ctx, `
			UPDATE moz_places SET
				guid = ?,
				title = CASE WHEN ? = '' THEN title ELSE ? END,
				sync_status = ?
			WHERE id = ?
		`, rec.ID, rec.Title, rec.Title, syncStatusNormal, placeID); err != nil {
			return false, fmt.Errorf("updating place: %w", err)
		}
	}

	for _, v := range rec.Visits {
		if _, err := tx.ExecContext(ctx, `
			INSERT OR IGNORE INTO moz_historyvisits (place_id, visit_date, visit_type, is_local)
			VALUES (?, ?, ?, 0)
		`, placeID, v.Date, v.Type); err != nil {
			return false, fmt.Errorf("inserting visit: %w", err)
		}
	}

	if err := history.UpdateVisitStats(ctx, tx, placeID); err != nil {
		return false, err
	}
	return reconciled, nil
}

// outgoing is a changed place waiting for upload.
type outgoing struct {
	id      int64
	rec     record
	changes int
}

// uploadOutgoing posts every changed place in batches and returns the
// newest server timestamp seen.
func (s *Store) uploadOutgoing(ctx context.Context, c *client, keys places.KeyBundle, batchSize int, engine *telemetry.Engine) (float64, error) {
	pending, err := s.changedPlaces(ctx)
	if err != nil {
		return 0, err
	}
	if batchSize <= 0 {
		batchSize = defaultBatchSize
	}

	var modified float64
	for start := 0; start < len(pending); start += batchSize {
		batch := pending[start:min(start+batchSize, len(pending))]

		bsos := make([]bso, 0, len(batch))
		for _, o := range batch {
			plaintext, err := json.Marshal(o.rec)
			if err != nil {
				return modified, fmt.Errorf("encoding record %s: %w", o.rec.ID, err)
			}
			payload, err := seal(keys, plaintext)
			if err != nil {
				return modified, fmt.Errorf("encrypting record %s: %w", o.rec.ID, err)
			}
			bsos = append(bsos, bso{ID: o.rec.ID, Payload: payload})
		}

		res, err := c.postHistory(ctx, bsos)
		if err != nil {
			return modified, fmt.Errorf("uploading history: %w", err)
		}
		engine.AddOutgoing(len(res.Success), len(res.Failed))
		modified = max(modified, res.Modified)

		if err := s.markUploaded(ctx, batch, res.Success); err != nil {
			return modified, err
		}
		for id, reason := range res.Failed {
			s.logger.Warn("server rejected record", "id", id, "reason", reason)
		}
	}
	return modified, nil
}

// changedPlaces loads every place with pending changes and its recent
// visits. Rows are fully read before the next query since the connection
// serves one statement at a time.
func (s *Store) changedPlaces(ctx context.Context) ([]outgoing, error) {
	rows, err := s.conn.QueryContext(ctx, `
		SELECT id, guid, url, COALESCE(title, ''), sync_change_counter
		FROM moz_places
		WHERE sync_change_counter > 0
		ORDER BY id
	`)
	if err != nil {
		return nil, fmt.Errorf("listing changed places: %w", err)
	}

	var pending []outgoing
	for rows.Next() {
		var o outgoing
		if err := rows.Scan(&o.id, &o.rec.ID, &o.rec.URL, &o.rec.Title, &o.changes); err != nil {
			rows.Close() //nolint:errcheck // Error path
			return nil, fmt.Errorf("scanning changed place: %w", err)
		}
		pending = append(pending, o)
	}
	if err := rows.Err(); err != nil {
		rows.Close() //nolint:errcheck // Error path
		return nil, fmt.Errorf("listing changed places: %w", err)
	}
	rows.Close() //nolint:errcheck // Fully consumed

	for i := range pending {
		visits, err := s.recentVisits(ctx, pending[i].id)
		if err != nil {
			return nil, err
		}
		pending[i].rec.Visits = visits
	}
	return pending, nil
}

func (s *Store) recentVisits(ctx context.Context, placeID int64) ([]visit, error) {
	rows, err := s.conn.QueryContext(ctx, `
		SELECT visit_date, visit_type FROM moz_historyvisits
		WHERE place_id = ?
		ORDER BY visit_date DESC
		LIMIT ?
	`, placeID, maxVisitsPerRecord)
	if err != nil {
		return nil, fmt.Errorf("listing visits: %w", err)
	}
	defer rows.Close() //nolint:errcheck // Rows close

	var visits []visit
	for rows.Next() {
		var v visit
		if err := rows.Scan(&v.Date, &v.Type); err != nil {
			return nil, fmt.Errorf("scanning visit: %w", err)
		}
		visits = append(visits, v)
	}
	return visits, rows.Err()
}

// markUploaded subtracts the uploaded change counts, so changes made while
// the upload was in flight stay pending.
func (s *Store) markUploaded(ctx context.Context, batch []outgoing, succeeded []string) error {
	ok := make(map[string]bool, len(succeeded))
	for _, id := range succeeded {
		ok[id] = true
	}

	return s.conn.WithCoordinationLock(func() error {
		tx, err := s.conn.BeginTx(ctx, nil)
		if err != nil {
			return err
		}
		defer tx.Rollback() //nolint:errcheck // Rollback is no-op after commit

		for _, o := range batch {
			if !ok[o.rec.ID] {
				continue
			}
			if _, err := tx.ExecContext(ctx, `
				UPDATE moz_places SET
					sync_change_counter = MAX(sync_change_counter - ?, 0),
					sync_status = ?
				WHERE id = ?
			`, o.changes, syncStatusNormal, o.id); err != nil {
				return fmt.Errorf("marking %s uploaded: %w", o.rec.ID, err)
			}
		}

		if err := tx.Commit(); err != nil {
			return fmt.Errorf("committing upload state: %w", err)
		}
		return nil
	})
}
