// Package history reads and writes browsing history over broker connections.
//
// Functions take the narrow query interfaces below so they work with a
// places.Conn, a places.SyncConn, or a transaction.
package history

import (
	"context"
	"crypto/rand"
	"database/sql"
	"encoding/base64"
	"errors"
	"fmt"
	"net/url"
	"time"
)

// guidBytes is the number of random bytes in a GUID. 9 bytes encode to
// exactly 12 URL-safe base64 characters.
const guidBytes = 9

// VisitLink is the visit type for an ordinary link navigation.
const VisitLink = 1

// ErrInvalidURL is returned when a visit is recorded for a URL that is not
// absolute.
var ErrInvalidURL = errors.New("history: invalid url")

// Place is one row of browsing history.
type Place struct {
	GUID       string    `json:"guid"`
	URL        string    `json:"url"`
	Title      string    `json:"title,omitempty"`
	VisitCount int       `json:"visit_count"`
	LastVisit  time.Time `json:"last_visit,omitzero"`
	Pending    bool      `json:"pending_sync"`
}

// Visit describes a page visit to record.
type Visit struct {
	URL   string
	Title string
	At    time.Time
	Type  int
}

// TxBeginner starts transactions.
type TxBeginner interface {
	BeginTx(ctx context.Context, opts *sql.TxOptions) (*sql.Tx, error)
}

// Querier runs read queries.
type Querier interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

// NewGUID returns a fresh 12-character record identifier.
func NewGUID() string {
	b := make([]byte, guidBytes)
	_, _ = rand.Read(b) // never returns an error
	return base64.RawURLEncoding.EncodeToString(b)
}

// ToTimestamp converts t to the microsecond timestamps stored in the schema.
func ToTimestamp(t time.Time) int64 {
	return t.UnixMicro()
}

// FromTimestamp converts a stored microsecond timestamp to a time.
func FromTimestamp(us int64) time.Time {
	if us == 0 {
		return time.Time{}
	}
	return time.UnixMicro(us).UTC()
}

// RecordVisit stores a visit, creating the place if needed, and marks the
// place as changed for the next sync.
//
// Parameters:
//   - ctx: Context for the transaction
//   - db: A read-write connection
//   - v: The visit; a zero At means now and a zero Type means VisitLink
//
// Returns:
//   - string: GUID of the visited place
//   - error: ErrInvalidURL, or a storage error
func RecordVisit(ctx context.Context, db TxBeginner, v Visit) (string, error) {
	u, err := url.Parse(v.URL)
	if err != nil || !u.IsAbs() {
		return "", fmt.Errorf("%w: %q", ErrInvalidURL, v.URL)
	}
	if v.At.IsZero() {
		v.At = time.Now()
	}
	if v.Type == 0 {
		v.Type = VisitLink
	}

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return "", err
	}
	defer tx.Rollback() //nolint:errcheck // Rollback is no-op after commit

	var (
		placeID int64
		guid    string
	)
	err = tx.QueryRowContext(ctx, `
		INSERT INTO moz_places (guid, url, title)
		VALUES (?, ?, ?)
		ON CONFLICT(url) DO UPDATE SET
			title = COALESCE(NULLIF(excluded.title, ''), moz_places.title),
			sync_change_counter = moz_places.sync_change_counter + 1
		RETURNING id, guid
	`, NewGUID(), u.String(), v.Title).Scan(&placeID, &guid)
	if err != nil {
		return "", fmt.Errorf("upserting place: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT OR IGNORE INTO moz_historyvisits (place_id, visit_date, visit_type, is_local)
		VALUES (?, ?, ?, 1)
	`, placeID, ToTimestamp(v.At), v.Type); err != nil {
		return "", fmt.Errorf("inserting visit: %w", err)
	}

	if err := UpdateVisitStats(ctx, tx, placeID); err != nil {
		return "", err
	}

	if err := tx.Commit(); err != nil {
		return "", fmt.Errorf("committing visit: %w", err)
	}
	return guid, nil
}

// UpdateVisitStats recomputes the denormalised visit count and last visit
// date of a place.
func UpdateVisitStats(ctx context.Context, tx *sql.Tx, placeID int64) error {
	_, err := tx.ExecContext(ctx, `
		UPDATE moz_places SET
			visit_count = (SELECT COUNT(*) FROM moz_historyvisits WHERE place_id = ?1),
			last_visit_date = (SELECT MAX(visit_date) FROM moz_historyvisits WHERE place_id = ?1)
		WHERE id = ?1
	`, placeID)
	if err != nil {
		return fmt.Errorf("updating visit stats: %w", err)
	}
	return nil
}

// Recent returns up to limit places ordered by most recent visit.
func Recent(ctx context.Context, db Querier, limit int) ([]Place, error) {
	rows, err := db.QueryContext(ctx, `
		SELECT guid, url, COALESCE(title, ''), visit_count,
		       COALESCE(last_visit_date, 0), sync_change_counter > 0
		FROM moz_places
		ORDER BY last_visit_date DESC, id DESC
		LIMIT ?
	`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close() //nolint:errcheck // Rows close

	places := make([]Place, 0, limit)
	for rows.Next() {
		var (
			p    Place
			last int64
		)
		if err := rows.Scan(&p.GUID, &p.URL, &p.Title, &p.VisitCount, &last, &p.Pending); err != nil {
			return nil, fmt.Errorf("scanning place: %w", err)
		}
		p.LastVisit = FromTimestamp(last)
		places = append(places, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating places: %w", err)
	}
	return places, nil
}
