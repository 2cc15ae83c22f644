package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/nerrad567/places-core/internal/history"
	"github.com/nerrad567/places-core/internal/places"
)

const (
	defaultPlacesLimit = 20
	maxPlacesLimit     = 500
)

// visitRequest is the request body for POST /visits.
type visitRequest struct {
	URL       string    `json:"url"`
	Title     string    `json:"title"`
	VisitedAt time.Time `json:"visited_at"`
	Type      int       `json:"type"`
}

// handleListPlaces returns the most recently visited places over a fresh
// read-only connection.
func (s *Server) handleListPlaces(w http.ResponseWriter, r *http.Request) {
	limit := defaultPlacesLimit
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 || n > maxPlacesLimit {
			writeBadRequest(w, "limit must be between 1 and "+strconv.Itoa(maxPlacesLimit))
			return
		}
		limit = n
	}

	ctx := r.Context()
	conn, err := s.db.OpenConnection(ctx, places.ReadOnlyAccess)
	if err != nil {
		s.logger.Error("opening read-only connection", "error", err)
		writeInternalError(w, "failed to open database connection")
		return
	}
	defer s.closeConn(conn)

	recent, err := history.Recent(ctx, conn, limit)
	if err != nil {
		s.logger.Error("listing places", "error", err)
		writeInternalError(w, "failed to list places")
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"places": recent,
		"count":  len(recent),
	})
}

// handleRecordVisit records a visit through the broker's write connection.
// While the write connection is checked out elsewhere the request fails
// with 409.
func (s *Server) handleRecordVisit(w http.ResponseWriter, r *http.Request) {
	var req visitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeBadRequest(w, "invalid JSON body")
		return
	}
	if req.URL == "" {
		writeBadRequest(w, "url is required")
		return
	}

	ctx := r.Context()
	conn, err := s.db.OpenConnection(ctx, places.ReadWriteAccess)
	if errors.Is(err, places.ErrConnectionAlreadyOpen) {
		writeConflict(w, "write connection is in use")
		return
	}
	if err != nil {
		s.logger.Error("opening write connection", "error", err)
		writeInternalError(w, "failed to open database connection")
		return
	}
	defer s.closeConn(conn)

	guid, err := history.RecordVisit(ctx, conn, history.Visit{
		URL:   req.URL,
		Title: req.Title,
		At:    req.VisitedAt,
		Type:  req.Type,
	})
	if errors.Is(err, history.ErrInvalidURL) {
		writeBadRequest(w, err.Error())
		return
	}
	if err != nil {
		s.logger.Error("recording visit", "error", err)
		writeInternalError(w, "failed to record visit")
		return
	}

	writeJSON(w, http.StatusCreated, map[string]string{"guid": guid})
}

// closeConn hands a connection back to the broker.
func (s *Server) closeConn(conn *places.Conn) {
	if err := s.db.CloseConnection(conn); err != nil {
		s.logger.Warn("returning connection", "type", conn.Type().String(), "error", err)
	}
}
