package api

import (
	"errors"
	"net/http"
	"time"

	"github.com/nerrad567/places-core/internal/places"
	"github.com/nerrad567/places-core/internal/syncworker"
)

// syncStatusResponse is the response body for GET /sync.
type syncStatusResponse struct {
	Enabled    bool               `json:"enabled"`
	Database   string             `json:"database"`
	Last       *syncworker.Result `json:"last,omitempty"`
	ClientInfo *clientInfoView    `json:"client_info,omitempty"`
}

// clientInfoView is the JSON form of places.ClientInfo.
type clientInfoView struct {
	ClientID       string    `json:"client_id"`
	StorageURL     string    `json:"storage_url"`
	MaxPostRecords int       `json:"max_post_records"`
	NegotiatedAt   time.Time `json:"negotiated_at"`
}

// handleSyncStatus reports whether sync is enabled, the last run and the
// negotiated client info.
func (s *Server) handleSyncStatus(w http.ResponseWriter, _ *http.Request) {
	resp := syncStatusResponse{Database: s.db.Identity().Name()}
	if s.sync != nil {
		resp.Enabled = s.sync.Enabled()
		if last, ok := s.sync.Last(); ok {
			resp.Last = &last
		}
	}
	if info, ok := s.db.ClientInfo(); ok {
		resp.ClientInfo = &clientInfoView{
			ClientID:       info.ClientID,
			StorageURL:     info.StorageURL,
			MaxPostRecords: info.MaxPostRecords,
			NegotiatedAt:   info.NegotiatedAt,
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

// handleSyncNow runs a sync and returns its result. With ?wait=false the
// sync is only queued on the background worker and 202 is returned.
func (s *Server) handleSyncNow(w http.ResponseWriter, r *http.Request) {
	if s.sync == nil || !s.sync.Enabled() {
		writeUnavailable(w, "sync is not enabled")
		return
	}

	if r.URL.Query().Get("wait") == "false" {
		s.sync.Trigger()
		writeJSON(w, http.StatusAccepted, map[string]string{"status": "queued"})
		return
	}

	result, err := s.sync.SyncNow(r.Context())
	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, result)
	case errors.Is(err, places.ErrConnectionAlreadyOpen):
		writeConflict(w, "a sync is already in progress")
	case errors.Is(err, syncworker.ErrSyncDisabled):
		writeUnavailable(w, "sync is not enabled")
	default:
		writeError(w, http.StatusBadGateway, ErrCodeSyncFailed, result.Error)
	}
}
