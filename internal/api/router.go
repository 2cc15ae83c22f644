package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/nerrad567/places-core/internal/auth"
)

// defaultWSPath is used when the WebSocket path is not configured.
const defaultWSPath = "/ws"

// buildRouter creates the HTTP router with all routes and middleware.
func (s *Server) buildRouter() http.Handler {
	r := chi.NewRouter()

	// Global middleware
	r.Use(s.requestIDMiddleware)
	r.Use(s.loggingMiddleware)
	r.Use(s.recoveryMiddleware)
	r.Use(s.corsMiddleware)
	r.Use(s.bodySizeLimitMiddleware)

	wsPath := s.wsCfg.Path
	if wsPath == "" {
		wsPath = defaultWSPath
	}

	r.Route("/api/v1", func(r chi.Router) {
		// No auth required
		r.Get("/health", s.handleHealth)
		r.Post("/auth/token", s.handleLogin)

		// WebSocket (auth via single-use ticket, validated in handler)
		r.Get(wsPath, s.handleWebSocket)

		r.Group(func(r chi.Router) {
			r.Use(s.authMiddleware)

			r.With(s.requirePermission(auth.PermEventsStream)).Post("/auth/ws-ticket", s.handleWSTicket)

			r.With(s.requirePermission(auth.PermBrokerRead)).Get("/databases", s.handleListDatabases)

			r.Route("/sync", func(r chi.Router) {
				r.With(s.requirePermission(auth.PermSyncRead)).Get("/", s.handleSyncStatus)
				r.With(s.requirePermission(auth.PermSyncTrigger)).Post("/", s.handleSyncNow)
			})

			r.With(s.requirePermission(auth.PermHistoryRead)).Get("/places", s.handleListPlaces)
			r.With(s.requirePermission(auth.PermHistoryWrite)).Post("/visits", s.handleRecordVisit)
		})
	})

	return r
}

// handleHealth returns the server health status.
func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":   "ok",
		"version":  s.version,
		"database": s.db.Identity().Name(),
	})
}
