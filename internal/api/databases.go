package api

import "net/http"

// handleListDatabases returns every live broker in the registry.
func (s *Server) handleListDatabases(w http.ResponseWriter, _ *http.Request) {
	brokers := s.registry.Snapshot()
	writeJSON(w, http.StatusOK, map[string]any{
		"databases": brokers,
		"count":     len(brokers),
	})
}
