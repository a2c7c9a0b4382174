package server

import (
	"net/http"
	"time"
)

const version = "0.1.0"

// health reports liveness; a storage probe failure is reported in the body
// without changing the response status, per the spec's health contract.
func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	db := "ok"
	if _, err := s.storage.List(r.Context(), []string{"session"}); err != nil {
		db = "error"
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"version": version,
		"uptime":  time.Since(s.startedAt).Seconds(),
		"db":      db,
	})
}
