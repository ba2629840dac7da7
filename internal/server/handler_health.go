package server

import (
	"net/http"
	"time"
)

// handleHealth reports liveness and uptime. It is unauthenticated so load
// balancers can probe it.
// GET /health
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]string{
		"status": "ok",
		"uptime": time.Since(s.startTime).Round(time.Second).String(),
	})
}
