package httpapi

import (
	"net/http"
	"strings"
)

// handlePerfLatency reports recent per-stage turn latency. Repeat ?stage= to
// narrow the view.
func (s *Server) handlePerfLatency(w http.ResponseWriter, r *http.Request) {
	var stages []string
	for _, raw := range r.URL.Query()["stage"] {
		if stage := strings.TrimSpace(raw); stage != "" {
			stages = append(stages, stage)
		}
	}
	respondJSON(w, http.StatusOK, s.metrics.SnapshotTurnStages().Filter(stages...))
}
