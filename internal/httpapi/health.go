package httpapi

import (
	"context"
	"net/http"
	"time"
)

type readyStatus struct {
	Status string            `json:"status"`
	Checks map[string]string `json:"checks,omitempty"`
}

// handleHealth is the liveness probe: the process is up and serving.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "healthy"})
}

// handleReady runs the configured dependency checks. Any failure returns
// 503 so the load balancer stops routing until the dependency recovers.
func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	resp := readyStatus{Status: "ready", Checks: make(map[string]string, len(s.ready))}
	status := http.StatusOK
	for _, rc := range s.ready {
		if err := rc.Check(ctx); err != nil {
			resp.Checks[rc.Name] = err.Error()
			resp.Status = "not_ready"
			status = http.StatusServiceUnavailable
			continue
		}
		resp.Checks[rc.Name] = "ok"
	}
	writeJSON(w, status, resp)
}
