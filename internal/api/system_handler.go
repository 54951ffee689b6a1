package api

import (
	"fmt"
	"net/http"
	"time"

	"github.com/loracloud/lorad/internal/metrics"
)

type SystemHandler struct {
	version   string
	startedAt time.Time
}

func NewSystemHandler(version string) *SystemHandler {
	return &SystemHandler{
		version:   version,
		startedAt: time.Now(),
	}
}

func (h *SystemHandler) HandleHealth(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]interface{}{
		"status":         "ok",
		"version":        h.version,
		"uptime_seconds": int64(time.Since(h.startedAt).Seconds()),
		"timestamp":      time.Now().UTC().Format(time.RFC3339),
	})
}

// HandleMetrics returns Prometheus-formatted metrics
func (h *SystemHandler) HandleMetrics(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain; version=0.0.4")
	w.WriteHeader(http.StatusOK)
	fmt.Fprint(w, metrics.GetMetrics().ToPrometheus())
}

// HandleStats returns JSON-formatted statistics
func (h *SystemHandler) HandleStats(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, metrics.GetMetrics().ToJSON())
}
