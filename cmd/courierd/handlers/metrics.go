package handlers

import (
	"bytes"
	"net/http"

	"github.com/kimhsiao/courier/internal/telemetry"
)

// Metrics handles GET /metrics
// Renders queue and delivery statistics in the Prometheus text format.
func (h *QueueHandler) Metrics(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	snap, err := telemetry.Collect(r.Context(), h.queue)
	if err != nil {
		h.log.Error("Failed to collect metrics", err)
		http.Error(w, "Failed to collect metrics", http.StatusInternalServerError)
		return
	}

	var buf bytes.Buffer
	if err := telemetry.Write(&buf, snap); err != nil {
		h.log.Error("Failed to render metrics", err)
		http.Error(w, "Failed to render metrics", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", telemetry.ContentType)
	w.Write(buf.Bytes())
}
