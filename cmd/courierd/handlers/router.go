package handlers

import (
	"net/http"

	"github.com/kimhsiao/courier/internal/logging"
)

// NewRouter registers every route of the daemon.
func NewRouter(q Queue, log *logging.Logger) http.Handler {
	h := NewQueueHandler(q, log)

	mux := http.NewServeMux()
	mux.HandleFunc("/api/events", h.Enqueue)
	mux.HandleFunc("GET /api/events/{id}", h.Event)
	mux.HandleFunc("/api/drain", h.Drain)
	mux.HandleFunc("/api/stats", h.Stats)
	mux.HandleFunc("/api/health", Health)
	mux.HandleFunc("/metrics", h.Metrics)
	return mux
}
