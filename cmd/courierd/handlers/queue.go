// Package handlers provides the REST API of the courier daemon.
package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/kimhsiao/courier/internal/courier"
	"github.com/kimhsiao/courier/internal/delivery"
	apperrors "github.com/kimhsiao/courier/internal/errors"
	"github.com/kimhsiao/courier/internal/logging"
	"github.com/kimhsiao/courier/internal/models"
	"github.com/kimhsiao/courier/internal/uuid"
)

// maxEventBody bounds the size of an enqueue request.
const maxEventBody = 1 << 20

// Queue is the part of *courier.Courier the handlers use.
type Queue interface {
	Enqueue(ctx context.Context, sourceID, payload string, capturedAt time.Time) (string, error)
	TriggerDrain() bool
	Stats(ctx context.Context) (courier.Stats, error)
	Counts() delivery.Counts
	Draining() bool
	BreakerState() string
	Entry(ctx context.Context, id string) (*models.QueueEntry, error)
}

// QueueHandler handles event capture and queue inspection.
type QueueHandler struct {
	queue Queue
	log   *logging.Logger
	now   func() time.Time
}

// NewQueueHandler creates a new QueueHandler.
func NewQueueHandler(q Queue, log *logging.Logger) *QueueHandler {
	if log == nil {
		log = logging.Get()
	}
	return &QueueHandler{queue: q, log: log.Named("api"), now: time.Now}
}

// enqueueRequest is the body of POST /api/events.
type enqueueRequest struct {
	SourceID string `json:"source_id"`
	Payload  string `json:"payload"`

	// CapturedAt defaults to the time the request is received.
	CapturedAt *time.Time `json:"captured_at,omitempty"`
}

// Enqueue handles POST /api/events
// Persists the event and answers 202 with its id; delivery is asynchronous.
func (h *QueueHandler) Enqueue(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req enqueueRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxEventBody)).Decode(&req); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}
	if req.SourceID == "" {
		http.Error(w, "source_id is required", http.StatusBadRequest)
		return
	}

	capturedAt := h.now()
	if req.CapturedAt != nil {
		capturedAt = *req.CapturedAt
	}

	id, err := h.queue.Enqueue(r.Context(), req.SourceID, req.Payload, capturedAt)
	if err != nil {
		h.log.ErrorWithCode("Failed to enqueue event", string(apperrors.CodeOf(err)), err,
			zap.String("source_id", req.SourceID))
		if apperrors.Is(err, apperrors.ErrShutdown) {
			http.Error(w, "Shutting down", http.StatusServiceUnavailable)
			return
		}
		http.Error(w, "Failed to store event", http.StatusInternalServerError)
		return
	}

	writeJSON(w, http.StatusAccepted, map[string]interface{}{
		"id": id,
	})
}

// Event handles GET /api/events/{id}
// Returns a queued event with its retry history. Delivered and evicted
// events are not found.
func (h *QueueHandler) Event(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if !uuid.IsValid(id) {
		http.Error(w, "Invalid event id", http.StatusBadRequest)
		return
	}

	e, err := h.queue.Entry(r.Context(), id)
	switch {
	case apperrors.Is(err, apperrors.ErrNotFound):
		http.Error(w, "Event not queued", http.StatusNotFound)
		return
	case err != nil:
		h.log.Error("Failed to read queued event", err, zap.String("id", id))
		http.Error(w, "Failed to read event", http.StatusInternalServerError)
		return
	}

	writeJSON(w, http.StatusOK, e)
}

// Drain handles POST /api/drain
// Requests a drain pass. "triggered" is false when one is already running.
func (h *QueueHandler) Drain(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	writeJSON(w, http.StatusAccepted, map[string]interface{}{
		"triggered": h.queue.TriggerDrain(),
	})
}

// Stats handles GET /api/stats
func (h *QueueHandler) Stats(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	stats, err := h.queue.Stats(r.Context())
	if err != nil {
		h.log.Error("Failed to read queue stats", err)
		http.Error(w, "Failed to read queue stats", http.StatusInternalServerError)
		return
	}

	counts := h.queue.Counts()
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"pending_count":              stats.PendingCount,
		"oldest_pending_age_seconds": stats.OldestPendingAgeSeconds,
		"draining":                   h.queue.Draining(),
		"attempts": map[string]uint64{
			delivery.Success.String():          counts.Success,
			delivery.Duplicate.String():        counts.Duplicate,
			delivery.Retry.String():            counts.Retry,
			delivery.PermanentFailure.String(): counts.PermanentFailure,
		},
		"drain_passes":  counts.Passes,
		"breaker_state": h.queue.BreakerState(),
	})
}

// Health handles GET /api/health
func Health(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"status":  "ok",
		"service": "courierd",
	})
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
