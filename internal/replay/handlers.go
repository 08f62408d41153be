package replay

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/shopworks/readsync/internal/dlq"
	"github.com/shopworks/readsync/internal/event"
)

// Handler exposes the operator commands over HTTP.
type Handler struct {
	svc    *Service
	logger *slog.Logger
}

func NewHandler(svc *Service, logger *slog.Logger) *Handler {
	return &Handler{svc: svc, logger: logger}
}

func (h *Handler) Register(mux *http.ServeMux) {
	mux.HandleFunc("/ops/replay", h.Replay)
	mux.HandleFunc("/ops/deadletters", h.ListDeadLetters)
}

// Replay handles POST /ops/replay with either a dead_letter_id or an
// aggregate_id plus from_version.
func (h *Handler) Replay(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var req struct {
		DeadLetterID int64  `json:"dead_letter_id"`
		AggregateID  string `json:"aggregate_id"`
		FromVersion  uint64 `json:"from_version"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid json body", http.StatusBadRequest)
		return
	}

	var (
		res Result
		err error
	)
	switch {
	case req.DeadLetterID != 0:
		res, err = h.svc.DeadLetter(r.Context(), req.DeadLetterID)
	case req.AggregateID != "":
		if req.FromVersion == 0 {
			req.FromVersion = 1
		}
		res, err = h.svc.Aggregate(r.Context(), req.AggregateID, req.FromVersion)
	default:
		http.Error(w, "dead_letter_id or aggregate_id is required", http.StatusBadRequest)
		return
	}
	if err != nil {
		if errors.Is(err, dlq.ErrNotFound) {
			http.Error(w, "dead letter not found", http.StatusNotFound)
			return
		}
		var schemaErr *event.SchemaError
		if errors.As(err, &schemaErr) {
			http.Error(w, "quarantined envelope is malformed: "+schemaErr.Error(), http.StatusUnprocessableEntity)
			return
		}
		h.logger.Error("replay failed", "err", err)
		http.Error(w, "replay failed", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// ListDeadLetters handles GET /ops/deadletters for operator inspection.
func (h *Handler) ListDeadLetters(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	limit := 100
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 {
			http.Error(w, "invalid limit", http.StatusBadRequest)
			return
		}
		limit = n
	}
	entries, err := h.svc.deadLetters.List(r.Context(), limit)
	if err != nil {
		h.logger.Error("dead letter list failed", "err", err)
		http.Error(w, "list failed", http.StatusInternalServerError)
		return
	}

	type item struct {
		ID            int64  `json:"id"`
		EventID       string `json:"event_id"`
		AggregateID   string `json:"aggregate_id"`
		FailureReason string `json:"failure_reason"`
		AttemptCount  int    `json:"attempt_count"`
		FirstFailedAt string `json:"first_failed_at"`
		LastAttemptAt string `json:"last_attempt_at"`
	}
	items := make([]item, 0, len(entries))
	for _, e := range entries {
		items = append(items, item{
			ID:            e.ID,
			EventID:       e.EventID,
			AggregateID:   e.AggregateID,
			FailureReason: e.FailureReason,
			AttemptCount:  e.AttemptCount,
			FirstFailedAt: e.FirstFailedAt.Format(time.RFC3339),
			LastAttemptAt: e.LastAttemptAt.Format(time.RFC3339),
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"dead_letters": items})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
