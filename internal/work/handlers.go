package work

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"
)

// RunLister reads run history
type RunLister interface {
	List(ctx context.Context, workType string, limit int) ([]Run, error)
}

// Handlers provides admin HTTP handlers for the work processor
type Handlers struct {
	processor *Processor
	runs      RunLister
	log       zerolog.Logger
}

// NewHandlers creates new HTTP handlers for the work processor
func NewHandlers(processor *Processor, runs RunLister, log zerolog.Logger) *Handlers {
	return &Handlers{
		processor: processor,
		runs:      runs,
		log:       log.With().Str("handler", "work").Logger(),
	}
}

// RegisterRoutes registers work management routes (mounted under /api/admin)
func (h *Handlers) RegisterRoutes(r chi.Router) {
	r.Route("/work", func(r chi.Router) {
		r.Get("/types", h.ListWorkTypes)
		r.Get("/stats", h.GetStats)
		r.Get("/runs", h.ListRuns)
		r.Post("/scan", h.TriggerScan)
		r.Get("/{workType}/runs", h.ListRuns)
		r.Post("/{workType}/trigger", h.TriggerWorkType)
	})
}

// ListWorkTypes returns all registered work types
func (h *Handlers) ListWorkTypes(w http.ResponseWriter, r *http.Request) {
	types := h.processor.registry.ByPriority()

	response := make([]map[string]any, 0, len(types))
	for _, wt := range types {
		entry := map[string]any{
			"id":          wt.ID,
			"description": wt.Description,
			"priority":    wt.Priority.String(),
			"scheduled":   wt.FindSubjects != nil,
		}
		if wt.Interval > 0 {
			entry["interval"] = wt.Interval.String()
		}
		if at, ok := h.processor.completion.GetCompletion(wt.ID, ""); ok {
			entry["last_completed"] = at.Format(time.RFC3339)
		}
		response = append(response, entry)
	}

	h.writeJSON(w, http.StatusOK, envelope(response))
}

// GetStats returns queue depth and pending items
func (h *Handlers) GetStats(w http.ResponseWriter, r *http.Request) {
	h.writeJSON(w, http.StatusOK, envelope(h.processor.Stats()))
}

// TriggerWorkType queues a work type. With wait=true it runs synchronously and
// reports the outcome instead.
func (h *Handlers) TriggerWorkType(w http.ResponseWriter, r *http.Request) {
	workType := chi.URLParam(r, "workType")
	subject := r.URL.Query().Get("subject")

	wait, _ := strconv.ParseBool(r.URL.Query().Get("wait"))
	var err error
	if wait {
		err = h.processor.ExecuteNow(r.Context(), workType, subject)
	} else {
		err = h.processor.Enqueue(workType, subject)
	}

	switch {
	case errors.Is(err, ErrUnknownWorkType):
		h.writeError(w, http.StatusNotFound, err.Error())
		return
	case errors.Is(err, ErrAlreadyQueued):
		h.writeError(w, http.StatusConflict, err.Error())
		return
	case errors.Is(err, ErrQueueFull), errors.Is(err, ErrStopped):
		h.writeError(w, http.StatusServiceUnavailable, err.Error())
		return
	case err != nil:
		h.log.Error().Err(err).Str("work_type", workType).Msg("Triggered work failed")
		h.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	status, code := "queued", http.StatusAccepted
	if wait {
		status, code = "executed", http.StatusOK
	}
	h.writeJSON(w, code, envelope(map[string]string{
		"status":    status,
		"work_type": workType,
		"subject":   subject,
	}))
}

// ListRuns returns recent run history, optionally for one work type
func (h *Handlers) ListRuns(w http.ResponseWriter, r *http.Request) {
	workType := chi.URLParam(r, "workType")
	if workType != "" && !h.processor.registry.Has(workType) {
		h.writeError(w, http.StatusNotFound, "unknown work type: "+workType)
		return
	}

	limit := 50
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 || n > 500 {
			h.writeError(w, http.StatusBadRequest, "limit must be between 1 and 500")
			return
		}
		limit = n
	}

	runs, err := h.runs.List(r.Context(), workType, limit)
	if err != nil {
		h.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	h.writeJSON(w, http.StatusOK, envelope(runs))
}

// TriggerScan wakes up the scan loop
func (h *Handlers) TriggerScan(w http.ResponseWriter, r *http.Request) {
	h.processor.Trigger()
	h.writeJSON(w, http.StatusAccepted, envelope(map[string]string{"status": "triggered"}))
}

func envelope(data interface{}) map[string]interface{} {
	return map[string]interface{}{
		"data": data,
		"metadata": map[string]interface{}{
			"timestamp": time.Now().Format(time.RFC3339),
		},
	}
}

func (h *Handlers) writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		h.log.Error().Err(err).Msg("Failed to encode JSON response")
	}
}

func (h *Handlers) writeError(w http.ResponseWriter, status int, message string) {
	h.writeJSON(w, status, map[string]string{"error": message})
}
