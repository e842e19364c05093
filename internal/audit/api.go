package audit

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"
)

// APIHandler handles HTTP requests for audit endpoints
type APIHandler struct {
	service *Service
	logger  *zap.Logger
}

// NewAPIHandler creates a new audit API handler
func NewAPIHandler(service *Service, logger *zap.Logger) *APIHandler {
	if logger == nil {
		logger, _ = zap.NewDevelopment()
	}
	return &APIHandler{service: service, logger: logger}
}

// RegisterRoutes registers the audit API routes
func (h *APIHandler) RegisterRoutes(r chi.Router) {
	r.Get("/api/v1/audit/events", h.ListEvents)
}

// ListEvents returns recent audit events with optional filters
func (h *APIHandler) ListEvents(w http.ResponseWriter, r *http.Request) {
	params := r.URL.Query()
	q := Query{EventType: EventType(params.Get("event_type"))}

	if since := params.Get("since"); since != "" {
		if ts, err := time.Parse(time.RFC3339, since); err == nil {
			q.Since = ts
		}
	}
	if limit, _ := strconv.Atoi(params.Get("limit")); limit > 0 {
		q.Limit = limit
	}

	events, err := h.service.Events(r.Context(), q)
	if err != nil {
		h.logger.Error("audit query failed", zap.Error(err))
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusInternalServerError)
		_ = json.NewEncoder(w).Encode(map[string]string{"error": "audit query failed"})
		return
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]interface{}{
		"events": events,
		"count":  len(events),
	})
}
