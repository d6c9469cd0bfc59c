package handler

import (
	"net/http"

	"github.com/parleyhq/chatbot-platform/internal/events"
	"github.com/parleyhq/chatbot-platform/internal/store"
)

// HealthHandler handles health check endpoints.
type HealthHandler struct {
	store        *store.Store
	eventsClient *events.Client
}

// NewHealthHandler creates a new health handler.
func NewHealthHandler(st *store.Store, eventsClient *events.Client) *HealthHandler {
	return &HealthHandler{
		store:        st,
		eventsClient: eventsClient,
	}
}

// Health handles GET /health
func (h *HealthHandler) Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"status": "healthy",
	})
}

// Ready handles GET /ready
func (h *HealthHandler) Ready(w http.ResponseWriter, r *http.Request) {
	if err := h.store.Ping(r.Context()); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{
			"status": "not ready",
			"reason": "database unreachable",
		})
		return
	}

	if h.eventsClient == nil || !h.eventsClient.IsConnected() {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{
			"status": "not ready",
			"reason": "NATS not connected",
		})
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{
		"status": "ready",
	})
}
