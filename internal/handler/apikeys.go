package handler

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/parleyhq/chatbot-platform/internal/middleware"
	"github.com/parleyhq/chatbot-platform/internal/model"
	"github.com/parleyhq/chatbot-platform/internal/service"
	"github.com/parleyhq/chatbot-platform/internal/store"
	"github.com/parleyhq/chatbot-platform/pkg/logger"
)

// APIKeyHandler handles provider credential endpoints.
type APIKeyHandler struct {
	service *service.APIKeyService
	logger  *logger.Logger
}

// NewAPIKeyHandler creates a new API key handler.
func NewAPIKeyHandler(svc *service.APIKeyService, log *logger.Logger) *APIKeyHandler {
	return &APIKeyHandler{
		service: svc,
		logger:  log,
	}
}

// Create handles POST /auth/api-keys
func (h *APIKeyHandler) Create(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	userID := middleware.GetUserID(ctx)

	var req model.CreateAPIKeyRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	key, _, err := h.service.Save(ctx, userID, &req)
	if err != nil {
		if errors.Is(err, service.ErrUnknownProvider) {
			writeError(w, http.StatusBadRequest, "unsupported provider")
			return
		}
		h.logger.Error("failed to store API key")
		writeError(w, http.StatusInternalServerError, "failed to store API key")
		return
	}

	// 201 for replacements too; the upsert is transparent to the client.
	writeJSON(w, http.StatusCreated, key.PublicView())
}

// List handles GET /auth/api-keys
func (h *APIKeyHandler) List(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	userID := middleware.GetUserID(ctx)

	keys, err := h.service.List(ctx, userID)
	if err != nil {
		h.logger.Error("failed to list API keys")
		writeError(w, http.StatusInternalServerError, "failed to list API keys")
		return
	}

	writeJSON(w, http.StatusOK, map[string][]model.APIKeyResponse{
		"api_keys": keys,
	})
}

// Delete handles DELETE /auth/api-keys/{provider}
func (h *APIKeyHandler) Delete(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	userID := middleware.GetUserID(ctx)
	provider := model.Provider(chi.URLParam(r, "provider"))

	err := h.service.Delete(ctx, userID, provider)
	if err != nil {
		if errors.Is(err, service.ErrUnknownProvider) {
			writeError(w, http.StatusBadRequest, "unsupported provider")
			return
		}
		if errors.Is(err, store.ErrNotFound) {
			writeError(w, http.StatusNotFound, "API key not found")
			return
		}
		h.logger.Error("failed to delete API key")
		writeError(w, http.StatusInternalServerError, "failed to delete API key")
		return
	}

	w.WriteHeader(http.StatusNoContent)
}
