package handler

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"go.uber.org/zap"

	"github.com/parleyhq/chatbot-platform/internal/middleware"
	"github.com/parleyhq/chatbot-platform/internal/model"
	"github.com/parleyhq/chatbot-platform/internal/service"
	"github.com/parleyhq/chatbot-platform/internal/store"
	"github.com/parleyhq/chatbot-platform/pkg/logger"
	"github.com/parleyhq/chatbot-platform/pkg/metrics"
)

// ChatHandler handles chat endpoints.
type ChatHandler struct {
	service *service.ChatService
	logger  *logger.Logger
}

// NewChatHandler creates a new chat handler.
func NewChatHandler(svc *service.ChatService, log *logger.Logger) *ChatHandler {
	return &ChatHandler{
		service: svc,
		logger:  log,
	}
}

// decodeChatRequest decodes and validates the request body shared by
// both chat endpoints.
func decodeChatRequest(r *http.Request) (*model.ChatRequest, error) {
	var req model.ChatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		return nil, errors.New("invalid request body")
	}
	if err := middleware.ValidateConversationID(req.ConversationID); err != nil {
		return nil, err
	}
	if err := middleware.ValidateMessageContent(req.Message); err != nil {
		return nil, err
	}
	return &req, nil
}

// prepare maps turn-preparation failures onto HTTP status codes.
func (h *ChatHandler) prepare(w http.ResponseWriter, r *http.Request) (*service.Turn, bool) {
	req, err := decodeChatRequest(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return nil, false
	}

	userID := middleware.GetUserID(r.Context())
	turn, err := h.service.Prepare(r.Context(), userID, req)
	if err != nil {
		switch {
		case errors.Is(err, store.ErrNotFound):
			writeError(w, http.StatusNotFound, "conversation not found")
		case errors.Is(err, service.ErrNoAPIKey), errors.Is(err, service.ErrAgentConfig):
			writeError(w, http.StatusBadRequest, err.Error())
		default:
			h.logger.Error("failed to prepare chat turn", zap.Error(err))
			writeError(w, http.StatusInternalServerError, "failed to process chat message")
		}
		return nil, false
	}
	return turn, true
}

// Message handles POST /api/v1/chat/message
func (h *ChatHandler) Message(w http.ResponseWriter, r *http.Request) {
	turn, ok := h.prepare(w, r)
	if !ok {
		return
	}

	_, assistantMsg, err := turn.Run(r.Context(), nil)
	if err != nil {
		h.logger.Error("chat turn failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "provider request failed")
		return
	}

	writeJSON(w, http.StatusOK, &model.ChatResponse{
		Message:   assistantMsg.Content,
		MessageID: assistantMsg.ID,
	})
}

// Stream handles POST /api/v1/chat/stream
//
// Token events are emitted as the provider produces them, followed by
// user_message, message_complete, and done events. Provider failures
// after the stream opens surface as an error event.
func (h *ChatHandler) Stream(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	turn, ok := h.prepare(w, r)
	if !ok {
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no") // Disable nginx buffering

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming not supported")
		return
	}

	metrics.IncrementSSEConnections()
	defer metrics.DecrementSSEConnections()

	userMsg, assistantMsg, err := turn.Run(ctx, func(token string, index int) error {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		return sendSSEEvent(w, flusher, "token", &model.TokenEvent{
			Token: token,
			Index: index,
		})
	})

	if err != nil {
		sendSSEEvent(w, flusher, "error", &model.ErrorEvent{
			Code:    "stream_error",
			Message: err.Error(),
		})
		return
	}

	sendSSEEvent(w, flusher, "user_message", userMsg)

	sendSSEEvent(w, flusher, "message_complete", &model.MessageCompleteEvent{
		Message:  *assistantMsg,
		Sequence: assistantMsg.Sequence,
	})

	sendSSEEvent(w, flusher, "done", map[string]bool{"success": true})
}

func sendSSEEvent(w http.ResponseWriter, flusher http.Flusher, event string, data interface{}) error {
	jsonData, err := json.Marshal(data)
	if err != nil {
		return err
	}

	fmt.Fprintf(w, "event: %s\n", event)
	fmt.Fprintf(w, "data: %s\n\n", jsonData)
	flusher.Flush()

	return nil
}
