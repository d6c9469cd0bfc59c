package handler

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/parleyhq/chatbot-platform/internal/middleware"
	"github.com/parleyhq/chatbot-platform/internal/model"
	"github.com/parleyhq/chatbot-platform/internal/service"
	"github.com/parleyhq/chatbot-platform/pkg/logger"
	"github.com/parleyhq/chatbot-platform/pkg/metrics"
)

const (
	replayBatchSize   = 50
	heartbeatInterval = 30 * time.Second
)

// LiveConsumer follows a conversation's live event stream. Satisfied by
// events.StreamManager.
type LiveConsumer interface {
	Consume(ctx context.Context, userID, conversationID string, afterSequence uint64, handler func(model.Message)) (stop func(), err error)
}

// StreamHandler handles the resumable conversation SSE endpoint.
type StreamHandler struct {
	conversations *service.ConversationService
	streams       LiveConsumer
	logger        *logger.Logger
}

// NewStreamHandler creates a new stream handler.
func NewStreamHandler(convSvc *service.ConversationService, streams LiveConsumer, log *logger.Logger) *StreamHandler {
	return &StreamHandler{
		conversations: convSvc,
		streams:       streams,
		logger:        log,
	}
}

// ReplayCompleteEvent marks the end of persisted message replay.
type ReplayCompleteEvent struct {
	LastSequence uint64 `json:"last_sequence"`
	MessageCount int    `json:"message_count"`
}

// Stream handles GET /api/v1/conversations/{id}/stream
//
// Persisted messages are replayed first (resumable via
// ?after_sequence=N), then the connection follows the live event stream
// with periodic heartbeats until the client disconnects.
func (h *StreamHandler) Stream(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	userID := middleware.GetUserID(ctx)
	conversationID := chi.URLParam(r, "id")

	if err := middleware.ValidateConversationID(conversationID); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	if _, err := h.conversations.Get(ctx, userID, conversationID); err != nil {
		writeError(w, http.StatusNotFound, "conversation not found")
		return
	}

	var afterSequence uint64
	if seqStr := r.URL.Query().Get("after_sequence"); seqStr != "" {
		if seq, err := strconv.ParseUint(seqStr, 10, 64); err == nil {
			afterSequence = seq
		}
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming not supported")
		return
	}

	metrics.IncrementSSEConnections()
	defer metrics.DecrementSSEConnections()

	sendSSEEvent(w, flusher, "connected", map[string]string{
		"conversation_id": conversationID,
	})

	lastSequence, replayed := h.replay(w, flusher, r, userID, conversationID, afterSequence)

	sendSSEEvent(w, flusher, "replay_complete", &ReplayCompleteEvent{
		LastSequence: lastSequence,
		MessageCount: replayed,
	})

	// Follow the live stream from where replay left off.
	live := make(chan model.Message, 16)
	stop, err := h.streams.Consume(ctx, userID, conversationID, lastSequence, func(msg model.Message) {
		select {
		case live <- msg:
		case <-ctx.Done():
		}
	})
	if err != nil {
		h.logger.Error("failed to start live tail",
			zap.String("conversation_id", conversationID),
			zap.Error(err),
		)
		sendSSEEvent(w, flusher, "error", &model.ErrorEvent{
			Code:    "live_tail_error",
			Message: "failed to follow live updates",
		})
		return
	}
	defer stop()

	heartbeat := time.NewTicker(heartbeatInterval)
	defer heartbeat.Stop()

	for {
		select {
		case <-ctx.Done():
			h.logger.Debug("SSE client disconnected",
				zap.String("conversation_id", conversationID),
			)
			return

		case msg := <-live:
			sendSSEEvent(w, flusher, "message", msg)

		case <-heartbeat.C:
			sendSSEEvent(w, flusher, "heartbeat", &model.HeartbeatEvent{
				Timestamp: time.Now(),
			})
		}
	}
}

// replay streams persisted messages in batches and returns the last
// sequence seen plus the number of messages sent.
func (h *StreamHandler) replay(w http.ResponseWriter, flusher http.Flusher, r *http.Request, userID, conversationID string, afterSequence uint64) (uint64, int) {
	ctx := r.Context()

	lastSequence := afterSequence
	total := 0

	for {
		messages, hasMore, err := h.conversations.MessagesAfter(ctx, userID, conversationID, lastSequence, replayBatchSize)
		if err != nil {
			h.logger.Error("failed to replay messages",
				zap.String("conversation_id", conversationID),
				zap.Error(err),
			)
			sendSSEEvent(w, flusher, "error", &model.ErrorEvent{
				Code:    "replay_error",
				Message: "failed to replay messages",
			})
			return lastSequence, total
		}

		for _, msg := range messages {
			select {
			case <-ctx.Done():
				return lastSequence, total
			default:
			}

			sendSSEEvent(w, flusher, "message", msg)
			if msg.Sequence > lastSequence {
				lastSequence = msg.Sequence
			}
			total++
		}

		if !hasMore {
			return lastSequence, total
		}
	}
}
