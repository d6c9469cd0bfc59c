package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/parleyhq/chatbot-platform/internal/agent"
	"github.com/parleyhq/chatbot-platform/internal/llm"
	"github.com/parleyhq/chatbot-platform/internal/model"
	"github.com/parleyhq/chatbot-platform/internal/store"
	"github.com/parleyhq/chatbot-platform/pkg/logger"
	"github.com/parleyhq/chatbot-platform/pkg/metrics"
)

var (
	// ErrNoAPIKey is returned when the user has no stored credential for
	// the conversation's provider.
	ErrNoAPIKey = errors.New("no API key stored for provider")
	// ErrAgentConfig is returned when an agent cannot be built for the
	// conversation's agent_type and provider.
	ErrAgentConfig = errors.New("agent configuration")
)

// historyWindow is how many stored messages are sent to the model as
// conversation context.
const historyWindow = 20

// EventPublisher publishes messages and events to the conversation
// stream. Satisfied by events.StreamManager.
type EventPublisher interface {
	PublishMessage(ctx context.Context, userID string, msg *model.Message) (uint64, error)
	PublishEvent(ctx context.Context, event *model.ConversationEvent) (uint64, error)
}

// ChatService orchestrates a chat turn: persist the user message, run the
// agent, persist the assistant reply, and publish both to the event stream.
type ChatService struct {
	store   *store.Store
	apiKeys *APIKeyService
	streams EventPublisher
	logger  *logger.Logger

	// newAgent is swapped out in tests.
	newAgent func(agent.Params) (agent.Agent, error)
}

// NewChatService creates a new chat service.
func NewChatService(st *store.Store, apiKeys *APIKeyService, streams EventPublisher, log *logger.Logger) *ChatService {
	return &ChatService{
		store:    st,
		apiKeys:  apiKeys,
		streams:  streams,
		logger:   log,
		newAgent: agent.New,
	}
}

// WithAgentFactory overrides how agents are constructed, for custom
// agent wiring and for tests.
func (s *ChatService) WithAgentFactory(f func(agent.Params) (agent.Agent, error)) *ChatService {
	s.newAgent = f
	return s
}

// Turn is a prepared chat turn. Preparation resolves the conversation,
// credential, agent, and history up front so callers can report
// configuration problems before any output is committed.
type Turn struct {
	svc     *ChatService
	userID  string
	conv    *model.Conversation
	agent   agent.Agent
	history []llm.ChatMessage
	message string
	model   string
}

// Prepare resolves everything a chat turn needs. Returns
// store.ErrNotFound for a conversation the user does not own,
// ErrNoAPIKey when no credential is stored for the conversation's
// provider, and ErrAgentConfig when the agent cannot be built.
func (s *ChatService) Prepare(ctx context.Context, userID string, req *model.ChatRequest) (*Turn, error) {
	conv, err := s.store.GetConversation(ctx, userID, req.ConversationID)
	if err != nil {
		return nil, err
	}

	apiKey, err := s.apiKeys.DecryptKey(ctx, userID, conv.Provider)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, fmt.Errorf("%w: %s", ErrNoAPIKey, conv.Provider)
		}
		return nil, fmt.Errorf("load credential: %w", err)
	}

	ag, err := s.newAgent(agent.Params{
		AgentType: conv.AgentType,
		Provider:  conv.Provider,
		APIKey:    apiKey,
		Model:     req.Model,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrAgentConfig, err)
	}

	history, err := s.history(ctx, conv.ID)
	if err != nil {
		return nil, err
	}

	// The requested model labels failure metrics; successes use the
	// model the provider reports back.
	modelName := req.Model
	if modelName == "" {
		modelName = "unknown"
	}

	return &Turn{
		svc:     s,
		userID:  userID,
		conv:    conv,
		agent:   ag,
		history: history,
		message: req.Message,
		model:   modelName,
	}, nil
}

// Run executes the turn. The user message is persisted before the agent
// is called; the assistant message after it finishes. When onChunk is
// non-nil the response streams through it. On agent failure the error is
// recorded as the assistant turn and an error event is published.
func (t *Turn) Run(ctx context.Context, onChunk agent.ChunkFunc) (*model.Message, *model.Message, error) {
	s := t.svc

	userMsg := &model.Message{
		ID:             uuid.Must(uuid.NewV7()).String(),
		ConversationID: t.conv.ID,
		Role:           model.RoleUser,
		Content:        t.message,
	}
	if err := s.persist(ctx, t.userID, userMsg); err != nil {
		return nil, nil, fmt.Errorf("persist user message: %w", err)
	}

	start := time.Now()
	result, err := t.agent.Chat(ctx, t.message, t.history, onChunk)
	if err != nil {
		s.recordFailure(ctx, t.userID, t.conv, t.model, err, time.Since(start))
		return userMsg, nil, err
	}

	assistantMsg := &model.Message{
		ID:             uuid.Must(uuid.NewV7()).String(),
		ConversationID: t.conv.ID,
		Role:           model.RoleAssistant,
		Content:        result.Content,
		Model:          &result.Model,
		TokensIn:       &result.TokensIn,
		TokensOut:      &result.TokensOut,
		LatencyMs:      &result.LatencyMs,
		StopReason:     &result.StopReason,
	}
	if err := s.persist(context.WithoutCancel(ctx), t.userID, assistantMsg); err != nil {
		return userMsg, nil, fmt.Errorf("persist assistant message: %w", err)
	}

	metrics.RecordLLMStream(result.Model, "success", time.Since(start).Seconds(), result.TokensIn, result.TokensOut)

	return userMsg, assistantMsg, nil
}

// Send runs one non-streaming chat turn and returns the assistant message.
func (s *ChatService) Send(ctx context.Context, userID string, req *model.ChatRequest) (*model.Message, error) {
	turn, err := s.Prepare(ctx, userID, req)
	if err != nil {
		return nil, err
	}
	_, assistantMsg, err := turn.Run(ctx, nil)
	return assistantMsg, err
}

// history returns the trailing window of stored messages in
// chronological order.
func (s *ChatService) history(ctx context.Context, conversationID string) ([]llm.ChatMessage, error) {
	stored, err := s.store.RecentMessages(ctx, conversationID, historyWindow)
	if err != nil {
		return nil, err
	}

	history := make([]llm.ChatMessage, len(stored))
	for i, m := range stored {
		history[i] = llm.ChatMessage{
			Role:    string(m.Role),
			Content: m.Content,
		}
	}
	return history, nil
}

// persist publishes the message to the event stream and stores it. The
// stream sequence is stamped onto the row so replay cursors line up;
// publication failures degrade to a sequence of zero rather than losing
// the message.
func (s *ChatService) persist(ctx context.Context, userID string, msg *model.Message) error {
	seq, err := s.streams.PublishMessage(ctx, userID, msg)
	if err != nil {
		s.logger.Warn("failed to publish message event",
			zap.String("conversation_id", msg.ConversationID),
			zap.Error(err),
		)
	} else {
		msg.Sequence = seq
	}

	if err := s.store.CreateMessage(ctx, msg); err != nil {
		return err
	}

	metrics.MessagesTotal.WithLabelValues(string(msg.Role)).Inc()
	return nil
}

// recordFailure persists the provider error as the assistant turn and
// publishes an error event, so the conversation transcript shows what
// the client saw.
func (s *ChatService) recordFailure(ctx context.Context, userID string, conv *model.Conversation, modelName string, cause error, elapsed time.Duration) {
	ctx = context.WithoutCancel(ctx)

	errMsg := &model.Message{
		ID:             uuid.Must(uuid.NewV7()).String(),
		ConversationID: conv.ID,
		Role:           model.RoleAssistant,
		Content:        fmt.Sprintf("[Error: %s]", cause.Error()),
	}
	if err := s.persist(ctx, userID, errMsg); err != nil {
		s.logger.Error("failed to persist error message",
			zap.String("conversation_id", conv.ID),
			zap.Error(err),
		)
	}

	if _, err := s.streams.PublishEvent(ctx, &model.ConversationEvent{
		ID:             uuid.Must(uuid.NewV7()).String(),
		ConversationID: conv.ID,
		UserID:         userID,
		Type:           model.EventTypeError,
		Reason:         cause.Error(),
		CreatedAt:      time.Now(),
	}); err != nil {
		s.logger.Warn("failed to publish error event",
			zap.String("conversation_id", conv.ID),
			zap.Error(err),
		)
	}

	metrics.RecordLLMStream(modelName, "error", elapsed.Seconds(), 0, 0)
}
