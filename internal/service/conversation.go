package service

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/parleyhq/chatbot-platform/internal/agent"
	"github.com/parleyhq/chatbot-platform/internal/model"
	"github.com/parleyhq/chatbot-platform/internal/store"
	"github.com/parleyhq/chatbot-platform/pkg/logger"
	"github.com/parleyhq/chatbot-platform/pkg/metrics"
)

// ConversationService handles conversation operations.
type ConversationService struct {
	store  *store.Store
	logger *logger.Logger
}

// NewConversationService creates a new conversation service.
func NewConversationService(st *store.Store, log *logger.Logger) *ConversationService {
	return &ConversationService{
		store:  st,
		logger: log,
	}
}

// Create creates a new conversation. An empty title is auto-generated
// from the creation time. The agent_type string is stored as given; a
// type the factory does not know is rejected when the first chat turn
// tries to build the agent, not here.
func (s *ConversationService) Create(ctx context.Context, userID string, req *model.CreateConversationRequest) (*model.Conversation, error) {
	if !req.Provider.Valid() {
		return nil, ErrUnknownProvider
	}

	agentType := req.AgentType
	if agentType == "" {
		agentType = agent.TypeDefault
	}

	title := req.Title
	if title == "" {
		title = "New Chat - " + time.Now().Format("2006-01-02 15:04")
	}

	conv := &model.Conversation{
		ID:        uuid.Must(uuid.NewV7()).String(),
		UserID:    userID,
		Title:     title,
		AgentType: agentType,
		Provider:  req.Provider,
	}

	if err := s.store.CreateConversation(ctx, conv); err != nil {
		return nil, fmt.Errorf("create conversation: %w", err)
	}

	metrics.ConversationsTotal.WithLabelValues(conv.AgentType, string(conv.Provider)).Inc()
	s.logger.Info("conversation created",
		zap.String("conversation_id", conv.ID),
		zap.String("agent_type", conv.AgentType),
	)

	return conv, nil
}

// Get retrieves a conversation the user owns.
func (s *ConversationService) Get(ctx context.Context, userID, conversationID string) (*model.Conversation, error) {
	return s.store.GetConversation(ctx, userID, conversationID)
}

// GetWithMessages retrieves a conversation and its full history in
// chronological order.
func (s *ConversationService) GetWithMessages(ctx context.Context, userID, conversationID string) (*model.ConversationWithMessages, error) {
	conv, err := s.store.GetConversation(ctx, userID, conversationID)
	if err != nil {
		return nil, err
	}

	messages, err := s.store.AllMessages(ctx, conversationID)
	if err != nil {
		return nil, err
	}

	return &model.ConversationWithMessages{
		Conversation: *conv,
		Messages:     messages,
	}, nil
}

// List retrieves the user's conversations, newest-updated first.
func (s *ConversationService) List(ctx context.Context, userID string, limit, offset int) (*model.ListConversationsResponse, error) {
	convs, total, err := s.store.ListConversations(ctx, userID, limit, offset)
	if err != nil {
		return nil, err
	}

	return &model.ListConversationsResponse{
		Conversations: convs,
		Total:         total,
		HasMore:       int64(offset+len(convs)) < total,
	}, nil
}

// Update renames a conversation.
func (s *ConversationService) Update(ctx context.Context, userID, conversationID string, req *model.UpdateConversationRequest) (*model.Conversation, error) {
	return s.store.UpdateConversationTitle(ctx, userID, conversationID, req.Title)
}

// Delete removes a conversation and its messages.
func (s *ConversationService) Delete(ctx context.Context, userID, conversationID string) error {
	return s.store.DeleteConversation(ctx, userID, conversationID)
}

// Messages returns one ascending page of a conversation's history.
func (s *ConversationService) Messages(ctx context.Context, userID, conversationID string, limit, offset int) (*model.ListMessagesResponse, error) {
	if _, err := s.store.GetConversation(ctx, userID, conversationID); err != nil {
		return nil, err
	}

	messages, hasMore, err := s.store.ListMessages(ctx, conversationID, limit, offset)
	if err != nil {
		return nil, err
	}

	return &model.ListMessagesResponse{
		Messages: messages,
		HasMore:  hasMore,
	}, nil
}

// MessagesAfter returns persisted messages with a stream sequence greater
// than afterSequence. Used by the SSE replay endpoint.
func (s *ConversationService) MessagesAfter(ctx context.Context, userID, conversationID string, afterSequence uint64, limit int) ([]model.Message, bool, error) {
	if _, err := s.store.GetConversation(ctx, userID, conversationID); err != nil {
		return nil, false, err
	}
	return s.store.MessagesAfterSequence(ctx, conversationID, afterSequence, limit)
}
