package store

import (
	"context"

	"github.com/parleyhq/chatbot-platform/internal/model"
)

// CreateMessage inserts a message and bumps the parent conversation's
// updated_at so listings sort by activity.
func (s *Store) CreateMessage(ctx context.Context, msg *model.Message) error {
	if err := translate(s.db.WithContext(ctx).Create(msg).Error); err != nil {
		return err
	}
	return s.TouchConversation(ctx, msg.ConversationID)
}

// ListMessages returns a page of messages in chronological order.
func (s *Store) ListMessages(ctx context.Context, conversationID string, limit, offset int) ([]model.Message, bool, error) {
	var msgs []model.Message
	err := s.db.WithContext(ctx).
		Where("conversation_id = ?", conversationID).
		Order("created_at ASC").
		Limit(limit + 1).
		Offset(offset).
		Find(&msgs).Error
	if err != nil {
		return nil, false, translate(err)
	}

	hasMore := len(msgs) > limit
	if hasMore {
		msgs = msgs[:limit]
	}
	return msgs, hasMore, nil
}

// AllMessages returns every message in a conversation, oldest first.
func (s *Store) AllMessages(ctx context.Context, conversationID string) ([]model.Message, error) {
	var msgs []model.Message
	err := s.db.WithContext(ctx).
		Where("conversation_id = ?", conversationID).
		Order("created_at ASC").
		Find(&msgs).Error
	if err != nil {
		return nil, translate(err)
	}
	return msgs, nil
}

// RecentMessages returns the newest n messages in chronological order.
// This is the context window handed to the agent.
func (s *Store) RecentMessages(ctx context.Context, conversationID string, n int) ([]model.Message, error) {
	var msgs []model.Message
	err := s.db.WithContext(ctx).
		Where("conversation_id = ?", conversationID).
		Order("created_at DESC").
		Limit(n).
		Find(&msgs).Error
	if err != nil {
		return nil, translate(err)
	}

	// Reverse into chronological order.
	for i, j := 0, len(msgs)-1; i < j; i, j = i+1, j-1 {
		msgs[i], msgs[j] = msgs[j], msgs[i]
	}
	return msgs, nil
}

// MessagesAfterSequence returns messages published after the given
// JetStream sequence, oldest first. Used for stream replay cursors.
func (s *Store) MessagesAfterSequence(ctx context.Context, conversationID string, afterSequence uint64, limit int) ([]model.Message, bool, error) {
	var msgs []model.Message
	err := s.db.WithContext(ctx).
		Where("conversation_id = ? AND sequence > ?", conversationID, afterSequence).
		Order("sequence ASC").
		Limit(limit + 1).
		Find(&msgs).Error
	if err != nil {
		return nil, false, translate(err)
	}

	hasMore := len(msgs) > limit
	if hasMore {
		msgs = msgs[:limit]
	}
	return msgs, hasMore, nil
}
