package store

import (
	"context"

	"gorm.io/gorm"

	"github.com/parleyhq/chatbot-platform/internal/model"
)

// CreateConversation inserts a new conversation.
func (s *Store) CreateConversation(ctx context.Context, conv *model.Conversation) error {
	return translate(s.db.WithContext(ctx).Create(conv).Error)
}

// GetConversation fetches a conversation owned by the given user. A
// conversation owned by someone else is indistinguishable from a missing one.
func (s *Store) GetConversation(ctx context.Context, userID, conversationID string) (*model.Conversation, error) {
	var conv model.Conversation
	err := s.db.WithContext(ctx).
		Where("id = ? AND user_id = ?", conversationID, userID).
		First(&conv).Error
	if err != nil {
		return nil, translate(err)
	}
	return &conv, nil
}

// ListConversations returns the user's conversations, most recently
// updated first, with per-conversation message counts.
func (s *Store) ListConversations(ctx context.Context, userID string, limit, offset int) ([]model.Conversation, int64, error) {
	var total int64
	if err := s.db.WithContext(ctx).
		Model(&model.Conversation{}).
		Where("user_id = ?", userID).
		Count(&total).Error; err != nil {
		return nil, 0, translate(err)
	}

	var convs []model.Conversation
	err := s.db.WithContext(ctx).
		Where("user_id = ?", userID).
		Order("updated_at DESC").
		Limit(limit).
		Offset(offset).
		Find(&convs).Error
	if err != nil {
		return nil, 0, translate(err)
	}

	if err := s.fillMessageCounts(ctx, convs); err != nil {
		return nil, 0, err
	}

	return convs, total, nil
}

func (s *Store) fillMessageCounts(ctx context.Context, convs []model.Conversation) error {
	if len(convs) == 0 {
		return nil
	}

	ids := make([]string, len(convs))
	for i, c := range convs {
		ids[i] = c.ID
	}

	type countRow struct {
		ConversationID string
		N              int64
	}
	var rows []countRow
	err := s.db.WithContext(ctx).
		Model(&model.Message{}).
		Select("conversation_id, COUNT(*) AS n").
		Where("conversation_id IN ?", ids).
		Group("conversation_id").
		Scan(&rows).Error
	if err != nil {
		return translate(err)
	}

	counts := make(map[string]int64, len(rows))
	for _, r := range rows {
		counts[r.ConversationID] = r.N
	}
	for i := range convs {
		convs[i].MessageCount = counts[convs[i].ID]
	}
	return nil
}

// UpdateConversationTitle renames a conversation and bumps updated_at.
func (s *Store) UpdateConversationTitle(ctx context.Context, userID, conversationID, title string) (*model.Conversation, error) {
	conv, err := s.GetConversation(ctx, userID, conversationID)
	if err != nil {
		return nil, err
	}

	conv.Title = title
	if err := s.db.WithContext(ctx).Save(conv).Error; err != nil {
		return nil, translate(err)
	}
	return conv, nil
}

// TouchConversation bumps a conversation's updated_at timestamp.
func (s *Store) TouchConversation(ctx context.Context, conversationID string) error {
	return translate(s.db.WithContext(ctx).
		Model(&model.Conversation{}).
		Where("id = ?", conversationID).
		Update("updated_at", s.db.NowFunc()).Error)
}

// DeleteConversation removes a conversation and all its messages.
func (s *Store) DeleteConversation(ctx context.Context, userID, conversationID string) error {
	if _, err := s.GetConversation(ctx, userID, conversationID); err != nil {
		return err
	}

	return translate(s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("conversation_id = ?", conversationID).
			Delete(&model.Message{}).Error; err != nil {
			return err
		}
		return tx.Where("id = ?", conversationID).
			Delete(&model.Conversation{}).Error
	}))
}
