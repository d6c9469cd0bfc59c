package model

import (
	"time"
)

// Conversation represents a chat thread owned by a user.
type Conversation struct {
	ID        string    `gorm:"type:uuid;primaryKey" json:"id"`
	UserID    string    `gorm:"type:uuid;not null;index" json:"user_id"`
	Title     string    `gorm:"type:varchar(255)" json:"title"`
	AgentType string    `gorm:"type:varchar(50);not null" json:"agent_type"`
	Provider  Provider  `gorm:"type:varchar(20);not null" json:"provider"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`

	Messages []Message `gorm:"constraint:OnDelete:CASCADE" json:"-"`

	// Populated on read, not stored.
	MessageCount int64 `gorm:"-" json:"message_count,omitempty"`
}

// CreateConversationRequest is the request to create a new conversation.
type CreateConversationRequest struct {
	Title     string   `json:"title"`
	AgentType string   `json:"agent_type"`
	Provider  Provider `json:"provider"`
}

// UpdateConversationRequest is the request to update a conversation.
type UpdateConversationRequest struct {
	Title string `json:"title"`
}

// ListConversationsResponse is the response for listing conversations.
type ListConversationsResponse struct {
	Conversations []Conversation `json:"conversations"`
	Total         int64          `json:"total"`
	HasMore       bool           `json:"has_more"`
}

// ConversationWithMessages bundles a conversation and its history.
type ConversationWithMessages struct {
	Conversation Conversation `json:"conversation"`
	Messages     []Message    `json:"messages"`
}
