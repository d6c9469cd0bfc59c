package model

import (
	"time"
)

// Role represents the role of a message sender.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
)

// Message represents a single message in a conversation.
type Message struct {
	ID             string `gorm:"type:uuid;primaryKey" json:"id"`
	ConversationID string `gorm:"type:uuid;not null;index" json:"conversation_id"`
	Role           Role   `gorm:"type:varchar(20);not null" json:"role"`
	Content        string `gorm:"type:text;not null" json:"content"`

	// LLM metadata (nil for non-assistant messages)
	Model      *string `gorm:"type:varchar(100)" json:"model,omitempty"`
	TokensIn   *int    `json:"tokens_in,omitempty"`
	TokensOut  *int    `json:"tokens_out,omitempty"`
	LatencyMs  *int64  `json:"latency_ms,omitempty"`
	StopReason *string `gorm:"type:varchar(50)" json:"stop_reason,omitempty"`

	// JetStream sequence stamped when the message event is published.
	Sequence uint64 `gorm:"index" json:"sequence,omitempty"`

	CreatedAt time.Time `json:"created_at"`
}

// ChatRequest is the request to send a chat message.
type ChatRequest struct {
	ConversationID string `json:"conversation_id"`
	Message        string `json:"message"`
	Model          string `json:"model,omitempty"`
}

// ChatResponse is the non-streaming chat response.
type ChatResponse struct {
	Message   string `json:"message"`
	MessageID string `json:"message_id"`
}

// ListMessagesResponse is the response for listing messages.
type ListMessagesResponse struct {
	Messages []Message `json:"messages"`
	HasMore  bool      `json:"has_more"`
}

// TokenEvent represents a streaming token event.
type TokenEvent struct {
	Token string `json:"token"`
	Index int    `json:"index"`
}

// MessageCompleteEvent represents a message completion event.
type MessageCompleteEvent struct {
	Message  Message `json:"message"`
	Sequence uint64  `json:"sequence"`
}

// ErrorEvent represents an error event.
type ErrorEvent struct {
	Code       string `json:"code"`
	Message    string `json:"message"`
	RetryAfter int    `json:"retry_after,omitempty"`
}

// HeartbeatEvent represents a heartbeat event.
type HeartbeatEvent struct {
	Timestamp time.Time `json:"timestamp"`
}
