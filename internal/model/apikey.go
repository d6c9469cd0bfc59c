package model

import (
	"time"
)

// APIKey holds a user's encrypted credential for an AI provider.
// One key per provider per user.
type APIKey struct {
	ID           string    `gorm:"type:uuid;primaryKey" json:"id"`
	UserID       string    `gorm:"type:uuid;not null;uniqueIndex:ux_api_keys_user_provider" json:"user_id"`
	Provider     Provider  `gorm:"type:varchar(20);not null;uniqueIndex:ux_api_keys_user_provider" json:"provider"`
	EncryptedKey string    `gorm:"type:text;not null" json:"-"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// CreateAPIKeyRequest is the request to store a provider credential.
type CreateAPIKeyRequest struct {
	Provider Provider `json:"provider"`
	APIKey   string   `json:"api_key"`
}

// APIKeyResponse is the public view of a stored key. The key material
// itself is never returned.
type APIKeyResponse struct {
	ID        string    `json:"id"`
	Provider  Provider  `json:"provider"`
	CreatedAt time.Time `json:"created_at"`
}

// PublicView converts an API key to its public representation.
func (k *APIKey) PublicView() APIKeyResponse {
	return APIKeyResponse{
		ID:        k.ID,
		Provider:  k.Provider,
		CreatedAt: k.CreatedAt,
	}
}
