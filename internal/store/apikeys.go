package store

import (
	"context"
	"errors"

	"gorm.io/gorm"

	"github.com/parleyhq/chatbot-platform/internal/model"
)

// UpsertAPIKey stores a provider credential, replacing any existing key
// for the same user and provider. Returns the stored record and whether
// it was newly created.
func (s *Store) UpsertAPIKey(ctx context.Context, key *model.APIKey) (created bool, err error) {
	var existing model.APIKey
	err = s.db.WithContext(ctx).
		Where("user_id = ? AND provider = ?", key.UserID, key.Provider).
		First(&existing).Error

	if errors.Is(err, gorm.ErrRecordNotFound) {
		return true, translate(s.db.WithContext(ctx).Create(key).Error)
	}
	if err != nil {
		return false, translate(err)
	}

	existing.EncryptedKey = key.EncryptedKey
	if err := s.db.WithContext(ctx).Save(&existing).Error; err != nil {
		return false, translate(err)
	}
	*key = existing
	return false, nil
}

// GetAPIKey fetches a user's credential for a provider.
func (s *Store) GetAPIKey(ctx context.Context, userID string, provider model.Provider) (*model.APIKey, error) {
	var key model.APIKey
	err := s.db.WithContext(ctx).
		Where("user_id = ? AND provider = ?", userID, provider).
		First(&key).Error
	if err != nil {
		return nil, translate(err)
	}
	return &key, nil
}

// ListAPIKeys returns all of a user's stored credentials.
func (s *Store) ListAPIKeys(ctx context.Context, userID string) ([]model.APIKey, error) {
	var keys []model.APIKey
	err := s.db.WithContext(ctx).
		Where("user_id = ?", userID).
		Order("created_at ASC").
		Find(&keys).Error
	if err != nil {
		return nil, translate(err)
	}
	return keys, nil
}

// DeleteAPIKey removes a user's credential for a provider.
func (s *Store) DeleteAPIKey(ctx context.Context, userID string, provider model.Provider) error {
	result := s.db.WithContext(ctx).
		Where("user_id = ? AND provider = ?", userID, provider).
		Delete(&model.APIKey{})
	if result.Error != nil {
		return translate(result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}
