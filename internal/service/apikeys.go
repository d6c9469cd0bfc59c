package service

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/parleyhq/chatbot-platform/internal/model"
	"github.com/parleyhq/chatbot-platform/internal/secrets"
	"github.com/parleyhq/chatbot-platform/internal/store"
	"github.com/parleyhq/chatbot-platform/pkg/logger"
)

// ErrUnknownProvider is returned for a provider the platform does not support.
var ErrUnknownProvider = errors.New("unknown provider")

// APIKeyService stores and retrieves encrypted provider credentials.
type APIKeyService struct {
	store  *store.Store
	cipher *secrets.Cipher
	logger *logger.Logger
}

// NewAPIKeyService creates a new API key service.
func NewAPIKeyService(st *store.Store, cipher *secrets.Cipher, log *logger.Logger) *APIKeyService {
	return &APIKeyService{
		store:  st,
		cipher: cipher,
		logger: log,
	}
}

// Save encrypts and stores a provider credential, replacing any existing
// key for the same provider. Returns whether a new record was created.
func (s *APIKeyService) Save(ctx context.Context, userID string, req *model.CreateAPIKeyRequest) (*model.APIKey, bool, error) {
	if !req.Provider.Valid() {
		return nil, false, ErrUnknownProvider
	}
	if req.APIKey == "" {
		return nil, false, errors.New("api_key cannot be empty")
	}

	encrypted, err := s.cipher.Encrypt(req.APIKey)
	if err != nil {
		return nil, false, fmt.Errorf("encrypt key: %w", err)
	}

	key := &model.APIKey{
		ID:           uuid.Must(uuid.NewV7()).String(),
		UserID:       userID,
		Provider:     req.Provider,
		EncryptedKey: encrypted,
	}

	created, err := s.store.UpsertAPIKey(ctx, key)
	if err != nil {
		return nil, false, fmt.Errorf("store key: %w", err)
	}
	return key, created, nil
}

// List returns the user's stored credentials without key material.
func (s *APIKeyService) List(ctx context.Context, userID string) ([]model.APIKeyResponse, error) {
	keys, err := s.store.ListAPIKeys(ctx, userID)
	if err != nil {
		return nil, err
	}

	resp := make([]model.APIKeyResponse, len(keys))
	for i := range keys {
		resp[i] = keys[i].PublicView()
	}
	return resp, nil
}

// Delete removes the user's credential for a provider.
func (s *APIKeyService) Delete(ctx context.Context, userID string, provider model.Provider) error {
	if !provider.Valid() {
		return ErrUnknownProvider
	}
	return s.store.DeleteAPIKey(ctx, userID, provider)
}

// DecryptKey fetches and decrypts the user's credential for a provider.
// The plaintext never leaves the request that needs it.
func (s *APIKeyService) DecryptKey(ctx context.Context, userID string, provider model.Provider) (string, error) {
	key, err := s.store.GetAPIKey(ctx, userID, provider)
	if err != nil {
		return "", err
	}
	return s.cipher.Decrypt(key.EncryptedKey)
}
