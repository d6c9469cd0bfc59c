// Package service provides business logic for the chatbot platform.
package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/parleyhq/chatbot-platform/internal/auth"
	"github.com/parleyhq/chatbot-platform/internal/model"
	"github.com/parleyhq/chatbot-platform/internal/store"
	"github.com/parleyhq/chatbot-platform/pkg/logger"
	"github.com/parleyhq/chatbot-platform/pkg/metrics"
)

var (
	// ErrEmailTaken is returned when registering with an email that
	// already has an account.
	ErrEmailTaken = errors.New("email already registered")
	// ErrInvalidCredentials is returned on a failed login. It does not
	// distinguish a missing account from a wrong password.
	ErrInvalidCredentials = errors.New("incorrect email or password")
)

// AuthService handles registration, login, and token issuance.
type AuthService struct {
	store         *store.Store
	jwtSecret     string
	jwtExpiration time.Duration
	bcryptCost    int
	logger        *logger.Logger
}

// NewAuthService creates a new auth service.
func NewAuthService(st *store.Store, jwtSecret string, jwtExpiration time.Duration, bcryptCost int, log *logger.Logger) *AuthService {
	return &AuthService{
		store:         st,
		jwtSecret:     jwtSecret,
		jwtExpiration: jwtExpiration,
		bcryptCost:    bcryptCost,
		logger:        log,
	}
}

// Register creates a new account and returns an access token for it.
func (s *AuthService) Register(ctx context.Context, req *model.RegisterRequest) (*model.User, string, error) {
	hash, err := auth.HashPassword(req.Password, s.bcryptCost)
	if err != nil {
		return nil, "", fmt.Errorf("hash password: %w", err)
	}

	user := &model.User{
		ID:           uuid.Must(uuid.NewV7()).String(),
		Email:        req.Email,
		Name:         req.Name,
		PasswordHash: hash,
	}

	if err := s.store.CreateUser(ctx, user); err != nil {
		if errors.Is(err, store.ErrDuplicate) {
			return nil, "", ErrEmailTaken
		}
		return nil, "", fmt.Errorf("create user: %w", err)
	}

	token, err := auth.NewToken(s.jwtSecret, user.ID, s.jwtExpiration)
	if err != nil {
		return nil, "", fmt.Errorf("issue token: %w", err)
	}

	metrics.UsersTotal.Inc()
	s.logger.Info("user registered", zap.String("user_id", user.ID))

	return user, token, nil
}

// Login verifies credentials and returns an access token.
func (s *AuthService) Login(ctx context.Context, req *model.LoginRequest) (*model.User, string, error) {
	user, err := s.store.GetUserByEmail(ctx, req.Email)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, "", ErrInvalidCredentials
		}
		return nil, "", fmt.Errorf("get user: %w", err)
	}

	if !auth.VerifyPassword(req.Password, user.PasswordHash) {
		return nil, "", ErrInvalidCredentials
	}

	token, err := auth.NewToken(s.jwtSecret, user.ID, s.jwtExpiration)
	if err != nil {
		return nil, "", fmt.Errorf("issue token: %w", err)
	}

	return user, token, nil
}

// GetUser fetches the account behind an authenticated request.
func (s *AuthService) GetUser(ctx context.Context, userID string) (*model.User, error) {
	return s.store.GetUserByID(ctx, userID)
}
