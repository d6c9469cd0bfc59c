package service

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/parleyhq/chatbot-platform/internal/model"
	"github.com/parleyhq/chatbot-platform/internal/secrets"
	"github.com/parleyhq/chatbot-platform/internal/store"
	"github.com/parleyhq/chatbot-platform/pkg/logger"
)

func newTestStore(t *testing.T) *store.Store {
	t.Helper()

	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger:         gormlogger.Default.LogMode(gormlogger.Silent),
		TranslateError: true,
	})
	require.NoError(t, err)

	// A fresh connection to :memory: is a fresh database.
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)

	s, err := store.New(db)
	require.NoError(t, err)
	return s
}

func newTestCipher(t *testing.T) *secrets.Cipher {
	t.Helper()
	c, err := secrets.NewCipher("test-encryption-key")
	require.NoError(t, err)
	return c
}

// fakePublisher records published messages and hands out sequences.
type fakePublisher struct {
	mu       sync.Mutex
	seq      uint64
	messages []model.Message
	events   []model.ConversationEvent
}

func (p *fakePublisher) PublishMessage(ctx context.Context, userID string, msg *model.Message) (uint64, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.seq++
	p.messages = append(p.messages, *msg)
	return p.seq, nil
}

func (p *fakePublisher) PublishEvent(ctx context.Context, event *model.ConversationEvent) (uint64, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.seq++
	p.events = append(p.events, *event)
	return p.seq, nil
}

func newAuthService(st *store.Store) *AuthService {
	// bcrypt.MinCost keeps the tests fast.
	return NewAuthService(st, "test-secret", time.Hour, 4, logger.NewNop())
}

func registerUser(t *testing.T, svc *AuthService, email string) *model.User {
	t.Helper()
	user, _, err := svc.Register(context.Background(), &model.RegisterRequest{
		Email:    email,
		Name:     "Test User",
		Password: "password123",
	})
	require.NoError(t, err)
	return user
}
