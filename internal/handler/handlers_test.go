package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/parleyhq/chatbot-platform/internal/agent"
	"github.com/parleyhq/chatbot-platform/internal/llm"
	"github.com/parleyhq/chatbot-platform/internal/middleware"
	"github.com/parleyhq/chatbot-platform/internal/model"
	"github.com/parleyhq/chatbot-platform/internal/secrets"
	"github.com/parleyhq/chatbot-platform/internal/service"
	"github.com/parleyhq/chatbot-platform/internal/store"
	"github.com/parleyhq/chatbot-platform/pkg/logger"
)

const testJWTSecret = "test-secret"

// fakePublisher stands in for JetStream in tests.
type fakePublisher struct {
	mu  sync.Mutex
	seq uint64
}

func (p *fakePublisher) PublishMessage(ctx context.Context, userID string, msg *model.Message) (uint64, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.seq++
	return p.seq, nil
}

func (p *fakePublisher) PublishEvent(ctx context.Context, event *model.ConversationEvent) (uint64, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.seq++
	return p.seq, nil
}

// fakeConsumer records live-tail subscriptions and delivers nothing.
type fakeConsumer struct {
	mu            sync.Mutex
	calls         int
	afterSequence uint64
	stopped       bool
}

func (c *fakeConsumer) Consume(ctx context.Context, userID, conversationID string, afterSequence uint64, handler func(model.Message)) (func(), error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls++
	c.afterSequence = afterSequence
	return func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		c.stopped = true
	}, nil
}

// scriptedAgent replays a canned response, chunked per word.
type scriptedAgent struct {
	response string
	err      error
}

func (a *scriptedAgent) Chat(ctx context.Context, message string, history []llm.ChatMessage, onChunk agent.ChunkFunc) (*agent.Result, error) {
	if a.err != nil {
		return nil, a.err
	}
	if onChunk != nil {
		for i, word := range strings.SplitAfter(a.response, " ") {
			if err := onChunk(word, i); err != nil {
				return nil, err
			}
		}
	}
	return &agent.Result{
		Content:    a.response,
		Model:      "test-model",
		TokensIn:   10,
		TokensOut:  5,
		StopReason: "stop",
	}, nil
}

type testServer struct {
	router   *chi.Mux
	store    *store.Store
	agent    *scriptedAgent
	consumer *fakeConsumer
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()

	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger:         gormlogger.Default.LogMode(gormlogger.Silent),
		TranslateError: true,
	})
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)

	st, err := store.New(db)
	require.NoError(t, err)

	cipher, err := secrets.NewCipher("test-encryption-key")
	require.NoError(t, err)

	log := logger.NewNop()
	scripted := &scriptedAgent{response: "hello there"}
	consumer := &fakeConsumer{}

	authSvc := service.NewAuthService(st, testJWTSecret, time.Hour, 4, log)
	apiKeySvc := service.NewAPIKeyService(st, cipher, log)
	conversationSvc := service.NewConversationService(st, log)
	chatSvc := service.NewChatService(st, apiKeySvc, &fakePublisher{}, log).
		WithAgentFactory(func(p agent.Params) (agent.Agent, error) {
			return scripted, nil
		})

	authHandler := NewAuthHandler(authSvc, log)
	apiKeyHandler := NewAPIKeyHandler(apiKeySvc, log)
	conversationHandler := NewConversationHandler(conversationSvc, log)
	chatHandler := NewChatHandler(chatSvc, log)
	streamHandler := NewStreamHandler(conversationSvc, consumer, log)

	r := chi.NewRouter()
	r.Route("/auth", func(r chi.Router) {
		r.Post("/register", authHandler.Register)
		r.Post("/login", authHandler.Login)
		r.Group(func(r chi.Router) {
			r.Use(middleware.Auth(testJWTSecret))
			r.Get("/me", authHandler.Me)
			r.Route("/api-keys", func(r chi.Router) {
				r.Post("/", apiKeyHandler.Create)
				r.Get("/", apiKeyHandler.List)
				r.Delete("/{provider}", apiKeyHandler.Delete)
			})
		})
	})
	r.Route("/api/v1", func(r chi.Router) {
		r.Use(middleware.Auth(testJWTSecret))
		r.Route("/conversations", func(r chi.Router) {
			r.Post("/", conversationHandler.Create)
			r.Get("/", conversationHandler.List)
			r.Route("/{id}", func(r chi.Router) {
				r.Get("/", conversationHandler.Get)
				r.Put("/", conversationHandler.Update)
				r.Delete("/", conversationHandler.Delete)
				r.Get("/messages", conversationHandler.Messages)
				r.Get("/stream", streamHandler.Stream)
			})
		})
		r.Route("/chat", func(r chi.Router) {
			r.Post("/message", chatHandler.Message)
			r.Post("/stream", chatHandler.Stream)
		})
	})

	return &testServer{
		router:   r,
		store:    st,
		agent:    scripted,
		consumer: consumer,
	}
}

func (ts *testServer) do(t *testing.T, method, path, token string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()

	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}

	req := httptest.NewRequest(method, path, &buf)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	ts.router.ServeHTTP(rec, req)
	return rec
}

// register creates an account and returns its access token.
func (ts *testServer) register(t *testing.T, email string) string {
	t.Helper()

	rec := ts.do(t, http.MethodPost, "/auth/register", "", model.RegisterRequest{
		Email:    email,
		Name:     "Test User",
		Password: "password123",
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	var resp model.TokenResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	return resp.AccessToken
}

// setup registers a user, stores an API key, and creates a conversation.
func (ts *testServer) setup(t *testing.T) (token, conversationID string) {
	t.Helper()

	token = ts.register(t, "user@example.com")

	rec := ts.do(t, http.MethodPost, "/auth/api-keys", token, model.CreateAPIKeyRequest{
		Provider: model.ProviderOpenAI,
		APIKey:   "sk-test",
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	rec = ts.do(t, http.MethodPost, "/api/v1/conversations", token, model.CreateConversationRequest{
		Title:    "Test Chat",
		Provider: model.ProviderOpenAI,
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	var conv model.Conversation
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &conv))
	return token, conv.ID
}

func TestRegisterAndLogin(t *testing.T) {
	ts := newTestServer(t)
	ts.register(t, "a@example.com")

	rec := ts.do(t, http.MethodPost, "/auth/register", "", model.RegisterRequest{
		Email:    "a@example.com",
		Name:     "Dup",
		Password: "password123",
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, rec.Body.String(), "email already registered")

	rec = ts.do(t, http.MethodPost, "/auth/login", "", model.LoginRequest{
		Email:    "a@example.com",
		Password: "password123",
	})
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = ts.do(t, http.MethodPost, "/auth/login", "", model.LoginRequest{
		Email:    "a@example.com",
		Password: "wrong-password",
	})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Contains(t, rec.Body.String(), "incorrect email or password")
}

func TestRegisterRejectsBadInput(t *testing.T) {
	ts := newTestServer(t)

	rec := ts.do(t, http.MethodPost, "/auth/register", "", model.RegisterRequest{
		Email:    "not-an-email",
		Name:     "X",
		Password: "password123",
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = ts.do(t, http.MethodPost, "/auth/register", "", model.RegisterRequest{
		Email:    "a@example.com",
		Name:     "X",
		Password: "short",
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestMe(t *testing.T) {
	ts := newTestServer(t)
	token := ts.register(t, "a@example.com")

	rec := ts.do(t, http.MethodGet, "/auth/me", token, nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "a@example.com")
	assert.NotContains(t, rec.Body.String(), "password")

	rec = ts.do(t, http.MethodGet, "/auth/me", "", nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestAPIKeyLifecycle(t *testing.T) {
	ts := newTestServer(t)
	token := ts.register(t, "a@example.com")

	rec := ts.do(t, http.MethodPost, "/auth/api-keys", token, model.CreateAPIKeyRequest{
		Provider: model.ProviderAnthropic,
		APIKey:   "sk-ant-test",
	})
	assert.Equal(t, http.StatusCreated, rec.Code)
	assert.NotContains(t, rec.Body.String(), "sk-ant-test")

	// Replacing the key is a transparent upsert and answers 201 as well.
	rec = ts.do(t, http.MethodPost, "/auth/api-keys", token, model.CreateAPIKeyRequest{
		Provider: model.ProviderAnthropic,
		APIKey:   "sk-ant-new",
	})
	assert.Equal(t, http.StatusCreated, rec.Code)

	rec = ts.do(t, http.MethodGet, "/auth/api-keys", token, nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "anthropic")
	assert.NotContains(t, rec.Body.String(), "sk-ant")

	rec = ts.do(t, http.MethodDelete, "/auth/api-keys/anthropic", token, nil)
	assert.Equal(t, http.StatusNoContent, rec.Code)

	rec = ts.do(t, http.MethodDelete, "/auth/api-keys/anthropic", token, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = ts.do(t, http.MethodPost, "/auth/api-keys", token, model.CreateAPIKeyRequest{
		Provider: "cohere",
		APIKey:   "key",
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestConversationOwnership(t *testing.T) {
	ts := newTestServer(t)
	_, convID := ts.setup(t)
	other := ts.register(t, "other@example.com")

	for _, probe := range []struct {
		method, path string
	}{
		{http.MethodGet, "/api/v1/conversations/" + convID},
		{http.MethodDelete, "/api/v1/conversations/" + convID},
		{http.MethodGet, "/api/v1/conversations/" + convID + "/messages"},
		{http.MethodGet, "/api/v1/conversations/" + convID + "/stream"},
	} {
		rec := ts.do(t, probe.method, probe.path, other, nil)
		assert.Equal(t, http.StatusNotFound, rec.Code, "%s %s", probe.method, probe.path)
	}
}

func TestConversationCRUD(t *testing.T) {
	ts := newTestServer(t)
	token, convID := ts.setup(t)

	rec := ts.do(t, http.MethodGet, "/api/v1/conversations", token, nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	var list model.ListConversationsResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &list))
	assert.Equal(t, int64(1), list.Total)

	rec = ts.do(t, http.MethodPut, "/api/v1/conversations/"+convID, token, model.UpdateConversationRequest{
		Title: "Renamed",
	})
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "Renamed")

	rec = ts.do(t, http.MethodDelete, "/api/v1/conversations/"+convID, token, nil)
	assert.Equal(t, http.StatusNoContent, rec.Code)

	rec = ts.do(t, http.MethodGet, "/api/v1/conversations/"+convID, token, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestChatMessage(t *testing.T) {
	ts := newTestServer(t)
	token, convID := ts.setup(t)

	rec := ts.do(t, http.MethodPost, "/api/v1/chat/message", token, model.ChatRequest{
		ConversationID: convID,
		Message:        "hi",
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var resp model.ChatResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "hello there", resp.Message)
	assert.NotEmpty(t, resp.MessageID)

	// Both turns show up in the history.
	rec = ts.do(t, http.MethodGet, "/api/v1/conversations/"+convID+"/messages", token, nil)
	var msgs model.ListMessagesResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &msgs))
	require.Len(t, msgs.Messages, 2)
	assert.Equal(t, model.RoleUser, msgs.Messages[0].Role)
	assert.Equal(t, model.RoleAssistant, msgs.Messages[1].Role)
}

func TestChatMessageMissingAPIKey(t *testing.T) {
	ts := newTestServer(t)
	token, convID := ts.setup(t)

	rec := ts.do(t, http.MethodDelete, "/auth/api-keys/openai", token, nil)
	require.Equal(t, http.StatusNoContent, rec.Code)

	rec = ts.do(t, http.MethodPost, "/api/v1/chat/message", token, model.ChatRequest{
		ConversationID: convID,
		Message:        "hi",
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, rec.Body.String(), "no API key stored")
}

func TestChatMessageProviderError(t *testing.T) {
	ts := newTestServer(t)
	token, convID := ts.setup(t)
	ts.agent.err = fmt.Errorf("rate limited")

	rec := ts.do(t, http.MethodPost, "/api/v1/chat/message", token, model.ChatRequest{
		ConversationID: convID,
		Message:        "hi",
	})
	assert.Equal(t, http.StatusInternalServerError, rec.Code)

	// The failure is recorded in the transcript.
	rec = ts.do(t, http.MethodGet, "/api/v1/conversations/"+convID+"/messages", token, nil)
	assert.Contains(t, rec.Body.String(), "[Error: rate limited]")
}

func TestChatStream(t *testing.T) {
	ts := newTestServer(t)
	token, convID := ts.setup(t)

	rec := ts.do(t, http.MethodPost, "/api/v1/chat/stream", token, model.ChatRequest{
		ConversationID: convID,
		Message:        "hi",
	})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "text/event-stream", rec.Header().Get("Content-Type"))

	body := rec.Body.String()
	assert.Contains(t, body, "event: token")
	assert.Contains(t, body, "event: user_message")
	assert.Contains(t, body, "event: message_complete")
	assert.Contains(t, body, "event: done")
}

func TestChatStreamProviderError(t *testing.T) {
	ts := newTestServer(t)
	token, convID := ts.setup(t)
	ts.agent.err = fmt.Errorf("boom")

	rec := ts.do(t, http.MethodPost, "/api/v1/chat/stream", token, model.ChatRequest{
		ConversationID: convID,
		Message:        "hi",
	})
	body := rec.Body.String()
	assert.Contains(t, body, "event: error")
	assert.NotContains(t, body, "event: done")
}

func TestChatStreamUnknownConversation(t *testing.T) {
	ts := newTestServer(t)
	token, _ := ts.setup(t)

	rec := ts.do(t, http.MethodPost, "/api/v1/chat/stream", token, model.ChatRequest{
		ConversationID: "0190a6be-33a5-7c1e-9f3a-1234567890ab",
		Message:        "hi",
	})
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestConversationStreamReplay(t *testing.T) {
	ts := newTestServer(t)
	token, convID := ts.setup(t)

	// Two chat turns give four persisted, sequence-stamped messages.
	for i := 0; i < 2; i++ {
		rec := ts.do(t, http.MethodPost, "/api/v1/chat/message", token, model.ChatRequest{
			ConversationID: convID,
			Message:        "hi",
		})
		require.Equal(t, http.StatusOK, rec.Code)
	}

	ctx, cancel := context.WithCancel(context.Background())
	req := httptest.NewRequest(http.MethodGet, "/api/v1/conversations/"+convID+"/stream", nil).WithContext(ctx)
	req.Header.Set("Authorization", "Bearer "+token)
	rec := httptest.NewRecorder()

	done := make(chan struct{})
	go func() {
		defer close(done)
		ts.router.ServeHTTP(rec, req)
	}()

	time.AfterFunc(200*time.Millisecond, cancel)
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("stream handler did not return after context cancellation")
	}

	body := rec.Body.String()
	assert.Contains(t, body, "event: connected")
	assert.Contains(t, body, "event: replay_complete")
	assert.Equal(t, 4, strings.Count(body, "event: message"))

	ts.consumer.mu.Lock()
	defer ts.consumer.mu.Unlock()
	assert.Equal(t, 1, ts.consumer.calls)
	assert.Equal(t, uint64(4), ts.consumer.afterSequence)
	assert.True(t, ts.consumer.stopped)
}

func TestConversationStreamResume(t *testing.T) {
	ts := newTestServer(t)
	token, convID := ts.setup(t)

	rec := ts.do(t, http.MethodPost, "/api/v1/chat/message", token, model.ChatRequest{
		ConversationID: convID,
		Message:        "hi",
	})
	require.Equal(t, http.StatusOK, rec.Code)

	ctx, cancel := context.WithCancel(context.Background())
	req := httptest.NewRequest(http.MethodGet, "/api/v1/conversations/"+convID+"/stream?after_sequence=1", nil).WithContext(ctx)
	req.Header.Set("Authorization", "Bearer "+token)
	rec = httptest.NewRecorder()

	done := make(chan struct{})
	go func() {
		defer close(done)
		ts.router.ServeHTTP(rec, req)
	}()

	time.AfterFunc(200*time.Millisecond, cancel)
	<-done

	// Only the message after the cursor is replayed.
	body := rec.Body.String()
	assert.Equal(t, 1, strings.Count(body, "event: message"))
}
