package service

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/parleyhq/chatbot-platform/internal/agent"
	"github.com/parleyhq/chatbot-platform/internal/llm"
	"github.com/parleyhq/chatbot-platform/internal/model"
	"github.com/parleyhq/chatbot-platform/internal/store"
	"github.com/parleyhq/chatbot-platform/pkg/logger"
	"github.com/parleyhq/chatbot-platform/pkg/metrics"
)

// scriptedAgent replays a canned response, chunked per word.
type scriptedAgent struct {
	response string
	err      error
	history  []llm.ChatMessage
}

func (a *scriptedAgent) Chat(ctx context.Context, message string, history []llm.ChatMessage, onChunk agent.ChunkFunc) (*agent.Result, error) {
	a.history = history
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

type chatFixture struct {
	store  *store.Store
	chat   *ChatService
	pub    *fakePublisher
	agent  *scriptedAgent
	user   *model.User
	conv   *model.Conversation
	keySvc *APIKeyService
}

func newChatFixture(t *testing.T) *chatFixture {
	t.Helper()
	ctx := context.Background()

	st := newTestStore(t)
	user := registerUser(t, newAuthService(st), "a@example.com")

	keySvc := NewAPIKeyService(st, newTestCipher(t), logger.NewNop())
	_, _, err := keySvc.Save(ctx, user.ID, &model.CreateAPIKeyRequest{
		Provider: model.ProviderOpenAI,
		APIKey:   "sk-test",
	})
	require.NoError(t, err)

	convSvc := NewConversationService(st, logger.NewNop())
	conv, err := convSvc.Create(ctx, user.ID, &model.CreateConversationRequest{
		Title:     "Test Chat",
		AgentType: agent.TypeDefault,
		Provider:  model.ProviderOpenAI,
	})
	require.NoError(t, err)

	pub := &fakePublisher{}
	scripted := &scriptedAgent{response: "hello there"}

	chat := NewChatService(st, keySvc, pub, logger.NewNop()).
		WithAgentFactory(func(p agent.Params) (agent.Agent, error) {
			return scripted, nil
		})

	return &chatFixture{
		store:  st,
		chat:   chat,
		pub:    pub,
		agent:  scripted,
		user:   user,
		conv:   conv,
		keySvc: keySvc,
	}
}

func TestSendPersistsBothMessages(t *testing.T) {
	f := newChatFixture(t)
	ctx := context.Background()

	reply, err := f.chat.Send(ctx, f.user.ID, &model.ChatRequest{
		ConversationID: f.conv.ID,
		Message:        "hi",
	})
	require.NoError(t, err)
	assert.Equal(t, "hello there", reply.Content)
	assert.Equal(t, model.RoleAssistant, reply.Role)
	require.NotNil(t, reply.Model)
	assert.Equal(t, "test-model", *reply.Model)

	msgs, err := f.store.AllMessages(ctx, f.conv.ID)
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.Equal(t, model.RoleUser, msgs[0].Role)
	assert.Equal(t, "hi", msgs[0].Content)
	assert.Equal(t, model.RoleAssistant, msgs[1].Role)

	// Both messages published, with stream sequences stamped on the rows.
	assert.Len(t, f.pub.messages, 2)
	assert.Equal(t, uint64(1), msgs[0].Sequence)
	assert.Equal(t, uint64(2), msgs[1].Sequence)
}

func TestSendStreamDeliversChunks(t *testing.T) {
	f := newChatFixture(t)

	turn, err := f.chat.Prepare(context.Background(), f.user.ID, &model.ChatRequest{
		ConversationID: f.conv.ID,
		Message:        "hi",
	})
	require.NoError(t, err)

	var chunks []string
	userMsg, assistantMsg, err := turn.Run(context.Background(), func(chunk string, index int) error {
		chunks = append(chunks, chunk)
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, "hi", userMsg.Content)
	assert.Equal(t, "hello there", assistantMsg.Content)
	assert.Equal(t, "hello there", strings.Join(chunks, ""))
}

func TestSendHistoryWindow(t *testing.T) {
	f := newChatFixture(t)
	ctx := context.Background()

	// Fill the conversation past the window.
	for i := 0; i < 15; i++ {
		_, err := f.chat.Send(ctx, f.user.ID, &model.ChatRequest{
			ConversationID: f.conv.ID,
			Message:        "ping",
		})
		require.NoError(t, err)
	}

	_, err := f.chat.Send(ctx, f.user.ID, &model.ChatRequest{
		ConversationID: f.conv.ID,
		Message:        "final",
	})
	require.NoError(t, err)

	// 30 stored messages before the final turn, trimmed to the window.
	assert.Len(t, f.agent.history, 20)
	assert.Equal(t, "hello there", f.agent.history[len(f.agent.history)-1].Content)
}

func TestSendUnownedConversation(t *testing.T) {
	f := newChatFixture(t)
	other := registerUser(t, newAuthService(f.store), "b@example.com")

	_, err := f.chat.Send(context.Background(), other.ID, &model.ChatRequest{
		ConversationID: f.conv.ID,
		Message:        "hi",
	})
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestSendMissingAPIKey(t *testing.T) {
	f := newChatFixture(t)
	ctx := context.Background()

	require.NoError(t, f.keySvc.Delete(ctx, f.user.ID, model.ProviderOpenAI))

	_, err := f.chat.Send(ctx, f.user.ID, &model.ChatRequest{
		ConversationID: f.conv.ID,
		Message:        "hi",
	})
	assert.ErrorIs(t, err, ErrNoAPIKey)
}

func TestFailureMetricsLabelledByModel(t *testing.T) {
	f := newChatFixture(t)
	f.agent.err = errors.New("rate limited")

	_, err := f.chat.Send(context.Background(), f.user.ID, &model.ChatRequest{
		ConversationID: f.conv.ID,
		Message:        "hi",
		Model:          "label-check-model",
	})
	require.Error(t, err)

	// Failures carry the requested model in the label, the same
	// dimension successful turns use.
	h, err := metrics.LLMStreamDuration.GetMetricWithLabelValues("label-check-model", "error")
	require.NoError(t, err)
	var m dto.Metric
	require.NoError(t, h.(prometheus.Metric).Write(&m))
	assert.Equal(t, uint64(1), m.GetHistogram().GetSampleCount())
}

func TestPrepareRejectsUnknownAgentType(t *testing.T) {
	f := newChatFixture(t)
	ctx := context.Background()

	convSvc := NewConversationService(f.store, logger.NewNop())
	conv, err := convSvc.Create(ctx, f.user.ID, &model.CreateConversationRequest{
		Provider:  model.ProviderOpenAI,
		AgentType: "langgraph",
	})
	require.NoError(t, err)

	// No factory override: the real constructor sees the stored agent_type
	// for the first time here and rejects it.
	chat := NewChatService(f.store, f.keySvc, f.pub, logger.NewNop())
	_, err = chat.Prepare(ctx, f.user.ID, &model.ChatRequest{
		ConversationID: conv.ID,
		Message:        "hi",
	})
	assert.ErrorIs(t, err, ErrAgentConfig)
}

func TestSendProviderErrorPersistsErrorMessage(t *testing.T) {
	f := newChatFixture(t)
	ctx := context.Background()
	f.agent.err = errors.New("rate limited")

	_, err := f.chat.Send(ctx, f.user.ID, &model.ChatRequest{
		ConversationID: f.conv.ID,
		Message:        "hi",
	})
	require.Error(t, err)

	msgs, err := f.store.AllMessages(ctx, f.conv.ID)
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.Equal(t, model.RoleAssistant, msgs[1].Role)
	assert.Equal(t, "[Error: rate limited]", msgs[1].Content)

	// An error event went out on the stream.
	require.Len(t, f.pub.events, 1)
	assert.Equal(t, model.EventTypeError, f.pub.events[0].Type)
	assert.Equal(t, "rate limited", f.pub.events[0].Reason)
}
