package usecase

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"advisor-agent/internal/domain"
)

type fakeMemory struct {
	builtContext domain.ConversationContext
	buildErr     error
	buildCalls   int
	lastQuery    string
	lastMaxTok   int

	saved   []domain.ConversationTurn
	saveErr error

	namedConversations []string
	nameErr            error
}

func (m *fakeMemory) BuildContext(_ context.Context, _, _, query string, maxTokens int) (domain.ConversationContext, error) {
	m.buildCalls++
	m.lastQuery = query
	m.lastMaxTok = maxTokens
	return m.builtContext, m.buildErr
}

func (m *fakeMemory) SaveMessage(_ context.Context, userID, conversationID, role, content string) error {
	if m.saveErr != nil {
		return m.saveErr
	}
	m.saved = append(m.saved, domain.ConversationTurn{
		UserID:         userID,
		ConversationID: conversationID,
		Role:           domain.RoleFromString(role),
		Content:        content,
	})
	return nil
}

func (m *fakeMemory) CreateConversationName(_ context.Context, _, conversationID, _ string) (string, error) {
	if m.nameErr != nil {
		return "", m.nameErr
	}
	m.namedConversations = append(m.namedConversations, conversationID)
	return "A Name", nil
}

type fakeQuota struct {
	allowed    bool
	err        error
	lastNeeded int
	calls      int
}

func (m *fakeQuota) TryConsume(_ context.Context, _ string, tokensNeeded int) (bool, error) {
	m.calls++
	m.lastNeeded = tokensNeeded
	return m.allowed, m.err
}

func mustChatService(t *testing.T, memory *fakeMemory, llm *fakeLLM, quota *fakeQuota) *ChatService {
	t.Helper()
	s, err := NewChatService(memory, llm, quota, testParams(), testPrefix, zerolog.Nop(), 0, 0)
	require.NoError(t, err)
	return s
}

func collect(t *testing.T, ch <-chan Fragment) []Fragment {
	t.Helper()
	var out []Fragment
	for f := range ch {
		out = append(out, f)
	}
	return out
}

func TestStreamChat_NewConversationSentinelFirst(t *testing.T) {
	original := newConversationID
	newConversationID = func() string { return "fresh-conv" }
	defer func() { newConversationID = original }()

	memory := &fakeMemory{}
	llm := &fakeLLM{streamFragments: []string{"Buy ", "low."}}
	quota := &fakeQuota{allowed: true}
	s := mustChatService(t, memory, llm, quota)

	got := collect(t, s.StreamChat(context.Background(), StreamChatInput{
		UserID:  "u1",
		Message: "where do I start?",
	}))

	require.Len(t, got, 3)
	require.Equal(t, "id: fresh-conv", got[0].Text)
	require.Equal(t, "Buy ", got[1].Text)
	require.Equal(t, "low.", got[2].Text)
	for _, f := range got {
		require.NoError(t, f.Err)
	}

	// Naming ran exactly once, for the fresh conversation.
	require.Equal(t, []string{"fresh-conv"}, memory.namedConversations)

	// User turn persisted before the assistant turn, both after the stream.
	require.Len(t, memory.saved, 2)
	require.Equal(t, domain.RoleUser, memory.saved[0].Role)
	require.Equal(t, "where do I start?", memory.saved[0].Content)
	require.Equal(t, domain.RoleAssistant, memory.saved[1].Role)
	require.Equal(t, "Buy low.", memory.saved[1].Content)
	require.Equal(t, "fresh-conv", memory.saved[0].ConversationID)
}

func TestStreamChat_ExistingConversationNoSentinel(t *testing.T) {
	memory := &fakeMemory{}
	llm := &fakeLLM{streamFragments: []string{"hello"}}
	quota := &fakeQuota{allowed: true}
	s := mustChatService(t, memory, llm, quota)

	got := collect(t, s.StreamChat(context.Background(), StreamChatInput{
		UserID:         "u1",
		ConversationID: "c1",
		Message:        "question",
	}))

	require.Len(t, got, 1)
	require.Equal(t, "hello", got[0].Text)
	require.Empty(t, memory.namedConversations)
	require.Equal(t, "c1", memory.saved[0].ConversationID)
}

func TestStreamChat_EmptyMessage(t *testing.T) {
	s := mustChatService(t, &fakeMemory{}, &fakeLLM{}, &fakeQuota{allowed: true})

	got := collect(t, s.StreamChat(context.Background(), StreamChatInput{
		UserID: "u1", ConversationID: "c1", Message: "   ",
	}))

	require.Len(t, got, 1)
	var uerr *Error
	require.ErrorAs(t, got[0].Err, &uerr)
	require.Equal(t, ErrorInvalidInput, uerr.Code)
}

func TestStreamChat_MessageTooLong(t *testing.T) {
	s := mustChatService(t, &fakeMemory{}, &fakeLLM{}, &fakeQuota{allowed: true})

	got := collect(t, s.StreamChat(context.Background(), StreamChatInput{
		UserID: "u1", ConversationID: "c1", Message: strings.Repeat("a", 2001),
	}))

	require.Len(t, got, 1)
	var uerr *Error
	require.ErrorAs(t, got[0].Err, &uerr)
	require.Equal(t, ErrorInvalidInput, uerr.Code)
	require.Equal(t, "message_too_long", uerr.Reason)
}

func TestStreamChat_QuotaExhausted(t *testing.T) {
	memory := &fakeMemory{builtContext: domain.ConversationContext{TotalTokens: 1200}}
	llm := &fakeLLM{streamFragments: []string{"never sent"}}
	quota := &fakeQuota{allowed: false}
	s := mustChatService(t, memory, llm, quota)

	got := collect(t, s.StreamChat(context.Background(), StreamChatInput{
		UserID: "u1", ConversationID: "c1", Message: strings.Repeat("q", 40),
	}))

	require.Len(t, got, 1)
	var uerr *Error
	require.ErrorAs(t, got[0].Err, &uerr)
	require.Equal(t, ErrorRateLimited, uerr.Code)
	require.Equal(t, "chat_tokens_exhausted", uerr.Reason)

	// Context tokens plus the question's own estimate were metered.
	require.Equal(t, 1210, quota.lastNeeded)
	require.Equal(t, 0, llm.streamCalls)
	require.Empty(t, memory.saved)
}

func TestStreamChat_UpstreamErrorPersistsNothing(t *testing.T) {
	memory := &fakeMemory{}
	llm := &fakeLLM{streamErr: errors.New("provider 500")}
	quota := &fakeQuota{allowed: true}
	s := mustChatService(t, memory, llm, quota)

	got := collect(t, s.StreamChat(context.Background(), StreamChatInput{
		UserID: "u1", ConversationID: "c1", Message: "question",
	}))

	require.Len(t, got, 1)
	var uerr *Error
	require.ErrorAs(t, got[0].Err, &uerr)
	require.Equal(t, ErrorUpstream, uerr.Code)
	require.Empty(t, memory.saved)
}

func TestStreamChat_ContextBuildError(t *testing.T) {
	memory := &fakeMemory{buildErr: errors.New("store down")}
	s := mustChatService(t, memory, &fakeLLM{}, &fakeQuota{allowed: true})

	got := collect(t, s.StreamChat(context.Background(), StreamChatInput{
		UserID: "u1", ConversationID: "c1", Message: "question",
	}))

	require.Len(t, got, 1)
	var uerr *Error
	require.ErrorAs(t, got[0].Err, &uerr)
	require.Equal(t, ErrorInternal, uerr.Code)
}

func TestStreamChat_CancelledContextClosesStream(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	s := mustChatService(t, &fakeMemory{}, &fakeLLM{streamFragments: []string{"x"}}, &fakeQuota{allowed: true})

	ch := s.StreamChat(ctx, StreamChatInput{UserID: "u1", ConversationID: "c1", Message: "question"})
	for range ch {
	}
	// Reaching here means the channel closed instead of blocking.
}

func TestStreamChat_DefaultMaxTokens(t *testing.T) {
	memory := &fakeMemory{}
	s := mustChatService(t, memory, &fakeLLM{streamFragments: []string{"ok"}}, &fakeQuota{allowed: true})

	collect(t, s.StreamChat(context.Background(), StreamChatInput{
		UserID: "u1", ConversationID: "c1", Message: "question",
	}))
	require.Equal(t, 4000, memory.lastMaxTok)

	collect(t, s.StreamChat(context.Background(), StreamChatInput{
		UserID: "u1", ConversationID: "c1", Message: "question", MaxTokens: 2500,
	}))
	require.Equal(t, 2500, memory.lastMaxTok)
}
