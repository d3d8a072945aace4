package usecase

import (
	"context"
	"errors"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"advisor-agent/internal/domain"
	"advisor-agent/internal/tokens"
)

const (
	defaultMaxTokens   = 4000
	defaultMaxQuestion = 2000
)

// Settings is the trader profile attached to a chat request.
type Settings struct {
	Strategy string
	Trader   string
}

type StreamChatInput struct {
	UserID         string
	ConversationID string
	Message        string
	Settings       Settings
	MaxTokens      int
}

// Fragment is one item of the chat stream. A fragment with Err set
// terminates the stream; no further fragments follow it.
type Fragment struct {
	Text string
	Err  error
}

// Memory is the slice of the memory service the chat pipeline needs.
type Memory interface {
	BuildContext(ctx context.Context, userID, conversationID, query string, maxTokens int) (domain.ConversationContext, error)
	SaveMessage(ctx context.Context, userID, conversationID, role, content string) error
	CreateConversationName(ctx context.Context, userID, conversationID, seedText string) (string, error)
}

type QuotaConsumer interface {
	TryConsume(ctx context.Context, userID string, tokensNeeded int) (bool, error)
}

// ChatService runs the request pipeline: context build, streaming
// completion, then persistence of the completed exchange.
type ChatService struct {
	memory      Memory
	llm         LLMClient
	quota       QuotaConsumer
	params      ParamGetter
	paramPrefix string
	logger      zerolog.Logger
	maxTokens   int
	maxQuestion int

	cacheMu     sync.RWMutex
	cacheLoaded bool
	chatModel   string
}

func NewChatService(memory Memory, llm LLMClient, quota QuotaConsumer, params ParamGetter, paramPrefix string, logger zerolog.Logger, maxContextTokens, maxQuestionLen int) (*ChatService, error) {
	if memory == nil {
		return nil, errors.New("usecase: memory service must not be nil")
	}
	if llm == nil {
		return nil, errors.New("usecase: llm client must not be nil")
	}
	if quota == nil {
		return nil, errors.New("usecase: quota service must not be nil")
	}
	if params == nil {
		return nil, errors.New("usecase: param getter must not be nil")
	}
	paramPrefix = strings.TrimRight(strings.TrimSpace(paramPrefix), "/")
	if paramPrefix == "" {
		return nil, errors.New("usecase: parameter prefix must not be empty")
	}
	if maxContextTokens <= 0 {
		maxContextTokens = defaultMaxTokens
	}
	if maxQuestionLen <= 0 {
		maxQuestionLen = defaultMaxQuestion
	}
	return &ChatService{
		memory:      memory,
		llm:         llm,
		quota:       quota,
		params:      params,
		paramPrefix: paramPrefix,
		logger:      logger,
		maxTokens:   maxContextTokens,
		maxQuestion: maxQuestionLen,
	}, nil
}

// StreamChat runs one chat request and returns a forward-only,
// single-consumer stream of text fragments. For a new conversation the
// first fragment is the sentinel "id: <conversationId>", emitted exactly
// once before any content. Cancelling ctx stops upstream consumption and no
// further fragments are emitted. The channel is closed when the stream
// ends.
func (s *ChatService) StreamChat(ctx context.Context, in StreamChatInput) <-chan Fragment {
	out := make(chan Fragment)
	go func() {
		defer close(out)
		s.run(ctx, in, out)
	}()
	return out
}

func (s *ChatService) run(ctx context.Context, in StreamChatInput, out chan<- Fragment) {
	send := func(f Fragment) error {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case out <- f:
			return nil
		}
	}
	fail := func(code ErrorCode, reason string, err error) {
		_ = send(Fragment{Err: newError(code, reason, err)})
	}

	question := strings.TrimSpace(in.Message)
	if question == "" {
		fail(ErrorInvalidInput, "empty_message", nil)
		return
	}
	if len(question) > s.maxQuestion {
		fail(ErrorInvalidInput, "message_too_long", nil)
		return
	}
	if err := s.ensureConfig(ctx); err != nil {
		fail(ErrorInternal, "config_load_error", err)
		return
	}

	maxTokens := in.MaxTokens
	if maxTokens <= 0 {
		maxTokens = s.maxTokens
	}

	conversationID := strings.TrimSpace(in.ConversationID)
	var naming errgroup.Group
	if conversationID == "" {
		conversationID = newConversationID()
		if err := send(Fragment{Text: "id: " + conversationID}); err != nil {
			return
		}
		// Naming is detached from the request: it keeps running if the
		// stream is cancelled, and its failure is logged, never surfaced.
		namingCtx := context.WithoutCancel(ctx)
		userID := in.UserID
		naming.Go(func() error {
			_, err := s.memory.CreateConversationName(namingCtx, userID, conversationID, question)
			return err
		})
	}
	defer func() {
		if err := naming.Wait(); err != nil {
			s.logger.Error().Err(err).Str("conversationId", conversationID).Msg("conversation naming failed")
		}
	}()

	convCtx, err := s.memory.BuildContext(ctx, in.UserID, conversationID, question, maxTokens)
	if err != nil {
		fail(ErrorInternal, "context_build_error", err)
		return
	}

	needed := convCtx.TotalTokens + tokens.Estimate(question)
	allowed, err := s.quota.TryConsume(ctx, in.UserID, needed)
	if err != nil {
		fail(ErrorInternal, "quota_error", err)
		return
	}
	if !allowed {
		fail(ErrorRateLimited, "chat_tokens_exhausted", nil)
		return
	}

	messages := buildChatMessages(in.Settings, convCtx, question)

	var assistantFull strings.Builder
	err = s.llm.CompleteStream(ctx, s.chatModel, messages, func(fragment string) error {
		assistantFull.WriteString(fragment)
		return send(Fragment{Text: fragment})
	})
	if err != nil {
		fail(ErrorUpstream, "completion_stream_error", err)
		return
	}

	// Persist the exchange only after the full response is in hand,
	// user turn first.
	if err := s.memory.SaveMessage(ctx, in.UserID, conversationID, string(domain.RoleUser), question); err != nil {
		fail(ErrorInternal, "save_user_turn_error", err)
		return
	}
	if err := s.memory.SaveMessage(ctx, in.UserID, conversationID, string(domain.RoleAssistant), assistantFull.String()); err != nil {
		fail(ErrorInternal, "save_assistant_turn_error", err)
		return
	}
}

// ensureConfig resolves the chat model from the parameter store once per
// process.
func (s *ChatService) ensureConfig(ctx context.Context) error {
	s.cacheMu.RLock()
	if s.cacheLoaded {
		s.cacheMu.RUnlock()
		return nil
	}
	s.cacheMu.RUnlock()

	s.cacheMu.Lock()
	defer s.cacheMu.Unlock()
	if s.cacheLoaded {
		return nil
	}

	chatModel, err := s.params.GetParameter(ctx, s.paramPrefix+"/config/chat_model")
	if err != nil {
		return err
	}
	s.chatModel = chatModel
	s.cacheLoaded = true
	return nil
}

var newConversationID = func() string {
	return uuid.NewString()
}
