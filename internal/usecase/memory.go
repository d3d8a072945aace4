package usecase

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"advisor-agent/internal/domain"
	"advisor-agent/internal/repository"
	"advisor-agent/internal/tokens"
)

const (
	// recentWindow is how many of the latest turns feed the prompt.
	recentWindow = 20
	// systemPromptReserve is the token mass held back for the system prompt.
	systemPromptReserve = 500
	// relevanceFloor is the minimum leftover budget worth a relevance search.
	relevanceFloor = 500
	// compactionRatio triggers summarization once recent turns consume this
	// share of the budget.
	compactionRatio = 0.6
)

type ParamGetter interface {
	GetParameter(ctx context.Context, name string) (string, error)
}

// LLMClient is the slice of the provider client the memory service needs.
type LLMClient interface {
	Complete(ctx context.Context, model string, messages []domain.ChatMessage) (string, error)
	CompleteStream(ctx context.Context, model string, messages []domain.ChatMessage, emit func(fragment string) error) error
	Embed(ctx context.Context, model, input string) ([]float32, error)
}

// MemoryService owns conversation persistence, context assembly and
// compaction. Provider adapters and the store are injected; nothing is
// reached through globals.
type MemoryService struct {
	store       repository.Store
	llm         LLMClient
	params      ParamGetter
	paramPrefix string

	cacheMu     sync.RWMutex
	cacheLoaded bool
	chatModel   string
	embedModel  string
}

func NewMemoryService(store repository.Store, llm LLMClient, params ParamGetter, paramPrefix string) (*MemoryService, error) {
	if store == nil {
		return nil, errors.New("usecase: store must not be nil")
	}
	if llm == nil {
		return nil, errors.New("usecase: llm client must not be nil")
	}
	if params == nil {
		return nil, errors.New("usecase: param getter must not be nil")
	}
	paramPrefix = strings.TrimRight(strings.TrimSpace(paramPrefix), "/")
	if paramPrefix == "" {
		return nil, errors.New("usecase: parameter prefix must not be empty")
	}
	return &MemoryService{
		store:       store,
		llm:         llm,
		params:      params,
		paramPrefix: paramPrefix,
	}, nil
}

// SaveMessage embeds and persists one turn of a conversation.
func (s *MemoryService) SaveMessage(ctx context.Context, userID, conversationID, role, content string) error {
	if err := s.ensureConfig(ctx); err != nil {
		return err
	}
	embedding, err := s.llm.Embed(ctx, s.embedModel, content)
	if err != nil {
		return fmt.Errorf("usecase: embed message: %w", err)
	}

	turn := domain.ConversationTurn{
		ID:             uuid.NewString(),
		UserID:         userID,
		ConversationID: conversationID,
		Role:           domain.RoleFromString(role),
		Content:        content,
		Embedding:      embedding,
		Timestamp:      time.Now().UTC(),
		TokenCount:     tokens.Estimate(content),
	}
	if err := s.store.AppendTurn(ctx, turn); err != nil {
		return fmt.Errorf("usecase: save message: %w", err)
	}
	return nil
}

// BuildContext assembles the bounded prompt context for a chat request:
// the latest turns of the current conversation plus, budget permitting,
// semantically relevant user turns from the user's other conversations.
// Crossing the compaction threshold triggers summarization inline, after
// which the recent window is re-fetched.
func (s *MemoryService) BuildContext(ctx context.Context, userID, conversationID, query string, maxTokens int) (domain.ConversationContext, error) {
	if err := s.ensureConfig(ctx); err != nil {
		return domain.ConversationContext{}, err
	}

	recent, err := s.store.RecentTurns(ctx, userID, conversationID, recentWindow)
	if err != nil {
		return domain.ConversationContext{}, fmt.Errorf("usecase: fetch recent turns: %w", err)
	}

	recentTokens := 0
	for _, t := range recent {
		recentTokens += t.TokenCount
	}

	var convCtx domain.ConversationContext

	remaining := maxTokens - recentTokens - systemPromptReserve
	if remaining > relevanceFloor {
		queryEmbedding, err := s.llm.Embed(ctx, s.embedModel, query)
		if err != nil {
			return domain.ConversationContext{}, fmt.Errorf("usecase: embed query: %w", err)
		}
		relevant, err := s.store.SearchRelevant(ctx, userID, conversationID, queryEmbedding, remaining)
		if err != nil {
			return domain.ConversationContext{}, fmt.Errorf("usecase: search relevant turns: %w", err)
		}
		convCtx.RelevantPastMessages = relevant
	}

	if float64(recentTokens) > float64(maxTokens)*compactionRatio {
		if err := s.SummarizeOld(ctx, userID, conversationID, recentWindow); err != nil {
			return domain.ConversationContext{}, err
		}
		// Compaction changed what "recent" means.
		recent, err = s.store.RecentTurns(ctx, userID, conversationID, recentWindow)
		if err != nil {
			return domain.ConversationContext{}, fmt.Errorf("usecase: refetch recent turns: %w", err)
		}
	}

	convCtx.RecentMessages = make([]domain.ChatMessage, 0, len(recent))
	total := 0
	for _, t := range recent {
		convCtx.RecentMessages = append(convCtx.RecentMessages, domain.ChatMessageFor(t))
		total += t.TokenCount
	}
	for _, t := range convCtx.RelevantPastMessages {
		total += t.TokenCount
	}
	convCtx.TotalTokens = total

	return convCtx, nil
}

// ConversationNames returns the user's conversation titles, most recent
// first.
func (s *MemoryService) ConversationNames(ctx context.Context, userID string) ([]domain.ConversationName, error) {
	names, err := s.store.ListNames(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("usecase: list conversation names: %w", err)
	}
	return names, nil
}

// ConversationHistory returns every turn of a conversation, summaries
// included, in chronological order. An unknown conversation yields
// ErrNotFound.
func (s *MemoryService) ConversationHistory(ctx context.Context, userID, conversationID string) ([]domain.ConversationTurn, error) {
	turns, err := s.store.AllTurns(ctx, userID, conversationID, true)
	if err != nil {
		return nil, fmt.Errorf("usecase: load conversation history: %w", err)
	}
	if len(turns) == 0 {
		return nil, ErrNotFound
	}
	return turns, nil
}

// ensureConfig resolves model names from the parameter store once per
// process.
func (s *MemoryService) ensureConfig(ctx context.Context) error {
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
		return fmt.Errorf("usecase: load chat model: %w", err)
	}
	embedModel, err := s.params.GetParameter(ctx, s.paramPrefix+"/config/embedding_model")
	if err != nil {
		return fmt.Errorf("usecase: load embedding model: %w", err)
	}

	s.chatModel = chatModel
	s.embedModel = embedModel
	s.cacheLoaded = true
	return nil
}
