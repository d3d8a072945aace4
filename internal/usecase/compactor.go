package usecase

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"advisor-agent/internal/domain"
	"advisor-agent/internal/tokens"
)

const summaryContentPrefix = "[Previous conversation summary]: "

// SummarizeOld collapses everything but the newest keepRecentCount turns of
// a conversation into a single summary turn. The summary is appended before
// any old turn is deleted; a failed delete leaves the remaining old turns in
// place. There is no multi-item transaction here, so a retry after partial
// failure can produce a duplicate summary — callers must tolerate that
// rather than assume exactly-once compaction.
func (s *MemoryService) SummarizeOld(ctx context.Context, userID, conversationID string, keepRecentCount int) error {
	if err := s.ensureConfig(ctx); err != nil {
		return err
	}

	// Only real turns count against keepRecentCount. Counting summaries
	// here would make a just-compacted conversation immediately eligible
	// again and eat its own summaries.
	all, err := s.store.AllTurns(ctx, userID, conversationID, false)
	if err != nil {
		return fmt.Errorf("usecase: load conversation for compaction: %w", err)
	}
	if len(all) <= keepRecentCount {
		return nil
	}

	old := all[:len(all)-keepRecentCount]

	lines := make([]string, 0, len(old))
	for _, t := range old {
		lines = append(lines, string(t.Role)+": "+t.Content)
	}
	prompt := "Summarize this conversation history concisely, preserving key investment topics, " +
		"preferences, and important context. Keep it under 200 tokens:\n" +
		strings.Join(lines, "\n")

	summary, err := s.llm.Complete(ctx, s.chatModel, []domain.ChatMessage{
		{Role: string(domain.RoleUser), Content: prompt},
	})
	if err != nil {
		return fmt.Errorf("usecase: summarize old turns: %w", err)
	}

	embedding, err := s.llm.Embed(ctx, s.embedModel, summary)
	if err != nil {
		return fmt.Errorf("usecase: embed summary: %w", err)
	}

	content := summaryContentPrefix + summary
	summaryTurn := domain.ConversationTurn{
		ID:             uuid.NewString(),
		UserID:         userID,
		ConversationID: conversationID,
		Role:           domain.RoleSystem,
		Content:        content,
		Embedding:      embedding,
		// The earliest compacted timestamp keeps the summary in its
		// chronological position.
		Timestamp:  old[0].Timestamp,
		TokenCount: tokens.Estimate(content),
		IsSummary:  true,
	}
	if err := s.store.AppendTurn(ctx, summaryTurn); err != nil {
		return fmt.Errorf("usecase: append summary turn: %w", err)
	}

	for _, t := range old {
		if err := s.store.RemoveTurn(ctx, t); err != nil {
			return fmt.Errorf("usecase: remove compacted turn %s: %w", t.ID, err)
		}
	}
	return nil
}
