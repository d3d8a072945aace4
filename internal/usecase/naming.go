package usecase

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"advisor-agent/internal/domain"
)

// CreateConversationName asks the completion provider for a short title
// derived from the first message of a new conversation, persists it, and
// returns it. The provider's text is stored verbatim; the 3-6 word shape is
// an instruction to the model, not something enforced here.
func (s *MemoryService) CreateConversationName(ctx context.Context, userID, conversationID, seedText string) (string, error) {
	if err := s.ensureConfig(ctx); err != nil {
		return "", err
	}

	prompt := "Generate a short title for a conversation that starts with the following message. " +
		"Reply with a noun phrase of 3 to 6 words, no punctuation, no quotes, nothing else.\n\n" +
		seedText

	name, err := s.llm.Complete(ctx, s.chatModel, []domain.ChatMessage{
		{Role: string(domain.RoleUser), Content: prompt},
	})
	if err != nil {
		return "", fmt.Errorf("usecase: generate conversation name: %w", err)
	}

	record := domain.ConversationName{
		ID:             uuid.NewString(),
		UserID:         userID,
		ConversationID: conversationID,
		Name:           name,
		CreatedAt:      time.Now().UTC(),
	}
	if err := s.store.SaveName(ctx, record); err != nil {
		return "", fmt.Errorf("usecase: save conversation name: %w", err)
	}
	return name, nil
}
