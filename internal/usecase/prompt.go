package usecase

import (
	"fmt"
	"strings"

	"advisor-agent/internal/domain"
)

// buildChatMessages assembles the completion request: advisor system
// prompt, relevant past context, the recent conversation, then the current
// question.
func buildChatMessages(settings Settings, convCtx domain.ConversationContext, question string) []domain.ChatMessage {
	messages := []domain.ChatMessage{
		{Role: string(domain.RoleSystem), Content: buildSystemPrompt(settings)},
	}

	if len(convCtx.RelevantPastMessages) > 0 {
		past := make([]string, 0, len(convCtx.RelevantPastMessages))
		for _, t := range convCtx.RelevantPastMessages {
			past = append(past, fmt.Sprintf("[From past conversation on %s]: %s", t.Timestamp.Format("Jan 2"), t.Content))
		}
		messages = append(messages, domain.ChatMessage{
			Role:    string(domain.RoleSystem),
			Content: "Relevant past conversations:\n" + strings.Join(past, "\n"),
		})
	}

	messages = append(messages, convCtx.RecentMessages...)
	messages = append(messages, domain.ChatMessage{
		Role:    string(domain.RoleUser),
		Content: question,
	})
	return messages
}

func buildSystemPrompt(settings Settings) string {
	base := strings.Join([]string{
		"You are an AI investing advisor assistant.",
		"",
		"You always provide clear, actionable, and specific investment suggestions.",
		"You reference real stocks, ETFs, sectors, indices, commodities, and other tradeable assets when giving advice.",
		"",
		"You have access to the user's conversation history and must use it to:",
		"- Align all recommendations with their stated financial goals.",
		"- Respect their risk tolerance.",
		"- Remember and adapt to their past preferences.",
		"- Maintain consistency across sessions.",
		"",
		"When the user asks for investment advice, you should:",
		"- Provide specific tickers (e.g., AAPL, MSFT, NVDA, SPY).",
		"- Suggest clear actions (e.g., consider buying, selling, holding, waiting for a better entry, setting stop-losses).",
		"- Give rationale behind every recommendation.",
		"- Mention relevant market conditions, trends, or indicators.",
		"",
		"If the user asks for general information, keep responses concise but still accurate and helpful.",
	}, "\n")

	if strings.TrimSpace(settings.Strategy) == "" {
		return base
	}

	profile := strings.Join([]string{
		"",
		fmt.Sprintf("You are advising a %s who wants to use a %s strategy.", settings.Trader, settings.Strategy),
		"All investment suggestions must be tailored to this profile.",
		"",
		"Adjust:",
		"- Time horizons",
		"- Asset selection",
		"- Risk level",
		"- Position sizing",
		"- Use of technical vs. fundamental indicators",
		"",
		"Your advice should fully align with this trader profile and strategy.",
	}, "\n")

	return base + "\n" + profile
}
