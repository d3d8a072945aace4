package domain

// ConversationContext is the assembled prompt material for one chat request.
// It is built fresh per request and never persisted.
type ConversationContext struct {
	// RecentMessages are the current conversation's latest turns, in
	// chronological order, already converted to chat messages.
	RecentMessages []ChatMessage
	// RelevantPastMessages are turns from the user's other conversations,
	// nearest first, each admitted within the remaining token budget.
	RelevantPastMessages []ConversationTurn
	// TotalTokens is the estimated token mass of both sets combined.
	TotalTokens int
}
