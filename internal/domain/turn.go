package domain

import "time"

// EmbeddingDimensions is the fixed vector length for every non-summary turn
// (text-embedding-ada-002).
const EmbeddingDimensions = 1536

// ConversationTurn is a single persisted message in a conversation,
// partitioned by user.
type ConversationTurn struct {
	ID             string
	UserID         string
	ConversationID string
	Role           Role
	Content        string
	Embedding      []float32
	Timestamp      time.Time
	TokenCount     int
	IsSummary      bool
}

// ConversationName is the stored display title for a conversation. Created
// once, on the first message, and never mutated afterwards.
type ConversationName struct {
	ID             string
	UserID         string
	ConversationID string
	Name           string
	CreatedAt      time.Time
}

// TokenQuota is the per-user daily chat-token allowance record.
type TokenQuota struct {
	UserID       string
	Remaining    int
	LastResetUTC time.Time
}
