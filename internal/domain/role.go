package domain

// Role is the closed set of speakers a turn can have.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// RoleFromString maps a stored role string onto the closed enum. Unknown
// strings coerce to system, matching how unrecognized roles have always been
// rendered into the prompt.
func RoleFromString(s string) Role {
	switch s {
	case string(RoleUser):
		return RoleUser
	case string(RoleAssistant):
		return RoleAssistant
	default:
		return RoleSystem
	}
}

// ChatMessage is the provider-agnostic chat message shape used by prompt
// assembly and the LLM integrations.
type ChatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// ChatMessageFor converts a turn into the chat message sent to the
// completion provider.
func ChatMessageFor(t ConversationTurn) ChatMessage {
	return ChatMessage{Role: string(RoleFromString(string(t.Role))), Content: t.Content}
}
