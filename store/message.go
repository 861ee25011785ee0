package store

type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

type MessageStatus string

const (
	// StatusPending marks a message whose generation is still in flight.
	StatusPending MessageStatus = "pending"
	// StatusSent marks a finalized message.
	StatusSent MessageStatus = "sent"
	// StatusError marks a message that terminated abnormally.
	StatusError MessageStatus = "error"
)

// TokenUsage holds the per-generation accounting persisted alongside an
// assistant message.
type TokenUsage struct {
	PromptTokens     int     `json:"promptTokens"`
	CompletionTokens int     `json:"completionTokens"`
	TotalTokens      int     `json:"totalTokens"`
	FirstTokenMs     int64   `json:"firstTokenMs,omitempty"`
	ReasoningMs      int64   `json:"reasoningMs,omitempty"`
	GenerationMs     int64   `json:"generationMs"`
	TokensPerSecond  float64 `json:"tokensPerSecond,omitempty"`
	ContextUsage     float64 `json:"contextUsage,omitempty"`
}

// Message is one entry of a conversation thread. Content is an opaque JSON
// payload owned by the chat package: a user payload for RoleUser, a block
// list for RoleAssistant.
type Message struct {
	ID             string
	ConversationID string
	Role           Role
	Content        string
	Status         MessageStatus
	Usage          *TokenUsage
	ParentID       string
	OrderSeq       int64
	IsContextEdge  bool
	IsVariant      bool
	Metadata       map[string]any
	CreatedTs      int64
	UpdatedTs      int64
}

type FindMessage struct {
	ID             *string
	ConversationID *string
	Role           *Role
	Status         *MessageStatus
	ParentID       *string

	// Pagination over orderSeq ascending. Limit <= 0 means no limit.
	Limit  int
	Offset int
}

type UpdateMessage struct {
	ID            string
	Content       *string
	Status        *MessageStatus
	Usage         *TokenUsage
	IsContextEdge *bool
	IsVariant     *bool
	Metadata      map[string]any
	UpdatedTs     *int64
}

type DeleteMessage struct {
	ID string
}
