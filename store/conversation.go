package store

// ConversationSettings is the per-conversation generation configuration,
// persisted as a JSON column.
type ConversationSettings struct {
	SystemPrompt   string   `json:"systemPrompt,omitempty"`
	Temperature    float32  `json:"temperature,omitempty"`
	ContextLength  int      `json:"contextLength,omitempty"`
	MaxTokens      int      `json:"maxTokens,omitempty"`
	ProviderID     string   `json:"providerId,omitempty"`
	ModelID        string   `json:"modelId,omitempty"`
	ArtifactsMode  bool     `json:"artifactsMode,omitempty"`
	EnabledToolIDs []string `json:"enabledToolIds,omitempty"`
}

type Conversation struct {
	ID        string
	Title     string
	IsNew     bool
	Pinned    bool
	Settings  ConversationSettings
	CreatedTs int64
	UpdatedTs int64
}

type FindConversation struct {
	ID     *string
	Pinned *bool
}

type UpdateConversation struct {
	ID        string
	Title     *string
	IsNew     *bool
	Pinned    *bool
	Settings  *ConversationSettings
	UpdatedTs *int64
}

type DeleteConversation struct {
	ID string
}
