package chat

import (
	"context"

	"github.com/fluxchat/flux/store"
)

// AgentEventType is the vocabulary the orchestrator consumes from a
// StreamProvider.
type AgentEventType string

const (
	AgentEventContent       AgentEventType = "content"
	AgentEventReasoning     AgentEventType = "reasoning"
	AgentEventToolCallStart AgentEventType = "tool_call_start"
	AgentEventToolCallEnd   AgentEventType = "tool_call_end"
	AgentEventPermission    AgentEventType = "permission_required"
	AgentEventError         AgentEventType = "error"
	AgentEventEnd           AgentEventType = "end"
)

// AgentEvent is one step of a generation. Fields are populated per type.
type AgentEvent struct {
	Type AgentEventType

	// content / reasoning / error
	Text string

	// tool_call_start / tool_call_end / permission_required
	ToolCallID string
	ToolName   string
	ServerName string
	Params     map[string]any
	Response   string
	ToolErr    bool

	// permission_required
	PermissionType PermissionType
	Description    string

	// end
	UserStop     bool
	PromptTokens int
	OutputTokens int
}

// PromptMessage is one turn of the upstream completion context.
type PromptMessage struct {
	Role    string
	Content string
}

// StreamRequest describes one generation to open against the upstream
// provider.
type StreamRequest struct {
	ConversationID string
	MessageID      string
	Settings       store.ConversationSettings
	Context        []PromptMessage
	Think          bool

	// Resume re-enters the agent loop of a parked generation after a
	// permission grant instead of starting a fresh completion.
	Resume bool
}

// StreamProvider runs the upstream agent loop and reports it as an event
// stream. The returned channel is closed when the loop exits; an end event
// precedes the close on every normal path.
type StreamProvider interface {
	OpenStream(ctx context.Context, req StreamRequest) (<-chan AgentEvent, error)
	Stop(messageID string)
}

// SearchResult is one hit from the metasearch provider.
type SearchResult struct {
	Title       string `json:"title"`
	URL         string `json:"url"`
	Description string `json:"description,omitempty"`
	Content     string `json:"content,omitempty"`
	Icon        string `json:"icon,omitempty"`
	Rank        int    `json:"rank"`
}

// SearchProvider augments a generation with web results. StopSearch
// cancels the in-flight search for a conversation and is a no-op when
// there is none.
type SearchProvider interface {
	Search(ctx context.Context, conversationID, query string) ([]SearchResult, error)
	StopSearch(conversationID string)
}

// ToolSpec describes one callable tool exposed to the model.
type ToolSpec struct {
	ServerName  string
	Name        string
	Description string
	Parameters  map[string]any
	Permission  PermissionType
}

// ToolRuntime executes tool calls and tracks permission grants per
// (server, permission type).
type ToolRuntime interface {
	CallTool(ctx context.Context, serverName, toolName string, params map[string]any) (string, error)
	IsServerRunning(serverName string) bool
	HasPermission(serverName string, permission PermissionType) bool
	GrantPermission(serverName string, permission PermissionType, remember bool) error
}
