// Package llm defines the Provider interface for reasoning-model backends.
//
// A reasoning provider accepts a system prompt, the conversation so far and the
// function-calling schema of every registered tool, and answers with either
// final text or one or more tool-call requests. Waypoint treats the model as an
// opaque function behind this interface so that fallback chains, circuit
// breakers and test doubles can be layered without touching callers.
//
// Implementations must be safe for concurrent use.
package llm

import "context"

// Message roles understood by every provider.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleTool      = "tool"
)

// Message is a single entry in the conversation sent to the model.
type Message struct {
	// Role is one of RoleSystem, RoleUser, RoleAssistant or RoleTool.
	Role string

	// Content is the text content of the message.
	Content string

	// ToolCalls contains the tool invocations requested by an assistant message.
	ToolCalls []ToolCall

	// ToolCallID is set when Role is RoleTool and names the call it answers.
	ToolCallID string
}

// ToolCall is a tool invocation requested by the model.
type ToolCall struct {
	// ID is the provider-assigned call identifier.
	ID string

	// Name is the tool name.
	Name string

	// Arguments is the JSON-encoded argument object exactly as the model sent it.
	Arguments string
}

// ToolDefinition describes one tool in the function-calling format.
type ToolDefinition struct {
	Name        string
	Description string

	// Parameters is a JSON Schema object describing the tool input.
	Parameters map[string]any
}

// Usage holds token accounting returned by the backend.
type Usage struct {
	PromptTokens     int
	CompletionTokens int
	TotalTokens      int
}

// CompletionRequest carries everything the model needs for one call.
type CompletionRequest struct {
	// SystemPrompt is sent ahead of Messages with the provider's native system
	// role.
	SystemPrompt string

	// Messages is the ordered conversation history.
	Messages []Message

	// Tools is the function-calling schema offered to the model.
	Tools []ToolDefinition

	// Temperature controls sampling. Zero means provider default.
	Temperature float64

	// MaxTokens caps the completion length. Zero means provider default.
	MaxTokens int
}

// CompletionResponse is the model's answer to a CompletionRequest. Exactly one
// of Content or ToolCalls is meaningful: when ToolCalls is non-empty the model
// is asking for tool execution and Content, if any, is commentary.
type CompletionResponse struct {
	Content   string
	ToolCalls []ToolCall
	Usage     Usage
}

// ModelCapabilities describes what a model supports.
type ModelCapabilities struct {
	ContextWindow       int
	MaxOutputTokens     int
	SupportsToolCalling bool
}

// Provider is the abstraction over any reasoning-model backend.
type Provider interface {
	// Complete sends req to the model and waits for the full response. It must
	// return promptly once ctx is cancelled.
	Complete(ctx context.Context, req CompletionRequest) (*CompletionResponse, error)

	// Capabilities returns static metadata about the underlying model.
	Capabilities() ModelCapabilities
}
