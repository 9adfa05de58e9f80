// Package model defines the provider-neutral contract between the
// orchestrator and LLM backends. Providers stream fine-grained chunks (text
// deltas and tool-call fragments) so the transport layer can forward them
// without buffering whole responses.
package model

import "context"

// Role tags a conversation turn.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
)

// Call is a completed tool invocation as rendered into history. Arguments is
// the raw JSON string the model produced.
type Call struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
}

// CallResult is a tool outcome rendered into history.
type CallResult struct {
	CallID  string `json:"call_id"`
	Name    string `json:"name"`
	Content string `json:"content"`
	IsError bool   `json:"is_error"`
}

// Turn is one unit of conversation history. Exactly one of Text, Calls or
// Results is typically populated, though assistant turns may carry both text
// and calls.
type Turn struct {
	Role    Role         `json:"role"`
	Text    string       `json:"text,omitempty"`
	Calls   []Call       `json:"calls,omitempty"`
	Results []CallResult `json:"results,omitempty"`
}

// ToolDefinition declaratively exposes a callable function to the model.
// Parameters is a JSON Schema object.
type ToolDefinition struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	Parameters  map[string]any `json:"parameters"`
}

// Request is the normalized model input produced by the orchestrator.
type Request struct {
	Instructions string           `json:"instructions"`
	Turns        []Turn           `json:"turns"`
	Tools        []ToolDefinition `json:"tools,omitempty"`
	MaxTokens    int64            `json:"max_tokens,omitempty"`
}

// CallDelta is a fragment of a streaming tool call. The first fragment for a
// call carries ID and Name; subsequent fragments carry only argument text.
// Index correlates fragments of the same call within one response.
type CallDelta struct {
	Index     int    `json:"index"`
	ID        string `json:"id,omitempty"`
	Name      string `json:"name,omitempty"`
	ArgsDelta string `json:"args_delta,omitempty"`
}

// Chunk is one streaming increment from a provider. Exactly one of
// TextDelta, Call or Done is meaningful per chunk.
type Chunk struct {
	TextDelta    string     `json:"text_delta,omitempty"`
	Call         *CallDelta `json:"call,omitempty"`
	Done         bool       `json:"done,omitempty"`
	FinishReason string     `json:"finish_reason,omitempty"`
}

// Finish reasons normalized across providers.
const (
	FinishStop      = "stop"
	FinishToolCalls = "tool_calls"
	FinishLength    = "length"
)

// Info contains metadata about a provider implementation.
type Info struct {
	Name          string `json:"name"`
	Provider      string `json:"provider"`
	SupportsTools bool   `json:"supports_tools"`
}

// Provider is the minimal interface the orchestrator needs to drive
// generation. Stream returns a chunk channel and an error channel; both are
// closed when the response ends. At most one error is sent.
type Provider interface {
	Stream(ctx context.Context, req Request) (<-chan Chunk, <-chan error)

	// Info returns information about the provider implementation.
	Info() Info
}
