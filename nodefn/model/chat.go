// Package model provides LLM integration adapters.
package model

import "context"

// ChatModel defines the interface a compute function uses to classify or
// summarize its inputs through an LLM. MockChatModel implements it
// in-process for tests and examples; a real deployment wires in whatever
// provider SDK fits, converting Message to that provider's wire format and
// its response back into ChatOut.
type ChatModel interface {
	// Chat sends messages to the LLM and returns its response. tools may
	// be nil. The response may carry Text, ToolCalls, or both.
	Chat(ctx context.Context, messages []Message, tools []ToolSpec) (ChatOut, error)
}

// Message is a single turn in an LLM conversation.
type Message struct {
	// Role is one of the Role* constants.
	Role string

	// Content is the message text; may be empty for tool-only messages.
	Content string
}

// Standard role constants for LLM conversations.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// ToolSpec describes a tool an LLM may call. Schema follows JSON Schema
// and is optional for tools that take no parameters.
type ToolSpec struct {
	Name        string
	Description string
	Schema      map[string]interface{}
}

// ChatOut is an LLM's response: text, tool calls, or both.
type ChatOut struct {
	Text      string
	ToolCalls []ToolCall
}

// ToolCall is one tool invocation requested by the LLM. Input's shape
// matches the corresponding ToolSpec.Schema.
type ToolCall struct {
	Name  string
	Input map[string]interface{}
}
