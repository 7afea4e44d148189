package engine

import (
	"context"
	"encoding/json"
)

type Role string

const (
	RoleUser  Role = "user"
	RoleModel Role = "model"
	RoleTool  Role = "tool"
)

// ToolCall is one tool invocation requested by the model.
type ToolCall struct {
	ID   string         `json:"id"`
	Name string         `json:"name"`
	Args map[string]any `json:"args"`
}

// ToolResponse answers a ToolCall with the same ID.
type ToolResponse struct {
	CallID string `json:"call_id"`
	Name   string `json:"name"`
	Output any    `json:"output"`
}

// Message is provider-neutral conversation history. A model message may
// carry text and tool calls; a tool message carries the responses to the
// calls of the preceding model message.
type Message struct {
	Role      Role           `json:"role"`
	Text      string         `json:"text,omitempty"`
	ToolCalls []ToolCall     `json:"tool_calls,omitempty"`
	Results   []ToolResponse `json:"results,omitempty"`
}

// ToolSpec advertises a dispatchable skill to the model.
type ToolSpec struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	Schema      json.RawMessage `json:"schema,omitempty"`
}

type ModelRequest struct {
	System  string
	History []Message
	Tools   []ToolSpec
}

type ModelUsage struct {
	PromptTokens     int
	CompletionTokens int
}

type ModelResponse struct {
	Text      string
	ToolCalls []ToolCall
	Usage     ModelUsage
}

// Model is one round trip to a language model. Implementations must not
// execute tools themselves; requested calls are returned to the caller.
type Model interface {
	Generate(ctx context.Context, req ModelRequest) (*ModelResponse, error)
}
