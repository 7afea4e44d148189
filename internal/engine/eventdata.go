package engine

import (
	"github.com/basket/labclaw/internal/retrieval"
	"github.com/basket/labclaw/internal/shared"
	"github.com/basket/labclaw/internal/skills"
)

// Event payloads. Each is carried in events.Event.Data and serialized as
// is by the gateway.

type IterationData struct {
	Iteration int `json:"iteration"`
}

type TextData struct {
	Iteration int    `json:"iteration"`
	Text      string `json:"text"`
}

type ToolCallData struct {
	Iteration  int            `json:"iteration"`
	ToolCallID string         `json:"tool_call_id"`
	Skill      string         `json:"skill"`
	Args       map[string]any `json:"args"`
}

// ToolResult is the result envelope of one tool call. It is persisted as
// the tool_result step payload, emitted as the event data and handed back
// to the model.
type ToolResult struct {
	ToolCallID string               `json:"tool_call_id"`
	Skill      string               `json:"skill"`
	Status     string               `json:"status"`
	Payload    any                  `json:"payload,omitempty"`
	Artifacts  []skills.ArtifactRef `json:"artifacts,omitempty"`
	Meta       skills.ExecMeta      `json:"meta"`
	Error      *ToolError           `json:"error,omitempty"`
}

const (
	StatusOK    = "ok"
	StatusError = "error"
)

type ToolError struct {
	Kind    shared.Kind `json:"kind"`
	Message string      `json:"message"`
	Rule    string      `json:"rule,omitempty"`
}

type RetrievalData struct {
	Query     string               `json:"query"`
	Citations []retrieval.Citation `json:"citations"`
}

type ProgressData struct {
	Iteration int `json:"iteration"`
	Completed int `json:"completed"`
	Requested int `json:"requested"`
}

type DoneData struct {
	Status     string      `json:"status"`
	Kind       shared.Kind `json:"kind,omitempty"`
	Iterations int         `json:"iterations"`
	Text       string      `json:"text,omitempty"`
}

type ErrorData struct {
	Kind    shared.Kind `json:"kind"`
	Message string      `json:"message"`
	Rule    string      `json:"rule,omitempty"`
}
