// Package skills holds the catalog of capabilities the agent can invoke.
//
// Structured skills are in-process functions with a JSON Schema for their
// arguments. Document skills are SKILL.md files whose body is guidance for
// the model; they appear in the capability manifest but cannot be
// dispatched.
package skills

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/basket/labclaw/internal/policy"
)

type Type string

const (
	TypeStructured Type = "structured"
	TypeDocument   Type = "document"
)

// Capability is the declared side-effect class of a skill.
type Capability string

const (
	CapCompute  Capability = "compute"
	CapFSWrite  Capability = "fs_write"
	CapCodeExec Capability = "code_exec"
)

func ParseCapability(s string) (Capability, error) {
	switch c := Capability(strings.ToLower(strings.TrimSpace(s))); c {
	case "":
		return CapCompute, nil
	case CapCompute, CapFSWrite, CapCodeExec:
		return c, nil
	default:
		return "", fmt.Errorf("unknown capability %q", s)
	}
}

type Source string

const (
	SourceBuiltin  Source = "builtin"
	SourceDocument Source = "document"
)

// Descriptor is the registry's view of one skill. Descriptors inside a
// Snapshot are never mutated.
type Descriptor struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	Type        Type            `json:"type"`
	Capability  Capability      `json:"capability"`
	Source      Source          `json:"source"`
	Location    string          `json:"location"`
	InputSchema json.RawMessage `json:"input_schema,omitempty"`
	// Language is the sandbox runtime the skill needs, if any.
	Language       policy.Language `json:"language,omitempty"`
	Enabled        bool            `json:"enabled"`
	DisabledReason string          `json:"disabled_reason,omitempty"`
	Guidance       string          `json:"-"`
}

// ArtifactRef points at a workspace artifact produced by a tool call.
type ArtifactRef struct {
	ID      string `json:"id"`
	Name    string `json:"name"`
	Folder  string `json:"folder"`
	MIME    string `json:"mime"`
	Version int    `json:"version"`
}

// ExecMeta is execution metadata attached to a tool result.
type ExecMeta struct {
	Duration time.Duration    `json:"duration"`
	Language policy.Language  `json:"language,omitempty"`
	ExitCode *int             `json:"exit_code,omitempty"`
	Decision *policy.Decision `json:"policy_decision,omitempty"`
}

// Output is what a structured skill hands back to the orchestrator. A
// handler may return a partial Output together with an error.
type Output struct {
	Payload   any           `json:"payload,omitempty"`
	Artifacts []ArtifactRef `json:"artifacts,omitempty"`
	Meta      ExecMeta      `json:"meta"`
}

// Handler is the dispatch target of a structured skill. args has already
// passed schema validation.
type Handler func(ctx context.Context, args map[string]any) (Output, error)

// Structured declares an in-process skill.
type Structured struct {
	Name        string
	Description string
	Capability  Capability
	Language    policy.Language
	Schema      json.RawMessage
	Handler     Handler
}

var validSkillName = regexp.MustCompile(`^[A-Za-z][A-Za-z0-9_\-]{0,63}$`)

// CanonicalSkillKey is the key used for lookups and collision detection.
func CanonicalSkillKey(name string) string {
	return strings.ToLower(strings.TrimSpace(name))
}
