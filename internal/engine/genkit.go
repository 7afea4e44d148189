package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"sync"

	"github.com/firebase/genkit/go/ai"
	"github.com/firebase/genkit/go/genkit"
	"github.com/firebase/genkit/go/plugins/anthropic"
	"github.com/firebase/genkit/go/plugins/compat_oai"
	"github.com/firebase/genkit/go/plugins/googlegenai"
)

// ModelConfig selects the provider behind GenkitModel.
type ModelConfig struct {
	// Provider is "google", "anthropic", "openai", "openrouter" or
	// "openai_compatible". Empty defaults to "google".
	Provider string
	Model    string
	APIKey   string
	// BaseURL is used by openai_compatible and overrides the default
	// endpoint for anthropic and openai.
	BaseURL string
}

var errToolExecutedByOrchestrator = errors.New("tools are dispatched by the orchestrator")

// GenkitModel implements Model on top of Genkit. Tool requests are
// returned unresolved so the orchestrator controls dispatch.
type GenkitModel struct {
	g         *genkit.Genkit
	modelName string

	mu    sync.Mutex
	tools map[string]ai.ToolRef
}

func NewGenkitModel(ctx context.Context, cfg ModelConfig) (*GenkitModel, error) {
	provider := strings.ToLower(strings.TrimSpace(cfg.Provider))
	if provider == "" {
		provider = "google"
	}
	apiKey := strings.TrimSpace(cfg.APIKey)
	if apiKey == "" {
		apiKey = envAPIKeyForProvider(provider)
	}
	if apiKey == "" {
		return nil, fmt.Errorf("no API key configured for provider %q", provider)
	}
	model := strings.TrimSpace(cfg.Model)
	if model == "" {
		model = defaultModelForProvider(provider)
	}
	if model == "" {
		return nil, fmt.Errorf("no model configured for provider %q", provider)
	}

	var g *genkit.Genkit
	switch provider {
	case "anthropic":
		base := cfg.BaseURL
		if base == "" {
			base = os.Getenv("ANTHROPIC_BASE_URL")
		}
		g = genkit.Init(ctx, genkit.WithPlugins(&anthropic.Anthropic{APIKey: apiKey, BaseURL: base}))
	case "openai":
		base := cfg.BaseURL
		if base == "" {
			base = os.Getenv("OPENAI_BASE_URL")
		}
		g = genkit.Init(ctx, genkit.WithPlugins(&compat_oai.OpenAICompatible{Provider: "openai", APIKey: apiKey, BaseURL: base}))
	case "openrouter":
		g = genkit.Init(ctx, genkit.WithPlugins(&compat_oai.OpenAICompatible{Provider: "openrouter", APIKey: apiKey, BaseURL: "https://openrouter.ai/api/v1"}))
	case "openai_compatible":
		if cfg.BaseURL == "" {
			return nil, errors.New("openai_compatible provider requires a base URL")
		}
		g = genkit.Init(ctx, genkit.WithPlugins(&compat_oai.OpenAICompatible{Provider: "compat", APIKey: apiKey, BaseURL: cfg.BaseURL}))
	case "google":
		g = genkit.Init(ctx, genkit.WithPlugins(&googlegenai.GoogleAI{APIKey: apiKey}))
	default:
		return nil, fmt.Errorf("unknown model provider %q", provider)
	}

	name := modelNameForProvider(provider, model)
	slog.Info("engine: model initialized", "provider", provider, "model", name)
	return &GenkitModel{g: g, modelName: name, tools: make(map[string]ai.ToolRef)}, nil
}

func (m *GenkitModel) Name() string { return m.modelName }

func (m *GenkitModel) Generate(ctx context.Context, req ModelRequest) (*ModelResponse, error) {
	opts := []ai.GenerateOption{ai.WithModelName(m.modelName)}
	if req.System != "" {
		// ai.WithSystem formats its argument.
		opts = append(opts, ai.WithSystem(strings.ReplaceAll(req.System, "%", "%%")))
	}
	msgs, err := toGenkitMessages(req.History)
	if err != nil {
		return nil, err
	}
	opts = append(opts, ai.WithMessages(msgs...))
	if len(req.Tools) > 0 {
		opts = append(opts, ai.WithTools(m.toolRefs(req.Tools)...), ai.WithReturnToolRequests(true))
	}

	resp, err := genkit.Generate(ctx, m.g, opts...)
	if err != nil {
		return nil, fmt.Errorf("genkit generate: %w", err)
	}

	out := &ModelResponse{Text: resp.Text()}
	for _, tr := range resp.ToolRequests() {
		args, err := toArgs(tr.Input)
		if err != nil {
			return nil, fmt.Errorf("tool request %s: %w", tr.Name, err)
		}
		out.ToolCalls = append(out.ToolCalls, ToolCall{ID: tr.Ref, Name: tr.Name, Args: args})
	}
	if resp.Usage != nil {
		out.Usage = ModelUsage{PromptTokens: resp.Usage.InputTokens, CompletionTokens: resp.Usage.OutputTokens}
	}
	return out, nil
}

// toolRefs defines each skill with Genkit once. The schema is appended to
// the description because the tool input type is a generic object.
func (m *GenkitModel) toolRefs(specs []ToolSpec) []ai.ToolRef {
	m.mu.Lock()
	defer m.mu.Unlock()
	refs := make([]ai.ToolRef, 0, len(specs))
	for _, spec := range specs {
		ref, ok := m.tools[spec.Name]
		if !ok {
			desc := spec.Description
			if len(spec.Schema) > 0 {
				desc = fmt.Sprintf("%s\n\nInput Schema:\n%s", desc, spec.Schema)
			}
			ref = genkit.DefineTool(m.g, spec.Name, desc,
				func(_ *ai.ToolContext, _ map[string]any) (any, error) {
					return nil, errToolExecutedByOrchestrator
				})
			m.tools[spec.Name] = ref
		}
		refs = append(refs, ref)
	}
	return refs
}

func toGenkitMessages(history []Message) ([]*ai.Message, error) {
	var msgs []*ai.Message
	for _, h := range history {
		switch h.Role {
		case RoleUser:
			msgs = append(msgs, ai.NewUserTextMessage(h.Text))
		case RoleModel:
			var parts []*ai.Part
			if h.Text != "" {
				parts = append(parts, ai.NewTextPart(h.Text))
			}
			for _, c := range h.ToolCalls {
				parts = append(parts, ai.NewToolRequestPart(&ai.ToolRequest{Name: c.Name, Ref: c.ID, Input: c.Args}))
			}
			if len(parts) > 0 {
				msgs = append(msgs, ai.NewModelMessage(parts...))
			}
		case RoleTool:
			var parts []*ai.Part
			for _, r := range h.Results {
				parts = append(parts, ai.NewToolResponsePart(&ai.ToolResponse{Name: r.Name, Ref: r.CallID, Output: r.Output}))
			}
			if len(parts) > 0 {
				msgs = append(msgs, ai.NewMessage(ai.RoleTool, nil, parts...))
			}
		default:
			return nil, fmt.Errorf("unknown message role %q", h.Role)
		}
	}
	return msgs, nil
}

func toArgs(input any) (map[string]any, error) {
	switch v := input.(type) {
	case nil:
		return map[string]any{}, nil
	case map[string]any:
		return v, nil
	}
	raw, err := json.Marshal(input)
	if err != nil {
		return nil, err
	}
	var args map[string]any
	if err := json.Unmarshal(raw, &args); err != nil {
		return nil, fmt.Errorf("arguments are not an object: %w", err)
	}
	return args, nil
}

func defaultModelForProvider(provider string) string {
	switch provider {
	case "anthropic":
		return "claude-sonnet-4-5"
	case "openai", "openai_compatible":
		return "gpt-4o"
	case "openrouter":
		return "anthropic/claude-sonnet-4-5"
	case "google":
		return "gemini-2.5-flash"
	}
	return ""
}

func envAPIKeyForProvider(provider string) string {
	switch provider {
	case "anthropic":
		return os.Getenv("ANTHROPIC_API_KEY")
	case "openai", "openai_compatible":
		return os.Getenv("OPENAI_API_KEY")
	case "openrouter":
		return os.Getenv("OPENROUTER_API_KEY")
	case "google":
		if k := os.Getenv("GEMINI_API_KEY"); k != "" {
			return k
		}
		return os.Getenv("GOOGLE_API_KEY")
	}
	return ""
}

func modelNameForProvider(provider, model string) string {
	switch provider {
	case "anthropic":
		return "anthropic/" + model
	case "openai":
		return "openai/" + model
	case "openai_compatible":
		return "compat/" + model
	case "openrouter":
		return "openrouter/" + model
	default:
		return "googleai/" + model
	}
}
