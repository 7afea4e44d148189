package engine

import (
	"strings"
	"sync"
)

// reservedTokens is held back for the system prompt, the skill manifest,
// tool schemas and the response.
const reservedTokens = 10_000

var (
	overridesMu           sync.RWMutex
	contextLimitOverrides map[string]int
)

// SetContextLimitOverrides installs config-driven limits keyed by
// "provider/model" or bare model name.
func SetContextLimitOverrides(m map[string]int) {
	overridesMu.Lock()
	defer overridesMu.Unlock()
	contextLimitOverrides = m
}

// ContextLimitForModel returns the token limit for a provider and model,
// falling back to conservative defaults when the model is unknown.
func ContextLimitForModel(provider, model string) int {
	provider = strings.ToLower(strings.TrimSpace(provider))
	model = strings.ToLower(strings.TrimSpace(model))

	overridesMu.RLock()
	if v, ok := contextLimitOverrides[provider+"/"+model]; ok {
		overridesMu.RUnlock()
		return v
	}
	if v, ok := contextLimitOverrides[model]; ok {
		overridesMu.RUnlock()
		return v
	}
	overridesMu.RUnlock()

	switch model {
	case "gemini-2.5-flash", "gemini-2.5-pro", "gemini-1.5-flash", "gemini-1.5-pro":
		return 1_048_576
	case "gpt-4o", "gpt-4o-mini", "o1", "o3-mini":
		return 128_000
	}

	switch {
	case strings.HasPrefix(model, "gemini-"):
		return 1_048_576
	case strings.HasPrefix(model, "claude-"):
		return 200_000
	case strings.HasPrefix(model, "gpt-4"):
		return 128_000
	}

	switch provider {
	case "google":
		return 1_048_576
	case "anthropic":
		return 200_000
	}
	return 128_000
}

// availableTokens is the history budget left after the reserve.
func availableTokens(limit int) int {
	available := limit - reservedTokens
	if available < 1000 {
		available = 1000
	}
	return available
}
