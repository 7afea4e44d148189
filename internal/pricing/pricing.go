// Package pricing estimates model spend for session usage counters.
package pricing

import "strings"

// Rate holds per-million-token prices in USD.
type Rate struct {
	PromptPer1M     float64
	CompletionPer1M float64
}

// rates are matched by longest prefix so dated releases such as
// "claude-sonnet-4-5-20250929" resolve to their family.
var rates = map[string]Rate{
	"gemini-2.5-pro":        {1.25, 10.00},
	"gemini-2.5-flash":      {0.30, 2.50},
	"gemini-2.5-flash-lite": {0.10, 0.40},
	"gemini-2.0-flash":      {0.10, 0.40},
	"claude-opus-4":         {15.00, 75.00},
	"claude-sonnet-4":       {3.00, 15.00},
	"claude-3-7-sonnet":     {3.00, 15.00},
	"claude-haiku-4-5":      {1.00, 5.00},
	"claude-3-5-haiku":      {0.80, 4.00},
	"gpt-4o":                {2.50, 10.00},
	"gpt-4o-mini":           {0.15, 0.60},
	"gpt-4.1":               {2.00, 8.00},
	"gpt-4.1-mini":          {0.40, 1.60},
}

// Lookup returns the rate for model. Provider prefixes such as
// "googleai/" or "openrouter/anthropic/" are ignored.
func Lookup(model string) (Rate, bool) {
	name := strings.ToLower(strings.TrimSpace(model))
	if i := strings.LastIndex(name, "/"); i >= 0 {
		name = name[i+1:]
	}
	best := ""
	for prefix := range rates {
		if strings.HasPrefix(name, prefix) && len(prefix) > len(best) {
			best = prefix
		}
	}
	if best == "" {
		return Rate{}, false
	}
	return rates[best], true
}

// CostMicros returns the estimated spend in millionths of a USD. Unknown
// models cost zero.
func CostMicros(model string, promptTokens, completionTokens int64) int64 {
	r, ok := Lookup(model)
	if !ok || promptTokens < 0 || completionTokens < 0 {
		return 0
	}
	// Price per 1M tokens in USD equals price per token in micro-USD.
	return int64(float64(promptTokens)*r.PromptPer1M + float64(completionTokens)*r.CompletionPer1M + 0.5)
}
