package pricing

import "testing"

func TestCostMicros_KnownModel(t *testing.T) {
	// 1000 prompt tokens at $2.50/M plus 500 completion tokens at $10/M.
	if got := CostMicros("gpt-4o", 1000, 500); got != 7500 {
		t.Fatalf("expected 7500 micros, got %d", got)
	}
}

func TestCostMicros_UnknownModel(t *testing.T) {
	if got := CostMicros("unknown-model-xyz", 1000, 500); got != 0 {
		t.Fatalf("expected 0 for unknown model, got %d", got)
	}
}

func TestCostMicros_NegativeCounts(t *testing.T) {
	if got := CostMicros("gpt-4o", -1, 10); got != 0 {
		t.Fatalf("expected 0 for negative counts, got %d", got)
	}
}

func TestLookup_PrefixesAndProviders(t *testing.T) {
	tests := []struct {
		model string
		want  Rate
	}{
		{"googleai/gemini-2.5-flash", Rate{0.30, 2.50}},
		{"gemini-2.5-flash-lite", Rate{0.10, 0.40}},
		{"anthropic/claude-sonnet-4-5-20250929", Rate{3.00, 15.00}},
		{"openrouter/openai/gpt-4o-mini", Rate{0.15, 0.60}},
		{"GPT-4.1-mini", Rate{0.40, 1.60}},
	}
	for _, tc := range tests {
		got, ok := Lookup(tc.model)
		if !ok {
			t.Errorf("Lookup(%q) not found", tc.model)
			continue
		}
		if got != tc.want {
			t.Errorf("Lookup(%q) = %+v, want %+v", tc.model, got, tc.want)
		}
	}
}
