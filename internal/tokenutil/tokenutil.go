package tokenutil

import (
	"strings"
	"unicode/utf8"
)

// EstimateTokens returns a word-based token estimate.
// Words are weighted at 1.33 tokens; max(wordEstimate, runes/3, bytes/4)
// keeps code and non-Latin text from being undercounted.
func EstimateTokens(content string) int {
	if content == "" {
		return 0
	}
	words := len(strings.Fields(content))
	est := int(float64(words) * 1.33)
	if byBytes := len(content) / 4; byBytes > est {
		est = byBytes
	}
	if byRunes := utf8.RuneCountInString(content) / 3; byRunes > est {
		est = byRunes
	}
	return est
}

// Sum estimates the combined token count of several message bodies.
func Sum(contents ...string) int {
	total := 0
	for _, c := range contents {
		total += EstimateTokens(c)
	}
	return total
}
