// Package safety scrubs credentials from text that leaves the sandbox.
package safety

import (
	"regexp"
	"sort"
)

// Finding names one kind of secret that was redacted and how often.
type Finding struct {
	Kind  string `json:"kind"`
	Count int    `json:"count"`
}

type secretPattern struct {
	kind string
	re   *regexp.Regexp
	// keep is the submatch left in place before the marker, e.g. "api_key=".
	keep int
}

var patterns = []secretPattern{
	{kind: "private_key", re: regexp.MustCompile(`-----BEGIN (?:RSA |EC |OPENSSH )?PRIVATE KEY-----[\s\S]*?(?:-----END (?:RSA |EC |OPENSSH )?PRIVATE KEY-----|$)`)},
	{kind: "google_api_key", re: regexp.MustCompile(`AIza[A-Za-z0-9_\-]{30,}`)},
	{kind: "anthropic_api_key", re: regexp.MustCompile(`sk-ant-[A-Za-z0-9_\-]{20,}`)},
	{kind: "openai_api_key", re: regexp.MustCompile(`sk-(?:proj-)?[A-Za-z0-9_\-]{20,}`)},
	{kind: "bearer_token", re: regexp.MustCompile(`(?i)(bearer\s+)[A-Za-z0-9_\-./+=]{16,}`), keep: 1},
	{kind: "api_key", re: regexp.MustCompile(`(?i)((?:api[_-]?key|secret|token)\s*[:=]\s*"?)[A-Za-z0-9_\-./+=]{16,}`), keep: 1},
	{kind: "password", re: regexp.MustCompile(`(?i)((?:password|passwd|pwd)\s*[:=]\s*"?)[^\s"]{8,}`), keep: 1},
}

// Redact replaces credentials in s with [REDACTED:<kind>] markers. The
// findings are sorted by kind and empty when s was clean.
func Redact(s string) (string, []Finding) {
	if s == "" {
		return s, nil
	}
	counts := map[string]int{}
	for _, p := range patterns {
		s = p.re.ReplaceAllStringFunc(s, func(match string) string {
			counts[p.kind]++
			prefix := ""
			if p.keep > 0 {
				if sub := p.re.FindStringSubmatch(match); len(sub) > p.keep {
					prefix = sub[p.keep]
				}
			}
			return prefix + "[REDACTED:" + p.kind + "]"
		})
	}
	if len(counts) == 0 {
		return s, nil
	}
	findings := make([]Finding, 0, len(counts))
	for kind, n := range counts {
		findings = append(findings, Finding{Kind: kind, Count: n})
	}
	sort.Slice(findings, func(i, j int) bool { return findings[i].Kind < findings[j].Kind })
	return s, findings
}
