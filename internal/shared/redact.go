package shared

import (
	"regexp"
	"strings"
)

const redactedPlaceholder = "[REDACTED]"

// secretPatterns matches common secret-bearing patterns in log, event and error strings.
var secretPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)(api[_-]?key|apikey|secret[_-]?key|auth[_-]?token|bearer)\s*[:=]\s*"?([A-Za-z0-9_\-./+=]{16,})"?`),
	regexp.MustCompile(`(?i)(Bearer\s+)([A-Za-z0-9_\-./+=]{16,})`),
	regexp.MustCompile(`AIza[A-Za-z0-9_\-]{30,}`),
	regexp.MustCompile(`sk-(?:ant-)?[A-Za-z0-9_\-]{20,}`),
}

// Redact replaces secret-bearing patterns in the input string with [REDACTED].
func Redact(input string) string {
	if input == "" {
		return input
	}
	result := input
	for _, pat := range secretPatterns {
		result = pat.ReplaceAllStringFunc(result, func(match string) string {
			submatch := pat.FindStringSubmatch(match)
			if len(submatch) >= 3 {
				return submatch[1] + redactedPlaceholder
			}
			return redactedPlaceholder
		})
	}
	return result
}

var (
	// Absolute paths with at least one directory component.
	rePath = regexp.MustCompile(`(^|[\s"'(=])((?:[A-Za-z]:\\|/)(?:[\w.\-]+[/\\])+[\w.\-]*)`)
	rePID  = regexp.MustCompile(`(?i)\b(pid|pgid|process)\s*[:=#]?\s*\d+`)
	// Python "File ..., line N" frames and Go goroutine dumps.
	reFrame = regexp.MustCompile(`(?m)^\s*(File ".*", line \d+.*|goroutine \d+ \[.*\]:|\S+\.go:\d+.*)$`)
)

// Scrub removes filesystem paths, process identifiers and stack frames from
// text destined for a client. Secrets are redacted as well.
func Scrub(input string) string {
	if input == "" {
		return input
	}
	out := Redact(input)
	if i := strings.Index(out, "Traceback (most recent call last):"); i >= 0 {
		out = out[:i] + stripTraceback(out[i:])
	}
	out = reFrame.ReplaceAllString(out, "")
	out = rePID.ReplaceAllString(out, "process")
	out = rePath.ReplaceAllString(out, "${1}<path>")
	return strings.TrimSpace(collapseBlankLines(out))
}

// stripTraceback keeps only the final exception line of a Python traceback.
func stripTraceback(tb string) string {
	lines := strings.Split(strings.TrimRight(tb, "\n"), "\n")
	for i := len(lines) - 1; i >= 0; i-- {
		line := strings.TrimSpace(lines[i])
		if line != "" {
			return line
		}
	}
	return ""
}

func collapseBlankLines(s string) string {
	lines := strings.Split(s, "\n")
	out := lines[:0]
	for _, l := range lines {
		if strings.TrimSpace(l) == "" {
			continue
		}
		out = append(out, l)
	}
	return strings.Join(out, "\n")
}

// SensitiveKey reports whether a config, env or log attribute name
// usually holds a credential.
func SensitiveKey(key string) bool {
	lower := strings.ToLower(strings.TrimSpace(key))
	if lower == "" {
		return false
	}
	for _, token := range []string{"api_key", "apikey", "secret", "token", "password", "credential", "authorization", "bearer"} {
		if strings.Contains(lower, token) {
			return true
		}
	}
	return false
}
