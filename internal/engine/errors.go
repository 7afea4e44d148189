package engine

import (
	"context"
	"errors"
	"strings"
)

// ErrorClass buckets model provider failures for the retry loop and for
// the message a failed turn carries.
type ErrorClass string

const (
	ErrorClassAuth            ErrorClass = "AUTH"
	ErrorClassRateLimit       ErrorClass = "RATE_LIMIT"
	ErrorClassTimeout         ErrorClass = "TIMEOUT"
	ErrorClassBilling         ErrorClass = "BILLING"
	ErrorClassContextOverflow ErrorClass = "CONTEXT_OVERFLOW"
	// ErrorClassUnavailable covers 5xx responses and dropped connections.
	ErrorClassUnavailable ErrorClass = "UNAVAILABLE"
	ErrorClassUnknown     ErrorClass = "UNKNOWN"
)

// providerErrorPatterns is checked in order; the first class with a
// matching substring wins. Genkit plugins surface provider errors as text,
// so matching is on the lowercased message.
var providerErrorPatterns = []struct {
	class   ErrorClass
	needles []string
}{
	{ErrorClassAuth, []string{"401", "403", "unauthorized", "forbidden", "invalid key", "invalid api key", "permission denied"}},
	{ErrorClassRateLimit, []string{"429", "rate limit", "rate_limit", "quota", "too many requests", "resource_exhausted"}},
	{ErrorClassTimeout, []string{"deadline exceeded", "timeout", "timed out"}},
	{ErrorClassBilling, []string{"billing", "payment", "insufficient funds", "credit balance"}},
	{ErrorClassContextOverflow, []string{"context_length", "context length", "context window", "maximum context", "token limit", "max tokens", "prompt is too long"}},
	{ErrorClassUnavailable, []string{"500", "502", "503", "529", "overloaded", "unavailable", "connection reset", "connection refused", "eof"}},
}

func ClassifyError(err error) ErrorClass {
	if err == nil {
		return ErrorClassUnknown
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return ErrorClassTimeout
	}
	msg := strings.ToLower(err.Error())
	for _, p := range providerErrorPatterns {
		for _, n := range p.needles {
			if strings.Contains(msg, n) {
				return p.class
			}
		}
	}
	return ErrorClassUnknown
}

// Retryable reports whether another attempt with the same request could
// succeed. Credentials, billing and oversized prompts will fail again.
func (c ErrorClass) Retryable() bool {
	switch c {
	case ErrorClassAuth, ErrorClassBilling, ErrorClassContextOverflow:
		return false
	}
	return true
}
