package shared

import (
	"context"
	"errors"
	"fmt"
)

// Kind is the machine-readable error class surfaced on tool results and
// terminal error events.
type Kind string

const (
	KindPolicyDenied       Kind = "PolicyDenied"
	KindSandboxTimeout     Kind = "SandboxTimeout"
	KindSandboxRuntime     Kind = "SandboxRuntimeError"
	KindModelTransport     Kind = "ModelTransportError"
	KindSkillNotFound      Kind = "SkillNotFound"
	KindLoopBudgetExceeded Kind = "LoopBudgetExceeded"
	KindCancelled          Kind = "Cancelled"
	KindInvalidInput       Kind = "InvalidInput"
	KindInternal           Kind = "Internal"
)

// Error carries a Kind alongside a client-safe message. Err holds the
// underlying cause for logs and is never shown to clients.
type Error struct {
	Kind    Kind
	Message string
	// Rule is the policy rule identifier for KindPolicyDenied.
	Rule string
	Err  error
}

func (e *Error) Error() string {
	msg := string(e.Kind)
	if e.Message != "" {
		msg += ": " + e.Message
	}
	if e.Rule != "" {
		msg += " [" + e.Rule + "]"
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

// Errorf builds an *Error of the given kind.
func Errorf(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Wrap attaches kind and message to err.
func Wrap(kind Kind, err error, message string) *Error {
	return &Error{Kind: kind, Message: message, Err: err}
}

// KindOf returns the Kind of err. Context cancellation maps to KindCancelled;
// anything unclassified is KindInternal.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	if errors.Is(err, context.Canceled) {
		return KindCancelled
	}
	return KindInternal
}

// UserMessage renders err for a client: kind-specific text with paths,
// process ids and stack traces removed.
func UserMessage(err error) string {
	if err == nil {
		return ""
	}
	var e *Error
	if !errors.As(err, &e) {
		if errors.Is(err, context.Canceled) {
			return "the request was cancelled"
		}
		return "internal error"
	}
	msg := e.Message
	if msg == "" {
		msg = defaultMessage(e.Kind)
	}
	if e.Rule != "" {
		msg += " (rule " + e.Rule + ")"
	}
	return Scrub(msg)
}

func defaultMessage(k Kind) string {
	switch k {
	case KindPolicyDenied:
		return "code was rejected by the execution policy"
	case KindSandboxTimeout:
		return "code execution exceeded its time limit"
	case KindSandboxRuntime:
		return "code execution failed"
	case KindModelTransport:
		return "the model provider could not be reached"
	case KindSkillNotFound:
		return "unknown skill"
	case KindLoopBudgetExceeded:
		return "iteration limit reached"
	case KindCancelled:
		return "the request was cancelled"
	case KindInvalidInput:
		return "invalid input"
	default:
		return "internal error"
	}
}
