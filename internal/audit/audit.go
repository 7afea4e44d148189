// Package audit appends execution policy decisions and skill dispatches to
// an append-only JSONL log.
package audit

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/basket/labclaw/internal/shared"
)

type entry struct {
	Timestamp     string `json:"timestamp"`
	Decision      string `json:"decision"`
	Action        string `json:"action"`
	Rule          string `json:"rule,omitempty"`
	Reason        string `json:"reason"`
	PolicyVersion string `json:"policy_version"`
	SessionID     string `json:"session_id,omitempty"`
	TurnID        string `json:"turn_id,omitempty"`
	ToolCallID    string `json:"tool_call_id,omitempty"`
}

var (
	mu        sync.Mutex
	file      *os.File
	denyCount atomic.Int64
)

func Init(homeDir string) error {
	mu.Lock()
	defer mu.Unlock()
	if file != nil {
		return nil
	}
	logDir := filepath.Join(homeDir, "logs")
	if err := os.MkdirAll(logDir, 0o755); err != nil {
		return err
	}
	f, err := os.OpenFile(filepath.Join(logDir, "audit.jsonl"), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	file = f
	return nil
}

func Close() error {
	mu.Lock()
	defer mu.Unlock()
	if file == nil {
		return nil
	}
	err := file.Close()
	file = nil
	return err
}

// DenyCount returns the total number of deny decisions since startup.
func DenyCount() int64 {
	return denyCount.Load()
}

// Record appends one decision. Correlation ids are taken from ctx.
// Without Init the entry is counted but not written.
func Record(ctx context.Context, decision, action, rule, reason, policyVersion string) {
	if decision == "deny" {
		denyCount.Add(1)
	}

	ev := entry{
		Timestamp:     time.Now().UTC().Format(time.RFC3339Nano),
		Decision:      decision,
		Action:        action,
		Rule:          rule,
		Reason:        shared.Redact(reason),
		PolicyVersion: policyVersion,
		SessionID:     shared.SessionID(ctx),
		TurnID:        shared.TurnID(ctx),
		ToolCallID:    shared.ToolCallID(ctx),
	}
	b, err := json.Marshal(ev)
	if err != nil {
		return
	}

	mu.Lock()
	defer mu.Unlock()
	if file != nil {
		_, _ = file.Write(append(b, '\n'))
	}
}
