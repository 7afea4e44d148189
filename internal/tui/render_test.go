package tui

import (
	"encoding/json"
	"strings"
	"testing"
)

func TestFormatEvent(t *testing.T) {
	tests := []struct {
		name     string
		event    string
		role     chatRole
		contains string
		terminal bool
	}{
		{"text", `{"type":"text","data":{"text":"p = 0.108"}}`, chatRoleAssistant, "p = 0.108", false},
		{"tool call", `{"type":"tool_call","tool_call_id":"c1","data":{"skill":"t_test","args":{"dataset":"scores"}}}`, chatRoleTool, `-> t_test {"dataset":"scores"}`, false},
		{"tool ok", `{"type":"tool_result","data":{"skill":"run_python","status":"ok","artifacts":[{"name":"plot.png","folder":"figures","version":2}]}}`, chatRoleTool, "saved figures/plot.png v2", false},
		{"tool error", `{"type":"tool_result","data":{"skill":"run_python","status":"error","error":{"kind":"PolicyDenied","message":"import blocked"}}}`, chatRoleTool, "x run_python PolicyDenied: import blocked", false},
		{"retrieval", `{"type":"retrieval","data":{"citations":[{"title":"Methods"},{"title":"Notes"}]}}`, chatRoleSystem, "consulted 2 source(s): Methods; Notes", false},
		{"done with kind", `{"type":"done","data":{"status":"done","kind":"LoopBudgetExceeded"}}`, chatRoleSystem, "LoopBudgetExceeded", true},
		{"error", `{"type":"error","data":{"kind":"Cancelled","message":"the request was cancelled"}}`, chatRoleError, "Cancelled: the request was cancelled", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			entries, terminal := formatEvent(json.RawMessage(tt.event))
			if terminal != tt.terminal {
				t.Fatalf("expected terminal=%v, got %v", tt.terminal, terminal)
			}
			if len(entries) != 1 {
				t.Fatalf("expected one entry, got %+v", entries)
			}
			if entries[0].role != tt.role || !strings.Contains(entries[0].text, tt.contains) {
				t.Fatalf("expected %s entry containing %q, got %+v", tt.role, tt.contains, entries[0])
			}
		})
	}
}

func TestFormatEvent_SilentTypes(t *testing.T) {
	for _, raw := range []string{
		`{"type":"iteration_start","data":{"iteration":1}}`,
		`{"type":"plan_progress","data":{"completed":1,"requested":1}}`,
		`{"type":"text","data":{"text":"  "}}`,
	} {
		entries, terminal := formatEvent(json.RawMessage(raw))
		if len(entries) != 0 || terminal {
			t.Fatalf("expected %s to render nothing, got %+v %v", raw, entries, terminal)
		}
	}
	entries, terminal := formatEvent(json.RawMessage(`{"type":"done","data":{"status":"done"}}`))
	if len(entries) != 0 || !terminal {
		t.Fatalf("expected a plain done to end the turn silently, got %+v %v", entries, terminal)
	}
}

func TestFormatEvent_TruncatesLongArgs(t *testing.T) {
	code := strings.Repeat("x", 500)
	raw, _ := json.Marshal(map[string]any{"type": "tool_call", "data": map[string]any{"skill": "run_python", "args": map[string]any{"code": code}}})
	entries, _ := formatEvent(raw)
	if len(entries) != 1 || !strings.HasSuffix(entries[0].text, "...") || len(entries[0].text) > maxArgsLen+40 {
		t.Fatalf("expected truncated args, got %q", entries[0].text)
	}
}

func TestFormatNotice(t *testing.T) {
	e, ok := formatNotice(json.RawMessage(`{"topic":"skills.toggled","payload":{"name":"t_test","enabled":false}}`))
	if !ok || !strings.Contains(e.text, "skills.toggled") || !strings.Contains(e.text, "t_test") {
		t.Fatalf("unexpected notice entry %+v %v", e, ok)
	}
	if _, ok := formatNotice(json.RawMessage(`{"topic":"workspace.swept","payload":{}}`)); ok {
		t.Fatal("expected sweep notices to stay quiet")
	}
}
