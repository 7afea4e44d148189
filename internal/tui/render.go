package tui

import (
	"encoding/json"
	"fmt"
	"strings"
)

type wireEvent struct {
	Seq        uint64          `json:"seq"`
	TurnID     string          `json:"turn_id"`
	Type       string          `json:"type"`
	ToolCallID string          `json:"tool_call_id"`
	Data       json.RawMessage `json:"data"`
}

type eventData struct {
	Text      string         `json:"text"`
	Skill     string         `json:"skill"`
	Args      map[string]any `json:"args"`
	Status    string         `json:"status"`
	Kind      string         `json:"kind"`
	Message   string         `json:"message"`
	Rule      string         `json:"rule"`
	Query     string         `json:"query"`
	Completed int            `json:"completed"`
	Requested int            `json:"requested"`
	Error     *struct {
		Kind    string `json:"kind"`
		Message string `json:"message"`
	} `json:"error"`
	Artifacts []struct {
		Name    string `json:"name"`
		Folder  string `json:"folder"`
		Version int    `json:"version"`
	} `json:"artifacts"`
	Citations []struct {
		Title  string `json:"title"`
		Source string `json:"source"`
	} `json:"citations"`
}

const maxArgsLen = 120

// formatEvent turns one event notification into transcript entries. It
// reports whether the event ends the turn.
func formatEvent(raw json.RawMessage) ([]chatEntry, bool) {
	var ev wireEvent
	if err := json.Unmarshal(raw, &ev); err != nil {
		return []chatEntry{{role: chatRoleError, text: "unreadable event: " + err.Error()}}, false
	}
	var d eventData
	if len(ev.Data) > 0 {
		_ = json.Unmarshal(ev.Data, &d)
	}

	switch ev.Type {
	case "text":
		if strings.TrimSpace(d.Text) == "" {
			return nil, false
		}
		return []chatEntry{{role: chatRoleAssistant, text: d.Text}}, false

	case "tool_call":
		args, _ := json.Marshal(d.Args)
		s := string(args)
		if len(s) > maxArgsLen {
			s = s[:maxArgsLen] + "..."
		}
		return []chatEntry{{role: chatRoleTool, text: fmt.Sprintf("-> %s %s", d.Skill, s)}}, false

	case "tool_result":
		if d.Status != "ok" {
			msg := "failed"
			if d.Error != nil {
				msg = d.Error.Kind + ": " + d.Error.Message
			}
			return []chatEntry{{role: chatRoleTool, text: fmt.Sprintf("x %s %s", d.Skill, msg)}}, false
		}
		text := fmt.Sprintf("ok %s", d.Skill)
		for _, a := range d.Artifacts {
			text += fmt.Sprintf("\n     saved %s/%s v%d", a.Folder, a.Name, a.Version)
		}
		return []chatEntry{{role: chatRoleTool, text: text}}, false

	case "retrieval":
		titles := make([]string, 0, len(d.Citations))
		for _, c := range d.Citations {
			titles = append(titles, c.Title)
		}
		return []chatEntry{{role: chatRoleSystem, text: fmt.Sprintf("consulted %d source(s): %s", len(d.Citations), strings.Join(titles, "; "))}}, false

	case "done":
		if d.Kind != "" {
			return []chatEntry{{role: chatRoleSystem, text: "turn stopped: " + d.Kind}}, true
		}
		return nil, true

	case "error":
		text := d.Kind
		if d.Message != "" {
			text += ": " + d.Message
		}
		return []chatEntry{{role: chatRoleError, text: text}}, true

	default:
		// iteration_start and plan_progress only drive the status line.
		return nil, false
	}
}

func formatNotice(raw json.RawMessage) (chatEntry, bool) {
	var n struct {
		Topic   string          `json:"topic"`
		Payload json.RawMessage `json:"payload"`
	}
	if err := json.Unmarshal(raw, &n); err != nil || n.Topic == "" {
		return chatEntry{}, false
	}
	switch n.Topic {
	case "skills.rebuilt", "skills.toggled", "policy.reloaded", "sandbox.capabilities", "session.compressed":
		return chatEntry{role: chatRoleSystem, text: fmt.Sprintf("%s %s", n.Topic, n.Payload)}, true
	default:
		return chatEntry{}, false
	}
}
