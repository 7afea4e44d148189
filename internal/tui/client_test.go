package tui

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
)

// fakeGateway answers system.hello and echo, rejects everything else, and
// pushes one event notification after each echo.
func fakeGateway(t *testing.T) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer secret" {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		conn, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close(websocket.StatusNormalClosure, "")
		for {
			var req struct {
				ID     int64           `json:"id"`
				Method string          `json:"method"`
				Params json.RawMessage `json:"params"`
			}
			if err := wsjson.Read(r.Context(), conn, &req); err != nil {
				return
			}
			switch req.Method {
			case "system.hello":
				_ = wsjson.Write(r.Context(), conn, map[string]any{"jsonrpc": "2.0", "id": req.ID, "result": map[string]any{"protocol": "labclaw"}})
			case "echo":
				_ = wsjson.Write(r.Context(), conn, map[string]any{"jsonrpc": "2.0", "method": "event", "params": map[string]any{"type": "text"}})
				_ = wsjson.Write(r.Context(), conn, map[string]any{"jsonrpc": "2.0", "id": req.ID, "result": req.Params})
			default:
				_ = wsjson.Write(r.Context(), conn, map[string]any{"jsonrpc": "2.0", "id": req.ID, "error": map[string]any{"code": -32601, "message": "method not found"}})
			}
		}
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestClient_CallAndNotifications(t *testing.T) {
	srv := fakeGateway(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	c, err := Dial(ctx, srv.URL, "secret")
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer c.Close()

	var out struct {
		Value string `json:"value"`
	}
	if err := c.Call(ctx, "echo", map[string]any{"value": "hi"}, &out); err != nil {
		t.Fatalf("echo: %v", err)
	}
	if out.Value != "hi" {
		t.Fatalf("expected echo, got %+v", out)
	}
	select {
	case n := <-c.Notifications():
		if n.Method != "event" {
			t.Fatalf("unexpected notification %+v", n)
		}
	case <-ctx.Done():
		t.Fatal("no notification")
	}

	err = c.Call(ctx, "nope", nil, nil)
	var rpcErr *RPCError
	if !errors.As(err, &rpcErr) || rpcErr.Code != -32601 {
		t.Fatalf("expected method not found, got %v", err)
	}
}

func TestDial_RejectsBadToken(t *testing.T) {
	srv := fakeGateway(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if _, err := Dial(ctx, srv.URL, "wrong"); err == nil {
		t.Fatal("expected dial to fail with a bad token")
	}
}

func TestChatModel_CommandsAndEvents(t *testing.T) {
	m := newChatModel(context.Background(), &Client{notes: make(chan Notification)}, "s1")
	next, _ := m.Update(tea.WindowSizeMsg{Width: 80, Height: 24})
	m = next.(chatModel)

	m.input.SetValue("/help")
	next, _ = m.Update(tea.KeyMsg{Type: tea.KeyEnter})
	m = next.(chatModel)
	if last := m.entries[len(m.entries)-1]; last.role != chatRoleSystem || last.text != helpText {
		t.Fatalf("expected help text, got %+v", last)
	}

	m.input.SetValue("/bogus")
	next, _ = m.Update(tea.KeyMsg{Type: tea.KeyEnter})
	m = next.(chatModel)
	if last := m.entries[len(m.entries)-1]; last.role != chatRoleError {
		t.Fatalf("expected error for unknown command, got %+v", last)
	}

	m.input.SetValue("compare groups")
	next, cmd := m.Update(tea.KeyMsg{Type: tea.KeyEnter})
	m = next.(chatModel)
	if !m.busy || cmd == nil {
		t.Fatal("expected a message to start a turn")
	}
	if last := m.entries[len(m.entries)-1]; last.role != chatRoleUser || last.text != "compare groups" {
		t.Fatalf("expected the user entry, got %+v", last)
	}

	next, _ = m.Update(notificationMsg{Method: "event", Params: json.RawMessage(`{"type":"text","data":{"text":"They differ."}}`)})
	m = next.(chatModel)
	if !m.busy {
		t.Fatal("expected the turn to still be running")
	}
	next, _ = m.Update(notificationMsg{Method: "event", Params: json.RawMessage(`{"type":"done","data":{"status":"done"}}`)})
	m = next.(chatModel)
	if m.busy {
		t.Fatal("expected done to end the turn")
	}

	m = m.historyPrev()
	if m.input.Value() != "compare groups" {
		t.Fatalf("expected history recall, got %q", m.input.Value())
	}

	next, _ = m.Update(rpcDoneMsg{err: errors.New("session already has a running turn"), endsTurn: true})
	m = next.(chatModel)
	if last := m.entries[len(m.entries)-1]; last.role != chatRoleError {
		t.Fatalf("expected refused send to show an error, got %+v", last)
	}
}
