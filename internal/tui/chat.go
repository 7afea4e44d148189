// Package tui is the terminal chat client. It talks to a running gateway
// over the WebSocket and renders turn events as they stream in.
package tui

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/spinner"
	"github.com/charmbracelet/bubbles/textinput"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
)

type ChatConfig struct {
	Client *Client
	// SessionID resumes a session; empty creates one.
	SessionID string
	Title     string
}

type chatRole string

const (
	chatRoleUser      chatRole = "user"
	chatRoleAssistant chatRole = "assistant"
	chatRoleTool      chatRole = "tool"
	chatRoleSystem    chatRole = "system"
	chatRoleError     chatRole = "error"
)

type chatEntry struct {
	role chatRole
	text string
}

type notificationMsg Notification

type connClosedMsg struct{ err error }

type rpcDoneMsg struct {
	text string
	err  error
	// endsTurn clears the busy state, used when chat.send is refused.
	endsTurn bool
}

var (
	userStyle      = lipgloss.NewStyle().Foreground(lipgloss.Color("39")).Bold(true)
	assistantStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("252"))
	toolStyle      = lipgloss.NewStyle().Foreground(lipgloss.Color("179"))
	systemStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("240"))
	errorStyle     = lipgloss.NewStyle().Foreground(lipgloss.Color("203"))
	statusStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("244")).Italic(true)
)

const rpcTimeout = 30 * time.Second

type chatModel struct {
	ctx       context.Context
	client    *Client
	sessionID string

	input    textinput.Model
	viewport viewport.Model
	spinner  spinner.Model
	ready    bool

	entries []chatEntry
	busy    bool

	history []string
	histIdx int
}

func newChatModel(ctx context.Context, client *Client, sessionID string) chatModel {
	ti := textinput.New()
	ti.Placeholder = "Ask about your data, or /help"
	ti.Prompt = "> "
	ti.CharLimit = 8000
	ti.Focus()

	sp := spinner.New()
	sp.Spinner = spinner.Dot

	return chatModel{
		ctx:       ctx,
		client:    client,
		sessionID: sessionID,
		input:     ti,
		spinner:   sp,
		entries: []chatEntry{{
			role: chatRoleSystem,
			text: fmt.Sprintf("session %s. Type /help for commands.", sessionID),
		}},
	}
}

// RunChat opens (or creates) a session and runs the chat UI until the
// user quits or the connection drops.
func RunChat(ctx context.Context, cc ChatConfig) error {
	if cc.Client == nil {
		return fmt.Errorf("chat requires a gateway client")
	}
	sessionID := cc.SessionID
	callCtx, cancel := context.WithTimeout(ctx, rpcTimeout)
	defer cancel()
	if sessionID == "" {
		var sess struct {
			ID string `json:"id"`
		}
		if err := cc.Client.Call(callCtx, "session.create", map[string]any{"title": cc.Title}, &sess); err != nil {
			return fmt.Errorf("create session: %w", err)
		}
		sessionID = sess.ID
	} else if err := cc.Client.Call(callCtx, "session.subscribe", map[string]any{"session_id": sessionID}, nil); err != nil {
		return fmt.Errorf("attach to session: %w", err)
	}

	p := tea.NewProgram(newChatModel(ctx, cc.Client, sessionID), tea.WithAltScreen(), tea.WithContext(ctx))
	_, err := p.Run()
	if err != nil && ctx.Err() != nil {
		return nil
	}
	return err
}

func (m chatModel) Init() tea.Cmd {
	return tea.Batch(textinput.Blink, m.spinner.Tick, waitNotification(m.client))
}

func waitNotification(c *Client) tea.Cmd {
	return func() tea.Msg {
		n, ok := <-c.Notifications()
		if !ok {
			return connClosedMsg{err: c.Err()}
		}
		return notificationMsg(n)
	}
}

func (m chatModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	var cmds []tea.Cmd
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		height := msg.Height - 3
		if height < 1 {
			height = 1
		}
		if !m.ready {
			m.viewport = viewport.New(msg.Width, height)
			m.ready = true
		} else {
			m.viewport.Width = msg.Width
			m.viewport.Height = height
		}
		m.input.Width = msg.Width - 4

	case tea.KeyMsg:
		switch msg.Type {
		case tea.KeyCtrlC:
			if m.busy {
				cmds = append(cmds, m.rpc("chat.cancel", map[string]any{"session_id": m.sessionID}, "cancel requested", false))
				break
			}
			return m, tea.Quit
		case tea.KeyEsc:
			if m.busy {
				cmds = append(cmds, m.rpc("chat.cancel", map[string]any{"session_id": m.sessionID}, "cancel requested", false))
			}
		case tea.KeyUp:
			m = m.historyPrev()
		case tea.KeyDown:
			m = m.historyNext()
		case tea.KeyEnter:
			line := strings.TrimSpace(m.input.Value())
			m.input.Reset()
			if line == "" {
				break
			}
			m.history = append(m.history, line)
			m.histIdx = len(m.history)
			if strings.HasPrefix(line, "/") {
				var cmd tea.Cmd
				var quit bool
				m, cmd, quit = m.handleCommand(line)
				if quit {
					return m, tea.Quit
				}
				cmds = append(cmds, cmd)
				break
			}
			if m.busy {
				m.entries = append(m.entries, chatEntry{role: chatRoleSystem, text: "a turn is still running; wait or press Esc to cancel"})
				break
			}
			m.entries = append(m.entries, chatEntry{role: chatRoleUser, text: line})
			m.busy = true
			cmds = append(cmds, m.rpc("chat.send", map[string]any{"session_id": m.sessionID, "message": line}, "", true))
		default:
			var cmd tea.Cmd
			m.input, cmd = m.input.Update(msg)
			cmds = append(cmds, cmd)
		}

	case notificationMsg:
		switch msg.Method {
		case "event":
			entries, terminal := formatEvent(msg.Params)
			m.entries = append(m.entries, entries...)
			if terminal {
				m.busy = false
			}
		case "notice":
			if e, ok := formatNotice(msg.Params); ok {
				m.entries = append(m.entries, e)
			}
		}
		cmds = append(cmds, waitNotification(m.client))

	case rpcDoneMsg:
		if msg.err != nil {
			m.entries = append(m.entries, chatEntry{role: chatRoleError, text: msg.err.Error()})
			if msg.endsTurn {
				m.busy = false
			}
		} else if msg.text != "" {
			m.entries = append(m.entries, chatEntry{role: chatRoleSystem, text: msg.text})
		}

	case connClosedMsg:
		text := "connection closed"
		if msg.err != nil {
			text += ": " + msg.err.Error()
		}
		m.entries = append(m.entries, chatEntry{role: chatRoleError, text: text})
		return m.refresh(), tea.Quit

	case spinner.TickMsg:
		var cmd tea.Cmd
		m.spinner, cmd = m.spinner.Update(msg)
		cmds = append(cmds, cmd)

	default:
		var cmd tea.Cmd
		m.input, cmd = m.input.Update(msg)
		cmds = append(cmds, cmd)
	}
	return m.refresh(), tea.Batch(cmds...)
}

func (m chatModel) refresh() chatModel {
	if !m.ready {
		return m
	}
	m.viewport.SetContent(m.renderHistory())
	m.viewport.GotoBottom()
	return m
}

func (m chatModel) View() string {
	if !m.ready {
		return "connecting..."
	}
	status := statusStyle.Render("session " + m.sessionID)
	if m.busy {
		status = m.spinner.View() + statusStyle.Render(" working (Esc to cancel)")
	}
	return m.viewport.View() + "\n" + status + "\n" + m.input.View()
}

func (m chatModel) renderHistory() string {
	width := m.viewport.Width
	if width <= 0 {
		width = 80
	}
	var b strings.Builder
	for _, e := range m.entries {
		b.WriteString(renderEntry(e, width))
		b.WriteByte('\n')
	}
	return b.String()
}

func renderEntry(e chatEntry, width int) string {
	wrap := lipgloss.NewStyle().Width(width - 2)
	switch e.role {
	case chatRoleUser:
		return userStyle.Render("you: ") + wrap.Render(e.text)
	case chatRoleAssistant:
		return assistantStyle.Inherit(wrap).Render(e.text)
	case chatRoleTool:
		return toolStyle.Render("  " + e.text)
	case chatRoleError:
		return errorStyle.Render("! " + e.text)
	default:
		return systemStyle.Render("· " + e.text)
	}
}

func (m chatModel) historyPrev() chatModel {
	if len(m.history) == 0 || m.histIdx == 0 {
		return m
	}
	m.histIdx--
	m.input.SetValue(m.history[m.histIdx])
	m.input.CursorEnd()
	return m
}

func (m chatModel) historyNext() chatModel {
	if m.histIdx >= len(m.history)-1 {
		m.histIdx = len(m.history)
		m.input.Reset()
		return m
	}
	m.histIdx++
	m.input.SetValue(m.history[m.histIdx])
	m.input.CursorEnd()
	return m
}

// rpc runs a call off the UI goroutine. ok is shown on success when
// non-empty.
func (m chatModel) rpc(method string, params any, ok string, endsTurn bool) tea.Cmd {
	client, parent := m.client, m.ctx
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(parent, rpcTimeout)
		defer cancel()
		err := client.Call(ctx, method, params, nil)
		return rpcDoneMsg{text: ok, err: err, endsTurn: endsTurn}
	}
}

const helpText = `commands:
  /upload <file.csv> [name]   upload a dataset to this session
  /skills                     list skills
  /enable <skill>             enable a skill
  /disable <skill>            disable a skill
  /artifacts                  list artifacts in this session
  /compress                   summarize old turns
  /cancel                     cancel the running turn
  /quit                       leave`

func (m chatModel) handleCommand(line string) (chatModel, tea.Cmd, bool) {
	fields := strings.Fields(line)
	cmd, args := strings.ToLower(fields[0]), fields[1:]
	sid := m.sessionID
	switch cmd {
	case "/quit", "/exit":
		return m, nil, true
	case "/help":
		m.entries = append(m.entries, chatEntry{role: chatRoleSystem, text: helpText})
	case "/cancel":
		return m, m.rpc("chat.cancel", map[string]any{"session_id": sid}, "cancel requested", false), false
	case "/skills":
		return m, m.listSkills(), false
	case "/enable", "/disable":
		if len(args) != 1 {
			m.entries = append(m.entries, chatEntry{role: chatRoleError, text: "usage: " + cmd + " <skill>"})
			break
		}
		enabled := cmd == "/enable"
		return m, m.rpc("skills.set_enabled", map[string]any{"name": args[0], "enabled": enabled},
			fmt.Sprintf("%s %sd", args[0], strings.TrimPrefix(cmd, "/")), false), false
	case "/upload":
		if len(args) < 1 || len(args) > 2 {
			m.entries = append(m.entries, chatEntry{role: chatRoleError, text: "usage: /upload <file.csv> [name]"})
			break
		}
		return m, m.upload(args), false
	case "/artifacts":
		return m, m.listArtifacts(), false
	case "/compress":
		return m, m.compress(), false
	default:
		m.entries = append(m.entries, chatEntry{role: chatRoleError, text: "unknown command " + cmd + "; try /help"})
	}
	return m, nil, false
}

func (m chatModel) upload(args []string) tea.Cmd {
	client, parent, sid := m.client, m.ctx, m.sessionID
	return func() tea.Msg {
		data, err := os.ReadFile(args[0])
		if err != nil {
			return rpcDoneMsg{err: err}
		}
		name := strings.TrimSuffix(filepath.Base(args[0]), filepath.Ext(args[0]))
		if len(args) == 2 {
			name = args[1]
		}
		ctx, cancel := context.WithTimeout(parent, rpcTimeout)
		defer cancel()
		err = client.Call(ctx, "dataset.upload", map[string]any{"session_id": sid, "name": name, "csv": string(data)}, nil)
		return rpcDoneMsg{text: fmt.Sprintf("dataset %q uploaded (%d bytes)", name, len(data)), err: err}
	}
}

func (m chatModel) listSkills() tea.Cmd {
	client, parent := m.client, m.ctx
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(parent, rpcTimeout)
		defer cancel()
		var res struct {
			Skills []struct {
				Name    string `json:"name"`
				Type    string `json:"type"`
				Enabled bool   `json:"enabled"`
			} `json:"skills"`
		}
		if err := client.Call(ctx, "skills.list", nil, &res); err != nil {
			return rpcDoneMsg{err: err}
		}
		var b strings.Builder
		b.WriteString("skills:")
		for _, s := range res.Skills {
			state := "on"
			if !s.Enabled {
				state = "off"
			}
			fmt.Fprintf(&b, "\n  %-24s %-10s %s", s.Name, s.Type, state)
		}
		return rpcDoneMsg{text: b.String()}
	}
}

func (m chatModel) listArtifacts() tea.Cmd {
	client, parent, sid := m.client, m.ctx, m.sessionID
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(parent, rpcTimeout)
		defer cancel()
		var res struct {
			Artifacts []struct {
				ID      string `json:"id"`
				Name    string `json:"name"`
				Folder  string `json:"folder"`
				Version int    `json:"version"`
				Size    int64  `json:"size"`
			} `json:"artifacts"`
		}
		if err := client.Call(ctx, "artifacts.list", map[string]any{"session_id": sid}, &res); err != nil {
			return rpcDoneMsg{err: err}
		}
		if len(res.Artifacts) == 0 {
			return rpcDoneMsg{text: "no artifacts yet"}
		}
		var b strings.Builder
		b.WriteString("artifacts:")
		for _, a := range res.Artifacts {
			fmt.Fprintf(&b, "\n  %s/%s v%d  %d bytes  %s", a.Folder, a.Name, a.Version, a.Size, a.ID)
		}
		return rpcDoneMsg{text: b.String()}
	}
}

func (m chatModel) compress() tea.Cmd {
	client, parent, sid := m.client, m.ctx, m.sessionID
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(parent, 2*rpcTimeout)
		defer cancel()
		var res struct {
			Applied       bool   `json:"applied"`
			Reason        string `json:"reason"`
			ArchivedTurns int    `json:"archived_turns"`
		}
		if err := client.Call(ctx, "session.compress", map[string]any{"session_id": sid}, &res); err != nil {
			return rpcDoneMsg{err: err}
		}
		if !res.Applied {
			return rpcDoneMsg{text: "not compressed: " + res.Reason}
		}
		return rpcDoneMsg{text: fmt.Sprintf("compressed %d earlier turns into the session summary", res.ArchivedTurns)}
	}
}
