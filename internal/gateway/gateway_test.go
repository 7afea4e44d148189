package gateway_test

import (
	"archive/zip"
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/basket/labclaw/internal/bus"
	"github.com/basket/labclaw/internal/engine"
	"github.com/basket/labclaw/internal/events"
	"github.com/basket/labclaw/internal/gateway"
	"github.com/basket/labclaw/internal/persistence"
	"github.com/basket/labclaw/internal/retrieval"
	"github.com/basket/labclaw/internal/skills"
	"github.com/basket/labclaw/internal/skills/builtin"
	"github.com/basket/labclaw/internal/workspace"
	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
)

// scriptModel answers with the scripted responses in order, then "done".
type scriptModel struct {
	mu    sync.Mutex
	steps []*engine.ModelResponse
	calls int
}

func (m *scriptModel) Generate(ctx context.Context, _ engine.ModelRequest) (*engine.ModelResponse, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	i := m.calls
	m.calls++
	if i < len(m.steps) {
		return m.steps[i], nil
	}
	return &engine.ModelResponse{Text: "done"}, nil
}

func toolCall(name string, args map[string]any) *engine.ModelResponse {
	return &engine.ModelResponse{ToolCalls: []engine.ToolCall{{Name: name, Args: args}}}
}

type recordingIndexer struct {
	mu   sync.Mutex
	docs []retrieval.Document
}

func (r *recordingIndexer) Index(_ context.Context, doc retrieval.Document) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.docs = append(r.docs, doc)
	return nil
}

func (r *recordingIndexer) all() []retrieval.Document {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]retrieval.Document(nil), r.docs...)
}

type testEnv struct {
	srv     *httptest.Server
	gw      *gateway.Server
	store   *persistence.Store
	ws      *workspace.Store
	reg     *skills.Registry
	bus     *bus.Bus
	indexer *recordingIndexer
}

type envOptions struct {
	authToken string
	steps     []*engine.ModelResponse
	extra     []skills.Structured
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestEnv(t *testing.T, opts envOptions) *testEnv {
	t.Helper()
	ctx := context.Background()
	dir := t.TempDir()
	store, err := persistence.Open(filepath.Join(dir, "labclaw.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	ws, err := workspace.Open(ctx, workspace.Config{Root: filepath.Join(dir, "workspace")})
	if err != nil {
		t.Fatalf("open workspace: %v", err)
	}
	t.Cleanup(func() { _ = ws.Close() })

	reg, err := skills.NewRegistry(skills.Options{Logger: quietLogger()})
	if err != nil {
		t.Fatalf("new registry: %v", err)
	}
	for _, s := range opts.extra {
		if err := reg.Register(s); err != nil {
			t.Fatalf("register %s: %v", s.Name, err)
		}
	}
	if err := builtin.Register(ctx, reg, builtin.Deps{Workspace: ws, Logger: quietLogger()}); err != nil {
		t.Fatalf("register builtins: %v", err)
	}

	mux := events.New(events.Config{Logger: quietLogger()})
	b := bus.New()
	model := &scriptModel{steps: opts.steps}
	orch, err := engine.NewOrchestrator(engine.Deps{
		Store:  store,
		Model:  model,
		Skills: reg,
		Events: mux,
		Logger: quietLogger(),
	}, engine.Config{MaxIterations: 4, ToolTimeout: 10 * time.Second})
	if err != nil {
		t.Fatalf("new orchestrator: %v", err)
	}
	compactor := engine.NewCompactor(store, model, b, engine.CompactorConfig{}, quietLogger())
	eng := engine.New(orch, nil, quietLogger())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = eng.Shutdown(ctx)
	})

	indexer := &recordingIndexer{}
	gw, err := gateway.New(gateway.Config{
		Engine:            eng,
		Store:             store,
		Workspace:         ws,
		Skills:            reg,
		Events:            mux,
		Bus:               b,
		Compactor:         compactor,
		Retrieval:         indexer,
		AuthToken:         opts.authToken,
		ConfigFingerprint: "cfg-test",
		Logger:            quietLogger(),
	})
	if err != nil {
		t.Fatalf("new gateway: %v", err)
	}
	srv := httptest.NewServer(gw.Handler())
	t.Cleanup(srv.Close)
	return &testEnv{srv: srv, gw: gw, store: store, ws: ws, reg: reg, bus: b, indexer: indexer}
}

type rpcResp struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      any             `json:"id,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *rpcErr         `json:"error,omitempty"`
	Method  string          `json:"method,omitempty"`
	Params  json.RawMessage `json:"params,omitempty"`
}

type rpcErr struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Kind    string `json:"kind"`
}

type wireEvent struct {
	Seq        uint64          `json:"seq"`
	SessionID  string          `json:"session_id"`
	TurnID     string          `json:"turn_id"`
	Type       events.Type     `json:"type"`
	ToolCallID string          `json:"tool_call_id"`
	Data       json.RawMessage `json:"data"`
}

// wsClient keeps notifications that arrive while waiting for a response.
type wsClient struct {
	t       *testing.T
	conn    *websocket.Conn
	nextID  int
	pending []rpcResp
}

func dial(t *testing.T, env *testEnv, token string) *wsClient {
	t.Helper()
	conn, err := dialWS(env, token)
	if err != nil {
		t.Fatalf("websocket dial: %v", err)
	}
	t.Cleanup(func() { _ = conn.Close(websocket.StatusNormalClosure, "test done") })
	return &wsClient{t: t, conn: conn}
}

func dialWS(env *testEnv, token string) (*websocket.Conn, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	opts := &websocket.DialOptions{}
	if token != "" {
		opts.HTTPHeader = http.Header{"Authorization": []string{"Bearer " + token}}
	}
	conn, _, err := websocket.Dial(ctx, "ws"+strings.TrimPrefix(env.srv.URL, "http")+"/ws", opts)
	return conn, err
}

func (c *wsClient) read() rpcResp {
	c.t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	var resp rpcResp
	if err := wsjson.Read(ctx, c.conn, &resp); err != nil {
		c.t.Fatalf("read: %v", err)
	}
	return resp
}

func (c *wsClient) call(method string, params any) rpcResp {
	c.t.Helper()
	c.nextID++
	id := c.nextID
	req := map[string]any{"jsonrpc": "2.0", "id": id, "method": method}
	if params != nil {
		req["params"] = params
	}
	if err := wsjson.Write(context.Background(), c.conn, req); err != nil {
		c.t.Fatalf("write %s: %v", method, err)
	}
	for {
		resp := c.read()
		if resp.Method != "" {
			c.pending = append(c.pending, resp)
			continue
		}
		if n, ok := resp.ID.(float64); ok && int(n) == id {
			return resp
		}
		c.t.Fatalf("unexpected response %+v while waiting for id %d", resp, id)
	}
}

func (c *wsClient) hello() {
	c.t.Helper()
	if resp := c.call("system.hello", map[string]any{"version": "1.0"}); resp.Error != nil {
		c.t.Fatalf("hello: %+v", resp.Error)
	}
}

func (c *wsClient) createSession() string {
	c.t.Helper()
	resp := c.call("session.create", map[string]any{"title": "analysis"})
	if resp.Error != nil {
		c.t.Fatalf("session.create: %+v", resp.Error)
	}
	var sess struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(resp.Result, &sess); err != nil || sess.ID == "" {
		c.t.Fatalf("decode session: %v (%s)", err, resp.Result)
	}
	return sess.ID
}

// nextNotification returns the next notification with the given method.
func (c *wsClient) nextNotification(method string) rpcResp {
	c.t.Helper()
	for i, n := range c.pending {
		if n.Method == method {
			c.pending = append(c.pending[:i], c.pending[i+1:]...)
			return n
		}
	}
	for {
		resp := c.read()
		if resp.Method == method {
			return resp
		}
		if resp.Method != "" {
			c.pending = append(c.pending, resp)
		}
	}
}

// eventsUntil collects event notifications until one matches stop.
func (c *wsClient) eventsUntil(stop func(wireEvent) bool) []wireEvent {
	c.t.Helper()
	var out []wireEvent
	for {
		n := c.nextNotification("event")
		var ev wireEvent
		if err := json.Unmarshal(n.Params, &ev); err != nil {
			c.t.Fatalf("decode event: %v", err)
		}
		out = append(out, ev)
		if stop(ev) {
			return out
		}
	}
}

func terminal(ev wireEvent) bool { return ev.Type.Terminal() }

func eventTypes(evs []wireEvent) []events.Type {
	out := make([]events.Type, len(evs))
	for i, ev := range evs {
		out[i] = ev.Type
	}
	return out
}

const scoresCSV = "a,b\n1,2\n2,4\n3,6\n4,8\n5,10\n"

func TestGateway_ChatStreamsTurnEvents(t *testing.T) {
	env := newTestEnv(t, envOptions{steps: []*engine.ModelResponse{
		toolCall("t_test", map[string]any{"dataset": "scores", "column_a": "a", "column_b": "b"}),
		{Text: "The difference is not significant."},
	}})
	c := dial(t, env, "")
	c.hello()
	sessionID := c.createSession()

	if resp := c.call("dataset.upload", map[string]any{"session_id": sessionID, "name": "scores", "csv": scoresCSV}); resp.Error != nil {
		t.Fatalf("dataset.upload: %+v", resp.Error)
	}
	docs := env.indexer.all()
	if len(docs) != 1 || docs[0].SessionID != sessionID || !strings.Contains(docs[0].Text, "5 rows and 2 columns") {
		t.Fatalf("expected one indexed dataset summary, got %+v", docs)
	}

	resp := c.call("chat.send", map[string]any{"session_id": sessionID, "message": "Is a different from b?"})
	if resp.Error != nil {
		t.Fatalf("chat.send: %+v", resp.Error)
	}
	if !strings.Contains(string(resp.Result), `"accepted":true`) {
		t.Fatalf("expected accepted result, got %s", resp.Result)
	}

	evs := c.eventsUntil(terminal)
	want := []events.Type{
		events.TypeIterationStart, events.TypeToolCall, events.TypeToolResult, events.TypePlanProgress,
		events.TypeIterationStart, events.TypeText, events.TypeDone,
	}
	got := eventTypes(evs)
	if len(got) != len(want) {
		t.Fatalf("expected events %v, got %v", want, got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("expected events %v, got %v", want, got)
		}
	}
	for i := 1; i < len(evs); i++ {
		if evs[i].Seq != evs[i-1].Seq+1 {
			t.Fatalf("expected consecutive seq, got %d after %d", evs[i].Seq, evs[i-1].Seq)
		}
	}
	if evs[1].ToolCallID == "" || evs[1].ToolCallID != evs[2].ToolCallID {
		t.Fatalf("expected paired tool_call_id, got %q and %q", evs[1].ToolCallID, evs[2].ToolCallID)
	}
	var result struct {
		Status string `json:"status"`
	}
	if err := json.Unmarshal(evs[2].Data, &result); err != nil || result.Status != "ok" {
		t.Fatalf("expected ok tool result, got %s (%v)", evs[2].Data, err)
	}

	hist := c.call("session.history", map[string]any{"session_id": sessionID})
	if hist.Error != nil || !strings.Contains(string(hist.Result), "The difference is not significant.") {
		t.Fatalf("expected history with final text, got %+v %s", hist.Error, hist.Result)
	}
}

func TestGateway_MutatingRequiresHandshake(t *testing.T) {
	env := newTestEnv(t, envOptions{})
	c := dial(t, env, "")

	resp := c.call("session.create", map[string]any{"title": "x"})
	if resp.Error == nil || resp.Error.Code != gateway.ErrCodeInvalidRequest {
		t.Fatalf("expected handshake error, got %+v", resp)
	}
	// Read-only methods work before the handshake.
	if resp := c.call("skills.list", nil); resp.Error != nil {
		t.Fatalf("skills.list: %+v", resp.Error)
	}
	c.hello()
	if resp := c.call("session.create", map[string]any{"title": "x"}); resp.Error != nil {
		t.Fatalf("session.create after hello: %+v", resp.Error)
	}
}

func TestGateway_InvalidRequests(t *testing.T) {
	env := newTestEnv(t, envOptions{})
	c := dial(t, env, "")
	c.hello()
	sessionID := c.createSession()

	tests := []struct {
		name   string
		method string
		params any
		code   int
	}{
		{"unknown method", "no.such.method", nil, gateway.ErrCodeMethodNotFound},
		{"empty message", "chat.send", map[string]any{"session_id": sessionID, "message": "  "}, gateway.ErrCodeInvalid},
		{"missing session id", "chat.send", map[string]any{"message": "hi"}, gateway.ErrCodeInvalidParams},
		{"unknown session", "chat.send", map[string]any{"session_id": "nope", "message": "hi"}, gateway.ErrCodeNotFound},
		{"malformed params", "chat.cancel", []int{1}, gateway.ErrCodeInvalidParams},
		{"unknown skill", "skills.set_enabled", map[string]any{"name": "nope", "enabled": true}, gateway.ErrCodeNotFound},
		{"bad dataset name", "dataset.upload", map[string]any{"session_id": sessionID, "name": "../x", "csv": scoresCSV}, gateway.ErrCodeInvalid},
		{"unknown artifact", "artifacts.package", map[string]any{"ids": []string{"missing"}}, gateway.ErrCodeNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c.t = t
			resp := c.call(tt.method, tt.params)
			if resp.Error == nil || resp.Error.Code != tt.code {
				t.Fatalf("expected error code %d, got %+v", tt.code, resp)
			}
		})
	}

	c.t = t
	if err := wsjson.Write(context.Background(), c.conn, map[string]any{"jsonrpc": "1.0", "id": 99, "method": "skills.list"}); err != nil {
		t.Fatalf("write: %v", err)
	}
	if resp := c.read(); resp.Error == nil || resp.Error.Code != gateway.ErrCodeInvalidRequest {
		t.Fatalf("expected invalid request, got %+v", resp)
	}
	if err := c.conn.Write(context.Background(), websocket.MessageText, []byte("{not json")); err != nil {
		t.Fatalf("write: %v", err)
	}
	if resp := c.read(); resp.Error == nil || resp.Error.Code != gateway.ErrCodeParse {
		t.Fatalf("expected parse error, got %+v", resp)
	}
}

func TestGateway_CancelAndBusy(t *testing.T) {
	started := make(chan struct{})
	blocking := skills.Structured{
		Name:        "wait_for_data",
		Description: "blocks until cancelled",
		Capability:  skills.CapCompute,
		Schema:      json.RawMessage(`{"type":"object"}`),
		Handler: func(ctx context.Context, _ map[string]any) (skills.Output, error) {
			close(started)
			<-ctx.Done()
			return skills.Output{}, ctx.Err()
		},
	}
	env := newTestEnv(t, envOptions{
		steps: []*engine.ModelResponse{toolCall("wait_for_data", map[string]any{})},
		extra: []skills.Structured{blocking},
	})
	c := dial(t, env, "")
	c.hello()
	sessionID := c.createSession()

	if resp := c.call("chat.send", map[string]any{"session_id": sessionID, "message": "go"}); resp.Error != nil {
		t.Fatalf("chat.send: %+v", resp.Error)
	}
	select {
	case <-started:
	case <-time.After(5 * time.Second):
		t.Fatal("tool never started")
	}

	resp := c.call("chat.send", map[string]any{"session_id": sessionID, "message": "again"})
	if resp.Error == nil || resp.Error.Code != gateway.ErrCodeBusy {
		t.Fatalf("expected busy error, got %+v", resp)
	}

	resp = c.call("chat.cancel", map[string]any{"session_id": sessionID})
	if resp.Error != nil || !strings.Contains(string(resp.Result), `"cancelled":true`) {
		t.Fatalf("expected cancelled, got %+v %s", resp.Error, resp.Result)
	}

	evs := c.eventsUntil(terminal)
	last := evs[len(evs)-1]
	if last.Type != events.TypeError {
		t.Fatalf("expected terminal error event, got %v", eventTypes(evs))
	}
	var data struct {
		Kind string `json:"kind"`
	}
	if err := json.Unmarshal(last.Data, &data); err != nil || data.Kind != "Cancelled" {
		t.Fatalf("expected Cancelled kind, got %s", last.Data)
	}
	var sawResult bool
	for _, ev := range evs {
		if ev.Type == events.TypeToolResult {
			sawResult = true
		}
	}
	if !sawResult {
		t.Fatalf("expected the interrupted call to still get a tool_result, got %v", eventTypes(evs))
	}
}

func TestGateway_SkillToggleNoticeAndREST(t *testing.T) {
	env := newTestEnv(t, envOptions{})
	c := dial(t, env, "")
	c.hello()

	resp := c.call("skills.set_enabled", map[string]any{"name": "t_test", "enabled": false})
	if resp.Error != nil {
		t.Fatalf("skills.set_enabled: %+v", resp.Error)
	}
	n := c.nextNotification("notice")
	var notice struct {
		Topic   string `json:"topic"`
		Payload struct {
			Name    string `json:"name"`
			Enabled bool   `json:"enabled"`
		} `json:"payload"`
	}
	if err := json.Unmarshal(n.Params, &notice); err != nil {
		t.Fatalf("decode notice: %v", err)
	}
	if notice.Topic != bus.TopicSkillToggled || notice.Payload.Name != "t_test" || notice.Payload.Enabled {
		t.Fatalf("unexpected notice %+v", notice)
	}

	res, err := http.Get(env.srv.URL + "/api/skills")
	if err != nil {
		t.Fatalf("get skills: %v", err)
	}
	defer res.Body.Close()
	var list []struct {
		Name     string `json:"name"`
		Type     string `json:"type"`
		Location string `json:"location"`
		Enabled  bool   `json:"enabled"`
	}
	if err := json.NewDecoder(res.Body).Decode(&list); err != nil {
		t.Fatalf("decode skills: %v", err)
	}
	found := false
	for _, s := range list {
		if s.Name == "t_test" {
			found = true
			if s.Enabled || s.Type != "structured" {
				t.Fatalf("expected disabled structured t_test, got %+v", s)
			}
		}
	}
	if !found {
		t.Fatalf("t_test missing from %+v", list)
	}
}

func TestGateway_AuthRequired(t *testing.T) {
	const token = "gateway-test-token"
	env := newTestEnv(t, envOptions{authToken: token})

	if _, err := dialWS(env, ""); err == nil {
		t.Fatal("expected dial without token to fail")
	}
	if _, err := dialWS(env, "wrong"); err == nil {
		t.Fatal("expected dial with a wrong token to fail")
	}
	c := dial(t, env, token)
	c.hello()

	res, err := http.Get(env.srv.URL + "/api/skills")
	if err != nil {
		t.Fatalf("get skills: %v", err)
	}
	res.Body.Close()
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", res.StatusCode)
	}
	res, err = http.Get(env.srv.URL + "/api/skills?access_token=" + token)
	if err != nil {
		t.Fatalf("get skills: %v", err)
	}
	res.Body.Close()
	if res.StatusCode != http.StatusOK {
		t.Fatalf("expected 200 with query token, got %d", res.StatusCode)
	}
	res, err = http.Get(env.srv.URL + "/healthz")
	if err != nil {
		t.Fatalf("healthz: %v", err)
	}
	res.Body.Close()
	if res.StatusCode != http.StatusOK {
		t.Fatalf("expected open healthz, got %d", res.StatusCode)
	}
}

func TestGateway_SSEStreamsEvents(t *testing.T) {
	env := newTestEnv(t, envOptions{})
	sess, err := env.store.CreateSession(context.Background(), "sse")
	if err != nil {
		t.Fatalf("create session: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	req, _ := http.NewRequestWithContext(ctx, http.MethodGet, env.srv.URL+"/api/sessions/"+sess.ID+"/events", nil)
	res, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("open sse: %v", err)
	}
	defer res.Body.Close()
	if ct := res.Header.Get("Content-Type"); ct != "text/event-stream" {
		t.Fatalf("expected event stream, got %q", ct)
	}

	// The SSE consumer owns the session; chat.send still runs the turn.
	c := dial(t, env, "")
	c.hello()
	if resp := c.call("chat.send", map[string]any{"session_id": sess.ID, "message": "hello"}); resp.Error != nil {
		t.Fatalf("chat.send: %+v", resp.Error)
	}

	var kinds []string
	sc := bufio.NewScanner(res.Body)
	for sc.Scan() {
		line := sc.Text()
		if kind, ok := strings.CutPrefix(line, "event: "); ok {
			kinds = append(kinds, kind)
			if kind == string(events.TypeDone) {
				break
			}
		}
	}
	want := []string{"iteration_start", "text", "done"}
	if strings.Join(kinds, ",") != strings.Join(want, ",") {
		t.Fatalf("expected sse events %v, got %v (scan err %v)", want, kinds, sc.Err())
	}

	second, err := http.Get(env.srv.URL + "/api/sessions/" + sess.ID + "/events")
	if err != nil {
		t.Fatalf("second sse: %v", err)
	}
	second.Body.Close()
	if second.StatusCode != http.StatusConflict {
		t.Fatalf("expected 409 for a second consumer, got %d", second.StatusCode)
	}
}

func TestGateway_ArtifactsVersionsAndPackage(t *testing.T) {
	env := newTestEnv(t, envOptions{})
	c := dial(t, env, "")
	c.hello()
	sessionID := c.createSession()

	var ids []string
	for _, body := range []string{"v1", "v2"} {
		a, err := env.ws.Put(context.Background(), workspace.ArtifactInput{
			SessionID: sessionID, Name: "summary.txt", MIME: "text/plain", ToolCallID: "call-1", Content: []byte(body),
		})
		if err != nil {
			t.Fatalf("put artifact: %v", err)
		}
		ids = append(ids, a.ID)
	}

	resp := c.call("artifacts.versions", map[string]any{"session_id": sessionID, "name": "summary.txt"})
	if resp.Error != nil {
		t.Fatalf("artifacts.versions: %+v", resp.Error)
	}
	var versions struct {
		Versions []workspace.Artifact `json:"versions"`
	}
	if err := json.Unmarshal(resp.Result, &versions); err != nil || len(versions.Versions) != 2 {
		t.Fatalf("expected 2 versions, got %s (%v)", resp.Result, err)
	}

	resp = c.call("artifacts.package", map[string]any{"ids": ids})
	if resp.Error != nil {
		t.Fatalf("artifacts.package: %+v", resp.Error)
	}
	var pkg struct {
		Filename string `json:"filename"`
		Data     []byte `json:"data"`
	}
	if err := json.Unmarshal(resp.Result, &pkg); err != nil {
		t.Fatalf("decode package: %v", err)
	}
	zr, err := zip.NewReader(bytes.NewReader(pkg.Data), int64(len(pkg.Data)))
	if err != nil {
		t.Fatalf("open zip: %v", err)
	}
	names := map[string]bool{}
	for _, f := range zr.File {
		names[f.Name] = true
	}
	if len(zr.File) != 3 || !names["manifest.json"] {
		t.Fatalf("expected two artifacts plus manifest, got %v", names)
	}

	res, err := http.Get(env.srv.URL + "/api/artifacts/" + ids[1])
	if err != nil {
		t.Fatalf("get artifact: %v", err)
	}
	defer res.Body.Close()
	body, _ := io.ReadAll(res.Body)
	if res.StatusCode != http.StatusOK || string(body) != "v2" || res.Header.Get("X-Artifact-Version") != "2" {
		t.Fatalf("unexpected artifact response %d %q %q", res.StatusCode, body, res.Header.Get("X-Artifact-Version"))
	}
}

func TestGateway_CompressBelowThresholdIsRejected(t *testing.T) {
	env := newTestEnv(t, envOptions{})
	c := dial(t, env, "")
	c.hello()
	sessionID := c.createSession()

	before, err := env.store.TurnLogChecksum(context.Background(), sessionID)
	if err != nil {
		t.Fatalf("checksum: %v", err)
	}
	resp := c.call("session.compress", map[string]any{"session_id": sessionID})
	if resp.Error != nil {
		t.Fatalf("session.compress: %+v", resp.Error)
	}
	var res persistence.CompressResult
	if err := json.Unmarshal(resp.Result, &res); err != nil {
		t.Fatalf("decode result: %v", err)
	}
	if res.Applied || res.Reason == "" {
		t.Fatalf("expected rejected compression with a reason, got %+v", res)
	}
	after, err := env.store.TurnLogChecksum(context.Background(), sessionID)
	if err != nil {
		t.Fatalf("checksum: %v", err)
	}
	if before != after {
		t.Fatal("expected rejected compression to leave the session untouched")
	}
}

func TestGateway_Healthz(t *testing.T) {
	env := newTestEnv(t, envOptions{})
	res, err := http.Get(env.srv.URL + "/healthz")
	if err != nil {
		t.Fatalf("healthz: %v", err)
	}
	defer res.Body.Close()
	var body map[string]any
	if err := json.NewDecoder(res.Body).Decode(&body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if res.StatusCode != http.StatusOK || body["healthy"] != true {
		t.Fatalf("expected healthy, got %d %v", res.StatusCode, body)
	}
}
