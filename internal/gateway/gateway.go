package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"

	"github.com/basket/labclaw/internal/bus"
	"github.com/basket/labclaw/internal/engine"
	"github.com/basket/labclaw/internal/events"
	"github.com/basket/labclaw/internal/persistence"
	"github.com/basket/labclaw/internal/policy"
	"github.com/basket/labclaw/internal/retrieval"
	"github.com/basket/labclaw/internal/shared"
	"github.com/basket/labclaw/internal/skills"
	"github.com/basket/labclaw/internal/workspace"
	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
)

const (
	ErrCodeParse          = -32700
	ErrCodeInvalidRequest = -32600
	ErrCodeMethodNotFound = -32601
	ErrCodeInvalidParams  = -32602
	ErrCodeInternal       = -32603

	// Application error codes.
	ErrCodeInvalid      = 1000
	ErrCodeNotFound     = 1004
	ErrCodePolicyDenied = 4030
	ErrCodeBusy         = 4090
	ErrCodeRateLimited  = 4290
	ErrCodeUnavailable  = 5030

	maxMessageBytes = 32 << 20
	chatBurst       = 5
)

// TurnRunner is the engine surface the gateway drives.
type TurnRunner interface {
	Submit(ctx context.Context, sessionID, message string) (engine.TurnOutcome, error)
	Cancel(sessionID string) bool
	Busy(sessionID string) bool
	Status() engine.Status
}

type Compactor interface {
	Compact(ctx context.Context, sessionID string, threshold, keepRecent int) (persistence.CompressResult, error)
}

type Indexer interface {
	Index(ctx context.Context, doc retrieval.Document) error
}

type Config struct {
	Engine    TurnRunner
	Store     *persistence.Store
	Workspace *workspace.Store
	Skills    *skills.Registry
	Events    *events.Multiplexer
	Bus       *bus.Bus

	// Optional collaborators.
	Compactor Compactor
	Retrieval Indexer
	Policy    policy.Checker

	AuthToken string
	// AllowOrigins controls accepted Origin headers for browser clients.
	// Empty means same-origin only.
	AllowOrigins      []string
	ConfigFingerprint string

	// CompressThreshold is the live-message threshold session.compress
	// uses when the caller gives none.
	CompressThreshold int
	// ChatPerMinute limits chat.send per connection; zero disables.
	ChatPerMinute int

	Logger *slog.Logger
}

type Server struct {
	cfg    Config
	logger *slog.Logger

	clientsMu sync.RWMutex
	clients   map[*client]struct{}

	turns sync.WaitGroup
}

type client struct {
	id      uint64
	conn    *websocket.Conn
	ctx     context.Context
	limiter *tokenBucket

	writeMu    sync.Mutex
	handshaken atomic.Bool

	streamsMu sync.Mutex
	streams   map[string]*events.Stream
	busSub    *bus.Subscription
}

type rpcRequest struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id,omitempty"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
}

type rpcResponse struct {
	JSONRPC string    `json:"jsonrpc"`
	ID      any       `json:"id,omitempty"`
	Result  any       `json:"result,omitempty"`
	Error   *rpcError `json:"error,omitempty"`
	Method  string    `json:"method,omitempty"`
	Params  any       `json:"params,omitempty"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Kind    string `json:"kind,omitempty"`
}

var clientSeq atomic.Uint64

func New(cfg Config) (*Server, error) {
	if cfg.Engine == nil || cfg.Store == nil || cfg.Workspace == nil || cfg.Skills == nil || cfg.Events == nil {
		return nil, errors.New("gateway requires engine, store, workspace, skills and events")
	}
	if cfg.CompressThreshold <= 0 {
		cfg.CompressThreshold = 8
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		cfg:     cfg,
		logger:  logger,
		clients: map[*client]struct{}{},
	}, nil
}

func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleWS)
	mux.HandleFunc("GET /healthz", s.handleHealthz)
	mux.HandleFunc("GET /api/skills", s.handleAPISkills)
	mux.HandleFunc("GET /api/sessions", s.handleAPISessions)
	mux.HandleFunc("GET /api/sessions/{id}/history", s.handleAPIHistory)
	mux.HandleFunc("GET /api/sessions/{id}/events", s.handleSessionEvents)
	mux.HandleFunc("GET /api/artifacts/{id}", s.handleAPIArtifact)
	return limitBody(maxMessageBytes, withCORS(s.cfg.AllowOrigins, s.requireAuth(mux)))
}

// Wait blocks until every turn started through chat.send has returned.
func (s *Server) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		s.turns.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		// Same-origin requests are always allowed by the websocket library.
		OriginPatterns: s.cfg.AllowOrigins,
	})
	if err != nil {
		return
	}
	conn.SetReadLimit(maxMessageBytes)

	ctx, cancel := context.WithCancel(r.Context())
	c := &client{
		id:      clientSeq.Add(1),
		conn:    conn,
		ctx:     ctx,
		streams: map[string]*events.Stream{},
	}
	if s.cfg.ChatPerMinute > 0 {
		c.limiter = newTokenBucket(s.cfg.ChatPerMinute, chatBurst)
	}
	s.addClient(c)
	s.logger.Info("ws: client connected", "client", c.id)
	defer func() {
		cancel()
		s.removeClient(c)
		s.logger.Info("ws: client disconnected", "client", c.id)
		_ = conn.Close(websocket.StatusNormalClosure, "bye")
	}()

	if s.cfg.Bus != nil {
		c.busSub = s.cfg.Bus.Subscribe("")
		go s.forwardNotices(c)
	}

	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			if websocket.CloseStatus(err) == -1 && ctx.Err() == nil {
				s.logger.Warn("ws: read error, closing", "client", c.id, "error", err)
			}
			return
		}
		var req rpcRequest
		if err := json.Unmarshal(data, &req); err != nil {
			_ = c.write(ctx, &rpcResponse{
				JSONRPC: "2.0",
				Error:   &rpcError{Code: ErrCodeParse, Message: "parse error"},
			})
			continue
		}
		s.logger.Debug("ws: request", "client", c.id, "method", req.Method)
		resp := s.handleRPC(ctx, c, req)
		if resp == nil {
			continue
		}
		if err := c.write(ctx, resp); err != nil {
			s.logger.Warn("ws: write response error", "method", req.Method, "error", err)
			return
		}
	}
}

func (s *Server) addClient(c *client) {
	s.clientsMu.Lock()
	defer s.clientsMu.Unlock()
	s.clients[c] = struct{}{}
}

// removeClient detaches every event stream the client held. Events not
// yet delivered stay queued for the next consumer.
func (s *Server) removeClient(c *client) {
	c.streamsMu.Lock()
	for id, st := range c.streams {
		st.Close()
		delete(c.streams, id)
	}
	c.streamsMu.Unlock()
	if c.busSub != nil {
		s.cfg.Bus.Unsubscribe(c.busSub)
	}

	s.clientsMu.Lock()
	defer s.clientsMu.Unlock()
	delete(s.clients, c)
}

// ClientCount reports connected WebSocket clients.
func (s *Server) ClientCount() int {
	s.clientsMu.RLock()
	defer s.clientsMu.RUnlock()
	return len(s.clients)
}

func (c *client) write(ctx context.Context, payload any) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return wsjson.Write(ctx, c.conn, payload)
}

func (c *client) notify(method string, params any) error {
	return c.write(c.ctx, &rpcResponse{JSONRPC: "2.0", Method: method, Params: params})
}

// attach makes c the consumer of a session's events and starts pushing
// them as "event" notifications. Attaching twice is a no-op.
func (s *Server) attach(c *client, sessionID string) error {
	c.streamsMu.Lock()
	defer c.streamsMu.Unlock()
	if _, ok := c.streams[sessionID]; ok {
		return nil
	}
	st, err := s.cfg.Events.Attach(sessionID)
	if err != nil {
		return err
	}
	c.streams[sessionID] = st
	go s.forwardEvents(c, sessionID, st)
	return nil
}

func (s *Server) forwardEvents(c *client, sessionID string, st *events.Stream) {
	defer func() {
		st.Close()
		c.streamsMu.Lock()
		if c.streams[sessionID] == st {
			delete(c.streams, sessionID)
		}
		c.streamsMu.Unlock()
	}()
	for {
		ev, err := st.Next(c.ctx)
		if err != nil {
			return
		}
		if err := c.notify("event", ev); err != nil {
			s.logger.Warn("ws: event write failed", "session_id", sessionID, "seq", ev.Seq, "error", err)
			return
		}
	}
}

// forwardNotices relays bus notices. The bus drops for slow subscribers,
// so clients must treat notices as hints.
func (s *Server) forwardNotices(c *client) {
	for {
		select {
		case <-c.ctx.Done():
			return
		case n, ok := <-c.busSub.Ch():
			if !ok {
				return
			}
			if err := c.notify("notice", n); err != nil {
				return
			}
		}
	}
}

func decodeID(raw json.RawMessage) (any, bool) {
	if len(raw) == 0 || string(raw) == "null" {
		return nil, false
	}
	var id any
	if err := json.Unmarshal(raw, &id); err != nil {
		return nil, false
	}
	switch id.(type) {
	case string, float64:
		return id, true
	default:
		return nil, false
	}
}

// rpcErrorFor maps an error to a client-safe JSON-RPC error.
func rpcErrorFor(err error) *rpcError {
	switch {
	case errors.Is(err, persistence.ErrNotFound):
		return &rpcError{Code: ErrCodeNotFound, Message: "session not found"}
	case errors.Is(err, workspace.ErrNotFound), errors.Is(err, workspace.ErrTombstoned):
		return &rpcError{Code: ErrCodeNotFound, Message: "artifact not found"}
	case errors.Is(err, persistence.ErrTurnActive):
		return &rpcError{Code: ErrCodeBusy, Message: "session already has a running turn"}
	case errors.Is(err, engine.ErrShuttingDown):
		return &rpcError{Code: ErrCodeUnavailable, Message: "server is shutting down"}
	}
	kind := shared.KindOf(err)
	code := ErrCodeInternal
	switch kind {
	case shared.KindInvalidInput:
		code = ErrCodeInvalid
	case shared.KindSkillNotFound:
		code = ErrCodeNotFound
	case shared.KindPolicyDenied:
		code = ErrCodePolicyDenied
	}
	return &rpcError{Code: code, Message: shared.UserMessage(err), Kind: string(kind)}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeJSONError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
