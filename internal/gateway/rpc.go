package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"strings"

	"github.com/basket/labclaw/internal/bus"
	"github.com/basket/labclaw/internal/events"
	"github.com/basket/labclaw/internal/retrieval"
	"github.com/basket/labclaw/internal/shared"
)

func isMutatingMethod(method string) bool {
	switch method {
	case "session.create", "chat.send", "chat.cancel", "skills.set_enabled",
		"session.compress", "dataset.upload":
		return true
	default:
		return false
	}
}

func (s *Server) handleRPC(ctx context.Context, c *client, req rpcRequest) *rpcResponse {
	id, hasID := decodeID(req.ID)
	if req.JSONRPC != "2.0" || req.Method == "" {
		if !hasID {
			return nil
		}
		return &rpcResponse{
			JSONRPC: "2.0",
			ID:      id,
			Error:   &rpcError{Code: ErrCodeInvalidRequest, Message: "invalid JSON-RPC request"},
		}
	}
	if isMutatingMethod(req.Method) && !c.handshaken.Load() {
		if !hasID {
			return nil
		}
		return &rpcResponse{
			JSONRPC: "2.0",
			ID:      id,
			Error:   &rpcError{Code: ErrCodeInvalidRequest, Message: "system.hello required before mutating calls"},
		}
	}

	result, rpcErr := s.call(ctx, c, req)
	if !hasID {
		return nil
	}
	if rpcErr != nil {
		return &rpcResponse{JSONRPC: "2.0", ID: id, Error: rpcErr}
	}
	return &rpcResponse{JSONRPC: "2.0", ID: id, Result: result}
}

func (s *Server) call(ctx context.Context, c *client, req rpcRequest) (any, *rpcError) {
	switch req.Method {
	case "system.hello":
		c.handshaken.Store(true)
		return map[string]any{"protocol": "labclaw", "version": "1.0"}, nil

	case "system.status":
		st := s.cfg.Engine.Status()
		snap := s.cfg.Skills.List()
		status := map[string]any{
			"active_turns":       st.ActiveTurns,
			"last_error":         st.LastError,
			"config_fingerprint": s.cfg.ConfigFingerprint,
			"skills_version":     snap.Version,
			"skill_count":        len(snap.Descriptors()),
			"clients":            s.ClientCount(),
		}
		if s.cfg.Policy != nil {
			status["policy_version"] = s.cfg.Policy.PolicyVersion()
		}
		return status, nil

	case "session.create":
		var p struct {
			Title string `json:"title"`
		}
		if err := decodeParams(req.Params, &p); err != nil {
			return nil, err
		}
		sess, err := s.cfg.Store.CreateSession(ctx, strings.TrimSpace(p.Title))
		if err != nil {
			return nil, rpcErrorFor(err)
		}
		if err := s.attach(c, sess.ID); err != nil {
			return nil, rpcErrorFor(err)
		}
		s.logger.Info("ws: session created", "session_id", sess.ID, "client", c.id)
		return sess, nil

	case "session.subscribe":
		var p sessionParams
		if err := decodeParams(req.Params, &p); err != nil {
			return nil, err
		}
		if _, err := s.cfg.Store.GetSession(ctx, p.SessionID); err != nil {
			return nil, rpcErrorFor(err)
		}
		if err := s.attach(c, p.SessionID); err != nil {
			if errors.Is(err, events.ErrAlreadyAttached) {
				return nil, &rpcError{Code: ErrCodeBusy, Message: "session already has an event consumer"}
			}
			return nil, rpcErrorFor(err)
		}
		return map[string]any{"session_id": p.SessionID, "attached": true}, nil

	case "session.history":
		var p sessionParams
		if err := decodeParams(req.Params, &p); err != nil {
			return nil, err
		}
		if _, err := s.cfg.Store.GetSession(ctx, p.SessionID); err != nil {
			return nil, rpcErrorFor(err)
		}
		history, err := s.cfg.Store.History(ctx, p.SessionID)
		if err != nil {
			return nil, rpcErrorFor(err)
		}
		return map[string]any{"session_id": p.SessionID, "turns": history}, nil

	case "chat.send":
		return s.chatSend(ctx, c, req.Params)

	case "chat.cancel":
		var p sessionParams
		if err := decodeParams(req.Params, &p); err != nil {
			return nil, err
		}
		return map[string]any{"cancelled": s.cfg.Engine.Cancel(p.SessionID)}, nil

	case "skills.list":
		snap := s.cfg.Skills.List()
		return map[string]any{"version": snap.Version, "skills": snap.Descriptors()}, nil

	case "skills.set_enabled":
		var p struct {
			Name    string `json:"name"`
			Enabled bool   `json:"enabled"`
		}
		if err := decodeParams(req.Params, &p); err != nil {
			return nil, err
		}
		d, err := s.cfg.Skills.SetEnabled(p.Name, p.Enabled)
		if err != nil {
			return nil, rpcErrorFor(err)
		}
		s.cfg.Bus.Publish(bus.TopicSkillToggled, bus.SkillToggledNotice{Name: d.Name, Enabled: d.Enabled})
		return d, nil

	case "artifacts.list":
		var p sessionParams
		if err := decodeParams(req.Params, &p); err != nil {
			return nil, err
		}
		list, err := s.cfg.Workspace.List(ctx, p.SessionID)
		if err != nil {
			return nil, rpcErrorFor(err)
		}
		return map[string]any{"artifacts": list}, nil

	case "artifacts.versions":
		var p struct {
			SessionID string `json:"session_id"`
			Name      string `json:"name"`
		}
		if err := decodeParams(req.Params, &p); err != nil {
			return nil, err
		}
		if p.SessionID == "" || p.Name == "" {
			return nil, &rpcError{Code: ErrCodeInvalidParams, Message: "session_id and name are required"}
		}
		versions, err := s.cfg.Workspace.GetVersions(ctx, p.SessionID, p.Name)
		if err != nil {
			return nil, rpcErrorFor(err)
		}
		return map[string]any{"versions": versions}, nil

	case "artifacts.package":
		var p struct {
			IDs []string `json:"ids"`
		}
		if err := decodeParams(req.Params, &p); err != nil {
			return nil, err
		}
		if len(p.IDs) == 0 {
			return nil, &rpcError{Code: ErrCodeInvalidParams, Message: "ids is required"}
		}
		data, err := s.cfg.Workspace.BatchPackage(ctx, p.IDs)
		if err != nil {
			return nil, rpcErrorFor(err)
		}
		// []byte marshals as base64.
		return map[string]any{"filename": "artifacts.zip", "size": len(data), "data": data}, nil

	case "session.compress":
		return s.compress(ctx, req.Params)

	case "dataset.upload":
		return s.uploadDataset(ctx, req.Params)

	default:
		return nil, &rpcError{Code: ErrCodeMethodNotFound, Message: "method not found"}
	}
}

type sessionParams struct {
	SessionID string `json:"session_id"`
}

func decodeParams(raw json.RawMessage, dst any) *rpcError {
	if len(raw) == 0 {
		raw = []byte("{}")
	}
	if err := json.Unmarshal(raw, dst); err != nil {
		return &rpcError{Code: ErrCodeInvalidParams, Message: "invalid params"}
	}
	if sp, ok := dst.(*sessionParams); ok && strings.TrimSpace(sp.SessionID) == "" {
		return &rpcError{Code: ErrCodeInvalidParams, Message: "session_id is required"}
	}
	return nil
}

// chatSend starts a turn and returns at once; progress arrives as event
// notifications. The turn outlives the connection.
func (s *Server) chatSend(ctx context.Context, c *client, raw json.RawMessage) (any, *rpcError) {
	var p struct {
		SessionID string `json:"session_id"`
		Message   string `json:"message"`
	}
	if err := decodeParams(raw, &p); err != nil {
		return nil, err
	}
	if strings.TrimSpace(p.SessionID) == "" {
		return nil, &rpcError{Code: ErrCodeInvalidParams, Message: "session_id is required"}
	}
	if strings.TrimSpace(p.Message) == "" {
		return nil, &rpcError{Code: ErrCodeInvalid, Message: "message is empty", Kind: string(shared.KindInvalidInput)}
	}
	if _, err := s.cfg.Store.GetSession(ctx, p.SessionID); err != nil {
		return nil, rpcErrorFor(err)
	}
	if !c.limiter.allow() {
		return nil, &rpcError{Code: ErrCodeRateLimited, Message: "too many messages, slow down"}
	}
	if s.cfg.Engine.Busy(p.SessionID) {
		return nil, &rpcError{Code: ErrCodeBusy, Message: "session already has a running turn"}
	}
	if err := s.attach(c, p.SessionID); err != nil && !errors.Is(err, events.ErrAlreadyAttached) {
		return nil, rpcErrorFor(err)
	}

	turnCtx := context.WithoutCancel(ctx)
	s.turns.Add(1)
	go func() {
		defer s.turns.Done()
		out, err := s.cfg.Engine.Submit(turnCtx, p.SessionID, p.Message)
		if err != nil {
			s.logger.Info("ws: turn ended with error", "session_id", p.SessionID, "turn_id", out.TurnID,
				"kind", shared.KindOf(err), "error", err)
			return
		}
		s.logger.Info("ws: turn done", "session_id", p.SessionID, "turn_id", out.TurnID,
			"iterations", out.Iterations, "tool_calls", out.ToolCalls)
	}()
	return map[string]any{"accepted": true, "session_id": p.SessionID}, nil
}

func (s *Server) compress(ctx context.Context, raw json.RawMessage) (any, *rpcError) {
	var p struct {
		SessionID  string `json:"session_id"`
		Threshold  int    `json:"threshold"`
		KeepRecent *int   `json:"keep_recent"`
	}
	if err := decodeParams(raw, &p); err != nil {
		return nil, err
	}
	if strings.TrimSpace(p.SessionID) == "" {
		return nil, &rpcError{Code: ErrCodeInvalidParams, Message: "session_id is required"}
	}
	if s.cfg.Compactor == nil {
		return nil, &rpcError{Code: ErrCodeUnavailable, Message: "compression is not configured"}
	}
	if s.cfg.Engine.Busy(p.SessionID) {
		return nil, &rpcError{Code: ErrCodeBusy, Message: "session already has a running turn"}
	}
	threshold := p.Threshold
	if threshold <= 0 {
		threshold = s.cfg.CompressThreshold
	}
	keep := -1
	if p.KeepRecent != nil {
		keep = *p.KeepRecent
	}
	res, err := s.cfg.Compactor.Compact(ctx, p.SessionID, threshold, keep)
	if err != nil {
		return nil, rpcErrorFor(err)
	}
	return res, nil
}

func (s *Server) uploadDataset(ctx context.Context, raw json.RawMessage) (any, *rpcError) {
	var p struct {
		SessionID string `json:"session_id"`
		Name      string `json:"name"`
		CSV       string `json:"csv"`
	}
	if err := decodeParams(raw, &p); err != nil {
		return nil, err
	}
	name := strings.TrimSpace(p.Name)
	if strings.TrimSpace(p.SessionID) == "" || name == "" {
		return nil, &rpcError{Code: ErrCodeInvalidParams, Message: "session_id and name are required"}
	}
	if strings.ContainsAny(name, `/\`) || name == "." || name == ".." {
		return nil, &rpcError{Code: ErrCodeInvalid, Message: "invalid dataset name", Kind: string(shared.KindInvalidInput)}
	}
	if _, err := s.cfg.Store.GetSession(ctx, p.SessionID); err != nil {
		return nil, rpcErrorFor(err)
	}
	summary, err := summarizeCSV(name, p.CSV)
	if err != nil {
		return nil, &rpcError{Code: ErrCodeInvalid, Message: "dataset is not valid CSV", Kind: string(shared.KindInvalidInput)}
	}
	info, err := s.cfg.Workspace.PutDataset(ctx, p.SessionID, name, []byte(p.CSV))
	if err != nil {
		return nil, rpcErrorFor(err)
	}
	if s.cfg.Retrieval != nil {
		doc := retrieval.Document{
			ID:        "dataset:" + p.SessionID + ":" + name,
			Title:     "Dataset " + name,
			Text:      summary,
			Source:    "dataset:" + name,
			SessionID: p.SessionID,
		}
		if err := s.cfg.Retrieval.Index(ctx, doc); err != nil {
			s.logger.Warn("ws: dataset summary not indexed", "session_id", p.SessionID, "dataset", name, "error", err)
		}
	}
	s.logger.Info("ws: dataset uploaded", "session_id", p.SessionID, "dataset", name, "bytes", info.Size)
	return info, nil
}
