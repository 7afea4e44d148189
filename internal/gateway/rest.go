package gateway

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"

	"github.com/basket/labclaw/internal/persistence"
	"github.com/basket/labclaw/internal/skills"
	"github.com/basket/labclaw/internal/workspace"
)

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	dbOK := s.cfg.Store.DB().PingContext(r.Context()) == nil
	st := s.cfg.Engine.Status()
	payload := map[string]any{
		"healthy":        dbOK,
		"db_ok":          dbOK,
		"active_turns":   st.ActiveTurns,
		"skills_version": s.cfg.Skills.List().Version,
	}
	if s.cfg.Policy != nil {
		payload["policy_version"] = s.cfg.Policy.PolicyVersion()
	}
	status := http.StatusOK
	if !dbOK {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, payload)
}

type skillView struct {
	Name        string      `json:"name"`
	Description string      `json:"description"`
	Type        skills.Type `json:"type"`
	Location    string      `json:"location"`
	Enabled     bool        `json:"enabled"`
}

func (s *Server) handleAPISkills(w http.ResponseWriter, _ *http.Request) {
	descs := s.cfg.Skills.List().Descriptors()
	out := make([]skillView, 0, len(descs))
	for _, d := range descs {
		out = append(out, skillView{
			Name:        d.Name,
			Description: d.Description,
			Type:        d.Type,
			Location:    d.Location,
			Enabled:     d.Enabled,
		})
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleAPISessions(w http.ResponseWriter, r *http.Request) {
	limit := 50
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			writeJSONError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = n
	}
	sessions, err := s.cfg.Store.ListSessions(r.Context(), limit)
	if err != nil {
		s.logger.Error("api: list sessions", "error", err)
		writeJSONError(w, http.StatusInternalServerError, "internal error")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"sessions": sessions})
}

func (s *Server) handleAPIHistory(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if _, err := s.cfg.Store.GetSession(r.Context(), id); err != nil {
		if errors.Is(err, persistence.ErrNotFound) {
			writeJSONError(w, http.StatusNotFound, "session not found")
			return
		}
		writeJSONError(w, http.StatusInternalServerError, "internal error")
		return
	}
	history, err := s.cfg.Store.History(r.Context(), id)
	if err != nil {
		s.logger.Error("api: session history", "session_id", id, "error", err)
		writeJSONError(w, http.StatusInternalServerError, "internal error")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"session_id": id, "turns": history})
}

func (s *Server) handleAPIArtifact(w http.ResponseWriter, r *http.Request) {
	a, data, err := s.cfg.Workspace.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		if errors.Is(err, workspace.ErrNotFound) || errors.Is(err, workspace.ErrTombstoned) {
			writeJSONError(w, http.StatusNotFound, "artifact not found")
			return
		}
		s.logger.Error("api: artifact read", "artifact_id", r.PathValue("id"), "error", err)
		writeJSONError(w, http.StatusInternalServerError, "internal error")
		return
	}
	w.Header().Set("Content-Type", a.MIME)
	w.Header().Set("Content-Length", strconv.Itoa(len(data)))
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", a.Name))
	w.Header().Set("X-Artifact-Version", strconv.Itoa(a.Version))
	_, _ = w.Write(data)
}
