package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/basket/labclaw/internal/events"
	"github.com/basket/labclaw/internal/persistence"
)

const sseKeepAlive = 15 * time.Second

// handleSessionEvents implements GET /api/sessions/{id}/events: the
// session's event stream as server-sent events. The connection becomes
// the session's single consumer until it disconnects.
func (s *Server) handleSessionEvents(w http.ResponseWriter, r *http.Request) {
	sessionID := r.PathValue("id")
	if _, err := s.cfg.Store.GetSession(r.Context(), sessionID); err != nil {
		if errors.Is(err, persistence.ErrNotFound) {
			writeJSONError(w, http.StatusNotFound, "session not found")
			return
		}
		writeJSONError(w, http.StatusInternalServerError, "internal error")
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeJSONError(w, http.StatusInternalServerError, "streaming not supported")
		return
	}
	stream, err := s.cfg.Events.Attach(sessionID)
	if err != nil {
		if errors.Is(err, events.ErrAlreadyAttached) {
			writeJSONError(w, http.StatusConflict, "session already has an event consumer")
			return
		}
		writeJSONError(w, http.StatusInternalServerError, "internal error")
		return
	}
	defer stream.Close()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	ctx := r.Context()
	s.logger.Debug("sse: consumer attached", "session_id", sessionID)
	for {
		waitCtx, cancel := context.WithTimeout(ctx, sseKeepAlive)
		ev, err := stream.Next(waitCtx)
		cancel()
		switch {
		case err == nil:
		case ctx.Err() != nil || errors.Is(err, events.ErrStreamClosed):
			s.logger.Debug("sse: client disconnected", "session_id", sessionID)
			return
		default:
			// Idle: a comment line keeps proxies from closing the stream.
			if _, err := fmt.Fprint(w, ": keep-alive\n\n"); err != nil {
				return
			}
			flusher.Flush()
			continue
		}

		data, err := json.Marshal(ev)
		if err != nil {
			s.logger.Error("sse: marshal event", "session_id", sessionID, "error", err)
			continue
		}
		if _, err := fmt.Fprintf(w, "id: %d\nevent: %s\ndata: %s\n\n", ev.Seq, ev.Type, data); err != nil {
			s.logger.Debug("sse: write failed", "session_id", sessionID, "error", err)
			return
		}
		flusher.Flush()
	}
}
