package server

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"os"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/tillerhq/tiller/internal/host"
	"github.com/tillerhq/tiller/internal/session"
	"github.com/tillerhq/tiller/pkg/types"
)

// requireManager answers the 503 for live routes when no runtime is
// attached. Callers return immediately on false.
func (s *Server) requireManager(w http.ResponseWriter) bool {
	if s.manager == nil {
		writeError(w, http.StatusServiceUnavailable, ErrCodeUnavailable, "No agent runtime attached")
		return false
	}
	return true
}

// listSessions handles GET /session
func (s *Server) listSessions(w http.ResponseWriter, r *http.Request) {
	sessions, err := session.ListSessions(s.sessionsDir)
	if err != nil {
		writeError(w, http.StatusInternalServerError, ErrCodeInternalError, err.Error())
		return
	}

	// Ensure we return an empty array [] instead of null
	if sessions == nil {
		sessions = []*session.Metadata{}
	}

	writeJSON(w, http.StatusOK, sessions)
}

// OpenSessionRequest represents the request body for opening a session. An
// empty or absent sessionId creates a fresh session.
type OpenSessionRequest struct {
	SessionID string `json:"sessionId,omitempty"`
}

// openSession handles POST /session
func (s *Server) openSession(w http.ResponseWriter, r *http.Request) {
	if !s.requireManager(w) {
		return
	}

	var req OpenSessionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		writeError(w, http.StatusBadRequest, ErrCodeInvalidRequest, "Invalid JSON body")
		return
	}

	h, err := s.manager.Open(req.SessionID)
	switch {
	case errors.Is(err, host.ErrSessionBusy):
		writeError(w, http.StatusConflict, ErrCodeSessionBusy, err.Error())
		return
	case errors.Is(err, host.ErrNoSession):
		writeError(w, http.StatusNotFound, ErrCodeNotFound, err.Error())
		return
	case err != nil:
		writeError(w, http.StatusInternalServerError, ErrCodeInternalError, err.Error())
		return
	}

	meta := h.Controller.Metadata()
	writeJSON(w, http.StatusOK, &meta)
}

// getSession handles GET /session/{sessionID}
func (s *Server) getSession(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionID")

	// A live session's in-memory snapshot is fresher than the file.
	if s.manager != nil {
		if h, ok := s.manager.Get(sessionID); ok {
			meta := h.Controller.Metadata()
			writeJSON(w, http.StatusOK, &meta)
			return
		}
	}

	meta, err := session.ReadMetadata(s.sessionsDir, sessionID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, ErrCodeInternalError, err.Error())
		return
	}
	if meta == nil {
		writeError(w, http.StatusNotFound, ErrCodeNotFound, "Session not found")
		return
	}

	writeJSON(w, http.StatusOK, meta)
}

// detachSession handles DELETE /session/{sessionID}
func (s *Server) detachSession(w http.ResponseWriter, r *http.Request) {
	if !s.requireManager(w) {
		return
	}
	sessionID := chi.URLParam(r, "sessionID")

	h, ok := s.manager.Get(sessionID)
	if !ok {
		writeError(w, http.StatusNotFound, ErrCodeNotFound, "Session is not attached")
		return
	}

	if err := h.Close(); err != nil {
		writeError(w, http.StatusInternalServerError, ErrCodeInternalError, err.Error())
		return
	}

	writeSuccess(w)
}

// getHistory handles GET /session/{sessionID}/history
func (s *Server) getHistory(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionID")

	if s.manager != nil {
		if h, ok := s.manager.Get(sessionID); ok {
			writeJSON(w, http.StatusOK, normalizeHistory(h.Controller.History()))
			return
		}
	}

	meta, err := session.ReadMetadata(s.sessionsDir, sessionID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, ErrCodeInternalError, err.Error())
		return
	}
	if meta == nil {
		writeError(w, http.StatusNotFound, ErrCodeNotFound, "Session not found")
		return
	}

	history, err := session.ReplayEventLog(session.EventLogPath(s.sessionsDir, sessionID))
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		writeError(w, http.StatusInternalServerError, ErrCodeInternalError, err.Error())
		return
	}

	writeJSON(w, http.StatusOK, normalizeHistory(history))
}

func normalizeHistory(history []types.Message) []types.Message {
	if history == nil {
		return []types.Message{}
	}
	return history
}

// getLog handles GET /session/{sessionID}/log
func (s *Server) getLog(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionID")

	tail := 0
	if raw := r.URL.Query().Get("tail"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			writeError(w, http.StatusBadRequest, ErrCodeInvalidRequest, "tail must be a non-negative integer")
			return
		}
		tail = n
	}

	logPath := session.EventLogPath(s.sessionsDir, sessionID)
	live := false
	if s.manager != nil {
		if h, ok := s.manager.Get(sessionID); ok {
			logPath = h.Controller.LogPath()
			live = true
		}
	}

	if !live {
		meta, err := session.ReadMetadata(s.sessionsDir, sessionID)
		if err != nil {
			writeError(w, http.StatusInternalServerError, ErrCodeInternalError, err.Error())
			return
		}
		if meta == nil {
			writeError(w, http.StatusNotFound, ErrCodeNotFound, "Session not found")
			return
		}
	}

	events, err := session.ReadEventLog(logPath)
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		writeError(w, http.StatusInternalServerError, ErrCodeInternalError, err.Error())
		return
	}
	if events == nil {
		events = []types.Event{}
	}
	if tail > 0 && len(events) > tail {
		events = events[len(events)-tail:]
	}

	writeJSON(w, http.StatusOK, events)
}

// sendCommand handles POST /session/{sessionID}/command
func (s *Server) sendCommand(w http.ResponseWriter, r *http.Request) {
	if !s.requireManager(w) {
		return
	}
	sessionID := chi.URLParam(r, "sessionID")

	h, ok := s.manager.Get(sessionID)
	if !ok {
		writeError(w, http.StatusNotFound, ErrCodeNotFound, "Session is not attached")
		return
	}

	var cmd types.Command
	if err := json.NewDecoder(r.Body).Decode(&cmd); err != nil {
		writeError(w, http.StatusBadRequest, ErrCodeInvalidRequest, "Invalid command: "+err.Error())
		return
	}

	h.Controller.Bus().EmitCommand(cmd)
	writeSuccess(w)
}

// health handles GET /health
func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
