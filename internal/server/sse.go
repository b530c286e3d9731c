package server

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/tillerhq/tiller/internal/logging"
	"github.com/tillerhq/tiller/internal/watch"
	"github.com/tillerhq/tiller/pkg/types"
)

const (
	// SSEHeartbeatInterval is the interval for SSE heartbeats.
	SSEHeartbeatInterval = 30 * time.Second

	// sseBufferSize bounds each subscriber's event channel. Events beyond
	// it are dropped for that subscriber rather than blocking dispatch.
	sseBufferSize = 10
)

// sseWriter wraps http.ResponseWriter for SSE.
type sseWriter struct {
	w       http.ResponseWriter
	flusher http.Flusher
	rc      *http.ResponseController
}

// newSSEWriter creates a new SSE writer.
func newSSEWriter(w http.ResponseWriter) (*sseWriter, error) {
	// Use ResponseController for more reliable flushing (Go 1.20+)
	rc := http.NewResponseController(w)

	// Try to get flusher interface as well
	flusher, ok := w.(http.Flusher)
	if !ok {
		return nil, fmt.Errorf("streaming not supported")
	}

	return &sseWriter{w: w, flusher: flusher, rc: rc}, nil
}

// writeEvent writes one SSE frame.
func (s *sseWriter) writeEvent(eventType string, data any) error {
	jsonData, err := json.Marshal(data)
	if err != nil {
		return err
	}

	// Write SSE format: event type, data, and blank line
	_, err = fmt.Fprintf(s.w, "event: %s\ndata: %s\n\n", eventType, jsonData)
	if err != nil {
		return err
	}

	// Flush through ResponseController; it reaches through middleware
	// wrappers the plain Flusher interface may not.
	if flushErr := s.rc.Flush(); flushErr != nil {
		s.flusher.Flush()
	}

	return nil
}

// writeHeartbeat writes an SSE heartbeat comment.
func (s *sseWriter) writeHeartbeat() {
	fmt.Fprintf(s.w, ": heartbeat\n\n")
	s.flusher.Flush()
}

// startStream sets SSE headers and flushes them so the client sees the
// stream open before the first event arrives.
func startStream(w http.ResponseWriter) (*sseWriter, error) {
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no") // Disable nginx buffering

	sse, err := newSSEWriter(w)
	if err != nil {
		return nil, err
	}

	w.WriteHeader(http.StatusOK)
	sse.flusher.Flush()
	return sse, nil
}

// sessionEvents handles GET /session/{sessionID}/event, streaming the live
// session's bus.
func (s *Server) sessionEvents(w http.ResponseWriter, r *http.Request) {
	if !s.requireManager(w) {
		return
	}
	sessionID := chi.URLParam(r, "sessionID")

	h, ok := s.manager.Get(sessionID)
	if !ok {
		writeError(w, http.StatusNotFound, ErrCodeNotFound, "Session is not attached")
		return
	}

	sse, err := startStream(w)
	if err != nil {
		writeError(w, http.StatusInternalServerError, ErrCodeInternalError, err.Error())
		return
	}

	// Channel for events - small buffer for low-latency streaming
	events := make(chan types.Event, sseBufferSize)

	unsub := h.Controller.Bus().OnEvent(func(ev types.Event) {
		select {
		case events <- ev:
		default:
			logging.Warn().
				Str("kind", string(ev.Kind)).
				Str("session", sessionID).
				Msg("SSE session event dropped: channel full")
		}
	})
	defer unsub()

	// Heartbeat ticker
	ticker := time.NewTicker(SSEHeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case ev := <-events:
			if err := sse.writeEvent(string(ev.Kind), ev); err != nil {
				return
			}
		case <-ticker.C:
			sse.writeHeartbeat()
		}
	}
}

// directoryEvents handles GET /event, streaming sessions directory changes.
func (s *Server) directoryEvents(w http.ResponseWriter, r *http.Request) {
	if s.watcher == nil {
		writeError(w, http.StatusServiceUnavailable, ErrCodeUnavailable, "No sessions watcher attached")
		return
	}

	sse, err := startStream(w)
	if err != nil {
		writeError(w, http.StatusInternalServerError, ErrCodeInternalError, err.Error())
		return
	}

	notifications := make(chan watch.Notification, sseBufferSize)

	unsub := s.watcher.Subscribe(func(n watch.Notification) {
		select {
		case notifications <- n:
		default:
			logging.Warn().
				Str("session", n.SessionID).
				Msg("SSE directory event dropped: channel full")
		}
	})
	defer unsub()

	ticker := time.NewTicker(SSEHeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case n := <-notifications:
			if err := sse.writeEvent("session_"+string(n.Op), n); err != nil {
				return
			}
		case <-ticker.C:
			sse.writeHeartbeat()
		}
	}
}
