// Package host coordinates live sessions within one process: attach and
// resume, per-session exclusivity, and shared infrastructure like the
// durable log writer.
package host

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/tillerhq/tiller/internal/bus"
	"github.com/tillerhq/tiller/internal/config"
	"github.com/tillerhq/tiller/internal/eventlog"
	"github.com/tillerhq/tiller/internal/logging"
	"github.com/tillerhq/tiller/internal/session"
	"github.com/tillerhq/tiller/pkg/types"
)

// ErrSessionBusy means another owner, in this process or another, holds the
// session.
var ErrSessionBusy = errors.New("session is attached elsewhere")

// ErrNoSession means the requested id has no snapshot on disk.
var ErrNoSession = errors.New("no such session")

// Manager owns the live sessions of one host process.
type Manager struct {
	cfg     *config.Config
	factory session.AgentFactory
	logw    *eventlog.Writer

	mu   sync.Mutex
	live map[string]*Handle
}

// Handle is one attached session.
type Handle struct {
	Controller *session.Controller

	manager *Manager
	lock    *FileLock
	unsub   func()

	mu sync.Mutex
	id string
}

// NewManager builds a manager with a shared durable log writer. The same
// writer serves every session; its single consumer keeps each log's order
// intact.
func NewManager(cfg *config.Config, factory session.AgentFactory) (*Manager, error) {
	if factory == nil {
		return nil, errors.New("host: factory is required")
	}
	logw, err := eventlog.New(func(path string, err error) {
		logging.Error().Err(err).Str("path", path).Msg("event log record dropped")
	})
	if err != nil {
		return nil, err
	}
	return &Manager{
		cfg:     cfg,
		factory: factory,
		logw:    logw,
		live:    make(map[string]*Handle),
	}, nil
}

// Open attaches a session. An empty id creates a fresh session; a non-empty
// id resumes the session with that identity, replaying its event log into
// the initial history. ErrSessionBusy is returned when the session already
// has an owner here or in another process.
func (m *Manager) Open(id string) (*Handle, error) {
	var initialHistory []types.Message
	var lock *FileLock

	if id != "" {
		m.mu.Lock()
		_, taken := m.live[id]
		m.mu.Unlock()
		if taken {
			return nil, fmt.Errorf("open session %s: %w", id, ErrSessionBusy)
		}

		// Take the cross-process lock before reading anything: crash
		// recovery must never rewrite a session another process owns.
		lock = NewFileLock(m.lockPath(id))
		if !lock.TryLock() {
			return nil, fmt.Errorf("open session %s: %w", id, ErrSessionBusy)
		}

		meta, err := session.LoadIfExists(m.cfg.SessionsDir, id)
		if err != nil {
			lock.Unlock()
			return nil, err
		}
		if meta == nil {
			lock.Unlock()
			return nil, fmt.Errorf("open session %s: %w", id, ErrNoSession)
		}

		history, err := session.ReplayEventLog(session.EventLogPath(m.cfg.SessionsDir, id))
		if err != nil && !errors.Is(err, os.ErrNotExist) {
			lock.Unlock()
			return nil, err
		}
		initialHistory = history
	}

	ctrl, err := session.New(session.Options{
		SessionID:      id,
		InitialHistory: initialHistory,
		RootAgent:      m.cfg.RootAgent,
		Model:          m.cfg.Model,
		GenomePath:     m.cfg.GenomePath,
		BootstrapDir:   m.cfg.BootstrapDir,
		WorkDir:        m.cfg.WorkDir,
		SessionsDir:    m.cfg.SessionsDir,
		Factory:        m.factory,
		Bus:            bus.New(),
		Log:            m.logw,
	})
	if err != nil {
		if lock != nil {
			lock.Unlock()
		}
		return nil, err
	}
	sessionID := ctrl.SessionID()

	// Fresh sessions mint their id inside the controller; lock it now.
	if lock == nil {
		lock = NewFileLock(m.lockPath(sessionID))
		if !lock.TryLock() {
			ctrl.Close()
			return nil, fmt.Errorf("open session %s: %w", sessionID, ErrSessionBusy)
		}
	}

	h := &Handle{
		Controller: ctrl,
		manager:    m,
		lock:       lock,
		id:         sessionID,
	}

	m.mu.Lock()
	if _, taken := m.live[sessionID]; taken {
		m.mu.Unlock()
		lock.Unlock()
		ctrl.Close()
		return nil, fmt.Errorf("open session %s: %w", sessionID, ErrSessionBusy)
	}
	m.live[sessionID] = h
	m.mu.Unlock()

	// A clear mints a new identity mid-flight; follow it so the live table
	// and the cross-process lock always name the current id.
	h.unsub = ctrl.Bus().OnEvent(func(ev types.Event) {
		if ev.Kind != types.EventSessionClear {
			return
		}
		if p, ok := ev.Payload.(*types.SessionClearPayload); ok {
			m.rekey(h, p.NewSessionID)
		}
	})

	logging.Info().Str("session", sessionID).Msg("session attached")
	return h, nil
}

// Get returns the live handle for id, if this process owns it.
func (m *Manager) Get(id string) (*Handle, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	h, ok := m.live[id]
	return h, ok
}

// LiveIDs returns the ids of sessions attached to this process.
func (m *Manager) LiveIDs() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	ids := make([]string, 0, len(m.live))
	for id := range m.live {
		ids = append(ids, id)
	}
	return ids
}

// List returns the metadata snapshots of every session under the sessions
// root, attached or not.
func (m *Manager) List() ([]*session.Metadata, error) {
	return session.ListSessions(m.cfg.SessionsDir)
}

// Close detaches every live session and releases shared infrastructure.
func (m *Manager) Close() error {
	m.mu.Lock()
	handles := make([]*Handle, 0, len(m.live))
	for _, h := range m.live {
		handles = append(handles, h)
	}
	m.mu.Unlock()

	for _, h := range handles {
		h.Close()
	}
	return m.logw.Close()
}

func (m *Manager) lockPath(id string) string {
	return filepath.Join(m.cfg.SessionsDir, id)
}

// rekey follows a session_clear to the new identity.
func (m *Manager) rekey(h *Handle, newID string) {
	newLock := NewFileLock(m.lockPath(newID))
	if !newLock.TryLock() {
		// A fresh ULID colliding with a held lock should not happen; keep
		// the old lock rather than run unlocked.
		logging.Error().Str("session", newID).Msg("could not lock cleared session id")
		newLock = nil
	}

	h.mu.Lock()
	oldID := h.id
	oldLock := h.lock
	h.id = newID
	if newLock != nil {
		h.lock = newLock
	}
	h.mu.Unlock()

	m.mu.Lock()
	delete(m.live, oldID)
	m.live[newID] = h
	m.mu.Unlock()

	if newLock != nil && oldLock != nil {
		oldLock.Unlock()
	}
	logging.Info().Str("from", oldID).Str("to", newID).Msg("session identity cleared")
}

// ID returns the handle's current session id, tracking clears.
func (h *Handle) ID() string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.id
}

// Close detaches the session: controller shutdown, live table removal, and
// lock release.
func (h *Handle) Close() error {
	if h.unsub != nil {
		h.unsub()
	}
	err := h.Controller.Close()

	h.mu.Lock()
	id := h.id
	lock := h.lock
	h.lock = nil
	h.mu.Unlock()

	h.manager.mu.Lock()
	delete(h.manager.live, id)
	h.manager.mu.Unlock()

	if lock != nil {
		lock.Unlock()
	}
	logging.Info().Str("session", id).Msg("session detached")
	return err
}
