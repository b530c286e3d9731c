package session

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// Status is a session's lifecycle state as persisted in its metadata file.
type Status string

const (
	StatusIdle        Status = "idle"
	StatusRunning     Status = "running"
	StatusInterrupted Status = "interrupted"
)

const metaSuffix = ".meta.json"

// Metadata is the persisted per-session snapshot. The session's controller
// is the only writer; listing and resume readers must treat the file as
// eventually consistent with the live session.
type Metadata struct {
	SessionID         string `json:"sessionId"`
	AgentSpec         string `json:"agentSpec,omitempty"`
	Model             string `json:"model,omitempty"`
	Status            Status `json:"status"`
	Turns             int    `json:"turns"`
	ContextTokens     int    `json:"contextTokens"`
	ContextWindowSize int    `json:"contextWindowSize"`
	CreatedAt         int64  `json:"createdAt"`
	UpdatedAt         int64  `json:"updatedAt"`

	dir string
}

// NewMetadata builds an in-memory snapshot for a fresh session rooted at
// dir. Nothing touches disk until Save.
func NewMetadata(dir, sessionID, agentSpec, model string) *Metadata {
	now := time.Now().UnixMilli()
	return &Metadata{
		SessionID: sessionID,
		AgentSpec: agentSpec,
		Model:     model,
		Status:    StatusIdle,
		CreatedAt: now,
		UpdatedAt: now,
		dir:       dir,
	}
}

// MetadataPath returns the metadata file location for a session under dir.
func MetadataPath(dir, sessionID string) string {
	return filepath.Join(dir, sessionID+metaSuffix)
}

// Path returns the snapshot's on-disk location.
func (m *Metadata) Path() string {
	return MetadataPath(m.dir, m.SessionID)
}

// Save writes the full snapshot to <dir>/<sessionId>.meta.json, creating
// the directory if needed. UpdatedAt is refreshed on every save while
// CreatedAt keeps its construction value. The write goes through a temp
// file and rename so readers never observe a partial snapshot.
func (m *Metadata) Save() error {
	if err := os.MkdirAll(m.dir, 0o755); err != nil {
		return fmt.Errorf("create sessions dir: %w", err)
	}
	m.UpdatedAt = time.Now().UnixMilli()

	data, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal metadata: %w", err)
	}

	path := m.Path()
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write metadata: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("commit metadata: %w", err)
	}
	return nil
}

// UpdateTurn refreshes the in-memory turn and context counters. Callers
// persist with Save.
func (m *Metadata) UpdateTurn(turns, contextTokens, contextWindowSize int) {
	m.Turns = turns
	m.ContextTokens = contextTokens
	m.ContextWindowSize = contextWindowSize
}

// ReadMetadata reads the snapshot for sessionID under dir without side
// effects, returning (nil, nil) when none exists. Observers that do not own
// the session read through this; an owner constructing a controller goes
// through LoadIfExists instead so crash recovery runs.
func ReadMetadata(dir, sessionID string) (*Metadata, error) {
	path := MetadataPath(dir, sessionID)
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read metadata: %w", err)
	}

	var m Metadata
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("parse metadata %s: %w", path, err)
	}
	m.dir = dir
	return &m, nil
}

// LoadIfExists reads a prior snapshot for sessionID under dir, returning
// (nil, nil) when none exists. A snapshot still marked running means its
// previous owner died before the cleanup path ran; it is healed to
// interrupted and persisted before returning so stale state can never be
// mistaken for a live run.
func LoadIfExists(dir, sessionID string) (*Metadata, error) {
	m, err := ReadMetadata(dir, sessionID)
	if err != nil || m == nil {
		return m, err
	}

	if m.Status == StatusRunning {
		m.Status = StatusInterrupted
		if err := m.Save(); err != nil {
			return nil, fmt.Errorf("recover crashed session: %w", err)
		}
	}
	return m, nil
}

// ListSessions scans dir for metadata snapshots. Results come back in
// filename order; session IDs sort lexically by creation time, so that is
// creation order. Unreadable or corrupt snapshots are skipped rather than
// failing the whole listing.
func ListSessions(dir string) ([]*Metadata, error) {
	entries, err := os.ReadDir(dir)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read sessions dir: %w", err)
	}

	var sessions []*Metadata
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), metaSuffix) {
			continue
		}
		data, err := os.ReadFile(filepath.Join(dir, entry.Name()))
		if err != nil {
			continue
		}
		var m Metadata
		if err := json.Unmarshal(data, &m); err != nil {
			continue
		}
		m.dir = dir
		sessions = append(sessions, &m)
	}
	return sessions, nil
}
