// Package store persists the two values that survive process restarts: the
// last-known-good backend base URL and the id of the last processed SSE
// event. Every failure is best-effort: a read error behaves like an empty
// cache and a write error is logged and swallowed, so persistence problems
// never interrupt discovery or event delivery.
package store

import (
	"errors"
	"os"
	"path/filepath"
	"sync"

	"go.uber.org/zap"
	"gopkg.in/yaml.v3"
)

type persistedState struct {
	ServerURL   string `yaml:"server_url,omitempty"`
	LastEventID string `yaml:"last_event_id,omitempty"`
}

// Store is a file-backed key-value holder for the persisted strings. The
// in-memory copy is authoritative between flushes; the file is rewritten
// atomically on every change.
type Store struct {
	mu     sync.Mutex
	path   string
	logger *zap.Logger
	state  persistedState
}

// New opens (or lazily creates) the state file at path. A missing or
// unreadable file yields an empty store.
func New(path string, logger *zap.Logger) *Store {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Store{path: path, logger: logger}
	s.load()
	return s
}

func (s *Store) load() {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			s.logger.Warn("Failed to read state file, starting empty",
				zap.String("path", s.path), zap.Error(err))
		}
		return
	}
	if err := yaml.Unmarshal(data, &s.state); err != nil {
		s.logger.Warn("Failed to parse state file, starting empty",
			zap.String("path", s.path), zap.Error(err))
		s.state = persistedState{}
	}
}

// flush writes the current state atomically (temp file + rename). Callers
// must hold mu.
func (s *Store) flush() {
	data, err := yaml.Marshal(&s.state)
	if err != nil {
		s.logger.Warn("Failed to marshal state", zap.Error(err))
		return
	}
	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		s.logger.Warn("Failed to create state directory",
			zap.String("dir", dir), zap.Error(err))
		return
	}
	tmp, err := os.CreateTemp(dir, ".backendlink-state-*")
	if err != nil {
		s.logger.Warn("Failed to create temp state file", zap.Error(err))
		return
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		s.logger.Warn("Failed to write state file", zap.Error(err))
		tmp.Close()
		os.Remove(tmpName)
		return
	}
	if err := tmp.Close(); err != nil {
		s.logger.Warn("Failed to close state file", zap.Error(err))
		os.Remove(tmpName)
		return
	}
	if err := os.Rename(tmpName, s.path); err != nil {
		s.logger.Warn("Failed to replace state file", zap.Error(err))
		os.Remove(tmpName)
	}
}

// ServerURL returns the cached backend base URL, empty if never set.
func (s *Store) ServerURL() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state.ServerURL
}

func (s *Store) SetServerURL(u string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state.ServerURL = u
	s.flush()
}

func (s *Store) ClearServerURL() {
	s.SetServerURL("")
}

// LastEventID returns the resume cursor, empty if never set.
func (s *Store) LastEventID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state.LastEventID
}

func (s *Store) SetLastEventID(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state.LastEventID = id
	s.flush()
}

func (s *Store) ClearLastEventID() {
	s.SetLastEventID("")
}
