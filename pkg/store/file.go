package store

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/veildns/veild/pkg/core"
)

// state is the single JSON document kept on disk.
type state struct {
	Config *core.TunnelConfiguration `json:"config,omitempty"`
	Status string                    `json:"status,omitempty"`
}

// FileStore is a file-backed Store. Writes go through a temp file and
// rename so a crash never leaves a half-written state document.
type FileStore struct {
	path string
	mu   sync.Mutex
}

// NewFileStore creates a store persisting to path, creating the parent
// directory if needed.
func NewFileStore(path string) (*FileStore, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create state directory: %w", err)
	}
	return &FileStore{path: path}, nil
}

// SaveConfig replaces the stored tunnel configuration.
func (s *FileStore) SaveConfig(cfg core.TunnelConfiguration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, err := s.read()
	if err != nil {
		return err
	}
	st.Config = &cfg
	return s.write(st)
}

// LoadConfig returns the stored configuration or ErrNotFound.
func (s *FileStore) LoadConfig() (core.TunnelConfiguration, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, err := s.read()
	if err != nil {
		return core.TunnelConfiguration{}, err
	}
	if st.Config == nil {
		return core.TunnelConfiguration{}, ErrNotFound
	}
	return *st.Config, nil
}

// SaveStatus records the last-known lifecycle status.
func (s *FileStore) SaveStatus(status core.Status) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, err := s.read()
	if err != nil {
		return err
	}
	st.Status = string(status)
	return s.write(st)
}

// LoadStatus returns the last persisted status, defaulting to
// disconnected when nothing was recorded.
func (s *FileStore) LoadStatus() (core.Status, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, err := s.read()
	if err != nil {
		return core.StatusDisconnected, err
	}
	if st.Status == "" {
		return core.StatusDisconnected, nil
	}
	return core.ParseStatus(st.Status)
}

func (s *FileStore) read() (state, error) {
	var st state
	data, err := os.ReadFile(s.path)
	if os.IsNotExist(err) {
		return st, nil
	}
	if err != nil {
		return st, fmt.Errorf("failed to read state file: %w", err)
	}
	if len(data) == 0 {
		return st, nil
	}
	if err := json.Unmarshal(data, &st); err != nil {
		return st, fmt.Errorf("failed to parse state file: %w", err)
	}
	return st, nil
}

func (s *FileStore) write(st state) error {
	data, err := json.MarshalIndent(st, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal state: %w", err)
	}
	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("failed to write state file: %w", err)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		return fmt.Errorf("failed to replace state file: %w", err)
	}
	return nil
}
