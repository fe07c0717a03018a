package store

import (
	"sync"

	"github.com/veildns/veild/pkg/core"
)

// MemoryStore is an in-memory Store for tests and ephemeral runs. A
// non-nil FailWith makes every operation return that error, which lets
// tests exercise the storage-failure paths of the controller.
type MemoryStore struct {
	mu       sync.Mutex
	cfg      *core.TunnelConfiguration
	status   core.Status
	FailWith error
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{status: core.StatusDisconnected}
}

func (s *MemoryStore) SaveConfig(cfg core.TunnelConfiguration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.FailWith != nil {
		return s.FailWith
	}
	c := cfg
	s.cfg = &c
	return nil
}

func (s *MemoryStore) LoadConfig() (core.TunnelConfiguration, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.FailWith != nil {
		return core.TunnelConfiguration{}, s.FailWith
	}
	if s.cfg == nil {
		return core.TunnelConfiguration{}, ErrNotFound
	}
	return *s.cfg, nil
}

func (s *MemoryStore) SaveStatus(status core.Status) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.FailWith != nil {
		return s.FailWith
	}
	s.status = status
	return nil
}

func (s *MemoryStore) LoadStatus() (core.Status, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.FailWith != nil {
		return core.StatusDisconnected, s.FailWith
	}
	if s.status == "" {
		return core.StatusDisconnected, nil
	}
	return s.status, nil
}
