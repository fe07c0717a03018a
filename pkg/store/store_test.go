package store

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/veildns/veild/pkg/core"
)

func testConfig() core.TunnelConfiguration {
	return core.TunnelConfiguration{
		ServerAddress: "filter.veildns.net",
		DNSServers:    []string{"10.0.0.53", "10.0.0.54:5353"},
		MTU:           1280,
		SplitTunnel:   true,
		ExcludedApps:  []string{"com.example.game"},
	}
}

func TestFileStoreConfigRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "state.json")
	s, err := NewFileStore(path)
	if err != nil {
		t.Fatalf("NewFileStore: %v", err)
	}

	want := testConfig()
	if err := s.SaveConfig(want); err != nil {
		t.Fatalf("SaveConfig: %v", err)
	}

	// A fresh store over the same file must see the identical document.
	s2, err := NewFileStore(path)
	if err != nil {
		t.Fatalf("NewFileStore: %v", err)
	}
	got, err := s2.LoadConfig()
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	if !got.Equal(want) {
		t.Errorf("loaded configuration differs: got %+v want %+v", got, want)
	}
	if got.ServerAddress != want.ServerAddress || got.MTU != want.MTU {
		t.Errorf("field mismatch: got %+v", got)
	}
}

func TestFileStoreLoadConfigNotFound(t *testing.T) {
	s, err := NewFileStore(filepath.Join(t.TempDir(), "state.json"))
	if err != nil {
		t.Fatalf("NewFileStore: %v", err)
	}
	if _, err := s.LoadConfig(); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestFileStoreToleratesEmptyFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state.json")
	if err := os.WriteFile(path, nil, 0o600); err != nil {
		t.Fatal(err)
	}
	s, err := NewFileStore(path)
	if err != nil {
		t.Fatalf("NewFileStore: %v", err)
	}
	if _, err := s.LoadConfig(); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound for empty file, got %v", err)
	}
	if st, err := s.LoadStatus(); err != nil || st != core.StatusDisconnected {
		t.Errorf("expected disconnected status, got %v, %v", st, err)
	}
}

func TestFileStoreStatusPersistence(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state.json")
	s, err := NewFileStore(path)
	if err != nil {
		t.Fatalf("NewFileStore: %v", err)
	}

	if st, err := s.LoadStatus(); err != nil || st != core.StatusDisconnected {
		t.Errorf("expected default disconnected, got %v, %v", st, err)
	}
	if err := s.SaveStatus(core.StatusConnected); err != nil {
		t.Fatalf("SaveStatus: %v", err)
	}
	st, err := s.LoadStatus()
	if err != nil || st != core.StatusConnected {
		t.Errorf("expected connected, got %v, %v", st, err)
	}
}

func TestFileStoreStatusDoesNotClobberConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state.json")
	s, err := NewFileStore(path)
	if err != nil {
		t.Fatalf("NewFileStore: %v", err)
	}
	want := testConfig()
	if err := s.SaveConfig(want); err != nil {
		t.Fatal(err)
	}
	if err := s.SaveStatus(core.StatusConnecting); err != nil {
		t.Fatal(err)
	}
	got, err := s.LoadConfig()
	if err != nil {
		t.Fatalf("LoadConfig after SaveStatus: %v", err)
	}
	if !got.Equal(want) {
		t.Errorf("status write corrupted stored configuration: %+v", got)
	}
}

func TestMemoryStoreFailWith(t *testing.T) {
	s := NewMemoryStore()
	if err := s.SaveConfig(testConfig()); err != nil {
		t.Fatal(err)
	}

	boom := errors.New("disk full")
	s.FailWith = boom
	if err := s.SaveStatus(core.StatusConnected); !errors.Is(err, boom) {
		t.Errorf("expected injected error, got %v", err)
	}
	if _, err := s.LoadConfig(); !errors.Is(err, boom) {
		t.Errorf("expected injected error, got %v", err)
	}

	s.FailWith = nil
	got, err := s.LoadConfig()
	if err != nil {
		t.Fatal(err)
	}
	if !got.Equal(testConfig()) {
		t.Errorf("stored configuration lost: %+v", got)
	}
}
