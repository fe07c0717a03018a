package tunnel

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/veildns/veild/pkg/core"
	"github.com/veildns/veild/pkg/platform"
	"github.com/veildns/veild/pkg/store"
)

// recorder captures notifier events for assertions.
type recorder struct {
	mu       sync.Mutex
	statuses []core.Status
	stats    []core.Stats
}

func (r *recorder) OnStatusChanged(s core.Status) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.statuses = append(r.statuses, s)
}

func (r *recorder) OnStatsUpdated(s core.Stats) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.stats = append(r.stats, s)
}

func (r *recorder) statusHistory() []core.Status {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]core.Status(nil), r.statuses...)
}

func (r *recorder) statsCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.stats)
}

func tunnelConfig() core.TunnelConfiguration {
	return core.TunnelConfiguration{
		ServerAddress: "filter.veildns.net",
		DNSServers:    []string{"10.0.0.53"},
		SplitTunnel:   true,
	}
}

func newTestController(t *testing.T) (*Controller, *platform.MockDriver, *store.MemoryStore, *recorder) {
	t.Helper()
	driver := platform.NewMockDriver()
	st := store.NewMemoryStore()
	rec := &recorder{}
	c, err := New(Options{
		Driver:          driver,
		Store:           st,
		Notifier:        rec,
		StatsInterval:   10 * time.Millisecond,
		LatencyInterval: time.Hour,
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { c.Disconnect() })
	return c, driver, st, rec
}

func waitStatus(t *testing.T, c *Controller, want core.Status) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if c.Status() == want {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for status %s, current %s", want, c.Status())
}

func connect(t *testing.T, c *Controller) {
	t.Helper()
	if err := c.Connect(); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	waitStatus(t, c, core.StatusConnected)
}

func TestConnectWithoutConfiguration(t *testing.T) {
	c, _, _, _ := newTestController(t)
	if err := c.Connect(); !errors.Is(err, core.ErrNotConfigured) {
		t.Errorf("expected ErrNotConfigured, got %v", err)
	}
	if c.Status() != core.StatusDisconnected {
		t.Errorf("expected disconnected, got %s", c.Status())
	}
}

func TestConfigurePersistsAndRejectsInvalid(t *testing.T) {
	c, _, st, _ := newTestController(t)

	bad := tunnelConfig()
	bad.DNSServers = nil
	if err := c.Configure(bad); !errors.Is(err, core.ErrInvalidConfiguration) {
		t.Errorf("expected ErrInvalidConfiguration, got %v", err)
	}
	if _, err := st.LoadConfig(); !errors.Is(err, store.ErrNotFound) {
		t.Error("invalid configuration must not be persisted")
	}

	want := tunnelConfig()
	if err := c.Configure(want); err != nil {
		t.Fatalf("Configure: %v", err)
	}
	got, err := st.LoadConfig()
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	if !got.Equal(want) {
		t.Errorf("persisted configuration differs: %+v", got)
	}
}

func TestConnectLifecycle(t *testing.T) {
	c, driver, _, rec := newTestController(t)
	if err := c.Configure(tunnelConfig()); err != nil {
		t.Fatal(err)
	}
	connect(t, c)

	if driver.EstablishCount() != 1 {
		t.Errorf("expected one establishment, got %d", driver.EstablishCount())
	}
	s := c.Stats()
	if s.ConnectedSince == nil {
		t.Error("expected ConnectedSince while connected")
	}

	// The publisher pushes snapshots while connected.
	deadline := time.Now().Add(2 * time.Second)
	for rec.statsCount() == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if rec.statsCount() == 0 {
		t.Error("expected stats events while connected")
	}

	if err := c.Disconnect(); err != nil {
		t.Fatalf("Disconnect: %v", err)
	}
	if c.Status() != core.StatusDisconnected {
		t.Errorf("expected disconnected, got %s", c.Status())
	}
	if !driver.Device().Closed() {
		t.Error("device handle should be released on disconnect")
	}

	history := rec.statusHistory()
	want := []core.Status{core.StatusConnecting, core.StatusConnected, core.StatusDisconnecting, core.StatusDisconnected}
	idx := 0
	for _, st := range history {
		if idx < len(want) && st == want[idx] {
			idx++
		}
	}
	if idx != len(want) {
		t.Errorf("status events out of order: %v", history)
	}
}

func TestConnectWhileConnectingJoinsAttempt(t *testing.T) {
	c, driver, _, _ := newTestController(t)
	if err := c.Configure(tunnelConfig()); err != nil {
		t.Fatal(err)
	}
	driver.SetEstablishDelay(100 * time.Millisecond)

	if err := c.Connect(); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	waitStatus(t, c, core.StatusConnecting)

	errc := make(chan error, 1)
	go func() { errc <- c.Connect() }()

	waitStatus(t, c, core.StatusConnected)
	if err := <-errc; err != nil {
		t.Errorf("joined Connect should succeed, got %v", err)
	}
	if driver.EstablishCount() != 1 {
		t.Errorf("concurrent Connect must not establish twice, got %d", driver.EstablishCount())
	}
}

func TestConnectWhenConnectedIsNoop(t *testing.T) {
	c, driver, _, _ := newTestController(t)
	if err := c.Configure(tunnelConfig()); err != nil {
		t.Fatal(err)
	}
	connect(t, c)

	if err := c.Connect(); err != nil {
		t.Fatalf("repeated Connect: %v", err)
	}
	if driver.EstablishCount() != 1 {
		t.Errorf("unchanged configuration must not re-establish, got %d", driver.EstablishCount())
	}
}

func TestConnectRestartsOnConfigurationChange(t *testing.T) {
	c, driver, _, _ := newTestController(t)
	if err := c.Configure(tunnelConfig()); err != nil {
		t.Fatal(err)
	}
	connect(t, c)

	changed := tunnelConfig()
	changed.DNSServers = []string{"10.0.0.99"}
	if err := c.Configure(changed); err != nil {
		t.Fatal(err)
	}
	if err := c.Connect(); err != nil {
		t.Fatalf("Connect after config change: %v", err)
	}
	waitStatus(t, c, core.StatusConnected)
	if driver.EstablishCount() != 2 {
		t.Errorf("expected re-establishment, got %d", driver.EstablishCount())
	}

	routes := driver.Routes()
	if len(routes) != 1 || routes[0] != "10.0.0.99/32" {
		t.Errorf("expected new resolver route, got %v", routes)
	}
}

func TestDisconnectIsIdempotent(t *testing.T) {
	c, _, _, _ := newTestController(t)
	for i := 0; i < 3; i++ {
		if err := c.Disconnect(); err != nil {
			t.Fatalf("Disconnect #%d: %v", i+1, err)
		}
		if c.Status() != core.StatusDisconnected {
			t.Fatalf("expected disconnected, got %s", c.Status())
		}
	}

	if err := c.Configure(tunnelConfig()); err != nil {
		t.Fatal(err)
	}
	connect(t, c)
	if err := c.Disconnect(); err != nil {
		t.Fatal(err)
	}
	if err := c.Disconnect(); err != nil {
		t.Fatal(err)
	}
	if c.Status() != core.StatusDisconnected {
		t.Errorf("expected disconnected, got %s", c.Status())
	}
}

func TestStatsZeroWhenDisconnected(t *testing.T) {
	c, _, _, _ := newTestController(t)
	s := c.Stats()
	if s.BytesIn != 0 || s.BytesOut != 0 || s.ConnectedSince != nil || s.ServerLatency != 0 {
		t.Errorf("expected zero stats when disconnected, got %+v", s)
	}
}

func TestCountersResetPerSession(t *testing.T) {
	c, driver, _, _ := newTestController(t)
	if err := c.Configure(tunnelConfig()); err != nil {
		t.Fatal(err)
	}
	connect(t, c)

	// Push a non-DNS packet through the loop to move the counters.
	if err := driver.Device().Inject([]byte{0x60, 1, 2, 3, 4, 5, 6, 7, 8, 9}); err != nil {
		t.Fatal(err)
	}
	deadline := time.Now().Add(2 * time.Second)
	for c.Stats().BytesIn == 0 && time.Now().Before(deadline) {
		time.Sleep(2 * time.Millisecond)
	}
	if c.Stats().BytesIn == 0 {
		t.Fatal("counters did not move after forwarding a packet")
	}

	if err := c.Disconnect(); err != nil {
		t.Fatal(err)
	}
	connect(t, c)
	s := c.Stats()
	if s.BytesIn != 0 || s.BytesOut != 0 {
		t.Errorf("expected counters reset on new session, got %+v", s)
	}
}

func TestEstablishFailureEntersErrorState(t *testing.T) {
	c, driver, _, _ := newTestController(t)
	if err := c.Configure(tunnelConfig()); err != nil {
		t.Fatal(err)
	}
	driver.FailEstablish(errors.New("tun creation refused"))

	if err := c.Connect(); err != nil {
		t.Fatalf("Connect should fail asynchronously, got sync error %v", err)
	}
	waitStatus(t, c, core.StatusError)
	if err := c.LastError(); !errors.Is(err, core.ErrEstablishFailed) {
		t.Errorf("expected ErrEstablishFailed, got %v", err)
	}

	// Disconnect is the way out of the error state.
	if err := c.Disconnect(); err != nil {
		t.Fatal(err)
	}
	if c.Status() != core.StatusDisconnected {
		t.Errorf("expected disconnected, got %s", c.Status())
	}
	if c.LastError() != nil {
		t.Errorf("expected cleared error, got %v", c.LastError())
	}

	driver.FailEstablish(nil)
	connect(t, c)
}

func TestConnectPermissionDenied(t *testing.T) {
	c, driver, _, _ := newTestController(t)
	if err := c.Configure(tunnelConfig()); err != nil {
		t.Fatal(err)
	}
	driver.RevokePermission(true)

	if err := c.Connect(); !errors.Is(err, core.ErrPermissionDenied) {
		t.Errorf("expected ErrPermissionDenied, got %v", err)
	}
	if c.Status() != core.StatusDisconnected {
		t.Errorf("expected disconnected, got %s", c.Status())
	}
	if driver.EstablishCount() != 0 {
		t.Error("no establishment may happen without permission")
	}

	if granted, err := c.RequestPermission(context.Background()); err != nil || granted {
		t.Errorf("expected denial from consent flow, got %v, %v", granted, err)
	}
}

func TestConnectUnsupportedPlatform(t *testing.T) {
	c, driver, _, _ := newTestController(t)
	if err := c.Configure(tunnelConfig()); err != nil {
		t.Fatal(err)
	}
	driver.SetUnsupported(true)
	if err := c.Connect(); !errors.Is(err, core.ErrUnsupported) {
		t.Errorf("expected ErrUnsupported, got %v", err)
	}
	if c.IsSupported() {
		t.Error("IsSupported should report false")
	}
}

func TestForwardingFaultTearsSessionDown(t *testing.T) {
	c, driver, _, _ := newTestController(t)
	if err := c.Configure(tunnelConfig()); err != nil {
		t.Fatal(err)
	}
	connect(t, c)

	driver.Device().InjectError(errors.New("interface vanished"))
	waitStatus(t, c, core.StatusError)

	if err := c.LastError(); !errors.Is(err, core.ErrForwardingFault) {
		t.Errorf("expected ErrForwardingFault, got %v", err)
	}
	if !driver.Device().Closed() {
		t.Error("device handle should be released after a fault")
	}

	// Recovery path: Disconnect clears the error, Connect works again.
	if err := c.Disconnect(); err != nil {
		t.Fatal(err)
	}
	connect(t, c)
}

func TestSetDNSServersReconnectsActiveSession(t *testing.T) {
	c, driver, _, _ := newTestController(t)

	if err := c.SetDNSServers([]string{"10.0.0.53"}); !errors.Is(err, core.ErrNotConfigured) {
		t.Errorf("expected ErrNotConfigured, got %v", err)
	}

	if err := c.Configure(tunnelConfig()); err != nil {
		t.Fatal(err)
	}
	connect(t, c)

	if err := c.SetDNSServers([]string{"10.0.0.88"}); err != nil {
		t.Fatalf("SetDNSServers: %v", err)
	}
	waitStatus(t, c, core.StatusConnected)
	if driver.EstablishCount() != 2 {
		t.Errorf("expected re-establishment, got %d", driver.EstablishCount())
	}
	routes := driver.Routes()
	if len(routes) != 1 || routes[0] != "10.0.0.88/32" {
		t.Errorf("expected updated resolver route, got %v", routes)
	}
}

func TestSetDNSServersWhileDisconnectedOnlyStages(t *testing.T) {
	c, driver, st, _ := newTestController(t)
	if err := c.Configure(tunnelConfig()); err != nil {
		t.Fatal(err)
	}
	if err := c.SetDNSServers([]string{"10.0.0.77"}); err != nil {
		t.Fatalf("SetDNSServers: %v", err)
	}
	if c.Status() != core.StatusDisconnected {
		t.Errorf("expected to stay disconnected, got %s", c.Status())
	}
	if driver.EstablishCount() != 0 {
		t.Error("no establishment may happen while disconnected")
	}
	cfg, err := st.LoadConfig()
	if err != nil {
		t.Fatal(err)
	}
	if len(cfg.DNSServers) != 1 || cfg.DNSServers[0] != "10.0.0.77" {
		t.Errorf("resolver list not staged: %v", cfg.DNSServers)
	}
}

func TestStatusPersistFailureDoesNotAbortTeardown(t *testing.T) {
	c, _, st, _ := newTestController(t)
	if err := c.Configure(tunnelConfig()); err != nil {
		t.Fatal(err)
	}
	connect(t, c)

	st.FailWith = errors.New("disk full")
	if err := c.Disconnect(); err != nil {
		t.Fatalf("Disconnect must succeed despite storage failure: %v", err)
	}
	if c.Status() != core.StatusDisconnected {
		t.Errorf("expected disconnected, got %s", c.Status())
	}
}
