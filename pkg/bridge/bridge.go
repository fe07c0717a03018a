// Package bridge is the stable command/event surface the UI layer
// consumes. It routes commands to the lifecycle controller and fans
// status/stats events out to any number of subscribers; it retains no
// tunnel state of its own.
package bridge

import (
	"context"
	"errors"
	"sync"

	"github.com/veildns/veild/pkg/core"
)

// Controller is the lifecycle contract the bridge routes commands to.
// *tunnel.Controller satisfies it.
type Controller interface {
	IsSupported() bool
	HasPermission() bool
	RequestPermission(ctx context.Context) (bool, error)
	Configure(cfg core.TunnelConfiguration) error
	Connect() error
	Disconnect() error
	Status() core.Status
	Stats() core.Stats
	SetDNSServers(servers []string) error
}

// StatusListener receives lifecycle transitions.
type StatusListener func(core.Status)

// StatsListener receives stats snapshots.
type StatsListener func(core.Stats)

var errNotAttached = errors.New("bridge: no controller attached")

// Bridge implements tunnel.Notifier on the inbound side and the command
// API on the outbound side.
type Bridge struct {
	mu       sync.Mutex
	ctrl     Controller
	nextID   int
	onStatus map[int]StatusListener
	onStats  map[int]StatsListener
}

// New creates a bridge with no controller attached yet. Attach closes
// the construction cycle: the controller needs the bridge as its
// notifier before the bridge can route commands to it.
func New() *Bridge {
	return &Bridge{
		onStatus: make(map[int]StatusListener),
		onStats:  make(map[int]StatsListener),
	}
}

// Attach binds the controller commands are routed to.
func (b *Bridge) Attach(ctrl Controller) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.ctrl = ctrl
}

// SubscribeStatus registers a status listener and returns its cancel
// func.
func (b *Bridge) SubscribeStatus(fn StatusListener) (cancel func()) {
	b.mu.Lock()
	defer b.mu.Unlock()
	id := b.nextID
	b.nextID++
	b.onStatus[id] = fn
	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		delete(b.onStatus, id)
	}
}

// SubscribeStats registers a stats listener and returns its cancel
// func.
func (b *Bridge) SubscribeStats(fn StatsListener) (cancel func()) {
	b.mu.Lock()
	defer b.mu.Unlock()
	id := b.nextID
	b.nextID++
	b.onStats[id] = fn
	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		delete(b.onStats, id)
	}
}

// OnStatusChanged implements tunnel.Notifier.
func (b *Bridge) OnStatusChanged(status core.Status) {
	for _, fn := range b.statusListeners() {
		fn(status)
	}
}

// OnStatsUpdated implements tunnel.Notifier.
func (b *Bridge) OnStatsUpdated(stats core.Stats) {
	for _, fn := range b.statsListeners() {
		fn(stats)
	}
}

func (b *Bridge) statusListeners() []StatusListener {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]StatusListener, 0, len(b.onStatus))
	for _, fn := range b.onStatus {
		out = append(out, fn)
	}
	return out
}

func (b *Bridge) statsListeners() []StatsListener {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]StatsListener, 0, len(b.onStats))
	for _, fn := range b.onStats {
		out = append(out, fn)
	}
	return out
}

func (b *Bridge) controller() (Controller, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.ctrl == nil {
		return nil, errNotAttached
	}
	return b.ctrl, nil
}

// IsSupported reports whether the platform can tunnel at all.
func (b *Bridge) IsSupported() bool {
	ctrl, err := b.controller()
	if err != nil {
		return false
	}
	return ctrl.IsSupported()
}

// HasPermission reports whether tunnel creation is permitted.
func (b *Bridge) HasPermission() bool {
	ctrl, err := b.controller()
	if err != nil {
		return false
	}
	return ctrl.HasPermission()
}

// RequestPermission surfaces the OS consent flow.
func (b *Bridge) RequestPermission(ctx context.Context) (bool, error) {
	ctrl, err := b.controller()
	if err != nil {
		return false, err
	}
	return ctrl.RequestPermission(ctx)
}

// Configure validates and persists a tunnel configuration.
func (b *Bridge) Configure(cfg core.TunnelConfiguration) error {
	ctrl, err := b.controller()
	if err != nil {
		return err
	}
	return ctrl.Configure(cfg)
}

// Connect establishes the tunnel session.
func (b *Bridge) Connect() error {
	ctrl, err := b.controller()
	if err != nil {
		return err
	}
	return ctrl.Connect()
}

// Disconnect tears the session down; it always succeeds once attached.
func (b *Bridge) Disconnect() error {
	ctrl, err := b.controller()
	if err != nil {
		return err
	}
	return ctrl.Disconnect()
}

// Status returns the current lifecycle status.
func (b *Bridge) Status() core.Status {
	ctrl, err := b.controller()
	if err != nil {
		return core.StatusDisconnected
	}
	return ctrl.Status()
}

// Stats returns the current traffic snapshot.
func (b *Bridge) Stats() core.Stats {
	ctrl, err := b.controller()
	if err != nil {
		return core.Stats{}
	}
	return ctrl.Stats()
}

// SetDNSServers replaces the resolver list, reconnecting if needed.
func (b *Bridge) SetDNSServers(servers []string) error {
	ctrl, err := b.controller()
	if err != nil {
		return err
	}
	return ctrl.SetDNSServers(servers)
}
