package platform

import (
	"context"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/veildns/veild/pkg/core"
)

// MockDriver is a Driver that fabricates in-memory devices instead of
// asking the OS, for tests that exercise the lifecycle controller and
// forwarding loop without kernel access or elevated privileges.
type MockDriver struct {
	mu             sync.Mutex
	unsupported    bool
	permission     bool
	denyPermission bool
	establishErr   error
	establishDelay time.Duration
	establishes    int
	prompts        int
	routes         []string
	device         *MockDevice
}

// NewMockDriver creates a mock driver with permission already granted.
func NewMockDriver() *MockDriver {
	return &MockDriver{permission: true}
}

// SetUnsupported makes Supported report false.
func (d *MockDriver) SetUnsupported(v bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.unsupported = v
}

// RevokePermission simulates the user revoking OS consent. deny makes
// the next consent prompt fail as well.
func (d *MockDriver) RevokePermission(deny bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.permission = false
	d.denyPermission = deny
}

// FailEstablish makes the next Establish calls fail with err.
func (d *MockDriver) FailEstablish(err error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.establishErr = err
}

// SetEstablishDelay makes Establish block for d before completing, so
// tests can observe the connecting window.
func (d *MockDriver) SetEstablishDelay(delay time.Duration) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.establishDelay = delay
}

// EstablishCount returns how many interface-establishment attempts the
// OS would have seen.
func (d *MockDriver) EstablishCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.establishes
}

// PromptCount returns how many consent prompts were surfaced.
func (d *MockDriver) PromptCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.prompts
}

// Routes returns the route set applied by the last Establish.
func (d *MockDriver) Routes() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]string(nil), d.routes...)
}

// Device returns the device handed out by the last Establish.
func (d *MockDriver) Device() *MockDevice {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.device
}

func (d *MockDriver) Supported() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return !d.unsupported
}

func (d *MockDriver) HasPermission() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.permission
}

func (d *MockDriver) RequestPermission(context.Context) (bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.permission {
		return true, nil
	}
	d.prompts++
	if d.denyPermission {
		return false, nil
	}
	d.permission = true
	return true, nil
}

func (d *MockDriver) Establish(ctx context.Context, cfg core.TunnelConfiguration) (core.TunnelDevice, error) {
	d.mu.Lock()
	d.establishes++
	n := d.establishes
	delay := d.establishDelay
	failWith := d.establishErr
	d.mu.Unlock()

	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if failWith != nil {
		return nil, failWith
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	d.routes = RoutesFor(cfg)
	d.device = NewMockDevice(fmt.Sprintf("veil-mock%d", n-1), cfg.Normalized().MTU)
	return d.device, nil
}

func (d *MockDriver) Teardown(core.TunnelDevice) error { return nil }

// MockDevice is an in-memory core.TunnelDevice. Packets arrive through
// Inject, writes are recorded for inspection, and Close unblocks any
// pending ReadPacket the way a real handle does.
type MockDevice struct {
	name string
	mtu  int

	in     chan []byte
	errs   chan error
	closed chan struct{}
	once   sync.Once

	mu      sync.Mutex
	written [][]byte
}

// NewMockDevice creates a mock device with a buffered inject queue.
func NewMockDevice(name string, mtu int) *MockDevice {
	return &MockDevice{
		name:   name,
		mtu:    mtu,
		in:     make(chan []byte, 128),
		errs:   make(chan error, 1),
		closed: make(chan struct{}),
	}
}

func (m *MockDevice) Name() string { return m.name }
func (m *MockDevice) MTU() int     { return m.mtu }

func (m *MockDevice) ReadPacket(buf []byte) (int, error) {
	select {
	case <-m.closed:
		return 0, os.ErrClosed
	case err := <-m.errs:
		return 0, err
	case data := <-m.in:
		n := copy(buf, data)
		return n, nil
	}
}

func (m *MockDevice) WritePacket(pkt []byte) (int, error) {
	select {
	case <-m.closed:
		return 0, os.ErrClosed
	default:
	}
	cp := make([]byte, len(pkt))
	copy(cp, pkt)
	m.mu.Lock()
	m.written = append(m.written, cp)
	m.mu.Unlock()
	return len(pkt), nil
}

func (m *MockDevice) Close() error {
	m.once.Do(func() { close(m.closed) })
	return nil
}

// Inject queues a raw packet for the next ReadPacket.
func (m *MockDevice) Inject(data []byte) error {
	cp := make([]byte, len(data))
	copy(cp, data)
	select {
	case <-m.closed:
		return os.ErrClosed
	case m.in <- cp:
		return nil
	default:
		return fmt.Errorf("inject queue full, packet dropped")
	}
}

// InjectError makes the next ReadPacket fail with err, simulating an
// unexpected I/O fault mid-session.
func (m *MockDevice) InjectError(err error) {
	select {
	case m.errs <- err:
	default:
	}
}

// Written returns copies of the packets written to the device.
func (m *MockDevice) Written() [][]byte {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([][]byte, len(m.written))
	for i, p := range m.written {
		out[i] = append([]byte(nil), p...)
	}
	return out
}

// Closed reports whether the handle has been released.
func (m *MockDevice) Closed() bool {
	select {
	case <-m.closed:
		return true
	default:
		return false
	}
}
