package tunnel

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/veildns/veild/pkg/core"
	"github.com/veildns/veild/pkg/filter"
	"github.com/veildns/veild/pkg/logging"
	"github.com/veildns/veild/pkg/platform"
	"github.com/veildns/veild/pkg/store"
)

// Notifier receives lifecycle and stats events. The bridge implements
// it and fans out to subscribers; the controller never talks to the UI
// layer directly.
type Notifier interface {
	OnStatusChanged(status core.Status)
	OnStatsUpdated(stats core.Stats)
}

type nopNotifier struct{}

func (nopNotifier) OnStatusChanged(core.Status) {}
func (nopNotifier) OnStatsUpdated(core.Stats)   {}

// Options configures a Controller. Driver and Store are required.
type Options struct {
	Driver   platform.Driver
	Store    store.Store
	Engine   filter.Engine
	Notifier Notifier

	// StatsInterval is the stats publishing cadence (default 1s).
	StatsInterval time.Duration

	// LatencyInterval is the resolver latency probe cadence (default 10s).
	LatencyInterval time.Duration

	// EngineTimeout bounds a single filtering decision (default
	// DefaultEngineTimeout).
	EngineTimeout time.Duration
}

// session is the ephemeral per-connection state. The device handle is
// owned here exclusively and released on every exit path; done closes
// only after the forwarding loop and publisher have both stopped.
type session struct {
	dev            core.TunnelDevice
	cfg            core.TunnelConfiguration
	connectedSince time.Time
	cancel         context.CancelFunc
	done           chan struct{}
}

// attempt is an in-flight connect. Concurrent Connect calls join it
// instead of racing a second establishment.
type attempt struct {
	done chan struct{}
	err  error
}

// Controller drives the tunnel lifecycle on one device. Lifecycle
// operations are serialized: the attempt and teardown markers make
// connecting and disconnecting mutually exclusive in-flight states that
// concurrent callers wait on rather than race.
type Controller struct {
	driver   platform.Driver
	store    store.Store
	engine   filter.Engine
	notifier Notifier
	log      *logrus.Entry

	statsInterval   time.Duration
	latencyInterval time.Duration
	engineTimeout   time.Duration

	counters core.TrafficCounters
	latency  atomic.Int64 // last resolver RTT in nanoseconds

	mu       sync.Mutex
	status   core.Status
	lastErr  error
	session  *session
	attempt  *attempt
	teardown chan struct{}
}

// New creates a controller. The persisted status is reset to
// disconnected: no session survives a process restart.
func New(opts Options) (*Controller, error) {
	if opts.Driver == nil {
		return nil, errors.New("tunnel: driver is required")
	}
	if opts.Store == nil {
		return nil, errors.New("tunnel: store is required")
	}
	if opts.Engine == nil {
		opts.Engine = filter.AllowAll{}
	}
	if opts.Notifier == nil {
		opts.Notifier = nopNotifier{}
	}
	if opts.StatsInterval <= 0 {
		opts.StatsInterval = time.Second
	}
	if opts.LatencyInterval <= 0 {
		opts.LatencyInterval = 10 * time.Second
	}
	if opts.EngineTimeout <= 0 {
		opts.EngineTimeout = DefaultEngineTimeout
	}

	c := &Controller{
		driver:          opts.Driver,
		store:           opts.Store,
		engine:          opts.Engine,
		notifier:        opts.Notifier,
		log:             logging.WithComponent("tunnel"),
		statsInterval:   opts.StatsInterval,
		latencyInterval: opts.LatencyInterval,
		engineTimeout:   opts.EngineTimeout,
		status:          core.StatusDisconnected,
	}

	if prev, err := c.store.LoadStatus(); err == nil && prev != core.StatusDisconnected {
		c.log.Infof("previous run ended with status %s, resetting to disconnected", prev)
	}
	if err := c.store.SaveStatus(core.StatusDisconnected); err != nil {
		c.log.Warnf("persist initial status: %v", err)
	}
	return c, nil
}

// IsSupported reports whether the OS exposes a tunneling facility.
func (c *Controller) IsSupported() bool { return c.driver.Supported() }

// HasPermission reports whether tunnel creation is currently permitted.
func (c *Controller) HasPermission() bool { return c.driver.HasPermission() }

// RequestPermission surfaces the OS consent flow, at most once per
// grant.
func (c *Controller) RequestPermission(ctx context.Context) (bool, error) {
	return c.driver.RequestPermission(ctx)
}

// Status returns the current lifecycle status without blocking on I/O.
func (c *Controller) Status() core.Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.status
}

// LastError returns the error that moved the machine into the error
// state, or nil.
func (c *Controller) LastError() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastErr
}

// Stats returns the current traffic snapshot. With no active session it
// returns zeros and a null ConnectedSince rather than failing.
func (c *Controller) Stats() core.Stats {
	c.mu.Lock()
	s := c.session
	connected := c.status == core.StatusConnected
	c.mu.Unlock()
	if !connected || s == nil {
		return core.Stats{}
	}
	in, out := c.counters.Snapshot()
	since := s.connectedSince
	return core.NewStats(in, out, &since, time.Duration(c.latency.Load()))
}

// Configure validates and persists a new tunnel configuration. While a
// session is active the configuration is only staged: it takes effect
// on the next Connect, never by reconfiguring live routing.
func (c *Controller) Configure(cfg core.TunnelConfiguration) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	if err := c.store.SaveConfig(cfg); err != nil {
		return fmt.Errorf("persist configuration: %w", err)
	}
	c.mu.Lock()
	active := c.status.Active()
	c.mu.Unlock()
	if active {
		c.log.Infof("configuration staged, takes effect on next connect")
	}
	return nil
}

// SetDNSServers replaces the resolver list and, when a session is
// active, re-establishes it: the interface's DNS binding is fixed at
// establishment time.
func (c *Controller) SetDNSServers(servers []string) error {
	cfg, err := c.store.LoadConfig()
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return core.ErrNotConfigured
		}
		return err
	}
	cfg.DNSServers = append([]string(nil), servers...)
	if err := c.Configure(cfg); err != nil {
		return err
	}

	c.mu.Lock()
	active := c.status.Active()
	c.mu.Unlock()
	if !active {
		return nil
	}
	if err := c.Disconnect(); err != nil {
		return err
	}
	return c.Connect()
}

// Connect establishes a session from the persisted configuration. It is
// a no-op when already connected with an unchanged configuration, joins
// the in-flight attempt when one exists, and restarts the session when
// the staged configuration differs. Validation and permission failures
// are returned synchronously; establishment itself runs asynchronously
// and reports its outcome through the status events.
func (c *Controller) Connect() error {
	for {
		c.mu.Lock()
		if td := c.teardown; td != nil {
			c.mu.Unlock()
			<-td
			continue
		}
		if a := c.attempt; a != nil {
			c.mu.Unlock()
			<-a.done
			return a.err
		}
		if c.status == core.StatusConnected {
			s := c.session
			staged, err := c.store.LoadConfig()
			if err == nil && s != nil && !staged.Normalized().Equal(s.cfg) {
				c.mu.Unlock()
				c.log.Infof("configuration changed, restarting session")
				c.Disconnect()
				continue
			}
			c.mu.Unlock()
			return nil
		}

		// Disconnected or error: start a fresh attempt.
		if !c.driver.Supported() {
			c.mu.Unlock()
			return core.ErrUnsupported
		}
		cfg, err := c.store.LoadConfig()
		if err != nil {
			c.mu.Unlock()
			if errors.Is(err, store.ErrNotFound) {
				return core.ErrNotConfigured
			}
			return err
		}
		if err := cfg.Validate(); err != nil {
			c.mu.Unlock()
			return err
		}
		if !c.driver.HasPermission() {
			c.mu.Unlock()
			return core.ErrPermissionDenied
		}

		a := &attempt{done: make(chan struct{})}
		c.attempt = a
		c.lastErr = nil
		c.setStatusLocked(core.StatusConnecting)
		c.mu.Unlock()
		c.notifier.OnStatusChanged(core.StatusConnecting)
		go c.establish(a, cfg.Normalized())
		return nil
	}
}

// establish runs one interface-establishment attempt to completion.
func (c *Controller) establish(a *attempt, cfg core.TunnelConfiguration) {
	dev, err := c.driver.Establish(context.Background(), cfg)
	if err != nil {
		c.mu.Lock()
		c.attempt = nil
		c.lastErr = fmt.Errorf("%w: %v", core.ErrEstablishFailed, err)
		a.err = c.lastErr
		c.setStatusLocked(core.StatusError)
		c.mu.Unlock()
		c.log.Errorf("establish failed: %v", err)
		c.notifier.OnStatusChanged(core.StatusError)
		close(a.done)
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &session{
		dev:            dev,
		cfg:            cfg,
		connectedSince: time.Now(),
		cancel:         cancel,
		done:           make(chan struct{}),
	}
	c.counters.Reset()
	c.latency.Store(0)

	c.mu.Lock()
	c.attempt = nil
	c.session = s
	c.setStatusLocked(core.StatusConnected)
	c.mu.Unlock()
	c.log.Infof("connected via %s", dev.Name())
	c.notifier.OnStatusChanged(core.StatusConnected)

	go c.runSession(ctx, s)
	close(a.done)
}

// runSession runs the forwarding loop and the stats publisher for one
// session and joins them before marking the session finished.
func (c *Controller) runSession(ctx context.Context, s *session) {
	pub := newPublisher(&c.counters, &c.latency, s, c.notifier, c.statsInterval, c.latencyInterval)
	pubDone := make(chan struct{})
	go func() {
		pub.run(ctx)
		close(pubDone)
	}()

	loop := &forwardingLoop{
		dev:           s.dev,
		counters:      &c.counters,
		engine:        c.engine,
		engineTimeout: c.engineTimeout,
		log:           c.log,
	}
	err := loop.run(ctx)

	s.cancel()
	<-pubDone
	close(s.done)

	if err != nil {
		c.fault(s, err)
	}
}

// fault tears down after a fatal forwarding error and lands on the
// error state. If a concurrent Disconnect already took ownership of the
// session, that teardown wins and fault does nothing.
func (c *Controller) fault(s *session, ferr error) {
	c.mu.Lock()
	if c.session != s {
		c.mu.Unlock()
		return
	}
	td := make(chan struct{})
	c.teardown = td
	c.session = nil
	c.mu.Unlock()

	// Resources are released before the error is reported.
	s.dev.Close()
	if err := c.driver.Teardown(s.dev); err != nil {
		c.log.Warnf("teardown after fault: %v", err)
	}

	c.mu.Lock()
	c.teardown = nil
	c.lastErr = ferr
	c.setStatusLocked(core.StatusError)
	c.mu.Unlock()
	close(td)
	c.log.Errorf("forwarding fault: %v", ferr)
	c.notifier.OnStatusChanged(core.StatusError)
}

// Disconnect always lands on disconnected and never fails. It is valid
// from every state, is the only way out of error, and a concurrent
// Disconnect joins the in-progress teardown instead of double-releasing
// the handle.
func (c *Controller) Disconnect() error {
	for {
		c.mu.Lock()
		if td := c.teardown; td != nil {
			c.mu.Unlock()
			<-td
			continue
		}
		if a := c.attempt; a != nil {
			c.mu.Unlock()
			<-a.done
			continue
		}
		switch c.status {
		case core.StatusDisconnected:
			c.mu.Unlock()
			return nil
		case core.StatusError:
			c.lastErr = nil
			c.setStatusLocked(core.StatusDisconnected)
			c.mu.Unlock()
			c.notifier.OnStatusChanged(core.StatusDisconnected)
			return nil
		}

		s := c.session
		if s == nil {
			c.setStatusLocked(core.StatusDisconnected)
			c.mu.Unlock()
			c.notifier.OnStatusChanged(core.StatusDisconnected)
			return nil
		}
		td := make(chan struct{})
		c.teardown = td
		c.session = nil
		c.setStatusLocked(core.StatusDisconnecting)
		c.mu.Unlock()
		c.notifier.OnStatusChanged(core.StatusDisconnecting)

		// Cooperative cancellation: flip the flag, close the handle,
		// join the loop.
		s.cancel()
		s.dev.Close()
		<-s.done
		if err := c.driver.Teardown(s.dev); err != nil {
			c.log.Warnf("teardown: %v", err)
		}

		c.mu.Lock()
		c.teardown = nil
		c.setStatusLocked(core.StatusDisconnected)
		c.mu.Unlock()
		close(td)
		c.log.Infof("disconnected")
		c.notifier.OnStatusChanged(core.StatusDisconnected)
		return nil
	}
}

// setStatusLocked records and persists a transition. Persistence
// failures are logged but never abort a transition: teardown must
// always complete.
func (c *Controller) setStatusLocked(st core.Status) {
	c.status = st
	if err := c.store.SaveStatus(st); err != nil {
		c.log.Warnf("persist status %s: %v", st, err)
	}
}
