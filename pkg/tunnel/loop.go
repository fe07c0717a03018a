// Package tunnel implements the tunnel lifecycle controller, the packet
// forwarding loop and the stats publisher.
package tunnel

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/veildns/veild/pkg/core"
	"github.com/veildns/veild/pkg/dnspkt"
	"github.com/veildns/veild/pkg/filter"
)

// DefaultEngineTimeout bounds a single filtering decision. On expiry
// the query passes unmodified: a stalled classifier degrades filtering,
// never resolution.
const DefaultEngineTimeout = 500 * time.Millisecond

const readBufferSize = 64 * 1024

// forwardingLoop is the blocking read/write cycle over one established
// device. It runs on its own goroutine, owned by the controller, and is
// the only place in the subsystem that blocks on I/O.
type forwardingLoop struct {
	dev           core.TunnelDevice
	counters      *core.TrafficCounters
	engine        filter.Engine
	engineTimeout time.Duration
	log           *logrus.Entry
}

// run reads packets until cancellation or a fatal device error. A read
// or write failure after the context is cancelled, or caused by the
// handle being closed out from under the loop, is the expected shutdown
// signal and returns nil. Anything else wraps core.ErrForwardingFault.
func (l *forwardingLoop) run(ctx context.Context) error {
	buf := make([]byte, readBufferSize)
	for {
		n, err := l.dev.ReadPacket(buf)
		if err != nil {
			if shutdownErr(ctx, err) {
				return nil
			}
			return fmt.Errorf("%w: read: %v", core.ErrForwardingFault, err)
		}
		if n == 0 {
			continue
		}
		l.counters.AddIn(uint64(n))

		out := l.process(ctx, buf[:n])
		if out == nil {
			continue
		}
		wn, err := l.dev.WritePacket(out)
		if err != nil {
			if shutdownErr(ctx, err) {
				return nil
			}
			return fmt.Errorf("%w: write: %v", core.ErrForwardingFault, err)
		}
		l.counters.AddOut(uint64(wn))
	}
}

// process decides what goes back to the interface for one inbound
// packet: the packet itself for pass-through, or a synthesized DNS
// answer for blocked/rewritten queries.
func (l *forwardingLoop) process(ctx context.Context, pkt []byte) []byte {
	q, ok := dnspkt.Parse(pkt)
	if !ok {
		return pkt
	}

	dctx, cancel := context.WithTimeout(ctx, l.engineTimeout)
	decision, err := l.engine.Decide(dctx, q.Name(), q.Qtype())
	cancel()
	if err != nil {
		// Fail open.
		l.log.Warnf("filter engine failed for %s, passing query: %v", q.Name(), err)
		return pkt
	}

	switch decision.Action {
	case filter.ActionBlock:
		reply, err := q.NXDomain()
		if err != nil {
			l.log.Warnf("synthesize nxdomain for %s: %v", q.Name(), err)
			return pkt
		}
		l.log.Debugf("blocked %s", q.Name())
		return reply
	case filter.ActionRewrite:
		reply, err := q.Address(decision.RewriteTo)
		if err != nil {
			l.log.Warnf("synthesize answer for %s: %v", q.Name(), err)
			return pkt
		}
		l.log.Debugf("rewrote %s -> %s", q.Name(), decision.RewriteTo)
		return reply
	default:
		return pkt
	}
}

func shutdownErr(ctx context.Context, err error) bool {
	if ctx.Err() != nil {
		return true
	}
	return errors.Is(err, os.ErrClosed) || errors.Is(err, net.ErrClosed) || errors.Is(err, io.EOF)
}
