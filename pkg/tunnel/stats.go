package tunnel

import (
	"context"
	"net"
	"sync/atomic"
	"time"

	"github.com/miekg/dns"
	"github.com/sirupsen/logrus"

	"github.com/veildns/veild/pkg/core"
	"github.com/veildns/veild/pkg/logging"
)

// probeName is the query used to time resolver round-trips. The answer
// is irrelevant; only the RTT is kept.
const probeName = "connectivity-check.veildns.net."

const probeTimeout = 2 * time.Second

// publisher samples the traffic counters on a fixed cadence while a
// session is active and pushes snapshots through the notifier. It holds
// no source-of-truth state: skipping it affects observability only.
type publisher struct {
	counters *core.TrafficCounters
	latency  *atomic.Int64
	since    time.Time
	resolver string
	notifier Notifier

	interval        time.Duration
	latencyInterval time.Duration
	log             *logrus.Entry
}

func newPublisher(counters *core.TrafficCounters, latency *atomic.Int64, s *session, notifier Notifier, interval, latencyInterval time.Duration) *publisher {
	return &publisher{
		counters:        counters,
		latency:         latency,
		since:           s.connectedSince,
		resolver:        resolverTarget(s.cfg),
		notifier:        notifier,
		interval:        interval,
		latencyInterval: latencyInterval,
		log:             logging.WithComponent("stats"),
	}
}

func (p *publisher) run(ctx context.Context) {
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()
	probe := time.NewTicker(p.latencyInterval)
	defer probe.Stop()

	go p.probeLatency(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.publish()
		case <-probe.C:
			go p.probeLatency(ctx)
		}
	}
}

func (p *publisher) publish() {
	in, out := p.counters.Snapshot()
	since := p.since
	p.notifier.OnStatsUpdated(core.NewStats(in, out, &since, time.Duration(p.latency.Load())))
}

// probeLatency times one real DNS exchange against the first configured
// resolver. Failures keep the previous value; the probe is best effort.
func (p *publisher) probeLatency(ctx context.Context) {
	if p.resolver == "" {
		return
	}
	m := new(dns.Msg)
	m.SetQuestion(probeName, dns.TypeA)
	client := &dns.Client{Timeout: probeTimeout}
	_, rtt, err := client.ExchangeContext(ctx, m, p.resolver)
	if err != nil {
		p.log.Debugf("latency probe against %s: %v", p.resolver, err)
		return
	}
	p.latency.Store(int64(rtt))
}

// resolverTarget returns the first resolver as host:port for the probe.
func resolverTarget(cfg core.TunnelConfiguration) string {
	if len(cfg.DNSServers) == 0 {
		return ""
	}
	s := cfg.DNSServers[0]
	if _, _, err := net.SplitHostPort(s); err == nil {
		return s
	}
	return net.JoinHostPort(s, "53")
}
