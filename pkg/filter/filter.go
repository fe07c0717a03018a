// Package filter defines the contract between the packet-forwarding
// loop and the DNS classification engine. The real engine lives outside
// this subsystem; StaticEngine is a reference implementation used as
// the default collaborator and in tests.
package filter

import (
	"context"
	"net"
	"strings"

	"github.com/miekg/dns"
)

// Action is the verdict for a single DNS query.
type Action int

const (
	// ActionAllow forwards the query unmodified.
	ActionAllow Action = iota

	// ActionBlock answers the query with NXDOMAIN instead of
	// forwarding it.
	ActionBlock

	// ActionRewrite answers the query locally with Decision.RewriteTo.
	ActionRewrite
)

// Decision is the engine's verdict plus its rewrite target, which is
// only set for ActionRewrite.
type Decision struct {
	Action    Action
	RewriteTo net.IP
}

// Engine classifies DNS queries. Implementations must honor ctx: the
// forwarding loop applies a deadline and treats expiry as fail-open, so
// a slow engine degrades filtering, not resolution.
type Engine interface {
	Decide(ctx context.Context, name string, qtype uint16) (Decision, error)
}

// AllowAll is an Engine that never blocks. Useful as a null collaborator.
type AllowAll struct{}

func (AllowAll) Decide(context.Context, string, uint16) (Decision, error) {
	return Decision{Action: ActionAllow}, nil
}

// StaticEngine blocks or rewrites queries by domain suffix match. A
// rule for "ads.example.com" covers the domain itself and every
// subdomain.
type StaticEngine struct {
	blocked  map[string]struct{}
	rewrites map[string]net.IP
}

// NewStaticEngine builds an engine from a block list and a rewrite map.
func NewStaticEngine(blocked []string, rewrites map[string]string) *StaticEngine {
	e := &StaticEngine{
		blocked:  make(map[string]struct{}, len(blocked)),
		rewrites: make(map[string]net.IP, len(rewrites)),
	}
	for _, d := range blocked {
		e.blocked[normalize(d)] = struct{}{}
	}
	for d, target := range rewrites {
		if ip := net.ParseIP(target); ip != nil {
			e.rewrites[normalize(d)] = ip
		}
	}
	return e
}

func (e *StaticEngine) Decide(_ context.Context, name string, qtype uint16) (Decision, error) {
	// Only address lookups are rewritten; everything else is
	// allow-or-block so non-A queries for blocked names still fail.
	labels := normalize(name)
	for d := labels; d != ""; d = parent(d) {
		if ip, ok := e.rewrites[d]; ok && (qtype == dns.TypeA || qtype == dns.TypeAAAA) {
			return Decision{Action: ActionRewrite, RewriteTo: ip}, nil
		}
		if _, ok := e.blocked[d]; ok {
			return Decision{Action: ActionBlock}, nil
		}
	}
	return Decision{Action: ActionAllow}, nil
}

func normalize(name string) string {
	return strings.ToLower(strings.TrimSuffix(name, "."))
}

// parent strips the leftmost label, so walking parent() visits every
// suffix of the query name.
func parent(name string) string {
	if i := strings.IndexByte(name, '.'); i >= 0 {
		return name[i+1:]
	}
	return ""
}
