// Package platform contains the per-OS tunnel drivers. Each driver
// requests the virtual interface from the operating system, applies the
// routing implied by the tunnel configuration and hands the exclusive
// device handle to the lifecycle controller. The concrete driver is
// selected at build time; MockDriver stands in for the OS in tests.
package platform

import (
	"context"
	"fmt"

	"github.com/veildns/veild/pkg/core"
)

// Tunnel-side addressing of the virtual interface. The /30 keeps the
// point-to-point pair out of commonly used private ranges.
const (
	tunnelAddr     = "172.19.0.1"
	tunnelPeerAddr = "172.19.0.2"
	tunnelPrefix   = "172.19.0.1/30"
)

// Driver is the per-platform tunnel driver.
type Driver interface {
	// Supported reports whether the OS exposes a tunneling facility to
	// this application class. Never returns an error.
	Supported() bool

	// HasPermission reports whether interface creation is currently
	// permitted.
	HasPermission() bool

	// RequestPermission surfaces the OS consent flow. Idempotent:
	// while permission is already granted it returns true immediately
	// without prompting again.
	RequestPermission(ctx context.Context) (bool, error)

	// Establish creates the virtual interface and applies routing for
	// cfg. On any error the interface is released before returning;
	// the caller owns the returned handle otherwise.
	Establish(ctx context.Context, cfg core.TunnelConfiguration) (core.TunnelDevice, error)

	// Teardown releases any routing state that does not die with the
	// interface itself. The device must already be closed.
	Teardown(dev core.TunnelDevice) error
}

// RoutesFor is the routing contract every driver implements: a host
// route per configured resolver, plus a catch-all default route only
// when split tunneling is off.
func RoutesFor(cfg core.TunnelConfiguration) []string {
	routes := make([]string, 0, len(cfg.DNSServers)+1)
	for _, ip := range cfg.ResolverIPs() {
		routes = append(routes, fmt.Sprintf("%s/32", ip))
	}
	if !cfg.SplitTunnel {
		routes = append(routes, "0.0.0.0/0")
	}
	return routes
}
