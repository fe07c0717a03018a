package core

import (
	"fmt"
	"net"

	"github.com/go-playground/validator/v10"
)

// DefaultMTU is used when a configuration does not specify one.
const DefaultMTU = 1400

var validate = validator.New()

// TunnelConfiguration is the active tunnel configuration. It is owned
// by the configuration store, replaced wholesale on every Configure and
// never mutated in place.
type TunnelConfiguration struct {
	// ServerAddress is a logical identifier for the filtering backend.
	// It is not necessarily dialed by this subsystem.
	ServerAddress string `json:"serverAddress" yaml:"serverAddress" validate:"required"`

	// DNSServers is the ordered resolver list routed through the
	// tunnel. Each entry is an IP literal or IP:port.
	DNSServers []string `json:"dnsServers" yaml:"dnsServers" validate:"required,min=1"`

	// MTU of the virtual interface. Zero means DefaultMTU.
	MTU int `json:"mtu,omitempty" yaml:"mtu,omitempty" validate:"omitempty,gt=0"`

	// SplitTunnel restricts routing to the DNS servers only. When
	// false a default route sends all traffic through the tunnel.
	SplitTunnel bool `json:"splitTunnel,omitempty" yaml:"splitTunnel,omitempty"`

	// ExcludedApps lists application identifiers exempt from the
	// tunnel. Only meaningful with SplitTunnel on platforms that
	// support per-app routing.
	ExcludedApps []string `json:"excludedApps,omitempty" yaml:"excludedApps,omitempty"`
}

// Validate checks the configuration structurally and verifies every DNS
// server is a syntactically valid resolver address. Failures wrap
// ErrInvalidConfiguration.
func (c *TunnelConfiguration) Validate() error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidConfiguration, err)
	}
	for _, s := range c.DNSServers {
		if !validResolverAddr(s) {
			return fmt.Errorf("%w: bad DNS server %q", ErrInvalidConfiguration, s)
		}
	}
	return nil
}

// Normalized returns a copy with defaults applied.
func (c TunnelConfiguration) Normalized() TunnelConfiguration {
	if c.MTU <= 0 {
		c.MTU = DefaultMTU
	}
	return c
}

// Equal reports whether two configurations would establish the same
// session. Used to decide whether Connect on an active session must
// re-establish.
func (c TunnelConfiguration) Equal(o TunnelConfiguration) bool {
	if c.ServerAddress != o.ServerAddress ||
		c.Normalized().MTU != o.Normalized().MTU ||
		c.SplitTunnel != o.SplitTunnel ||
		len(c.DNSServers) != len(o.DNSServers) ||
		len(c.ExcludedApps) != len(o.ExcludedApps) {
		return false
	}
	for i := range c.DNSServers {
		if c.DNSServers[i] != o.DNSServers[i] {
			return false
		}
	}
	for i := range c.ExcludedApps {
		if c.ExcludedApps[i] != o.ExcludedApps[i] {
			return false
		}
	}
	return true
}

// ResolverIPs returns the resolver addresses with any port stripped.
func (c TunnelConfiguration) ResolverIPs() []net.IP {
	ips := make([]net.IP, 0, len(c.DNSServers))
	for _, s := range c.DNSServers {
		host := s
		if h, _, err := net.SplitHostPort(s); err == nil {
			host = h
		}
		if ip := net.ParseIP(host); ip != nil {
			ips = append(ips, ip)
		}
	}
	return ips
}

func validResolverAddr(s string) bool {
	if net.ParseIP(s) != nil {
		return true
	}
	host, port, err := net.SplitHostPort(s)
	if err != nil {
		return false
	}
	if port == "" || net.ParseIP(host) == nil {
		return false
	}
	return true
}
