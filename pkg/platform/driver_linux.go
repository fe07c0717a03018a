//go:build linux

package platform

import (
	"context"
	"fmt"
	"net"
	"os"

	"github.com/sirupsen/logrus"
	"github.com/vishvananda/netlink"
	"golang.org/x/sys/unix"
	wgtun "golang.zx2c4.com/wireguard/tun"

	"github.com/veildns/veild/pkg/core"
	"github.com/veildns/veild/pkg/logging"
)

const tunDevicePath = "/dev/net/tun"

// New returns the Linux tunnel driver.
func New() Driver {
	return &linuxDriver{log: logging.WithComponent("platform.linux")}
}

type linuxDriver struct {
	log      *logrus.Entry
	redirect *dnsRedirect
}

func (d *linuxDriver) Supported() bool {
	_, err := os.Stat(tunDevicePath)
	return err == nil
}

// HasPermission probes the clone device directly: opening it requires
// CAP_NET_ADMIN, the same capability interface creation needs.
func (d *linuxDriver) HasPermission() bool {
	fd, err := unix.Open(tunDevicePath, unix.O_RDWR|unix.O_CLOEXEC, 0)
	if err != nil {
		return false
	}
	unix.Close(fd)
	return true
}

// RequestPermission has no interactive consent flow on Linux; the grant
// is the capability set of the process.
func (d *linuxDriver) RequestPermission(_ context.Context) (bool, error) {
	return d.HasPermission(), nil
}

func (d *linuxDriver) Establish(_ context.Context, cfg core.TunnelConfiguration) (core.TunnelDevice, error) {
	if len(cfg.ExcludedApps) > 0 {
		d.log.Warnf("excludedApps not enforceable on linux, ignoring %d entries", len(cfg.ExcludedApps))
	}

	tdev, err := wgtun.CreateTUN("veild", cfg.MTU)
	if err != nil {
		return nil, fmt.Errorf("create tun: %w", err)
	}
	dev, err := newWGDevice(tdev, cfg.MTU)
	if err != nil {
		return nil, fmt.Errorf("query tun name: %w", err)
	}

	if err := d.configureLink(dev.Name(), cfg); err != nil {
		dev.Close()
		return nil, err
	}

	if cfg.SplitTunnel {
		// Best effort: without the redirect, split-tunnel mode still
		// covers resolvers reached via the host routes above.
		redirect, err := newDNSRedirect(cfg.ResolverIPs())
		if err != nil {
			d.log.Warnf("dns redirect unavailable: %v", err)
		} else {
			d.redirect = redirect
		}
	}

	d.log.Infof("established %s mtu=%d routes=%v", dev.Name(), cfg.MTU, RoutesFor(cfg))
	return dev, nil
}

func (d *linuxDriver) configureLink(name string, cfg core.TunnelConfiguration) error {
	link, err := netlink.LinkByName(name)
	if err != nil {
		return fmt.Errorf("lookup %s: %w", name, err)
	}
	addr, err := netlink.ParseAddr(tunnelPrefix)
	if err != nil {
		return err
	}
	if err := netlink.AddrAdd(link, addr); err != nil {
		return fmt.Errorf("assign %s: %w", tunnelPrefix, err)
	}
	if err := netlink.LinkSetUp(link); err != nil {
		return fmt.Errorf("link up: %w", err)
	}

	idx := link.Attrs().Index
	for _, ip := range cfg.ResolverIPs() {
		v4 := ip.To4()
		if v4 == nil {
			d.log.Warnf("skipping non-IPv4 resolver route %s", ip)
			continue
		}
		route := &netlink.Route{
			LinkIndex: idx,
			Scope:     netlink.SCOPE_LINK,
			Dst:       &net.IPNet{IP: v4, Mask: net.CIDRMask(32, 32)},
		}
		if err := netlink.RouteAdd(route); err != nil {
			return fmt.Errorf("route %s: %w", v4, err)
		}
	}

	if !cfg.SplitTunnel {
		route := &netlink.Route{
			LinkIndex: idx,
			Dst:       &net.IPNet{IP: net.IPv4zero, Mask: net.CIDRMask(0, 32)},
		}
		if err := netlink.RouteAdd(route); err != nil {
			return fmt.Errorf("default route: %w", err)
		}
	}
	return nil
}

// Teardown removes the port-53 redirect if one was installed. Routes
// and the address die with the interface.
func (d *linuxDriver) Teardown(core.TunnelDevice) error {
	if d.redirect != nil {
		if err := d.redirect.remove(); err != nil {
			d.log.Warnf("dns redirect cleanup: %v", err)
		}
		d.redirect = nil
	}
	return nil
}
