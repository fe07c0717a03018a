//go:build darwin

package platform

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"strconv"
	"strings"

	"github.com/sirupsen/logrus"
	wgtun "golang.zx2c4.com/wireguard/tun"

	"github.com/veildns/veild/pkg/core"
	"github.com/veildns/veild/pkg/logging"
)

// New returns the Darwin tunnel driver.
func New() Driver {
	return &darwinDriver{log: logging.WithComponent("platform.darwin")}
}

type darwinDriver struct {
	log *logrus.Entry
}

func (d *darwinDriver) Supported() bool {
	return true
}

// Creating a utun requires root; there is no per-app consent prompt
// for a plain daemon outside the NetworkExtension sandbox.
func (d *darwinDriver) HasPermission() bool {
	return os.Geteuid() == 0
}

func (d *darwinDriver) RequestPermission(_ context.Context) (bool, error) {
	return d.HasPermission(), nil
}

func (d *darwinDriver) Establish(ctx context.Context, cfg core.TunnelConfiguration) (core.TunnelDevice, error) {
	if len(cfg.ExcludedApps) > 0 {
		d.log.Warnf("excludedApps not enforceable on darwin, ignoring %d entries", len(cfg.ExcludedApps))
	}

	tdev, err := wgtun.CreateTUN("utun", cfg.MTU)
	if err != nil {
		return nil, fmt.Errorf("create utun: %w", err)
	}
	dev, err := newWGDevice(tdev, cfg.MTU)
	if err != nil {
		return nil, fmt.Errorf("query utun name: %w", err)
	}

	if err := d.configure(ctx, dev.Name(), cfg); err != nil {
		dev.Close()
		return nil, err
	}

	d.log.Infof("established %s mtu=%d routes=%v", dev.Name(), cfg.MTU, RoutesFor(cfg))
	return dev, nil
}

func (d *darwinDriver) configure(ctx context.Context, name string, cfg core.TunnelConfiguration) error {
	if err := run(ctx, "ifconfig", name, tunnelAddr, tunnelPeerAddr, "mtu", strconv.Itoa(cfg.MTU), "up"); err != nil {
		return err
	}
	for _, ip := range cfg.ResolverIPs() {
		if ip.To4() == nil {
			d.log.Warnf("skipping non-IPv4 resolver route %s", ip)
			continue
		}
		if err := run(ctx, "route", "-q", "add", "-host", ip.String(), "-interface", name); err != nil {
			return err
		}
	}
	if !cfg.SplitTunnel {
		// The split default (0/1 + 128/1) wins over the existing
		// default route without deleting it.
		for _, cidr := range []string{"0.0.0.0/1", "128.0.0.0/1"} {
			if err := run(ctx, "route", "-q", "add", "-net", cidr, "-interface", name); err != nil {
				return err
			}
		}
	}
	return nil
}

// Teardown has nothing to release: darwin routes bound to the utun are
// removed by the kernel when the interface goes away.
func (d *darwinDriver) Teardown(core.TunnelDevice) error {
	return nil
}

func run(ctx context.Context, name string, args ...string) error {
	out, err := exec.CommandContext(ctx, name, args...).CombinedOutput()
	if err != nil {
		return fmt.Errorf("%s %s: %w: %s", name, strings.Join(args, " "), err, strings.TrimSpace(string(out)))
	}
	return nil
}
