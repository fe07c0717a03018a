//go:build !linux && !darwin

package platform

import (
	"context"

	"github.com/veildns/veild/pkg/core"
)

// New returns a stub driver on platforms without a tunnel backend.
func New() Driver {
	return unsupportedDriver{}
}

type unsupportedDriver struct{}

func (unsupportedDriver) Supported() bool      { return false }
func (unsupportedDriver) HasPermission() bool  { return false }
func (unsupportedDriver) Teardown(core.TunnelDevice) error { return nil }

func (unsupportedDriver) RequestPermission(context.Context) (bool, error) {
	return false, nil
}

func (unsupportedDriver) Establish(context.Context, core.TunnelConfiguration) (core.TunnelDevice, error) {
	return nil, core.ErrUnsupported
}
