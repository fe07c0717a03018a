// Package store persists the active tunnel configuration and the
// last-known status across process restarts. The controller owns
// validation; the store is purely structural.
package store

import (
	"errors"

	"github.com/veildns/veild/pkg/core"
)

// ErrNotFound is returned by LoadConfig when no configuration has been
// saved yet.
var ErrNotFound = errors.New("no stored configuration")

// Store is the durable key/value store behind the lifecycle controller.
// I/O errors are surfaced to the caller, never swallowed: a silently
// failed save would let Connect re-establish with a stale configuration
// after a restart.
type Store interface {
	SaveConfig(cfg core.TunnelConfiguration) error
	LoadConfig() (core.TunnelConfiguration, error)
	SaveStatus(status core.Status) error
	LoadStatus() (core.Status, error)
}
