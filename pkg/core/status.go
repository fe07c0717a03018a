// Package core contains the shared vocabulary of the tunnel subsystem:
// lifecycle status values, the tunnel configuration, traffic counters,
// the virtual-interface device contract and the error taxonomy.
package core

import "fmt"

// Status is the lifecycle state of the tunnel session.
type Status string

// Lifecycle states. Disconnected is both the initial state and the only
// quiescent one; Error is left only through an explicit Connect or
// Disconnect.
const (
	StatusDisconnected  Status = "disconnected"
	StatusConnecting    Status = "connecting"
	StatusConnected     Status = "connected"
	StatusDisconnecting Status = "disconnecting"
	StatusError         Status = "error"
)

// ParseStatus converts a persisted status string back to a Status.
func ParseStatus(s string) (Status, error) {
	switch Status(s) {
	case StatusDisconnected, StatusConnecting, StatusConnected, StatusDisconnecting, StatusError:
		return Status(s), nil
	}
	return StatusDisconnected, fmt.Errorf("unknown status: %q", s)
}

// Active reports whether a session exists or is being established.
func (s Status) Active() bool {
	return s == StatusConnecting || s == StatusConnected
}
