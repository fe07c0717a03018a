package core

import "errors"

// Error taxonomy for lifecycle operations. PermissionDenied and
// InvalidConfiguration are returned synchronously from the failing
// command; EstablishFailed and ForwardingFault surface through the
// error status transition after resources have been released.
var (
	// ErrPermissionDenied means the user declined or revoked the OS
	// consent required to create the virtual interface.
	ErrPermissionDenied = errors.New("tunnel permission denied")

	// ErrInvalidConfiguration means the supplied tunnel configuration
	// failed validation (empty or malformed DNS server list,
	// non-positive MTU).
	ErrInvalidConfiguration = errors.New("invalid tunnel configuration")

	// ErrNotConfigured means Connect was called before any
	// configuration was persisted.
	ErrNotConfigured = errors.New("tunnel not configured")

	// ErrUnsupported means the OS exposes no tunneling facility to this
	// application class.
	ErrUnsupported = errors.New("tunneling not supported on this platform")

	// ErrEstablishFailed means the OS refused to create the virtual
	// interface (resource exhaustion, conflicting tunnel, revoked
	// entitlement).
	ErrEstablishFailed = errors.New("interface establishment failed")

	// ErrForwardingFault means the forwarding loop hit an unexpected
	// I/O error mid-session.
	ErrForwardingFault = errors.New("forwarding fault")
)
