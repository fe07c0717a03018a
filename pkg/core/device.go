package core

// TunnelDevice is an established virtual network interface. The handle
// is exclusively owned by the lifecycle controller for the session's
// duration; Close unblocks a pending ReadPacket, which is the expected
// shutdown signal for the forwarding loop.
type TunnelDevice interface {
	// Name returns the OS name of the interface.
	Name() string

	// MTU returns the interface MTU.
	MTU() int

	// ReadPacket blocks until the next raw packet is available and
	// copies it into buf, returning its length.
	ReadPacket(buf []byte) (int, error)

	// WritePacket writes one raw packet to the interface.
	WritePacket(pkt []byte) (int, error)

	// Close releases the interface handle.
	Close() error
}
