package core

import "sync/atomic"

// TrafficCounters accounts bytes moved through the forwarding loop.
// The loop is the only writer; the stats publisher and facade read
// concurrently. Values are monotonically non-decreasing for the life of
// one session and reset exactly when a new session begins.
type TrafficCounters struct {
	bytesIn  atomic.Uint64
	bytesOut atomic.Uint64
}

// AddIn accounts bytes read from the virtual interface.
func (c *TrafficCounters) AddIn(n uint64) { c.bytesIn.Add(n) }

// AddOut accounts bytes written back to the virtual interface.
func (c *TrafficCounters) AddOut(n uint64) { c.bytesOut.Add(n) }

// Reset zeroes both counters. Called at session start, never on reads.
func (c *TrafficCounters) Reset() {
	c.bytesIn.Store(0)
	c.bytesOut.Store(0)
}

// Snapshot returns both counters. Each field is read atomically, so a
// reader never observes a torn value; the pair may span at most one
// in-flight packet, which is acceptable for reporting.
func (c *TrafficCounters) Snapshot() (in, out uint64) {
	return c.bytesIn.Load(), c.bytesOut.Load()
}
