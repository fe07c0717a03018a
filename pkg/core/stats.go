package core

import "time"

// Stats is the outward-facing traffic snapshot. It is derived on demand
// from the counters and session timestamps and is never itself a source
// of truth.
type Stats struct {
	BytesIn  uint64 `json:"bytesIn"`
	BytesOut uint64 `json:"bytesOut"`

	// ConnectedSince is the session start in unix milliseconds, or
	// null when no session is active.
	ConnectedSince *int64 `json:"connectedSince"`

	// ServerLatency is the most recent resolver round-trip in
	// milliseconds, zero when unknown.
	ServerLatency float64 `json:"serverLatency"`
}

// NewStats assembles a snapshot from a counter pair and an optional
// session start time.
func NewStats(in, out uint64, since *time.Time, latency time.Duration) Stats {
	s := Stats{
		BytesIn:       in,
		BytesOut:      out,
		ServerLatency: float64(latency) / float64(time.Millisecond),
	}
	if since != nil {
		ms := since.UnixMilli()
		s.ConnectedSince = &ms
	}
	return s
}
