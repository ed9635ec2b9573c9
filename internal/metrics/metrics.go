// Package metrics holds the pipeline's in-memory counters.
//
// Counters are plain atomics updated on the hot path; durable totals
// (signals by status, positions) are queried from the store when the admin
// surface asks for system info. Reset zeroes only the in-memory side.
package metrics

import "sync/atomic"

// Counters aggregates pipeline activity since start or last reset.
type Counters struct {
	Received                atomic.Int64
	Backpressured           atomic.Int64
	Approved                atomic.Int64
	Rejected                atomic.Int64
	ForwardedOK             atomic.Int64
	ForwardedErr            atomic.Int64
	Reprocessed             atomic.Int64
	CriticalInconsistencies atomic.Int64
}

// Snapshot is the JSON shape exposed by the admin surface.
type Snapshot struct {
	Received                int64 `json:"received"`
	Backpressured           int64 `json:"backpressured"`
	Approved                int64 `json:"approved"`
	Rejected                int64 `json:"rejected"`
	ForwardedOK             int64 `json:"forwarded_ok"`
	ForwardedErr            int64 `json:"forwarded_err"`
	Reprocessed             int64 `json:"reprocessed"`
	CriticalInconsistencies int64 `json:"critical_inconsistencies"`
}

// Snapshot captures the current values.
func (c *Counters) Snapshot() Snapshot {
	return Snapshot{
		Received:                c.Received.Load(),
		Backpressured:           c.Backpressured.Load(),
		Approved:                c.Approved.Load(),
		Rejected:                c.Rejected.Load(),
		ForwardedOK:             c.ForwardedOK.Load(),
		ForwardedErr:            c.ForwardedErr.Load(),
		Reprocessed:             c.Reprocessed.Load(),
		CriticalInconsistencies: c.CriticalInconsistencies.Load(),
	}
}

// Reset zeroes every counter.
func (c *Counters) Reset() {
	c.Received.Store(0)
	c.Backpressured.Store(0)
	c.Approved.Store(0)
	c.Rejected.Store(0)
	c.ForwardedOK.Store(0)
	c.ForwardedErr.Store(0)
	c.Reprocessed.Store(0)
	c.CriticalInconsistencies.Store(0)
}
