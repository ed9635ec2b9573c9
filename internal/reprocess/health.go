package reprocess

import (
	"sync"
	"time"
)

// HealthStatus is the rolled-up state of the reprocessing subsystem.
type HealthStatus string

const (
	Healthy  HealthStatus = "HEALTHY"
	Warning  HealthStatus = "WARNING"
	Critical HealthStatus = "CRITICAL"
	Stale    HealthStatus = "STALE"
)

// healthWindow bounds how many recent cycles feed the success-rate rollup.
const healthWindow = 50

// staleAfter marks the subsystem STALE when no cycle ran for this long.
const staleAfter = time.Hour

type cycleRecord struct {
	processed  int
	successful int
	duration   time.Duration
	timedOut   bool
}

// Health keeps a rolling window of cycle outcomes and rolls them up into a
// single status for the admin surface.
type Health struct {
	mu        sync.Mutex
	cycles    []cycleRecord
	lastCycle time.Time
	timeouts  uint64
}

func NewHealth() *Health {
	return &Health{}
}

// RecordCycle appends one cycle's outcome to the rolling window.
func (h *Health) RecordCycle(processed, successful int, duration time.Duration, timedOut bool) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.cycles = append(h.cycles, cycleRecord{
		processed:  processed,
		successful: successful,
		duration:   duration,
		timedOut:   timedOut,
	})
	if len(h.cycles) > healthWindow {
		h.cycles = h.cycles[len(h.cycles)-healthWindow:]
	}
	h.lastCycle = time.Now()
	if timedOut {
		h.timeouts++
	}
}

// Report is the admin-facing health snapshot.
type Report struct {
	Status          HealthStatus  `json:"status"`
	SuccessRate     float64       `json:"success_rate"`
	CyclesObserved  int           `json:"cycles_observed"`
	Processed       int           `json:"processed"`
	Successful      int           `json:"successful"`
	Timeouts        uint64        `json:"timeouts"`
	LastCycleAt     time.Time     `json:"last_cycle_at"`
	LastCycleTook   time.Duration `json:"-"`
	LastCycleTookMS int64         `json:"last_cycle_took_ms"`
}

// Snapshot rolls up the window.
//
// HEALTHY needs a success rate of at least 95% and a last cycle under 10s;
// WARNING tolerates 85% and 30s; anything worse is CRITICAL. A subsystem
// that has not run for over an hour is STALE regardless of its history, and
// one that has never run reports STALE with no rate.
func (h *Health) Snapshot() Report {
	h.mu.Lock()
	defer h.mu.Unlock()

	r := Report{Status: Stale, SuccessRate: 1.0, Timeouts: h.timeouts, LastCycleAt: h.lastCycle}
	if h.lastCycle.IsZero() {
		return r
	}

	var lastTook time.Duration
	for _, c := range h.cycles {
		r.Processed += c.processed
		r.Successful += c.successful
		lastTook = c.duration
	}
	r.CyclesObserved = len(h.cycles)
	r.LastCycleTook = lastTook
	r.LastCycleTookMS = lastTook.Milliseconds()
	if r.Processed > 0 {
		r.SuccessRate = float64(r.Successful) / float64(r.Processed)
	}

	switch {
	case time.Since(h.lastCycle) > staleAfter:
		r.Status = Stale
	case r.SuccessRate >= 0.95 && lastTook < 10*time.Second:
		r.Status = Healthy
	case r.SuccessRate >= 0.85 && lastTook < 30*time.Second:
		r.Status = Warning
	default:
		r.Status = Critical
	}
	return r
}
