// Package ratelimit paces outbound webhook requests.
//
// The destination accepts a fixed budget of requests per minute, so the
// limiter keeps a sliding 60-second window of grant timestamps combined with
// the invariant that at most max grants exist in any rolling window. Callers
// block in Acquire until a slot frees up or their context is cancelled.
//
// The limiter can be paused from the admin surface: while paused, Acquire
// returns a no-op permit immediately and no pacing happens.
package ratelimit

import (
	"context"
	"sync"
	"sync/atomic"
	"time"
)

// Permit is the token returned by Acquire. Pass it back to OnResponse once
// the outbound request finishes so metrics stay accurate.
type Permit struct {
	noop      bool
	grantedAt time.Time
}

// Limiter grants at most max permits within any rolling window.
type Limiter struct {
	mu     sync.Mutex
	grants []time.Time // timestamps of grants still inside the window
	max    int
	window time.Duration

	// acqMu serializes acquirers so waiters are served in arrival order
	// rather than racing for the freed slot.
	acqMu sync.Mutex

	enabled atomic.Bool

	inflight  atomic.Int64
	totalOK   atomic.Int64
	totalErr  atomic.Int64
	totalNoop atomic.Int64
}

// New creates a limiter with the standard 60-second window.
func New(maxPerMinute int) *Limiter {
	return NewWithWindow(maxPerMinute, time.Minute)
}

// NewWithWindow creates a limiter with a custom window (used by tests).
func NewWithWindow(max int, window time.Duration) *Limiter {
	l := &Limiter{
		max:    max,
		window: window,
	}
	l.enabled.Store(true)
	return l
}

// Acquire blocks until the caller may issue one outbound request, or returns
// immediately with a no-op permit while the limiter is paused.
func (l *Limiter) Acquire(ctx context.Context) (Permit, error) {
	if !l.enabled.Load() {
		l.totalNoop.Add(1)
		return Permit{noop: true}, nil
	}

	l.acqMu.Lock()
	defer l.acqMu.Unlock()

	for {
		// Pause may have flipped while we were queued behind other waiters.
		if !l.enabled.Load() {
			l.totalNoop.Add(1)
			return Permit{noop: true}, nil
		}

		l.mu.Lock()
		now := time.Now()
		l.prune(now)

		if len(l.grants) < l.max {
			l.grants = append(l.grants, now)
			l.mu.Unlock()
			l.inflight.Add(1)
			return Permit{grantedAt: now}, nil
		}

		// Window is full: sleep until the oldest grant expires.
		wait := l.grants[0].Add(l.window).Sub(now)
		l.mu.Unlock()

		select {
		case <-ctx.Done():
			return Permit{}, ctx.Err()
		case <-time.After(wait):
		}
	}
}

// prune drops grants older than the window. Callers hold mu.
func (l *Limiter) prune(now time.Time) {
	cutoff := now.Add(-l.window)
	i := 0
	for i < len(l.grants) && !l.grants[i].After(cutoff) {
		i++
	}
	if i > 0 {
		l.grants = append(l.grants[:0], l.grants[i:]...)
	}
}

// OnResponse releases the permit and records the outcome.
func (l *Limiter) OnResponse(p Permit, status int) {
	if p.noop {
		return
	}
	l.inflight.Add(-1)
	if status >= 200 && status < 300 {
		l.totalOK.Add(1)
	} else {
		l.totalErr.Add(1)
	}
}

// Pause disables pacing. In-flight waiters return no-op permits on their
// next check.
func (l *Limiter) Pause() {
	l.enabled.Store(false)
}

// Resume re-enables pacing with an empty feel: old grants still in the
// window keep counting, so resuming cannot burst past the budget.
func (l *Limiter) Resume() {
	l.enabled.Store(true)
}

// Paused reports whether pacing is disabled.
func (l *Limiter) Paused() bool {
	return !l.enabled.Load()
}

// Snapshot describes the limiter for the admin system-info endpoint.
type Snapshot struct {
	MaxPerWindow int   `json:"max_per_window"`
	WindowUsed   int   `json:"window_used"`
	Inflight     int64 `json:"inflight"`
	Paused       bool  `json:"paused"`
	TotalOK      int64 `json:"total_ok"`
	TotalErr     int64 `json:"total_err"`
	TotalUnpaced int64 `json:"total_unpaced"`
}

// Stats returns the current limiter state.
func (l *Limiter) Stats() Snapshot {
	l.mu.Lock()
	l.prune(time.Now())
	used := len(l.grants)
	l.mu.Unlock()

	return Snapshot{
		MaxPerWindow: l.max,
		WindowUsed:   used,
		Inflight:     l.inflight.Load(),
		Paused:       l.Paused(),
		TotalOK:      l.totalOK.Load(),
		TotalErr:     l.totalErr.Load(),
		TotalUnpaced: l.totalNoop.Load(),
	}
}
