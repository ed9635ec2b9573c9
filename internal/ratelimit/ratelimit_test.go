package ratelimit

import (
	"context"
	"testing"
	"time"
)

func TestAcquireImmediateUnderBudget(t *testing.T) {
	t.Parallel()
	l := NewWithWindow(5, time.Minute)

	for i := 0; i < 5; i++ {
		start := time.Now()
		p, err := l.Acquire(context.Background())
		if err != nil {
			t.Fatalf("Acquire() returned error: %v", err)
		}
		if elapsed := time.Since(start); elapsed > 50*time.Millisecond {
			t.Errorf("Acquire() took %v, expected immediate (grant %d)", elapsed, i)
		}
		l.OnResponse(p, 200)
	}
}

func TestAcquireBlocksWhenWindowFull(t *testing.T) {
	t.Parallel()
	// 1 permit per 100ms window.
	l := NewWithWindow(1, 100*time.Millisecond)

	p, err := l.Acquire(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	l.OnResponse(p, 200)

	// Next Acquire should block until the first grant leaves the window.
	start := time.Now()
	p, err = l.Acquire(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	l.OnResponse(p, 200)
	elapsed := time.Since(start)

	if elapsed < 50*time.Millisecond {
		t.Errorf("expected blocking ~100ms, got %v", elapsed)
	}
	if elapsed > 500*time.Millisecond {
		t.Errorf("blocked too long: %v", elapsed)
	}
}

func TestRollingWindowBudget(t *testing.T) {
	t.Parallel()
	l := NewWithWindow(3, 200*time.Millisecond)

	// Six acquisitions through a 3-per-window limiter need at least one
	// full window of elapsed time.
	start := time.Now()
	for i := 0; i < 6; i++ {
		p, err := l.Acquire(context.Background())
		if err != nil {
			t.Fatal(err)
		}
		l.OnResponse(p, 200)
	}
	if elapsed := time.Since(start); elapsed < 200*time.Millisecond {
		t.Errorf("6 grants through 3/window finished in %v, budget violated", elapsed)
	}
}

func TestAcquireContextCancelled(t *testing.T) {
	t.Parallel()
	l := NewWithWindow(1, time.Hour) // window never frees up in test time

	p, _ := l.Acquire(context.Background())
	l.OnResponse(p, 200)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	if _, err := l.Acquire(ctx); err == nil {
		t.Error("expected context error, got nil")
	}
}

func TestPausedAcquireReturnsImmediately(t *testing.T) {
	t.Parallel()
	l := NewWithWindow(1, time.Hour)

	p, _ := l.Acquire(context.Background())
	l.OnResponse(p, 200)

	l.Pause()
	start := time.Now()
	p, err := l.Acquire(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if elapsed := time.Since(start); elapsed > 50*time.Millisecond {
		t.Errorf("paused Acquire took %v, expected immediate", elapsed)
	}
	l.OnResponse(p, 200)

	if !l.Stats().Paused {
		t.Error("Stats should report paused")
	}

	// Resuming keeps old grants in the window, so the next Acquire still
	// respects the budget.
	l.Resume()
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	if _, err := l.Acquire(ctx); err == nil {
		t.Error("resume should not grant past the budget")
	}
}

func TestStatsCountResponses(t *testing.T) {
	t.Parallel()
	l := NewWithWindow(10, time.Minute)

	p1, _ := l.Acquire(context.Background())
	l.OnResponse(p1, 200)
	p2, _ := l.Acquire(context.Background())
	l.OnResponse(p2, 502)

	stats := l.Stats()
	if stats.TotalOK != 1 || stats.TotalErr != 1 {
		t.Errorf("stats = %+v, want 1 ok / 1 err", stats)
	}
	if stats.Inflight != 0 {
		t.Errorf("inflight = %d, want 0", stats.Inflight)
	}
}
