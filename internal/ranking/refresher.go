package ranking

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"signal-relay/internal/store"
)

// Reprocessor is invoked after a snapshot apply when tickers entered the
// ranking. Implemented by the reprocess engine.
type Reprocessor interface {
	ProcessEntered(ctx context.Context, entered []string, strategy store.StrategyRow)
}

// AppliedFunc observes every published snapshot (admin event stream).
type AppliedFunc func(generation uint64, size int, entered []string)

// Refresher drives the ranking lifecycle: on every tick of the active
// strategy's interval it fetches the ranking, diffs it against the last
// published snapshot, atomically applies the new one, and hands entered
// tickers to the reprocessor.
//
// A failed fetch leaves the last good snapshot untouched; a transient
// screener outage must never empty the ranking and start rejecting
// everything.
type Refresher struct {
	store   *store.Store
	source  Source
	book    *Book
	repro   Reprocessor
	logger  *slog.Logger
	paused  atomic.Bool
	forceCh chan chan error
	applied AppliedFunc

	fetchTimeout time.Duration
	lastRun      atomic.Int64 // unix nanos of last successful apply
}

// NewRefresher wires the refresher. repro and applied may be nil.
func NewRefresher(st *store.Store, source Source, book *Book, repro Reprocessor, applied AppliedFunc, fetchTimeout time.Duration, logger *slog.Logger) *Refresher {
	return &Refresher{
		store:        st,
		source:       source,
		book:         book,
		repro:        repro,
		applied:      applied,
		fetchTimeout: fetchTimeout,
		logger:       logger.With("component", "refresher"),
		forceCh:      make(chan chan error),
	}
}

// Run is the refresher loop. The active strategy is re-read at the top of
// every tick, so interval or URL edits take effect on the next cycle without
// disturbing an in-flight one. Blocks until ctx is cancelled.
func (r *Refresher) Run(ctx context.Context) {
	// Immediate first refresh so admission has a ranking at startup.
	r.tick(ctx)

	for {
		interval := r.currentInterval(ctx)
		timer := time.NewTimer(interval)

		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case reply := <-r.forceCh:
			timer.Stop()
			reply <- r.refresh(ctx)
		case <-timer.C:
			r.tick(ctx)
		}
	}
}

func (r *Refresher) currentInterval(ctx context.Context) time.Duration {
	strat, err := r.store.ActiveStrategy(ctx)
	if err != nil {
		r.logger.Error("failed to load active strategy", "error", err)
		return 30 * time.Second
	}
	return time.Duration(strat.RefreshIntervalSec) * time.Second
}

func (r *Refresher) tick(ctx context.Context) {
	if r.paused.Load() {
		return
	}
	if err := r.refresh(ctx); err != nil && ctx.Err() == nil {
		r.logger.Error("refresh failed, keeping last snapshot", "error", err)
	}
}

// refresh runs one Fetch -> Diff -> Apply -> Reprocess cycle.
func (r *Refresher) refresh(ctx context.Context) error {
	strat, err := r.store.ActiveStrategy(ctx)
	if err != nil {
		return fmt.Errorf("load strategy: %w", err)
	}

	fetchCtx, cancel := context.WithTimeout(ctx, r.fetchTimeout)
	defer cancel()

	tickers, err := r.source.FetchTickers(fetchCtx, strat.URL, strat.TopN)
	if err != nil {
		return fmt.Errorf("fetch ranking: %w", err)
	}

	entered, generation := r.book.Publish(tickers, time.Now().UTC())
	r.lastRun.Store(time.Now().UnixNano())

	r.logger.Info("ranking applied",
		"generation", generation,
		"tickers", len(tickers),
		"entered", len(entered),
		"strategy", strat.Name,
	)

	if r.applied != nil {
		r.applied(generation, len(tickers), entered)
	}

	if len(entered) > 0 && strat.ReprocessEnabled && r.repro != nil {
		r.repro.ProcessEntered(ctx, entered, *strat)
	}
	return nil
}

// ForceRefresh runs a cycle immediately, even while paused. Used by the
// admin endpoint; the error is reported to the caller.
func (r *Refresher) ForceRefresh(ctx context.Context) error {
	reply := make(chan error, 1)
	select {
	case r.forceCh <- reply:
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-reply:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Pause stops initiating fetches. The last published snapshot remains
// authoritative for admission.
func (r *Refresher) Pause() { r.paused.Store(true) }

// Resume re-enables ticks.
func (r *Refresher) Resume() { r.paused.Store(false) }

// Paused reports whether fetching is suspended.
func (r *Refresher) Paused() bool { return r.paused.Load() }

// LastApplied returns the time of the last successful apply (zero if none).
func (r *Refresher) LastApplied() time.Time {
	n := r.lastRun.Load()
	if n == 0 {
		return time.Time{}
	}
	return time.Unix(0, n)
}
