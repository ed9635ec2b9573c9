// Package ranking maintains the set of admissible tickers.
//
// A Snapshot is immutable once published; the Book swaps the current
// snapshot by atomic pointer assignment so decision workers read it
// lock-free. The Refresher (refresher.go) produces new snapshots from a
// Source (source.go) on the active strategy's interval and fires
// reprocessing when tickers enter the set.
package ranking

import (
	"sync/atomic"
	"time"

	"signal-relay/pkg/types"
)

// Snapshot is one published generation of the ranking.
type Snapshot struct {
	Tickers    types.TickerSet
	FetchedAt  time.Time
	Generation uint64
}

// Book holds the current snapshot. Readers call Current; only the refresher
// (or an admin-forced refresh) publishes.
type Book struct {
	current atomic.Pointer[Snapshot]
	gen     atomic.Uint64
}

// NewBook starts with an empty generation-zero snapshot so admission can run
// before the first fetch completes (everything rejects as not_in_ranking).
func NewBook() *Book {
	b := &Book{}
	b.current.Store(&Snapshot{Tickers: types.TickerSet{}})
	return b
}

// Current returns the published snapshot. Never nil.
func (b *Book) Current() *Snapshot {
	return b.current.Load()
}

// Publish atomically replaces the snapshot with a new strictly-increasing
// generation and returns the tickers that entered relative to the previous
// snapshot.
func (b *Book) Publish(tickers types.TickerSet, fetchedAt time.Time) (entered []string, generation uint64) {
	prev := b.current.Load()
	generation = b.gen.Add(1)
	next := &Snapshot{
		Tickers:    tickers,
		FetchedAt:  fetchedAt,
		Generation: generation,
	}
	entered = tickers.Diff(prev.Tickers)
	b.current.Store(next)
	return entered, generation
}
