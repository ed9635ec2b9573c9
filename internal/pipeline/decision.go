package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"

	"signal-relay/internal/ledger"
	"signal-relay/internal/metrics"
	"signal-relay/internal/ranking"
	"signal-relay/internal/store"
	"signal-relay/pkg/types"
)

// DecisionFunc observes admission outcomes (admin event stream). reason is
// empty for approvals.
type DecisionFunc func(sig types.Signal, status types.SignalStatus, reason string)

// DecisionPool drains InQueue with a fixed set of workers. Each signal is
// admitted or rejected against the current ranking snapshot and the position
// ledger, and approved signals move to ApprovedQueue.
//
// A worker never lets a single signal's failure kill its loop: every
// iteration runs under a recover, and store transients are retried a bounded
// number of times by re-queueing at the tail.
type DecisionPool struct {
	inQ        *Queue
	approvedQ  *Queue
	store      *store.Store
	ledger     *ledger.Ledger
	book       *ranking.Book
	metrics    *metrics.Counters
	logger     *slog.Logger
	workers    int
	maxRetries int
	onDecision DecisionFunc
}

// NewDecisionPool wires the pool. onDecision may be nil.
func NewDecisionPool(
	inQ, approvedQ *Queue,
	st *store.Store,
	led *ledger.Ledger,
	book *ranking.Book,
	m *metrics.Counters,
	workers, maxRetries int,
	onDecision DecisionFunc,
	logger *slog.Logger,
) *DecisionPool {
	return &DecisionPool{
		inQ:        inQ,
		approvedQ:  approvedQ,
		store:      st,
		ledger:     led,
		book:       book,
		metrics:    m,
		workers:    workers,
		maxRetries: maxRetries,
		onDecision: onDecision,
		logger:     logger.With("component", "decision"),
	}
}

// Run starts the workers and blocks until they all exit on ctx cancellation.
func (p *DecisionPool) Run(ctx context.Context) {
	var wg sync.WaitGroup
	for i := 1; i <= p.workers; i++ {
		wg.Add(1)
		go func(workerID string) {
			defer wg.Done()
			p.runWorker(ctx, workerID)
		}(fmt.Sprintf("decision-%d", i))
	}
	wg.Wait()
}

func (p *DecisionPool) runWorker(ctx context.Context, workerID string) {
	for {
		sig, err := p.inQ.Take(ctx)
		if err != nil {
			return
		}
		p.safeProcess(ctx, workerID, sig)
	}
}

// safeProcess shields the worker loop from panics in Process.
func (p *DecisionPool) safeProcess(ctx context.Context, workerID string, sig types.Signal) {
	defer func() {
		if r := recover(); r != nil {
			p.logger.Error("decision worker panic, dropping signal",
				"worker", workerID,
				"signal_id", sig.ID,
				"panic", r,
				"stack", string(debug.Stack()),
			)
		}
	}()
	p.Process(ctx, workerID, sig)
}

// Process admits or rejects one signal. Exported for tests and for the
// shutdown drain loop.
func (p *DecisionPool) Process(ctx context.Context, workerID string, sig types.Signal) {
	// Reclassify from (side, action): the ingress verdict is advisory, both
	// fields are always re-examined here. Admin-synthesized signals carry a
	// sell-family type with no parseable side.
	isSell := sig.Type.IsSellFamily() || types.IsSellIntent(sig.Side, sig.Action)

	if isSell {
		p.processSell(ctx, workerID, sig)
		return
	}
	p.processBuy(ctx, workerID, sig)
}

func (p *DecisionPool) processBuy(ctx context.Context, workerID string, sig types.Signal) {
	snap := p.book.Current()
	if !snap.Tickers.Contains(sig.Ticker) {
		p.reject(ctx, workerID, sig, types.ReasonNotInRanking)
		return
	}

	out, err := p.ledger.TryOpen(ctx, sig.Ticker, sig.ID)
	if err != nil {
		p.handleStoreError(ctx, workerID, sig, err)
		return
	}
	switch out {
	case ledger.Opened:
		p.approve(ctx, workerID, sig)
	case ledger.AlreadyExists:
		p.reject(ctx, workerID, sig, types.ReasonDuplicateOpen)
	}
}

func (p *DecisionPool) processSell(ctx context.Context, workerID string, sig types.Signal) {
	out, err := p.ledger.TryBeginClose(ctx, sig.Ticker, sig.ID)
	if err != nil {
		p.handleStoreError(ctx, workerID, sig, err)
		return
	}
	switch out {
	case ledger.Closing:
		p.approve(ctx, workerID, sig)
	case ledger.NotFound:
		p.reject(ctx, workerID, sig, types.ReasonNoOpenPosition)
	}
}

func (p *DecisionPool) approve(ctx context.Context, workerID string, sig types.Signal) {
	if err := p.store.SetSignalStatus(ctx, sig.ID, types.StatusApproved, workerID, ""); err != nil {
		p.handleStoreError(ctx, workerID, sig, err)
		return
	}
	p.metrics.Approved.Add(1)
	if p.onDecision != nil {
		p.onDecision(sig, types.StatusApproved, "")
	}

	if err := p.approvedQ.Put(ctx, sig); err != nil {
		// Only happens at shutdown; the signal stays APPROVED and will be
		// picked up from the store if the operator replays.
		p.logger.Warn("approved signal not enqueued, shutting down",
			"signal_id", sig.ID, "ticker", sig.Ticker)
	}
}

func (p *DecisionPool) reject(ctx context.Context, workerID string, sig types.Signal, reason string) {
	if err := p.store.SetSignalStatus(ctx, sig.ID, types.StatusRejected, workerID, reason); err != nil {
		p.handleStoreError(ctx, workerID, sig, err)
		return
	}
	p.metrics.Rejected.Add(1)
	if p.onDecision != nil {
		p.onDecision(sig, types.StatusRejected, reason)
	}
	p.logger.Debug("signal rejected",
		"signal_id", sig.ID, "ticker", sig.Ticker, "reason", reason)
}

// handleStoreError retries transients by re-queueing at the tail with a
// bumped retry count; everything else is terminal for the signal but never
// for the worker.
func (p *DecisionPool) handleStoreError(ctx context.Context, workerID string, sig types.Signal, err error) {
	if !errors.Is(err, store.ErrTransient) {
		p.logger.Error("store failure, rejecting signal",
			"worker", workerID, "signal_id", sig.ID, "error", err)
		p.reject(ctx, workerID, sig, "store_error: "+err.Error())
		return
	}

	if sig.RetryCount >= p.maxRetries {
		p.logger.Warn("transient retries exhausted",
			"signal_id", sig.ID, "retries", sig.RetryCount)
		p.reject(ctx, workerID, sig, types.ReasonTransientExceeded)
		return
	}

	sig.RetryCount++
	if err := p.store.IncrementRetryCount(ctx, sig.ID); err != nil {
		p.logger.Error("failed to persist retry count", "signal_id", sig.ID, "error", err)
	}
	if err := p.inQ.TryPut(sig); err != nil {
		// No room to retry; treat as exhausted.
		p.reject(ctx, workerID, sig, types.ReasonTransientExceeded)
		return
	}
	p.logger.Debug("signal re-queued after transient failure",
		"signal_id", sig.ID, "retry", sig.RetryCount)
}
