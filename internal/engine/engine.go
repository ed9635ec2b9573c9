// Package engine is the central orchestrator of the signal relay.
//
// It wires together all subsystems:
//
//  1. Intake persists ingress signals and feeds InQueue (backpressure first).
//  2. DecisionPool admits or rejects against the ranking snapshot and the
//     position ledger; approvals move to ApprovedQueue.
//  3. Forward pool delivers approved signals downstream under the outbound
//     rate limiter.
//  4. Refresher re-fetches the ranking on the active strategy's interval and
//     hands entered tickers to the reprocess engine.
//
// Lifecycle: New() → Start() → [runs until SIGINT] → Stop()
package engine

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"signal-relay/internal/api"
	"signal-relay/internal/config"
	"signal-relay/internal/forward"
	"signal-relay/internal/ledger"
	"signal-relay/internal/metrics"
	"signal-relay/internal/pipeline"
	"signal-relay/internal/ranking"
	"signal-relay/internal/ratelimit"
	"signal-relay/internal/reprocess"
	"signal-relay/internal/store"
	"signal-relay/pkg/types"
)

// EventSink receives pipeline events for the WebSocket stream. Implemented
// by api.Hub; nil until the API server is wired in.
type EventSink interface {
	Publish(eventType string, data any)
}

// Engine owns the lifecycle of every pipeline goroutine.
type Engine struct {
	cfg    config.Config
	logger *slog.Logger

	store     *store.Store
	ledger    *ledger.Ledger
	book      *ranking.Book
	metrics   *metrics.Counters
	limiter   *ratelimit.Limiter
	inQ       *pipeline.Queue
	approvedQ *pipeline.Queue
	intake    *pipeline.Intake
	decisions *pipeline.DecisionPool
	forwarder *forward.Pool
	refresher *ranking.Refresher
	repro     *reprocess.Engine

	sink   EventSink
	sinkMu sync.RWMutex

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates and wires all engine components.
func New(cfg config.Config, logger *slog.Logger) (*Engine, error) {
	st, err := store.Open(cfg.Store.DSN, logger)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(context.Background())

	e := &Engine{
		cfg:     cfg,
		logger:  logger.With("component", "engine"),
		store:   st,
		ledger:  ledger.New(st, logger),
		book:    ranking.NewBook(),
		metrics: &metrics.Counters{},
		limiter: ratelimit.NewWithWindow(cfg.RateLimit.MaxRequests, cfg.RateLimit.Window),
		ctx:     ctx,
		cancel:  cancel,
	}

	e.inQ = pipeline.NewQueue("in", cfg.Pipeline.InQueueSize)
	e.approvedQ = pipeline.NewQueue("approved", cfg.Pipeline.ApprovedQueueSize)
	e.intake = pipeline.NewIntake(st, e.inQ, e.metrics, logger)

	e.decisions = pipeline.NewDecisionPool(
		e.inQ, e.approvedQ, st, e.ledger, e.book, e.metrics,
		cfg.Pipeline.DecisionWorkers, cfg.Pipeline.MaxTransientRetries,
		e.onDecision, logger,
	)

	e.forwarder = forward.NewPool(
		e.approvedQ, e.limiter, st, e.ledger, e.metrics,
		forward.Config{
			URL:                 cfg.Destination.URL,
			Timeout:             cfg.Destination.Timeout,
			RewriteSideToAction: cfg.Destination.RewriteSideToAction,
		},
		cfg.Pipeline.ForwardWorkers, e.onForwarded, logger,
	)

	e.repro = reprocess.New(
		st, e.approvedQ, e.metrics,
		cfg.Reprocess.MaxSignalsPerTicker, cfg.Reprocess.CycleDeadline, logger,
	)

	source := ranking.NewScreenerSource(cfg.Ranking.RequestTimeout, cfg.Ranking.SourceMaxRPS, logger)
	e.refresher = ranking.NewRefresher(
		st, source, e.book, e.repro, e.onApplied,
		cfg.Ranking.FetchTimeout, logger,
	)

	return e, nil
}

// Deps exposes the components the HTTP surface needs.
func (e *Engine) Deps() api.Deps {
	return api.Deps{
		Store:     e.store,
		Intake:    e.intake,
		InQ:       e.inQ,
		ApprovedQ: e.approvedQ,
		Ledger:    e.ledger,
		Metrics:   e.metrics,
		Limiter:   e.limiter,
		Refresher: e.refresher,
		Book:      e.book,
		Health:    e.repro.Health(),
	}
}

// SetEventSink wires the WebSocket hub. Call before Start.
func (e *Engine) SetEventSink(sink EventSink) {
	e.sinkMu.Lock()
	e.sink = sink
	e.sinkMu.Unlock()
}

func (e *Engine) emit(eventType string, data any) {
	e.sinkMu.RLock()
	sink := e.sink
	e.sinkMu.RUnlock()
	if sink != nil {
		sink.Publish(eventType, data)
	}
}

func (e *Engine) onDecision(sig types.Signal, status types.SignalStatus, reason string) {
	e.emit(api.EventOrderStatus, api.OrderStatusEvent{
		SignalID: sig.ID,
		Ticker:   sig.Ticker,
		Status:   string(status),
		Reason:   reason,
	})
}

func (e *Engine) onForwarded(sig types.Signal, status types.SignalStatus, httpStatus int) {
	e.emit(api.EventOrderStatus, api.OrderStatusEvent{
		SignalID:   sig.ID,
		Ticker:     sig.Ticker,
		Status:     string(status),
		HTTPStatus: httpStatus,
	})
}

func (e *Engine) onApplied(generation uint64, size int, entered []string) {
	e.emit(api.EventStrategyChanged, api.StrategyChangedEvent{
		Generation: generation,
		Size:       size,
		Entered:    entered,
		Change:     "applied",
	})
}

// Start launches the worker pools and the refresher.
func (e *Engine) Start() error {
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		e.decisions.Run(e.ctx)
	}()

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		e.forwarder.Run(e.ctx)
	}()

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		e.refresher.Run(e.ctx)
	}()

	e.logger.Info("engine started",
		"decision_workers", e.cfg.Pipeline.DecisionWorkers,
		"forward_workers", e.cfg.Pipeline.ForwardWorkers,
	)
	return nil
}

// Stop drains the queues and shuts everything down.
//
// The caller must stop the ingress HTTP server first so no new signals
// arrive. The running worker pools keep draining both queues; Stop waits
// until both queues are empty and no delivery is in flight, or the shutdown
// budget elapses, then cancels and joins. Whatever remains queued past the
// deadline stays durable in the store (RECEIVED or APPROVED) for operator
// replay.
func (e *Engine) Stop() {
	e.logger.Info("shutting down, draining queues",
		"in_depth", e.inQ.Len(),
		"approved_depth", e.approvedQ.Len(),
	)

	deadline := time.Now().Add(e.cfg.Pipeline.ShutdownTimeout)
	settled := 0
	for time.Now().Before(deadline) {
		if e.inQ.Len() == 0 && e.approvedQ.Len() == 0 && e.limiter.Stats().Inflight == 0 {
			// A signal in hand-off between the queues, or between a dequeue
			// and its delivery, is invisible to all three gauges for an
			// instant. Require a second quiet observation before cancelling.
			settled++
			if settled >= 2 {
				break
			}
		} else {
			settled = 0
		}
		time.Sleep(50 * time.Millisecond)
	}
	if n := e.inQ.Len() + e.approvedQ.Len(); n > 0 {
		e.logger.Warn("shutdown deadline reached with queued signals", "remaining", n)
	}

	e.cancel()
	e.wg.Wait()

	if err := e.store.Close(); err != nil {
		e.logger.Error("failed to close store", "error", err)
	}
	e.logger.Info("shutdown complete")
}
