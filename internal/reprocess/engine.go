// Package reprocess re-examines BUY signals that were rejected only because
// their ticker was outside the ranking at the time.
//
// When the refresher reports tickers entering the ranking, the engine walks
// each ticker's rejected BUY candidates in chronological order and re-admits
// the first one that survives every guard. Re-approval and position open
// happen in a single store transaction with an optimistic status check;
// enqueueing for forwarding happens strictly after commit. A post-commit
// enqueue failure is a critical inconsistency (durable position with no
// queued forwarding) that is surfaced through metrics for manual
// reconciliation, never compensated by rolling the position back.
package reprocess

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"signal-relay/internal/metrics"
	"signal-relay/internal/pipeline"
	"signal-relay/internal/store"
	"signal-relay/pkg/types"
)

// Status classifies the outcome of one candidate.
type Status string

const (
	Success               Status = "SUCCESS"
	FailedValidation      Status = "FAILED_VALIDATION"
	FailedReconstruction  Status = "FAILED_RECONSTRUCTION"
	FailedDatabase        Status = "FAILED_DATABASE"
	FailedQueue           Status = "FAILED_QUEUE"
	SkippedNonBuy         Status = "SKIPPED_NON_BUY"
	SkippedPositionExists Status = "SKIPPED_POSITION_EXISTS"
	SkippedSellChronology Status = "SKIPPED_SELL_CHRONOLOGY"
	SkippedStatusChanged  Status = "SKIPPED_STATUS_CHANGED"
)

// Outcome records one candidate's result.
type Outcome struct {
	SignalID string `json:"signal_id"`
	Ticker   string `json:"ticker"`
	Status   Status `json:"status"`
	Detail   string `json:"detail,omitempty"`
}

// Engine runs reprocessing cycles. Cycles are serialized: the refresher and
// an admin-forced refresh can never interleave candidate work.
type Engine struct {
	store     *store.Store
	approvedQ *pipeline.Queue
	metrics   *metrics.Counters
	health    *Health
	logger    *slog.Logger

	maxPerTicker  int
	cycleDeadline time.Duration

	mu sync.Mutex
}

// New creates the engine. maxPerTicker caps candidate work on a hot ticker;
// cycleDeadline is the soft budget for one whole cycle.
func New(st *store.Store, approvedQ *pipeline.Queue, m *metrics.Counters, maxPerTicker int, cycleDeadline time.Duration, logger *slog.Logger) *Engine {
	return &Engine{
		store:         st,
		approvedQ:     approvedQ,
		metrics:       m,
		health:        NewHealth(),
		logger:        logger.With("component", "reprocessor"),
		maxPerTicker:  maxPerTicker,
		cycleDeadline: cycleDeadline,
	}
}

// Health exposes the rolling health tracker.
func (e *Engine) Health() *Health { return e.health }

// ProcessEntered runs one cycle over the tickers that entered the ranking.
// Implements ranking.Reprocessor.
func (e *Engine) ProcessEntered(ctx context.Context, entered []string, strategy store.StrategyRow) {
	e.mu.Lock()
	defer e.mu.Unlock()

	start := time.Now()
	deadline := start.Add(e.cycleDeadline)

	// Deterministic order keeps logs and tests stable.
	tickers := append([]string(nil), entered...)
	sort.Strings(tickers)

	var outcomes []Outcome
	timedOut := false
	for _, ticker := range tickers {
		if time.Now().After(deadline) || ctx.Err() != nil {
			// Soft deadline: stop starting per-ticker work; whatever is
			// committed stays committed.
			timedOut = true
			e.logger.Warn("reprocess cycle deadline hit",
				"elapsed", time.Since(start), "remaining_tickers", len(tickers))
			break
		}
		outcomes = append(outcomes, e.processTicker(ctx, ticker, strategy)...)
	}

	processed, successful := 0, 0
	for _, o := range outcomes {
		processed++
		if o.Status == Success {
			successful++
		}
	}
	e.health.RecordCycle(processed, successful, time.Since(start), timedOut)

	e.logger.Info("reprocess cycle complete",
		"tickers", len(tickers),
		"processed", processed,
		"successful", successful,
		"duration", time.Since(start),
		"timed_out", timedOut,
	)
}

// processTicker walks one ticker's candidates oldest-first and stops after
// the first successful admission: at most one open per ticker.
func (e *Engine) processTicker(ctx context.Context, ticker string, strategy store.StrategyRow) []Outcome {
	candidates, err := e.store.GetRejectedBuyCandidates(ctx, ticker, strategy.ReprocessWindowSeconds, e.maxPerTicker)
	if err != nil {
		e.logger.Error("failed to load candidates", "ticker", ticker, "error", err)
		return []Outcome{{Ticker: ticker, Status: FailedDatabase, Detail: err.Error()}}
	}
	if len(candidates) == 0 {
		return nil
	}

	// Candidates arrive newest-first; admission considers oldest first.
	var outcomes []Outcome
	for i := len(candidates) - 1; i >= 0; i-- {
		out := e.processCandidate(ctx, ticker, &candidates[i], strategy)
		outcomes = append(outcomes, out)
		if out.Status == Success || out.Status == FailedQueue {
			// FailedQueue still opened the position; nothing more can be
			// admitted for this ticker.
			break
		}
		if out.Status == SkippedPositionExists {
			// Every remaining candidate hits the same wall.
			break
		}
	}
	return outcomes
}

func (e *Engine) processCandidate(ctx context.Context, ticker string, row *store.SignalRow, strategy store.StrategyRow) Outcome {
	out := Outcome{SignalID: row.ID, Ticker: ticker}

	// Classification guard: re-derive BUY-ness from the original payload.
	side, action := payloadIntent(row)
	if types.IsSellIntent(side, action) {
		out.Status = SkippedNonBuy
		return out
	}

	// Position-existence guard. Cheap pre-check outside the transaction;
	// re-checked under the transaction below.
	held, err := e.store.IsPositionOpenOrClosing(ctx, ticker)
	if err != nil {
		out.Status = FailedDatabase
		out.Detail = err.Error()
		return out
	}
	if held {
		out.Status = SkippedPositionExists
		return out
	}

	// Chronology guard: a later SELL means the source already expressed
	// exit intent; do not revive the buy.
	if strategy.RespectSellChronology {
		hasSell, err := e.store.HasSubsequentSell(ctx, ticker, row.CreatedAt, strategy.SellChronologyWindowSeconds)
		if err != nil {
			out.Status = FailedDatabase
			out.Detail = err.Error()
			return out
		}
		if hasSell {
			out.Status = SkippedSellChronology
			return out
		}
	}

	sig, err := reconstruct(row)
	if err != nil {
		out.Status = FailedReconstruction
		out.Detail = err.Error()
		return out
	}

	// Atomic admission: optimistic re-approval, race recheck, and position
	// open share one transaction.
	txn, err := e.store.GetTransaction(ctx)
	if err != nil {
		out.Status = FailedDatabase
		out.Detail = err.Error()
		return out
	}
	defer txn.Rollback()

	if err := txn.ReapproveSignal(row.ID, "reprocessor", "ticker re-entered ranking"); err != nil {
		if errors.Is(err, store.ErrConflict) {
			out.Status = SkippedStatusChanged
			return out
		}
		out.Status = FailedDatabase
		out.Detail = err.Error()
		return out
	}

	held, err = txn.IsPositionOpenOrClosing(ticker)
	if err != nil {
		out.Status = FailedDatabase
		out.Detail = err.Error()
		return out
	}
	if held {
		out.Status = SkippedPositionExists
		return out
	}

	if err := txn.OpenPosition(ticker, row.ID); err != nil {
		if errors.Is(err, store.ErrConflict) {
			out.Status = SkippedPositionExists
			return out
		}
		out.Status = FailedDatabase
		out.Detail = err.Error()
		return out
	}

	if err := txn.Commit(); err != nil {
		out.Status = FailedDatabase
		out.Detail = err.Error()
		return out
	}

	// Post-commit: enqueue for forwarding. Failure here leaves a durable
	// position with no queued forwarding; that is a critical inconsistency
	// for manual reconciliation, never a compensating rollback.
	if err := e.approvedQ.TryPut(sig); err != nil {
		e.metrics.CriticalInconsistencies.Add(1)
		e.logger.Error("CRITICAL: position opened but enqueue failed",
			"signal_id", row.ID, "ticker", ticker, "error", err)
		out.Status = FailedQueue
		out.Detail = err.Error()
		return out
	}

	e.metrics.Reprocessed.Add(1)
	e.logger.Info("signal reprocessed",
		"signal_id", row.ID, "ticker", ticker)
	out.Status = Success
	return out
}

// payloadIntent extracts (side, action) for the classification guard,
// preferring the original payload over the stored columns.
func payloadIntent(row *store.SignalRow) (side, action string) {
	if len(row.OriginalPayload) > 0 {
		var body struct {
			Side   string `json:"side"`
			Action string `json:"action"`
		}
		if err := json.Unmarshal(row.OriginalPayload, &body); err == nil {
			return body.Side, body.Action
		}
	}
	return row.Side, row.Action
}

// reconstruct builds the forwardable signal. Priority: original payload if
// parseable, then stored fields, then a minimal synthetic buy. The signal ID
// is always preserved.
func reconstruct(row *store.SignalRow) (types.Signal, error) {
	sig := types.Signal{
		ID:              row.ID,
		Ticker:          row.Ticker,
		Side:            "buy",
		Type:            types.TypeBuy,
		OriginalPayload: row.OriginalPayload,
		ReceivedAt:      time.Now().UTC(),
	}

	if len(row.OriginalPayload) > 0 && json.Valid(row.OriginalPayload) {
		var body struct {
			Side   string `json:"side"`
			Action string `json:"action"`
		}
		if err := json.Unmarshal(row.OriginalPayload, &body); err == nil {
			if body.Side != "" {
				sig.Side = body.Side
			}
			sig.Action = body.Action
			sig.Price = row.Price
			sig.ReceivedAt = row.ReceivedAt
			return sig, nil
		}
	}

	if row.Ticker == "" {
		return types.Signal{}, fmt.Errorf("candidate %s has no ticker", row.ID)
	}
	if !row.ReceivedAt.IsZero() {
		// Stored-field reconstruction.
		sig.Price = row.Price
		sig.ReceivedAt = row.ReceivedAt
	}
	return sig, nil
}
