// Package forward delivers approved signals to the downstream webhook.
//
// A pool of workers drains ApprovedQueue. Each delivery takes a permit from
// the outbound rate limiter, POSTs the signal with a hard per-request
// timeout, and records the terminal outcome: 2xx marks FORWARDED_OK (and
// finalizes the position close for SELL-family signals); anything else,
// including timeouts and network errors, marks FORWARDED_ERR with no retry.
package forward

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"time"

	"github.com/go-resty/resty/v2"

	"signal-relay/internal/ledger"
	"signal-relay/internal/metrics"
	"signal-relay/internal/pipeline"
	"signal-relay/internal/ratelimit"
	"signal-relay/internal/store"
	"signal-relay/pkg/types"
)

// Config holds destination settings.
type Config struct {
	URL                 string
	Timeout             time.Duration
	RewriteSideToAction bool // copy side into action for destinations that only read action
}

// ForwardedFunc observes delivery outcomes (admin event stream).
type ForwardedFunc func(sig types.Signal, status types.SignalStatus, httpStatus int)

// Pool is the forwarding worker pool.
type Pool struct {
	approvedQ   *pipeline.Queue
	limiter     *ratelimit.Limiter
	store       *store.Store
	ledger      *ledger.Ledger
	metrics     *metrics.Counters
	http        *resty.Client
	cfg         Config
	workers     int
	onForwarded ForwardedFunc
	logger      *slog.Logger
}

// NewPool wires the forwarding pool. onForwarded may be nil.
func NewPool(
	approvedQ *pipeline.Queue,
	limiter *ratelimit.Limiter,
	st *store.Store,
	led *ledger.Ledger,
	m *metrics.Counters,
	cfg Config,
	workers int,
	onForwarded ForwardedFunc,
	logger *slog.Logger,
) *Pool {
	client := resty.New().
		SetTimeout(cfg.Timeout).
		SetHeader("Content-Type", "application/json")

	return &Pool{
		approvedQ:   approvedQ,
		limiter:     limiter,
		store:       st,
		ledger:      led,
		metrics:     m,
		http:        client,
		cfg:         cfg,
		workers:     workers,
		onForwarded: onForwarded,
		logger:      logger.With("component", "forwarder"),
	}
}

// Run starts the workers and blocks until they exit on ctx cancellation.
func (p *Pool) Run(ctx context.Context) {
	var wg sync.WaitGroup
	for i := 1; i <= p.workers; i++ {
		wg.Add(1)
		go func(workerID string) {
			defer wg.Done()
			p.runWorker(ctx, workerID)
		}(fmt.Sprintf("forward-%d", i))
	}
	wg.Wait()
}

func (p *Pool) runWorker(ctx context.Context, workerID string) {
	for {
		sig, err := p.approvedQ.Take(ctx)
		if err != nil {
			return
		}
		p.safeForward(ctx, workerID, sig)
	}
}

func (p *Pool) safeForward(ctx context.Context, workerID string, sig types.Signal) {
	defer func() {
		if r := recover(); r != nil {
			p.logger.Error("forward worker panic, dropping signal",
				"worker", workerID,
				"signal_id", sig.ID,
				"panic", r,
				"stack", string(debug.Stack()),
			)
		}
	}()
	p.Forward(ctx, workerID, sig)
}

// Forward delivers one approved signal. Exported for tests and the shutdown
// drain loop.
func (p *Pool) Forward(ctx context.Context, workerID string, sig types.Signal) {
	permit, err := p.limiter.Acquire(ctx)
	if err != nil {
		// Shutdown while waiting for a slot; signal stays APPROVED.
		return
	}

	reqCtx, cancel := context.WithTimeout(ctx, p.cfg.Timeout)
	defer cancel()

	resp, err := p.http.R().
		SetContext(reqCtx).
		SetBody(p.buildPayload(sig)).
		Post(p.cfg.URL)

	httpStatus := 0
	if resp != nil {
		httpStatus = resp.StatusCode()
	}
	p.limiter.OnResponse(permit, httpStatus)

	if err != nil || httpStatus < 200 || httpStatus >= 300 {
		p.recordFailure(ctx, workerID, sig, httpStatus, err)
		return
	}
	p.recordSuccess(ctx, workerID, sig, httpStatus)
}

// buildPayload serializes the outbound body. The original ingress payload is
// preferred so the destination sees what the source sent; stored fields are
// the fallback for synthesized signals.
func (p *Pool) buildPayload(sig types.Signal) map[string]any {
	body := map[string]any{}
	if len(sig.OriginalPayload) > 0 {
		if err := json.Unmarshal(sig.OriginalPayload, &body); err != nil {
			body = map[string]any{}
		}
	}
	if len(body) == 0 {
		body["ticker"] = sig.Ticker
		if sig.Side != "" {
			body["side"] = sig.Side
		}
		if sig.Action != "" {
			body["action"] = sig.Action
		}
		if sig.Price.Valid {
			body["price"] = sig.Price.Decimal
		}
		body["time"] = sig.ReceivedAt.UTC().Format(time.RFC3339)
	}
	body["signal_id"] = sig.ID

	if p.cfg.RewriteSideToAction {
		if side, ok := body["side"].(string); ok && side != "" {
			if _, has := body["action"]; !has {
				body["action"] = side
			}
		}
	}
	return body
}

func (p *Pool) recordSuccess(ctx context.Context, workerID string, sig types.Signal, httpStatus int) {
	details := fmt.Sprintf("http %d", httpStatus)
	if err := p.store.SetSignalStatus(ctx, sig.ID, types.StatusForwardedOK, workerID, details); err != nil {
		p.logger.Error("failed to record forward success", "signal_id", sig.ID, "error", err)
	}
	p.metrics.ForwardedOK.Add(1)

	// A successfully forwarded exit finalizes the close. Classification
	// inspects both fields, action taking precedence, plus the synthesized
	// admin types.
	if sig.Type.IsSellFamily() || types.IsSellIntent(sig.Side, sig.Action) {
		if err := p.ledger.FinalizeClose(ctx, sig.Ticker); err != nil {
			p.logger.Error("failed to finalize close after forward",
				"signal_id", sig.ID, "ticker", sig.Ticker, "error", err)
		}
	}

	if p.onForwarded != nil {
		p.onForwarded(sig, types.StatusForwardedOK, httpStatus)
	}
	p.logger.Info("signal forwarded",
		"signal_id", sig.ID, "ticker", sig.Ticker, "status", httpStatus)
}

func (p *Pool) recordFailure(ctx context.Context, workerID string, sig types.Signal, httpStatus int, cause error) {
	details := fmt.Sprintf("http %d", httpStatus)
	if cause != nil {
		details = fmt.Sprintf("http %d: %v", httpStatus, cause)
	}
	if err := p.store.SetSignalStatus(ctx, sig.ID, types.StatusForwardedErr, workerID, details); err != nil {
		p.logger.Error("failed to record forward error", "signal_id", sig.ID, "error", err)
	}
	p.metrics.ForwardedErr.Add(1)
	if p.onForwarded != nil {
		p.onForwarded(sig, types.StatusForwardedErr, httpStatus)
	}
	p.logger.Warn("forward failed",
		"signal_id", sig.ID, "ticker", sig.Ticker, "status", httpStatus, "error", cause)
}
