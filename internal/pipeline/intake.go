package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"signal-relay/internal/metrics"
	"signal-relay/internal/store"
	"signal-relay/pkg/types"
)

// Intake is the ingress contract: classify, persist, enqueue.
type Intake struct {
	store   *store.Store
	inQ     *Queue
	metrics *metrics.Counters
	logger  *slog.Logger
}

// NewIntake creates the ingress entry point.
func NewIntake(st *store.Store, inQ *Queue, m *metrics.Counters, logger *slog.Logger) *Intake {
	return &Intake{
		store:   st,
		inQ:     inQ,
		metrics: m,
		logger:  logger.With("component", "intake"),
	}
}

// Submit accepts one normalized signal from the ingress webhook.
//
// The queue is checked before anything is persisted: when InQueue is at
// capacity the submission fails with ErrBackpressure and no signal row is
// written, so a flooded system leaves no half-admitted state behind.
func (i *Intake) Submit(ctx context.Context, sig types.Signal) (string, error) {
	if i.inQ.Len() >= i.inQ.Cap() {
		i.metrics.Backpressured.Add(1)
		return "", ErrBackpressure
	}

	if sig.ID == "" {
		sig.ID = uuid.NewString()
	}
	sig.Ticker = types.NormalizeTicker(sig.Ticker)
	if sig.ReceivedAt.IsZero() {
		sig.ReceivedAt = time.Now().UTC()
	}
	if sig.Type == "" {
		sig.Type = types.Classify(sig.Side, sig.Action)
	}

	id, err := i.store.InsertSignal(ctx, sig, types.StatusReceived)
	if err != nil {
		return "", fmt.Errorf("persist signal: %w", err)
	}
	i.metrics.Received.Add(1)

	if err := i.inQ.TryPut(sig); err != nil {
		// The capacity check above raced with other submitters. The signal
		// is already durable, so reject it explicitly rather than losing it.
		i.metrics.Backpressured.Add(1)
		if setErr := i.store.SetSignalStatus(ctx, id, types.StatusRejected, "intake", "queue full after persist"); setErr != nil {
			i.logger.Error("failed to mark backpressured signal rejected",
				"signal_id", id, "error", setErr)
		}
		return "", ErrBackpressure
	}

	i.logger.Debug("signal accepted",
		"signal_id", id,
		"ticker", sig.Ticker,
		"type", sig.Type,
	)
	return id, nil
}
