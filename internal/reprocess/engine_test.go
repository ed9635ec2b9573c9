package reprocess

import (
	"context"
	"log/slog"
	"testing"
	"time"

	"github.com/google/uuid"

	"signal-relay/internal/metrics"
	"signal-relay/internal/pipeline"
	"signal-relay/internal/store"
	"signal-relay/pkg/types"
)

type fixture struct {
	store   *store.Store
	queue   *pipeline.Queue
	metrics *metrics.Counters
	engine  *Engine
}

func newFixture(t *testing.T, queueCap int) *fixture {
	t.Helper()
	st, err := store.Open("file:"+uuid.NewString()+"?mode=memory&cache=shared", slog.Default())
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { st.Close() })

	f := &fixture{
		store:   st,
		queue:   pipeline.NewQueue("approved", queueCap),
		metrics: &metrics.Counters{},
	}
	f.engine = New(st, f.queue, f.metrics, 10, 30*time.Second, slog.Default())
	return f
}

func defaultStrategy() store.StrategyRow {
	return store.StrategyRow{
		Name:                  "test",
		ReprocessEnabled:      true,
		RespectSellChronology: true,
	}
}

// rejectedBuy persists a BUY already in REJECTED state and returns its ID.
// Inserts are spaced out so created_at ordering is deterministic.
func (f *fixture) rejectedBuy(t *testing.T, ticker string, payload string) string {
	t.Helper()
	sig := types.Signal{
		ID:         uuid.NewString(),
		Ticker:     ticker,
		Side:       "buy",
		Type:       types.TypeBuy,
		ReceivedAt: time.Now().UTC(),
	}
	if payload != "" {
		sig.OriginalPayload = []byte(payload)
	}
	if _, err := f.store.InsertSignal(context.Background(), sig, types.StatusRejected); err != nil {
		t.Fatal(err)
	}
	time.Sleep(5 * time.Millisecond)
	return sig.ID
}

func (f *fixture) insertSell(t *testing.T, ticker string) {
	t.Helper()
	sig := types.Signal{
		ID:         uuid.NewString(),
		Ticker:     ticker,
		Action:     "exit",
		Type:       types.TypeSell,
		ReceivedAt: time.Now().UTC(),
	}
	if _, err := f.store.InsertSignal(context.Background(), sig, types.StatusReceived); err != nil {
		t.Fatal(err)
	}
	time.Sleep(5 * time.Millisecond)
}

func (f *fixture) status(t *testing.T, id string) types.SignalStatus {
	t.Helper()
	row, err := f.store.GetSignal(context.Background(), id)
	if err != nil {
		t.Fatal(err)
	}
	return row.Status
}

func TestReprocessAdmitsOldestCandidateOnly(t *testing.T) {
	f := newFixture(t, 100)
	ctx := context.Background()

	older := f.rejectedBuy(t, "AAPL", `{"ticker":"AAPL","side":"buy"}`)
	newer := f.rejectedBuy(t, "AAPL", `{"ticker":"AAPL","side":"buy"}`)

	f.engine.ProcessEntered(ctx, []string{"AAPL"}, defaultStrategy())

	if st := f.status(t, older); st != types.StatusApproved {
		t.Errorf("older candidate status = %v, want APPROVED", st)
	}
	if st := f.status(t, newer); st != types.StatusRejected {
		t.Errorf("newer candidate status = %v, want REJECTED (one admission per ticker)", st)
	}

	held, err := f.store.IsPositionOpenOrClosing(ctx, "AAPL")
	if err != nil || !held {
		t.Errorf("position held = %v, %v; want true", held, err)
	}

	if f.queue.Len() != 1 {
		t.Fatalf("approved queue depth = %d, want 1", f.queue.Len())
	}
	queued, _ := f.queue.Take(ctx)
	if queued.ID != older {
		t.Errorf("queued signal = %s, want oldest candidate %s", queued.ID, older)
	}
	if got := f.metrics.Reprocessed.Load(); got != 1 {
		t.Errorf("reprocessed counter = %d, want 1", got)
	}
}

func TestReprocessSkipsWhenPositionExists(t *testing.T) {
	f := newFixture(t, 100)
	ctx := context.Background()

	entry := f.rejectedBuy(t, "AAPL", "")
	candidate := f.rejectedBuy(t, "AAPL", "")

	txn, err := f.store.GetTransaction(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if err := txn.OpenPosition("AAPL", entry); err != nil {
		t.Fatal(err)
	}
	if err := txn.Commit(); err != nil {
		t.Fatal(err)
	}

	f.engine.ProcessEntered(ctx, []string{"AAPL"}, defaultStrategy())

	if st := f.status(t, candidate); st != types.StatusRejected {
		t.Errorf("candidate status = %v, want REJECTED (position exists)", st)
	}
	if f.queue.Len() != 0 {
		t.Errorf("queue depth = %d, want 0", f.queue.Len())
	}
}

func TestReprocessSellChronologyGuard(t *testing.T) {
	f := newFixture(t, 100)
	ctx := context.Background()

	candidate := f.rejectedBuy(t, "AAPL", "")
	f.insertSell(t, "AAPL")

	f.engine.ProcessEntered(ctx, []string{"AAPL"}, defaultStrategy())

	if st := f.status(t, candidate); st != types.StatusRejected {
		t.Errorf("candidate status = %v, want REJECTED (subsequent sell)", st)
	}

	held, _ := f.store.IsPositionOpenOrClosing(ctx, "AAPL")
	if held {
		t.Error("no position should be opened past a subsequent sell")
	}
}

func TestReprocessChronologyGuardDisabled(t *testing.T) {
	f := newFixture(t, 100)
	ctx := context.Background()

	candidate := f.rejectedBuy(t, "AAPL", "")
	f.insertSell(t, "AAPL")

	strat := defaultStrategy()
	strat.RespectSellChronology = false
	f.engine.ProcessEntered(ctx, []string{"AAPL"}, strat)

	if st := f.status(t, candidate); st != types.StatusApproved {
		t.Errorf("candidate status = %v, want APPROVED with chronology guard off", st)
	}
}

func TestReprocessSkipsSellIntentPayload(t *testing.T) {
	f := newFixture(t, 100)
	ctx := context.Background()

	// Stored as BUY but the original payload says exit; the payload wins.
	candidate := f.rejectedBuy(t, "AAPL", `{"ticker":"AAPL","action":"exit"}`)

	f.engine.ProcessEntered(ctx, []string{"AAPL"}, defaultStrategy())

	if st := f.status(t, candidate); st != types.StatusRejected {
		t.Errorf("candidate status = %v, want REJECTED (payload is a sell)", st)
	}
	held, _ := f.store.IsPositionOpenOrClosing(ctx, "AAPL")
	if held {
		t.Error("sell-intent payload must never open a position")
	}
}

func TestReprocessQueueFullIsCriticalInconsistency(t *testing.T) {
	f := newFixture(t, 1)
	ctx := context.Background()

	// Occupy the only slot so the post-commit enqueue fails.
	if err := f.queue.TryPut(types.Signal{ID: "blocker"}); err != nil {
		t.Fatal(err)
	}

	candidate := f.rejectedBuy(t, "AAPL", "")
	f.engine.ProcessEntered(ctx, []string{"AAPL"}, defaultStrategy())

	// The admission committed: signal APPROVED, position open, but nothing
	// new is queued and the inconsistency counter fires.
	if st := f.status(t, candidate); st != types.StatusApproved {
		t.Errorf("candidate status = %v, want APPROVED (commit preceded enqueue)", st)
	}
	held, _ := f.store.IsPositionOpenOrClosing(ctx, "AAPL")
	if !held {
		t.Error("position should remain open despite enqueue failure")
	}
	if got := f.metrics.CriticalInconsistencies.Load(); got != 1 {
		t.Errorf("critical inconsistencies = %d, want 1", got)
	}
	if got := f.metrics.Reprocessed.Load(); got != 0 {
		t.Errorf("reprocessed counter = %d, want 0", got)
	}
}

func TestReprocessMultipleTickers(t *testing.T) {
	f := newFixture(t, 100)
	ctx := context.Background()

	a := f.rejectedBuy(t, "AAPL", "")
	m := f.rejectedBuy(t, "MSFT", "")

	f.engine.ProcessEntered(ctx, []string{"MSFT", "AAPL"}, defaultStrategy())

	if st := f.status(t, a); st != types.StatusApproved {
		t.Errorf("AAPL candidate = %v, want APPROVED", st)
	}
	if st := f.status(t, m); st != types.StatusApproved {
		t.Errorf("MSFT candidate = %v, want APPROVED", st)
	}
	if f.queue.Len() != 2 {
		t.Errorf("queue depth = %d, want 2", f.queue.Len())
	}
}

func TestHealthRollup(t *testing.T) {
	t.Parallel()

	h := NewHealth()
	if got := h.Snapshot().Status; got != Stale {
		t.Errorf("never-run status = %v, want STALE", got)
	}

	h.RecordCycle(20, 20, time.Second, false)
	if got := h.Snapshot().Status; got != Healthy {
		t.Errorf("100%% fast cycle = %v, want HEALTHY", got)
	}

	h = NewHealth()
	h.RecordCycle(10, 9, 15*time.Second, false)
	if got := h.Snapshot().Status; got != Warning {
		t.Errorf("90%% slow cycle = %v, want WARNING", got)
	}

	h = NewHealth()
	h.RecordCycle(10, 5, time.Second, false)
	if got := h.Snapshot().Status; got != Critical {
		t.Errorf("50%% cycle = %v, want CRITICAL", got)
	}

	h = NewHealth()
	h.RecordCycle(0, 0, time.Millisecond, false)
	rep := h.Snapshot()
	if rep.Status != Healthy || rep.SuccessRate != 1.0 {
		t.Errorf("empty cycle = %v rate %v, want HEALTHY at 1.0", rep.Status, rep.SuccessRate)
	}
}
