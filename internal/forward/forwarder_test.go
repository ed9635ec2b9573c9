package forward

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"signal-relay/internal/ledger"
	"signal-relay/internal/metrics"
	"signal-relay/internal/pipeline"
	"signal-relay/internal/ratelimit"
	"signal-relay/internal/store"
	"signal-relay/pkg/types"
)

type fixture struct {
	store   *store.Store
	ledger  *ledger.Ledger
	queue   *pipeline.Queue
	limiter *ratelimit.Limiter
	metrics *metrics.Counters
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	st, err := store.Open("file:"+uuid.NewString()+"?mode=memory&cache=shared", slog.Default())
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { st.Close() })
	return &fixture{
		store:   st,
		ledger:  ledger.New(st, slog.Default()),
		queue:   pipeline.NewQueue("approved", 100),
		limiter: ratelimit.NewWithWindow(1000, time.Minute),
		metrics: &metrics.Counters{},
	}
}

func (f *fixture) newPool(t *testing.T, url string, rewrite bool) *Pool {
	t.Helper()
	cfg := Config{URL: url, Timeout: 2 * time.Second, RewriteSideToAction: rewrite}
	return NewPool(f.queue, f.limiter, f.store, f.ledger, f.metrics, cfg, 1, nil, slog.Default())
}

func (f *fixture) persist(t *testing.T, sig types.Signal, status types.SignalStatus) types.Signal {
	t.Helper()
	if sig.ID == "" {
		sig.ID = uuid.NewString()
	}
	if sig.ReceivedAt.IsZero() {
		sig.ReceivedAt = time.Now().UTC()
	}
	if _, err := f.store.InsertSignal(context.Background(), sig, types.StatusReceived); err != nil {
		t.Fatal(err)
	}
	if status != types.StatusReceived {
		if err := f.store.SetSignalStatus(context.Background(), sig.ID, status, "test", ""); err != nil {
			t.Fatal(err)
		}
	}
	return sig
}

func TestForwardSuccessMarksForwardedOK(t *testing.T) {
	f := newFixture(t)

	var mu sync.Mutex
	var bodies []map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body map[string]any
		json.NewDecoder(r.Body).Decode(&body)
		mu.Lock()
		bodies = append(bodies, body)
		mu.Unlock()
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	pool := f.newPool(t, srv.URL, false)
	sig := f.persist(t, types.Signal{
		Ticker:          "AAPL",
		Side:            "buy",
		Type:            types.TypeBuy,
		OriginalPayload: []byte(`{"ticker":"AAPL","side":"buy","price":187.5}`),
	}, types.StatusApproved)

	pool.Forward(context.Background(), "forward-1", sig)

	row, err := f.store.GetSignal(context.Background(), sig.ID)
	if err != nil {
		t.Fatal(err)
	}
	if row.Status != types.StatusForwardedOK {
		t.Errorf("status = %v, want FORWARDED_OK", row.Status)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(bodies) != 1 {
		t.Fatalf("destination received %d requests, want 1", len(bodies))
	}
	if bodies[0]["ticker"] != "AAPL" || bodies[0]["signal_id"] != sig.ID {
		t.Errorf("payload = %v", bodies[0])
	}
}

func TestForwardNon2xxTerminal(t *testing.T) {
	f := newFixture(t)

	var calls int
	var mu sync.Mutex
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		calls++
		mu.Unlock()
		http.Error(w, "downstream broken", http.StatusBadGateway)
	}))
	defer srv.Close()

	pool := f.newPool(t, srv.URL, false)
	sig := f.persist(t, types.Signal{Ticker: "AAPL", Side: "buy", Type: types.TypeBuy}, types.StatusApproved)

	pool.Forward(context.Background(), "forward-1", sig)

	row, _ := f.store.GetSignal(context.Background(), sig.ID)
	if row.Status != types.StatusForwardedErr {
		t.Errorf("status = %v, want FORWARDED_ERR", row.Status)
	}
	mu.Lock()
	defer mu.Unlock()
	if calls != 1 {
		t.Errorf("destination called %d times, want 1 (no retry)", calls)
	}
}

func TestForwardedSellFinalizesClose(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusAccepted)
	}))
	defer srv.Close()

	entry := f.persist(t, types.Signal{Ticker: "AAPL", Side: "buy", Type: types.TypeBuy}, types.StatusApproved)
	if out, _ := f.ledger.TryOpen(ctx, "AAPL", entry.ID); out != ledger.Opened {
		t.Fatal("expected open")
	}

	exit := f.persist(t, types.Signal{Ticker: "AAPL", Action: "exit", Type: types.TypeSell}, types.StatusApproved)
	if out, _ := f.ledger.TryBeginClose(ctx, "AAPL", exit.ID); out != ledger.Closing {
		t.Fatal("expected closing")
	}

	pool := f.newPool(t, srv.URL, false)
	pool.Forward(ctx, "forward-1", exit)

	if held, _ := f.ledger.IsHeld(ctx, "AAPL"); held {
		t.Error("position should be CLOSED after forwarded exit")
	}
	row, _ := f.store.GetSignal(ctx, exit.ID)
	if row.Status != types.StatusForwardedOK {
		t.Errorf("exit status = %v, want FORWARDED_OK", row.Status)
	}
}

func TestForwardTimeoutMarksError(t *testing.T) {
	f := newFixture(t)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(500 * time.Millisecond)
	}))
	defer srv.Close()

	cfg := Config{URL: srv.URL, Timeout: 50 * time.Millisecond}
	pool := NewPool(f.queue, f.limiter, f.store, f.ledger, f.metrics, cfg, 1, nil, slog.Default())

	sig := f.persist(t, types.Signal{Ticker: "AAPL", Side: "buy", Type: types.TypeBuy}, types.StatusApproved)
	pool.Forward(context.Background(), "forward-1", sig)

	row, _ := f.store.GetSignal(context.Background(), sig.ID)
	if row.Status != types.StatusForwardedErr {
		t.Errorf("status = %v, want FORWARDED_ERR on timeout", row.Status)
	}
}

func TestRewriteSideToAction(t *testing.T) {
	f := newFixture(t)

	var got map[string]any
	var mu sync.Mutex
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		json.NewDecoder(r.Body).Decode(&got)
		mu.Unlock()
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	pool := f.newPool(t, srv.URL, true)
	sig := f.persist(t, types.Signal{
		Ticker:          "AAPL",
		Side:            "buy",
		Type:            types.TypeBuy,
		OriginalPayload: []byte(`{"ticker":"AAPL","side":"buy"}`),
	}, types.StatusApproved)

	pool.Forward(context.Background(), "forward-1", sig)

	mu.Lock()
	defer mu.Unlock()
	if got["action"] != "buy" {
		t.Errorf("action = %v, want side copied to action", got["action"])
	}
}

func TestForwardRespectsRateBudget(t *testing.T) {
	f := newFixture(t)
	f.limiter = ratelimit.NewWithWindow(2, 200*time.Millisecond)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	pool := f.newPool(t, srv.URL, false)

	start := time.Now()
	for i := 0; i < 4; i++ {
		sig := f.persist(t, types.Signal{Ticker: "AAPL", Side: "buy", Type: types.TypeBuy}, types.StatusApproved)
		pool.Forward(context.Background(), "forward-1", sig)
	}
	if elapsed := time.Since(start); elapsed < 200*time.Millisecond {
		t.Errorf("4 forwards through a 2-per-window limiter took %v, budget violated", elapsed)
	}
}
