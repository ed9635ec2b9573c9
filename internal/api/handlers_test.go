package api

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"signal-relay/internal/config"
	"signal-relay/internal/ledger"
	"signal-relay/internal/metrics"
	"signal-relay/internal/pipeline"
	"signal-relay/internal/ranking"
	"signal-relay/internal/ratelimit"
	"signal-relay/internal/reprocess"
	"signal-relay/internal/store"
	"signal-relay/pkg/types"
)

func decimalFromString(t *testing.T, s string) decimal.Decimal {
	t.Helper()
	d, err := decimal.NewFromString(s)
	if err != nil {
		t.Fatal(err)
	}
	return d
}

type stubSource struct{}

func (stubSource) FetchTickers(ctx context.Context, url string, topN int) (types.TickerSet, error) {
	return types.TickerSet{}, nil
}

func newTestHandlers(t *testing.T, inCap, approvedCap int) (*Handlers, Deps) {
	t.Helper()
	st, err := store.Open("file:"+uuid.NewString()+"?mode=memory&cache=shared", slog.Default())
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { st.Close() })

	inQ := pipeline.NewQueue("in", inCap)
	approvedQ := pipeline.NewQueue("approved", approvedCap)
	m := &metrics.Counters{}
	book := ranking.NewBook()

	deps := Deps{
		Store:     st,
		Intake:    pipeline.NewIntake(st, inQ, m, slog.Default()),
		InQ:       inQ,
		ApprovedQ: approvedQ,
		Ledger:    ledger.New(st, slog.Default()),
		Metrics:   m,
		Limiter:   ratelimit.New(60),
		Refresher: ranking.NewRefresher(st, stubSource{}, book, nil, nil, time.Second, slog.Default()),
		Book:      book,
		Health:    reprocess.NewHealth(),
	}
	cfg := config.ServerConfig{Port: 8080, AdminToken: "secret"}
	return NewHandlers(deps, cfg, NewHub(slog.Default()), slog.Default()), deps
}

func TestIsOriginAllowed(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		origin  string
		cfg     config.ServerConfig
		reqHost string
		want    bool
	}{
		{
			name:    "empty origin is allowed",
			origin:  "",
			cfg:     config.ServerConfig{},
			reqHost: "localhost:8080",
			want:    true,
		},
		{
			name:    "localhost origin allowed by default",
			origin:  "http://localhost:8080",
			cfg:     config.ServerConfig{},
			reqHost: "localhost:8080",
			want:    true,
		},
		{
			name:    "non-local origin denied by default",
			origin:  "https://evil.example",
			cfg:     config.ServerConfig{},
			reqHost: "localhost:8080",
			want:    false,
		},
		{
			name:    "allowlist permits exact origin",
			origin:  "https://dash.example.com",
			cfg:     config.ServerConfig{AllowedOrigins: []string{"https://dash.example.com"}},
			reqHost: "0.0.0.0:8080",
			want:    true,
		},
		{
			name:    "allowlist denies everything else",
			origin:  "https://evil.example",
			cfg:     config.ServerConfig{AllowedOrigins: []string{"https://dash.example.com"}},
			reqHost: "0.0.0.0:8080",
			want:    false,
		},
		{
			name:    "same host allowed when no allowlist",
			origin:  "https://relay.internal:8080",
			cfg:     config.ServerConfig{},
			reqHost: "relay.internal:8080",
			want:    true,
		},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			if got := isOriginAllowed(tt.origin, tt.cfg, tt.reqHost); got != tt.want {
				t.Fatalf("isOriginAllowed(%q) = %v, want %v", tt.origin, got, tt.want)
			}
		})
	}
}

func TestWebhookAccepted(t *testing.T) {
	h, deps := newTestHandlers(t, 10, 10)

	req := httptest.NewRequest(http.MethodPost, "/webhook/in",
		strings.NewReader(`{"ticker":"aapl","side":"buy","price":187.5,"time":"2026-08-24T12:00:00Z"}`))
	rec := httptest.NewRecorder()
	h.HandleWebhook(rec, req)

	if rec.Code != http.StatusAccepted {
		t.Fatalf("status = %d, want 202; body %s", rec.Code, rec.Body.String())
	}
	var body map[string]string
	json.Unmarshal(rec.Body.Bytes(), &body)
	if body["signal_id"] == "" {
		t.Fatal("response missing signal_id")
	}

	row, err := deps.Store.GetSignal(context.Background(), body["signal_id"])
	if err != nil {
		t.Fatal(err)
	}
	if row.Ticker != "AAPL" {
		t.Errorf("ticker = %q, want normalized AAPL", row.Ticker)
	}
	if !row.Price.Valid || !row.Price.Decimal.Equal(decimalFromString(t, "187.5")) {
		t.Errorf("price = %v, want 187.5", row.Price)
	}
	if deps.InQ.Len() != 1 {
		t.Errorf("in queue depth = %d, want 1", deps.InQ.Len())
	}
}

func TestWebhookRejectsMissingTicker(t *testing.T) {
	h, _ := newTestHandlers(t, 10, 10)

	req := httptest.NewRequest(http.MethodPost, "/webhook/in", strings.NewReader(`{"side":"buy"}`))
	rec := httptest.NewRecorder()
	h.HandleWebhook(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", rec.Code)
	}
}

func TestWebhookRejectsMalformedTime(t *testing.T) {
	h, deps := newTestHandlers(t, 10, 10)

	req := httptest.NewRequest(http.MethodPost, "/webhook/in",
		strings.NewReader(`{"ticker":"AAPL","side":"buy","time":"yesterday at noon"}`))
	rec := httptest.NewRecorder()
	h.HandleWebhook(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400; body %s", rec.Code, rec.Body.String())
	}

	// A rejected body leaves nothing behind.
	_, total, err := deps.Store.ListSignals(context.Background(), store.SignalFilter{})
	if err != nil {
		t.Fatal(err)
	}
	if total != 0 {
		t.Errorf("persisted = %d, want 0", total)
	}
	if deps.InQ.Len() != 0 {
		t.Errorf("in queue depth = %d, want 0", deps.InQ.Len())
	}
}

func TestWebhookBackpressure(t *testing.T) {
	h, deps := newTestHandlers(t, 1, 10)

	first := httptest.NewRequest(http.MethodPost, "/webhook/in", strings.NewReader(`{"ticker":"AAPL","side":"buy"}`))
	rec := httptest.NewRecorder()
	h.HandleWebhook(rec, first)
	if rec.Code != http.StatusAccepted {
		t.Fatalf("first status = %d, want 202", rec.Code)
	}

	second := httptest.NewRequest(http.MethodPost, "/webhook/in", strings.NewReader(`{"ticker":"MSFT","side":"buy"}`))
	rec = httptest.NewRecorder()
	h.HandleWebhook(rec, second)
	if rec.Code != http.StatusServiceUnavailable {
		t.Errorf("second status = %d, want 503", rec.Code)
	}

	_, total, err := deps.Store.ListSignals(context.Background(), store.SignalFilter{})
	if err != nil {
		t.Fatal(err)
	}
	if total != 1 {
		t.Errorf("persisted = %d, want 1 (backpressured not persisted)", total)
	}
}

func TestRequireToken(t *testing.T) {
	h, _ := newTestHandlers(t, 10, 10)
	guarded := h.RequireToken(h.HandleSystemInfo)

	req := httptest.NewRequest(http.MethodGet, "/admin/system", nil)
	rec := httptest.NewRecorder()
	guarded(rec, req)
	if rec.Code != http.StatusUnauthorized {
		t.Errorf("no token status = %d, want 401", rec.Code)
	}

	req = httptest.NewRequest(http.MethodGet, "/admin/system", nil)
	req.Header.Set("X-Admin-Token", "wrong")
	rec = httptest.NewRecorder()
	guarded(rec, req)
	if rec.Code != http.StatusUnauthorized {
		t.Errorf("wrong token status = %d, want 401", rec.Code)
	}

	req = httptest.NewRequest(http.MethodGet, "/admin/system", nil)
	req.Header.Set("Authorization", "Bearer secret")
	rec = httptest.NewRecorder()
	guarded(rec, req)
	if rec.Code != http.StatusOK {
		t.Errorf("valid token status = %d, want 200; body %s", rec.Code, rec.Body.String())
	}
}

func openPosition(t *testing.T, deps Deps, ticker string) string {
	t.Helper()
	ctx := context.Background()
	entry := types.Signal{ID: uuid.NewString(), Ticker: ticker, Side: "buy", Type: types.TypeBuy, ReceivedAt: time.Now().UTC()}
	if _, err := deps.Store.InsertSignal(ctx, entry, types.StatusApproved); err != nil {
		t.Fatal(err)
	}
	if out, err := deps.Ledger.TryOpen(ctx, ticker, entry.ID); err != nil || out != ledger.Opened {
		t.Fatalf("TryOpen = %v, %v", out, err)
	}
	return entry.ID
}

func TestClosePositionSynthesizesExit(t *testing.T) {
	h, deps := newTestHandlers(t, 10, 10)
	ctx := context.Background()
	openPosition(t, deps, "AAPL")

	req := httptest.NewRequest(http.MethodPost, "/admin/positions/AAPL/close", nil)
	req.SetPathValue("ticker", "AAPL")
	rec := httptest.NewRecorder()
	h.HandleClosePosition(rec, req)

	if rec.Code != http.StatusAccepted {
		t.Fatalf("status = %d, want 202; body %s", rec.Code, rec.Body.String())
	}

	// The exit is queued for forwarding and the position is CLOSING.
	if deps.ApprovedQ.Len() != 1 {
		t.Fatalf("approved queue depth = %d, want 1", deps.ApprovedQ.Len())
	}
	exit, _ := deps.ApprovedQ.Take(ctx)
	if exit.Type != types.TypePositionClose || exit.Action != "exit" {
		t.Errorf("synthesized exit = %+v", exit)
	}

	positions, _ := deps.Store.OpenPositions(ctx)
	if len(positions) != 1 || positions[0].Status != types.PositionClosing {
		t.Errorf("positions = %+v, want one CLOSING", positions)
	}
}

func TestClosePositionNotHeld(t *testing.T) {
	h, _ := newTestHandlers(t, 10, 10)

	req := httptest.NewRequest(http.MethodPost, "/admin/positions/TSLA/close", nil)
	req.SetPathValue("ticker", "TSLA")
	rec := httptest.NewRecorder()
	h.HandleClosePosition(rec, req)

	if rec.Code != http.StatusNotFound {
		t.Errorf("status = %d, want 404", rec.Code)
	}
}

func TestCloseAllSkipsAlreadyClosing(t *testing.T) {
	h, deps := newTestHandlers(t, 10, 10)
	ctx := context.Background()

	openPosition(t, deps, "MSFT")
	openPosition(t, deps, "AAPL")
	exitID := uuid.NewString()
	exit := types.Signal{ID: exitID, Ticker: "AAPL", Action: "exit", Type: types.TypeSell, ReceivedAt: time.Now().UTC()}
	if _, err := deps.Store.InsertSignal(ctx, exit, types.StatusApproved); err != nil {
		t.Fatal(err)
	}
	if out, _ := deps.Ledger.TryBeginClose(ctx, "AAPL", exitID); out != ledger.Closing {
		t.Fatal("expected AAPL to begin closing")
	}

	req := httptest.NewRequest(http.MethodPost, "/admin/positions/close-all", nil)
	rec := httptest.NewRecorder()
	h.HandleCloseAllPositions(rec, req)

	if rec.Code != http.StatusAccepted {
		t.Fatalf("status = %d, want 202; body %s", rec.Code, rec.Body.String())
	}
	var body struct {
		Closing []string `json:"closing"`
		Skipped []string `json:"skipped"`
	}
	json.Unmarshal(rec.Body.Bytes(), &body)
	if len(body.Closing) != 1 || body.Closing[0] != "MSFT" {
		t.Errorf("closing = %v, want [MSFT]", body.Closing)
	}
	if len(body.Skipped) != 1 || body.Skipped[0] != "AAPL" {
		t.Errorf("skipped = %v, want [AAPL] (already CLOSING)", body.Skipped)
	}
}

func TestStrategyCRUD(t *testing.T) {
	h, _ := newTestHandlers(t, 10, 10)

	payload := `{"name":"aggressive","url":"https://screener.example/export","top_n":30,"refresh_interval_sec":120,"reprocess_enabled":true,"respect_sell_chronology":true}`
	req := httptest.NewRequest(http.MethodPost, "/admin/strategies", strings.NewReader(payload))
	rec := httptest.NewRecorder()
	h.HandleCreateStrategy(rec, req)
	if rec.Code != http.StatusCreated {
		t.Fatalf("create status = %d; body %s", rec.Code, rec.Body.String())
	}
	var created store.StrategyRow
	json.Unmarshal(rec.Body.Bytes(), &created)
	if created.IsActive {
		t.Error("new strategies must not be active")
	}

	// Duplicate name conflicts.
	req = httptest.NewRequest(http.MethodPost, "/admin/strategies", strings.NewReader(payload))
	rec = httptest.NewRecorder()
	h.HandleCreateStrategy(rec, req)
	if rec.Code != http.StatusConflict {
		t.Errorf("duplicate create status = %d, want 409", rec.Code)
	}

	// Deleting the seeded active strategy is refused.
	req = httptest.NewRequest(http.MethodDelete, "/admin/strategies/1", nil)
	req.SetPathValue("id", "1")
	rec = httptest.NewRecorder()
	h.HandleDeleteStrategy(rec, req)
	if rec.Code != http.StatusConflict {
		t.Errorf("delete active status = %d, want 409", rec.Code)
	}
}

func TestSystemInfoShape(t *testing.T) {
	h, _ := newTestHandlers(t, 10, 10)

	req := httptest.NewRequest(http.MethodGet, "/admin/system", nil)
	rec := httptest.NewRecorder()
	h.HandleSystemInfo(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d; body %s", rec.Code, rec.Body.String())
	}
	var body map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatal(err)
	}
	for _, key := range []string{"metrics", "signal_counts", "queues", "limiter", "ranking", "reprocess_health"} {
		if _, ok := body[key]; !ok {
			t.Errorf("system info missing %q", key)
		}
	}
}
