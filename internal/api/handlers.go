package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
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

const maxIngressBody = 1 << 20 // 1 MB

// Deps is everything the HTTP surface reads from or acts on.
type Deps struct {
	Store     *store.Store
	Intake    *pipeline.Intake
	InQ       *pipeline.Queue
	ApprovedQ *pipeline.Queue
	Ledger    *ledger.Ledger
	Metrics   *metrics.Counters
	Limiter   *ratelimit.Limiter
	Refresher *ranking.Refresher
	Book      *ranking.Book
	Health    *reprocess.Health
}

// Handlers holds all HTTP handler dependencies
type Handlers struct {
	deps   Deps
	cfg    config.ServerConfig
	hub    *Hub
	logger *slog.Logger
}

// NewHandlers creates a new handlers instance
func NewHandlers(deps Deps, cfg config.ServerConfig, hub *Hub, logger *slog.Logger) *Handlers {
	return &Handlers{
		deps:   deps,
		cfg:    cfg,
		hub:    hub,
		logger: logger.With("component", "api-handlers"),
	}
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// RequireToken guards admin routes. The token travels in the Authorization
// bearer header, X-Admin-Token, or the ?token query parameter (WebSocket
// clients cannot set headers).
func (h *Handlers) RequireToken(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		token := r.Header.Get("X-Admin-Token")
		if token == "" {
			if auth := r.Header.Get("Authorization"); strings.HasPrefix(auth, "Bearer ") {
				token = strings.TrimPrefix(auth, "Bearer ")
			}
		}
		if token == "" {
			token = r.URL.Query().Get("token")
		}
		if token == "" || token != h.cfg.AdminToken {
			writeError(w, http.StatusUnauthorized, "invalid admin token")
			return
		}
		next(w, r)
	}
}

// HandleHealth returns a simple health check response
func (h *Handlers) HandleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// webhookPayload is the ingress body. Price accepts both a JSON number and a
// quoted string.
type webhookPayload struct {
	Ticker string           `json:"ticker"`
	Side   string           `json:"side"`
	Action string           `json:"action"`
	Price  *decimal.Decimal `json:"price"`
	Time   string           `json:"time"`
}

// HandleWebhook is the ingress endpoint. 202 means durably accepted and
// queued; 503 means the buffer is full and nothing was persisted.
func (h *Handlers) HandleWebhook(w http.ResponseWriter, r *http.Request) {
	raw, err := io.ReadAll(io.LimitReader(r.Body, maxIngressBody))
	if err != nil {
		writeError(w, http.StatusBadRequest, "unreadable body")
		return
	}

	var body webhookPayload
	if err := json.Unmarshal(raw, &body); err != nil {
		writeError(w, http.StatusBadRequest, "malformed JSON: "+err.Error())
		return
	}
	if types.NormalizeTicker(body.Ticker) == "" {
		writeError(w, http.StatusBadRequest, "ticker is required")
		return
	}

	sig := types.Signal{
		Ticker:          body.Ticker,
		Side:            body.Side,
		Action:          body.Action,
		OriginalPayload: raw,
	}
	if body.Price != nil {
		sig.Price = decimal.NullDecimal{Decimal: *body.Price, Valid: true}
	}
	// A time field that is present but unparseable is a malformed body, not
	// something to silently replace with the receipt time.
	if body.Time != "" {
		ts, err := time.Parse(time.RFC3339, body.Time)
		if err != nil {
			writeError(w, http.StatusBadRequest, "time must be RFC3339")
			return
		}
		sig.ReceivedAt = ts.UTC()
	}

	id, err := h.deps.Intake.Submit(r.Context(), sig)
	if err != nil {
		if errors.Is(err, pipeline.ErrBackpressure) {
			writeError(w, http.StatusServiceUnavailable, "ingress queue full")
			return
		}
		h.logger.Error("ingress submit failed", "ticker", body.Ticker, "error", err)
		writeError(w, http.StatusInternalServerError, "persist failed")
		return
	}

	writeJSON(w, http.StatusAccepted, map[string]string{
		"signal_id": id,
		"status":    string(types.StatusReceived),
	})
}

// HandleSystemInfo is the admin rollup: counters, durable totals, queue
// depths, limiter, ranking, and reprocessing health.
func (h *Handlers) HandleSystemInfo(w http.ResponseWriter, r *http.Request) {
	counts, err := h.deps.Store.SignalCounts(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	positions, err := h.deps.Store.OpenPositions(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	snap := h.deps.Book.Current()

	writeJSON(w, http.StatusOK, map[string]any{
		"metrics":       h.deps.Metrics.Snapshot(),
		"signal_counts": counts,
		"queues": map[string]any{
			"in":       map[string]int{"depth": h.deps.InQ.Len(), "capacity": h.deps.InQ.Cap()},
			"approved": map[string]int{"depth": h.deps.ApprovedQ.Len(), "capacity": h.deps.ApprovedQ.Cap()},
		},
		"limiter": h.deps.Limiter.Stats(),
		"ranking": map[string]any{
			"generation":   snap.Generation,
			"size":         len(snap.Tickers),
			"fetched_at":   snap.FetchedAt,
			"paused":       h.deps.Refresher.Paused(),
			"last_applied": h.deps.Refresher.LastApplied(),
		},
		"reprocess_health": h.deps.Health.Snapshot(),
		"open_positions":   len(positions),
	})
}

// HandleListSignals supports ?ticker=&status=&type=&limit=&offset=.
func (h *Handlers) HandleListSignals(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := store.SignalFilter{
		Ticker:     q.Get("ticker"),
		Status:     types.SignalStatus(q.Get("status")),
		SignalType: types.SignalType(q.Get("type")),
	}
	if v := q.Get("limit"); v != "" {
		filter.Limit, _ = strconv.Atoi(v)
	}
	if v := q.Get("offset"); v != "" {
		filter.Offset, _ = strconv.Atoi(v)
	}

	rows, total, err := h.deps.Store.ListSignals(r.Context(), filter)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"total": total, "signals": rows})
}

// HandleSignalEvents returns one signal's audit trail.
func (h *Handlers) HandleSignalEvents(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if _, err := h.deps.Store.GetSignal(r.Context(), id); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeError(w, http.StatusNotFound, "unknown signal")
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	events, err := h.deps.Store.SignalEvents(r.Context(), id)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"signal_id": id, "events": events})
}

// HandleListPositions returns OPEN and CLOSING positions.
func (h *Handlers) HandleListPositions(w http.ResponseWriter, r *http.Request) {
	rows, err := h.deps.Store.OpenPositions(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, PositionsEvent{Open: positionViews(rows)})
}

func positionViews(rows []store.PositionRow) []PositionView {
	views := make([]PositionView, 0, len(rows))
	for _, p := range rows {
		views = append(views, PositionView{
			Ticker:        p.Ticker,
			Status:        string(p.Status),
			EntrySignalID: p.EntrySignalID,
			OpenedAt:      p.OpenedAt,
			ExitSignalID:  p.ExitSignalID,
			ClosedAt:      p.ClosedAt,
		})
	}
	return views
}

// HandleClosePosition synthesizes an exit for one held ticker. The signal is
// persisted, the position flips to CLOSING, and the exit joins the forwarding
// queue like any approved sell.
func (h *Handlers) HandleClosePosition(w http.ResponseWriter, r *http.Request) {
	ticker := types.NormalizeTicker(r.PathValue("ticker"))
	if ticker == "" {
		writeError(w, http.StatusBadRequest, "ticker is required")
		return
	}
	sig, status, err := h.synthesizeExit(r, ticker, types.TypePositionClose)
	if err != nil {
		writeError(w, status, err.Error())
		return
	}

	h.deps.Store.RecordAdminAction(r.Context(), "close_position", ticker)
	h.hub.BroadcastOrderStatus(OrderStatusEvent{
		SignalID: sig.ID, Ticker: ticker, Status: string(types.StatusApproved),
	})
	writeJSON(w, http.StatusAccepted, map[string]string{"signal_id": sig.ID, "ticker": ticker})
}

// HandleCloseAllPositions synthesizes exits for every OPEN position. Tickers
// already CLOSING are skipped and audited; closing them twice would forward a
// duplicate exit downstream.
func (h *Handlers) HandleCloseAllPositions(w http.ResponseWriter, r *http.Request) {
	positions, err := h.deps.Store.OpenPositions(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	var closing, skipped []string
	for _, pos := range positions {
		if pos.Status == types.PositionClosing {
			skipped = append(skipped, pos.Ticker)
			h.deps.Store.RecordAdminAction(r.Context(), "sell_all_skip", "SKIPPED_ALREADY_CLOSING "+pos.Ticker)
			continue
		}
		if _, _, err := h.synthesizeExit(r, pos.Ticker, types.TypeSellAll); err != nil {
			h.logger.Error("sell-all exit failed", "ticker", pos.Ticker, "error", err)
			continue
		}
		closing = append(closing, pos.Ticker)
	}

	h.deps.Store.RecordAdminAction(r.Context(), "sell_all",
		fmt.Sprintf("closing=%d skipped=%d", len(closing), len(skipped)))
	h.hub.BroadcastPositions(PositionsEvent{Closing: closing, Skipped: skipped})
	writeJSON(w, http.StatusAccepted, map[string]any{"closing": closing, "skipped": skipped})
}

// synthesizeExit persists an admin-originated exit signal, flips the position
// to CLOSING, and enqueues the exit for forwarding.
func (h *Handlers) synthesizeExit(r *http.Request, ticker string, sigType types.SignalType) (types.Signal, int, error) {
	ctx := r.Context()
	sig := types.Signal{
		ID:              uuid.NewString(),
		Ticker:          ticker,
		Action:          "exit",
		Type:            sigType,
		ReceivedAt:      time.Now().UTC(),
		OriginalPayload: []byte(fmt.Sprintf(`{"ticker":%q,"action":"exit","source":"admin"}`, ticker)),
	}
	if _, err := h.deps.Store.InsertSignal(ctx, sig, types.StatusReceived); err != nil {
		return sig, http.StatusInternalServerError, err
	}

	out, err := h.deps.Ledger.TryBeginClose(ctx, ticker, sig.ID)
	if err != nil {
		return sig, http.StatusInternalServerError, err
	}
	if out == ledger.NotFound {
		h.deps.Store.SetSignalStatus(ctx, sig.ID, types.StatusRejected, "admin", types.ReasonNoOpenPosition)
		return sig, http.StatusNotFound, fmt.Errorf("no open position for %s", ticker)
	}

	if err := h.deps.Store.SetSignalStatus(ctx, sig.ID, types.StatusApproved, "admin", ""); err != nil {
		return sig, http.StatusInternalServerError, err
	}
	if err := h.deps.ApprovedQ.TryPut(sig); err != nil {
		// Position is CLOSING and the exit is APPROVED but not queued; same
		// manual-reconciliation posture as the reprocessor.
		h.deps.Metrics.CriticalInconsistencies.Add(1)
		h.logger.Error("CRITICAL: exit approved but enqueue failed",
			"signal_id", sig.ID, "ticker", ticker, "error", err)
		return sig, http.StatusServiceUnavailable, fmt.Errorf("forwarding queue full")
	}
	return sig, http.StatusAccepted, nil
}

// StrategyPayload is the JSON body for strategy create/update.
type StrategyPayload struct {
	Name                        string `json:"name"`
	URL                         string `json:"url"`
	TopN                        int    `json:"top_n"`
	RefreshIntervalSec          int    `json:"refresh_interval_sec"`
	ReprocessEnabled            bool   `json:"reprocess_enabled"`
	ReprocessWindowSeconds      int    `json:"reprocess_window_seconds"`
	RespectSellChronology       bool   `json:"respect_sell_chronology"`
	SellChronologyWindowSeconds int    `json:"sell_chronology_window_seconds"`
}

func (p *StrategyPayload) validate() error {
	if p.Name == "" {
		return fmt.Errorf("name is required")
	}
	if p.URL == "" {
		return fmt.Errorf("url is required")
	}
	if p.TopN <= 0 {
		return fmt.Errorf("top_n must be > 0")
	}
	if p.RefreshIntervalSec <= 0 {
		return fmt.Errorf("refresh_interval_sec must be > 0")
	}
	return nil
}

func (p *StrategyPayload) toRow() store.StrategyRow {
	return store.StrategyRow{
		Name:                        p.Name,
		URL:                         p.URL,
		TopN:                        p.TopN,
		RefreshIntervalSec:          p.RefreshIntervalSec,
		ReprocessEnabled:            p.ReprocessEnabled,
		ReprocessWindowSeconds:      p.ReprocessWindowSeconds,
		RespectSellChronology:       p.RespectSellChronology,
		SellChronologyWindowSeconds: p.SellChronologyWindowSeconds,
	}
}

// HandleListStrategies returns every strategy.
func (h *Handlers) HandleListStrategies(w http.ResponseWriter, r *http.Request) {
	rows, err := h.deps.Store.ListStrategies(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"strategies": rows})
}

// HandleCreateStrategy inserts a new, inactive strategy.
func (h *Handlers) HandleCreateStrategy(w http.ResponseWriter, r *http.Request) {
	var body StrategyPayload
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "malformed JSON: "+err.Error())
		return
	}
	if err := body.validate(); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	row := body.toRow()
	if err := h.deps.Store.CreateStrategy(r.Context(), &row); err != nil {
		if errors.Is(err, store.ErrConflict) {
			writeError(w, http.StatusConflict, "strategy name already exists")
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	h.deps.Store.RecordAdminAction(r.Context(), "create_strategy", row.Name)
	h.hub.BroadcastStrategyChange(StrategyChangedEvent{Strategy: row.Name, Change: "created"})
	writeJSON(w, http.StatusCreated, row)
}

// HandleUpdateStrategy edits an existing strategy. The active flag only
// changes through activation.
func (h *Handlers) HandleUpdateStrategy(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseUint(r.PathValue("id"), 10, 32)
	if err != nil {
		writeError(w, http.StatusBadRequest, "bad strategy id")
		return
	}
	var body StrategyPayload
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "malformed JSON: "+err.Error())
		return
	}
	if err := body.validate(); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	row := body.toRow()
	row.ID = uint(id)
	if err := h.deps.Store.UpdateStrategy(r.Context(), &row); err != nil {
		switch {
		case errors.Is(err, store.ErrNotFound):
			writeError(w, http.StatusNotFound, "unknown strategy")
		case errors.Is(err, store.ErrConflict):
			writeError(w, http.StatusConflict, "strategy name already exists")
		default:
			writeError(w, http.StatusInternalServerError, err.Error())
		}
		return
	}

	h.deps.Store.RecordAdminAction(r.Context(), "update_strategy", row.Name)
	h.hub.BroadcastStrategyChange(StrategyChangedEvent{Strategy: row.Name, Change: "updated"})
	writeJSON(w, http.StatusOK, row)
}

// HandleActivateStrategy swaps the active strategy. The refresher picks the
// new one up at its next tick.
func (h *Handlers) HandleActivateStrategy(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseUint(r.PathValue("id"), 10, 32)
	if err != nil {
		writeError(w, http.StatusBadRequest, "bad strategy id")
		return
	}
	if err := h.deps.Store.SwitchActiveStrategy(r.Context(), uint(id)); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeError(w, http.StatusNotFound, "unknown strategy")
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	h.deps.Store.RecordAdminAction(r.Context(), "activate_strategy", r.PathValue("id"))
	h.hub.BroadcastStrategyChange(StrategyChangedEvent{Change: "activated"})
	writeJSON(w, http.StatusOK, map[string]string{"status": "activated"})
}

// HandleDeleteStrategy removes an inactive strategy.
func (h *Handlers) HandleDeleteStrategy(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseUint(r.PathValue("id"), 10, 32)
	if err != nil {
		writeError(w, http.StatusBadRequest, "bad strategy id")
		return
	}
	if err := h.deps.Store.DeleteStrategy(r.Context(), uint(id)); err != nil {
		switch {
		case errors.Is(err, store.ErrNotFound):
			writeError(w, http.StatusNotFound, "unknown strategy")
		case errors.Is(err, store.ErrConflict):
			writeError(w, http.StatusConflict, "cannot delete the active strategy")
		default:
			writeError(w, http.StatusInternalServerError, err.Error())
		}
		return
	}

	h.deps.Store.RecordAdminAction(r.Context(), "delete_strategy", r.PathValue("id"))
	h.hub.BroadcastStrategyChange(StrategyChangedEvent{Change: "deleted"})
	writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
}

// HandleRefresherPause / Resume / Force control the ranking refresher.
func (h *Handlers) HandleRefresherPause(w http.ResponseWriter, r *http.Request) {
	h.deps.Refresher.Pause()
	h.deps.Store.RecordAdminAction(r.Context(), "pause_refresher", "")
	writeJSON(w, http.StatusOK, map[string]bool{"paused": true})
}

func (h *Handlers) HandleRefresherResume(w http.ResponseWriter, r *http.Request) {
	h.deps.Refresher.Resume()
	h.deps.Store.RecordAdminAction(r.Context(), "resume_refresher", "")
	writeJSON(w, http.StatusOK, map[string]bool{"paused": false})
}

func (h *Handlers) HandleForceRefresh(w http.ResponseWriter, r *http.Request) {
	if err := h.deps.Refresher.ForceRefresh(r.Context()); err != nil {
		writeError(w, http.StatusBadGateway, "refresh failed: "+err.Error())
		return
	}
	h.deps.Store.RecordAdminAction(r.Context(), "force_refresh", "")
	snap := h.deps.Book.Current()
	writeJSON(w, http.StatusOK, map[string]any{
		"generation": snap.Generation,
		"size":       len(snap.Tickers),
	})
}

// HandleLimiterPause / Resume control outbound pacing.
func (h *Handlers) HandleLimiterPause(w http.ResponseWriter, r *http.Request) {
	h.deps.Limiter.Pause()
	h.deps.Store.RecordAdminAction(r.Context(), "pause_limiter", "")
	writeJSON(w, http.StatusOK, map[string]bool{"paused": true})
}

func (h *Handlers) HandleLimiterResume(w http.ResponseWriter, r *http.Request) {
	h.deps.Limiter.Resume()
	h.deps.Store.RecordAdminAction(r.Context(), "resume_limiter", "")
	writeJSON(w, http.StatusOK, map[string]bool{"paused": false})
}

// HandleResetMetrics zeroes the in-memory counters only; durable totals in
// the store are untouched.
func (h *Handlers) HandleResetMetrics(w http.ResponseWriter, r *http.Request) {
	h.deps.Metrics.Reset()
	h.deps.Store.RecordAdminAction(r.Context(), "reset_metrics", "")
	h.hub.BroadcastMetrics(h.deps.Metrics.Snapshot())
	writeJSON(w, http.StatusOK, map[string]string{"status": "reset"})
}

// HandleClearAll wipes all signal and position data. Strategies and the
// admin audit trail survive.
func (h *Handlers) HandleClearAll(w http.ResponseWriter, r *http.Request) {
	if err := h.deps.Store.ClearAll(r.Context()); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	h.deps.Store.RecordAdminAction(r.Context(), "clear_all", "")
	h.hub.BroadcastPositions(PositionsEvent{Open: []PositionView{}})
	writeJSON(w, http.StatusOK, map[string]string{"status": "cleared"})
}

// isOriginAllowed gates WebSocket upgrades. With no allowlist configured,
// same-host and localhost origins pass; with one, only exact matches do.
func isOriginAllowed(origin string, cfg config.ServerConfig, reqHost string) bool {
	if origin == "" {
		return true
	}
	if len(cfg.AllowedOrigins) > 0 {
		for _, allowed := range cfg.AllowedOrigins {
			if origin == allowed {
				return true
			}
		}
		return false
	}
	trimmed := strings.TrimPrefix(strings.TrimPrefix(origin, "https://"), "http://")
	if trimmed == reqHost {
		return true
	}
	host := trimmed
	if i := strings.Index(host, ":"); i >= 0 {
		host = host[:i]
	}
	return host == "localhost" || host == "127.0.0.1"
}

// HandleWebSocket upgrades the connection and sends the initial state.
func (h *Handlers) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	upgrader := websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin: func(r *http.Request) bool {
			return isOriginAllowed(r.Header.Get("Origin"), h.cfg, r.Host)
		},
	}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Error("websocket upgrade failed", "error", err)
		return
	}

	client := NewClient(h.hub, conn)

	// Initial state so the client does not wait for the first tick.
	for _, evt := range []Event{
		NewMetricsEvent(h.deps.Metrics.Snapshot()),
		NewEvent(EventStatusUpdate, h.buildStatus()),
	} {
		data, err := json.Marshal(evt)
		if err != nil {
			continue
		}
		select {
		case client.send <- data:
		default:
			h.logger.Warn("failed to send initial state to client")
		}
	}
}

// buildStatus assembles the periodic status rollup.
func (h *Handlers) buildStatus() StatusEvent {
	snap := h.deps.Book.Current()
	return StatusEvent{
		RefresherPaused:    h.deps.Refresher.Paused(),
		LimiterPaused:      h.deps.Limiter.Paused(),
		Limiter:            h.deps.Limiter.Stats(),
		InQueueDepth:       h.deps.InQ.Len(),
		ApprovedQueueDepth: h.deps.ApprovedQ.Len(),
		RankingGeneration:  snap.Generation,
		RankingSize:        len(snap.Tickers),
		RankingFetchedAt:   snap.FetchedAt,
		ReprocessHealth:    h.deps.Health.Snapshot(),
	}
}
