package api

import (
	"time"

	"signal-relay/internal/metrics"
	"signal-relay/internal/ratelimit"
	"signal-relay/internal/reprocess"
)

// Event is the wrapper for everything pushed over the WebSocket stream.
type Event struct {
	Type      string    `json:"type"` // "metrics_update", "status_update", "positions_update", "finviz_strategy_changed", "order_status_change"
	Timestamp time.Time `json:"timestamp"`
	Data      any       `json:"data"`
}

const (
	EventMetricsUpdate   = "metrics_update"
	EventStatusUpdate    = "status_update"
	EventPositionsUpdate = "positions_update"
	EventStrategyChanged = "finviz_strategy_changed"
	EventOrderStatus     = "order_status_change"
)

// OrderStatusEvent is emitted on every admission decision and delivery
// outcome.
type OrderStatusEvent struct {
	SignalID   string `json:"signal_id"`
	Ticker     string `json:"ticker"`
	Status     string `json:"status"`
	Reason     string `json:"reason,omitempty"`
	HTTPStatus int    `json:"http_status,omitempty"`
}

// StatusEvent is the periodic runtime rollup.
type StatusEvent struct {
	RefresherPaused    bool               `json:"refresher_paused"`
	LimiterPaused      bool               `json:"limiter_paused"`
	Limiter            ratelimit.Snapshot `json:"limiter"`
	InQueueDepth       int                `json:"in_queue_depth"`
	ApprovedQueueDepth int                `json:"approved_queue_depth"`
	RankingGeneration  uint64             `json:"ranking_generation"`
	RankingSize        int                `json:"ranking_size"`
	RankingFetchedAt   time.Time          `json:"ranking_fetched_at"`
	ReprocessHealth    reprocess.Report   `json:"reprocess_health"`
}

// PositionsEvent carries the currently held tickers. Closing and Skipped are
// set by the bulk close to report which tickers it touched and which were
// already on their way out.
type PositionsEvent struct {
	Open    []PositionView `json:"open"`
	Closing []string       `json:"closing,omitempty"`
	Skipped []string       `json:"skipped,omitempty"`
}

// PositionView is one held position as shown to clients.
type PositionView struct {
	Ticker        string     `json:"ticker"`
	Status        string     `json:"status"`
	EntrySignalID string     `json:"entry_signal_id"`
	OpenedAt      time.Time  `json:"opened_at"`
	ExitSignalID  *string    `json:"exit_signal_id,omitempty"`
	ClosedAt      *time.Time `json:"closed_at,omitempty"`
}

// StrategyChangedEvent is emitted on every applied ranking snapshot and on
// strategy mutations.
type StrategyChangedEvent struct {
	Generation uint64   `json:"generation,omitempty"`
	Size       int      `json:"size,omitempty"`
	Entered    []string `json:"entered,omitempty"`
	Strategy   string   `json:"strategy,omitempty"`
	Change     string   `json:"change,omitempty"` // "applied", "created", "updated", "activated", "deleted"
}

// NewMetricsEvent wraps a counters snapshot.
func NewMetricsEvent(snap metrics.Snapshot) Event {
	return Event{Type: EventMetricsUpdate, Timestamp: time.Now().UTC(), Data: snap}
}

// NewEvent wraps any payload with a type and timestamp.
func NewEvent(eventType string, data any) Event {
	return Event{Type: eventType, Timestamp: time.Now().UTC(), Data: data}
}
