package api

import (
	"encoding/json"
	"log/slog"
	"testing"

	"signal-relay/internal/metrics"
)

func TestTypedBroadcastsTagEventKind(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		emit func(h *Hub)
		want string
	}{
		{
			name: "metrics",
			emit: func(h *Hub) { h.BroadcastMetrics(metrics.Snapshot{}) },
			want: EventMetricsUpdate,
		},
		{
			name: "status",
			emit: func(h *Hub) { h.BroadcastStatus(StatusEvent{InQueueDepth: 3}) },
			want: EventStatusUpdate,
		},
		{
			name: "positions",
			emit: func(h *Hub) { h.BroadcastPositions(PositionsEvent{Closing: []string{"AAPL"}}) },
			want: EventPositionsUpdate,
		},
		{
			name: "strategy change",
			emit: func(h *Hub) { h.BroadcastStrategyChange(StrategyChangedEvent{Change: "applied"}) },
			want: EventStrategyChanged,
		},
		{
			name: "order status",
			emit: func(h *Hub) {
				h.BroadcastOrderStatus(OrderStatusEvent{SignalID: "s-1", Ticker: "AAPL", Status: "APPROVED"})
			},
			want: EventOrderStatus,
		},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			h := NewHub(slog.Default())
			tt.emit(h)

			select {
			case raw := <-h.broadcast:
				var evt Event
				if err := json.Unmarshal(raw, &evt); err != nil {
					t.Fatal(err)
				}
				if evt.Type != tt.want {
					t.Errorf("event type = %q, want %q", evt.Type, tt.want)
				}
				if evt.Timestamp.IsZero() {
					t.Error("event timestamp not set")
				}
			default:
				t.Fatal("no event broadcast")
			}
		})
	}
}
