package store

import (
	"time"

	"github.com/shopspring/decimal"

	"signal-relay/pkg/types"
)

// SignalRow is the durable record of one ingested signal.
//
// OriginalPayload is the ingress body verbatim; it is written once and never
// updated. Status is the only mutable lifecycle field besides RetryCount, and
// every status write goes through a method that appends a SignalEvent in the
// same transaction.
type SignalRow struct {
	ID              string              `gorm:"primaryKey;size:36"`
	Ticker          string              `gorm:"size:16;not null;index:idx_signals_ticker_status,priority:1"`
	Side            string              `gorm:"size:8"`
	Action          string              `gorm:"size:8"`
	Price           decimal.NullDecimal `gorm:"type:decimal(18,6)"`
	ReceivedAt      time.Time           `gorm:"not null"`
	OriginalPayload []byte              `gorm:"type:text"`
	SignalType      types.SignalType    `gorm:"size:16;not null"`
	Status          types.SignalStatus  `gorm:"size:16;not null;index:idx_signals_ticker_status,priority:2;index:idx_signals_status_created,priority:1"`
	RetryCount      int                 `gorm:"not null;default:0"`
	CreatedAt       time.Time           `gorm:"index:idx_signals_created;index:idx_signals_status_created,priority:2"`
	UpdatedAt       time.Time
}

func (SignalRow) TableName() string { return "signals" }

// ToSignal rebuilds the in-memory signal from the stored row.
func (r *SignalRow) ToSignal() types.Signal {
	return types.Signal{
		ID:              r.ID,
		Ticker:          r.Ticker,
		Side:            r.Side,
		Action:          r.Action,
		Price:           r.Price,
		ReceivedAt:      r.ReceivedAt,
		OriginalPayload: r.OriginalPayload,
		Type:            r.SignalType,
		RetryCount:      r.RetryCount,
	}
}

// SignalEventRow is the append-only audit trail of signal status transitions.
// Exactly one INITIAL event exists per signal, written in the same
// transaction as the signal insert.
type SignalEventRow struct {
	EventID   uint               `gorm:"primaryKey;autoIncrement"`
	SignalID  string             `gorm:"size:36;not null;index:idx_signal_events_signal"`
	Signal    *SignalRow         `gorm:"foreignKey:SignalID;constraint:OnDelete:RESTRICT"`
	Timestamp time.Time          `gorm:"not null"`
	Status    types.SignalStatus `gorm:"size:16;not null"`
	WorkerID  string             `gorm:"size:32"`
	Details   string             `gorm:"type:text"`
}

func (SignalEventRow) TableName() string { return "signal_events" }

// EventInitial marks the event written when a signal is first persisted.
const EventInitial = "INITIAL"

// PositionRow is the ledger's record that a ticker is currently held.
//
// The invariant "at most one OPEN/CLOSING per ticker" is enforced twice:
// Txn.OpenPosition re-checks inside its transaction for the friendly
// AlreadyExists path, and a partial unique index on ticker over non-CLOSED
// rows backstops it at the schema level, so two READ COMMITTED transactions
// on Postgres cannot both commit an open. ExitSignalID is set exactly when
// the position leaves OPEN.
type PositionRow struct {
	ID            uint                 `gorm:"primaryKey;autoIncrement"`
	Ticker        string               `gorm:"size:16;not null;index:idx_positions_ticker_status,priority:1;uniqueIndex:uniq_positions_held,where:status <> 'CLOSED'"`
	Status        types.PositionStatus `gorm:"size:8;not null;index:idx_positions_ticker_status,priority:2"`
	EntrySignalID string               `gorm:"size:36;not null"`
	EntrySignal   *SignalRow           `gorm:"foreignKey:EntrySignalID;constraint:OnDelete:RESTRICT"`
	ExitSignalID  *string              `gorm:"size:36"`
	ExitSignal    *SignalRow           `gorm:"foreignKey:ExitSignalID;constraint:OnDelete:RESTRICT"`
	OpenedAt      time.Time            `gorm:"not null"`
	ClosedAt      *time.Time
}

func (PositionRow) TableName() string { return "positions" }

// StrategyRow configures the ranking source and reprocessing behavior.
// Exactly one row has IsActive=true at any time: SwitchActiveStrategy swaps
// atomically and a partial unique index on is_active rejects a second active
// row outside that path.
type StrategyRow struct {
	ID                          uint   `gorm:"primaryKey;autoIncrement"`
	Name                        string `gorm:"size:64;not null;uniqueIndex"`
	URL                         string `gorm:"size:512;not null"`
	TopN                        int    `gorm:"not null;default:20"`
	RefreshIntervalSec          int    `gorm:"not null;default:60"`
	ReprocessEnabled            bool   `gorm:"not null;default:true"`
	ReprocessWindowSeconds      int    `gorm:"not null;default:0"` // 0 = unbounded lookback
	RespectSellChronology       bool   `gorm:"not null;default:true"`
	SellChronologyWindowSeconds int    `gorm:"not null;default:0"`
	IsActive                    bool   `gorm:"not null;default:false;uniqueIndex:idx_strategies_active,where:is_active"`
	CreatedAt                   time.Time
	UpdatedAt                   time.Time
}

func (StrategyRow) TableName() string { return "strategies" }

// AdminActionRow is the audit table for admin endpoint mutations.
type AdminActionRow struct {
	ID        uint      `gorm:"primaryKey;autoIncrement"`
	Action    string    `gorm:"size:64;not null"`
	Details   string    `gorm:"type:text"`
	CreatedAt time.Time `gorm:"index"`
}

func (AdminActionRow) TableName() string { return "admin_actions" }
