// Package types defines shared data structures used across all packages.
//
// This package is the common vocabulary for the pipeline: signals, their
// lifecycle statuses, position states, and the BUY/SELL classification rule.
// It has no dependencies on internal packages, so it can be imported by any
// layer.
package types

import (
	"encoding/json"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// SignalType categorizes how a signal entered the system and what it intends.
type SignalType string

const (
	TypeBuy           SignalType = "BUY"
	TypeSell          SignalType = "SELL"
	TypeManualSell    SignalType = "MANUAL_SELL"    // admin-triggered close of one ticker
	TypeSellAll       SignalType = "SELL_ALL"       // admin bulk close, one per open ticker
	TypePositionClose SignalType = "POSITION_CLOSE" // admin close synthesized with action=exit
)

// SignalStatus is the lifecycle state of a signal.
//
// Transitions are monotonic with one exception: the reprocessor may move a
// signal from REJECTED back to APPROVED when its ticker re-enters the ranking.
type SignalStatus string

const (
	StatusReceived     SignalStatus = "RECEIVED"
	StatusApproved     SignalStatus = "APPROVED"
	StatusRejected     SignalStatus = "REJECTED"
	StatusForwardedOK  SignalStatus = "FORWARDED_OK"
	StatusForwardedErr SignalStatus = "FORWARDED_ERR"
)

// PositionStatus is the lifecycle state of a ledger position.
type PositionStatus string

const (
	PositionOpen    PositionStatus = "OPEN"
	PositionClosing PositionStatus = "CLOSING"
	PositionClosed  PositionStatus = "CLOSED"
)

// Rejection reasons recorded on REJECTED signals.
const (
	ReasonNotInRanking      = "not_in_ranking"
	ReasonDuplicateOpen     = "duplicate_open"
	ReasonNoOpenPosition    = "no_open_position"
	ReasonTransientExceeded = "store_transient_exceeded"
)

// Signal is an external instruction to open or close a position on a ticker.
//
// OriginalPayload holds the ingress body verbatim and is never mutated; the
// reprocessor uses it to rebuild a forwardable signal after re-approval.
type Signal struct {
	ID              string              `json:"signal_id"`
	Ticker          string              `json:"ticker"`
	Side            string              `json:"side,omitempty"`
	Action          string              `json:"action,omitempty"`
	Price           decimal.NullDecimal `json:"price,omitempty"`
	ReceivedAt      time.Time           `json:"received_at"`
	OriginalPayload json.RawMessage     `json:"-"`
	Type            SignalType          `json:"signal_type"`
	RetryCount      int                 `json:"-"`
}

// sellActions are the action values that always mean "close the position",
// regardless of what side says.
var sellActions = map[string]bool{
	"sell":  true,
	"exit":  true,
	"close": true,
}

// IsSellIntent classifies a (side, action) pair as SELL-family.
//
// Both fields are always examined: action in {sell, exit, close} wins over
// side, so an "action=exit" without a side is still a SELL. Everything else
// is a BUY. Inspecting only one of the two fields misclassifies bare-action
// exits and is not allowed anywhere in the pipeline.
func IsSellIntent(side, action string) bool {
	if sellActions[strings.ToLower(strings.TrimSpace(action))] {
		return true
	}
	return strings.EqualFold(strings.TrimSpace(side), "sell")
}

// Classify maps a (side, action) pair to BUY or SELL.
func Classify(side, action string) SignalType {
	if IsSellIntent(side, action) {
		return TypeSell
	}
	return TypeBuy
}

// IsSellFamily reports whether a signal type closes positions.
func (t SignalType) IsSellFamily() bool {
	switch t {
	case TypeSell, TypeManualSell, TypeSellAll, TypePositionClose:
		return true
	default:
		return false
	}
}

// NormalizeTicker uppercases and trims a raw ticker symbol.
func NormalizeTicker(raw string) string {
	return strings.ToUpper(strings.TrimSpace(raw))
}

// TickerSet is a set of ticker symbols.
type TickerSet map[string]struct{}

// NewTickerSet builds a set from a slice, normalizing each symbol.
func NewTickerSet(tickers []string) TickerSet {
	s := make(TickerSet, len(tickers))
	for _, t := range tickers {
		if n := NormalizeTicker(t); n != "" {
			s[n] = struct{}{}
		}
	}
	return s
}

// Contains reports set membership.
func (s TickerSet) Contains(ticker string) bool {
	_, ok := s[ticker]
	return ok
}

// Diff returns the tickers present in s but absent from old.
func (s TickerSet) Diff(old TickerSet) []string {
	var entered []string
	for t := range s {
		if _, ok := old[t]; !ok {
			entered = append(entered, t)
		}
	}
	return entered
}

// Slice returns the set's members as an unordered slice.
func (s TickerSet) Slice() []string {
	out := make([]string, 0, len(s))
	for t := range s {
		out = append(out, t)
	}
	return out
}
