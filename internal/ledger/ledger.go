// Package ledger enforces the core admission invariant: for any ticker, at
// most one position is OPEN or CLOSING at a time.
//
// It is a thin layer over the store. TryOpen re-checks the invariant and
// creates the position inside one transaction, so two decision workers (or a
// decision worker racing the reprocessor) can never both open the same
// ticker. The ledger is the only component that mutates positions.
package ledger

import (
	"context"
	"errors"
	"log/slog"

	"signal-relay/internal/store"
)

// OpenOutcome is the result of TryOpen.
type OpenOutcome int

const (
	Opened OpenOutcome = iota
	AlreadyExists
)

// CloseOutcome is the result of TryBeginClose.
type CloseOutcome int

const (
	Closing CloseOutcome = iota
	NotFound
)

// Ledger mediates all position transitions.
type Ledger struct {
	store  *store.Store
	logger *slog.Logger
}

// New creates a ledger over the store.
func New(st *store.Store, logger *slog.Logger) *Ledger {
	return &Ledger{
		store:  st,
		logger: logger.With("component", "ledger"),
	}
}

// TryOpen opens a position for ticker entered by entrySignalID. Returns
// AlreadyExists when any OPEN/CLOSING position is present; the check and the
// insert share one transaction.
func (l *Ledger) TryOpen(ctx context.Context, ticker, entrySignalID string) (OpenOutcome, error) {
	txn, err := l.store.GetTransaction(ctx)
	if err != nil {
		return AlreadyExists, err
	}
	defer txn.Rollback()

	held, err := txn.IsPositionOpenOrClosing(ticker)
	if err != nil {
		return AlreadyExists, err
	}
	if held {
		return AlreadyExists, nil
	}

	if err := txn.OpenPosition(ticker, entrySignalID); err != nil {
		if errors.Is(err, store.ErrConflict) {
			return AlreadyExists, nil
		}
		return AlreadyExists, err
	}

	if err := txn.Commit(); err != nil {
		if errors.Is(err, store.ErrConflict) {
			return AlreadyExists, nil
		}
		return AlreadyExists, err
	}

	l.logger.Debug("position opened", "ticker", ticker, "entry_signal", entrySignalID)
	return Opened, nil
}

// TryBeginClose moves the newest OPEN position to CLOSING, linked to the
// exit signal. Returns NotFound when the ticker holds nothing.
func (l *Ledger) TryBeginClose(ctx context.Context, ticker, exitSignalID string) (CloseOutcome, error) {
	marked, err := l.store.MarkPositionClosing(ctx, ticker, exitSignalID)
	if err != nil {
		return NotFound, err
	}
	if !marked {
		return NotFound, nil
	}
	l.logger.Debug("position closing", "ticker", ticker, "exit_signal", exitSignalID)
	return Closing, nil
}

// FinalizeClose transitions CLOSING to CLOSED after the exit signal was
// forwarded successfully.
func (l *Ledger) FinalizeClose(ctx context.Context, ticker string) error {
	if err := l.store.ClosePosition(ctx, ticker); err != nil {
		return err
	}
	l.logger.Debug("position closed", "ticker", ticker)
	return nil
}

// IsHeld reports whether ticker has an OPEN or CLOSING position.
func (l *Ledger) IsHeld(ctx context.Context, ticker string) (bool, error) {
	return l.store.IsPositionOpenOrClosing(ctx, ticker)
}
