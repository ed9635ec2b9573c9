package store

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"

	"gorm.io/gorm"
)

// Failure classes surfaced by every Store operation. Callers branch with
// errors.Is:
//
//   - ErrNotFound:  the row does not exist.
//   - ErrConflict:  optimistic-lock or uniqueness violation. Not retryable;
//     maps to duplicate_open at decision time and to a SKIP in the
//     reprocessor.
//   - ErrTransient: infrastructure hiccup (connection reset, busy database).
//     The decision workers retry these a bounded number of times.
//
// Anything else is fatal: log it and surface it.
var (
	ErrNotFound  = errors.New("store: not found")
	ErrConflict  = errors.New("store: conflict")
	ErrTransient = errors.New("store: transient failure")
)

// classify wraps a raw database error into one of the typed failure classes.
func classify(op string, err error) error {
	if err == nil {
		return nil
	}
	switch {
	case errors.Is(err, gorm.ErrRecordNotFound):
		return fmt.Errorf("%s: %w", op, ErrNotFound)
	case errors.Is(err, gorm.ErrDuplicatedKey):
		return fmt.Errorf("%s: %w: %v", op, ErrConflict, err)
	case isTransient(err):
		return fmt.Errorf("%s: %w: %v", op, ErrTransient, err)
	default:
		return fmt.Errorf("%s: %w", op, err)
	}
}

// isTransient detects infrastructure errors worth retrying. Driver error
// types differ between sqlite and postgres, so this matches on both the
// error chain and the message.
func isTransient(err error) bool {
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	msg := strings.ToLower(err.Error())
	for _, hint := range []string{
		"database is locked",
		"connection reset",
		"connection refused",
		"broken pipe",
		"too many connections",
		"deadlock",
	} {
		if strings.Contains(msg, hint) {
			return true
		}
	}
	return false
}

// isUniqueViolation matches unique-constraint failures that gorm does not
// already translate to ErrDuplicatedKey (driver-dependent).
func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "unique constraint") ||
		strings.Contains(msg, "duplicate key")
}
