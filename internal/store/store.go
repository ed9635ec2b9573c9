// Package store is the single owner of durable state: signals, their event
// trail, positions, strategies, and the admin audit log.
//
// Backed by gorm with SQLite for single-box deployments and Postgres when the
// DSN starts with postgres:// (driver picked from the DSN, nothing else
// changes). Every signal status mutation appends a SignalEvent in the same
// transaction, so the event trail is a complete history of every decision the
// pipeline made.
//
// Failure classes (ErrNotFound / ErrConflict / ErrTransient) are defined in
// errors.go; callers branch with errors.Is and must never match on message
// text.
package store

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"signal-relay/pkg/types"
)

// Store wraps the database handle. All methods are safe for concurrent use;
// gorm pools connections internally.
type Store struct {
	db     *gorm.DB
	logger *slog.Logger
}

// Open connects, migrates the schema, and seeds a default strategy if the
// strategies table is empty.
func Open(dsn string, logger *slog.Logger) (*Store, error) {
	var dialector gorm.Dialector
	if strings.HasPrefix(dsn, "postgres://") || strings.HasPrefix(dsn, "postgresql://") {
		dialector = postgres.Open(dsn)
	} else {
		dialector = sqlite.Open(dsn)
	}

	db, err := gorm.Open(dialector, &gorm.Config{
		Logger:         gormlogger.Default.LogMode(gormlogger.Silent),
		TranslateError: true,
	})
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	if err := db.AutoMigrate(
		&SignalRow{},
		&SignalEventRow{},
		&PositionRow{},
		&StrategyRow{},
		&AdminActionRow{},
	); err != nil {
		return nil, fmt.Errorf("migrate schema: %w", err)
	}

	s := &Store{db: db, logger: logger.With("component", "store")}
	if err := s.seedDefaultStrategy(); err != nil {
		return nil, err
	}
	return s, nil
}

// Close releases the underlying connection pool.
func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// seedDefaultStrategy inserts one active strategy when the table is empty so
// the refresher always has something to run.
func (s *Store) seedDefaultStrategy() error {
	var count int64
	if err := s.db.Model(&StrategyRow{}).Count(&count).Error; err != nil {
		return classify("count strategies", err)
	}
	if count > 0 {
		return nil
	}
	def := StrategyRow{
		Name:                  "default",
		URL:                   "https://finviz.com/screener.ashx?v=111&f=ta_topgainers",
		TopN:                  20,
		RefreshIntervalSec:    60,
		ReprocessEnabled:      true,
		RespectSellChronology: true,
		IsActive:              true,
	}
	if err := s.db.Create(&def).Error; err != nil {
		return classify("seed default strategy", err)
	}
	s.logger.Info("seeded default strategy", "name", def.Name, "top_n", def.TopN)
	return nil
}

// Txn is a scoped transactional session. Obtain with GetTransaction, finish
// with exactly one of Commit or Rollback; Rollback after Commit is a no-op,
// so "defer txn.Rollback()" is safe on every path.
type Txn struct {
	tx   *gorm.DB
	done bool
}

// GetTransaction opens a transaction bound to ctx.
func (s *Store) GetTransaction(ctx context.Context) (*Txn, error) {
	tx := s.db.WithContext(ctx).Begin()
	if tx.Error != nil {
		return nil, classify("begin transaction", tx.Error)
	}
	return &Txn{tx: tx}, nil
}

// Commit finalizes the transaction.
func (t *Txn) Commit() error {
	if t.done {
		return nil
	}
	t.done = true
	return classify("commit", t.tx.Commit().Error)
}

// Rollback aborts the transaction. Safe to call after Commit.
func (t *Txn) Rollback() {
	if t.done {
		return
	}
	t.done = true
	t.tx.Rollback()
}

// InsertSignal persists a new signal with its INITIAL event in one
// transaction and returns the signal ID.
func (s *Store) InsertSignal(ctx context.Context, sig types.Signal, initial types.SignalStatus) (string, error) {
	row := SignalRow{
		ID:              sig.ID,
		Ticker:          sig.Ticker,
		Side:            sig.Side,
		Action:          sig.Action,
		Price:           sig.Price,
		ReceivedAt:      sig.ReceivedAt,
		OriginalPayload: sig.OriginalPayload,
		SignalType:      sig.Type,
		Status:          initial,
		RetryCount:      sig.RetryCount,
	}
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(&row).Error; err != nil {
			return err
		}
		return tx.Create(&SignalEventRow{
			SignalID:  row.ID,
			Timestamp: time.Now().UTC(),
			Status:    initial,
			WorkerID:  EventInitial,
			Details:   "signal received",
		}).Error
	})
	if err != nil {
		if isUniqueViolation(err) {
			return "", classify("insert signal", gorm.ErrDuplicatedKey)
		}
		return "", classify("insert signal", err)
	}
	return row.ID, nil
}

// AppendEvent records a status transition without touching the signal row.
func (s *Store) AppendEvent(ctx context.Context, signalID string, status types.SignalStatus, workerID, details string) error {
	err := s.db.WithContext(ctx).Create(&SignalEventRow{
		SignalID:  signalID,
		Timestamp: time.Now().UTC(),
		Status:    status,
		WorkerID:  workerID,
		Details:   details,
	}).Error
	return classify("append event", err)
}

// SetSignalStatus updates a signal's status and appends the matching event in
// one transaction.
func (s *Store) SetSignalStatus(ctx context.Context, signalID string, status types.SignalStatus, workerID, details string) error {
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Model(&SignalRow{}).Where("id = ?", signalID).
			Updates(map[string]any{"status": status, "updated_at": time.Now().UTC()})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return gorm.ErrRecordNotFound
		}
		return tx.Create(&SignalEventRow{
			SignalID:  signalID,
			Timestamp: time.Now().UTC(),
			Status:    status,
			WorkerID:  workerID,
			Details:   details,
		}).Error
	})
	return classify("set signal status", err)
}

// IncrementRetryCount bumps the retry counter after a transient failure.
func (s *Store) IncrementRetryCount(ctx context.Context, signalID string) error {
	err := s.db.WithContext(ctx).Model(&SignalRow{}).Where("id = ?", signalID).
		UpdateColumn("retry_count", gorm.Expr("retry_count + 1")).Error
	return classify("increment retry count", err)
}

// GetSignal loads one signal row by ID.
func (s *Store) GetSignal(ctx context.Context, signalID string) (*SignalRow, error) {
	var row SignalRow
	if err := s.db.WithContext(ctx).First(&row, "id = ?", signalID).Error; err != nil {
		return nil, classify("get signal", err)
	}
	return &row, nil
}

// openOrClosing is the shared predicate behind the ledger invariant.
func openOrClosing(db *gorm.DB, ticker string) (bool, error) {
	var count int64
	err := db.Model(&PositionRow{}).
		Where("ticker = ? AND status IN ?", ticker, []types.PositionStatus{types.PositionOpen, types.PositionClosing}).
		Count(&count).Error
	return count > 0, err
}

// IsPositionOpenOrClosing reports whether the ticker currently holds an
// OPEN or CLOSING position.
func (s *Store) IsPositionOpenOrClosing(ctx context.Context, ticker string) (bool, error) {
	held, err := openOrClosing(s.db.WithContext(ctx), ticker)
	return held, classify("is position open", err)
}

// IsPositionOpenOrClosingTx is the transactional variant used by the
// reprocessor's race recheck.
func (t *Txn) IsPositionOpenOrClosing(ticker string) (bool, error) {
	held, err := openOrClosing(t.tx, ticker)
	return held, classify("is position open (tx)", err)
}

// OpenPosition creates an OPEN position inside the transaction.
// Fails with ErrConflict if any OPEN/CLOSING position already exists for the
// ticker; the check runs in the same transaction so two concurrent opens
// cannot both pass.
func (t *Txn) OpenPosition(ticker, entrySignalID string) error {
	held, err := openOrClosing(t.tx, ticker)
	if err != nil {
		return classify("open position", err)
	}
	if held {
		return fmt.Errorf("open position %s: %w", ticker, ErrConflict)
	}
	err = t.tx.Create(&PositionRow{
		Ticker:        ticker,
		Status:        types.PositionOpen,
		EntrySignalID: entrySignalID,
		OpenedAt:      time.Now().UTC(),
	}).Error
	if isUniqueViolation(err) {
		return fmt.Errorf("open position %s: %w", ticker, ErrConflict)
	}
	return classify("open position", err)
}

// MarkPositionClosing moves the newest OPEN position for ticker to CLOSING
// and links the exit signal. Returns false if no OPEN position exists.
func (s *Store) MarkPositionClosing(ctx context.Context, ticker, exitSignalID string) (bool, error) {
	var marked bool
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var pos PositionRow
		err := tx.Where("ticker = ? AND status = ?", ticker, types.PositionOpen).
			Order("opened_at DESC").
			First(&pos).Error
		if err != nil {
			if err == gorm.ErrRecordNotFound {
				return nil
			}
			return err
		}
		res := tx.Model(&PositionRow{}).
			Where("id = ? AND status = ?", pos.ID, types.PositionOpen).
			Updates(map[string]any{"status": types.PositionClosing, "exit_signal_id": exitSignalID})
		if res.Error != nil {
			return res.Error
		}
		marked = res.RowsAffected == 1
		return nil
	})
	return marked, classify("mark position closing", err)
}

// ClosePosition finalizes a CLOSING position. Called only after the exit
// signal was forwarded successfully.
func (s *Store) ClosePosition(ctx context.Context, ticker string) error {
	now := time.Now().UTC()
	res := s.db.WithContext(ctx).Model(&PositionRow{}).
		Where("ticker = ? AND status = ?", ticker, types.PositionClosing).
		Updates(map[string]any{"status": types.PositionClosed, "closed_at": now})
	if res.Error != nil {
		return classify("close position", res.Error)
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("close position %s: %w", ticker, ErrNotFound)
	}
	return nil
}

// OpenPositions returns every OPEN or CLOSING position. Bulk sell-all uses
// the status to skip tickers already CLOSING.
func (s *Store) OpenPositions(ctx context.Context) ([]PositionRow, error) {
	var rows []PositionRow
	err := s.db.WithContext(ctx).
		Where("status IN ?", []types.PositionStatus{types.PositionOpen, types.PositionClosing}).
		Order("opened_at ASC").
		Find(&rows).Error
	return rows, classify("open positions", err)
}

// OpenPositionTickers returns the set of tickers with an OPEN or CLOSING
// position.
func (s *Store) OpenPositionTickers(ctx context.Context) (types.TickerSet, error) {
	rows, err := s.OpenPositions(ctx)
	if err != nil {
		return nil, err
	}
	tickers := make([]string, 0, len(rows))
	for _, r := range rows {
		tickers = append(tickers, r.Ticker)
	}
	return types.NewTickerSet(tickers), nil
}

// GetRejectedBuyCandidates lists REJECTED BUY signals for a ticker, newest
// first. windowSeconds of 0 means unbounded lookback.
func (s *Store) GetRejectedBuyCandidates(ctx context.Context, ticker string, windowSeconds, limit int) ([]SignalRow, error) {
	q := s.db.WithContext(ctx).
		Where("ticker = ? AND status = ? AND signal_type = ?", ticker, types.StatusRejected, types.TypeBuy)
	if windowSeconds > 0 {
		cutoff := time.Now().UTC().Add(-time.Duration(windowSeconds) * time.Second)
		q = q.Where("created_at >= ?", cutoff)
	}
	var rows []SignalRow
	err := q.Order("created_at DESC").Limit(limit).Find(&rows).Error
	return rows, classify("rejected buy candidates", err)
}

// HasSubsequentSell reports whether any SELL-family signal for ticker was
// created after buyCreatedAt (and within windowSeconds of it, when the
// window is bounded).
func (s *Store) HasSubsequentSell(ctx context.Context, ticker string, buyCreatedAt time.Time, windowSeconds int) (bool, error) {
	sellTypes := []types.SignalType{types.TypeSell, types.TypeManualSell, types.TypeSellAll, types.TypePositionClose}
	q := s.db.WithContext(ctx).Model(&SignalRow{}).
		Where("ticker = ? AND signal_type IN ? AND created_at > ?", ticker, sellTypes, buyCreatedAt)
	if windowSeconds > 0 {
		q = q.Where("created_at <= ?", buyCreatedAt.Add(time.Duration(windowSeconds)*time.Second))
	}
	var count int64
	err := q.Count(&count).Error
	return count > 0, classify("has subsequent sell", err)
}

// ReapproveSignal flips a signal back to APPROVED inside the transaction,
// but only if its status still equals REJECTED. A concurrent mutation (for
// example a manual admin re-approval) makes the guarded update match zero
// rows, which surfaces as ErrConflict so the reprocessor skips cleanly.
func (t *Txn) ReapproveSignal(signalID, workerID, details string) error {
	res := t.tx.Model(&SignalRow{}).
		Where("id = ? AND status = ?", signalID, types.StatusRejected).
		Updates(map[string]any{"status": types.StatusApproved, "updated_at": time.Now().UTC()})
	if res.Error != nil {
		return classify("reapprove signal", res.Error)
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("reapprove %s: status changed: %w", signalID, ErrConflict)
	}
	err := t.tx.Create(&SignalEventRow{
		SignalID:  signalID,
		Timestamp: time.Now().UTC(),
		Status:    types.StatusApproved,
		WorkerID:  workerID,
		Details:   details,
	}).Error
	return classify("reapprove signal event", err)
}

// SignalFilter narrows ListSignals. Zero values mean "no filter".
type SignalFilter struct {
	Ticker     string
	Status     types.SignalStatus
	SignalType types.SignalType
	From       time.Time
	To         time.Time
	Limit      int
	Offset     int
}

// ListSignals returns matching signals newest-first plus the total match
// count for pagination.
func (s *Store) ListSignals(ctx context.Context, f SignalFilter) ([]SignalRow, int64, error) {
	q := s.db.WithContext(ctx).Model(&SignalRow{})
	if f.Ticker != "" {
		q = q.Where("ticker = ?", types.NormalizeTicker(f.Ticker))
	}
	if f.Status != "" {
		q = q.Where("status = ?", f.Status)
	}
	if f.SignalType != "" {
		q = q.Where("signal_type = ?", f.SignalType)
	}
	if !f.From.IsZero() {
		q = q.Where("created_at >= ?", f.From)
	}
	if !f.To.IsZero() {
		q = q.Where("created_at <= ?", f.To)
	}

	var total int64
	if err := q.Count(&total).Error; err != nil {
		return nil, 0, classify("count signals", err)
	}

	limit := f.Limit
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	var rows []SignalRow
	err := q.Order("created_at DESC").Limit(limit).Offset(f.Offset).Find(&rows).Error
	return rows, total, classify("list signals", err)
}

// SignalEvents returns the event trail for one signal, oldest first.
func (s *Store) SignalEvents(ctx context.Context, signalID string) ([]SignalEventRow, error) {
	var rows []SignalEventRow
	err := s.db.WithContext(ctx).
		Where("signal_id = ?", signalID).
		Order("event_id ASC").
		Find(&rows).Error
	return rows, classify("signal events", err)
}

// SignalCounts returns signal totals grouped by status. The Store is the
// source of truth for these; queue depths and limiter state come from
// memory.
func (s *Store) SignalCounts(ctx context.Context) (map[types.SignalStatus]int64, error) {
	type bucket struct {
		Status types.SignalStatus
		N      int64
	}
	var buckets []bucket
	err := s.db.WithContext(ctx).Model(&SignalRow{}).
		Select("status, COUNT(*) AS n").
		Group("status").
		Scan(&buckets).Error
	if err != nil {
		return nil, classify("signal counts", err)
	}
	counts := make(map[types.SignalStatus]int64, len(buckets))
	for _, b := range buckets {
		counts[b.Status] = b.N
	}
	return counts, nil
}

// ActiveStrategy returns the single strategy with is_active = true.
func (s *Store) ActiveStrategy(ctx context.Context) (*StrategyRow, error) {
	var row StrategyRow
	if err := s.db.WithContext(ctx).First(&row, "is_active = ?", true).Error; err != nil {
		return nil, classify("active strategy", err)
	}
	return &row, nil
}

// SwitchActiveStrategy atomically deactivates the current strategy and
// activates the target.
func (s *Store) SwitchActiveStrategy(ctx context.Context, id uint) error {
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var target StrategyRow
		if err := tx.First(&target, id).Error; err != nil {
			return err
		}
		if err := tx.Model(&StrategyRow{}).Where("is_active = ?", true).
			Update("is_active", false).Error; err != nil {
			return err
		}
		return tx.Model(&StrategyRow{}).Where("id = ?", id).
			Update("is_active", true).Error
	})
	return classify("switch active strategy", err)
}

// ListStrategies returns all strategies ordered by ID.
func (s *Store) ListStrategies(ctx context.Context) ([]StrategyRow, error) {
	var rows []StrategyRow
	err := s.db.WithContext(ctx).Order("id ASC").Find(&rows).Error
	return rows, classify("list strategies", err)
}

// CreateStrategy inserts a new (inactive) strategy.
func (s *Store) CreateStrategy(ctx context.Context, row *StrategyRow) error {
	row.IsActive = false
	err := s.db.WithContext(ctx).Create(row).Error
	if isUniqueViolation(err) {
		return fmt.Errorf("create strategy %q: %w", row.Name, ErrConflict)
	}
	return classify("create strategy", err)
}

// UpdateStrategy saves edits to an existing strategy. The is_active flag is
// only changed through SwitchActiveStrategy.
func (s *Store) UpdateStrategy(ctx context.Context, row *StrategyRow) error {
	res := s.db.WithContext(ctx).Model(&StrategyRow{}).Where("id = ?", row.ID).
		Updates(map[string]any{
			"name":                           row.Name,
			"url":                            row.URL,
			"top_n":                          row.TopN,
			"refresh_interval_sec":           row.RefreshIntervalSec,
			"reprocess_enabled":              row.ReprocessEnabled,
			"reprocess_window_seconds":       row.ReprocessWindowSeconds,
			"respect_sell_chronology":        row.RespectSellChronology,
			"sell_chronology_window_seconds": row.SellChronologyWindowSeconds,
		})
	if res.Error != nil {
		if isUniqueViolation(res.Error) {
			return fmt.Errorf("update strategy %d: %w", row.ID, ErrConflict)
		}
		return classify("update strategy", res.Error)
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("update strategy %d: %w", row.ID, ErrNotFound)
	}
	return nil
}

// DeleteStrategy removes a strategy. The active strategy cannot be deleted.
func (s *Store) DeleteStrategy(ctx context.Context, id uint) error {
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var row StrategyRow
		if err := tx.First(&row, id).Error; err != nil {
			return err
		}
		if row.IsActive {
			return fmt.Errorf("strategy %d is active: %w", id, ErrConflict)
		}
		return tx.Delete(&StrategyRow{}, id).Error
	})
	return classify("delete strategy", err)
}

// RecordAdminAction appends to the admin audit trail.
func (s *Store) RecordAdminAction(ctx context.Context, action, details string) error {
	err := s.db.WithContext(ctx).Create(&AdminActionRow{
		Action:    action,
		Details:   details,
		CreatedAt: time.Now().UTC(),
	}).Error
	return classify("record admin action", err)
}

// ClearAll deletes all signal and position data in one transaction.
// Deletion order respects foreign keys: events, then positions, then
// signals. Strategies and the audit trail survive.
func (s *Store) ClearAll(ctx context.Context) error {
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("1 = 1").Delete(&SignalEventRow{}).Error; err != nil {
			return err
		}
		if err := tx.Where("1 = 1").Delete(&PositionRow{}).Error; err != nil {
			return err
		}
		return tx.Where("1 = 1").Delete(&SignalRow{}).Error
	})
	return classify("clear all", err)
}
