package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"copytrader/pkg/types"
)

// CopyAttemptRepo persists CopyAttempt and ExecutableFill rows.
type CopyAttemptRepo struct {
	db *DB
}

func NewCopyAttemptRepo(db *DB) *CopyAttemptRepo {
	return &CopyAttemptRepo{db: db}
}

// ExistsForGroupKey implements the executor's idempotency check (SPEC_FULL.md §4.7 step 1).
func (r *CopyAttemptRepo) ExistsForGroupKey(ctx context.Context, groupKey string) (bool, error) {
	var n int
	err := r.db.conn.QueryRowContext(ctx,
		`SELECT COUNT(1) FROM copy_attempt WHERE group_key = ?`, groupKey,
	).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("check existing copy attempt: %w", err)
	}
	return n > 0, nil
}

// Insert writes a CopyAttempt row, optionally inside a transaction (execer).
func (r *CopyAttemptRepo) Insert(ctx context.Context, execer sqlExecer, a *types.CopyAttempt) error {
	reasonJSON, err := json.Marshal(a.ReasonCodes)
	if err != nil {
		return fmt.Errorf("marshal reason codes: %w", err)
	}

	var bufferedCount any
	if a.HasBufferedTradeCount {
		bufferedCount = a.BufferedTradeCount
	}

	_, err = execer.ExecContext(ctx, `
		INSERT INTO copy_attempt (
			id, portfolio_scope, followed_user_id, group_key, decision, reason_codes,
			source_type, target_notional_micros, filled_notional_micros, filled_ratio_bps,
			vwap_price_micros, their_reference_price_micros, mid_price_micros_at_decision,
			buffered_trade_count, created_at
		) VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		a.ID, a.PortfolioScope, nullIfEmpty(a.FollowedUserID), a.GroupKey, a.Decision, string(reasonJSON),
		a.SourceType, a.TargetNotionalMicros, a.FilledNotionalMicros, a.FilledRatioBps,
		a.VwapPriceMicros, a.TheirReferencePriceMicros, a.MidPriceMicrosAtDecision,
		bufferedCount, time.Now().Unix(),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrAlreadyExists
		}
		return fmt.Errorf("insert copy attempt: %w", err)
	}
	return nil
}

// InsertFill writes one ExecutableFill row.
func (r *CopyAttemptRepo) InsertFill(ctx context.Context, execer sqlExecer, f *types.ExecutableFill) error {
	_, err := execer.ExecContext(ctx, `
		INSERT INTO executable_fill (id, copy_attempt_id, price_micros, filled_share_micros, fill_notional_micros)
		VALUES (?,?,?,?,?)`,
		f.ID, f.CopyAttemptID, f.PriceMicros, f.FilledShareMicros, f.FillNotionalMicros,
	)
	if err != nil {
		return fmt.Errorf("insert executable fill: %w", err)
	}
	return nil
}

// ErrAlreadyExists signals a unique-constraint collision treated as "swallow at debug level".
var ErrAlreadyExists = errors.New("store: already exists")

func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(strings.ToLower(err.Error()), "unique")
}
