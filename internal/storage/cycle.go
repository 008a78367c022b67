package storage

import (
	"database/sql"
	"fmt"

	"github.com/shopspring/decimal"
)

// CycleUpdate describes an atomic change to a token's cycle state.
// Nil fields are left untouched.
type CycleUpdate struct {
	Phase          *Phase
	BuyCount       *int
	SellCount      *int
	SellSnapshot   *decimal.Decimal
	SellPerTx      *decimal.Decimal
	FailureDelta   int  // +1 on failure, ignored when ResetFailures is set
	ResetFailures  bool // a confirmed trade clears the streak
	TouchAttemptAt bool
}

// GetCycleState fetches the cycle state for a token
func (d *DB) GetCycleState(tokenID string) (*CycleState, error) {
	var s CycleState
	err := d.db.QueryRow(`
		SELECT token_id, phase, buy_count, sell_count, sell_snapshot, sell_per_tx,
		       consecutive_failures, last_attempt_at, updated_at
		FROM cycle_states WHERE token_id = ?`, tokenID).Scan(
		&s.TokenID, &s.Phase, &s.BuyCount, &s.SellCount,
		dec(&s.SellSnapshot), dec(&s.SellPerTx),
		&s.ConsecutiveFailures, &s.LastAttemptAt, &s.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &s, nil
}

// AdvanceCycle atomically applies a phase/count update and returns the new
// state. Phase invariants are enforced here: while in buy phase the sell
// snapshot and per-tx amount are zero.
func (d *DB) AdvanceCycle(tokenID string, u CycleUpdate) (*CycleState, error) {
	tx, err := d.db.Begin()
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	var s CycleState
	err = tx.QueryRow(`
		SELECT token_id, phase, buy_count, sell_count, sell_snapshot, sell_per_tx,
		       consecutive_failures, last_attempt_at, updated_at
		FROM cycle_states WHERE token_id = ?`, tokenID).Scan(
		&s.TokenID, &s.Phase, &s.BuyCount, &s.SellCount,
		dec(&s.SellSnapshot), dec(&s.SellPerTx),
		&s.ConsecutiveFailures, &s.LastAttemptAt, &s.UpdatedAt)
	if err != nil {
		return nil, fmt.Errorf("load cycle state: %w", err)
	}

	if u.Phase != nil {
		s.Phase = *u.Phase
	}
	if u.BuyCount != nil {
		s.BuyCount = *u.BuyCount
	}
	if u.SellCount != nil {
		s.SellCount = *u.SellCount
	}
	if u.SellSnapshot != nil {
		s.SellSnapshot = *u.SellSnapshot
	}
	if u.SellPerTx != nil {
		s.SellPerTx = *u.SellPerTx
	}
	if u.ResetFailures {
		s.ConsecutiveFailures = 0
	} else {
		s.ConsecutiveFailures += u.FailureDelta
	}
	if u.TouchAttemptAt {
		s.LastAttemptAt = Now()
	}

	if s.BuyCount < 0 || s.SellCount < 0 {
		return nil, fmt.Errorf("cycle counts must be non-negative (buy=%d sell=%d)", s.BuyCount, s.SellCount)
	}
	if s.Phase == PhaseBuy {
		s.SellSnapshot = decimal.Zero
		s.SellPerTx = decimal.Zero
	}

	s.UpdatedAt = Now()
	if _, err := tx.Exec(`
		UPDATE cycle_states SET phase = ?, buy_count = ?, sell_count = ?,
		sell_snapshot = ?, sell_per_tx = ?, consecutive_failures = ?,
		last_attempt_at = ?, updated_at = ?
		WHERE token_id = ?`,
		s.Phase, s.BuyCount, s.SellCount,
		s.SellSnapshot.String(), s.SellPerTx.String(), s.ConsecutiveFailures,
		s.LastAttemptAt, s.UpdatedAt, tokenID); err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return &s, nil
}
