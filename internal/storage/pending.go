package storage

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// PendingTTL is how long a deposit may take before the pending row expires
const PendingTTL = 24 * time.Hour

// CreatePendingActivation stores an activation intent awaiting a deposit
func (d *DB) CreatePendingActivation(kind PendingKind, depositAddress string, minAmount decimal.Decimal, payload ActivationPayload) (*PendingActivation, error) {
	if payload.Mint == "" || payload.OwnerID == "" {
		return nil, fmt.Errorf("payload requires owner_id and mint")
	}
	p := &PendingActivation{
		ID:             uuid.NewString(),
		Kind:           kind,
		DepositAddress: depositAddress,
		MinAmount:      minAmount,
		Status:         PendingAwaitingDeposit,
		Payload:        payload,
		CreatedAt:      Now(),
	}
	p.ExpiresAt = p.CreatedAt + int64(PendingTTL.Seconds())

	payloadJSON, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	_, err = d.db.Exec(`
		INSERT INTO pending_activations (id, kind, deposit_address, min_amount, status, payload_json, created_at, expires_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		p.ID, p.Kind, p.DepositAddress, p.MinAmount.String(), p.Status,
		string(payloadJSON), p.CreatedAt, p.ExpiresAt)
	if err != nil {
		return nil, err
	}
	return p, nil
}

// GetPendingActivation fetches one pending row
func (d *DB) GetPendingActivation(id string) (*PendingActivation, error) {
	var p PendingActivation
	var payloadJSON string
	err := d.db.QueryRow(`
		SELECT id, kind, deposit_address, min_amount, status, payload_json, created_at, expires_at
		FROM pending_activations WHERE id = ?`, id).Scan(
		&p.ID, &p.Kind, &p.DepositAddress, dec(&p.MinAmount), &p.Status,
		&payloadJSON, &p.CreatedAt, &p.ExpiresAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(payloadJSON), &p.Payload); err != nil {
		return nil, err
	}
	return &p, nil
}

// ListAwaitingDeposit returns all rows still waiting on a deposit
func (d *DB) ListAwaitingDeposit() ([]*PendingActivation, error) {
	rows, err := d.db.Query(`
		SELECT id, kind, deposit_address, min_amount, status, payload_json, created_at, expires_at
		FROM pending_activations WHERE status = 'awaiting_deposit'`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*PendingActivation
	for rows.Next() {
		var p PendingActivation
		var payloadJSON string
		if err := rows.Scan(&p.ID, &p.Kind, &p.DepositAddress, dec(&p.MinAmount),
			&p.Status, &payloadJSON, &p.CreatedAt, &p.ExpiresAt); err != nil {
			return nil, err
		}
		if err := json.Unmarshal([]byte(payloadJSON), &p.Payload); err != nil {
			return nil, err
		}
		out = append(out, &p)
	}
	return out, rows.Err()
}

// CancelPendingActivation flips awaiting_deposit -> cancelled.
// Any other starting state is rejected; the transition set is otherwise
// irreversible.
func (d *DB) CancelPendingActivation(id string) error {
	res, err := d.db.Exec(`
		UPDATE pending_activations SET status = 'cancelled'
		WHERE id = ? AND status = 'awaiting_deposit'`, id)
	if err != nil {
		return err
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return fmt.Errorf("pending %s is not awaiting deposit", id)
	}
	return nil
}

// ExpirePendingActivations flips rows past their deadline to expired
func (d *DB) ExpirePendingActivations(now int64) (int64, error) {
	res, err := d.db.Exec(`
		UPDATE pending_activations SET status = 'expired'
		WHERE status = 'awaiting_deposit' AND expires_at < ?`, now)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// ActivatePending atomically creates the Token, TokenConfig and CycleState
// rows from the pending payload and flips the pending row to activated.
// Fails closed if the row is not in awaiting_deposit. The config is populated
// with every algorithm-specific field at its default value.
func (d *DB) ActivatePending(id string) (*Token, error) {
	p, err := d.GetPendingActivation(id)
	if err != nil {
		return nil, err
	}
	if p == nil {
		return nil, fmt.Errorf("pending %s not found", id)
	}
	if p.Status != PendingAwaitingDeposit {
		return nil, fmt.Errorf("pending %s is %s, not awaiting_deposit", id, p.Status)
	}

	tok := Token{
		ID:        uuid.NewString(),
		OwnerID:   p.Payload.OwnerID,
		Mint:      p.Payload.Mint,
		Symbol:    p.Payload.Symbol,
		Decimals:  p.Payload.Decimals,
		Source:    p.Payload.Source,
		DevWallet: p.Payload.DevWallet,
		OpsWallet: p.Payload.OpsWallet,
		Active:    true,
	}
	if tok.Source == "" {
		if p.Kind == KindMMOnly {
			tok.Source = SourceMMOnly
		} else {
			tok.Source = SourceLaunched
		}
	}

	algo := p.Payload.Algorithm
	if algo == "" {
		algo = AlgoSimple
	}
	minBuy, err := decimal.NewFromString(orDefault(p.Payload.MinBuySOL, "0.01"))
	if err != nil {
		return nil, fmt.Errorf("payload min_buy_sol: %w", err)
	}
	maxBuy, err := decimal.NewFromString(orDefault(p.Payload.MaxBuySOL, "0.05"))
	if err != nil {
		return nil, fmt.Errorf("payload max_buy_sol: %w", err)
	}

	cfg := TokenConfig{
		FlywheelActive: true,
		// MM-only registrations have nothing to claim from the launch platform
		AutoClaimEnabled: tok.Source != SourceMMOnly,
		Algorithm:        algo,
		MinBuySOL:        minBuy,
		MaxBuySOL:        maxBuy,
		MaxSellTokens:    decimal.Zero,
		SlippageBps:      500,
		FeePercent:       d.feePercentFor(tok.Source),
		Ext:              DefaultExt(algo),
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("activation config: %w", err)
	}

	tx, err := d.db.Begin()
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	res, err := tx.Exec(`
		UPDATE pending_activations SET status = 'activated'
		WHERE id = ? AND status = 'awaiting_deposit'`, id)
	if err != nil {
		return nil, err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return nil, fmt.Errorf("pending %s raced out of awaiting_deposit", id)
	}

	var n int
	if err := tx.QueryRow(`SELECT COUNT(*) FROM tokens WHERE mint = ? AND active = 1`, tok.Mint).Scan(&n); err != nil {
		return nil, err
	}
	if n > 0 {
		return nil, fmt.Errorf("mint %s already registered and active", tok.Mint)
	}

	tok.CreatedAt = Now()
	tok.UpdatedAt = tok.CreatedAt
	if _, err := tx.Exec(`
		INSERT INTO tokens (id, owner_id, mint, symbol, decimals, source, dev_wallet, ops_wallet, active, graduated, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, 1, 0, ?, ?)`,
		tok.ID, tok.OwnerID, tok.Mint, tok.Symbol, tok.Decimals, tok.Source,
		tok.DevWallet, tok.OpsWallet, tok.CreatedAt, tok.UpdatedAt); err != nil {
		return nil, err
	}

	cfg.TokenID = tok.ID
	if err := insertConfigTx(tx, &cfg); err != nil {
		return nil, err
	}

	if _, err := tx.Exec(`
		INSERT INTO cycle_states (token_id, phase, updated_at) VALUES (?, 'buy', ?)`,
		tok.ID, Now()); err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return &tok, nil
}

// feePercentFor reads the platform fee setting; platform-owned tokens pay
// nothing to themselves.
func (d *DB) feePercentFor(source TokenSource) float64 {
	if source == SourcePlatform {
		return 0
	}
	return d.PlatformFloat(KeyFeePercent, 10)
}

func orDefault(s, def string) string {
	if s == "" {
		return def
	}
	return s
}
