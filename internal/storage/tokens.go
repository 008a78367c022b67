package storage

import (
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
)

// CreateOwner inserts a new tenant
func (d *DB) CreateOwner(handle string) (*Owner, error) {
	o := &Owner{ID: uuid.NewString(), Handle: handle, CreatedAt: Now()}
	_, err := d.db.Exec(`INSERT INTO owners (id, handle, created_at) VALUES (?, ?, ?)`,
		o.ID, o.Handle, o.CreatedAt)
	if err != nil {
		return nil, err
	}
	return o, nil
}

// CreateWallet registers an owner wallet with its remote-signer handle
func (d *DB) CreateWallet(ownerID string, role WalletRole, address, signerHandle string) (*Wallet, error) {
	w := &Wallet{
		ID:           uuid.NewString(),
		OwnerID:      ownerID,
		Role:         role,
		Address:      address,
		SignerHandle: signerHandle,
		CreatedAt:    Now(),
	}
	_, err := d.db.Exec(`
		INSERT INTO wallets (id, owner_id, role, address, signer_handle, created_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		w.ID, w.OwnerID, w.Role, w.Address, w.SignerHandle, w.CreatedAt)
	if err != nil {
		return nil, err
	}
	return w, nil
}

// WalletByAddress looks up a wallet row
func (d *DB) WalletByAddress(address string) (*Wallet, error) {
	var w Wallet
	err := d.db.QueryRow(`
		SELECT id, owner_id, role, address, signer_handle, created_at
		FROM wallets WHERE address = ?`, address).Scan(
		&w.ID, &w.OwnerID, &w.Role, &w.Address, &w.SignerHandle, &w.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &w, nil
}

// RegisterToken creates the Token, TokenConfig and CycleState rows in one
// transaction. Rejects a mint that is already active.
func (d *DB) RegisterToken(tok Token, cfg TokenConfig) (*Token, error) {
	if tok.ID == "" {
		tok.ID = uuid.NewString()
	}
	tok.Active = true
	tok.CreatedAt = Now()
	tok.UpdatedAt = tok.CreatedAt
	cfg.TokenID = tok.ID

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}

	tx, err := d.db.Begin()
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	var n int
	if err := tx.QueryRow(`SELECT COUNT(*) FROM tokens WHERE mint = ? AND active = 1`, tok.Mint).Scan(&n); err != nil {
		return nil, err
	}
	if n > 0 {
		return nil, fmt.Errorf("mint %s already registered and active", tok.Mint)
	}

	if _, err := tx.Exec(`
		INSERT INTO tokens (id, owner_id, mint, symbol, decimals, source, dev_wallet, ops_wallet, active, graduated, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, 1, ?, ?, ?)`,
		tok.ID, tok.OwnerID, tok.Mint, tok.Symbol, tok.Decimals, tok.Source,
		tok.DevWallet, tok.OpsWallet, boolInt(tok.Graduated), tok.CreatedAt, tok.UpdatedAt); err != nil {
		return nil, err
	}

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

func insertConfigTx(tx *sql.Tx, cfg *TokenConfig) error {
	extJSON, err := json.Marshal(cfg.Ext)
	if err != nil {
		return err
	}
	cfg.UpdatedAt = Now()
	_, err = tx.Exec(`
		INSERT INTO token_configs
		(token_id, flywheel_active, auto_claim_enabled, algorithm, min_buy_sol, max_buy_sol, max_sell_tokens, slippage_bps, fee_percent, ext_json, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		cfg.TokenID, boolInt(cfg.FlywheelActive), boolInt(cfg.AutoClaimEnabled),
		cfg.Algorithm, cfg.MinBuySOL.String(), cfg.MaxBuySOL.String(),
		cfg.MaxSellTokens.String(), cfg.SlippageBps, cfg.FeePercent,
		string(extJSON), cfg.UpdatedAt)
	return err
}

// UpdateTokenConfig replaces a token's config after validation
func (d *DB) UpdateTokenConfig(cfg TokenConfig) error {
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("validate config: %w", err)
	}
	extJSON, err := json.Marshal(cfg.Ext)
	if err != nil {
		return err
	}
	res, err := d.db.Exec(`
		UPDATE token_configs SET
		flywheel_active = ?, auto_claim_enabled = ?, algorithm = ?,
		min_buy_sol = ?, max_buy_sol = ?, max_sell_tokens = ?,
		slippage_bps = ?, fee_percent = ?, ext_json = ?, updated_at = ?
		WHERE token_id = ?`,
		boolInt(cfg.FlywheelActive), boolInt(cfg.AutoClaimEnabled), cfg.Algorithm,
		cfg.MinBuySOL.String(), cfg.MaxBuySOL.String(), cfg.MaxSellTokens.String(),
		cfg.SlippageBps, cfg.FeePercent, string(extJSON), Now(), cfg.TokenID)
	if err != nil {
		return err
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return fmt.Errorf("no config row for token %s", cfg.TokenID)
	}
	return nil
}

// GetToken fetches a token by id
func (d *DB) GetToken(id string) (*Token, error) {
	return d.tokenBy("id", id)
}

// GetTokenByMint fetches the active token for a mint
func (d *DB) GetTokenByMint(mint string) (*Token, error) {
	var t Token
	err := d.db.QueryRow(tokenSelect+` WHERE mint = ? AND active = 1`, mint).Scan(tokenDest(&t)...)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &t, nil
}

// GetLatestTokenByMint fetches the newest token row for a mint regardless of
// its active flag. Reactivation starts from a suspended row, so the
// active-only lookup can never find it.
func (d *DB) GetLatestTokenByMint(mint string) (*Token, error) {
	var t Token
	err := d.db.QueryRow(tokenSelect+` WHERE mint = ? ORDER BY created_at DESC, id DESC LIMIT 1`, mint).Scan(tokenDest(&t)...)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &t, nil
}

const tokenSelect = `
	SELECT id, owner_id, mint, symbol, decimals, source, dev_wallet, ops_wallet, active, graduated, created_at, updated_at
	FROM tokens`

func tokenDest(t *Token) []any {
	return []any{
		&t.ID, &t.OwnerID, &t.Mint, &t.Symbol, &t.Decimals, &t.Source,
		&t.DevWallet, &t.OpsWallet, &t.Active, &t.Graduated, &t.CreatedAt, &t.UpdatedAt,
	}
}

func (d *DB) tokenBy(col, val string) (*Token, error) {
	var t Token
	err := d.db.QueryRow(tokenSelect+` WHERE `+col+` = ?`, val).Scan(tokenDest(&t)...)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &t, nil
}

// GetTokenConfig fetches the config for a token
func (d *DB) GetTokenConfig(tokenID string) (*TokenConfig, error) {
	var cfg TokenConfig
	var extJSON string
	err := d.db.QueryRow(`
		SELECT token_id, flywheel_active, auto_claim_enabled, algorithm,
		       min_buy_sol, max_buy_sol, max_sell_tokens, slippage_bps, fee_percent, ext_json, updated_at
		FROM token_configs WHERE token_id = ?`, tokenID).Scan(
		&cfg.TokenID, &cfg.FlywheelActive, &cfg.AutoClaimEnabled, &cfg.Algorithm,
		dec(&cfg.MinBuySOL), dec(&cfg.MaxBuySOL), dec(&cfg.MaxSellTokens),
		&cfg.SlippageBps, &cfg.FeePercent, &extJSON, &cfg.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(extJSON), &cfg.Ext); err != nil {
		return nil, fmt.Errorf("decode ext for %s: %w", tokenID, err)
	}
	return &cfg, nil
}

// ListTokensForScheduler returns active tokens with the flywheel switched on,
// each bundled with its config and cycle state. Pass an empty algorithm to
// select all.
func (d *DB) ListTokensForScheduler(algo Algorithm) ([]*TokenView, error) {
	query := `
		SELECT t.id, t.owner_id, t.mint, t.symbol, t.decimals, t.source, t.dev_wallet, t.ops_wallet,
		       t.active, t.graduated, t.created_at, t.updated_at,
		       c.flywheel_active, c.auto_claim_enabled, c.algorithm,
		       c.min_buy_sol, c.max_buy_sol, c.max_sell_tokens, c.slippage_bps, c.fee_percent, c.ext_json, c.updated_at,
		       s.phase, s.buy_count, s.sell_count, s.sell_snapshot, s.sell_per_tx,
		       s.consecutive_failures, s.last_attempt_at, s.updated_at
		FROM tokens t
		JOIN token_configs c ON c.token_id = t.id
		JOIN cycle_states s ON s.token_id = t.id
		WHERE t.active = 1 AND c.flywheel_active = 1`
	args := []any{}
	if algo != "" {
		query += ` AND c.algorithm = ?`
		args = append(args, algo)
	}

	rows, err := d.db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var views []*TokenView
	for rows.Next() {
		v := &TokenView{}
		var extJSON string
		if err := rows.Scan(
			&v.Token.ID, &v.Token.OwnerID, &v.Token.Mint, &v.Token.Symbol, &v.Token.Decimals,
			&v.Token.Source, &v.Token.DevWallet, &v.Token.OpsWallet,
			&v.Token.Active, &v.Token.Graduated, &v.Token.CreatedAt, &v.Token.UpdatedAt,
			&v.Config.FlywheelActive, &v.Config.AutoClaimEnabled, &v.Config.Algorithm,
			dec(&v.Config.MinBuySOL), dec(&v.Config.MaxBuySOL), dec(&v.Config.MaxSellTokens),
			&v.Config.SlippageBps, &v.Config.FeePercent, &extJSON, &v.Config.UpdatedAt,
			&v.Cycle.Phase, &v.Cycle.BuyCount, &v.Cycle.SellCount,
			dec(&v.Cycle.SellSnapshot), dec(&v.Cycle.SellPerTx),
			&v.Cycle.ConsecutiveFailures, &v.Cycle.LastAttemptAt, &v.Cycle.UpdatedAt,
		); err != nil {
			return nil, err
		}
		v.Config.TokenID = v.Token.ID
		v.Cycle.TokenID = v.Token.ID
		if err := json.Unmarshal([]byte(extJSON), &v.Config.Ext); err != nil {
			return nil, fmt.Errorf("decode ext for %s: %w", v.Token.ID, err)
		}
		views = append(views, v)
	}
	return views, rows.Err()
}

// ListTokensForClaim returns active, auto-claim-enabled tokens.
// MM-only registrations never qualify.
func (d *DB) ListTokensForClaim() ([]*TokenView, error) {
	rows, err := d.db.Query(`
		SELECT t.id, t.owner_id, t.mint, t.symbol, t.decimals, t.source, t.dev_wallet, t.ops_wallet,
		       t.active, t.graduated, t.created_at, t.updated_at,
		       c.flywheel_active, c.auto_claim_enabled, c.algorithm,
		       c.min_buy_sol, c.max_buy_sol, c.max_sell_tokens, c.slippage_bps, c.fee_percent, c.ext_json, c.updated_at
		FROM tokens t
		JOIN token_configs c ON c.token_id = t.id
		WHERE t.active = 1 AND c.auto_claim_enabled = 1 AND t.source != 'mm_only'`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var views []*TokenView
	for rows.Next() {
		v := &TokenView{}
		var extJSON string
		if err := rows.Scan(
			&v.Token.ID, &v.Token.OwnerID, &v.Token.Mint, &v.Token.Symbol, &v.Token.Decimals,
			&v.Token.Source, &v.Token.DevWallet, &v.Token.OpsWallet,
			&v.Token.Active, &v.Token.Graduated, &v.Token.CreatedAt, &v.Token.UpdatedAt,
			&v.Config.FlywheelActive, &v.Config.AutoClaimEnabled, &v.Config.Algorithm,
			dec(&v.Config.MinBuySOL), dec(&v.Config.MaxBuySOL), dec(&v.Config.MaxSellTokens),
			&v.Config.SlippageBps, &v.Config.FeePercent, &extJSON, &v.Config.UpdatedAt,
		); err != nil {
			return nil, err
		}
		v.Config.TokenID = v.Token.ID
		if err := json.Unmarshal([]byte(extJSON), &v.Config.Ext); err != nil {
			return nil, fmt.Errorf("decode ext for %s: %w", v.Token.ID, err)
		}
		views = append(views, v)
	}
	return views, rows.Err()
}

// ListTokens returns all tokens (active first) for the read API
func (d *DB) ListTokens() ([]*Token, error) {
	rows, err := d.db.Query(tokenSelect + ` ORDER BY active DESC, created_at DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var tokens []*Token
	for rows.Next() {
		var t Token
		if err := rows.Scan(tokenDest(&t)...); err != nil {
			return nil, err
		}
		tokens = append(tokens, &t)
	}
	return tokens, rows.Err()
}

// DeactivateToken suspends a token; its rows survive for later reactivation
func (d *DB) DeactivateToken(tokenID string) error {
	tx, err := d.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.Exec(`UPDATE tokens SET active = 0, updated_at = ? WHERE id = ?`, Now(), tokenID); err != nil {
		return err
	}
	if _, err := tx.Exec(`UPDATE token_configs SET flywheel_active = 0, updated_at = ? WHERE token_id = ?`, Now(), tokenID); err != nil {
		return err
	}
	return tx.Commit()
}

// ReactivateSuspended re-enables a deactivated token iff the verifier
// confirms possession of both its wallets. Restores the same id, config and
// cycle state rows.
func (d *DB) ReactivateSuspended(tokenID string, verifier func(walletAddress string) bool) (*Token, error) {
	tok, err := d.GetToken(tokenID)
	if err != nil {
		return nil, err
	}
	if tok == nil {
		return nil, fmt.Errorf("token %s not found", tokenID)
	}
	if tok.Active {
		return nil, fmt.Errorf("token %s is already active", tokenID)
	}
	if !verifier(tok.DevWallet) || !verifier(tok.OpsWallet) {
		return nil, fmt.Errorf("wallet ownership verification failed for token %s", tokenID)
	}

	tx, err := d.db.Begin()
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	var n int
	if err := tx.QueryRow(`SELECT COUNT(*) FROM tokens WHERE mint = ? AND active = 1`, tok.Mint).Scan(&n); err != nil {
		return nil, err
	}
	if n > 0 {
		return nil, fmt.Errorf("mint %s is active under another token", tok.Mint)
	}
	if _, err := tx.Exec(`UPDATE tokens SET active = 1, updated_at = ? WHERE id = ?`, Now(), tokenID); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	tok.Active = true
	return tok, nil
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
