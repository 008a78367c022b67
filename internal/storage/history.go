package storage

// RecordTrade appends an immutable trade row and returns its id
func (d *DB) RecordTrade(t *Trade) (int64, error) {
	if t.CreatedAt == 0 {
		t.CreatedAt = Now()
	}
	res, err := d.db.Exec(`
		INSERT INTO trades (token_id, mint, side, amount, signature, status, reason, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		t.TokenID, t.Mint, t.Side, t.Amount.String(), t.Signature, t.Status, t.Reason, t.CreatedAt)
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

// RecordClaim appends an immutable claim row and returns its id
func (d *DB) RecordClaim(c *Claim) (int64, error) {
	if c.CreatedAt == 0 {
		c.CreatedAt = Now()
	}
	res, err := d.db.Exec(`
		INSERT INTO claims (token_id, mint, gross, platform_fee, owner_received, signature, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		c.TokenID, c.Mint, c.Gross.String(), c.PlatformFee.String(),
		c.OwnerReceived.String(), c.Signature, c.CreatedAt)
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

// RecentTrades returns the newest trades for a token
func (d *DB) RecentTrades(tokenID string, limit int) ([]*Trade, error) {
	rows, err := d.db.Query(`
		SELECT id, token_id, mint, side, amount, signature, status, reason, created_at
		FROM trades WHERE token_id = ? ORDER BY created_at DESC, id DESC LIMIT ?`,
		tokenID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var trades []*Trade
	for rows.Next() {
		var t Trade
		var sig, reason *string
		if err := rows.Scan(&t.ID, &t.TokenID, &t.Mint, &t.Side, dec(&t.Amount),
			&sig, &t.Status, &reason, &t.CreatedAt); err != nil {
			return nil, err
		}
		if sig != nil {
			t.Signature = *sig
		}
		if reason != nil {
			t.Reason = *reason
		}
		trades = append(trades, &t)
	}
	return trades, rows.Err()
}

// AllTrades returns the full trade history, oldest first (CSV export)
func (d *DB) AllTrades() ([]*Trade, error) {
	rows, err := d.db.Query(`
		SELECT id, token_id, mint, side, amount, signature, status, reason, created_at
		FROM trades ORDER BY created_at ASC, id ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var trades []*Trade
	for rows.Next() {
		var t Trade
		var sig, reason *string
		if err := rows.Scan(&t.ID, &t.TokenID, &t.Mint, &t.Side, dec(&t.Amount),
			&sig, &t.Status, &reason, &t.CreatedAt); err != nil {
			return nil, err
		}
		if sig != nil {
			t.Signature = *sig
		}
		if reason != nil {
			t.Reason = *reason
		}
		trades = append(trades, &t)
	}
	return trades, rows.Err()
}

// RecentClaims returns the newest claims for a token
func (d *DB) RecentClaims(tokenID string, limit int) ([]*Claim, error) {
	rows, err := d.db.Query(`
		SELECT id, token_id, mint, gross, platform_fee, owner_received, signature, created_at
		FROM claims WHERE token_id = ? ORDER BY created_at DESC, id DESC LIMIT ?`,
		tokenID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var claims []*Claim
	for rows.Next() {
		var c Claim
		if err := rows.Scan(&c.ID, &c.TokenID, &c.Mint, dec(&c.Gross),
			dec(&c.PlatformFee), dec(&c.OwnerReceived), &c.Signature, &c.CreatedAt); err != nil {
			return nil, err
		}
		claims = append(claims, &c)
	}
	return claims, rows.Err()
}

// ConfirmedTradesSince counts confirmed buy/sell trades written after the
// given Unix timestamp. Used by the rate-limit property checks; transfers
// never count against the trade budget.
func (d *DB) ConfirmedTradesSince(since int64) (int, error) {
	var n int
	err := d.db.QueryRow(`
		SELECT COUNT(*) FROM trades
		WHERE status = 'confirmed' AND side IN ('buy','sell') AND created_at >= ?`, since).Scan(&n)
	return n, err
}
