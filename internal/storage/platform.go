package storage

import (
	"database/sql"
	"strconv"
)

// Platform config keys. Mutated only by the admin control plane; jobs read
// them on every tick so toggles take effect without a restart.
const (
	KeyFastClaimEnabled    = "fast_claim_job_enabled"
	KeyFlywheelEnabled     = "multi_user_flywheel_enabled"
	KeyDepositMonEnabled   = "deposit_monitor_enabled"
	KeyBalanceJobEnabled   = "balance_update_job_enabled"
	KeyFeePercent          = "platform_fee_percentage"
	KeyFastClaimThreshold  = "fast_claim_threshold"
	KeyFastClaimInterval   = "fast_claim_interval_seconds"
	KeyMaxTradesPerMinute  = "max_trades_per_minute"
	KeyFlywheelIntervalMin = "flywheel_interval_minutes"
	KeyWheelMinBuy         = "wheel_min_buy"
	KeyWheelMaxBuy         = "wheel_max_buy"
)

// SetPlatformValue upserts one platform config entry
func (d *DB) SetPlatformValue(key, value string) error {
	_, err := d.db.Exec(`
		INSERT INTO platform_config (key, value, updated_at) VALUES (?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`,
		key, value, Now())
	return err
}

// PlatformValue returns one entry, or def when unset
func (d *DB) PlatformValue(key, def string) (string, error) {
	var v string
	err := d.db.QueryRow(`SELECT value FROM platform_config WHERE key = ?`, key).Scan(&v)
	if err == sql.ErrNoRows {
		return def, nil
	}
	if err != nil {
		return def, err
	}
	return v, nil
}

// PlatformBool reads a flag entry
func (d *DB) PlatformBool(key string, def bool) bool {
	v, err := d.PlatformValue(key, strconv.FormatBool(def))
	if err != nil {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return def
	}
	return b
}

// PlatformFloat reads a numeric entry
func (d *DB) PlatformFloat(key string, def float64) float64 {
	v, err := d.PlatformValue(key, strconv.FormatFloat(def, 'f', -1, 64))
	if err != nil {
		return def
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return def
	}
	return f
}

// PlatformInt reads an integer entry
func (d *DB) PlatformInt(key string, def int) int {
	v, err := d.PlatformValue(key, strconv.Itoa(def))
	if err != nil {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

// AllPlatformValues dumps the table for the admin API
func (d *DB) AllPlatformValues() (map[string]string, error) {
	rows, err := d.db.Query(`SELECT key, value FROM platform_config`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make(map[string]string)
	for rows.Next() {
		var k, v string
		if err := rows.Scan(&k, &v); err != nil {
			return nil, err
		}
		out[k] = v
	}
	return out, rows.Err()
}
