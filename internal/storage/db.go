package storage

import (
	"database/sql"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	_ "modernc.org/sqlite"
)

// DB wraps the SQLite state store
type DB struct {
	db *sql.DB
}

// NewDB opens (or creates) the state store at path
func NewDB(path string) (*DB, error) {
	dsn := path
	if !strings.Contains(path, "?") {
		dsn += "?"
	} else {
		dsn += "&"
	}
	dsn += "_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)&_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)"

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, err
	}

	if err := createTables(db); err != nil {
		return nil, err
	}

	log.Info().Str("path", path).Msg("state store initialized")
	return &DB{db: db}, nil
}

func createTables(db *sql.DB) error {
	schema := `
	CREATE TABLE IF NOT EXISTS owners (
		id TEXT PRIMARY KEY,
		handle TEXT NOT NULL,
		created_at INTEGER NOT NULL
	);

	CREATE TABLE IF NOT EXISTS wallets (
		id TEXT PRIMARY KEY,
		owner_id TEXT NOT NULL REFERENCES owners(id),
		role TEXT NOT NULL CHECK (role IN ('dev','ops')),
		address TEXT NOT NULL UNIQUE,
		signer_handle TEXT NOT NULL,
		created_at INTEGER NOT NULL
	);

	CREATE TABLE IF NOT EXISTS tokens (
		id TEXT PRIMARY KEY,
		owner_id TEXT NOT NULL REFERENCES owners(id),
		mint TEXT NOT NULL,
		symbol TEXT NOT NULL,
		decimals INTEGER NOT NULL,
		source TEXT NOT NULL,
		dev_wallet TEXT NOT NULL,
		ops_wallet TEXT NOT NULL,
		active INTEGER NOT NULL DEFAULT 1,
		graduated INTEGER NOT NULL DEFAULT 0,
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL
	);

	-- mint uniqueness applies to active tokens only; deactivated tokens
	-- may reappear after reactivation
	CREATE UNIQUE INDEX IF NOT EXISTS idx_tokens_active_mint
		ON tokens(mint) WHERE active = 1;

	CREATE TABLE IF NOT EXISTS token_configs (
		token_id TEXT PRIMARY KEY REFERENCES tokens(id),
		flywheel_active INTEGER NOT NULL DEFAULT 0,
		auto_claim_enabled INTEGER NOT NULL DEFAULT 0,
		algorithm TEXT NOT NULL,
		min_buy_sol TEXT NOT NULL,
		max_buy_sol TEXT NOT NULL,
		max_sell_tokens TEXT NOT NULL,
		slippage_bps INTEGER NOT NULL,
		fee_percent REAL NOT NULL,
		ext_json TEXT NOT NULL,
		updated_at INTEGER NOT NULL
	);

	CREATE TABLE IF NOT EXISTS cycle_states (
		token_id TEXT PRIMARY KEY REFERENCES tokens(id),
		phase TEXT NOT NULL CHECK (phase IN ('buy','sell')),
		buy_count INTEGER NOT NULL DEFAULT 0,
		sell_count INTEGER NOT NULL DEFAULT 0,
		sell_snapshot TEXT NOT NULL DEFAULT '0',
		sell_per_tx TEXT NOT NULL DEFAULT '0',
		consecutive_failures INTEGER NOT NULL DEFAULT 0,
		last_attempt_at INTEGER NOT NULL DEFAULT 0,
		updated_at INTEGER NOT NULL
	);

	CREATE TABLE IF NOT EXISTS trades (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		token_id TEXT NOT NULL REFERENCES tokens(id),
		mint TEXT NOT NULL,
		side TEXT NOT NULL,
		amount TEXT NOT NULL,
		signature TEXT,
		status TEXT NOT NULL,
		reason TEXT,
		created_at INTEGER NOT NULL
	);

	CREATE TABLE IF NOT EXISTS claims (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		token_id TEXT NOT NULL REFERENCES tokens(id),
		mint TEXT NOT NULL,
		gross TEXT NOT NULL,
		platform_fee TEXT NOT NULL,
		owner_received TEXT NOT NULL,
		signature TEXT NOT NULL,
		created_at INTEGER NOT NULL
	);

	CREATE TABLE IF NOT EXISTS pending_activations (
		id TEXT PRIMARY KEY,
		kind TEXT NOT NULL,
		deposit_address TEXT NOT NULL,
		min_amount TEXT NOT NULL,
		status TEXT NOT NULL DEFAULT 'awaiting_deposit',
		payload_json TEXT NOT NULL,
		created_at INTEGER NOT NULL,
		expires_at INTEGER NOT NULL
	);

	CREATE TABLE IF NOT EXISTS platform_config (
		key TEXT PRIMARY KEY,
		value TEXT NOT NULL,
		updated_at INTEGER NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_trades_token_time ON trades(token_id, created_at);
	CREATE INDEX IF NOT EXISTS idx_claims_token_time ON claims(token_id, created_at);
	CREATE INDEX IF NOT EXISTS idx_pending_status ON pending_activations(status);
	`

	_, err := db.Exec(schema)
	return err
}

// Close closes the database
func (d *DB) Close() error {
	return d.db.Close()
}

// Ping verifies the connection is alive
func (d *DB) Ping() error {
	return d.db.Ping()
}

// Now returns current Unix timestamp (helper)
func Now() int64 {
	return time.Now().Unix()
}
