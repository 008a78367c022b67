package storage

import (
	"fmt"

	"github.com/shopspring/decimal"
)

// TokenSource describes how a token entered the platform
type TokenSource string

const (
	SourceLaunched   TokenSource = "launched"
	SourceRegistered TokenSource = "registered"
	SourceMMOnly     TokenSource = "mm_only"
	SourcePlatform   TokenSource = "platform"
)

// Algorithm selects the trade-sizing strategy for a token
type Algorithm string

const (
	AlgoSimple    Algorithm = "simple"
	AlgoTurboLite Algorithm = "turbo_lite"
	AlgoRebalance Algorithm = "rebalance"
	AlgoTwapVwap  Algorithm = "twap_vwap"
)

// Phase is the current half-cycle of a token's state machine
type Phase string

const (
	PhaseBuy  Phase = "buy"
	PhaseSell Phase = "sell"
)

// Owner is a tenant: owns wallets and tokens
type Owner struct {
	ID        string
	Handle    string
	CreatedAt int64
}

// WalletRole distinguishes the fee-recipient wallet from the trading wallet
type WalletRole string

const (
	RoleDev WalletRole = "dev"
	RoleOps WalletRole = "ops"
)

// Wallet is an owner's on-chain wallet; signing happens remotely via SignerHandle
type Wallet struct {
	ID           string
	OwnerID      string
	Role         WalletRole
	Address      string
	SignerHandle string
	CreatedAt    int64
}

// Token is a registered asset under flywheel management
type Token struct {
	ID        string
	OwnerID   string
	Mint      string
	Symbol    string
	Decimals  uint8
	Source    TokenSource
	DevWallet string
	OpsWallet string
	Active    bool
	Graduated bool
	CreatedAt int64
	UpdatedAt int64
}

// TokenConfig holds per-token flywheel settings.
// Algorithm-specific parameters live in the Ext variant; exactly one arm
// matching Algorithm is populated, with explicit defaults.
type TokenConfig struct {
	TokenID          string
	FlywheelActive   bool
	AutoClaimEnabled bool
	Algorithm        Algorithm
	MinBuySOL        decimal.Decimal
	MaxBuySOL        decimal.Decimal
	MaxSellTokens    decimal.Decimal
	SlippageBps      int
	FeePercent       float64
	Ext              AlgoExt
	UpdatedAt        int64
}

// AlgoExt is a tagged variant: one arm per algorithm
type AlgoExt struct {
	Simple    *SimpleExt    `json:"simple,omitempty"`
	TurboLite *TurboLiteExt `json:"turbo_lite,omitempty"`
	Rebalance *RebalanceExt `json:"rebalance,omitempty"`
	TwapVwap  *TwapVwapExt  `json:"twap_vwap,omitempty"`
}

type SimpleExt struct {
	CycleSizeBuys  int `json:"cycle_size_buys"`
	CycleSizeSells int `json:"cycle_size_sells"`
}

type TurboLiteExt struct {
	CycleSizeBuys       int  `json:"cycle_size_buys"`
	CycleSizeSells      int  `json:"cycle_size_sells"`
	JobIntervalSeconds  int  `json:"job_interval_seconds"`
	MaxTradesPerMinute  int  `json:"max_trades_per_minute"`
	InterTokenDelayMs   int  `json:"inter_token_delay_ms"`
	ConfirmTimeoutSecs  int  `json:"confirm_timeout_seconds"`
	BatchUpdatesEnabled bool `json:"batch_updates_enabled"`
}

type RebalanceExt struct {
	TargetNativePct float64 `json:"target_native_pct"`
	TargetTokenPct  float64 `json:"target_token_pct"`
}

type TwapVwapExt struct {
	NotionalSOL   decimal.Decimal `json:"notional_sol"`
	WindowMinutes int             `json:"window_minutes"`
	Slices        int             `json:"slices"`
}

// DefaultExt returns the fully-populated default extension for an algorithm.
// The activation monitor and config endpoints never invent values; they read
// them from here.
func DefaultExt(algo Algorithm) AlgoExt {
	switch algo {
	case AlgoTurboLite:
		return AlgoExt{TurboLite: &TurboLiteExt{
			CycleSizeBuys:      8,
			CycleSizeSells:     8,
			JobIntervalSeconds: 30,
			MaxTradesPerMinute: 30,
			InterTokenDelayMs:  0,
			ConfirmTimeoutSecs: 30,
		}}
	case AlgoRebalance:
		return AlgoExt{Rebalance: &RebalanceExt{
			TargetNativePct: 50,
			TargetTokenPct:  50,
		}}
	case AlgoTwapVwap:
		return AlgoExt{TwapVwap: &TwapVwapExt{
			NotionalSOL:   decimal.NewFromFloat(1.0),
			WindowMinutes: 60,
			Slices:        12,
		}}
	default:
		return AlgoExt{Simple: &SimpleExt{
			CycleSizeBuys:  5,
			CycleSizeSells: 5,
		}}
	}
}

// CycleSizes resolves the cycle lengths from the algorithm extension
func (c *TokenConfig) CycleSizes() (buys, sells int) {
	switch {
	case c.Ext.TurboLite != nil:
		return c.Ext.TurboLite.CycleSizeBuys, c.Ext.TurboLite.CycleSizeSells
	case c.Ext.Simple != nil:
		return c.Ext.Simple.CycleSizeBuys, c.Ext.Simple.CycleSizeSells
	case c.Ext.TwapVwap != nil && c.Ext.TwapVwap.Slices > 0:
		return c.Ext.TwapVwap.Slices, c.Ext.TwapVwap.Slices
	default:
		// rebalance / twap_vwap keep the counters persisted but unused
		return 5, 5
	}
}

// Validate checks numeric ranges and that the extension arm matches Algorithm
func (c *TokenConfig) Validate() error {
	if c.MinBuySOL.IsNegative() || c.MaxBuySOL.IsNegative() {
		return fmt.Errorf("buy bounds must be non-negative")
	}
	if c.SlippageBps < 0 || c.SlippageBps > 10_000 {
		return fmt.Errorf("slippage_bps out of range: %d", c.SlippageBps)
	}
	if c.FeePercent < 0 || c.FeePercent > 100 {
		return fmt.Errorf("fee_percent out of range: %f", c.FeePercent)
	}
	switch c.Algorithm {
	case AlgoSimple:
		if c.Ext.Simple == nil {
			return fmt.Errorf("simple algorithm requires simple extension")
		}
		if c.Ext.Simple.CycleSizeBuys <= 0 || c.Ext.Simple.CycleSizeSells <= 0 {
			return fmt.Errorf("cycle sizes must be positive")
		}
	case AlgoTurboLite:
		ext := c.Ext.TurboLite
		if ext == nil {
			return fmt.Errorf("turbo_lite algorithm requires turbo_lite extension")
		}
		if ext.CycleSizeBuys <= 0 || ext.CycleSizeSells <= 0 {
			return fmt.Errorf("cycle sizes must be positive")
		}
		if ext.JobIntervalSeconds < 5 || ext.JobIntervalSeconds > 60 {
			return fmt.Errorf("job_interval_seconds out of range: %d", ext.JobIntervalSeconds)
		}
		if ext.MaxTradesPerMinute <= 0 {
			return fmt.Errorf("max_trades_per_minute must be positive")
		}
	case AlgoRebalance:
		ext := c.Ext.Rebalance
		if ext == nil {
			return fmt.Errorf("rebalance algorithm requires rebalance extension")
		}
		if ext.TargetNativePct+ext.TargetTokenPct != 100 {
			return fmt.Errorf("rebalance targets must sum to 100")
		}
	case AlgoTwapVwap:
		ext := c.Ext.TwapVwap
		if ext == nil {
			return fmt.Errorf("twap_vwap algorithm requires twap_vwap extension")
		}
		if ext.Slices <= 0 || ext.WindowMinutes <= 0 {
			return fmt.Errorf("twap slices and window must be positive")
		}
	default:
		return fmt.Errorf("unknown algorithm: %s", c.Algorithm)
	}
	return nil
}

// CycleState is the per-token runtime of the buy/sell automaton
type CycleState struct {
	TokenID             string
	Phase               Phase
	BuyCount            int
	SellCount           int
	SellSnapshot        decimal.Decimal // raw token units captured at buy->sell
	SellPerTx           decimal.Decimal // snapshot / cycle_size_sells
	ConsecutiveFailures int
	LastAttemptAt       int64
	UpdatedAt           int64
}

// TradeSide includes "transfer" for claim-split movements
type TradeSide string

const (
	SideBuy      TradeSide = "buy"
	SideSell     TradeSide = "sell"
	SideTransfer TradeSide = "transfer"
)

// TradeStatus lifecycle: submitted -> confirmed | failed
type TradeStatus string

const (
	TradeSubmitted TradeStatus = "submitted"
	TradeConfirmed TradeStatus = "confirmed"
	TradeFailed    TradeStatus = "failed"
)

// Trade is an immutable record of one attempted on-chain trade
type Trade struct {
	ID        int64
	TokenID   string
	Mint      string
	Side      TradeSide
	Amount    decimal.Decimal
	Signature string
	Status    TradeStatus
	Reason    string
	CreatedAt int64
}

// Claim is an immutable record of one fee harvest and its split
type Claim struct {
	ID            int64
	TokenID       string
	Mint          string
	Gross         decimal.Decimal
	PlatformFee   decimal.Decimal
	OwnerReceived decimal.Decimal
	Signature     string
	CreatedAt     int64
}

// PendingStatus transitions are irreversible except awaiting_deposit -> cancelled
type PendingStatus string

const (
	PendingAwaitingDeposit PendingStatus = "awaiting_deposit"
	PendingActivated       PendingStatus = "activated"
	PendingExpired         PendingStatus = "expired"
	PendingCancelled       PendingStatus = "cancelled"
)

// PendingKind distinguishes launch-wizard deposits from MM-only registrations
type PendingKind string

const (
	KindLaunch PendingKind = "launch"
	KindMMOnly PendingKind = "mm_only"
)

// PendingActivation is an intent to activate a token once a deposit arrives
type PendingActivation struct {
	ID             string
	Kind           PendingKind
	DepositAddress string
	MinAmount      decimal.Decimal
	Status         PendingStatus
	Payload        ActivationPayload
	CreatedAt      int64
	ExpiresAt      int64
}

// ActivationPayload carries everything needed to create the token triple
type ActivationPayload struct {
	OwnerID   string      `json:"owner_id"`
	Mint      string      `json:"mint"`
	Symbol    string      `json:"symbol"`
	Decimals  uint8       `json:"decimals"`
	Source    TokenSource `json:"source"`
	DevWallet string      `json:"dev_wallet"`
	OpsWallet string      `json:"ops_wallet"`
	Algorithm Algorithm   `json:"algorithm"`
	MinBuySOL string      `json:"min_buy_sol"`
	MaxBuySOL string      `json:"max_buy_sol"`
}

// TokenView bundles a token with its config and cycle state for the scheduler
type TokenView struct {
	Token  Token
	Config TokenConfig
	Cycle  CycleState
}
