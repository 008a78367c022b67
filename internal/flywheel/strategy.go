package flywheel

import (
	"math"
	"math/rand"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"solana-flywheel/internal/storage"
)

// LamportsPerSOL converts between native units and lamports
const LamportsPerSOL = 1_000_000_000

const (
	// dustReserveLamports stays in the ops wallet to pay fees (0.01 SOL)
	dustReserveLamports = LamportsPerSOL / 100
	// turboLowWaterLamports triggers the turbo-lite force-sell (0.1 SOL)
	turboLowWaterLamports = LamportsPerSOL / 10
	// sellCapPct caps any single sell at this share of the held balance
	sellCapPct = 30
)

// Observation is the on-chain state the scheduler gathered for one token
// before asking a strategy to step. Strategies do no I/O of their own.
type Observation struct {
	NativeLamports uint64
	TokenUnits     uint64
	NativePriceUSD float64
	TokenPriceUSD  float64
	Now            time.Time
}

// TradeIntent is a sized trade a strategy wants executed. AmountIn is in
// lamports for buys and raw token units for sells.
type TradeIntent struct {
	Side     storage.TradeSide
	AmountIn uint64
}

// Skip reasons
const (
	SkipInsufficientFunds = "insufficient_funds"
	SkipNoTokens          = "no_tokens"
	SkipTooSmall          = "too_small"
	SkipNativeLow         = "native_low"
	SkipNotDue            = "not_due"
	SkipNoPrice           = "no_price"
	SkipBalanced          = "balanced"
)

// Skip declines to trade this tick. ToSell / ToBuy ask the engine to
// transition phase; the engine owns the persistence and snapshot reads.
type Skip struct {
	Reason string
	ToSell bool
	ToBuy  bool
}

// StepResult is exactly one of Intent or Skip
type StepResult struct {
	Intent *TradeIntent
	Skip   *Skip
}

func intent(side storage.TradeSide, amount uint64) StepResult {
	return StepResult{Intent: &TradeIntent{Side: side, AmountIn: amount}}
}

func skip(reason string) StepResult {
	return StepResult{Skip: &Skip{Reason: reason}}
}

// Strategy sizes and times trades for one algorithm. Implementations are
// pure functions of (config, cycle state, observation).
type Strategy interface {
	Name() storage.Algorithm
	Step(tok *storage.Token, cfg *storage.TokenConfig, cyc *storage.CycleState, obs Observation) StepResult
}

// StrategyFor returns the strategy implementing the given algorithm
func StrategyFor(algo storage.Algorithm) Strategy {
	switch algo {
	case storage.AlgoTurboLite:
		return turboLiteStrategy{}
	case storage.AlgoRebalance:
		return rebalanceStrategy{}
	case storage.AlgoTwapVwap:
		return twapVwapStrategy{}
	default:
		return simpleStrategy{}
	}
}

// warnedBounds tracks tokens already warned about inverted buy bounds
var warnedBounds sync.Map

// buyBounds returns the configured buy range in lamports, coercing an
// inverted range to [min, min] with a one-time warning.
func buyBounds(tok *storage.Token, cfg *storage.TokenConfig) (minL, maxL uint64) {
	minL = solToLamports(cfg.MinBuySOL)
	maxL = solToLamports(cfg.MaxBuySOL)
	if minL > maxL {
		if _, warned := warnedBounds.LoadOrStore(tok.ID, true); !warned {
			log.Warn().
				Str("token", tok.ID).
				Str("min", cfg.MinBuySOL.String()).
				Str("max", cfg.MaxBuySOL.String()).
				Msg("min_buy above max_buy, coercing to min only")
		}
		maxL = minL
	}
	return minL, maxL
}

// drawBuySize picks a uniform size in [minL, maxL], capped so the dust
// reserve stays untouched.
func drawBuySize(minL, maxL, nativeLamports uint64) uint64 {
	size := minL
	if maxL > minL {
		size = minL + uint64(rand.Int63n(int64(maxL-minL+1)))
	}
	if avail := nativeLamports - dustReserveLamports; size > avail {
		size = avail
	}
	return size
}

// phasedBuyStep is the shared buy-phase sizing for the cycle algorithms
func phasedBuyStep(tok *storage.Token, cfg *storage.TokenConfig, obs Observation) StepResult {
	minL, maxL := buyBounds(tok, cfg)
	if obs.NativeLamports < minL+dustReserveLamports {
		return skip(SkipInsufficientFunds)
	}
	return intent(storage.SideBuy, drawBuySize(minL, maxL, obs.NativeLamports))
}

// phasedSellStep is the shared sell-phase sizing for the cycle algorithms
func phasedSellStep(tok *storage.Token, cfg *storage.TokenConfig, cyc *storage.CycleState, obs Observation) StepResult {
	if obs.TokenUnits < 1 {
		return StepResult{Skip: &Skip{Reason: SkipNoTokens, ToBuy: true}}
	}

	sellSize := decToUint64(cyc.SellPerTx)
	if cap30 := obs.TokenUnits * sellCapPct / 100; sellSize > cap30 {
		sellSize = cap30
	}
	if maxSell := tokenUnitsOf(cfg.MaxSellTokens, tok.Decimals); maxSell > 0 && sellSize > maxSell {
		sellSize = maxSell
	}
	if sellSize < 1 {
		return StepResult{Skip: &Skip{Reason: SkipTooSmall, ToBuy: true}}
	}
	return intent(storage.SideSell, sellSize)
}

// simpleStrategy: fixed cycle sizes, random uniform buy size
type simpleStrategy struct{}

func (simpleStrategy) Name() storage.Algorithm { return storage.AlgoSimple }

func (simpleStrategy) Step(tok *storage.Token, cfg *storage.TokenConfig, cyc *storage.CycleState, obs Observation) StepResult {
	if cyc.Phase == storage.PhaseSell {
		return phasedSellStep(tok, cfg, cyc, obs)
	}
	return phasedBuyStep(tok, cfg, obs)
}

// turboLiteStrategy: same phase structure on a tighter period, with the
// low-native force-sell.
type turboLiteStrategy struct{}

func (turboLiteStrategy) Name() storage.Algorithm { return storage.AlgoTurboLite }

func (turboLiteStrategy) Step(tok *storage.Token, cfg *storage.TokenConfig, cyc *storage.CycleState, obs Observation) StepResult {
	if cyc.Phase == storage.PhaseSell {
		return phasedSellStep(tok, cfg, cyc, obs)
	}
	if obs.NativeLamports < turboLowWaterLamports {
		return StepResult{Skip: &Skip{Reason: SkipNativeLow, ToSell: true}}
	}
	return phasedBuyStep(tok, cfg, obs)
}

// rebalanceDeadbandPct: allocation gaps under this are left alone
const rebalanceDeadbandPct = 1.0

// rebalanceStrategy targets a native:token value allocation. The phase
// counters stay persisted but play no part here.
type rebalanceStrategy struct{}

func (rebalanceStrategy) Name() storage.Algorithm { return storage.AlgoRebalance }

func (rebalanceStrategy) Step(tok *storage.Token, cfg *storage.TokenConfig, cyc *storage.CycleState, obs Observation) StepResult {
	ext := cfg.Ext.Rebalance
	if ext == nil || obs.NativePriceUSD <= 0 || obs.TokenPriceUSD <= 0 {
		return skip(SkipNoPrice)
	}

	nativeVal := float64(obs.NativeLamports) / LamportsPerSOL * obs.NativePriceUSD
	tokenVal := float64(obs.TokenUnits) / math.Pow10(int(tok.Decimals)) * obs.TokenPriceUSD
	total := nativeVal + tokenVal
	if total <= 0 {
		return skip(SkipNoPrice)
	}

	currentNativePct := nativeVal / total * 100
	gap := currentNativePct - ext.TargetNativePct
	if math.Abs(gap) < rebalanceDeadbandPct {
		return skip(SkipBalanced)
	}

	// Move half the gap per step, clamped to the configured bounds
	gapUSD := math.Abs(gap) / 100 * total / 2

	if gap > 0 {
		// Native share above target: spend native on tokens
		size := uint64(gapUSD / obs.NativePriceUSD * LamportsPerSOL)
		minL, maxL := buyBounds(tok, cfg)
		if size < minL {
			size = minL
		}
		if size > maxL {
			size = maxL
		}
		if obs.NativeLamports < size+dustReserveLamports {
			return skip(SkipInsufficientFunds)
		}
		return intent(storage.SideBuy, size)
	}

	// Token share above target: sell toward native
	size := uint64(gapUSD / obs.TokenPriceUSD * math.Pow10(int(tok.Decimals)))
	if cap30 := obs.TokenUnits * sellCapPct / 100; size > cap30 {
		size = cap30
	}
	if maxSell := tokenUnitsOf(cfg.MaxSellTokens, tok.Decimals); maxSell > 0 && size > maxSell {
		size = maxSell
	}
	if size < 1 {
		return skip(SkipTooSmall)
	}
	return intent(storage.SideSell, size)
}

// twapVwapStrategy spreads a notional target across timed equal slices.
// Only the platform's self-trading token runs this.
type twapVwapStrategy struct{}

func (twapVwapStrategy) Name() storage.Algorithm { return storage.AlgoTwapVwap }

func (twapVwapStrategy) Step(tok *storage.Token, cfg *storage.TokenConfig, cyc *storage.CycleState, obs Observation) StepResult {
	ext := cfg.Ext.TwapVwap
	if ext == nil || ext.Slices <= 0 || ext.WindowMinutes <= 0 {
		return skip(SkipNotDue)
	}

	sliceInterval := time.Duration(ext.WindowMinutes) * time.Minute / time.Duration(ext.Slices)
	if cyc.LastAttemptAt > 0 {
		last := time.Unix(cyc.LastAttemptAt, 0)
		if obs.Now.Sub(last) < sliceInterval {
			return skip(SkipNotDue)
		}
	}

	if cyc.Phase == storage.PhaseSell {
		return phasedSellStep(tok, cfg, cyc, obs)
	}

	sliceLamports := solToLamports(ext.NotionalSOL.Div(decimal.NewFromInt(int64(ext.Slices))))
	if sliceLamports < 1 {
		return skip(SkipTooSmall)
	}
	if obs.NativeLamports < sliceLamports+dustReserveLamports {
		return skip(SkipInsufficientFunds)
	}
	return intent(storage.SideBuy, sliceLamports)
}

// solToLamports converts a decimal SOL amount to lamports
func solToLamports(sol decimal.Decimal) uint64 {
	return decToUint64(sol.Mul(decimal.NewFromInt(LamportsPerSOL)))
}

// lamportsToSOL converts lamports to a decimal SOL amount
func lamportsToSOL(lamports uint64) decimal.Decimal {
	return decimal.NewFromUint64(lamports).Div(decimal.NewFromInt(LamportsPerSOL))
}

// tokenUnitsOf converts a whole-token decimal to raw units; zero when the
// config leaves the bound unset.
func tokenUnitsOf(wholeTokens decimal.Decimal, decimals uint8) uint64 {
	if wholeTokens.IsZero() || wholeTokens.IsNegative() {
		return 0
	}
	return decToUint64(wholeTokens.Shift(int32(decimals)))
}

func decToUint64(d decimal.Decimal) uint64 {
	if d.IsNegative() {
		return 0
	}
	return d.BigInt().Uint64()
}
