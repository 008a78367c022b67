package flywheel

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"solana-flywheel/internal/storage"
)

func testToken() *storage.Token {
	return &storage.Token{
		ID:       "tok-1",
		Mint:     "MintAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAA",
		Decimals: 6,
	}
}

func simpleConfig() *storage.TokenConfig {
	return &storage.TokenConfig{
		TokenID:   "tok-1",
		Algorithm: storage.AlgoSimple,
		MinBuySOL: decimal.NewFromFloat(0.05),
		MaxBuySOL: decimal.NewFromFloat(0.1),
		Ext:       storage.DefaultExt(storage.AlgoSimple),
	}
}

func TestSimpleBuyPhase_SizesWithinBounds(t *testing.T) {
	tok := testToken()
	cfg := simpleConfig()
	cyc := &storage.CycleState{Phase: storage.PhaseBuy}
	obs := Observation{NativeLamports: 2 * LamportsPerSOL}

	strat := StrategyFor(cfg.Algorithm)
	for i := 0; i < 100; i++ {
		res := strat.Step(tok, cfg, cyc, obs)
		if res.Intent == nil {
			t.Fatalf("expected buy intent, got skip %+v", res.Skip)
		}
		if res.Intent.Side != storage.SideBuy {
			t.Fatalf("expected buy side, got %s", res.Intent.Side)
		}
		minL := uint64(0.05 * LamportsPerSOL)
		maxL := uint64(0.1 * LamportsPerSOL)
		if res.Intent.AmountIn < minL || res.Intent.AmountIn > maxL {
			t.Fatalf("buy size %d outside [%d, %d]", res.Intent.AmountIn, minL, maxL)
		}
	}
}

func TestSimpleBuyPhase_ExactMinPlusDustTrades(t *testing.T) {
	tok := testToken()
	cfg := simpleConfig()
	cyc := &storage.CycleState{Phase: storage.PhaseBuy}

	// Balance exactly min_buy + dust reserve must still produce a trade.
	obs := Observation{NativeLamports: uint64(0.05*LamportsPerSOL) + dustReserveLamports}
	res := StrategyFor(cfg.Algorithm).Step(tok, cfg, cyc, obs)
	if res.Intent == nil {
		t.Fatalf("expected buy at exact boundary, got skip %+v", res.Skip)
	}
	if res.Intent.AmountIn != uint64(0.05*LamportsPerSOL) {
		t.Fatalf("expected buy capped to available %d, got %d", uint64(0.05*LamportsPerSOL), res.Intent.AmountIn)
	}
}

func TestSimpleBuyPhase_InsufficientFunds(t *testing.T) {
	tok := testToken()
	cfg := simpleConfig()
	cyc := &storage.CycleState{Phase: storage.PhaseBuy}

	obs := Observation{NativeLamports: uint64(0.05*LamportsPerSOL) + dustReserveLamports - 1}
	res := StrategyFor(cfg.Algorithm).Step(tok, cfg, cyc, obs)
	if res.Skip == nil || res.Skip.Reason != SkipInsufficientFunds {
		t.Fatalf("expected insufficient_funds skip, got %+v", res)
	}
}

func TestSellPhase_UsesPerTxSize(t *testing.T) {
	tok := testToken()
	cfg := simpleConfig()
	cyc := &storage.CycleState{
		Phase:        storage.PhaseSell,
		SellSnapshot: decimal.NewFromInt(8_000_000),
		SellPerTx:    decimal.NewFromInt(1_000_000),
	}
	obs := Observation{TokenUnits: 8_000_000}

	res := StrategyFor(cfg.Algorithm).Step(tok, cfg, cyc, obs)
	if res.Intent == nil || res.Intent.Side != storage.SideSell {
		t.Fatalf("expected sell intent, got %+v", res)
	}
	if res.Intent.AmountIn != 1_000_000 {
		t.Fatalf("expected per-tx size 1000000, got %d", res.Intent.AmountIn)
	}
}

func TestSellPhase_CapsAt30Percent(t *testing.T) {
	tok := testToken()
	cfg := simpleConfig()
	cyc := &storage.CycleState{
		Phase:     storage.PhaseSell,
		SellPerTx: decimal.NewFromInt(5_000_000),
	}
	// Held balance shrank below the snapshot; per-tx would dump half of it.
	obs := Observation{TokenUnits: 10_000_000}

	res := StrategyFor(cfg.Algorithm).Step(tok, cfg, cyc, obs)
	if res.Intent == nil {
		t.Fatalf("expected capped sell, got %+v", res.Skip)
	}
	if res.Intent.AmountIn != 3_000_000 {
		t.Fatalf("expected 30%% cap 3000000, got %d", res.Intent.AmountIn)
	}
}

func TestSellPhase_MaxSellTokensClamp(t *testing.T) {
	tok := testToken()
	cfg := simpleConfig()
	cfg.MaxSellTokens = decimal.NewFromInt(2) // 2 whole tokens = 2_000_000 raw
	cyc := &storage.CycleState{
		Phase:     storage.PhaseSell,
		SellPerTx: decimal.NewFromInt(2_500_000),
	}
	obs := Observation{TokenUnits: 100_000_000}

	res := StrategyFor(cfg.Algorithm).Step(tok, cfg, cyc, obs)
	if res.Intent == nil || res.Intent.AmountIn != 2_000_000 {
		t.Fatalf("expected max_sell_tokens clamp 2000000, got %+v", res)
	}
}

func TestSellPhase_NoTokensRequestsBuyTransition(t *testing.T) {
	tok := testToken()
	cfg := simpleConfig()
	cyc := &storage.CycleState{Phase: storage.PhaseSell, SellPerTx: decimal.NewFromInt(100)}
	obs := Observation{TokenUnits: 0}

	res := StrategyFor(cfg.Algorithm).Step(tok, cfg, cyc, obs)
	if res.Skip == nil || res.Skip.Reason != SkipNoTokens || !res.Skip.ToBuy {
		t.Fatalf("expected no_tokens skip with buy transition, got %+v", res)
	}
}

func TestTurboLite_ForceSellBelowLowWater(t *testing.T) {
	tok := testToken()
	cfg := &storage.TokenConfig{
		TokenID:   "tok-1",
		Algorithm: storage.AlgoTurboLite,
		MinBuySOL: decimal.NewFromFloat(0.05),
		MaxBuySOL: decimal.NewFromFloat(0.1),
		Ext:       storage.DefaultExt(storage.AlgoTurboLite),
	}
	cyc := &storage.CycleState{Phase: storage.PhaseBuy, BuyCount: 3}
	obs := Observation{
		NativeLamports: turboLowWaterLamports - 1,
		TokenUnits:     50_000_000,
	}

	res := StrategyFor(cfg.Algorithm).Step(tok, cfg, cyc, obs)
	if res.Skip == nil || res.Skip.Reason != SkipNativeLow || !res.Skip.ToSell {
		t.Fatalf("expected native_low skip with sell transition, got %+v", res)
	}
}

func TestTurboLite_NormalBuyAboveLowWater(t *testing.T) {
	tok := testToken()
	cfg := &storage.TokenConfig{
		TokenID:   "tok-1",
		Algorithm: storage.AlgoTurboLite,
		MinBuySOL: decimal.NewFromFloat(0.01),
		MaxBuySOL: decimal.NewFromFloat(0.02),
		Ext:       storage.DefaultExt(storage.AlgoTurboLite),
	}
	cyc := &storage.CycleState{Phase: storage.PhaseBuy}
	obs := Observation{NativeLamports: LamportsPerSOL}

	res := StrategyFor(cfg.Algorithm).Step(tok, cfg, cyc, obs)
	if res.Intent == nil || res.Intent.Side != storage.SideBuy {
		t.Fatalf("expected buy, got %+v", res)
	}
}

func TestRebalance_BalancedWithinDeadband(t *testing.T) {
	tok := testToken()
	cfg := &storage.TokenConfig{
		TokenID:   "tok-1",
		Algorithm: storage.AlgoRebalance,
		MinBuySOL: decimal.NewFromFloat(0.01),
		MaxBuySOL: decimal.NewFromFloat(10),
		Ext:       storage.DefaultExt(storage.AlgoRebalance),
	}
	cyc := &storage.CycleState{}
	// 1 SOL at $100 native, 100 tokens at $1: exactly 50/50.
	obs := Observation{
		NativeLamports: LamportsPerSOL,
		TokenUnits:     100_000_000,
		NativePriceUSD: 100,
		TokenPriceUSD:  1,
	}

	res := StrategyFor(cfg.Algorithm).Step(tok, cfg, cyc, obs)
	if res.Skip == nil || res.Skip.Reason != SkipBalanced {
		t.Fatalf("expected balanced skip, got %+v", res)
	}
}

func TestRebalance_BuysWhenNativeHeavy(t *testing.T) {
	tok := testToken()
	cfg := &storage.TokenConfig{
		TokenID:   "tok-1",
		Algorithm: storage.AlgoRebalance,
		MinBuySOL: decimal.NewFromFloat(0.01),
		MaxBuySOL: decimal.NewFromFloat(10),
		Ext:       storage.DefaultExt(storage.AlgoRebalance),
	}
	cyc := &storage.CycleState{}
	// 3 SOL at $100 vs 100 tokens at $1: 75/25 native-heavy.
	obs := Observation{
		NativeLamports: 3 * LamportsPerSOL,
		TokenUnits:     100_000_000,
		NativePriceUSD: 100,
		TokenPriceUSD:  1,
	}

	res := StrategyFor(cfg.Algorithm).Step(tok, cfg, cyc, obs)
	if res.Intent == nil || res.Intent.Side != storage.SideBuy {
		t.Fatalf("expected rebalance buy, got %+v", res)
	}
	// Half the $100 gap at $100/SOL = 0.5 SOL.
	if res.Intent.AmountIn != LamportsPerSOL/2 {
		t.Fatalf("expected half-gap buy %d, got %d", LamportsPerSOL/2, res.Intent.AmountIn)
	}
}

func TestRebalance_SellsWhenTokenHeavy(t *testing.T) {
	tok := testToken()
	cfg := &storage.TokenConfig{
		TokenID:   "tok-1",
		Algorithm: storage.AlgoRebalance,
		MinBuySOL: decimal.NewFromFloat(0.01),
		MaxBuySOL: decimal.NewFromFloat(10),
		Ext:       storage.DefaultExt(storage.AlgoRebalance),
	}
	cyc := &storage.CycleState{}
	// 1 SOL at $100 vs 300 tokens at $1: 25/75 token-heavy.
	obs := Observation{
		NativeLamports: LamportsPerSOL,
		TokenUnits:     300_000_000,
		NativePriceUSD: 100,
		TokenPriceUSD:  1,
	}

	res := StrategyFor(cfg.Algorithm).Step(tok, cfg, cyc, obs)
	if res.Intent == nil || res.Intent.Side != storage.SideSell {
		t.Fatalf("expected rebalance sell, got %+v", res)
	}
	// Half the $100 gap at $1/token = 50 tokens = 50M raw units.
	if res.Intent.AmountIn != 50_000_000 {
		t.Fatalf("expected half-gap sell 50000000, got %d", res.Intent.AmountIn)
	}
}

func TestRebalance_NoPriceSkips(t *testing.T) {
	tok := testToken()
	cfg := &storage.TokenConfig{
		TokenID:   "tok-1",
		Algorithm: storage.AlgoRebalance,
		Ext:       storage.DefaultExt(storage.AlgoRebalance),
	}
	res := StrategyFor(cfg.Algorithm).Step(tok, cfg, &storage.CycleState{}, Observation{
		NativeLamports: LamportsPerSOL,
	})
	if res.Skip == nil || res.Skip.Reason != SkipNoPrice {
		t.Fatalf("expected no_price skip, got %+v", res)
	}
}

func TestTwapVwap_SliceNotDueYet(t *testing.T) {
	tok := testToken()
	cfg := &storage.TokenConfig{
		TokenID:   "tok-1",
		Algorithm: storage.AlgoTwapVwap,
		Ext: storage.AlgoExt{TwapVwap: &storage.TwapVwapExt{
			NotionalSOL:   decimal.NewFromInt(1),
			WindowMinutes: 60,
			Slices:        12,
		}},
	}
	now := time.Now()
	cyc := &storage.CycleState{
		Phase:         storage.PhaseBuy,
		LastAttemptAt: now.Add(-time.Minute).Unix(), // slice interval is 5m
	}
	obs := Observation{NativeLamports: 2 * LamportsPerSOL, Now: now}

	res := StrategyFor(cfg.Algorithm).Step(tok, cfg, cyc, obs)
	if res.Skip == nil || res.Skip.Reason != SkipNotDue {
		t.Fatalf("expected not_due skip, got %+v", res)
	}
}

func TestTwapVwap_EqualSliceSizing(t *testing.T) {
	tok := testToken()
	cfg := &storage.TokenConfig{
		TokenID:   "tok-1",
		Algorithm: storage.AlgoTwapVwap,
		Ext: storage.AlgoExt{TwapVwap: &storage.TwapVwapExt{
			NotionalSOL:   decimal.NewFromInt(1),
			WindowMinutes: 60,
			Slices:        10,
		}},
	}
	now := time.Now()
	cyc := &storage.CycleState{
		Phase:         storage.PhaseBuy,
		LastAttemptAt: now.Add(-10 * time.Minute).Unix(),
	}
	obs := Observation{NativeLamports: 2 * LamportsPerSOL, Now: now}

	res := StrategyFor(cfg.Algorithm).Step(tok, cfg, cyc, obs)
	if res.Intent == nil || res.Intent.Side != storage.SideBuy {
		t.Fatalf("expected twap slice buy, got %+v", res)
	}
	if res.Intent.AmountIn != LamportsPerSOL/10 {
		t.Fatalf("expected slice size %d, got %d", LamportsPerSOL/10, res.Intent.AmountIn)
	}
}

func TestBuyBounds_InvertedRangeCoerced(t *testing.T) {
	tok := testToken()
	cfg := simpleConfig()
	cfg.MinBuySOL = decimal.NewFromFloat(0.2)
	cfg.MaxBuySOL = decimal.NewFromFloat(0.1)

	minL, maxL := buyBounds(tok, cfg)
	if minL != maxL || minL != uint64(0.2*LamportsPerSOL) {
		t.Fatalf("expected coerced bounds [%d, %d], got [%d, %d]",
			uint64(0.2*LamportsPerSOL), uint64(0.2*LamportsPerSOL), minL, maxL)
	}
}

func TestTokenUnitsOf(t *testing.T) {
	if got := tokenUnitsOf(decimal.NewFromInt(2), 6); got != 2_000_000 {
		t.Fatalf("expected 2000000, got %d", got)
	}
	if got := tokenUnitsOf(decimal.Zero, 6); got != 0 {
		t.Fatalf("expected 0 for unset bound, got %d", got)
	}
	if got := tokenUnitsOf(decimal.NewFromInt(-1), 6); got != 0 {
		t.Fatalf("expected 0 for negative bound, got %d", got)
	}
}
