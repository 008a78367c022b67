package flywheel

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"solana-flywheel/internal/jupiter"
	"solana-flywheel/internal/pricing"
	"solana-flywheel/internal/report"
	"solana-flywheel/internal/signer"
	"solana-flywheel/internal/storage"
)

// OutcomeStatus classifies one cycle step
type OutcomeStatus string

const (
	OutcomeTraded  OutcomeStatus = "traded"
	OutcomeSkipped OutcomeStatus = "skipped"
	OutcomeFailed  OutcomeStatus = "failed"
)

// Outcome is the result of stepping one token
type Outcome struct {
	Status    OutcomeStatus
	Side      storage.TradeSide
	Reason    string
	Signature string
}

// Engine advances one token's cycle machine by a single step: observe,
// ask the strategy, execute the intent, persist. Counters only move on
// confirmed trades, and every transition is durable before the engine
// issues another RPC for the token.
type Engine struct {
	db       *storage.DB
	balances *pricing.BalanceCache
	prices   *pricing.PriceCache
	jup      *jupiter.Client
	gateway  signer.Submitter
	reporter *report.Reporter
}

// NewEngine creates a cycle engine
func NewEngine(db *storage.DB, balances *pricing.BalanceCache, prices *pricing.PriceCache, jup *jupiter.Client, gateway signer.Submitter, reporter *report.Reporter) *Engine {
	return &Engine{
		db:       db,
		balances: balances,
		prices:   prices,
		jup:      jup,
		gateway:  gateway,
		reporter: reporter,
	}
}

// StepToken runs one cycle step for a token. The caller holds the token's
// lock for the duration.
func (e *Engine) StepToken(ctx context.Context, view *storage.TokenView) Outcome {
	tok, cfg, cyc := &view.Token, &view.Config, &view.Cycle

	obs, err := e.observe(ctx, tok, cfg)
	if err != nil {
		log.Warn().Err(err).Str("token", tok.ID).Msg("observation failed, skipping step")
		return Outcome{Status: OutcomeSkipped, Reason: "rpc_error"}
	}

	res := StrategyFor(cfg.Algorithm).Step(tok, cfg, cyc, obs)

	if res.Skip != nil {
		return e.handleSkip(ctx, tok, cfg, res.Skip)
	}
	return e.execute(ctx, tok, cfg, cyc, res.Intent)
}

func (e *Engine) observe(ctx context.Context, tok *storage.Token, cfg *storage.TokenConfig) (Observation, error) {
	obs := Observation{Now: time.Now()}

	native, err := e.balances.NativeBalance(ctx, tok.OpsWallet)
	if err != nil {
		return obs, err
	}
	obs.NativeLamports = native

	units, err := e.balances.TokenBalance(ctx, tok.OpsWallet, tok.Mint)
	if err != nil {
		return obs, err
	}
	obs.TokenUnits = units

	if cfg.Algorithm == storage.AlgoRebalance {
		// Only the price-ratio strategy needs prices; stale values are fine
		if p, err := e.prices.Price(ctx, jupiter.SOLMint); err == nil {
			obs.NativePriceUSD = p
		}
		if p, err := e.prices.Price(ctx, tok.Mint); err == nil {
			obs.TokenPriceUSD = p
		}
	}
	return obs, nil
}

func (e *Engine) handleSkip(ctx context.Context, tok *storage.Token, cfg *storage.TokenConfig, sk *Skip) Outcome {
	switch {
	case sk.ToSell:
		if err := e.transitionToSell(ctx, tok, cfg); err != nil {
			e.reportf(tok, "transition_to_sell", err)
			return Outcome{Status: OutcomeSkipped, Reason: sk.Reason}
		}
		log.Info().Str("token", tok.ID).Str("reason", sk.Reason).Msg("forced transition to sell phase")
	case sk.ToBuy:
		if err := e.transitionToBuy(tok); err != nil {
			e.reportf(tok, "transition_to_buy", err)
		}
	}
	return Outcome{Status: OutcomeSkipped, Reason: sk.Reason}
}

func (e *Engine) execute(ctx context.Context, tok *storage.Token, cfg *storage.TokenConfig, cyc *storage.CycleState, in *TradeIntent) Outcome {
	if tok.Source == storage.SourcePlatform && in.Side == storage.SideBuy {
		in.AmountIn = e.clampWheelBuy(in.AmountIn)
	}

	inMint, outMint := jupiter.SOLMint, tok.Mint
	if in.Side == storage.SideSell {
		inMint, outMint = tok.Mint, jupiter.SOLMint
	}

	swap, err := e.jup.BuildSwapTx(ctx, inMint, outMint, tok.OpsWallet, in.AmountIn, cfg.SlippageBps)
	if err != nil {
		return e.failTrade(tok, in, "", err)
	}

	receipt, err := e.gateway.Submit(ctx, tok.OpsWallet, signer.UnsignedTx{
		Base64:               swap.Transaction,
		LastValidBlockHeight: swap.LastValidBlockHeight,
	}, signer.Options{
		ConfirmTimeout: confirmTimeout(cfg),
		Tag:            "flywheel:" + string(in.Side),
	})
	if err != nil {
		return e.failTrade(tok, in, "", err)
	}

	if _, err := e.db.RecordTrade(&storage.Trade{
		TokenID:   tok.ID,
		Mint:      tok.Mint,
		Side:      in.Side,
		Amount:    tradeAmount(tok, in),
		Signature: receipt.Signature,
		Status:    storage.TradeConfirmed,
	}); err != nil {
		e.reportf(tok, "record_trade", err)
	}
	e.balances.Invalidate(tok.OpsWallet)

	if err := e.advanceAfterConfirm(ctx, tok, cfg, cyc); err != nil {
		e.reportf(tok, "advance_cycle", err)
	}

	return Outcome{Status: OutcomeTraded, Side: in.Side, Signature: receipt.Signature}
}

// advanceAfterConfirm persists the counter increment first, then performs
// the phase transition when a cycle edge is reached. The snapshot read is an
// RPC, so it happens only after the increment is durable.
func (e *Engine) advanceAfterConfirm(ctx context.Context, tok *storage.Token, cfg *storage.TokenConfig, cyc *storage.CycleState) error {
	if cfg.Algorithm == storage.AlgoRebalance {
		// Allocation targeting has no phases; only the attempt bookkeeping moves
		_, err := e.db.AdvanceCycle(tok.ID, storage.CycleUpdate{
			ResetFailures:  true,
			TouchAttemptAt: true,
		})
		return err
	}

	cycleBuys, cycleSells := cfg.CycleSizes()

	if cyc.Phase == storage.PhaseBuy {
		next := cyc.BuyCount + 1
		if _, err := e.db.AdvanceCycle(tok.ID, storage.CycleUpdate{
			BuyCount:       &next,
			ResetFailures:  true,
			TouchAttemptAt: true,
		}); err != nil {
			return err
		}
		if next >= cycleBuys {
			return e.transitionToSell(ctx, tok, cfg)
		}
		return nil
	}

	next := cyc.SellCount + 1
	if _, err := e.db.AdvanceCycle(tok.ID, storage.CycleUpdate{
		SellCount:      &next,
		ResetFailures:  true,
		TouchAttemptAt: true,
	}); err != nil {
		return err
	}
	if next >= cycleSells {
		return e.transitionToBuy(tok)
	}
	return nil
}

// transitionToSell snapshots the current token balance and derives the
// per-transaction sell amount.
func (e *Engine) transitionToSell(ctx context.Context, tok *storage.Token, cfg *storage.TokenConfig) error {
	e.balances.Invalidate(tok.OpsWallet)
	units, err := e.balances.TokenBalance(ctx, tok.OpsWallet, tok.Mint)
	if err != nil {
		return err
	}

	_, cycleSells := cfg.CycleSizes()
	snapshot := decimal.NewFromUint64(units)
	perTx := decimal.NewFromUint64(units / uint64(cycleSells))

	phase := storage.PhaseSell
	zero := 0
	_, err = e.db.AdvanceCycle(tok.ID, storage.CycleUpdate{
		Phase:        &phase,
		BuyCount:     &zero,
		SellCount:    &zero,
		SellSnapshot: &snapshot,
		SellPerTx:    &perTx,
	})
	if err == nil {
		log.Info().
			Str("token", tok.ID).
			Str("snapshot", snapshot.String()).
			Str("perTx", perTx.String()).
			Msg("cycle entered sell phase")
	}
	return err
}

// transitionToBuy resets the cycle to the buy phase. The phase invariant in
// the store zeroes the snapshot and per-tx amount.
func (e *Engine) transitionToBuy(tok *storage.Token) error {
	phase := storage.PhaseBuy
	zero := 0
	_, err := e.db.AdvanceCycle(tok.ID, storage.CycleUpdate{
		Phase:     &phase,
		BuyCount:  &zero,
		SellCount: &zero,
	})
	if err == nil {
		log.Info().Str("token", tok.ID).Msg("cycle entered buy phase")
	}
	return err
}

func (e *Engine) failTrade(tok *storage.Token, in *TradeIntent, sig string, cause error) Outcome {
	if _, err := e.db.RecordTrade(&storage.Trade{
		TokenID:   tok.ID,
		Mint:      tok.Mint,
		Side:      in.Side,
		Amount:    tradeAmount(tok, in),
		Signature: sig,
		Status:    storage.TradeFailed,
		Reason:    cause.Error(),
	}); err != nil {
		e.reportf(tok, "record_trade", err)
	}

	if _, err := e.db.AdvanceCycle(tok.ID, storage.CycleUpdate{
		FailureDelta:   1,
		TouchAttemptAt: true,
	}); err != nil {
		e.reportf(tok, "advance_cycle", err)
	}

	e.reporter.Report(report.Report{
		Kind:   report.KindError,
		Module: "flywheel",
		Op:     string(in.Side),
		Wallet: tok.OpsWallet,
		Token:  tok.ID,
		Err:    cause,
	})
	return Outcome{Status: OutcomeFailed, Side: in.Side, Reason: cause.Error()}
}

func (e *Engine) reportf(tok *storage.Token, op string, err error) {
	e.reporter.Report(report.Report{
		Kind:   report.KindError,
		Module: "flywheel",
		Op:     op,
		Token:  tok.ID,
		Err:    err,
	})
}

// clampWheelBuy keeps the platform token's self-trade buys inside the
// admin-set wheel bounds. Unset bounds leave the intent alone.
func (e *Engine) clampWheelBuy(lamports uint64) uint64 {
	if min := solToLamports(decimal.NewFromFloat(e.db.PlatformFloat(storage.KeyWheelMinBuy, 0))); min > 0 && lamports < min {
		lamports = min
	}
	if max := solToLamports(decimal.NewFromFloat(e.db.PlatformFloat(storage.KeyWheelMaxBuy, 0))); max > 0 && lamports > max {
		lamports = max
	}
	return lamports
}

// tradeAmount records buys in native units and sells in whole tokens
func tradeAmount(tok *storage.Token, in *TradeIntent) decimal.Decimal {
	if in.Side == storage.SideBuy {
		return lamportsToSOL(in.AmountIn)
	}
	return decimal.NewFromUint64(in.AmountIn).Shift(-int32(tok.Decimals))
}

func confirmTimeout(cfg *storage.TokenConfig) time.Duration {
	if ext := cfg.Ext.TurboLite; ext != nil && ext.ConfirmTimeoutSecs > 0 {
		return time.Duration(ext.ConfirmTimeoutSecs) * time.Second
	}
	return 30 * time.Second
}
