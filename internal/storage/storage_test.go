package storage

import (
	"path/filepath"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testDB(t *testing.T) *DB {
	t.Helper()
	db, err := NewDB(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db
}

func registerTestToken(t *testing.T, db *DB, mint string, algo Algorithm) *Token {
	t.Helper()
	owner, err := db.CreateOwner("tester")
	require.NoError(t, err)

	tok, err := db.RegisterToken(Token{
		OwnerID:   owner.ID,
		Mint:      mint,
		Symbol:    "TST",
		Decimals:  6,
		Source:    SourceLaunched,
		DevWallet: "Dev" + mint,
		OpsWallet: "Ops" + mint,
	}, TokenConfig{
		FlywheelActive:   true,
		AutoClaimEnabled: true,
		Algorithm:        algo,
		MinBuySOL:        decimal.NewFromFloat(0.01),
		MaxBuySOL:        decimal.NewFromFloat(0.05),
		SlippageBps:      500,
		FeePercent:       10,
		Ext:              DefaultExt(algo),
	})
	require.NoError(t, err)
	return tok
}

func TestRegisterToken_RoundTrip(t *testing.T) {
	db := testDB(t)
	tok := registerTestToken(t, db, "MintA", AlgoSimple)

	got, err := db.GetToken(tok.ID)
	require.NoError(t, err)
	assert.Equal(t, "MintA", got.Mint)
	assert.True(t, got.Active)

	cfg, err := db.GetTokenConfig(tok.ID)
	require.NoError(t, err)
	assert.Equal(t, AlgoSimple, cfg.Algorithm)
	assert.NotNil(t, cfg.Ext.Simple)
	assert.True(t, cfg.MinBuySOL.Equal(decimal.NewFromFloat(0.01)))

	cyc, err := db.GetCycleState(tok.ID)
	require.NoError(t, err)
	assert.Equal(t, PhaseBuy, cyc.Phase)
	assert.Zero(t, cyc.BuyCount)
}

func TestRegisterToken_DuplicateMintRejected(t *testing.T) {
	db := testDB(t)
	registerTestToken(t, db, "MintDup", AlgoSimple)

	owner, err := db.CreateOwner("other")
	require.NoError(t, err)
	_, err = db.RegisterToken(Token{
		OwnerID: owner.ID, Mint: "MintDup", Source: SourceLaunched,
	}, TokenConfig{
		Algorithm: AlgoSimple,
		Ext:       DefaultExt(AlgoSimple),
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "already registered")
}

func TestRegisterToken_DuplicateMintAllowedAfterDeactivation(t *testing.T) {
	db := testDB(t)
	tok := registerTestToken(t, db, "MintRe", AlgoSimple)
	require.NoError(t, db.DeactivateToken(tok.ID))

	registerTestToken(t, db, "MintRe", AlgoSimple)
}

func TestGetLatestTokenByMint_SeesSuspendedRows(t *testing.T) {
	db := testDB(t)
	tok := registerTestToken(t, db, "MintS", AlgoSimple)
	require.NoError(t, db.DeactivateToken(tok.ID))

	active, err := db.GetTokenByMint("MintS")
	require.NoError(t, err)
	assert.Nil(t, active, "active-only lookup must miss a suspended token")

	latest, err := db.GetLatestTokenByMint("MintS")
	require.NoError(t, err)
	require.NotNil(t, latest)
	assert.Equal(t, tok.ID, latest.ID)
	assert.False(t, latest.Active)
}

func TestActivatePending_FeeFollowsPlatformValue(t *testing.T) {
	db := testDB(t)
	owner, err := db.CreateOwner("tester")
	require.NoError(t, err)
	require.NoError(t, db.SetPlatformValue(KeyFeePercent, "7.5"))

	p, err := db.CreatePendingActivation(KindLaunch, "DepFee", decimal.NewFromInt(1), ActivationPayload{
		OwnerID: owner.ID,
		Mint:    "MintFee",
	})
	require.NoError(t, err)

	tok, err := db.ActivatePending(p.ID)
	require.NoError(t, err)

	cfg, err := db.GetTokenConfig(tok.ID)
	require.NoError(t, err)
	assert.Equal(t, 7.5, cfg.FeePercent)
}

func TestAdvanceCycle_BuyPhaseClearsSnapshot(t *testing.T) {
	db := testDB(t)
	tok := registerTestToken(t, db, "MintC", AlgoSimple)

	sell := PhaseSell
	snap := decimal.NewFromInt(8_000_000)
	perTx := decimal.NewFromInt(1_000_000)
	zero := 0
	st, err := db.AdvanceCycle(tok.ID, CycleUpdate{
		Phase:        &sell,
		SellCount:    &zero,
		SellSnapshot: &snap,
		SellPerTx:    &perTx,
	})
	require.NoError(t, err)
	assert.Equal(t, PhaseSell, st.Phase)
	assert.True(t, st.SellSnapshot.Equal(snap))

	buy := PhaseBuy
	st, err = db.AdvanceCycle(tok.ID, CycleUpdate{Phase: &buy})
	require.NoError(t, err)
	assert.True(t, st.SellSnapshot.IsZero(), "buy phase must clear the snapshot")
	assert.True(t, st.SellPerTx.IsZero())
}

func TestAdvanceCycle_FailureStreak(t *testing.T) {
	db := testDB(t)
	tok := registerTestToken(t, db, "MintF", AlgoSimple)

	for i := 1; i <= 3; i++ {
		st, err := db.AdvanceCycle(tok.ID, CycleUpdate{FailureDelta: 1, TouchAttemptAt: true})
		require.NoError(t, err)
		assert.Equal(t, i, st.ConsecutiveFailures)
	}

	st, err := db.AdvanceCycle(tok.ID, CycleUpdate{ResetFailures: true})
	require.NoError(t, err)
	assert.Zero(t, st.ConsecutiveFailures)
}

func TestAdvanceCycle_RejectsNegativeCounts(t *testing.T) {
	db := testDB(t)
	tok := registerTestToken(t, db, "MintN", AlgoSimple)

	neg := -1
	_, err := db.AdvanceCycle(tok.ID, CycleUpdate{BuyCount: &neg})
	require.Error(t, err)
}

func TestPendingActivation_Lifecycle(t *testing.T) {
	db := testDB(t)
	owner, err := db.CreateOwner("tester")
	require.NoError(t, err)

	p, err := db.CreatePendingActivation(KindMMOnly, "DepositAddr1", decimal.NewFromFloat(0.5), ActivationPayload{
		OwnerID:   owner.ID,
		Mint:      "MintP",
		Symbol:    "PND",
		Decimals:  6,
		DevWallet: "DepositAddr1",
		OpsWallet: "OpsP",
	})
	require.NoError(t, err)
	assert.Equal(t, PendingAwaitingDeposit, p.Status)

	waiting, err := db.ListAwaitingDeposit()
	require.NoError(t, err)
	require.Len(t, waiting, 1)

	tok, err := db.ActivatePending(p.ID)
	require.NoError(t, err)
	assert.Equal(t, "MintP", tok.Mint)
	assert.Equal(t, SourceMMOnly, tok.Source)

	cfg, err := db.GetTokenConfig(tok.ID)
	require.NoError(t, err)
	assert.False(t, cfg.AutoClaimEnabled, "mm_only tokens have nothing to claim")
	assert.Equal(t, float64(10), cfg.FeePercent)

	// Activation is terminal: no second activation, no cancel.
	_, err = db.ActivatePending(p.ID)
	require.Error(t, err)
	require.Error(t, db.CancelPendingActivation(p.ID))
}

func TestPendingActivation_CancelAndExpire(t *testing.T) {
	db := testDB(t)
	owner, err := db.CreateOwner("tester")
	require.NoError(t, err)

	payload := ActivationPayload{OwnerID: owner.ID, Mint: "MintQ"}
	p1, err := db.CreatePendingActivation(KindLaunch, "Dep1", decimal.NewFromInt(1), payload)
	require.NoError(t, err)
	require.NoError(t, db.CancelPendingActivation(p1.ID))

	got, err := db.GetPendingActivation(p1.ID)
	require.NoError(t, err)
	assert.Equal(t, PendingCancelled, got.Status)

	payload.Mint = "MintR"
	p2, err := db.CreatePendingActivation(KindLaunch, "Dep2", decimal.NewFromInt(1), payload)
	require.NoError(t, err)

	n, err := db.ExpirePendingActivations(p2.ExpiresAt + 1)
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)

	got, err = db.GetPendingActivation(p2.ID)
	require.NoError(t, err)
	assert.Equal(t, PendingExpired, got.Status)
}

func TestTradeAndClaimHistory(t *testing.T) {
	db := testDB(t)
	tok := registerTestToken(t, db, "MintH", AlgoSimple)

	_, err := db.RecordTrade(&Trade{
		TokenID: tok.ID, Mint: tok.Mint, Side: SideBuy,
		Amount: decimal.NewFromFloat(0.02), Signature: "sig1", Status: TradeConfirmed,
	})
	require.NoError(t, err)
	_, err = db.RecordTrade(&Trade{
		TokenID: tok.ID, Mint: tok.Mint, Side: SideSell,
		Amount: decimal.NewFromInt(3), Status: TradeFailed, Reason: "slippage",
	})
	require.NoError(t, err)

	trades, err := db.RecentTrades(tok.ID, 10)
	require.NoError(t, err)
	assert.Len(t, trades, 2)

	n, err := db.ConfirmedTradesSince(0)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	_, err = db.RecordClaim(&Claim{
		TokenID: tok.ID, Mint: tok.Mint,
		Gross:         decimal.NewFromFloat(0.9),
		PlatformFee:   decimal.NewFromFloat(0.08),
		OwnerReceived: decimal.NewFromFloat(0.72),
		Signature:     "claimsig",
	})
	require.NoError(t, err)

	claims, err := db.RecentClaims(tok.ID, 10)
	require.NoError(t, err)
	require.Len(t, claims, 1)
	assert.True(t, claims[0].Gross.Equal(decimal.NewFromFloat(0.9)))
}

func TestPlatformValues(t *testing.T) {
	db := testDB(t)

	assert.True(t, db.PlatformBool(KeyFlywheelEnabled, true))
	require.NoError(t, db.SetPlatformValue(KeyFlywheelEnabled, "false"))
	assert.False(t, db.PlatformBool(KeyFlywheelEnabled, true))

	assert.Equal(t, 30, db.PlatformInt(KeyMaxTradesPerMinute, 30))
	require.NoError(t, db.SetPlatformValue(KeyMaxTradesPerMinute, "12"))
	assert.Equal(t, 12, db.PlatformInt(KeyMaxTradesPerMinute, 30))

	require.NoError(t, db.SetPlatformValue(KeyFastClaimThreshold, "0.25"))
	assert.Equal(t, 0.25, db.PlatformFloat(KeyFastClaimThreshold, 0.15))
}

func TestListTokensForScheduler_FiltersInactive(t *testing.T) {
	db := testDB(t)
	active := registerTestToken(t, db, "MintS1", AlgoSimple)
	turbo := registerTestToken(t, db, "MintS2", AlgoTurboLite)
	parked := registerTestToken(t, db, "MintS3", AlgoSimple)
	require.NoError(t, db.DeactivateToken(parked.ID))

	views, err := db.ListTokensForScheduler("")
	require.NoError(t, err)
	require.Len(t, views, 2)

	turboViews, err := db.ListTokensForScheduler(AlgoTurboLite)
	require.NoError(t, err)
	require.Len(t, turboViews, 1)
	assert.Equal(t, turbo.ID, turboViews[0].Token.ID)
	_ = active
}

func TestTokenConfigValidate(t *testing.T) {
	cfg := TokenConfig{
		Algorithm: AlgoSimple,
		Ext:       DefaultExt(AlgoSimple),
	}
	assert.NoError(t, cfg.Validate())

	bad := cfg
	bad.SlippageBps = 20_000
	assert.Error(t, bad.Validate())

	mismatched := cfg
	mismatched.Algorithm = AlgoTurboLite
	assert.Error(t, mismatched.Validate(), "extension arm must match algorithm")

	negFee := cfg
	negFee.FeePercent = -1
	assert.Error(t, negFee.Validate())
}
