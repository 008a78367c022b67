package flywheel

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"solana-flywheel/internal/storage"
)

func schedulerDB(t *testing.T) *storage.DB {
	t.Helper()
	db, err := storage.NewDB(filepath.Join(t.TempDir(), "sched.db"))
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func registerFleetToken(t *testing.T, db *storage.DB, mint string, algo storage.Algorithm) *storage.Token {
	t.Helper()
	owner, err := db.CreateOwner("fleet")
	if err != nil {
		t.Fatalf("create owner: %v", err)
	}
	tok, err := db.RegisterToken(storage.Token{
		OwnerID:   owner.ID,
		Mint:      mint,
		Decimals:  6,
		Source:    storage.SourceLaunched,
		DevWallet: "Dev" + mint,
		OpsWallet: "Ops" + mint,
	}, storage.TokenConfig{
		FlywheelActive: true,
		Algorithm:      algo,
		MinBuySOL:      decimal.NewFromFloat(0.01),
		MaxBuySOL:      decimal.NewFromFloat(0.05),
		SlippageBps:    500,
		FeePercent:     10,
		Ext:            storage.DefaultExt(algo),
	})
	if err != nil {
		t.Fatalf("register token: %v", err)
	}
	return tok
}

func TestScheduler_FailureStreakPausesOneTick(t *testing.T) {
	db := schedulerDB(t)
	tok := registerFleetToken(t, db, "MintPause", storage.AlgoSimple)

	for i := 0; i < pauseFailureThreshold; i++ {
		if _, err := db.AdvanceCycle(tok.ID, storage.CycleUpdate{FailureDelta: 1}); err != nil {
			t.Fatalf("advance cycle: %v", err)
		}
	}

	s := NewScheduler(db, nil, NewLockRegistry(), NewRateLimiter(30, time.Minute), time.Minute, 0)
	sum := s.Tick(context.Background())

	if sum.Eligible != 1 || sum.Stepped != 1 {
		t.Fatalf("expected the token to be visited, got %+v", sum)
	}
	if sum.Skipped != 1 || sum.Traded != 0 {
		t.Fatalf("paused token must be skipped without trading, got %+v", sum)
	}

	// The pause lasts exactly one tick: the streak is reset.
	cyc, err := db.GetCycleState(tok.ID)
	if err != nil {
		t.Fatalf("get cycle state: %v", err)
	}
	if cyc.ConsecutiveFailures != 0 {
		t.Fatalf("expected streak reset after pause, got %d", cyc.ConsecutiveFailures)
	}
}

func TestScheduler_RateLimitSkips(t *testing.T) {
	db := schedulerDB(t)
	tok := registerFleetToken(t, db, "MintRate", storage.AlgoSimple)

	if err := db.SetPlatformValue(storage.KeyMaxTradesPerMinute, "1"); err != nil {
		t.Fatalf("set cap: %v", err)
	}

	limiter := NewRateLimiter(1, time.Minute)
	limiter.Record() // window already full

	s := NewScheduler(db, nil, NewLockRegistry(), limiter, time.Minute, 0)
	sum := s.Tick(context.Background())

	if sum.Skipped != 1 || sum.Traded != 0 {
		t.Fatalf("expected rate-limited skip, got %+v", sum)
	}
	_ = tok
}

func TestScheduler_BudgetCappedAtFleetSize(t *testing.T) {
	db := schedulerDB(t)
	registerFleetToken(t, db, "MintB1", storage.AlgoSimple)
	registerFleetToken(t, db, "MintB2", storage.AlgoSimple)

	// Cap 30/min over a 1 minute period gives budget 30, capped at 2 tokens.
	// Both tokens hit the pause path so the nil engine is never reached.
	for _, mint := range []string{"MintB1", "MintB2"} {
		tok, err := db.GetTokenByMint(mint)
		if err != nil {
			t.Fatalf("get token: %v", err)
		}
		for i := 0; i < pauseFailureThreshold; i++ {
			if _, err := db.AdvanceCycle(tok.ID, storage.CycleUpdate{FailureDelta: 1}); err != nil {
				t.Fatalf("advance cycle: %v", err)
			}
		}
	}

	s := NewScheduler(db, nil, NewLockRegistry(), NewRateLimiter(30, time.Minute), time.Minute, 0)
	sum := s.Tick(context.Background())
	if sum.Budget != 2 {
		t.Fatalf("expected budget capped at fleet size 2, got %d", sum.Budget)
	}
}

func TestScheduler_BudgetWindowFollowsPlatformInterval(t *testing.T) {
	db := schedulerDB(t)
	registerFleetToken(t, db, "MintW1", storage.AlgoSimple)
	registerFleetToken(t, db, "MintW2", storage.AlgoSimple)

	// Both tokens hit the pause path so the nil engine is never reached.
	pauseAll := func() {
		for _, mint := range []string{"MintW1", "MintW2"} {
			tok, err := db.GetTokenByMint(mint)
			if err != nil {
				t.Fatalf("get token: %v", err)
			}
			for i := 0; i < pauseFailureThreshold; i++ {
				if _, err := db.AdvanceCycle(tok.ID, storage.CycleUpdate{FailureDelta: 1}); err != nil {
					t.Fatalf("advance cycle: %v", err)
				}
			}
		}
	}
	if err := db.SetPlatformValue(storage.KeyMaxTradesPerMinute, "1"); err != nil {
		t.Fatalf("set cap: %v", err)
	}

	s := NewScheduler(db, nil, NewLockRegistry(), NewRateLimiter(1, time.Minute), time.Minute, 0)
	pauseAll()
	if sum := s.Tick(context.Background()); sum.Budget != 1 {
		t.Fatalf("expected budget 1 with a 1-minute window, got %d", sum.Budget)
	}

	// Widening the interval over the admin API widens the next tick's window.
	if err := db.SetPlatformValue(storage.KeyFlywheelIntervalMin, "2"); err != nil {
		t.Fatalf("set interval: %v", err)
	}
	pauseAll()
	if sum := s.Tick(context.Background()); sum.Budget != 2 {
		t.Fatalf("expected budget 2 with a 2-minute window, got %d", sum.Budget)
	}
}

func TestScheduler_MainFleetExcludesTurbo(t *testing.T) {
	db := schedulerDB(t)
	registerFleetToken(t, db, "MintMain", storage.AlgoSimple)
	registerFleetToken(t, db, "MintTurbo", storage.AlgoTurboLite)

	tok, _ := db.GetTokenByMint("MintMain")
	for i := 0; i < pauseFailureThreshold; i++ {
		db.AdvanceCycle(tok.ID, storage.CycleUpdate{FailureDelta: 1})
	}

	s := NewScheduler(db, nil, NewLockRegistry(), NewRateLimiter(30, time.Minute), time.Minute, 0)
	sum := s.Tick(context.Background())
	if sum.Eligible != 1 {
		t.Fatalf("turbo tokens must not be eligible for the main fleet, got %d", sum.Eligible)
	}
}

func TestTurboScheduler_IntervalGating(t *testing.T) {
	db := schedulerDB(t)
	tok := registerFleetToken(t, db, "MintGate", storage.AlgoTurboLite)

	// A fresh attempt timestamp makes the token not yet due.
	if _, err := db.AdvanceCycle(tok.ID, storage.CycleUpdate{TouchAttemptAt: true}); err != nil {
		t.Fatalf("advance cycle: %v", err)
	}

	s := NewTurboScheduler(db, nil, NewLockRegistry(), NewRateLimiter(30, time.Minute), time.Minute)
	sum := s.Tick(context.Background())
	if sum.Stepped != 0 || sum.Skipped != 1 {
		t.Fatalf("not-due turbo token must be skipped without stepping, got %+v", sum)
	}
}

func TestScheduler_BusyTokenSkipped(t *testing.T) {
	db := schedulerDB(t)
	tok := registerFleetToken(t, db, "MintBusy", storage.AlgoSimple)

	locks := NewLockRegistry()
	if !locks.TryLock(tok.ID) {
		t.Fatal("pre-acquire failed")
	}

	s := NewScheduler(db, nil, locks, NewRateLimiter(30, time.Minute), time.Minute, 0)
	sum := s.Tick(context.Background())
	if sum.Stepped != 0 || sum.Skipped != 1 {
		t.Fatalf("locked token must be skipped, got %+v", sum)
	}
}
