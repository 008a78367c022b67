package claims

import (
	"context"
	"strconv"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"solana-flywheel/internal/blockchain"
	"solana-flywheel/internal/flywheel"
	"solana-flywheel/internal/launchpad"
	"solana-flywheel/internal/pricing"
	"solana-flywheel/internal/report"
	"solana-flywheel/internal/signer"
	"solana-flywheel/internal/storage"
)

const (
	walletBatchSize    = 10
	walletBatchPause   = 200 * time.Millisecond
	attemptConcurrency = 5
	attemptBatchPause  = 500 * time.Millisecond
	claimAttempts      = 3
	claimBackoffBase   = 2 * time.Second

	lamportsPerSOL = 1_000_000_000

	// defaultThresholdSOL gates user-token claims; platform tokens claim at
	// the lower fixed threshold.
	defaultThresholdSOL          = 0.15
	platformThresholdLamports    = lamportsPerSOL / 20 // 0.05
	failStreakReportingThreshold = 3
)

// Engine harvests accrued creator rewards and settles the owner/platform
// split. Every on-chain send goes through the signer gateway with a fresh
// transaction per attempt; a stale blockhash is never re-signed.
type Engine struct {
	db        *storage.DB
	launchpad *launchpad.Client
	gateway   signer.Submitter
	blockhash *blockchain.BlockhashCache
	balances  *pricing.BalanceCache
	locks     *flywheel.LockRegistry
	reporter  *report.Reporter

	platformOpsWallet string
	backoffBase       time.Duration

	mu         sync.Mutex
	lastTick   time.Time
	failStreak map[string]int // tokenID -> consecutive failed claim cycles
}

// NewEngine creates a claim engine
func NewEngine(db *storage.DB, lp *launchpad.Client, gateway signer.Submitter, blockhash *blockchain.BlockhashCache, balances *pricing.BalanceCache, locks *flywheel.LockRegistry, reporter *report.Reporter, platformOpsWallet string) *Engine {
	return &Engine{
		db:                db,
		launchpad:         lp,
		gateway:           gateway,
		blockhash:         blockhash,
		balances:          balances,
		locks:             locks,
		reporter:          reporter,
		platformOpsWallet: platformOpsWallet,
		backoffBase:       claimBackoffBase,
		failStreak:        make(map[string]int),
	}
}

type claimJob struct {
	view     *storage.TokenView
	lamports uint64
}

// Tick runs one claim pass over the eligible fleet. The job fires on a fixed
// schedule; the admin-set interval stretches the effective pass spacing.
func (e *Engine) Tick(ctx context.Context) {
	start := time.Now()

	interval := time.Duration(e.db.PlatformInt(storage.KeyFastClaimInterval, 0)) * time.Second
	e.mu.Lock()
	if interval > 0 && !e.lastTick.IsZero() && time.Since(e.lastTick) < interval {
		e.mu.Unlock()
		log.Debug().Dur("interval", interval).Msg("claim interval not yet elapsed, pass skipped")
		return
	}
	e.lastTick = start
	e.mu.Unlock()

	views, err := e.db.ListTokensForClaim()
	if err != nil {
		log.Error().Err(err).Msg("claim eligibility load failed")
		return
	}
	if len(views) == 0 {
		return
	}

	jobs := e.discover(ctx, views)
	if len(jobs) == 0 {
		log.Debug().Int("eligible", len(views)).Msg("no claimable positions above threshold")
		return
	}

	claimed := e.processJobs(ctx, jobs)

	log.Info().
		Int("eligible", len(views)).
		Int("qualifying", len(jobs)).
		Int("claimed", claimed).
		Dur("took", time.Since(start)).
		Msg("claim tick complete")
}

// discover lists claimable positions wallet by wallet, in parallel batches,
// and filters to positions above the threshold.
func (e *Engine) discover(ctx context.Context, views []*storage.TokenView) []claimJob {
	byWallet := make(map[string][]*storage.TokenView)
	wallets := make([]string, 0)
	for _, v := range views {
		if _, seen := byWallet[v.Token.DevWallet]; !seen {
			wallets = append(wallets, v.Token.DevWallet)
		}
		byWallet[v.Token.DevWallet] = append(byWallet[v.Token.DevWallet], v)
	}

	threshold := e.userThresholdLamports()

	var (
		mu   sync.Mutex
		jobs []claimJob
	)
	for i := 0; i < len(wallets); i += walletBatchSize {
		end := i + walletBatchSize
		if end > len(wallets) {
			end = len(wallets)
		}

		var wg sync.WaitGroup
		for _, wallet := range wallets[i:end] {
			wg.Add(1)
			go func(wallet string) {
				defer wg.Done()
				rewards, err := e.launchpad.ListClaimable(ctx, wallet)
				if err != nil {
					log.Warn().Err(err).Str("wallet", wallet).Msg("list claimable failed")
					return
				}
				byMint := make(map[string]*storage.TokenView, len(byWallet[wallet]))
				for _, v := range byWallet[wallet] {
					byMint[v.Token.Mint] = v
				}
				for _, r := range rewards {
					view, ours := byMint[r.Mint]
					if !ours {
						continue
					}
					min := threshold
					if view.Token.Source == storage.SourcePlatform {
						min = platformThresholdLamports
					}
					if r.Lamports < min {
						continue
					}
					mu.Lock()
					jobs = append(jobs, claimJob{view: view, lamports: r.Lamports})
					mu.Unlock()
				}
			}(wallet)
		}
		wg.Wait()

		if end < len(wallets) {
			select {
			case <-ctx.Done():
				return jobs
			case <-time.After(walletBatchPause):
			}
		}
	}
	return jobs
}

// processJobs runs claim attempts with bounded concurrency
func (e *Engine) processJobs(ctx context.Context, jobs []claimJob) int {
	claimed := 0
	var mu sync.Mutex

	for i := 0; i < len(jobs); i += attemptConcurrency {
		end := i + attemptConcurrency
		if end > len(jobs) {
			end = len(jobs)
		}

		var wg sync.WaitGroup
		for _, job := range jobs[i:end] {
			wg.Add(1)
			go func(job claimJob) {
				defer wg.Done()
				if e.claimToken(ctx, job) {
					mu.Lock()
					claimed++
					mu.Unlock()
				}
			}(job)
		}
		wg.Wait()

		if end < len(jobs) {
			select {
			case <-ctx.Done():
				return claimed
			case <-time.After(attemptBatchPause):
			}
		}
	}
	return claimed
}

// claimToken claims one token's rewards and settles the split. Returns true
// when the gross claim confirmed.
func (e *Engine) claimToken(ctx context.Context, job claimJob) bool {
	tok := &job.view.Token
	cfg := &job.view.Config

	if !e.locks.TryLock(tok.ID) {
		log.Debug().Str("token", tok.ID).Msg("token busy, claim skipped")
		return false
	}
	defer e.locks.Unlock(tok.ID)

	receipt := e.claimWithRetry(ctx, tok)
	if receipt == nil {
		e.noteClaimFailure(tok)
		return false
	}
	e.noteClaimSuccess(tok)
	e.balances.Invalidate(tok.DevWallet)

	split := ComputeSplit(job.lamports, cfg.FeePercent, tok.Source == storage.SourcePlatform)

	if split.Transferable > 0 {
		if split.PlatformFee > 0 {
			e.transfer(ctx, tok, e.platformOpsWallet, split.PlatformFee)
		}
		if split.OwnerShare > 0 {
			e.transfer(ctx, tok, tok.OpsWallet, split.OwnerShare)
		}
	}

	// Recorded as computed; a hiccuped transfer reconciles next cycle from
	// the fresh on-chain balance.
	if _, err := e.db.RecordClaim(&storage.Claim{
		TokenID:       tok.ID,
		Mint:          tok.Mint,
		Gross:         lamportsToSOL(split.Gross),
		PlatformFee:   lamportsToSOL(split.PlatformFee),
		OwnerReceived: lamportsToSOL(split.OwnerShare),
		Signature:     receipt.Signature,
	}); err != nil {
		e.reportErr(tok, "record_claim", err)
	}

	log.Info().
		Str("token", tok.ID).
		Str("gross", lamportsToSOL(split.Gross).String()).
		Str("fee", lamportsToSOL(split.PlatformFee).String()).
		Str("owner", lamportsToSOL(split.OwnerShare).String()).
		Msg("claim settled")
	return true
}

// claimWithRetry makes up to three attempts, each with a freshly generated
// claim transaction and exponential backoff between attempts.
func (e *Engine) claimWithRetry(ctx context.Context, tok *storage.Token) *signer.Receipt {
	backoff := e.backoffBase
	for attempt := 1; attempt <= claimAttempts; attempt++ {
		tx, err := e.launchpad.BuildClaimTx(ctx, tok.DevWallet, []string{tok.Mint})
		if err == nil {
			var receipt *signer.Receipt
			receipt, err = e.gateway.Submit(ctx, tok.DevWallet, signer.UnsignedTx{
				Base64:               tx.Transaction,
				Blockhash:            tx.Blockhash,
				LastValidBlockHeight: tx.LastValidBlockHeight,
			}, signer.Options{Tag: "claim"})
			if err == nil {
				return receipt
			}
			if !blockchain.KindOf(err).Retryable() {
				log.Warn().Err(err).Str("token", tok.ID).Int("attempt", attempt).Msg("claim failed, not retryable")
				return nil
			}
		}

		log.Warn().Err(err).Str("token", tok.ID).Int("attempt", attempt).Msg("claim attempt failed")
		if attempt == claimAttempts {
			break
		}
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(backoff):
		}
		backoff *= 2
	}
	return nil
}

// transfer moves lamports out of the dev wallet with a locally built
// transaction on a fresh cached blockhash. Failure is recorded and reported
// but never rolls back the sibling transfer.
func (e *Engine) transfer(ctx context.Context, tok *storage.Token, to string, lamports uint64) {
	trade := &storage.Trade{
		TokenID: tok.ID,
		Mint:    tok.Mint,
		Side:    storage.SideTransfer,
		Amount:  lamportsToSOL(lamports),
	}

	hash, lastValid, err := e.blockhash.Get()
	if err == nil {
		var txB64 string
		txB64, err = blockchain.BuildTransferTx(tok.DevWallet, to, lamports, hash)
		if err == nil {
			var receipt *signer.Receipt
			receipt, err = e.gateway.Submit(ctx, tok.DevWallet, signer.UnsignedTx{
				Base64:               txB64,
				Blockhash:            hash,
				LastValidBlockHeight: lastValid,
			}, signer.Options{Tag: "claim-split"})
			if err == nil {
				trade.Signature = receipt.Signature
				trade.Status = storage.TradeConfirmed
			}
		}
	}

	if err != nil {
		trade.Status = storage.TradeFailed
		trade.Reason = err.Error()
		e.reportErr(tok, "split_transfer", err)
	}

	if _, dbErr := e.db.RecordTrade(trade); dbErr != nil {
		e.reportErr(tok, "record_trade", dbErr)
	}
}

func (e *Engine) noteClaimFailure(tok *storage.Token) {
	e.mu.Lock()
	e.failStreak[tok.ID]++
	streak := e.failStreak[tok.ID]
	e.mu.Unlock()

	if streak >= failStreakReportingThreshold {
		e.reporter.Report(report.Report{
			Kind:   report.KindError,
			Module: "claims",
			Op:     "claim",
			Wallet: tok.DevWallet,
			Token:  tok.ID,
			Extra:  map[string]string{"streak": strconv.Itoa(streak)},
		})
	}
}

func (e *Engine) noteClaimSuccess(tok *storage.Token) {
	e.mu.Lock()
	delete(e.failStreak, tok.ID)
	e.mu.Unlock()
}

func (e *Engine) reportErr(tok *storage.Token, op string, err error) {
	e.reporter.Report(report.Report{
		Kind:   report.KindError,
		Module: "claims",
		Op:     op,
		Token:  tok.ID,
		Err:    err,
	})
}

func (e *Engine) userThresholdLamports() uint64 {
	sol := e.db.PlatformFloat(storage.KeyFastClaimThreshold, defaultThresholdSOL)
	return uint64(sol * lamportsPerSOL)
}

func lamportsToSOL(lamports uint64) decimal.Decimal {
	return decimal.NewFromUint64(lamports).Div(decimal.NewFromInt(lamportsPerSOL))
}
