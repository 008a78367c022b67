package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/fatih/color"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"solana-flywheel/internal/blockchain"
	"solana-flywheel/internal/claims"
	"solana-flywheel/internal/config"
	"solana-flywheel/internal/flywheel"
	"solana-flywheel/internal/health"
	"solana-flywheel/internal/jobs"
	"solana-flywheel/internal/jupiter"
	"solana-flywheel/internal/launchpad"
	"solana-flywheel/internal/monitor"
	"solana-flywheel/internal/pricing"
	"solana-flywheel/internal/report"
	"solana-flywheel/internal/server"
	"solana-flywheel/internal/signer"
	"solana-flywheel/internal/storage"
	"solana-flywheel/internal/websocket"
)

const drainTimeout = 30 * time.Second

func main() {
	setupLogger()
	printBanner()

	configPath := os.Getenv("FLYWHEEL_CONFIG")
	if configPath == "" {
		configPath = "config/config.yaml"
	}

	cfg, err := config.NewManager(configPath)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load config")
	}

	db, err := storage.NewDB(cfg.Get().Storage.SQLitePath)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to open database")
	}

	rpc := blockchain.NewRPCClient(cfg.PrimaryRPCURL(), cfg.FallbackRPCURL(), "")

	blockhashCache := blockchain.NewBlockhashCache(rpc, cfg.BlockhashRefresh(), cfg.BlockhashTTL())
	if err := blockhashCache.Start(); err != nil {
		log.Fatal().Err(err).Msg("failed to start blockhash cache")
	}

	// Platform wallet signs locally; every other wallet goes through the
	// delegated signing service.
	var platformWallet *blockchain.Wallet
	if key := cfg.PlatformWalletKey(); key != "" {
		platformWallet, err = blockchain.NewWallet(key)
		if err != nil {
			log.Fatal().Err(err).Msg("failed to load platform wallet")
		}
		log.Info().Str("address", platformWallet.Address()).Msg("platform wallet loaded")
	} else {
		log.Warn().Msg("no platform wallet key set, platform-owned tokens cannot trade")
	}

	var remote *signer.RemoteClient
	if base := cfg.Get().Signer.BaseURL; base != "" {
		appID, secret, authKey := cfg.SignerCredentials()
		remote = signer.NewRemoteClient(base, appID, secret, authKey)
	} else {
		log.Warn().Msg("no remote signer configured, user-owned wallets cannot trade")
	}

	gateway := signer.NewGateway(rpc, remote, platformWallet)

	jupCfg := cfg.Get().Jupiter
	jup := jupiter.NewClient(
		jupCfg.SwapAPIURL,
		time.Duration(jupCfg.TimeoutSeconds)*time.Second,
		cfg.JupiterAPIKeys(),
		jupCfg.MaxPriorityFeeLamports,
	)

	lpCfg := cfg.Get().Launchpad
	lp := launchpad.NewClient(lpCfg.BaseURL, cfg.LaunchpadAPIKey(), time.Duration(lpCfg.TimeoutSeconds)*time.Second)

	priceCfg := cfg.Get().Pricing
	prices := pricing.NewPriceCache(
		[]pricing.Source{pricing.NewJupiterSource(priceCfg.PriceAPIURL, 10*time.Second)},
		time.Duration(priceCfg.PriceTTLSeconds)*time.Second,
	)
	balances := pricing.NewBalanceCache(rpc, time.Duration(priceCfg.BalanceTTLSeconds)*time.Second)
	refresher := pricing.NewRefresher(prices, balances, 0)

	reporter := report.New(report.LogSink{}, time.Minute)

	locks := flywheel.NewLockRegistry()
	wheelLimiter := flywheel.NewRateLimiter(30, time.Minute)
	turboLimiter := flywheel.NewRateLimiter(30, time.Minute)

	engine := flywheel.NewEngine(db, balances, prices, jup, gateway, reporter)

	jobsCfg := cfg.Get().Jobs
	wheelPeriod := time.Duration(jobsCfg.FlywheelIntervalSeconds) * time.Second
	sched := flywheel.NewScheduler(db, engine, locks, wheelLimiter, wheelPeriod,
		time.Duration(jobsCfg.InterTokenDelayMs)*time.Millisecond)
	turbo := flywheel.NewTurboScheduler(db, engine, locks, turboLimiter,
		time.Duration(jobsCfg.TurboIntervalSeconds)*time.Second)

	claimEngine := claims.NewEngine(db, lp, gateway, blockhashCache, balances, locks, reporter,
		cfg.Get().Wallet.PlatformOpsWallet)

	// Deposit watching: websocket pushes mark addresses dirty, the monitor
	// job confirms balances over RPC and activates.
	var depositFeed *websocket.DepositFeed
	mon := monitor.New(db, rpc, func(tok *storage.Token, depositAddress string) {
		if depositFeed != nil {
			depositFeed.Unwatch(depositAddress)
		}
		log.Info().
			Str("mint", tok.Mint).
			Str("deposit_address", depositAddress).
			Msg("token activated from deposit")
	})

	var wsClient *websocket.Client
	if wsURL := cfg.WebsocketURL(); wsURL != "" {
		wsClient = websocket.NewClient(wsURL)
		if err := wsClient.Connect(); err != nil {
			log.Warn().Err(err).Msg("websocket connect failed, deposit detection falls back to polling")
			wsClient = nil
		}
	}
	if wsClient != nil {
		depositFeed = websocket.NewDepositFeed(wsClient, func(address string, lamports uint64) {
			log.Debug().Str("address", address).Uint64("lamports", lamports).Msg("deposit observed")
			mon.MarkDirty(address)
		})
		watchAwaitingDeposits(db, depositFeed)
	}

	var signerPing func(ctx context.Context) error
	if remote != nil {
		signerPing = remote.Ping
	}
	checker := health.NewChecker(rpc, db, signerPing)

	runner := jobs.NewRunner(db)
	registerJobs(runner, jobsCfg, sched, turbo, claimEngine, mon, refresher)

	apiServer := server.New(cfg.Get().Server.ListenHost, cfg.Get().Server.ListenPort, server.Deps{
		DB:           db,
		Runner:       runner,
		Checker:      checker,
		Launchpad:    lp,
		AdminPubkeys: cfg.Get().Server.AdminPubkeys,
		OnPendingCreated: func(depositAddress string) {
			if depositFeed != nil {
				if err := depositFeed.Watch(depositAddress); err != nil {
					log.Warn().Err(err).Str("address", depositAddress).Msg("deposit watch failed")
				}
			}
			mon.MarkDirty(depositAddress)
		},
		OnPendingClosed: func(depositAddress string) {
			if depositFeed != nil {
				depositFeed.Unwatch(depositAddress)
			}
		},
	})

	rootCtx, rootCancel := context.WithCancel(context.Background())
	checker.Start(rootCtx)
	runner.Start()

	go func() {
		if err := apiServer.Start(); err != nil {
			log.Fatal().Err(err).Msg("api server failed")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info().Msg("shutting down...")
	if err := apiServer.Shutdown(); err != nil {
		log.Warn().Err(err).Msg("server shutdown error")
	}

	exitCode := 0
	if err := runner.Stop(drainTimeout); err != nil {
		log.Error().Err(err).Msg("job drain incomplete")
		exitCode = 2
	}

	rootCancel()
	blockhashCache.Stop()
	if wsClient != nil {
		wsClient.Close()
	}
	if err := db.Close(); err != nil {
		log.Warn().Err(err).Msg("database close error")
	}

	log.Info().Msg("goodbye 👋")
	os.Exit(exitCode)
}

func registerJobs(
	runner *jobs.Runner,
	jobsCfg config.JobsConfig,
	sched, turbo *flywheel.Scheduler,
	claimEngine *claims.Engine,
	mon *monitor.Monitor,
	refresher *pricing.Refresher,
) {
	register := func(j jobs.Job) {
		if err := runner.Register(j); err != nil {
			log.Fatal().Err(err).Str("job", j.Name).Msg("failed to register job")
		}
	}

	register(jobs.Job{
		Name:       "flywheel",
		Spec:       fmt.Sprintf("@every %ds", jobsCfg.FlywheelIntervalSeconds),
		EnabledKey: storage.KeyFlywheelEnabled,
		Run:        func(ctx context.Context) { sched.Tick(ctx) },
	})
	register(jobs.Job{
		Name:       "turbo",
		Spec:       fmt.Sprintf("@every %ds", jobsCfg.TurboIntervalSeconds),
		EnabledKey: storage.KeyFlywheelEnabled,
		Run:        func(ctx context.Context) { turbo.Tick(ctx) },
	})
	register(jobs.Job{
		Name:       "fast-claim",
		Spec:       fmt.Sprintf("@every %ds", jobsCfg.ClaimIntervalSeconds),
		EnabledKey: storage.KeyFastClaimEnabled,
		Run:        claimEngine.Tick,
	})
	register(jobs.Job{
		Name:       "deposit-monitor",
		Spec:       fmt.Sprintf("@every %ds", jobsCfg.MonitorIntervalSeconds),
		EnabledKey: storage.KeyDepositMonEnabled,
		Run: func(ctx context.Context) {
			mon.DrainDirty(ctx)
			mon.Tick(ctx)
		},
	})
	register(jobs.Job{
		Name:       "refresh",
		Spec:       fmt.Sprintf("@every %ds", jobsCfg.RefresherIntervalSeconds),
		EnabledKey: storage.KeyBalanceJobEnabled,
		Run:        refresher.RunOnce,
	})
}

// watchAwaitingDeposits resubscribes deposit addresses that were pending
// before the last restart.
func watchAwaitingDeposits(db *storage.DB, feed *websocket.DepositFeed) {
	rows, err := db.ListAwaitingDeposit()
	if err != nil {
		log.Warn().Err(err).Msg("failed to list pending activations")
		return
	}
	for _, row := range rows {
		if err := feed.Watch(row.DepositAddress); err != nil {
			log.Warn().Err(err).Str("address", row.DepositAddress).Msg("deposit watch failed")
		}
	}
	if len(rows) > 0 {
		log.Info().Int("count", len(rows)).Msg("watching pending deposit addresses")
	}
}

func setupLogger() {
	log.Logger = zerolog.New(
		zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: "15:04:05"},
	).With().Timestamp().Logger()

	zerolog.SetGlobalLevel(zerolog.InfoLevel)
	if os.Getenv("DEBUG") == "1" {
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	}
}

func printBanner() {
	color.Cyan("----------------------------------------")
	color.Cyan("  Solana Flywheel Engine")
	color.Cyan("----------------------------------------")
}
