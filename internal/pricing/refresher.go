package pricing

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"
)

const (
	refreshBatchSize = 50
	refreshPause     = 100 * time.Millisecond
)

// Refresher keeps the price and balance caches warm in the background so the
// scheduler's hot path rarely waits on a fetch.
type Refresher struct {
	prices   *PriceCache
	balances *BalanceCache
	interval time.Duration

	stopCh chan struct{}
	doneCh chan struct{}
}

// NewRefresher creates a background cache refresher
func NewRefresher(prices *PriceCache, balances *BalanceCache, interval time.Duration) *Refresher {
	if interval <= 0 {
		interval = time.Minute
	}
	return &Refresher{
		prices:   prices,
		balances: balances,
		interval: interval,
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
	}
}

// Start begins the refresh loop
func (r *Refresher) Start() {
	go r.loop()
	log.Info().Dur("interval", r.interval).Msg("cache refresher started")
}

// Stop halts the refresh loop and waits for the current pass to finish
func (r *Refresher) Stop() {
	close(r.stopCh)
	<-r.doneCh
}

func (r *Refresher) loop() {
	defer close(r.doneCh)

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-r.stopCh:
			return
		case <-ticker.C:
			r.RunOnce(context.Background())
		}
	}
}

// RunOnce performs one refresh pass over every known asset and wallet
func (r *Refresher) RunOnce(ctx context.Context) {
	assets := r.prices.Known()
	for i := 0; i < len(assets); i += refreshBatchSize {
		end := i + refreshBatchSize
		if end > len(assets) {
			end = len(assets)
		}
		if err := r.prices.Refresh(ctx, assets[i:end]); err != nil {
			log.Warn().Err(err).Int("batch", i/refreshBatchSize).Msg("price refresh batch failed")
		}
		if end < len(assets) {
			select {
			case <-ctx.Done():
				return
			case <-time.After(refreshPause):
			}
		}
	}

	if r.balances != nil {
		r.balances.RefreshWallets(ctx, r.balances.KnownWallets(), refreshBatchSize, refreshPause)
	}
}
