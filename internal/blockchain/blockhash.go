package blockchain

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"
)

// CachedBlockhash holds a fetched blockhash with its validity horizon
type CachedBlockhash struct {
	Hash                 string
	LastValidBlockHeight uint64
	FetchedAt            time.Time
}

// BlockhashCache keeps a fresh blockhash available for locally-built
// transactions (claim-split transfers, platform self-trades). Hot reads never
// block; a background loop refreshes ahead of the TTL.
type BlockhashCache struct {
	current atomic.Pointer[CachedBlockhash]

	rpc      *RPCClient
	ttl      time.Duration
	interval time.Duration
	stopCh   chan struct{}
	wg       sync.WaitGroup
}

// NewBlockhashCache creates a blockhash cache
func NewBlockhashCache(rpc *RPCClient, refreshInterval, ttl time.Duration) *BlockhashCache {
	return &BlockhashCache{
		rpc:      rpc,
		interval: refreshInterval,
		ttl:      ttl,
		stopCh:   make(chan struct{}),
	}
}

// Start performs the initial fetch and begins the refresh loop.
// The initial fetch must succeed.
func (c *BlockhashCache) Start() error {
	if err := c.refresh(); err != nil {
		return err
	}

	c.wg.Add(1)
	go c.refreshLoop()

	log.Info().
		Dur("interval", c.interval).
		Dur("ttl", c.ttl).
		Msg("blockhash cache started")
	return nil
}

// Stop stops the background refresh
func (c *BlockhashCache) Stop() {
	close(c.stopCh)
	c.wg.Wait()
}

// Get returns the cached blockhash with its last valid block height,
// refreshing synchronously only when the cache has gone stale.
func (c *BlockhashCache) Get() (string, uint64, error) {
	cached := c.current.Load()
	if cached != nil && time.Since(cached.FetchedAt) < c.ttl {
		return cached.Hash, cached.LastValidBlockHeight, nil
	}

	log.Warn().Msg("blockhash cache stale, forcing sync refresh")
	if err := c.refresh(); err != nil {
		return "", 0, err
	}
	cached = c.current.Load()
	return cached.Hash, cached.LastValidBlockHeight, nil
}

func (c *BlockhashCache) refreshLoop() {
	defer c.wg.Done()

	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	for {
		select {
		case <-c.stopCh:
			return
		case <-ticker.C:
			if err := c.refresh(); err != nil {
				log.Warn().Err(err).Msg("blockhash refresh failed")
			}
		}
	}
}

func (c *BlockhashCache) refresh() error {
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	result, err := c.rpc.GetLatestBlockhash(ctx)
	if err != nil {
		return err
	}

	c.current.Store(&CachedBlockhash{
		Hash:                 result.Value.Blockhash,
		LastValidBlockHeight: result.Value.LastValidBlockHeight,
		FetchedAt:            time.Now(),
	})
	return nil
}
