package pricing

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// Source resolves USD prices for a batch of assets. Sources are consulted in
// configured order; the first one that answers wins.
type Source interface {
	Name() string
	Prices(ctx context.Context, assets []string) (map[string]float64, error)
}

type priceEntry struct {
	price     float64
	fetchedAt time.Time
}

// PriceCache caches per-asset prices with a TTL. When every source fails the
// last known value is served as-is; its freshness is not bumped, so the next
// read tries the sources again.
type PriceCache struct {
	mu      sync.RWMutex
	entries map[string]*priceEntry

	sources []Source
	ttl     time.Duration
}

// NewPriceCache creates a price cache over the given ordered sources
func NewPriceCache(sources []Source, ttl time.Duration) *PriceCache {
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	return &PriceCache{
		entries: make(map[string]*priceEntry),
		sources: sources,
		ttl:     ttl,
	}
}

// Price returns the USD price of an asset, fetching on a cache miss or after
// the TTL. On total source failure a stale value is returned if one exists.
func (c *PriceCache) Price(ctx context.Context, asset string) (float64, error) {
	c.mu.RLock()
	entry, ok := c.entries[asset]
	c.mu.RUnlock()

	if ok && time.Since(entry.fetchedAt) < c.ttl {
		return entry.price, nil
	}

	prices, err := c.fetch(ctx, []string{asset})
	if err == nil {
		if p, found := prices[asset]; found {
			c.store(asset, p)
			return p, nil
		}
		err = fmt.Errorf("no source returned a price for %s", asset)
	}

	if ok {
		log.Warn().Err(err).Str("asset", asset).Msg("price sources failed, serving stale value")
		return entry.price, nil
	}
	return 0, err
}

// Refresh fetches fresh prices for a batch of assets, updating the cache for
// every asset the sources answered.
func (c *PriceCache) Refresh(ctx context.Context, assets []string) error {
	if len(assets) == 0 {
		return nil
	}
	prices, err := c.fetch(ctx, assets)
	if err != nil {
		return err
	}
	for asset, p := range prices {
		c.store(asset, p)
	}
	return nil
}

// Known returns every asset the cache has seen
func (c *PriceCache) Known() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	assets := make([]string, 0, len(c.entries))
	for a := range c.entries {
		assets = append(assets, a)
	}
	return assets
}

func (c *PriceCache) store(asset string, price float64) {
	c.mu.Lock()
	c.entries[asset] = &priceEntry{price: price, fetchedAt: time.Now()}
	c.mu.Unlock()
}

func (c *PriceCache) fetch(ctx context.Context, assets []string) (map[string]float64, error) {
	var lastErr error
	for _, src := range c.sources {
		prices, err := src.Prices(ctx, assets)
		if err != nil {
			lastErr = err
			log.Debug().Err(err).Str("source", src.Name()).Msg("price source failed")
			continue
		}
		if len(prices) > 0 {
			return prices, nil
		}
		lastErr = fmt.Errorf("source %s returned no prices", src.Name())
	}
	if lastErr == nil {
		lastErr = fmt.Errorf("no price sources configured")
	}
	return nil, lastErr
}
