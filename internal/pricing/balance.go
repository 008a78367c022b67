package pricing

import (
	"context"
	"strings"
	"sync"
	"time"

	"solana-flywheel/internal/blockchain"
)

type balanceEntry struct {
	amount    uint64
	fetchedAt time.Time
}

// BalanceCache caches native and token balances per wallet. The TTL is short
// (tens of seconds) - trading decisions want a recent view, not a live one.
// After a confirmed trade or claim the caller invalidates the wallet so the
// next read goes to the chain.
type BalanceCache struct {
	rpc *blockchain.RPCClient
	ttl time.Duration

	mu     sync.RWMutex
	native map[string]*balanceEntry // wallet -> lamports
	token  map[string]*balanceEntry // wallet|mint -> raw units
}

// NewBalanceCache creates a balance cache
func NewBalanceCache(rpc *blockchain.RPCClient, ttl time.Duration) *BalanceCache {
	if ttl <= 0 {
		ttl = 20 * time.Second
	}
	return &BalanceCache{
		rpc:    rpc,
		ttl:    ttl,
		native: make(map[string]*balanceEntry),
		token:  make(map[string]*balanceEntry),
	}
}

// NativeBalance returns the wallet's lamport balance, cached
func (c *BalanceCache) NativeBalance(ctx context.Context, wallet string) (uint64, error) {
	c.mu.RLock()
	entry, ok := c.native[wallet]
	c.mu.RUnlock()

	if ok && time.Since(entry.fetchedAt) < c.ttl {
		return entry.amount, nil
	}

	amount, err := c.rpc.GetBalance(ctx, wallet)
	if err != nil {
		return 0, err
	}

	c.mu.Lock()
	c.native[wallet] = &balanceEntry{amount: amount, fetchedAt: time.Now()}
	c.mu.Unlock()
	return amount, nil
}

// TokenBalance returns the wallet's balance of a mint in raw units, cached
func (c *BalanceCache) TokenBalance(ctx context.Context, wallet, mint string) (uint64, error) {
	key := wallet + "|" + mint

	c.mu.RLock()
	entry, ok := c.token[key]
	c.mu.RUnlock()

	if ok && time.Since(entry.fetchedAt) < c.ttl {
		return entry.amount, nil
	}

	amount, err := c.rpc.TokenBalance(ctx, wallet, mint)
	if err != nil {
		return 0, err
	}

	c.mu.Lock()
	c.token[key] = &balanceEntry{amount: amount, fetchedAt: time.Now()}
	c.mu.Unlock()
	return amount, nil
}

// Invalidate drops every cached balance for a wallet
func (c *BalanceCache) Invalidate(wallet string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.native, wallet)
	for key := range c.token {
		if strings.HasPrefix(key, wallet+"|") {
			delete(c.token, key)
		}
	}
}

// KnownWallets returns every wallet with a cached native balance
func (c *BalanceCache) KnownWallets() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	wallets := make([]string, 0, len(c.native))
	for w := range c.native {
		wallets = append(wallets, w)
	}
	return wallets
}

// RefreshWallets re-fetches native balances for the given wallets in batches,
// pausing between batches so the refresher never bursts the RPC.
func (c *BalanceCache) RefreshWallets(ctx context.Context, wallets []string, batchSize int, pause time.Duration) {
	if batchSize <= 0 {
		batchSize = 50
	}
	for i := 0; i < len(wallets); i += batchSize {
		end := i + batchSize
		if end > len(wallets) {
			end = len(wallets)
		}
		for _, wallet := range wallets[i:end] {
			amount, err := c.rpc.GetBalance(ctx, wallet)
			if err != nil {
				continue
			}
			c.mu.Lock()
			c.native[wallet] = &balanceEntry{amount: amount, fetchedAt: time.Now()}
			c.mu.Unlock()
		}
		if end < len(wallets) {
			select {
			case <-ctx.Done():
				return
			case <-time.After(pause):
			}
		}
	}
}
