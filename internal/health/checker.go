package health

import (
	"context"
	"sync"
	"time"

	"solana-flywheel/internal/blockchain"
	"solana-flywheel/internal/storage"
)

// Status represents the health status of a component
type Status struct {
	Name    string        `json:"name"`
	Healthy bool          `json:"healthy"`
	Latency time.Duration `json:"latency_ns"`
	Error   string        `json:"error,omitempty"`
}

// Checker periodically probes the RPC node, the database and the remote
// signer. Results are served on /health.
type Checker struct {
	mu       sync.RWMutex
	statuses []Status

	rpc        *blockchain.RPCClient
	db         *storage.DB
	signerPing func(ctx context.Context) error // nil when no remote signer
}

// NewChecker creates a health checker
func NewChecker(rpc *blockchain.RPCClient, db *storage.DB, signerPing func(ctx context.Context) error) *Checker {
	return &Checker{
		rpc:        rpc,
		db:         db,
		signerPing: signerPing,
	}
}

// Start begins periodic health checks
func (c *Checker) Start(ctx context.Context) {
	go func() {
		ticker := time.NewTicker(10 * time.Second)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				c.check(ctx)
			}
		}
	}()

	c.check(ctx)
}

func (c *Checker) check(ctx context.Context) {
	statuses := []Status{
		c.probe("rpc", func(ctx context.Context) error {
			_, err := c.rpc.GetBlockHeight(ctx)
			return err
		}),
		c.probe("database", func(ctx context.Context) error {
			return c.db.Ping()
		}),
	}
	if c.signerPing != nil {
		statuses = append(statuses, c.probe("signer", c.signerPing))
	}

	c.mu.Lock()
	c.statuses = statuses
	c.mu.Unlock()
}

func (c *Checker) probe(name string, fn func(ctx context.Context) error) Status {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	start := time.Now()
	err := fn(ctx)

	status := Status{
		Name:    name,
		Latency: time.Since(start),
		Healthy: err == nil,
	}
	if err != nil {
		status.Error = err.Error()
	}
	return status
}

// Statuses returns the latest probe results
func (c *Checker) Statuses() []Status {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]Status, len(c.statuses))
	copy(out, c.statuses)
	return out
}

// Healthy reports whether every probed component is healthy
func (c *Checker) Healthy() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if len(c.statuses) == 0 {
		return false
	}
	for _, s := range c.statuses {
		if !s.Healthy {
			return false
		}
	}
	return true
}
