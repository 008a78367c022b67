package websocket

import (
	"encoding/json"
	"sync"

	"github.com/rs/zerolog/log"
)

// DepositFeed subscribes to the deposit addresses of pending activations and
// pushes balance changes to the monitor for an immediate re-check. The
// 30-second poll remains the source of truth; this only shortens the wait.
type DepositFeed struct {
	client *Client

	mu      sync.Mutex
	watched map[string]bool

	onDeposit func(address string, lamports uint64)
}

// NewDepositFeed creates a deposit feed over an already-connected client
func NewDepositFeed(client *Client, onDeposit func(address string, lamports uint64)) *DepositFeed {
	return &DepositFeed{
		client:    client,
		watched:   make(map[string]bool),
		onDeposit: onDeposit,
	}
}

// Watch subscribes to one deposit address; watching twice is a no-op
func (f *DepositFeed) Watch(address string) error {
	f.mu.Lock()
	if f.watched[address] {
		f.mu.Unlock()
		return nil
	}
	f.watched[address] = true
	f.mu.Unlock()

	_, err := f.client.AccountSubscribe(address, func(data json.RawMessage) {
		f.handleUpdate(address, data)
	})
	if err != nil {
		f.mu.Lock()
		delete(f.watched, address)
		f.mu.Unlock()
		return err
	}

	log.Debug().Str("addr", address).Msg("watching deposit address")
	return nil
}

// Unwatch drops the subscription for an address (after activation or expiry)
func (f *DepositFeed) Unwatch(address string) {
	f.mu.Lock()
	watched := f.watched[address]
	delete(f.watched, address)
	f.mu.Unlock()

	if watched {
		if err := f.client.AccountUnsubscribe(address); err != nil {
			log.Warn().Err(err).Str("addr", address).Msg("unsubscribe failed")
		}
	}
}

func (f *DepositFeed) handleUpdate(address string, data json.RawMessage) {
	var update struct {
		Value struct {
			Lamports uint64 `json:"lamports"`
		} `json:"value"`
	}
	if err := json.Unmarshal(data, &update); err != nil {
		log.Warn().Err(err).Str("addr", address).Msg("malformed account notification")
		return
	}

	log.Debug().
		Str("addr", address).
		Uint64("lamports", update.Value.Lamports).
		Msg("deposit address balance changed")

	if f.onDeposit != nil {
		f.onDeposit(address, update.Value.Lamports)
	}
}
