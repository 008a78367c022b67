package monitor

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"solana-flywheel/internal/blockchain"
	"solana-flywheel/internal/storage"
)

const lamportsPerSOL = 1_000_000_000

// Notifier is called after an activation commits, with the deposit address
// the pending row was watching. A notification failure never rolls the
// activation back.
type Notifier func(tok *storage.Token, depositAddress string)

// Monitor watches pending activations: on every tick it expires stale rows
// and activates any whose deposit address holds at least the minimum amount.
// The websocket deposit feed can mark addresses dirty for an immediate
// re-check between ticks.
type Monitor struct {
	db     *storage.DB
	rpc    *blockchain.RPCClient
	notify Notifier

	dirtyCh chan string
}

// New creates a deposit monitor
func New(db *storage.DB, rpc *blockchain.RPCClient, notify Notifier) *Monitor {
	return &Monitor{
		db:      db,
		rpc:     rpc,
		notify:  notify,
		dirtyCh: make(chan string, 256),
	}
}

// MarkDirty requests an immediate re-check of one deposit address.
// Safe to call from the websocket feed goroutine.
func (m *Monitor) MarkDirty(address string) {
	select {
	case m.dirtyCh <- address:
	default:
		// Channel full; the next tick covers it anyway
	}
}

// Tick expires stale rows and checks every awaiting deposit
func (m *Monitor) Tick(ctx context.Context) {
	if expired, err := m.db.ExpirePendingActivations(time.Now().Unix()); err != nil {
		log.Error().Err(err).Msg("pending expiry failed")
	} else if expired > 0 {
		log.Info().Int64("expired", expired).Msg("pending activations expired")
	}

	rows, err := m.db.ListAwaitingDeposit()
	if err != nil {
		log.Error().Err(err).Msg("pending list failed")
		return
	}

	for _, row := range rows {
		select {
		case <-ctx.Done():
			return
		default:
		}
		m.check(ctx, row)
	}
}

// DrainDirty re-checks addresses flagged by the deposit feed since the last
// call. Runs between ticks on a short interval.
func (m *Monitor) DrainDirty(ctx context.Context) {
	seen := make(map[string]bool)
	for {
		select {
		case addr := <-m.dirtyCh:
			if seen[addr] {
				continue
			}
			seen[addr] = true
			m.CheckAddress(ctx, addr)
		default:
			return
		}
	}
}

// CheckAddress re-checks the pending activation behind one deposit address
func (m *Monitor) CheckAddress(ctx context.Context, address string) {
	rows, err := m.db.ListAwaitingDeposit()
	if err != nil {
		log.Error().Err(err).Msg("pending list failed")
		return
	}
	for _, row := range rows {
		if row.DepositAddress == address {
			m.check(ctx, row)
			return
		}
	}
}

func (m *Monitor) check(ctx context.Context, row *storage.PendingActivation) {
	balance, err := m.rpc.GetBalance(ctx, row.DepositAddress)
	if err != nil {
		log.Warn().Err(err).Str("pending", row.ID).Msg("deposit balance read failed")
		return
	}

	required := solToLamports(row.MinAmount)
	if balance < required {
		return
	}

	tok, err := m.db.ActivatePending(row.ID)
	if err != nil {
		// A concurrent activation or cancellation loses the race cleanly
		log.Warn().Err(err).Str("pending", row.ID).Msg("activation failed")
		return
	}

	log.Info().
		Str("pending", row.ID).
		Str("token", tok.ID).
		Str("mint", tok.Mint).
		Uint64("deposit", balance).
		Msg("pending activation completed")

	if m.notify != nil {
		m.notify(tok, row.DepositAddress)
	}
}

func solToLamports(sol decimal.Decimal) uint64 {
	return sol.Mul(decimal.NewFromInt(lamportsPerSOL)).BigInt().Uint64()
}
