package signer

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"solana-flywheel/internal/blockchain"
)

// UnsignedTx is a serialized transaction produced upstream. The gateway
// signs and submits it exactly as given; blockhash, fee payer and
// instructions are never altered here. Freshness is the caller's problem -
// on a stale hash the caller regenerates, it never re-signs.
type UnsignedTx struct {
	Base64               string
	Blockhash            string
	LastValidBlockHeight uint64
}

// Options tunes one submission
type Options struct {
	SkipPreflight  bool
	ConfirmTimeout time.Duration
	// Tag is carried into the submission log line only
	Tag string
}

// Receipt is a confirmed submission
type Receipt struct {
	Signature     string
	ConfirmedSlot uint64
}

// Submitter is the single funnel for on-chain sends
type Submitter interface {
	Submit(ctx context.Context, walletAddress string, tx UnsignedTx, opts Options) (*Receipt, error)
}

// Gateway signs via the remote signer for delegated wallets, or with the
// in-process platform key, then broadcasts and polls confirmation. It never
// retries a transaction itself: every failure is returned typed so the
// caller can regenerate a fresh transaction.
type Gateway struct {
	rpc    *blockchain.RPCClient
	remote *RemoteClient
	local  *blockchain.Wallet // nil unless platform self-trading is configured
}

// NewGateway creates the signer gateway. local may be nil.
func NewGateway(rpc *blockchain.RPCClient, remote *RemoteClient, local *blockchain.Wallet) *Gateway {
	return &Gateway{rpc: rpc, remote: remote, local: local}
}

const (
	defaultConfirmTimeout = 30 * time.Second
	confirmPollInterval   = 500 * time.Millisecond
)

// Submit signs, broadcasts and confirms one transaction
func (g *Gateway) Submit(ctx context.Context, walletAddress string, tx UnsignedTx, opts Options) (*Receipt, error) {
	if opts.ConfirmTimeout <= 0 {
		opts.ConfirmTimeout = defaultConfirmTimeout
	}

	var (
		signedTx string
		err      error
	)
	if g.local != nil && walletAddress == g.local.Address() {
		signedTx, err = blockchain.SignSerializedTx(g.local, tx.Base64)
		if err != nil {
			return nil, blockchain.NewSubmitError(blockchain.FailSignerRejected, err)
		}
	} else {
		signedTx, err = g.remote.Sign(ctx, walletAddress, tx.Base64)
		if err != nil {
			return nil, err
		}
	}

	sig, err := g.rpc.SendTransaction(ctx, signedTx, opts.SkipPreflight)
	if err != nil {
		kind := blockchain.Classify(err)
		log.Warn().Err(err).
			Str("wallet", walletAddress).
			Str("kind", string(kind)).
			Str("tag", opts.Tag).
			Msg("transaction send failed")
		return nil, blockchain.NewSubmitError(kind, err)
	}

	receipt, err := g.awaitConfirmation(ctx, sig, tx.LastValidBlockHeight, opts.ConfirmTimeout)
	if err != nil {
		log.Warn().Err(err).
			Str("wallet", walletAddress).
			Str("sig", sig).
			Str("tag", opts.Tag).
			Msg("transaction not confirmed")
		return nil, err
	}

	log.Info().
		Str("wallet", walletAddress).
		Str("sig", receipt.Signature).
		Uint64("slot", receipt.ConfirmedSlot).
		Str("tag", opts.Tag).
		Msg("transaction confirmed")

	return receipt, nil
}

// awaitConfirmation polls signature status until confirmed, the blockhash
// validity window closes, or the timeout elapses.
func (g *Gateway) awaitConfirmation(ctx context.Context, sig string, lastValidHeight uint64, timeout time.Duration) (*Receipt, error) {
	deadline := time.Now().Add(timeout)
	ticker := time.NewTicker(confirmPollInterval)
	defer ticker.Stop()

	heightChecks := 0
	for {
		select {
		case <-ctx.Done():
			return nil, blockchain.NewSubmitError(blockchain.FailConfirmationTimeout, ctx.Err())
		case <-ticker.C:
		}

		statuses, err := g.rpc.GetSignatureStatuses(ctx, []string{sig})
		if err == nil && len(statuses) > 0 && statuses[0] != nil {
			st := statuses[0]
			if st.Err != nil {
				return nil, blockchain.NewSubmitError(blockchain.FailSendFailed,
					fmt.Errorf("transaction %s failed on-chain: %v", sig, st.Err))
			}
			if st.ConfirmationStatus == "confirmed" || st.ConfirmationStatus == "finalized" {
				return &Receipt{Signature: sig, ConfirmedSlot: st.Slot}, nil
			}
		}

		// Check the validity window every few polls, not every poll
		heightChecks++
		if lastValidHeight > 0 && heightChecks%4 == 0 {
			if height, err := g.rpc.GetBlockHeight(ctx); err == nil && height > lastValidHeight {
				return nil, blockchain.NewSubmitError(blockchain.FailBlockhashExpired,
					fmt.Errorf("block height %d passed last valid %d for %s", height, lastValidHeight, sig))
			}
		}

		if time.Now().After(deadline) {
			return nil, blockchain.NewSubmitError(blockchain.FailConfirmationTimeout,
				fmt.Errorf("no confirmation for %s within %s", sig, timeout))
		}
	}
}
