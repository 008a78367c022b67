package blockchain

import (
	"context"
	"errors"
	"strings"
)

// FailureKind classifies a submission failure. Each kind maps to a caller
// policy: regenerate-and-retry for transient kinds, abort for the rest.
type FailureKind string

const (
	FailBlockhashExpired    FailureKind = "blockhash_expired"
	FailSimulationFailed    FailureKind = "simulation_failed"
	FailSendFailed          FailureKind = "send_failed"
	FailConfirmationTimeout FailureKind = "confirmation_timeout"
	FailSignerUnreachable   FailureKind = "signer_unreachable"
	FailSignerRejected      FailureKind = "signer_rejected"
	FailRPCError            FailureKind = "rpc_error"
)

// Retryable reports whether a caller should regenerate a fresh transaction
// and try again. Never resubmit the old signed transaction.
func (k FailureKind) Retryable() bool {
	switch k {
	case FailBlockhashExpired, FailConfirmationTimeout, FailSignerUnreachable, FailRPCError:
		return true
	}
	return false
}

// SubmitError is a classified submission failure
type SubmitError struct {
	Kind FailureKind
	Err  error
}

func (e *SubmitError) Error() string {
	if e.Err == nil {
		return string(e.Kind)
	}
	return string(e.Kind) + ": " + e.Err.Error()
}

func (e *SubmitError) Unwrap() error { return e.Err }

// NewSubmitError wraps err with a failure kind
func NewSubmitError(kind FailureKind, err error) *SubmitError {
	return &SubmitError{Kind: kind, Err: err}
}

// KindOf extracts the failure kind from an error chain, classifying raw RPC
// errors when no explicit kind was attached.
func KindOf(err error) FailureKind {
	if err == nil {
		return ""
	}
	var se *SubmitError
	if errors.As(err, &se) {
		return se.Kind
	}
	return Classify(err)
}

// Classify maps a raw RPC/send error onto the failure taxonomy by message
// pattern. Patterns follow what mainnet RPC providers actually return.
func Classify(err error) FailureKind {
	if err == nil {
		return ""
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return FailConfirmationTimeout
	}

	raw := strings.ToLower(err.Error())
	switch {
	case strings.Contains(raw, "blockhash not found"),
		strings.Contains(raw, "block height exceeded"):
		return FailBlockhashExpired

	case strings.Contains(raw, "simulation failed"),
		strings.Contains(raw, "transaction simulation"):
		return FailSimulationFailed

	case strings.Contains(raw, "insufficient funds"),
		strings.Contains(raw, "insufficient lamports"),
		strings.Contains(raw, "no record of a prior credit"),
		strings.Contains(raw, "slippage"),
		strings.Contains(raw, "custom program error"),
		strings.Contains(raw, "account not found"):
		return FailSendFailed

	case strings.Contains(raw, "timeout"),
		strings.Contains(raw, "deadline exceeded"):
		return FailConfirmationTimeout

	case strings.Contains(raw, "429"),
		strings.Contains(raw, "rate limit"),
		strings.Contains(raw, "connection refused"),
		strings.Contains(raw, "http status 5"):
		return FailRPCError

	default:
		return FailSendFailed
	}
}
