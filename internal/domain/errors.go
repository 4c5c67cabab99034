package domain

import (
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
)

// ErrNotFound signals a referenced record that exists neither locally nor on
// the ledger. Wrap it with context via fmt.Errorf("...: %w", ErrNotFound).
var ErrNotFound = errors.New("record not found")

// ErrConcurrencyConflict is the internal sentinel for a lost conditional
// write. It must be resolved by re-reading and never surfaced to callers.
var ErrConcurrencyConflict = errors.New("conditional write lost race")

// ValidationError reports malformed input. Never retried.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

// ChainError is a failure talking to a ledger. Transient failures are
// retryable; reverted means the ledger definitively rejected the submission.
type ChainError struct {
	Chain    Chain
	Op       string
	Reverted bool
	Reason   string
	Err      error
}

func (e *ChainError) Error() string {
	kind := "transient"
	if e.Reverted {
		kind = "reverted"
	}
	if e.Reason != "" {
		return fmt.Sprintf("%s %s failed (%s): %s", e.Chain, e.Op, kind, e.Reason)
	}
	return fmt.Sprintf("%s %s failed (%s): %v", e.Chain, e.Op, kind, e.Err)
}

func (e *ChainError) Unwrap() error { return e.Err }

// IsTransientChainError reports whether err is a retryable ledger failure.
func IsTransientChainError(err error) bool {
	var ce *ChainError
	return errors.As(err, &ce) && !ce.Reverted
}

// IsRevertedChainError reports whether the ledger explicitly rejected the call.
func IsRevertedChainError(err error) bool {
	var ce *ChainError
	return errors.As(err, &ce) && ce.Reverted
}

// PriceDivergenceError blocks settlement when the current market price moved
// outside tolerance relative to the offer's snapshot. The offer keeps its
// prior state and may be retried within its validity window.
type PriceDivergenceError struct {
	TokenID       string
	CandidateUSD  decimal.Decimal
	AggregatedUSD decimal.Decimal
	DivergencePct decimal.Decimal
	ThresholdPct  decimal.Decimal
}

func (e *PriceDivergenceError) Error() string {
	direction := "below"
	if e.CandidateUSD.GreaterThan(e.AggregatedUSD) {
		direction = "above"
	}
	return fmt.Sprintf("price protection rejected %s: candidate $%s is %s%% %s aggregated $%s (threshold %s%%)",
		e.TokenID,
		e.CandidateUSD.StringFixed(6),
		e.DivergencePct.StringFixed(2),
		direction,
		e.AggregatedUSD.StringFixed(6),
		e.ThresholdPct.StringFixed(2),
	)
}

// InfrastructureError reports a store or oracle that stayed unavailable after
// retries. No partial ledger-observed state was written when it is returned.
type InfrastructureError struct {
	System string
	Err    error
}

func (e *InfrastructureError) Error() string {
	return fmt.Sprintf("%s unavailable: %v", e.System, e.Err)
}

func (e *InfrastructureError) Unwrap() error { return e.Err }
