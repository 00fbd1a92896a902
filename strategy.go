package relaymeter

import (
	"context"
	"math/big"
)

// ChargeStrategy decides admission and payer charging for relayed calls.
// Implementations must be safe for concurrent use; a single strategy
// instance serves every in-flight call of a recipient.
//
// The three phases are driven strictly in order by the controller:
// Evaluate at most once per call, Reserve at most once per approved call and
// before the protected call executes, Settle exactly once per reserved call
// regardless of whether the protected call succeeded.
type ChargeStrategy interface {
	// Name returns a short strategy identifier for logging and the
	// supported-capabilities surface.
	Name() string

	// Evaluate makes the admit/reject decision for a call. It may read but
	// never mutate external ledger state, and must be deterministic given
	// the same call and the same external state snapshot. Rejections are
	// returned as a decision with Approved=false, not as an error; errors
	// are reserved for malfunction (e.g. an unreachable ledger).
	Evaluate(ctx context.Context, call *RelayedCall) (*ApprovalDecision, error)

	// Reserve charges the worst case for an approved decision. Free
	// strategies return a zero reservation and move no funds. A failed
	// transfer (the payer's balance changed since Evaluate) fails with a
	// RelayError carrying ErrCodeInsufficientFunds; this is an expected
	// outcome, not an invariant break, because Evaluate and Reserve are not
	// atomic with respect to concurrent calls against the same payer.
	Reserve(ctx context.Context, decision *ApprovalDecision) (*Reservation, error)

	// Settle reconciles a reservation against the final true cost, in
	// atomic fee units, refunding the difference to the payer. It fails
	// with a RelayError carrying ErrCodeUnderflow if actualCost exceeds the
	// reservation; that is unreachable under correct orchestration and is
	// an internal invariant violation. A failed refund transfer is reported
	// alongside the result but does not reverse the protected call.
	Settle(ctx context.Context, reservation *Reservation, actualCost *big.Int) (*RefundResult, error)
}

// CostFunc computes the final true cost of a call, in atomic fee units, from
// real execution metrics. Any cost formula is an approximation of the
// recipient's true overhead; deployments tune it rather than this engine
// guessing exactness.
type CostFunc func(gasUsed, gasPrice, transactionFee *big.Int) *big.Int

// DefaultCostFunc returns the reference cost formula:
//
//	gasUsed*gasPrice + overhead + transactionFee
//
// where overhead is a flat per-call allowance for recipient processing that
// is not captured by metered gas. A nil overhead counts as zero.
func DefaultCostFunc(overhead *big.Int) CostFunc {
	if overhead == nil {
		overhead = new(big.Int)
	}
	fixed := new(big.Int).Set(overhead)
	return func(gasUsed, gasPrice, transactionFee *big.Int) *big.Int {
		cost := new(big.Int).Mul(gasUsed, gasPrice)
		cost.Add(cost, fixed)
		if transactionFee != nil {
			cost.Add(cost, transactionFee)
		}
		return cost
	}
}
