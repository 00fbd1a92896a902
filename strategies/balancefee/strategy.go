// Package balancefee implements the token-metered charge strategy: a call is
// admitted iff the payer's ledger balance covers the worst-case charge
// (gasLimit*gasPrice plus the fixed per-call transaction fee), the worst
// case is transferred into custody before the protected call runs, and the
// difference against the actual cost is refunded at settle time.
package balancefee

import (
	"context"
	"errors"
	"fmt"
	"math/big"

	"github.com/relaykit/relaymeter"
	"github.com/relaykit/relaymeter/internal/approval"
	"github.com/relaykit/relaymeter/ledger"
)

// Name is the strategy identifier.
const Name = "balance-fee"

// Strategy is a ChargeStrategy metering actual resource cost against a token
// ledger via reserve-then-refund accounting.
type Strategy struct {
	ledger      ledger.Ledger
	chainID     *big.Int
	tokenName   string
	tokenSymbol string

	// rate converts atomic fee units to atomic token units. Token amounts
	// are rounded up so a reservation always covers the fee-unit worst case.
	rate *big.Rat

	// transactionFee is the fixed per-call fee in atomic fee units.
	transactionFee *big.Int
}

// Option configures a Strategy.
type Option func(*Strategy) error

// WithToken sets the token identity of this strategy instance.
func WithToken(name, symbol string) Option {
	return func(s *Strategy) error {
		s.tokenName = name
		s.tokenSymbol = symbol
		return nil
	}
}

// WithExchangeRate sets the token-per-fee-unit exchange rate. The reference
// deployment uses 1:1; any positive rational is accepted.
func WithExchangeRate(rate *big.Rat) Option {
	return func(s *Strategy) error {
		if rate == nil || rate.Sign() <= 0 {
			return fmt.Errorf("exchange rate must be positive")
		}
		s.rate = new(big.Rat).Set(rate)
		return nil
	}
}

// WithTransactionFee sets the fixed per-call fee in atomic fee units.
func WithTransactionFee(fee *big.Int) Option {
	return func(s *Strategy) error {
		if fee == nil || fee.Sign() < 0 {
			return fmt.Errorf("transaction fee must be non-negative")
		}
		s.transactionFee = new(big.Int).Set(fee)
		return nil
	}
}

// New creates a balance-fee strategy charging against l.
func New(l ledger.Ledger, chainID *big.Int, opts ...Option) (*Strategy, error) {
	if l == nil {
		return nil, fmt.Errorf("ledger is required")
	}
	if chainID == nil || chainID.Sign() <= 0 {
		return nil, fmt.Errorf("chain id must be positive")
	}

	s := &Strategy{
		ledger:         l,
		chainID:        new(big.Int).Set(chainID),
		tokenName:      "Relay Token",
		tokenSymbol:    "RLT",
		rate:           big.NewRat(1, 1),
		transactionFee: new(big.Int),
	}

	for _, opt := range opts {
		if err := opt(s); err != nil {
			return nil, err
		}
	}

	return s, nil
}

// Name implements relaymeter.ChargeStrategy.
func (s *Strategy) Name() string {
	return Name
}

// TokenName returns the configured token name.
func (s *Strategy) TokenName() string { return s.tokenName }

// TokenSymbol returns the configured token symbol.
func (s *Strategy) TokenSymbol() string { return s.tokenSymbol }

// toTokens converts an amount in atomic fee units to atomic token units,
// rounding up so reservations never undershoot the fee-unit worst case.
func (s *Strategy) toTokens(feeUnits *big.Int) *big.Int {
	num := new(big.Int).Mul(feeUnits, s.rate.Num())
	den := s.rate.Denom()
	// ceil(num/den)
	num.Add(num, new(big.Int).Sub(den, big.NewInt(1)))
	return num.Div(num, den)
}

// maxPossibleCharge computes the worst case in fee units, assuming the
// protected call consumes its entire gas allowance.
func (s *Strategy) maxPossibleCharge(p *approval.Params) *big.Int {
	charge := new(big.Int).Mul(p.GasLimit, p.GasPrice)
	return charge.Add(charge, s.transactionFee)
}

// Evaluate implements relaymeter.ChargeStrategy. It reads the payer balance
// once; the read may be stale by the time Reserve runs, which Reserve
// handles as an ordinary InsufficientFunds failure.
func (s *Strategy) Evaluate(ctx context.Context, call *relaymeter.RelayedCall) (*relaymeter.ApprovalDecision, error) {
	params, err := approval.FromCall(call)
	if err != nil {
		return &relaymeter.ApprovalDecision{
			Approved: false,
			Reason:   relaymeter.ErrCodeMalformedCall,
		}, nil
	}

	callID, err := approval.CallID(s.chainID, params)
	if err != nil {
		return nil, fmt.Errorf("digest computation failed: %w", err)
	}

	maxCharge := s.maxPossibleCharge(params)

	if call.MaxFee != "" {
		maxFee, err := relaymeter.ParseAmount(call.MaxFee)
		if err != nil {
			return &relaymeter.ApprovalDecision{
				CallID:   callID,
				Approved: false,
				Reason:   relaymeter.ErrCodeMalformedCall,
			}, nil
		}
		if maxCharge.Cmp(maxFee) > 0 {
			return &relaymeter.ApprovalDecision{
				CallID:   callID,
				Approved: false,
				Reason:   relaymeter.ErrCodeFeeExceedsMax,
			}, nil
		}
	}

	balance, err := s.ledger.BalanceOf(ctx, call.Caller)
	if err != nil {
		return nil, fmt.Errorf("balance read failed: %w", err)
	}

	// Exact boundary approves: balance == worst case is enough.
	if balance.Cmp(s.toTokens(maxCharge)) < 0 {
		return &relaymeter.ApprovalDecision{
			CallID:   callID,
			Approved: false,
			Reason:   relaymeter.ErrCodeInsufficientBalance,
		}, nil
	}

	return &relaymeter.ApprovalDecision{
		CallID:            callID,
		Approved:          true,
		Payer:             call.Caller,
		MaxPossibleCharge: maxCharge.String(),
		TransactionFee:    s.transactionFee.String(),
		GasPrice:          call.GasPrice,
	}, nil
}

// Reserve implements relaymeter.ChargeStrategy. It transfers the worst-case
// charge from the payer into custody. A failed transfer (typically the
// payer's balance dropped between Evaluate and Reserve) is an expected,
// recoverable rejection, surfaced as InsufficientFunds with no partial
// transfer.
func (s *Strategy) Reserve(ctx context.Context, decision *relaymeter.ApprovalDecision) (*relaymeter.Reservation, error) {
	if decision == nil || !decision.Approved {
		return nil, relaymeter.NewRelayError(relaymeter.ErrCodePhaseOrder,
			"reserve called on a rejected decision", relaymeter.ErrPhaseOrder)
	}

	maxCharge, err := relaymeter.ParseAmount(decision.MaxPossibleCharge)
	if err != nil {
		return nil, err
	}
	tokens := s.toTokens(maxCharge)

	if err := s.ledger.TransferInto(ctx, decision.Payer, tokens); err != nil {
		if errors.Is(err, ledger.ErrInsufficientBalance) {
			return nil, relaymeter.NewRelayError(relaymeter.ErrCodeInsufficientFunds,
				"worst-case charge transfer failed", relaymeter.ErrInsufficientFunds).
				WithDetails("payer", decision.Payer).
				WithDetails("amount", tokens.String())
		}
		return nil, fmt.Errorf("reservation transfer failed: %w", err)
	}

	return &relaymeter.Reservation{
		CallID:         decision.CallID,
		Payer:          decision.Payer,
		AmountReserved: tokens.String(),
		Context:        decision.Context,
	}, nil
}

// Settle implements relaymeter.ChargeStrategy. The refund is the reserved
// amount minus the actual cost; by the reservation's worst-case bound it is
// never negative under correct orchestration, and a negative result fails
// loudly with Underflow instead of wrapping around. A failed refund transfer
// is returned as an error alongside the result; the protected call already
// ran and is not reversed.
func (s *Strategy) Settle(ctx context.Context, reservation *relaymeter.Reservation, actualCost *big.Int) (*relaymeter.RefundResult, error) {
	if reservation == nil {
		return nil, relaymeter.NewRelayError(relaymeter.ErrCodePhaseOrder,
			"settle called without a reservation", relaymeter.ErrPhaseOrder)
	}
	if actualCost == nil || actualCost.Sign() < 0 {
		return nil, relaymeter.NewRelayError(relaymeter.ErrCodeMalformedCall,
			"actual cost must be non-negative", relaymeter.ErrInvalidAmount)
	}

	reserved, err := relaymeter.ParseAmount(reservation.AmountReserved)
	if err != nil {
		return nil, err
	}

	actualTokens := s.toTokens(actualCost)
	if actualTokens.Cmp(reserved) > 0 {
		return nil, relaymeter.NewRelayError(relaymeter.ErrCodeUnderflow,
			"actual cost exceeds reserved amount", relaymeter.ErrUnderflow).
			WithDetails("reserved", reserved.String()).
			WithDetails("actualCost", actualCost.String())
	}

	refund := new(big.Int).Sub(reserved, actualTokens)
	result := &relaymeter.RefundResult{
		CallID:     reservation.CallID,
		Payer:      reservation.Payer,
		ActualCost: actualCost.String(),
		Refunded:   refund.String(),
	}

	if refund.Sign() > 0 {
		if err := s.ledger.TransferOut(ctx, reservation.Payer, refund); err != nil {
			result.Refunded = "0"
			return result, fmt.Errorf("%w: %v", relaymeter.ErrRefundFailed, err)
		}
	}

	return result, nil
}
