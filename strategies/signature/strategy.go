// Package signature implements the trusted-signer charge strategy: a call is
// admitted iff its approval blob was signed by the configured trusted signer
// over the canonical call digest. The strategy is free: reserve and settle
// are no-ops that move no funds. Authorization cost is shifted entirely
// off-chain onto the backend that pre-signs approvals; this strategy does
// cryptographic verification, not policy.
package signature

import (
	"context"
	"crypto/ecdsa"
	"encoding/json"
	"fmt"
	"math/big"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"

	"github.com/relaykit/relaymeter"
	"github.com/relaykit/relaymeter/internal/approval"
)

// Name is the strategy identifier.
const Name = "signature"

// Strategy is a free ChargeStrategy gated on a single trusted signer.
type Strategy struct {
	chainID *big.Int

	// trustedSigner is a single-writer field. Mutation authority (who may
	// call SetTrustedSigner) is an access-control concern external to this
	// engine.
	mu            sync.RWMutex
	trustedSigner common.Address
}

// signerContext is the opaque context threaded through the phases. It
// carries the recovered approver; the controller never looks inside.
type signerContext struct {
	Approver string `json:"approver"`
}

// New creates a signature strategy for the given chain with the given
// trusted signer address.
func New(chainID *big.Int, trustedSigner string) (*Strategy, error) {
	if chainID == nil || chainID.Sign() <= 0 {
		return nil, fmt.Errorf("chain id must be positive")
	}
	if !common.IsHexAddress(trustedSigner) {
		return nil, fmt.Errorf("invalid trusted signer address %q", trustedSigner)
	}
	return &Strategy{
		chainID:       new(big.Int).Set(chainID),
		trustedSigner: common.HexToAddress(trustedSigner),
	}, nil
}

// Name implements relaymeter.ChargeStrategy.
func (s *Strategy) Name() string {
	return Name
}

// TrustedSigner returns the currently trusted signer.
func (s *Strategy) TrustedSigner() common.Address {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.trustedSigner
}

// SetTrustedSigner replaces the trusted signer. Callers must gate this with
// their own ownership check; the engine does not.
func (s *Strategy) SetTrustedSigner(addr string) error {
	if !common.IsHexAddress(addr) {
		return fmt.Errorf("invalid trusted signer address %q", addr)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.trustedSigner = common.HexToAddress(addr)
	return nil
}

// Evaluate implements relaymeter.ChargeStrategy. It recomputes the canonical
// digest of the call's parameters, recovers the signer from the approval
// blob, and compares to the trusted signer. A mismatch, or any malformation
// of the blob or of the call fields the digest covers, rejects with
// INVALID_SIGNER.
func (s *Strategy) Evaluate(_ context.Context, call *relaymeter.RelayedCall) (*relaymeter.ApprovalDecision, error) {
	params, err := approval.FromCall(call)
	if err != nil {
		return &relaymeter.ApprovalDecision{
			Approved: false,
			Reason:   relaymeter.ErrCodeInvalidSigner,
		}, nil
	}

	callID, err := approval.CallID(s.chainID, params)
	if err != nil {
		return nil, fmt.Errorf("digest computation failed: %w", err)
	}

	reject := &relaymeter.ApprovalDecision{
		CallID:   callID,
		Approved: false,
		Reason:   relaymeter.ErrCodeInvalidSigner,
	}

	blob, err := hexutil.Decode(call.Approval)
	if err != nil {
		return reject, nil
	}

	approver, err := approval.RecoverApprover(s.chainID, params, blob)
	if err != nil {
		return reject, nil
	}

	if approver != s.TrustedSigner() {
		return reject, nil
	}

	ctxBytes, err := json.Marshal(signerContext{Approver: approver.Hex()})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal strategy context: %w", err)
	}

	return &relaymeter.ApprovalDecision{
		CallID:            callID,
		Approved:          true,
		Payer:             "",
		MaxPossibleCharge: "0",
		TransactionFee:    "0",
		GasPrice:          call.GasPrice,
		Context:           ctxBytes,
	}, nil
}

// Reserve implements relaymeter.ChargeStrategy. The strategy is free, so the
// reservation is zero and no funds move.
func (s *Strategy) Reserve(_ context.Context, decision *relaymeter.ApprovalDecision) (*relaymeter.Reservation, error) {
	if decision == nil || !decision.Approved {
		return nil, relaymeter.NewRelayError(relaymeter.ErrCodePhaseOrder,
			"reserve called on a rejected decision", relaymeter.ErrPhaseOrder)
	}
	return &relaymeter.Reservation{
		CallID:         decision.CallID,
		Payer:          "",
		AmountReserved: "0",
		Context:        decision.Context,
	}, nil
}

// Settle implements relaymeter.ChargeStrategy. Nothing was reserved, nothing
// is refunded; any actual cost is absorbed by the recipient.
func (s *Strategy) Settle(_ context.Context, reservation *relaymeter.Reservation, actualCost *big.Int) (*relaymeter.RefundResult, error) {
	if reservation == nil {
		return nil, relaymeter.NewRelayError(relaymeter.ErrCodePhaseOrder,
			"settle called without a reservation", relaymeter.ErrPhaseOrder)
	}
	return &relaymeter.RefundResult{
		CallID:     reservation.CallID,
		Payer:      "",
		ActualCost: actualCost.String(),
		Refunded:   "0",
	}, nil
}

// SignApproval signs the canonical digest of call with privateKey and
// returns the 0x-hex approval blob. This is the helper the off-chain
// approval backend uses; the engine itself never signs.
func SignApproval(privateKey *ecdsa.PrivateKey, chainID *big.Int, call *relaymeter.RelayedCall) (string, error) {
	params, err := approval.FromCall(call)
	if err != nil {
		return "", err
	}
	blob, err := approval.Sign(privateKey, chainID, params)
	if err != nil {
		return "", err
	}
	return hexutil.Encode(blob), nil
}

// CallID computes the canonical call identity for the given chain, as used
// in decisions and reservations.
func CallID(chainID *big.Int, call *relaymeter.RelayedCall) (string, error) {
	params, err := approval.FromCall(call)
	if err != nil {
		return "", err
	}
	return approval.CallID(chainID, params)
}
