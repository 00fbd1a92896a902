// Package relaymeter implements a relayed-call authorization and metering
// engine: a decision layer between an untrusted call relay and a protected
// recipient. Per call, a pluggable ChargeStrategy decides whether to accept
// liability (evaluate), places a worst-case charge on the payer (reserve),
// and reconciles the reservation to the exact final cost once the protected
// call has run (settle, refunding the difference).
//
// Amounts travel as arbitrary-precision decimal strings in atomic fee units
// and are parsed to *big.Int for arithmetic. Identities are 0x-prefixed hex
// addresses. Payloads and approval blobs are 0x-prefixed hex.
package relaymeter

import (
	"encoding/json"
	"math/big"
)

// ProtocolVersion is the relayed-call protocol version.
const ProtocolVersion = 1

// RelayedCall is a caller's transaction as submitted by the relay gateway.
// Every field is attacker-controlled and must be treated as untrusted input.
// A call is immutable once submitted to evaluate.
type RelayedCall struct {
	// Caller is the end-user identity the relay fronts execution for
	// (0x-prefixed hex address).
	Caller string `json:"caller"`

	// Payload is the opaque call data, 0x-prefixed hex. Never interpreted
	// by this engine beyond digest computation.
	Payload string `json:"payload"`

	// GasLimit is the maximum gas the protected call may consume, as a
	// decimal string.
	GasLimit string `json:"gasLimit"`

	// GasPrice is the quoted price per gas unit in atomic fee units, as a
	// decimal string.
	GasPrice string `json:"gasPrice"`

	// MaxFee is the caller's cap on the total charge, as a decimal string.
	// Empty means no cap.
	MaxFee string `json:"maxFee,omitempty"`

	// Nonce is the caller-supplied replay discriminator, as a decimal string.
	Nonce string `json:"nonce"`

	// Approval is the strategy-specific approval blob. For the signature
	// strategy it is a 65-byte secp256k1 signature over the canonical call
	// digest, 0x-prefixed hex. Empty for strategies that do not use it.
	Approval string `json:"approval,omitempty"`
}

// ApprovalDecision is the tagged result of the evaluate phase. Either
// Approved is true and the charge fields are populated, or Approved is false
// and Reason carries the stable rejection code.
//
// Context is an opaque strategy-owned value threaded unchanged from evaluate
// into reserve and settle. The controller preserves it byte for byte and
// never inspects it.
type ApprovalDecision struct {
	// CallID identifies the call this decision was made for. It is the
	// hex-encoded canonical digest of the call's parameters.
	CallID string `json:"callId"`

	// Approved reports whether the recipient accepts liability for the call.
	Approved bool `json:"approved"`

	// Reason is the rejection code when Approved is false.
	Reason ErrorCode `json:"reason,omitempty"`

	// Payer is the identity charged for the call. Empty for free strategies.
	Payer string `json:"payer,omitempty"`

	// MaxPossibleCharge is the worst-case charge in atomic fee units, as a
	// decimal string. "0" for free strategies.
	MaxPossibleCharge string `json:"maxPossibleCharge,omitempty"`

	// TransactionFee is the fixed per-call fee in atomic fee units, as a
	// decimal string.
	TransactionFee string `json:"transactionFee,omitempty"`

	// GasPrice echoes the gas price the charge was computed against.
	GasPrice string `json:"gasPrice,omitempty"`

	// Context is the opaque strategy-owned value. Preserved byte for byte.
	Context json.RawMessage `json:"context,omitempty"`
}

// Reservation is a worst-case charge placed on a payer before the actual
// cost is known. Created exactly once per approved call, and always followed
// by exactly one settle.
type Reservation struct {
	// CallID identifies the call this reservation funds.
	CallID string `json:"callId"`

	// Payer is the identity the reserved amount was taken from. Empty for
	// free strategies.
	Payer string `json:"payer,omitempty"`

	// AmountReserved is the amount moved into custody, in atomic token
	// units, as a decimal string.
	AmountReserved string `json:"amountReserved"`

	// Context is the opaque strategy-owned value carried over from the
	// decision. Preserved byte for byte.
	Context json.RawMessage `json:"context,omitempty"`
}

// RefundResult is the outcome of the settle phase: the final reconciliation
// of actual cost against a reservation.
type RefundResult struct {
	// CallID identifies the settled call.
	CallID string `json:"callId"`

	// Payer is the identity that was charged.
	Payer string `json:"payer,omitempty"`

	// ActualCost is the final true cost in atomic fee units, as a decimal
	// string.
	ActualCost string `json:"actualCost"`

	// Refunded is the amount returned to the payer in atomic token units,
	// as a decimal string.
	Refunded string `json:"refunded"`
}

// ParseAmount parses a decimal amount string into a big.Int. It rejects
// empty, malformed and negative values with ErrInvalidAmount.
func ParseAmount(s string) (*big.Int, error) {
	if s == "" {
		return nil, NewRelayError(ErrCodeMalformedCall, "amount is empty", ErrInvalidAmount)
	}
	amt, ok := new(big.Int).SetString(s, 10)
	if !ok {
		return nil, NewRelayError(ErrCodeMalformedCall, "malformed amount "+s, ErrInvalidAmount)
	}
	if amt.Sign() < 0 {
		return nil, NewRelayError(ErrCodeMalformedCall, "negative amount "+s, ErrInvalidAmount)
	}
	return amt, nil
}
