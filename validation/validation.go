// Package validation provides untrusted-input checks for relayed-call data.
// The controller runs these before any strategy sees a call; strategies may
// also use them standalone.
package validation

import (
	"fmt"
	"math/big"
	"regexp"

	"github.com/relaykit/relaymeter"
)

var (
	// addressRegex matches Ethereum-style addresses (0x followed by 40 hex chars)
	addressRegex = regexp.MustCompile(`^0x[a-fA-F0-9]{40}$`)

	// hexBlobRegex matches 0x-prefixed hex blobs of even length, including "0x"
	hexBlobRegex = regexp.MustCompile(`^0x(?:[a-fA-F0-9]{2})*$`)
)

// approvalBlobLen is the hex string length of a 65-byte secp256k1 signature.
const approvalBlobLen = 2 + 65*2

// ValidateAmount validates that an amount string is a valid non-negative
// integer. Zero amounts are allowed for free strategies.
func ValidateAmount(amount string) error {
	if amount == "" {
		return fmt.Errorf("amount cannot be empty")
	}

	// Parse as big.Int to handle large values
	amt, ok := new(big.Int).SetString(amount, 10)
	if !ok {
		return fmt.Errorf("invalid amount format: %s", amount)
	}

	if amt.Sign() < 0 {
		return fmt.Errorf("amount cannot be negative, got: %s", amount)
	}

	return nil
}

// ValidateAddress validates a 0x-prefixed hex address.
func ValidateAddress(address string) error {
	if address == "" {
		return fmt.Errorf("address cannot be empty")
	}
	if !addressRegex.MatchString(address) {
		return fmt.Errorf("invalid address format: %s (expected 0x followed by 40 hex characters)", address)
	}
	return nil
}

// ValidateHexBlob validates a 0x-prefixed hex blob. The empty blob "0x" is
// valid.
func ValidateHexBlob(blob string) error {
	if blob == "" {
		return fmt.Errorf("hex blob cannot be empty")
	}
	if !hexBlobRegex.MatchString(blob) {
		return fmt.Errorf("invalid hex blob: %s", blob)
	}
	return nil
}

// ValidateCall performs comprehensive validation of a relayed call. It
// checks the caller address, payload shape, gas fields and nonce, and, when
// present, the fee cap and the approval blob length. The approval blob is
// optional because not every strategy uses one.
func ValidateCall(call *relaymeter.RelayedCall) error {
	if call == nil {
		return fmt.Errorf("call is nil")
	}

	if err := ValidateAddress(call.Caller); err != nil {
		return fmt.Errorf("invalid call: caller: %w", err)
	}

	if err := ValidateHexBlob(call.Payload); err != nil {
		return fmt.Errorf("invalid call: payload: %w", err)
	}

	if err := ValidateAmount(call.GasLimit); err != nil {
		return fmt.Errorf("invalid call: gas limit: %w", err)
	}

	if err := ValidateAmount(call.GasPrice); err != nil {
		return fmt.Errorf("invalid call: gas price: %w", err)
	}

	if err := ValidateAmount(call.Nonce); err != nil {
		return fmt.Errorf("invalid call: nonce: %w", err)
	}

	// MaxFee is optional; empty means no cap.
	if call.MaxFee != "" {
		if err := ValidateAmount(call.MaxFee); err != nil {
			return fmt.Errorf("invalid call: max fee: %w", err)
		}
	}

	// Approval is optional; when present it must be a 65-byte signature.
	if call.Approval != "" {
		if err := ValidateHexBlob(call.Approval); err != nil {
			return fmt.Errorf("invalid call: approval: %w", err)
		}
		if len(call.Approval) != approvalBlobLen {
			return fmt.Errorf("invalid call: approval: expected 65-byte signature, got %d hex chars", len(call.Approval)-2)
		}
	}

	return nil
}
