package relaymeter

import (
	"errors"
	"fmt"
	"testing"
)

func TestRelayError(t *testing.T) {
	t.Run("message includes the cause", func(t *testing.T) {
		err := NewRelayError(ErrCodeInsufficientFunds, "worst-case charge transfer failed", ErrInsufficientFunds)
		if err.Error() != "worst-case charge transfer failed: "+ErrInsufficientFunds.Error() {
			t.Errorf("Error() = %q", err.Error())
		}
	})

	t.Run("unwraps to the sentinel", func(t *testing.T) {
		err := NewRelayError(ErrCodeUnderflow, "actual cost exceeds reserved amount", ErrUnderflow)
		if !errors.Is(err, ErrUnderflow) {
			t.Error("errors.Is(err, ErrUnderflow) = false")
		}
	})

	t.Run("survives further wrapping", func(t *testing.T) {
		inner := NewRelayError(ErrCodePhaseOrder, "reserve without a prior evaluate", ErrPhaseOrder)
		wrapped := fmt.Errorf("handling request: %w", inner)

		if CodeOf(wrapped) != ErrCodePhaseOrder {
			t.Errorf("CodeOf() = %s; want %s", CodeOf(wrapped), ErrCodePhaseOrder)
		}
		if !errors.Is(wrapped, ErrPhaseOrder) {
			t.Error("errors.Is through the wrap = false")
		}
	})

	t.Run("details accumulate", func(t *testing.T) {
		err := NewRelayError(ErrCodeInsufficientFunds, "transfer failed", ErrInsufficientFunds).
			WithDetails("payer", "0xabc").
			WithDetails("amount", "50")
		if err.Details["payer"] != "0xabc" || err.Details["amount"] != "50" {
			t.Errorf("Details = %v", err.Details)
		}
	})

	t.Run("details initialize lazily", func(t *testing.T) {
		err := &RelayError{Code: ErrCodeMalformedCall, Message: "bad"}
		err.WithDetails("k", "v")
		if err.Details["k"] != "v" {
			t.Errorf("Details = %v", err.Details)
		}
	})
}

func TestCodeOf(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want ErrorCode
	}{
		{"relay error", NewRelayError(ErrCodeInvalidSigner, "bad signer", ErrInvalidSigner), ErrCodeInvalidSigner},
		{"plain error", errors.New("plain"), ""},
		{"nil", nil, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := CodeOf(tt.err); got != tt.want {
				t.Errorf("CodeOf() = %q; want %q", got, tt.want)
			}
		})
	}
}
