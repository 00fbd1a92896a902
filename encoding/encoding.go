// Package encoding provides utilities for encoding and decoding relayed-call
// protocol data. It handles base64 and JSON marshaling for calls, decisions,
// reservations and refunds, for compact header and tool-argument transport.
package encoding

import (
	"encoding/base64"
	"encoding/json"
	"fmt"

	"github.com/relaykit/relaymeter"
)

// EncodeCall converts a RelayedCall to a base64-encoded JSON string.
func EncodeCall(call relaymeter.RelayedCall) (string, error) {
	callJSON, err := json.Marshal(call)
	if err != nil {
		return "", fmt.Errorf("failed to marshal call: %w", err)
	}
	return base64.StdEncoding.EncodeToString(callJSON), nil
}

// DecodeCall converts a base64-encoded JSON string to a RelayedCall.
func DecodeCall(encoded string) (relaymeter.RelayedCall, error) {
	var call relaymeter.RelayedCall

	decoded, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return call, fmt.Errorf("failed to decode base64: %w", err)
	}

	if err := json.Unmarshal(decoded, &call); err != nil {
		return call, fmt.Errorf("failed to unmarshal call: %w", err)
	}

	return call, nil
}

// EncodeDecision converts an ApprovalDecision to a base64-encoded JSON
// string. The opaque context survives the round trip byte for byte because
// it is carried as raw JSON.
func EncodeDecision(decision relaymeter.ApprovalDecision) (string, error) {
	decisionJSON, err := json.Marshal(decision)
	if err != nil {
		return "", fmt.Errorf("failed to marshal decision: %w", err)
	}
	return base64.StdEncoding.EncodeToString(decisionJSON), nil
}

// DecodeDecision converts a base64-encoded JSON string to an
// ApprovalDecision.
func DecodeDecision(encoded string) (relaymeter.ApprovalDecision, error) {
	var decision relaymeter.ApprovalDecision

	decoded, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return decision, fmt.Errorf("failed to decode base64: %w", err)
	}

	if err := json.Unmarshal(decoded, &decision); err != nil {
		return decision, fmt.Errorf("failed to unmarshal decision: %w", err)
	}

	return decision, nil
}

// EncodeReservation converts a Reservation to a base64-encoded JSON string.
func EncodeReservation(reservation relaymeter.Reservation) (string, error) {
	reservationJSON, err := json.Marshal(reservation)
	if err != nil {
		return "", fmt.Errorf("failed to marshal reservation: %w", err)
	}
	return base64.StdEncoding.EncodeToString(reservationJSON), nil
}

// DecodeReservation converts a base64-encoded JSON string to a Reservation.
func DecodeReservation(encoded string) (relaymeter.Reservation, error) {
	var reservation relaymeter.Reservation

	decoded, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return reservation, fmt.Errorf("failed to decode base64: %w", err)
	}

	if err := json.Unmarshal(decoded, &reservation); err != nil {
		return reservation, fmt.Errorf("failed to unmarshal reservation: %w", err)
	}

	return reservation, nil
}

// EncodeRefund converts a RefundResult to a base64-encoded JSON string.
// This is used for the X-RELAY-SETTLEMENT response header.
func EncodeRefund(refund relaymeter.RefundResult) (string, error) {
	refundJSON, err := json.Marshal(refund)
	if err != nil {
		return "", fmt.Errorf("failed to marshal refund: %w", err)
	}
	return base64.StdEncoding.EncodeToString(refundJSON), nil
}

// DecodeRefund converts a base64-encoded JSON string to a RefundResult.
func DecodeRefund(encoded string) (relaymeter.RefundResult, error) {
	var refund relaymeter.RefundResult

	decoded, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return refund, fmt.Errorf("failed to decode base64: %w", err)
	}

	if err := json.Unmarshal(decoded, &refund); err != nil {
		return refund, fmt.Errorf("failed to unmarshal refund: %w", err)
	}

	return refund, nil
}
