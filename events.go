package relaymeter

import "time"

// RelayEventType represents the type of relayed-call lifecycle event.
type RelayEventType string

const (
	// RelayEventAttempt indicates a call entered the evaluate phase.
	RelayEventAttempt RelayEventType = "attempt"

	// RelayEventApproved indicates evaluate accepted liability for a call.
	RelayEventApproved RelayEventType = "approved"

	// RelayEventRejected indicates evaluate rejected a call.
	RelayEventRejected RelayEventType = "rejected"

	// RelayEventReserved indicates a worst-case charge was placed.
	RelayEventReserved RelayEventType = "reserved"

	// RelayEventSettled indicates a reservation was reconciled.
	RelayEventSettled RelayEventType = "settled"

	// RelayEventFailure indicates a phase failed.
	RelayEventFailure RelayEventType = "failure"
)

// RelayEvent represents a relayed-call lifecycle event. The controller emits
// one per phase transition for logging, metering and monitoring.
type RelayEvent struct {
	// Type is the event type.
	Type RelayEventType

	// Timestamp is when the event occurred.
	Timestamp time.Time

	// CallID identifies the call, when known.
	CallID string

	// Strategy is the name of the charge strategy handling the call.
	Strategy string

	// Payer is the identity being charged, when known.
	Payer string

	// Amount is the amount involved in the transition, as a decimal string:
	// the worst-case charge on approval/reserve, the refund on settle.
	Amount string

	// Reason is the stable rejection or failure code, when applicable.
	Reason ErrorCode

	// Error contains error details on failure events.
	Error error

	// Duration is the time taken by the phase.
	Duration time.Duration

	// Metadata contains additional context-specific information.
	Metadata map[string]interface{}
}

// RelayCallback is a function that handles relay lifecycle events.
// Callbacks are invoked synchronously during call processing, so they should
// be fast to avoid blocking the protocol. For longer operations, consider
// using goroutines within the callback.
type RelayCallback func(RelayEvent)
