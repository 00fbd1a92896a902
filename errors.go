package relaymeter

import "errors"

// Sentinel errors for relayed-call protocol operations.
var (
	// ErrInvalidSigner indicates the approval blob was not signed by the
	// trusted signer, or could not be recovered at all.
	ErrInvalidSigner = errors.New("relaymeter: approval not signed by trusted signer")

	// ErrInsufficientBalance indicates the payer's balance is below the
	// worst-case charge at evaluate time.
	ErrInsufficientBalance = errors.New("relaymeter: payer balance below worst-case charge")

	// ErrUnauthorizedCaller indicates a protocol phase was invoked by an
	// identity other than the configured relay gateway.
	ErrUnauthorizedCaller = errors.New("relaymeter: caller is not the configured relay gateway")

	// ErrInsufficientFunds indicates the reservation transfer failed, e.g.
	// the payer's balance changed between evaluate and reserve.
	ErrInsufficientFunds = errors.New("relaymeter: reservation transfer failed")

	// ErrUnderflow indicates the actual cost handed to settle exceeds the
	// reserved amount. This is an internal invariant violation, never a
	// user error.
	ErrUnderflow = errors.New("relaymeter: actual cost exceeds reserved amount")

	// ErrFeeExceedsMax indicates the worst-case charge exceeds the caller's
	// declared fee cap.
	ErrFeeExceedsMax = errors.New("relaymeter: worst-case charge exceeds caller fee cap")

	// ErrMalformedApproval indicates the approval blob is not a well-formed
	// signature.
	ErrMalformedApproval = errors.New("relaymeter: malformed approval blob")

	// ErrInvalidAmount indicates a malformed or negative amount string.
	ErrInvalidAmount = errors.New("relaymeter: invalid amount")

	// ErrInvalidCall indicates a relayed call failed input validation.
	ErrInvalidCall = errors.New("relaymeter: invalid relayed call")

	// ErrPhaseOrder indicates a protocol phase was invoked out of order for
	// a call (reserve before evaluate, settle before reserve, or a repeated
	// phase).
	ErrPhaseOrder = errors.New("relaymeter: protocol phase out of order")

	// ErrRefundFailed indicates the settle-phase refund transfer failed.
	// The protected call is not reversed; the failure is only reported.
	ErrRefundFailed = errors.New("relaymeter: refund transfer failed")

	// ErrControllerUnavailable indicates the remote controller endpoint
	// could not be reached.
	ErrControllerUnavailable = errors.New("relaymeter: controller endpoint unavailable")

	// ErrEvaluationFailed indicates a remote evaluate request failed.
	ErrEvaluationFailed = errors.New("relaymeter: evaluation request failed")

	// ErrSettlementFailed indicates a remote settle request failed.
	ErrSettlementFailed = errors.New("relaymeter: settlement request failed")
)

// ErrorCode is a stable string code surfaced to the relay gateway. The
// values are part of the wire contract and must not change.
type ErrorCode string

const (
	// ErrCodeInvalidSigner rejects a call whose approval was not signed by
	// the trusted signer.
	ErrCodeInvalidSigner ErrorCode = "INVALID_SIGNER"

	// ErrCodeInsufficientBalance rejects a call whose payer cannot cover
	// the worst-case charge.
	ErrCodeInsufficientBalance ErrorCode = "INSUFFICIENT_BALANCE"

	// ErrCodeFeeExceedsMax rejects a call whose worst-case charge exceeds
	// the caller's declared fee cap.
	ErrCodeFeeExceedsMax ErrorCode = "FEE_EXCEEDS_MAX"

	// ErrCodeUnauthorizedCaller reports a phase invocation from an identity
	// other than the configured relay gateway.
	ErrCodeUnauthorizedCaller ErrorCode = "UnauthorizedCaller"

	// ErrCodeInsufficientFunds reports a failed reservation transfer.
	ErrCodeInsufficientFunds ErrorCode = "InsufficientFunds"

	// ErrCodeUnderflow reports a settle whose actual cost exceeds the
	// reservation. Internal invariant violation.
	ErrCodeUnderflow ErrorCode = "Underflow"

	// ErrCodePhaseOrder reports an out-of-order or repeated phase.
	ErrCodePhaseOrder ErrorCode = "PhaseOrder"

	// ErrCodeMalformedCall reports a relayed call that failed input
	// validation before any strategy saw it.
	ErrCodeMalformedCall ErrorCode = "MalformedCall"
)

// RelayError provides structured error information with a stable code.
type RelayError struct {
	// Code is the stable error code for programmatic handling.
	Code ErrorCode

	// Message is the human-readable error message.
	Message string

	// Details contains additional error context.
	Details map[string]interface{}

	// Err is the underlying error.
	Err error
}

// Error implements the error interface.
func (e *RelayError) Error() string {
	if e.Err != nil {
		return e.Message + ": " + e.Err.Error()
	}
	return e.Message
}

// Unwrap returns the underlying error.
func (e *RelayError) Unwrap() error {
	return e.Err
}

// NewRelayError creates a RelayError with the given code and message.
func NewRelayError(code ErrorCode, message string, err error) *RelayError {
	return &RelayError{
		Code:    code,
		Message: message,
		Err:     err,
		Details: make(map[string]interface{}),
	}
}

// WithDetails adds additional context to the error.
// Lazily initializes the Details map if nil.
func (e *RelayError) WithDetails(key string, value interface{}) *RelayError {
	if e.Details == nil {
		e.Details = make(map[string]interface{})
	}
	e.Details[key] = value
	return e
}

// CodeOf extracts the stable error code from err, if it is or wraps a
// RelayError. Returns the empty code otherwise.
func CodeOf(err error) ErrorCode {
	var re *RelayError
	if errors.As(err, &re) {
		return re.Code
	}
	return ""
}
