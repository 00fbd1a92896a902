package relaymeter

import (
	"fmt"
	"time"
)

// TimeoutConfig holds timeout configuration for protocol transport
// operations.
type TimeoutConfig struct {
	// EvaluateTimeout is the maximum time to wait for an evaluate decision.
	EvaluateTimeout time.Duration

	// SettleTimeout is the maximum time to wait for reserve and settle,
	// which move funds and may be slower than a pure decision.
	SettleTimeout time.Duration

	// RequestTimeout is the overall timeout for HTTP requests.
	RequestTimeout time.Duration
}

// DefaultTimeouts provides sensible defaults for protocol operations.
var DefaultTimeouts = TimeoutConfig{
	EvaluateTimeout: 5 * time.Second,
	SettleTimeout:   60 * time.Second,
	RequestTimeout:  120 * time.Second,
}

// WithEvaluateTimeout returns a new TimeoutConfig with updated evaluate timeout.
func (tc TimeoutConfig) WithEvaluateTimeout(d time.Duration) TimeoutConfig {
	tc.EvaluateTimeout = d
	return tc
}

// WithSettleTimeout returns a new TimeoutConfig with updated settle timeout.
func (tc TimeoutConfig) WithSettleTimeout(d time.Duration) TimeoutConfig {
	tc.SettleTimeout = d
	return tc
}

// WithRequestTimeout returns a new TimeoutConfig with updated request timeout.
func (tc TimeoutConfig) WithRequestTimeout(d time.Duration) TimeoutConfig {
	tc.RequestTimeout = d
	return tc
}

// Validate ensures timeout values are reasonable.
func (tc TimeoutConfig) Validate() error {
	if tc.EvaluateTimeout <= 0 {
		return fmt.Errorf("evaluate timeout must be positive, got %v", tc.EvaluateTimeout)
	}
	if tc.SettleTimeout <= 0 {
		return fmt.Errorf("settle timeout must be positive, got %v", tc.SettleTimeout)
	}
	if tc.RequestTimeout <= 0 {
		return fmt.Errorf("request timeout must be positive, got %v", tc.RequestTimeout)
	}
	if tc.SettleTimeout < tc.EvaluateTimeout {
		return fmt.Errorf("settle timeout (%v) should be >= evaluate timeout (%v)",
			tc.SettleTimeout, tc.EvaluateTimeout)
	}
	return nil
}
