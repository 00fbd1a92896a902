package http

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"net/http"
	"time"

	"github.com/relaykit/relaymeter"
	"github.com/relaykit/relaymeter/retry"
)

// AuthorizationProvider is a function that returns an Authorization header
// value. This is useful for dynamic tokens (e.g., JWT refresh) where the
// value may change.
//
// Thread-safety: The provider function is called on each HTTP request,
// including during retry attempts. If your provider accesses shared state or
// performs I/O (e.g., token refresh), ensure it is safe for concurrent use.
// The GatewayClient does not serialize calls to the provider.
type AuthorizationProvider func(*http.Request) string

// OnBeforeEvaluateFunc is a callback invoked before an evaluate request.
// Return an error to abort the operation.
type OnBeforeEvaluateFunc func(context.Context, *relaymeter.RelayedCall) error

// OnAfterEvaluateFunc is a callback invoked after an evaluate request
// completes, with the result (success or failure), for logging, metrics, etc.
type OnAfterEvaluateFunc func(context.Context, *relaymeter.RelayedCall, *relaymeter.ApprovalDecision, error)

// OnBeforeSettleFunc is a callback invoked before a settle request.
// Return an error to abort the operation.
type OnBeforeSettleFunc func(context.Context, *relaymeter.Reservation) error

// OnAfterSettleFunc is a callback invoked after a settle request completes.
type OnAfterSettleFunc func(context.Context, *relaymeter.Reservation, *relaymeter.RefundResult, error)

// GatewayClient is the relay gateway's client for a remote recipient
// controller. Only evaluate and the read-only capabilities query are ever
// retried, and only on transport-unavailable errors: reserve and settle move
// funds, and this protocol has no automatic retries for them; recovery is
// re-driving evaluate for a fresh attempt.
type GatewayClient struct {
	// BaseURL is the controller service URL.
	BaseURL string

	// Client is the HTTP client to use for requests. If nil,
	// http.DefaultClient is used.
	Client *http.Client

	// Timeouts contains timeout configuration for protocol operations.
	Timeouts relaymeter.TimeoutConfig

	// MaxRetries is the maximum number of retry attempts for unavailable
	// endpoints (default: 0). Set to 0 to disable retries.
	MaxRetries int

	// RetryDelay is the initial delay between retry attempts (default:
	// 100ms). Exponential backoff is applied with a multiplier of 2.0.
	RetryDelay time.Duration

	// Authorization is a static Authorization header value (e.g.,
	// "Bearer token"). If AuthorizationProvider is also set, the provider
	// takes precedence.
	Authorization string

	// AuthorizationProvider is a function that returns an Authorization
	// header value. If set, this takes precedence over the static
	// Authorization field.
	AuthorizationProvider AuthorizationProvider

	// OnBeforeEvaluate is called before the evaluate request starts.
	// If it returns an error, the operation is aborted immediately.
	OnBeforeEvaluate OnBeforeEvaluateFunc

	// OnAfterEvaluate is called after the evaluate request completes.
	OnAfterEvaluate OnAfterEvaluateFunc

	// OnBeforeSettle is called before the settle request starts.
	// If it returns an error, the operation is aborted immediately.
	OnBeforeSettle OnBeforeSettleFunc

	// OnAfterSettle is called after the settle request completes.
	OnAfterSettle OnAfterSettleFunc
}

// httpClient returns the HTTP client to use, defaulting to
// http.DefaultClient.
func (c *GatewayClient) httpClient() *http.Client {
	if c.Client != nil {
		return c.Client
	}
	return http.DefaultClient
}

// setAuthorizationHeader sets the Authorization header on the request if
// configured. Called per-request.
func (c *GatewayClient) setAuthorizationHeader(req *http.Request) {
	var authValue string
	if c.AuthorizationProvider != nil {
		authValue = c.AuthorizationProvider(req)
	} else if c.Authorization != "" {
		authValue = c.Authorization
	}
	if authValue != "" {
		req.Header.Set("Authorization", authValue)
	}
}

// retryConfig returns the retry configuration based on client settings.
func (c *GatewayClient) retryConfig() retry.Config {
	retryDelay := c.RetryDelay
	if retryDelay <= 0 {
		retryDelay = 100 * time.Millisecond
	}

	maxRetries := c.MaxRetries
	if maxRetries < 0 {
		maxRetries = 0
	}

	return retry.Config{
		MaxAttempts:  maxRetries + 1, // +1 because MaxRetries is retry count, not attempt count
		InitialDelay: retryDelay,
		MaxDelay:     retryDelay * 4,
		Multiplier:   2.0,
	}
}

func isUnavailableError(err error) bool {
	return errors.Is(err, relaymeter.ErrControllerUnavailable)
}

// withTimeout applies d to ctx only when ctx has no deadline already.
func withTimeout(ctx context.Context, d time.Duration) (context.Context, context.CancelFunc) {
	if _, hasDeadline := ctx.Deadline(); hasDeadline || d <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, d)
}

// post sends a JSON body to path and decodes a 200 response into out.
func (c *GatewayClient) post(ctx context.Context, path string, body, out interface{}, failure error) error {
	data, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("failed to marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, "POST", c.BaseURL+path, bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	c.setAuthorizationHeader(httpReq)

	httpResp, err := c.httpClient().Do(httpReq)
	if err != nil {
		return fmt.Errorf("%w: %v", relaymeter.ErrControllerUnavailable, err)
	}
	defer httpResp.Body.Close()

	if httpResp.StatusCode != http.StatusOK {
		return parseErrorResponse(httpResp, failure)
	}

	if err := json.NewDecoder(httpResp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}

// parseErrorResponse turns a non-200 response into a RelayError carrying the
// server's stable error code when present.
func parseErrorResponse(resp *http.Response, fallback error) error {
	var body ErrorResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil || body.Error == "" {
		return fmt.Errorf("%w: status %d", fallback, resp.StatusCode)
	}
	if body.ErrorCode != "" {
		return relaymeter.NewRelayError(body.ErrorCode, body.Error, fallback).
			WithDetails("status", resp.StatusCode)
	}
	return fmt.Errorf("%w: %s", fallback, body.Error)
}

// Evaluate submits a relayed call for a decision. Unavailable endpoints are
// retried per the client's retry settings; rejections are final.
func (c *GatewayClient) Evaluate(ctx context.Context, call *relaymeter.RelayedCall) (*relaymeter.ApprovalDecision, error) {
	if c.OnBeforeEvaluate != nil {
		if err := c.OnBeforeEvaluate(ctx, call); err != nil {
			return nil, err
		}
	}

	req := EvaluateRequest{ProtocolVersion: relaymeter.ProtocolVersion, Call: *call}

	decision, resultErr := retry.WithRetry(ctx, c.retryConfig(), isUnavailableError, func() (*relaymeter.ApprovalDecision, error) {
		reqCtx, cancel := withTimeout(ctx, c.Timeouts.EvaluateTimeout)
		defer cancel()

		var out relaymeter.ApprovalDecision
		if err := c.post(reqCtx, "/evaluate", req, &out, relaymeter.ErrEvaluationFailed); err != nil {
			return nil, err
		}
		return &out, nil
	})

	if c.OnAfterEvaluate != nil {
		c.OnAfterEvaluate(ctx, call, decision, resultErr)
	}

	return decision, resultErr
}

// Reserve places the worst-case charge for an approved decision. Never
// retried: a transport failure after the server committed funds would
// double-charge, and the protocol's recovery path is a fresh evaluate.
func (c *GatewayClient) Reserve(ctx context.Context, decision *relaymeter.ApprovalDecision) (*relaymeter.Reservation, error) {
	req := ReserveRequest{ProtocolVersion: relaymeter.ProtocolVersion, Decision: *decision}

	reqCtx, cancel := withTimeout(ctx, c.Timeouts.SettleTimeout)
	defer cancel()

	var out relaymeter.Reservation
	if err := c.post(reqCtx, "/reserve", req, &out, relaymeter.ErrInsufficientFunds); err != nil {
		return nil, err
	}
	return &out, nil
}

// Settle reconciles a reservation with the gas the protected call actually
// consumed. Never retried, for the same reason as Reserve.
func (c *GatewayClient) Settle(ctx context.Context, reservation *relaymeter.Reservation, gasUsed *big.Int) (*relaymeter.RefundResult, error) {
	if c.OnBeforeSettle != nil {
		if err := c.OnBeforeSettle(ctx, reservation); err != nil {
			return nil, err
		}
	}

	req := SettleRequest{
		ProtocolVersion: relaymeter.ProtocolVersion,
		Reservation:     *reservation,
		GasUsed:         gasUsed.String(),
	}

	reqCtx, cancel := withTimeout(ctx, c.Timeouts.SettleTimeout)
	defer cancel()

	var out relaymeter.RefundResult
	err := c.post(reqCtx, "/settle", req, &out, relaymeter.ErrSettlementFailed)

	var result *relaymeter.RefundResult
	if err == nil {
		result = &out
	}

	if c.OnAfterSettle != nil {
		c.OnAfterSettle(ctx, reservation, result, err)
	}

	if err != nil {
		return nil, err
	}
	return result, nil
}

// Supported queries the controller's capabilities. Retried on unavailable
// endpoints; the query is read-only.
func (c *GatewayClient) Supported(ctx context.Context) (*SupportedResponse, error) {
	return retry.WithRetry(ctx, c.retryConfig(), isUnavailableError, func() (*SupportedResponse, error) {
		reqCtx, cancel := withTimeout(ctx, c.Timeouts.RequestTimeout)
		defer cancel()

		httpReq, err := http.NewRequestWithContext(reqCtx, "GET", c.BaseURL+"/supported", nil)
		if err != nil {
			return nil, fmt.Errorf("failed to create request: %w", err)
		}
		c.setAuthorizationHeader(httpReq)

		httpResp, err := c.httpClient().Do(httpReq)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", relaymeter.ErrControllerUnavailable, err)
		}
		defer httpResp.Body.Close()

		if httpResp.StatusCode != http.StatusOK {
			return nil, parseErrorResponse(httpResp, relaymeter.ErrControllerUnavailable)
		}

		var out SupportedResponse
		if err := json.NewDecoder(httpResp.Body).Decode(&out); err != nil {
			return nil, fmt.Errorf("failed to decode supported response: %w", err)
		}
		return &out, nil
	})
}
