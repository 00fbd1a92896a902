package http

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/relaykit/relaymeter"
)

// flakyTransport fails the first failures round trips at the transport level,
// then forwards to the default transport.
type flakyTransport struct {
	failures int32
	attempts int32
}

func (t *flakyTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	n := atomic.AddInt32(&t.attempts, 1)
	if n <= atomic.LoadInt32(&t.failures) {
		return nil, fmt.Errorf("connection refused")
	}
	return http.DefaultTransport.RoundTrip(req)
}

func approvalServer(t *testing.T) *httptest.Server {
	t.Helper()
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		switch r.URL.Path {
		case "/evaluate":
			json.NewEncoder(w).Encode(relaymeter.ApprovalDecision{
				CallID: "0xabc", Approved: true, Payer: payer, MaxPossibleCharge: "50",
			})
		case "/supported":
			json.NewEncoder(w).Encode(SupportedResponse{ProtocolVersion: relaymeter.ProtocolVersion, Strategy: "balance-fee"})
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	t.Cleanup(ts.Close)
	return ts
}

func TestEvaluateRetriesUnavailable(t *testing.T) {
	ts := approvalServer(t)
	transport := &flakyTransport{failures: 2}

	client := &GatewayClient{
		BaseURL:    ts.URL,
		Client:     &http.Client{Transport: transport},
		MaxRetries: 3,
		RetryDelay: time.Millisecond,
	}

	call := relaymeter.RelayedCall{Caller: payer, GasLimit: "10", GasPrice: "5", Nonce: "1"}
	decision, err := client.Evaluate(context.Background(), &call)
	if err != nil {
		t.Fatalf("Evaluate() error = %v", err)
	}
	if !decision.Approved {
		t.Error("Evaluate() returned a rejection")
	}
	if got := atomic.LoadInt32(&transport.attempts); got != 3 {
		t.Errorf("attempts = %d; want 3 (two failures, one success)", got)
	}
}

func TestEvaluateExhaustsRetries(t *testing.T) {
	client := &GatewayClient{
		BaseURL:    "http://127.0.0.1:1", // nothing listens here
		MaxRetries: 1,
		RetryDelay: time.Millisecond,
	}

	call := relaymeter.RelayedCall{Caller: payer, GasLimit: "10", GasPrice: "5", Nonce: "1"}
	_, err := client.Evaluate(context.Background(), &call)
	if !errors.Is(err, relaymeter.ErrControllerUnavailable) {
		t.Errorf("error = %v; want ErrControllerUnavailable", err)
	}
}

func TestReserveAndSettleNeverRetry(t *testing.T) {
	// Fund-moving phases must hit the wire exactly once regardless of the
	// retry settings.
	var hits int32
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&hits, 1)
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusInternalServerError)
		json.NewEncoder(w).Encode(ErrorResponse{Error: "boom"})
	}))
	t.Cleanup(ts.Close)

	client := &GatewayClient{
		BaseURL:    ts.URL,
		MaxRetries: 5,
		RetryDelay: time.Millisecond,
	}
	ctx := context.Background()

	if _, err := client.Reserve(ctx, &relaymeter.ApprovalDecision{Approved: true}); err == nil {
		t.Error("Reserve() succeeded against a failing server")
	}
	if got := atomic.LoadInt32(&hits); got != 1 {
		t.Errorf("reserve hits = %d; want 1", got)
	}

	atomic.StoreInt32(&hits, 0)
	if _, err := client.Settle(ctx, &relaymeter.Reservation{}, big.NewInt(1)); err == nil {
		t.Error("Settle() succeeded against a failing server")
	}
	if got := atomic.LoadInt32(&hits); got != 1 {
		t.Errorf("settle hits = %d; want 1", got)
	}
}

func TestErrorCodeSurfacedFromServer(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusPaymentRequired)
		json.NewEncoder(w).Encode(ErrorResponse{
			Error:     "worst-case charge transfer failed",
			ErrorCode: relaymeter.ErrCodeInsufficientFunds,
		})
	}))
	t.Cleanup(ts.Close)

	client := &GatewayClient{BaseURL: ts.URL}
	_, err := client.Reserve(context.Background(), &relaymeter.ApprovalDecision{Approved: true})
	if relaymeter.CodeOf(err) != relaymeter.ErrCodeInsufficientFunds {
		t.Errorf("error code = %s (%v); want %s", relaymeter.CodeOf(err), err, relaymeter.ErrCodeInsufficientFunds)
	}
	if !errors.Is(err, relaymeter.ErrInsufficientFunds) {
		t.Errorf("error = %v; want wrapping ErrInsufficientFunds", err)
	}
}

func TestHooks(t *testing.T) {
	ctx := context.Background()
	ts := approvalServer(t)

	t.Run("before evaluate can abort", func(t *testing.T) {
		abort := errors.New("quota exceeded")
		client := &GatewayClient{
			BaseURL:          ts.URL,
			OnBeforeEvaluate: func(context.Context, *relaymeter.RelayedCall) error { return abort },
		}
		call := relaymeter.RelayedCall{Caller: payer}
		if _, err := client.Evaluate(ctx, &call); !errors.Is(err, abort) {
			t.Errorf("error = %v; want the abort error", err)
		}
	})

	t.Run("after evaluate observes the decision", func(t *testing.T) {
		var observed *relaymeter.ApprovalDecision
		client := &GatewayClient{
			BaseURL: ts.URL,
			OnAfterEvaluate: func(_ context.Context, _ *relaymeter.RelayedCall, d *relaymeter.ApprovalDecision, err error) {
				observed = d
			},
		}
		call := relaymeter.RelayedCall{Caller: payer}
		if _, err := client.Evaluate(ctx, &call); err != nil {
			t.Fatalf("Evaluate() error = %v", err)
		}
		if observed == nil || !observed.Approved {
			t.Errorf("after-evaluate hook observed %+v", observed)
		}
	})

	t.Run("after settle observes the failure", func(t *testing.T) {
		var observedErr error
		client := &GatewayClient{
			BaseURL: ts.URL, // no /settle route: 404
			OnAfterSettle: func(_ context.Context, _ *relaymeter.Reservation, _ *relaymeter.RefundResult, err error) {
				observedErr = err
			},
		}
		if _, err := client.Settle(ctx, &relaymeter.Reservation{}, big.NewInt(1)); err == nil {
			t.Fatal("Settle() succeeded against a route-less server")
		}
		if observedErr == nil {
			t.Error("after-settle hook did not observe the failure")
		}
	})
}

func TestAuthorizationProviderPrecedence(t *testing.T) {
	var seen string
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = r.Header.Get("Authorization")
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(SupportedResponse{ProtocolVersion: relaymeter.ProtocolVersion})
	}))
	t.Cleanup(ts.Close)

	client := &GatewayClient{
		BaseURL:               ts.URL,
		Authorization:         "Bearer static",
		AuthorizationProvider: func(*http.Request) string { return "Bearer dynamic" },
	}
	if _, err := client.Supported(context.Background()); err != nil {
		t.Fatalf("Supported() error = %v", err)
	}
	if seen != "Bearer dynamic" {
		t.Errorf("Authorization = %q; want the provider value", seen)
	}
}
