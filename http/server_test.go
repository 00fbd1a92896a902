package http

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"math/big"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/relaykit/relaymeter"
	"github.com/relaykit/relaymeter/controller"
	"github.com/relaykit/relaymeter/encoding"
	"github.com/relaykit/relaymeter/ledger"
	"github.com/relaykit/relaymeter/strategies/balancefee"
)

const (
	gatewayIdentity   = "0x742d35Cc6634C0532925a3b844Bc9e7595f0bEb0"
	gatewayCredential = "test-gateway-token"
	payer             = "0x70997970C51812dc3A010C7d01b50e0d17dc79C8"
)

var testChainID = big.NewInt(8453)

func testCall() relaymeter.RelayedCall {
	return relaymeter.RelayedCall{
		Caller:   payer,
		Payload:  "0xdeadbeef",
		GasLimit: "10",
		GasPrice: "5",
		Nonce:    "1",
	}
}

// newTestServer stands up a controller server over a funded in-memory ledger
// and returns the httptest server plus a client wired to it.
func newTestServer(t *testing.T, balance int64) (*httptest.Server, *GatewayClient, *ledger.MemLedger) {
	t.Helper()

	l := ledger.NewMemLedger()
	l.Mint(payer, big.NewInt(balance))

	strategy, err := balancefee.New(l, testChainID)
	if err != nil {
		t.Fatalf("balancefee.New() error = %v", err)
	}
	ctrl, err := controller.New(controller.Config{
		Gateway:  gatewayIdentity,
		Strategy: strategy,
	})
	if err != nil {
		t.Fatalf("controller.New() error = %v", err)
	}
	srv, err := NewControllerServer(ServerConfig{
		Controller:        ctrl,
		GatewayIdentity:   gatewayIdentity,
		GatewayCredential: gatewayCredential,
	})
	if err != nil {
		t.Fatalf("NewControllerServer() error = %v", err)
	}

	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)

	client := &GatewayClient{
		BaseURL:       ts.URL,
		Authorization: "Bearer " + gatewayCredential,
	}
	return ts, client, l
}

func TestProtocolRoundTrip(t *testing.T) {
	ctx := context.Background()
	_, client, l := newTestServer(t, 100)

	call := testCall()
	decision, err := client.Evaluate(ctx, &call)
	if err != nil {
		t.Fatalf("Evaluate() error = %v", err)
	}
	if !decision.Approved {
		t.Fatalf("Evaluate() rejected with %s", decision.Reason)
	}

	reservation, err := client.Reserve(ctx, decision)
	if err != nil {
		t.Fatalf("Reserve() error = %v", err)
	}
	if reservation.AmountReserved != "50" {
		t.Fatalf("AmountReserved = %s; want 50", reservation.AmountReserved)
	}

	result, err := client.Settle(ctx, reservation, big.NewInt(6))
	if err != nil {
		t.Fatalf("Settle() error = %v", err)
	}
	if result.ActualCost != "30" {
		t.Errorf("ActualCost = %s; want 30", result.ActualCost)
	}
	if result.Refunded != "20" {
		t.Errorf("Refunded = %s; want 20", result.Refunded)
	}

	bal, err := l.BalanceOf(ctx, payer)
	if err != nil {
		t.Fatalf("BalanceOf() error = %v", err)
	}
	if bal.Cmp(big.NewInt(70)) != 0 {
		t.Errorf("payer balance = %s; want 70", bal)
	}
}

func TestRejectedDecisionIsOK(t *testing.T) {
	// A rejection is a successful protocol outcome: 200 with approved=false.
	ctx := context.Background()
	_, client, _ := newTestServer(t, 10)

	call := testCall()
	decision, err := client.Evaluate(ctx, &call)
	if err != nil {
		t.Fatalf("Evaluate() error = %v", err)
	}
	if decision.Approved {
		t.Fatal("Evaluate() approved an underfunded payer")
	}
	if decision.Reason != relaymeter.ErrCodeInsufficientBalance {
		t.Errorf("Reason = %s; want %s", decision.Reason, relaymeter.ErrCodeInsufficientBalance)
	}
}

func TestAuthentication(t *testing.T) {
	ts, _, _ := newTestServer(t, 100)

	tests := []struct {
		name string
		auth string
	}{
		{"missing header", ""},
		{"wrong scheme", "Basic " + gatewayCredential},
		{"wrong credential", "Bearer not-the-token"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			body, _ := json.Marshal(EvaluateRequest{
				ProtocolVersion: relaymeter.ProtocolVersion,
				Call:            testCall(),
			})
			req, err := http.NewRequest("POST", ts.URL+"/evaluate", bytes.NewReader(body))
			if err != nil {
				t.Fatalf("NewRequest() error = %v", err)
			}
			req.Header.Set("Content-Type", "application/json")
			if tt.auth != "" {
				req.Header.Set("Authorization", tt.auth)
			}

			resp, err := http.DefaultClient.Do(req)
			if err != nil {
				t.Fatalf("request error = %v", err)
			}
			defer resp.Body.Close()

			if resp.StatusCode != http.StatusUnauthorized {
				t.Errorf("status = %d; want 401", resp.StatusCode)
			}
			var errBody ErrorResponse
			if err := json.NewDecoder(resp.Body).Decode(&errBody); err != nil {
				t.Fatalf("decode error body: %v", err)
			}
			if errBody.ErrorCode != relaymeter.ErrCodeUnauthorizedCaller {
				t.Errorf("errorCode = %s; want %s", errBody.ErrorCode, relaymeter.ErrCodeUnauthorizedCaller)
			}
		})
	}
}

func TestErrorStatusMapping(t *testing.T) {
	ctx := context.Background()

	t.Run("insufficient funds on reserve is 402", func(t *testing.T) {
		_, client, l := newTestServer(t, 50)

		call := testCall()
		decision, err := client.Evaluate(ctx, &call)
		if err != nil || !decision.Approved {
			t.Fatalf("Evaluate() = %+v, %v", decision, err)
		}

		// Drain the balance behind the decision's back.
		if err := l.TransferInto(ctx, payer, big.NewInt(30)); err != nil {
			t.Fatalf("draining transfer error = %v", err)
		}

		_, err = client.Reserve(ctx, decision)
		if relaymeter.CodeOf(err) != relaymeter.ErrCodeInsufficientFunds {
			t.Errorf("error code = %s (%v); want %s", relaymeter.CodeOf(err), err, relaymeter.ErrCodeInsufficientFunds)
		}
		var relayErr *relaymeter.RelayError
		if !errors.As(err, &relayErr) {
			t.Fatalf("error %v is not a RelayError", err)
		}
		if got := relayErr.Details["status"]; got != 402 {
			t.Errorf("status detail = %v; want 402", got)
		}
	})

	t.Run("phase violation is 409", func(t *testing.T) {
		_, client, _ := newTestServer(t, 100)

		_, err := client.Reserve(ctx, &relaymeter.ApprovalDecision{
			CallID: "0xabc", Approved: true, Payer: payer, MaxPossibleCharge: "50",
		})
		if relaymeter.CodeOf(err) != relaymeter.ErrCodePhaseOrder {
			t.Fatalf("error code = %s (%v); want %s", relaymeter.CodeOf(err), err, relaymeter.ErrCodePhaseOrder)
		}
		var relayErr *relaymeter.RelayError
		if !errors.As(err, &relayErr) {
			t.Fatalf("error %v is not a RelayError", err)
		}
		if got := relayErr.Details["status"]; got != 409 {
			t.Errorf("status detail = %v; want 409", got)
		}
	})

	t.Run("malformed call is 400", func(t *testing.T) {
		_, client, _ := newTestServer(t, 100)

		call := testCall()
		call.Caller = "not-an-address"
		_, err := client.Evaluate(ctx, &call)
		if relaymeter.CodeOf(err) != relaymeter.ErrCodeMalformedCall {
			t.Errorf("error code = %s (%v); want %s", relaymeter.CodeOf(err), err, relaymeter.ErrCodeMalformedCall)
		}
	})
}

func TestSettlementHeader(t *testing.T) {
	ctx := context.Background()
	ts, client, _ := newTestServer(t, 100)

	call := testCall()
	decision, err := client.Evaluate(ctx, &call)
	if err != nil || !decision.Approved {
		t.Fatalf("Evaluate() = %+v, %v", decision, err)
	}
	reservation, err := client.Reserve(ctx, decision)
	if err != nil {
		t.Fatalf("Reserve() error = %v", err)
	}

	body, _ := json.Marshal(SettleRequest{
		ProtocolVersion: relaymeter.ProtocolVersion,
		Reservation:     *reservation,
		GasUsed:         "6",
	})
	req, err := http.NewRequestWithContext(ctx, "POST", ts.URL+"/settle", bytes.NewReader(body))
	if err != nil {
		t.Fatalf("NewRequest() error = %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+gatewayCredential)

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("request error = %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d; want 200", resp.StatusCode)
	}
	header := resp.Header.Get(SettlementHeader)
	if header == "" {
		t.Fatalf("%s header missing", SettlementHeader)
	}
	result, err := encoding.DecodeRefund(header)
	if err != nil {
		t.Fatalf("DecodeRefund() error = %v", err)
	}
	if result.Refunded != "20" {
		t.Errorf("header Refunded = %s; want 20", result.Refunded)
	}
}

func TestSupported(t *testing.T) {
	ctx := context.Background()
	_, client, _ := newTestServer(t, 0)

	resp, err := client.Supported(ctx)
	if err != nil {
		t.Fatalf("Supported() error = %v", err)
	}
	if resp.ProtocolVersion != relaymeter.ProtocolVersion {
		t.Errorf("ProtocolVersion = %d; want %d", resp.ProtocolVersion, relaymeter.ProtocolVersion)
	}
	if resp.Strategy != balancefee.Name {
		t.Errorf("Strategy = %s; want %s", resp.Strategy, balancefee.Name)
	}
}

func TestNewControllerServerValidation(t *testing.T) {
	strategy, err := balancefee.New(ledger.NewMemLedger(), testChainID)
	if err != nil {
		t.Fatalf("balancefee.New() error = %v", err)
	}
	ctrl, err := controller.New(controller.Config{Gateway: gatewayIdentity, Strategy: strategy})
	if err != nil {
		t.Fatalf("controller.New() error = %v", err)
	}

	tests := []struct {
		name    string
		cfg     ServerConfig
		wantErr bool
	}{
		{"valid", ServerConfig{Controller: ctrl, GatewayIdentity: gatewayIdentity, GatewayCredential: "x"}, false},
		{"missing controller", ServerConfig{GatewayIdentity: gatewayIdentity, GatewayCredential: "x"}, true},
		{"missing identity", ServerConfig{Controller: ctrl, GatewayCredential: "x"}, true},
		{"missing credential", ServerConfig{Controller: ctrl, GatewayIdentity: gatewayIdentity}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewControllerServer(tt.cfg)
			if (err != nil) != tt.wantErr {
				t.Errorf("NewControllerServer() error = %v; wantErr %v", err, tt.wantErr)
			}
		})
	}
}
