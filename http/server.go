// Package http provides HTTP client and server implementations for the
// relayed-call charge protocol: a ControllerServer exposing a recipient
// controller's phases to its relay gateway, and a GatewayClient for driving
// a remote controller.
package http

import (
	"crypto/subtle"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/relaykit/relaymeter"
	"github.com/relaykit/relaymeter/controller"
	"github.com/relaykit/relaymeter/encoding"
)

// SettlementHeader carries the base64-encoded RefundResult on settle
// responses.
const SettlementHeader = "X-RELAY-SETTLEMENT"

// EvaluateRequest is the request payload sent to POST /evaluate.
type EvaluateRequest struct {
	// ProtocolVersion is the relayed-call protocol version.
	ProtocolVersion int `json:"protocolVersion"`

	// Call is the untrusted relayed call to decide on.
	Call relaymeter.RelayedCall `json:"call"`
}

// ReserveRequest is the request payload sent to POST /reserve.
type ReserveRequest struct {
	// ProtocolVersion is the relayed-call protocol version.
	ProtocolVersion int `json:"protocolVersion"`

	// Decision is the approved decision returned by /evaluate.
	Decision relaymeter.ApprovalDecision `json:"decision"`
}

// SettleRequest is the request payload sent to POST /settle.
type SettleRequest struct {
	// ProtocolVersion is the relayed-call protocol version.
	ProtocolVersion int `json:"protocolVersion"`

	// Reservation is the reservation returned by /reserve.
	Reservation relaymeter.Reservation `json:"reservation"`

	// GasUsed is the gas the protected call actually consumed, as a decimal
	// string. Non-zero even when the protected call reverted.
	GasUsed string `json:"gasUsed"`
}

// SupportedResponse is the response of GET /supported.
type SupportedResponse struct {
	// ProtocolVersion is the relayed-call protocol version.
	ProtocolVersion int `json:"protocolVersion"`

	// Strategy is the name of the charge strategy currently bound to the
	// recipient controller.
	Strategy string `json:"strategy"`
}

// ErrorResponse is the JSON error body for non-2xx responses.
type ErrorResponse struct {
	// Error is the human-readable error message.
	Error string `json:"error"`

	// ErrorCode is the stable protocol error code, when known.
	ErrorCode relaymeter.ErrorCode `json:"errorCode,omitempty"`
}

// ServerConfig holds configuration for a ControllerServer.
type ServerConfig struct {
	// Controller is the recipient controller to expose. Required.
	Controller *controller.Controller

	// GatewayIdentity is the identity forwarded to the controller phases
	// once the gateway has authenticated. Required.
	GatewayIdentity string

	// GatewayCredential is the bearer credential the relay gateway must
	// present. Required; there is no unauthenticated mode.
	GatewayCredential string

	// Logger is the structured logger. If not set, slog.Default() is used.
	Logger *slog.Logger
}

// ControllerServer exposes a recipient controller's protocol phases over
// HTTP. Only the configured relay gateway's credential is accepted; any
// other caller is rejected with UnauthorizedCaller before any state is
// touched.
type ControllerServer struct {
	ctrl       *controller.Controller
	identity   string
	credential []byte
	logger     *slog.Logger
}

// NewControllerServer creates a ControllerServer from cfg.
func NewControllerServer(cfg ServerConfig) (*ControllerServer, error) {
	if cfg.Controller == nil {
		return nil, errors.New("controller is required")
	}
	if cfg.GatewayIdentity == "" {
		return nil, errors.New("gateway identity is required")
	}
	if cfg.GatewayCredential == "" {
		return nil, errors.New("gateway credential is required")
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &ControllerServer{
		ctrl:       cfg.Controller,
		identity:   cfg.GatewayIdentity,
		credential: []byte(cfg.GatewayCredential),
		logger:     logger,
	}, nil
}

// Handler returns the HTTP handler exposing the protocol routes:
// POST /evaluate, POST /reserve, POST /settle and GET /supported.
func (s *ControllerServer) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.Handle("POST /evaluate", s.EvaluateHandler())
	mux.Handle("POST /reserve", s.ReserveHandler())
	mux.Handle("POST /settle", s.SettleHandler())
	mux.Handle("GET /supported", s.SupportedHandler())
	return mux
}

// authenticate checks the gateway's bearer credential in constant time.
func (s *ControllerServer) authenticate(r *http.Request) bool {
	auth := r.Header.Get("Authorization")
	token, ok := strings.CutPrefix(auth, "Bearer ")
	if !ok {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(token), s.credential) == 1
}

func (s *ControllerServer) writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Error("failed to encode response", "error", err)
	}
}

// writeError maps stable protocol error codes onto HTTP statuses.
func (s *ControllerServer) writeError(w http.ResponseWriter, err error) {
	code := relaymeter.CodeOf(err)
	status := http.StatusInternalServerError
	switch code {
	case relaymeter.ErrCodeUnauthorizedCaller:
		status = http.StatusUnauthorized
	case relaymeter.ErrCodeInsufficientFunds:
		status = http.StatusPaymentRequired
	case relaymeter.ErrCodePhaseOrder:
		status = http.StatusConflict
	case relaymeter.ErrCodeMalformedCall:
		status = http.StatusBadRequest
	case relaymeter.ErrCodeUnderflow:
		status = http.StatusInternalServerError
	}
	s.writeJSON(w, status, ErrorResponse{Error: err.Error(), ErrorCode: code})
}

func (s *ControllerServer) unauthorized(w http.ResponseWriter) {
	s.writeJSON(w, http.StatusUnauthorized, ErrorResponse{
		Error:     relaymeter.ErrUnauthorizedCaller.Error(),
		ErrorCode: relaymeter.ErrCodeUnauthorizedCaller,
	})
}

// EvaluateHandler returns the handler for the evaluate phase. Rejected
// decisions are a successful protocol outcome and return 200 with
// approved=false; the gateway must not retry the same call unmodified.
func (s *ControllerServer) EvaluateHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !s.authenticate(r) {
			s.unauthorized(w)
			return
		}

		var req EvaluateRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			s.writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: "malformed request body"})
			return
		}

		decision, err := s.ctrl.Evaluate(r.Context(), s.identity, &req.Call)
		if err != nil {
			s.writeError(w, err)
			return
		}

		s.writeJSON(w, http.StatusOK, decision)
	})
}

// ReserveHandler returns the handler for the reserve phase. An
// InsufficientFunds failure maps to 402: it is an expected outcome of the
// evaluate/reserve race, recoverable by re-driving evaluate.
func (s *ControllerServer) ReserveHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !s.authenticate(r) {
			s.unauthorized(w)
			return
		}

		var req ReserveRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			s.writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: "malformed request body"})
			return
		}

		reservation, err := s.ctrl.Reserve(r.Context(), s.identity, &req.Decision)
		if err != nil {
			s.writeError(w, err)
			return
		}

		s.writeJSON(w, http.StatusOK, reservation)
	})
}

// SettleHandler returns the handler for the settle phase. On success the
// refund is also exposed compactly via the X-RELAY-SETTLEMENT header.
func (s *ControllerServer) SettleHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !s.authenticate(r) {
			s.unauthorized(w)
			return
		}

		var req SettleRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			s.writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: "malformed request body"})
			return
		}

		gasUsed, err := relaymeter.ParseAmount(req.GasUsed)
		if err != nil {
			s.writeError(w, err)
			return
		}

		result, err := s.ctrl.Settle(r.Context(), s.identity, &req.Reservation, gasUsed)
		if err != nil {
			s.writeError(w, err)
			return
		}

		if encoded, err := encoding.EncodeRefund(*result); err == nil {
			w.Header().Set(SettlementHeader, encoded)
		} else {
			s.logger.Warn("failed to encode settlement header", "error", err)
		}

		s.writeJSON(w, http.StatusOK, result)
	})
}

// SupportedHandler returns the handler for the capabilities route.
func (s *ControllerServer) SupportedHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !s.authenticate(r) {
			s.unauthorized(w)
			return
		}

		s.writeJSON(w, http.StatusOK, SupportedResponse{
			ProtocolVersion: relaymeter.ProtocolVersion,
			Strategy:        s.ctrl.StrategyName(),
		})
	})
}
