// Package server exposes a recipient controller's protocol phases as MCP
// tools, so agent-based relay gateways can drive the charge protocol over
// MCP instead of plain HTTP. Protocol values travel as base64-encoded JSON
// tool arguments, produced and consumed by the encoding package.
//
// The MCP surface acts on behalf of a single configured gateway identity;
// transport-level authentication of that gateway (TLS client certs, a
// fronting proxy, or the streamable HTTP server's own auth) is a deployment
// concern outside this package.
package server

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"

	mcpproto "github.com/mark3labs/mcp-go/mcp"
	mcpserver "github.com/mark3labs/mcp-go/server"

	"github.com/relaykit/relaymeter"
	"github.com/relaykit/relaymeter/controller"
	"github.com/relaykit/relaymeter/encoding"
)

// Config holds configuration for the MCP relay server.
type Config struct {
	// Controller is the recipient controller the tools drive. Required.
	Controller *controller.Controller

	// GatewayIdentity is the identity forwarded to the controller phases.
	// Required.
	GatewayIdentity string

	// Logger is the logger for the server. If not set, slog.Default() is
	// used.
	Logger *slog.Logger
}

// RelayServer wraps an MCP server exposing relay_evaluate, relay_reserve and
// relay_settle tools over a recipient controller.
type RelayServer struct {
	mcpServer *mcpserver.MCPServer
	ctrl      *controller.Controller
	identity  string
	logger    *slog.Logger
}

// NewRelayServer creates an MCP server exposing the protocol phases of
// cfg.Controller.
func NewRelayServer(name, version string, cfg *Config) (*RelayServer, error) {
	if cfg == nil || cfg.Controller == nil {
		return nil, fmt.Errorf("controller is required")
	}
	if cfg.GatewayIdentity == "" {
		return nil, fmt.Errorf("gateway identity is required")
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	s := &RelayServer{
		mcpServer: mcpserver.NewMCPServer(name, version),
		ctrl:      cfg.Controller,
		identity:  cfg.GatewayIdentity,
		logger:    logger,
	}
	s.registerTools()
	return s, nil
}

func (s *RelayServer) registerTools() {
	evaluateTool := mcpproto.NewTool(
		"relay_evaluate",
		mcpproto.WithDescription("Decide whether the recipient accepts liability for a relayed call"),
		mcpproto.WithString("call", mcpproto.Required(), mcpproto.Description("base64-encoded relayed call")),
	)
	s.mcpServer.AddTool(evaluateTool, s.evaluateHandler)

	reserveTool := mcpproto.NewTool(
		"relay_reserve",
		mcpproto.WithDescription("Place the worst-case charge for an approved relayed call"),
		mcpproto.WithString("decision", mcpproto.Required(), mcpproto.Description("base64-encoded approval decision")),
	)
	s.mcpServer.AddTool(reserveTool, s.reserveHandler)

	settleTool := mcpproto.NewTool(
		"relay_settle",
		mcpproto.WithDescription("Reconcile a reservation against the actual gas consumed, refunding the difference"),
		mcpproto.WithString("reservation", mcpproto.Required(), mcpproto.Description("base64-encoded reservation")),
		mcpproto.WithString("gasUsed", mcpproto.Required(), mcpproto.Description("gas actually consumed, decimal string")),
	)
	s.mcpServer.AddTool(settleTool, s.settleHandler)
}

func textResult(payload string) *mcpproto.CallToolResult {
	return &mcpproto.CallToolResult{
		Content: []mcpproto.Content{
			mcpproto.NewTextContent(payload),
		},
	}
}

func (s *RelayServer) evaluateHandler(ctx context.Context, req mcpproto.CallToolRequest) (*mcpproto.CallToolResult, error) {
	args := req.GetArguments()
	encoded, _ := args["call"].(string)

	call, err := encoding.DecodeCall(encoded)
	if err != nil {
		return nil, fmt.Errorf("invalid call argument: %w", err)
	}

	decision, err := s.ctrl.Evaluate(ctx, s.identity, &call)
	if err != nil {
		return nil, err
	}

	out, err := encoding.EncodeDecision(*decision)
	if err != nil {
		return nil, err
	}
	return textResult(out), nil
}

func (s *RelayServer) reserveHandler(ctx context.Context, req mcpproto.CallToolRequest) (*mcpproto.CallToolResult, error) {
	args := req.GetArguments()
	encoded, _ := args["decision"].(string)

	decision, err := encoding.DecodeDecision(encoded)
	if err != nil {
		return nil, fmt.Errorf("invalid decision argument: %w", err)
	}

	reservation, err := s.ctrl.Reserve(ctx, s.identity, &decision)
	if err != nil {
		return nil, err
	}

	out, err := encoding.EncodeReservation(*reservation)
	if err != nil {
		return nil, err
	}
	return textResult(out), nil
}

func (s *RelayServer) settleHandler(ctx context.Context, req mcpproto.CallToolRequest) (*mcpproto.CallToolResult, error) {
	args := req.GetArguments()
	encoded, _ := args["reservation"].(string)
	gasUsedArg, _ := args["gasUsed"].(string)

	reservation, err := encoding.DecodeReservation(encoded)
	if err != nil {
		return nil, fmt.Errorf("invalid reservation argument: %w", err)
	}

	gasUsed, err := relaymeter.ParseAmount(gasUsedArg)
	if err != nil {
		return nil, fmt.Errorf("invalid gasUsed argument: %w", err)
	}

	result, err := s.ctrl.Settle(ctx, s.identity, &reservation, gasUsed)
	if err != nil {
		return nil, err
	}

	out, err := encoding.EncodeRefund(*result)
	if err != nil {
		return nil, err
	}
	return textResult(out), nil
}

// Handler returns the streamable HTTP handler for the MCP server.
func (s *RelayServer) Handler() http.Handler {
	return mcpserver.NewStreamableHTTPServer(s.mcpServer)
}

// Start starts the MCP server on the given address.
func (s *RelayServer) Start(addr string) error {
	s.logger.Info("starting relay MCP server",
		"addr", addr, "strategy", s.ctrl.StrategyName())
	return http.ListenAndServe(addr, s.Handler())
}

// GetMCPServer returns the underlying MCP server (for advanced usage).
func (s *RelayServer) GetMCPServer() *mcpserver.MCPServer {
	return s.mcpServer
}
