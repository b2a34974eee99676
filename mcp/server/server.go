package server

import (
	"errors"
	"fmt"
	"net/http"

	mcpproto "github.com/mark3labs/mcp-go/mcp"
	mcpserver "github.com/mark3labs/mcp-go/server"

	"github.com/riverventures/solana-agent-pay/gateway"
)

// X402Server wraps an MCP server and charges for selected tools.
type X402Server struct {
	mcpServer *mcpserver.MCPServer
	config    Config
	prices    []gateway.Price
}

// NewX402Server creates an MCP server whose paid tools are gated by the
// payment gateway.
func NewX402Server(name, version string, config Config) *X402Server {
	return &X402Server{
		mcpServer: mcpserver.NewMCPServer(name, version, mcpserver.WithToolCapabilities(true)),
		config:    config,
	}
}

// AddTool adds a free tool.
func (s *X402Server) AddTool(tool mcpproto.Tool, handler mcpserver.ToolHandlerFunc) {
	s.mcpServer.AddTool(tool, handler)
}

// AddPayableTool adds a tool that must be paid for on every call. The
// price's Path is ignored; the tool name is used instead.
func (s *X402Server) AddPayableTool(tool mcpproto.Tool, price gateway.Price, handler mcpserver.ToolHandlerFunc) error {
	price.Path = toolPath(tool.Name)
	if _, err := gateway.NewPriceTable(s.config.Merchant, []gateway.Price{price}); err != nil {
		return fmt.Errorf("invalid price for tool %s: %w", tool.Name, err)
	}
	for _, p := range s.prices {
		if p.Path == price.Path {
			return fmt.Errorf("tool %s is already priced", tool.Name)
		}
	}
	s.prices = append(s.prices, price)
	s.mcpServer.AddTool(tool, handler)
	return nil
}

// Handler returns the streamable HTTP handler with paid tools gated.
func (s *X402Server) Handler() (http.Handler, error) {
	if s.config.Facilitator == nil || s.config.Store == nil {
		return nil, errors.New("mcp server: facilitator and store are required")
	}
	table, err := gateway.NewPriceTable(s.config.Merchant, s.prices)
	if err != nil {
		return nil, err
	}

	mcpHandler := mcpserver.NewStreamableHTTPServer(s.mcpServer, s.config.StreamableOptions...)
	opts := []gateway.Option{gateway.WithLogger(s.config.logger())}
	for _, cb := range s.config.Callbacks {
		opts = append(opts, gateway.WithPaymentCallback(cb))
	}
	gw, err := gateway.New(gateway.Config{
		BaseURL:  s.config.baseURL(),
		Prices:   table,
		Timeouts: s.config.Timeouts,
	}, s.config.Facilitator, s.config.Store, toolProvider{next: mcpHandler}, opts...)
	if err != nil {
		return nil, err
	}
	return NewX402Handler(mcpHandler, gw, s.config.logger()), nil
}

// Start serves the MCP endpoint on addr.
func (s *X402Server) Start(addr string) error {
	handler, err := s.Handler()
	if err != nil {
		return fmt.Errorf("failed to create handler: %w", err)
	}
	s.config.logger().Info("starting paid MCP server", "addr", addr, "paid_tools", len(s.prices))
	return http.ListenAndServe(addr, handler)
}

// GetMCPServer returns the underlying MCP server.
func (s *X402Server) GetMCPServer() *mcpserver.MCPServer {
	return s.mcpServer
}
