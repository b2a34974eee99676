// Package server exposes MCP tools behind the payment gateway.
package server

import (
	"log/slog"
	"strings"

	mcpserver "github.com/mark3labs/mcp-go/server"

	x402 "github.com/riverventures/solana-agent-pay"
	"github.com/riverventures/solana-agent-pay/dedupe"
	"github.com/riverventures/solana-agent-pay/facilitator"
	"github.com/riverventures/solana-agent-pay/gateway"
)

// DefaultBaseURL prefixes tool names to form requirement resources
// ("mcp://tools/<name>").
const DefaultBaseURL = "mcp://tools"

// Config holds configuration for a paid MCP server.
type Config struct {
	// Merchant is the payee every paid tool charges to.
	Merchant gateway.Merchant

	// BaseURL defaults to DefaultBaseURL.
	BaseURL string

	// Facilitator and Store are required.
	Facilitator facilitator.Interface
	Store       dedupe.Store

	Timeouts x402.TimeoutConfig

	// Callbacks receive gateway payment events with Method "MCP".
	Callbacks []x402.PaymentCallback

	// Logger defaults to slog.Default().
	Logger *slog.Logger

	// StreamableOptions are passed to the streamable HTTP server
	// (e.g. mcpserver.WithStateLess).
	StreamableOptions []mcpserver.StreamableHTTPOption
}

func (c *Config) baseURL() string {
	if c.BaseURL == "" {
		return DefaultBaseURL
	}
	return strings.TrimRight(c.BaseURL, "/")
}

func (c *Config) logger() *slog.Logger {
	if c.Logger == nil {
		return slog.Default()
	}
	return c.Logger
}

// toolPath is the price table key of a tool.
func toolPath(name string) string {
	return "/" + name
}
