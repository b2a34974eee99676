// Package gin adapts the payment gateway to Gin. It translates gin.Context
// into a gateway request and writes the outcome back; all payment logic
// lives in the gateway package.
package gin

import (
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/riverventures/solana-agent-pay/gateway"
	"github.com/riverventures/solana-agent-pay/http/internal/helpers"
)

// OutcomeContextKey is the gin context key under which the gateway outcome
// is stored, for logging middleware that runs after the handler.
const OutcomeContextKey = "x402_outcome"

// Config configures the Gin adapter.
type Config struct {
	// MaxBodyBytes caps the request body forwarded to the provider.
	MaxBodyBytes int64

	Logger *slog.Logger
}

// NewX402Middleware gates priced paths behind the gateway and calls c.Next()
// for everything else. A priced request is always answered by the gateway
// and the handler chain is aborted.
//
// Example usage:
//
//	r := gin.Default()
//	r.Use(x402gin.NewX402Middleware(gw, x402gin.Config{}))
//	r.GET("/health", func(c *gin.Context) { c.String(200, "ok") })
func NewX402Middleware(gw *gateway.Gateway, cfg Config) gin.HandlerFunc {
	handle := handler(gw, cfg)
	return func(c *gin.Context) {
		if !gw.Priced(c.Request.URL.Path) {
			c.Next()
			return
		}
		handle(c)
	}
}

// Mount registers every priced path on r as a gateway route, for any method.
func Mount(r gin.IRoutes, gw *gateway.Gateway, cfg Config) {
	h := handler(gw, cfg)
	for _, path := range gw.Paths() {
		r.Any(path, h)
	}
}

func handler(gw *gateway.Gateway, cfg Config) gin.HandlerFunc {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	limit := cfg.MaxBodyBytes
	if limit <= 0 {
		limit = helpers.MaxRequestBody
	}

	return func(c *gin.Context) {
		body, err := helpers.ReadBody(c.Request, limit)
		if err != nil {
			logger.Info("rejecting request body", "path", c.Request.URL.Path, "error", err)
			c.Abort()
			if werr := helpers.WriteBodyError(c.Writer, err); werr != nil {
				logger.Warn("failed to write response", "error", werr)
			}
			return
		}

		out := gw.Handle(c.Request.Context(), helpers.GatewayRequest(c.Request, body))
		c.Set(OutcomeContextKey, out)
		for k, vs := range out.Header() {
			for _, v := range vs {
				c.Writer.Header().Add(k, v)
			}
		}
		c.Data(out.Status, out.ContentType, out.Body)
		c.Abort()

		if out.Status >= http.StatusInternalServerError {
			logger.Warn("gateway request failed", "request_id", out.RequestID, "status", out.Status, "code", out.Code)
		}
	}
}

// GetOutcome returns the gateway outcome recorded for the request, or nil.
func GetOutcome(c *gin.Context) *gateway.Outcome {
	value, exists := c.Get(OutcomeContextKey)
	if !exists {
		return nil
	}
	out, _ := value.(*gateway.Outcome)
	return out
}
