package http

import (
	"log/slog"
	"net/http"

	"github.com/riverventures/solana-agent-pay/gateway"
	"github.com/riverventures/solana-agent-pay/http/internal/helpers"
)

// HandlerConfig configures the net/http front end.
type HandlerConfig struct {
	// MaxBodyBytes caps the request body forwarded to the provider.
	// Zero means helpers.MaxRequestBody.
	MaxBodyBytes int64

	// Logger defaults to slog.Default().
	Logger *slog.Logger
}

// NewHandler returns an http.Handler that runs every request through the
// gateway. Unpriced paths answer 404.
func NewHandler(gw *gateway.Gateway, cfg HandlerConfig) http.Handler {
	return Middleware(gw, cfg)(nil)
}

// Middleware gates priced paths behind the gateway and passes every other
// request to next. With a nil next, unpriced paths reach the gateway and
// answer 404.
func Middleware(gw *gateway.Gateway, cfg HandlerConfig) func(http.Handler) http.Handler {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	limit := cfg.MaxBodyBytes
	if limit <= 0 {
		limit = helpers.MaxRequestBody
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if next != nil && !gw.Priced(r.URL.Path) {
				next.ServeHTTP(w, r)
				return
			}

			body, err := helpers.ReadBody(r, limit)
			if err != nil {
				logger.Info("rejecting request body", "path", r.URL.Path, "error", err)
				if werr := helpers.WriteBodyError(w, err); werr != nil {
					logger.Warn("failed to write response", "error", werr)
				}
				return
			}

			out := gw.Handle(r.Context(), helpers.GatewayRequest(r, body))
			if err := helpers.WriteOutcome(w, out); err != nil {
				logger.Warn("failed to write response", "request_id", out.RequestID, "error", err)
			}
		})
	}
}
