package cli

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	mcpproto "github.com/mark3labs/mcp-go/mcp"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	x402 "github.com/riverventures/solana-agent-pay"
	"github.com/riverventures/solana-agent-pay/dedupe"
	"github.com/riverventures/solana-agent-pay/facilitator"
	"github.com/riverventures/solana-agent-pay/gateway"
	x402http "github.com/riverventures/solana-agent-pay/http"
	x402gin "github.com/riverventures/solana-agent-pay/http/gin"
	"github.com/riverventures/solana-agent-pay/internal/config"
	mcpserver "github.com/riverventures/solana-agent-pay/mcp/server"
	"github.com/riverventures/solana-agent-pay/provider"
)

const shutdownTimeout = 10 * time.Second

func newServeCommand(opts *options) *cobra.Command {
	var (
		listen string
		router string
	)
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the payment gateway",
		Long: `Run the payment gateway in front of provider.url.

Examples:
  agentpay serve --config agentpay.yaml
  AGENTPAY_DEDUPE_DRIVER=redis AGENTPAY_DEDUPE_DSN=redis://localhost:6379/0 agentpay serve
  agentpay serve --router http --listen :8080`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if listen != "" {
				opts.cfg.Listen = listen
			}
			if router != "" {
				opts.cfg.Router = router
			}
			if err := opts.cfg.ValidateServe(); err != nil {
				return fmt.Errorf("invalid configuration: %w", err)
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			srv, err := newServer(ctx, opts.cfg, opts.logger, cmd.Root().Version)
			if err != nil {
				return err
			}
			defer srv.Close()
			return srv.Run(ctx)
		},
	}
	cmd.Flags().StringVar(&listen, "listen", "", "listen address (overrides listen)")
	cmd.Flags().StringVar(&router, "router", "", "HTTP front end: gin or http (overrides router)")
	return cmd
}

// server is the assembled gateway process.
type server struct {
	cfg    *config.Config
	logger *slog.Logger

	store   dedupe.Store
	gateway *gateway.Gateway
	handler http.Handler

	// mcpHandler is nil unless mcp.enabled is set.
	mcpHandler http.Handler
}

func newServer(ctx context.Context, cfg *config.Config, logger *slog.Logger, version string) (*server, error) {
	store, err := openStore(ctx, cfg.Dedupe)
	if err != nil {
		return nil, err
	}
	s := &server{cfg: cfg, logger: logger, store: store}

	fac, feePayer, err := selectFacilitator(ctx, cfg, logger)
	if err != nil {
		store.Close()
		return nil, err
	}

	merchant := cfg.Merchant()
	if feePayer != "" {
		merchant.Extra = map[string]interface{}{"feePayer": feePayer}
	}
	table, err := gateway.NewPriceTable(merchant, cfg.GatewayPrices())
	if err != nil {
		store.Close()
		return nil, err
	}

	upstream := newProvider(cfg, logger)
	callbacks := []x402.PaymentCallback{logPaymentEvent(logger)}
	gw, err := gateway.New(gateway.Config{
		BaseURL:  cfg.BaseURL,
		Prices:   table,
		Timeouts: cfg.TimeoutConfig(),
	}, fac, store, upstream, gateway.WithLogger(logger), gateway.WithPaymentCallback(callbacks[0]))
	if err != nil {
		store.Close()
		return nil, err
	}
	s.gateway = gw
	s.handler = s.newRouter()

	if cfg.MCP.Enabled {
		h, err := newMCPHandler(cfg, merchant, fac, store, upstream, callbacks, logger, version)
		if err != nil {
			store.Close()
			return nil, err
		}
		s.mcpHandler = h
	}
	return s, nil
}

// Run serves until ctx is done, then shuts the listeners down.
func (s *server) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)

	servers := []*http.Server{{Addr: s.cfg.Listen, Handler: s.handler, ReadHeaderTimeout: 10 * time.Second}}
	if s.mcpHandler != nil {
		mux := http.NewServeMux()
		mux.Handle(s.cfg.MCP.Path, s.mcpHandler)
		servers = append(servers, &http.Server{Addr: s.cfg.MCP.Listen, Handler: mux, ReadHeaderTimeout: 10 * time.Second})
	}

	for _, hs := range servers {
		g.Go(func() error {
			s.logger.Info("listening", "addr", hs.Addr)
			if err := hs.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("listen %s: %w", hs.Addr, err)
			}
			return nil
		})
	}

	g.Go(func() error {
		return dedupe.RunPruner(ctx, s.store, s.cfg.Dedupe.Retention, s.cfg.Dedupe.PruneInterval, s.logger)
	})

	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
		defer cancel()
		var errs []error
		for _, hs := range servers {
			if err := hs.Shutdown(shutdownCtx); err != nil {
				errs = append(errs, err)
			}
		}
		s.logger.Info("gateway stopped")
		return errors.Join(errs...)
	})

	return g.Wait()
}

func (s *server) Close() error {
	return s.store.Close()
}

func (s *server) newRouter() http.Handler {
	health := func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	}

	if s.cfg.Router == "http" {
		mux := http.NewServeMux()
		mux.HandleFunc("GET /healthz", health)
		mux.Handle("/", x402http.NewHandler(s.gateway, x402http.HandlerConfig{
			MaxBodyBytes: s.cfg.MaxBodyBytes,
			Logger:       s.logger,
		}))
		return mux
	}

	if !s.logger.Enabled(context.Background(), slog.LevelDebug) {
		gin.SetMode(gin.ReleaseMode)
	}
	r := gin.New()
	r.Use(gin.Recovery(), requestLogger(s.logger))
	r.GET("/healthz", gin.WrapF(health))
	x402gin.Mount(r, s.gateway, x402gin.Config{MaxBodyBytes: s.cfg.MaxBodyBytes, Logger: s.logger})
	return r
}

// requestLogger logs one line per request with the gateway outcome.
func requestLogger(logger *slog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		attrs := []any{
			"method", c.Request.Method,
			"path", c.Request.URL.Path,
			"status", c.Writer.Status(),
			"duration", time.Since(start),
		}
		if out := x402gin.GetOutcome(c); out != nil {
			attrs = append(attrs, "request_id", out.RequestID)
			if out.Code != "" {
				attrs = append(attrs, "code", out.Code)
			}
		}
		logger.Debug("request", attrs...)
	}
}

func openStore(ctx context.Context, cfg config.Dedupe) (dedupe.Store, error) {
	switch cfg.Driver {
	case "memory", "":
		return dedupe.NewMemoryStore(), nil
	case "sqlite", "postgres":
		return dedupe.OpenSQL(ctx, cfg.Driver, cfg.DSN)
	case "redis":
		return dedupe.NewRedisStore(ctx, cfg.DSN, cfg.Retention)
	default:
		return nil, fmt.Errorf("unknown dedupe driver %q", cfg.Driver)
	}
}

func newFacilitatorClient(url string, cfg *config.Config) *x402http.FacilitatorClient {
	c := x402http.NewFacilitatorClient(url)
	c.Timeouts = cfg.TimeoutConfig()
	if token := cfg.Facilitator.AuthToken; token != "" {
		if !strings.HasPrefix(token, "Bearer ") {
			token = "Bearer " + token
		}
		c.Authorization = token
	}
	if cfg.Facilitator.JWTSecret != "" {
		c.AuthorizationProvider = x402http.JWTAuthorization([]byte(cfg.Facilitator.JWTSecret), cfg.Facilitator.JWTIssuer, 5*time.Minute)
	}
	return c
}

// selectFacilitator picks the first configured facilitator that supports
// exact payments on the configured network and returns the fee payer it
// advertises.
func selectFacilitator(ctx context.Context, cfg *config.Config, logger *slog.Logger) (facilitator.Interface, string, error) {
	candidates := []facilitator.Candidate{{
		Name:      cfg.Facilitator.URL,
		Facility:  newFacilitatorClient(cfg.Facilitator.URL, cfg),
		SkipProbe: cfg.Facilitator.SkipProbe,
	}}
	for _, url := range cfg.Facilitator.FallbackURLs {
		candidates = append(candidates, facilitator.Candidate{Name: url, Facility: newFacilitatorClient(url, cfg)})
	}

	fac, name, err := facilitator.Select(ctx, logger, x402.SchemeExact, cfg.Network, candidates...)
	if err != nil {
		return nil, "", err
	}
	if name == cfg.Facilitator.URL && cfg.Facilitator.SkipProbe {
		return fac, "", nil
	}

	supported, err := fac.Supported(ctx)
	if err != nil {
		logger.Warn("could not read facilitator fee payer", "facilitator", name, "error", err)
		return fac, "", nil
	}
	feePayer := facilitator.FeePayer(supported, x402.SchemeExact, cfg.Network)
	if feePayer != "" {
		logger.Info("facilitator pays transaction fees", "facilitator", name, "fee_payer", feePayer)
	}
	return fac, feePayer, nil
}

func newProvider(cfg *config.Config, logger *slog.Logger) provider.Provider {
	timeout := cfg.Provider.Timeout
	if timeout <= 0 {
		timeout = cfg.TimeoutConfig().ProviderTimeout
	}
	upstream := provider.NewHTTPProvider(cfg.Provider.URL, timeout)
	upstream.Authorization = cfg.Provider.Authorization
	if !cfg.Provider.Breaker.Enabled {
		return upstream
	}
	return provider.NewBreaker(upstream, cfg.BreakerConfig(), logger)
}

// newMCPHandler exposes every priced path as a paid MCP tool that forwards
// its arguments to the provider as a JSON body.
func newMCPHandler(cfg *config.Config, merchant gateway.Merchant, fac facilitator.Interface, store dedupe.Store,
	upstream provider.Provider, callbacks []x402.PaymentCallback, logger *slog.Logger, version string) (http.Handler, error) {
	srv := mcpserver.NewX402Server("agentpay", version, mcpserver.Config{
		Merchant:    merchant,
		Facilitator: fac,
		Store:       store,
		Timeouts:    cfg.TimeoutConfig(),
		Callbacks:   callbacks,
		Logger:      logger,
	})

	for _, p := range cfg.GatewayPrices() {
		path := p.Path
		tool := mcpproto.NewTool(ToolName(path),
			mcpproto.WithDescription(toolDescription(p)),
			mcpproto.WithObject("body", mcpproto.Description("JSON body sent to "+path)),
		)
		handler := func(ctx context.Context, req mcpproto.CallToolRequest) (*mcpproto.CallToolResult, error) {
			body, err := json.Marshal(req.GetArguments()["body"])
			if err != nil {
				return mcpproto.NewToolResultError("invalid body: " + err.Error()), nil
			}
			resp, err := upstream.Call(ctx, &provider.Request{
				Path:   path,
				Method: http.MethodPost,
				Header: http.Header{"Content-Type": []string{"application/json"}},
				Body:   body,
			})
			if err != nil {
				return mcpproto.NewToolResultError(err.Error()), nil
			}
			return mcpproto.NewToolResultText(string(resp.Body)), nil
		}
		if err := srv.AddPayableTool(tool, p, handler); err != nil {
			return nil, err
		}
	}
	return srv.Handler()
}

// ToolName derives an MCP tool name from a priced path ("/v1/chat" becomes
// "v1_chat").
func ToolName(path string) string {
	name := strings.Trim(path, "/")
	name = strings.NewReplacer("/", "_", "-", "_", ".", "_").Replace(name)
	if name == "" {
		return "root"
	}
	return name
}

func toolDescription(p gateway.Price) string {
	if p.Description != "" {
		return p.Description
	}
	return "Paid call to " + p.Path
}

func logPaymentEvent(logger *slog.Logger) x402.PaymentCallback {
	return func(ev x402.PaymentEvent) {
		attrs := []any{
			"event", string(ev.Type),
			"transport", ev.Method,
			"request_id", ev.RequestID,
			"resource", ev.Resource,
			"amount", ev.Amount,
			"network", ev.Network,
		}
		if ev.Payer != "" {
			attrs = append(attrs, "payer", ev.Payer)
		}
		if ev.Transaction != "" {
			attrs = append(attrs, "transaction", ev.Transaction)
		}
		if ev.Error != nil {
			attrs = append(attrs, "error", ev.Error)
			logger.Warn("payment event", attrs...)
			return
		}
		logger.Info("payment event", attrs...)
	}
}
