// Package config loads agentpay settings from a YAML file, a .env file and
// AGENTPAY_ environment variables, in increasing order of precedence.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"

	x402 "github.com/riverventures/solana-agent-pay"
	"github.com/riverventures/solana-agent-pay/dedupe"
	"github.com/riverventures/solana-agent-pay/gateway"
	"github.com/riverventures/solana-agent-pay/provider"
	"github.com/riverventures/solana-agent-pay/validation"
)

// EnvPrefix prefixes environment overrides, e.g. AGENTPAY_FACILITATOR_URL.
const EnvPrefix = "AGENTPAY"

// DefaultFile is read from the working directory when no file is given.
const DefaultFile = "agentpay.yaml"

// Config is the full gateway and client configuration.
type Config struct {
	Network  string `mapstructure:"network" yaml:"network"`
	PayTo    string `mapstructure:"pay_to" yaml:"pay_to"`
	Asset    string `mapstructure:"asset" yaml:"asset"`
	Decimals int    `mapstructure:"decimals" yaml:"decimals"`

	BaseURL      string `mapstructure:"base_url" yaml:"base_url"`
	Listen       string `mapstructure:"listen" yaml:"listen"`
	Router       string `mapstructure:"router" yaml:"router"`
	MaxBodyBytes int64  `mapstructure:"max_body_bytes" yaml:"max_body_bytes"`

	Facilitator Facilitator `mapstructure:"facilitator" yaml:"facilitator"`
	Prices      []Price     `mapstructure:"prices" yaml:"prices"`
	Provider    Provider    `mapstructure:"provider" yaml:"provider"`
	Dedupe      Dedupe      `mapstructure:"dedupe" yaml:"dedupe"`
	Timeouts    Timeouts    `mapstructure:"timeouts" yaml:"timeouts"`
	MCP         MCP         `mapstructure:"mcp" yaml:"mcp"`

	// RPCURL and Keypair are used by the pay command.
	RPCURL  string `mapstructure:"rpc_url" yaml:"rpc_url"`
	Keypair string `mapstructure:"keypair" yaml:"keypair"`
}

type Facilitator struct {
	URL          string   `mapstructure:"url" yaml:"url"`
	FallbackURLs []string `mapstructure:"fallback_urls" yaml:"fallback_urls"`
	AuthToken    string   `mapstructure:"auth_token" yaml:"auth_token"`
	JWTSecret    string   `mapstructure:"jwt_secret" yaml:"jwt_secret"`
	JWTIssuer    string   `mapstructure:"jwt_issuer" yaml:"jwt_issuer"`

	// SkipProbe accepts the primary facilitator without calling /supported.
	SkipProbe bool `mapstructure:"skip_probe" yaml:"skip_probe"`
}

// Price is one priced path. Amount is in atomic units, Price in whole
// token units; exactly one is set. MaxTimeoutSeconds is only advertised;
// payload expiry is decided by the facilitator.
type Price struct {
	Path              string `mapstructure:"path" yaml:"path"`
	Amount            string `mapstructure:"amount" yaml:"amount,omitempty"`
	Price             string `mapstructure:"price" yaml:"price,omitempty"`
	Description       string `mapstructure:"description" yaml:"description,omitempty"`
	MimeType          string `mapstructure:"mime_type" yaml:"mime_type,omitempty"`
	MaxTimeoutSeconds int    `mapstructure:"max_timeout_seconds" yaml:"max_timeout_seconds,omitempty"`
}

type Provider struct {
	URL           string        `mapstructure:"url" yaml:"url"`
	Timeout       time.Duration `mapstructure:"timeout" yaml:"timeout"`
	Authorization string        `mapstructure:"authorization" yaml:"authorization,omitempty"`
	Breaker       Breaker       `mapstructure:"breaker" yaml:"breaker"`
}

type Breaker struct {
	Enabled          bool          `mapstructure:"enabled" yaml:"enabled"`
	FailureThreshold int           `mapstructure:"failure_threshold" yaml:"failure_threshold"`
	SuccessThreshold int           `mapstructure:"success_threshold" yaml:"success_threshold"`
	ResetTimeout     time.Duration `mapstructure:"reset_timeout" yaml:"reset_timeout"`
}

type Dedupe struct {
	// Driver is memory, sqlite, postgres or redis.
	Driver        string        `mapstructure:"driver" yaml:"driver"`
	DSN           string        `mapstructure:"dsn" yaml:"dsn"`
	Retention     time.Duration `mapstructure:"retention" yaml:"retention"`
	PruneInterval time.Duration `mapstructure:"prune_interval" yaml:"prune_interval"`
}

type Timeouts struct {
	Verify   time.Duration `mapstructure:"verify" yaml:"verify"`
	Settle   time.Duration `mapstructure:"settle" yaml:"settle"`
	Provider time.Duration `mapstructure:"provider" yaml:"provider"`
	Request  time.Duration `mapstructure:"request" yaml:"request"`
	Ledger   time.Duration `mapstructure:"ledger" yaml:"ledger"`
}

// MCP exposes each priced path as a paid MCP tool.
type MCP struct {
	Enabled bool   `mapstructure:"enabled" yaml:"enabled"`
	Listen  string `mapstructure:"listen" yaml:"listen"`
	Path    string `mapstructure:"path" yaml:"path"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("network", x402.NetworkSolanaDevnet)
	v.SetDefault("pay_to", "")
	v.SetDefault("asset", "")
	v.SetDefault("decimals", 6)
	v.SetDefault("base_url", "")
	v.SetDefault("listen", ":8402")
	v.SetDefault("router", "gin")
	v.SetDefault("max_body_bytes", 8<<20)

	v.SetDefault("facilitator.url", "")
	v.SetDefault("facilitator.fallback_urls", []string{})
	v.SetDefault("facilitator.auth_token", "")
	v.SetDefault("facilitator.jwt_secret", "")
	v.SetDefault("facilitator.jwt_issuer", "agentpay")
	v.SetDefault("facilitator.skip_probe", false)

	v.SetDefault("provider.url", "")
	v.SetDefault("provider.timeout", x402.DefaultTimeouts.ProviderTimeout)
	v.SetDefault("provider.authorization", "")
	v.SetDefault("provider.breaker.enabled", true)
	v.SetDefault("provider.breaker.failure_threshold", provider.DefaultBreakerConfig.FailureThreshold)
	v.SetDefault("provider.breaker.success_threshold", provider.DefaultBreakerConfig.SuccessThreshold)
	v.SetDefault("provider.breaker.reset_timeout", provider.DefaultBreakerConfig.ResetTimeout)

	v.SetDefault("dedupe.driver", "memory")
	v.SetDefault("dedupe.dsn", "")
	v.SetDefault("dedupe.retention", dedupe.DefaultRetention)
	v.SetDefault("dedupe.prune_interval", time.Hour)

	v.SetDefault("timeouts.verify", x402.DefaultTimeouts.VerifyTimeout)
	v.SetDefault("timeouts.settle", x402.DefaultTimeouts.SettleTimeout)
	v.SetDefault("timeouts.provider", x402.DefaultTimeouts.ProviderTimeout)
	v.SetDefault("timeouts.request", x402.DefaultTimeouts.RequestTimeout)
	v.SetDefault("timeouts.ledger", x402.DefaultTimeouts.LedgerTimeout)

	v.SetDefault("mcp.enabled", false)
	v.SetDefault("mcp.listen", ":8403")
	v.SetDefault("mcp.path", "/mcp")

	v.SetDefault("rpc_url", "")
	v.SetDefault("keypair", "")
}

// Load reads path (or DefaultFile when path is empty and the file exists),
// then envFile (".env" when empty), then the environment.
func Load(path, envFile string) (*Config, error) {
	if err := loadDotEnv(envFile); err != nil {
		return nil, err
	}

	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path == "" {
		if _, err := os.Stat(DefaultFile); err == nil {
			path = DefaultFile
		}
	}
	if path != "" {
		v.SetConfigFile(path)
		v.SetConfigType("yaml")
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("config: read %s: %w", path, err)
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("config: decode: %w", err)
	}
	cfg.Network = x402.NormalizeNetwork(cfg.Network)
	if cfg.Asset == "" {
		cfg.Asset = defaultAsset(cfg.Network)
	}
	return cfg, nil
}

func loadDotEnv(envFile string) error {
	explicit := envFile != ""
	if !explicit {
		envFile = ".env"
	}
	if _, err := os.Stat(envFile); err != nil {
		if !explicit && errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("config: env file: %w", err)
	}
	if err := godotenv.Load(envFile); err != nil {
		return fmt.Errorf("config: load %s: %w", envFile, err)
	}
	return nil
}

func defaultAsset(network string) string {
	switch network {
	case x402.NetworkSolanaDevnet:
		return x402.SolanaDevnet.USDCAddress
	case x402.NetworkSolana:
		return x402.SolanaMainnet.USDCAddress
	default:
		return ""
	}
}

// ValidateServe checks the settings the serve command needs.
func (c *Config) ValidateServe() error {
	var errs []error
	if err := validation.ValidateNetwork(c.Network); err != nil {
		errs = append(errs, err)
	}
	if err := validation.ValidateAddress(c.PayTo, c.Network); err != nil {
		errs = append(errs, fmt.Errorf("pay_to: %w", err))
	}
	if err := validation.ValidateAddress(c.Asset, c.Network); err != nil {
		errs = append(errs, fmt.Errorf("asset: %w", err))
	}
	if c.Facilitator.URL == "" {
		errs = append(errs, errors.New("facilitator.url is required"))
	}
	if c.Provider.URL == "" {
		errs = append(errs, errors.New("provider.url is required"))
	}
	if len(c.Prices) == 0 {
		errs = append(errs, errors.New("at least one price is required"))
	}
	switch c.Router {
	case "gin", "http":
	default:
		errs = append(errs, fmt.Errorf("router must be gin or http, got %q", c.Router))
	}
	switch c.Dedupe.Driver {
	case "memory":
	case "sqlite", "postgres", "redis":
		if c.Dedupe.DSN == "" {
			errs = append(errs, fmt.Errorf("dedupe.dsn is required for %s", c.Dedupe.Driver))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown dedupe.driver %q", c.Dedupe.Driver))
	}
	if err := c.TimeoutConfig().Validate(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// Merchant returns the settlement side of the price table.
func (c *Config) Merchant() gateway.Merchant {
	return gateway.Merchant{
		Network:  c.Network,
		Asset:    c.Asset,
		PayTo:    c.PayTo,
		Decimals: c.Decimals,
	}
}

// GatewayPrices converts the configured prices.
func (c *Config) GatewayPrices() []gateway.Price {
	prices := make([]gateway.Price, 0, len(c.Prices))
	for _, p := range c.Prices {
		prices = append(prices, gateway.Price{
			Path:              p.Path,
			Amount:            p.Amount,
			Price:             p.Price,
			Description:       p.Description,
			MimeType:          p.MimeType,
			MaxTimeoutSeconds: p.MaxTimeoutSeconds,
		})
	}
	return prices
}

// TimeoutConfig returns the configured timeouts.
func (c *Config) TimeoutConfig() x402.TimeoutConfig {
	return x402.DefaultTimeouts.
		WithVerifyTimeout(c.Timeouts.Verify).
		WithSettleTimeout(c.Timeouts.Settle).
		WithProviderTimeout(c.Timeouts.Provider).
		WithRequestTimeout(c.Timeouts.Request).
		WithLedgerTimeout(c.Timeouts.Ledger)
}

// BreakerConfig returns the provider circuit breaker settings.
func (c *Config) BreakerConfig() provider.BreakerConfig {
	return provider.BreakerConfig{
		FailureThreshold: c.Provider.Breaker.FailureThreshold,
		SuccessThreshold: c.Provider.Breaker.SuccessThreshold,
		ResetTimeout:     c.Provider.Breaker.ResetTimeout,
	}
}

const redacted = "[redacted]"

// Redacted returns a copy safe to print.
func (c *Config) Redacted() *Config {
	out := *c
	out.Prices = append([]Price(nil), c.Prices...)
	out.Facilitator.FallbackURLs = append([]string(nil), c.Facilitator.FallbackURLs...)
	for _, s := range []*string{&out.Facilitator.AuthToken, &out.Facilitator.JWTSecret, &out.Provider.Authorization, &out.Keypair} {
		if *s != "" {
			*s = redacted
		}
	}
	if out.Dedupe.Driver == "postgres" || out.Dedupe.Driver == "redis" {
		if out.Dedupe.DSN != "" {
			out.Dedupe.DSN = redacted
		}
	}
	return &out
}
