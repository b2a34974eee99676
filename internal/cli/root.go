// Package cli implements the agentpay command line.
package cli

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/riverventures/solana-agent-pay/internal/config"
)

// options are the persistent flags shared by every command.
type options struct {
	configFile string
	envFile    string
	logFormat  string
	logLevel   string

	cfg    *config.Config
	logger *slog.Logger
}

// NewRootCommand builds the agentpay command tree.
func NewRootCommand(version string) *cobra.Command {
	opts := &options{}

	root := &cobra.Command{
		Use:   "agentpay",
		Short: "Pay-per-request gateway for AI agent traffic settled in Solana USDC",
		Long: `agentpay sells access to an upstream API per request. Priced paths answer
402 Payment Required with x402 requirements; requests carrying a valid
X-PAYMENT proof are verified, forwarded and settled through a facilitator.`,
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			logger, err := newLogger(cmd.ErrOrStderr(), opts.logFormat, opts.logLevel)
			if err != nil {
				return err
			}
			slog.SetDefault(logger)
			opts.logger = logger

			cfg, err := config.Load(opts.configFile, opts.envFile)
			if err != nil {
				return err
			}
			opts.cfg = cfg
			return nil
		},
	}

	flags := root.PersistentFlags()
	flags.StringVarP(&opts.configFile, "config", "c", "", "config file (default ./"+config.DefaultFile+" when present)")
	flags.StringVar(&opts.envFile, "env-file", "", "dotenv file loaded before the environment (default ./.env when present)")
	flags.StringVar(&opts.logFormat, "log-format", "text", "log format: text or json")
	flags.StringVar(&opts.logLevel, "log-level", "info", "log level: debug, info, warn or error")

	root.AddCommand(newServeCommand(opts))
	root.AddCommand(newPayCommand(opts))
	root.AddCommand(newLedgerCommand(opts))
	root.AddCommand(newConfigCommand(opts))
	return root
}

// Execute runs the root command.
func Execute(version string) error {
	if err := NewRootCommand(version).Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		return err
	}
	return nil
}

func newLogger(w io.Writer, format, level string) (*slog.Logger, error) {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		return nil, fmt.Errorf("invalid --log-level %q", level)
	}
	handlerOpts := &slog.HandlerOptions{Level: lvl}

	switch strings.ToLower(format) {
	case "text", "":
		return slog.New(slog.NewTextHandler(w, handlerOpts)), nil
	case "json":
		return slog.New(slog.NewJSONHandler(w, handlerOpts)), nil
	default:
		return nil, fmt.Errorf("invalid --log-format %q", format)
	}
}
