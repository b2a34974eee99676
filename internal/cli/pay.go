package cli

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"strings"

	"github.com/spf13/cobra"

	x402 "github.com/riverventures/solana-agent-pay"
	x402http "github.com/riverventures/solana-agent-pay/http"
	"github.com/riverventures/solana-agent-pay/internal/config"
	"github.com/riverventures/solana-agent-pay/signers/svm"
)

func newPayCommand(opts *options) *cobra.Command {
	var (
		method    string
		data      string
		maxAmount string
		headers   []string
	)
	cmd := &cobra.Command{
		Use:   "pay <url>",
		Short: "Request a paid resource, paying the 402 challenge with the configured keypair",
		Long: `Send a request and, if the server answers 402, pay it once from the Solana
keypair in the keypair setting (a solana-keygen JSON file or a base58 key).

Examples:
  agentpay pay https://api.example.com/v1/chat -d '{"prompt":"hi"}'
  agentpay pay --max-amount 0.05 https://api.example.com/v1/chat`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			signer, err := newSigner(opts.cfg, maxAmount)
			if err != nil {
				return err
			}
			opts.logger.Info("paying from", "address", signer.Address().String(), "network", signer.Network())

			client, err := x402http.NewClient(
				x402http.WithTimeout(opts.cfg.TimeoutConfig().RequestTimeout),
				x402http.WithSigner(signer),
				x402http.WithPaymentCallbacks(logPaymentEvent(opts.logger), logPaymentEvent(opts.logger), logPaymentEvent(opts.logger)),
			)
			if err != nil {
				return err
			}
			return pay(cmd.Context(), client, method, args[0], data, headers, cmd.OutOrStdout(), opts.logger)
		},
	}
	cmd.Flags().StringVarP(&method, "method", "X", http.MethodPost, "HTTP method")
	cmd.Flags().StringVarP(&data, "data", "d", "", "request body (@file reads a file)")
	cmd.Flags().StringVar(&maxAmount, "max-amount", "", "refuse to pay more than this many whole tokens")
	cmd.Flags().StringArrayVarP(&headers, "header", "H", nil, "extra request header (Name: value)")
	return cmd
}

func newSigner(cfg *config.Config, maxAmount string) (*svm.Signer, error) {
	if cfg.Keypair == "" {
		return nil, errors.New("keypair is not configured (set keypair or AGENTPAY_KEYPAIR)")
	}
	tokens := []x402.TokenConfig{{Address: cfg.Asset, Symbol: "USDC", Decimals: cfg.Decimals}}

	var signerOpts []svm.Option
	if cfg.RPCURL != "" {
		signerOpts = append(signerOpts, svm.WithRPCURL(cfg.RPCURL))
	}
	if maxAmount != "" {
		limit, err := x402.AmountToBigInt(maxAmount, cfg.Decimals)
		if err != nil {
			return nil, fmt.Errorf("invalid --max-amount: %w", err)
		}
		signerOpts = append(signerOpts, svm.WithMaxAmount(limit))
	}

	if _, err := os.Stat(cfg.Keypair); err == nil {
		return svm.NewSignerFromKeygenFile(cfg.Network, cfg.Keypair, tokens, signerOpts...)
	}
	return svm.NewSigner(cfg.Network, cfg.Keypair, tokens, signerOpts...)
}

func pay(ctx context.Context, client *x402http.Client, method, url, data string, headers []string, out io.Writer, logger *slog.Logger) error {
	var body io.Reader
	if data != "" {
		if path, ok := strings.CutPrefix(data, "@"); ok {
			raw, err := os.ReadFile(path)
			if err != nil {
				return err
			}
			body = bytes.NewReader(raw)
		} else {
			body = strings.NewReader(data)
		}
	}

	req, err := http.NewRequestWithContext(ctx, method, url, body)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for _, h := range headers {
		name, value, ok := strings.Cut(h, ":")
		if !ok {
			return fmt.Errorf("invalid header %q", h)
		}
		req.Header.Set(strings.TrimSpace(name), strings.TrimSpace(value))
	}

	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if receipt := x402http.GetSettlement(resp); receipt != nil {
		logger.Info("payment settled", "success", receipt.Success, "transaction", receipt.Transaction, "payer", receipt.Payer)
	}
	if _, err := io.Copy(out, resp.Body); err != nil {
		return err
	}
	if resp.StatusCode >= http.StatusBadRequest {
		return fmt.Errorf("server answered %s", resp.Status)
	}
	return nil
}
