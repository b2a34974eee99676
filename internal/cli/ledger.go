package cli

import (
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	x402 "github.com/riverventures/solana-agent-pay"
	"github.com/riverventures/solana-agent-pay/dedupe"
)

func newLedgerCommand(opts *options) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "ledger",
		Short: "Inspect the settlement dedupe ledger",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "lookup <fingerprint>",
		Short: "Show the ledger entry for a payment fingerprint",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := openStore(cmd.Context(), opts.cfg.Dedupe)
			if err != nil {
				return err
			}
			defer store.Close()

			entry, err := store.Lookup(cmd.Context(), x402.Fingerprint(args[0]))
			if errors.Is(err, dedupe.ErrNotFound) {
				return fmt.Errorf("no ledger entry for %s", args[0])
			}
			if err != nil {
				return err
			}
			data, err := yaml.Marshal(entry)
			if err != nil {
				return err
			}
			_, err = cmd.OutOrStdout().Write(data)
			return err
		},
	})

	var olderThan time.Duration
	prune := &cobra.Command{
		Use:   "prune",
		Short: "Delete ledger entries older than the retention",
		RunE: func(cmd *cobra.Command, args []string) error {
			if olderThan <= 0 {
				olderThan = opts.cfg.Dedupe.Retention
			}
			if olderThan <= 0 {
				olderThan = dedupe.DefaultRetention
			}
			store, err := openStore(cmd.Context(), opts.cfg.Dedupe)
			if err != nil {
				return err
			}
			defer store.Close()

			n, err := store.Prune(cmd.Context(), time.Now().Add(-olderThan))
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "pruned %d entries older than %s\n", n, olderThan)
			return nil
		},
	}
	prune.Flags().DurationVar(&olderThan, "older-than", 0, "age cutoff (default dedupe.retention)")
	cmd.AddCommand(prune)
	return cmd
}
