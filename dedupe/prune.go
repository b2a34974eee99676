package dedupe

import (
	"context"
	"log/slog"
	"time"
)

// DefaultRetention keeps ledger entries for a day, far beyond any
// requirement's maxTimeoutSeconds and a Solana blockhash lifetime.
const DefaultRetention = 24 * time.Hour

// RunPruner deletes entries older than retention every interval until ctx is
// done. It returns nil on cancellation.
func RunPruner(ctx context.Context, store Store, retention, interval time.Duration, logger *slog.Logger) error {
	if logger == nil {
		logger = slog.Default()
	}
	if retention <= 0 {
		retention = DefaultRetention
	}
	if interval <= 0 {
		interval = retention / 24
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			n, err := store.Prune(ctx, time.Now().Add(-retention))
			if err != nil {
				logger.Warn("dedupe prune failed", "error", err)
				continue
			}
			if n > 0 {
				logger.Info("dedupe entries pruned", "count", n)
			}
		}
	}
}
