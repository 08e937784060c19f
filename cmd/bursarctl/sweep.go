package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/soulcypherai/ai-workout-coach-sub002/internal/accounts"
	"github.com/soulcypherai/ai-workout-coach-sub002/internal/ledger"
	"github.com/soulcypherai/ai-workout-coach-sub002/internal/reconcile"
	"github.com/soulcypherai/ai-workout-coach-sub002/internal/webhooks"
	"github.com/soulcypherai/ai-workout-coach-sub002/pkg/config"
)

func newSweepCmd() *cobra.Command {
	var (
		window time.Duration
		dryRun bool
	)

	cmd := &cobra.Command{
		Use:   "sweep",
		Short: "Replay missed provider events over a lookback window",
		Example: `  # Re-apply anything Stripe delivered in the last day that we missed
  bursarctl sweep --window 24h

  # Report what a sweep would apply without writing
  bursarctl sweep --dry-run`,
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := newLogger()
			db := openDB(logger)
			defer db.Close()

			source, err := reconcile.NewStripeEventSource(config.RequireEnv("STRIPE_SECRET_KEY"))
			if err != nil {
				return fmt.Errorf("stripe setup: %w", err)
			}
			ingestor := webhooks.NewIngestor(db,
				ledger.New(db, logger),
				accounts.NewStore(db),
				config.GetEnv("STRIPE_WEBHOOK_SECRET", ""),
				logger, nil)

			sweeper := reconcile.NewSweeper(db, source, ingestor, logger)
			summary, err := sweeper.Run(cmd.Context(), reconcile.Options{Window: window, DryRun: dryRun})
			if err != nil {
				return fmt.Errorf("sweep: %w", err)
			}

			fmt.Fprintf(cmd.OutOrStdout(), "scanned=%d applied=%d already_processed=%d skipped=%d failed=%d\n",
				summary.Scanned, summary.Applied, summary.AlreadyProcessed, summary.Skipped, summary.Failed)
			if summary.Failed > 0 {
				return fmt.Errorf("%d provider events failed to apply", summary.Failed)
			}
			return nil
		},
	}

	cmd.Flags().DurationVar(&window, "window", 24*time.Hour, "How far back to replay provider events")
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "Report what would be applied without writing")

	return cmd
}
