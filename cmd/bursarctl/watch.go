package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/soulcypherai/ai-workout-coach-sub002/internal/ledger"
	"github.com/soulcypherai/ai-workout-coach-sub002/pkg/config"
	"github.com/soulcypherai/ai-workout-coach-sub002/pkg/redis"
)

func newWatchCmd() *cobra.Command {
	var channel string

	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Tail live balance changes from the Redis feed",
		Long: `Subscribe to the balance-change channel the service publishes on
and print each applied ledger entry as it happens. Runs until
interrupted.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := newLogger()

			client, err := redis.NewClientFromURL(cmd.Context(), config.RequireEnv("REDIS_URL"))
			if err != nil {
				return fmt.Errorf("redis: %w", err)
			}
			defer client.Close()

			feed := redis.NewTypedPubSub[ledger.BalanceChange](client, logger)
			return feed.Subscribe(cmd.Context(), channel, func(change ledger.BalanceChange) {
				fmt.Fprintf(cmd.OutOrStdout(), "%s %s %+d balance=%d\n",
					change.UserID, change.Type, change.Delta, change.NewBalance)
			})
		},
	}

	cmd.Flags().StringVar(&channel, "channel", "credits:balance", "Redis channel to subscribe to")

	return cmd
}
