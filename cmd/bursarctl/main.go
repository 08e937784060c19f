// bursarctl runs billing maintenance tasks on demand: replaying missed
// provider events, auditing ledger integrity, resolving on-chain payers
// to accounts, and tailing live balance changes. Commands exit non-zero
// on sweep failures or critical findings so they can gate deploys and
// drive alerting from cron.
package main

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/soulcypherai/ai-workout-coach-sub002/pkg/config"
	"github.com/soulcypherai/ai-workout-coach-sub002/pkg/database"
	"github.com/soulcypherai/ai-workout-coach-sub002/pkg/logging"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:           "bursarctl",
		Short:         "Maintenance commands for the credits and payments service",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.AddCommand(newSweepCmd())
	rootCmd.AddCommand(newCheckCmd())
	rootCmd.AddCommand(newResolveCmd())
	rootCmd.AddCommand(newWatchCmd())
	rootCmd.AddCommand(newVersionCmd())

	return rootCmd
}

// newLogger builds the CLI logger and loads local env files, matching
// how the service binary boots.
func newLogger() logging.Logger {
	logger := logging.NewLoggerWithService("bursarctl")
	config.LoadEnv(logger)
	return logger
}

func openDB(logger logging.Logger) *sql.DB {
	dbConfig := database.DefaultConfig()
	dbConfig.URL = config.RequireEnv("DATABASE_URL")
	return database.MustConnect(dbConfig, logger)
}
