package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/soulcypherai/ai-workout-coach-sub002/internal/reconcile"
)

func newCheckCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "check",
		Short: "Audit ledger integrity",
		Long: `Audit the ledger tables for inconsistencies: duplicate idempotency
keys, transactions referencing deleted users, balances that disagree
with their transaction sums, and negative balances.

Exits non-zero when any critical finding is present.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := newLogger()
			db := openDB(logger)
			defer db.Close()

			findings, err := reconcile.CheckLedger(cmd.Context(), db)
			if err != nil {
				return fmt.Errorf("ledger check: %w", err)
			}

			for _, f := range findings {
				fmt.Fprintf(cmd.OutOrStdout(), "[%s] %s: %s\n", f.Severity, f.Kind, f.Detail)
			}
			if len(findings) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "ledger clean")
			}
			if reconcile.HasCritical(findings) {
				return fmt.Errorf("critical ledger findings present")
			}
			return nil
		},
	}
}
