package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/soulcypherai/ai-workout-coach-sub002/internal/accounts"
)

func newResolveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "resolve <wallet-address>",
		Short: "Resolve an on-chain payer wallet to an account",
		Long: `Look up the account linked to a wallet address and print its
on-chain user hash, the identity the payment contract stores nonces
under. Useful when tracing a payment seen on-chain back to a user.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := newLogger()
			db := openDB(logger)
			defer db.Close()

			user, err := accounts.NewStore(db).ByWallet(cmd.Context(), args[0])
			if err != nil {
				return fmt.Errorf("resolve %s: %w", args[0], err)
			}

			hash := accounts.UserHash(user.WalletAddress)
			fmt.Fprintf(cmd.OutOrStdout(), "user_id=%s email=%s wallet=%s user_hash=0x%x\n",
				user.ID, user.Email, user.WalletAddress, hash)
			return nil
		},
	}
}
