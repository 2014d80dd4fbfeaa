package commands

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/mmynk/invoicechain/internal/auth"
	"github.com/mmynk/invoicechain/internal/models"
)

// tokenCmd mints a token with the server's shared secret, e.g. for a ledger
// indexer pushing events or for an identity-provider caller in development.
var tokenCmd = &cobra.Command{
	Use:   "token",
	Short: "Mint a session token with the shared signing secret",
	Run: func(cmd *cobra.Command, args []string) {
		secret, _ := cmd.Flags().GetString("secret")
		userID, _ := cmd.Flags().GetString("user-id")
		wallet, _ := cmd.Flags().GetString("wallet")
		email, _ := cmd.Flags().GetString("email")
		ttl, _ := cmd.Flags().GetDuration("ttl")

		if secret == "" {
			secret = os.Getenv("INVOICECHAIN_AUTH_JWT_SECRET")
		}
		if secret == "" {
			exitf("Error: --secret or INVOICECHAIN_AUTH_JWT_SECRET is required")
		}
		if wallet != "" && !auth.ValidWallet(wallet) {
			exitf("Error: %q is not a wallet address", wallet)
		}
		if userID == "" {
			userID = uuid.NewString()
		}

		tok, err := auth.NewJWTManager(secret, ttl).Generate(&models.User{
			ID:            userID,
			WalletAddress: strings.ToLower(wallet),
			Email:         email,
		})
		if err != nil {
			exitf("Failed to mint token: %v", err)
		}
		fmt.Println(tok)
	},
}

func init() {
	rootCmd.AddCommand(tokenCmd)

	tokenCmd.Flags().String("secret", "", "HS256 signing secret (default $INVOICECHAIN_AUTH_JWT_SECRET)")
	tokenCmd.Flags().String("user-id", "", "user_id claim (default a random UUID)")
	tokenCmd.Flags().String("wallet", "", "wallet claim")
	tokenCmd.Flags().String("email", "", "email claim")
	tokenCmd.Flags().Duration("ttl", time.Hour, "token lifetime")
}
