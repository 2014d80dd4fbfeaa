package commands

import (
	"context"
	"crypto/ecdsa"
	"fmt"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/crypto"
	"github.com/spf13/cobra"

	"github.com/mmynk/invoicechain/internal/auth"
)

var signCmd = &cobra.Command{
	Use:   "sign",
	Short: "Sign a verification challenge offline",
	Long: `Sign the challenge for a nonce issued by POST /users/{wallet}/verify/nonce.
Prints the signature to submit to POST /users/{wallet}/verify.`,
	Run: func(cmd *cobra.Command, args []string) {
		keyFile, _ := cmd.Flags().GetString("key")
		nonce, _ := cmd.Flags().GetString("nonce")

		key := loadKey(keyFile)
		wallet := walletOf(key)
		sig, err := auth.SignChallenge(key, auth.ChallengeMessage(wallet, nonce))
		if err != nil {
			exitf("Failed to sign: %v", err)
		}
		fmt.Println(sig)
	},
}

var loginCmd = &cobra.Command{
	Use:   "login",
	Short: "Prove wallet ownership and print a session token",
	Run: func(cmd *cobra.Command, args []string) {
		keyFile, _ := cmd.Flags().GetString("key")
		key := loadKey(keyFile)
		wallet := walletOf(key)

		ctx, cancel := context.WithTimeout(cmd.Context(), 30*time.Second)
		defer cancel()
		c := newClient()

		challenge, err := c.IssueNonce(ctx, wallet)
		if err != nil {
			exitf("Failed to get nonce: %v", err)
		}
		sig, err := auth.SignChallenge(key, challenge.Message)
		if err != nil {
			exitf("Failed to sign: %v", err)
		}
		res, err := c.Verify(ctx, wallet, sig)
		if err != nil {
			exitf("Verification failed: %v", err)
		}

		fmt.Printf("Verified %s (user %s)\n", res.User.WalletAddress, res.User.ID)
		fmt.Println(res.Token)
	},
}

func init() {
	rootCmd.AddCommand(signCmd, loginCmd)

	signCmd.Flags().StringP("key", "k", "wallet.key", "Path to your private key file")
	signCmd.Flags().StringP("nonce", "n", "", "Nonce returned by the server")
	signCmd.MarkFlagRequired("nonce")

	loginCmd.Flags().StringP("key", "k", "wallet.key", "Path to your private key file")
}

func loadKey(path string) *ecdsa.PrivateKey {
	key, err := crypto.LoadECDSA(path)
	if err != nil {
		exitf("Failed to load private key: %v", err)
	}
	return key
}

// walletOf returns the lower-cased address the server stores.
func walletOf(key *ecdsa.PrivateKey) string {
	return strings.ToLower(crypto.PubkeyToAddress(key.PublicKey).Hex())
}
