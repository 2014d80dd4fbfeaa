package commands

import (
	"fmt"
	"os"

	"github.com/ethereum/go-ethereum/crypto"
	"github.com/spf13/cobra"
)

// genkeyCmd represents the genkey command
var genkeyCmd = &cobra.Command{
	Use:   "genkey",
	Short: "Generate a wallet key",
	Long: `Generate a new secp256k1 key. The private key is saved hex encoded and the
wallet address is printed. Use the key with login, sign and pay.`,
	Run: func(cmd *cobra.Command, args []string) {
		runGenKey(cmd)
	},
}

func init() {
	rootCmd.AddCommand(genkeyCmd)

	genkeyCmd.Flags().StringP("output", "o", "wallet.key", "Output file for the private key")
	genkeyCmd.Flags().BoolP("force", "f", false, "Overwrite existing key file")
}

func runGenKey(cmd *cobra.Command) {
	outputFile, _ := cmd.Flags().GetString("output")
	force, _ := cmd.Flags().GetBool("force")

	if _, err := os.Stat(outputFile); err == nil && !force {
		exitf("Key file '%s' already exists. Use --force to overwrite.", outputFile)
	}

	key, err := crypto.GenerateKey()
	if err != nil {
		exitf("Failed to generate key: %v", err)
	}
	if err := crypto.SaveECDSA(outputFile, key); err != nil {
		exitf("Failed to write key file: %v", err)
	}

	fmt.Printf("Private key saved to: %s\n", outputFile)
	fmt.Printf("Wallet address: %s\n", crypto.PubkeyToAddress(key.PublicKey).Hex())
}
