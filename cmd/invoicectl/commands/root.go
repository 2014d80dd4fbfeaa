// Package commands implements the invoicectl command tree.
package commands

import (
	"fmt"
	"os"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/mmynk/invoicechain/internal/client"
)

var (
	serverURL string
	token     string
)

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "invoicectl",
	Short: "invoicectl - InvoiceChain command line client",
	Long: `invoicectl talks to an InvoiceChain server. It manages wallet keys, proves
wallet ownership to obtain a session token, lists and follows invoices, and
pushes ledger events to the coordinator.

INVOICECHAIN_URL and INVOICECHAIN_TOKEN (also read from .env) provide defaults
for --server and --token.`,
	SilenceUsage: true,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		_ = godotenv.Load()
		if !cmd.Flags().Changed("server") {
			if v := os.Getenv("INVOICECHAIN_URL"); v != "" {
				serverURL = v
			}
		}
		if token == "" {
			token = os.Getenv("INVOICECHAIN_TOKEN")
		}
	},
}

// Execute adds all child commands to the root command and runs it.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&serverURL, "server", "s", "http://localhost:8080", "server base URL")
	rootCmd.PersistentFlags().StringVarP(&token, "token", "t", "", "session token")
}

func newClient() *client.Client {
	return client.New(serverURL, nil)
}

func exitf(format string, args ...any) {
	fmt.Fprintf(os.Stderr, format+"\n", args...)
	os.Exit(1)
}
