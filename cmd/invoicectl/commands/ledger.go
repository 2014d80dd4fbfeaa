package commands

import (
	"context"
	"encoding/hex"
	"fmt"
	"math/big"
	"os"
	"time"

	"github.com/ethereum/go-ethereum/crypto"
	"github.com/spf13/cobra"

	"github.com/mmynk/invoicechain/internal/ledger"
	"github.com/mmynk/invoicechain/pkg/logging"
)

var ledgerCmd = &cobra.Command{
	Use:   "ledger",
	Short: "Send registry transactions from your own wallet",
	Long: `Talk to the invoice registry directly over JSON-RPC, signing with your wallet
key. Payments, disputes and cancellations are the payer's and issuer's actions;
the coordinator learns about them from the ledger.

INVOICECHAIN_LEDGER_RPC_URL and INVOICECHAIN_LEDGER_CONTRACT_ADDRESS provide
defaults for --rpc and --contract.`,
}

var ledgerGetCmd = &cobra.Command{
	Use:   "get",
	Short: "Read an invoice from the registry",
	Run: func(cmd *cobra.Command, args []string) {
		withLedger(cmd, func(ctx context.Context, l *ledger.EthLedger, id int64) {
			inv, err := l.GetInvoice(ctx, id)
			if err != nil {
				exitf("Failed to read invoice %d: %v", id, err)
			}
			fmt.Printf("id:        %d\n", inv.ID)
			fmt.Printf("status:    %s\n", inv.Status)
			fmt.Printf("issuer:    %s\n", inv.Issuer.Hex())
			fmt.Printf("recipient: %s\n", inv.Recipient.Hex())
			fmt.Printf("amount:    %s\n", inv.Amount)
			fmt.Printf("token:     %s\n", inv.Token.Hex())
			fmt.Printf("due:       %s\n", inv.DueDate.Format(time.RFC3339))
			fmt.Printf("document:  %s\n", inv.DocHash)
		})
	},
}

var ledgerPayCmd = &cobra.Command{
	Use:   "pay",
	Short: "Pay an invoice in ETH (--value) or in its ERC-20 token",
	Run: func(cmd *cobra.Command, args []string) {
		value, _ := cmd.Flags().GetString("value")
		withLedger(cmd, func(ctx context.Context, l *ledger.EthLedger, id int64) {
			var (
				tx  string
				err error
			)
			if value != "" {
				wei, ok := new(big.Int).SetString(value, 10)
				if !ok || wei.Sign() <= 0 {
					exitf("Error: --value must be a positive integer amount of wei")
				}
				tx, err = l.PayInvoiceETH(ctx, id, wei)
			} else {
				tx, err = l.PayInvoiceToken(ctx, id)
			}
			if err != nil {
				exitf("Payment failed: %v", err)
			}
			waitTx(ctx, l, tx)
		})
	},
}

var ledgerDisputeCmd = &cobra.Command{
	Use:   "dispute",
	Short: "Raise a dispute on an invoice",
	Run: func(cmd *cobra.Command, args []string) {
		reason, _ := cmd.Flags().GetString("reason")
		withLedger(cmd, func(ctx context.Context, l *ledger.EthLedger, id int64) {
			tx, err := l.RaiseDispute(ctx, id, reason)
			if err != nil {
				exitf("Dispute failed: %v", err)
			}
			waitTx(ctx, l, tx)
		})
	},
}

var ledgerCancelCmd = &cobra.Command{
	Use:   "cancel",
	Short: "Cancel an invoice you issued",
	Run: func(cmd *cobra.Command, args []string) {
		withLedger(cmd, func(ctx context.Context, l *ledger.EthLedger, id int64) {
			tx, err := l.CancelInvoice(ctx, id)
			if err != nil {
				exitf("Cancel failed: %v", err)
			}
			waitTx(ctx, l, tx)
		})
	},
}

func init() {
	rootCmd.AddCommand(ledgerCmd)
	ledgerCmd.AddCommand(ledgerGetCmd, ledgerPayCmd, ledgerDisputeCmd, ledgerCancelCmd)

	ledgerCmd.PersistentFlags().StringP("key", "k", "wallet.key", "Path to your private key file")
	ledgerCmd.PersistentFlags().String("rpc", "", "JSON-RPC endpoint")
	ledgerCmd.PersistentFlags().String("contract", "", "registry contract address")
	ledgerCmd.PersistentFlags().Int64("id", 0, "registry invoice id")
	ledgerCmd.PersistentFlags().Duration("timeout", 2*time.Minute, "how long to wait for the transaction")
	ledgerCmd.MarkPersistentFlagRequired("id")

	ledgerPayCmd.Flags().String("value", "", "ETH amount in wei; omit to pay in the invoice token")
	ledgerDisputeCmd.Flags().String("reason", "", "dispute reason")
	ledgerDisputeCmd.Flags().String("fee", "0", "dispute fee in wei required by the registry")
	ledgerDisputeCmd.MarkFlagRequired("reason")
}

func withLedger(cmd *cobra.Command, fn func(ctx context.Context, l *ledger.EthLedger, id int64)) {
	keyFile, _ := cmd.Flags().GetString("key")
	rpcURL, _ := cmd.Flags().GetString("rpc")
	contract, _ := cmd.Flags().GetString("contract")
	id, _ := cmd.Flags().GetInt64("id")
	timeout, _ := cmd.Flags().GetDuration("timeout")

	if rpcURL == "" {
		rpcURL = os.Getenv("INVOICECHAIN_LEDGER_RPC_URL")
	}
	if contract == "" {
		contract = os.Getenv("INVOICECHAIN_LEDGER_CONTRACT_ADDRESS")
	}
	if rpcURL == "" || contract == "" {
		exitf("Error: --rpc and --contract are required")
	}
	if id <= 0 {
		exitf("Error: --id must be positive")
	}

	fee := new(big.Int)
	if f := cmd.Flags().Lookup("fee"); f != nil {
		if _, ok := fee.SetString(f.Value.String(), 10); !ok || fee.Sign() < 0 {
			exitf("Error: --fee must be a non-negative integer amount of wei")
		}
	}

	key := loadKey(keyFile)
	ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
	defer cancel()

	l, err := ledger.DialEth(ctx, ledger.EthConfig{
		RPCURL:          rpcURL,
		ContractAddress: contract,
		PrivateKey:      hex.EncodeToString(crypto.FromECDSA(key)),
		SubmitTimeout:   timeout,
		PollInterval:    2 * time.Second,
		DisputeFee:      fee,
	}, nil, logging.New(os.Stderr, "warn", "text", false))
	if err != nil {
		exitf("Failed to connect: %v", err)
	}
	defer l.Close()

	fn(ctx, l, id)
}

func waitTx(ctx context.Context, l ledger.Ledger, tx string) {
	fmt.Printf("sent %s\n", tx)
	rcpt, err := ledger.WaitMined(ctx, l, tx, 2*time.Second)
	if err != nil {
		exitf("Waiting for %s: %v", tx, err)
	}
	if rcpt.Reverted {
		exitf("Transaction %s reverted in block %d", tx, rcpt.BlockNumber)
	}
	fmt.Printf("mined in block %d\n", rcpt.BlockNumber)
}
