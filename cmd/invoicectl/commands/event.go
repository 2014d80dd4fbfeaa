package commands

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/mmynk/invoicechain/internal/rpc"
	"github.com/mmynk/invoicechain/internal/status"
)

var eventCmd = &cobra.Command{
	Use:   "event",
	Short: "Push ledger events to the coordinator",
	Long: `Push registry events over the LedgerEventService. The server checks each
event against the ledger before applying it, so replays are harmless.`,
}

var eventCreatedCmd = &cobra.Command{
	Use:   "created",
	Short: "Report an InvoiceCreated event",
	Run: func(cmd *cobra.Command, args []string) {
		invoiceID, _ := cmd.Flags().GetString("invoice-id")
		numericID, _ := cmd.Flags().GetInt64("numeric-id")
		txHash, _ := cmd.Flags().GetString("tx")
		block, _ := cmd.Flags().GetInt64("block")

		ctx, cancel := context.WithTimeout(cmd.Context(), 30*time.Second)
		defer cancel()
		ack, err := eventClient().InvoiceCreated(ctx, invoiceID, numericID, txHash, block)
		if err != nil {
			exitf("InvoiceCreated rejected: %v", err)
		}
		printAck(ack)
	},
}

var eventStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Report an InvoiceStatusChanged event",
	Run: func(cmd *cobra.Command, args []string) {
		numericID, _ := cmd.Flags().GetInt64("numeric-id")
		name, _ := cmd.Flags().GetString("status")
		txHash, _ := cmd.Flags().GetString("tx")

		ls, ok := ledgerStatus(name)
		if !ok {
			exitf("Error: unknown ledger status %q", name)
		}
		ctx, cancel := context.WithTimeout(cmd.Context(), 30*time.Second)
		defer cancel()
		ack, err := eventClient().StatusChanged(ctx, numericID, int(ls), txHash)
		if err != nil {
			exitf("InvoiceStatusChanged rejected: %v", err)
		}
		printAck(ack)
	},
}

func init() {
	rootCmd.AddCommand(eventCmd)
	eventCmd.AddCommand(eventCreatedCmd, eventStatusCmd)

	eventCreatedCmd.Flags().String("invoice-id", "", "local invoice id")
	eventCreatedCmd.Flags().Int64("numeric-id", 0, "registry id from the event")
	eventCreatedCmd.Flags().String("tx", "", "creation transaction hash")
	eventCreatedCmd.Flags().Int64("block", 0, "block number")
	eventCreatedCmd.MarkFlagRequired("invoice-id")
	eventCreatedCmd.MarkFlagRequired("numeric-id")
	eventCreatedCmd.MarkFlagRequired("tx")

	eventStatusCmd.Flags().Int64("numeric-id", 0, "registry id")
	eventStatusCmd.Flags().String("status", "", "ledger status: Created, Paid, Disputed, Resolved or Cancelled")
	eventStatusCmd.Flags().String("tx", "", "transaction hash")
	eventStatusCmd.MarkFlagRequired("numeric-id")
	eventStatusCmd.MarkFlagRequired("status")
}

func eventClient() *rpc.Client {
	return rpc.NewClient(&http.Client{Timeout: 30 * time.Second}, serverURL, token)
}

func ledgerStatus(name string) (status.Ledger, bool) {
	for v := 0; ; v++ {
		ls, ok := status.ParseLedger(v)
		if !ok {
			return 0, false
		}
		if strings.EqualFold(ls.String(), name) {
			return ls, true
		}
	}
}

func printAck(ack rpc.Ack) {
	if ack.Applied {
		fmt.Printf("applied, status %s\n", ack.Status)
		return
	}
	fmt.Printf("already applied, status %s\n", ack.Status)
}
