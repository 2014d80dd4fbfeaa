package commands

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/mmynk/invoicechain/internal/loader"
	"github.com/mmynk/invoicechain/pkg/logging"
)

var invoicesCmd = &cobra.Command{
	Use:   "invoices",
	Short: "List the invoices of a wallet",
	Long: `List the invoices where the wallet is issuer or recipient, with their display
status. With --watch the list is reloaded every --interval and printed after
each load until interrupted.`,
	Run: func(cmd *cobra.Command, args []string) {
		runInvoices(cmd)
	},
}

func init() {
	rootCmd.AddCommand(invoicesCmd)

	invoicesCmd.Flags().StringP("wallet", "w", "", "wallet address (default the token's wallet)")
	invoicesCmd.Flags().Bool("watch", false, "keep reloading until interrupted")
	invoicesCmd.Flags().Duration("interval", 30*time.Second, "reload interval for --watch")
}

func runInvoices(cmd *cobra.Command) {
	wallet, _ := cmd.Flags().GetString("wallet")
	watch, _ := cmd.Flags().GetBool("watch")
	interval, _ := cmd.Flags().GetDuration("interval")

	cfg := loader.DefaultConfig()
	opts := []loader.Option{loader.WithLogger(logging.New(os.Stderr, "warn", "text", false))}
	if watch {
		opts = append(opts, loader.WithOnUpdate(printSnapshot))
	}
	l := loader.New(newClient(), cfg, opts...)
	defer l.Close()

	if !watch {
		ctx, cancel := context.WithTimeout(cmd.Context(), cfg.Timeout)
		defer cancel()
		l.TokenReady(token)
		snap, err := l.Load(ctx, wallet, true)
		if err != nil {
			exitf("Failed to load invoices: %v", err)
		}
		printSnapshot(snap)
		return
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	l.TokenReady(token)
	l.Trigger(wallet)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			l.Trigger(wallet)
		}
	}
}

func printSnapshot(s loader.Snapshot) {
	fmt.Printf("%s  %d invoices for %s\n", s.LoadedAt.Format(time.RFC3339), len(s.Invoices), s.Wallet)
	tw := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tAMOUNT\tDUE\tSTATUS\tCODE")
	for _, v := range s.Invoices {
		inv := v.Invoice
		fmt.Fprintf(tw, "%s\t%s %s\t%s\t%s\t%d\n",
			inv.InvoiceID, inv.Amount.String(), inv.Currency, inv.DueDate.Format("2006-01-02"), v.DisplayStatus, v.DisplayCode)
	}
	tw.Flush()
}
