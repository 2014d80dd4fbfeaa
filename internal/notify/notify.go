// Package notify dispatches status-change notifications after reconciliation.
package notify

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"

	"github.com/mmynk/invoicechain/internal/status"
)

// Event describes one applied status transition.
type Event struct {
	InvoiceID string
	NumericID *int64
	From      status.OffChain
	To        status.OffChain
	Amount    decimal.Decimal
	Currency  string
	Issuer    string
	Recipient string
	TxHash    string
	At        time.Time
}

func (e Event) String() string {
	id := e.InvoiceID
	if e.NumericID != nil {
		id = fmt.Sprintf("%s (#%d)", e.InvoiceID, *e.NumericID)
	}
	return fmt.Sprintf("Invoice %s: %s -> %s, %s %s", id, e.From, e.To, e.Amount.String(), e.Currency)
}

// Notifier receives applied transitions. It is called at most once per transition.
type Notifier interface {
	Notify(ctx context.Context, e Event) error
}

// LogNotifier writes events to a structured logger.
type LogNotifier struct {
	logger *slog.Logger
}

func NewLogNotifier(logger *slog.Logger) *LogNotifier {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogNotifier{logger: logger}
}

func (n *LogNotifier) Notify(_ context.Context, e Event) error {
	n.logger.Info("Invoice status changed",
		"invoice_id", e.InvoiceID,
		"from", e.From,
		"to", e.To,
		"amount", e.Amount.String(),
		"currency", e.Currency,
		"tx", e.TxHash,
	)
	return nil
}

// Multi fans an event out to every notifier and joins their errors.
type Multi []Notifier

func (m Multi) Notify(ctx context.Context, e Event) error {
	var errs []error
	for _, n := range m {
		if n == nil {
			continue
		}
		if err := n.Notify(ctx, e); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
