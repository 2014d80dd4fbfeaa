// Package reconcile propagates ledger-confirmed status changes into the
// document store exactly once.
package reconcile

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/mmynk/invoicechain/internal/apperr"
	"github.com/mmynk/invoicechain/internal/ledger"
	"github.com/mmynk/invoicechain/internal/metrics"
	"github.com/mmynk/invoicechain/internal/models"
	"github.com/mmynk/invoicechain/internal/notify"
	"github.com/mmynk/invoicechain/internal/status"
	"github.com/mmynk/invoicechain/internal/storage"
)

// Update is an observed ledger event for one off-chain record.
type Update struct {
	InvoiceID string
	Status    status.OffChain

	// Optional ledger references. A NumericID is back-filled before the
	// status is applied.
	NumericID   *int64
	TxHash      string
	BlockNumber int64

	// Actor is the wallet that caused the change, if known.
	Actor string
}

// Result reports what Reconcile did.
type Result struct {
	Applied bool
	From    status.OffChain
	To      status.OffChain
	Invoice *models.Invoice
}

// Reconciler applies status transitions with compare-and-set semantics.
type Reconciler struct {
	invoices storage.InvoiceStore
	disputes storage.DisputeStore
	ledger   ledger.Ledger
	notifier notify.Notifier
	dedupe   *notify.Deduper
	now      func() time.Time
	metrics  *metrics.Metrics
	logger   *slog.Logger
}

type Option func(*Reconciler)

// WithDisputes closes the open dispute record when an invoice reaches resolved.
func WithDisputes(d storage.DisputeStore) Option {
	return func(r *Reconciler) { r.disputes = d }
}

// WithLedger lets ConfirmCreated accept receipts other than the recorded
// submission, once the ledger invoice they created is checked against the record.
func WithLedger(l ledger.Ledger) Option {
	return func(r *Reconciler) { r.ledger = l }
}

func WithNotifier(n notify.Notifier) Option {
	return func(r *Reconciler) { r.notifier = n }
}

func WithDeduper(d *notify.Deduper) Option {
	return func(r *Reconciler) { r.dedupe = d }
}

func WithClock(now func() time.Time) Option {
	return func(r *Reconciler) { r.now = now }
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(r *Reconciler) { r.metrics = m }
}

func WithLogger(l *slog.Logger) Option {
	return func(r *Reconciler) { r.logger = l }
}

// New creates a Reconciler over the invoice store.
func New(invoices storage.InvoiceStore, opts ...Option) *Reconciler {
	r := &Reconciler{
		invoices: invoices,
		now:      time.Now,
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.dedupe == nil {
		r.dedupe = notify.NewDeduper(notify.DefaultDedupeWindow)
	}
	return r
}

// Reconcile moves the record to u.Status.
//
// Reconciling to the current status is a no-op with no side effects.
// A transition outside the allowed set fails with apperr.ErrInvalidTransition
// and leaves the record unchanged.
func (r *Reconciler) Reconcile(ctx context.Context, u Update) (Result, error) {
	to := status.Parse(string(u.Status))
	if !to.Known() || to == status.Overdue {
		return Result{}, apperr.Invalid("status", fmt.Sprintf("%q cannot be reconciled", u.Status))
	}

	if u.NumericID != nil {
		err := r.invoices.BackfillLedger(ctx, u.InvoiceID, *u.NumericID, u.BlockNumber, u.TxHash)
		if err != nil {
			return Result{}, err
		}
	}

	inv, err := r.invoices.GetInvoice(ctx, u.InvoiceID)
	if err != nil {
		return Result{}, err
	}
	return r.apply(ctx, inv, to, u)
}

// ConfirmCreated binds a mined creation receipt to its record and promotes a
// draft to pending. Confirming the same receipt again is a no-op.
//
// A receipt for the transaction the record was submitted with is trusted.
// Any other receipt must have created a ledger invoice matching the record,
// otherwise apperr.ErrConflict is returned and nothing is written.
func (r *Reconciler) ConfirmCreated(ctx context.Context, invoiceID string, rcpt *ledger.Receipt) (*models.Invoice, error) {
	if rcpt == nil || !rcpt.HasInvoice {
		return nil, apperr.Invalid("receipt", "no InvoiceCreated event")
	}
	inv, err := r.invoices.GetInvoice(ctx, invoiceID)
	if err != nil {
		return nil, err
	}
	if inv.Ledger.TxHash == "" || !strings.EqualFold(inv.Ledger.TxHash, rcpt.TxHash) {
		if err := r.verifyCreated(ctx, inv, rcpt); err != nil {
			r.logger.Warn("Creation receipt rejected", "invoice_id", invoiceID,
				"tx_hash", rcpt.TxHash, "numeric_id", rcpt.NumericID, "error", err)
			return nil, err
		}
	}

	err = r.invoices.BackfillLedger(ctx, invoiceID, rcpt.NumericID, rcpt.BlockNumber, rcpt.TxHash)
	if err != nil {
		return nil, err
	}
	if inv, err = r.invoices.GetInvoice(ctx, invoiceID); err != nil {
		return nil, err
	}
	r.logger.Info("Ledger id back-filled", "invoice_id", invoiceID, "numeric_id", rcpt.NumericID)

	if inv.Status != status.Draft {
		return inv, nil
	}
	res, err := r.apply(ctx, inv, status.Pending, Update{InvoiceID: invoiceID, TxHash: rcpt.TxHash})
	if err != nil {
		return nil, err
	}
	return res.Invoice, nil
}

func (r *Reconciler) verifyCreated(ctx context.Context, inv *models.Invoice, rcpt *ledger.Receipt) error {
	if r.ledger == nil {
		return fmt.Errorf("invoice %s was not submitted in %s: %w", inv.InvoiceID, rcpt.TxHash, apperr.ErrConflict)
	}
	onChain, err := r.ledger.GetInvoice(ctx, rcpt.NumericID)
	if err != nil {
		return err
	}
	return MatchesRecord(onChain, inv)
}

// MatchesRecord checks that a ledger invoice was created for inv. The ledger
// issuer is whichever account submitted the transaction, so the document hash
// and the recipient identify the record.
func MatchesRecord(onChain *ledger.OnChainInvoice, inv *models.Invoice) error {
	if inv.DocHash == "" || onChain.DocHash != inv.DocHash ||
		!models.SameWallet(onChain.Recipient.Hex(), inv.Recipient.Wallet) {
		return fmt.Errorf("ledger invoice #%d does not match %s: %w", onChain.ID, inv.InvoiceID, apperr.ErrConflict)
	}
	return nil
}

// ApplyLedgerStatus reconciles the record bound to numericID with a status
// read from the ledger.
func (r *Reconciler) ApplyLedgerStatus(ctx context.Context, numericID int64, ls status.Ledger, txHash string) (Result, error) {
	inv, err := r.invoices.GetInvoiceByNumericID(ctx, numericID)
	if err != nil {
		return Result{}, err
	}
	id := numericID
	return r.apply(ctx, inv, status.LedgerToOffChain(ls), Update{
		InvoiceID: inv.InvoiceID,
		NumericID: &id,
		TxHash:    txHash,
	})
}

func (r *Reconciler) apply(ctx context.Context, inv *models.Invoice, to status.OffChain, u Update) (Result, error) {
	from := inv.Status
	res := Result{From: from, To: to, Invoice: inv}
	log := r.logger.With("invoice_id", inv.InvoiceID, "from", from, "to", to)

	if from == to {
		r.metrics.Reconcile(string(from), string(to), "noop")
		log.Debug("Status already reconciled")
		return res, nil
	}
	if !status.CanTransition(from, to) {
		r.metrics.Reconcile(string(from), string(to), "rejected")
		log.Warn("Rejected status transition")
		return res, fmt.Errorf("invoice %s: %s -> %s: %w", inv.InvoiceID, from, to, apperr.ErrInvalidTransition)
	}

	now := r.now().UTC()
	t := storage.Transition{
		InvoiceID:    inv.InvoiceID,
		From:         from,
		To:           to,
		LedgerStatus: ledgerStatus(to),
	}
	if to == status.Paid {
		amount := inv.Amount
		t.PaidAt = &now
		t.BumpAmount = &amount
	}

	applied, err := r.invoices.ApplyTransition(ctx, t)
	if err != nil {
		r.metrics.Reconcile(string(from), string(to), "error")
		return res, err
	}

	current, err := r.invoices.GetInvoice(ctx, inv.InvoiceID)
	if err != nil {
		return res, err
	}
	res.Invoice = current

	if !applied {
		// Another writer moved the record first.
		if current.Status == to {
			r.metrics.Reconcile(string(from), string(to), "noop")
			return res, nil
		}
		r.metrics.Reconcile(string(from), string(to), "conflict")
		return res, fmt.Errorf("invoice %s moved to %s concurrently: %w", inv.InvoiceID, current.Status, apperr.ErrConflict)
	}

	res.Applied = true
	r.metrics.Reconcile(string(from), string(to), "applied")
	log.Info("Invoice status reconciled", "tx", u.TxHash)

	if to == status.Resolved {
		r.closeDispute(ctx, current, u.Actor, now)
	}
	if to != status.Pending {
		r.dispatch(ctx, current, from, u.TxHash, now)
	}
	return res, nil
}

func (r *Reconciler) closeDispute(ctx context.Context, inv *models.Invoice, actor string, at time.Time) {
	if r.disputes == nil || !inv.Ledger.Mined() {
		return
	}
	err := r.disputes.ResolveDispute(ctx, *inv.Ledger.NumericID, actor, at)
	if err != nil && !errors.Is(err, apperr.ErrNotFound) && !errors.Is(err, apperr.ErrConflict) {
		r.logger.Error("Failed to close dispute", "invoice_id", inv.InvoiceID, "error", err)
	}
}

// dispatch sends the notification for an applied transition. Failures are
// logged and never undo the transition.
func (r *Reconciler) dispatch(ctx context.Context, inv *models.Invoice, from status.OffChain, txHash string, at time.Time) {
	if r.notifier == nil {
		return
	}
	e := notify.Event{
		InvoiceID: inv.InvoiceID,
		NumericID: inv.Ledger.NumericID,
		From:      from,
		To:        inv.Status,
		Amount:    inv.Amount,
		Currency:  inv.Currency,
		Issuer:    inv.Issuer.Wallet,
		Recipient: inv.Recipient.Wallet,
		TxHash:    txHash,
		At:        at,
	}
	if err := r.notifier.Notify(ctx, e); err != nil {
		r.dedupe.Log(r.logger, "Notification failed", err, "invoice_id", inv.InvoiceID)
	}
}

// ledgerStatus is the ledger status an off-chain status was reconciled from.
func ledgerStatus(s status.OffChain) status.Ledger {
	switch s {
	case status.Paid:
		return status.LedgerPaid
	case status.Disputed:
		return status.LedgerDisputed
	case status.Resolved:
		return status.LedgerResolved
	case status.Cancelled:
		return status.LedgerCancelled
	default:
		return status.LedgerCreated
	}
}
