package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/mmynk/invoicechain/internal/apperr"
	"github.com/mmynk/invoicechain/internal/auth"
	"github.com/mmynk/invoicechain/internal/calculator"
	"github.com/mmynk/invoicechain/internal/ledger"
	"github.com/mmynk/invoicechain/internal/models"
	"github.com/mmynk/invoicechain/internal/reconcile"
	"github.com/mmynk/invoicechain/internal/saga"
	"github.com/mmynk/invoicechain/internal/status"
	"github.com/mmynk/invoicechain/internal/storage"
)

// InvoiceService is the business façade over the creation saga, the
// reconciler and the ledger.
type InvoiceService struct {
	store  storage.Store
	saga   *saga.Saga
	rec    *reconcile.Reconciler
	ledger ledger.Ledger
	now    func() time.Time
	logger *slog.Logger
}

// NewInvoiceService creates a new invoice service.
func NewInvoiceService(store storage.Store, sg *saga.Saga, rec *reconcile.Reconciler, l ledger.Ledger, logger *slog.Logger) *InvoiceService {
	if logger == nil {
		logger = slog.Default()
	}
	return &InvoiceService{
		store:  store,
		saga:   sg,
		rec:    rec,
		ledger: l,
		now:    time.Now,
		logger: logger,
	}
}

// WithClock injects the time source used for display status and summaries.
func (s *InvoiceService) WithClock(now func() time.Time) *InvoiceService {
	s.now = now
	return s
}

// Now returns the service clock.
func (s *InvoiceService) Now() time.Time {
	return s.now()
}

// Create runs the creation saga. A caller whose token carries a wallet may
// only issue invoices from that wallet.
func (s *InvoiceService) Create(ctx context.Context, caller Caller, req saga.Request) (saga.Result, error) {
	if caller.Wallet != "" && !models.SameWallet(caller.Wallet, req.Issuer.Wallet) {
		return saga.Result{Outcome: saga.OutcomeFailed, Stage: saga.StageInit},
			fmt.Errorf("issuer %s is not the authenticated wallet: %w", req.Issuer.Wallet, apperr.ErrForbidden)
	}
	if caller.Wallet == "" && req.ExternalID == "" {
		req.ExternalID = caller.UserID
	}
	if req.Issuer.Email == "" {
		req.Issuer.Email = caller.Email
	}
	return s.saga.Run(ctx, req)
}

// Resume continues a draft left by a failed document or ledger step.
func (s *InvoiceService) Resume(ctx context.Context, caller Caller, invoiceID string) (saga.Result, error) {
	if caller.Wallet == "" {
		return saga.Result{Outcome: saga.OutcomeFailed, Stage: saga.StageInit}, apperr.ErrForbidden
	}
	return s.saga.Resume(ctx, invoiceID, caller.Wallet)
}

// Get returns an invoice the caller is a party to.
func (s *InvoiceService) Get(ctx context.Context, caller Caller, invoiceID string) (*models.Invoice, error) {
	inv, err := s.store.GetInvoice(ctx, invoiceID)
	if err != nil {
		return nil, err
	}
	if err := checkParty(caller, inv); err != nil {
		return nil, err
	}
	return inv, nil
}

// checkParty lets wallet-less identity tokens through; wallet tokens must be issuer or recipient.
func checkParty(caller Caller, inv *models.Invoice) error {
	if caller.Wallet == "" {
		return nil
	}
	if models.SameWallet(caller.Wallet, inv.Issuer.Wallet) || models.SameWallet(caller.Wallet, inv.Recipient.Wallet) {
		return nil
	}
	return fmt.Errorf("invoice %s: %w", inv.InvoiceID, apperr.ErrForbidden)
}

// StatusUpdate is a client-reported ledger outcome.
type StatusUpdate struct {
	Status      string
	TxHash      string
	BlockNumber int64
	NumericID   *int64
}

// UpdateStatus reconciles a client-reported status. The client is not
// trusted: the status is applied only if the ledger reports it.
func (s *InvoiceService) UpdateStatus(ctx context.Context, caller Caller, invoiceID string, u StatusUpdate) (reconcile.Result, error) {
	inv, err := s.Get(ctx, caller, invoiceID)
	if err != nil {
		return reconcile.Result{}, err
	}

	target := status.Parse(u.Status)
	if !target.Known() || target == status.Overdue {
		return reconcile.Result{}, apperr.Invalid("status", fmt.Sprintf("%q cannot be reconciled", u.Status))
	}

	before := inv.Status
	if !inv.Ledger.Mined() && u.TxHash != "" {
		if inv, err = s.confirmReported(ctx, inv, u); err != nil {
			return reconcile.Result{}, err
		}
	}

	if target == status.Draft || target == status.Pending {
		// Only a creation receipt bound to this record moves it out of draft.
		if !inv.Ledger.Mined() || target != inv.Status {
			return reconcile.Result{}, fmt.Errorf("invoice %s is %s, cannot report %s: %w",
				invoiceID, inv.Status, target, apperr.ErrInvalidTransition)
		}
		return reconcile.Result{Applied: before != inv.Status, From: before, To: inv.Status, Invoice: inv}, nil
	}

	if !inv.Ledger.Mined() {
		return reconcile.Result{}, fmt.Errorf("invoice %s has no ledger id yet: %w", invoiceID, apperr.ErrInvalidTransition)
	}
	onChain, err := s.ledger.GetInvoice(ctx, *inv.Ledger.NumericID)
	if err != nil {
		return reconcile.Result{}, err
	}
	if confirmed := status.LedgerToOffChain(onChain.Status); confirmed != target {
		s.logger.Warn("Reported status not confirmed by ledger",
			"invoice_id", invoiceID, "reported", target, "ledger", onChain.Status)
		return reconcile.Result{}, fmt.Errorf("ledger reports %s for #%d, not %s: %w",
			onChain.Status, onChain.ID, target, apperr.ErrInvalidTransition)
	}

	return s.rec.Reconcile(ctx, reconcile.Update{
		InvoiceID:   inv.InvoiceID,
		Status:      target,
		TxHash:      u.TxHash,
		BlockNumber: u.BlockNumber,
		Actor:       caller.Wallet,
	})
}

// confirmReported binds a client-reported creation transaction. The reconciler
// rejects receipts whose ledger invoice does not match the record.
func (s *InvoiceService) confirmReported(ctx context.Context, inv *models.Invoice, u StatusUpdate) (*models.Invoice, error) {
	rcpt, err := s.ledger.ReceiptFor(ctx, u.TxHash)
	if errors.Is(err, ledger.ErrPending) {
		return nil, fmt.Errorf("transaction %s not mined yet: %w", u.TxHash, apperr.ErrUnknownOutcome)
	}
	if err != nil {
		return nil, err
	}
	if !rcpt.HasInvoice {
		// Not a creation transaction; the status check below decides.
		return inv, nil
	}
	if u.NumericID != nil && *u.NumericID != rcpt.NumericID {
		return nil, apperr.Invalid("numericId", fmt.Sprintf("transaction created #%d", rcpt.NumericID))
	}

	return s.rec.ConfirmCreated(ctx, inv.InvoiceID, rcpt)
}

// SearchResult is a wallet's invoices with aggregates.
type SearchResult struct {
	Wallet   string
	Invoices []*models.Invoice
	Summary  calculator.Summary
}

// Search lists invoices for wallet, or the single invoice bound to numericID.
// An empty wallet means the caller's own.
func (s *InvoiceService) Search(ctx context.Context, caller Caller, wallet string, numericID *int64) (SearchResult, error) {
	wallet = strings.TrimSpace(wallet)
	if wallet == "" {
		wallet = caller.Wallet
	}
	if wallet != "" && !auth.ValidWallet(wallet) {
		return SearchResult{}, apperr.Invalid("walletAddress", "not a valid address")
	}

	var invoices []*models.Invoice
	switch {
	case numericID != nil:
		inv, err := s.store.GetInvoiceByNumericID(ctx, *numericID)
		if errors.Is(err, apperr.ErrNotFound) {
			break
		}
		if err != nil {
			return SearchResult{}, err
		}
		if wallet == "" || models.SameWallet(wallet, inv.Issuer.Wallet) || models.SameWallet(wallet, inv.Recipient.Wallet) {
			invoices = append(invoices, inv)
		}
	case wallet != "":
		var err error
		invoices, err = s.store.ListInvoicesByWallet(ctx, wallet)
		if err != nil {
			return SearchResult{}, err
		}
	default:
		return SearchResult{}, apperr.Invalid("walletAddress", "required")
	}

	return SearchResult{
		Wallet:   models.NormalizeWallet(wallet),
		Invoices: invoices,
		Summary:  calculator.Summarize(wallet, invoices, s.now()),
	}, nil
}

// OpenDispute records a dispute after the ledger accepted the caller's
// raiseDispute transaction.
func (s *InvoiceService) OpenDispute(ctx context.Context, caller Caller, invoiceID, reason, txHash string) (*models.Dispute, error) {
	inv, err := s.Get(ctx, caller, invoiceID)
	if err != nil {
		return nil, err
	}
	reason = strings.TrimSpace(reason)
	if reason == "" {
		return nil, apperr.Invalid("reason", "required")
	}
	if txHash == "" {
		return nil, apperr.Invalid("transactionHash", "required")
	}
	if !inv.Ledger.Mined() {
		return nil, fmt.Errorf("invoice %s has no ledger id yet: %w", invoiceID, apperr.ErrInvalidTransition)
	}
	id := *inv.Ledger.NumericID

	if err := s.requireMined(ctx, txHash); err != nil {
		return nil, err
	}
	onChain, err := s.ledger.GetInvoice(ctx, id)
	if err != nil {
		return nil, err
	}
	if onChain.Status != status.LedgerDisputed {
		return nil, fmt.Errorf("ledger reports %s for #%d: %w", onChain.Status, id, apperr.ErrInvalidTransition)
	}

	d := &models.Dispute{
		InvoiceNumericID: id,
		InvoiceID:        inv.InvoiceID,
		Initiator:        caller.Wallet,
		Reason:           reason,
		TxHash:           txHash,
		CreatedAt:        s.now().UTC(),
	}
	if err := s.store.OpenDispute(ctx, d); err != nil {
		return nil, err
	}
	if _, err := s.rec.ApplyLedgerStatus(ctx, id, status.LedgerDisputed, txHash); err != nil {
		return nil, err
	}
	s.logger.Info("Dispute opened", "invoice_id", inv.InvoiceID, "numeric_id", id, "initiator", caller.Wallet)
	return s.store.GetDispute(ctx, id)
}

// ResolveDispute closes an open dispute once the ledger reports it resolved.
func (s *InvoiceService) ResolveDispute(ctx context.Context, caller Caller, invoiceID, txHash string) (*models.Dispute, error) {
	inv, err := s.Get(ctx, caller, invoiceID)
	if err != nil {
		return nil, err
	}
	if !inv.Ledger.Mined() {
		return nil, fmt.Errorf("invoice %s has no ledger id yet: %w", invoiceID, apperr.ErrInvalidTransition)
	}
	id := *inv.Ledger.NumericID

	if txHash != "" {
		if err := s.requireMined(ctx, txHash); err != nil {
			return nil, err
		}
	}
	onChain, err := s.ledger.GetInvoice(ctx, id)
	if err != nil {
		return nil, err
	}
	if onChain.Status != status.LedgerResolved {
		return nil, fmt.Errorf("ledger reports %s for #%d: %w", onChain.Status, id, apperr.ErrInvalidTransition)
	}

	if err := s.store.ResolveDispute(ctx, id, caller.Wallet, s.now().UTC()); err != nil {
		return nil, err
	}
	if _, err := s.rec.ApplyLedgerStatus(ctx, id, status.LedgerResolved, txHash); err != nil {
		return nil, err
	}
	return s.store.GetDispute(ctx, id)
}

func (s *InvoiceService) requireMined(ctx context.Context, txHash string) error {
	rcpt, err := s.ledger.ReceiptFor(ctx, txHash)
	switch {
	case errors.Is(err, ledger.ErrPending):
		return fmt.Errorf("transaction %s not mined yet: %w", txHash, apperr.ErrUnknownOutcome)
	case err != nil:
		return err
	case rcpt.Reverted:
		return fmt.Errorf("transaction %s: %w: %w", txHash, ledger.ErrReverted, apperr.ErrInvalidTransition)
	}
	return nil
}
