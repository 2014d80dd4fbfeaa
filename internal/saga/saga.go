// Package saga runs the invoice creation workflow across the document store,
// content-addressed storage and the ledger. None of these share a transaction,
// so every step boundary has an explicit outcome instead of a rollback.
package saga

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/mmynk/invoicechain/internal/apperr"
	"github.com/mmynk/invoicechain/internal/auth"
	"github.com/mmynk/invoicechain/internal/calculator"
	"github.com/mmynk/invoicechain/internal/ledger"
	"github.com/mmynk/invoicechain/internal/metrics"
	"github.com/mmynk/invoicechain/internal/models"
	"github.com/mmynk/invoicechain/internal/status"
	"github.com/mmynk/invoicechain/internal/storage"
)

// Stage is the last step a saga run completed.
type Stage string

const (
	StageInit                 Stage = "init"
	StageUserResolved         Stage = "user_resolved"
	StageMetadataPersisted    Stage = "metadata_persisted"
	StageUploaded             Stage = "uploaded"
	StageSubmitted            Stage = "submitted"
	StageAwaitingConfirmation Stage = "awaiting_confirmation"
	StageReconciled           Stage = "reconciled"
)

// Outcome classifies a finished run.
type Outcome string

const (
	// OutcomeSuccess: mined and back-filled.
	OutcomeSuccess Outcome = "success"
	// OutcomePartial: metadata persisted, document step failed. Not an error.
	OutcomePartial Outcome = "partial"
	// OutcomePending: transaction broadcast (or outcome unknown), not yet confirmed.
	OutcomePending Outcome = "pending"
	// OutcomeFailed: the run could not reach the ledger.
	OutcomeFailed Outcome = "failed"
)

// Result is the value every run produces once a record exists.
type Result struct {
	Outcome Outcome
	Stage   Stage
	Invoice *models.Invoice

	// Error describes why the run did not reach success. Empty on success.
	Error string

	// TxHash is the creation transaction, when one was broadcast.
	TxHash string

	// Err is the underlying cause for failed runs.
	Err error
}

// Success reports whether the run completed every stage.
func (r Result) Success() bool {
	return r.Outcome == OutcomeSuccess
}

// Store is the part of the document store the saga writes.
type Store interface {
	storage.UserStore
	storage.InvoiceStore
}

// Publisher renders and uploads the invoice document.
type Publisher interface {
	Publish(ctx context.Context, inv *models.Invoice) (string, error)
}

// Confirmer back-fills a mined creation receipt onto the off-chain record.
type Confirmer interface {
	ConfirmCreated(ctx context.Context, invoiceID string, rcpt *ledger.Receipt) (*models.Invoice, error)
}

// Config tunes a Saga.
type Config struct {
	Retry RetryPolicy

	// ConfirmTimeout bounds the wait for the creation receipt. After it the
	// run returns pending and the watcher finishes the job.
	ConfirmTimeout time.Duration
	PollInterval   time.Duration

	// Decimals is the base-unit precision used to convert amounts for the ledger.
	Decimals int32
}

// DefaultConfig returns production defaults.
func DefaultConfig() Config {
	return Config{
		Retry:          DefaultRetryPolicy(),
		ConfirmTimeout: 30 * time.Second,
		PollInterval:   time.Second,
		Decimals:       calculator.NativeDecimals,
	}
}

// Saga orchestrates invoice creation.
type Saga struct {
	store     Store
	publisher Publisher
	ledger    ledger.Ledger
	confirmer Confirmer
	cfg       Config
	now       func() time.Time
	metrics   *metrics.Metrics
	logger    *slog.Logger
}

// Option configures a Saga.
type Option func(*Saga)

func WithClock(now func() time.Time) Option {
	return func(s *Saga) { s.now = now }
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Saga) { s.metrics = m }
}

func WithLogger(l *slog.Logger) Option {
	return func(s *Saga) { s.logger = l }
}

// New creates a Saga.
func New(store Store, publisher Publisher, l ledger.Ledger, confirmer Confirmer, cfg Config, opts ...Option) *Saga {
	s := &Saga{
		store:     store,
		publisher: publisher,
		ledger:    l,
		confirmer: confirmer,
		cfg:       cfg,
		now:       time.Now,
		logger:    slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Run executes the saga for req.
//
// A non-nil error means no invoice record was written: the issuer could not be
// resolved, validation failed, the id already exists, or persistence failed.
// Once the record exists every outcome, including failure, is reported in the
// Result with a nil error.
func (s *Saga) Run(ctx context.Context, req Request) (Result, error) {
	res, err := s.run(ctx, req)
	s.metrics.SagaOutcome(string(res.Outcome), string(res.Stage))
	return res, err
}

func (s *Saga) run(ctx context.Context, req Request) (Result, error) {
	res := Result{Outcome: OutcomeFailed, Stage: StageInit}

	// 1. Resolve the issuer.
	user, err := s.resolveUser(ctx, req)
	if err != nil {
		return res, err
	}
	res.Stage = StageUserResolved

	// 2. Validate.
	v, err := Validate(req, s.now(), s.cfg.Decimals)
	if err != nil {
		return res, err
	}

	// 3. Persist metadata as draft.
	now := s.now().UTC()
	inv := &models.Invoice{
		InvoiceID:    v.InvoiceID,
		UserID:       user.ID,
		Title:        req.Title,
		Description:  req.Description,
		Amount:       v.Amount,
		Currency:     v.Currency,
		TokenAddress: v.Token.Hex(),
		Issuer:       req.Issuer,
		Recipient:    req.Recipient,
		DueDate:      req.DueDate.UTC(),
		Status:       status.Draft,
		CreatedAt:    now,
	}
	inv.Issuer.Wallet = models.NormalizeWallet(req.Issuer.Wallet)
	inv.Recipient.Wallet = models.NormalizeWallet(req.Recipient.Wallet)

	attempt := 0
	err = s.cfg.Retry.Do(ctx, func(ctx context.Context) error {
		attempt++
		err := s.store.CreateInvoice(ctx, inv)
		if attempt > 1 && errors.Is(err, apperr.ErrConflict) {
			// An earlier attempt may have committed before its error was seen.
			if stored := s.ownDraft(ctx, inv); stored != nil {
				s.logger.Info("Invoice persisted by an earlier attempt", "invoice_id", inv.InvoiceID)
				inv = stored
				return nil
			}
		}
		return err
	})
	if err != nil {
		if errors.Is(err, apperr.ErrConflict) {
			s.logger.Info("Duplicate invoice id rejected", "invoice_id", inv.InvoiceID)
			return res, err
		}
		return res, fmt.Errorf("persist invoice: %w", err)
	}
	res.Stage = StageMetadataPersisted
	res.Invoice = inv
	s.logger.Info("Invoice metadata persisted", "invoice_id", inv.InvoiceID, "issuer", inv.Issuer.Wallet)

	return s.complete(ctx, res, inv), nil
}

// ownDraft returns the stored record for inv.InvoiceID if it is the draft this
// run wrote, and nil if the id belongs to someone else.
func (s *Saga) ownDraft(ctx context.Context, inv *models.Invoice) *models.Invoice {
	stored, err := s.store.GetInvoice(ctx, inv.InvoiceID)
	if err != nil {
		return nil
	}
	if stored.Status != status.Draft || stored.UserID != inv.UserID ||
		stored.CreatedAt.Unix() != inv.CreatedAt.Unix() ||
		!stored.Amount.Equal(inv.Amount) ||
		!models.SameWallet(stored.Issuer.Wallet, inv.Issuer.Wallet) ||
		!models.SameWallet(stored.Recipient.Wallet, inv.Recipient.Wallet) {
		return nil
	}
	return stored
}

// Resume continues a draft whose document upload or ledger submission failed.
// Metadata is not written again; a new ledger transaction is submitted.
// Drafts with a transaction in flight are rejected with apperr.ErrConflict.
func (s *Saga) Resume(ctx context.Context, invoiceID, issuerWallet string) (Result, error) {
	res, err := s.resume(ctx, invoiceID, issuerWallet)
	s.metrics.SagaOutcome(string(res.Outcome), string(res.Stage))
	return res, err
}

func (s *Saga) resume(ctx context.Context, invoiceID, issuerWallet string) (Result, error) {
	res := Result{Outcome: OutcomeFailed, Stage: StageInit}

	inv, err := s.store.GetInvoice(ctx, invoiceID)
	if err != nil {
		return res, err
	}
	if issuerWallet != "" && !models.SameWallet(inv.Issuer.Wallet, issuerWallet) {
		return res, fmt.Errorf("invoice %s belongs to another issuer: %w", invoiceID, apperr.ErrForbidden)
	}
	if inv.Status != status.Draft {
		return res, fmt.Errorf("invoice %s is %s: %w", invoiceID, inv.Status, apperr.ErrInvalidTransition)
	}
	if inv.Ledger.TxHash != "" {
		return res, fmt.Errorf("invoice %s has transaction %s awaiting confirmation: %w",
			invoiceID, inv.Ledger.TxHash, apperr.ErrConflict)
	}

	res.Stage = StageMetadataPersisted
	res.Invoice = inv
	s.logger.Info("Resuming invoice creation", "invoice_id", inv.InvoiceID, "has_document", inv.DocHash != "")
	return s.complete(ctx, res, inv), nil
}

// complete runs the steps after metadata persistence: document, submission
// and confirmation. It always returns a Result because the record exists.
func (s *Saga) complete(ctx context.Context, res Result, inv *models.Invoice) Result {
	log := s.logger.With("invoice_id", inv.InvoiceID)

	// The caller must get the record back even if the request context is
	// cancelled mid-way.
	bg := context.WithoutCancel(ctx)

	params, err := s.ledgerParams(inv)
	if err != nil {
		res.Error = err.Error()
		res.Err = err
		return res
	}

	// 4. Render and upload the document.
	if inv.DocHash == "" {
		var docHash string
		err := s.cfg.Retry.Do(ctx, func(ctx context.Context) error {
			h, err := s.publisher.Publish(ctx, inv)
			docHash = h
			return err
		})
		if err != nil {
			msg := fmt.Sprintf("document upload failed: %v", err)
			log.Warn("Document upload failed, returning partial result", "error", err)
			if serr := s.store.SetDocument(bg, inv.InvoiceID, "", msg); serr != nil {
				log.Error("Failed to record document error", "error", serr)
			}
			res.Outcome = OutcomePartial
			res.Error = msg
			res.Err = err
			res.Invoice = s.reload(bg, inv)
			return res
		}
		err = s.cfg.Retry.Do(bg, func(ctx context.Context) error {
			return s.store.SetDocument(ctx, inv.InvoiceID, docHash, "")
		})
		if err != nil {
			log.Warn("Failed to record document hash", "doc_hash", docHash, "error", err)
			res.Outcome = OutcomePartial
			res.Error = fmt.Sprintf("document uploaded as %s but not recorded: %v", docHash, err)
			res.Err = err
			res.Invoice = s.reload(bg, inv)
			return res
		}
		inv.DocHash = docHash
	}
	params.DocHash = inv.DocHash
	res.Stage = StageUploaded

	// 5. Submit to the ledger. Never retried.
	txHash, err := s.ledger.CreateInvoice(ctx, params)
	switch {
	case err != nil && errors.Is(err, apperr.ErrUnknownOutcome) && txHash != "":
		log.Warn("Ledger submission outcome unknown", "tx", txHash, "error", err)
		if serr := s.store.SetSubmission(bg, inv.InvoiceID, txHash, false); serr != nil {
			log.Error("Failed to record transaction hash", "tx", txHash, "error", serr)
		}
		res.Outcome = OutcomePending
		res.Stage = StageSubmitted
		res.TxHash = txHash
		res.Error = "ledger submission outcome unknown; awaiting confirmation"
		res.Invoice = s.reload(bg, inv)
		return res
	case err != nil:
		log.Warn("Ledger submission failed, invoice stays draft", "error", err)
		res.Error = fmt.Sprintf("ledger submission failed: %v", err)
		res.Err = err
		res.Invoice = s.reload(bg, inv)
		return res
	}

	res.TxHash = txHash
	res.Stage = StageSubmitted
	err = s.cfg.Retry.Do(bg, func(ctx context.Context) error {
		return s.store.SetSubmission(ctx, inv.InvoiceID, txHash, true)
	})
	if err != nil {
		// Without the stored hash only this log line links the record to its transaction.
		log.Error("Failed to record submitted transaction", "tx", txHash, "error", err)
	}
	log.Info("Invoice submitted to ledger", "tx", txHash)

	// 6. Await confirmation and back-fill the numeric id.
	res.Stage = StageAwaitingConfirmation
	waitCtx, cancel := context.WithTimeout(ctx, s.cfg.ConfirmTimeout)
	defer cancel()
	rcpt, err := ledger.WaitCreated(waitCtx, s.ledger, txHash, s.cfg.PollInterval)
	switch {
	case errors.Is(err, ledger.ErrReverted):
		log.Warn("Creation transaction reverted", "tx", txHash)
		if serr := s.store.ClearSubmission(bg, inv.InvoiceID, txHash); serr != nil {
			log.Error("Failed to clear reverted submission", "error", serr)
		}
		res.Outcome = OutcomeFailed
		res.Stage = StageUploaded
		res.Error = "ledger transaction reverted"
		res.Err = err
		res.Invoice = s.reload(bg, inv)
		return res
	case err != nil:
		log.Info("Confirmation not observed yet", "tx", txHash, "error", err)
		res.Outcome = OutcomePending
		res.Error = "awaiting ledger confirmation"
		res.Invoice = s.reload(bg, inv)
		return res
	}

	confirmed, err := s.confirmer.ConfirmCreated(bg, inv.InvoiceID, rcpt)
	if err != nil {
		log.Error("Failed to back-fill ledger id", "numeric_id", rcpt.NumericID, "error", err)
		res.Outcome = OutcomePending
		res.Error = fmt.Sprintf("mined as #%d but back-fill failed: %v", rcpt.NumericID, err)
		res.Invoice = s.reload(bg, inv)
		return res
	}

	res.Outcome = OutcomeSuccess
	res.Stage = StageReconciled
	res.Error = ""
	res.Invoice = confirmed
	log.Info("Invoice confirmed on ledger", "numeric_id", rcpt.NumericID, "block", rcpt.BlockNumber)
	return res
}

// ledgerParams converts a stored record into createInvoice arguments.
func (s *Saga) ledgerParams(inv *models.Invoice) (ledger.CreateInvoiceParams, error) {
	amount, err := calculator.ToBaseUnits(inv.Amount, s.cfg.Decimals)
	if err != nil {
		return ledger.CreateInvoiceParams{}, apperr.Invalid("amount", err.Error())
	}
	token := ledger.ZeroAddress
	if inv.TokenAddress != "" {
		token = common.HexToAddress(inv.TokenAddress)
	}
	return ledger.CreateInvoiceParams{
		Issuer:      common.HexToAddress(inv.Issuer.Wallet),
		Recipient:   common.HexToAddress(inv.Recipient.Wallet),
		Amount:      amount,
		Token:       token,
		DueDate:     inv.DueDate,
		Description: inv.Description,
	}, nil
}

func (s *Saga) resolveUser(ctx context.Context, req Request) (*models.User, error) {
	if !auth.ValidWallet(req.Issuer.Wallet) {
		return nil, apperr.Invalid("issuer.wallet", "not a valid address")
	}
	user := &models.User{
		WalletAddress: req.Issuer.Wallet,
		Name:          req.Issuer.Name,
		Email:         req.Issuer.Email,
		ExternalID:    req.ExternalID,
	}
	err := s.cfg.Retry.Do(ctx, func(ctx context.Context) error {
		return s.store.UpsertUser(ctx, user)
	})
	if err != nil {
		if errors.Is(err, apperr.ErrValidation) {
			return nil, err
		}
		return nil, apperr.Unavailable("resolve user", err)
	}
	return user, nil
}

// reload returns the stored record, falling back to the in-memory copy.
func (s *Saga) reload(ctx context.Context, inv *models.Invoice) *models.Invoice {
	stored, err := s.store.GetInvoice(ctx, inv.InvoiceID)
	if err != nil {
		s.logger.Warn("Failed to reload invoice", "invoice_id", inv.InvoiceID, "error", err)
		return inv
	}
	return stored
}
