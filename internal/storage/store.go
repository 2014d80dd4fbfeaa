// Package storage provides abstractions for the off-chain document store.
package storage

import (
	"context"
	"time"

	"github.com/shopspring/decimal"

	"github.com/mmynk/invoicechain/internal/models"
	"github.com/mmynk/invoicechain/internal/status"
)

// UserStore persists users and their identity challenges.
type UserStore interface {
	// UpsertUser creates the user for user.WalletAddress if absent, otherwise
	// updates non-empty profile fields. The stored record is written back into user.
	UpsertUser(ctx context.Context, user *models.User) error

	// GetUserByWallet returns apperr.ErrNotFound if no user has the wallet.
	GetUserByWallet(ctx context.Context, wallet string) (*models.User, error)

	// GetUserByID returns apperr.ErrNotFound if the user does not exist.
	GetUserByID(ctx context.Context, id string) (*models.User, error)

	// SetNonce stores a fresh challenge for the wallet, replacing any previous one.
	SetNonce(ctx context.Context, wallet, nonce string, issuedAt time.Time) error

	// ConsumeNonce atomically clears nonce and marks the user verified, but only
	// if nonce is still the outstanding challenge. It returns
	// apperr.ErrNoPendingChallenge when another caller consumed it first.
	ConsumeNonce(ctx context.Context, wallet, nonce string, verifiedAt time.Time) error
}

// Transition is a compare-and-set status change applied by the reconciler.
type Transition struct {
	InvoiceID string
	From      status.OffChain
	To        status.OffChain

	// LedgerStatus is the on-chain status that justified the change.
	LedgerStatus status.Ledger

	// PaidAt is stamped when To is paid.
	PaidAt *time.Time

	// BumpAmount is added to the issuer's earned total and the recipient's
	// paid total in the same transaction. Only set on transitions into paid.
	BumpAmount *decimal.Decimal
}

// InvoiceStore persists off-chain invoice records.
type InvoiceStore interface {
	// CreateInvoice inserts a new record. A duplicate InvoiceID returns apperr.ErrConflict
	// and leaves the existing record untouched.
	CreateInvoice(ctx context.Context, inv *models.Invoice) error

	// GetInvoice returns apperr.ErrNotFound if the record does not exist.
	GetInvoice(ctx context.Context, invoiceID string) (*models.Invoice, error)

	// GetInvoiceByNumericID looks up a record by its back-filled ledger id.
	GetInvoiceByNumericID(ctx context.Context, numericID int64) (*models.Invoice, error)

	// ListInvoicesByWallet returns invoices where wallet is issuer or recipient, newest first.
	ListInvoicesByWallet(ctx context.Context, wallet string) ([]*models.Invoice, error)

	// SetDocument records the outcome of the render/upload step.
	SetDocument(ctx context.Context, invoiceID, docHash, docErr string) error

	// SetSubmission records the creation transaction hash. When promote is true the
	// status moves from draft to pending; otherwise it stays as is (unknown outcome).
	SetSubmission(ctx context.Context, invoiceID, txHash string, promote bool) error

	// ClearSubmission forgets a creation transaction that the ledger reverted.
	ClearSubmission(ctx context.Context, invoiceID, txHash string) error

	// BackfillLedger stores the numeric id and block of the mined creation
	// transaction. It is a no-op if the same id is already stored and returns
	// apperr.ErrConflict if a different one is.
	BackfillLedger(ctx context.Context, invoiceID string, numericID, blockNumber int64, txHash string) error

	// ApplyTransition performs the compare-and-set in t. applied is false when
	// the stored status no longer equals t.From.
	ApplyTransition(ctx context.Context, t Transition) (applied bool, err error)

	// ListAwaitingConfirmation returns records with a tx hash but no numeric id.
	ListAwaitingConfirmation(ctx context.Context, limit int) ([]*models.Invoice, error)

	// ListOpenOnLedger returns mined records whose status can still change.
	ListOpenOnLedger(ctx context.Context, limit int) ([]*models.Invoice, error)
}

// TemplateStore persists invoice templates.
type TemplateStore interface {
	// SaveTemplate inserts or updates a template. Saving a default clears the
	// user's previous default in the same transaction.
	SaveTemplate(ctx context.Context, tpl *models.Template) error
	ListTemplates(ctx context.Context, userID string) ([]*models.Template, error)
	DeleteTemplate(ctx context.Context, userID, templateID string) error
}

// DisputeStore persists ledger-accepted disputes.
type DisputeStore interface {
	// OpenDispute records a dispute. A second dispute for the same numeric id
	// returns apperr.ErrConflict.
	OpenDispute(ctx context.Context, d *models.Dispute) error
	GetDispute(ctx context.Context, numericID int64) (*models.Dispute, error)

	// ResolveDispute moves an open dispute to resolved exactly once. Resolving an
	// already resolved dispute returns apperr.ErrConflict.
	ResolveDispute(ctx context.Context, numericID int64, resolver string, at time.Time) error
}

// Store is the full document store used by the services.
// This abstraction allows swapping storage backends (SQLite, PostgreSQL)
// without changing the service layer.
type Store interface {
	UserStore
	InvoiceStore
	TemplateStore
	DisputeStore

	// Ping checks connectivity for health probes.
	Ping(ctx context.Context) error

	// Close releases any resources held by the store.
	Close() error
}
