package models

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/mmynk/invoicechain/internal/status"
)

// Invoice is the off-chain record of an invoice.
// Rich metadata lives here; proof-of-existence and settlement live on the ledger.
type Invoice struct {
	// InvoiceID is the off-chain identifier (unique, human-referenceable).
	// It is also the creation saga's idempotency key.
	InvoiceID string

	// UserID is the issuing user's ID.
	UserID string

	Title       string
	Description string

	// Amount is a fixed-point decimal in Currency units. Never negative.
	Amount decimal.Decimal

	// Currency is the display currency code (e.g. "ETH", "USDC").
	Currency string

	// TokenAddress is the ERC20 contract for token invoices.
	// The zero address means the ledger's native currency.
	TokenAddress string

	Issuer    Party
	Recipient Party

	// DueDate must be in the future at creation time.
	DueDate time.Time

	// PaidDate is stamped by the reconciler on the transition into paid.
	PaidDate *time.Time

	// Status is the stored off-chain status. Overdue is derived at display
	// time and never stored by the saga or reconciler.
	Status status.OffChain

	// Ledger mirrors what is known about the on-chain invoice.
	Ledger LedgerRef

	// DocHash is the content address of the rendered document. Empty until upload succeeds.
	DocHash string

	// DocError describes the last failed render/upload, if any.
	DocError string

	CreatedAt time.Time
	UpdatedAt time.Time
}

// Party is one side of an invoice.
type Party struct {
	Name   string
	Email  string
	Wallet string
}

// LedgerRef holds the on-chain identity of an invoice.
type LedgerRef struct {
	// NumericID is the id assigned by the InvoiceCreated event. Nil until mined.
	NumericID *int64

	// TxHash is the creation transaction hash. Set once submission is broadcast,
	// even if the outcome is not yet known.
	TxHash string

	// BlockNumber is the block the creation transaction was mined in.
	BlockNumber *int64

	// Status is the last ledger status observed.
	Status status.Ledger
}

// Mined reports whether the numeric ledger id has been back-filled.
func (r LedgerRef) Mined() bool {
	return r.NumericID != nil
}

// DisplayStatus is the status to show at now, including derived overdue.
func (i *Invoice) DisplayStatus(now time.Time) status.OffChain {
	return status.Present(i.Status, i.DueDate, now)
}

// Clone returns a deep copy. Snapshots handed to readers are clones.
func (i *Invoice) Clone() *Invoice {
	if i == nil {
		return nil
	}
	c := *i
	if i.PaidDate != nil {
		t := *i.PaidDate
		c.PaidDate = &t
	}
	if i.Ledger.NumericID != nil {
		n := *i.Ledger.NumericID
		c.Ledger.NumericID = &n
	}
	if i.Ledger.BlockNumber != nil {
		b := *i.Ledger.BlockNumber
		c.Ledger.BlockNumber = &b
	}
	return &c
}
