// Package ledger is the client side of the on-chain invoice registry.
//
// Write operations return the transaction hash as soon as it is broadcast.
// When a submission times out after signing, the hash is returned together with
// apperr.ErrUnknownOutcome: the caller must poll ReceiptFor with that hash and
// must never resubmit, since the first transaction may still be mined.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/mmynk/invoicechain/internal/status"
)

// ErrPending is returned by ReceiptFor while a transaction is not yet mined.
var ErrPending = errors.New("transaction pending")

// ErrReverted marks a mined transaction whose execution failed.
var ErrReverted = errors.New("transaction reverted")

// ZeroAddress is the token sentinel for the ledger's native currency.
var ZeroAddress = common.Address{}

// CreateInvoiceParams are the createInvoice call arguments.
type CreateInvoiceParams struct {
	DocHash   string
	Issuer    common.Address
	Recipient common.Address
	// Amount is in the token's base unit.
	Amount      *big.Int
	Token       common.Address
	DueDate     time.Time
	Description string
}

// Receipt is the mined outcome of a transaction.
type Receipt struct {
	TxHash      string
	BlockNumber int64
	Reverted    bool

	// NumericID is the id from the InvoiceCreated event; valid when HasInvoice.
	NumericID  int64
	HasInvoice bool
}

// OnChainInvoice mirrors the registry's getInvoice result.
type OnChainInvoice struct {
	ID          int64
	DocHash     string
	Issuer      common.Address
	Recipient   common.Address
	Amount      *big.Int
	Token       common.Address
	Status      status.Ledger
	CreatedAt   time.Time
	DueDate     time.Time
	PaidAt      *time.Time
	Description string
}

// Ledger is the set of registry operations the coordinator consumes.
type Ledger interface {
	CreateInvoice(ctx context.Context, p CreateInvoiceParams) (txHash string, err error)
	PayInvoiceETH(ctx context.Context, id int64, value *big.Int) (txHash string, err error)
	PayInvoiceToken(ctx context.Context, id int64) (txHash string, err error)
	RaiseDispute(ctx context.Context, id int64, reason string) (txHash string, err error)
	CancelInvoice(ctx context.Context, id int64) (txHash string, err error)

	// GetInvoice returns apperr.ErrNotFound for an unknown id.
	GetInvoice(ctx context.Context, id int64) (*OnChainInvoice, error)

	// ReceiptFor returns ErrPending until the transaction is mined.
	ReceiptFor(ctx context.Context, txHash string) (*Receipt, error)
}

// WaitMined polls ReceiptFor every interval until the transaction is mined or ctx ends.
func WaitMined(ctx context.Context, l Ledger, txHash string, interval time.Duration) (*Receipt, error) {
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		rcpt, err := l.ReceiptFor(ctx, txHash)
		if err == nil {
			return rcpt, nil
		}
		if !errors.Is(err, ErrPending) {
			return nil, err
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}

// WaitCreated waits for a createInvoice transaction and returns its receipt.
// A reverted transaction, or one without an InvoiceCreated event, is ErrReverted.
func WaitCreated(ctx context.Context, l Ledger, txHash string, interval time.Duration) (*Receipt, error) {
	rcpt, err := WaitMined(ctx, l, txHash, interval)
	if err != nil {
		return nil, err
	}
	if rcpt.Reverted || !rcpt.HasInvoice {
		return rcpt, fmt.Errorf("createInvoice %s: %w", txHash, ErrReverted)
	}
	return rcpt, nil
}
