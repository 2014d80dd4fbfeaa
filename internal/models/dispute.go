package models

import "time"

// DisputeStatus is the lifecycle of a dispute.
type DisputeStatus string

const (
	DisputeNone     DisputeStatus = "none"
	DisputeOpen     DisputeStatus = "open"
	DisputeResolved DisputeStatus = "resolved"
)

// Dispute is recorded only after the ledger accepted the dispute-fee transaction.
type Dispute struct {
	// InvoiceNumericID is the ledger id of the disputed invoice (unique).
	InvoiceNumericID int64

	// InvoiceID is the off-chain id of the same invoice.
	InvoiceID string

	// Initiator is the wallet that raised the dispute.
	Initiator string

	Reason string

	Status DisputeStatus

	// Resolver is the wallet that resolved the dispute. Set exactly once.
	Resolver string

	// TxHash is the raiseDispute transaction.
	TxHash string

	CreatedAt  time.Time
	ResolvedAt *time.Time
}
