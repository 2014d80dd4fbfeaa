package models

import (
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// Verification is the wallet-ownership state of a user.
type Verification string

const (
	Unverified  Verification = "unverified"
	NonceIssued Verification = "nonce-issued"
	Verified    Verification = "verified"
)

// User represents a wallet owner.
// Users are created on first contact from a new wallet address.
type User struct {
	// ID is the unique identifier for the user (UUID format).
	ID string

	// WalletAddress is the lower-cased 0x-prefixed address (unique).
	WalletAddress string

	// Name and Email come from an optionally linked external identity.
	Name  string
	Email string

	// ExternalID is the subject of the linked identity-provider account, if any.
	ExternalID string

	// Verification tracks the challenge-response state.
	Verification Verification

	// Nonce is the outstanding single-use challenge. Empty when none is pending.
	// It is cleared the moment a signature over it verifies.
	Nonce string

	// NonceIssuedAt is when Nonce was generated; used for expiry.
	NonceIssuedAt time.Time

	// VerifiedAt is set on the latest successful verification.
	VerifiedAt *time.Time

	// Stats are running aggregates maintained by reconciliation.
	Stats UserStats

	CreatedAt time.Time
	UpdatedAt time.Time
}

// IsVerified reports whether the wallet has proven ownership at least once.
func (u *User) IsVerified() bool {
	return u.Verification == Verified
}

// UserStats are aggregate counters for an issuer.
type UserStats struct {
	// InvoiceCount is the number of invoices the user issued.
	InvoiceCount int64

	// TotalEarned is the sum of paid invoices the user issued.
	TotalEarned decimal.Decimal

	// TotalPaid is the sum of paid invoices the user was billed for.
	TotalPaid decimal.Decimal
}

// NormalizeWallet lower-cases and trims a wallet address.
func NormalizeWallet(addr string) string {
	return strings.ToLower(strings.TrimSpace(addr))
}

// SameWallet compares two addresses case-insensitively.
func SameWallet(a, b string) bool {
	return NormalizeWallet(a) == NormalizeWallet(b)
}
