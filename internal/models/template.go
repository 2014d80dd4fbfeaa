package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// Template holds reusable invoice field defaults owned by one user.
// At most one template per user is the default.
type Template struct {
	// ID is the unique identifier for the template (UUID format).
	ID string

	// UserID owns the template.
	UserID string

	// Name is the display name (e.g. "Monthly retainer").
	Name string

	// IsDefault marks the template pre-selected in new invoices.
	// Saving a default clears any previous default of the same user.
	IsDefault bool

	Title        string
	Description  string
	Amount       decimal.Decimal
	Currency     string
	TokenAddress string
	Recipient    Party
	DueInDays    int

	CreatedAt time.Time
	UpdatedAt time.Time
}
