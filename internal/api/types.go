// Package api defines the JSON bodies of the REST surface. The server and the
// client both use it.
package api

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/mmynk/invoicechain/internal/calculator"
	"github.com/mmynk/invoicechain/internal/models"
	"github.com/mmynk/invoicechain/internal/status"
)

type Party struct {
	Name   string `json:"name,omitempty"`
	Email  string `json:"email,omitempty"`
	Wallet string `json:"wallet"`
}

type Ledger struct {
	NumericID   *int64 `json:"numericId,omitempty"`
	TxHash      string `json:"txHash,omitempty"`
	BlockNumber *int64 `json:"blockNumber,omitempty"`
	Status      string `json:"status"`
	StatusCode  int    `json:"statusCode"`
}

type Invoice struct {
	InvoiceID     string          `json:"invoiceId"`
	UserID        string          `json:"userId"`
	Title         string          `json:"title"`
	Description   string          `json:"description,omitempty"`
	Amount        decimal.Decimal `json:"amount"`
	Currency      string          `json:"currency"`
	TokenAddress  string          `json:"tokenAddress"`
	Issuer        Party           `json:"issuer"`
	Recipient     Party           `json:"recipient"`
	DueDate       time.Time       `json:"dueDate"`
	PaidDate      *time.Time      `json:"paidDate,omitempty"`
	Status        string          `json:"status"`
	DisplayStatus string          `json:"displayStatus"`
	DisplayCode   int             `json:"displayCode"`
	Ledger        Ledger          `json:"ledger"`
	DocHash       string          `json:"docHash,omitempty"`
	DocError      string          `json:"docError,omitempty"`
	CreatedAt     time.Time       `json:"createdAt"`
	UpdatedAt     time.Time       `json:"updatedAt"`
}

// FromInvoice converts a record, resolving the display status at now.
func FromInvoice(inv *models.Invoice, now time.Time) Invoice {
	display := inv.DisplayStatus(now)
	return Invoice{
		InvoiceID:     inv.InvoiceID,
		UserID:        inv.UserID,
		Title:         inv.Title,
		Description:   inv.Description,
		Amount:        inv.Amount,
		Currency:      inv.Currency,
		TokenAddress:  inv.TokenAddress,
		Issuer:        Party(inv.Issuer),
		Recipient:     Party(inv.Recipient),
		DueDate:       inv.DueDate,
		PaidDate:      inv.PaidDate,
		Status:        string(inv.Status),
		DisplayStatus: string(display),
		DisplayCode:   status.FromOffChain(string(display)),
		Ledger: Ledger{
			NumericID:   inv.Ledger.NumericID,
			TxHash:      inv.Ledger.TxHash,
			BlockNumber: inv.Ledger.BlockNumber,
			Status:      inv.Ledger.Status.String(),
			StatusCode:  status.FromLedger(inv.Ledger.Status),
		},
		DocHash:   inv.DocHash,
		DocError:  inv.DocError,
		CreatedAt: inv.CreatedAt,
		UpdatedAt: inv.UpdatedAt,
	}
}

// Model converts back to a record. The display fields are dropped.
func (i Invoice) Model() *models.Invoice {
	ls, _ := status.ParseLedger(i.Ledger.StatusCode)
	return &models.Invoice{
		InvoiceID:    i.InvoiceID,
		UserID:       i.UserID,
		Title:        i.Title,
		Description:  i.Description,
		Amount:       i.Amount,
		Currency:     i.Currency,
		TokenAddress: i.TokenAddress,
		Issuer:       models.Party(i.Issuer),
		Recipient:    models.Party(i.Recipient),
		DueDate:      i.DueDate,
		PaidDate:     i.PaidDate,
		Status:       status.Parse(i.Status),
		Ledger: models.LedgerRef{
			NumericID:   i.Ledger.NumericID,
			TxHash:      i.Ledger.TxHash,
			BlockNumber: i.Ledger.BlockNumber,
			Status:      ls,
		},
		DocHash:   i.DocHash,
		DocError:  i.DocError,
		CreatedAt: i.CreatedAt,
		UpdatedAt: i.UpdatedAt,
	}
}

type UserStats struct {
	InvoiceCount int64           `json:"invoiceCount"`
	TotalEarned  decimal.Decimal `json:"totalEarned"`
	TotalPaid    decimal.Decimal `json:"totalPaid"`
}

type User struct {
	ID            string     `json:"id"`
	WalletAddress string     `json:"walletAddress"`
	Name          string     `json:"name,omitempty"`
	Email         string     `json:"email,omitempty"`
	Verified      bool       `json:"verified"`
	Verification  string     `json:"verification"`
	VerifiedAt    *time.Time `json:"verifiedAt,omitempty"`
	Stats         UserStats  `json:"stats"`
	CreatedAt     time.Time  `json:"createdAt"`
}

// FromUser converts a user. The outstanding nonce is never exposed.
func FromUser(u *models.User) User {
	return User{
		ID:            u.ID,
		WalletAddress: u.WalletAddress,
		Name:          u.Name,
		Email:         u.Email,
		Verified:      u.IsVerified(),
		Verification:  string(u.Verification),
		VerifiedAt:    u.VerifiedAt,
		Stats: UserStats{
			InvoiceCount: u.Stats.InvoiceCount,
			TotalEarned:  u.Stats.TotalEarned,
			TotalPaid:    u.Stats.TotalPaid,
		},
		CreatedAt: u.CreatedAt,
	}
}

type ProfileRequest struct {
	WalletAddress string `json:"walletAddress"`
	Name          string `json:"name,omitempty"`
	Email         string `json:"email,omitempty"`
	ExternalID    string `json:"externalId,omitempty"`
}

type NonceResponse struct {
	WalletAddress string `json:"walletAddress"`
	Nonce         string `json:"nonce"`
	Message       string `json:"message"`
}

type VerifyRequest struct {
	Signature string `json:"signature"`
}

type VerifyResponse struct {
	Verified bool   `json:"verified"`
	Token    string `json:"token"`
	User     User   `json:"user"`
}

type CreateInvoiceRequest struct {
	InvoiceID    string    `json:"invoiceId,omitempty"`
	Title        string    `json:"title"`
	Description  string    `json:"description,omitempty"`
	Amount       string    `json:"amount"`
	Currency     string    `json:"currency,omitempty"`
	TokenAddress string    `json:"tokenAddress,omitempty"`
	Issuer       Party     `json:"issuer"`
	Recipient    Party     `json:"recipient"`
	DueDate      time.Time `json:"dueDate"`
}

// CreateInvoiceResponse reports a creation saga run. Success is true only
// when the invoice was mined and back-filled.
type CreateInvoiceResponse struct {
	Success bool     `json:"success"`
	Outcome string   `json:"outcome"`
	Stage   string   `json:"stage"`
	Invoice *Invoice `json:"invoice,omitempty"`
	Error   string   `json:"error,omitempty"`
	TxHash  string   `json:"txHash,omitempty"`
}

type StatusUpdateRequest struct {
	Status          string `json:"status"`
	TransactionHash string `json:"transactionHash,omitempty"`
	BlockNumber     int64  `json:"blockNumber,omitempty"`
	NumericID       *int64 `json:"numericId,omitempty"`
}

type StatusUpdateResponse struct {
	Applied bool    `json:"applied"`
	From    string  `json:"from"`
	To      string  `json:"to"`
	Invoice Invoice `json:"invoice"`
}

type Totals struct {
	Outstanding decimal.Decimal `json:"outstanding"`
	Earned      decimal.Decimal `json:"earned"`
	Paid        decimal.Decimal `json:"paid"`
	Owed        decimal.Decimal `json:"owed"`
}

type Summary struct {
	Count      int               `json:"count"`
	Overdue    int               `json:"overdue"`
	ByCurrency map[string]Totals `json:"byCurrency"`
}

func FromSummary(s calculator.Summary) Summary {
	out := Summary{Count: s.Count, Overdue: s.Overdue, ByCurrency: make(map[string]Totals, len(s.ByCurrency))}
	for c, t := range s.ByCurrency {
		out.ByCurrency[c] = Totals(t)
	}
	return out
}

type SearchResponse struct {
	Invoices []Invoice `json:"invoices"`
	Summary  Summary   `json:"summary"`
}

type DisputeRequest struct {
	Reason          string `json:"reason"`
	TransactionHash string `json:"transactionHash"`
}

type ResolveRequest struct {
	TransactionHash string `json:"transactionHash,omitempty"`
}

type Dispute struct {
	InvoiceNumericID int64      `json:"invoiceNumericId"`
	InvoiceID        string     `json:"invoiceId"`
	Initiator        string     `json:"initiator"`
	Reason           string     `json:"reason"`
	Status           string     `json:"status"`
	Resolver         string     `json:"resolver,omitempty"`
	TxHash           string     `json:"txHash,omitempty"`
	CreatedAt        time.Time  `json:"createdAt"`
	ResolvedAt       *time.Time `json:"resolvedAt,omitempty"`
}

func FromDispute(d *models.Dispute) Dispute {
	return Dispute{
		InvoiceNumericID: d.InvoiceNumericID,
		InvoiceID:        d.InvoiceID,
		Initiator:        d.Initiator,
		Reason:           d.Reason,
		Status:           string(d.Status),
		Resolver:         d.Resolver,
		TxHash:           d.TxHash,
		CreatedAt:        d.CreatedAt,
		ResolvedAt:       d.ResolvedAt,
	}
}

type Template struct {
	ID           string          `json:"id,omitempty"`
	Name         string          `json:"name"`
	IsDefault    bool            `json:"isDefault"`
	Title        string          `json:"title,omitempty"`
	Description  string          `json:"description,omitempty"`
	Amount       decimal.Decimal `json:"amount"`
	Currency     string          `json:"currency,omitempty"`
	TokenAddress string          `json:"tokenAddress,omitempty"`
	Recipient    Party           `json:"recipient"`
	DueInDays    int             `json:"dueInDays"`
	CreatedAt    time.Time       `json:"createdAt"`
	UpdatedAt    time.Time       `json:"updatedAt"`
}

func FromTemplate(t *models.Template) Template {
	return Template{
		ID:           t.ID,
		Name:         t.Name,
		IsDefault:    t.IsDefault,
		Title:        t.Title,
		Description:  t.Description,
		Amount:       t.Amount,
		Currency:     t.Currency,
		TokenAddress: t.TokenAddress,
		Recipient:    Party(t.Recipient),
		DueInDays:    t.DueInDays,
		CreatedAt:    t.CreatedAt,
		UpdatedAt:    t.UpdatedAt,
	}
}

func (t Template) Model() *models.Template {
	return &models.Template{
		ID:           t.ID,
		Name:         t.Name,
		IsDefault:    t.IsDefault,
		Title:        t.Title,
		Description:  t.Description,
		Amount:       t.Amount,
		Currency:     t.Currency,
		TokenAddress: t.TokenAddress,
		Recipient:    models.Party(t.Recipient),
		DueInDays:    t.DueInDays,
	}
}
