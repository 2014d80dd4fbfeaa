package calculator

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/mmynk/invoicechain/internal/models"
	"github.com/mmynk/invoicechain/internal/status"
)

const (
	alice = "0xaa00000000000000000000000000000000000001"
	bob   = "0xbb00000000000000000000000000000000000002"
)

func invoice(issuer, recipient, amount, currency string, st status.OffChain, due time.Time) *models.Invoice {
	return &models.Invoice{
		Issuer:    models.Party{Wallet: issuer},
		Recipient: models.Party{Wallet: recipient},
		Amount:    decimal.RequireFromString(amount),
		Currency:  currency,
		Status:    st,
		DueDate:   due,
	}
}

func TestSummarize(t *testing.T) {
	now := time.Date(2026, 5, 1, 0, 0, 0, 0, time.UTC)
	future := now.Add(72 * time.Hour)
	past := now.Add(-72 * time.Hour)

	invoices := []*models.Invoice{
		invoice(alice, bob, "1.5", "ETH", status.Pending, future),
		invoice(alice, bob, "2", "ETH", status.Pending, past),
		invoice(alice, bob, "3", "ETH", status.Paid, past),
		invoice(bob, alice, "10", "USDC", status.Paid, future),
		invoice(bob, alice, "4", "USDC", status.Pending, future),
		invoice(alice, bob, "9", "ETH", status.Draft, future),
		invoice(bob, "0xcc00000000000000000000000000000000000003", "100", "ETH", status.Paid, future),
	}

	// Upper-case input must match lower-cased stored wallets.
	sum := Summarize("0xAA00000000000000000000000000000000000001", invoices, now)

	if sum.Count != 6 {
		t.Errorf("Count = %d, want 6", sum.Count)
	}
	if sum.Overdue != 1 {
		t.Errorf("Overdue = %d, want 1", sum.Overdue)
	}
	if len(sum.Currencies) != 2 || sum.Currencies[0] != "ETH" || sum.Currencies[1] != "USDC" {
		t.Errorf("Currencies = %v, want [ETH USDC]", sum.Currencies)
	}

	eth := sum.ByCurrency["ETH"]
	if !eth.Outstanding.Equal(decimal.RequireFromString("3.5")) {
		t.Errorf("ETH outstanding = %s, want 3.5", eth.Outstanding)
	}
	if !eth.Earned.Equal(decimal.RequireFromString("3")) {
		t.Errorf("ETH earned = %s, want 3", eth.Earned)
	}

	usdc := sum.ByCurrency["USDC"]
	if !usdc.Paid.Equal(decimal.RequireFromString("10")) {
		t.Errorf("USDC paid = %s, want 10", usdc.Paid)
	}
	if !usdc.Owed.Equal(decimal.RequireFromString("4")) {
		t.Errorf("USDC owed = %s, want 4", usdc.Owed)
	}
}
