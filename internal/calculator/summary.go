package calculator

import (
	"sort"
	"time"

	"github.com/shopspring/decimal"

	"github.com/mmynk/invoicechain/internal/models"
	"github.com/mmynk/invoicechain/internal/status"
)

// Totals are the aggregates for one currency.
type Totals struct {
	Outstanding decimal.Decimal // Issued by the wallet, not yet settled
	Earned      decimal.Decimal // Issued by the wallet and paid
	Paid        decimal.Decimal // Billed to the wallet and paid
	Owed        decimal.Decimal // Billed to the wallet, not yet settled
}

// Summary aggregates a wallet's invoices.
type Summary struct {
	Count      int
	Overdue    int
	Currencies []string // Sorted keys of ByCurrency
	ByCurrency map[string]Totals
}

// Summarize computes per-currency totals for wallet across invoices.
//
// Algorithm:
// - Outstanding/Owed: pending (including derived overdue) invoices on the issuer/recipient side
// - Earned/Paid: paid invoices on the issuer/recipient side
// - Draft, disputed and cancelled invoices only contribute to Count
// Currencies are never mixed.
func Summarize(wallet string, invoices []*models.Invoice, now time.Time) Summary {
	sum := Summary{ByCurrency: make(map[string]Totals)}

	for _, inv := range invoices {
		isIssuer := models.SameWallet(inv.Issuer.Wallet, wallet)
		isRecipient := models.SameWallet(inv.Recipient.Wallet, wallet)
		if !isIssuer && !isRecipient {
			continue
		}
		sum.Count++

		display := inv.DisplayStatus(now)
		if display == status.Overdue {
			sum.Overdue++
		}

		t := sum.ByCurrency[inv.Currency]
		switch inv.Status {
		case status.Pending:
			if isIssuer {
				t.Outstanding = t.Outstanding.Add(inv.Amount)
			}
			if isRecipient {
				t.Owed = t.Owed.Add(inv.Amount)
			}
		case status.Paid:
			if isIssuer {
				t.Earned = t.Earned.Add(inv.Amount)
			}
			if isRecipient {
				t.Paid = t.Paid.Add(inv.Amount)
			}
		}
		sum.ByCurrency[inv.Currency] = t
	}

	for c := range sum.ByCurrency {
		sum.Currencies = append(sum.Currencies, c)
	}
	sort.Strings(sum.Currencies)
	return sum
}
