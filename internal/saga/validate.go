package saga

import (
	"errors"
	"math/big"
	"regexp"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/mmynk/invoicechain/internal/apperr"
	"github.com/mmynk/invoicechain/internal/auth"
	"github.com/mmynk/invoicechain/internal/calculator"
	"github.com/mmynk/invoicechain/internal/ledger"
	"github.com/mmynk/invoicechain/internal/models"
)

// MinDueLead is how far in the future a due date must be at creation.
const MinDueLead = 60 * time.Second

const maxTitleLen = 200

var invoiceIDPattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9_-]{0,63}$`)

// Request is the caller's input to the creation saga.
type Request struct {
	// InvoiceID is optional; one is generated when empty.
	InvoiceID    string
	Title        string
	Description  string
	Amount       string
	Currency     string
	TokenAddress string
	Issuer       models.Party
	Recipient    models.Party
	DueDate      time.Time

	// ExternalID links the issuer to an identity-provider subject.
	ExternalID string
}

// Validated holds the parsed fields of an accepted Request.
type Validated struct {
	InvoiceID  string
	Amount     decimal.Decimal
	BaseAmount *big.Int
	Currency   string
	Issuer     common.Address
	Recipient  common.Address
	Token      common.Address
}

// Validate checks every field of req at time now and collects all problems.
// decimals is the base-unit precision of the invoiced currency.
func Validate(req Request, now time.Time, decimals int32) (*Validated, error) {
	var errs []error
	v := &Validated{InvoiceID: strings.TrimSpace(req.InvoiceID)}

	if v.InvoiceID == "" {
		v.InvoiceID = "INV-" + uuid.NewString()
	} else if !invoiceIDPattern.MatchString(v.InvoiceID) {
		errs = append(errs, apperr.Invalid("invoiceId", "must be 1-64 letters, digits, '-' or '_'"))
	}

	title := strings.TrimSpace(req.Title)
	switch {
	case title == "":
		errs = append(errs, apperr.Invalid("title", "required"))
	case len(title) > maxTitleLen:
		errs = append(errs, apperr.Invalid("title", "too long"))
	}

	amount, err := decimal.NewFromString(strings.TrimSpace(req.Amount))
	switch {
	case err != nil:
		errs = append(errs, apperr.Invalid("amount", "not a decimal number"))
	case !amount.IsPositive():
		errs = append(errs, apperr.Invalid("amount", "must be greater than zero"))
	default:
		base, err := calculator.ToBaseUnits(amount, decimals)
		if err != nil {
			errs = append(errs, apperr.Invalid("amount", err.Error()))
		}
		v.Amount = amount
		v.BaseAmount = base
	}

	if req.DueDate.IsZero() {
		errs = append(errs, apperr.Invalid("dueDate", "required"))
	} else if req.DueDate.Before(now.Add(MinDueLead)) {
		errs = append(errs, apperr.Invalid("dueDate", "must be at least 60 seconds in the future"))
	}

	if !auth.ValidWallet(req.Issuer.Wallet) {
		errs = append(errs, apperr.Invalid("issuer.wallet", "not a valid address"))
	} else {
		v.Issuer = common.HexToAddress(req.Issuer.Wallet)
	}

	switch {
	case !auth.ValidWallet(req.Recipient.Wallet):
		errs = append(errs, apperr.Invalid("recipient.wallet", "not a valid address"))
	case models.SameWallet(req.Recipient.Wallet, req.Issuer.Wallet):
		errs = append(errs, apperr.Invalid("recipient.wallet", "must differ from the issuer"))
	default:
		v.Recipient = common.HexToAddress(req.Recipient.Wallet)
	}

	v.Token = ledger.ZeroAddress
	if tok := strings.TrimSpace(req.TokenAddress); tok != "" {
		if !auth.ValidWallet(tok) {
			errs = append(errs, apperr.Invalid("tokenAddress", "not a valid address"))
		} else {
			v.Token = common.HexToAddress(tok)
		}
	}

	v.Currency = strings.ToUpper(strings.TrimSpace(req.Currency))
	if v.Currency == "" {
		if v.Token == ledger.ZeroAddress {
			v.Currency = "ETH"
		} else {
			errs = append(errs, apperr.Invalid("currency", "required for token invoices"))
		}
	}

	if len(errs) > 0 {
		return nil, errors.Join(errs...)
	}
	return v, nil
}
