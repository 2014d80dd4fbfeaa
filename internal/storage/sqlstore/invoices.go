package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/mmynk/invoicechain/internal/apperr"
	"github.com/mmynk/invoicechain/internal/models"
	"github.com/mmynk/invoicechain/internal/status"
	"github.com/mmynk/invoicechain/internal/storage"
)

const invoiceColumns = `invoice_id, user_id, title, description, amount, currency, token_address,
	issuer_name, issuer_email, issuer_wallet, recipient_name, recipient_email, recipient_wallet,
	due_date, paid_date, status, numeric_id, tx_hash, block_number, ledger_status, doc_hash, doc_error,
	created_at, updated_at`

// scanner is implemented by *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...any) error
}

// CreateInvoice inserts a new invoice and bumps the issuer's invoice count.
func (s *SQLStore) CreateInvoice(ctx context.Context, inv *models.Invoice) error {
	now := time.Now().UTC()
	if inv.CreatedAt.IsZero() {
		inv.CreatedAt = now
	}
	inv.UpdatedAt = inv.CreatedAt

	return s.withTx(ctx, func(tx *sql.Tx) error {
		query := `
			INSERT INTO invoices (` + invoiceColumns + `)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT (invoice_id) DO NOTHING
		`
		res, err := s.exec(ctx, tx, query,
			inv.InvoiceID,
			inv.UserID,
			inv.Title,
			inv.Description,
			inv.Amount.String(),
			inv.Currency,
			models.NormalizeWallet(inv.TokenAddress),
			inv.Issuer.Name,
			inv.Issuer.Email,
			models.NormalizeWallet(inv.Issuer.Wallet),
			inv.Recipient.Name,
			inv.Recipient.Email,
			models.NormalizeWallet(inv.Recipient.Wallet),
			unix(inv.DueDate),
			nullUnix(inv.PaidDate),
			string(inv.Status),
			inv.Ledger.NumericID,
			inv.Ledger.TxHash,
			inv.Ledger.BlockNumber,
			int(inv.Ledger.Status),
			inv.DocHash,
			inv.DocError,
			unix(inv.CreatedAt),
			unix(inv.UpdatedAt),
		)
		if err != nil {
			return fmt.Errorf("failed to create invoice: %w", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return fmt.Errorf("invoice %s: %w", inv.InvoiceID, apperr.ErrConflict)
		}

		_, err = s.exec(ctx, tx, `UPDATE users SET invoice_count = invoice_count + 1, updated_at = ? WHERE id = ?`,
			unix(now), inv.UserID)
		if err != nil {
			return fmt.Errorf("failed to bump invoice count: %w", err)
		}
		return nil
	})
}

// GetInvoice retrieves an invoice by its off-chain id.
func (s *SQLStore) GetInvoice(ctx context.Context, invoiceID string) (*models.Invoice, error) {
	row := s.queryRow(ctx, s.db, `SELECT `+invoiceColumns+` FROM invoices WHERE invoice_id = ?`, invoiceID)
	inv, err := scanInvoice(row)
	if err != nil {
		return nil, fmt.Errorf("failed to get invoice %s: %w", invoiceID, err)
	}
	return inv, nil
}

// GetInvoiceByNumericID retrieves an invoice by its ledger id.
func (s *SQLStore) GetInvoiceByNumericID(ctx context.Context, numericID int64) (*models.Invoice, error) {
	row := s.queryRow(ctx, s.db, `SELECT `+invoiceColumns+` FROM invoices WHERE numeric_id = ?`, numericID)
	inv, err := scanInvoice(row)
	if err != nil {
		return nil, fmt.Errorf("failed to get invoice #%d: %w", numericID, err)
	}
	return inv, nil
}

// ListInvoicesByWallet retrieves invoices issued by or billed to the wallet.
func (s *SQLStore) ListInvoicesByWallet(ctx context.Context, wallet string) ([]*models.Invoice, error) {
	w := models.NormalizeWallet(wallet)
	query := `SELECT ` + invoiceColumns + ` FROM invoices
		WHERE issuer_wallet = ? OR recipient_wallet = ?
		ORDER BY created_at DESC, invoice_id`
	return s.listInvoices(ctx, query, w, w)
}

// ListAwaitingConfirmation returns submitted invoices whose creation is not yet back-filled.
func (s *SQLStore) ListAwaitingConfirmation(ctx context.Context, limit int) ([]*models.Invoice, error) {
	query := `SELECT ` + invoiceColumns + ` FROM invoices
		WHERE tx_hash <> '' AND numeric_id IS NULL
		ORDER BY updated_at, invoice_id
		LIMIT ?`
	return s.listInvoices(ctx, query, limit)
}

// ListOpenOnLedger returns mined invoices that have not reached a terminal status.
func (s *SQLStore) ListOpenOnLedger(ctx context.Context, limit int) ([]*models.Invoice, error) {
	query := `SELECT ` + invoiceColumns + ` FROM invoices
		WHERE numeric_id IS NOT NULL AND status IN (?, ?, ?)
		ORDER BY updated_at, invoice_id
		LIMIT ?`
	return s.listInvoices(ctx, query,
		string(status.Draft), string(status.Pending), string(status.Disputed), limit)
}

func (s *SQLStore) listInvoices(ctx context.Context, query string, args ...any) ([]*models.Invoice, error) {
	rows, err := s.query(ctx, s.db, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list invoices: %w", err)
	}
	defer rows.Close()

	var invoices []*models.Invoice
	for rows.Next() {
		inv, err := scanInvoice(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan invoice: %w", err)
		}
		invoices = append(invoices, inv)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating invoices: %w", err)
	}
	return invoices, nil
}

// SetDocument records the document hash or the reason it is missing.
func (s *SQLStore) SetDocument(ctx context.Context, invoiceID, docHash, docErr string) error {
	res, err := s.exec(ctx, s.db,
		`UPDATE invoices SET doc_hash = ?, doc_error = ?, updated_at = ? WHERE invoice_id = ?`,
		docHash, docErr, unix(time.Now()), invoiceID)
	if err != nil {
		return fmt.Errorf("failed to set document: %w", err)
	}
	return requireRow(res, invoiceID)
}

// SetSubmission records the creation transaction hash.
func (s *SQLStore) SetSubmission(ctx context.Context, invoiceID, txHash string, promote bool) error {
	query := `UPDATE invoices SET tx_hash = ?, updated_at = ? WHERE invoice_id = ?`
	args := []any{txHash, unix(time.Now()), invoiceID}
	if promote {
		query = `UPDATE invoices SET tx_hash = ?, updated_at = ?,
			status = CASE WHEN status = ? THEN ? ELSE status END
			WHERE invoice_id = ?`
		args = []any{txHash, unix(time.Now()), string(status.Draft), string(status.Pending), invoiceID}
	}
	res, err := s.exec(ctx, s.db, query, args...)
	if err != nil {
		return fmt.Errorf("failed to set submission: %w", err)
	}
	return requireRow(res, invoiceID)
}

// ClearSubmission forgets a reverted creation transaction and returns the record to draft.
func (s *SQLStore) ClearSubmission(ctx context.Context, invoiceID, txHash string) error {
	_, err := s.exec(ctx, s.db, `
		UPDATE invoices SET tx_hash = '', status = ?, updated_at = ?
		WHERE invoice_id = ? AND tx_hash = ? AND numeric_id IS NULL`,
		string(status.Draft), unix(time.Now()), invoiceID, txHash)
	if err != nil {
		return fmt.Errorf("failed to clear submission: %w", err)
	}
	return nil
}

// BackfillLedger stores the ledger id of a mined creation transaction.
func (s *SQLStore) BackfillLedger(ctx context.Context, invoiceID string, numericID, blockNumber int64, txHash string) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		var current sql.NullInt64
		err := s.queryRow(ctx, tx, `SELECT numeric_id FROM invoices WHERE invoice_id = ?`, invoiceID).Scan(&current)
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("invoice %s: %w", invoiceID, apperr.ErrNotFound)
		}
		if err != nil {
			return fmt.Errorf("failed to read ledger id: %w", err)
		}
		if current.Valid {
			if current.Int64 == numericID {
				return nil
			}
			return fmt.Errorf("invoice %s already bound to #%d, not #%d: %w",
				invoiceID, current.Int64, numericID, apperr.ErrConflict)
		}

		var owner string
		err = s.queryRow(ctx, tx, `SELECT invoice_id FROM invoices WHERE numeric_id = ?`, numericID).Scan(&owner)
		switch {
		case err == nil:
			return fmt.Errorf("ledger id #%d already bound to %s: %w", numericID, owner, apperr.ErrConflict)
		case !errors.Is(err, sql.ErrNoRows):
			return fmt.Errorf("failed to check ledger id: %w", err)
		}

		query := `UPDATE invoices SET numeric_id = ?, block_number = ?, updated_at = ? WHERE invoice_id = ?`
		args := []any{numericID, blockNumber, unix(time.Now()), invoiceID}
		if txHash != "" {
			query = `UPDATE invoices SET numeric_id = ?, block_number = ?, updated_at = ?, tx_hash = ? WHERE invoice_id = ?`
			args = []any{numericID, blockNumber, unix(time.Now()), txHash, invoiceID}
		}
		if _, err := s.exec(ctx, tx, query, args...); err != nil {
			return fmt.Errorf("failed to back-fill ledger id: %w", err)
		}
		return nil
	})
}

// ApplyTransition moves an invoice from t.From to t.To if it is still at t.From.
// Paid totals are bumped in the same transaction, so a lost race bumps nothing.
func (s *SQLStore) ApplyTransition(ctx context.Context, t storage.Transition) (bool, error) {
	applied := false
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		now := time.Now()
		query := `UPDATE invoices SET status = ?, ledger_status = ?, updated_at = ?`
		args := []any{string(t.To), int(t.LedgerStatus), unix(now)}
		if t.PaidAt != nil {
			query += `, paid_date = ?`
			args = append(args, unix(*t.PaidAt))
		}
		query += ` WHERE invoice_id = ? AND status = ?`
		args = append(args, t.InvoiceID, string(t.From))

		res, err := s.exec(ctx, tx, query, args...)
		if err != nil {
			return fmt.Errorf("failed to apply transition: %w", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("failed to apply transition: %w", err)
		}
		if n == 0 {
			return nil
		}
		applied = true

		if t.BumpAmount == nil {
			return nil
		}
		var issuer, recipient string
		err = s.queryRow(ctx, tx, `SELECT issuer_wallet, recipient_wallet FROM invoices WHERE invoice_id = ?`,
			t.InvoiceID).Scan(&issuer, &recipient)
		if err != nil {
			return fmt.Errorf("failed to read parties: %w", err)
		}
		if err := s.bumpTotal(ctx, tx, issuer, "total_earned", *t.BumpAmount, now); err != nil {
			return err
		}
		return s.bumpTotal(ctx, tx, recipient, "total_paid", *t.BumpAmount, now)
	})
	if err != nil {
		return false, err
	}
	return applied, nil
}

// bumpTotal adds amount to a decimal column. Wallets without a user row are skipped.
// column is one of two constants chosen by the caller. The row stays locked
// until the transaction ends, so concurrent payments to one wallet both count.
func (s *SQLStore) bumpTotal(ctx context.Context, tx *sql.Tx, wallet, column string, amount decimal.Decimal, now time.Time) error {
	var total decimal.Decimal
	err := s.queryRow(ctx, tx, s.forUpdate(`SELECT `+column+` FROM users WHERE wallet_address = ?`), wallet).Scan(&total)
	if errors.Is(err, sql.ErrNoRows) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to read %s: %w", column, err)
	}
	_, err = s.exec(ctx, tx, `UPDATE users SET `+column+` = ?, updated_at = ? WHERE wallet_address = ?`,
		total.Add(amount).String(), unix(now), wallet)
	if err != nil {
		return fmt.Errorf("failed to update %s: %w", column, err)
	}
	return nil
}

func requireRow(res sql.Result, invoiceID string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("invoice %s: %w", invoiceID, apperr.ErrNotFound)
	}
	return nil
}

func scanInvoice(sc scanner) (*models.Invoice, error) {
	var (
		inv          models.Invoice
		invStatus    string
		paidDate     sql.NullInt64
		numericID    sql.NullInt64
		blockNumber  sql.NullInt64
		ledgerStatus int64
		dueDate      int64
		createdAt    int64
		updatedAt    int64
	)
	err := sc.Scan(
		&inv.InvoiceID,
		&inv.UserID,
		&inv.Title,
		&inv.Description,
		&inv.Amount,
		&inv.Currency,
		&inv.TokenAddress,
		&inv.Issuer.Name,
		&inv.Issuer.Email,
		&inv.Issuer.Wallet,
		&inv.Recipient.Name,
		&inv.Recipient.Email,
		&inv.Recipient.Wallet,
		&dueDate,
		&paidDate,
		&invStatus,
		&numericID,
		&inv.Ledger.TxHash,
		&blockNumber,
		&ledgerStatus,
		&inv.DocHash,
		&inv.DocError,
		&createdAt,
		&updatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperr.ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	inv.Status = status.OffChain(invStatus)
	inv.DueDate = fromUnix(dueDate)
	inv.PaidDate = timePtr(paidDate)
	inv.Ledger.NumericID = int64Ptr(numericID)
	inv.Ledger.BlockNumber = int64Ptr(blockNumber)
	inv.Ledger.Status, _ = status.ParseLedger(int(ledgerStatus))
	inv.CreatedAt = fromUnix(createdAt)
	inv.UpdatedAt = fromUnix(updatedAt)
	return &inv, nil
}
