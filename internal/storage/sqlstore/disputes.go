package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/mmynk/invoicechain/internal/apperr"
	"github.com/mmynk/invoicechain/internal/models"
)

// OpenDispute records a dispute the ledger has accepted.
func (s *SQLStore) OpenDispute(ctx context.Context, d *models.Dispute) error {
	if d.CreatedAt.IsZero() {
		d.CreatedAt = time.Now().UTC()
	}
	d.Status = models.DisputeOpen

	query := `
		INSERT INTO disputes (invoice_numeric_id, invoice_id, initiator, reason, status, tx_hash, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (invoice_numeric_id) DO NOTHING
	`
	res, err := s.exec(ctx, s.db, query,
		d.InvoiceNumericID,
		d.InvoiceID,
		models.NormalizeWallet(d.Initiator),
		d.Reason,
		string(d.Status),
		d.TxHash,
		unix(d.CreatedAt),
	)
	if err != nil {
		return fmt.Errorf("failed to open dispute: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("dispute for #%d: %w", d.InvoiceNumericID, apperr.ErrConflict)
	}
	return nil
}

// GetDispute retrieves the dispute for a ledger invoice id.
func (s *SQLStore) GetDispute(ctx context.Context, numericID int64) (*models.Dispute, error) {
	query := `
		SELECT invoice_numeric_id, invoice_id, initiator, reason, status, resolver, tx_hash, created_at, resolved_at
		FROM disputes
		WHERE invoice_numeric_id = ?
	`
	var (
		d          models.Dispute
		st         string
		createdAt  int64
		resolvedAt sql.NullInt64
	)
	err := s.queryRow(ctx, s.db, query, numericID).Scan(
		&d.InvoiceNumericID,
		&d.InvoiceID,
		&d.Initiator,
		&d.Reason,
		&st,
		&d.Resolver,
		&d.TxHash,
		&createdAt,
		&resolvedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("dispute for #%d: %w", numericID, apperr.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get dispute: %w", err)
	}
	d.Status = models.DisputeStatus(st)
	d.CreatedAt = fromUnix(createdAt)
	d.ResolvedAt = timePtr(resolvedAt)
	return &d, nil
}

// ResolveDispute closes an open dispute once.
func (s *SQLStore) ResolveDispute(ctx context.Context, numericID int64, resolver string, at time.Time) error {
	res, err := s.exec(ctx, s.db, `
		UPDATE disputes SET status = ?, resolver = ?, resolved_at = ?
		WHERE invoice_numeric_id = ? AND status = ?`,
		string(models.DisputeResolved),
		models.NormalizeWallet(resolver),
		unix(at),
		numericID,
		string(models.DisputeOpen),
	)
	if err != nil {
		return fmt.Errorf("failed to resolve dispute: %w", err)
	}
	if n, _ := res.RowsAffected(); n > 0 {
		return nil
	}
	if _, err := s.GetDispute(ctx, numericID); err != nil {
		return err
	}
	return fmt.Errorf("dispute for #%d already resolved: %w", numericID, apperr.ErrConflict)
}
