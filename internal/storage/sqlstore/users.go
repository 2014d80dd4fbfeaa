package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/mmynk/invoicechain/internal/apperr"
	"github.com/mmynk/invoicechain/internal/models"
)

const userColumns = `id, wallet_address, name, email, external_id, verification, nonce, nonce_issued_at,
	verified_at, invoice_count, total_earned, total_paid, created_at, updated_at`

// UpsertUser creates the user for the wallet or refreshes its non-empty profile fields.
func (s *SQLStore) UpsertUser(ctx context.Context, user *models.User) error {
	wallet := models.NormalizeWallet(user.WalletAddress)
	if wallet == "" {
		return apperr.Invalid("walletAddress", "required")
	}
	if user.ID == "" {
		user.ID = uuid.NewString()
	}
	now := time.Now()

	query := `
		INSERT INTO users (id, wallet_address, name, email, external_id, verification, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (wallet_address) DO UPDATE SET
			name = CASE WHEN excluded.name <> '' THEN excluded.name ELSE users.name END,
			email = CASE WHEN excluded.email <> '' THEN excluded.email ELSE users.email END,
			external_id = CASE WHEN excluded.external_id <> '' THEN excluded.external_id ELSE users.external_id END,
			updated_at = excluded.updated_at
	`
	_, err := s.exec(ctx, s.db, query,
		user.ID,
		wallet,
		user.Name,
		user.Email,
		user.ExternalID,
		string(models.Unverified),
		unix(now),
		unix(now),
	)
	if err != nil {
		return fmt.Errorf("failed to upsert user: %w", err)
	}

	stored, err := s.GetUserByWallet(ctx, wallet)
	if err != nil {
		return err
	}
	*user = *stored
	return nil
}

// GetUserByWallet retrieves a user by wallet address.
func (s *SQLStore) GetUserByWallet(ctx context.Context, wallet string) (*models.User, error) {
	row := s.queryRow(ctx, s.db, `SELECT `+userColumns+` FROM users WHERE wallet_address = ?`,
		models.NormalizeWallet(wallet))
	user, err := scanUser(row)
	if err != nil {
		return nil, fmt.Errorf("failed to get user by wallet: %w", err)
	}
	return user, nil
}

// GetUserByID retrieves a user by their ID.
func (s *SQLStore) GetUserByID(ctx context.Context, id string) (*models.User, error) {
	row := s.queryRow(ctx, s.db, `SELECT `+userColumns+` FROM users WHERE id = ?`, id)
	user, err := scanUser(row)
	if err != nil {
		return nil, fmt.Errorf("failed to get user by id: %w", err)
	}
	return user, nil
}

// SetNonce replaces the outstanding challenge. A verified user keeps its
// verified state while re-proving ownership.
func (s *SQLStore) SetNonce(ctx context.Context, wallet, nonce string, issuedAt time.Time) error {
	query := `
		UPDATE users
		SET nonce = ?, nonce_issued_at = ?,
			verification = CASE WHEN verification = ? THEN verification ELSE ? END,
			updated_at = ?
		WHERE wallet_address = ?
	`
	res, err := s.exec(ctx, s.db, query,
		nonce,
		unix(issuedAt),
		string(models.Verified),
		string(models.NonceIssued),
		unix(issuedAt),
		models.NormalizeWallet(wallet),
	)
	if err != nil {
		return fmt.Errorf("failed to set nonce: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("user %s: %w", wallet, apperr.ErrNotFound)
	}
	return nil
}

// ConsumeNonce clears the challenge only if it is still the one presented.
func (s *SQLStore) ConsumeNonce(ctx context.Context, wallet, nonce string, verifiedAt time.Time) error {
	query := `
		UPDATE users
		SET nonce = NULL, nonce_issued_at = NULL, verification = ?, verified_at = ?, updated_at = ?
		WHERE wallet_address = ? AND nonce = ?
	`
	res, err := s.exec(ctx, s.db, query,
		string(models.Verified),
		unix(verifiedAt),
		unix(verifiedAt),
		models.NormalizeWallet(wallet),
		nonce,
	)
	if err != nil {
		return fmt.Errorf("failed to consume nonce: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to consume nonce: %w", err)
	}
	if n == 0 {
		return apperr.ErrNoPendingChallenge
	}
	return nil
}

func scanUser(row *sql.Row) (*models.User, error) {
	var (
		user          models.User
		verification  string
		nonce         sql.NullString
		nonceIssuedAt sql.NullInt64
		verifiedAt    sql.NullInt64
		createdAt     int64
		updatedAt     int64
	)
	err := row.Scan(
		&user.ID,
		&user.WalletAddress,
		&user.Name,
		&user.Email,
		&user.ExternalID,
		&verification,
		&nonce,
		&nonceIssuedAt,
		&verifiedAt,
		&user.Stats.InvoiceCount,
		&user.Stats.TotalEarned,
		&user.Stats.TotalPaid,
		&createdAt,
		&updatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperr.ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	user.Verification = models.Verification(verification)
	user.Nonce = nonce.String
	if nonceIssuedAt.Valid {
		user.NonceIssuedAt = fromUnix(nonceIssuedAt.Int64)
	}
	user.VerifiedAt = timePtr(verifiedAt)
	user.CreatedAt = fromUnix(createdAt)
	user.UpdatedAt = fromUnix(updatedAt)
	return &user, nil
}
