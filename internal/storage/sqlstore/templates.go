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

const templateColumns = `id, user_id, name, is_default, title, description, amount, currency, token_address,
	recipient_name, recipient_email, recipient_wallet, due_in_days, created_at, updated_at`

// SaveTemplate inserts or updates a template owned by tpl.UserID.
func (s *SQLStore) SaveTemplate(ctx context.Context, tpl *models.Template) error {
	now := time.Now().UTC()
	return s.withTx(ctx, func(tx *sql.Tx) error {
		if tpl.ID == "" {
			tpl.ID = uuid.NewString()
			tpl.CreatedAt = now
		} else {
			var owner string
			var createdAt int64
			err := s.queryRow(ctx, tx, `SELECT user_id, created_at FROM templates WHERE id = ?`, tpl.ID).
				Scan(&owner, &createdAt)
			switch {
			case errors.Is(err, sql.ErrNoRows):
				tpl.CreatedAt = now
			case err != nil:
				return fmt.Errorf("failed to read template: %w", err)
			case owner != tpl.UserID:
				return fmt.Errorf("template %s: %w", tpl.ID, apperr.ErrNotFound)
			default:
				tpl.CreatedAt = fromUnix(createdAt)
			}
		}
		tpl.UpdatedAt = now

		if tpl.IsDefault {
			_, err := s.exec(ctx, tx, `UPDATE templates SET is_default = 0, updated_at = ? WHERE user_id = ? AND id <> ?`,
				unix(now), tpl.UserID, tpl.ID)
			if err != nil {
				return fmt.Errorf("failed to clear default template: %w", err)
			}
		}

		query := `
			INSERT INTO templates (` + templateColumns + `)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT (id) DO UPDATE SET
				name = excluded.name,
				is_default = excluded.is_default,
				title = excluded.title,
				description = excluded.description,
				amount = excluded.amount,
				currency = excluded.currency,
				token_address = excluded.token_address,
				recipient_name = excluded.recipient_name,
				recipient_email = excluded.recipient_email,
				recipient_wallet = excluded.recipient_wallet,
				due_in_days = excluded.due_in_days,
				updated_at = excluded.updated_at
		`
		_, err := s.exec(ctx, tx, query,
			tpl.ID,
			tpl.UserID,
			tpl.Name,
			boolInt(tpl.IsDefault),
			tpl.Title,
			tpl.Description,
			tpl.Amount.String(),
			tpl.Currency,
			models.NormalizeWallet(tpl.TokenAddress),
			tpl.Recipient.Name,
			tpl.Recipient.Email,
			models.NormalizeWallet(tpl.Recipient.Wallet),
			tpl.DueInDays,
			unix(tpl.CreatedAt),
			unix(tpl.UpdatedAt),
		)
		if err != nil {
			return fmt.Errorf("failed to save template: %w", err)
		}
		return nil
	})
}

// ListTemplates returns the user's templates, default first.
func (s *SQLStore) ListTemplates(ctx context.Context, userID string) ([]*models.Template, error) {
	rows, err := s.query(ctx, s.db,
		`SELECT `+templateColumns+` FROM templates WHERE user_id = ? ORDER BY is_default DESC, name, id`, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to list templates: %w", err)
	}
	defer rows.Close()

	var templates []*models.Template
	for rows.Next() {
		var (
			tpl       models.Template
			isDefault int
			createdAt int64
			updatedAt int64
		)
		err := rows.Scan(
			&tpl.ID,
			&tpl.UserID,
			&tpl.Name,
			&isDefault,
			&tpl.Title,
			&tpl.Description,
			&tpl.Amount,
			&tpl.Currency,
			&tpl.TokenAddress,
			&tpl.Recipient.Name,
			&tpl.Recipient.Email,
			&tpl.Recipient.Wallet,
			&tpl.DueInDays,
			&createdAt,
			&updatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan template: %w", err)
		}
		tpl.IsDefault = isDefault == 1
		tpl.CreatedAt = fromUnix(createdAt)
		tpl.UpdatedAt = fromUnix(updatedAt)
		templates = append(templates, &tpl)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating templates: %w", err)
	}
	return templates, nil
}

// DeleteTemplate removes a template owned by userID.
func (s *SQLStore) DeleteTemplate(ctx context.Context, userID, templateID string) error {
	res, err := s.exec(ctx, s.db, `DELETE FROM templates WHERE id = ? AND user_id = ?`, templateID, userID)
	if err != nil {
		return fmt.Errorf("failed to delete template: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("template %s: %w", templateID, apperr.ErrNotFound)
	}
	return nil
}
