package sqlstore

import (
	"context"
	"fmt"
)

// schema contains the statements that set up the database schema.
// They run on startup to ensure tables exist and are valid for both SQLite and PostgreSQL.
// IMPORTANT: users must be created BEFORE invoices due to the foreign key constraint.
var schema = []string{
	`CREATE TABLE IF NOT EXISTS users (
    id TEXT PRIMARY KEY,
    wallet_address TEXT NOT NULL UNIQUE,
    name TEXT NOT NULL DEFAULT '',
    email TEXT NOT NULL DEFAULT '',
    external_id TEXT NOT NULL DEFAULT '',
    verification TEXT NOT NULL DEFAULT 'unverified',
    nonce TEXT,
    nonce_issued_at BIGINT,
    verified_at BIGINT,
    invoice_count BIGINT NOT NULL DEFAULT 0,
    total_earned TEXT NOT NULL DEFAULT '0',
    total_paid TEXT NOT NULL DEFAULT '0',
    created_at BIGINT NOT NULL,
    updated_at BIGINT NOT NULL
)`,

	`CREATE TABLE IF NOT EXISTS invoices (
    invoice_id TEXT PRIMARY KEY,
    user_id TEXT NOT NULL REFERENCES users(id),
    title TEXT NOT NULL,
    description TEXT NOT NULL DEFAULT '',
    amount TEXT NOT NULL,
    currency TEXT NOT NULL,
    token_address TEXT NOT NULL,
    issuer_name TEXT NOT NULL DEFAULT '',
    issuer_email TEXT NOT NULL DEFAULT '',
    issuer_wallet TEXT NOT NULL,
    recipient_name TEXT NOT NULL DEFAULT '',
    recipient_email TEXT NOT NULL DEFAULT '',
    recipient_wallet TEXT NOT NULL,
    due_date BIGINT NOT NULL,
    paid_date BIGINT,
    status TEXT NOT NULL,
    numeric_id BIGINT UNIQUE,
    tx_hash TEXT NOT NULL DEFAULT '',
    block_number BIGINT,
    ledger_status INTEGER NOT NULL DEFAULT 0,
    doc_hash TEXT NOT NULL DEFAULT '',
    doc_error TEXT NOT NULL DEFAULT '',
    created_at BIGINT NOT NULL,
    updated_at BIGINT NOT NULL
)`,

	`CREATE TABLE IF NOT EXISTS templates (
    id TEXT PRIMARY KEY,
    user_id TEXT NOT NULL REFERENCES users(id) ON DELETE CASCADE,
    name TEXT NOT NULL,
    is_default INTEGER NOT NULL DEFAULT 0,
    title TEXT NOT NULL DEFAULT '',
    description TEXT NOT NULL DEFAULT '',
    amount TEXT NOT NULL DEFAULT '0',
    currency TEXT NOT NULL DEFAULT '',
    token_address TEXT NOT NULL DEFAULT '',
    recipient_name TEXT NOT NULL DEFAULT '',
    recipient_email TEXT NOT NULL DEFAULT '',
    recipient_wallet TEXT NOT NULL DEFAULT '',
    due_in_days INTEGER NOT NULL DEFAULT 0,
    created_at BIGINT NOT NULL,
    updated_at BIGINT NOT NULL
)`,

	`CREATE TABLE IF NOT EXISTS disputes (
    invoice_numeric_id BIGINT PRIMARY KEY,
    invoice_id TEXT NOT NULL REFERENCES invoices(invoice_id),
    initiator TEXT NOT NULL,
    reason TEXT NOT NULL DEFAULT '',
    status TEXT NOT NULL,
    resolver TEXT NOT NULL DEFAULT '',
    tx_hash TEXT NOT NULL DEFAULT '',
    created_at BIGINT NOT NULL,
    resolved_at BIGINT
)`,

	`CREATE INDEX IF NOT EXISTS idx_invoices_issuer_wallet ON invoices(issuer_wallet)`,
	`CREATE INDEX IF NOT EXISTS idx_invoices_recipient_wallet ON invoices(recipient_wallet)`,
	`CREATE INDEX IF NOT EXISTS idx_invoices_tx_hash ON invoices(tx_hash)`,
	`CREATE INDEX IF NOT EXISTS idx_templates_user_id ON templates(user_id)`,
	`CREATE UNIQUE INDEX IF NOT EXISTS idx_templates_one_default ON templates(user_id) WHERE is_default = 1`,
}

// runMigrations executes the schema setup one statement at a time.
func (s *SQLStore) runMigrations(ctx context.Context) error {
	for i, stmt := range schema {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("schema statement %d: %w", i, err)
		}
	}
	return nil
}
