// Package models defines the core domain models for invoicechain.
//
// # Models
//
//   - User: identity anchored on a lower-cased wallet address
//   - Invoice: off-chain record with an optional on-chain mirror (LedgerRef)
//   - Dispute: a ledger-accepted dispute keyed by the on-chain invoice id
//   - Template: user-owned reusable invoice defaults
//
// # Dual identity
//
// An invoice is created with an off-chain InvoiceID (e.g. "INV-1"). The numeric
// ledger id is assigned only once the creation transaction is mined and is
// back-filled onto the same record. Until then LedgerRef.NumericID is nil and
// the record is addressable only by InvoiceID.
//
// # Authority
//
// Before mining, the off-chain record is authoritative. After mining, the
// ledger is, and the off-chain Status is reconciled to match it, never the
// reverse.
//
// # Design Principles
//
// 1. Money is decimal.Decimal, never float64
// 2. Wallet addresses are stored lower-cased; comparisons are case-insensitive
// 3. Relationships use ID strings instead of pointers
package models
