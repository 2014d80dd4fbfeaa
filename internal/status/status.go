// Package status normalizes the ledger's closed status enum against the
// document store's richer off-chain vocabulary. It performs no I/O.
//
// Display codes are the ledger's numeric values. Both mapping functions are
// total: unknown input maps to the Created code instead of failing, so that
// historical records with unexpected values still render.
package status

import (
	"strings"
	"time"
)

// Ledger is the status stored by the invoice registry contract.
type Ledger uint8

const (
	LedgerCreated   Ledger = 0
	LedgerPaid      Ledger = 1
	LedgerDisputed  Ledger = 2
	LedgerResolved  Ledger = 3
	LedgerCancelled Ledger = 4
)

var ledgerNames = [...]string{"Created", "Paid", "Disputed", "Resolved", "Cancelled"}

func (l Ledger) String() string {
	if int(l) < len(ledgerNames) {
		return ledgerNames[l]
	}
	return "Unknown"
}

// ParseLedger converts a raw contract value. ok is false outside 0-4.
func ParseLedger(v int) (Ledger, bool) {
	if v < 0 || v > int(LedgerCancelled) {
		return LedgerCreated, false
	}
	return Ledger(v), true
}

// OffChain is the status vocabulary of the document store.
type OffChain string

const (
	Draft     OffChain = "draft"
	Pending   OffChain = "pending"
	Paid      OffChain = "paid"
	Overdue   OffChain = "overdue"
	Disputed  OffChain = "disputed"
	Resolved  OffChain = "resolved"
	Cancelled OffChain = "cancelled"
)

// Known reports whether s is part of the stored vocabulary.
func (s OffChain) Known() bool {
	switch s {
	case Draft, Pending, Paid, Overdue, Disputed, Resolved, Cancelled:
		return true
	}
	return false
}

// Terminal reports whether no further ledger event can move s, except for the
// dispute resolution path which leaves disputed.
func (s OffChain) Terminal() bool {
	switch s {
	case Paid, Resolved, Cancelled:
		return true
	}
	return false
}

// Parse normalizes case and whitespace. Unknown strings are returned as-is
// (lower-cased) so callers can still display or reject them.
func Parse(s string) OffChain {
	return OffChain(strings.ToLower(strings.TrimSpace(s)))
}

// FromLedger maps a ledger status onto its numeric display code.
func FromLedger(l Ledger) int {
	switch l {
	case LedgerPaid:
		return 1
	case LedgerDisputed:
		return 2
	case LedgerResolved:
		return 3
	case LedgerCancelled:
		return 4
	default:
		return 0
	}
}

// FromOffChain maps an off-chain status string onto its numeric display code.
// draft, pending, overdue and anything unrecognized map to 0.
func FromOffChain(s string) int {
	switch Parse(s) {
	case Paid:
		return 1
	case Disputed:
		return 2
	case Resolved:
		return 3
	case Cancelled:
		return 4
	default:
		return 0
	}
}

// LedgerToOffChain is the off-chain status a confirmed ledger status reconciles to.
func LedgerToOffChain(l Ledger) OffChain {
	switch l {
	case LedgerPaid:
		return Paid
	case LedgerDisputed:
		return Disputed
	case LedgerResolved:
		return Resolved
	case LedgerCancelled:
		return Cancelled
	default:
		return Pending
	}
}

// Present returns the status to display. A pending invoice whose due date has
// passed is shown as overdue; nothing is written back.
func Present(s OffChain, due, now time.Time) OffChain {
	if s == Pending && !due.IsZero() && due.Before(now) {
		return Overdue
	}
	return s
}

var transitions = map[OffChain][]OffChain{
	Draft:    {Pending, Paid, Disputed, Cancelled},
	Pending:  {Paid, Disputed, Cancelled},
	Disputed: {Resolved, Paid, Cancelled},
}

// CanTransition reports whether a reconciliation from -> to is allowed.
// Equal statuses are not a transition; callers treat them as a no-op.
func CanTransition(from, to OffChain) bool {
	for _, allowed := range transitions[from] {
		if allowed == to {
			return true
		}
	}
	return false
}
