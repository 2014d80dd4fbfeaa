package status

import (
	"testing"
	"time"
)

func TestFromLedger(t *testing.T) {
	want := map[Ledger]int{
		LedgerCreated:   0,
		LedgerPaid:      1,
		LedgerDisputed:  2,
		LedgerResolved:  3,
		LedgerCancelled: 4,
		Ledger(17):      0,
	}
	for l, code := range want {
		if got := FromLedger(l); got != code {
			t.Errorf("FromLedger(%v) = %d, want %d", l, got, code)
		}
	}
}

func TestFromOffChainIsTotal(t *testing.T) {
	tests := []struct {
		in   string
		want int
	}{
		{"draft", 0},
		{"pending", 0},
		{"overdue", 0},
		{"paid", 1},
		{"PAID", 1},
		{" disputed ", 2},
		{"resolved", 3},
		{"cancelled", 4},
		{"", 0},
		{"refunded", 0},
		{"\x00garbage\xff", 0},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			first := FromOffChain(tt.in)
			if first != tt.want {
				t.Errorf("FromOffChain(%q) = %d, want %d", tt.in, first, tt.want)
			}
			if again := FromOffChain(tt.in); again != first {
				t.Errorf("FromOffChain(%q) not deterministic: %d then %d", tt.in, first, again)
			}
		})
	}
}

func TestLedgerRoundTripThroughOffChain(t *testing.T) {
	for v := 0; v <= 4; v++ {
		l, ok := ParseLedger(v)
		if !ok {
			t.Fatalf("ParseLedger(%d) rejected a valid code", v)
		}
		if got := FromOffChain(string(LedgerToOffChain(l))); got != FromLedger(l) {
			t.Errorf("ledger %v: off-chain display %d differs from ledger display %d", l, got, FromLedger(l))
		}
	}
	if _, ok := ParseLedger(5); ok {
		t.Error("ParseLedger(5) should be rejected")
	}
}

func TestPresentDerivesOverdue(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	past := now.Add(-time.Hour)
	future := now.Add(time.Hour)

	if got := Present(Pending, past, now); got != Overdue {
		t.Errorf("pending past due = %s, want overdue", got)
	}
	if got := Present(Pending, future, now); got != Pending {
		t.Errorf("pending not yet due = %s, want pending", got)
	}
	if got := Present(Paid, past, now); got != Paid {
		t.Errorf("paid past due = %s, want paid", got)
	}
	if got := Present(Draft, past, now); got != Draft {
		t.Errorf("draft past due = %s, want draft", got)
	}
}

func TestCanTransition(t *testing.T) {
	tests := []struct {
		from, to OffChain
		want     bool
	}{
		{Draft, Pending, true},
		{Draft, Paid, true},
		{Pending, Paid, true},
		{Pending, Disputed, true},
		{Pending, Cancelled, true},
		{Disputed, Resolved, true},
		{Paid, Pending, false},
		{Paid, Paid, false},
		{Cancelled, Paid, false},
		{Pending, Draft, false},
		{Pending, Resolved, false},
	}
	for _, tt := range tests {
		if got := CanTransition(tt.from, tt.to); got != tt.want {
			t.Errorf("CanTransition(%s, %s) = %v, want %v", tt.from, tt.to, got, tt.want)
		}
	}
}
