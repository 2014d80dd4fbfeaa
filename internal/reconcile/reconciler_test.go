package reconcile

import (
	"context"
	"errors"
	"math/big"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/shopspring/decimal"

	"github.com/mmynk/invoicechain/internal/apperr"
	"github.com/mmynk/invoicechain/internal/ledger"
	"github.com/mmynk/invoicechain/internal/metrics"
	"github.com/mmynk/invoicechain/internal/models"
	"github.com/mmynk/invoicechain/internal/notify"
	"github.com/mmynk/invoicechain/internal/status"
	"github.com/mmynk/invoicechain/internal/storage/sqlstore"
)

const (
	issuerWallet    = "0xaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa01"
	recipientWallet = "0xbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbb02"
)

type recordingNotifier struct {
	mu     sync.Mutex
	events []notify.Event
}

func (n *recordingNotifier) Notify(_ context.Context, e notify.Event) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.events = append(n.events, e)
	return nil
}

func (n *recordingNotifier) count() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.events)
}

func newTestStore(t *testing.T) *sqlstore.SQLStore {
	t.Helper()
	store, err := sqlstore.New(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("Failed to create store: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	ctx := context.Background()
	for _, w := range []string{issuerWallet, recipientWallet} {
		if err := store.UpsertUser(ctx, &models.User{WalletAddress: w}); err != nil {
			t.Fatalf("UpsertUser failed: %v", err)
		}
	}
	return store
}

func seedInvoice(t *testing.T, store *sqlstore.SQLStore, id string, st status.OffChain) *models.Invoice {
	t.Helper()
	user, err := store.GetUserByWallet(context.Background(), issuerWallet)
	if err != nil {
		t.Fatalf("GetUserByWallet failed: %v", err)
	}
	inv := &models.Invoice{
		InvoiceID:    id,
		UserID:       user.ID,
		Title:        "Consulting",
		Amount:       decimal.RequireFromString("1.5"),
		Currency:     "ETH",
		TokenAddress: ledger.ZeroAddress.Hex(),
		Issuer:       models.Party{Wallet: issuerWallet},
		Recipient:    models.Party{Wallet: recipientWallet},
		DueDate:      time.Now().Add(30 * 24 * time.Hour),
		Status:       st,
	}
	if err := store.CreateInvoice(context.Background(), inv); err != nil {
		t.Fatalf("CreateInvoice failed: %v", err)
	}
	return inv
}

func TestReconcilePaidTwiceIsNoop(t *testing.T) {
	store := newTestStore(t)
	seedInvoice(t, store, "INV-1", status.Pending)
	n := &recordingNotifier{}
	m := metrics.New()
	rec := New(store, WithNotifier(n), WithMetrics(m))
	ctx := context.Background()

	res, err := rec.Reconcile(ctx, Update{InvoiceID: "INV-1", Status: status.Paid, TxHash: "0x01"})
	if err != nil {
		t.Fatalf("first Reconcile failed: %v", err)
	}
	if !res.Applied || res.Invoice.PaidDate == nil {
		t.Fatalf("first reconcile: applied=%v paidDate=%v", res.Applied, res.Invoice.PaidDate)
	}

	res, err = rec.Reconcile(ctx, Update{InvoiceID: "INV-1", Status: "PAID", TxHash: "0x01"})
	if err != nil {
		t.Fatalf("second Reconcile failed: %v", err)
	}
	if res.Applied {
		t.Error("second reconcile should be a no-op")
	}

	issuer, err := store.GetUserByWallet(ctx, issuerWallet)
	if err != nil {
		t.Fatalf("GetUserByWallet failed: %v", err)
	}
	if !issuer.Stats.TotalEarned.Equal(decimal.RequireFromString("1.5")) {
		t.Errorf("total earned = %s, want 1.5", issuer.Stats.TotalEarned)
	}
	recipient, err := store.GetUserByWallet(ctx, recipientWallet)
	if err != nil {
		t.Fatalf("GetUserByWallet failed: %v", err)
	}
	if !recipient.Stats.TotalPaid.Equal(decimal.RequireFromString("1.5")) {
		t.Errorf("total paid = %s, want 1.5", recipient.Stats.TotalPaid)
	}

	if n.count() != 1 {
		t.Errorf("notifications = %d, want 1", n.count())
	}
	if got := testutil.ToFloat64(m.Reconciles.WithLabelValues("pending", "paid", "applied")); got != 1 {
		t.Errorf("applied counter = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.Reconciles.WithLabelValues("paid", "paid", "noop")); got != 1 {
		t.Errorf("noop counter = %v, want 1", got)
	}
}

func TestReconcileRejectsBackwards(t *testing.T) {
	store := newTestStore(t)
	seedInvoice(t, store, "INV-1", status.Paid)
	n := &recordingNotifier{}
	rec := New(store, WithNotifier(n))
	ctx := context.Background()

	_, err := rec.Reconcile(ctx, Update{InvoiceID: "INV-1", Status: status.Pending})
	if !errors.Is(err, apperr.ErrInvalidTransition) {
		t.Fatalf("err = %v, want ErrInvalidTransition", err)
	}
	stored, err := store.GetInvoice(ctx, "INV-1")
	if err != nil {
		t.Fatalf("GetInvoice failed: %v", err)
	}
	if stored.Status != status.Paid {
		t.Errorf("status = %s, want paid", stored.Status)
	}
	if n.count() != 0 {
		t.Error("rejected transition must not notify")
	}
}

func TestReconcileRejectsUnknownStatus(t *testing.T) {
	store := newTestStore(t)
	seedInvoice(t, store, "INV-1", status.Pending)
	rec := New(store)

	for _, s := range []status.OffChain{"settled", status.Overdue} {
		if _, err := rec.Reconcile(context.Background(), Update{InvoiceID: "INV-1", Status: s}); !errors.Is(err, apperr.ErrValidation) {
			t.Errorf("Reconcile(%s): err = %v, want validation error", s, err)
		}
	}
}

func TestReconcileBackfillsNumericID(t *testing.T) {
	store := newTestStore(t)
	seedInvoice(t, store, "INV-1", status.Pending)
	rec := New(store)
	ctx := context.Background()

	id := int64(42)
	for i := 0; i < 2; i++ {
		res, err := rec.Reconcile(ctx, Update{InvoiceID: "INV-1", Status: status.Pending, NumericID: &id, BlockNumber: 7})
		if err != nil {
			t.Fatalf("Reconcile %d failed: %v", i, err)
		}
		if res.Applied {
			t.Errorf("Reconcile %d: pending -> pending should not apply", i)
		}
	}

	invoices, err := store.ListInvoicesByWallet(ctx, issuerWallet)
	if err != nil {
		t.Fatalf("ListInvoicesByWallet failed: %v", err)
	}
	if len(invoices) != 1 {
		t.Fatalf("got %d invoices, want 1", len(invoices))
	}
	if !invoices[0].Ledger.Mined() || *invoices[0].Ledger.NumericID != 42 {
		t.Errorf("numeric id = %v, want 42", invoices[0].Ledger.NumericID)
	}

	other := int64(43)
	_, err = rec.Reconcile(ctx, Update{InvoiceID: "INV-1", Status: status.Pending, NumericID: &other})
	if !errors.Is(err, apperr.ErrConflict) {
		t.Errorf("rebinding to #43: err = %v, want ErrConflict", err)
	}
}

func TestConfirmCreated(t *testing.T) {
	store := newTestStore(t)
	seedInvoice(t, store, "INV-1", status.Draft)
	rec := New(store)
	ctx := context.Background()

	// Without a ledger only the recorded submission is accepted.
	rcpt := &ledger.Receipt{TxHash: "0xabc", BlockNumber: 9, NumericID: 42, HasInvoice: true}
	if _, err := rec.ConfirmCreated(ctx, "INV-1", rcpt); !errors.Is(err, apperr.ErrConflict) {
		t.Fatalf("unrecorded receipt: err = %v, want ErrConflict", err)
	}
	if err := store.SetSubmission(ctx, "INV-1", "0xabc", false); err != nil {
		t.Fatalf("SetSubmission failed: %v", err)
	}

	inv, err := rec.ConfirmCreated(ctx, "INV-1", rcpt)
	if err != nil {
		t.Fatalf("ConfirmCreated failed: %v", err)
	}
	if inv.Status != status.Pending || *inv.Ledger.NumericID != 42 || inv.Ledger.TxHash != "0xabc" {
		t.Errorf("invoice = %s #%v tx %s", inv.Status, inv.Ledger.NumericID, inv.Ledger.TxHash)
	}

	if _, err := rec.ConfirmCreated(ctx, "INV-1", rcpt); err != nil {
		t.Errorf("repeat ConfirmCreated failed: %v", err)
	}

	if _, err := rec.ConfirmCreated(ctx, "INV-1", &ledger.Receipt{TxHash: "0xdef"}); !errors.Is(err, apperr.ErrValidation) {
		t.Errorf("receipt without event: err = %v", err)
	}
}

func TestConfirmCreatedChecksLedgerInvoice(t *testing.T) {
	store := newTestStore(t)
	seedInvoice(t, store, "INV-1", status.Draft)
	ctx := context.Background()
	if err := store.SetDocument(ctx, "INV-1", "bafy-inv-1", ""); err != nil {
		t.Fatalf("SetDocument failed: %v", err)
	}

	mem := ledger.NewMemory(true)
	receiptFor := func(docHash, recipient string) *ledger.Receipt {
		t.Helper()
		hash, err := mem.CreateInvoice(ctx, ledger.CreateInvoiceParams{
			DocHash:   docHash,
			Recipient: common.HexToAddress(recipient),
			Amount:    big.NewInt(1),
		})
		if err != nil {
			t.Fatalf("CreateInvoice failed: %v", err)
		}
		rcpt, err := mem.ReceiptFor(ctx, hash)
		if err != nil {
			t.Fatalf("ReceiptFor failed: %v", err)
		}
		return rcpt
	}
	otherDoc := receiptFor("bafy-inv-2", recipientWallet)
	otherRecipient := receiptFor("bafy-inv-1", issuerWallet)
	matching := receiptFor("bafy-inv-1", recipientWallet)

	rec := New(store, WithLedger(mem))
	for name, rcpt := range map[string]*ledger.Receipt{"document": otherDoc, "recipient": otherRecipient} {
		if _, err := rec.ConfirmCreated(ctx, "INV-1", rcpt); !errors.Is(err, apperr.ErrConflict) {
			t.Errorf("%s mismatch: err = %v, want ErrConflict", name, err)
		}
	}
	inv, err := store.GetInvoice(ctx, "INV-1")
	if err != nil {
		t.Fatalf("GetInvoice failed: %v", err)
	}
	if inv.Status != status.Draft || inv.Ledger.Mined() {
		t.Fatalf("invoice = %s %+v after rejected receipts", inv.Status, inv.Ledger)
	}

	inv, err = rec.ConfirmCreated(ctx, "INV-1", matching)
	if err != nil {
		t.Fatalf("ConfirmCreated failed: %v", err)
	}
	if inv.Status != status.Pending || *inv.Ledger.NumericID != matching.NumericID || inv.Ledger.TxHash != matching.TxHash {
		t.Errorf("invoice = %s %+v", inv.Status, inv.Ledger)
	}
}

type fakeDisputes struct {
	resolved []int64
}

func (f *fakeDisputes) OpenDispute(context.Context, *models.Dispute) error { return nil }

func (f *fakeDisputes) GetDispute(context.Context, int64) (*models.Dispute, error) {
	return nil, apperr.ErrNotFound
}

func (f *fakeDisputes) ResolveDispute(_ context.Context, id int64, _ string, _ time.Time) error {
	f.resolved = append(f.resolved, id)
	return nil
}

func TestApplyLedgerStatusResolvesDispute(t *testing.T) {
	store := newTestStore(t)
	seedInvoice(t, store, "INV-1", status.Disputed)
	ctx := context.Background()
	if err := store.BackfillLedger(ctx, "INV-1", 5, 1, "0x1"); err != nil {
		t.Fatalf("BackfillLedger failed: %v", err)
	}
	disputes := &fakeDisputes{}
	n := &recordingNotifier{}
	rec := New(store, WithDisputes(disputes), WithNotifier(n))

	res, err := rec.ApplyLedgerStatus(ctx, 5, status.LedgerResolved, "0x2")
	if err != nil {
		t.Fatalf("ApplyLedgerStatus failed: %v", err)
	}
	if !res.Applied || res.Invoice.Status != status.Resolved {
		t.Errorf("result = %+v", res)
	}
	if len(disputes.resolved) != 1 || disputes.resolved[0] != 5 {
		t.Errorf("resolved disputes = %v", disputes.resolved)
	}
	if n.count() != 1 || n.events[0].TxHash != "0x2" {
		t.Errorf("events = %+v", n.events)
	}
}

// revertingLedger reports every mined transaction as reverted.
type revertingLedger struct {
	ledger.Ledger
}

func (l revertingLedger) ReceiptFor(ctx context.Context, hash string) (*ledger.Receipt, error) {
	rcpt, err := l.Ledger.ReceiptFor(ctx, hash)
	if err != nil {
		return nil, err
	}
	return &ledger.Receipt{TxHash: rcpt.TxHash, BlockNumber: rcpt.BlockNumber, Reverted: true}, nil
}

func submitCreation(t *testing.T, l ledger.Ledger) string {
	t.Helper()
	hash, err := l.CreateInvoice(context.Background(), ledger.CreateInvoiceParams{
		Issuer:    common.HexToAddress(issuerWallet),
		Recipient: common.HexToAddress(recipientWallet),
		Amount:    big.NewInt(1_500_000_000_000_000_000),
		DueDate:   time.Now().Add(time.Hour),
	})
	if err != nil && !errors.Is(err, apperr.ErrUnknownOutcome) {
		t.Fatalf("CreateInvoice failed: %v", err)
	}
	return hash
}

func TestWatcherResolvesUnknownOutcome(t *testing.T) {
	store := newTestStore(t)
	seedInvoice(t, store, "INV-1", status.Draft)
	mem := ledger.NewMemory(false)
	n := &recordingNotifier{}
	rec := New(store, WithNotifier(n))
	w := NewWatcher(rec, store, mem, WatcherConfig{Workers: 2}, nil)
	ctx := context.Background()

	mem.FailNext(apperr.ErrUnknownOutcome)
	hash := submitCreation(t, mem)
	if err := store.SetSubmission(ctx, "INV-1", hash, false); err != nil {
		t.Fatalf("SetSubmission failed: %v", err)
	}

	st, err := w.Tick(ctx)
	if err != nil {
		t.Fatalf("Tick failed: %v", err)
	}
	if st.Confirmed != 0 {
		t.Errorf("unmined transaction confirmed")
	}

	mem.Mine()
	st, err = w.Tick(ctx)
	if err != nil {
		t.Fatalf("Tick failed: %v", err)
	}
	if st.Confirmed != 1 {
		t.Fatalf("confirmed = %d, want 1", st.Confirmed)
	}
	inv, err := store.GetInvoice(ctx, "INV-1")
	if err != nil {
		t.Fatalf("GetInvoice failed: %v", err)
	}
	if inv.Status != status.Pending || !inv.Ledger.Mined() {
		t.Fatalf("invoice = %s mined=%v", inv.Status, inv.Ledger.Mined())
	}

	// The recipient pays on the ledger; the next pass picks it up.
	if _, err := mem.PayInvoiceETH(ctx, *inv.Ledger.NumericID, big.NewInt(1_500_000_000_000_000_000)); err != nil {
		t.Fatalf("PayInvoiceETH failed: %v", err)
	}
	mem.Mine()
	st, err = w.Tick(ctx)
	if err != nil {
		t.Fatalf("Tick failed: %v", err)
	}
	if st.Applied != 1 {
		t.Errorf("applied = %d, want 1", st.Applied)
	}
	inv, err = store.GetInvoice(ctx, "INV-1")
	if err != nil {
		t.Fatalf("GetInvoice failed: %v", err)
	}
	if inv.Status != status.Paid || inv.PaidDate == nil {
		t.Errorf("invoice = %s paid=%v, want paid", inv.Status, inv.PaidDate)
	}

	// Paid is terminal, so further passes find nothing to do.
	st, err = w.Tick(ctx)
	if err != nil || st.Applied != 0 {
		t.Errorf("idle pass: %+v, %v", st, err)
	}
	if n.count() != 1 {
		t.Errorf("notifications = %d, want 1", n.count())
	}
}

func TestWatcherClearsRevertedCreation(t *testing.T) {
	store := newTestStore(t)
	seedInvoice(t, store, "INV-1", status.Draft)
	mem := ledger.NewMemory(true)
	rec := New(store)
	w := NewWatcher(rec, store, revertingLedger{mem}, WatcherConfig{}, nil)
	ctx := context.Background()

	hash := submitCreation(t, mem)
	if err := store.SetSubmission(ctx, "INV-1", hash, false); err != nil {
		t.Fatalf("SetSubmission failed: %v", err)
	}

	st, err := w.Tick(ctx)
	if err != nil {
		t.Fatalf("Tick failed: %v", err)
	}
	if st.Reverted != 1 {
		t.Errorf("reverted = %d, want 1", st.Reverted)
	}
	inv, err := store.GetInvoice(ctx, "INV-1")
	if err != nil {
		t.Fatalf("GetInvoice failed: %v", err)
	}
	if inv.Status != status.Draft || inv.Ledger.TxHash != "" {
		t.Errorf("invoice = %s tx %q, want draft without tx", inv.Status, inv.Ledger.TxHash)
	}
}
