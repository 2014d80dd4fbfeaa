package ledger

import (
	"context"
	"errors"
	"math/big"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/mmynk/invoicechain/internal/apperr"
	"github.com/mmynk/invoicechain/internal/status"
)

var (
	issuer    = common.HexToAddress("0xaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa01")
	recipient = common.HexToAddress("0xbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbb02")
	token     = common.HexToAddress("0xcccccccccccccccccccccccccccccccccccccc03")
)

func createParams(amount int64, tok common.Address) CreateInvoiceParams {
	return CreateInvoiceParams{
		DocHash:     "bafy-test",
		Issuer:      issuer,
		Recipient:   recipient,
		Amount:      big.NewInt(amount),
		Token:       tok,
		DueDate:     time.Now().Add(24 * time.Hour),
		Description: "consulting",
	}
}

func TestMemoryCreateAndPay(t *testing.T) {
	ctx := context.Background()
	m := NewMemory(true)

	hash, err := m.CreateInvoice(ctx, createParams(1500, ZeroAddress))
	if err != nil {
		t.Fatalf("CreateInvoice failed: %v", err)
	}
	rcpt, err := WaitCreated(ctx, m, hash, time.Millisecond)
	if err != nil {
		t.Fatalf("WaitCreated failed: %v", err)
	}
	if !rcpt.HasInvoice || rcpt.NumericID != 1 {
		t.Fatalf("unexpected receipt: %+v", rcpt)
	}

	t.Run("wrong amount reverts", func(t *testing.T) {
		h, err := m.PayInvoiceETH(ctx, 1, big.NewInt(1))
		if err != nil {
			t.Fatalf("PayInvoiceETH failed: %v", err)
		}
		r, _ := m.ReceiptFor(ctx, h)
		if !r.Reverted {
			t.Error("expected revert for wrong amount")
		}
	})

	t.Run("exact amount pays", func(t *testing.T) {
		h, _ := m.PayInvoiceETH(ctx, 1, big.NewInt(1500))
		r, _ := m.ReceiptFor(ctx, h)
		if r.Reverted {
			t.Fatal("payment reverted")
		}
		inv, err := m.GetInvoice(ctx, 1)
		if err != nil {
			t.Fatalf("GetInvoice failed: %v", err)
		}
		if inv.Status != status.LedgerPaid || inv.PaidAt == nil {
			t.Errorf("status=%s paidAt=%v", inv.Status, inv.PaidAt)
		}
	})

	t.Run("cannot dispute a paid invoice", func(t *testing.T) {
		h, _ := m.RaiseDispute(ctx, 1, "late")
		r, _ := m.ReceiptFor(ctx, h)
		if !r.Reverted {
			t.Error("expected revert")
		}
	})
}

func TestMemoryManualMining(t *testing.T) {
	ctx := context.Background()
	m := NewMemory(false)

	hash, _ := m.CreateInvoice(ctx, createParams(10, token))
	if _, err := m.ReceiptFor(ctx, hash); !errors.Is(err, ErrPending) {
		t.Fatalf("err = %v, want ErrPending", err)
	}

	waitCtx, cancel := context.WithTimeout(ctx, 20*time.Millisecond)
	defer cancel()
	if _, err := WaitCreated(waitCtx, m, hash, time.Millisecond); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("err = %v, want DeadlineExceeded", err)
	}

	if n := m.Mine(); n != 1 {
		t.Errorf("Mine() = %d, want 1", n)
	}
	rcpt, err := m.ReceiptFor(ctx, hash)
	if err != nil || rcpt.NumericID != 1 {
		t.Fatalf("receipt = %+v, err = %v", rcpt, err)
	}

	h, _ := m.PayInvoiceToken(ctx, 1)
	m.Mine()
	if r, _ := m.ReceiptFor(ctx, h); r.Reverted {
		t.Error("token payment reverted")
	}
}

func TestMemoryFailNext(t *testing.T) {
	ctx := context.Background()
	m := NewMemory(true)

	boom := errors.New("user rejected")
	m.FailNext(boom)
	if hash, err := m.CreateInvoice(ctx, createParams(1, ZeroAddress)); !errors.Is(err, boom) || hash != "" {
		t.Errorf("hash=%q err=%v, want definitive failure", hash, err)
	}

	m.FailNext(apperr.ErrUnknownOutcome)
	hash, err := m.CreateInvoice(ctx, createParams(1, ZeroAddress))
	if !errors.Is(err, apperr.ErrUnknownOutcome) || hash == "" {
		t.Fatalf("hash=%q err=%v, want unknown outcome with hash", hash, err)
	}
	if _, err := m.ReceiptFor(ctx, hash); !errors.Is(err, ErrPending) {
		t.Errorf("unknown-outcome tx should stay pending until mined, got %v", err)
	}
	m.Mine()
	if rcpt, err := m.ReceiptFor(ctx, hash); err != nil || !rcpt.HasInvoice {
		t.Errorf("receipt = %+v, err = %v", rcpt, err)
	}

	if got := m.Calls(); len(got) != 2 || got[0] != "createInvoice" {
		t.Errorf("Calls() = %v", got)
	}
}

func TestMemoryCancelAndUnknown(t *testing.T) {
	ctx := context.Background()
	m := NewMemory(true).WithSender(issuer)

	m.CreateInvoice(ctx, createParams(5, ZeroAddress))
	h, _ := m.CancelInvoice(ctx, 1)
	if r, _ := m.ReceiptFor(ctx, h); r.Reverted {
		t.Fatal("cancel reverted")
	}
	inv, _ := m.GetInvoice(ctx, 1)
	if inv.Status != status.LedgerCancelled {
		t.Errorf("status = %s, want Cancelled", inv.Status)
	}

	if _, err := m.GetInvoice(ctx, 99); !errors.Is(err, apperr.ErrNotFound) {
		t.Errorf("err = %v, want ErrNotFound", err)
	}
	if _, err := m.ReceiptFor(ctx, "0xdead"); !errors.Is(err, apperr.ErrNotFound) {
		t.Errorf("err = %v, want ErrNotFound", err)
	}
}

func TestDecodeInvoice(t *testing.T) {
	out := []interface{}{
		big.NewInt(42), "bafy", issuer, recipient, big.NewInt(1000), token, uint8(1),
		big.NewInt(1700000000), big.NewInt(1800000000), big.NewInt(1750000000), "desc",
	}
	inv, err := decodeInvoice(out)
	if err != nil {
		t.Fatalf("decodeInvoice failed: %v", err)
	}
	if inv.ID != 42 || inv.Status != status.LedgerPaid || inv.Token != token || inv.PaidAt == nil {
		t.Errorf("unexpected invoice: %+v", inv)
	}

	out[6] = "paid"
	if _, err := decodeInvoice(out); err == nil {
		t.Error("expected error for mistyped status")
	}
	if _, err := decodeInvoice(out[:3]); err == nil {
		t.Error("expected error for short output")
	}
}

func TestNonceSequencerConcurrentSends(t *testing.T) {
	var seq nonceSequencer
	var reads atomic.Int32
	pending := func(context.Context) (uint64, error) {
		reads.Add(1)
		return 5, nil
	}

	const senders = 20
	var wg sync.WaitGroup
	nonces := make(chan uint64, senders)
	for i := 0; i < senders; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			n, err := seq.acquire(context.Background(), pending)
			if err != nil {
				t.Errorf("acquire failed: %v", err)
				return
			}
			nonces <- n
			seq.release(true)
		}()
	}
	wg.Wait()
	close(nonces)

	seen := make(map[uint64]bool)
	for n := range nonces {
		if seen[n] {
			t.Fatalf("nonce %d handed out twice", n)
		}
		seen[n] = true
	}
	for n := uint64(5); n < 5+senders; n++ {
		if !seen[n] {
			t.Errorf("nonce %d never used", n)
		}
	}
	if got := reads.Load(); got != 1 {
		t.Errorf("pending nonce read %d times, want 1", got)
	}

	// A failed send forgets the cached nonce.
	if _, err := seq.acquire(context.Background(), pending); err != nil {
		t.Fatalf("acquire failed: %v", err)
	}
	seq.release(false)

	_, err := seq.acquire(context.Background(), func(context.Context) (uint64, error) {
		return 0, errors.New("connection refused")
	})
	if err == nil {
		t.Fatal("acquire with failing node succeeded")
	}

	n, err := seq.acquire(context.Background(), pending)
	if err != nil {
		t.Fatalf("acquire failed: %v", err)
	}
	seq.release(true)
	if n != 5 || reads.Load() != 2 {
		t.Errorf("after failure: nonce %d, reads %d; want 5 re-read", n, reads.Load())
	}
}
