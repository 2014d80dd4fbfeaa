package notify

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"syscall"
	"testing"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/shopspring/decimal"

	"github.com/mmynk/invoicechain/internal/apperr"
	"github.com/mmynk/invoicechain/internal/status"
)

type fakeSender struct {
	sent []string
	err  error
}

func (f *fakeSender) Send(c tgbotapi.Chattable) (tgbotapi.Message, error) {
	if f.err != nil {
		return tgbotapi.Message{}, f.err
	}
	if msg, ok := c.(tgbotapi.MessageConfig); ok {
		f.sent = append(f.sent, msg.Text)
	}
	return tgbotapi.Message{}, nil
}

func paidEvent() Event {
	id := int64(42)
	return Event{
		InvoiceID: "INV-1",
		NumericID: &id,
		From:      status.Pending,
		To:        status.Paid,
		Amount:    decimal.RequireFromString("1.5"),
		Currency:  "ETH",
	}
}

func TestTelegramNotifier(t *testing.T) {
	s := &fakeSender{}
	n := NewTelegramNotifier(s, 100)
	if err := n.Notify(context.Background(), paidEvent()); err != nil {
		t.Fatalf("Notify failed: %v", err)
	}
	if len(s.sent) != 1 || !strings.Contains(s.sent[0], "INV-1 (#42): pending -> paid, 1.5 ETH") {
		t.Errorf("sent = %v", s.sent)
	}

	s.err = errors.New("bad gateway")
	if err := n.Notify(context.Background(), paidEvent()); !errors.Is(err, apperr.ErrUpstreamUnavailable) {
		t.Errorf("err = %v, want ErrUpstreamUnavailable", err)
	}
}

func TestMultiJoinsErrors(t *testing.T) {
	ok := &fakeSender{}
	bad := &fakeSender{err: errors.New("down")}
	m := Multi{NewLogNotifier(nil), NewTelegramNotifier(ok, 1), NewTelegramNotifier(bad, 2), nil}

	err := m.Notify(context.Background(), paidEvent())
	if err == nil {
		t.Fatal("expected joined error")
	}
	if len(ok.sent) != 1 {
		t.Errorf("healthy notifier should still receive the event")
	}
}

func TestDeduper(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	d := NewDeduper(time.Minute).WithClock(func() time.Time { return now })

	timeout := fmt.Errorf("upload: %w", context.DeadlineExceeded)
	reset := fmt.Errorf("rpc: %w", syscall.ECONNRESET)

	if !d.Allow(timeout) {
		t.Error("first timeout should be surfaced")
	}
	if d.Allow(timeout) {
		t.Error("repeat timeout within window should be suppressed")
	}
	if !d.Allow(reset) {
		t.Error("a different network class should be surfaced")
	}
	if !d.Allow(apperr.ErrConflict) || !d.Allow(apperr.ErrConflict) {
		t.Error("non-network errors are never suppressed")
	}
	if d.Allow(nil) {
		t.Error("nil is never surfaced")
	}

	now = now.Add(2 * time.Minute)
	if !d.Allow(timeout) {
		t.Error("timeout should be surfaced again after the window")
	}
}
