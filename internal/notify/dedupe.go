package notify

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"syscall"
	"time"

	"github.com/mmynk/invoicechain/internal/apperr"
)

// DefaultDedupeWindow is how long a network error class stays quiet after it was reported.
const DefaultDedupeWindow = time.Minute

// Deduper lets the first network-class error of each kind through per window
// and suppresses the rest. Other errors always pass.
type Deduper struct {
	window time.Duration
	now    func() time.Time

	mu   sync.Mutex
	last map[string]time.Time
}

func NewDeduper(window time.Duration) *Deduper {
	if window <= 0 {
		window = DefaultDedupeWindow
	}
	return &Deduper{window: window, now: time.Now, last: make(map[string]time.Time)}
}

// WithClock injects the time source.
func (d *Deduper) WithClock(now func() time.Time) *Deduper {
	d.now = now
	return d
}

// Allow reports whether err should be surfaced to users or alert channels.
func (d *Deduper) Allow(err error) bool {
	if err == nil {
		return false
	}
	if !apperr.IsNetwork(err) {
		return true
	}
	class := networkClass(err)

	d.mu.Lock()
	defer d.mu.Unlock()
	now := d.now()
	if at, ok := d.last[class]; ok && now.Sub(at) < d.window {
		return false
	}
	d.last[class] = now
	return true
}

// Log always logs err, at Warn when it is surfaced and at Debug when suppressed.
// It returns whether the error was surfaced.
func (d *Deduper) Log(logger *slog.Logger, msg string, err error, args ...any) bool {
	allowed := d.Allow(err)
	args = append(args, "error", err)
	if allowed {
		logger.Warn(msg, args...)
	} else {
		logger.Debug(msg+" (suppressed repeat)", args...)
	}
	return allowed
}

func networkClass(err error) string {
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return "timeout"
	case errors.Is(err, syscall.ECONNRESET):
		return "connection_reset"
	case errors.Is(err, syscall.ECONNREFUSED):
		return "connection_refused"
	case errors.Is(err, io.ErrUnexpectedEOF):
		return "unexpected_eof"
	default:
		return "network"
	}
}
