// Package loader coordinates reads of a wallet's invoice list. It throttles
// and debounces fetches, holds them back until an identity token is available,
// and publishes the results as immutable snapshots.
package loader

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/mmynk/invoicechain/internal/apperr"
	"github.com/mmynk/invoicechain/internal/models"
	"github.com/mmynk/invoicechain/internal/notify"
	"github.com/mmynk/invoicechain/internal/status"
)

// Fetcher reads the authoritative invoice list for a wallet.
type Fetcher interface {
	FetchInvoices(ctx context.Context, wallet, token string) ([]*models.Invoice, error)
}

// Config tunes a Loader.
type Config struct {
	// MinInterval is the minimum time between two loads of the same wallet.
	MinInterval time.Duration

	// Debounce collapses bursts of Trigger calls into one load.
	Debounce time.Duration

	// RequireToken holds loads back until TokenReady is called.
	RequireToken bool

	// MaxUnauthorizedRetries bounds how often an unauthorized response is
	// retried while a fresh token propagates.
	MaxUnauthorizedRetries int
	UnauthorizedBackoff    time.Duration

	// Timeout bounds a single fetch issued from Trigger or TokenReady.
	Timeout time.Duration
}

func DefaultConfig() Config {
	return Config{
		MinInterval:            5 * time.Second,
		Debounce:               300 * time.Millisecond,
		MaxUnauthorizedRetries: 3,
		UnauthorizedBackoff:    500 * time.Millisecond,
		Timeout:                30 * time.Second,
	}
}

// InvoiceView is an invoice with its display status resolved at load time.
type InvoiceView struct {
	Invoice       *models.Invoice
	DisplayStatus status.OffChain
	DisplayCode   int
}

// Snapshot is the result of one load. Values handed out are copies.
type Snapshot struct {
	Wallet   string
	Invoices []InvoiceView
	LoadedAt time.Time
}

func (s Snapshot) clone() Snapshot {
	out := s
	out.Invoices = make([]InvoiceView, len(s.Invoices))
	for i, v := range s.Invoices {
		v.Invoice = v.Invoice.Clone()
		out.Invoices[i] = v
	}
	return out
}

type walletState struct {
	lastLoad time.Time
	timer    *time.Timer
	deferred bool
	snapshot *Snapshot
}

// Loader is the single writer of the per-wallet invoice snapshots.
type Loader struct {
	fetcher  Fetcher
	cfg      Config
	now      func() time.Time
	onUpdate func(Snapshot)
	dedupe   *notify.Deduper
	logger   *slog.Logger

	mu      sync.Mutex
	token   string
	wallets map[string]*walletState
	closed  bool
}

type Option func(*Loader)

// WithClock injects the time source used for throttling and display status.
func WithClock(now func() time.Time) Option {
	return func(l *Loader) { l.now = now }
}

// WithOnUpdate registers a callback invoked with every new snapshot.
func WithOnUpdate(fn func(Snapshot)) Option {
	return func(l *Loader) { l.onUpdate = fn }
}

func WithLogger(logger *slog.Logger) Option {
	return func(l *Loader) { l.logger = logger }
}

func WithDeduper(d *notify.Deduper) Option {
	return func(l *Loader) { l.dedupe = d }
}

// New creates a Loader.
func New(fetcher Fetcher, cfg Config, opts ...Option) *Loader {
	l := &Loader{
		fetcher: fetcher,
		cfg:     cfg,
		now:     time.Now,
		logger:  slog.Default(),
		wallets: make(map[string]*walletState),
	}
	for _, opt := range opts {
		opt(l)
	}
	if l.dedupe == nil {
		l.dedupe = notify.NewDeduper(notify.DefaultDedupeWindow)
	}
	return l
}

func (l *Loader) state(wallet string) *walletState {
	st, ok := l.wallets[wallet]
	if !ok {
		st = &walletState{}
		l.wallets[wallet] = st
	}
	return st
}

// Trigger schedules a load of wallet after the debounce delay. Calls arriving
// within the delay restart it, so a burst produces one load.
func (l *Loader) Trigger(wallet string) {
	wallet = models.NormalizeWallet(wallet)
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return
	}
	l.scheduleLocked(wallet, l.cfg.Debounce)
}

func (l *Loader) scheduleLocked(wallet string, delay time.Duration) {
	st := l.state(wallet)
	if st.timer != nil {
		st.timer.Stop()
	}
	st.timer = time.AfterFunc(delay, func() { l.fire(wallet) })
}

func (l *Loader) fire(wallet string) {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return
	}
	st := l.state(wallet)
	st.timer = nil
	if l.cfg.RequireToken && l.token == "" {
		st.deferred = true
		l.mu.Unlock()
		l.logger.Debug("Load deferred until identity token is ready", "wallet", wallet)
		return
	}
	l.mu.Unlock()

	l.background(wallet, false)
}

// background runs a load outside any caller context.
func (l *Loader) background(wallet string, force bool) {
	ctx := context.Background()
	if l.cfg.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, l.cfg.Timeout)
		defer cancel()
	}

	_, err := l.Load(ctx, wallet, force)
	var rl *RateLimitError
	switch {
	case err == nil:
	case errors.As(err, &rl):
		// Run once more when the window opens, so the latest trigger is not lost.
		l.mu.Lock()
		if !l.closed {
			l.scheduleLocked(wallet, rl.RetryAfter)
		}
		l.mu.Unlock()
		l.logger.Debug("Load throttled", "wallet", wallet, "retry_after", rl.RetryAfter)
	default:
		l.dedupe.Log(l.logger, "Invoice load failed", err, "wallet", wallet)
	}
}

// TokenReady records the identity token and immediately loads every wallet
// whose load was deferred, bypassing the minimum interval.
func (l *Loader) TokenReady(token string) {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return
	}
	l.token = token
	var ready []string
	for wallet, st := range l.wallets {
		if st.deferred {
			st.deferred = false
			ready = append(ready, wallet)
		}
	}
	l.mu.Unlock()

	for _, wallet := range ready {
		go l.background(wallet, true)
	}
}

// ClearToken forgets the identity token, e.g. on sign-out.
func (l *Loader) ClearToken() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.token = ""
}

// RateLimitError is returned by Load when the minimum interval has not elapsed.
// It matches apperr.ErrRateLimited.
type RateLimitError struct {
	Wallet     string
	RetryAfter time.Duration
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("load of %s rate limited, retry after %s", e.Wallet, e.RetryAfter)
}

func (e *RateLimitError) Is(target error) bool {
	return target == apperr.ErrRateLimited
}

// Load fetches wallet's invoices now. Unless force is set, a load within
// MinInterval of the previous one fails with a *RateLimitError.
func (l *Loader) Load(ctx context.Context, wallet string, force bool) (Snapshot, error) {
	wallet = models.NormalizeWallet(wallet)
	now := l.now()

	l.mu.Lock()
	st := l.state(wallet)
	if l.cfg.RequireToken && l.token == "" {
		st.deferred = true
		l.mu.Unlock()
		return Snapshot{}, fmt.Errorf("identity token not ready: %w", apperr.ErrUnauthorized)
	}
	if !force && !st.lastLoad.IsZero() {
		if wait := st.lastLoad.Add(l.cfg.MinInterval).Sub(now); wait > 0 {
			l.mu.Unlock()
			return Snapshot{}, &RateLimitError{Wallet: wallet, RetryAfter: wait}
		}
	}
	st.lastLoad = now
	l.mu.Unlock()

	invoices, err := l.fetch(ctx, wallet)
	if err != nil {
		return Snapshot{}, err
	}

	at := l.now()
	snap := Snapshot{Wallet: wallet, LoadedAt: at, Invoices: make([]InvoiceView, 0, len(invoices))}
	for _, inv := range invoices {
		display := inv.DisplayStatus(at)
		snap.Invoices = append(snap.Invoices, InvoiceView{
			Invoice:       inv.Clone(),
			DisplayStatus: display,
			DisplayCode:   status.FromOffChain(string(display)),
		})
	}

	l.mu.Lock()
	l.state(wallet).snapshot = &snap
	l.mu.Unlock()

	if l.onUpdate != nil {
		l.onUpdate(snap.clone())
	}
	return snap.clone(), nil
}

// fetch retries unauthorized responses a bounded number of times, re-reading
// the token before each attempt. Retries are UnauthorizedBackoff apart, so a
// stale token delays the error by at most MaxUnauthorizedRetries backoffs.
func (l *Loader) fetch(ctx context.Context, wallet string) ([]*models.Invoice, error) {
	var err error
	for attempt := 0; ; attempt++ {
		l.mu.Lock()
		token := l.token
		l.mu.Unlock()

		var invoices []*models.Invoice
		invoices, err = l.fetcher.FetchInvoices(ctx, wallet, token)
		if err == nil {
			return invoices, nil
		}
		if !errors.Is(err, apperr.ErrUnauthorized) || attempt >= l.cfg.MaxUnauthorizedRetries {
			return nil, err
		}

		wait := l.cfg.UnauthorizedBackoff
		l.logger.Debug("Unauthorized load, retrying", "wallet", wallet, "attempt", attempt+1, "backoff", wait)
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, errors.Join(err, ctx.Err())
		case <-timer.C:
		}
	}
}

// Snapshot returns a copy of the latest snapshot for wallet.
func (l *Loader) Snapshot(wallet string) (Snapshot, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	st, ok := l.wallets[models.NormalizeWallet(wallet)]
	if !ok || st.snapshot == nil {
		return Snapshot{}, false
	}
	return st.snapshot.clone(), true
}

// Close stops pending timers. Later triggers are ignored.
func (l *Loader) Close() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.closed = true
	for _, st := range l.wallets {
		if st.timer != nil {
			st.timer.Stop()
			st.timer = nil
		}
	}
}
