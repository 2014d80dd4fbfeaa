package reconcile

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/mmynk/invoicechain/internal/apperr"
	"github.com/mmynk/invoicechain/internal/ledger"
	"github.com/mmynk/invoicechain/internal/models"
	"github.com/mmynk/invoicechain/internal/notify"
	"github.com/mmynk/invoicechain/internal/storage"
)

// WatcherConfig tunes the polling loop.
type WatcherConfig struct {
	Interval  time.Duration
	Workers   int
	BatchSize int
}

func DefaultWatcherConfig() WatcherConfig {
	return WatcherConfig{Interval: 15 * time.Second, Workers: 4, BatchSize: 100}
}

// Stats counts what one pass did.
type Stats struct {
	Confirmed int64
	Reverted  int64
	Applied   int64
	Failed    int64
}

// Watcher polls the ledger for records the request path could not finish:
// creation transactions whose outcome is unknown, and mined invoices whose
// ledger status may have moved.
type Watcher struct {
	rec    *Reconciler
	store  storage.InvoiceStore
	ledger ledger.Ledger
	cfg    WatcherConfig
	dedupe *notify.Deduper
	logger *slog.Logger
}

// NewWatcher creates a Watcher. Zero config fields take defaults.
func NewWatcher(rec *Reconciler, store storage.InvoiceStore, l ledger.Ledger, cfg WatcherConfig, logger *slog.Logger) *Watcher {
	def := DefaultWatcherConfig()
	if cfg.Interval <= 0 {
		cfg.Interval = def.Interval
	}
	if cfg.Workers <= 0 {
		cfg.Workers = def.Workers
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = def.BatchSize
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Watcher{
		rec:    rec,
		store:  store,
		ledger: l,
		cfg:    cfg,
		dedupe: rec.dedupe,
		logger: logger.With("component", "watcher"),
	}
}

// Run polls until ctx is cancelled.
func (w *Watcher) Run(ctx context.Context) error {
	w.logger.Info("Watcher started", "interval", w.cfg.Interval, "workers", w.cfg.Workers)
	ticker := time.NewTicker(w.cfg.Interval)
	defer ticker.Stop()

	for {
		if _, err := w.Tick(ctx); err != nil && ctx.Err() == nil {
			w.dedupe.Log(w.logger, "Watcher pass failed", err)
		}
		select {
		case <-ctx.Done():
			w.logger.Info("Watcher stopped")
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// Tick runs one pass over both work lists.
func (w *Watcher) Tick(ctx context.Context) (Stats, error) {
	var st Stats

	awaiting, err := w.store.ListAwaitingConfirmation(ctx, w.cfg.BatchSize)
	if err != nil {
		return st, err
	}
	errCreated := w.run(ctx, len(awaiting), func(i int) error {
		return w.checkCreation(ctx, awaiting[i], &st)
	})

	open, err := w.store.ListOpenOnLedger(ctx, w.cfg.BatchSize)
	if err != nil {
		return st, errors.Join(errCreated, err)
	}
	errOpen := w.run(ctx, len(open), func(i int) error {
		return w.checkStatus(ctx, open[i], &st)
	})

	if n := st.Confirmed + st.Reverted + st.Applied; n > 0 {
		w.logger.Info("Watcher pass reconciled invoices",
			"confirmed", st.Confirmed, "reverted", st.Reverted, "applied", st.Applied, "failed", st.Failed)
	}
	return st, errors.Join(errCreated, errOpen)
}

func (w *Watcher) checkCreation(ctx context.Context, inv *models.Invoice, st *Stats) error {
	rcpt, err := w.ledger.ReceiptFor(ctx, inv.Ledger.TxHash)
	switch {
	case errors.Is(err, ledger.ErrPending), errors.Is(err, apperr.ErrNotFound):
		return nil
	case err != nil:
		atomic.AddInt64(&st.Failed, 1)
		return err
	}

	if rcpt.Reverted || !rcpt.HasInvoice {
		if err := w.store.ClearSubmission(ctx, inv.InvoiceID, inv.Ledger.TxHash); err != nil {
			atomic.AddInt64(&st.Failed, 1)
			return err
		}
		atomic.AddInt64(&st.Reverted, 1)
		w.logger.Warn("Creation transaction reverted", "invoice_id", inv.InvoiceID, "tx", inv.Ledger.TxHash)
		return nil
	}

	if _, err := w.rec.ConfirmCreated(ctx, inv.InvoiceID, rcpt); err != nil {
		atomic.AddInt64(&st.Failed, 1)
		return err
	}
	atomic.AddInt64(&st.Confirmed, 1)
	return nil
}

func (w *Watcher) checkStatus(ctx context.Context, inv *models.Invoice, st *Stats) error {
	id := *inv.Ledger.NumericID
	onChain, err := w.ledger.GetInvoice(ctx, id)
	if err != nil {
		atomic.AddInt64(&st.Failed, 1)
		return err
	}
	res, err := w.rec.ApplyLedgerStatus(ctx, id, onChain.Status, "")
	if errors.Is(err, apperr.ErrInvalidTransition) {
		// Logged by the reconciler; retrying will not help.
		return nil
	}
	if err != nil {
		atomic.AddInt64(&st.Failed, 1)
		return err
	}
	if res.Applied {
		atomic.AddInt64(&st.Applied, 1)
	}
	return nil
}

// run calls fn for each index in [0, total) on a bounded pool and joins the errors.
func (w *Watcher) run(ctx context.Context, total int, fn func(i int) error) error {
	if total == 0 {
		return nil
	}
	indexCh := make(chan int)
	errCh := make(chan error, total)
	var wg sync.WaitGroup

	worker := func() {
		defer wg.Done()
		for i := range indexCh {
			if err := fn(i); err != nil {
				errCh <- err
			}
		}
	}

	workers := min(w.cfg.Workers, total)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go worker()
	}

Loop:
	for i := 0; i < total; i++ {
		select {
		case indexCh <- i:
		case <-ctx.Done():
			break Loop
		}
	}
	close(indexCh)
	wg.Wait()
	close(errCh)

	var errs []error
	for err := range errCh {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}
