package metrics

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestNilMetricsIsSafe(t *testing.T) {
	var m *Metrics
	m.SagaOutcome("success", "reconciled")
	m.Reconcile("pending", "paid", "applied")
	m.Verification("ok")
	m.LedgerCall("createInvoice", nil)
	m.ObserveHTTP("/invoices", http.MethodPost, 201, time.Millisecond)

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if rec.Code != http.StatusNotFound {
		t.Errorf("nil handler status = %d, want 404", rec.Code)
	}
}

func TestCounters(t *testing.T) {
	m := New()
	m.LedgerCall("createInvoice", nil)
	m.LedgerCall("createInvoice", errors.New("boom"))
	m.LedgerCall("createInvoice", nil)

	if got := testutil.ToFloat64(m.LedgerCalls.WithLabelValues("createInvoice", "ok")); got != 2 {
		t.Errorf("ok calls = %v, want 2", got)
	}
	if got := testutil.ToFloat64(m.LedgerCalls.WithLabelValues("createInvoice", "error")); got != 1 {
		t.Errorf("error calls = %v, want 1", got)
	}

	m.Reconcile("pending", "paid", "applied")
	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if !strings.Contains(rec.Body.String(), `invoicechain_reconcile_total{from="pending",result="applied",to="paid"} 1`) {
		t.Errorf("exposition missing reconcile counter:\n%s", rec.Body.String())
	}
}
