package rpc

import (
	"context"
	"errors"
	"math"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"connectrpc.com/connect"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/mmynk/invoicechain/internal/apperr"
	"github.com/mmynk/invoicechain/internal/auth"
	"github.com/mmynk/invoicechain/internal/document"
	"github.com/mmynk/invoicechain/internal/ledger"
	"github.com/mmynk/invoicechain/internal/middleware"
	"github.com/mmynk/invoicechain/internal/models"
	"github.com/mmynk/invoicechain/internal/reconcile"
	"github.com/mmynk/invoicechain/internal/saga"
	"github.com/mmynk/invoicechain/internal/status"
	"github.com/mmynk/invoicechain/internal/storage/sqlstore"
)

type fixture struct {
	store  *sqlstore.SQLStore
	ledger *ledger.Memory
	saga   *saga.Saga
	client *Client
	anon   *Client
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	store, err := sqlstore.New(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("Failed to create store: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	mem := ledger.NewMemory(false)
	rec := reconcile.New(store, reconcile.WithDisputes(store), reconcile.WithLedger(mem))
	cfg := saga.DefaultConfig()
	cfg.ConfirmTimeout = 20 * time.Millisecond
	cfg.PollInterval = 5 * time.Millisecond
	sg := saga.New(store, document.NewPublisher(nil, document.NewDatastoreUploader(nil), time.Second), mem, rec, cfg)

	jwtManager := auth.NewJWTManager("test-secret", time.Hour)
	path, handler := NewHandler(
		NewLedgerEventService(rec, store, mem, nil),
		connect.WithInterceptors(middleware.LoggingInterceptor(nil), middleware.RequireAuth(jwtManager)),
	)
	mux := http.NewServeMux()
	mux.Handle(path, handler)
	ts := httptest.NewServer(mux)
	t.Cleanup(ts.Close)

	token, err := jwtManager.Generate(&models.User{ID: "indexer"})
	if err != nil {
		t.Fatalf("Generate failed: %v", err)
	}
	return &fixture{
		store:  store,
		ledger: mem,
		saga:   sg,
		client: NewClient(ts.Client(), ts.URL, token),
		anon:   NewClient(ts.Client(), ts.URL, ""),
	}
}

// pendingInvoice runs the saga against an unmined ledger so the record keeps
// its creation transaction without a numeric id.
func (f *fixture) pendingInvoice(t *testing.T, id string) saga.Result {
	t.Helper()
	res, err := f.saga.Run(context.Background(), saga.Request{
		InvoiceID: id,
		Title:     "Audit",
		Amount:    "2",
		Issuer:    models.Party{Wallet: "0xaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa01"},
		Recipient: models.Party{Wallet: "0xbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbb02"},
		DueDate:   time.Now().Add(7 * 24 * time.Hour),
	})
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if res.Outcome != saga.OutcomePending {
		t.Fatalf("outcome = %s, want pending", res.Outcome)
	}
	return res
}

func connectCode(err error) connect.Code {
	var cerr *connect.Error
	if errors.As(err, &cerr) {
		return cerr.Code()
	}
	return connect.CodeUnknown
}

func TestInvoiceCreatedEvent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	res := f.pendingInvoice(t, "INV-1")

	if _, err := f.anon.InvoiceCreated(ctx, "INV-1", 1, res.TxHash, 0); connectCode(err) != connect.CodeUnauthenticated {
		t.Fatalf("anonymous call: err = %v", err)
	}

	_, err := f.client.InvoiceCreated(ctx, "INV-1", 1, res.TxHash, 0)
	if connectCode(err) != connect.CodeUnavailable {
		t.Fatalf("unmined: err = %v, want unavailable", err)
	}

	f.ledger.Mine()
	if _, err := f.client.InvoiceCreated(ctx, "INV-1", 7, res.TxHash, 0); connectCode(err) != connect.CodeInvalidArgument {
		t.Fatalf("wrong numeric id: err = %v", err)
	}

	ack, err := f.client.InvoiceCreated(ctx, "INV-1", 1, res.TxHash, 2)
	if err != nil {
		t.Fatalf("InvoiceCreated failed: %v", err)
	}
	if !ack.Applied || ack.Status != "pending" {
		t.Errorf("ack = %+v", ack)
	}

	ack, err = f.client.InvoiceCreated(ctx, "INV-1", 1, res.TxHash, 2)
	if err != nil || ack.Applied {
		t.Errorf("repeat: ack %+v, err %v", ack, err)
	}

	inv, err := f.store.GetInvoice(ctx, "INV-1")
	if err != nil {
		t.Fatalf("GetInvoice failed: %v", err)
	}
	if !inv.Ledger.Mined() || *inv.Ledger.NumericID != 1 {
		t.Errorf("ledger ref = %+v", inv.Ledger)
	}
}

func TestInvoiceCreatedRejectsAnotherInvoicesTransaction(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	first := f.pendingInvoice(t, "INV-A")
	second := f.pendingInvoice(t, "INV-B")
	f.ledger.Mine()

	// INV-A's transaction created #1; it must not bind INV-B.
	_, err := f.client.InvoiceCreated(ctx, "INV-B", 1, first.TxHash, 0)
	if connectCode(err) != connect.CodeAlreadyExists {
		t.Fatalf("foreign transaction: err = %v, want already exists", err)
	}
	inv, err := f.store.GetInvoice(ctx, "INV-B")
	if err != nil {
		t.Fatalf("GetInvoice failed: %v", err)
	}
	if inv.Ledger.Mined() || inv.Ledger.TxHash != second.TxHash {
		t.Fatalf("INV-B ledger ref = %+v, want unbound with tx %s", inv.Ledger, second.TxHash)
	}

	if _, err := f.client.InvoiceCreated(ctx, "INV-A", 1, first.TxHash, 0); err != nil {
		t.Fatalf("INV-A InvoiceCreated failed: %v", err)
	}
	if _, err := f.client.InvoiceCreated(ctx, "INV-B", 2, second.TxHash, 0); err != nil {
		t.Fatalf("INV-B InvoiceCreated failed: %v", err)
	}
}

func TestStatusChangedEvent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	res := f.pendingInvoice(t, "INV-1")
	f.ledger.Mine()
	if _, err := f.client.InvoiceCreated(ctx, "INV-1", 1, res.TxHash, 0); err != nil {
		t.Fatalf("InvoiceCreated failed: %v", err)
	}

	// The event claims paid, the ledger still says created.
	_, err := f.client.StatusChanged(ctx, 1, int(status.LedgerPaid), "")
	if connectCode(err) != connect.CodeFailedPrecondition {
		t.Fatalf("stale event: err = %v", err)
	}

	if err := f.ledger.SetStatus(1, status.LedgerCancelled); err != nil {
		t.Fatalf("SetStatus failed: %v", err)
	}
	ack, err := f.client.StatusChanged(ctx, 1, int(status.LedgerCancelled), "0xabc")
	if err != nil {
		t.Fatalf("StatusChanged failed: %v", err)
	}
	if !ack.Applied || ack.Status != "cancelled" {
		t.Errorf("ack = %+v", ack)
	}

	if _, err := f.client.StatusChanged(ctx, 1, 9, ""); connectCode(err) != connect.CodeInvalidArgument {
		t.Errorf("unknown status: err = %v", err)
	}
	if _, err := f.client.StatusChanged(ctx, 99, int(status.LedgerPaid), ""); connectCode(err) != connect.CodeNotFound {
		t.Errorf("unknown invoice: err = %v", err)
	}
}

func TestIntField(t *testing.T) {
	tests := []struct {
		name    string
		fields  map[string]any
		want    int64
		wantErr bool
	}{
		{"integral", map[string]any{"n": 42}, 42, false},
		{"missing", map[string]any{}, 0, true},
		{"fraction", map[string]any{"n": 1.5}, 0, true},
		{"negative", map[string]any{"n": -1}, 0, true},
		{"string", map[string]any{"n": "42"}, 0, true},
		{"zero", map[string]any{"n": 0}, 0, true},
		{"two to the 63rd", map[string]any{"n": math.Pow(2, 63)}, 0, true},
		{"above int64", map[string]any{"n": 1e19}, 0, true},
		{"largest exact", map[string]any{"n": float64(1 << 53)}, 1 << 53, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			msg, err := structpb.NewStruct(tt.fields)
			if err != nil {
				t.Fatalf("NewStruct failed: %v", err)
			}
			got, err := intField(msg, "n", true)
			if (err != nil) != tt.wantErr {
				t.Fatalf("err = %v, wantErr %v", err, tt.wantErr)
			}
			if err != nil && !errors.Is(err, apperr.ErrValidation) {
				t.Errorf("err = %v, want validation error", err)
			}
			if got != tt.want {
				t.Errorf("got %d, want %d", got, tt.want)
			}
		})
	}
}
