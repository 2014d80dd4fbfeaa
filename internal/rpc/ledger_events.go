// Package rpc serves the Connect LedgerEventService, through which a chain
// indexer pushes registry events instead of waiting for the watcher to poll.
package rpc

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"net/http"

	"connectrpc.com/connect"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/mmynk/invoicechain/internal/apperr"
	"github.com/mmynk/invoicechain/internal/ledger"
	"github.com/mmynk/invoicechain/internal/reconcile"
	"github.com/mmynk/invoicechain/internal/status"
	"github.com/mmynk/invoicechain/internal/storage"
)

const (
	// ServiceName is the fully-qualified name of the LedgerEventService.
	ServiceName = "invoicechain.v1.LedgerEventService"

	InvoiceCreatedProcedure = "/" + ServiceName + "/InvoiceCreated"
	StatusChangedProcedure  = "/" + ServiceName + "/StatusChanged"
)

// LedgerEventService applies pushed ledger events. Events are checked against
// the ledger before anything is written.
type LedgerEventService struct {
	rec      *reconcile.Reconciler
	invoices storage.InvoiceStore
	ledger   ledger.Ledger
	logger   *slog.Logger
}

func NewLedgerEventService(rec *reconcile.Reconciler, invoices storage.InvoiceStore, l ledger.Ledger, logger *slog.Logger) *LedgerEventService {
	if logger == nil {
		logger = slog.Default()
	}
	return &LedgerEventService{rec: rec, invoices: invoices, ledger: l, logger: logger}
}

// NewHandler builds the HTTP handler for the service and returns the path to mount it on.
func NewHandler(svc *LedgerEventService, opts ...connect.HandlerOption) (string, http.Handler) {
	mux := http.NewServeMux()
	mux.Handle(InvoiceCreatedProcedure, connect.NewUnaryHandler(InvoiceCreatedProcedure, svc.InvoiceCreated, opts...))
	mux.Handle(StatusChangedProcedure, connect.NewUnaryHandler(StatusChangedProcedure, svc.StatusChanged, opts...))
	return "/" + ServiceName + "/", mux
}

// InvoiceCreated binds an InvoiceCreated event {invoiceId, numericId, txHash, blockNumber}
// to its off-chain record.
func (s *LedgerEventService) InvoiceCreated(ctx context.Context, req *connect.Request[structpb.Struct]) (*connect.Response[structpb.Struct], error) {
	msg := req.Msg
	invoiceID := stringField(msg, "invoiceId")
	txHash := stringField(msg, "txHash")
	numericID, err := intField(msg, "numericId", true)
	if err != nil {
		return nil, toConnect(err)
	}
	if invoiceID == "" {
		return nil, toConnect(apperr.Invalid("invoiceId", "required"))
	}
	if txHash == "" {
		return nil, toConnect(apperr.Invalid("txHash", "required"))
	}

	rcpt, err := s.ledger.ReceiptFor(ctx, txHash)
	switch {
	case errors.Is(err, ledger.ErrPending):
		return nil, toConnect(fmt.Errorf("transaction %s not mined yet: %w", txHash, apperr.ErrUnknownOutcome))
	case err != nil:
		return nil, toConnect(err)
	case rcpt.Reverted || !rcpt.HasInvoice:
		return nil, toConnect(apperr.Invalid("txHash", "not a successful createInvoice transaction"))
	case rcpt.NumericID != numericID:
		return nil, toConnect(apperr.Invalid("numericId", fmt.Sprintf("transaction created #%d", rcpt.NumericID)))
	}

	before, err := s.invoices.GetInvoice(ctx, invoiceID)
	if err != nil {
		return nil, toConnect(err)
	}
	inv, err := s.rec.ConfirmCreated(ctx, invoiceID, rcpt)
	if err != nil {
		return nil, toConnect(err)
	}
	applied := !before.Ledger.Mined() || before.Status != inv.Status

	s.logger.Info("InvoiceCreated event applied", "invoice_id", invoiceID, "numeric_id", numericID, "applied", applied)
	return reply(applied, string(inv.Status))
}

// StatusChanged reconciles a status event {numericId, status, txHash, blockNumber}.
// status is the ledger code 0-4.
func (s *LedgerEventService) StatusChanged(ctx context.Context, req *connect.Request[structpb.Struct]) (*connect.Response[structpb.Struct], error) {
	msg := req.Msg
	numericID, err := intField(msg, "numericId", true)
	if err != nil {
		return nil, toConnect(err)
	}
	code, err := intField(msg, "status", false)
	if err != nil {
		return nil, toConnect(err)
	}
	reported, ok := status.ParseLedger(int(code))
	if !ok {
		return nil, toConnect(apperr.Invalid("status", fmt.Sprintf("unknown ledger status %d", code)))
	}

	onChain, err := s.ledger.GetInvoice(ctx, numericID)
	if err != nil {
		return nil, toConnect(err)
	}
	if onChain.Status != reported {
		// A stale event; the ledger has moved on or not caught up.
		return nil, toConnect(fmt.Errorf("ledger reports %s for #%d, event says %s: %w",
			onChain.Status, numericID, reported, apperr.ErrInvalidTransition))
	}

	res, err := s.rec.ApplyLedgerStatus(ctx, numericID, reported, stringField(msg, "txHash"))
	if err != nil {
		return nil, toConnect(err)
	}
	return reply(res.Applied, string(res.To))
}

func reply(applied bool, st string) (*connect.Response[structpb.Struct], error) {
	out, err := structpb.NewStruct(map[string]any{"applied": applied, "status": st})
	if err != nil {
		return nil, connect.NewError(connect.CodeInternal, err)
	}
	return connect.NewResponse(out), nil
}

func toConnect(err error) error {
	return connect.NewError(apperr.ConnectCode(err), err)
}

func stringField(msg *structpb.Struct, name string) string {
	return msg.GetFields()[name].GetStringValue()
}

// intField reads an integral number field. JSON clients send numbers as
// doubles, so fractional or out-of-range values are rejected. float64(MaxInt64)
// rounds up to 2^63, which no int64 holds.
func intField(msg *structpb.Struct, name string, positive bool) (int64, error) {
	v, ok := msg.GetFields()[name]
	if !ok {
		return 0, apperr.Invalid(name, "required")
	}
	n, isNum := v.GetKind().(*structpb.Value_NumberValue)
	if !isNum {
		return 0, apperr.Invalid(name, "must be a number")
	}
	f := n.NumberValue
	if f != math.Trunc(f) || f < 0 || f >= math.MaxInt64 {
		return 0, apperr.Invalid(name, "must be a non-negative integer")
	}
	if positive && f == 0 {
		return 0, apperr.Invalid(name, "must be positive")
	}
	return int64(f), nil
}
