package httpapi

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/mmynk/invoicechain/internal/api"
	"github.com/mmynk/invoicechain/internal/apperr"
	"github.com/mmynk/invoicechain/internal/models"
	"github.com/mmynk/invoicechain/internal/saga"
	"github.com/mmynk/invoicechain/internal/service"
)

const maxBodyBytes = 1 << 20

func writeJSON(w http.ResponseWriter, status int, v any) {
	api.WriteJSON(w, status, v)
}

func decode(w http.ResponseWriter, r *http.Request, v any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err := dec.Decode(v); err != nil {
		if errors.Is(err, io.EOF) {
			return apperr.Invalid("body", "required")
		}
		return apperr.Invalid("body", err.Error())
	}
	return nil
}

func (s *Server) fail(w http.ResponseWriter, r *http.Request, err error) {
	if apperr.HTTPStatus(err) >= http.StatusInternalServerError {
		s.logger.Error("Request failed", "method", r.Method, "path", r.URL.Path, "error", err)
	}
	api.WriteError(w, err)
}

// --- users ---

func (s *Server) upsertProfile(w http.ResponseWriter, r *http.Request) {
	var req api.ProfileRequest
	if err := decode(w, r, &req); err != nil {
		s.fail(w, r, err)
		return
	}
	user, err := s.users.UpsertProfile(r.Context(), req.WalletAddress, req.Name, req.Email, req.ExternalID)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, api.FromUser(user))
}

func (s *Server) getUser(w http.ResponseWriter, r *http.Request) {
	user, err := s.users.GetUser(r.Context(), chi.URLParam(r, "wallet"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, api.FromUser(user))
}

func (s *Server) issueNonce(w http.ResponseWriter, r *http.Request) {
	wallet := chi.URLParam(r, "wallet")
	nonce, message, err := s.users.IssueNonce(r.Context(), wallet)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, api.NonceResponse{
		WalletAddress: models.NormalizeWallet(wallet),
		Nonce:         nonce,
		Message:       message,
	})
}

func (s *Server) verify(w http.ResponseWriter, r *http.Request) {
	var req api.VerifyRequest
	if err := decode(w, r, &req); err != nil {
		s.fail(w, r, err)
		return
	}
	user, token, err := s.users.Verify(r.Context(), chi.URLParam(r, "wallet"), req.Signature)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, api.VerifyResponse{Verified: true, Token: token, User: api.FromUser(user)})
}

// --- invoices ---

func (s *Server) createInvoice(w http.ResponseWriter, r *http.Request) {
	var req api.CreateInvoiceRequest
	if err := decode(w, r, &req); err != nil {
		s.fail(w, r, err)
		return
	}
	res, err := s.invoices.Create(r.Context(), caller(r), saga.Request{
		InvoiceID:    req.InvoiceID,
		Title:        req.Title,
		Description:  req.Description,
		Amount:       req.Amount,
		Currency:     req.Currency,
		TokenAddress: req.TokenAddress,
		Issuer:       models.Party(req.Issuer),
		Recipient:    models.Party(req.Recipient),
		DueDate:      req.DueDate,
	})
	if err != nil {
		s.fail(w, r, err)
		return
	}
	s.writeSagaResult(w, res)
}

func (s *Server) resumeInvoice(w http.ResponseWriter, r *http.Request) {
	res, err := s.invoices.Resume(r.Context(), caller(r), chi.URLParam(r, "id"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	s.writeSagaResult(w, res)
}

// writeSagaResult maps a run that wrote a record: 201 on success, 202 while
// the document or ledger step is outstanding, the cause's status on failure.
func (s *Server) writeSagaResult(w http.ResponseWriter, res saga.Result) {
	resp := api.CreateInvoiceResponse{
		Success: res.Success(),
		Outcome: string(res.Outcome),
		Stage:   string(res.Stage),
		Error:   res.Error,
		TxHash:  res.TxHash,
	}
	if res.Invoice != nil {
		inv := api.FromInvoice(res.Invoice, s.invoices.Now())
		resp.Invoice = &inv
	}

	code := http.StatusCreated
	switch res.Outcome {
	case saga.OutcomePartial, saga.OutcomePending:
		code = http.StatusAccepted
	case saga.OutcomeFailed:
		code = http.StatusInternalServerError
		if res.Err != nil {
			code = apperr.HTTPStatus(res.Err)
		}
	}
	writeJSON(w, code, resp)
}

func (s *Server) getInvoice(w http.ResponseWriter, r *http.Request) {
	inv, err := s.invoices.Get(r.Context(), caller(r), chi.URLParam(r, "id"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, api.FromInvoice(inv, s.invoices.Now()))
}

func (s *Server) updateStatus(w http.ResponseWriter, r *http.Request) {
	var req api.StatusUpdateRequest
	if err := decode(w, r, &req); err != nil {
		s.fail(w, r, err)
		return
	}
	res, err := s.invoices.UpdateStatus(r.Context(), caller(r), chi.URLParam(r, "id"), service.StatusUpdate{
		Status:      req.Status,
		TxHash:      req.TransactionHash,
		BlockNumber: req.BlockNumber,
		NumericID:   req.NumericID,
	})
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, api.StatusUpdateResponse{
		Applied: res.Applied,
		From:    string(res.From),
		To:      string(res.To),
		Invoice: api.FromInvoice(res.Invoice, s.invoices.Now()),
	})
}

func (s *Server) searchInvoices(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	var numericID *int64
	if raw := q.Get("numericId"); raw != "" {
		id, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || id <= 0 {
			s.fail(w, r, apperr.Invalid("numericId", "must be a positive integer"))
			return
		}
		numericID = &id
	}

	res, err := s.invoices.Search(r.Context(), caller(r), q.Get("wallet"), numericID)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	now := s.invoices.Now()
	out := api.SearchResponse{
		Invoices: make([]api.Invoice, 0, len(res.Invoices)),
		Summary:  api.FromSummary(res.Summary),
	}
	for _, inv := range res.Invoices {
		out.Invoices = append(out.Invoices, api.FromInvoice(inv, now))
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) openDispute(w http.ResponseWriter, r *http.Request) {
	var req api.DisputeRequest
	if err := decode(w, r, &req); err != nil {
		s.fail(w, r, err)
		return
	}
	d, err := s.invoices.OpenDispute(r.Context(), caller(r), chi.URLParam(r, "id"), req.Reason, req.TransactionHash)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, api.FromDispute(d))
}

func (s *Server) resolveDispute(w http.ResponseWriter, r *http.Request) {
	var req api.ResolveRequest
	if r.ContentLength != 0 {
		if err := decode(w, r, &req); err != nil {
			s.fail(w, r, err)
			return
		}
	}
	d, err := s.invoices.ResolveDispute(r.Context(), caller(r), chi.URLParam(r, "id"), req.TransactionHash)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, api.FromDispute(d))
}

// --- templates ---

func (s *Server) listTemplates(w http.ResponseWriter, r *http.Request) {
	list, err := s.templates.List(r.Context(), caller(r))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	out := make([]api.Template, 0, len(list))
	for _, t := range list {
		out = append(out, api.FromTemplate(t))
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) saveTemplate(w http.ResponseWriter, r *http.Request) {
	var req api.Template
	if err := decode(w, r, &req); err != nil {
		s.fail(w, r, err)
		return
	}
	tpl, err := s.templates.Save(r.Context(), caller(r), req.Model())
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, api.FromTemplate(tpl))
}

func (s *Server) deleteTemplate(w http.ResponseWriter, r *http.Request) {
	if err := s.templates.Delete(r.Context(), caller(r), chi.URLParam(r, "id")); err != nil {
		s.fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
