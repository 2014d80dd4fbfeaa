package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/crypto"

	"github.com/mmynk/invoicechain/internal/api"
	"github.com/mmynk/invoicechain/internal/auth"
	"github.com/mmynk/invoicechain/internal/document"
	"github.com/mmynk/invoicechain/internal/ledger"
	"github.com/mmynk/invoicechain/internal/metrics"
	"github.com/mmynk/invoicechain/internal/models"
	"github.com/mmynk/invoicechain/internal/reconcile"
	"github.com/mmynk/invoicechain/internal/saga"
	"github.com/mmynk/invoicechain/internal/service"
	"github.com/mmynk/invoicechain/internal/storage/sqlstore"
)

const (
	issuerWallet    = "0xaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa01"
	recipientWallet = "0xbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbb02"
)

// brokenUploader never reaches the content store.
type brokenUploader struct{}

func (brokenUploader) Upload(context.Context, []byte) (string, error) {
	return "", errors.New("content store down")
}

type testServer struct {
	*httptest.Server
	jwt    *auth.JWTManager
	ledger *ledger.Memory
}

type serverOptions struct {
	publicSearch bool
	uploader     document.Uploader
}

func newTestServer(t *testing.T, opts serverOptions) *testServer {
	t.Helper()
	store, err := sqlstore.New(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("Failed to create store: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	if opts.uploader == nil {
		opts.uploader = document.NewDatastoreUploader(nil)
	}
	m := metrics.New()
	mem := ledger.NewMemory(true)
	rec := reconcile.New(store, reconcile.WithDisputes(store), reconcile.WithLedger(mem), reconcile.WithMetrics(m))

	cfg := saga.DefaultConfig()
	cfg.Retry.InitialBackoff = time.Millisecond
	cfg.ConfirmTimeout = time.Second
	cfg.PollInterval = 5 * time.Millisecond
	sg := saga.New(store, document.NewPublisher(nil, opts.uploader, time.Second), mem, rec, cfg, saga.WithMetrics(m))

	jwtManager := auth.NewJWTManager("test-secret", time.Hour)
	srv := NewServer(
		service.NewUserService(store, auth.NewVerifier(store), jwtManager, nil),
		service.NewInvoiceService(store, sg, rec, mem, nil),
		service.NewTemplateService(store, store, nil),
		jwtManager,
		store,
		m,
		Config{PublicSearch: opts.publicSearch},
		nil,
	)
	ts := httptest.NewServer(srv.Router())
	t.Cleanup(ts.Close)
	return &testServer{Server: ts, jwt: jwtManager, ledger: mem}
}

func (s *testServer) token(t *testing.T, userID, wallet string) string {
	t.Helper()
	tok, err := s.jwt.Generate(&models.User{ID: userID, WalletAddress: wallet})
	if err != nil {
		t.Fatalf("Generate failed: %v", err)
	}
	return tok
}

func (s *testServer) do(t *testing.T, method, path, token string, body any) *http.Response {
	t.Helper()
	var rd io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal: %v", err)
		}
		rd = bytes.NewReader(b)
	}
	req, err := http.NewRequest(method, s.URL+path, rd)
	if err != nil {
		t.Fatalf("NewRequest: %v", err)
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func decodeBody(t *testing.T, resp *http.Response, v any) {
	t.Helper()
	if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
		t.Fatalf("decode: %v", err)
	}
}

func expectError(t *testing.T, resp *http.Response, status int, code string) {
	t.Helper()
	if resp.StatusCode != status {
		t.Fatalf("status = %d, want %d", resp.StatusCode, status)
	}
	var body api.ErrorBody
	decodeBody(t, resp, &body)
	if body.Error.Code != code {
		t.Errorf("code = %s, want %s (%s)", body.Error.Code, code, body.Error.Message)
	}
}

func invoiceBody(id string) api.CreateInvoiceRequest {
	return api.CreateInvoiceRequest{
		InvoiceID: id,
		Title:     "Consulting",
		Amount:    "1.5",
		Issuer:    api.Party{Wallet: issuerWallet},
		Recipient: api.Party{Wallet: recipientWallet},
		DueDate:   time.Now().Add(14 * 24 * time.Hour),
	}
}

func TestWalletVerification(t *testing.T) {
	ts := newTestServer(t, serverOptions{})
	key, err := crypto.GenerateKey()
	if err != nil {
		t.Fatalf("GenerateKey: %v", err)
	}
	wallet := crypto.PubkeyToAddress(key.PublicKey).Hex()

	resp := ts.do(t, http.MethodPost, "/users/profile", "", api.ProfileRequest{WalletAddress: wallet, Name: "Ada"})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("profile: status = %d", resp.StatusCode)
	}

	resp = ts.do(t, http.MethodPost, "/users/"+wallet+"/verify", "", api.VerifyRequest{Signature: "0x00"})
	expectError(t, resp, http.StatusConflict, "NO_PENDING_CHALLENGE")

	resp = ts.do(t, http.MethodPost, "/users/"+wallet+"/verify/nonce", "", nil)
	var nonce api.NonceResponse
	decodeBody(t, resp, &nonce)
	if nonce.Nonce == "" || !strings.Contains(nonce.Message, nonce.Nonce) {
		t.Fatalf("nonce response = %+v", nonce)
	}

	sig, err := auth.SignChallenge(key, nonce.Message)
	if err != nil {
		t.Fatalf("SignChallenge: %v", err)
	}
	resp = ts.do(t, http.MethodPost, "/users/"+wallet+"/verify", "", api.VerifyRequest{Signature: sig})
	var verified api.VerifyResponse
	decodeBody(t, resp, &verified)
	if !verified.Verified || verified.Token == "" || !verified.User.Verified {
		t.Fatalf("verify response = %+v", verified)
	}

	resp = ts.do(t, http.MethodGet, "/users/"+wallet, verified.Token, nil)
	var user api.User
	decodeBody(t, resp, &user)
	if user.Name != "Ada" || !user.Verified {
		t.Errorf("user = %+v", user)
	}

	resp = ts.do(t, http.MethodGet, "/users/"+wallet, "", nil)
	expectError(t, resp, http.StatusUnauthorized, "UNAUTHORIZED")
}

func TestCreateInvoice(t *testing.T) {
	ts := newTestServer(t, serverOptions{})
	token := ts.token(t, "u1", issuerWallet)

	resp := ts.do(t, http.MethodPost, "/invoices", token, invoiceBody("INV-1"))
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("status = %d, want 201", resp.StatusCode)
	}
	var created api.CreateInvoiceResponse
	decodeBody(t, resp, &created)
	if !created.Success || created.Invoice == nil || created.Invoice.Ledger.NumericID == nil {
		t.Fatalf("response = %+v", created)
	}
	if created.Invoice.Status != "pending" || created.Invoice.DisplayCode != 0 {
		t.Errorf("status = %s code %d", created.Invoice.Status, created.Invoice.DisplayCode)
	}

	resp = ts.do(t, http.MethodPost, "/invoices", token, invoiceBody("INV-1"))
	expectError(t, resp, http.StatusConflict, "CONFLICT")

	bad := invoiceBody("INV-2")
	bad.Amount = "-1"
	resp = ts.do(t, http.MethodPost, "/invoices", token, bad)
	expectError(t, resp, http.StatusBadRequest, "VALIDATION_ERROR")

	resp = ts.do(t, http.MethodPost, "/invoices", ts.token(t, "u2", recipientWallet), invoiceBody("INV-3"))
	expectError(t, resp, http.StatusForbidden, "FORBIDDEN")

	resp = ts.do(t, http.MethodGet, "/invoices/INV-1", ts.token(t, "u2", recipientWallet), nil)
	var got api.Invoice
	decodeBody(t, resp, &got)
	if got.InvoiceID != "INV-1" || got.Amount.String() != "1.5" {
		t.Errorf("invoice = %+v", got)
	}

	resp = ts.do(t, http.MethodGet, "/invoices/missing", token, nil)
	expectError(t, resp, http.StatusNotFound, "NOT_FOUND")
}

func TestCreateInvoiceUploadFailureIsAccepted(t *testing.T) {
	ts := newTestServer(t, serverOptions{uploader: brokenUploader{}})
	token := ts.token(t, "u1", issuerWallet)

	resp := ts.do(t, http.MethodPost, "/invoices", token, invoiceBody("INV-1"))
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("status = %d, want 202", resp.StatusCode)
	}
	var created api.CreateInvoiceResponse
	decodeBody(t, resp, &created)
	if created.Success || created.Outcome != "partial" || created.Invoice == nil || created.Invoice.Status != "draft" {
		t.Fatalf("response = %+v", created)
	}
	if len(ts.ledger.Calls()) != 0 {
		t.Errorf("ledger calls = %v, want none", ts.ledger.Calls())
	}
}

func TestUpdateStatus(t *testing.T) {
	ts := newTestServer(t, serverOptions{})
	issuer := ts.token(t, "u1", issuerWallet)
	recipient := ts.token(t, "u2", recipientWallet)

	resp := ts.do(t, http.MethodPost, "/invoices", issuer, invoiceBody("INV-1"))
	var created api.CreateInvoiceResponse
	decodeBody(t, resp, &created)

	resp = ts.do(t, http.MethodPut, "/invoices/INV-1/status", recipient, api.StatusUpdateRequest{Status: "paid"})
	expectError(t, resp, http.StatusConflict, "INVALID_TRANSITION")

	resp = ts.do(t, http.MethodPut, "/invoices/INV-1/status", recipient, api.StatusUpdateRequest{Status: "bogus"})
	expectError(t, resp, http.StatusBadRequest, "VALIDATION_ERROR")

	id := *created.Invoice.Ledger.NumericID
	txHash, err := ts.ledger.CancelInvoice(context.Background(), id)
	if err != nil {
		t.Fatalf("CancelInvoice: %v", err)
	}
	resp = ts.do(t, http.MethodPut, "/invoices/INV-1/status", issuer, api.StatusUpdateRequest{Status: "cancelled", TransactionHash: txHash})
	var out api.StatusUpdateResponse
	decodeBody(t, resp, &out)
	if !out.Applied || out.From != "pending" || out.To != "cancelled" || out.Invoice.DisplayCode != 4 {
		t.Errorf("update = %+v", out)
	}
}

func TestSearchAuth(t *testing.T) {
	t.Run("private", func(t *testing.T) {
		ts := newTestServer(t, serverOptions{})
		resp := ts.do(t, http.MethodGet, "/invoices/search?wallet="+issuerWallet, "", nil)
		expectError(t, resp, http.StatusUnauthorized, "UNAUTHORIZED")
	})

	t.Run("public", func(t *testing.T) {
		ts := newTestServer(t, serverOptions{publicSearch: true})
		ts.do(t, http.MethodPost, "/invoices", ts.token(t, "u1", issuerWallet), invoiceBody("INV-1"))

		resp := ts.do(t, http.MethodGet, "/invoices/search?wallet="+recipientWallet, "", nil)
		if resp.StatusCode != http.StatusOK {
			t.Fatalf("status = %d", resp.StatusCode)
		}
		var out api.SearchResponse
		decodeBody(t, resp, &out)
		if len(out.Invoices) != 1 || out.Summary.Count != 1 {
			t.Fatalf("search = %+v", out)
		}
		if owed := out.Summary.ByCurrency["ETH"].Owed; owed.String() != "1.5" {
			t.Errorf("owed = %s, want 1.5", owed)
		}

		resp = ts.do(t, http.MethodGet, "/invoices/search?numericId=abc", "", nil)
		expectError(t, resp, http.StatusBadRequest, "VALIDATION_ERROR")
	})
}

func TestTemplatesRequireWallet(t *testing.T) {
	ts := newTestServer(t, serverOptions{})
	resp := ts.do(t, http.MethodGet, "/templates", ts.token(t, "idp|1", ""), nil)
	expectError(t, resp, http.StatusForbidden, "FORBIDDEN")

	ts.do(t, http.MethodPost, "/users/profile", "", api.ProfileRequest{WalletAddress: issuerWallet})
	token := ts.token(t, "u1", issuerWallet)
	resp = ts.do(t, http.MethodPost, "/templates", token, api.Template{Name: "Retainer", IsDefault: true})
	var saved api.Template
	decodeBody(t, resp, &saved)
	if saved.ID == "" {
		t.Fatalf("template = %+v", saved)
	}

	resp = ts.do(t, http.MethodDelete, "/templates/"+saved.ID, token, nil)
	if resp.StatusCode != http.StatusNoContent {
		t.Errorf("delete status = %d", resp.StatusCode)
	}
}

func TestHealthAndMetrics(t *testing.T) {
	ts := newTestServer(t, serverOptions{})

	resp := ts.do(t, http.MethodGet, "/healthz", "", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("healthz = %d", resp.StatusCode)
	}

	resp = ts.do(t, http.MethodGet, "/metrics", "", nil)
	b, _ := io.ReadAll(resp.Body)
	if !strings.Contains(string(b), "invoicechain_http_request_duration_seconds") {
		t.Error("metrics missing http histogram")
	}
}
