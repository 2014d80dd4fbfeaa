// Package client is a Go client for the coordinator's REST surface.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/mmynk/invoicechain/internal/api"
	"github.com/mmynk/invoicechain/internal/apperr"
	"github.com/mmynk/invoicechain/internal/loader"
	"github.com/mmynk/invoicechain/internal/models"
)

// Client calls a running server.
type Client struct {
	baseURL string
	client  *http.Client
}

var _ loader.Fetcher = (*Client)(nil)

// New creates a client for the server at baseURL. A nil httpClient gets a 30s timeout.
func New(baseURL string, httpClient *http.Client) *Client {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	return &Client{baseURL: strings.TrimRight(baseURL, "/"), client: httpClient}
}

// FetchInvoices implements loader.Fetcher over GET /invoices/search.
func (c *Client) FetchInvoices(ctx context.Context, wallet, token string) ([]*models.Invoice, error) {
	res, err := c.Search(ctx, wallet, token)
	if err != nil {
		return nil, err
	}
	out := make([]*models.Invoice, 0, len(res.Invoices))
	for _, inv := range res.Invoices {
		out = append(out, inv.Model())
	}
	return out, nil
}

func (c *Client) Search(ctx context.Context, wallet, token string) (api.SearchResponse, error) {
	var out api.SearchResponse
	q := url.Values{}
	if wallet != "" {
		q.Set("wallet", wallet)
	}
	path := "/invoices/search"
	if len(q) > 0 {
		path += "?" + q.Encode()
	}
	err := c.do(ctx, http.MethodGet, path, token, nil, &out)
	return out, err
}

func (c *Client) UpsertProfile(ctx context.Context, req api.ProfileRequest) (api.User, error) {
	var out api.User
	err := c.do(ctx, http.MethodPost, "/users/profile", "", req, &out)
	return out, err
}

func (c *Client) IssueNonce(ctx context.Context, wallet string) (api.NonceResponse, error) {
	var out api.NonceResponse
	err := c.do(ctx, http.MethodPost, "/users/"+url.PathEscape(wallet)+"/verify/nonce", "", nil, &out)
	return out, err
}

func (c *Client) Verify(ctx context.Context, wallet, signature string) (api.VerifyResponse, error) {
	var out api.VerifyResponse
	err := c.do(ctx, http.MethodPost, "/users/"+url.PathEscape(wallet)+"/verify", "", api.VerifyRequest{Signature: signature}, &out)
	return out, err
}

// CreateInvoice posts an invoice. A failed run that still wrote a record
// returns that record together with a non-nil error.
func (c *Client) CreateInvoice(ctx context.Context, token string, req api.CreateInvoiceRequest) (api.CreateInvoiceResponse, error) {
	var out api.CreateInvoiceResponse
	status, body, err := c.send(ctx, http.MethodPost, "/invoices", token, req)
	if err != nil {
		return out, err
	}
	if status >= 400 {
		// A failed run still carries the record; the error envelope does not.
		if jerr := json.Unmarshal(body, &out); jerr == nil && out.Outcome != "" {
			return out, fmt.Errorf("invoice creation %s at %s: %s", out.Outcome, out.Stage, out.Error)
		}
		return out, decodeError(status, body)
	}
	if err := json.Unmarshal(body, &out); err != nil {
		return out, fmt.Errorf("failed to decode response: %w", err)
	}
	return out, nil
}

func (c *Client) UpdateStatus(ctx context.Context, token, invoiceID string, req api.StatusUpdateRequest) (api.StatusUpdateResponse, error) {
	var out api.StatusUpdateResponse
	err := c.do(ctx, http.MethodPut, "/invoices/"+url.PathEscape(invoiceID)+"/status", token, req, &out)
	return out, err
}

func (c *Client) OpenDispute(ctx context.Context, token, invoiceID string, req api.DisputeRequest) (api.Dispute, error) {
	var out api.Dispute
	err := c.do(ctx, http.MethodPost, "/invoices/"+url.PathEscape(invoiceID)+"/disputes", token, req, &out)
	return out, err
}

func (c *Client) do(ctx context.Context, method, path, token string, in, out any) error {
	status, body, err := c.send(ctx, method, path, token, in)
	if err != nil {
		return err
	}
	if status >= 400 {
		return decodeError(status, body)
	}
	if out == nil || len(body) == 0 {
		return nil
	}
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}

func (c *Client) send(ctx context.Context, method, path, token string, in any) (int, []byte, error) {
	var rd io.Reader
	if in != nil {
		b, err := json.Marshal(in)
		if err != nil {
			return 0, nil, fmt.Errorf("failed to encode request: %w", err)
		}
		rd = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, rd)
	if err != nil {
		return 0, nil, fmt.Errorf("failed to build request: %w", err)
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return 0, nil, apperr.Unavailable(method+" "+path, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return 0, nil, apperr.Unavailable("read response", err)
	}
	return resp.StatusCode, body, nil
}

func decodeError(status int, body []byte) error {
	var eb api.ErrorBody
	if err := json.Unmarshal(body, &eb); err != nil {
		eb.Error.Message = http.StatusText(status)
	}
	return api.DecodeError(status, eb)
}
