package document

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"strings"

	"github.com/mmynk/invoicechain/internal/apperr"
)

// IPFSUploader adds documents through an IPFS node's HTTP RPC API.
type IPFSUploader struct {
	apiURL string
	client *http.Client
}

var _ Uploader = (*IPFSUploader)(nil)

// NewIPFSUploader targets apiURL, e.g. http://127.0.0.1:5001.
func NewIPFSUploader(apiURL string, client *http.Client) *IPFSUploader {
	if client == nil {
		client = http.DefaultClient
	}
	return &IPFSUploader{apiURL: strings.TrimRight(apiURL, "/"), client: client}
}

type addResponse struct {
	Name string `json:"Name"`
	Hash string `json:"Hash"`
	Size string `json:"Size"`
}

// Upload pins content and returns its CID.
func (u *IPFSUploader) Upload(ctx context.Context, content []byte) (string, error) {
	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	part, err := mw.CreateFormFile("file", "invoice.html")
	if err != nil {
		return "", fmt.Errorf("failed to build upload: %w", err)
	}
	if _, err := part.Write(content); err != nil {
		return "", fmt.Errorf("failed to build upload: %w", err)
	}
	if err := mw.Close(); err != nil {
		return "", fmt.Errorf("failed to build upload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u.apiURL+"/api/v0/add?cid-version=1&pin=true", &body)
	if err != nil {
		return "", fmt.Errorf("failed to build upload: %w", err)
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())

	resp, err := u.client.Do(req)
	if err != nil {
		return "", apperr.Unavailable("ipfs add", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		err := fmt.Errorf("ipfs add: status %d: %s", resp.StatusCode, strings.TrimSpace(string(msg)))
		if resp.StatusCode >= 500 {
			return "", apperr.Unavailable("ipfs add", err)
		}
		return "", err
	}

	var out addResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", apperr.Unavailable("ipfs add", fmt.Errorf("decode response: %w", err))
	}
	if out.Hash == "" {
		return "", fmt.Errorf("ipfs add: empty hash in response")
	}
	return out.Hash, nil
}
