// Package document renders invoice documents and stores them in
// content-addressed storage. The returned hash is what the ledger records.
package document

import (
	"bytes"
	"context"
	"fmt"
	"html/template"
	"time"

	"github.com/mmynk/invoicechain/internal/models"
)

// Uploader stores content and returns its content address.
type Uploader interface {
	Upload(ctx context.Context, content []byte) (string, error)
}

const invoiceHTML = `<!DOCTYPE html>
<html>
<head><meta charset="utf-8"><title>Invoice {{.InvoiceID}}</title></head>
<body>
<h1>{{.Title}}</h1>
<p>Invoice <strong>{{.InvoiceID}}</strong> issued {{date .CreatedAt}}, due {{date .DueDate}}</p>
<table>
<tr><th>From</th><td>{{.Issuer.Name}}</td><td>{{.Issuer.Email}}</td><td>{{.Issuer.Wallet}}</td></tr>
<tr><th>To</th><td>{{.Recipient.Name}}</td><td>{{.Recipient.Email}}</td><td>{{.Recipient.Wallet}}</td></tr>
</table>
<p>{{.Description}}</p>
<p class="amount">{{.Amount.String}} {{.Currency}}</p>
{{if .TokenAddress}}<p class="token">Token {{.TokenAddress}}</p>{{end}}
</body>
</html>
`

// Renderer turns an invoice into its HTML document.
type Renderer struct {
	tmpl *template.Template
}

// NewRenderer parses the built-in invoice template.
func NewRenderer() *Renderer {
	funcs := template.FuncMap{
		"date": func(t time.Time) string {
			if t.IsZero() {
				return "-"
			}
			return t.UTC().Format("2006-01-02")
		},
	}
	return &Renderer{tmpl: template.Must(template.New("invoice").Funcs(funcs).Parse(invoiceHTML))}
}

// Render executes the template for inv.
func (r *Renderer) Render(inv *models.Invoice) ([]byte, error) {
	var buf bytes.Buffer
	if err := r.tmpl.Execute(&buf, inv); err != nil {
		return nil, fmt.Errorf("failed to render invoice %s: %w", inv.InvoiceID, err)
	}
	return buf.Bytes(), nil
}

// Publisher renders and uploads in one step, bounded by a timeout.
type Publisher struct {
	renderer *Renderer
	uploader Uploader
	timeout  time.Duration
}

// NewPublisher creates a Publisher. A zero timeout means no extra deadline.
func NewPublisher(renderer *Renderer, uploader Uploader, timeout time.Duration) *Publisher {
	if renderer == nil {
		renderer = NewRenderer()
	}
	return &Publisher{renderer: renderer, uploader: uploader, timeout: timeout}
}

// Publish returns the content hash of the rendered document.
func (p *Publisher) Publish(ctx context.Context, inv *models.Invoice) (string, error) {
	content, err := p.renderer.Render(inv)
	if err != nil {
		return "", err
	}
	if p.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.timeout)
		defer cancel()
	}
	hash, err := p.uploader.Upload(ctx, content)
	if err != nil {
		return "", fmt.Errorf("failed to upload document: %w", err)
	}
	return hash, nil
}
