package rpc

import (
	"context"

	"connectrpc.com/connect"
	"google.golang.org/protobuf/types/known/structpb"
)

// Client calls a remote LedgerEventService.
type Client struct {
	invoiceCreated *connect.Client[structpb.Struct, structpb.Struct]
	statusChanged  *connect.Client[structpb.Struct, structpb.Struct]
	token          string
}

// NewClient creates a client for the service at baseURL. token, if set, is
// sent as a bearer credential.
func NewClient(httpClient connect.HTTPClient, baseURL, token string, opts ...connect.ClientOption) *Client {
	return &Client{
		invoiceCreated: connect.NewClient[structpb.Struct, structpb.Struct](httpClient, baseURL+InvoiceCreatedProcedure, opts...),
		statusChanged:  connect.NewClient[structpb.Struct, structpb.Struct](httpClient, baseURL+StatusChangedProcedure, opts...),
		token:          token,
	}
}

// Ack is the service's answer to an event.
type Ack struct {
	Applied bool
	Status  string
}

func (c *Client) InvoiceCreated(ctx context.Context, invoiceID string, numericID int64, txHash string, blockNumber int64) (Ack, error) {
	return c.call(ctx, c.invoiceCreated, map[string]any{
		"invoiceId":   invoiceID,
		"numericId":   numericID,
		"txHash":      txHash,
		"blockNumber": blockNumber,
	})
}

func (c *Client) StatusChanged(ctx context.Context, numericID int64, ledgerStatus int, txHash string) (Ack, error) {
	return c.call(ctx, c.statusChanged, map[string]any{
		"numericId": numericID,
		"status":    ledgerStatus,
		"txHash":    txHash,
	})
}

func (c *Client) call(ctx context.Context, cl *connect.Client[structpb.Struct, structpb.Struct], fields map[string]any) (Ack, error) {
	msg, err := structpb.NewStruct(fields)
	if err != nil {
		return Ack{}, err
	}
	req := connect.NewRequest(msg)
	if c.token != "" {
		req.Header().Set("Authorization", "Bearer "+c.token)
	}
	resp, err := cl.CallUnary(ctx, req)
	if err != nil {
		return Ack{}, err
	}
	f := resp.Msg.GetFields()
	return Ack{
		Applied: f["applied"].GetBoolValue(),
		Status:  f["status"].GetStringValue(),
	}, nil
}
