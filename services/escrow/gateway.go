package escrow

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"trustwork/pkg/config"
	"trustwork/pkg/errutil"
)

//go:generate mockgen -source=gateway.go -destination=mocks/gateway_mock.go -package=mocks

// Gateway is the payment provider. Every call is idempotent on the escrow reference.
type Gateway interface {
	Authorize(ctx context.Context, req AuthorizeRequest) (*AuthorizeResult, error)
	Refund(ctx context.Context, req RefundCall) (*RefundResult, error)
	Payout(ctx context.Context, req PayoutCall) (*PayoutResult, error)
	Lookup(ctx context.Context, reference string) (*PaymentState, error)
}

type AuthorizeRequest struct {
	Reference   string `json:"reference"`
	Amount      int64  `json:"amount"`
	Currency    string `json:"currency"`
	PayerID     string `json:"payer_id"`
	Description string `json:"description,omitempty"`
}

type AuthorizeResult struct {
	PaymentID     string `json:"payment_id"`
	CorrelationID string `json:"correlation_id"`
	CheckoutURL   string `json:"checkout_url"`
	Status        string `json:"status"`
}

type RefundCall struct {
	Reference string `json:"reference"`
	PaymentID string `json:"payment_id"`
	Amount    int64  `json:"amount"`
	Currency  string `json:"currency"`
	Reason    string `json:"reason,omitempty"`
}

type RefundResult struct {
	RefundID string `json:"refund_id"`
	Status   string `json:"status"`
}

type PayoutCall struct {
	Reference   string `json:"reference"`
	RecipientID string `json:"recipient_id"`
	Amount      int64  `json:"amount"`
	Currency    string `json:"currency"`
}

type PayoutResult struct {
	PayoutID string `json:"payout_id"`
	Status   string `json:"status"`
}

// PaymentState is the gateway's view of a payment, used by the reconciler.
type PaymentState struct {
	Reference      string `json:"reference"`
	Status         string `json:"status"`
	CapturedAmount int64  `json:"captured_amount"`
	RefundedAmount int64  `json:"refunded_amount"`
	PaidOutAmount  int64  `json:"paid_out_amount"`
}

// Gateway payment states as reported by Lookup.
const (
	GatewayAuthorized = "authorized"
	GatewayPending    = "pending"
	GatewayRefunded   = "refunded"
	GatewayFailed     = "failed"
)

type httpGateway struct {
	endpoint string
	apiKey   string
	client   *http.Client
}

// NewHTTPGateway builds the JSON-over-HTTP provider client.
func NewHTTPGateway(cfg *config.Config) Gateway {
	timeout := cfg.Gateway.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &httpGateway{
		endpoint: strings.TrimRight(cfg.Gateway.Endpoint, "/"),
		apiKey:   cfg.Gateway.APIKey,
		client:   &http.Client{Timeout: timeout},
	}
}

func (g *httpGateway) Authorize(ctx context.Context, req AuthorizeRequest) (*AuthorizeResult, error) {
	var out AuthorizeResult
	if err := g.do(ctx, http.MethodPost, "/v1/payments", req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (g *httpGateway) Refund(ctx context.Context, req RefundCall) (*RefundResult, error) {
	var out RefundResult
	if err := g.do(ctx, http.MethodPost, "/v1/payments/"+req.Reference+"/refunds", req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (g *httpGateway) Payout(ctx context.Context, req PayoutCall) (*PayoutResult, error) {
	var out PayoutResult
	if err := g.do(ctx, http.MethodPost, "/v1/payouts", req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (g *httpGateway) Lookup(ctx context.Context, reference string) (*PaymentState, error) {
	var out PaymentState
	if err := g.do(ctx, http.MethodGet, "/v1/payments/"+reference, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (g *httpGateway) do(ctx context.Context, method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		b, err := json.Marshal(in)
		if err != nil {
			return errutil.Internal("failed to encode gateway request", err)
		}
		body = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, g.endpoint+path, body)
	if err != nil {
		return errutil.Internal("failed to build gateway request", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Api-Key", g.apiKey)
	if r, ok := in.(interface{ idempotencyKey() string }); ok {
		req.Header.Set("Idempotency-Key", r.idempotencyKey())
	}

	resp, err := g.client.Do(req)
	if err != nil {
		return classifyTransport(err)
	}
	defer resp.Body.Close()

	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	switch {
	case resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests:
		return errutil.GatewayRetryable(fmt.Sprintf("gateway returned %d", resp.StatusCode), errors.New(string(raw)))
	case resp.StatusCode >= 400:
		return errutil.GatewayPermanent(fmt.Sprintf("gateway returned %d", resp.StatusCode), errors.New(string(raw)))
	}

	if out == nil || len(raw) == 0 {
		return nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return errutil.GatewayRetryable("malformed gateway response", err)
	}
	return nil
}

func classifyTransport(err error) error {
	var ne net.Error
	if errors.Is(err, context.DeadlineExceeded) || (errors.As(err, &ne) && ne.Timeout()) {
		return errutil.GatewayRetryable("gateway timed out", err)
	}
	return errutil.GatewayRetryable("gateway unreachable", err)
}

func (r AuthorizeRequest) idempotencyKey() string { return "authorize:" + r.Reference }
func (r RefundCall) idempotencyKey() string       { return "refund:" + r.Reference }
func (r PayoutCall) idempotencyKey() string       { return "payout:" + r.Reference }
