// Package gateway adapts external payment providers to one capability set:
// create a charge, query its status, capture it and refund it.
package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"marketpay/internal/metrics"

	"github.com/shopspring/decimal"
)

// Normalized provider states.
const (
	StatePending    = "pending"
	StateAuthorized = "authorized"
	StateCompleted  = "completed"
	StateFailed     = "failed"
)

type ChargeRequest struct {
	OutTradeNo string
	Amount     decimal.Decimal
	Currency   string
	Subject    string
	// ExpiresAt is when the local payment window closes. Zero means the
	// provider default.
	ExpiresAt time.Time
}

// Charge is the provider's answer to CreateCharge. Exactly one of
// RedirectURL and QRCode is set.
type Charge struct {
	Reference   string
	RedirectURL string
	QRCode      string
	Attributes  map[string]string
}

// ChargeRef identifies a charge at the provider. Attributes carries whatever
// identifiers were stored on the transaction when the charge was created.
type ChargeRef struct {
	OutTradeNo string
	Amount     decimal.Decimal
	Attributes map[string]string
}

func (r ChargeRef) Attr(key string) string {
	if r.Attributes == nil {
		return ""
	}
	return r.Attributes[key]
}

type ChargeStatus struct {
	State          string
	ProviderStatus string
	Attributes     map[string]string
}

type RefundRequest struct {
	OutTradeNo     string
	Amount         decimal.Decimal
	Currency       string
	IdempotencyKey string
	Reason         string
	Attributes     map[string]string
}

type RefundResult struct {
	RefundID   string
	Status     string
	Attributes map[string]string
}

// Gateway is implemented by each provider adapter.
type Gateway interface {
	Method() string
	CreateCharge(ctx context.Context, req ChargeRequest) (*Charge, error)
	QueryStatus(ctx context.Context, ref ChargeRef) (*ChargeStatus, error)
	// Capture turns an authorized charge into a completed one. Adapters
	// whose provider settles on authorization report the current status.
	Capture(ctx context.Context, ref ChargeRef) (*ChargeStatus, error)
	Refund(ctx context.Context, req RefundRequest) (*RefundResult, error)
}

// TimeoutFinalizer is implemented by providers that must be told a charge
// window closed so the provider side stops accepting payment.
type TimeoutFinalizer interface {
	FinalizeTimeout(ctx context.Context, ref ChargeRef) (*ChargeStatus, error)
}

// NotifyVerifier is implemented by providers that push asynchronous
// notifications. It returns the out_trade_no the notification is about.
type NotifyVerifier interface {
	VerifyNotify(form url.Values) (string, error)
}

type Registry struct {
	gateways map[string]Gateway
}

func NewRegistry(gateways ...Gateway) *Registry {
	r := &Registry{gateways: make(map[string]Gateway, len(gateways))}
	for _, g := range gateways {
		r.gateways[g.Method()] = g
	}
	return r
}

func (r *Registry) Get(method string) (Gateway, bool) {
	g, ok := r.gateways[method]
	return g, ok
}

func (r *Registry) Methods() []string {
	methods := make([]string, 0, len(r.gateways))
	for m := range r.gateways {
		methods = append(methods, m)
	}
	return methods
}

func defaultHTTPClient() *http.Client {
	return &http.Client{Timeout: 15 * time.Second}
}

// observe records one provider call.
func observe(provider, op string, start time.Time, err error) {
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	metrics.GatewayRequests.WithLabelValues(provider, op, outcome).Inc()
	metrics.GatewayDuration.WithLabelValues(provider, op).Observe(time.Since(start).Seconds())
}

// doJSON sends body as JSON and decodes the response into out. 5xx and
// network failures are transport errors; other non-2xx statuses are
// returned as protocol errors carrying the body.
func doJSON(ctx context.Context, client *http.Client, provider, op, method, endpoint string, headers map[string]string, body, out interface{}) (int, error) {
	var reader io.Reader
	if body != nil {
		buf, err := json.Marshal(body)
		if err != nil {
			return 0, protocolError(provider, op, "encode request: %w", err)
		}
		reader = bytes.NewReader(buf)
	}

	req, err := http.NewRequestWithContext(ctx, method, endpoint, reader)
	if err != nil {
		return 0, configError(provider, op, "build request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := client.Do(req)
	if err != nil {
		return 0, transportError(provider, op, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return resp.StatusCode, transportError(provider, op, err)
	}
	if resp.StatusCode >= 500 {
		return resp.StatusCode, transportError(provider, op, fmt.Errorf("http %d: %s", resp.StatusCode, truncate(raw)))
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return resp.StatusCode, protocolError(provider, op, "http %d: %s", resp.StatusCode, truncate(raw))
	}
	if out != nil && len(raw) > 0 {
		if err := json.Unmarshal(raw, out); err != nil {
			return resp.StatusCode, protocolError(provider, op, "decode response: %w", err)
		}
	}
	return resp.StatusCode, nil
}

func truncate(b []byte) string {
	const max = 256
	if len(b) > max {
		return string(b[:max]) + "..."
	}
	return string(b)
}
