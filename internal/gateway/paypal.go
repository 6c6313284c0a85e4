package gateway

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"marketpay/internal/config"
	"marketpay/internal/model"

	"go.uber.org/zap"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"
)

const providerPayPal = "paypal"

// PayPal is the redirect-capture adapter over the Orders v2 API. The user
// approves on PayPal, then the order is captured server side.
type PayPal struct {
	cfg    config.PayPalConfig
	client *http.Client
	tokens *TokenCache
}

// NewPayPal builds the adapter. A nil tokens cache gets one backed by the
// client credentials grant against cfg.BaseURL.
func NewPayPal(cfg config.PayPalConfig, client *http.Client, tokens *TokenCache, margin time.Duration) *PayPal {
	if client == nil {
		client = defaultHTTPClient()
	}
	if tokens == nil {
		cc := &clientcredentials.Config{
			ClientID:     cfg.ClientID,
			ClientSecret: cfg.ClientSecret,
			TokenURL:     strings.TrimRight(cfg.BaseURL, "/") + "/v1/oauth2/token",
		}
		tokens = NewTokenCache(ClientCredentialsFetcher(cc, client), margin, nil)
	}
	return &PayPal{cfg: cfg, client: client, tokens: tokens}
}

func (p *PayPal) Method() string {
	return model.PaymentMethodPayPal
}

type paypalAmount struct {
	CurrencyCode string `json:"currency_code"`
	Value        string `json:"value"`
}

type paypalLink struct {
	Href string `json:"href"`
	Rel  string `json:"rel"`
}

type paypalCapture struct {
	ID     string `json:"id"`
	Status string `json:"status"`
}

type paypalOrder struct {
	ID            string       `json:"id"`
	Status        string       `json:"status"`
	Links         []paypalLink `json:"links"`
	PurchaseUnits []struct {
		ReferenceID string `json:"reference_id"`
		Payments    struct {
			Captures []paypalCapture `json:"captures"`
		} `json:"payments"`
	} `json:"purchase_units"`
}

func (o *paypalOrder) captureID() string {
	for _, pu := range o.PurchaseUnits {
		for _, c := range pu.Payments.Captures {
			if c.ID != "" {
				return c.ID
			}
		}
	}
	return ""
}

func (p *PayPal) checkConfig(op string) error {
	if p.cfg.BaseURL == "" || p.cfg.ClientID == "" || p.cfg.ClientSecret == "" {
		return configError(providerPayPal, op, "client id, secret and base url are required")
	}
	return nil
}

// call performs an authenticated request, refreshing the token once if
// PayPal rejects it.
func (p *PayPal) call(ctx context.Context, op, method, path string, headers map[string]string, body, out interface{}) error {
	endpoint := strings.TrimRight(p.cfg.BaseURL, "/") + path
	for attempt := 0; ; attempt++ {
		token, err := p.tokens.Get(ctx)
		if err != nil {
			return tokenError(op, err)
		}
		h := map[string]string{"Authorization": "Bearer " + token}
		for k, v := range headers {
			h[k] = v
		}
		status, err := doJSON(ctx, p.client, providerPayPal, op, method, endpoint, h, body, out)
		if status == http.StatusUnauthorized && attempt == 0 {
			p.tokens.Invalidate()
			continue
		}
		return err
	}
}

// tokenError classifies a failed token fetch. Rejected credentials are a
// configuration problem and retrying will not help.
func tokenError(op string, err error) error {
	var re *oauth2.RetrieveError
	if errors.As(err, &re) {
		rejected := re.ErrorCode == "invalid_client" || re.ErrorCode == "unauthorized_client"
		if re.Response != nil && re.Response.StatusCode == http.StatusUnauthorized {
			rejected = true
		}
		if rejected {
			return &Error{Kind: ErrConfig, Provider: providerPayPal, Op: op, Err: err}
		}
	}
	return transportError(providerPayPal, op, err)
}

func (p *PayPal) CreateCharge(ctx context.Context, req ChargeRequest) (charge *Charge, err error) {
	const op = "create_charge"
	defer func(start time.Time) { observe(providerPayPal, op, start, err) }(time.Now())
	if err := p.checkConfig(op); err != nil {
		return nil, err
	}

	body := map[string]interface{}{
		"intent": "CAPTURE",
		"purchase_units": []map[string]interface{}{{
			"reference_id": req.OutTradeNo,
			"custom_id":    req.OutTradeNo,
			"description":  req.Subject,
			"amount":       paypalAmount{CurrencyCode: req.Currency, Value: req.Amount.StringFixed(2)},
		}},
		"application_context": map[string]string{
			"return_url":  p.cfg.ReturnURL,
			"cancel_url":  p.cfg.CancelURL,
			"user_action": "PAY_NOW",
		},
	}
	var order paypalOrder
	headers := map[string]string{"PayPal-Request-Id": "create-" + req.OutTradeNo}
	if err := p.call(ctx, op, http.MethodPost, "/v2/checkout/orders", headers, body, &order); err != nil {
		return nil, err
	}
	if order.ID == "" {
		return nil, protocolError(providerPayPal, op, "order id missing in response")
	}

	var approve string
	for _, l := range order.Links {
		if l.Rel == "approve" || l.Rel == "payer-action" {
			approve = l.Href
			break
		}
	}
	if approve == "" {
		return nil, protocolError(providerPayPal, op, "approval link missing for order %s", order.ID)
	}
	return &Charge{
		Reference:   order.ID,
		RedirectURL: approve,
		Attributes:  map[string]string{model.AttrPayPalOrderID: order.ID},
	}, nil
}

func (p *PayPal) QueryStatus(ctx context.Context, ref ChargeRef) (status *ChargeStatus, err error) {
	const op = "query_status"
	defer func(start time.Time) { observe(providerPayPal, op, start, err) }(time.Now())
	if err := p.checkConfig(op); err != nil {
		return nil, err
	}
	orderID := ref.Attr(model.AttrPayPalOrderID)
	if orderID == "" {
		return nil, protocolError(providerPayPal, op, "no paypal order id for %s", ref.OutTradeNo)
	}

	var order paypalOrder
	if err := p.call(ctx, op, http.MethodGet, "/v2/checkout/orders/"+orderID, nil, nil, &order); err != nil {
		return nil, err
	}
	return orderStatus(&order), nil
}

// Capture is only valid on an APPROVED order. An order PayPal already
// captured is reported as completed.
func (p *PayPal) Capture(ctx context.Context, ref ChargeRef) (status *ChargeStatus, err error) {
	const op = "capture"
	defer func(start time.Time) { observe(providerPayPal, op, start, err) }(time.Now())
	if err := p.checkConfig(op); err != nil {
		return nil, err
	}
	orderID := ref.Attr(model.AttrPayPalOrderID)
	if orderID == "" {
		return nil, protocolError(providerPayPal, op, "no paypal order id for %s", ref.OutTradeNo)
	}

	var order paypalOrder
	headers := map[string]string{"PayPal-Request-Id": "capture-" + ref.OutTradeNo}
	err = p.call(ctx, op, http.MethodPost, "/v2/checkout/orders/"+orderID+"/capture", headers, map[string]string{}, &order)
	if err != nil {
		var gwErr *Error
		if errors.As(err, &gwErr) && strings.Contains(gwErr.Error(), "ORDER_ALREADY_CAPTURED") {
			zap.L().Info("paypal order already captured", zap.String("order_id", orderID))
			var current paypalOrder
			if qErr := p.call(ctx, op, http.MethodGet, "/v2/checkout/orders/"+orderID, nil, nil, &current); qErr != nil {
				return nil, qErr
			}
			return orderStatus(&current), nil
		}
		return nil, err
	}
	return orderStatus(&order), nil
}

func (p *PayPal) Refund(ctx context.Context, req RefundRequest) (result *RefundResult, err error) {
	const op = "refund"
	defer func(start time.Time) { observe(providerPayPal, op, start, err) }(time.Now())
	if err := p.checkConfig(op); err != nil {
		return nil, err
	}
	captureID := req.Attributes[model.AttrPayPalCaptureID]
	if captureID == "" {
		return nil, protocolError(providerPayPal, op, "no capture id for %s", req.OutTradeNo)
	}

	body := map[string]interface{}{
		"amount":        paypalAmount{CurrencyCode: req.Currency, Value: req.Amount.StringFixed(2)},
		"note_to_payer": req.Reason,
	}
	var refund struct {
		ID     string `json:"id"`
		Status string `json:"status"`
	}
	headers := map[string]string{"PayPal-Request-Id": req.IdempotencyKey}
	if err := p.call(ctx, op, http.MethodPost, "/v2/payments/captures/"+captureID+"/refund", headers, body, &refund); err != nil {
		return nil, err
	}
	switch refund.Status {
	case "COMPLETED", "PENDING":
		return &RefundResult{
			RefundID:   refund.ID,
			Status:     refund.Status,
			Attributes: map[string]string{model.AttrRefundID: refund.ID},
		}, nil
	default:
		return nil, protocolError(providerPayPal, op, "refund %s ended in status %q", refund.ID, refund.Status)
	}
}

func orderStatus(order *paypalOrder) *ChargeStatus {
	status := &ChargeStatus{
		ProviderStatus: order.Status,
		Attributes:     map[string]string{model.AttrPayPalOrderID: order.ID},
	}
	switch order.Status {
	case "APPROVED":
		status.State = StateAuthorized
	case "COMPLETED":
		status.State = StateCompleted
		if id := order.captureID(); id != "" {
			status.Attributes[model.AttrPayPalCaptureID] = id
		}
	case "VOIDED":
		status.State = StateFailed
	default:
		// CREATED, SAVED, PAYER_ACTION_REQUIRED
		status.State = StatePending
	}
	return status
}
