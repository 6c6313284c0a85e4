package gateway

import (
	"context"
	"crypto"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/base64"
	"encoding/json"
	"encoding/pem"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"time"

	"marketpay/internal/config"
	"marketpay/internal/model"
)

const providerAlipay = "alipay"

const (
	alipayCodeSuccess       = "10000"
	alipayTradeNotExist     = "ACQ.TRADE_NOT_EXIST"
	alipayTradeStatusError  = "ACQ.TRADE_STATUS_ERROR"
	alipayTimestampLayout   = "2006-01-02 15:04:05"
	alipayMethodPagePay     = "alipay.trade.page.pay"
	alipayMethodTradeQuery  = "alipay.trade.query"
	alipayMethodTradeClose  = "alipay.trade.close"
	alipayMethodTradeRefund = "alipay.trade.refund"
)

// Alipay reads every timestamp as Beijing time.
var alipayZone = time.FixedZone("CST", 8*60*60)

// Alipay is the signed-form adapter. Every request is a form signed with
// RSA2 (SHA256withRSA) over the sorted parameter string.
type Alipay struct {
	cfg       config.AlipayConfig
	client    *http.Client
	now       func() time.Time
	key       *rsa.PrivateKey
	publicKey *rsa.PublicKey
	keyErr    error
}

func NewAlipay(cfg config.AlipayConfig, client *http.Client) *Alipay {
	if client == nil {
		client = defaultHTTPClient()
	}
	a := &Alipay{cfg: cfg, client: client, now: time.Now}
	if cfg.PrivateKey != "" {
		a.key, a.keyErr = parsePrivateKey(cfg.PrivateKey)
	}
	if a.keyErr == nil && cfg.AlipayPublicKey != "" {
		a.publicKey, a.keyErr = parsePublicKey(cfg.AlipayPublicKey)
	}
	return a
}

func (a *Alipay) Method() string {
	return model.PaymentMethodAlipay
}

func (a *Alipay) checkConfig(op string) error {
	if a.keyErr != nil {
		return configError(providerAlipay, op, "load keys: %w", a.keyErr)
	}
	if a.cfg.AppID == "" || a.cfg.GatewayURL == "" || a.key == nil {
		return configError(providerAlipay, op, "app id, gateway url and private key are required")
	}
	return nil
}

// commonParams builds the public request parameters for method.
func (a *Alipay) commonParams(method string, biz interface{}) (url.Values, error) {
	content, err := json.Marshal(biz)
	if err != nil {
		return nil, err
	}
	v := url.Values{}
	v.Set("app_id", a.cfg.AppID)
	v.Set("method", method)
	v.Set("format", "JSON")
	v.Set("charset", "utf-8")
	v.Set("sign_type", "RSA2")
	v.Set("timestamp", a.now().In(alipayZone).Format(alipayTimestampLayout))
	v.Set("version", "1.0")
	v.Set("biz_content", string(content))
	return v, nil
}

func (a *Alipay) sign(v url.Values) error {
	digest := sha256.Sum256([]byte(canonicalize(v, "sign")))
	sig, err := rsa.SignPKCS1v15(rand.Reader, a.key, crypto.SHA256, digest[:])
	if err != nil {
		return err
	}
	v.Set("sign", base64.StdEncoding.EncodeToString(sig))
	return nil
}

func (a *Alipay) verify(content string, signature string) error {
	if a.publicKey == nil {
		return errors.New("alipay public key not configured")
	}
	sig, err := base64.StdEncoding.DecodeString(signature)
	if err != nil {
		return fmt.Errorf("decode signature: %w", err)
	}
	digest := sha256.Sum256([]byte(content))
	return rsa.VerifyPKCS1v15(a.publicKey, crypto.SHA256, digest[:], sig)
}

// canonicalize joins non-empty params as k=v sorted by key, skipping the
// excluded keys. Values are used raw, not URL-encoded.
func canonicalize(v url.Values, exclude ...string) string {
	skip := make(map[string]bool, len(exclude))
	for _, k := range exclude {
		skip[k] = true
	}
	keys := make([]string, 0, len(v))
	for k := range v {
		if skip[k] || v.Get(k) == "" {
			continue
		}
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	for i, k := range keys {
		if i > 0 {
			b.WriteByte('&')
		}
		b.WriteString(k)
		b.WriteByte('=')
		b.WriteString(v.Get(k))
	}
	return b.String()
}

// CreateCharge returns the page.pay URL the user is redirected to.
func (a *Alipay) CreateCharge(ctx context.Context, req ChargeRequest) (charge *Charge, err error) {
	const op = "create_charge"
	defer func(start time.Time) { observe(providerAlipay, op, start, err) }(time.Now())
	if err := a.checkConfig(op); err != nil {
		return nil, err
	}

	biz := map[string]string{
		"out_trade_no": req.OutTradeNo,
		"product_code": "FAST_INSTANT_TRADE_PAY",
		"total_amount": req.Amount.StringFixed(2),
		"subject":      req.Subject,
	}
	if !req.ExpiresAt.IsZero() {
		biz["time_expire"] = req.ExpiresAt.In(alipayZone).Format(alipayTimestampLayout)
	}
	params, err := a.commonParams(alipayMethodPagePay, biz)
	if err != nil {
		return nil, protocolError(providerAlipay, op, "encode biz content: %w", err)
	}
	if a.cfg.NotifyURL != "" {
		params.Set("notify_url", a.cfg.NotifyURL)
	}
	if a.cfg.ReturnURL != "" {
		params.Set("return_url", a.cfg.ReturnURL)
	}
	if err := a.sign(params); err != nil {
		return nil, configError(providerAlipay, op, "sign: %w", err)
	}
	return &Charge{
		Reference:   req.OutTradeNo,
		RedirectURL: a.cfg.GatewayURL + "?" + params.Encode(),
	}, nil
}

type alipayResponseBody struct {
	Code        string `json:"code"`
	Msg         string `json:"msg"`
	SubCode     string `json:"sub_code"`
	SubMsg      string `json:"sub_msg"`
	TradeNo     string `json:"trade_no"`
	OutTradeNo  string `json:"out_trade_no"`
	TradeStatus string `json:"trade_status"`
	FundChange  string `json:"fund_change"`
}

// invoke posts a signed form and returns the decoded response node named
// after method. When a public key is configured the node signature is
// checked against its raw bytes.
func (a *Alipay) invoke(ctx context.Context, op, method string, biz interface{}) (*alipayResponseBody, error) {
	params, err := a.commonParams(method, biz)
	if err != nil {
		return nil, protocolError(providerAlipay, op, "encode biz content: %w", err)
	}
	if err := a.sign(params); err != nil {
		return nil, configError(providerAlipay, op, "sign: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.cfg.GatewayURL, strings.NewReader(params.Encode()))
	if err != nil {
		return nil, configError(providerAlipay, op, "build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded;charset=utf-8")

	resp, err := a.client.Do(req)
	if err != nil {
		return nil, transportError(providerAlipay, op, err)
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, transportError(providerAlipay, op, err)
	}
	if resp.StatusCode >= 500 {
		return nil, transportError(providerAlipay, op, fmt.Errorf("http %d", resp.StatusCode))
	}

	var envelope map[string]json.RawMessage
	if err := json.Unmarshal(raw, &envelope); err != nil {
		return nil, protocolError(providerAlipay, op, "decode response: %w", err)
	}
	node, ok := envelope[strings.ReplaceAll(method, ".", "_")+"_response"]
	if !ok {
		return nil, protocolError(providerAlipay, op, "response node missing: %s", truncate(raw))
	}
	if a.publicKey != nil {
		var sig string
		if s, ok := envelope["sign"]; ok {
			_ = json.Unmarshal(s, &sig)
		}
		if sig == "" {
			return nil, protocolError(providerAlipay, op, "response unsigned")
		}
		if err := a.verify(string(node), sig); err != nil {
			return nil, protocolError(providerAlipay, op, "response signature: %w", err)
		}
	}

	var body alipayResponseBody
	if err := json.Unmarshal(node, &body); err != nil {
		return nil, protocolError(providerAlipay, op, "decode response node: %w", err)
	}
	return &body, nil
}

func (a *Alipay) QueryStatus(ctx context.Context, ref ChargeRef) (status *ChargeStatus, err error) {
	const op = "query_status"
	defer func(start time.Time) { observe(providerAlipay, op, start, err) }(time.Now())
	if err := a.checkConfig(op); err != nil {
		return nil, err
	}

	body, err := a.invoke(ctx, op, alipayMethodTradeQuery, map[string]string{"out_trade_no": ref.OutTradeNo})
	if err != nil {
		return nil, err
	}
	if body.Code != alipayCodeSuccess {
		// The trade only exists at Alipay once the user opened the cashier.
		if body.SubCode == alipayTradeNotExist {
			return &ChargeStatus{State: StatePending, ProviderStatus: body.SubCode}, nil
		}
		return nil, protocolError(providerAlipay, op, "code %s %s: %s", body.Code, body.SubCode, body.SubMsg)
	}

	status = &ChargeStatus{
		ProviderStatus: body.TradeStatus,
		Attributes:     map[string]string{model.AttrAlipayTradeNo: body.TradeNo},
	}
	switch body.TradeStatus {
	case "TRADE_SUCCESS", "TRADE_FINISHED":
		status.State = StateCompleted
	case "TRADE_CLOSED":
		status.State = StateFailed
	default:
		status.State = StatePending
	}
	return status, nil
}

// Capture is a status read; Alipay settles when the user pays.
func (a *Alipay) Capture(ctx context.Context, ref ChargeRef) (*ChargeStatus, error) {
	return a.QueryStatus(ctx, ref)
}

// FinalizeTimeout closes the trade so Alipay stops accepting payment, then
// reads it back. A trade paid before the close is reported completed; one
// the user never opened is reported failed.
func (a *Alipay) FinalizeTimeout(ctx context.Context, ref ChargeRef) (status *ChargeStatus, err error) {
	const op = "finalize_timeout"
	defer func(start time.Time) { observe(providerAlipay, op, start, err) }(time.Now())
	if err := a.checkConfig(op); err != nil {
		return nil, err
	}

	body, err := a.invoke(ctx, op, alipayMethodTradeClose, map[string]string{"out_trade_no": ref.OutTradeNo})
	if err != nil {
		return nil, err
	}
	// TRADE_STATUS_ERROR: already paid or already closed; the query says which.
	if body.Code != alipayCodeSuccess && body.SubCode != alipayTradeNotExist && body.SubCode != alipayTradeStatusError {
		return nil, protocolError(providerAlipay, op, "code %s %s: %s", body.Code, body.SubCode, body.SubMsg)
	}

	status, err = a.QueryStatus(ctx, ref)
	if err != nil {
		return nil, err
	}
	if status.State == StatePending {
		status.State = StateFailed
		status.ProviderStatus = "closed"
	}
	return status, nil
}

func (a *Alipay) Refund(ctx context.Context, req RefundRequest) (result *RefundResult, err error) {
	const op = "refund"
	defer func(start time.Time) { observe(providerAlipay, op, start, err) }(time.Now())
	if err := a.checkConfig(op); err != nil {
		return nil, err
	}

	body, err := a.invoke(ctx, op, alipayMethodTradeRefund, map[string]string{
		"out_trade_no":   req.OutTradeNo,
		"refund_amount":  req.Amount.StringFixed(2),
		"out_request_no": req.IdempotencyKey,
		"refund_reason":  req.Reason,
	})
	if err != nil {
		return nil, err
	}
	if body.Code != alipayCodeSuccess {
		return nil, protocolError(providerAlipay, op, "code %s %s: %s", body.Code, body.SubCode, body.SubMsg)
	}
	return &RefundResult{
		RefundID: req.IdempotencyKey,
		Status:   body.FundChange,
		Attributes: map[string]string{
			model.AttrAlipayTradeNo:  body.TradeNo,
			model.AttrOutRequestNo:   req.IdempotencyKey,
			model.AttrRefundID:       req.IdempotencyKey,
			model.AttrProviderStatus: "fund_change=" + body.FundChange,
		},
	}, nil
}

// VerifyNotify checks an asynchronous notification. The signed content
// excludes both sign and sign_type.
func (a *Alipay) VerifyNotify(form url.Values) (string, error) {
	const op = "verify_notify"
	sig := form.Get("sign")
	if sig == "" {
		return "", protocolError(providerAlipay, op, "notification unsigned")
	}
	if err := a.verify(canonicalize(form, "sign", "sign_type"), sig); err != nil {
		return "", protocolError(providerAlipay, op, "signature: %w", err)
	}
	if appID := form.Get("app_id"); appID != "" && appID != a.cfg.AppID {
		return "", protocolError(providerAlipay, op, "app id %s does not match", appID)
	}
	outTradeNo := form.Get("out_trade_no")
	if outTradeNo == "" {
		return "", protocolError(providerAlipay, op, "out_trade_no missing")
	}
	return outTradeNo, nil
}

// Keys may be given as PEM or as the bare base64 body Alipay's console
// exports.
func pemBlock(key, kind string) (*pem.Block, error) {
	key = strings.TrimSpace(key)
	if !strings.HasPrefix(key, "-----BEGIN") {
		key = "-----BEGIN " + kind + "-----\n" + key + "\n-----END " + kind + "-----"
	}
	block, _ := pem.Decode([]byte(key))
	if block == nil {
		return nil, errors.New("invalid PEM key")
	}
	return block, nil
}

func parsePrivateKey(key string) (*rsa.PrivateKey, error) {
	block, err := pemBlock(key, "PRIVATE KEY")
	if err != nil {
		return nil, err
	}
	if k, err := x509.ParsePKCS1PrivateKey(block.Bytes); err == nil {
		return k, nil
	}
	parsed, err := x509.ParsePKCS8PrivateKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("parse private key: %w", err)
	}
	k, ok := parsed.(*rsa.PrivateKey)
	if !ok {
		return nil, errors.New("private key is not RSA")
	}
	return k, nil
}

func parsePublicKey(key string) (*rsa.PublicKey, error) {
	block, err := pemBlock(key, "PUBLIC KEY")
	if err != nil {
		return nil, err
	}
	if parsed, err := x509.ParsePKIXPublicKey(block.Bytes); err == nil {
		if k, ok := parsed.(*rsa.PublicKey); ok {
			return k, nil
		}
		return nil, errors.New("public key is not RSA")
	}
	k, err := x509.ParsePKCS1PublicKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("parse public key: %w", err)
	}
	return k, nil
}
