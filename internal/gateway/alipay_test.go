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
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"marketpay/internal/config"
	"marketpay/internal/model"

	"github.com/shopspring/decimal"
)

func generateKey(t *testing.T) *rsa.PrivateKey {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("generate rsa key: %v", err)
	}
	return key
}

func privatePEM(t *testing.T, key *rsa.PrivateKey) string {
	t.Helper()
	der, err := x509.MarshalPKCS8PrivateKey(key)
	if err != nil {
		t.Fatalf("marshal private key: %v", err)
	}
	return string(pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: der}))
}

// publicBase64 returns the bare base64 body, the form Alipay's console exports.
func publicBase64(t *testing.T, key *rsa.PublicKey) string {
	t.Helper()
	der, err := x509.MarshalPKIXPublicKey(key)
	if err != nil {
		t.Fatalf("marshal public key: %v", err)
	}
	return base64.StdEncoding.EncodeToString(der)
}

func rsaSign(t *testing.T, key *rsa.PrivateKey, content string) string {
	t.Helper()
	digest := sha256.Sum256([]byte(content))
	sig, err := rsa.SignPKCS1v15(rand.Reader, key, crypto.SHA256, digest[:])
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	return base64.StdEncoding.EncodeToString(sig)
}

func rsaVerify(key *rsa.PublicKey, content, signature string) error {
	sig, err := base64.StdEncoding.DecodeString(signature)
	if err != nil {
		return err
	}
	digest := sha256.Sum256([]byte(content))
	return rsa.VerifyPKCS1v15(key, crypto.SHA256, digest[:], sig)
}

type alipayFixture struct {
	merchant *rsa.PrivateKey
	platform *rsa.PrivateKey
	adapter  *Alipay
	lastForm url.Values
	respond  func(method string, biz map[string]string) string
}

func newAlipayFixture(t *testing.T) *alipayFixture {
	t.Helper()
	f := &alipayFixture{merchant: generateKey(t), platform: generateKey(t)}

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := r.ParseForm(); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		f.lastForm = r.PostForm
		if err := rsaVerify(&f.merchant.PublicKey, canonicalize(r.PostForm, "sign"), r.PostForm.Get("sign")); err != nil {
			t.Errorf("request signature invalid: %v", err)
		}
		method := r.PostForm.Get("method")
		var biz map[string]string
		json.Unmarshal([]byte(r.PostForm.Get("biz_content")), &biz)

		node := f.respond(method, biz)
		nodeName := strings.ReplaceAll(method, ".", "_") + "_response"
		fmt.Fprintf(w, `{"%s":%s,"sign":"%s"}`, nodeName, node, rsaSign(t, f.platform, node))
	}))
	t.Cleanup(srv.Close)

	f.adapter = NewAlipay(config.AlipayConfig{
		AppID:           "2021000000000000",
		PrivateKey:      privatePEM(t, f.merchant),
		AlipayPublicKey: publicBase64(t, &f.platform.PublicKey),
		GatewayURL:      srv.URL,
		NotifyURL:       "https://shop.example/notify",
	}, srv.Client())
	f.adapter.now = func() time.Time { return time.Date(2024, 1, 15, 14, 30, 52, 0, alipayZone) }
	return f
}

func TestAlipay_CreateChargeIsSigned(t *testing.T) {
	f := newAlipayFixture(t)

	charge, err := f.adapter.CreateCharge(context.Background(), ChargeRequest{
		OutTradeNo: "RCH-1", Amount: decimal.RequireFromString("88.5"), Subject: "Wallet recharge",
		ExpiresAt: time.Date(2024, 1, 15, 7, 0, 52, 0, time.UTC),
	})
	if err != nil {
		t.Fatalf("create charge: %v", err)
	}
	u, err := url.Parse(charge.RedirectURL)
	if err != nil {
		t.Fatalf("parse redirect: %v", err)
	}
	q := u.Query()
	if q.Get("method") != "alipay.trade.page.pay" || q.Get("sign_type") != "RSA2" || q.Get("timestamp") != "2024-01-15 14:30:52" {
		t.Fatalf("unexpected params: %v", q)
	}
	if !strings.Contains(q.Get("biz_content"), `"total_amount":"88.50"`) {
		t.Errorf("biz_content = %s", q.Get("biz_content"))
	}
	// The payment window is sent in Beijing time.
	if !strings.Contains(q.Get("biz_content"), `"time_expire":"2024-01-15 15:00:52"`) {
		t.Errorf("biz_content missing time_expire: %s", q.Get("biz_content"))
	}
	if err := rsaVerify(&f.merchant.PublicKey, canonicalize(q, "sign"), q.Get("sign")); err != nil {
		t.Fatalf("redirect signature does not verify: %v", err)
	}
	if charge.Reference != "RCH-1" {
		t.Errorf("reference = %s", charge.Reference)
	}
}

func TestAlipay_QueryStatusMapping(t *testing.T) {
	f := newAlipayFixture(t)
	cases := []struct {
		node  string
		state string
	}{
		{`{"code":"40004","msg":"Business Failed","sub_code":"ACQ.TRADE_NOT_EXIST"}`, StatePending},
		{`{"code":"10000","msg":"Success","trade_no":"2024011522001","trade_status":"WAIT_BUYER_PAY"}`, StatePending},
		{`{"code":"10000","msg":"Success","trade_no":"2024011522001","trade_status":"TRADE_SUCCESS"}`, StateCompleted},
		{`{"code":"10000","msg":"Success","trade_no":"2024011522001","trade_status":"TRADE_FINISHED"}`, StateCompleted},
		{`{"code":"10000","msg":"Success","trade_no":"2024011522001","trade_status":"TRADE_CLOSED"}`, StateFailed},
	}
	for _, tc := range cases {
		f.respond = func(string, map[string]string) string { return tc.node }
		st, err := f.adapter.QueryStatus(context.Background(), ChargeRef{OutTradeNo: "RCH-1"})
		if err != nil {
			t.Fatalf("query %s: %v", tc.node, err)
		}
		if st.State != tc.state {
			t.Errorf("%s maps to %s, want %s", tc.node, st.State, tc.state)
		}
	}
	if f.lastForm.Get("method") != "alipay.trade.query" {
		t.Errorf("method = %s", f.lastForm.Get("method"))
	}
}

func TestAlipay_RejectsTamperedResponse(t *testing.T) {
	f := newAlipayFixture(t)
	f.respond = func(string, map[string]string) string {
		return `{"code":"10000","trade_status":"TRADE_SUCCESS"}`
	}
	// Re-sign with the wrong key.
	f.platform = generateKey(t)

	_, err := f.adapter.QueryStatus(context.Background(), ChargeRef{OutTradeNo: "RCH-1"})
	if !errors.Is(err, ErrProtocol) {
		t.Fatalf("err = %v, want ErrProtocol", err)
	}
}

func TestAlipay_Refund(t *testing.T) {
	f := newAlipayFixture(t)
	var gotBiz map[string]string
	f.respond = func(method string, biz map[string]string) string {
		gotBiz = biz
		return `{"code":"10000","msg":"Success","trade_no":"2024011522001","out_trade_no":"RCH-1","fund_change":"Y"}`
	}

	res, err := f.adapter.Refund(context.Background(), RefundRequest{
		OutTradeNo: "RCH-1", Amount: decimal.NewFromInt(20), IdempotencyKey: "req-1", Reason: "wallet refund",
	})
	if err != nil {
		t.Fatalf("refund: %v", err)
	}
	if gotBiz["out_request_no"] != "req-1" || gotBiz["refund_amount"] != "20.00" {
		t.Errorf("biz = %v", gotBiz)
	}
	if res.Attributes[model.AttrAlipayTradeNo] != "2024011522001" || res.Attributes[model.AttrOutRequestNo] != "req-1" {
		t.Errorf("attributes = %v", res.Attributes)
	}

	f.respond = func(string, map[string]string) string {
		return `{"code":"40004","msg":"Business Failed","sub_code":"ACQ.TRADE_STATUS_ERROR","sub_msg":"trade closed"}`
	}
	if _, err := f.adapter.Refund(context.Background(), RefundRequest{OutTradeNo: "RCH-1", Amount: decimal.NewFromInt(1), IdempotencyKey: "req-2"}); !errors.Is(err, ErrProtocol) {
		t.Errorf("refused refund: err = %v, want ErrProtocol", err)
	}
}

func TestAlipay_VerifyNotify(t *testing.T) {
	f := newAlipayFixture(t)

	form := url.Values{
		"app_id":       {"2021000000000000"},
		"out_trade_no": {"RCH-1"},
		"trade_no":     {"2024011522001"},
		"trade_status": {"TRADE_SUCCESS"},
		"total_amount": {"88.50"},
		"sign_type":    {"RSA2"},
	}
	form.Set("sign", rsaSign(t, f.platform, canonicalize(form, "sign", "sign_type")))

	otn, err := f.adapter.VerifyNotify(form)
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if otn != "RCH-1" {
		t.Errorf("out_trade_no = %s", otn)
	}

	form.Set("total_amount", "0.01")
	if _, err := f.adapter.VerifyNotify(form); !errors.Is(err, ErrProtocol) {
		t.Errorf("tampered notify: err = %v, want ErrProtocol", err)
	}
}

func TestAlipay_BadKeyIsConfigError(t *testing.T) {
	a := NewAlipay(config.AlipayConfig{AppID: "x", GatewayURL: "http://localhost", PrivateKey: "not a key"}, nil)
	_, err := a.CreateCharge(context.Background(), ChargeRequest{OutTradeNo: "RCH-1", Amount: decimal.NewFromInt(1)})
	if !errors.Is(err, ErrConfig) {
		t.Fatalf("err = %v, want ErrConfig", err)
	}
}

func TestCanonicalize(t *testing.T) {
	v := url.Values{"b": {"2"}, "a": {"1"}, "sign": {"zzz"}, "empty": {""}, "c": {"x y&z"}}
	if got := canonicalize(v, "sign"); got != "a=1&b=2&c=x y&z" {
		t.Errorf("canonicalize = %q", got)
	}
}

func TestAlipay_FinalizeTimeoutClosesTrade(t *testing.T) {
	cases := []struct {
		name      string
		closeNode string
		queryNode string
		state     string
	}{
		{
			name:      "unpaid trade is closed",
			closeNode: `{"code":"10000","msg":"Success","out_trade_no":"RCH-1"}`,
			queryNode: `{"code":"10000","msg":"Success","trade_no":"2024011522001","trade_status":"TRADE_CLOSED"}`,
			state:     StateFailed,
		},
		{
			name:      "cashier never opened",
			closeNode: `{"code":"40004","msg":"Business Failed","sub_code":"ACQ.TRADE_NOT_EXIST"}`,
			queryNode: `{"code":"40004","msg":"Business Failed","sub_code":"ACQ.TRADE_NOT_EXIST"}`,
			state:     StateFailed,
		},
		{
			name:      "paid before the close",
			closeNode: `{"code":"40004","msg":"Business Failed","sub_code":"ACQ.TRADE_STATUS_ERROR"}`,
			queryNode: `{"code":"10000","msg":"Success","trade_no":"2024011522001","trade_status":"TRADE_SUCCESS"}`,
			state:     StateCompleted,
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			f := newAlipayFixture(t)
			var methods []string
			f.respond = func(method string, biz map[string]string) string {
				methods = append(methods, method)
				if biz["out_trade_no"] != "RCH-1" {
					t.Errorf("%s out_trade_no = %q", method, biz["out_trade_no"])
				}
				if method == alipayMethodTradeClose {
					return tc.closeNode
				}
				return tc.queryNode
			}

			st, err := f.adapter.FinalizeTimeout(context.Background(), ChargeRef{OutTradeNo: "RCH-1"})
			if err != nil {
				t.Fatalf("finalize: %v", err)
			}
			if st.State != tc.state {
				t.Errorf("state = %s, want %s", st.State, tc.state)
			}
			if len(methods) != 2 || methods[0] != alipayMethodTradeClose || methods[1] != alipayMethodTradeQuery {
				t.Errorf("calls = %v, want close then query", methods)
			}
		})
	}

	f := newAlipayFixture(t)
	f.respond = func(string, map[string]string) string {
		return `{"code":"20000","msg":"Service Currently Unavailable","sub_code":"isp.unknow-error"}`
	}
	if _, err := f.adapter.FinalizeTimeout(context.Background(), ChargeRef{OutTradeNo: "RCH-1"}); !errors.Is(err, ErrProtocol) {
		t.Fatalf("failed close: err = %v, want ErrProtocol", err)
	}
}
