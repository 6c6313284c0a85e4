package gateway

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"marketpay/internal/config"
	"marketpay/internal/infrastructure/cache"
	"marketpay/internal/model"

	"go.uber.org/zap"
)

const providerNets = "nets"

const (
	netsResponseOK   = "00"
	netsTxnPaid      = 1
	netsTxnFailed    = 2
	netsPathRequest  = "/api/v1/common/payments/nets-qr/request"
	netsPathQuery    = "/api/v1/common/payments/nets-qr/query"
	netsPathRefund   = "/api/v1/common/payments/nets-qr/refund"
	netsHeaderAPIKey = "api-key"
	netsHeaderProj   = "project-id"
)

// Nets is the QR-session adapter. A QR code is issued per charge and the
// charge is polled until the user pays or the window closes.
type Nets struct {
	cfg      config.NetsConfig
	client   *http.Client
	sessions *cache.SessionStore
	now      func() time.Time
}

func NewNets(cfg config.NetsConfig, client *http.Client, sessions *cache.SessionStore) *Nets {
	if client == nil {
		client = defaultHTTPClient()
	}
	return &Nets{cfg: cfg, client: client, sessions: sessions, now: time.Now}
}

func (n *Nets) Method() string {
	return model.PaymentMethodNets
}

type netsEnvelope struct {
	Result struct {
		Data netsData `json:"data"`
	} `json:"result"`
}

type netsData struct {
	ResponseCode    string `json:"response_code"`
	TxnStatus       int    `json:"txn_status"`
	TxnRetrievalRef string `json:"txn_retrieval_ref"`
	QRCode          string `json:"qr_code"`
	ErrorMessage    string `json:"error_message"`
}

func (n *Nets) checkConfig(op string) error {
	if n.cfg.BaseURL == "" || n.cfg.APIKey == "" || n.cfg.ProjectID == "" {
		return configError(providerNets, op, "base url, api key and project id are required")
	}
	return nil
}

func (n *Nets) post(ctx context.Context, op, path string, body interface{}) (*netsData, error) {
	var env netsEnvelope
	headers := map[string]string{
		netsHeaderAPIKey: n.cfg.APIKey,
		netsHeaderProj:   n.cfg.ProjectID,
	}
	endpoint := strings.TrimRight(n.cfg.BaseURL, "/") + path
	if _, err := doJSON(ctx, n.client, providerNets, op, http.MethodPost, endpoint, headers, body, &env); err != nil {
		return nil, err
	}
	data := env.Result.Data
	if data.ResponseCode != netsResponseOK {
		return nil, protocolError(providerNets, op, "response_code %q: %s", data.ResponseCode, data.ErrorMessage)
	}
	return &data, nil
}

func (n *Nets) CreateCharge(ctx context.Context, req ChargeRequest) (charge *Charge, err error) {
	const op = "create_charge"
	defer func(start time.Time) { observe(providerNets, op, start, err) }(time.Now())
	if err := n.checkConfig(op); err != nil {
		return nil, err
	}

	amt, _ := req.Amount.Float64()
	data, err := n.post(ctx, op, netsPathRequest, map[string]interface{}{
		"txn_id":         req.OutTradeNo,
		"amt_in_dollars": amt,
		"notify_mobile":  0,
	})
	if err != nil {
		return nil, err
	}
	if data.TxnRetrievalRef == "" || data.QRCode == "" {
		return nil, protocolError(providerNets, op, "qr code or retrieval ref missing")
	}

	if n.sessions != nil {
		session := &cache.QRSession{
			OutTradeNo: req.OutTradeNo,
			Reference:  data.TxnRetrievalRef,
			QRCode:     data.QRCode,
			Amount:     req.Amount,
			CreatedAt:  n.now(),
		}
		if err := n.sessions.Save(ctx, session); err != nil {
			zap.L().Warn("store nets qr session", zap.String("out_trade_no", req.OutTradeNo), zap.Error(err))
		}
	}
	return &Charge{
		Reference:  data.TxnRetrievalRef,
		QRCode:     data.QRCode,
		Attributes: map[string]string{model.AttrNetsTxnRef: data.TxnRetrievalRef},
	}, nil
}

// reference resolves the retrieval ref, preferring the stored attribute and
// falling back to the live session, which also slides its expiry.
func (n *Nets) reference(ctx context.Context, op string, ref ChargeRef) (string, error) {
	var fromSession string
	if n.sessions != nil {
		session, err := n.sessions.Get(ctx, ref.OutTradeNo)
		switch {
		case err == nil:
			fromSession = session.Reference
		case errors.Is(err, cache.ErrSessionNotFound):
		default:
			zap.L().Warn("read nets qr session", zap.String("out_trade_no", ref.OutTradeNo), zap.Error(err))
		}
	}
	if r := ref.Attr(model.AttrNetsTxnRef); r != "" {
		return r, nil
	}
	if fromSession != "" {
		return fromSession, nil
	}
	return "", protocolError(providerNets, op, "no retrieval ref for %s", ref.OutTradeNo)
}

func (n *Nets) query(ctx context.Context, op string, ref ChargeRef, timeout bool) (*ChargeStatus, error) {
	txnRef, err := n.reference(ctx, op, ref)
	if err != nil {
		return nil, err
	}
	timeoutStatus := 0
	if timeout {
		timeoutStatus = 1
	}
	data, err := n.post(ctx, op, netsPathQuery, map[string]interface{}{
		"txn_retrieval_ref":       txnRef,
		"frontend_timeout_status": timeoutStatus,
	})
	if err != nil {
		return nil, err
	}

	status := &ChargeStatus{
		ProviderStatus: strconv.Itoa(data.TxnStatus),
		Attributes:     map[string]string{model.AttrNetsTxnRef: txnRef},
	}
	switch data.TxnStatus {
	case netsTxnPaid:
		status.State = StateAuthorized
	case netsTxnFailed:
		status.State = StateFailed
	default:
		status.State = StatePending
		if timeout {
			status.State = StateFailed
		}
	}
	if status.State != StatePending {
		n.dropSession(ctx, ref.OutTradeNo)
	}
	return status, nil
}

func (n *Nets) dropSession(ctx context.Context, outTradeNo string) {
	if n.sessions == nil {
		return
	}
	if err := n.sessions.Delete(ctx, outTradeNo); err != nil {
		zap.L().Warn("delete nets qr session", zap.String("out_trade_no", outTradeNo), zap.Error(err))
	}
}

// QueryStatus reports a paid QR charge as authorized; Capture confirms it.
func (n *Nets) QueryStatus(ctx context.Context, ref ChargeRef) (status *ChargeStatus, err error) {
	const op = "query_status"
	defer func(start time.Time) { observe(providerNets, op, start, err) }(time.Now())
	if err := n.checkConfig(op); err != nil {
		return nil, err
	}
	return n.query(ctx, op, ref, false)
}

// Capture re-reads the charge. NETS settles on payment, so a paid charge is
// reported completed.
func (n *Nets) Capture(ctx context.Context, ref ChargeRef) (status *ChargeStatus, err error) {
	const op = "capture"
	defer func(start time.Time) { observe(providerNets, op, start, err) }(time.Now())
	if err := n.checkConfig(op); err != nil {
		return nil, err
	}
	status, err = n.query(ctx, op, ref, false)
	if err != nil {
		return nil, err
	}
	if status.State == StateAuthorized {
		status.State = StateCompleted
	}
	return status, nil
}

// FinalizeTimeout tells NETS the QR window closed. Anything not paid by then
// is failed.
func (n *Nets) FinalizeTimeout(ctx context.Context, ref ChargeRef) (status *ChargeStatus, err error) {
	const op = "finalize_timeout"
	defer func(start time.Time) { observe(providerNets, op, start, err) }(time.Now())
	if err := n.checkConfig(op); err != nil {
		return nil, err
	}
	return n.query(ctx, op, ref, true)
}

func (n *Nets) Refund(ctx context.Context, req RefundRequest) (result *RefundResult, err error) {
	const op = "refund"
	defer func(start time.Time) { observe(providerNets, op, start, err) }(time.Now())
	if err := n.checkConfig(op); err != nil {
		return nil, err
	}
	txnRef := req.Attributes[model.AttrNetsTxnRef]
	if txnRef == "" {
		return nil, protocolError(providerNets, op, "no retrieval ref for %s", req.OutTradeNo)
	}

	amt, _ := req.Amount.Float64()
	data, err := n.post(ctx, op, netsPathRefund, map[string]interface{}{
		"txn_retrieval_ref": txnRef,
		"amt_in_dollars":    amt,
		"refund_ref":        req.IdempotencyKey,
	})
	if err != nil {
		return nil, err
	}
	refundID := data.TxnRetrievalRef
	if refundID == "" {
		refundID = req.IdempotencyKey
	}
	return &RefundResult{
		RefundID:   refundID,
		Status:     data.ResponseCode,
		Attributes: map[string]string{model.AttrRefundID: refundID},
	}, nil
}
