package service

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"time"

	"marketpay/internal/config"
	"marketpay/internal/gateway"
	"marketpay/internal/metrics"
	"marketpay/internal/model"
	"marketpay/internal/realtime"
	"marketpay/internal/repository"
	"marketpay/pkg/idgen"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// Values of StatusResult.Status.
const (
	ChargeStatusPending = "pending"
	ChargeStatusPaid    = "paid"
	ChargeStatusFailed  = "failed"
)

// ChargeTracker schedules background polling of a charge.
type ChargeTracker interface {
	Track(outTradeNo string)
	Stop(outTradeNo string)
}

// StatusNotifier receives the final status of every recharge, whichever
// path settled it.
type StatusNotifier interface {
	Publish(u realtime.StatusUpdate)
}

type StatusResult struct {
	OutTradeNo string `json:"out_trade_no"`
	Status     string `json:"status"`
	Paid       bool   `json:"paid"`
}

func (r *StatusResult) Final() bool {
	return r.Status != ChargeStatusPending
}

type RechargeResult struct {
	TransactionID int64  `json:"transaction_id"`
	OutTradeNo    string `json:"out_trade_no"`
	Status        string `json:"status"`
	RedirectURL   string `json:"redirect_url,omitempty"`
	QRCode        string `json:"qr_code,omitempty"`
}

// RechargeService drives external charges from creation to a terminal
// ledger state by reconciling against the provider.
type RechargeService struct {
	cfg      *config.Config
	ledger   *LedgerService
	txnRepo  *repository.TransactionRepository
	gateways *gateway.Registry
	tracker  ChargeTracker
	notifier StatusNotifier
}

func NewRechargeService(ledger *LedgerService, gateways *gateway.Registry, cfg *config.Config) *RechargeService {
	return &RechargeService{
		cfg:      cfg,
		ledger:   ledger,
		txnRepo:  ledger.txnRepo,
		gateways: gateways,
	}
}

// SetTracker wires the poller after construction; the poller itself
// depends on this service.
func (s *RechargeService) SetTracker(t ChargeTracker) {
	s.tracker = t
}

func (s *RechargeService) SetNotifier(n StatusNotifier) {
	s.notifier = n
}

// settled stops any polling of a charge that reached a final status and
// tells subscribers about it.
func (s *RechargeService) settled(res *StatusResult) {
	if res.OutTradeNo == "" || !res.Final() {
		return
	}
	if s.tracker != nil {
		s.tracker.Stop(res.OutTradeNo)
	}
	if s.notifier != nil {
		s.notifier.Publish(realtime.StatusUpdate{
			OutTradeNo: res.OutTradeNo,
			Status:     res.Status,
			Paid:       res.Paid,
			Final:      true,
		})
	}
}

// StartRecharge opens a recharge of amount through method. Manual
// recharges complete immediately; gateway recharges stay pending until
// reconciliation confirms them.
func (s *RechargeService) StartRecharge(ctx context.Context, userID int64, amount decimal.Decimal, method string) (*RechargeResult, error) {
	if err := validAmount(amount); err != nil {
		return nil, err
	}
	var gw gateway.Gateway
	if method != model.PaymentMethodManual {
		var ok bool
		if gw, ok = s.gateways.Get(method); !ok {
			return nil, ErrUnsupportedMethod
		}
	}

	outTradeNo := idgen.GenerateOutTradeNo()
	pending, err := s.ledger.CreatePending(ctx, Posting{
		UserID:     userID,
		OutTradeNo: outTradeNo,
		Type:       model.TransactionTypeRecharge,
		Method:     method,
		Amount:     amount,
	})
	if err != nil {
		return nil, err
	}
	result := &RechargeResult{TransactionID: pending.ID, OutTradeNo: outTradeNo, Status: ChargeStatusPending}

	if gw == nil {
		if _, _, err := s.ledger.CompletePending(ctx, pending.ID, nil); err != nil {
			return nil, err
		}
		result.Status = ChargeStatusPaid
		zap.L().Info("manual recharge completed",
			zap.Int64("user_id", userID), zap.String("amount", amount.StringFixed(2)))
		return result, nil
	}

	req := gateway.ChargeRequest{
		OutTradeNo: outTradeNo,
		Amount:     amount,
		Currency:   s.cfg.Business.Currency,
		Subject:    "Wallet recharge",
	}
	if ttl := s.cfg.Business.PendingTTL; ttl > 0 {
		req.ExpiresAt = time.Now().Add(ttl)
	}
	charge, err := gw.CreateCharge(ctx, req)
	if err != nil {
		zap.L().Error("create charge failed",
			zap.String("method", method), zap.String("out_trade_no", outTradeNo), zap.Error(err))
		if _, mErr := s.ledger.MarkFailed(ctx, nil, pending.ID, "create charge: "+err.Error(), nil); mErr != nil {
			zap.L().Error("mark recharge failed", zap.Int64("transaction_id", pending.ID), zap.Error(mErr))
		}
		return nil, err
	}

	if err := s.ledger.MergeAttributes(ctx, pending.ID, charge.Attributes); err != nil {
		return nil, err
	}
	result.RedirectURL = charge.RedirectURL
	result.QRCode = charge.QRCode

	if charge.QRCode != "" && s.tracker != nil {
		s.tracker.Track(outTradeNo)
	}
	zap.L().Info("recharge started",
		zap.Int64("user_id", userID),
		zap.String("method", method),
		zap.String("out_trade_no", outTradeNo),
		zap.String("amount", amount.StringFixed(2)))
	return result, nil
}

func (s *RechargeService) CheckStatus(ctx context.Context, outTradeNo string) (*StatusResult, error) {
	trans, err := s.txnRepo.GetByOutTradeNo(ctx, outTradeNo)
	if err != nil {
		return nil, err
	}
	return s.reconcile(ctx, trans, false)
}

func (s *RechargeService) CheckStatusByID(ctx context.Context, transactionID int64) (*StatusResult, error) {
	trans, err := s.txnRepo.GetByID(ctx, transactionID)
	if err != nil {
		return nil, err
	}
	return s.reconcile(ctx, trans, false)
}

// CurrentStatus reads the stored status without contacting the provider.
func (s *RechargeService) CurrentStatus(ctx context.Context, outTradeNo string) (*StatusResult, error) {
	trans, err := s.txnRepo.GetByOutTradeNo(ctx, outTradeNo)
	if err != nil {
		return nil, err
	}
	return statusOf(trans), nil
}

// Expire closes a charge whose payment window elapsed. A charge the
// provider reports paid at the last moment is still completed.
func (s *RechargeService) Expire(ctx context.Context, outTradeNo string) (*StatusResult, error) {
	trans, err := s.txnRepo.GetByOutTradeNo(ctx, outTradeNo)
	if err != nil {
		return nil, err
	}
	return s.reconcile(ctx, trans, true)
}

// HandleAlipayNotify verifies an asynchronous Alipay notification and
// reconciles the charge it names. The notification body is never trusted
// for the status itself. A charge already failed here is re-queried, since
// a notification means the user may have paid after the window closed.
func (s *RechargeService) HandleAlipayNotify(ctx context.Context, form url.Values) (*StatusResult, error) {
	gw, ok := s.gateways.Get(model.PaymentMethodAlipay)
	if !ok {
		return nil, ErrUnsupportedMethod
	}
	verifier, ok := gw.(gateway.NotifyVerifier)
	if !ok {
		return nil, ErrUnsupportedMethod
	}
	outTradeNo, err := verifier.VerifyNotify(form)
	if err != nil {
		return nil, err
	}
	trans, err := s.txnRepo.GetByOutTradeNo(ctx, outTradeNo)
	if err != nil {
		return nil, err
	}
	if trans.Type == model.TransactionTypeRecharge && trans.Status == model.TransactionStatusFailed {
		return s.recoverLatePayment(ctx, trans, gw)
	}
	return s.reconcile(ctx, trans, false)
}

// recoverLatePayment credits a locally failed charge the provider reports
// paid. A provider error is returned so the notification is retried.
func (s *RechargeService) recoverLatePayment(ctx context.Context, trans *model.Transaction, gw gateway.Gateway) (*StatusResult, error) {
	ref := chargeRef(trans)
	st, err := gw.QueryStatus(ctx, ref)
	if err != nil {
		return nil, err
	}
	if st.State != gateway.StateCompleted {
		return statusOf(trans), nil
	}
	completed, already, err := s.ledger.CompleteLatePayment(ctx, trans.ID, st.Attributes)
	if err != nil {
		return nil, err
	}
	res := statusOf(completed)
	if !already {
		zap.L().Warn("late payment credited to a failed recharge",
			zap.Int64("transaction_id", completed.ID),
			zap.String("out_trade_no", ref.OutTradeNo),
			zap.String("amount", completed.Amount.StringFixed(2)))
		metrics.ReconciliationOutcomes.WithLabelValues(trans.Method(), "late_payment").Inc()
		s.settled(res)
	}
	return res, nil
}

func statusOf(trans *model.Transaction) *StatusResult {
	r := &StatusResult{Status: ChargeStatusPending}
	if trans.OutTradeNo != nil {
		r.OutTradeNo = *trans.OutTradeNo
	}
	switch trans.Status {
	case model.TransactionStatusCompleted:
		r.Status, r.Paid = ChargeStatusPaid, true
	case model.TransactionStatusFailed:
		r.Status = ChargeStatusFailed
	}
	return r
}

func chargeRef(trans *model.Transaction) gateway.ChargeRef {
	ref := gateway.ChargeRef{Amount: trans.Amount, Attributes: map[string]string{}}
	if trans.OutTradeNo != nil {
		ref.OutTradeNo = *trans.OutTradeNo
	}
	for k := range trans.Attributes {
		ref.Attributes[k] = trans.Attr(k)
	}
	return ref
}

func (s *RechargeService) reconcile(ctx context.Context, trans *model.Transaction, expire bool) (result *StatusResult, err error) {
	method := trans.Method()
	defer func() {
		if result != nil {
			metrics.ReconciliationOutcomes.WithLabelValues(method, result.Status).Inc()
		}
	}()

	if trans.Type != model.TransactionTypeRecharge {
		return nil, fmt.Errorf("transaction %d is a %s: %w", trans.ID, trans.Type, ErrInvalidTransactionState)
	}
	if trans.IsTerminal() {
		return statusOf(trans), nil
	}
	gw, ok := s.gateways.Get(method)
	if !ok {
		return statusOf(trans), nil
	}

	ref := chargeRef(trans)
	var st *gateway.ChargeStatus
	if finalizer, ok := gw.(gateway.TimeoutFinalizer); ok && expire {
		st, err = finalizer.FinalizeTimeout(ctx, ref)
	} else {
		st, err = gw.QueryStatus(ctx, ref)
	}
	if err != nil {
		zap.L().Warn("provider status unavailable, reporting pending",
			zap.String("method", method), zap.String("out_trade_no", ref.OutTradeNo), zap.Error(err))
		return statusOf(trans), nil
	}

	if st.State == gateway.StatePending && expire {
		st = &gateway.ChargeStatus{State: gateway.StateFailed, ProviderStatus: "expired", Attributes: st.Attributes}
	}
	return s.apply(ctx, trans, gw, ref, st)
}

// apply moves the ledger row to match the provider state.
func (s *RechargeService) apply(ctx context.Context, trans *model.Transaction, gw gateway.Gateway, ref gateway.ChargeRef, st *gateway.ChargeStatus) (*StatusResult, error) {
	switch st.State {
	case gateway.StateCompleted:
		return s.complete(ctx, trans, st.Attributes)

	case gateway.StateAuthorized:
		authorized, err := s.ledger.MarkAuthorized(ctx, trans.ID, st.Attributes)
		if err != nil {
			if errors.Is(err, ErrInvalidTransactionState) {
				return s.reread(ctx, trans.ID)
			}
			return nil, err
		}
		for k, v := range st.Attributes {
			ref.Attributes[k] = v
		}
		captured, err := gw.Capture(ctx, ref)
		if err != nil {
			zap.L().Warn("capture failed, will retry on next check",
				zap.String("out_trade_no", ref.OutTradeNo), zap.Error(err))
			return statusOf(authorized), nil
		}
		switch captured.State {
		case gateway.StateCompleted:
			return s.complete(ctx, authorized, captured.Attributes)
		case gateway.StateFailed:
			return s.fail(ctx, authorized, "capture "+captured.ProviderStatus, captured.Attributes)
		default:
			return statusOf(authorized), nil
		}

	case gateway.StateFailed:
		return s.fail(ctx, trans, "provider status "+st.ProviderStatus, st.Attributes)

	default:
		return statusOf(trans), nil
	}
}

func (s *RechargeService) complete(ctx context.Context, trans *model.Transaction, attrs map[string]string) (*StatusResult, error) {
	completed, already, err := s.ledger.CompletePending(ctx, trans.ID, attrs)
	if err != nil {
		if errors.Is(err, ErrInvalidTransactionState) {
			return s.reread(ctx, trans.ID)
		}
		return nil, err
	}
	res := statusOf(completed)
	if !already {
		zap.L().Info("recharge completed",
			zap.Int64("transaction_id", completed.ID),
			zap.Int64("user_id", completed.UserID),
			zap.String("amount", completed.Amount.StringFixed(2)))
		s.settled(res)
	}
	return res, nil
}

func (s *RechargeService) fail(ctx context.Context, trans *model.Transaction, reason string, attrs map[string]string) (*StatusResult, error) {
	failed, err := s.ledger.MarkFailed(ctx, nil, trans.ID, reason, attrs)
	if err != nil {
		if errors.Is(err, ErrInvalidTransactionState) {
			return s.reread(ctx, trans.ID)
		}
		return nil, err
	}
	zap.L().Info("recharge failed", zap.Int64("transaction_id", trans.ID), zap.String("reason", reason))
	res := statusOf(failed)
	s.settled(res)
	return res, nil
}

// reread reports the row as another writer left it.
func (s *RechargeService) reread(ctx context.Context, id int64) (*StatusResult, error) {
	current, err := s.txnRepo.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	return statusOf(current), nil
}
