package service

import (
	"context"
	"errors"
	"testing"
	"time"

	"marketpay/internal/gateway"
	"marketpay/internal/infrastructure/lock"
	"marketpay/internal/model"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"gorm.io/gorm"
)

type refundFixture struct {
	db     *gorm.DB
	ledger *LedgerService
	svc    *RefundService
	redis  *redis.Client
}

func setupRefund(t *testing.T, gws ...gateway.Gateway) *refundFixture {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })

	db := setupTestDB(t)
	cfg := testConfig()
	ledger := NewLedgerService(db, cfg)
	return &refundFixture{
		db:     db,
		ledger: ledger,
		svc:    NewRefundService(db, rdb, ledger, gateway.NewRegistry(gws...), cfg),
		redis:  rdb,
	}
}

// completedRecharge books a provider recharge that has already been paid.
func completedRecharge(t *testing.T, ledger *LedgerService, userID int64, method, otn, amount string) *model.Transaction {
	t.Helper()
	ctx := context.Background()
	pending, err := ledger.CreatePending(ctx, Posting{
		UserID:     userID,
		OutTradeNo: otn,
		Type:       model.TransactionTypeRecharge,
		Method:     method,
		Amount:     dec(amount),
		Attributes: map[string]string{model.AttrPayPalCaptureID: "CAP-" + otn},
	})
	if err != nil {
		t.Fatalf("create pending failed: %v", err)
	}
	trans, _, err := ledger.CompletePending(ctx, pending.ID, nil)
	if err != nil {
		t.Fatalf("complete pending failed: %v", err)
	}
	return trans
}

func TestRefund_CompletesAndRejectsSecondAttempt(t *testing.T) {
	gw := &fakeGateway{method: model.PaymentMethodPayPal}
	f := setupRefund(t, gw)
	ctx := context.Background()

	fund(t, f.ledger, 80, "30")
	original := completedRecharge(t, f.ledger, 80, model.PaymentMethodPayPal, "RCH-R-1", "20")
	assertBalance(t, f.ledger, 80, "50", "0")

	resp, err := f.svc.RequestRefund(ctx, original.ID)
	if err != nil {
		t.Fatalf("refund failed: %v", err)
	}
	if resp.Status != model.TransactionStatusCompleted || resp.RefundID == "" {
		t.Fatalf("unexpected response: %+v", resp)
	}
	if len(gw.refunds) != 1 {
		t.Fatalf("provider refunds = %d, want 1", len(gw.refunds))
	}
	req := gw.refunds[0]
	if req.IdempotencyKey == "" || req.Attributes[model.AttrPayPalCaptureID] != "CAP-RCH-R-1" {
		t.Errorf("provider request missing identifiers: %+v", req)
	}
	assertBalance(t, f.ledger, 80, "30", "0")

	_, err = f.svc.RequestRefund(ctx, original.ID)
	if !errors.Is(err, ErrAlreadyRefunded) {
		t.Fatalf("second refund: err = %v, want ErrAlreadyRefunded", err)
	}
	if len(gw.refunds) != 1 {
		t.Errorf("provider called again on duplicate refund")
	}
	assertBalance(t, f.ledger, 80, "30", "0")
	assertLedgerInvariants(t, f.db)
}

func TestRefund_ProviderFailureRestoresBalance(t *testing.T) {
	gw := &fakeGateway{
		method:    model.PaymentMethodPayPal,
		refundErr: &gateway.Error{Kind: gateway.ErrProtocol, Provider: "paypal", Op: "refund"},
	}
	f := setupRefund(t, gw)
	ctx := context.Background()

	fund(t, f.ledger, 81, "30")
	original := completedRecharge(t, f.ledger, 81, model.PaymentMethodPayPal, "RCH-R-2", "20")

	gw.onRefund = func(req gateway.RefundRequest) {
		assertBalance(t, f.ledger, 81, "30", "0")
		var processing int64
		f.db.Model(&model.Transaction{}).
			Where("refund_of = ? AND status = ?", original.ID, model.TransactionStatusProcessing).
			Count(&processing)
		if processing != 1 {
			t.Errorf("processing refund rows during provider call = %d, want 1", processing)
		}
	}

	resp, err := f.svc.RequestRefund(ctx, original.ID)
	if !errors.Is(err, ErrRefundFailed) {
		t.Fatalf("err = %v, want ErrRefundFailed", err)
	}
	if resp == nil || resp.Status != model.TransactionStatusFailed || resp.FailureReason == "" {
		t.Fatalf("unexpected response: %+v", resp)
	}
	assertBalance(t, f.ledger, 81, "50", "0")

	refundRow := loadTxn(t, f.db, resp.RefundTransactionID)
	if refundRow.Status != model.TransactionStatusFailed {
		t.Errorf("refund row status = %s, want failed", refundRow.Status)
	}
	if refundRow.RefundGuard != nil {
		t.Errorf("failed refund row still holds guard %q", *refundRow.RefundGuard)
	}

	var reversal model.Transaction
	if err := f.db.Where("user_id = ? AND type = ? AND amount > 0", 81, model.TransactionTypeRefund).First(&reversal).Error; err != nil {
		t.Fatalf("compensating credit not found: %v", err)
	}
	if !reversal.Amount.Equal(dec("20")) || reversal.Status != model.TransactionStatusCompleted {
		t.Errorf("compensating row = %+v", reversal)
	}
	assertLedgerInvariants(t, f.db)

	// The guard was released, so a later attempt may go through.
	gw.refundErr = nil
	gw.onRefund = nil
	if _, err := f.svc.RequestRefund(ctx, original.ID); err != nil {
		t.Fatalf("retry after failure: %v", err)
	}
	assertBalance(t, f.ledger, 81, "30", "0")
}

func TestRefund_InsufficientBalanceRejected(t *testing.T) {
	gw := &fakeGateway{method: model.PaymentMethodPayPal}
	f := setupRefund(t, gw)
	ctx := context.Background()

	original := completedRecharge(t, f.ledger, 82, model.PaymentMethodPayPal, "RCH-R-3", "20")
	if _, err := f.ledger.Freeze(ctx, nil, 82, 1, dec("15")); err != nil {
		t.Fatalf("freeze failed: %v", err)
	}

	_, err := f.svc.RequestRefund(ctx, original.ID)
	if !errors.Is(err, ErrInsufficientFunds) {
		t.Fatalf("err = %v, want ErrInsufficientFunds", err)
	}
	if len(gw.refunds) != 0 {
		t.Errorf("provider must not be called when the debit fails")
	}
	assertBalance(t, f.ledger, 82, "5", "15")
}

func TestRefund_OnlyCompletedRecharges(t *testing.T) {
	f := setupRefund(t, &fakeGateway{method: model.PaymentMethodAlipay})
	ctx := context.Background()

	pending, err := f.ledger.CreatePending(ctx, Posting{
		UserID: 83, OutTradeNo: "RCH-R-4", Type: model.TransactionTypeRecharge,
		Method: model.PaymentMethodAlipay, Amount: dec("10"),
	})
	if err != nil {
		t.Fatalf("create pending failed: %v", err)
	}
	if _, err := f.svc.RequestRefund(ctx, pending.ID); !errors.Is(err, ErrInvalidTransactionState) {
		t.Errorf("refund pending: err = %v, want ErrInvalidTransactionState", err)
	}

	fund(t, f.ledger, 83, "10")
	purchase, err := f.ledger.Freeze(ctx, nil, 83, 2, dec("5"))
	if err != nil {
		t.Fatalf("freeze failed: %v", err)
	}
	if _, err := f.svc.RequestRefund(ctx, purchase.Transaction.ID); !errors.Is(err, ErrInvalidTransactionState) {
		t.Errorf("refund purchase: err = %v, want ErrInvalidTransactionState", err)
	}
}

func TestRefund_ManualCompletesLocally(t *testing.T) {
	f := setupRefund(t)
	ctx := context.Background()

	rech, err := f.ledger.Credit(ctx, nil, Posting{
		UserID: 84, Type: model.TransactionTypeRecharge, Method: model.PaymentMethodManual, Amount: dec("12"),
	})
	if err != nil {
		t.Fatalf("credit failed: %v", err)
	}
	resp, err := f.svc.RequestRefund(ctx, rech.Transaction.ID)
	if err != nil {
		t.Fatalf("manual refund failed: %v", err)
	}
	if resp.Status != model.TransactionStatusCompleted {
		t.Fatalf("status = %s, want completed", resp.Status)
	}
	assertBalance(t, f.ledger, 84, "0", "0")
}

func TestRefund_LockHeldElsewhere(t *testing.T) {
	f := setupRefund(t, &fakeGateway{method: model.PaymentMethodPayPal})
	ctx := context.Background()

	original := completedRecharge(t, f.ledger, 85, model.PaymentMethodPayPal, "RCH-R-5", "10")

	other := lock.NewRefundLock(f.redis, original.ID, "other-instance")
	if ok, err := other.TryLock(ctx); err != nil || !ok {
		t.Fatalf("pre-acquire lock: ok=%v err=%v", ok, err)
	}
	defer other.Unlock(ctx)

	shortCtx, cancel := context.WithTimeout(ctx, 300*time.Millisecond)
	defer cancel()
	_, err := f.svc.RequestRefund(shortCtx, original.ID)
	if err == nil {
		t.Fatal("refund should not proceed while another holder owns the lock")
	}
	assertBalance(t, f.ledger, 85, "10", "0")
}

// A guard row the active-refund lookup does not see, such as a failed refund
// that never released its guard, is still caught by the unique index.
func TestRefund_GuardConflictIsAlreadyRefunded(t *testing.T) {
	gw := &fakeGateway{method: model.PaymentMethodPayPal}
	f := setupRefund(t, gw)
	ctx := context.Background()

	original := completedRecharge(t, f.ledger, 86, model.PaymentMethodPayPal, "RCH-R-9", "15")
	stale := &model.Transaction{
		UserID:      86,
		Type:        model.TransactionTypeRefund,
		Amount:      dec("-15"),
		Status:      model.TransactionStatusFailed,
		RefundOf:    &original.ID,
		RefundGuard: refundGuard(original.ID),
	}
	if err := f.db.Create(stale).Error; err != nil {
		t.Fatalf("insert guard row: %v", err)
	}
	if existing, err := f.ledger.txnRepo.FindActiveRefund(ctx, nil, original.ID); err != nil || existing != nil {
		t.Fatalf("active refund lookup = %+v, %v, want none", existing, err)
	}

	_, err := f.svc.RequestRefund(ctx, original.ID)
	if !errors.Is(err, ErrAlreadyRefunded) {
		t.Fatalf("err = %v, want ErrAlreadyRefunded", err)
	}
	if len(gw.refunds) != 0 {
		t.Errorf("provider refunds = %d, want 0", len(gw.refunds))
	}
	assertBalance(t, f.ledger, 86, "15", "0")

	var refunds int64
	f.db.Model(&model.Transaction{}).Where("refund_of = ?", original.ID).Count(&refunds)
	if refunds != 1 {
		t.Errorf("refund rows = %d, want only the inserted one", refunds)
	}
	assertLedgerInvariants(t, f.db)
}
