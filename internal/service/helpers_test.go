package service

import (
	"context"
	"fmt"
	"net/url"
	"sync"
	"testing"
	"time"

	"marketpay/internal/config"
	"marketpay/internal/gateway"
	"marketpay/internal/infrastructure/database"
	"marketpay/internal/model"

	"github.com/glebarez/sqlite"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

const platformUserID int64 = 1

func setupTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	dsn := fmt.Sprintf("file:ledger_test_%d?mode=memory&cache=shared", time.Now().UnixNano())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger:         logger.Default.LogMode(logger.Silent),
		TranslateError: true,
	})
	if err != nil {
		t.Fatalf("open sqlite failed: %v", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("get sql.DB failed: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { sqlDB.Close() })

	if err := database.Migrate(db); err != nil {
		t.Fatalf("migrate failed: %v", err)
	}
	return db
}

func testConfig() *config.Config {
	cfg := &config.Config{}
	cfg.Kafka.Topic.LedgerEvent = "ledger_event"
	cfg.Business.PlatformUserID = platformUserID
	cfg.Business.Currency = "SGD"
	cfg.Business.PendingTTL = 30 * time.Minute
	cfg.Business.PollInterval = 5 * time.Second
	cfg.Business.PollMaxAttempts = 60
	return cfg
}

func dec(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func fund(t *testing.T, ledger *LedgerService, userID int64, amount string) {
	t.Helper()
	_, err := ledger.Credit(context.Background(), nil, Posting{
		UserID: userID,
		Type:   model.TransactionTypeRecharge,
		Method: model.PaymentMethodManual,
		Amount: dec(amount),
	})
	if err != nil {
		t.Fatalf("fund wallet %d: %v", userID, err)
	}
}

func mustWallet(t *testing.T, ledger *LedgerService, userID int64) *model.Wallet {
	t.Helper()
	w, err := ledger.GetWallet(context.Background(), userID)
	if err != nil {
		t.Fatalf("get wallet %d: %v", userID, err)
	}
	return w
}

func assertBalance(t *testing.T, ledger *LedgerService, userID int64, balance, frozen string) {
	t.Helper()
	w := mustWallet(t, ledger, userID)
	if !w.Balance.Equal(dec(balance)) {
		t.Errorf("user %d balance = %s, want %s", userID, w.Balance, balance)
	}
	if !w.FrozenBalance.Equal(dec(frozen)) {
		t.Errorf("user %d frozen = %s, want %s", userID, w.FrozenBalance, frozen)
	}
}

// assertLedgerInvariants checks non-negative balances and that every
// completed row moved its wallet by exactly its amount.
func assertLedgerInvariants(t *testing.T, db *gorm.DB) {
	t.Helper()
	var wallets []model.Wallet
	if err := db.Find(&wallets).Error; err != nil {
		t.Fatalf("load wallets: %v", err)
	}
	for _, w := range wallets {
		if w.Balance.IsNegative() || w.FrozenBalance.IsNegative() {
			t.Errorf("wallet %d went negative: balance=%s frozen=%s", w.UserID, w.Balance, w.FrozenBalance)
		}
	}

	var rows []model.Transaction
	if err := db.Where("status = ?", model.TransactionStatusCompleted).Find(&rows).Error; err != nil {
		t.Fatalf("load transactions: %v", err)
	}
	for _, r := range rows {
		if !r.BalanceAfter.Sub(r.BalanceBefore).Equal(r.Amount) {
			t.Errorf("transaction %d (%s): after-before = %s, amount = %s",
				r.ID, r.Type, r.BalanceAfter.Sub(r.BalanceBefore), r.Amount)
		}
	}
}

// fakeGateway scripts provider answers and counts calls.
type fakeGateway struct {
	mu sync.Mutex

	method      string
	charge      *gateway.Charge
	chargeErr   error
	queryStates []*gateway.ChargeStatus
	queryErr    error
	captureResp *gateway.ChargeStatus
	captureErr  error
	finalize    *gateway.ChargeStatus
	refundErr   error
	onRefund    func(req gateway.RefundRequest)

	queries    int
	captures   int
	finalizes  int
	refunds    []gateway.RefundRequest
	lastCharge gateway.ChargeRequest
}

func (f *fakeGateway) Method() string { return f.method }

func (f *fakeGateway) CreateCharge(ctx context.Context, req gateway.ChargeRequest) (*gateway.Charge, error) {
	f.mu.Lock()
	f.lastCharge = req
	f.mu.Unlock()
	if f.chargeErr != nil {
		return nil, f.chargeErr
	}
	if f.charge != nil {
		return f.charge, nil
	}
	return &gateway.Charge{Reference: "REF-" + req.OutTradeNo, RedirectURL: "https://pay.example/" + req.OutTradeNo}, nil
}

func (f *fakeGateway) QueryStatus(ctx context.Context, ref gateway.ChargeRef) (*gateway.ChargeStatus, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.queries++
	if f.queryErr != nil {
		return nil, f.queryErr
	}
	if len(f.queryStates) == 0 {
		return &gateway.ChargeStatus{State: gateway.StatePending}, nil
	}
	st := f.queryStates[0]
	if len(f.queryStates) > 1 {
		f.queryStates = f.queryStates[1:]
	}
	return st, nil
}

func (f *fakeGateway) Capture(ctx context.Context, ref gateway.ChargeRef) (*gateway.ChargeStatus, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.captures++
	if f.captureErr != nil {
		return nil, f.captureErr
	}
	if f.captureResp != nil {
		return f.captureResp, nil
	}
	return &gateway.ChargeStatus{State: gateway.StateCompleted}, nil
}

func (f *fakeGateway) Refund(ctx context.Context, req gateway.RefundRequest) (*gateway.RefundResult, error) {
	f.mu.Lock()
	f.refunds = append(f.refunds, req)
	f.mu.Unlock()
	if f.onRefund != nil {
		f.onRefund(req)
	}
	if f.refundErr != nil {
		return nil, f.refundErr
	}
	return &gateway.RefundResult{
		RefundID:   "RF-" + req.IdempotencyKey,
		Status:     "COMPLETED",
		Attributes: map[string]string{model.AttrRefundID: "RF-" + req.IdempotencyKey},
	}, nil
}

// finalizingGateway adds timeout finalization to fakeGateway.
type finalizingGateway struct {
	*fakeGateway
}

func (f finalizingGateway) FinalizeTimeout(ctx context.Context, ref gateway.ChargeRef) (*gateway.ChargeStatus, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.finalizes++
	if f.finalize != nil {
		return f.finalize, nil
	}
	return &gateway.ChargeStatus{State: gateway.StateFailed, ProviderStatus: "timeout"}, nil
}

// notifyGateway accepts any notification that names an out_trade_no.
type notifyGateway struct {
	*fakeGateway
}

func (n notifyGateway) VerifyNotify(form url.Values) (string, error) {
	if form.Get("sign") != "ok" {
		return "", &gateway.Error{Kind: gateway.ErrProtocol, Provider: n.method, Op: "verify_notify"}
	}
	return form.Get("out_trade_no"), nil
}
