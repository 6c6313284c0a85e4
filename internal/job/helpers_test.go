package job

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"marketpay/internal/config"
	"marketpay/internal/infrastructure/database"
	"marketpay/internal/service"

	"github.com/glebarez/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

func setupTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	dsn := fmt.Sprintf("file:job_test_%d?mode=memory&cache=shared", time.Now().UnixNano())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
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
	cfg.Business.PendingTTL = 30 * time.Minute
	cfg.Business.PollInterval = 5 * time.Second
	cfg.Business.OutboxMaxRetry = 2
	return cfg
}

// fakeReconciler answers CheckStatus from a script and records calls.
type fakeReconciler struct {
	mu       sync.Mutex
	script   []string
	checks   map[string]int
	expired  []string
	checkErr error
}

func newFakeReconciler(script ...string) *fakeReconciler {
	return &fakeReconciler{script: script, checks: make(map[string]int)}
}

func result(outTradeNo, status string) *service.StatusResult {
	return &service.StatusResult{
		OutTradeNo: outTradeNo,
		Status:     status,
		Paid:       status == service.ChargeStatusPaid,
	}
}

func (f *fakeReconciler) CheckStatus(ctx context.Context, outTradeNo string) (*service.StatusResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := f.checks[outTradeNo]
	f.checks[outTradeNo] = n + 1
	if f.checkErr != nil {
		return nil, f.checkErr
	}
	status := service.ChargeStatusPending
	if n < len(f.script) {
		status = f.script[n]
	}
	return result(outTradeNo, status), nil
}

func (f *fakeReconciler) Expire(ctx context.Context, outTradeNo string) (*service.StatusResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.expired = append(f.expired, outTradeNo)
	return result(outTradeNo, service.ChargeStatusFailed), nil
}

func (f *fakeReconciler) checkCount(outTradeNo string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.checks[outTradeNo]
}

func (f *fakeReconciler) expiredList() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.expired...)
}
