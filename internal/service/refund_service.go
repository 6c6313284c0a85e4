package service

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"marketpay/internal/config"
	"marketpay/internal/gateway"
	"marketpay/internal/infrastructure/lock"
	"marketpay/internal/metrics"
	"marketpay/internal/model"
	"marketpay/internal/repository"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// ErrRefundFailed is returned when the provider refused the refund and the
// local debit was reversed.
var ErrRefundFailed = errors.New("provider refund failed, balance restored")

type RefundResponse struct {
	RefundTransactionID int64  `json:"refund_transaction_id"`
	OriginalID          int64  `json:"original_transaction_id"`
	Amount              string `json:"amount"`
	Status              string `json:"status"`
	RefundID            string `json:"refund_id,omitempty"`
	FailureReason       string `json:"failure_reason,omitempty"`
}

// RefundService refunds a completed recharge in two phases: a local debit
// that claims the refund, then the provider call. A provider failure is
// compensated with a credit in a fresh unit of work.
type RefundService struct {
	db          *gorm.DB
	redisClient *redis.Client
	cfg         *config.Config
	ledger      *LedgerService
	txnRepo     *repository.TransactionRepository
	gateways    *gateway.Registry
}

func NewRefundService(db *gorm.DB, redisClient *redis.Client, ledger *LedgerService, gateways *gateway.Registry, cfg *config.Config) *RefundService {
	return &RefundService{
		db:          db,
		redisClient: redisClient,
		cfg:         cfg,
		ledger:      ledger,
		txnRepo:     repository.NewTransactionRepository(db),
		gateways:    gateways,
	}
}

func refundGuard(originalID int64) *string {
	g := fmt.Sprintf("refund:%d", originalID)
	return &g
}

func (s *RefundService) RequestRefund(ctx context.Context, transactionID int64) (*RefundResponse, error) {
	original, err := s.txnRepo.GetByID(ctx, transactionID)
	if err != nil {
		return nil, err
	}
	if original.Type != model.TransactionTypeRecharge || original.Status != model.TransactionStatusCompleted {
		return nil, ErrInvalidTransactionState
	}

	if s.redisClient != nil {
		refundLock := lock.NewRefundLock(s.redisClient, transactionID, uuid.NewString())
		if err := refundLock.Lock(ctx, 100*time.Millisecond, 50); err != nil {
			if errors.Is(err, lock.ErrLockFailed) {
				return nil, ErrRefundInProgress
			}
			return nil, fmt.Errorf("acquire refund lock: %w", err)
		}
		defer func() {
			if _, err := refundLock.Unlock(context.Background()); err != nil {
				zap.L().Warn("release refund lock", zap.Int64("transaction_id", transactionID), zap.Error(err))
			}
		}()
	}

	method := original.Method()
	idempotencyKey := uuid.NewString()

	// Phase 1: claim and debit.
	var refund *model.Transaction
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		existing, err := s.txnRepo.FindActiveRefund(ctx, tx, original.ID)
		if err != nil {
			return err
		}
		if existing != nil {
			return ErrAlreadyRefunded
		}
		change, err := s.ledger.Debit(ctx, tx, Posting{
			UserID:      original.UserID,
			Type:        model.TransactionTypeRefund,
			Method:      method,
			Amount:      original.Amount,
			Status:      model.TransactionStatusProcessing,
			RefundOf:    &original.ID,
			RefundGuard: refundGuard(original.ID),
			Attributes: map[string]string{
				model.AttrRefundOf:     strconv.FormatInt(original.ID, 10),
				model.AttrOutRequestNo: idempotencyKey,
			},
		})
		if err != nil {
			return err
		}
		refund = change.Transaction
		return nil
	})
	if err != nil {
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			err = ErrAlreadyRefunded
		}
		metrics.RefundOutcomes.WithLabelValues(method, "rejected").Inc()
		return nil, wrapUnitErr("refund_debit", err)
	}

	// Phase 2: provider.
	if method == model.PaymentMethodManual {
		return s.finish(ctx, original, refund, nil)
	}
	gw, ok := s.gateways.Get(method)
	if !ok {
		return s.compensate(ctx, original, refund, "no gateway for "+method)
	}
	result, err := gw.Refund(ctx, gateway.RefundRequest{
		OutTradeNo:     derefString(original.OutTradeNo),
		Amount:         original.Amount,
		Currency:       s.cfg.Business.Currency,
		IdempotencyKey: idempotencyKey,
		Reason:         "wallet refund",
		Attributes:     chargeRef(original).Attributes,
	})
	if err != nil {
		zap.L().Error("provider refund failed",
			zap.Int64("transaction_id", original.ID), zap.String("method", method), zap.Error(err))
		return s.compensate(ctx, original, refund, err.Error())
	}
	return s.finish(ctx, original, refund, result.Attributes)
}

func (s *RefundService) finish(ctx context.Context, original, refund *model.Transaction, attrs map[string]string) (*RefundResponse, error) {
	completed, err := s.ledger.CompleteProcessing(ctx, refund.ID, attrs)
	if err != nil {
		// The provider has refunded; leaving the row processing keeps the
		// debit in place for manual follow-up.
		zap.L().Error("complete refund row", zap.Int64("refund_transaction_id", refund.ID), zap.Error(err))
		return nil, err
	}
	metrics.RefundOutcomes.WithLabelValues(original.Method(), "completed").Inc()
	zap.L().Info("refund completed",
		zap.Int64("transaction_id", original.ID),
		zap.Int64("refund_transaction_id", completed.ID),
		zap.String("amount", original.Amount.StringFixed(2)))
	return &RefundResponse{
		RefundTransactionID: completed.ID,
		OriginalID:          original.ID,
		Amount:              original.Amount.StringFixed(2),
		Status:              completed.Status,
		RefundID:            completed.Attr(model.AttrRefundID),
	}, nil
}

// compensate reverses the phase 1 debit and fails the refund row in one
// unit of work, which also frees the refund guard.
func (s *RefundService) compensate(ctx context.Context, original, refund *model.Transaction, reason string) (*RefundResponse, error) {
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if _, err := s.ledger.Credit(ctx, tx, Posting{
			UserID: refund.UserID,
			Type:   model.TransactionTypeRefund,
			Method: refund.Method(),
			Amount: refund.Amount.Abs(),
			Attributes: map[string]string{
				model.AttrReversalOf: strconv.FormatInt(refund.ID, 10),
			},
		}); err != nil {
			return err
		}
		_, err := s.ledger.MarkFailed(ctx, tx, refund.ID, reason, nil)
		return err
	})
	if err != nil {
		zap.L().Error("refund compensation failed, wallet needs manual reconciliation",
			zap.Int64("refund_transaction_id", refund.ID), zap.Error(err))
		return nil, wrapUnitErr("refund_compensate", err)
	}
	metrics.RefundOutcomes.WithLabelValues(original.Method(), "failed").Inc()
	return &RefundResponse{
		RefundTransactionID: refund.ID,
		OriginalID:          original.ID,
		Amount:              original.Amount.StringFixed(2),
		Status:              model.TransactionStatusFailed,
		FailureReason:       reason,
	}, fmt.Errorf("%w: %s", ErrRefundFailed, reason)
}

func derefString(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
