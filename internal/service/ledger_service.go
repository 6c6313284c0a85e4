package service

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"marketpay/internal/config"
	"marketpay/internal/model"
	"marketpay/internal/repository"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// Posting describes one ledger entry to append. Amount is always the positive
// magnitude; the direction comes from the operation.
type Posting struct {
	UserID      int64
	OrderID     *int64
	OutTradeNo  string
	Type        string
	Method      string
	Amount      decimal.Decimal
	Status      string
	Attributes  map[string]string
	RefundOf    *int64
	RefundGuard *string
}

// BalanceChange is what a ledger unit of work reports back to its caller.
type BalanceChange struct {
	Before      decimal.Decimal
	After       decimal.Decimal
	Transaction *model.Transaction
}

// LedgerService owns every mutation of wallet balances. Each method is one
// atomic unit: lock wallet rows, compute, write, append exactly one
// transaction row (two for Settle), commit.
//
// Methods accepting a tx join the caller's unit of work; a nil tx opens a new
// one on the service's db.
type LedgerService struct {
	db         *gorm.DB
	walletRepo *repository.WalletRepository
	txnRepo    *repository.TransactionRepository
	outboxRepo *repository.OutboxRepository
}

func NewLedgerService(db *gorm.DB, cfg *config.Config) *LedgerService {
	return &LedgerService{
		db:         db,
		walletRepo: repository.NewWalletRepository(db),
		txnRepo:    repository.NewTransactionRepository(db),
		outboxRepo: repository.NewOutboxRepository(db, cfg.Kafka.Topic.LedgerEvent),
	}
}

func (s *LedgerService) unitOfWork(ctx context.Context, tx *gorm.DB, op string, fn func(tx *gorm.DB) error) error {
	if tx != nil {
		return fn(tx)
	}
	err := s.db.WithContext(ctx).Transaction(fn)
	if err != nil && !isBusinessError(err) {
		zap.L().Error("ledger unit of work rolled back", zap.String("op", op), zap.Error(err))
	}
	return wrapUnitErr(op, err)
}

func (s *LedgerService) lockWallet(ctx context.Context, tx *gorm.DB, userID int64) (*model.Wallet, error) {
	if err := s.walletRepo.Ensure(ctx, tx, userID); err != nil {
		return nil, fmt.Errorf("ensure wallet %d: %w", userID, err)
	}
	return s.walletRepo.GetByUserIDForUpdate(ctx, tx, userID)
}

func (s *LedgerService) appendEntry(ctx context.Context, tx *gorm.DB, p Posting, signed, before, after decimal.Decimal) (*model.Transaction, error) {
	status := p.Status
	if status == "" {
		status = model.TransactionStatusCompleted
	}
	trans := &model.Transaction{
		UserID:        p.UserID,
		OrderID:       p.OrderID,
		OutTradeNo:    model.StringPtr(p.OutTradeNo),
		Type:          p.Type,
		PaymentMethod: model.StringPtr(p.Method),
		Amount:        signed,
		BalanceBefore: before,
		BalanceAfter:  after,
		Status:        status,
		RefundOf:      p.RefundOf,
		RefundGuard:   p.RefundGuard,
	}
	trans.MergeAttributes(p.Attributes)
	trans.Description = model.RenderDescription(trans.Type, trans.Method(), signed, trans.Attributes)
	if err := s.txnRepo.Create(ctx, tx, trans); err != nil {
		return nil, fmt.Errorf("append %s entry: %w", p.Type, err)
	}
	return trans, nil
}

func (s *LedgerService) publish(ctx context.Context, tx *gorm.DB, eventType string, trans *model.Transaction) error {
	payload := map[string]interface{}{
		"transaction_id": trans.ID,
		"user_id":        trans.UserID,
		"type":           trans.Type,
		"status":         trans.Status,
		"amount":         trans.Amount.StringFixed(2),
		"balance_after":  trans.BalanceAfter.StringFixed(2),
		"occurred_at":    time.Now().Format(time.RFC3339),
	}
	if trans.OrderID != nil {
		payload["order_id"] = *trans.OrderID
	}
	if m := trans.Method(); m != "" {
		payload["payment_method"] = m
	}
	return s.outboxRepo.Enqueue(ctx, tx, eventType, strconv.FormatInt(trans.ID, 10), payload)
}

func validAmount(amount decimal.Decimal) error {
	if !amount.IsPositive() {
		return ErrInvalidAmount
	}
	return nil
}

// EnsureWallet creates a zero wallet for userID if none exists.
func (s *LedgerService) EnsureWallet(ctx context.Context, userID int64) (*model.Wallet, error) {
	return s.walletRepo.GetOrCreate(ctx, userID)
}

func (s *LedgerService) GetWallet(ctx context.Context, userID int64) (*model.Wallet, error) {
	return s.walletRepo.GetOrCreate(ctx, userID)
}

func (s *LedgerService) ListTransactions(ctx context.Context, userID int64, page, pageSize int) ([]*model.Transaction, int64, error) {
	if page < 1 {
		page = 1
	}
	if pageSize <= 0 || pageSize > 100 {
		pageSize = 20
	}
	return s.txnRepo.ListByUserID(ctx, userID, page, pageSize)
}

// Debit removes p.Amount from the available balance.
func (s *LedgerService) Debit(ctx context.Context, tx *gorm.DB, p Posting) (*BalanceChange, error) {
	if err := validAmount(p.Amount); err != nil {
		return nil, err
	}
	var change *BalanceChange
	err := s.unitOfWork(ctx, tx, "debit", func(tx *gorm.DB) error {
		wallet, err := s.lockWallet(ctx, tx, p.UserID)
		if err != nil {
			return err
		}
		if wallet.Balance.LessThan(p.Amount) {
			return ErrInsufficientFunds
		}
		before := wallet.Balance
		wallet.Balance = wallet.Balance.Sub(p.Amount)
		if err := s.walletRepo.SaveBalances(ctx, tx, wallet); err != nil {
			return err
		}
		trans, err := s.appendEntry(ctx, tx, p, p.Amount.Neg(), before, wallet.Balance)
		if err != nil {
			return err
		}
		change = &BalanceChange{Before: before, After: wallet.Balance, Transaction: trans}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return change, nil
}

// Credit adds p.Amount to the available balance.
func (s *LedgerService) Credit(ctx context.Context, tx *gorm.DB, p Posting) (*BalanceChange, error) {
	if err := validAmount(p.Amount); err != nil {
		return nil, err
	}
	var change *BalanceChange
	err := s.unitOfWork(ctx, tx, "credit", func(tx *gorm.DB) error {
		wallet, err := s.lockWallet(ctx, tx, p.UserID)
		if err != nil {
			return err
		}
		before := wallet.Balance
		wallet.Balance = wallet.Balance.Add(p.Amount)
		if err := s.walletRepo.SaveBalances(ctx, tx, wallet); err != nil {
			return err
		}
		trans, err := s.appendEntry(ctx, tx, p, p.Amount, before, wallet.Balance)
		if err != nil {
			return err
		}
		change = &BalanceChange{Before: before, After: wallet.Balance, Transaction: trans}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return change, nil
}

// Freeze earmarks amount of the user's balance for orderID.
func (s *LedgerService) Freeze(ctx context.Context, tx *gorm.DB, userID, orderID int64, amount decimal.Decimal) (*BalanceChange, error) {
	if err := validAmount(amount); err != nil {
		return nil, err
	}
	var change *BalanceChange
	err := s.unitOfWork(ctx, tx, "freeze", func(tx *gorm.DB) error {
		wallet, err := s.lockWallet(ctx, tx, userID)
		if err != nil {
			return err
		}
		if wallet.Balance.LessThan(amount) {
			return ErrInsufficientFunds
		}
		before := wallet.Balance
		wallet.Balance = wallet.Balance.Sub(amount)
		wallet.FrozenBalance = wallet.FrozenBalance.Add(amount)
		wallet.TotalExpense = wallet.TotalExpense.Add(amount)
		if err := s.walletRepo.SaveBalances(ctx, tx, wallet); err != nil {
			return err
		}
		trans, err := s.appendEntry(ctx, tx, Posting{
			UserID:  userID,
			OrderID: model.Int64Ptr(orderID),
			Type:    model.TransactionTypePurchase,
		}, amount.Neg(), before, wallet.Balance)
		if err != nil {
			return err
		}
		if err := s.publish(ctx, tx, model.EventOrderFrozen, trans); err != nil {
			return err
		}
		change = &BalanceChange{Before: before, After: wallet.Balance, Transaction: trans}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return change, nil
}

// Settle moves amount out of the payer's frozen balance into the
// beneficiary's available balance. Wallets are locked in ascending user id
// order so two opposite settlements cannot deadlock.
func (s *LedgerService) Settle(ctx context.Context, tx *gorm.DB, orderID, payerID, beneficiaryID int64, amount decimal.Decimal) (*BalanceChange, error) {
	if err := validAmount(amount); err != nil {
		return nil, err
	}
	var change *BalanceChange
	err := s.unitOfWork(ctx, tx, "settle", func(tx *gorm.DB) error {
		first, second := payerID, beneficiaryID
		if second < first {
			first, second = second, first
		}
		wallets := make(map[int64]*model.Wallet, 2)
		for _, uid := range []int64{first, second} {
			if _, ok := wallets[uid]; ok {
				continue
			}
			w, err := s.lockWallet(ctx, tx, uid)
			if err != nil {
				return err
			}
			wallets[uid] = w
		}

		payer := wallets[payerID]
		if payer.FrozenBalance.LessThan(amount) {
			return ErrInsufficientFrozen
		}
		payer.FrozenBalance = payer.FrozenBalance.Sub(amount)
		payerBalance := payer.Balance
		if err := s.walletRepo.SaveBalances(ctx, tx, payer); err != nil {
			return err
		}
		payerEntry, err := s.appendEntry(ctx, tx, Posting{
			UserID:     payerID,
			OrderID:    model.Int64Ptr(orderID),
			Type:       model.TransactionTypePurchase,
			Attributes: map[string]string{"settled_frozen": amount.StringFixed(2)},
		}, decimal.Zero, payerBalance, payerBalance)
		if err != nil {
			return err
		}

		beneficiary := wallets[beneficiaryID]
		before := beneficiary.Balance
		beneficiary.Balance = beneficiary.Balance.Add(amount)
		beneficiary.TotalIncome = beneficiary.TotalIncome.Add(amount)
		if err := s.walletRepo.SaveBalances(ctx, tx, beneficiary); err != nil {
			return err
		}
		income, err := s.appendEntry(ctx, tx, Posting{
			UserID:     beneficiaryID,
			OrderID:    model.Int64Ptr(orderID),
			Type:       model.TransactionTypeIncome,
			Attributes: map[string]string{model.AttrRelatedTxn: strconv.FormatInt(payerEntry.ID, 10)},
		}, amount, before, beneficiary.Balance)
		if err != nil {
			return err
		}
		if err := s.publish(ctx, tx, model.EventOrderSettled, income); err != nil {
			return err
		}
		change = &BalanceChange{Before: before, After: beneficiary.Balance, Transaction: income}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return change, nil
}

// ReleaseFrozen returns up to amount of the user's frozen balance to the
// available balance. The release is clamped to what is actually frozen; a
// zero release writes nothing and returns a nil Transaction.
func (s *LedgerService) ReleaseFrozen(ctx context.Context, tx *gorm.DB, userID, orderID int64, amount decimal.Decimal) (*BalanceChange, error) {
	if err := validAmount(amount); err != nil {
		return nil, err
	}
	var change *BalanceChange
	err := s.unitOfWork(ctx, tx, "release", func(tx *gorm.DB) error {
		wallet, err := s.lockWallet(ctx, tx, userID)
		if err != nil {
			return err
		}
		release := decimal.Min(amount, wallet.FrozenBalance)
		before := wallet.Balance
		if !release.IsPositive() {
			zap.L().Warn("release frozen found nothing to release",
				zap.Int64("user_id", userID), zap.Int64("order_id", orderID))
			change = &BalanceChange{Before: before, After: before}
			return nil
		}
		wallet.FrozenBalance = wallet.FrozenBalance.Sub(release)
		wallet.Balance = wallet.Balance.Add(release)
		if err := s.walletRepo.SaveBalances(ctx, tx, wallet); err != nil {
			return err
		}
		trans, err := s.appendEntry(ctx, tx, Posting{
			UserID:  userID,
			OrderID: model.Int64Ptr(orderID),
			Type:    model.TransactionTypeRefund,
		}, release, before, wallet.Balance)
		if err != nil {
			return err
		}
		if err := s.publish(ctx, tx, model.EventOrderReleased, trans); err != nil {
			return err
		}
		change = &BalanceChange{Before: before, After: wallet.Balance, Transaction: trans}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return change, nil
}

// CreatePending records a recharge awaiting provider confirmation. The wallet
// is not touched until CompletePending.
func (s *LedgerService) CreatePending(ctx context.Context, p Posting) (*model.Transaction, error) {
	if err := validAmount(p.Amount); err != nil {
		return nil, err
	}
	p.Status = model.TransactionStatusPending
	var trans *model.Transaction
	err := s.unitOfWork(ctx, nil, "create_pending", func(tx *gorm.DB) error {
		if err := s.walletRepo.Ensure(ctx, tx, p.UserID); err != nil {
			return err
		}
		var err error
		trans, err = s.appendEntry(ctx, tx, p, p.Amount, decimal.Zero, decimal.Zero)
		return err
	})
	if err != nil {
		return nil, err
	}
	return trans, nil
}

// CompletePending credits a pending or authorized recharge exactly once.
// The transaction row lock serializes concurrent completions; the loser sees
// the row completed and reports alreadyCompleted.
func (s *LedgerService) CompletePending(ctx context.Context, txnID int64, attrs map[string]string) (*model.Transaction, bool, error) {
	return s.completeRecharge(ctx, "complete_pending", txnID, attrs, false)
}

// CompleteLatePayment credits a recharge that was failed locally but that
// the provider has since confirmed paid. Completed rows are reported as
// already completed, like CompletePending.
func (s *LedgerService) CompleteLatePayment(ctx context.Context, txnID int64, attrs map[string]string) (*model.Transaction, bool, error) {
	return s.completeRecharge(ctx, "complete_late_payment", txnID, attrs, true)
}

func (s *LedgerService) completeRecharge(ctx context.Context, op string, txnID int64, attrs map[string]string, revive bool) (*model.Transaction, bool, error) {
	var (
		result           *model.Transaction
		alreadyCompleted bool
	)
	err := s.unitOfWork(ctx, nil, op, func(tx *gorm.DB) error {
		trans, err := s.txnRepo.GetByIDForUpdate(ctx, tx, txnID)
		if err != nil {
			return err
		}
		if trans.Type != model.TransactionTypeRecharge {
			return ErrInvalidTransactionState
		}
		if trans.Status == model.TransactionStatusCompleted {
			result, alreadyCompleted = trans, true
			return nil
		}
		if trans.Status == model.TransactionStatusFailed {
			if !revive {
				return ErrInvalidTransactionState
			}
			trans.MergeAttributes(map[string]string{model.AttrLatePayment: "true"})
		}

		wallet, err := s.lockWallet(ctx, tx, trans.UserID)
		if err != nil {
			return err
		}
		before := wallet.Balance
		wallet.Balance = wallet.Balance.Add(trans.Amount)
		wallet.TotalIncome = wallet.TotalIncome.Add(trans.Amount)
		if err := s.walletRepo.SaveBalances(ctx, tx, wallet); err != nil {
			return err
		}

		trans.MergeAttributes(attrs)
		trans.Status = model.TransactionStatusCompleted
		trans.BalanceBefore = before
		trans.BalanceAfter = wallet.Balance
		trans.Description = model.RenderDescription(trans.Type, trans.Method(), trans.Amount, trans.Attributes)
		if err := s.txnRepo.UpdateFields(ctx, tx, trans.ID, map[string]interface{}{
			"status":         trans.Status,
			"balance_before": trans.BalanceBefore,
			"balance_after":  trans.BalanceAfter,
			"attributes":     trans.Attributes,
			"description":    trans.Description,
		}); err != nil {
			return err
		}
		if err := s.publish(ctx, tx, model.EventRechargeCompleted, trans); err != nil {
			return err
		}
		result = trans
		return nil
	})
	if err != nil {
		return nil, false, err
	}
	return result, alreadyCompleted, nil
}

// MarkAuthorized records that the provider approved the charge but funds are
// not yet captured. Authorizing an authorized row only merges attributes.
func (s *LedgerService) MarkAuthorized(ctx context.Context, txnID int64, attrs map[string]string) (*model.Transaction, error) {
	var result *model.Transaction
	err := s.unitOfWork(ctx, nil, "mark_authorized", func(tx *gorm.DB) error {
		trans, err := s.txnRepo.GetByIDForUpdate(ctx, tx, txnID)
		if err != nil {
			return err
		}
		switch trans.Status {
		case model.TransactionStatusPending:
			trans.Status = model.TransactionStatusAuthorized
			trans.MergeAttributes(map[string]string{model.AttrAuthorizedAt: time.Now().UTC().Format(time.RFC3339)})
		case model.TransactionStatusAuthorized:
		default:
			return ErrInvalidTransactionState
		}
		trans.MergeAttributes(attrs)
		trans.Description = model.RenderDescription(trans.Type, trans.Method(), trans.Amount, trans.Attributes)
		if err := s.txnRepo.UpdateFields(ctx, tx, trans.ID, map[string]interface{}{
			"status":      trans.Status,
			"attributes":  trans.Attributes,
			"description": trans.Description,
		}); err != nil {
			return err
		}
		result = trans
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// MarkFailed moves a non-completed row to failed and releases its refund
// guard so a later refund of the same original can be attempted. Failing a
// failed row is a no-op.
func (s *LedgerService) MarkFailed(ctx context.Context, tx *gorm.DB, txnID int64, reason string, attrs map[string]string) (*model.Transaction, error) {
	var result *model.Transaction
	err := s.unitOfWork(ctx, tx, "mark_failed", func(tx *gorm.DB) error {
		trans, err := s.txnRepo.GetByIDForUpdate(ctx, tx, txnID)
		if err != nil {
			return err
		}
		if trans.Status == model.TransactionStatusFailed {
			result = trans
			return nil
		}
		if trans.Status == model.TransactionStatusCompleted {
			return ErrInvalidTransactionState
		}
		trans.MergeAttributes(attrs)
		trans.MergeAttributes(map[string]string{model.AttrFailureReason: reason})
		trans.Status = model.TransactionStatusFailed
		trans.RefundGuard = nil
		trans.Description = model.RenderDescription(trans.Type, trans.Method(), trans.Amount, trans.Attributes)
		if err := s.txnRepo.UpdateFields(ctx, tx, trans.ID, map[string]interface{}{
			"status":       trans.Status,
			"attributes":   trans.Attributes,
			"description":  trans.Description,
			"refund_guard": gorm.Expr("NULL"),
		}); err != nil {
			return err
		}
		event := model.EventRechargeFailed
		if trans.Type == model.TransactionTypeRefund {
			event = model.EventRefundFailed
		}
		if err := s.publish(ctx, tx, event, trans); err != nil {
			return err
		}
		result = trans
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// CompleteProcessing finalizes a processing row whose balance effect was
// already applied when it was written (refund debits).
func (s *LedgerService) CompleteProcessing(ctx context.Context, txnID int64, attrs map[string]string) (*model.Transaction, error) {
	var result *model.Transaction
	err := s.unitOfWork(ctx, nil, "complete_processing", func(tx *gorm.DB) error {
		trans, err := s.txnRepo.GetByIDForUpdate(ctx, tx, txnID)
		if err != nil {
			return err
		}
		if trans.Status == model.TransactionStatusCompleted {
			result = trans
			return nil
		}
		if trans.Status != model.TransactionStatusProcessing {
			return ErrInvalidTransactionState
		}
		trans.MergeAttributes(attrs)
		trans.Status = model.TransactionStatusCompleted
		trans.Description = model.RenderDescription(trans.Type, trans.Method(), trans.Amount, trans.Attributes)
		if err := s.txnRepo.UpdateFields(ctx, tx, trans.ID, map[string]interface{}{
			"status":      trans.Status,
			"attributes":  trans.Attributes,
			"description": trans.Description,
		}); err != nil {
			return err
		}
		if err := s.publish(ctx, tx, model.EventRefundCompleted, trans); err != nil {
			return err
		}
		result = trans
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// MergeAttributes attaches provider identifiers to a row that is not yet
// completed.
func (s *LedgerService) MergeAttributes(ctx context.Context, txnID int64, attrs map[string]string) error {
	if len(attrs) == 0 {
		return nil
	}
	return s.unitOfWork(ctx, nil, "merge_attributes", func(tx *gorm.DB) error {
		trans, err := s.txnRepo.GetByIDForUpdate(ctx, tx, txnID)
		if err != nil {
			return err
		}
		if trans.Status == model.TransactionStatusCompleted {
			return ErrInvalidTransactionState
		}
		trans.MergeAttributes(attrs)
		trans.Description = model.RenderDescription(trans.Type, trans.Method(), trans.Amount, trans.Attributes)
		err = s.txnRepo.UpdateFields(ctx, tx, trans.ID, map[string]interface{}{
			"attributes":  trans.Attributes,
			"description": trans.Description,
		})
		if errors.Is(err, repository.ErrTransactionNotFound) {
			return ErrInvalidTransactionState
		}
		return err
	})
}
