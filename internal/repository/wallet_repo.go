package repository

import (
	"context"
	"errors"

	"marketpay/internal/model"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var (
	ErrWalletNotFound = errors.New("wallet not found")
)

type WalletRepository struct {
	db *gorm.DB
}

func NewWalletRepository(db *gorm.DB) *WalletRepository {
	return &WalletRepository{db: db}
}

func (r *WalletRepository) GetByUserID(ctx context.Context, userID int64) (*model.Wallet, error) {
	var wallet model.Wallet
	err := r.db.WithContext(ctx).Where("user_id = ?", userID).First(&wallet).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrWalletNotFound
		}
		return nil, err
	}
	return &wallet, nil
}

// GetByUserIDForUpdate reads the wallet row under SELECT ... FOR UPDATE.
// Concurrent units of work touching the same wallet queue on this lock.
func (r *WalletRepository) GetByUserIDForUpdate(ctx context.Context, tx *gorm.DB, userID int64) (*model.Wallet, error) {
	var wallet model.Wallet
	err := tx.WithContext(ctx).
		Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("user_id = ?", userID).
		First(&wallet).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrWalletNotFound
		}
		return nil, err
	}
	return &wallet, nil
}

// Ensure inserts a zero wallet when absent. Safe to call concurrently.
func (r *WalletRepository) Ensure(ctx context.Context, tx *gorm.DB, userID int64) error {
	if tx == nil {
		tx = r.db
	}
	return tx.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "user_id"}},
			DoNothing: true,
		}).
		Create(&model.Wallet{UserID: userID}).Error
}

func (r *WalletRepository) GetOrCreate(ctx context.Context, userID int64) (*model.Wallet, error) {
	wallet, err := r.GetByUserID(ctx, userID)
	if err == nil {
		return wallet, nil
	}
	if !errors.Is(err, ErrWalletNotFound) {
		return nil, err
	}
	if err := r.Ensure(ctx, nil, userID); err != nil {
		return nil, err
	}
	return r.GetByUserID(ctx, userID)
}

// SaveBalances writes the four balance columns of a wallet previously read
// with GetByUserIDForUpdate in the same tx.
func (r *WalletRepository) SaveBalances(ctx context.Context, tx *gorm.DB, wallet *model.Wallet) error {
	result := tx.WithContext(ctx).
		Model(&model.Wallet{}).
		Where("id = ?", wallet.ID).
		Updates(map[string]interface{}{
			"balance":        wallet.Balance,
			"frozen_balance": wallet.FrozenBalance,
			"total_income":   wallet.TotalIncome,
			"total_expense":  wallet.TotalExpense,
		})
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return ErrWalletNotFound
	}
	return nil
}
