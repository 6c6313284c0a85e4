package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// Wallet is the per-user balance record. One per user, never deleted.
//
// Balance + FrozenBalance only ever change together with an appended
// Transaction row; TotalIncome and TotalExpense never decrease.
type Wallet struct {
	ID            int64           `gorm:"primaryKey;autoIncrement" json:"id"`
	UserID        int64           `gorm:"uniqueIndex;not null" json:"user_id"`
	Balance       decimal.Decimal `gorm:"type:decimal(20,2);not null;default:0" json:"balance"`
	FrozenBalance decimal.Decimal `gorm:"type:decimal(20,2);not null;default:0" json:"frozen_balance"`
	TotalIncome   decimal.Decimal `gorm:"type:decimal(20,2);not null;default:0" json:"total_income"`
	TotalExpense  decimal.Decimal `gorm:"type:decimal(20,2);not null;default:0" json:"total_expense"`
	CreatedAt     time.Time       `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt     time.Time       `gorm:"autoUpdateTime" json:"updated_at"`
}

func (Wallet) TableName() string {
	return "user_wallets"
}
