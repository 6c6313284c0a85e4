package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// Orders are owned by the checkout subsystem; the ledger only needs the
// id, payer, total and the confirmation gate.
const (
	OrderStatusPending         = "pending"
	OrderStatusPaid            = "paid" // funds frozen
	OrderStatusConfirmed       = "confirmed"
	OrderStatusRefundRequested = "refund_requested"
	OrderStatusRefunded        = "refunded"
	OrderStatusCancelled       = "cancelled"
)

var ValidStatusTransitions = map[string][]string{
	OrderStatusPending:         {OrderStatusPaid, OrderStatusCancelled},
	OrderStatusPaid:            {OrderStatusConfirmed, OrderStatusRefundRequested, OrderStatusCancelled},
	OrderStatusRefundRequested: {OrderStatusRefunded},
}

func CanTransitionTo(currentStatus, targetStatus string) bool {
	allowedStatuses, exists := ValidStatusTransitions[currentStatus]
	if !exists {
		return false
	}
	for _, s := range allowedStatuses {
		if s == targetStatus {
			return true
		}
	}
	return false
}

type Order struct {
	ID          int64           `gorm:"primaryKey;autoIncrement" json:"id"`
	UserID      int64           `gorm:"index;not null" json:"user_id"`
	Total       decimal.Decimal `gorm:"type:decimal(20,2);not null" json:"total"`
	Status      string          `gorm:"type:varchar(20);index;not null" json:"status"`
	IsConfirmed bool            `gorm:"not null;default:false" json:"is_confirmed"`
	ConfirmedAt *time.Time      `json:"confirmed_at"`
	CreatedAt   time.Time       `gorm:"autoCreateTime;index" json:"created_at"`
	UpdatedAt   time.Time       `gorm:"autoUpdateTime" json:"updated_at"`
}

func (Order) TableName() string {
	return "orders"
}

const (
	ShipmentStatusPending   = "pending"
	ShipmentStatusShipped   = "shipped"
	ShipmentStatusDelivered = "delivered"
)

// Shipment is read-only from the ledger's point of view.
type Shipment struct {
	ID        int64     `gorm:"primaryKey;autoIncrement" json:"id"`
	OrderID   int64     `gorm:"uniqueIndex;not null" json:"order_id"`
	Status    string    `gorm:"type:varchar(20);not null" json:"status"`
	UpdatedAt time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}

func (Shipment) TableName() string {
	return "shipments"
}
