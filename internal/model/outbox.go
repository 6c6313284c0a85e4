package model

import (
	"time"
)

const (
	OutboxStatusPending = "PENDING"
	OutboxStatusSent    = "SENT"
	OutboxStatusFailed  = "FAILED"
)

// Ledger event types published through the outbox.
const (
	EventRechargeCompleted = "recharge.completed"
	EventRechargeFailed    = "recharge.failed"
	EventOrderFrozen       = "order.frozen"
	EventOrderSettled      = "order.settled"
	EventOrderReleased     = "order.released"
	EventRefundCompleted   = "refund.completed"
	EventRefundFailed      = "refund.failed"
)

// OutboxMessage is written in the same unit of work as the ledger change it
// describes and relayed to Kafka by job.OutboxSender.
type OutboxMessage struct {
	ID         int64     `gorm:"primaryKey;autoIncrement" json:"id"`
	EventType  string    `gorm:"type:varchar(40);not null" json:"event_type"`
	MessageKey string    `gorm:"type:varchar(64);not null" json:"message_key"`
	Topic      string    `gorm:"type:varchar(64);not null" json:"topic"`
	Payload    string    `gorm:"type:text;not null" json:"payload"`
	Status     string    `gorm:"type:varchar(20);index;not null;default:PENDING" json:"status"`
	RetryCount int       `gorm:"not null;default:0" json:"retry_count"`
	CreatedAt  time.Time `gorm:"autoCreateTime;index" json:"created_at"`
	UpdatedAt  time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}

func (OutboxMessage) TableName() string {
	return "outbox_message"
}
