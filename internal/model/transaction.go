package model

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/datatypes"
)

// ============================================================================
// Transaction vocabulary
// ============================================================================

const (
	TransactionTypeRecharge = "recharge"
	TransactionTypePurchase = "purchase"
	TransactionTypeIncome   = "income"
	TransactionTypeRefund   = "refund"
)

const (
	PaymentMethodManual = "manual"
	PaymentMethodAlipay = "alipay"
	PaymentMethodPayPal = "paypal"
	PaymentMethodNets   = "nets"
)

const (
	TransactionStatusPending    = "pending"
	TransactionStatusAuthorized = "authorized"
	TransactionStatusProcessing = "processing"
	TransactionStatusCompleted  = "completed"
	TransactionStatusFailed     = "failed"
)

// Attribute keys carried in Transaction.Attributes.
const (
	AttrPayPalOrderID   = "paypal_order_id"
	AttrPayPalCaptureID = "paypal_capture_id"
	AttrAlipayTradeNo   = "alipay_trade_no"
	AttrNetsTxnRef      = "nets_txn_ref"
	AttrRefundID        = "refund_id"
	AttrRefundOf        = "refund_of"
	AttrOutRequestNo    = "out_request_no"
	AttrFailureReason   = "failure_reason"
	AttrAuthorizedAt    = "authorized_at"
	AttrRelatedTxn      = "related_txn"
	AttrReversalOf      = "reversal_of"
	AttrProviderStatus  = "provider_status"
	AttrLatePayment     = "late_payment"
)

// Transaction is one ledger entry. Once completed it is never updated again;
// corrections are made by appending a compensating row.
type Transaction struct {
	ID            int64             `gorm:"primaryKey;autoIncrement" json:"id"`
	UserID        int64             `gorm:"index;not null" json:"user_id"`
	OrderID       *int64            `gorm:"index" json:"order_id,omitempty"`
	OutTradeNo    *string           `gorm:"type:varchar(64);uniqueIndex" json:"out_trade_no,omitempty"`
	Type          string            `gorm:"type:varchar(20);index;not null" json:"type"`
	PaymentMethod *string           `gorm:"type:varchar(20)" json:"payment_method,omitempty"`
	Amount        decimal.Decimal   `gorm:"type:decimal(20,2);not null" json:"amount"` // signed: positive credits the wallet
	BalanceBefore decimal.Decimal   `gorm:"type:decimal(20,2);not null;default:0" json:"balance_before"`
	BalanceAfter  decimal.Decimal   `gorm:"type:decimal(20,2);not null;default:0" json:"balance_after"`
	Status        string            `gorm:"type:varchar(20);index;not null" json:"status"`
	Description   string            `gorm:"type:varchar(512)" json:"description"`
	Attributes    datatypes.JSONMap `gorm:"type:json" json:"attributes,omitempty"`
	RefundOf      *int64            `gorm:"index" json:"refund_of,omitempty"`
	RefundGuard   *string           `gorm:"type:varchar(64);uniqueIndex" json:"-"`
	CreatedAt     time.Time         `gorm:"autoCreateTime;index" json:"created_at"`
	UpdatedAt     time.Time         `gorm:"autoUpdateTime" json:"updated_at"`
}

func (Transaction) TableName() string {
	return "transactions"
}

// Attr returns the string form of an attribute, or "" when absent.
func (t *Transaction) Attr(key string) string {
	if t.Attributes == nil {
		return ""
	}
	v, ok := t.Attributes[key]
	if !ok || v == nil {
		return ""
	}
	if s, ok := v.(string); ok {
		return s
	}
	return fmt.Sprint(v)
}

// Method returns the payment method or "" for rows without one.
func (t *Transaction) Method() string {
	if t.PaymentMethod == nil {
		return ""
	}
	return *t.PaymentMethod
}

// MergeAttributes copies non-empty values into the attribute map.
func (t *Transaction) MergeAttributes(attrs map[string]string) {
	if len(attrs) == 0 {
		return
	}
	if t.Attributes == nil {
		t.Attributes = datatypes.JSONMap{}
	}
	for k, v := range attrs {
		if v == "" {
			continue
		}
		t.Attributes[k] = v
	}
}

// IsTerminal reports whether the row can no longer change status.
func (t *Transaction) IsTerminal() bool {
	return t.Status == TransactionStatusCompleted || t.Status == TransactionStatusFailed
}

// RenderDescription builds the human-readable audit line shown in wallet
// history. Nothing parses it back; identifiers live in Attributes.
func RenderDescription(txType, method string, amount decimal.Decimal, attrs map[string]interface{}) string {
	var b strings.Builder
	switch txType {
	case TransactionTypeRecharge:
		b.WriteString("Wallet recharge")
	case TransactionTypePurchase:
		b.WriteString("Order payment")
	case TransactionTypeIncome:
		b.WriteString("Order settlement income")
	case TransactionTypeRefund:
		b.WriteString("Refund")
	default:
		b.WriteString(txType)
	}
	b.WriteString(" ")
	b.WriteString(amount.Abs().StringFixed(2))
	if method != "" {
		b.WriteString(" via ")
		b.WriteString(method)
	}

	keys := make([]string, 0, len(attrs))
	for k := range attrs {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		if v := fmt.Sprint(attrs[k]); v != "" {
			fmt.Fprintf(&b, "; %s:%s", k, v)
		}
	}
	return b.String()
}

// StringPtr is a small helper for the nullable string columns.
func StringPtr(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

// Int64Ptr is the int64 counterpart of StringPtr.
func Int64Ptr(v int64) *int64 {
	return &v
}
