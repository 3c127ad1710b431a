package payment

import (
	"time"
)

// PaymentOrder is one payment attempt against an order. Amount and currency are
// fixed at creation and never mutated. Terminal records are retained for audit.
type PaymentOrder struct {
	ID          int64   `gorm:"primaryKey"`
	PaymentNo   string  `gorm:"column:payment_no;not null;uniqueIndex"`
	OrderID     int64   `gorm:"column:order_id;not null;index"`
	UserID      int64   `gorm:"column:user_id;not null"`
	AmountCents int64   `gorm:"column:amount_cents;not null"`
	Currency    string  `gorm:"column:currency;not null"`
	Gateway     string  `gorm:"column:gateway;not null"`

	GatewayOrderID       *string `gorm:"column:gateway_order_id;index"`
	GatewayTransactionID *string `gorm:"column:gateway_transaction_id"`
	PayURL               *string `gorm:"column:pay_url"`
	QRCode               *string `gorm:"column:qr_code"`

	Status        Status  `gorm:"column:status;default:pending"`
	FailureReason *string `gorm:"column:failure_reason"`

	PaidAt    *time.Time `gorm:"column:paid_at"`
	FailedAt  *time.Time `gorm:"column:failed_at"`
	ExpiresAt time.Time  `gorm:"column:expires_at;not null"`
	CreatedAt time.Time  `gorm:"column:created_at"`
	UpdatedAt time.Time  `gorm:"column:updated_at"`
}

func (PaymentOrder) TableName() string {
	return "payment_orders"
}

// RemainingRefundable is the amount still refundable given the cumulative
// non-failed refund total.
func (p *PaymentOrder) RemainingRefundable(refundedCents int64) int64 {
	remaining := p.AmountCents - refundedCents
	if remaining < 0 {
		return 0
	}
	return remaining
}
