package refund

import (
	"time"
)

type Status string

const (
	StatusProcessing Status = "processing"
	StatusSuccess    Status = "success"
	StatusFailed     Status = "failed"
)

// Refund belongs to exactly one PaymentOrder and cannot be reassigned. The sum
// of non-failed refund amounts never exceeds the payment amount; the refund
// repository enforces this under the payment row lock.
type Refund struct {
	ID          int64  `gorm:"primaryKey"`
	RefundNo    string `gorm:"column:refund_no;not null;uniqueIndex"`
	PaymentID   int64  `gorm:"column:payment_id;not null;index"`
	AmountCents int64  `gorm:"column:amount_cents;not null"`
	Reason      string `gorm:"column:reason"`

	Status          Status  `gorm:"column:status;default:processing"`
	GatewayRefundID *string `gorm:"column:gateway_refund_id;index"`
	FailureReason   *string `gorm:"column:failure_reason"`

	ProcessedAt *time.Time `gorm:"column:processed_at"`
	CreatedAt   time.Time  `gorm:"column:created_at"`
	UpdatedAt   time.Time  `gorm:"column:updated_at"`
}

func (Refund) TableName() string {
	return "refunds"
}

// CountsTowardRefunded reports whether this refund consumes refundable balance.
func (r *Refund) CountsTowardRefunded() bool {
	return r.Status != StatusFailed
}
