package order

import (
	"time"
)

// Order status values the payment engine cares about. The wider order lifecycle
// is owned by the order subsystem; the engine only flips payment-related flags
// in response to its own domain events.
const (
	StatusPendingPayment = "pending_payment"
	StatusPaid           = "paid"
	StatusPaymentFailed  = "payment_failed"
	StatusRefunded       = "refunded"
)

type Order struct {
	ID                 int64     `gorm:"primaryKey"`
	OrderNo            string    `gorm:"column:order_no;not null;uniqueIndex"`
	UserID             int64     `gorm:"column:user_id;not null"`
	PayableAmountCents int64     `gorm:"column:payable_amount_cents;not null"`
	Currency           string    `gorm:"column:currency;not null"`
	Status             string    `gorm:"column:status;default:pending_payment"`
	CreatedAt          time.Time `gorm:"column:created_at"`
	UpdatedAt          time.Time `gorm:"column:updated_at"`
}

func (Order) TableName() string {
	return "orders"
}
