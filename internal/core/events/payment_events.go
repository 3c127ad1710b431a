package events

import (
	"time"

	"github.com/google/uuid"
)

const (
	EventTypePaymentPaid     = "payment.paid"
	EventTypePaymentFailed   = "payment.failed"
	EventTypePaymentRefunded = "payment.refunded"
)

type PaymentPaidEvent struct {
	BaseEvent
	PaymentNo            string `json:"payment_no"`
	OrderID              int64  `json:"order_id"`
	AmountCents          int64  `json:"amount_cents"`
	Currency             string `json:"currency"`
	Gateway              string `json:"gateway"`
	GatewayTransactionID string `json:"gateway_transaction_id"`
}

func NewPaymentPaidEvent(paymentNo string, orderID, amountCents int64, currency, gateway, gatewayTransactionID string) *PaymentPaidEvent {
	return &PaymentPaidEvent{
		BaseEvent: BaseEvent{
			ID:        uuid.New().String(),
			Type:      EventTypePaymentPaid,
			Timestamp: time.Now(),
			Data: map[string]interface{}{
				"payment_no":             paymentNo,
				"order_id":               orderID,
				"amount_cents":           amountCents,
				"currency":               currency,
				"gateway":                gateway,
				"gateway_transaction_id": gatewayTransactionID,
			},
		},
		PaymentNo:            paymentNo,
		OrderID:              orderID,
		AmountCents:          amountCents,
		Currency:             currency,
		Gateway:              gateway,
		GatewayTransactionID: gatewayTransactionID,
	}
}

type PaymentFailedEvent struct {
	BaseEvent
	PaymentNo     string `json:"payment_no"`
	OrderID       int64  `json:"order_id"`
	AmountCents   int64  `json:"amount_cents"`
	Gateway       string `json:"gateway"`
	FailureReason string `json:"failure_reason"`
}

func NewPaymentFailedEvent(paymentNo string, orderID, amountCents int64, gateway, failureReason string) *PaymentFailedEvent {
	return &PaymentFailedEvent{
		BaseEvent: BaseEvent{
			ID:        uuid.New().String(),
			Type:      EventTypePaymentFailed,
			Timestamp: time.Now(),
			Data: map[string]interface{}{
				"payment_no":     paymentNo,
				"order_id":       orderID,
				"amount_cents":   amountCents,
				"gateway":        gateway,
				"failure_reason": failureReason,
			},
		},
		PaymentNo:     paymentNo,
		OrderID:       orderID,
		AmountCents:   amountCents,
		Gateway:       gateway,
		FailureReason: failureReason,
	}
}

type PaymentRefundedEvent struct {
	BaseEvent
	PaymentNo          string `json:"payment_no"`
	RefundNo           string `json:"refund_no"`
	OrderID            int64  `json:"order_id"`
	RefundedCents      int64  `json:"refunded_cents"`
	TotalRefundedCents int64  `json:"total_refunded_cents"`
	FullyRefunded      bool   `json:"fully_refunded"`
}

func NewPaymentRefundedEvent(paymentNo, refundNo string, orderID, refundedCents, totalRefundedCents int64, fullyRefunded bool) *PaymentRefundedEvent {
	return &PaymentRefundedEvent{
		BaseEvent: BaseEvent{
			ID:        uuid.New().String(),
			Type:      EventTypePaymentRefunded,
			Timestamp: time.Now(),
			Data: map[string]interface{}{
				"payment_no":           paymentNo,
				"refund_no":            refundNo,
				"order_id":             orderID,
				"refunded_cents":       refundedCents,
				"total_refunded_cents": totalRefundedCents,
				"fully_refunded":       fullyRefunded,
			},
		},
		PaymentNo:          paymentNo,
		RefundNo:           refundNo,
		OrderID:            orderID,
		RefundedCents:      refundedCents,
		TotalRefundedCents: totalRefundedCents,
		FullyRefunded:      fullyRefunded,
	}
}
