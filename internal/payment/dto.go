package payment

import (
	"time"

	errors "github.com/HaoranTong/ecommerce-platform-sub004/internal"
	"github.com/HaoranTong/ecommerce-platform-sub004/internal/core/common/validation"
	paymentmodel "github.com/HaoranTong/ecommerce-platform-sub004/internal/core/datamodel/payment"
)

// CreatePaymentRequest is the body of POST /payments.
type CreatePaymentRequest struct {
	OrderID       int64  `json:"order_id"`
	PaymentMethod string `json:"payment_method"`
	AmountCents   int64  `json:"amount_cents"`
	Currency      string `json:"currency"`
}

func (r *CreatePaymentRequest) Validate() error {
	validator := validation.NewValidator()

	validator.Field("order_id", r.OrderID).Required()
	validator.Field("payment_method", r.PaymentMethod).Required()
	validator.Field("amount_cents", r.AmountCents).Required().PositiveInt(errors.ErrCodeInvalidAmount)
	validator.Field("currency", r.Currency).Required().MaxLength(8)

	if appErr := validator.Validate(); appErr != nil {
		return appErr
	}
	return nil
}

// PaymentResponse is the external snapshot of a payment attempt.
type PaymentResponse struct {
	PaymentNo            string     `json:"payment_no"`
	OrderID              int64      `json:"order_id"`
	Status               string     `json:"status"`
	AmountCents          int64      `json:"amount_cents"`
	Currency             string     `json:"currency"`
	Gateway              string     `json:"gateway"`
	PayURL               *string    `json:"pay_url,omitempty"`
	QRCode               *string    `json:"qr_code,omitempty"`
	GatewayTransactionID *string    `json:"gateway_transaction_id,omitempty"`
	FailureReason        *string    `json:"failure_reason,omitempty"`
	PaidAt               *time.Time `json:"paid_at,omitempty"`
	ExpiresAt            time.Time  `json:"expires_at"`
	CreatedAt            time.Time  `json:"created_at"`
}

func ToPaymentResponse(po *paymentmodel.PaymentOrder) *PaymentResponse {
	return &PaymentResponse{
		PaymentNo:            po.PaymentNo,
		OrderID:              po.OrderID,
		Status:               po.Status.String(),
		AmountCents:          po.AmountCents,
		Currency:             po.Currency,
		Gateway:              po.Gateway,
		PayURL:               po.PayURL,
		QRCode:               po.QRCode,
		GatewayTransactionID: po.GatewayTransactionID,
		FailureReason:        po.FailureReason,
		PaidAt:               po.PaidAt,
		ExpiresAt:            po.ExpiresAt,
		CreatedAt:            po.CreatedAt,
	}
}
