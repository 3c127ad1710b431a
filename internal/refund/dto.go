package refund

import (
	"time"

	errors "github.com/HaoranTong/ecommerce-platform-sub004/internal"
	"github.com/HaoranTong/ecommerce-platform-sub004/internal/core/common/validation"
	refundmodel "github.com/HaoranTong/ecommerce-platform-sub004/internal/core/datamodel/refund"
)

// CreateRefundRequest is the body of POST /payments/{paymentNo}/refunds.
type CreateRefundRequest struct {
	AmountCents int64  `json:"amount_cents"`
	Reason      string `json:"reason"`
}

func (r *CreateRefundRequest) Validate() error {
	validator := validation.NewValidator()

	validator.Field("amount_cents", r.AmountCents).Required().PositiveInt(errors.ErrCodeInvalidAmount)
	validator.Field("reason", r.Reason).MaxLength(500)

	if appErr := validator.Validate(); appErr != nil {
		return appErr
	}
	return nil
}

type RefundResponse struct {
	RefundNo        string     `json:"refund_no"`
	PaymentNo       string     `json:"payment_no"`
	AmountCents     int64      `json:"amount_cents"`
	Reason          string     `json:"reason,omitempty"`
	Status          string     `json:"status"`
	GatewayRefundID *string    `json:"gateway_refund_id,omitempty"`
	FailureReason   *string    `json:"failure_reason,omitempty"`
	ProcessedAt     *time.Time `json:"processed_at,omitempty"`
	CreatedAt       time.Time  `json:"created_at"`
}

func ToRefundResponse(rf *refundmodel.Refund, paymentNo string) *RefundResponse {
	return &RefundResponse{
		RefundNo:        rf.RefundNo,
		PaymentNo:       paymentNo,
		AmountCents:     rf.AmountCents,
		Reason:          rf.Reason,
		Status:          string(rf.Status),
		GatewayRefundID: rf.GatewayRefundID,
		FailureReason:   rf.FailureReason,
		ProcessedAt:     rf.ProcessedAt,
		CreatedAt:       rf.CreatedAt,
	}
}

func ToRefundResponses(refunds []*refundmodel.Refund, paymentNo string) []*RefundResponse {
	out := make([]*RefundResponse, 0, len(refunds))
	for _, rf := range refunds {
		out = append(out, ToRefundResponse(rf, paymentNo))
	}
	return out
}
