package gateway

import (
	"context"
	"encoding/json"
	"net/http"
	"time"
)

// EventType distinguishes payment outcome notifications from refund outcome
// notifications delivered on the same webhook endpoint.
type EventType string

const (
	EventTypePayment EventType = "payment"
	EventTypeRefund  EventType = "refund"
)

// Outcome is the gateway's reported terminal result, normalized across
// providers.
type Outcome string

const (
	OutcomeSuccess Outcome = "success"
	OutcomeFailed  Outcome = "failed"
	OutcomePending Outcome = "pending"
)

// Adapter normalizes one external payment provider behind a common contract.
// Each implementation owns its own request signing, payload encoding and
// outbound timeout/retry policy. Retries apply only to network-level failures,
// never to business declines.
type Adapter interface {
	// Name is the stable gateway identifier used for adapter lookup and as the
	// dedup ledger namespace.
	Name() string

	// CreatePayment registers the intent with the provider. Fails with a
	// GATEWAY_UNAVAILABLE error on network/timeout and GATEWAY_REJECTED on a
	// business-level decline.
	CreatePayment(ctx context.Context, req *CreatePaymentRequest) (*CreatePaymentResponse, error)

	// QueryPayment is a read-only poll used by reconciliation. Safe to call
	// repeatedly.
	QueryPayment(ctx context.Context, gatewayOrderID string) (*PaymentStatus, error)

	// CreateRefund fails with REFUND_REJECTED when the amount exceeds the
	// remaining refundable balance as seen by the gateway.
	CreateRefund(ctx context.Context, req *CreateRefundRequest) (*CreateRefundResponse, error)

	// VerifyCallback authenticates and parses an inbound notification. A
	// signature/MAC mismatch returns an AUTHENTICITY_ERROR, never a silent nil.
	VerifyCallback(r *http.Request) (*Notification, error)

	// AckResponse is the literal body the provider expects on successful
	// callback processing, so it stops retrying.
	AckResponse() (contentType, body string)
}

type CreatePaymentRequest struct {
	PaymentNo   string
	AmountCents int64
	Currency    string
	Subject     string
	NotifyURL   string
	ExpiresAt   time.Time
}

type CreatePaymentResponse struct {
	GatewayOrderID string
	PayURL         string
	QRCode         string
	Raw            json.RawMessage
}

type PaymentStatus struct {
	GatewayOrderID string
	TransactionID  string
	Outcome        Outcome
	PaidAt         *time.Time
}

type CreateRefundRequest struct {
	RefundNo             string
	GatewayTransactionID string
	AmountCents          int64
	Reason               string
}

type CreateRefundResponse struct {
	GatewayRefundID string
}

// Notification is a verified inbound callback, already authenticated by the
// adapter that parsed it.
type Notification struct {
	Gateway         string
	EventType       EventType
	GatewayOrderID  string
	TransactionID   string
	RefundNo        string
	GatewayRefundID string
	AmountCents     int64
	Currency        string
	Outcome         Outcome
	PaidAt          *time.Time
	Raw             map[string]string
}

// DedupToken is the provider idempotency token keyed into the callback ledger.
// Reconciliation polls build the same token from query results, so a late real
// callback after a reconciliation apply lands on the dedup path.
func (n *Notification) DedupToken() string {
	if n.EventType == EventTypeRefund {
		if n.GatewayRefundID != "" {
			return "refund:" + n.GatewayRefundID
		}
		return "refund:" + n.RefundNo
	}
	if n.TransactionID != "" {
		return n.TransactionID
	}
	return "fail:" + n.GatewayOrderID
}
