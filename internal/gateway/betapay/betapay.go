// Package betapay implements the gateway adapter for the BetaPay provider.
// BetaPay exchanges JSON bodies signed with an HMAC-SHA256 digest carried in
// the X-Betapay-Signature header, and expects the JSON ack {"code":"SUCCESS"}.
package betapay

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	errors "github.com/HaoranTong/ecommerce-platform-sub004/internal"
	"github.com/HaoranTong/ecommerce-platform-sub004/internal/gateway"
)

const Name = "betapay"

const SignatureHeader = "X-Betapay-Signature"

const (
	statusSucceeded = "succeeded"
	statusFailed    = "failed"
	statusPending   = "pending"
)

type Config struct {
	BaseURL    string
	MerchantID string
	Secret     string
	Timeout    time.Duration
}

type Adapter struct {
	cfg    Config
	client *http.Client
	logger *slog.Logger
}

func New(cfg Config, logger *slog.Logger) *Adapter {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Adapter{
		cfg:    cfg,
		client: &http.Client{Timeout: timeout},
		logger: logger,
	}
}

func (a *Adapter) Name() string {
	return Name
}

type createPaymentPayload struct {
	MerchantID string `json:"merchant_id"`
	Reference  string `json:"reference"`
	Amount     int64  `json:"amount"`
	Currency   string `json:"currency"`
	Subject    string `json:"subject"`
	NotifyURL  string `json:"notify_url"`
	ExpiresAt  string `json:"expires_at"`
}

type createRefundPayload struct {
	MerchantID string `json:"merchant_id"`
	ChargeID   string `json:"charge_id"`
	Reference  string `json:"reference"`
	Amount     int64  `json:"amount"`
	Reason     string `json:"reason"`
}

type queryPayload struct {
	MerchantID string `json:"merchant_id"`
	PaymentID  string `json:"payment_id"`
}

type apiResponse struct {
	Status      string `json:"status"`
	Error       string `json:"error,omitempty"`
	PaymentID   string `json:"payment_id,omitempty"`
	ChargeID    string `json:"charge_id,omitempty"`
	RefundID    string `json:"refund_id,omitempty"`
	CheckoutURL string `json:"checkout_url,omitempty"`
	QRCode      string `json:"qr_code,omitempty"`
	PaidAt      string `json:"paid_at,omitempty"`
}

func (a *Adapter) CreatePayment(ctx context.Context, req *gateway.CreatePaymentRequest) (*gateway.CreatePaymentResponse, error) {
	payload := createPaymentPayload{
		MerchantID: a.cfg.MerchantID,
		Reference:  req.PaymentNo,
		Amount:     req.AmountCents,
		Currency:   req.Currency,
		Subject:    req.Subject,
		NotifyURL:  req.NotifyURL,
		ExpiresAt:  req.ExpiresAt.UTC().Format(time.RFC3339),
	}

	var resp *apiResponse
	var raw []byte
	err := gateway.DoWithRetry(ctx, a.logger, "betapay.create_payment", func() error {
		var callErr error
		resp, raw, callErr = a.call(ctx, "/v1/payments", payload)
		return callErr
	})
	if err != nil {
		return nil, err
	}

	if resp.Status == statusFailed || resp.Error != "" {
		a.logger.Warn("betapay declined payment creation",
			"reference", req.PaymentNo,
			"error", resp.Error)
		return nil, errors.NewGatewayRejectedError("betapay declined: " + resp.Error)
	}

	return &gateway.CreatePaymentResponse{
		GatewayOrderID: resp.PaymentID,
		PayURL:         resp.CheckoutURL,
		QRCode:         resp.QRCode,
		Raw:            json.RawMessage(raw),
	}, nil
}

func (a *Adapter) QueryPayment(ctx context.Context, gatewayOrderID string) (*gateway.PaymentStatus, error) {
	payload := queryPayload{
		MerchantID: a.cfg.MerchantID,
		PaymentID:  gatewayOrderID,
	}

	var resp *apiResponse
	err := gateway.DoWithRetry(ctx, a.logger, "betapay.query_payment", func() error {
		var callErr error
		resp, _, callErr = a.call(ctx, "/v1/payments/query", payload)
		return callErr
	})
	if err != nil {
		return nil, err
	}

	status := &gateway.PaymentStatus{
		GatewayOrderID: gatewayOrderID,
		TransactionID:  resp.ChargeID,
	}

	switch resp.Status {
	case statusSucceeded:
		status.Outcome = gateway.OutcomeSuccess
		if resp.PaidAt != "" {
			if t, err := time.Parse(time.RFC3339, resp.PaidAt); err == nil {
				status.PaidAt = &t
			}
		}
	case statusFailed:
		status.Outcome = gateway.OutcomeFailed
	default:
		status.Outcome = gateway.OutcomePending
	}

	return status, nil
}

func (a *Adapter) CreateRefund(ctx context.Context, req *gateway.CreateRefundRequest) (*gateway.CreateRefundResponse, error) {
	payload := createRefundPayload{
		MerchantID: a.cfg.MerchantID,
		ChargeID:   req.GatewayTransactionID,
		Reference:  req.RefundNo,
		Amount:     req.AmountCents,
		Reason:     req.Reason,
	}

	var resp *apiResponse
	err := gateway.DoWithRetry(ctx, a.logger, "betapay.create_refund", func() error {
		var callErr error
		resp, _, callErr = a.call(ctx, "/v1/refunds", payload)
		return callErr
	})
	if err != nil {
		return nil, err
	}

	if resp.Status == statusFailed || resp.Error != "" {
		a.logger.Warn("betapay rejected refund",
			"reference", req.RefundNo,
			"error", resp.Error)
		return nil, errors.NewRefundRejectedError("betapay refund rejected: " + resp.Error)
	}

	return &gateway.CreateRefundResponse{GatewayRefundID: resp.RefundID}, nil
}

type notificationPayload struct {
	EventType string `json:"event_type"`
	PaymentID string `json:"payment_id"`
	ChargeID  string `json:"charge_id"`
	RefundID  string `json:"refund_id"`
	Reference string `json:"reference"`
	Amount    int64  `json:"amount"`
	Currency  string `json:"currency"`
	Status    string `json:"status"`
	PaidAt    string `json:"paid_at"`
}

func (a *Adapter) VerifyCallback(r *http.Request) (*gateway.Notification, error) {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		return nil, errors.NewAuthenticityError("betapay callback: failed to read body", err)
	}

	sig := r.Header.Get(SignatureHeader)
	if sig == "" {
		return nil, errors.NewAuthenticityError("betapay callback: missing signature header", nil)
	}

	expected := Sign(body, a.cfg.Secret)
	if !hmac.Equal([]byte(expected), []byte(sig)) {
		return nil, errors.NewAuthenticityError("betapay callback: signature mismatch", nil)
	}

	var payload notificationPayload
	if err := json.Unmarshal(body, &payload); err != nil {
		return nil, errors.NewAuthenticityError("betapay callback: malformed JSON payload", err)
	}

	n := &gateway.Notification{
		Gateway:         Name,
		GatewayOrderID:  payload.PaymentID,
		TransactionID:   payload.ChargeID,
		GatewayRefundID: payload.RefundID,
		AmountCents:     payload.Amount,
		Currency:        payload.Currency,
	}

	if payload.EventType == "refund.updated" {
		n.EventType = gateway.EventTypeRefund
		n.RefundNo = payload.Reference
	} else {
		n.EventType = gateway.EventTypePayment
	}

	switch payload.Status {
	case statusSucceeded:
		n.Outcome = gateway.OutcomeSuccess
	case statusFailed:
		n.Outcome = gateway.OutcomeFailed
	default:
		n.Outcome = gateway.OutcomePending
	}

	if payload.PaidAt != "" {
		if t, err := time.Parse(time.RFC3339, payload.PaidAt); err == nil {
			n.PaidAt = &t
		}
	}

	return n, nil
}

func (a *Adapter) AckResponse() (string, string) {
	return "application/json", `{"code":"SUCCESS"}`
}

func (a *Adapter) call(ctx context.Context, path string, payload interface{}) (*apiResponse, []byte, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, nil, errors.NewInternalError("betapay: failed to marshal request", err)
	}

	endpoint := strings.TrimRight(a.cfg.BaseURL, "/") + path
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, nil, errors.NewInternalError("betapay: failed to build request", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set(SignatureHeader, Sign(body, a.cfg.Secret))

	resp, err := a.client.Do(httpReq)
	if err != nil {
		return nil, nil, errors.NewGatewayUnavailableError("betapay unreachable", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, nil, errors.NewGatewayUnavailableError("betapay: failed to read response", err)
	}

	if resp.StatusCode >= http.StatusInternalServerError {
		return nil, nil, errors.NewGatewayUnavailableError(
			fmt.Sprintf("betapay returned HTTP %d", resp.StatusCode), nil)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, nil, errors.NewGatewayRejectedError(
			fmt.Sprintf("betapay returned HTTP %d: %s", resp.StatusCode, string(respBody)))
	}

	var apiResp apiResponse
	if err := json.Unmarshal(respBody, &apiResp); err != nil {
		return nil, nil, errors.NewGatewayUnavailableError("betapay: malformed response body", err)
	}

	return &apiResp, respBody, nil
}

// Sign computes the hex HMAC-SHA256 digest of the raw body.
func Sign(body []byte, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}
