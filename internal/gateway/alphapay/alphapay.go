// Package alphapay implements the gateway adapter for the AlphaPay provider.
// AlphaPay speaks form-encoded requests with a keyed signature over the sorted
// parameters, and acknowledges callbacks with the literal body "success".
package alphapay

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"time"

	errors "github.com/HaoranTong/ecommerce-platform-sub004/internal"
	"github.com/HaoranTong/ecommerce-platform-sub004/internal/gateway"
)

const Name = "alphapay"

const (
	tradeStatusSuccess = "TRADE_SUCCESS"
	tradeStatusFailed  = "TRADE_FAILED"
	tradeStatusWaiting = "WAIT_PAYMENT"
	tradeStatusClosed  = "TRADE_CLOSED"

	eventTypeTrade  = "trade"
	eventTypeRefund = "refund"
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

type apiResponse struct {
	Code          string `json:"code"`
	Message       string `json:"message"`
	TradeNo       string `json:"trade_no"`
	TransactionID string `json:"transaction_id"`
	TradeStatus   string `json:"trade_status"`
	PayURL        string `json:"pay_url"`
	QRCode        string `json:"qr_code"`
	RefundNo      string `json:"refund_no"`
	PaidAt        string `json:"paid_at"`
}

func (a *Adapter) CreatePayment(ctx context.Context, req *gateway.CreatePaymentRequest) (*gateway.CreatePaymentResponse, error) {
	params := map[string]string{
		"merchant_id":  a.cfg.MerchantID,
		"out_trade_no": req.PaymentNo,
		"total_amount": strconv.FormatInt(req.AmountCents, 10),
		"currency":     req.Currency,
		"subject":      req.Subject,
		"notify_url":   req.NotifyURL,
		"expire_time":  req.ExpiresAt.UTC().Format(time.RFC3339),
	}

	var resp *apiResponse
	var raw []byte
	err := gateway.DoWithRetry(ctx, a.logger, "alphapay.create_payment", func() error {
		var callErr error
		resp, raw, callErr = a.call(ctx, "/gateway/v1/trade/create", params)
		return callErr
	})
	if err != nil {
		return nil, err
	}

	if resp.Code != "SUCCESS" {
		a.logger.Warn("alphapay declined payment creation",
			"out_trade_no", req.PaymentNo,
			"code", resp.Code,
			"message", resp.Message)
		return nil, errors.NewGatewayRejectedError(fmt.Sprintf("alphapay declined: %s (%s)", resp.Message, resp.Code))
	}

	return &gateway.CreatePaymentResponse{
		GatewayOrderID: resp.TradeNo,
		PayURL:         resp.PayURL,
		QRCode:         resp.QRCode,
		Raw:            json.RawMessage(raw),
	}, nil
}

func (a *Adapter) QueryPayment(ctx context.Context, gatewayOrderID string) (*gateway.PaymentStatus, error) {
	params := map[string]string{
		"merchant_id": a.cfg.MerchantID,
		"trade_no":    gatewayOrderID,
	}

	var resp *apiResponse
	err := gateway.DoWithRetry(ctx, a.logger, "alphapay.query_payment", func() error {
		var callErr error
		resp, _, callErr = a.call(ctx, "/gateway/v1/trade/query", params)
		return callErr
	})
	if err != nil {
		return nil, err
	}

	if resp.Code != "SUCCESS" {
		return nil, errors.NewGatewayRejectedError(fmt.Sprintf("alphapay query rejected: %s (%s)", resp.Message, resp.Code))
	}

	status := &gateway.PaymentStatus{
		GatewayOrderID: gatewayOrderID,
		TransactionID:  resp.TransactionID,
	}

	switch resp.TradeStatus {
	case tradeStatusSuccess:
		status.Outcome = gateway.OutcomeSuccess
		if resp.PaidAt != "" {
			if t, err := time.Parse(time.RFC3339, resp.PaidAt); err == nil {
				status.PaidAt = &t
			}
		}
	case tradeStatusFailed, tradeStatusClosed:
		status.Outcome = gateway.OutcomeFailed
	default:
		status.Outcome = gateway.OutcomePending
	}

	return status, nil
}

func (a *Adapter) CreateRefund(ctx context.Context, req *gateway.CreateRefundRequest) (*gateway.CreateRefundResponse, error) {
	params := map[string]string{
		"merchant_id":   a.cfg.MerchantID,
		"transaction_id": req.GatewayTransactionID,
		"out_refund_no": req.RefundNo,
		"refund_amount": strconv.FormatInt(req.AmountCents, 10),
		"reason":        req.Reason,
	}

	var resp *apiResponse
	err := gateway.DoWithRetry(ctx, a.logger, "alphapay.create_refund", func() error {
		var callErr error
		resp, _, callErr = a.call(ctx, "/gateway/v1/trade/refund", params)
		return callErr
	})
	if err != nil {
		return nil, err
	}

	if resp.Code != "SUCCESS" {
		a.logger.Warn("alphapay rejected refund",
			"out_refund_no", req.RefundNo,
			"code", resp.Code,
			"message", resp.Message)
		return nil, errors.NewRefundRejectedError(fmt.Sprintf("alphapay refund rejected: %s (%s)", resp.Message, resp.Code))
	}

	return &gateway.CreateRefundResponse{GatewayRefundID: resp.RefundNo}, nil
}

func (a *Adapter) VerifyCallback(r *http.Request) (*gateway.Notification, error) {
	if err := r.ParseForm(); err != nil {
		return nil, errors.NewAuthenticityError("alphapay callback: malformed form payload", err)
	}

	fields := make(map[string]string, len(r.PostForm))
	for key := range r.PostForm {
		fields[key] = r.PostForm.Get(key)
	}

	sign := fields["sign"]
	if sign == "" {
		return nil, errors.NewAuthenticityError("alphapay callback: missing signature", nil)
	}
	delete(fields, "sign")

	expected := Sign(fields, a.cfg.Secret)
	if !hmac.Equal([]byte(expected), []byte(sign)) {
		return nil, errors.NewAuthenticityError("alphapay callback: signature mismatch", nil)
	}

	n := &gateway.Notification{
		Gateway:         Name,
		GatewayOrderID:  fields["trade_no"],
		TransactionID:   fields["transaction_id"],
		RefundNo:        fields["out_refund_no"],
		GatewayRefundID: fields["refund_no"],
		Currency:        fields["currency"],
		Raw:             fields,
	}

	if fields["event_type"] == eventTypeRefund {
		n.EventType = gateway.EventTypeRefund
	} else {
		n.EventType = gateway.EventTypePayment
	}

	if amount, err := strconv.ParseInt(fields["total_amount"], 10, 64); err == nil {
		n.AmountCents = amount
	}

	switch fields["trade_status"] {
	case tradeStatusSuccess:
		n.Outcome = gateway.OutcomeSuccess
	case tradeStatusFailed, tradeStatusClosed:
		n.Outcome = gateway.OutcomeFailed
	default:
		n.Outcome = gateway.OutcomePending
	}

	if paidAt := fields["paid_at"]; paidAt != "" {
		if t, err := time.Parse(time.RFC3339, paidAt); err == nil {
			n.PaidAt = &t
		}
	}

	return n, nil
}

func (a *Adapter) AckResponse() (string, string) {
	return "text/plain", "success"
}

// call posts signed form parameters and decodes the JSON response. Network
// errors and 5xx responses surface as GATEWAY_UNAVAILABLE so the retry helper
// can apply backoff.
func (a *Adapter) call(ctx context.Context, path string, params map[string]string) (*apiResponse, []byte, error) {
	form := url.Values{}
	for key, value := range params {
		form.Set(key, value)
	}
	form.Set("sign", Sign(params, a.cfg.Secret))

	endpoint := strings.TrimRight(a.cfg.BaseURL, "/") + path
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return nil, nil, errors.NewInternalError("alphapay: failed to build request", err)
	}
	httpReq.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := a.client.Do(httpReq)
	if err != nil {
		return nil, nil, errors.NewGatewayUnavailableError("alphapay unreachable", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, nil, errors.NewGatewayUnavailableError("alphapay: failed to read response", err)
	}

	if resp.StatusCode >= http.StatusInternalServerError {
		return nil, nil, errors.NewGatewayUnavailableError(
			fmt.Sprintf("alphapay returned HTTP %d", resp.StatusCode), nil)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, nil, errors.NewGatewayRejectedError(
			fmt.Sprintf("alphapay returned HTTP %d: %s", resp.StatusCode, string(body)))
	}

	var apiResp apiResponse
	if err := json.Unmarshal(body, &apiResp); err != nil {
		return nil, nil, errors.NewGatewayUnavailableError("alphapay: malformed response body", err)
	}

	return &apiResp, body, nil
}

// Sign computes the AlphaPay signature: uppercase hex HMAC-SHA256 over the
// parameters joined as key=value pairs in ascending key order.
func Sign(params map[string]string, secret string) string {
	keys := make([]string, 0, len(params))
	for key := range params {
		keys = append(keys, key)
	}
	sort.Strings(keys)

	pairs := make([]string, 0, len(keys))
	for _, key := range keys {
		pairs = append(pairs, key+"="+params[key])
	}

	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(strings.Join(pairs, "&")))
	return strings.ToUpper(hex.EncodeToString(mac.Sum(nil)))
}
