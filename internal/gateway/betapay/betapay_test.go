package betapay_test

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"sync/atomic"
	"testing"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	errors "github.com/HaoranTong/ecommerce-platform-sub004/internal"
	"github.com/HaoranTong/ecommerce-platform-sub004/internal/gateway"
	"github.com/HaoranTong/ecommerce-platform-sub004/internal/gateway/betapay"
)

func TestBetapay(t *testing.T) {
	RegisterFailHandler(Fail)
	RunSpecs(t, "BetaPay Suite")
}

const testSecret = "betapay-test-secret"

func newAdapter(baseURL string) *betapay.Adapter {
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError}))
	return betapay.New(betapay.Config{
		BaseURL:    baseURL,
		MerchantID: "M-2001",
		Secret:     testSecret,
		Timeout:    2 * time.Second,
	}, logger)
}

// signedCallback builds a JSON callback request with the digest header set
// over the exact body bytes.
func signedCallback(payload map[string]interface{}) *http.Request {
	body, err := json.Marshal(payload)
	Expect(err).NotTo(HaveOccurred())

	req := httptest.NewRequest(http.MethodPost, "/api/v1/payments/webhook/betapay", bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(betapay.SignatureHeader, betapay.Sign(body, testSecret))
	return req
}

var _ = Describe("Adapter", func() {
	Describe("CreatePayment", func() {
		Context("when the gateway accepts the request", func() {
			It("should sign the body and return the checkout handle", func() {
				var signatureValid atomic.Bool

				server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
					body, err := io.ReadAll(r.Body)
					Expect(err).NotTo(HaveOccurred())
					signatureValid.Store(r.Header.Get(betapay.SignatureHeader) == betapay.Sign(body, testSecret))

					json.NewEncoder(w).Encode(map[string]string{
						"status":       "pending",
						"payment_id":   "bp_9001",
						"checkout_url": "https://betapay.example/checkout/bp_9001",
					})
				}))
				defer server.Close()

				resp, err := newAdapter(server.URL).CreatePayment(context.Background(), &gateway.CreatePaymentRequest{
					PaymentNo:   "PAY-2001",
					AmountCents: 10000,
					Currency:    "USD",
					Subject:     "order 43",
					NotifyURL:   "https://shop.example/api/v1/payments/webhook/betapay",
					ExpiresAt:   time.Now().Add(30 * time.Minute),
				})

				Expect(err).NotTo(HaveOccurred())
				Expect(resp.GatewayOrderID).To(Equal("bp_9001"))
				Expect(resp.PayURL).To(Equal("https://betapay.example/checkout/bp_9001"))
				Expect(signatureValid.Load()).To(BeTrue())
			})
		})

		Context("when the gateway reports a failure body", func() {
			It("should return GATEWAY_REJECTED without retrying", func() {
				var calls atomic.Int32

				server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
					calls.Add(1)
					json.NewEncoder(w).Encode(map[string]string{"status": "failed", "error": "card_declined"})
				}))
				defer server.Close()

				_, err := newAdapter(server.URL).CreatePayment(context.Background(), &gateway.CreatePaymentRequest{
					PaymentNo:   "PAY-2002",
					AmountCents: 700,
					Currency:    "USD",
					ExpiresAt:   time.Now().Add(30 * time.Minute),
				})

				Expect(errors.HasCode(err, errors.ErrCodeGatewayRejected)).To(BeTrue())
				Expect(calls.Load()).To(Equal(int32(1)))
			})
		})

		Context("when the gateway is briefly unavailable", func() {
			It("should retry 5xx responses", func() {
				var calls atomic.Int32

				server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
					if calls.Add(1) == 1 {
						w.WriteHeader(http.StatusBadGateway)
						return
					}
					json.NewEncoder(w).Encode(map[string]string{"status": "pending", "payment_id": "bp_9002"})
				}))
				defer server.Close()

				resp, err := newAdapter(server.URL).CreatePayment(context.Background(), &gateway.CreatePaymentRequest{
					PaymentNo:   "PAY-2003",
					AmountCents: 700,
					Currency:    "USD",
					ExpiresAt:   time.Now().Add(30 * time.Minute),
				})

				Expect(err).NotTo(HaveOccurred())
				Expect(resp.GatewayOrderID).To(Equal("bp_9002"))
				Expect(calls.Load()).To(Equal(int32(2)))
			})
		})
	})

	Describe("QueryPayment", func() {
		It("should map succeeded onto a success outcome", func() {
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				json.NewEncoder(w).Encode(map[string]string{
					"status":    "succeeded",
					"charge_id": "ch_7001",
					"paid_at":   time.Now().UTC().Format(time.RFC3339),
				})
			}))
			defer server.Close()

			status, err := newAdapter(server.URL).QueryPayment(context.Background(), "bp_9001")

			Expect(err).NotTo(HaveOccurred())
			Expect(status.Outcome).To(Equal(gateway.OutcomeSuccess))
			Expect(status.TransactionID).To(Equal("ch_7001"))
			Expect(status.PaidAt).NotTo(BeNil())
		})

		It("should map anything unrecognized onto pending", func() {
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				json.NewEncoder(w).Encode(map[string]string{"status": "requires_action"})
			}))
			defer server.Close()

			status, err := newAdapter(server.URL).QueryPayment(context.Background(), "bp_9001")

			Expect(err).NotTo(HaveOccurred())
			Expect(status.Outcome).To(Equal(gateway.OutcomePending))
		})
	})

	Describe("CreateRefund", func() {
		It("should return the refund id on acceptance", func() {
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				json.NewEncoder(w).Encode(map[string]string{"status": "pending", "refund_id": "re_3001"})
			}))
			defer server.Close()

			resp, err := newAdapter(server.URL).CreateRefund(context.Background(), &gateway.CreateRefundRequest{
				GatewayTransactionID: "ch_7001",
				RefundNo:             "RFD-2001",
				AmountCents:          4000,
				Reason:               "damaged item",
			})

			Expect(err).NotTo(HaveOccurred())
			Expect(resp.GatewayRefundID).To(Equal("re_3001"))
		})

		It("should return REFUND_REJECTED on an error body", func() {
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				json.NewEncoder(w).Encode(map[string]string{"status": "failed", "error": "charge_already_refunded"})
			}))
			defer server.Close()

			_, err := newAdapter(server.URL).CreateRefund(context.Background(), &gateway.CreateRefundRequest{
				GatewayTransactionID: "ch_7001",
				RefundNo:             "RFD-2002",
				AmountCents:          4000,
			})

			Expect(errors.HasCode(err, errors.ErrCodeRefundRejected)).To(BeTrue())
		})
	})

	Describe("VerifyCallback", func() {
		payload := map[string]interface{}{
			"event_type": "payment.updated",
			"payment_id": "bp_9001",
			"charge_id":  "ch_7001",
			"reference":  "PAY-2001",
			"amount":     10000,
			"currency":   "USD",
			"status":     "succeeded",
		}

		It("should accept a correctly signed payment notification", func() {
			n, err := newAdapter("http://unused").VerifyCallback(signedCallback(payload))

			Expect(err).NotTo(HaveOccurred())
			Expect(n.Gateway).To(Equal(betapay.Name))
			Expect(n.EventType).To(Equal(gateway.EventTypePayment))
			Expect(n.GatewayOrderID).To(Equal("bp_9001"))
			Expect(n.TransactionID).To(Equal("ch_7001"))
			Expect(n.AmountCents).To(Equal(int64(10000)))
			Expect(n.Outcome).To(Equal(gateway.OutcomeSuccess))
		})

		It("should route refund.updated events with the refund reference", func() {
			refundPayload := map[string]interface{}{
				"event_type": "refund.updated",
				"payment_id": "bp_9001",
				"refund_id":  "re_3001",
				"reference":  "RFD-2001",
				"amount":     4000,
				"status":     "succeeded",
			}

			n, err := newAdapter("http://unused").VerifyCallback(signedCallback(refundPayload))

			Expect(err).NotTo(HaveOccurred())
			Expect(n.EventType).To(Equal(gateway.EventTypeRefund))
			Expect(n.RefundNo).To(Equal("RFD-2001"))
			Expect(n.GatewayRefundID).To(Equal("re_3001"))
		})

		It("should reject a body that no longer matches the digest", func() {
			req := signedCallback(payload)

			tamperedBody, err := json.Marshal(map[string]interface{}{
				"event_type": "payment.updated",
				"payment_id": "bp_9001",
				"amount":     1,
				"status":     "succeeded",
			})
			Expect(err).NotTo(HaveOccurred())

			tampered := httptest.NewRequest(http.MethodPost, "/api/v1/payments/webhook/betapay", bytes.NewReader(tamperedBody))
			tampered.Header.Set(betapay.SignatureHeader, req.Header.Get(betapay.SignatureHeader))

			_, verr := newAdapter("http://unused").VerifyCallback(tampered)

			Expect(errors.HasCode(verr, errors.ErrCodeAuthenticityError)).To(BeTrue())
		})

		It("should reject a missing signature header", func() {
			body, err := json.Marshal(payload)
			Expect(err).NotTo(HaveOccurred())

			req := httptest.NewRequest(http.MethodPost, "/api/v1/payments/webhook/betapay", bytes.NewReader(body))

			_, verr := newAdapter("http://unused").VerifyCallback(req)

			Expect(errors.HasCode(verr, errors.ErrCodeAuthenticityError)).To(BeTrue())
		})
	})

	Describe("AckResponse", func() {
		It("should acknowledge with the JSON success envelope", func() {
			contentType, body := newAdapter("http://unused").AckResponse()

			Expect(contentType).To(Equal("application/json"))
			Expect(body).To(Equal(`{"code":"SUCCESS"}`))
		})
	})
})
