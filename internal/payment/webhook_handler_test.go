package payment_test

import (
	"log/slog"
	"net/http"
	"net/http/httptest"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/go-chi/chi"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	paymentmodel "github.com/HaoranTong/ecommerce-platform-sub004/internal/core/datamodel/payment"
	"github.com/HaoranTong/ecommerce-platform-sub004/internal/core/events"
	"github.com/HaoranTong/ecommerce-platform-sub004/internal/gateway"
	"github.com/HaoranTong/ecommerce-platform-sub004/internal/gateway/alphapay"
	paymentPkg "github.com/HaoranTong/ecommerce-platform-sub004/internal/payment"
	"github.com/HaoranTong/ecommerce-platform-sub004/internal/transport"
)

const webhookSecret = "webhook-test-secret"

var _ = Describe("WebhookHandler", func() {
	var (
		router   *chi.Mux
		mockRepo *mockNotificationRepository
		po       *paymentmodel.PaymentOrder
		logger   *slog.Logger
	)

	gatewayOrderID := "ALI-8001"

	// post routes a signed alphapay callback through the real adapter's
	// signature verification.
	post := func(fields map[string]string, secret string) *httptest.ResponseRecorder {
		form := url.Values{}
		for key, value := range fields {
			form.Set(key, value)
		}
		form.Set("sign", alphapay.Sign(fields, secret))

		req := httptest.NewRequest(http.MethodPost, "/api/v1/payments/webhook/alphapay", strings.NewReader(form.Encode()))
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

		rec := httptest.NewRecorder()
		router.ServeHTTP(rec, req)
		return rec
	}

	successFields := func() map[string]string {
		return map[string]string{
			"trade_no":       gatewayOrderID,
			"out_trade_no":   "PAY-8001",
			"transaction_id": "TXN-8001",
			"total_amount":   "10000",
			"currency":       "USD",
			"trade_status":   "TRADE_SUCCESS",
		}
	}

	BeforeEach(func() {
		logger = slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError}))

		po = &paymentmodel.PaymentOrder{
			ID:             1,
			PaymentNo:      "PAY-8001",
			OrderID:        42,
			AmountCents:    10000,
			Currency:       "USD",
			Gateway:        alphapay.Name,
			GatewayOrderID: &gatewayOrderID,
			Status:         paymentmodel.StatusCreated,
			ExpiresAt:      time.Now().Add(30 * time.Minute),
		}
		mockRepo = newMockNotificationRepository(po)

		adapter := alphapay.New(alphapay.Config{
			BaseURL:    "http://unused",
			MerchantID: "M-1001",
			Secret:     webhookSecret,
		}, logger)

		processor := paymentPkg.NewProcessor(mockRepo, &stubRefundHandler{}, events.NewEventBus(logger), logger)
		handler := paymentPkg.NewWebhookHandler(transport.NewBaseHandler(logger), gateway.NewRegistry(adapter), processor, logger)

		router = chi.NewRouter()
		router.Post("/api/v1/payments/webhook/{gateway}", handler.HandleCallback)
	})

	Context("when a valid success callback arrives", func() {
		It("should apply the transition and return the provider ack", func() {
			rec := post(successFields(), webhookSecret)

			Expect(rec.Code).To(Equal(http.StatusOK))
			Expect(rec.Header().Get("Content-Type")).To(Equal("text/plain"))
			Expect(rec.Body.String()).To(Equal("success"))
			Expect(po.Status).To(Equal(paymentmodel.StatusPaid))
		})
	})

	Context("when the gateway redelivers the same callback", func() {
		It("should transition once and acknowledge every delivery identically", func() {
			for i := 0; i < 5; i++ {
				rec := post(successFields(), webhookSecret)
				Expect(rec.Code).To(Equal(http.StatusOK))
				Expect(rec.Body.String()).To(Equal("success"))
			}

			Expect(po.Status).To(Equal(paymentmodel.StatusPaid))
			Expect(mockRepo.applied).To(Equal(1))
		})
	})

	Context("when the signature does not verify", func() {
		It("should return 401 and change no state", func() {
			rec := post(successFields(), "forged-secret")

			Expect(rec.Code).To(Equal(http.StatusUnauthorized))
			Expect(po.Status).To(Equal(paymentmodel.StatusCreated))
			Expect(mockRepo.applied).To(BeZero())
		})
	})

	Context("when the gateway route is unknown", func() {
		It("should return 404", func() {
			req := httptest.NewRequest(http.MethodPost, "/api/v1/payments/webhook/gammapay", strings.NewReader(""))
			rec := httptest.NewRecorder()
			router.ServeHTTP(rec, req)

			Expect(rec.Code).To(Equal(http.StatusNotFound))
		})
	})

	Context("when the callback references an unknown payment", func() {
		It("should return 400 so the provider stops redelivering", func() {
			fields := successFields()
			fields["trade_no"] = "ALI-unknown"

			rec := post(fields, webhookSecret)

			Expect(rec.Code).To(Equal(http.StatusBadRequest))
		})
	})

	Context("when the callback conflicts with a terminal state", func() {
		It("should return 409 and leave the state untouched", func() {
			po.Status = paymentmodel.StatusCancelled

			rec := post(successFields(), webhookSecret)

			Expect(rec.Code).To(Equal(http.StatusConflict))
			Expect(po.Status).To(Equal(paymentmodel.StatusCancelled))

			// The ledger insert rolled back with the conflict, so a later
			// identical delivery is still rejected rather than absorbed.
			rec = post(successFields(), webhookSecret)
			Expect(rec.Code).To(Equal(http.StatusConflict))
		})
	})
})
