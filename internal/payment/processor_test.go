package payment_test

import (
	"context"
	"log/slog"
	"os"
	"sync"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	errors "github.com/HaoranTong/ecommerce-platform-sub004/internal"
	paymentmodel "github.com/HaoranTong/ecommerce-platform-sub004/internal/core/datamodel/payment"
	"github.com/HaoranTong/ecommerce-platform-sub004/internal/core/events"
	"github.com/HaoranTong/ecommerce-platform-sub004/internal/gateway"
	paymentPkg "github.com/HaoranTong/ecommerce-platform-sub004/internal/payment"
)

// mockNotificationRepository mimics the transactional notification unit: a
// dedup ledger keyed by (gateway, token) and in-place status updates against a
// single payment row.
type mockNotificationRepository struct {
	mu      sync.Mutex
	payment *paymentmodel.PaymentOrder
	ledger  map[string]bool
	applied int
}

func newMockNotificationRepository(po *paymentmodel.PaymentOrder) *mockNotificationRepository {
	return &mockNotificationRepository{
		payment: po,
		ledger:  make(map[string]bool),
	}
}

func (m *mockNotificationRepository) ApplyNotification(
	_ context.Context,
	gatewayName, gatewayOrderID, token, _ string,
	decide func(po *paymentmodel.PaymentOrder) (*paymentPkg.StatusUpdate, error),
) (paymentPkg.ApplyOutcome, *paymentmodel.PaymentOrder, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.payment == nil || m.payment.Gateway != gatewayName ||
		m.payment.GatewayOrderID == nil || *m.payment.GatewayOrderID != gatewayOrderID {
		return 0, nil, errors.ErrPaymentNotFound
	}

	key := gatewayName + "|" + token
	if m.ledger[key] {
		copied := *m.payment
		return paymentPkg.OutcomeDuplicate, &copied, nil
	}

	update, err := decide(m.payment)
	if err != nil {
		// decide errors roll the ledger insert back
		return 0, nil, err
	}

	m.ledger[key] = true

	if update == nil {
		copied := *m.payment
		return paymentPkg.OutcomeNoop, &copied, nil
	}

	m.payment.Status = update.To
	if update.GatewayTransactionID != nil {
		m.payment.GatewayTransactionID = update.GatewayTransactionID
	}
	if update.PaidAt != nil {
		m.payment.PaidAt = update.PaidAt
	}
	if update.FailedAt != nil {
		m.payment.FailedAt = update.FailedAt
	}
	if update.FailureReason != nil {
		m.payment.FailureReason = update.FailureReason
	}
	m.applied++

	copied := *m.payment
	return paymentPkg.OutcomeApplied, &copied, nil
}

// stubRefundHandler records refund notifications routed to it.
type stubRefundHandler struct {
	mu       sync.Mutex
	received []*gateway.Notification
}

func (s *stubRefundHandler) ProcessRefundNotification(_ context.Context, n *gateway.Notification) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.received = append(s.received, n)
	return nil
}

func (s *stubRefundHandler) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.received)
}

// eventCounter counts published events per type, safe for the async bus.
type eventCounter struct {
	mu     sync.Mutex
	counts map[string]int
}

func newEventCounter(bus *events.EventBus, eventTypes ...string) *eventCounter {
	c := &eventCounter{counts: make(map[string]int)}
	for _, et := range eventTypes {
		et := et
		bus.Subscribe(et, func(_ context.Context, e events.Event) error {
			c.mu.Lock()
			defer c.mu.Unlock()
			c.counts[e.EventType()]++
			return nil
		})
	}
	return c
}

func (c *eventCounter) count(eventType string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.counts[eventType]
}

var _ = Describe("Processor", func() {
	var (
		processor *paymentPkg.Processor
		notifRepo *mockNotificationRepository
		refunds   *stubRefundHandler
		bus       *events.EventBus
		counter   *eventCounter
		po        *paymentmodel.PaymentOrder
		logger    *slog.Logger
	)

	gatewayOrderID := "GW-2001"

	BeforeEach(func() {
		logger = slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError}))

		po = &paymentmodel.PaymentOrder{
			ID:             1,
			PaymentNo:      "PAY-test-1",
			OrderID:        7,
			AmountCents:    10000,
			Currency:       "USD",
			Gateway:        "alphapay",
			GatewayOrderID: &gatewayOrderID,
			Status:         paymentmodel.StatusCreated,
			ExpiresAt:      time.Now().Add(time.Hour),
		}
		notifRepo = newMockNotificationRepository(po)
		refunds = &stubRefundHandler{}
		bus = events.NewEventBus(logger)
		counter = newEventCounter(bus, events.EventTypePaymentPaid, events.EventTypePaymentFailed)

		processor = paymentPkg.NewProcessor(notifRepo, refunds, bus, logger)
	})

	successNotification := func() *gateway.Notification {
		return &gateway.Notification{
			Gateway:        "alphapay",
			EventType:      gateway.EventTypePayment,
			GatewayOrderID: gatewayOrderID,
			TransactionID:  "TXN-9001",
			AmountCents:    10000,
			Currency:       "USD",
			Outcome:        gateway.OutcomeSuccess,
		}
	}

	Describe("ProcessNotification", func() {
		Context("when a success notification arrives", func() {
			It("should move the payment to paid and publish one event", func() {
				err := processor.ProcessNotification(context.Background(), successNotification())

				Expect(err).NotTo(HaveOccurred())
				Expect(po.Status).To(Equal(paymentmodel.StatusPaid))
				Expect(*po.GatewayTransactionID).To(Equal("TXN-9001"))
				Eventually(func() int { return counter.count(events.EventTypePaymentPaid) }).Should(Equal(1))
			})
		})

		Context("when the same notification is delivered five times", func() {
			It("should apply exactly one transition and publish exactly one event", func() {
				for i := 0; i < 5; i++ {
					err := processor.ProcessNotification(context.Background(), successNotification())
					Expect(err).NotTo(HaveOccurred())
				}

				Expect(po.Status).To(Equal(paymentmodel.StatusPaid))
				Expect(notifRepo.applied).To(Equal(1))
				Eventually(func() int { return counter.count(events.EventTypePaymentPaid) }).Should(Equal(1))
				Consistently(func() int { return counter.count(events.EventTypePaymentPaid) }).Should(Equal(1))
			})
		})

		Context("when a failure notification arrives", func() {
			It("should move the payment to failed with the reported reason", func() {
				n := successNotification()
				n.TransactionID = ""
				n.Outcome = gateway.OutcomeFailed
				n.Raw = map[string]string{"trade_status": "TRADE_FAILED"}

				err := processor.ProcessNotification(context.Background(), n)

				Expect(err).NotTo(HaveOccurred())
				Expect(po.Status).To(Equal(paymentmodel.StatusFailed))
				Expect(*po.FailureReason).To(Equal("TRADE_FAILED"))
				Eventually(func() int { return counter.count(events.EventTypePaymentFailed) }).Should(Equal(1))
			})
		})

		Context("when a conflicting notification arrives after a terminal state", func() {
			It("should reject with INVALID_STATE_TRANSITION and keep the ledger clean", func() {
				err := processor.ProcessNotification(context.Background(), successNotification())
				Expect(err).NotTo(HaveOccurred())
				Expect(po.Status).To(Equal(paymentmodel.StatusPaid))

				conflicting := successNotification()
				conflicting.TransactionID = ""
				conflicting.Outcome = gateway.OutcomeFailed

				err = processor.ProcessNotification(context.Background(), conflicting)
				Expect(errors.HasCode(err, errors.ErrCodeInvalidStateTransition)).To(BeTrue())
				Expect(po.Status).To(Equal(paymentmodel.StatusPaid))
			})
		})

		Context("when a success notification repeats after the payment is already paid", func() {
			It("should treat a differently-tokened redelivery as a no-op", func() {
				err := processor.ProcessNotification(context.Background(), successNotification())
				Expect(err).NotTo(HaveOccurred())

				// Same outcome but a fresh token, as a reconciliation apply
				// followed by a late real callback would produce.
				late := successNotification()
				late.TransactionID = "TXN-9001-late"

				err = processor.ProcessNotification(context.Background(), late)
				Expect(err).NotTo(HaveOccurred())
				Expect(po.Status).To(Equal(paymentmodel.StatusPaid))
				Expect(notifRepo.applied).To(Equal(1))
			})
		})

		Context("when a pending notification arrives", func() {
			It("should change nothing", func() {
				n := successNotification()
				n.Outcome = gateway.OutcomePending

				err := processor.ProcessNotification(context.Background(), n)

				Expect(err).NotTo(HaveOccurred())
				Expect(po.Status).To(Equal(paymentmodel.StatusCreated))
				Expect(notifRepo.applied).To(BeZero())
			})
		})

		Context("when a refund notification arrives", func() {
			It("should route it to the refund handler", func() {
				n := successNotification()
				n.EventType = gateway.EventTypeRefund
				n.RefundNo = "RFD-1"

				err := processor.ProcessNotification(context.Background(), n)

				Expect(err).NotTo(HaveOccurred())
				Expect(refunds.count()).To(Equal(1))
				Expect(notifRepo.applied).To(BeZero())
			})
		})
	})
})

var _ = Describe("Reconciler", func() {
	var (
		reconciler *paymentPkg.Reconciler
		mockRepo   *mockPaymentRepository
		notifRepo  *mockNotificationRepository
		adapter    *fakeAdapter
		bus        *events.EventBus
		counter    *eventCounter
		po         *paymentmodel.PaymentOrder
		logger     *slog.Logger
		processor  *paymentPkg.Processor
	)

	gatewayOrderID := "GW-3001"

	BeforeEach(func() {
		logger = slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError}))

		mockRepo = newMockPaymentRepository()
		po = &paymentmodel.PaymentOrder{
			ID:             1,
			PaymentNo:      "PAY-stuck-1",
			OrderID:        9,
			AmountCents:    5000,
			Currency:       "USD",
			Gateway:        "alphapay",
			GatewayOrderID: &gatewayOrderID,
			Status:         paymentmodel.StatusCreated,
			ExpiresAt:      time.Now().Add(time.Hour),
			UpdatedAt:      time.Now().Add(-20 * time.Minute),
		}
		mockRepo.payments[po.PaymentNo] = po
		mockRepo.nextID = 1

		notifRepo = newMockNotificationRepository(po)
		adapter = &fakeAdapter{name: "alphapay"}
		bus = events.NewEventBus(logger)
		counter = newEventCounter(bus, events.EventTypePaymentPaid)

		registry := gateway.NewRegistry(adapter)
		orders := &mockOrderReader{amountCents: 5000, currency: "USD", userID: 42}
		service := paymentPkg.NewPaymentService(mockRepo, orders, registry, paymentPkg.Config{}, logger)
		processor = paymentPkg.NewProcessor(notifRepo, &stubRefundHandler{}, bus, logger)

		reconciler = paymentPkg.NewReconciler(service, processor, mockRepo, registry, paymentPkg.ReconcilerConfig{
			Interval:       time.Minute,
			StuckThreshold: 5 * time.Minute,
			BatchSize:      10,
		}, logger)
	})

	Context("when the gateway reports the stuck payment as paid", func() {
		It("should converge the payment to paid", func() {
			paidAt := time.Now().UTC()
			adapter.queryStatus = &gateway.PaymentStatus{
				GatewayOrderID: gatewayOrderID,
				TransactionID:  "TXN-3001",
				Outcome:        gateway.OutcomeSuccess,
				PaidAt:         &paidAt,
			}

			reconciler.RunOnce(context.Background())

			Expect(po.Status).To(Equal(paymentmodel.StatusPaid))
			Eventually(func() int { return counter.count(events.EventTypePaymentPaid) }).Should(Equal(1))
		})

		It("should absorb a late real callback as a duplicate", func() {
			adapter.queryStatus = &gateway.PaymentStatus{
				GatewayOrderID: gatewayOrderID,
				TransactionID:  "TXN-3001",
				Outcome:        gateway.OutcomeSuccess,
			}

			reconciler.RunOnce(context.Background())
			Expect(po.Status).To(Equal(paymentmodel.StatusPaid))

			late := &gateway.Notification{
				Gateway:        "alphapay",
				EventType:      gateway.EventTypePayment,
				GatewayOrderID: gatewayOrderID,
				TransactionID:  "TXN-3001",
				Outcome:        gateway.OutcomeSuccess,
			}
			err := processor.ProcessNotification(context.Background(), late)

			Expect(err).NotTo(HaveOccurred())
			Expect(notifRepo.applied).To(Equal(1))
			Eventually(func() int { return counter.count(events.EventTypePaymentPaid) }).Should(Equal(1))
			Consistently(func() int { return counter.count(events.EventTypePaymentPaid) }).Should(Equal(1))
		})
	})

	Context("when the gateway still reports the payment as pending", func() {
		It("should leave the payment in created", func() {
			adapter.queryStatus = &gateway.PaymentStatus{
				GatewayOrderID: gatewayOrderID,
				Outcome:        gateway.OutcomePending,
			}

			reconciler.RunOnce(context.Background())

			Expect(po.Status).To(Equal(paymentmodel.StatusCreated))
		})
	})

	Context("when the stuck payment is past its expiry deadline", func() {
		It("should expire it in the sweep before polling", func() {
			po.ExpiresAt = time.Now().Add(-time.Minute)
			adapter.queryError = errors.NewGatewayUnavailableError("gateway down", nil)

			reconciler.RunOnce(context.Background())

			Expect(po.Status).To(Equal(paymentmodel.StatusExpired))
		})
	})
})
