package postgres_test

import (
	"context"
	"testing"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	apperrors "github.com/HaoranTong/ecommerce-platform-sub004/internal"
	"github.com/HaoranTong/ecommerce-platform-sub004/internal/core/datamodel/callback"
	paymentmodel "github.com/HaoranTong/ecommerce-platform-sub004/internal/core/datamodel/payment"
	paymentpkg "github.com/HaoranTong/ecommerce-platform-sub004/internal/payment"
	paymentPostgres "github.com/HaoranTong/ecommerce-platform-sub004/internal/payment/postgres"
)

func TestPaymentPostgres(t *testing.T) {
	RegisterFailHandler(Fail)
	RunSpecs(t, "Payment Postgres Suite")
}

var _ = Describe("Payment Repository", func() {
	var (
		db   *gorm.DB
		repo *paymentPostgres.PaymentRepository
		ctx  context.Context
	)

	newPayment := func(paymentNo string, status paymentmodel.Status) *paymentmodel.PaymentOrder {
		po := &paymentmodel.PaymentOrder{
			PaymentNo:   paymentNo,
			OrderID:     42,
			UserID:      7,
			AmountCents: 10000,
			Currency:    "USD",
			Gateway:     "alphapay",
			Status:      status,
			ExpiresAt:   time.Now().Add(30 * time.Minute),
		}
		Expect(repo.Create(ctx, po)).To(Succeed())
		return po
	}

	BeforeEach(func() {
		var err error
		// SQLite in-memory keeps these specs hermetic; the repository skips
		// its row-locking clause on this dialect.
		db, err = gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
			Logger: gormlogger.Default.LogMode(gormlogger.Silent),
		})
		Expect(err).NotTo(HaveOccurred())

		err = db.AutoMigrate(&paymentmodel.PaymentOrder{}, &callback.Record{})
		Expect(err).NotTo(HaveOccurred())

		repo = paymentPostgres.NewPaymentRepository(db)
		ctx = context.Background()
	})

	Describe("Create and GetByPaymentNo", func() {
		It("should persist and reload a payment order", func() {
			po := newPayment("PAY-0001", paymentmodel.StatusPending)
			Expect(po.ID).To(BeNumerically(">", 0))

			loaded, err := repo.GetByPaymentNo(ctx, "PAY-0001")
			Expect(err).NotTo(HaveOccurred())
			Expect(loaded.AmountCents).To(Equal(int64(10000)))
			Expect(loaded.Status).To(Equal(paymentmodel.StatusPending))
		})

		It("should return PAYMENT_NOT_FOUND for an unknown number", func() {
			_, err := repo.GetByPaymentNo(ctx, "PAY-missing")
			Expect(apperrors.HasCode(err, apperrors.ErrCodePaymentNotFound)).To(BeTrue())
		})
	})

	Describe("HasActiveAttempt", func() {
		It("should see pending, created, paid and refunding attempts as active", func() {
			newPayment("PAY-0002", paymentmodel.StatusCreated)

			active, err := repo.HasActiveAttempt(ctx, 42)
			Expect(err).NotTo(HaveOccurred())
			Expect(active).To(BeTrue())
		})

		It("should ignore terminal attempts", func() {
			newPayment("PAY-0003", paymentmodel.StatusFailed)

			active, err := repo.HasActiveAttempt(ctx, 42)
			Expect(err).NotTo(HaveOccurred())
			Expect(active).To(BeFalse())
		})
	})

	Describe("MarkCreated", func() {
		It("should move a pending payment to created with the gateway handle", func() {
			po := newPayment("PAY-0004", paymentmodel.StatusPending)

			err := repo.MarkCreated(ctx, po.ID, "ALI-9001", "https://pay.example/x", "")
			Expect(err).NotTo(HaveOccurred())

			loaded, err := repo.GetByPaymentNo(ctx, "PAY-0004")
			Expect(err).NotTo(HaveOccurred())
			Expect(loaded.Status).To(Equal(paymentmodel.StatusCreated))
			Expect(loaded.GatewayOrderID).NotTo(BeNil())
			Expect(*loaded.GatewayOrderID).To(Equal("ALI-9001"))
		})

		It("should refuse when the payment already left pending", func() {
			po := newPayment("PAY-0005", paymentmodel.StatusCancelled)

			err := repo.MarkCreated(ctx, po.ID, "ALI-9002", "", "")
			Expect(apperrors.HasCode(err, apperrors.ErrCodeInvalidStateTransition)).To(BeTrue())
		})
	})

	Describe("Cancel", func() {
		It("should cancel a created payment", func() {
			po := newPayment("PAY-0006", paymentmodel.StatusCreated)

			Expect(repo.Cancel(ctx, po.ID)).To(Succeed())

			loaded, err := repo.GetByPaymentNo(ctx, "PAY-0006")
			Expect(err).NotTo(HaveOccurred())
			Expect(loaded.Status).To(Equal(paymentmodel.StatusCancelled))
		})

		It("should refuse to cancel a paid payment", func() {
			po := newPayment("PAY-0007", paymentmodel.StatusPaid)

			err := repo.Cancel(ctx, po.ID)
			Expect(apperrors.HasCode(err, apperrors.ErrCodeInvalidStateTransition)).To(BeTrue())
		})
	})

	Describe("ExpireOverdue", func() {
		It("should expire only overdue awaiting payments", func() {
			overdue := newPayment("PAY-0008", paymentmodel.StatusCreated)
			Expect(db.Model(overdue).Update("expires_at", time.Now().Add(-time.Minute)).Error).To(Succeed())

			fresh := newPayment("PAY-0009", paymentmodel.StatusCreated)
			paid := newPayment("PAY-0010", paymentmodel.StatusPaid)
			Expect(db.Model(paid).Update("expires_at", time.Now().Add(-time.Minute)).Error).To(Succeed())

			count, err := repo.ExpireOverdue(ctx, time.Now())
			Expect(err).NotTo(HaveOccurred())
			Expect(count).To(Equal(int64(1)))

			loaded, _ := repo.GetByPaymentNo(ctx, overdue.PaymentNo)
			Expect(loaded.Status).To(Equal(paymentmodel.StatusExpired))

			loaded, _ = repo.GetByPaymentNo(ctx, fresh.PaymentNo)
			Expect(loaded.Status).To(Equal(paymentmodel.StatusCreated))

			loaded, _ = repo.GetByPaymentNo(ctx, paid.PaymentNo)
			Expect(loaded.Status).To(Equal(paymentmodel.StatusPaid))
		})
	})

	Describe("ListStuckCreated", func() {
		It("should list stale created payments that reached the gateway", func() {
			stuck := newPayment("PAY-0011", paymentmodel.StatusPending)
			Expect(repo.MarkCreated(ctx, stuck.ID, "ALI-9011", "", "")).To(Succeed())
			Expect(db.Model(&paymentmodel.PaymentOrder{}).
				Where("id = ?", stuck.ID).
				Update("updated_at", time.Now().Add(-time.Hour)).Error).To(Succeed())

			// Never reached the gateway, nothing to reconcile against.
			newPayment("PAY-0012", paymentmodel.StatusCreated)

			orders, err := repo.ListStuckCreated(ctx, time.Now().Add(-5*time.Minute), 10)
			Expect(err).NotTo(HaveOccurred())
			Expect(orders).To(HaveLen(1))
			Expect(orders[0].PaymentNo).To(Equal("PAY-0011"))
		})
	})

	Describe("ApplyNotification", func() {
		var po *paymentmodel.PaymentOrder

		paidUpdate := func(locked *paymentmodel.PaymentOrder) (*paymentpkg.StatusUpdate, error) {
			txnID := "TXN-7001"
			now := time.Now().UTC()
			return &paymentpkg.StatusUpdate{
				To:                   paymentmodel.StatusPaid,
				GatewayTransactionID: &txnID,
				PaidAt:               &now,
			}, nil
		}

		BeforeEach(func() {
			po = newPayment("PAY-0013", paymentmodel.StatusPending)
			Expect(repo.MarkCreated(ctx, po.ID, "ALI-9013", "", "")).To(Succeed())
		})

		It("should apply the decided update and return the reloaded row", func() {
			outcome, applied, err := repo.ApplyNotification(ctx, "alphapay", "ALI-9013", "TXN-7001", "payment", paidUpdate)

			Expect(err).NotTo(HaveOccurred())
			Expect(outcome).To(Equal(paymentpkg.OutcomeApplied))
			Expect(applied.Status).To(Equal(paymentmodel.StatusPaid))
			Expect(applied.GatewayTransactionID).NotTo(BeNil())
			Expect(applied.PaidAt).NotTo(BeNil())
		})

		It("should absorb a redelivered token without re-running the update", func() {
			_, _, err := repo.ApplyNotification(ctx, "alphapay", "ALI-9013", "TXN-7001", "payment", paidUpdate)
			Expect(err).NotTo(HaveOccurred())

			decided := 0
			outcome, applied, err := repo.ApplyNotification(ctx, "alphapay", "ALI-9013", "TXN-7001", "payment",
				func(locked *paymentmodel.PaymentOrder) (*paymentpkg.StatusUpdate, error) {
					decided++
					return paidUpdate(locked)
				})

			Expect(err).NotTo(HaveOccurred())
			Expect(outcome).To(Equal(paymentpkg.OutcomeDuplicate))
			Expect(decided).To(BeZero())
			Expect(applied.Status).To(Equal(paymentmodel.StatusPaid))

			var ledger int64
			Expect(db.Model(&callback.Record{}).Count(&ledger).Error).To(Succeed())
			Expect(ledger).To(Equal(int64(1)))
		})

		It("should roll the ledger insert back when decide rejects", func() {
			_, _, err := repo.ApplyNotification(ctx, "alphapay", "ALI-9013", "bad-token", "payment",
				func(locked *paymentmodel.PaymentOrder) (*paymentpkg.StatusUpdate, error) {
					return nil, apperrors.ErrInvalidStateTransition
				})
			Expect(apperrors.HasCode(err, apperrors.ErrCodeInvalidStateTransition)).To(BeTrue())

			// The rejected token must stay usable for a later valid delivery.
			var ledger int64
			Expect(db.Model(&callback.Record{}).Count(&ledger).Error).To(Succeed())
			Expect(ledger).To(BeZero())

			outcome, _, err := repo.ApplyNotification(ctx, "alphapay", "ALI-9013", "bad-token", "payment", paidUpdate)
			Expect(err).NotTo(HaveOccurred())
			Expect(outcome).To(Equal(paymentpkg.OutcomeApplied))
		})

		It("should record a no-op without touching the payment row", func() {
			before, err := repo.GetByPaymentNo(ctx, po.PaymentNo)
			Expect(err).NotTo(HaveOccurred())

			outcome, applied, err := repo.ApplyNotification(ctx, "alphapay", "ALI-9013", "noop-token", "payment",
				func(locked *paymentmodel.PaymentOrder) (*paymentpkg.StatusUpdate, error) {
					return nil, nil
				})

			Expect(err).NotTo(HaveOccurred())
			Expect(outcome).To(Equal(paymentpkg.OutcomeNoop))
			Expect(applied.Status).To(Equal(before.Status))

			// The token is still burned: a retried identical delivery dedups.
			outcome, _, err = repo.ApplyNotification(ctx, "alphapay", "ALI-9013", "noop-token", "payment", paidUpdate)
			Expect(err).NotTo(HaveOccurred())
			Expect(outcome).To(Equal(paymentpkg.OutcomeDuplicate))
		})

		It("should return PAYMENT_NOT_FOUND for an unknown gateway order", func() {
			_, _, err := repo.ApplyNotification(ctx, "alphapay", "ALI-unknown", "tok", "payment", paidUpdate)
			Expect(apperrors.HasCode(err, apperrors.ErrCodePaymentNotFound)).To(BeTrue())
		})

		It("should scope the lookup to the notifying gateway", func() {
			_, _, err := repo.ApplyNotification(ctx, "betapay", "ALI-9013", "tok", "payment", paidUpdate)
			Expect(apperrors.HasCode(err, apperrors.ErrCodePaymentNotFound)).To(BeTrue())
		})
	})
})
