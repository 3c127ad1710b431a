package postgres

import (
	"context"
	stderrors "errors"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	apperrors "github.com/HaoranTong/ecommerce-platform-sub004/internal"
	"github.com/HaoranTong/ecommerce-platform-sub004/internal/core/datamodel/callback"
	paymentmodel "github.com/HaoranTong/ecommerce-platform-sub004/internal/core/datamodel/payment"
	refundmodel "github.com/HaoranTong/ecommerce-platform-sub004/internal/core/datamodel/refund"
	paymentpkg "github.com/HaoranTong/ecommerce-platform-sub004/internal/payment"
	refundpkg "github.com/HaoranTong/ecommerce-platform-sub004/internal/refund"
)

// RefundRepository persists refunds. Every state-changing method settles the
// parent payment row in the same transaction, under the payment row lock, so
// the refund total and the payment status can never diverge.
type RefundRepository struct {
	db *gorm.DB
}

func NewRefundRepository(db *gorm.DB) *RefundRepository {
	return &RefundRepository{
		db: db,
	}
}

var _ refundpkg.RepositoryAPI = (*RefundRepository)(nil)

func (r *RefundRepository) Begin(
	ctx context.Context,
	paymentNo string,
	decide func(po *paymentmodel.PaymentOrder, refundedCents int64) (*refundmodel.Refund, error),
) (*refundmodel.Refund, *paymentmodel.PaymentOrder, error) {
	var rf *refundmodel.Refund
	var po paymentmodel.PaymentOrder

	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := lockPaymentByNo(tx, paymentNo, &po); err != nil {
			return err
		}

		refundedCents, err := sumRefunded(tx, po.ID)
		if err != nil {
			return err
		}

		rf, err = decide(&po, refundedCents)
		if err != nil {
			return err
		}

		if err := tx.Create(rf).Error; err != nil {
			return err
		}

		res := tx.Model(&paymentmodel.PaymentOrder{}).
			Where("id = ? AND status = ?", po.ID, paymentmodel.StatusPaid).
			Update("status", paymentmodel.StatusRefunding)
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return apperrors.ErrInvalidStateTransition
		}

		return tx.First(&po, po.ID).Error
	})
	if err != nil {
		return nil, nil, err
	}
	return rf, &po, nil
}

func (r *RefundRepository) Complete(ctx context.Context, refundNo, gatewayRefundID string) (*refundpkg.Settlement, error) {
	var settlement *refundpkg.Settlement

	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		rf, po, err := lockRefundPair(tx, refundNo)
		if err != nil {
			return err
		}

		now := time.Now().UTC()
		res := tx.Model(&refundmodel.Refund{}).
			Where("id = ? AND status = ?", rf.ID, refundmodel.StatusProcessing).
			Updates(map[string]interface{}{
				"status":            refundmodel.StatusSuccess,
				"gateway_refund_id": gatewayRefundID,
				"processed_at":      now,
			})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return apperrors.ErrInvalidStateTransition
		}

		settlement, err = settlePayment(tx, rf.ID, po)
		return err
	})
	if err != nil {
		return nil, err
	}
	return settlement, nil
}

func (r *RefundRepository) Fail(ctx context.Context, refundNo, reason string) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		rf, po, err := lockRefundPair(tx, refundNo)
		if err != nil {
			return err
		}

		now := time.Now().UTC()
		res := tx.Model(&refundmodel.Refund{}).
			Where("id = ? AND status = ?", rf.ID, refundmodel.StatusProcessing).
			Updates(map[string]interface{}{
				"status":         refundmodel.StatusFailed,
				"failure_reason": reason,
				"processed_at":   now,
			})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return apperrors.ErrInvalidStateTransition
		}

		// The failed refund releases its balance; the payment returns to paid.
		res = tx.Model(&paymentmodel.PaymentOrder{}).
			Where("id = ? AND status = ?", po.ID, paymentmodel.StatusRefunding).
			Update("status", paymentmodel.StatusPaid)
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return apperrors.ErrInvalidStateTransition
		}
		return nil
	})
}

func (r *RefundRepository) ListByPaymentNo(ctx context.Context, paymentNo string) ([]*refundmodel.Refund, *paymentmodel.PaymentOrder, error) {
	var po paymentmodel.PaymentOrder
	err := r.db.WithContext(ctx).Where("payment_no = ?", paymentNo).First(&po).Error
	if err != nil {
		if stderrors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil, apperrors.ErrPaymentNotFound
		}
		return nil, nil, err
	}

	var refunds []*refundmodel.Refund
	err = r.db.WithContext(ctx).
		Where("payment_id = ?", po.ID).
		Order("created_at DESC").
		Find(&refunds).Error
	if err != nil {
		return nil, nil, err
	}
	return refunds, &po, nil
}

// ApplyNotification is the deduplicated settlement path for asynchronous
// refund callbacks. The ledger insert, the decide call and both row updates
// commit or roll back together.
func (r *RefundRepository) ApplyNotification(
	ctx context.Context,
	gatewayName, refundNo, token, eventType string,
	decide func(rf *refundmodel.Refund, po *paymentmodel.PaymentOrder) (*refundpkg.StatusUpdate, error),
) (paymentpkg.ApplyOutcome, *refundpkg.Settlement, error) {
	outcome := paymentpkg.OutcomeApplied
	var settlement *refundpkg.Settlement

	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		rf, po, err := lockRefundPair(tx, refundNo)
		if err != nil {
			return err
		}
		if po.Gateway != gatewayName {
			// The refund number exists but belongs to another gateway's
			// payment; treat it as unknown rather than leak its existence.
			return apperrors.ErrRefundNotFound
		}

		rec := callback.Record{
			Gateway:       gatewayName,
			ExternalToken: token,
			PaymentID:     po.ID,
			EventType:     eventType,
			ReceivedAt:    time.Now().UTC(),
		}
		res := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&rec)
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			outcome = paymentpkg.OutcomeDuplicate
			return nil
		}

		update, err := decide(rf, po)
		if err != nil {
			return err
		}
		if update == nil {
			outcome = paymentpkg.OutcomeNoop
			return nil
		}

		now := time.Now().UTC()
		updates := map[string]interface{}{
			"status":       update.To,
			"processed_at": now,
		}
		if update.GatewayRefundID != nil {
			updates["gateway_refund_id"] = *update.GatewayRefundID
		}
		if update.FailureReason != nil {
			updates["failure_reason"] = *update.FailureReason
		}

		res = tx.Model(&refundmodel.Refund{}).
			Where("id = ? AND status = ?", rf.ID, refundmodel.StatusProcessing).
			Updates(updates)
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return apperrors.ErrInvalidStateTransition
		}

		if update.To == refundmodel.StatusSuccess {
			settlement, err = settlePayment(tx, rf.ID, po)
			return err
		}

		res = tx.Model(&paymentmodel.PaymentOrder{}).
			Where("id = ? AND status = ?", po.ID, paymentmodel.StatusRefunding).
			Update("status", paymentmodel.StatusPaid)
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return apperrors.ErrInvalidStateTransition
		}

		settlement, err = loadSettlement(tx, rf.ID, po.ID)
		return err
	})
	if err != nil {
		return 0, nil, err
	}
	return outcome, settlement, nil
}

// lockPaymentByNo loads the payment row under a row lock on postgres; sqlite
// transactions serialize writers without one.
func lockPaymentByNo(tx *gorm.DB, paymentNo string, po *paymentmodel.PaymentOrder) error {
	query := tx.Where("payment_no = ?", paymentNo)
	if tx.Dialector.Name() == "postgres" {
		query = query.Clauses(clause.Locking{Strength: "UPDATE"})
	}
	if err := query.First(po).Error; err != nil {
		if stderrors.Is(err, gorm.ErrRecordNotFound) {
			return apperrors.ErrPaymentNotFound
		}
		return err
	}
	return nil
}

// lockRefundPair resolves the refund and locks its parent payment row. The
// refund row itself is covered by the payment lock: all refund writers take
// the payment lock first.
func lockRefundPair(tx *gorm.DB, refundNo string) (*refundmodel.Refund, *paymentmodel.PaymentOrder, error) {
	var rf refundmodel.Refund
	if err := tx.Where("refund_no = ?", refundNo).First(&rf).Error; err != nil {
		if stderrors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil, apperrors.ErrRefundNotFound
		}
		return nil, nil, err
	}

	query := tx.Where("id = ?", rf.PaymentID)
	if tx.Dialector.Name() == "postgres" {
		query = query.Clauses(clause.Locking{Strength: "UPDATE"})
	}
	var po paymentmodel.PaymentOrder
	if err := query.First(&po).Error; err != nil {
		return nil, nil, err
	}

	// Re-read the refund after taking the lock; a concurrent settlement may
	// have finished between the two reads.
	if err := tx.First(&rf, rf.ID).Error; err != nil {
		return nil, nil, err
	}
	return &rf, &po, nil
}

// sumRefunded totals the non-failed refund amounts for a payment.
func sumRefunded(tx *gorm.DB, paymentID int64) (int64, error) {
	var total int64
	err := tx.Model(&refundmodel.Refund{}).
		Where("payment_id = ? AND status <> ?", paymentID, refundmodel.StatusFailed).
		Select("COALESCE(SUM(amount_cents), 0)").
		Scan(&total).Error
	return total, err
}

// settlePayment moves the refunding payment to its post-settlement status:
// refunded when the cumulative total covers the full amount, paid otherwise.
func settlePayment(tx *gorm.DB, refundID int64, po *paymentmodel.PaymentOrder) (*refundpkg.Settlement, error) {
	total, err := sumRefunded(tx, po.ID)
	if err != nil {
		return nil, err
	}

	target := paymentmodel.StatusPaid
	fully := total >= po.AmountCents
	if fully {
		target = paymentmodel.StatusRefunded
	}

	res := tx.Model(&paymentmodel.PaymentOrder{}).
		Where("id = ? AND status = ?", po.ID, paymentmodel.StatusRefunding).
		Update("status", target)
	if res.Error != nil {
		return nil, res.Error
	}
	if res.RowsAffected == 0 {
		return nil, apperrors.ErrInvalidStateTransition
	}

	settlement, err := loadSettlement(tx, refundID, po.ID)
	if err != nil {
		return nil, err
	}
	settlement.TotalRefundedCents = total
	settlement.FullyRefunded = fully
	return settlement, nil
}

func loadSettlement(tx *gorm.DB, refundID, paymentID int64) (*refundpkg.Settlement, error) {
	var rf refundmodel.Refund
	if err := tx.First(&rf, refundID).Error; err != nil {
		return nil, err
	}
	var po paymentmodel.PaymentOrder
	if err := tx.First(&po, paymentID).Error; err != nil {
		return nil, err
	}
	return &refundpkg.Settlement{Refund: &rf, Payment: &po}, nil
}
