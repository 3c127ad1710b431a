package postgres

import (
	"context"
	stderrors "errors"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	apperrors "github.com/HaoranTong/ecommerce-platform-sub004/internal"
	"github.com/HaoranTong/ecommerce-platform-sub004/internal/core/datamodel/callback"
	paymentmodel "github.com/HaoranTong/ecommerce-platform-sub004/internal/core/datamodel/payment"
	paymentpkg "github.com/HaoranTong/ecommerce-platform-sub004/internal/payment"
)

const (
	pgUniqueViolation = "23505"
	pgLockNotAvail    = "55P03"
)

// PaymentRepository persists payment orders. Status updates are guarded on the
// expected source status so a concurrent writer loses the race instead of
// overwriting a terminal state.
type PaymentRepository struct {
	db *gorm.DB
}

func NewPaymentRepository(db *gorm.DB) *PaymentRepository {
	return &PaymentRepository{
		db: db,
	}
}

var _ paymentpkg.RepositoryAPI = (*PaymentRepository)(nil)
var _ paymentpkg.NotificationRepository = (*PaymentRepository)(nil)

func (r *PaymentRepository) Create(ctx context.Context, po *paymentmodel.PaymentOrder) error {
	if err := r.db.WithContext(ctx).Create(po).Error; err != nil {
		return translateError(err)
	}
	return nil
}

func (r *PaymentRepository) GetByPaymentNo(ctx context.Context, paymentNo string) (*paymentmodel.PaymentOrder, error) {
	var po paymentmodel.PaymentOrder
	err := r.db.WithContext(ctx).Where("payment_no = ?", paymentNo).First(&po).Error
	if err != nil {
		if stderrors.Is(err, gorm.ErrRecordNotFound) {
			return nil, apperrors.ErrPaymentNotFound
		}
		return nil, err
	}
	return &po, nil
}

func (r *PaymentRepository) HasActiveAttempt(ctx context.Context, orderID int64) (bool, error) {
	var count int64
	err := r.db.WithContext(ctx).
		Model(&paymentmodel.PaymentOrder{}).
		Where("order_id = ? AND status IN ?", orderID, activeStatuses()).
		Count(&count).Error
	if err != nil {
		return false, err
	}
	return count > 0, nil
}

func (r *PaymentRepository) MarkCreated(ctx context.Context, id int64, gatewayOrderID, payURL, qrCode string) error {
	updates := map[string]interface{}{
		"status":           paymentmodel.StatusCreated,
		"gateway_order_id": gatewayOrderID,
	}
	if payURL != "" {
		updates["pay_url"] = payURL
	}
	if qrCode != "" {
		updates["qr_code"] = qrCode
	}

	res := r.db.WithContext(ctx).
		Model(&paymentmodel.PaymentOrder{}).
		Where("id = ? AND status = ?", id, paymentmodel.StatusPending).
		Updates(updates)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return apperrors.ErrInvalidStateTransition
	}
	return nil
}

func (r *PaymentRepository) MarkFailed(ctx context.Context, id int64, reason string) error {
	now := time.Now().UTC()
	res := r.db.WithContext(ctx).
		Model(&paymentmodel.PaymentOrder{}).
		Where("id = ? AND status IN ?", id, []paymentmodel.Status{paymentmodel.StatusPending, paymentmodel.StatusCreated}).
		Updates(map[string]interface{}{
			"status":         paymentmodel.StatusFailed,
			"failure_reason": reason,
			"failed_at":      now,
		})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return apperrors.ErrInvalidStateTransition
	}
	return nil
}

func (r *PaymentRepository) Cancel(ctx context.Context, id int64) error {
	res := r.db.WithContext(ctx).
		Model(&paymentmodel.PaymentOrder{}).
		Where("id = ? AND status IN ?", id, paymentmodel.CancellableStatuses()).
		Update("status", paymentmodel.StatusCancelled)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return apperrors.ErrInvalidStateTransition
	}
	return nil
}

func (r *PaymentRepository) ExpireOverdue(ctx context.Context, now time.Time) (int64, error) {
	res := r.db.WithContext(ctx).
		Model(&paymentmodel.PaymentOrder{}).
		Where("status IN ? AND expires_at < ?", paymentmodel.ExpirableStatuses(), now).
		Update("status", paymentmodel.StatusExpired)
	if res.Error != nil {
		return 0, res.Error
	}
	return res.RowsAffected, nil
}

func (r *PaymentRepository) ListStuckCreated(ctx context.Context, olderThan time.Time, limit int) ([]*paymentmodel.PaymentOrder, error) {
	var orders []*paymentmodel.PaymentOrder
	err := r.db.WithContext(ctx).
		Where("status = ? AND gateway_order_id IS NOT NULL AND updated_at < ?", paymentmodel.StatusCreated, olderThan).
		Order("updated_at ASC").
		Limit(limit).
		Find(&orders).Error
	return orders, err
}

// ApplyNotification runs the notification unit of work in one transaction:
// lock the payment row, check-and-insert the dedup token, run decide against
// the locked state and apply the guarded update. A decide error rolls the
// ledger insert back, so a conflicting notification is never silently absorbed.
func (r *PaymentRepository) ApplyNotification(
	ctx context.Context,
	gatewayName, gatewayOrderID, token, eventType string,
	decide func(po *paymentmodel.PaymentOrder) (*paymentpkg.StatusUpdate, error),
) (paymentpkg.ApplyOutcome, *paymentmodel.PaymentOrder, error) {
	outcome := paymentpkg.OutcomeApplied
	var result *paymentmodel.PaymentOrder

	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		query := tx.Where("gateway = ? AND gateway_order_id = ?", gatewayName, gatewayOrderID)
		if isPostgres(tx) {
			query = query.Clauses(clause.Locking{Strength: "UPDATE"})
		}

		var po paymentmodel.PaymentOrder
		if err := query.First(&po).Error; err != nil {
			if stderrors.Is(err, gorm.ErrRecordNotFound) {
				return apperrors.ErrPaymentNotFound
			}
			return translateError(err)
		}

		duplicate, err := insertDedupToken(tx, gatewayName, token, po.ID, eventType)
		if err != nil {
			return err
		}
		if duplicate {
			outcome = paymentpkg.OutcomeDuplicate
			result = &po
			return nil
		}

		update, err := decide(&po)
		if err != nil {
			return err
		}
		if update == nil {
			outcome = paymentpkg.OutcomeNoop
			result = &po
			return nil
		}

		updates := map[string]interface{}{"status": update.To}
		if update.GatewayTransactionID != nil {
			updates["gateway_transaction_id"] = *update.GatewayTransactionID
		}
		if update.PaidAt != nil {
			updates["paid_at"] = *update.PaidAt
		}
		if update.FailedAt != nil {
			updates["failed_at"] = *update.FailedAt
		}
		if update.FailureReason != nil {
			updates["failure_reason"] = *update.FailureReason
		}

		res := tx.Model(&paymentmodel.PaymentOrder{}).
			Where("id = ? AND status = ?", po.ID, po.Status).
			Updates(updates)
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return apperrors.ErrInvalidStateTransition
		}

		if err := tx.First(&po, po.ID).Error; err != nil {
			return err
		}
		result = &po
		return nil
	})
	if err != nil {
		return 0, nil, err
	}
	return outcome, result, nil
}

// insertDedupToken check-and-inserts into the callback ledger. Returns true
// when the token was already recorded.
func insertDedupToken(tx *gorm.DB, gatewayName, token string, paymentID int64, eventType string) (bool, error) {
	rec := callback.Record{
		Gateway:       gatewayName,
		ExternalToken: token,
		PaymentID:     paymentID,
		EventType:     eventType,
		ReceivedAt:    time.Now().UTC(),
	}
	res := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&rec)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected == 0, nil
}

func activeStatuses() []paymentmodel.Status {
	return []paymentmodel.Status{
		paymentmodel.StatusPending,
		paymentmodel.StatusCreated,
		paymentmodel.StatusPaid,
		paymentmodel.StatusRefunding,
	}
}

// isPostgres gates row locking clauses: the sqlite dialect used in tests has
// no SELECT FOR UPDATE, its transactions serialize writers instead.
func isPostgres(db *gorm.DB) bool {
	return db.Dialector.Name() == "postgres"
}

// translateError maps driver errors onto the stable error taxonomy.
func translateError(err error) error {
	var pgErr *pgconn.PgError
	if stderrors.As(err, &pgErr) {
		switch pgErr.Code {
		case pgUniqueViolation:
			if pgErr.ConstraintName == "idx_payment_orders_active_order" {
				return apperrors.ErrPaymentAlreadyInProgress
			}
		case pgLockNotAvail:
			return apperrors.NewLockTimeoutError(err)
		}
	}
	return err
}
