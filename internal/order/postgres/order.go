package postgres

import (
	"context"
	stderrors "errors"

	"gorm.io/gorm"

	apperrors "github.com/HaoranTong/ecommerce-platform-sub004/internal"
	ordermodel "github.com/HaoranTong/ecommerce-platform-sub004/internal/core/datamodel/order"
	paymentpkg "github.com/HaoranTong/ecommerce-platform-sub004/internal/payment"
)

// OrderRepository is the payment engine's narrow view of the order subsystem.
type OrderRepository struct {
	db *gorm.DB
}

func NewOrderRepository(db *gorm.DB) *OrderRepository {
	return &OrderRepository{
		db: db,
	}
}

var _ paymentpkg.OrderReader = (*OrderRepository)(nil)

func (r *OrderRepository) GetPayableAmount(ctx context.Context, orderID int64) (int64, string, int64, error) {
	var o ordermodel.Order
	err := r.db.WithContext(ctx).First(&o, orderID).Error
	if err != nil {
		if stderrors.Is(err, gorm.ErrRecordNotFound) {
			return 0, "", 0, apperrors.ErrOrderNotFound
		}
		return 0, "", 0, err
	}
	return o.PayableAmountCents, o.Currency, o.UserID, nil
}

// UpdateStatus flips the order's payment-related status. Idempotent: writing
// the same status twice affects zero rows and is not an error, which keeps the
// at-least-once event subscribers safe.
func (r *OrderRepository) UpdateStatus(ctx context.Context, orderID int64, status string) error {
	res := r.db.WithContext(ctx).
		Model(&ordermodel.Order{}).
		Where("id = ? AND status <> ?", orderID, status).
		Update("status", status)
	return res.Error
}
