package payment

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	errors "github.com/HaoranTong/ecommerce-platform-sub004/internal"
	"github.com/HaoranTong/ecommerce-platform-sub004/internal/core/common/number"
	paymentmodel "github.com/HaoranTong/ecommerce-platform-sub004/internal/core/datamodel/payment"
	"github.com/HaoranTong/ecommerce-platform-sub004/internal/gateway"
)

// RepositoryAPI is the persistence contract for payment orders. Status-mutating
// methods are guarded: they only apply when the current status permits the
// transition and report InvalidStateTransition otherwise.
type RepositoryAPI interface {
	Create(ctx context.Context, po *paymentmodel.PaymentOrder) error
	GetByPaymentNo(ctx context.Context, paymentNo string) (*paymentmodel.PaymentOrder, error)
	HasActiveAttempt(ctx context.Context, orderID int64) (bool, error)
	MarkCreated(ctx context.Context, id int64, gatewayOrderID, payURL, qrCode string) error
	MarkFailed(ctx context.Context, id int64, reason string) error
	Cancel(ctx context.Context, id int64) error
	ExpireOverdue(ctx context.Context, now time.Time) (int64, error)
	ListStuckCreated(ctx context.Context, olderThan time.Time, limit int) ([]*paymentmodel.PaymentOrder, error)
}

// OrderReader is the narrow port to the order subsystem: the engine only ever
// needs the payable amount, never the full order.
type OrderReader interface {
	GetPayableAmount(ctx context.Context, orderID int64) (amountCents int64, currency string, userID int64, err error)
}

type Config struct {
	ExpiryDuration  time.Duration
	CallbackBaseURL string
}

// PaymentService owns the synchronous payment lifecycle transitions: create,
// cancel and expire. Asynchronous terminal transitions (paid/failed) belong to
// the Processor.
type PaymentService struct {
	repo     RepositoryAPI
	orders   OrderReader
	gateways *gateway.Registry
	cfg      Config
	logger   *slog.Logger
}

func NewPaymentService(repo RepositoryAPI, orders OrderReader, gateways *gateway.Registry, cfg Config, logger *slog.Logger) *PaymentService {
	if cfg.ExpiryDuration <= 0 {
		cfg.ExpiryDuration = 30 * time.Minute
	}
	return &PaymentService{
		repo:     repo,
		orders:   orders,
		gateways: gateways,
		cfg:      cfg,
		logger:   logger,
	}
}

// CreatePayment validates the intent, persists it as pending, dispatches it to
// the gateway and records the outcome. If persisting the created state fails
// after a successful gateway call, the attempt stays pending and the
// reconciliation job converges it later; the gateway side is never silently
// lost.
func (s *PaymentService) CreatePayment(ctx context.Context, req *CreatePaymentRequest) (*PaymentResponse, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}

	adapter, err := s.gateways.Get(req.PaymentMethod)
	if err != nil {
		return nil, err
	}

	payableCents, currency, userID, err := s.orders.GetPayableAmount(ctx, req.OrderID)
	if err != nil {
		s.logger.Error("failed to read order payable amount", "error", err, "order_id", req.OrderID)
		return nil, err
	}

	if req.AmountCents != payableCents || req.Currency != currency {
		s.logger.Warn("payment amount mismatch",
			"order_id", req.OrderID,
			"requested_cents", req.AmountCents,
			"payable_cents", payableCents)
		return nil, errors.ErrAmountMismatch
	}

	active, err := s.repo.HasActiveAttempt(ctx, req.OrderID)
	if err != nil {
		return nil, err
	}
	if active {
		return nil, errors.ErrPaymentAlreadyInProgress
	}

	now := time.Now().UTC()
	po := &paymentmodel.PaymentOrder{
		PaymentNo:   number.New("PAY"),
		OrderID:     req.OrderID,
		UserID:      userID,
		AmountCents: req.AmountCents,
		Currency:    req.Currency,
		Gateway:     adapter.Name(),
		Status:      paymentmodel.StatusPending,
		ExpiresAt:   now.Add(s.cfg.ExpiryDuration),
	}

	if err := s.repo.Create(ctx, po); err != nil {
		s.logger.Error("failed to persist payment order", "error", err, "order_id", req.OrderID)
		return nil, err
	}

	s.logger.Info("payment order created",
		"payment_no", po.PaymentNo,
		"order_id", po.OrderID,
		"gateway", po.Gateway,
		"amount_cents", po.AmountCents)

	gwResp, err := adapter.CreatePayment(ctx, &gateway.CreatePaymentRequest{
		PaymentNo:   po.PaymentNo,
		AmountCents: po.AmountCents,
		Currency:    po.Currency,
		Subject:     fmt.Sprintf("order #%d", po.OrderID),
		NotifyURL:   s.notifyURL(adapter.Name()),
		ExpiresAt:   po.ExpiresAt,
	})
	if err != nil {
		s.logger.Error("gateway rejected payment creation",
			"error", err,
			"payment_no", po.PaymentNo,
			"gateway", po.Gateway)

		if markErr := s.repo.MarkFailed(ctx, po.ID, err.Error()); markErr != nil {
			s.logger.Error("failed to mark payment as failed after gateway error",
				"error", markErr, "payment_no", po.PaymentNo)
		}
		return nil, err
	}

	if err := s.repo.MarkCreated(ctx, po.ID, gwResp.GatewayOrderID, gwResp.PayURL, gwResp.QRCode); err != nil {
		// Gateway side exists but our created state did not commit. The
		// reconciliation sweep expires the pending row or the gateway poll
		// converges it; do not fail the attempt silently.
		s.logger.Error("failed to persist created state after gateway success",
			"error", err,
			"payment_no", po.PaymentNo,
			"gateway_order_id", gwResp.GatewayOrderID)
		return nil, errors.NewInternalError("failed to persist gateway result", err)
	}

	created, err := s.repo.GetByPaymentNo(ctx, po.PaymentNo)
	if err != nil {
		return nil, err
	}

	s.logger.Info("payment dispatched to gateway",
		"payment_no", po.PaymentNo,
		"gateway", po.Gateway,
		"gateway_order_id", gwResp.GatewayOrderID)

	return ToPaymentResponse(created), nil
}

// CancelPayment is an explicit user or admin action, permitted only while the
// attempt is pending or created. An in-flight gateway call is never interrupted;
// the guard simply rejects the cancel once a terminal callback has landed.
func (s *PaymentService) CancelPayment(ctx context.Context, paymentNo string) (*PaymentResponse, error) {
	po, err := s.repo.GetByPaymentNo(ctx, paymentNo)
	if err != nil {
		return nil, err
	}

	if err := s.repo.Cancel(ctx, po.ID); err != nil {
		return nil, err
	}

	s.logger.Info("payment cancelled", "payment_no", paymentNo, "order_id", po.OrderID)

	cancelled, err := s.repo.GetByPaymentNo(ctx, paymentNo)
	if err != nil {
		return nil, err
	}
	return ToPaymentResponse(cancelled), nil
}

// GetPayment returns a lock-free snapshot.
func (s *PaymentService) GetPayment(ctx context.Context, paymentNo string) (*PaymentResponse, error) {
	po, err := s.repo.GetByPaymentNo(ctx, paymentNo)
	if err != nil {
		return nil, err
	}
	return ToPaymentResponse(po), nil
}

// ExpirePayments sweeps pending/created attempts past their deadline. Invoked
// on the reconciler's interval.
func (s *PaymentService) ExpirePayments(ctx context.Context) (int64, error) {
	count, err := s.repo.ExpireOverdue(ctx, time.Now().UTC())
	if err != nil {
		return 0, err
	}
	if count > 0 {
		s.logger.Info("expired overdue payments", "count", count)
	}
	return count, nil
}

func (s *PaymentService) notifyURL(gatewayName string) string {
	return s.cfg.CallbackBaseURL + "/api/v1/payments/webhook/" + gatewayName
}
