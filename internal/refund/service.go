package refund

import (
	"context"
	"log/slog"

	errors "github.com/HaoranTong/ecommerce-platform-sub004/internal"
	"github.com/HaoranTong/ecommerce-platform-sub004/internal/core/common/number"
	"github.com/HaoranTong/ecommerce-platform-sub004/internal/core/datamodel/payment"
	refundmodel "github.com/HaoranTong/ecommerce-platform-sub004/internal/core/datamodel/refund"
	"github.com/HaoranTong/ecommerce-platform-sub004/internal/core/events"
	"github.com/HaoranTong/ecommerce-platform-sub004/internal/gateway"
	paymentsvc "github.com/HaoranTong/ecommerce-platform-sub004/internal/payment"
)

// Settlement is the combined state after a refund reached a terminal status:
// the refund itself, the settled payment row, and the cumulative total the
// settlement was computed from.
type Settlement struct {
	Refund             *refundmodel.Refund
	Payment            *payment.PaymentOrder
	TotalRefundedCents int64
	FullyRefunded      bool
}

// StatusUpdate describes the terminal transition a refund notification decided
// on. A nil update means the notification carries no new information.
type StatusUpdate struct {
	To              refundmodel.Status
	GatewayRefundID *string
	FailureReason   *string
}

// RepositoryAPI is the persistence contract for refunds. Every method that
// touches refund state also settles the parent payment row in the same
// transaction, under the payment row lock.
type RepositoryAPI interface {
	// Begin locks the payment row, sums the non-failed refunds, calls decide
	// with the locked state, and when decide returns a refund inserts it as
	// processing and moves the payment paid -> refunding.
	Begin(ctx context.Context, paymentNo string, decide func(po *payment.PaymentOrder, refundedCents int64) (*refundmodel.Refund, error)) (*refundmodel.Refund, *payment.PaymentOrder, error)

	// Complete marks the refund success and settles the payment:
	// refunding -> refunded when the cumulative total covers the full amount,
	// refunding -> paid otherwise.
	Complete(ctx context.Context, refundNo, gatewayRefundID string) (*Settlement, error)

	// Fail marks the refund failed and returns the payment refunding -> paid.
	// The failed refund releases the balance it held.
	Fail(ctx context.Context, refundNo, reason string) error

	ListByPaymentNo(ctx context.Context, paymentNo string) ([]*refundmodel.Refund, *payment.PaymentOrder, error)

	// ApplyNotification is the deduplicated variant of Complete/Fail for
	// asynchronous refund callbacks: it locates the refund by refund number,
	// check-and-inserts the dedup token, runs decide under the payment row
	// lock and applies the update, all in one transaction.
	ApplyNotification(
		ctx context.Context,
		gatewayName, refundNo, token, eventType string,
		decide func(rf *refundmodel.Refund, po *payment.PaymentOrder) (*StatusUpdate, error),
	) (paymentsvc.ApplyOutcome, *Settlement, error)
}

// RefundService owns the refund sub-lifecycle: paid -> refunding and back. The
// amount invariant (non-failed refund total never exceeds the payment amount)
// is validated under the payment row lock so concurrent refunds cannot both
// pass it.
type RefundService struct {
	repo     RepositoryAPI
	gateways *gateway.Registry
	eventBus *events.EventBus
	logger   *slog.Logger
}

func NewRefundService(repo RepositoryAPI, gateways *gateway.Registry, eventBus *events.EventBus, logger *slog.Logger) *RefundService {
	return &RefundService{
		repo:     repo,
		gateways: gateways,
		eventBus: eventBus,
		logger:   logger,
	}
}

// CreateRefund validates the request against the locked payment, records the
// processing refund, dispatches it to the gateway and settles the outcome.
// Partial refunds return the payment to paid; only full coverage reaches
// refunded.
func (s *RefundService) CreateRefund(ctx context.Context, paymentNo string, req *CreateRefundRequest) (*RefundResponse, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}

	rf, po, err := s.repo.Begin(ctx, paymentNo, func(po *payment.PaymentOrder, refundedCents int64) (*refundmodel.Refund, error) {
		if err := payment.CheckTransition(po.Status, payment.StatusRefunding); err != nil {
			return nil, err
		}
		if req.AmountCents > po.RemainingRefundable(refundedCents) {
			return nil, errors.ErrRefundAmountExceeded
		}
		if po.GatewayTransactionID == nil {
			return nil, errors.NewInternalError("paid payment is missing its gateway transaction id", nil)
		}
		return &refundmodel.Refund{
			RefundNo:    number.New("RFD"),
			PaymentID:   po.ID,
			AmountCents: req.AmountCents,
			Reason:      req.Reason,
			Status:      refundmodel.StatusProcessing,
		}, nil
	})
	if err != nil {
		return nil, err
	}

	s.logger.Info("refund started",
		"refund_no", rf.RefundNo,
		"payment_no", po.PaymentNo,
		"amount_cents", rf.AmountCents)

	adapter, err := s.gateways.Get(po.Gateway)
	if err != nil {
		s.failRefund(ctx, rf.RefundNo, "gateway no longer configured: "+po.Gateway)
		return nil, err
	}

	gwResp, err := adapter.CreateRefund(ctx, &gateway.CreateRefundRequest{
		RefundNo:             rf.RefundNo,
		GatewayTransactionID: *po.GatewayTransactionID,
		AmountCents:          rf.AmountCents,
		Reason:               rf.Reason,
	})
	if err != nil {
		s.logger.Error("gateway rejected refund",
			"error", err,
			"refund_no", rf.RefundNo,
			"payment_no", po.PaymentNo,
			"gateway", po.Gateway)
		s.failRefund(ctx, rf.RefundNo, err.Error())
		return nil, err
	}

	settlement, err := s.repo.Complete(ctx, rf.RefundNo, gwResp.GatewayRefundID)
	if err != nil {
		// The gateway accepted the refund but the settlement did not commit.
		// The row stays processing; the gateway's refund callback converges it
		// through ProcessRefundNotification.
		s.logger.Error("failed to settle refund after gateway success",
			"error", err,
			"refund_no", rf.RefundNo,
			"gateway_refund_id", gwResp.GatewayRefundID)
		return nil, errors.NewInternalError("failed to persist refund result", err)
	}

	s.publishRefunded(ctx, settlement)

	s.logger.Info("refund completed",
		"refund_no", rf.RefundNo,
		"payment_no", po.PaymentNo,
		"payment_status", settlement.Payment.Status,
		"total_refunded_cents", settlement.TotalRefundedCents)

	return ToRefundResponse(settlement.Refund, po.PaymentNo), nil
}

// ListRefunds returns every refund recorded against the payment, terminal and
// in-flight alike.
func (s *RefundService) ListRefunds(ctx context.Context, paymentNo string) ([]*RefundResponse, error) {
	refunds, po, err := s.repo.ListByPaymentNo(ctx, paymentNo)
	if err != nil {
		return nil, err
	}
	return ToRefundResponses(refunds, po.PaymentNo), nil
}

// ProcessRefundNotification applies a verified asynchronous refund outcome.
// Feeds from the webhook handler via the notification processor; duplicate
// deliveries land on the dedup ledger and return nil.
func (s *RefundService) ProcessRefundNotification(ctx context.Context, n *gateway.Notification) error {
	if n.Outcome == gateway.OutcomePending {
		s.logger.Debug("ignoring non-terminal refund notification",
			"gateway", n.Gateway, "refund_no", n.RefundNo)
		return nil
	}
	if n.RefundNo == "" {
		return errors.NewValidationError("refund notification is missing the refund number", errors.ErrCodeValidationFailed)
	}

	outcome, settlement, err := s.repo.ApplyNotification(ctx, n.Gateway, n.RefundNo, n.DedupToken(), string(n.EventType), s.decide(n))
	if err != nil {
		s.logger.Error("failed to apply refund notification",
			"error", err,
			"gateway", n.Gateway,
			"refund_no", n.RefundNo,
			"outcome", n.Outcome)
		return err
	}

	switch outcome {
	case paymentsvc.OutcomeDuplicate:
		s.logger.Info("duplicate refund notification acknowledged",
			"gateway", n.Gateway, "refund_no", n.RefundNo, "token", n.DedupToken())
		return nil
	case paymentsvc.OutcomeNoop:
		s.logger.Info("refund notification consistent with current state, no-op",
			"gateway", n.Gateway, "refund_no", n.RefundNo)
		return nil
	}

	if settlement.Refund.Status == refundmodel.StatusSuccess {
		s.publishRefunded(ctx, settlement)
	}

	s.logger.Info("refund notification applied",
		"refund_no", settlement.Refund.RefundNo,
		"payment_no", settlement.Payment.PaymentNo,
		"refund_status", settlement.Refund.Status,
		"payment_status", settlement.Payment.Status)

	return nil
}

// decide maps a refund notification onto the refund state while both rows are
// locked.
func (s *RefundService) decide(n *gateway.Notification) func(rf *refundmodel.Refund, po *payment.PaymentOrder) (*StatusUpdate, error) {
	return func(rf *refundmodel.Refund, po *payment.PaymentOrder) (*StatusUpdate, error) {
		switch rf.Status {
		case refundmodel.StatusSuccess:
			if n.Outcome == gateway.OutcomeSuccess {
				return nil, nil
			}
			return nil, errors.NewConflictError(
				"refund notification conflicts with settled refund", errors.ErrCodeInvalidStateTransition)
		case refundmodel.StatusFailed:
			if n.Outcome == gateway.OutcomeFailed {
				return nil, nil
			}
			return nil, errors.NewConflictError(
				"refund notification conflicts with failed refund", errors.ErrCodeInvalidStateTransition)
		}

		if n.Outcome == gateway.OutcomeSuccess {
			id := n.GatewayRefundID
			return &StatusUpdate{To: refundmodel.StatusSuccess, GatewayRefundID: &id}, nil
		}
		reason := "gateway reported refund failure"
		return &StatusUpdate{To: refundmodel.StatusFailed, FailureReason: &reason}, nil
	}
}

func (s *RefundService) failRefund(ctx context.Context, refundNo, reason string) {
	if err := s.repo.Fail(ctx, refundNo, reason); err != nil {
		s.logger.Error("failed to mark refund as failed", "error", err, "refund_no", refundNo)
	}
}

func (s *RefundService) publishRefunded(ctx context.Context, st *Settlement) {
	s.eventBus.Publish(ctx, events.NewPaymentRefundedEvent(
		st.Payment.PaymentNo,
		st.Refund.RefundNo,
		st.Payment.OrderID,
		st.Refund.AmountCents,
		st.TotalRefundedCents,
		st.FullyRefunded,
	))
}
