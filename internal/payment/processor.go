package payment

import (
	"context"
	"log/slog"
	"time"

	errors "github.com/HaoranTong/ecommerce-platform-sub004/internal"
	"github.com/HaoranTong/ecommerce-platform-sub004/internal/core/events"
	paymentmodel "github.com/HaoranTong/ecommerce-platform-sub004/internal/core/datamodel/payment"
	"github.com/HaoranTong/ecommerce-platform-sub004/internal/gateway"
)

// ApplyOutcome classifies what a notification did once the transaction
// committed.
type ApplyOutcome int

const (
	// OutcomeApplied means the state transition happened in this call.
	OutcomeApplied ApplyOutcome = iota
	// OutcomeDuplicate means the dedup ledger already held the token.
	OutcomeDuplicate
	// OutcomeNoop means the payment was already in the terminal state the
	// notification reports.
	OutcomeNoop
)

// StatusUpdate describes the transition a notification decided on. A nil
// update means the notification is consistent with current state and nothing
// should change.
type StatusUpdate struct {
	To                   paymentmodel.Status
	GatewayTransactionID *string
	PaidAt               *time.Time
	FailedAt             *time.Time
	FailureReason        *string
}

// NotificationRepository executes the safety-critical unit: lock the payment
// row, check-and-insert the dedup token, run decide, and apply the resulting
// update, all in one transaction. Either everything commits or nothing does.
type NotificationRepository interface {
	ApplyNotification(
		ctx context.Context,
		gatewayName, gatewayOrderID, token, eventType string,
		decide func(po *paymentmodel.PaymentOrder) (*StatusUpdate, error),
	) (ApplyOutcome, *paymentmodel.PaymentOrder, error)
}

// RefundNotificationHandler processes asynchronous refund outcome
// notifications. Implemented by the refund service.
type RefundNotificationHandler interface {
	ProcessRefundNotification(ctx context.Context, n *gateway.Notification) error
}

// Processor applies verified gateway notifications to the payment state
// machine. Both the webhook handler and the reconciliation job feed it, so a
// reconciliation apply and a late real callback share one idempotency path.
type Processor struct {
	repo     NotificationRepository
	refunds  RefundNotificationHandler
	eventBus *events.EventBus
	logger   *slog.Logger
}

func NewProcessor(repo NotificationRepository, refunds RefundNotificationHandler, eventBus *events.EventBus, logger *slog.Logger) *Processor {
	return &Processor{
		repo:     repo,
		refunds:  refunds,
		eventBus: eventBus,
		logger:   logger,
	}
}

// ProcessNotification applies one verified notification. Duplicate deliveries
// return nil so the caller acknowledges the gateway and it stops retrying.
func (p *Processor) ProcessNotification(ctx context.Context, n *gateway.Notification) error {
	if n.EventType == gateway.EventTypeRefund {
		return p.refunds.ProcessRefundNotification(ctx, n)
	}

	if n.Outcome == gateway.OutcomePending {
		// Not a terminal report; nothing to apply.
		p.logger.Debug("ignoring non-terminal payment notification",
			"gateway", n.Gateway, "gateway_order_id", n.GatewayOrderID)
		return nil
	}

	outcome, po, err := p.repo.ApplyNotification(ctx, n.Gateway, n.GatewayOrderID, n.DedupToken(), string(n.EventType), p.decide(n))
	if err != nil {
		p.logger.Error("failed to apply payment notification",
			"error", err,
			"gateway", n.Gateway,
			"gateway_order_id", n.GatewayOrderID,
			"outcome", n.Outcome)
		return err
	}

	switch outcome {
	case OutcomeDuplicate:
		p.logger.Info("duplicate notification acknowledged",
			"gateway", n.Gateway,
			"gateway_order_id", n.GatewayOrderID,
			"token", n.DedupToken())
		return nil
	case OutcomeNoop:
		p.logger.Info("notification consistent with current state, no-op",
			"gateway", n.Gateway,
			"payment_no", po.PaymentNo,
			"status", po.Status)
		return nil
	}

	// Publish only after the transition is durably committed. Consumers must
	// be idempotent: delivery is at-least-once.
	switch po.Status {
	case paymentmodel.StatusPaid:
		txnID := ""
		if po.GatewayTransactionID != nil {
			txnID = *po.GatewayTransactionID
		}
		p.eventBus.Publish(ctx, events.NewPaymentPaidEvent(
			po.PaymentNo, po.OrderID, po.AmountCents, po.Currency, po.Gateway, txnID))
	case paymentmodel.StatusFailed:
		reason := ""
		if po.FailureReason != nil {
			reason = *po.FailureReason
		}
		p.eventBus.Publish(ctx, events.NewPaymentFailedEvent(
			po.PaymentNo, po.OrderID, po.AmountCents, po.Gateway, reason))
	}

	p.logger.Info("payment notification applied",
		"payment_no", po.PaymentNo,
		"order_id", po.OrderID,
		"status", po.Status,
		"gateway", po.Gateway)

	return nil
}

// decide maps a notification onto the state machine while the row is locked.
func (p *Processor) decide(n *gateway.Notification) func(po *paymentmodel.PaymentOrder) (*StatusUpdate, error) {
	return func(po *paymentmodel.PaymentOrder) (*StatusUpdate, error) {
		switch {
		case n.Outcome == gateway.OutcomeSuccess && isPaidConsistent(po.Status):
			return nil, nil
		case n.Outcome == gateway.OutcomeFailed && po.Status == paymentmodel.StatusFailed:
			return nil, nil
		}

		if po.Status != paymentmodel.StatusCreated {
			return nil, errors.NewConflictError(
				"notification conflicts with payment state "+po.Status.String(),
				errors.ErrCodeInvalidStateTransition)
		}

		now := time.Now().UTC()
		if n.Outcome == gateway.OutcomeSuccess {
			if err := paymentmodel.CheckTransition(po.Status, paymentmodel.StatusPaid); err != nil {
				return nil, err
			}
			paidAt := n.PaidAt
			if paidAt == nil {
				paidAt = &now
			}
			txnID := n.TransactionID
			return &StatusUpdate{
				To:                   paymentmodel.StatusPaid,
				GatewayTransactionID: &txnID,
				PaidAt:               paidAt,
			}, nil
		}

		if err := paymentmodel.CheckTransition(po.Status, paymentmodel.StatusFailed); err != nil {
			return nil, err
		}
		reason := "gateway reported failure"
		if raw, ok := n.Raw["trade_status"]; ok {
			reason = raw
		}
		return &StatusUpdate{
			To:            paymentmodel.StatusFailed,
			FailedAt:      &now,
			FailureReason: &reason,
		}, nil
	}
}

// isPaidConsistent reports whether a success notification carries no new
// information: paid already, or further along the refund sub-machine.
func isPaidConsistent(s paymentmodel.Status) bool {
	switch s {
	case paymentmodel.StatusPaid, paymentmodel.StatusRefunding, paymentmodel.StatusRefunded:
		return true
	}
	return false
}
