package order

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/HaoranTong/ecommerce-platform-sub004/internal/core/datamodel/order"
	"github.com/HaoranTong/ecommerce-platform-sub004/internal/core/events"
)

// StatusWriter is implemented by the order repository.
type StatusWriter interface {
	UpdateStatus(ctx context.Context, orderID int64, status string) error
}

// EventHandler keeps order fulfillment status in sync with payment outcomes.
// Subscribed handlers run with at-least-once delivery, so every update must be
// idempotent.
type EventHandler struct {
	orders StatusWriter
	logger *slog.Logger
}

func NewEventHandler(orders StatusWriter, logger *slog.Logger) *EventHandler {
	return &EventHandler{
		orders: orders,
		logger: logger,
	}
}

func (h *EventHandler) HandlePaymentPaid(ctx context.Context, event events.Event) error {
	paidEvent, ok := event.(*events.PaymentPaidEvent)
	if !ok {
		h.logger.Error("invalid event type for payment paid handler", "event_type", event.EventType())
		return fmt.Errorf("expected PaymentPaidEvent, got %T", event)
	}

	if err := h.orders.UpdateStatus(ctx, paidEvent.OrderID, order.StatusPaid); err != nil {
		h.logger.Error("failed to mark order as paid",
			"error", err,
			"order_id", paidEvent.OrderID,
			"payment_no", paidEvent.PaymentNo,
			"event_id", paidEvent.EventID())
		return fmt.Errorf("order status update failed for order %d: %w", paidEvent.OrderID, err)
	}

	h.logger.Info("order marked as paid",
		"order_id", paidEvent.OrderID,
		"payment_no", paidEvent.PaymentNo,
		"event_id", paidEvent.EventID())
	return nil
}

func (h *EventHandler) HandlePaymentFailed(ctx context.Context, event events.Event) error {
	failedEvent, ok := event.(*events.PaymentFailedEvent)
	if !ok {
		h.logger.Error("invalid event type for payment failed handler", "event_type", event.EventType())
		return fmt.Errorf("expected PaymentFailedEvent, got %T", event)
	}

	if err := h.orders.UpdateStatus(ctx, failedEvent.OrderID, order.StatusPaymentFailed); err != nil {
		h.logger.Error("failed to mark order as payment failed",
			"error", err,
			"order_id", failedEvent.OrderID,
			"payment_no", failedEvent.PaymentNo)
		return fmt.Errorf("order status update failed for order %d: %w", failedEvent.OrderID, err)
	}

	h.logger.Info("order marked as payment failed",
		"order_id", failedEvent.OrderID,
		"payment_no", failedEvent.PaymentNo,
		"failure_reason", failedEvent.FailureReason)
	return nil
}

func (h *EventHandler) HandlePaymentRefunded(ctx context.Context, event events.Event) error {
	refundedEvent, ok := event.(*events.PaymentRefundedEvent)
	if !ok {
		h.logger.Error("invalid event type for payment refunded handler", "event_type", event.EventType())
		return fmt.Errorf("expected PaymentRefundedEvent, got %T", event)
	}

	// Partial refunds leave the order paid; only full coverage flips it.
	if !refundedEvent.FullyRefunded {
		h.logger.Info("partial refund recorded, order status unchanged",
			"order_id", refundedEvent.OrderID,
			"refund_no", refundedEvent.RefundNo,
			"refunded_cents", refundedEvent.RefundedCents)
		return nil
	}

	if err := h.orders.UpdateStatus(ctx, refundedEvent.OrderID, order.StatusRefunded); err != nil {
		h.logger.Error("failed to mark order as refunded",
			"error", err,
			"order_id", refundedEvent.OrderID,
			"refund_no", refundedEvent.RefundNo)
		return fmt.Errorf("order status update failed for order %d: %w", refundedEvent.OrderID, err)
	}

	h.logger.Info("order marked as refunded",
		"order_id", refundedEvent.OrderID,
		"refund_no", refundedEvent.RefundNo)
	return nil
}

func (h *EventHandler) RegisterEventHandlers(eventBus *events.EventBus) {
	eventBus.Subscribe(events.EventTypePaymentPaid, h.HandlePaymentPaid)
	eventBus.Subscribe(events.EventTypePaymentFailed, h.HandlePaymentFailed)
	eventBus.Subscribe(events.EventTypePaymentRefunded, h.HandlePaymentRefunded)

	h.logger.Info("order event handlers registered",
		"handlers", []string{events.EventTypePaymentPaid, events.EventTypePaymentFailed, events.EventTypePaymentRefunded})
}
