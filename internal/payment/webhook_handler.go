package payment

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi"

	errors "github.com/HaoranTong/ecommerce-platform-sub004/internal"
	"github.com/HaoranTong/ecommerce-platform-sub004/internal/gateway"
	"github.com/HaoranTong/ecommerce-platform-sub004/internal/transport"
)

// WebhookHandler terminates the inbound callback endpoints, one route per
// gateway. Authentication is the provider signature, not a bearer token.
type WebhookHandler struct {
	*transport.BaseHandler
	gateways  *gateway.Registry
	processor *Processor
	logger    *slog.Logger
}

func NewWebhookHandler(baseHandler *transport.BaseHandler, gateways *gateway.Registry, processor *Processor, logger *slog.Logger) *WebhookHandler {
	return &WebhookHandler{
		BaseHandler: baseHandler,
		gateways:    gateways,
		processor:   processor,
		logger:      logger,
	}
}

// HandleCallback processes POST /payments/webhook/{gateway}. On success it
// returns the exact acknowledgment literal the provider expects so it stops
// retrying. Authenticity failures return non-2xx and change no state.
func (h *WebhookHandler) HandleCallback(w http.ResponseWriter, r *http.Request) {
	gatewayName := chi.URLParam(r, "gateway")

	adapter, err := h.gateways.Get(gatewayName)
	if err != nil {
		h.logger.Error("callback for unknown gateway", "gateway", gatewayName)
		h.WriteError(w, http.StatusNotFound, "unknown gateway")
		return
	}

	notification, err := adapter.VerifyCallback(r)
	if err != nil {
		// Security relevant: a forged or corrupted callback. Reject without
		// touching any state.
		h.logger.Error("callback authenticity check failed",
			"gateway", gatewayName,
			"remote_addr", r.RemoteAddr,
			"error", err)
		h.WriteError(w, http.StatusUnauthorized, "invalid signature")
		return
	}

	h.logger.Info("received gateway callback",
		"gateway", gatewayName,
		"event_type", notification.EventType,
		"gateway_order_id", notification.GatewayOrderID,
		"outcome", notification.Outcome)

	if err := h.processor.ProcessNotification(r.Context(), notification); err != nil {
		if appErr, ok := errors.IsAppError(err); ok {
			switch appErr.Code {
			case errors.ErrCodePaymentNotFound, errors.ErrCodeRefundNotFound:
				// Data inconsistency, not a transient failure. A non-retryable
				// rejection stops the gateway from hammering us.
				h.logger.Error("callback references unknown record",
					"gateway", gatewayName,
					"gateway_order_id", notification.GatewayOrderID)
				h.WriteError(w, http.StatusBadRequest, "unknown payment reference")
				return
			case errors.ErrCodeInvalidStateTransition:
				h.logger.Error("callback conflicts with payment state",
					"gateway", gatewayName,
					"gateway_order_id", notification.GatewayOrderID)
				h.WriteError(w, http.StatusConflict, "conflicting payment state")
				return
			}
		}

		// Transient failure (lock timeout, db outage): 5xx so the gateway
		// redelivers and the dedup ledger keeps the retry harmless.
		h.logger.Error("failed to process callback",
			"error", err,
			"gateway", gatewayName,
			"gateway_order_id", notification.GatewayOrderID)
		h.WriteError(w, http.StatusInternalServerError, "processing failed")
		return
	}

	contentType, body := adapter.AckResponse()
	w.Header().Set("Content-Type", contentType)
	w.WriteHeader(http.StatusOK)
	if _, err := w.Write([]byte(body)); err != nil {
		h.logger.Error("failed to write callback ack", "error", err)
	}
}
