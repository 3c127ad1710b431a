package payment

import (
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi"

	errors "github.com/HaoranTong/ecommerce-platform-sub004/internal"
	"github.com/HaoranTong/ecommerce-platform-sub004/internal/transport"
)

type Handler struct {
	transport.BaseHandler
	Service *PaymentService
	Logger  *slog.Logger
}

func NewHandler(service *PaymentService, logger *slog.Logger) *Handler {
	return &Handler{
		BaseHandler: transport.BaseHandler{Logger: logger},
		Service:     service,
		Logger:      logger,
	}
}

// CreatePayment handles POST /api/v1/payments
func (h *Handler) CreatePayment(w http.ResponseWriter, r *http.Request) {
	var req CreatePaymentRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.Logger.Error("CreatePayment: failed to parse request body", "error", err)
		h.HandleError(w, errors.NewValidationError("invalid request body", errors.ErrCodeValidationFailed))
		return
	}

	resp, err := h.Service.CreatePayment(r.Context(), &req)
	if err != nil {
		h.Logger.Error("CreatePayment: service error",
			"error", err,
			"order_id", req.OrderID,
			"payment_method", req.PaymentMethod)
		h.HandleServiceError(w, err)
		return
	}

	h.Logger.Info("CreatePayment: payment intent created",
		"payment_no", resp.PaymentNo,
		"order_id", resp.OrderID,
		"gateway", resp.Gateway)

	h.WriteJSON(w, http.StatusCreated, resp)
}

// GetPayment handles GET /api/v1/payments/{paymentNo}
func (h *Handler) GetPayment(w http.ResponseWriter, r *http.Request) {
	paymentNo := chi.URLParam(r, "paymentNo")
	if paymentNo == "" {
		h.HandleError(w, errors.NewValidationError("payment number is required", errors.ErrCodeValidationFailed))
		return
	}

	resp, err := h.Service.GetPayment(r.Context(), paymentNo)
	if err != nil {
		h.HandleServiceError(w, err)
		return
	}

	h.WriteJSON(w, http.StatusOK, resp)
}

// CancelPayment handles POST /api/v1/payments/{paymentNo}/cancel
func (h *Handler) CancelPayment(w http.ResponseWriter, r *http.Request) {
	paymentNo := chi.URLParam(r, "paymentNo")
	if paymentNo == "" {
		h.HandleError(w, errors.NewValidationError("payment number is required", errors.ErrCodeValidationFailed))
		return
	}

	resp, err := h.Service.CancelPayment(r.Context(), paymentNo)
	if err != nil {
		h.Logger.Error("CancelPayment: service error", "error", err, "payment_no", paymentNo)
		h.HandleServiceError(w, err)
		return
	}

	h.Logger.Info("CancelPayment: payment cancelled", "payment_no", paymentNo)
	h.WriteJSON(w, http.StatusOK, resp)
}
