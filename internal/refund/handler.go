package refund

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
	Service *RefundService
	Logger  *slog.Logger
}

func NewHandler(service *RefundService, logger *slog.Logger) *Handler {
	return &Handler{
		BaseHandler: transport.BaseHandler{Logger: logger},
		Service:     service,
		Logger:      logger,
	}
}

// CreateRefund handles POST /api/v1/payments/{paymentNo}/refunds
func (h *Handler) CreateRefund(w http.ResponseWriter, r *http.Request) {
	paymentNo := chi.URLParam(r, "paymentNo")
	if paymentNo == "" {
		h.HandleError(w, errors.NewValidationError("payment number is required", errors.ErrCodeValidationFailed))
		return
	}

	var req CreateRefundRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.Logger.Error("CreateRefund: failed to parse request body", "error", err)
		h.HandleError(w, errors.NewValidationError("invalid request body", errors.ErrCodeValidationFailed))
		return
	}

	resp, err := h.Service.CreateRefund(r.Context(), paymentNo, &req)
	if err != nil {
		h.Logger.Error("CreateRefund: service error",
			"error", err,
			"payment_no", paymentNo,
			"amount_cents", req.AmountCents)
		h.HandleServiceError(w, err)
		return
	}

	h.Logger.Info("CreateRefund: refund recorded",
		"refund_no", resp.RefundNo,
		"payment_no", paymentNo,
		"status", resp.Status)

	h.WriteJSON(w, http.StatusCreated, resp)
}

// ListRefunds handles GET /api/v1/payments/{paymentNo}/refunds
func (h *Handler) ListRefunds(w http.ResponseWriter, r *http.Request) {
	paymentNo := chi.URLParam(r, "paymentNo")
	if paymentNo == "" {
		h.HandleError(w, errors.NewValidationError("payment number is required", errors.ErrCodeValidationFailed))
		return
	}

	resp, err := h.Service.ListRefunds(r.Context(), paymentNo)
	if err != nil {
		h.HandleServiceError(w, err)
		return
	}

	h.WriteJSON(w, http.StatusOK, map[string]interface{}{"refunds": resp})
}
