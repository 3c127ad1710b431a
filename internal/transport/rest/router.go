package rest

import (
	"database/sql"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi"
	chiMiddleware "github.com/go-chi/chi/middleware"

	"github.com/HaoranTong/ecommerce-platform-sub004/internal/payment"
	"github.com/HaoranTong/ecommerce-platform-sub004/internal/refund"
	"github.com/HaoranTong/ecommerce-platform-sub004/internal/transport/middleware"
	"github.com/HaoranTong/ecommerce-platform-sub004/internal/transport/swagger"
)

// RegisterAllRoutes wires the HTTP surface. Webhook routes stay outside the
// auth group: gateways authenticate with their callback signature, not a
// bearer token.
func RegisterAllRoutes(
	router *chi.Mux,
	db *sql.DB,
	jwtSecret string,
	paymentHandler *payment.Handler,
	refundHandler *refund.Handler,
	webhookHandler *payment.WebhookHandler,
	logger *slog.Logger,
) {
	healthHandler := NewHealthHandler(db)

	// Apply global middleware
	router.Use(middleware.CORS)
	router.Use(chiMiddleware.RequestID)
	router.Use(middleware.RequestID)
	router.Use(middleware.RecoveryMiddleware(logger))
	router.Use(middleware.LoggingMiddleware(logger))

	// Serve OpenAPI spec at root (outside API prefix)
	router.Get("/openapi.yml", func(w http.ResponseWriter, r *http.Request) {
		http.ServeFile(w, r, "./api/openapi.yml")
	})
	// Swagger UI route at root
	router.Handle("/swagger/*", swagger.Handler())

	router.Route("/api/v1", func(r chi.Router) {
		// Health check routes
		r.Get("/health", healthHandler.healthCheckHandler)
		r.Get("/ping", healthHandler.pingHandler)

		if webhookHandler != nil {
			r.Post("/payments/webhook/{gateway}", webhookHandler.HandleCallback)
		}

		// Protected routes that require authentication
		r.Group(func(pr chi.Router) {
			pr.Use(middleware.Auth(jwtSecret, logger))

			pr.Route("/payments", func(pmr chi.Router) {
				pmr.Post("/", paymentHandler.CreatePayment)
				pmr.Get("/{paymentNo}", paymentHandler.GetPayment)
				pmr.Post("/{paymentNo}/cancel", paymentHandler.CancelPayment)

				if refundHandler != nil {
					pmr.Post("/{paymentNo}/refunds", refundHandler.CreateRefund)
					pmr.Get("/{paymentNo}/refunds", refundHandler.ListRefunds)
				}
			})
		})
	})
}
