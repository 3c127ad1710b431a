package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/jmoiron/sqlx"
	"github.com/spf13/cobra"
	gormpostgres "gorm.io/driver/postgres"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/HaoranTong/ecommerce-platform-sub004/internal"
	"github.com/HaoranTong/ecommerce-platform-sub004/internal/core/events"
	"github.com/HaoranTong/ecommerce-platform-sub004/internal/gateway"
	"github.com/HaoranTong/ecommerce-platform-sub004/internal/gateway/alphapay"
	"github.com/HaoranTong/ecommerce-platform-sub004/internal/gateway/betapay"
	"github.com/HaoranTong/ecommerce-platform-sub004/internal/order"
	orderpostgres "github.com/HaoranTong/ecommerce-platform-sub004/internal/order/postgres"
	"github.com/HaoranTong/ecommerce-platform-sub004/internal/payment"
	paymentpostgres "github.com/HaoranTong/ecommerce-platform-sub004/internal/payment/postgres"
	"github.com/HaoranTong/ecommerce-platform-sub004/internal/refund"
	refundpostgres "github.com/HaoranTong/ecommerce-platform-sub004/internal/refund/postgres"
	"github.com/HaoranTong/ecommerce-platform-sub004/internal/transport"
	"github.com/HaoranTong/ecommerce-platform-sub004/internal/transport/rest"
	"github.com/HaoranTong/ecommerce-platform-sub004/pkg/logger"
)

var httpServerCmd = &cobra.Command{
	Use:   "server",
	Short: "Start HTTP server",
	Long:  `Start the HTTP server to handle payment API requests and gateway callbacks`,
	Run: func(cmd *cobra.Command, args []string) {
		startHTTPServer()
	},
}

type Dependencies struct {
	Config         *internal.Config
	DB             *sqlx.DB
	Router         *chi.Mux
	PaymentHandler *payment.Handler
	RefundHandler  *refund.Handler
	WebhookHandler *payment.WebhookHandler
	Logger         *slog.Logger
}

func startHTTPServer() {
	deps, err := initializeDependencies()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize dependencies: %v\n", err)
		os.Exit(1)
	}

	rest.RegisterAllRoutes(
		deps.Router,
		deps.DB.DB,
		deps.Config.Security.JWTSecret,
		deps.PaymentHandler,
		deps.RefundHandler,
		deps.WebhookHandler,
		deps.Logger,
	)

	addr := fmt.Sprintf(":%d", deps.Config.Server.Port)
	deps.Logger.Info("starting HTTP server", "address", addr)

	server := &http.Server{
		Addr:              addr,
		Handler:           deps.Router,
		ReadHeaderTimeout: deps.Config.Server.ReadHeaderTimeout,
		ReadTimeout:       deps.Config.Server.ReadTimeout,
		WriteTimeout:      deps.Config.Server.WriteTimeout,
		IdleTimeout:       deps.Config.Server.IdleTimeout,
	}

	// Signal handling for graceful shutdown
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	serverErrChan := make(chan error, 1)
	go func() {
		serverErrChan <- server.ListenAndServe()
	}()

	select {
	case sig := <-sigChan:
		deps.Logger.Info("received signal, shutting down...", "signal", sig)
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := server.Shutdown(ctx); err != nil {
			deps.Logger.Error("server shutdown error", "error", err)
		}
		if err := deps.DB.Close(); err != nil {
			deps.Logger.Error("database close error", "error", err)
		}
	case err := <-serverErrChan:
		if err != nil && err != http.ErrServerClosed {
			deps.Logger.Error("server failed to start", "error", err)
			os.Exit(1)
		}
	}

	deps.Logger.Info("server stopped")
}

func initializeDependencies() (*Dependencies, error) {
	config, err := loadConfig(".")
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	logger.Init(os.Getenv("APP_ENV"))
	log := logger.L()

	db, err := initDB(config.Database)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize database: %w", err)
	}

	gormDB, err := gorm.Open(gormpostgres.New(gormpostgres.Config{Conn: db.DB}), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Warn),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to initialize orm: %w", err)
	}

	registry, err := buildGatewayRegistry(config.Payment, log)
	if err != nil {
		return nil, err
	}

	eventBus := events.NewEventBus(log)

	paymentRepo := paymentpostgres.NewPaymentRepository(gormDB)
	refundRepo := refundpostgres.NewRefundRepository(gormDB)
	orderRepo := orderpostgres.NewOrderRepository(gormDB)

	order.NewEventHandler(orderRepo, log).RegisterEventHandlers(eventBus)

	paymentService := payment.NewPaymentService(paymentRepo, orderRepo, registry, payment.Config{
		ExpiryDuration:  config.Payment.ExpiryDuration,
		CallbackBaseURL: config.Payment.CallbackBaseURL,
	}, log)

	refundService := refund.NewRefundService(refundRepo, registry, eventBus, log)
	processor := payment.NewProcessor(paymentRepo, refundService, eventBus, log)

	baseHandler := transport.NewBaseHandler(log)

	return &Dependencies{
		Config:         config,
		DB:             db,
		Router:         chi.NewRouter(),
		PaymentHandler: payment.NewHandler(paymentService, log),
		RefundHandler:  refund.NewHandler(refundService, log),
		WebhookHandler: payment.NewWebhookHandler(baseHandler, registry, processor, log),
		Logger:         log,
	}, nil
}

// buildGatewayRegistry instantiates an adapter per configured gateway.
func buildGatewayRegistry(cfg internal.PaymentConfig, log *slog.Logger) (*gateway.Registry, error) {
	var adapters []gateway.Adapter

	for name, gwCfg := range cfg.Gateways {
		switch name {
		case alphapay.Name:
			adapters = append(adapters, alphapay.New(alphapay.Config{
				BaseURL:    gwCfg.BaseURL,
				MerchantID: gwCfg.MerchantID,
				Secret:     gwCfg.Secret,
				Timeout:    gwCfg.Timeout,
			}, log))
		case betapay.Name:
			adapters = append(adapters, betapay.New(betapay.Config{
				BaseURL:    gwCfg.BaseURL,
				MerchantID: gwCfg.MerchantID,
				Secret:     gwCfg.Secret,
				Timeout:    gwCfg.Timeout,
			}, log))
		default:
			return nil, fmt.Errorf("unknown gateway in config: %s", name)
		}
	}

	return gateway.NewRegistry(adapters...), nil
}

// initDB initializes the database connection
func initDB(cfg internal.DatabaseConfig) (*sqlx.DB, error) {
	const driver = "pgx"

	dbConn, err := sqlx.Connect(driver, cfg.Source)
	if err != nil {
		return nil, fmt.Errorf("failed to open db connection: %w", err)
	}

	dbConn.SetMaxIdleConns(cfg.MaxIdleConns)
	dbConn.SetMaxOpenConns(cfg.MaxOpenConns)
	dbConn.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	dbConn.SetConnMaxIdleTime(cfg.ConnMaxIdleTime)

	if err := dbConn.Ping(); err != nil {
		_ = dbConn.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return dbConn, nil
}
