package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	gormpostgres "gorm.io/driver/postgres"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/HaoranTong/ecommerce-platform-sub004/internal/core/events"
	"github.com/HaoranTong/ecommerce-platform-sub004/internal/order"
	orderpostgres "github.com/HaoranTong/ecommerce-platform-sub004/internal/order/postgres"
	"github.com/HaoranTong/ecommerce-platform-sub004/internal/payment"
	paymentpostgres "github.com/HaoranTong/ecommerce-platform-sub004/internal/payment/postgres"
	"github.com/HaoranTong/ecommerce-platform-sub004/internal/refund"
	refundpostgres "github.com/HaoranTong/ecommerce-platform-sub004/internal/refund/postgres"
	"github.com/HaoranTong/ecommerce-platform-sub004/pkg/logger"
)

var reconcilerCmd = &cobra.Command{
	Use:   "reconciler",
	Short: "Start the payment reconciliation worker",
	Long:  `Periodically expires overdue payment attempts and polls the gateways for attempts whose callbacks were lost.`,
	Run: func(cmd *cobra.Command, args []string) {
		startReconciler()
	},
}

func startReconciler() {
	config, err := loadConfig(".")
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}

	logger.Init(os.Getenv("APP_ENV"))
	log := logger.L()

	db, err := initDB(config.Database)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize database: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = db.Close() }()

	gormDB, err := gorm.Open(gormpostgres.New(gormpostgres.Config{Conn: db.DB}), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Warn),
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize orm: %v\n", err)
		os.Exit(1)
	}

	registry, err := buildGatewayRegistry(config.Payment, log)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to build gateway registry: %v\n", err)
		os.Exit(1)
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

	reconciler := payment.NewReconciler(paymentService, processor, paymentRepo, registry, payment.ReconcilerConfig{
		Interval:       config.Reconciler.Interval,
		StuckThreshold: config.Reconciler.StuckThreshold,
		BatchSize:      config.Reconciler.BatchSize,
	}, log)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go reconciler.Start(ctx)

	log.Info("reconciler is running. Press Ctrl+C to stop.")

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	sig := <-sigChan
	log.Info("received signal, shutting down reconciler", "signal", sig)

	shutdownDone := make(chan struct{})
	go func() {
		reconciler.Stop()
		close(shutdownDone)
	}()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	select {
	case <-shutdownDone:
		log.Info("reconciler shutdown complete")
	case <-shutdownCtx.Done():
		log.Warn("shutdown timeout reached, forcing exit")
	}
}
