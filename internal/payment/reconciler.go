package payment

import (
	"context"
	"log/slog"
	"time"

	"github.com/HaoranTong/ecommerce-platform-sub004/internal/gateway"
	paymentmodel "github.com/HaoranTong/ecommerce-platform-sub004/internal/core/datamodel/payment"
)

type ReconcilerConfig struct {
	Interval       time.Duration
	StuckThreshold time.Duration
	BatchSize      int
}

// Reconciler periodically recovers payments whose callbacks were lost. It
// polls the gateway for attempts stuck in created and feeds terminal results
// through the same dedup path as the webhook, so a late real callback cannot
// double-apply. It also runs the expiry sweep.
type Reconciler struct {
	service   *PaymentService
	processor *Processor
	repo      RepositoryAPI
	gateways  *gateway.Registry
	cfg       ReconcilerConfig
	logger    *slog.Logger
	stopChan  chan struct{}
}

func NewReconciler(service *PaymentService, processor *Processor, repo RepositoryAPI, gateways *gateway.Registry, cfg ReconcilerConfig, logger *slog.Logger) *Reconciler {
	if cfg.Interval <= 0 {
		cfg.Interval = 2 * time.Minute
	}
	if cfg.StuckThreshold <= 0 {
		cfg.StuckThreshold = 5 * time.Minute
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 100
	}
	return &Reconciler{
		service:   service,
		processor: processor,
		repo:      repo,
		gateways:  gateways,
		cfg:       cfg,
		logger:    logger,
		stopChan:  make(chan struct{}),
	}
}

func (r *Reconciler) Start(ctx context.Context) {
	r.logger.Info("starting payment reconciler",
		"interval", r.cfg.Interval,
		"stuck_threshold", r.cfg.StuckThreshold)

	ticker := time.NewTicker(r.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			r.logger.Info("payment reconciler stopped due to context cancellation")
			return
		case <-r.stopChan:
			r.logger.Info("payment reconciler stopped")
			return
		case <-ticker.C:
			r.RunOnce(ctx)
		}
	}
}

func (r *Reconciler) Stop() {
	close(r.stopChan)
}

// RunOnce executes a single reconciliation pass: expiry sweep first, then the
// stuck-payment poll.
func (r *Reconciler) RunOnce(ctx context.Context) {
	if _, err := r.service.ExpirePayments(ctx); err != nil {
		r.logger.Error("expiry sweep failed", "error", err)
	}

	cutoff := time.Now().UTC().Add(-r.cfg.StuckThreshold)
	stuck, err := r.repo.ListStuckCreated(ctx, cutoff, r.cfg.BatchSize)
	if err != nil {
		r.logger.Error("failed to list stuck payments", "error", err)
		return
	}

	if len(stuck) == 0 {
		return
	}

	r.logger.Info("reconciling stuck payments", "count", len(stuck))

	for _, po := range stuck {
		if err := r.reconcileOne(ctx, po); err != nil {
			r.logger.Error("failed to reconcile payment",
				"error", err,
				"payment_no", po.PaymentNo,
				"gateway", po.Gateway)
		}
	}
}

func (r *Reconciler) reconcileOne(ctx context.Context, po *paymentmodel.PaymentOrder) error {
	adapter, err := r.gateways.Get(po.Gateway)
	if err != nil {
		return err
	}

	if po.GatewayOrderID == nil {
		// created without a gateway order id should not happen; leave it to
		// the expiry sweep.
		r.logger.Warn("created payment without gateway order id", "payment_no", po.PaymentNo)
		return nil
	}

	status, err := adapter.QueryPayment(ctx, *po.GatewayOrderID)
	if err != nil {
		return err
	}

	if status.Outcome == gateway.OutcomePending {
		// Still undecided at the gateway; the expiry sweep closes it if the
		// customer never pays.
		return nil
	}

	notification := &gateway.Notification{
		Gateway:        po.Gateway,
		EventType:      gateway.EventTypePayment,
		GatewayOrderID: *po.GatewayOrderID,
		TransactionID:  status.TransactionID,
		AmountCents:    po.AmountCents,
		Currency:       po.Currency,
		Outcome:        status.Outcome,
		PaidAt:         status.PaidAt,
	}

	r.logger.Info("reconciliation resolved gateway outcome",
		"payment_no", po.PaymentNo,
		"gateway", po.Gateway,
		"outcome", status.Outcome)

	return r.processor.ProcessNotification(ctx, notification)
}
