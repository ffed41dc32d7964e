package invoice

import (
	"context"
	"time"

	"pos-sync-service/internal/models"
	"pos-sync-service/internal/util"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// SweepConfig holds the two sweep cadences
type SweepConfig struct {
	RetryInterval  time.Duration
	RetryMinAge    time.Duration
	StaleInterval  time.Duration
	StaleThreshold time.Duration
	BatchLimit     int
}

// Sweeper periodically requeues PENDING invoices that lost their retry job
// (crash between state write and enqueue) and flags invoices stuck PENDING
// past the stale threshold.
type Sweeper struct {
	store     Store
	issuer    *Issuer
	publisher Publisher
	cfg       SweepConfig
	logger    *zap.Logger
}

// NewSweeper creates a new sweeper
func NewSweeper(store Store, issuer *Issuer, publisher Publisher, cfg SweepConfig) *Sweeper {
	return &Sweeper{
		store:     store,
		issuer:    issuer,
		publisher: publisher,
		cfg:       cfg,
		logger:    util.GetLogger(),
	}
}

// Run drives both sweeps until ctx is cancelled
func (s *Sweeper) Run(ctx context.Context) {
	retryTicker := time.NewTicker(s.cfg.RetryInterval)
	staleTicker := time.NewTicker(s.cfg.StaleInterval)
	defer retryTicker.Stop()
	defer staleTicker.Stop()

	s.logger.Info("Invoice sweeper started",
		zap.Duration("retry_interval", s.cfg.RetryInterval),
		zap.Duration("stale_interval", s.cfg.StaleInterval))

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("Invoice sweeper stopped")
			return
		case <-retryTicker.C:
			s.sweepRetries(ctx)
		case <-staleTicker.C:
			s.sweepStale(ctx)
		}
	}
}

// sweepRetries requeues PENDING invoices not touched recently. Enqueue dedup
// makes rescheduling an invoice that already has a live job a no-op.
func (s *Sweeper) sweepRetries(ctx context.Context) {
	cutoff := time.Now().Add(-s.cfg.RetryMinAge)
	invoices, err := s.store.ListRetryablePendingInvoices(ctx, cutoff, s.cfg.BatchLimit)
	if err != nil {
		s.logger.Error("Retry sweep failed to list invoices", zap.Error(err))
		return
	}

	for _, inv := range invoices {
		if err := s.issuer.ScheduleRetry(ctx, inv.ID, inv.RetryCount+1); err != nil {
			s.logger.Error("Retry sweep failed to schedule invoice",
				zap.Int64("invoice_id", inv.ID), zap.Error(err))
		}
	}
}

func (s *Sweeper) sweepStale(ctx context.Context) {
	createdBefore := time.Now().Add(-s.cfg.StaleThreshold)
	invoices, err := s.store.ListStalePendingInvoices(ctx, createdBefore, s.cfg.BatchLimit)
	if err != nil {
		s.logger.Error("Stale sweep failed to list invoices", zap.Error(err))
		return
	}

	for _, inv := range invoices {
		pendingFor := time.Since(inv.CreatedAt).Round(time.Second)
		util.InvoicesStaleTotal.Inc()
		s.logger.Warn("Invoice stuck pending",
			zap.Int64("invoice_id", inv.ID),
			zap.Int64("sale_id", inv.SaleID),
			zap.Duration("pending_for", pendingFor))

		event := &models.InvoiceStaleEvent{
			BaseEvent: models.BaseEvent{
				EventID:   uuid.New().String(),
				EventType: models.EventTypeInvoiceStale,
				Timestamp: time.Now(),
			},
			InvoiceID:  inv.ID,
			SaleID:     inv.SaleID,
			PendingFor: pendingFor.String(),
			CreatedAt:  inv.CreatedAt,
		}
		if err := s.publisher.PublishInvoiceStale(ctx, event); err != nil {
			s.logger.Error("Failed to publish InvoiceStale event",
				zap.Int64("invoice_id", inv.ID), zap.Error(err))
		}
	}
}
