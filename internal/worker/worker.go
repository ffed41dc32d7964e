// Package worker hosts the background consumers: the issuance worker that
// turns synced sales into invoices, and the retry worker that drains the
// scheduled retry queue.
package worker

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"pos-sync-service/internal/broker"
	"pos-sync-service/internal/invoice"
	"pos-sync-service/internal/jobqueue"
	"pos-sync-service/internal/models"
	"pos-sync-service/internal/util"

	"go.uber.org/zap"
)

// EventStore tracks consumed event IDs for at-least-once delivery
type EventStore interface {
	IsEventProcessed(ctx context.Context, eventID string) (bool, error)
	MarkEventProcessed(ctx context.Context, eventID, eventType string) error
}

// IssuanceWorker consumes SaleSynced events and drives first issuance
type IssuanceWorker struct {
	consumer *broker.Consumer
	events   EventStore
	issuer   *invoice.Issuer
	ceiling  int
	logger   *zap.Logger
}

// NewIssuanceWorker creates the issuance worker
func NewIssuanceWorker(consumer *broker.Consumer, events EventStore, issuer *invoice.Issuer, queueRetryCeiling int) *IssuanceWorker {
	return &IssuanceWorker{
		consumer: consumer,
		events:   events,
		issuer:   issuer,
		ceiling:  queueRetryCeiling,
		logger:   util.GetLogger(),
	}
}

// Start consumes until ctx is cancelled
func (w *IssuanceWorker) Start(ctx context.Context) error {
	handler := broker.NewEventHandler()
	handler.OnSaleSynced(w.handleSaleSynced)
	return w.consumer.StartConsuming(ctx, handler.HandleMessage)
}

// handleSaleSynced creates and submits the invoice for a synced sale. Kafka
// delivers at least once; the processed-events table makes redelivery a no-op.
func (w *IssuanceWorker) handleSaleSynced(ctx context.Context, event *models.SaleSyncedEvent) error {
	processed, err := w.events.IsEventProcessed(ctx, event.EventID)
	if err != nil {
		return err
	}
	if processed {
		w.logger.Debug("Skipping already processed event", zap.String("event_id", event.EventID))
		return nil
	}

	inv, err := w.issuer.CreateForSale(ctx, event.SaleID)
	if err != nil {
		if errors.Is(err, models.ErrNotFound) {
			// Sale vanished; nothing to invoice, but don't redeliver forever.
			w.logger.Warn("Sale not found for issuance",
				zap.Int64("sale_id", event.SaleID), zap.String("event_id", event.EventID))
			return w.events.MarkEventProcessed(ctx, event.EventID, event.EventType)
		}
		return err
	}

	if _, err := w.issuer.Submit(ctx, inv.ID, w.ceiling); err != nil {
		var authErr *invoice.AuthorizationError
		if errors.As(err, &authErr) && authErr.Retryable {
			if schedErr := w.issuer.ScheduleRetry(ctx, inv.ID, 1); schedErr != nil {
				return schedErr
			}
		}
		// Deterministic rejections went terminal inside Submit; either way
		// the event is handled.
	}

	return w.events.MarkEventProcessed(ctx, event.EventID, event.EventType)
}

// RetryWorker drains due invoice retry jobs from the scheduled queue
type RetryWorker struct {
	queue    *jobqueue.Queue
	issuer   *invoice.Issuer
	ceiling  int
	interval time.Duration
	batch    int
	logger   *zap.Logger
}

// NewRetryWorker creates the retry worker
func NewRetryWorker(queue *jobqueue.Queue, issuer *invoice.Issuer, queueRetryCeiling int) *RetryWorker {
	return &RetryWorker{
		queue:    queue,
		issuer:   issuer,
		ceiling:  queueRetryCeiling,
		interval: time.Second,
		batch:    20,
		logger:   util.GetLogger(),
	}
}

// Start polls for due jobs until ctx is cancelled
func (w *RetryWorker) Start(ctx context.Context) error {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	w.logger.Info("Retry worker started")

	for {
		select {
		case <-ctx.Done():
			w.logger.Info("Retry worker stopped")
			return ctx.Err()
		case <-ticker.C:
			w.drain(ctx)
		}
	}
}

func (w *RetryWorker) drain(ctx context.Context) {
	jobs, err := w.queue.ClaimDue(ctx, w.batch)
	if err != nil {
		w.logger.Error("Failed to claim due jobs", zap.Error(err))
		return
	}

	for _, job := range jobs {
		w.process(ctx, job)
	}
}

// process submits the invoice for one claimed job. Only transient
// authorization failures requeue the job; everything else, including the
// invoice going terminal FAILED, releases the dedup key.
func (w *RetryWorker) process(ctx context.Context, job jobqueue.Job) {
	var payload invoice.RetryJobPayload
	if err := json.Unmarshal(job.Payload, &payload); err != nil {
		w.logger.Error("Dropping malformed retry job",
			zap.String("key", job.Key), zap.Error(err))
		if err := w.queue.Complete(ctx, job.Key); err != nil {
			w.logger.Error("Failed to complete job", zap.String("key", job.Key), zap.Error(err))
		}
		return
	}

	inv, err := w.issuer.Submit(ctx, payload.InvoiceID, w.ceiling)
	if err != nil {
		var authErr *invoice.AuthorizationError
		if errors.As(err, &authErr) && authErr.Retryable &&
			inv != nil && inv.Status == models.InvoiceStatusPending {
			if _, failErr := w.queue.Fail(ctx, job); failErr != nil {
				w.logger.Error("Failed to reschedule job",
					zap.String("key", job.Key), zap.Error(failErr))
			}
			return
		}
		w.logger.Warn("Retry job finished without issuance",
			zap.Int64("invoice_id", payload.InvoiceID), zap.Error(err))
	}

	if err := w.queue.Complete(ctx, job.Key); err != nil {
		w.logger.Error("Failed to complete job", zap.String("key", job.Key), zap.Error(err))
	}
}
