package broker

import (
	"context"
	"encoding/json"
	"fmt"

	"pos-sync-service/internal/models"
	"pos-sync-service/internal/util"

	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"
)

// EventPublisher handles publishing domain events
type EventPublisher struct {
	producer *Producer
}

// NewEventPublisher creates a new event publisher
func NewEventPublisher(producer *Producer) *EventPublisher {
	return &EventPublisher{producer: producer}
}

// PublishSaleSynced publishes SaleSynced event
func (ep *EventPublisher) PublishSaleSynced(ctx context.Context, event *models.SaleSyncedEvent) error {
	key := fmt.Sprintf("sale-%d", event.SaleID)
	return ep.producer.PublishEvent(ctx, key, event)
}

// PublishInvoiceIssued publishes InvoiceIssued event
func (ep *EventPublisher) PublishInvoiceIssued(ctx context.Context, event *models.InvoiceIssuedEvent) error {
	key := fmt.Sprintf("invoice-%d", event.InvoiceID)
	return ep.producer.PublishEvent(ctx, key, event)
}

// PublishInvoiceFailed publishes InvoiceFailed event
func (ep *EventPublisher) PublishInvoiceFailed(ctx context.Context, event *models.InvoiceFailedEvent) error {
	key := fmt.Sprintf("invoice-%d", event.InvoiceID)
	return ep.producer.PublishEvent(ctx, key, event)
}

// PublishCreditNoteIssued publishes CreditNoteIssued event
func (ep *EventPublisher) PublishCreditNoteIssued(ctx context.Context, event *models.CreditNoteIssuedEvent) error {
	key := fmt.Sprintf("credit-note-%d", event.CreditNoteID)
	return ep.producer.PublishEvent(ctx, key, event)
}

// PublishSyncAlert publishes SyncAlert event
func (ep *EventPublisher) PublishSyncAlert(ctx context.Context, event *models.SyncAlertEvent) error {
	key := fmt.Sprintf("branch-%d", event.BranchID)
	return ep.producer.PublishEvent(ctx, key, event)
}

// PublishInvoiceStale publishes InvoiceStale event
func (ep *EventPublisher) PublishInvoiceStale(ctx context.Context, event *models.InvoiceStaleEvent) error {
	key := fmt.Sprintf("invoice-%d", event.InvoiceID)
	return ep.producer.PublishEvent(ctx, key, event)
}

// EventHandler routes incoming events to registered handlers
type EventHandler struct {
	onSaleSynced func(context.Context, *models.SaleSyncedEvent) error
	logger       *zap.Logger
}

// NewEventHandler creates a new event handler
func NewEventHandler() *EventHandler {
	return &EventHandler{logger: util.GetLogger()}
}

// OnSaleSynced registers a handler for SaleSynced events
func (eh *EventHandler) OnSaleSynced(handler func(context.Context, *models.SaleSyncedEvent) error) {
	eh.onSaleSynced = handler
}

// HandleMessage routes messages to appropriate handlers
func (eh *EventHandler) HandleMessage(ctx context.Context, msg kafka.Message) error {
	var baseEvent models.BaseEvent
	if err := json.Unmarshal(msg.Value, &baseEvent); err != nil {
		return fmt.Errorf("failed to unmarshal base event: %w", err)
	}

	eh.logger.Debug("Handling event",
		zap.String("type", baseEvent.EventType),
		zap.String("id", baseEvent.EventID))

	switch baseEvent.EventType {
	case models.EventTypeSaleSynced:
		if eh.onSaleSynced != nil {
			var event models.SaleSyncedEvent
			if err := json.Unmarshal(msg.Value, &event); err != nil {
				return fmt.Errorf("failed to unmarshal SaleSynced event: %w", err)
			}
			return eh.onSaleSynced(ctx, &event)
		}

	default:
		// Other event types are produced for downstream consumers only.
	}

	return nil
}
