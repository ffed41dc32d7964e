// Package ingest applies batches of offline register mutations to the
// authoritative store, deduplicating by client-assigned identity and routing
// invariant violations to the conflict queue.
package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"pos-sync-service/internal/models"
	"pos-sync-service/internal/util"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// Store is the persistence surface the processor needs
type Store interface {
	GetProductsByIDs(ctx context.Context, ids []int64) ([]models.Product, error)
	FindSaleByLocalID(ctx context.Context, branchID int64, localID string) (*models.Sale, error)
	ApplySale(ctx context.Context, sale *models.Sale, items []models.SaleItem, payments []models.SalePayment) error
	FindStockMovementByLocalID(ctx context.Context, branchID int64, localID string) (*models.StockMovement, error)
	ApplyStockMovement(ctx context.Context, movement *models.StockMovement) error
	FindRegisterSessionByLocalID(ctx context.Context, branchID int64, localID string) (*models.RegisterSession, error)
	CreateRegisterSession(ctx context.Context, session *models.RegisterSession) error
	CloseRegisterSession(ctx context.Context, sessionID int64, declared decimal.Decimal, closedAt time.Time) (*models.RegisterSession, error)
	UpsertConflict(ctx context.Context, item *models.SyncQueueItem) error
	ListPendingSyncItems(ctx context.Context, branchID int64, limit int) ([]models.SyncQueueItem, error)
	ReclaimStaleProcessing(ctx context.Context, olderThan time.Duration, limit int) (int64, error)
	MarkSyncItemProcessing(ctx context.Context, id int64) error
	MarkSyncItemPending(ctx context.Context, id int64, errMsg string) error
	MarkSyncItemSynced(ctx context.Context, id int64) error
	MarkSyncItemConflict(ctx context.Context, id int64, conflictType, errMsg string) error
	MarkSyncItemFailed(ctx context.Context, id int64, errMsg string) error
}

// replayFailureCap bounds infrastructure retries for a queued item before it
// goes terminal FAILED and needs operator attention.
const replayFailureCap = 10

// EventPublisher publishes post-commit side effects
type EventPublisher interface {
	PublishSaleSynced(ctx context.Context, event *models.SaleSyncedEvent) error
	PublishSyncAlert(ctx context.Context, event *models.SyncAlertEvent) error
}

// Thresholds trigger an alert when a batch accumulates too many failures or
// conflicts
type Thresholds struct {
	Failures  int
	Conflicts int
}

// Processor is the sync ingestion processor
type Processor struct {
	store      Store
	publisher  EventPublisher
	thresholds Thresholds
	logger     *zap.Logger
}

// NewProcessor creates a new sync ingestion processor
func NewProcessor(store Store, publisher EventPublisher, thresholds Thresholds) *Processor {
	return &Processor{
		store:      store,
		publisher:  publisher,
		thresholds: thresholds,
		logger:     util.GetLogger(),
	}
}

// PushRequest is one sync batch from a register
type PushRequest struct {
	BranchID   int64      `json:"branch_id" binding:"required"`
	RegisterID *int64     `json:"register_id"`
	Items      []PushItem `json:"items" binding:"required,min=1,dive"`
}

// PushItem is one locally-generated record
type PushItem struct {
	EntityType     string          `json:"entity_type" binding:"required"`
	LocalID        string          `json:"local_id" binding:"required"`
	Operation      string          `json:"operation"`
	Data           json.RawMessage `json:"data" binding:"required"`
	LocalCreatedAt time.Time       `json:"local_created_at"`
}

// ItemResult reports the outcome of one item
type ItemResult struct {
	EntityType   string `json:"entity_type"`
	LocalID      string `json:"local_id"`
	EntityID     int64  `json:"entity_id,omitempty"`
	ConflictType string `json:"conflict_type,omitempty"`
	Error        string `json:"error,omitempty"`
}

// PushResult is the per-item report for a batch
type PushResult struct {
	Processed  int          `json:"processed"`
	Success    []ItemResult `json:"success"`
	Failed     []ItemResult `json:"failed"`
	Duplicates []ItemResult `json:"duplicates"`
	Conflicts  []ItemResult `json:"conflicts"`
	ServerTime time.Time    `json:"server_time"`
}

type outcome int

const (
	outcomeSuccess outcome = iota
	outcomeDuplicate
	outcomeConflict
	outcomeFailed
)

type itemReport struct {
	outcome      outcome
	entityID     int64
	conflictType string
	err          string
	sale         *models.Sale
}

// Sessions apply before stock movements, movements before sales, so a batch
// that opens a session, restocks and then sells is internally consistent.
var groupOrder = []string{
	models.EntityTypeRegisterSession,
	models.EntityTypeStockMovement,
	models.EntityTypeSale,
}

// Process applies one batch. Items are grouped by entity type and processed
// in arrival order within each group; every item runs in its own transaction
// scope, so one failure never rolls back siblings. Side effects (alerts,
// invoice hand-off) fire only after the items that produced them committed.
func (p *Processor) Process(ctx context.Context, req *PushRequest) (*PushResult, error) {
	ctx, span := util.StartSpan(ctx, "Processor.Process")
	defer span.End()

	util.SyncBatchesTotal.Inc()

	result := &PushResult{
		Success:    []ItemResult{},
		Failed:     []ItemResult{},
		Duplicates: []ItemResult{},
		Conflicts:  []ItemResult{},
	}

	var syncedSales []*models.Sale

	for _, group := range groupItems(req.Items) {
		for _, item := range group {
			report := p.applyItem(ctx, req.BranchID, req.RegisterID, item.EntityType, item.LocalID, item.Operation, item.Data)
			p.record(result, item, report)
			if report.sale != nil {
				syncedSales = append(syncedSales, report.sale)
			}
		}
	}

	result.Processed = len(req.Items)
	result.ServerTime = time.Now().UTC()

	p.publishSideEffects(ctx, req.BranchID, result, syncedSales)
	return result, nil
}

// ReapplyPending replays PENDING queue items through the same apply path as
// the batch endpoint. Called by the push handler after each batch and by the
// scheduled sweep; branchID 0 replays across all branches.
func (p *Processor) ReapplyPending(ctx context.Context, branchID int64, limit int) (*PushResult, error) {
	ctx, span := util.StartSpan(ctx, "Processor.ReapplyPending")
	defer span.End()

	items, err := p.store.ListPendingSyncItems(ctx, branchID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list pending sync items: %w", err)
	}

	result := &PushResult{
		Success:    []ItemResult{},
		Failed:     []ItemResult{},
		Duplicates: []ItemResult{},
		Conflicts:  []ItemResult{},
	}

	var syncedSales []*models.Sale

	for _, item := range items {
		if err := p.store.MarkSyncItemProcessing(ctx, item.ID); err != nil {
			// Claimed by a concurrent pass.
			if errors.Is(err, models.ErrInvalidState) {
				continue
			}
			return nil, err
		}

		// The item already lives in the queue, so a re-conflict goes through
		// MarkSyncItemConflict alone; running the upsert as well would count
		// the round trip twice.
		report := p.evaluateItem(ctx, item.BranchID, item.RegisterID, item.EntityType, item.EntityLocalID, item.Payload)

		switch report.outcome {
		case outcomeSuccess, outcomeDuplicate:
			if err := p.store.MarkSyncItemSynced(ctx, item.ID); err != nil {
				return nil, err
			}
		case outcomeConflict:
			report.entityID = item.ID
			if err := p.store.MarkSyncItemConflict(ctx, item.ID, report.conflictType, report.err); err != nil {
				return nil, err
			}
		case outcomeFailed:
			if item.RetryCount+1 >= replayFailureCap {
				if err := p.store.MarkSyncItemFailed(ctx, item.ID, report.err); err != nil {
					return nil, err
				}
			} else if err := p.store.MarkSyncItemPending(ctx, item.ID, report.err); err != nil {
				return nil, err
			}
		}

		p.record(result, PushItem{EntityType: item.EntityType, LocalID: item.EntityLocalID}, report)
		if report.sale != nil {
			syncedSales = append(syncedSales, report.sale)
		}
	}

	result.Processed = len(items)
	result.ServerTime = time.Now().UTC()

	p.publishSideEffects(ctx, branchID, result, syncedSales)
	return result, nil
}

// ReplaySweepConfig drives the scheduled replay pass
type ReplaySweepConfig struct {
	Interval     time.Duration
	ReclaimAfter time.Duration
	BatchLimit   int
}

// RunReplaySweep periodically replays PENDING queue items across all branches,
// so a resolved item lands even when its branch never pushes again. Items
// stranded in PROCESSING by a crashed pass are returned to PENDING first.
// Blocks until ctx is cancelled.
func (p *Processor) RunReplaySweep(ctx context.Context, cfg ReplaySweepConfig) {
	ticker := time.NewTicker(cfg.Interval)
	defer ticker.Stop()

	p.logger.Info("Replay sweep started",
		zap.Duration("interval", cfg.Interval),
		zap.Duration("reclaim_after", cfg.ReclaimAfter))

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.sweepReplay(ctx, cfg)
		}
	}
}

func (p *Processor) sweepReplay(ctx context.Context, cfg ReplaySweepConfig) {
	reclaimed, err := p.store.ReclaimStaleProcessing(ctx, cfg.ReclaimAfter, cfg.BatchLimit)
	if err != nil {
		p.logger.Error("Failed to reclaim stranded sync items", zap.Error(err))
	} else if reclaimed > 0 {
		p.logger.Warn("Reclaimed stranded sync items", zap.Int64("count", reclaimed))
	}

	if _, err := p.ReapplyPending(ctx, 0, cfg.BatchLimit); err != nil {
		p.logger.Error("Replay sweep failed", zap.Error(err))
	}
}

func groupItems(items []PushItem) [][]PushItem {
	byType := make(map[string][]PushItem)
	var extraTypes []string
	for _, item := range items {
		if _, seen := byType[item.EntityType]; !seen && !isKnownType(item.EntityType) {
			extraTypes = append(extraTypes, item.EntityType)
		}
		byType[item.EntityType] = append(byType[item.EntityType], item)
	}

	var groups [][]PushItem
	for _, t := range groupOrder {
		if g, ok := byType[t]; ok {
			groups = append(groups, g)
		}
	}
	for _, t := range extraTypes {
		groups = append(groups, byType[t])
	}
	return groups
}

func isKnownType(entityType string) bool {
	for _, t := range groupOrder {
		if t == entityType {
			return true
		}
	}
	return false
}

func (p *Processor) record(result *PushResult, item PushItem, report itemReport) {
	r := ItemResult{
		EntityType:   item.EntityType,
		LocalID:      item.LocalID,
		EntityID:     report.entityID,
		ConflictType: report.conflictType,
		Error:        report.err,
	}

	switch report.outcome {
	case outcomeSuccess:
		result.Success = append(result.Success, r)
		util.SyncItemsProcessedTotal.WithLabelValues("success").Inc()
	case outcomeDuplicate:
		result.Duplicates = append(result.Duplicates, r)
		util.SyncItemsProcessedTotal.WithLabelValues("duplicate").Inc()
	case outcomeConflict:
		result.Conflicts = append(result.Conflicts, r)
		util.SyncItemsProcessedTotal.WithLabelValues("conflict").Inc()
		util.SyncConflictsTotal.WithLabelValues(report.conflictType).Inc()
	case outcomeFailed:
		result.Failed = append(result.Failed, r)
		util.SyncItemsProcessedTotal.WithLabelValues("failed").Inc()
	}
}

func (p *Processor) publishSideEffects(ctx context.Context, branchID int64, result *PushResult, sales []*models.Sale) {
	for _, sale := range sales {
		localID := ""
		if sale.LocalID != nil {
			localID = *sale.LocalID
		}
		event := &models.SaleSyncedEvent{
			BaseEvent: models.BaseEvent{
				EventID:   uuid.New().String(),
				EventType: models.EventTypeSaleSynced,
				Timestamp: time.Now(),
			},
			SaleID:   sale.ID,
			BranchID: sale.BranchID,
			LocalID:  localID,
		}
		if err := p.publisher.PublishSaleSynced(ctx, event); err != nil {
			p.logger.Error("Failed to publish SaleSynced event",
				zap.Int64("sale_id", sale.ID), zap.Error(err))
		}
	}

	if len(result.Failed) >= p.thresholds.Failures || len(result.Conflicts) >= p.thresholds.Conflicts {
		util.SyncAlertsTotal.Inc()
		p.logger.Warn("Sync batch exceeded alert thresholds",
			zap.Int64("branch_id", branchID),
			zap.Int("failed", len(result.Failed)),
			zap.Int("conflicts", len(result.Conflicts)))

		event := &models.SyncAlertEvent{
			BaseEvent: models.BaseEvent{
				EventID:   uuid.New().String(),
				EventType: models.EventTypeSyncAlert,
				Timestamp: time.Now(),
			},
			BranchID:  branchID,
			Processed: result.Processed,
			Failed:    len(result.Failed),
			Conflicts: len(result.Conflicts),
		}
		if err := p.publisher.PublishSyncAlert(ctx, event); err != nil {
			p.logger.Error("Failed to publish SyncAlert event", zap.Error(err))
		}
	}
}

func (p *Processor) applyItem(ctx context.Context, branchID int64, registerID *int64, entityType, localID, operation string, data json.RawMessage) itemReport {
	report := p.evaluateItem(ctx, branchID, registerID, entityType, localID, data)
	if report.outcome == outcomeConflict {
		p.persistConflict(ctx, branchID, registerID, entityType, localID, operation, data, &report)
	}
	return report
}

func (p *Processor) evaluateItem(ctx context.Context, branchID int64, registerID *int64, entityType, localID string, data json.RawMessage) itemReport {
	switch entityType {
	case models.EntityTypeSale:
		return p.applySaleItem(ctx, branchID, registerID, localID, data)
	case models.EntityTypeStockMovement:
		return p.applyStockMovementItem(ctx, branchID, localID, data)
	case models.EntityTypeRegisterSession:
		return p.applySessionItem(ctx, branchID, localID, data)
	default:
		return itemReport{
			outcome:      outcomeConflict,
			conflictType: models.ConflictInvalidPayload,
			err:          fmt.Sprintf("unknown entity type %q", entityType),
		}
	}
}

// persistConflict records the rejected payload in the conflict queue. A
// queue write failure downgrades the item to failed so the register retries.
func (p *Processor) persistConflict(ctx context.Context, branchID int64, registerID *int64, entityType, localID, operation string, data json.RawMessage, report *itemReport) {
	conflictType := report.conflictType
	errMsg := report.err
	item := &models.SyncQueueItem{
		BranchID:      branchID,
		RegisterID:    registerID,
		EntityType:    entityType,
		EntityLocalID: localID,
		Operation:     operation,
		Payload:       data,
		Status:        models.SyncStatusConflict,
		ConflictType:  &conflictType,
		ErrorMessage:  &errMsg,
	}
	if err := p.store.UpsertConflict(ctx, item); err != nil {
		p.logger.Error("Failed to persist conflict",
			zap.String("entity_type", entityType),
			zap.String("local_id", localID),
			zap.Error(err))
		*report = itemReport{outcome: outcomeFailed, err: err.Error()}
		return
	}
	report.entityID = item.ID
}

func (p *Processor) applySaleItem(ctx context.Context, branchID int64, registerID *int64, localID string, data json.RawMessage) itemReport {
	existing, err := p.store.FindSaleByLocalID(ctx, branchID, localID)
	if err == nil {
		return itemReport{outcome: outcomeDuplicate, entityID: existing.ID}
	}
	if !errors.Is(err, models.ErrNotFound) {
		return itemReport{outcome: outcomeFailed, err: err.Error()}
	}

	decoded, err := models.DecodePayload(models.EntityTypeSale, data)
	if err != nil {
		return itemReport{outcome: outcomeConflict, conflictType: models.ConflictInvalidPayload, err: err.Error()}
	}
	payload := decoded.(*models.SalePayload)

	productIDs := make([]int64, 0, len(payload.Items))
	for _, it := range payload.Items {
		productIDs = append(productIDs, it.ProductID)
	}
	products, err := p.store.GetProductsByIDs(ctx, productIDs)
	if err != nil {
		return itemReport{outcome: outcomeFailed, err: err.Error()}
	}
	productMap := make(map[int64]*models.Product, len(products))
	for i := range products {
		productMap[products[i].ID] = &products[i]
	}

	sale := &models.Sale{
		BranchID:   branchID,
		RegisterID: registerID,
		LocalID:    &localID,
		CustomerID: payload.CustomerID,
		SyncStatus: models.SyncStatusSynced,
	}

	items := make([]models.SaleItem, 0, len(payload.Items))
	net := decimal.Zero
	tax := decimal.Zero
	for _, it := range payload.Items {
		product, ok := productMap[it.ProductID]
		if !ok {
			return itemReport{
				outcome:      outcomeConflict,
				conflictType: models.ConflictUnknownReference,
				err:          fmt.Sprintf("unknown product %d", it.ProductID),
			}
		}

		unitPrice := it.UnitPrice
		if unitPrice.IsZero() {
			unitPrice = product.Price
		}
		lineTotal := unitPrice.Mul(decimal.NewFromInt(int64(it.Quantity)))

		// Prices are tax-inclusive; split the line at the product rate.
		lineNet := lineTotal.Div(decimal.NewFromInt(1).Add(product.TaxRate)).Round(2)
		net = net.Add(lineNet)
		tax = tax.Add(lineTotal.Sub(lineNet))

		items = append(items, models.SaleItem{
			ProductID: it.ProductID,
			Quantity:  it.Quantity,
			UnitPrice: unitPrice,
			LineTotal: lineTotal,
		})
	}

	payments := make([]models.SalePayment, 0, len(payload.Payments))
	for _, pay := range payload.Payments {
		payments = append(payments, models.SalePayment{Method: pay.Method, Amount: pay.Amount})
	}

	sale.Net = net
	sale.Tax = tax
	sale.Total = net.Add(tax)

	if err := p.store.ApplySale(ctx, sale, items, payments); err != nil {
		switch {
		case errors.Is(err, models.ErrInsufficientStock):
			return itemReport{outcome: outcomeConflict, conflictType: models.ConflictInsufficientStock, err: err.Error()}
		case errors.Is(err, models.ErrUnknownReference):
			return itemReport{outcome: outcomeConflict, conflictType: models.ConflictUnknownReference, err: err.Error()}
		case errors.Is(err, models.ErrAlreadyExists):
			// Lost a race with a concurrent resubmission of the same batch.
			return itemReport{outcome: outcomeDuplicate}
		default:
			return itemReport{outcome: outcomeFailed, err: err.Error()}
		}
	}

	return itemReport{outcome: outcomeSuccess, entityID: sale.ID, sale: sale}
}

func (p *Processor) applyStockMovementItem(ctx context.Context, branchID int64, localID string, data json.RawMessage) itemReport {
	existing, err := p.store.FindStockMovementByLocalID(ctx, branchID, localID)
	if err == nil {
		return itemReport{outcome: outcomeDuplicate, entityID: existing.ID}
	}
	if !errors.Is(err, models.ErrNotFound) {
		return itemReport{outcome: outcomeFailed, err: err.Error()}
	}

	decoded, err := models.DecodePayload(models.EntityTypeStockMovement, data)
	if err != nil {
		return itemReport{outcome: outcomeConflict, conflictType: models.ConflictInvalidPayload, err: err.Error()}
	}
	payload := decoded.(*models.StockMovementPayload)

	movementType := payload.MovementType
	if movementType == "" {
		movementType = "ADJUSTMENT"
	}

	movement := &models.StockMovement{
		BranchID:     branchID,
		ProductID:    payload.ProductID,
		LocalID:      &localID,
		MovementType: movementType,
		Quantity:     payload.Quantity,
		Reason:       payload.Reason,
	}

	if err := p.store.ApplyStockMovement(ctx, movement); err != nil {
		switch {
		case errors.Is(err, models.ErrInsufficientStock):
			return itemReport{outcome: outcomeConflict, conflictType: models.ConflictInsufficientStock, err: err.Error()}
		case errors.Is(err, models.ErrUnknownReference):
			return itemReport{outcome: outcomeConflict, conflictType: models.ConflictUnknownReference, err: err.Error()}
		case errors.Is(err, models.ErrAlreadyExists):
			return itemReport{outcome: outcomeDuplicate}
		default:
			return itemReport{outcome: outcomeFailed, err: err.Error()}
		}
	}

	return itemReport{outcome: outcomeSuccess, entityID: movement.ID}
}

func (p *Processor) applySessionItem(ctx context.Context, branchID int64, localID string, data json.RawMessage) itemReport {
	decoded, err := models.DecodePayload(models.EntityTypeRegisterSession, data)
	if err != nil {
		return itemReport{outcome: outcomeConflict, conflictType: models.ConflictInvalidPayload, err: err.Error()}
	}
	payload := decoded.(*models.RegisterSessionPayload)

	existing, err := p.store.FindRegisterSessionByLocalID(ctx, branchID, localID)
	if err != nil && !errors.Is(err, models.ErrNotFound) {
		return itemReport{outcome: outcomeFailed, err: err.Error()}
	}

	switch payload.Action {
	case models.SessionActionOpen:
		if existing != nil {
			return itemReport{outcome: outcomeDuplicate, entityID: existing.ID}
		}
		session := &models.RegisterSession{
			BranchID:      branchID,
			RegisterID:    payload.RegisterID,
			LocalID:       &localID,
			OpeningAmount: payload.OpeningAmount,
			Status:        models.SessionStatusOpen,
			OpenedAt:      payload.OccurredAt,
		}
		if err := p.store.CreateRegisterSession(ctx, session); err != nil {
			if errors.Is(err, models.ErrAlreadyExists) {
				return itemReport{outcome: outcomeDuplicate}
			}
			return itemReport{outcome: outcomeFailed, err: err.Error()}
		}
		return itemReport{outcome: outcomeSuccess, entityID: session.ID}

	default: // SessionActionClose, validated by DecodePayload
		if existing == nil {
			return itemReport{
				outcome:      outcomeConflict,
				conflictType: models.ConflictUnknownReference,
				err:          fmt.Sprintf("close for unknown session %s", localID),
			}
		}
		if existing.Status == models.SessionStatusClosed {
			return itemReport{outcome: outcomeDuplicate, entityID: existing.ID}
		}
		if payload.DeclaredAmount == nil {
			return itemReport{
				outcome:      outcomeConflict,
				conflictType: models.ConflictInvalidPayload,
				err:          "close without declared amount",
			}
		}
		session, err := p.store.CloseRegisterSession(ctx, existing.ID, *payload.DeclaredAmount, payload.OccurredAt)
		if err != nil {
			if errors.Is(err, models.ErrInvalidState) {
				return itemReport{outcome: outcomeDuplicate, entityID: existing.ID}
			}
			return itemReport{outcome: outcomeFailed, err: err.Error()}
		}
		return itemReport{outcome: outcomeSuccess, entityID: session.ID}
	}
}
