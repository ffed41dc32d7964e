package ingest

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"pos-sync-service/internal/models"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeStore struct {
	products   map[int64]models.Product
	stock      map[string]int
	sales      map[string]*models.Sale
	movements  map[string]*models.StockMovement
	sessions   map[string]*models.RegisterSession
	queue      map[int64]*models.SyncQueueItem
	queueByKey map[string]*models.SyncQueueItem
	nextID     int64

	applyErr         error
	clearedConflicts []string
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		products:   make(map[int64]models.Product),
		stock:      make(map[string]int),
		sales:      make(map[string]*models.Sale),
		movements:  make(map[string]*models.StockMovement),
		sessions:   make(map[string]*models.RegisterSession),
		queue:      make(map[int64]*models.SyncQueueItem),
		queueByKey: make(map[string]*models.SyncQueueItem),
	}
}

func stockKey(branchID, productID int64) string {
	return fmt.Sprintf("%d:%d", branchID, productID)
}

func dedupKey(branchID int64, entityType, localID string) string {
	return fmt.Sprintf("%d:%s:%s", branchID, entityType, localID)
}

func (f *fakeStore) id() int64 {
	f.nextID++
	return f.nextID
}

func (f *fakeStore) GetProductsByIDs(_ context.Context, ids []int64) ([]models.Product, error) {
	var out []models.Product
	for _, id := range ids {
		if p, ok := f.products[id]; ok {
			out = append(out, p)
		}
	}
	return out, nil
}

func (f *fakeStore) FindSaleByLocalID(_ context.Context, branchID int64, localID string) (*models.Sale, error) {
	if s, ok := f.sales[dedupKey(branchID, models.EntityTypeSale, localID)]; ok {
		return s, nil
	}
	return nil, fmt.Errorf("sale %s: %w", localID, models.ErrNotFound)
}

func (f *fakeStore) ApplySale(_ context.Context, sale *models.Sale, items []models.SaleItem, _ []models.SalePayment) error {
	if f.applyErr != nil {
		return f.applyErr
	}

	required := make(map[int64]int)
	for _, it := range items {
		required[it.ProductID] += it.Quantity
	}
	for productID, qty := range required {
		available, ok := f.stock[stockKey(sale.BranchID, productID)]
		if !ok {
			return fmt.Errorf("%w: no stock row for product %d", models.ErrUnknownReference, productID)
		}
		if available < qty {
			return fmt.Errorf("%w: product %d: available=%d, requested=%d",
				models.ErrInsufficientStock, productID, available, qty)
		}
	}

	key := dedupKey(sale.BranchID, models.EntityTypeSale, *sale.LocalID)
	if _, exists := f.sales[key]; exists {
		return fmt.Errorf("sale %s: %w", *sale.LocalID, models.ErrAlreadyExists)
	}

	for productID, qty := range required {
		f.stock[stockKey(sale.BranchID, productID)] -= qty
	}
	sale.ID = f.id()
	f.sales[key] = sale
	return nil
}

func (f *fakeStore) FindStockMovementByLocalID(_ context.Context, branchID int64, localID string) (*models.StockMovement, error) {
	if m, ok := f.movements[dedupKey(branchID, models.EntityTypeStockMovement, localID)]; ok {
		return m, nil
	}
	return nil, fmt.Errorf("movement %s: %w", localID, models.ErrNotFound)
}

func (f *fakeStore) ApplyStockMovement(_ context.Context, movement *models.StockMovement) error {
	if f.applyErr != nil {
		return f.applyErr
	}
	key := stockKey(movement.BranchID, movement.ProductID)
	available, ok := f.stock[key]
	if !ok {
		return fmt.Errorf("%w: no stock row for product %d", models.ErrUnknownReference, movement.ProductID)
	}
	newQty := available + movement.Quantity
	if newQty < 0 {
		return fmt.Errorf("%w: product %d", models.ErrInsufficientStock, movement.ProductID)
	}
	movement.PriorQuantity = available
	movement.NewQuantity = newQty
	movement.ID = f.id()
	f.stock[key] = newQty
	f.movements[dedupKey(movement.BranchID, models.EntityTypeStockMovement, *movement.LocalID)] = movement
	return nil
}

func (f *fakeStore) FindRegisterSessionByLocalID(_ context.Context, branchID int64, localID string) (*models.RegisterSession, error) {
	if s, ok := f.sessions[dedupKey(branchID, models.EntityTypeRegisterSession, localID)]; ok {
		return s, nil
	}
	return nil, fmt.Errorf("session %s: %w", localID, models.ErrNotFound)
}

func (f *fakeStore) CreateRegisterSession(_ context.Context, session *models.RegisterSession) error {
	key := dedupKey(session.BranchID, models.EntityTypeRegisterSession, *session.LocalID)
	if _, exists := f.sessions[key]; exists {
		return fmt.Errorf("session %s: %w", *session.LocalID, models.ErrAlreadyExists)
	}
	session.ID = f.id()
	f.sessions[key] = session
	return nil
}

func (f *fakeStore) CloseRegisterSession(_ context.Context, sessionID int64, declared decimal.Decimal, closedAt time.Time) (*models.RegisterSession, error) {
	for _, s := range f.sessions {
		if s.ID != sessionID {
			continue
		}
		if s.Status != models.SessionStatusOpen {
			return nil, fmt.Errorf("session %d: %w", sessionID, models.ErrInvalidState)
		}
		expected := s.OpeningAmount
		deviation := declared.Sub(expected)
		class := models.DeviationNormal
		if !deviation.IsZero() {
			class = models.DeviationCritical
		}
		s.Status = models.SessionStatusClosed
		s.ExpectedAmount = &expected
		s.DeclaredAmount = &declared
		s.Deviation = &deviation
		s.DeviationClass = &class
		s.ClosedAt = &closedAt
		return s, nil
	}
	return nil, fmt.Errorf("session %d: %w", sessionID, models.ErrNotFound)
}

func (f *fakeStore) UpsertConflict(_ context.Context, item *models.SyncQueueItem) error {
	key := dedupKey(item.BranchID, item.EntityType, item.EntityLocalID)
	if existing, ok := f.queueByKey[key]; ok {
		existing.Payload = item.Payload
		existing.Status = item.Status
		existing.ConflictType = item.ConflictType
		existing.ErrorMessage = item.ErrorMessage
		existing.ConflictResolution = nil
		existing.RetryCount++
		item.ID = existing.ID
		return nil
	}
	item.ID = f.id()
	f.queue[item.ID] = item
	f.queueByKey[key] = item
	return nil
}

func (f *fakeStore) GetSyncQueueItem(_ context.Context, id int64) (*models.SyncQueueItem, error) {
	if item, ok := f.queue[id]; ok {
		return item, nil
	}
	return nil, fmt.Errorf("queue item %d: %w", id, models.ErrNotFound)
}

func (f *fakeStore) ListPendingSyncItems(_ context.Context, branchID int64, limit int) ([]models.SyncQueueItem, error) {
	var out []models.SyncQueueItem
	for _, item := range f.queue {
		if item.Status != models.SyncStatusPending {
			continue
		}
		if branchID != 0 && item.BranchID != branchID {
			continue
		}
		out = append(out, *item)
		if len(out) >= limit {
			break
		}
	}
	return out, nil
}

func (f *fakeStore) ReclaimStaleProcessing(_ context.Context, olderThan time.Duration, limit int) (int64, error) {
	cutoff := time.Now().Add(-olderThan)
	var reclaimed int64
	for _, item := range f.queue {
		if item.Status != models.SyncStatusProcessing || item.UpdatedAt.After(cutoff) {
			continue
		}
		item.Status = models.SyncStatusPending
		reclaimed++
		if int(reclaimed) >= limit {
			break
		}
	}
	return reclaimed, nil
}

func (f *fakeStore) MarkSyncItemProcessing(_ context.Context, id int64) error {
	item, ok := f.queue[id]
	if !ok {
		return models.ErrNotFound
	}
	if item.Status != models.SyncStatusPending {
		return fmt.Errorf("queue item %d: %w", id, models.ErrInvalidState)
	}
	item.Status = models.SyncStatusProcessing
	return nil
}

func (f *fakeStore) MarkSyncItemPending(_ context.Context, id int64, errMsg string) error {
	item := f.queue[id]
	item.Status = models.SyncStatusPending
	item.ErrorMessage = &errMsg
	item.RetryCount++
	return nil
}

func (f *fakeStore) MarkSyncItemSynced(_ context.Context, id int64) error {
	item := f.queue[id]
	item.Status = models.SyncStatusSynced
	item.ConflictType = nil
	item.ErrorMessage = nil
	return nil
}

func (f *fakeStore) MarkSyncItemConflict(_ context.Context, id int64, conflictType, errMsg string) error {
	item := f.queue[id]
	item.Status = models.SyncStatusConflict
	item.ConflictType = &conflictType
	item.ErrorMessage = &errMsg
	item.RetryCount++
	return nil
}

func (f *fakeStore) MarkSyncItemFailed(_ context.Context, id int64, errMsg string) error {
	item := f.queue[id]
	item.Status = models.SyncStatusFailed
	item.ErrorMessage = &errMsg
	return nil
}

func (f *fakeStore) ResolveLocalWins(_ context.Context, id int64) error {
	return f.resolveItem(id, models.ResolutionLocalWins, models.SyncStatusPending, nil)
}

func (f *fakeStore) ResolveServerWins(_ context.Context, id int64) error {
	return f.resolveItem(id, models.ResolutionServerWins, models.SyncStatusFailed, nil)
}

func (f *fakeStore) ResolveMerged(_ context.Context, id int64, payload []byte) error {
	return f.resolveItem(id, models.ResolutionMerged, models.SyncStatusPending, payload)
}

func (f *fakeStore) resolveItem(id int64, resolution, newStatus string, payload []byte) error {
	item, ok := f.queue[id]
	if !ok || item.Status != models.SyncStatusConflict {
		return fmt.Errorf("queue item %d: %w", id, models.ErrInvalidState)
	}
	item.Status = newStatus
	item.ConflictResolution = &resolution
	if newStatus == models.SyncStatusPending {
		item.ConflictType = nil
		item.ErrorMessage = nil
		item.RetryCount = 0
	}
	if payload != nil {
		item.Payload = payload
	}
	return nil
}

func (f *fakeStore) ClearSaleConflict(_ context.Context, branchID int64, localID string) error {
	f.clearedConflicts = append(f.clearedConflicts, dedupKey(branchID, models.EntityTypeSale, localID))
	return nil
}

type fakePublisher struct {
	saleSynced []*models.SaleSyncedEvent
	alerts     []*models.SyncAlertEvent
}

func (f *fakePublisher) PublishSaleSynced(_ context.Context, event *models.SaleSyncedEvent) error {
	f.saleSynced = append(f.saleSynced, event)
	return nil
}

func (f *fakePublisher) PublishSyncAlert(_ context.Context, event *models.SyncAlertEvent) error {
	f.alerts = append(f.alerts, event)
	return nil
}

func seedCatalog(f *fakeStore) {
	f.products[1] = models.Product{ID: 1, SKU: "SKU-1", Name: "Yerba 1kg",
		Price: decimal.RequireFromString("121.00"), TaxRate: decimal.RequireFromString("0.21")}
	f.products[2] = models.Product{ID: 2, SKU: "SKU-2", Name: "Azucar 1kg",
		Price: decimal.RequireFromString("242.00"), TaxRate: decimal.RequireFromString("0.21")}
	f.stock[stockKey(1, 1)] = 10
	f.stock[stockKey(1, 2)] = 5
}

func salePayload(t *testing.T, items []models.SaleItemPayload) json.RawMessage {
	t.Helper()
	raw, err := json.Marshal(models.SalePayload{
		Items:          items,
		Payments:       []models.SalePaymentPayload{{Method: "CASH", Amount: decimal.RequireFromString("121.00")}},
		LocalCreatedAt: time.Now(),
	})
	require.NoError(t, err)
	return raw
}

func newTestProcessor(f *fakeStore, pub *fakePublisher) *Processor {
	return NewProcessor(f, pub, Thresholds{Failures: 5, Conflicts: 3})
}

func TestProcessAppliesSale(t *testing.T) {
	f := newFakeStore()
	seedCatalog(f)
	pub := &fakePublisher{}
	p := newTestProcessor(f, pub)

	req := &PushRequest{
		BranchID: 1,
		Items: []PushItem{{
			EntityType: models.EntityTypeSale,
			LocalID:    "sale-001",
			Data:       salePayload(t, []models.SaleItemPayload{{ProductID: 1, Quantity: 2}}),
		}},
	}

	result, err := p.Process(context.Background(), req)
	require.NoError(t, err)

	require.Len(t, result.Success, 1)
	assert.Empty(t, result.Failed)
	assert.Empty(t, result.Conflicts)
	assert.Equal(t, 8, f.stock[stockKey(1, 1)])

	sale := f.sales[dedupKey(1, models.EntityTypeSale, "sale-001")]
	require.NotNil(t, sale)
	// Unit price 121.00 at 21% tax: line 242.00 splits into 200.00 + 42.00.
	assert.True(t, sale.Net.Equal(decimal.RequireFromString("200.00")), "net=%s", sale.Net)
	assert.True(t, sale.Tax.Equal(decimal.RequireFromString("42.00")), "tax=%s", sale.Tax)
	assert.True(t, sale.Total.Equal(decimal.RequireFromString("242.00")), "total=%s", sale.Total)

	require.Len(t, pub.saleSynced, 1)
	assert.Equal(t, sale.ID, pub.saleSynced[0].SaleID)
	assert.Equal(t, "sale-001", pub.saleSynced[0].LocalID)
}

func TestProcessResubmissionIsDuplicate(t *testing.T) {
	f := newFakeStore()
	seedCatalog(f)
	pub := &fakePublisher{}
	p := newTestProcessor(f, pub)

	req := &PushRequest{
		BranchID: 1,
		Items: []PushItem{{
			EntityType: models.EntityTypeSale,
			LocalID:    "sale-001",
			Data:       salePayload(t, []models.SaleItemPayload{{ProductID: 1, Quantity: 2}}),
		}},
	}

	_, err := p.Process(context.Background(), req)
	require.NoError(t, err)

	result, err := p.Process(context.Background(), req)
	require.NoError(t, err)

	require.Len(t, result.Duplicates, 1)
	assert.Empty(t, result.Success)
	assert.Equal(t, 8, f.stock[stockKey(1, 1)], "stock must decrement exactly once")
	assert.Len(t, pub.saleSynced, 1, "no event on resubmission")
}

func TestProcessInsufficientStockConflict(t *testing.T) {
	f := newFakeStore()
	seedCatalog(f)
	pub := &fakePublisher{}
	p := newTestProcessor(f, pub)

	req := &PushRequest{
		BranchID: 1,
		Items: []PushItem{{
			EntityType: models.EntityTypeSale,
			LocalID:    "sale-big",
			Data:       salePayload(t, []models.SaleItemPayload{{ProductID: 1, Quantity: 50}}),
		}},
	}

	result, err := p.Process(context.Background(), req)
	require.NoError(t, err)

	require.Len(t, result.Conflicts, 1)
	assert.Equal(t, models.ConflictInsufficientStock, result.Conflicts[0].ConflictType)
	assert.Equal(t, 10, f.stock[stockKey(1, 1)], "nothing decremented")

	item := f.queueByKey[dedupKey(1, models.EntityTypeSale, "sale-big")]
	require.NotNil(t, item)
	assert.Equal(t, models.SyncStatusConflict, item.Status)
	require.NotNil(t, item.ConflictType)
	assert.Equal(t, models.ConflictInsufficientStock, *item.ConflictType)
}

func TestProcessUnknownProductConflict(t *testing.T) {
	f := newFakeStore()
	seedCatalog(f)
	p := newTestProcessor(f, &fakePublisher{})

	req := &PushRequest{
		BranchID: 1,
		Items: []PushItem{{
			EntityType: models.EntityTypeSale,
			LocalID:    "sale-ghost",
			Data:       salePayload(t, []models.SaleItemPayload{{ProductID: 999, Quantity: 1}}),
		}},
	}

	result, err := p.Process(context.Background(), req)
	require.NoError(t, err)

	require.Len(t, result.Conflicts, 1)
	assert.Equal(t, models.ConflictUnknownReference, result.Conflicts[0].ConflictType)
}

func TestProcessInvalidPayloadConflict(t *testing.T) {
	f := newFakeStore()
	seedCatalog(f)
	p := newTestProcessor(f, &fakePublisher{})

	req := &PushRequest{
		BranchID: 1,
		Items: []PushItem{{
			EntityType: models.EntityTypeSale,
			LocalID:    "sale-bad",
			Data:       json.RawMessage(`{"items": "not-a-list"}`),
		}},
	}

	result, err := p.Process(context.Background(), req)
	require.NoError(t, err)

	require.Len(t, result.Conflicts, 1)
	assert.Equal(t, models.ConflictInvalidPayload, result.Conflicts[0].ConflictType)
}

func TestProcessMovementsApplyBeforeSales(t *testing.T) {
	f := newFakeStore()
	seedCatalog(f)
	f.stock[stockKey(1, 1)] = 0
	p := newTestProcessor(f, &fakePublisher{})

	restock, err := json.Marshal(models.StockMovementPayload{ProductID: 1, MovementType: "RESTOCK", Quantity: 5})
	require.NoError(t, err)

	// Sale listed first in the batch; the movement group still applies first.
	req := &PushRequest{
		BranchID: 1,
		Items: []PushItem{
			{
				EntityType: models.EntityTypeSale,
				LocalID:    "sale-after-restock",
				Data:       salePayload(t, []models.SaleItemPayload{{ProductID: 1, Quantity: 3}}),
			},
			{
				EntityType: models.EntityTypeStockMovement,
				LocalID:    "mov-001",
				Data:       restock,
			},
		},
	}

	result, err := p.Process(context.Background(), req)
	require.NoError(t, err)

	assert.Len(t, result.Success, 2)
	assert.Empty(t, result.Conflicts)
	assert.Equal(t, 2, f.stock[stockKey(1, 1)])
}

func TestProcessSessionLifecycle(t *testing.T) {
	f := newFakeStore()
	seedCatalog(f)
	p := newTestProcessor(f, &fakePublisher{})

	open, err := json.Marshal(models.RegisterSessionPayload{
		RegisterID:    7,
		Action:        models.SessionActionOpen,
		OpeningAmount: decimal.RequireFromString("1000.00"),
		OccurredAt:    time.Now().Add(-8 * time.Hour),
	})
	require.NoError(t, err)

	declared := decimal.RequireFromString("1000.00")
	closePayload, err := json.Marshal(models.RegisterSessionPayload{
		RegisterID:     7,
		Action:         models.SessionActionClose,
		DeclaredAmount: &declared,
		OccurredAt:     time.Now(),
	})
	require.NoError(t, err)

	req := &PushRequest{
		BranchID: 1,
		Items: []PushItem{
			{EntityType: models.EntityTypeRegisterSession, LocalID: "sess-1", Data: open},
			{EntityType: models.EntityTypeRegisterSession, LocalID: "sess-1", Data: closePayload},
		},
	}

	result, err := p.Process(context.Background(), req)
	require.NoError(t, err)
	require.Len(t, result.Success, 2)

	session := f.sessions[dedupKey(1, models.EntityTypeRegisterSession, "sess-1")]
	require.NotNil(t, session)
	assert.Equal(t, models.SessionStatusClosed, session.Status)
	require.NotNil(t, session.DeviationClass)
	assert.Equal(t, models.DeviationNormal, *session.DeviationClass)

	// Redelivered close is a duplicate, not an error.
	result, err = p.Process(context.Background(), &PushRequest{
		BranchID: 1,
		Items:    []PushItem{{EntityType: models.EntityTypeRegisterSession, LocalID: "sess-1", Data: closePayload}},
	})
	require.NoError(t, err)
	assert.Len(t, result.Duplicates, 1)
}

func TestProcessCloseUnknownSessionConflict(t *testing.T) {
	f := newFakeStore()
	p := newTestProcessor(f, &fakePublisher{})

	declared := decimal.RequireFromString("500.00")
	closePayload, err := json.Marshal(models.RegisterSessionPayload{
		RegisterID:     7,
		Action:         models.SessionActionClose,
		DeclaredAmount: &declared,
		OccurredAt:     time.Now(),
	})
	require.NoError(t, err)

	result, err := p.Process(context.Background(), &PushRequest{
		BranchID: 1,
		Items:    []PushItem{{EntityType: models.EntityTypeRegisterSession, LocalID: "sess-ghost", Data: closePayload}},
	})
	require.NoError(t, err)

	require.Len(t, result.Conflicts, 1)
	assert.Equal(t, models.ConflictUnknownReference, result.Conflicts[0].ConflictType)
}

func TestProcessPublishesAlertOnConflictThreshold(t *testing.T) {
	f := newFakeStore()
	seedCatalog(f)
	pub := &fakePublisher{}
	p := NewProcessor(f, pub, Thresholds{Failures: 5, Conflicts: 1})

	req := &PushRequest{
		BranchID: 1,
		Items: []PushItem{{
			EntityType: models.EntityTypeSale,
			LocalID:    "sale-big",
			Data:       salePayload(t, []models.SaleItemPayload{{ProductID: 1, Quantity: 50}}),
		}},
	}

	_, err := p.Process(context.Background(), req)
	require.NoError(t, err)

	require.Len(t, pub.alerts, 1)
	assert.Equal(t, int64(1), pub.alerts[0].BranchID)
	assert.Equal(t, 1, pub.alerts[0].Conflicts)
}

func TestReapplyPendingAppliesResolvedItem(t *testing.T) {
	f := newFakeStore()
	seedCatalog(f)
	pub := &fakePublisher{}
	p := newTestProcessor(f, pub)

	// A conflicted sale the operator resolved LOCAL_WINS after restocking.
	payload := salePayload(t, []models.SaleItemPayload{{ProductID: 1, Quantity: 2}})
	item := &models.SyncQueueItem{
		BranchID:      1,
		EntityType:    models.EntityTypeSale,
		EntityLocalID: "sale-retry",
		Payload:       payload,
		Status:        models.SyncStatusPending,
	}
	require.NoError(t, f.UpsertConflict(context.Background(), item))
	item.Status = models.SyncStatusPending

	result, err := p.ReapplyPending(context.Background(), 1, 10)
	require.NoError(t, err)

	require.Len(t, result.Success, 1)
	assert.Equal(t, models.SyncStatusSynced, f.queue[item.ID].Status)
	assert.NotNil(t, f.sales[dedupKey(1, models.EntityTypeSale, "sale-retry")])
	assert.Len(t, pub.saleSynced, 1)
}

func TestReapplyPendingReturnsItemOnInfraFailure(t *testing.T) {
	f := newFakeStore()
	seedCatalog(f)
	p := newTestProcessor(f, &fakePublisher{})

	payload := salePayload(t, []models.SaleItemPayload{{ProductID: 1, Quantity: 2}})
	item := &models.SyncQueueItem{
		BranchID:      1,
		EntityType:    models.EntityTypeSale,
		EntityLocalID: "sale-flaky",
		Payload:       payload,
		Status:        models.SyncStatusPending,
	}
	require.NoError(t, f.UpsertConflict(context.Background(), item))
	item.Status = models.SyncStatusPending

	f.applyErr = fmt.Errorf("connection reset")

	result, err := p.ReapplyPending(context.Background(), 1, 10)
	require.NoError(t, err)

	require.Len(t, result.Failed, 1)
	assert.Equal(t, models.SyncStatusPending, f.queue[item.ID].Status)
	assert.Equal(t, 1, f.queue[item.ID].RetryCount)
}

func TestReapplyPendingConflictsAgain(t *testing.T) {
	f := newFakeStore()
	seedCatalog(f)
	f.stock[stockKey(1, 1)] = 0
	p := newTestProcessor(f, &fakePublisher{})

	payload := salePayload(t, []models.SaleItemPayload{{ProductID: 1, Quantity: 2}})
	item := &models.SyncQueueItem{
		BranchID:      1,
		EntityType:    models.EntityTypeSale,
		EntityLocalID: "sale-still-short",
		Payload:       payload,
		Status:        models.SyncStatusPending,
	}
	require.NoError(t, f.UpsertConflict(context.Background(), item))
	item.Status = models.SyncStatusPending

	result, err := p.ReapplyPending(context.Background(), 1, 10)
	require.NoError(t, err)

	require.Len(t, result.Conflicts, 1)
	assert.Equal(t, models.SyncStatusConflict, f.queue[item.ID].Status)
	require.NotNil(t, f.queue[item.ID].ConflictType)
	assert.Equal(t, models.ConflictInsufficientStock, *f.queue[item.ID].ConflictType)
	assert.Equal(t, 1, f.queue[item.ID].RetryCount, "one replay counts as one round trip")
}

func TestSweepReplayAppliesItemsAcrossBranches(t *testing.T) {
	f := newFakeStore()
	seedCatalog(f)
	f.stock[stockKey(2, 1)] = 10
	pub := &fakePublisher{}
	p := newTestProcessor(f, pub)

	for _, branchID := range []int64{1, 2} {
		item := &models.SyncQueueItem{
			BranchID:      branchID,
			EntityType:    models.EntityTypeSale,
			EntityLocalID: "sale-resolved",
			Payload:       salePayload(t, []models.SaleItemPayload{{ProductID: 1, Quantity: 2}}),
			Status:        models.SyncStatusPending,
		}
		require.NoError(t, f.UpsertConflict(context.Background(), item))
		item.Status = models.SyncStatusPending
	}

	p.sweepReplay(context.Background(), ReplaySweepConfig{ReclaimAfter: time.Minute, BatchLimit: 10})

	assert.NotNil(t, f.sales[dedupKey(1, models.EntityTypeSale, "sale-resolved")])
	assert.NotNil(t, f.sales[dedupKey(2, models.EntityTypeSale, "sale-resolved")])
	for _, item := range f.queue {
		assert.Equal(t, models.SyncStatusSynced, item.Status)
	}
	assert.Len(t, pub.saleSynced, 2)
}

func TestSweepReplayReclaimsStrandedItems(t *testing.T) {
	f := newFakeStore()
	seedCatalog(f)
	p := newTestProcessor(f, &fakePublisher{})

	// Stranded mid-replay by a crash, well past the reclaim age.
	stranded := &models.SyncQueueItem{
		BranchID:      1,
		EntityType:    models.EntityTypeSale,
		EntityLocalID: "sale-stranded",
		Payload:       salePayload(t, []models.SaleItemPayload{{ProductID: 1, Quantity: 2}}),
	}
	require.NoError(t, f.UpsertConflict(context.Background(), stranded))
	f.queue[stranded.ID].Status = models.SyncStatusProcessing
	f.queue[stranded.ID].UpdatedAt = time.Now().Add(-10 * time.Minute)

	// Freshly claimed by a live pass; the sweep must leave it alone.
	claimed := &models.SyncQueueItem{
		BranchID:      1,
		EntityType:    models.EntityTypeSale,
		EntityLocalID: "sale-claimed",
		Payload:       salePayload(t, []models.SaleItemPayload{{ProductID: 1, Quantity: 1}}),
	}
	require.NoError(t, f.UpsertConflict(context.Background(), claimed))
	f.queue[claimed.ID].Status = models.SyncStatusProcessing
	f.queue[claimed.ID].UpdatedAt = time.Now()

	p.sweepReplay(context.Background(), ReplaySweepConfig{ReclaimAfter: time.Minute, BatchLimit: 10})

	assert.Equal(t, models.SyncStatusSynced, f.queue[stranded.ID].Status)
	assert.NotNil(t, f.sales[dedupKey(1, models.EntityTypeSale, "sale-stranded")])
	assert.Equal(t, models.SyncStatusProcessing, f.queue[claimed.ID].Status)
}
