package ingest

import (
	"context"
	"encoding/json"
	"fmt"

	"pos-sync-service/internal/models"
	"pos-sync-service/internal/util"

	"go.uber.org/zap"
)

// ResolverStore is the persistence surface conflict resolution needs
type ResolverStore interface {
	GetSyncQueueItem(ctx context.Context, id int64) (*models.SyncQueueItem, error)
	ResolveLocalWins(ctx context.Context, id int64) error
	ResolveServerWins(ctx context.Context, id int64) error
	ResolveMerged(ctx context.Context, id int64, payload []byte) error
	ClearSaleConflict(ctx context.Context, branchID int64, localID string) error
}

// Resolver applies an operator's decision to a conflicted queue item
type Resolver struct {
	store  ResolverStore
	logger *zap.Logger
}

// NewResolver creates a new conflict resolver
func NewResolver(store ResolverStore) *Resolver {
	return &Resolver{store: store, logger: util.GetLogger()}
}

// Resolve applies one resolution strategy to a conflicted item. LOCAL_WINS
// requeues the client payload as-is, SERVER_WINS discards it, MERGED requeues
// an operator-edited payload. Only CONFLICT items are resolvable.
func (r *Resolver) Resolve(ctx context.Context, itemID int64, resolution string, mergedPayload json.RawMessage) (*models.SyncQueueItem, error) {
	ctx, span := util.StartSpan(ctx, "Resolver.Resolve")
	defer span.End()

	item, err := r.store.GetSyncQueueItem(ctx, itemID)
	if err != nil {
		return nil, err
	}
	if item.Status != models.SyncStatusConflict {
		return nil, fmt.Errorf("sync queue item %d has status %s: %w", itemID, item.Status, models.ErrInvalidState)
	}

	switch resolution {
	case models.ResolutionLocalWins:
		if err := r.store.ResolveLocalWins(ctx, itemID); err != nil {
			return nil, err
		}

	case models.ResolutionServerWins:
		if err := r.store.ResolveServerWins(ctx, itemID); err != nil {
			return nil, err
		}
		// A sale applied before its conflict was flagged stays marked
		// CONFLICT on the entity; accepting the server state clears it.
		if item.EntityType == models.EntityTypeSale {
			if err := r.store.ClearSaleConflict(ctx, item.BranchID, item.EntityLocalID); err != nil {
				r.logger.Error("Failed to clear sale conflict flag",
					zap.Int64("item_id", itemID), zap.Error(err))
			}
		}

	case models.ResolutionMerged:
		if len(mergedPayload) == 0 {
			return nil, fmt.Errorf("merged resolution requires a payload: %w", models.ErrInvalidArgument)
		}
		if _, err := models.DecodePayload(item.EntityType, mergedPayload); err != nil {
			return nil, fmt.Errorf("merged payload rejected: %w", err)
		}
		if err := r.store.ResolveMerged(ctx, itemID, mergedPayload); err != nil {
			return nil, err
		}

	default:
		return nil, fmt.Errorf("unknown resolution %q: %w", resolution, models.ErrInvalidArgument)
	}

	util.ConflictResolutionsTotal.WithLabelValues(resolution).Inc()
	r.logger.Info("Resolved sync conflict",
		zap.Int64("item_id", itemID),
		zap.String("entity_type", item.EntityType),
		zap.String("resolution", resolution))

	return r.store.GetSyncQueueItem(ctx, itemID)
}
