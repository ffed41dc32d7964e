package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"pos-sync-service/internal/models"
)

// GetSyncQueueItem retrieves a queue item by ID
func (s *Store) GetSyncQueueItem(ctx context.Context, id int64) (*models.SyncQueueItem, error) {
	var item models.SyncQueueItem
	err := s.db.GetContext(ctx, &item, "SELECT * FROM sync_queue_items WHERE id = $1", id)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("sync queue item %d: %w", id, models.ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	return &item, nil
}

// UpsertConflict persists a rejected mutation to the conflict queue. A
// re-rejection of the same dedup key reuses the existing row and bumps its
// retry count.
func (s *Store) UpsertConflict(ctx context.Context, item *models.SyncQueueItem) error {
	err := s.db.GetContext(ctx, item, `
		INSERT INTO sync_queue_items
			(branch_id, register_id, entity_type, entity_local_id, operation, payload, status, conflict_type, error_message, retry_count)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, 0)
		ON CONFLICT (branch_id, entity_type, entity_local_id) DO UPDATE
		SET payload = EXCLUDED.payload,
		    status = EXCLUDED.status,
		    conflict_type = EXCLUDED.conflict_type,
		    error_message = EXCLUDED.error_message,
		    conflict_resolution = NULL,
		    retry_count = sync_queue_items.retry_count + 1,
		    updated_at = NOW()
		RETURNING id, retry_count, created_at, updated_at`,
		item.BranchID, item.RegisterID, item.EntityType, item.EntityLocalID,
		item.Operation, item.Payload, item.Status, item.ConflictType, item.ErrorMessage)
	if err != nil {
		return fmt.Errorf("failed to upsert conflict: %w", err)
	}
	return nil
}

// ListPendingSyncItems returns PENDING queue items for replay, oldest first.
// branchID 0 means all branches (scheduled sweep).
func (s *Store) ListPendingSyncItems(ctx context.Context, branchID int64, limit int) ([]models.SyncQueueItem, error) {
	var items []models.SyncQueueItem
	err := s.db.SelectContext(ctx, &items, `
		SELECT * FROM sync_queue_items
		WHERE status = $1 AND ($2 = 0 OR branch_id = $2)
		ORDER BY updated_at
		LIMIT $3`,
		models.SyncStatusPending, branchID, limit)
	return items, err
}

// MarkSyncItemProcessing claims a PENDING item for replay. Returns
// ErrInvalidState when the item was claimed by another pass.
func (s *Store) MarkSyncItemProcessing(ctx context.Context, id int64) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE sync_queue_items SET status = $1, updated_at = NOW()
		WHERE id = $2 AND status = $3`,
		models.SyncStatusProcessing, id, models.SyncStatusPending)
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return fmt.Errorf("sync queue item %d not pending: %w", id, models.ErrInvalidState)
	}
	return nil
}

// ReclaimStaleProcessing returns PROCESSING items older than the given age to
// PENDING. An item stranded mid-replay by a crash is picked up again by the
// next sweep pass.
func (s *Store) ReclaimStaleProcessing(ctx context.Context, olderThan time.Duration, limit int) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE sync_queue_items SET status = $1, updated_at = NOW()
		WHERE id IN (
			SELECT id FROM sync_queue_items
			WHERE status = $2 AND updated_at < NOW() - ($3 * INTERVAL '1 second')
			ORDER BY updated_at
			LIMIT $4)`,
		models.SyncStatusPending, models.SyncStatusProcessing, int64(olderThan.Seconds()), limit)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// MarkSyncItemSynced marks an item as successfully applied
func (s *Store) MarkSyncItemSynced(ctx context.Context, id int64) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE sync_queue_items
		SET status = $1, conflict_type = NULL, error_message = NULL, updated_at = NOW()
		WHERE id = $2`,
		models.SyncStatusSynced, id)
	return err
}

// MarkSyncItemConflict returns a replayed item to CONFLICT with a fresh
// conflict tag, bumping its retry count
func (s *Store) MarkSyncItemConflict(ctx context.Context, id int64, conflictType, errMsg string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE sync_queue_items
		SET status = $1, conflict_type = $2, error_message = $3,
		    retry_count = retry_count + 1, updated_at = NOW()
		WHERE id = $4`,
		models.SyncStatusConflict, conflictType, errMsg, id)
	return err
}

// MarkSyncItemPending returns an item to PENDING after an infrastructure
// failure so a later replay pass picks it up again
func (s *Store) MarkSyncItemPending(ctx context.Context, id int64, errMsg string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE sync_queue_items
		SET status = $1, error_message = $2, retry_count = retry_count + 1, updated_at = NOW()
		WHERE id = $3`,
		models.SyncStatusPending, errMsg, id)
	return err
}

// MarkSyncItemFailed marks an item terminally failed
func (s *Store) MarkSyncItemFailed(ctx context.Context, id int64, errMsg string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE sync_queue_items
		SET status = $1, error_message = $2, updated_at = NOW()
		WHERE id = $3`,
		models.SyncStatusFailed, errMsg, id)
	return err
}

// ResolveLocalWins clears conflict fields and requeues the item for replay
func (s *Store) ResolveLocalWins(ctx context.Context, id int64) error {
	return s.resolve(ctx, id, `
		UPDATE sync_queue_items
		SET status = $1, conflict_resolution = $2, conflict_type = NULL,
		    error_message = NULL, retry_count = 0, updated_at = NOW()
		WHERE id = $3 AND status = $4`,
		models.SyncStatusPending, models.ResolutionLocalWins, id, models.SyncStatusConflict)
}

// ResolveServerWins discards the payload's effect: the item goes terminal
// FAILED and is never replayed
func (s *Store) ResolveServerWins(ctx context.Context, id int64) error {
	return s.resolve(ctx, id, `
		UPDATE sync_queue_items
		SET status = $1, conflict_resolution = $2, updated_at = NOW()
		WHERE id = $3 AND status = $4`,
		models.SyncStatusFailed, models.ResolutionServerWins, id, models.SyncStatusConflict)
}

// ResolveMerged overwrites the stored payload and requeues the item
func (s *Store) ResolveMerged(ctx context.Context, id int64, payload []byte) error {
	return s.resolve(ctx, id, `
		UPDATE sync_queue_items
		SET status = $1, conflict_resolution = $2, payload = $5, conflict_type = NULL,
		    error_message = NULL, retry_count = 0, updated_at = NOW()
		WHERE id = $3 AND status = $4`,
		models.SyncStatusPending, models.ResolutionMerged, id, models.SyncStatusConflict, payload)
}

func (s *Store) resolve(ctx context.Context, id int64, query string, args ...interface{}) error {
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return fmt.Errorf("sync queue item %d is not in conflict: %w", id, models.ErrInvalidState)
	}
	return nil
}
