package store

import (
	"context"
	"database/sql"
	"fmt"
	"sort"
	"time"

	"pos-sync-service/internal/models"

	"github.com/shopspring/decimal"
)

// FindSaleByLocalID looks up a sale by its client-assigned identifier
func (s *Store) FindSaleByLocalID(ctx context.Context, branchID int64, localID string) (*models.Sale, error) {
	var sale models.Sale
	err := s.db.GetContext(ctx, &sale,
		"SELECT * FROM sales WHERE branch_id = $1 AND local_id = $2", branchID, localID)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("sale %s at branch %d: %w", localID, branchID, models.ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	return &sale, nil
}

// GetSaleByID retrieves a sale by ID
func (s *Store) GetSaleByID(ctx context.Context, id int64) (*models.Sale, error) {
	var sale models.Sale
	err := s.db.GetContext(ctx, &sale, "SELECT * FROM sales WHERE id = $1", id)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("sale %d: %w", id, models.ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	return &sale, nil
}

// GetSaleItems retrieves all items for a sale
func (s *Store) GetSaleItems(ctx context.Context, saleID int64) ([]models.SaleItem, error) {
	var items []models.SaleItem
	err := s.db.SelectContext(ctx, &items,
		"SELECT * FROM sale_items WHERE sale_id = $1 ORDER BY id", saleID)
	return items, err
}

// ApplySale creates a sale with its items, payments, stock decrements and
// movement ledger entries in a single transaction. Stock rows are locked
// FOR UPDATE in product-id order for the duration of the read-then-write.
// Returns ErrInsufficientStock when any line cannot be satisfied (nothing is
// decremented), ErrUnknownReference when a product has no stock row at the
// branch, and ErrAlreadyExists when the (branch_id, local_id) pair already
// materialized.
func (s *Store) ApplySale(ctx context.Context, sale *models.Sale, items []models.SaleItem, payments []models.SalePayment) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	// Aggregate quantities per product, then lock in stable order to avoid
	// deadlocks between concurrent batches.
	required := make(map[int64]int)
	for _, it := range items {
		required[it.ProductID] += it.Quantity
	}
	productIDs := make([]int64, 0, len(required))
	for id := range required {
		productIDs = append(productIDs, id)
	}
	sort.Slice(productIDs, func(i, j int) bool { return productIDs[i] < productIDs[j] })

	prior := make(map[int64]int, len(productIDs))
	for _, productID := range productIDs {
		var available int
		err = tx.GetContext(ctx, &available,
			"SELECT quantity FROM stock WHERE branch_id = $1 AND product_id = $2 FOR UPDATE",
			sale.BranchID, productID)
		if err == sql.ErrNoRows {
			return fmt.Errorf("%w: no stock row for product %d at branch %d",
				models.ErrUnknownReference, productID, sale.BranchID)
		}
		if err != nil {
			return fmt.Errorf("failed to lock stock: %w", err)
		}
		if available < required[productID] {
			return fmt.Errorf("%w: product %d: available=%d, requested=%d",
				models.ErrInsufficientStock, productID, available, required[productID])
		}
		prior[productID] = available
	}

	err = tx.GetContext(ctx, sale, `
		INSERT INTO sales (branch_id, register_id, local_id, customer_id, sync_status, net, tax, total)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		RETURNING id, created_at, updated_at`,
		sale.BranchID, sale.RegisterID, sale.LocalID, sale.CustomerID,
		sale.SyncStatus, sale.Net, sale.Tax, sale.Total)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("sale %v at branch %d: %w", sale.LocalID, sale.BranchID, models.ErrAlreadyExists)
		}
		return fmt.Errorf("failed to create sale: %w", err)
	}

	for i := range items {
		items[i].SaleID = sale.ID
		err = tx.GetContext(ctx, &items[i].ID, `
			INSERT INTO sale_items (sale_id, product_id, quantity, unit_price, line_total)
			VALUES ($1, $2, $3, $4, $5)
			RETURNING id`,
			items[i].SaleID, items[i].ProductID, items[i].Quantity, items[i].UnitPrice, items[i].LineTotal)
		if err != nil {
			return fmt.Errorf("failed to create sale item: %w", err)
		}
	}

	for i := range payments {
		payments[i].SaleID = sale.ID
		err = tx.GetContext(ctx, &payments[i].ID, `
			INSERT INTO sale_payments (sale_id, method, amount)
			VALUES ($1, $2, $3)
			RETURNING id`,
			payments[i].SaleID, payments[i].Method, payments[i].Amount)
		if err != nil {
			return fmt.Errorf("failed to create sale payment: %w", err)
		}
	}

	for _, productID := range productIDs {
		newQty := prior[productID] - required[productID]
		_, err = tx.ExecContext(ctx,
			"UPDATE stock SET quantity = $1, updated_at = NOW() WHERE branch_id = $2 AND product_id = $3",
			newQty, sale.BranchID, productID)
		if err != nil {
			return fmt.Errorf("failed to decrement stock: %w", err)
		}

		_, err = tx.ExecContext(ctx, `
			INSERT INTO stock_movements (branch_id, product_id, movement_type, quantity, prior_quantity, new_quantity, sale_id)
			VALUES ($1, $2, 'SALE', $3, $4, $5, $6)`,
			sale.BranchID, productID, -required[productID], prior[productID], newQty, sale.ID)
		if err != nil {
			return fmt.Errorf("failed to record stock movement: %w", err)
		}
	}

	return tx.Commit()
}

// ClearSaleConflict drops the conflict annotation on a server-tracked sale,
// if one exists for the dedup key
func (s *Store) ClearSaleConflict(ctx context.Context, branchID int64, localID string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE sales SET sync_status = $1, updated_at = NOW()
		WHERE branch_id = $2 AND local_id = $3 AND sync_status = $4`,
		models.SyncStatusSynced, branchID, localID, models.SyncStatusConflict)
	return err
}

// FindStockMovementByLocalID looks up a synced manual movement by its
// client-assigned identifier
func (s *Store) FindStockMovementByLocalID(ctx context.Context, branchID int64, localID string) (*models.StockMovement, error) {
	var movement models.StockMovement
	err := s.db.GetContext(ctx, &movement,
		"SELECT * FROM stock_movements WHERE branch_id = $1 AND local_id = $2", branchID, localID)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("stock movement %s at branch %d: %w", localID, branchID, models.ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	return &movement, nil
}

// ApplyStockMovement applies a manual stock adjustment under a row lock on
// the (branch_id, product_id) stock row. Negative adjustments may not drive
// stock below zero.
func (s *Store) ApplyStockMovement(ctx context.Context, movement *models.StockMovement) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	var available int
	err = tx.GetContext(ctx, &available,
		"SELECT quantity FROM stock WHERE branch_id = $1 AND product_id = $2 FOR UPDATE",
		movement.BranchID, movement.ProductID)
	if err == sql.ErrNoRows {
		return fmt.Errorf("%w: no stock row for product %d at branch %d",
			models.ErrUnknownReference, movement.ProductID, movement.BranchID)
	}
	if err != nil {
		return fmt.Errorf("failed to lock stock: %w", err)
	}

	newQty := available + movement.Quantity
	if newQty < 0 {
		return fmt.Errorf("%w: product %d: available=%d, adjustment=%d",
			models.ErrInsufficientStock, movement.ProductID, available, movement.Quantity)
	}

	movement.PriorQuantity = available
	movement.NewQuantity = newQty

	err = tx.GetContext(ctx, &movement.ID, `
		INSERT INTO stock_movements (branch_id, product_id, local_id, movement_type, quantity, prior_quantity, new_quantity, reason)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		RETURNING id`,
		movement.BranchID, movement.ProductID, movement.LocalID, movement.MovementType,
		movement.Quantity, movement.PriorQuantity, movement.NewQuantity, movement.Reason)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("stock movement %v at branch %d: %w", movement.LocalID, movement.BranchID, models.ErrAlreadyExists)
		}
		return fmt.Errorf("failed to create stock movement: %w", err)
	}

	_, err = tx.ExecContext(ctx,
		"UPDATE stock SET quantity = $1, updated_at = NOW() WHERE branch_id = $2 AND product_id = $3",
		newQty, movement.BranchID, movement.ProductID)
	if err != nil {
		return fmt.Errorf("failed to adjust stock: %w", err)
	}

	return tx.Commit()
}

// FindRegisterSessionByLocalID looks up a register session by its
// client-assigned identifier
func (s *Store) FindRegisterSessionByLocalID(ctx context.Context, branchID int64, localID string) (*models.RegisterSession, error) {
	var session models.RegisterSession
	err := s.db.GetContext(ctx, &session,
		"SELECT * FROM register_sessions WHERE branch_id = $1 AND local_id = $2", branchID, localID)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("register session %s at branch %d: %w", localID, branchID, models.ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	return &session, nil
}

// CreateRegisterSession opens a session synced from a register
func (s *Store) CreateRegisterSession(ctx context.Context, session *models.RegisterSession) error {
	err := s.db.GetContext(ctx, session, `
		INSERT INTO register_sessions (branch_id, register_id, local_id, opening_amount, status, opened_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING id`,
		session.BranchID, session.RegisterID, session.LocalID,
		session.OpeningAmount, session.Status, session.OpenedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("register session %v at branch %d: %w", session.LocalID, session.BranchID, models.ErrAlreadyExists)
		}
		return fmt.Errorf("failed to create register session: %w", err)
	}
	return nil
}

// CloseRegisterSession closes a session, computing the expected cash amount
// from the payment ledger and classifying the deviation against the declared
// amount
func (s *Store) CloseRegisterSession(ctx context.Context, sessionID int64, declared decimal.Decimal, closedAt time.Time) (*models.RegisterSession, error) {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	var session models.RegisterSession
	err = tx.GetContext(ctx, &session,
		"SELECT * FROM register_sessions WHERE id = $1 FOR UPDATE", sessionID)
	if err != nil {
		return nil, fmt.Errorf("failed to lock session: %w", err)
	}
	if session.Status != models.SessionStatusOpen {
		return nil, fmt.Errorf("session %d is %s: %w", sessionID, session.Status, models.ErrInvalidState)
	}

	var cashTotal decimal.Decimal
	err = tx.GetContext(ctx, &cashTotal, `
		SELECT COALESCE(SUM(sp.amount), 0)
		FROM sale_payments sp
		JOIN sales sa ON sa.id = sp.sale_id
		WHERE sa.branch_id = $1 AND sa.register_id = $2
		  AND sp.method = 'CASH' AND sa.created_at >= $3`,
		session.BranchID, session.RegisterID, session.OpenedAt)
	if err != nil {
		return nil, fmt.Errorf("failed to sum cash payments: %w", err)
	}

	expected := session.OpeningAmount.Add(cashTotal)
	deviation := declared.Sub(expected)
	class := classifyDeviation(expected, deviation)

	err = tx.GetContext(ctx, &session, `
		UPDATE register_sessions
		SET status = $1, expected_amount = $2, declared_amount = $3,
		    deviation = $4, deviation_class = $5, closed_at = $6
		WHERE id = $7
		RETURNING *`,
		models.SessionStatusClosed, expected, declared, deviation, class, closedAt, sessionID)
	if err != nil {
		return nil, fmt.Errorf("failed to close session: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return &session, nil
}

func classifyDeviation(expected, deviation decimal.Decimal) string {
	if deviation.IsZero() {
		return models.DeviationNormal
	}
	if expected.IsZero() {
		return models.DeviationCritical
	}
	pct := deviation.Abs().Div(expected.Abs()).Mul(decimal.NewFromInt(100))
	switch {
	case pct.LessThanOrEqual(decimal.NewFromInt(1)):
		return models.DeviationNormal
	case pct.LessThanOrEqual(decimal.NewFromInt(5)):
		return models.DeviationWarning
	default:
		return models.DeviationCritical
	}
}
