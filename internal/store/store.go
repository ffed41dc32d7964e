package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"pos-sync-service/internal/models"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
)

type Store struct {
	db *sqlx.DB
}

// NewStore creates a new database store
func NewStore(databaseURL string) (*Store, error) {
	db, err := sqlx.Connect("postgres", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return &Store{db: db}, nil
}

// Close closes the database connection
func (s *Store) Close() error {
	return s.db.Close()
}

// GetDB returns the underlying database connection
func (s *Store) GetDB() *sqlx.DB {
	return s.db
}

// isUniqueViolation reports whether err is a Postgres unique constraint error
func isUniqueViolation(err error) bool {
	if pqErr, ok := err.(*pq.Error); ok {
		return pqErr.Code == "23505"
	}
	return false
}

// GetProductByID retrieves a product by ID
func (s *Store) GetProductByID(ctx context.Context, id int64) (*models.Product, error) {
	var product models.Product
	err := s.db.GetContext(ctx, &product, "SELECT * FROM products WHERE id = $1", id)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("product %d: %w", id, models.ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	return &product, nil
}

// GetProductsByIDs retrieves multiple products by IDs
func (s *Store) GetProductsByIDs(ctx context.Context, ids []int64) ([]models.Product, error) {
	if len(ids) == 0 {
		return []models.Product{}, nil
	}

	query, args, err := sqlx.In("SELECT * FROM products WHERE id IN (?)", ids)
	if err != nil {
		return nil, err
	}
	query = s.db.Rebind(query)

	var products []models.Product
	err = s.db.SelectContext(ctx, &products, query, args...)
	return products, err
}

// GetStock retrieves stock for a product at a branch
func (s *Store) GetStock(ctx context.Context, branchID, productID int64) (*models.Stock, error) {
	var stock models.Stock
	err := s.db.GetContext(ctx, &stock,
		"SELECT * FROM stock WHERE branch_id = $1 AND product_id = $2", branchID, productID)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("stock for product %d at branch %d: %w", productID, branchID, models.ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	return &stock, nil
}

// GetCustomerByID retrieves a customer by ID
func (s *Store) GetCustomerByID(ctx context.Context, id int64) (*models.Customer, error) {
	var customer models.Customer
	err := s.db.GetContext(ctx, &customer, "SELECT * FROM customers WHERE id = $1", id)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("customer %d: %w", id, models.ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	return &customer, nil
}

// ListProductsUpdatedSince returns catalog records changed after the watermark
func (s *Store) ListProductsUpdatedSince(ctx context.Context, since time.Time) ([]models.Product, error) {
	var products []models.Product
	err := s.db.SelectContext(ctx, &products,
		"SELECT * FROM products WHERE updated_at > $1 ORDER BY updated_at", since)
	return products, err
}

// ListStockUpdatedSince returns a branch's stock rows changed after the watermark
func (s *Store) ListStockUpdatedSince(ctx context.Context, branchID int64, since time.Time) ([]models.Stock, error) {
	var stock []models.Stock
	err := s.db.SelectContext(ctx, &stock,
		"SELECT * FROM stock WHERE branch_id = $1 AND updated_at > $2 ORDER BY updated_at", branchID, since)
	return stock, err
}

// ListCustomersUpdatedSince returns customer records changed after the watermark
func (s *Store) ListCustomersUpdatedSince(ctx context.Context, since time.Time) ([]models.Customer, error) {
	var customers []models.Customer
	err := s.db.SelectContext(ctx, &customers,
		"SELECT * FROM customers WHERE updated_at > $1 ORDER BY updated_at", since)
	return customers, err
}

// IsEventProcessed checks if an event has been processed
func (s *Store) IsEventProcessed(ctx context.Context, eventID string) (bool, error) {
	var exists bool
	err := s.db.GetContext(ctx, &exists,
		"SELECT EXISTS(SELECT 1 FROM processed_events WHERE event_id = $1)", eventID)
	return exists, err
}

// MarkEventProcessed marks an event as processed
func (s *Store) MarkEventProcessed(ctx context.Context, eventID, eventType string) error {
	_, err := s.db.ExecContext(ctx,
		"INSERT INTO processed_events (event_id, event_type) VALUES ($1, $2) ON CONFLICT (event_id) DO NOTHING",
		eventID, eventType)
	return err
}
