package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// Product represents a catalog product
type Product struct {
	ID        int64           `db:"id" json:"id"`
	SKU       string          `db:"sku" json:"sku"`
	Name      string          `db:"name" json:"name"`
	Price     decimal.Decimal `db:"price" json:"price"`
	TaxRate   decimal.Decimal `db:"tax_rate" json:"tax_rate"`
	UpdatedAt time.Time       `db:"updated_at" json:"updated_at"`
}

// Stock represents per-branch stock for a product
type Stock struct {
	BranchID  int64     `db:"branch_id" json:"branch_id"`
	ProductID int64     `db:"product_id" json:"product_id"`
	Quantity  int       `db:"quantity" json:"quantity"`
	UpdatedAt time.Time `db:"updated_at" json:"updated_at"`
}

// StockMovement is an immutable ledger entry recorded on every stock change
type StockMovement struct {
	ID            int64     `db:"id" json:"id"`
	BranchID      int64     `db:"branch_id" json:"branch_id"`
	ProductID     int64     `db:"product_id" json:"product_id"`
	LocalID       *string   `db:"local_id" json:"local_id,omitempty"`
	MovementType  string    `db:"movement_type" json:"movement_type"`
	Quantity      int       `db:"quantity" json:"quantity"`
	PriorQuantity int       `db:"prior_quantity" json:"prior_quantity"`
	NewQuantity   int       `db:"new_quantity" json:"new_quantity"`
	Reason        string    `db:"reason" json:"reason,omitempty"`
	SaleID        *int64    `db:"sale_id" json:"sale_id,omitempty"`
	CreatedAt     time.Time `db:"created_at" json:"created_at"`
}

// Customer represents a buyer; fiscal fields are snapshotted onto invoices
type Customer struct {
	ID          int64     `db:"id" json:"id"`
	Name        string    `db:"name" json:"name"`
	TaxID       *string   `db:"tax_id" json:"tax_id,omitempty"`
	TaxCategory string    `db:"tax_category" json:"tax_category"`
	Address     string    `db:"address" json:"address,omitempty"`
	UpdatedAt   time.Time `db:"updated_at" json:"updated_at"`
}

// Sale represents a completed sale, possibly originated offline on a register
type Sale struct {
	ID         int64           `db:"id" json:"id"`
	BranchID   int64           `db:"branch_id" json:"branch_id"`
	RegisterID *int64          `db:"register_id" json:"register_id,omitempty"`
	LocalID    *string         `db:"local_id" json:"local_id,omitempty"`
	CustomerID *int64          `db:"customer_id" json:"customer_id,omitempty"`
	SyncStatus string          `db:"sync_status" json:"sync_status"`
	Net        decimal.Decimal `db:"net" json:"net"`
	Tax        decimal.Decimal `db:"tax" json:"tax"`
	Total      decimal.Decimal `db:"total" json:"total"`
	CreatedAt  time.Time       `db:"created_at" json:"created_at"`
	UpdatedAt  time.Time       `db:"updated_at" json:"updated_at"`
}

// SaleItem represents a line in a sale
type SaleItem struct {
	ID        int64           `db:"id" json:"id"`
	SaleID    int64           `db:"sale_id" json:"sale_id"`
	ProductID int64           `db:"product_id" json:"product_id"`
	Quantity  int             `db:"quantity" json:"quantity"`
	UnitPrice decimal.Decimal `db:"unit_price" json:"unit_price"`
	LineTotal decimal.Decimal `db:"line_total" json:"line_total"`
}

// SalePayment represents a payment applied to a sale
type SalePayment struct {
	ID     int64           `db:"id" json:"id"`
	SaleID int64           `db:"sale_id" json:"sale_id"`
	Method string          `db:"method" json:"method"`
	Amount decimal.Decimal `db:"amount" json:"amount"`
}

// RegisterSession represents the lifecycle of a cash register session
type RegisterSession struct {
	ID             int64            `db:"id" json:"id"`
	BranchID       int64            `db:"branch_id" json:"branch_id"`
	RegisterID     int64            `db:"register_id" json:"register_id"`
	LocalID        *string          `db:"local_id" json:"local_id,omitempty"`
	OpeningAmount  decimal.Decimal  `db:"opening_amount" json:"opening_amount"`
	ExpectedAmount *decimal.Decimal `db:"expected_amount" json:"expected_amount,omitempty"`
	DeclaredAmount *decimal.Decimal `db:"declared_amount" json:"declared_amount,omitempty"`
	Deviation      *decimal.Decimal `db:"deviation" json:"deviation,omitempty"`
	DeviationClass *string          `db:"deviation_class" json:"deviation_class,omitempty"`
	Status         string           `db:"status" json:"status"`
	OpenedAt       time.Time        `db:"opened_at" json:"opened_at"`
	ClosedAt       *time.Time       `db:"closed_at" json:"closed_at,omitempty"`
}

// SyncQueueItem holds one rejected or pending client mutation.
// (branch_id, entity_type, entity_local_id) is the dedup key: at most one
// server entity ever derives from it.
type SyncQueueItem struct {
	ID                 int64     `db:"id" json:"id"`
	BranchID           int64     `db:"branch_id" json:"branch_id"`
	RegisterID         *int64    `db:"register_id" json:"register_id,omitempty"`
	EntityType         string    `db:"entity_type" json:"entity_type"`
	EntityLocalID      string    `db:"entity_local_id" json:"entity_local_id"`
	Operation          string    `db:"operation" json:"operation"`
	Payload            []byte    `db:"payload" json:"payload"`
	Status             string    `db:"status" json:"status"`
	ConflictType       *string   `db:"conflict_type" json:"conflict_type,omitempty"`
	ConflictResolution *string   `db:"conflict_resolution" json:"conflict_resolution,omitempty"`
	ErrorMessage       *string   `db:"error_message" json:"error_message,omitempty"`
	RetryCount         int       `db:"retry_count" json:"retry_count"`
	CreatedAt          time.Time `db:"created_at" json:"created_at"`
	UpdatedAt          time.Time `db:"updated_at" json:"updated_at"`
}

// Invoice represents a fiscal document issued for a sale. Buyer fields are a
// point-in-time snapshot taken at invoice creation; later customer edits do
// not change what gets authorized.
type Invoice struct {
	ID                  int64           `db:"id" json:"id"`
	SaleID              int64           `db:"sale_id" json:"sale_id"`
	BranchID            int64           `db:"branch_id" json:"branch_id"`
	DocumentType        string          `db:"document_type" json:"document_type"`
	PointOfSale         int             `db:"point_of_sale" json:"point_of_sale"`
	DocumentNumber      *int64          `db:"document_number" json:"document_number,omitempty"`
	Status              string          `db:"status" json:"status"`
	BuyerName           string          `db:"buyer_name" json:"buyer_name"`
	BuyerTaxID          *string         `db:"buyer_tax_id" json:"buyer_tax_id,omitempty"`
	BuyerTaxCategory    string          `db:"buyer_tax_category" json:"buyer_tax_category"`
	Net                 decimal.Decimal `db:"net" json:"net"`
	Tax                 decimal.Decimal `db:"tax" json:"tax"`
	Total               decimal.Decimal `db:"total" json:"total"`
	AuthorizationCode   *string         `db:"authorization_code" json:"authorization_code,omitempty"`
	AuthorizationExpiry *time.Time      `db:"authorization_expiry" json:"authorization_expiry,omitempty"`
	RawResponse         []byte          `db:"raw_response" json:"-"`
	ErrorMessage        *string         `db:"error_message" json:"error_message,omitempty"`
	RetryCount          int             `db:"retry_count" json:"retry_count"`
	LastRetryAt         *time.Time      `db:"last_retry_at" json:"last_retry_at,omitempty"`
	IssuedAt            *time.Time      `db:"issued_at" json:"issued_at,omitempty"`
	CreatedAt           time.Time       `db:"created_at" json:"created_at"`
	UpdatedAt           time.Time       `db:"updated_at" json:"updated_at"`
}

// CreditNote represents a fiscal document reversing all or part of an
// issued invoice
type CreditNote struct {
	ID                  int64           `db:"id" json:"id"`
	OriginalInvoiceID   int64           `db:"original_invoice_id" json:"original_invoice_id"`
	BranchID            int64           `db:"branch_id" json:"branch_id"`
	DocumentType        string          `db:"document_type" json:"document_type"`
	PointOfSale         int             `db:"point_of_sale" json:"point_of_sale"`
	DocumentNumber      int64           `db:"document_number" json:"document_number"`
	Status              string          `db:"status" json:"status"`
	Reason              string          `db:"reason" json:"reason"`
	Net                 decimal.Decimal `db:"net" json:"net"`
	Tax                 decimal.Decimal `db:"tax" json:"tax"`
	Total               decimal.Decimal `db:"total" json:"total"`
	AuthorizationCode   *string         `db:"authorization_code" json:"authorization_code,omitempty"`
	AuthorizationExpiry *time.Time      `db:"authorization_expiry" json:"authorization_expiry,omitempty"`
	ErrorMessage        *string         `db:"error_message" json:"error_message,omitempty"`
	RetryCount          int             `db:"retry_count" json:"retry_count"`
	IssuedAt            *time.Time      `db:"issued_at" json:"issued_at,omitempty"`
	CreatedAt           time.Time       `db:"created_at" json:"created_at"`
	UpdatedAt           time.Time       `db:"updated_at" json:"updated_at"`
}

// Sync entity types
const (
	EntityTypeSale            = "SALE"
	EntityTypeStockMovement   = "STOCK_MOVEMENT"
	EntityTypeRegisterSession = "REGISTER_SESSION"
)

// Sync queue item statuses
const (
	SyncStatusPending    = "PENDING"
	SyncStatusProcessing = "PROCESSING"
	SyncStatusSynced     = "SYNCED"
	SyncStatusFailed     = "FAILED"
	SyncStatusConflict   = "CONFLICT"
)

// Conflict types
const (
	ConflictInsufficientStock = "INSUFFICIENT_STOCK"
	ConflictUnknownReference  = "UNKNOWN_REFERENCE"
	ConflictInvalidPayload    = "INVALID_PAYLOAD"
)

// Conflict resolutions
const (
	ResolutionLocalWins  = "LOCAL_WINS"
	ResolutionServerWins = "SERVER_WINS"
	ResolutionMerged     = "MERGED"
)

// Invoice and credit note statuses
const (
	InvoiceStatusPending = "PENDING"
	InvoiceStatusIssued  = "ISSUED"
	InvoiceStatusFailed  = "FAILED"
	InvoiceStatusVoided  = "VOIDED"
)

// Fiscal document types
const (
	DocumentTypeA = "A"
	DocumentTypeB = "B"
	DocumentTypeC = "C"
)

// Buyer tax categories
const (
	TaxCategoryRegistered    = "REGISTERED"
	TaxCategoryMonotax       = "MONOTAX"
	TaxCategoryFinalConsumer = "FINAL_CONSUMER"
)

// Register session statuses
const (
	SessionStatusOpen   = "OPEN"
	SessionStatusClosed = "CLOSED"
)

// Session deviation classes, assigned on close from declared vs expected
const (
	DeviationNormal   = "NORMAL"
	DeviationWarning  = "WARNING"
	DeviationCritical = "CRITICAL"
)

// ProcessedEvent for consumer-side idempotency
type ProcessedEvent struct {
	EventID     string    `db:"event_id"`
	EventType   string    `db:"event_type"`
	ProcessedAt time.Time `db:"processed_at"`
}
