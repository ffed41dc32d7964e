package models

import "time"

// Event types
const (
	EventTypeSaleSynced       = "SALE_SYNCED"
	EventTypeInvoiceIssued    = "INVOICE_ISSUED"
	EventTypeInvoiceFailed    = "INVOICE_FAILED"
	EventTypeCreditNoteIssued = "CREDIT_NOTE_ISSUED"
	EventTypeSyncAlert        = "SYNC_ALERT"
	EventTypeInvoiceStale     = "INVOICE_STALE"
)

// BaseEvent contains common fields for all events
type BaseEvent struct {
	EventID   string    `json:"event_id"`
	EventType string    `json:"event_type"`
	Timestamp time.Time `json:"timestamp"`
}

// SaleSyncedEvent published after an offline sale commits; consumed by the
// issuance worker to create and submit the invoice
type SaleSyncedEvent struct {
	BaseEvent
	SaleID   int64  `json:"sale_id"`
	BranchID int64  `json:"branch_id"`
	LocalID  string `json:"local_id"`
}

// InvoiceIssuedEvent published when the external authority accepts an invoice
type InvoiceIssuedEvent struct {
	BaseEvent
	InvoiceID         int64  `json:"invoice_id"`
	SaleID            int64  `json:"sale_id"`
	AuthorizationCode string `json:"authorization_code"`
}

// InvoiceFailedEvent published when an invoice reaches terminal FAILED
type InvoiceFailedEvent struct {
	BaseEvent
	InvoiceID  int64  `json:"invoice_id"`
	SaleID     int64  `json:"sale_id"`
	RetryCount int    `json:"retry_count"`
	Reason     string `json:"reason"`
}

// CreditNoteIssuedEvent published when a credit note is authorized
type CreditNoteIssuedEvent struct {
	BaseEvent
	CreditNoteID      int64  `json:"credit_note_id"`
	OriginalInvoiceID int64  `json:"original_invoice_id"`
	AuthorizationCode string `json:"authorization_code"`
}

// SyncAlertEvent published when a batch exceeds failure or conflict thresholds
type SyncAlertEvent struct {
	BaseEvent
	BranchID  int64 `json:"branch_id"`
	Processed int   `json:"processed"`
	Failed    int   `json:"failed"`
	Conflicts int   `json:"conflicts"`
}

// InvoiceStaleEvent published by the long-period sweep for operator attention
type InvoiceStaleEvent struct {
	BaseEvent
	InvoiceID  int64     `json:"invoice_id"`
	SaleID     int64     `json:"sale_id"`
	PendingFor string    `json:"pending_for"`
	CreatedAt  time.Time `json:"created_at"`
}
