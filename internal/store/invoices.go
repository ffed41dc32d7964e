package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"pos-sync-service/internal/models"

	"github.com/jmoiron/sqlx"
)

// nextDocumentNumber increments the (branch_id, document_type) numbering
// sequence inside tx. The upsert takes a row lock held until commit, so two
// concurrent transactions can never compute the same number.
func nextDocumentNumber(ctx context.Context, tx *sqlx.Tx, branchID int64, documentType string) (int64, error) {
	var number int64
	err := tx.GetContext(ctx, &number, `
		INSERT INTO document_sequences (branch_id, document_type, next_number)
		VALUES ($1, $2, 1)
		ON CONFLICT (branch_id, document_type)
		DO UPDATE SET next_number = document_sequences.next_number + 1
		RETURNING next_number`,
		branchID, documentType)
	if err != nil {
		return 0, fmt.Errorf("failed to advance document sequence: %w", err)
	}
	return number, nil
}

// CreateInvoice inserts a PENDING invoice carrying the buyer snapshot.
// Returns ErrAlreadyExists when a non-voided invoice already exists for the
// (sale_id, document_type) pair.
func (s *Store) CreateInvoice(ctx context.Context, invoice *models.Invoice) error {
	err := s.db.GetContext(ctx, invoice, `
		INSERT INTO invoices
			(sale_id, branch_id, document_type, point_of_sale, status,
			 buyer_name, buyer_tax_id, buyer_tax_category, net, tax, total)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		RETURNING id, created_at, updated_at`,
		invoice.SaleID, invoice.BranchID, invoice.DocumentType, invoice.PointOfSale,
		invoice.Status, invoice.BuyerName, invoice.BuyerTaxID, invoice.BuyerTaxCategory,
		invoice.Net, invoice.Tax, invoice.Total)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("invoice for sale %d type %s: %w", invoice.SaleID, invoice.DocumentType, models.ErrAlreadyExists)
		}
		return fmt.Errorf("failed to create invoice: %w", err)
	}
	return nil
}

// GetInvoice retrieves an invoice by ID
func (s *Store) GetInvoice(ctx context.Context, id int64) (*models.Invoice, error) {
	var invoice models.Invoice
	err := s.db.GetContext(ctx, &invoice, "SELECT * FROM invoices WHERE id = $1", id)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("invoice %d: %w", id, models.ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	return &invoice, nil
}

// GetInvoiceBySale retrieves the non-voided invoice for a sale and document type
func (s *Store) GetInvoiceBySale(ctx context.Context, saleID int64, documentType string) (*models.Invoice, error) {
	var invoice models.Invoice
	err := s.db.GetContext(ctx, &invoice, `
		SELECT * FROM invoices
		WHERE sale_id = $1 AND document_type = $2 AND status <> $3
		ORDER BY id LIMIT 1`,
		saleID, documentType, models.InvoiceStatusVoided)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("invoice for sale %d: %w", saleID, models.ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	return &invoice, nil
}

// MarkInvoiceIssued transitions an invoice to ISSUED, assigning its fiscal
// number under the sequence row lock and persisting the authority response.
// Returns ErrInvalidState when the invoice is no longer PENDING or FAILED
// (another instance already issued it).
func (s *Store) MarkInvoiceIssued(ctx context.Context, id int64, code string, expiry *time.Time, raw []byte) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	var invoice models.Invoice
	err = tx.GetContext(ctx, &invoice, "SELECT * FROM invoices WHERE id = $1 FOR UPDATE", id)
	if err != nil {
		return fmt.Errorf("failed to lock invoice: %w", err)
	}
	if invoice.Status != models.InvoiceStatusPending && invoice.Status != models.InvoiceStatusFailed {
		return fmt.Errorf("invoice %d is %s: %w", id, invoice.Status, models.ErrInvalidState)
	}

	number, err := nextDocumentNumber(ctx, tx, invoice.BranchID, invoice.DocumentType)
	if err != nil {
		return err
	}

	_, err = tx.ExecContext(ctx, `
		UPDATE invoices
		SET status = $1, document_number = $2, authorization_code = $3,
		    authorization_expiry = $4, raw_response = $5, issued_at = NOW(),
		    error_message = NULL, updated_at = NOW()
		WHERE id = $6`,
		models.InvoiceStatusIssued, number, code, expiry, raw, id)
	if err != nil {
		return fmt.Errorf("failed to mark invoice issued: %w", err)
	}

	return tx.Commit()
}

// MarkInvoiceRetry records a transient failure: the invoice stays PENDING
// with an incremented retry count and a fresh last_retry_at
func (s *Store) MarkInvoiceRetry(ctx context.Context, id int64, errMsg string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE invoices
		SET status = $1, retry_count = retry_count + 1, last_retry_at = NOW(),
		    error_message = $2, updated_at = NOW()
		WHERE id = $3`,
		models.InvoiceStatusPending, errMsg, id)
	return err
}

// MarkInvoiceFailed records a terminal failure, preserving the last error
func (s *Store) MarkInvoiceFailed(ctx context.Context, id int64, errMsg string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE invoices
		SET status = $1, retry_count = retry_count + 1, last_retry_at = NOW(),
		    error_message = $2, updated_at = NOW()
		WHERE id = $3`,
		models.InvoiceStatusFailed, errMsg, id)
	return err
}

// ListRetryablePendingInvoices returns PENDING invoices whose last attempt is
// absent or older than the cutoff, for the retry sweep
func (s *Store) ListRetryablePendingInvoices(ctx context.Context, cutoff time.Time, limit int) ([]models.Invoice, error) {
	var invoices []models.Invoice
	err := s.db.SelectContext(ctx, &invoices, `
		SELECT * FROM invoices
		WHERE status = $1 AND (last_retry_at IS NULL OR last_retry_at < $2)
		ORDER BY id LIMIT $3`,
		models.InvoiceStatusPending, cutoff, limit)
	return invoices, err
}

// ListStalePendingInvoices returns PENDING invoices created before the
// threshold, for the operator alert sweep
func (s *Store) ListStalePendingInvoices(ctx context.Context, createdBefore time.Time, limit int) ([]models.Invoice, error) {
	var invoices []models.Invoice
	err := s.db.SelectContext(ctx, &invoices, `
		SELECT * FROM invoices
		WHERE status = $1 AND created_at < $2
		ORDER BY created_at LIMIT $3`,
		models.InvoiceStatusPending, createdBefore, limit)
	return invoices, err
}

// ListPendingInvoices returns a bounded page of PENDING invoices for the
// batch retry endpoint
func (s *Store) ListPendingInvoices(ctx context.Context, limit int) ([]models.Invoice, error) {
	var invoices []models.Invoice
	err := s.db.SelectContext(ctx, &invoices,
		"SELECT * FROM invoices WHERE status = $1 ORDER BY id LIMIT $2",
		models.InvoiceStatusPending, limit)
	return invoices, err
}

// GetCreditNote retrieves a credit note by ID
func (s *Store) GetCreditNote(ctx context.Context, id int64) (*models.CreditNote, error) {
	var note models.CreditNote
	err := s.db.GetContext(ctx, &note, "SELECT * FROM credit_notes WHERE id = $1", id)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("credit note %d: %w", id, models.ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	return &note, nil
}

// CreateCreditNote inserts a PENDING credit note in one transaction: the
// original invoice row is locked, validated (ISSUED with an authorization
// code), the single-live-reversal invariant is enforced, and the document
// number is assigned under the sequence row lock.
func (s *Store) CreateCreditNote(ctx context.Context, note *models.CreditNote) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	var original models.Invoice
	err = tx.GetContext(ctx, &original,
		"SELECT * FROM invoices WHERE id = $1 FOR UPDATE", note.OriginalInvoiceID)
	if err == sql.ErrNoRows {
		return fmt.Errorf("invoice %d: %w", note.OriginalInvoiceID, models.ErrNotFound)
	}
	if err != nil {
		return fmt.Errorf("failed to lock original invoice: %w", err)
	}
	if original.Status != models.InvoiceStatusIssued || original.AuthorizationCode == nil {
		return fmt.Errorf("invoice %d is not issued: %w", original.ID, models.ErrInvalidState)
	}

	var exists bool
	err = tx.GetContext(ctx, &exists, `
		SELECT EXISTS(
			SELECT 1 FROM credit_notes
			WHERE original_invoice_id = $1 AND status IN ($2, $3))`,
		note.OriginalInvoiceID, models.InvoiceStatusPending, models.InvoiceStatusIssued)
	if err != nil {
		return err
	}
	if exists {
		return fmt.Errorf("credit note for invoice %d: %w", note.OriginalInvoiceID, models.ErrAlreadyExists)
	}

	number, err := nextDocumentNumber(ctx, tx, note.BranchID, "CN_"+note.DocumentType)
	if err != nil {
		return err
	}
	note.DocumentNumber = number

	err = tx.GetContext(ctx, note, `
		INSERT INTO credit_notes
			(original_invoice_id, branch_id, document_type, point_of_sale, document_number,
			 status, reason, net, tax, total)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		RETURNING id, created_at, updated_at`,
		note.OriginalInvoiceID, note.BranchID, note.DocumentType, note.PointOfSale,
		note.DocumentNumber, note.Status, note.Reason, note.Net, note.Tax, note.Total)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("credit note for invoice %d: %w", note.OriginalInvoiceID, models.ErrAlreadyExists)
		}
		return fmt.Errorf("failed to create credit note: %w", err)
	}

	return tx.Commit()
}

// MarkCreditNoteIssued transitions a credit note to ISSUED
func (s *Store) MarkCreditNoteIssued(ctx context.Context, id int64, code string, expiry *time.Time) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE credit_notes
		SET status = $1, authorization_code = $2, authorization_expiry = $3,
		    issued_at = NOW(), error_message = NULL, updated_at = NOW()
		WHERE id = $4 AND status IN ($5, $6)`,
		models.InvoiceStatusIssued, code, expiry, id,
		models.InvoiceStatusPending, models.InvoiceStatusFailed)
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return fmt.Errorf("credit note %d: %w", id, models.ErrInvalidState)
	}
	return nil
}

// MarkCreditNoteRetry records a transient failure on a credit note
func (s *Store) MarkCreditNoteRetry(ctx context.Context, id int64, errMsg string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE credit_notes
		SET status = $1, retry_count = retry_count + 1, error_message = $2, updated_at = NOW()
		WHERE id = $3`,
		models.InvoiceStatusPending, errMsg, id)
	return err
}

// MarkCreditNoteFailed records a terminal failure on a credit note
func (s *Store) MarkCreditNoteFailed(ctx context.Context, id int64, errMsg string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE credit_notes
		SET status = $1, retry_count = retry_count + 1, error_message = $2, updated_at = NOW()
		WHERE id = $3`,
		models.InvoiceStatusFailed, errMsg, id)
	return err
}
