package invoice

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"pos-sync-service/internal/models"
	"pos-sync-service/internal/util"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Store is the persistence surface issuance needs
type Store interface {
	GetSaleByID(ctx context.Context, id int64) (*models.Sale, error)
	GetSaleItems(ctx context.Context, saleID int64) ([]models.SaleItem, error)
	GetCustomerByID(ctx context.Context, id int64) (*models.Customer, error)
	GetProductsByIDs(ctx context.Context, ids []int64) ([]models.Product, error)

	CreateInvoice(ctx context.Context, invoice *models.Invoice) error
	GetInvoice(ctx context.Context, id int64) (*models.Invoice, error)
	GetInvoiceBySale(ctx context.Context, saleID int64, documentType string) (*models.Invoice, error)
	MarkInvoiceIssued(ctx context.Context, id int64, code string, expiry *time.Time, raw []byte) error
	MarkInvoiceRetry(ctx context.Context, id int64, errMsg string) error
	MarkInvoiceFailed(ctx context.Context, id int64, errMsg string) error
	ListRetryablePendingInvoices(ctx context.Context, cutoff time.Time, limit int) ([]models.Invoice, error)
	ListStalePendingInvoices(ctx context.Context, createdBefore time.Time, limit int) ([]models.Invoice, error)
	ListPendingInvoices(ctx context.Context, limit int) ([]models.Invoice, error)

	GetCreditNote(ctx context.Context, id int64) (*models.CreditNote, error)
	CreateCreditNote(ctx context.Context, note *models.CreditNote) error
	MarkCreditNoteIssued(ctx context.Context, id int64, code string, expiry *time.Time) error
	MarkCreditNoteRetry(ctx context.Context, id int64, errMsg string) error
	MarkCreditNoteFailed(ctx context.Context, id int64, errMsg string) error
}

// Publisher publishes issuance lifecycle events
type Publisher interface {
	PublishInvoiceIssued(ctx context.Context, event *models.InvoiceIssuedEvent) error
	PublishInvoiceFailed(ctx context.Context, event *models.InvoiceFailedEvent) error
	PublishCreditNoteIssued(ctx context.Context, event *models.CreditNoteIssuedEvent) error
	PublishInvoiceStale(ctx context.Context, event *models.InvoiceStaleEvent) error
}

// Scheduler schedules delayed retry jobs
type Scheduler interface {
	Enqueue(ctx context.Context, key string, payload []byte, delay time.Duration) (bool, error)
	Backoff(attempt int) time.Duration
}

// Config holds issuance policy knobs
type Config struct {
	PointOfSale            int
	QueueRetryCeiling      int
	ManualRetryCeiling     int
	CreditNoteRetryCeiling int
}

// Issuer drives the invoice state machine against the external authority
type Issuer struct {
	store      Store
	authorizer Authorizer
	scheduler  Scheduler
	publisher  Publisher
	cfg        Config
	logger     *zap.Logger
}

// NewIssuer creates a new invoice issuer
func NewIssuer(store Store, authorizer Authorizer, scheduler Scheduler, publisher Publisher, cfg Config) *Issuer {
	return &Issuer{
		store:      store,
		authorizer: authorizer,
		scheduler:  scheduler,
		publisher:  publisher,
		cfg:        cfg,
		logger:     util.GetLogger(),
	}
}

// RetryJobPayload is the body of a scheduled invoice retry job
type RetryJobPayload struct {
	InvoiceID int64 `json:"invoice_id"`
}

// JobKey returns the dedup key for an invoice's retry job
func JobKey(invoiceID int64) string {
	return fmt.Sprintf("invoice:%d", invoiceID)
}

// DocumentTypeFor maps a buyer tax category to the fiscal document type
func DocumentTypeFor(taxCategory string) string {
	switch taxCategory {
	case models.TaxCategoryRegistered:
		return models.DocumentTypeA
	case models.TaxCategoryMonotax:
		return models.DocumentTypeB
	default:
		return models.DocumentTypeC
	}
}

// GetInvoice returns one invoice by ID
func (i *Issuer) GetInvoice(ctx context.Context, id int64) (*models.Invoice, error) {
	return i.store.GetInvoice(ctx, id)
}

// CreateForSale creates a PENDING invoice for a synced sale, snapshotting the
// buyer's fiscal identity at creation time. Returns the existing invoice when
// one already covers the sale.
func (i *Issuer) CreateForSale(ctx context.Context, saleID int64) (*models.Invoice, error) {
	ctx, span := util.StartSpan(ctx, "Issuer.CreateForSale")
	defer span.End()

	sale, err := i.store.GetSaleByID(ctx, saleID)
	if err != nil {
		return nil, err
	}

	buyerName := "Final Consumer"
	buyerCategory := models.TaxCategoryFinalConsumer
	var buyerTaxID *string
	if sale.CustomerID != nil {
		customer, err := i.store.GetCustomerByID(ctx, *sale.CustomerID)
		if err != nil {
			return nil, fmt.Errorf("failed to load customer for sale %d: %w", saleID, err)
		}
		buyerName = customer.Name
		buyerCategory = customer.TaxCategory
		buyerTaxID = customer.TaxID
	}

	docType := DocumentTypeFor(buyerCategory)

	if existing, err := i.store.GetInvoiceBySale(ctx, saleID, docType); err == nil {
		return existing, nil
	} else if !errors.Is(err, models.ErrNotFound) {
		return nil, err
	}

	invoice := &models.Invoice{
		SaleID:           saleID,
		BranchID:         sale.BranchID,
		DocumentType:     docType,
		PointOfSale:      i.cfg.PointOfSale,
		Status:           models.InvoiceStatusPending,
		BuyerName:        buyerName,
		BuyerTaxID:       buyerTaxID,
		BuyerTaxCategory: buyerCategory,
		Net:              sale.Net,
		Tax:              sale.Tax,
		Total:            sale.Total,
	}

	if err := i.store.CreateInvoice(ctx, invoice); err != nil {
		if errors.Is(err, models.ErrAlreadyExists) {
			return i.store.GetInvoiceBySale(ctx, saleID, docType)
		}
		return nil, err
	}

	i.logger.Info("Created invoice",
		zap.Int64("invoice_id", invoice.ID),
		zap.Int64("sale_id", saleID),
		zap.String("document_type", docType))
	return invoice, nil
}

// Submit attempts one authorization round for a PENDING or FAILED invoice.
// ceiling bounds total attempts; reaching it, or a deterministic rejection,
// moves the invoice to terminal FAILED. An already ISSUED invoice is a no-op.
// Submit never schedules the next attempt itself; that stays with the caller
// so the queue, the sweep and the manual endpoint keep their own policies.
func (i *Issuer) Submit(ctx context.Context, invoiceID int64, ceiling int) (*models.Invoice, error) {
	ctx, span := util.StartSpan(ctx, "Issuer.Submit")
	defer span.End()

	invoice, err := i.store.GetInvoice(ctx, invoiceID)
	if err != nil {
		return nil, err
	}

	switch invoice.Status {
	case models.InvoiceStatusIssued:
		return invoice, nil
	case models.InvoiceStatusPending, models.InvoiceStatusFailed:
	default:
		return nil, fmt.Errorf("invoice %d has status %s: %w", invoiceID, invoice.Status, models.ErrInvalidState)
	}

	authReq, err := i.buildRequest(ctx, invoice)
	if err != nil {
		return nil, err
	}

	result, err := i.authorizer.Authorize(ctx, authReq)
	if err != nil {
		return i.recordFailure(ctx, invoice, ceiling, err)
	}

	if err := i.store.MarkInvoiceIssued(ctx, invoiceID, result.Code, result.Expiry, result.Raw); err != nil {
		if errors.Is(err, models.ErrInvalidState) {
			// Another instance finished first; accept its outcome.
			refreshed, getErr := i.store.GetInvoice(ctx, invoiceID)
			if getErr == nil && refreshed.Status == models.InvoiceStatusIssued {
				return refreshed, nil
			}
		}
		return nil, err
	}

	util.InvoicesIssuedTotal.Inc()

	invoice, err = i.store.GetInvoice(ctx, invoiceID)
	if err != nil {
		return nil, err
	}

	i.logger.Info("Invoice issued",
		zap.Int64("invoice_id", invoice.ID),
		zap.String("authorization_code", result.Code))

	event := &models.InvoiceIssuedEvent{
		BaseEvent: models.BaseEvent{
			EventID:   uuid.New().String(),
			EventType: models.EventTypeInvoiceIssued,
			Timestamp: time.Now(),
		},
		InvoiceID:         invoice.ID,
		SaleID:            invoice.SaleID,
		AuthorizationCode: result.Code,
	}
	if err := i.publisher.PublishInvoiceIssued(ctx, event); err != nil {
		i.logger.Error("Failed to publish InvoiceIssued event",
			zap.Int64("invoice_id", invoice.ID), zap.Error(err))
	}

	return invoice, nil
}

// ScheduleRetry enqueues the delayed retry job for an invoice. attempt drives
// the backoff; the queue's pending-set dedup makes repeat scheduling safe.
func (i *Issuer) ScheduleRetry(ctx context.Context, invoiceID int64, attempt int) error {
	payload, err := json.Marshal(RetryJobPayload{InvoiceID: invoiceID})
	if err != nil {
		return err
	}
	queued, err := i.scheduler.Enqueue(ctx, JobKey(invoiceID), payload, i.scheduler.Backoff(attempt))
	if err != nil {
		return fmt.Errorf("failed to schedule invoice retry: %w", err)
	}
	if queued {
		i.logger.Info("Scheduled invoice retry",
			zap.Int64("invoice_id", invoiceID), zap.Int("attempt", attempt))
	}
	return nil
}

func (i *Issuer) recordFailure(ctx context.Context, invoice *models.Invoice, ceiling int, cause error) (*models.Invoice, error) {
	var authErr *AuthorizationError
	retryable := errors.As(cause, &authErr) && authErr.Retryable

	if retryable && invoice.RetryCount+1 < ceiling {
		if err := i.store.MarkInvoiceRetry(ctx, invoice.ID, cause.Error()); err != nil {
			return nil, err
		}
		util.InvoiceRetriesTotal.Inc()
		i.logger.Warn("Invoice submission failed, will retry",
			zap.Int64("invoice_id", invoice.ID),
			zap.Int("retry_count", invoice.RetryCount+1),
			zap.Error(cause))
	} else {
		if err := i.store.MarkInvoiceFailed(ctx, invoice.ID, cause.Error()); err != nil {
			return nil, err
		}
		reason := "rejected"
		if retryable {
			reason = "retry_ceiling"
		}
		util.InvoicesFailedTotal.WithLabelValues(reason).Inc()
		i.logger.Error("Invoice failed terminally",
			zap.Int64("invoice_id", invoice.ID),
			zap.String("reason", reason),
			zap.Error(cause))

		event := &models.InvoiceFailedEvent{
			BaseEvent: models.BaseEvent{
				EventID:   uuid.New().String(),
				EventType: models.EventTypeInvoiceFailed,
				Timestamp: time.Now(),
			},
			InvoiceID:  invoice.ID,
			SaleID:     invoice.SaleID,
			RetryCount: invoice.RetryCount + 1,
			Reason:     cause.Error(),
		}
		if err := i.publisher.PublishInvoiceFailed(ctx, event); err != nil {
			i.logger.Error("Failed to publish InvoiceFailed event",
				zap.Int64("invoice_id", invoice.ID), zap.Error(err))
		}
	}

	refreshed, err := i.store.GetInvoice(ctx, invoice.ID)
	if err != nil {
		return nil, err
	}
	return refreshed, cause
}

func (i *Issuer) buildRequest(ctx context.Context, invoice *models.Invoice) (*AuthorizationRequest, error) {
	items, err := i.store.GetSaleItems(ctx, invoice.SaleID)
	if err != nil {
		return nil, fmt.Errorf("failed to load sale items: %w", err)
	}

	productIDs := make([]int64, 0, len(items))
	for _, it := range items {
		productIDs = append(productIDs, it.ProductID)
	}
	products, err := i.store.GetProductsByIDs(ctx, productIDs)
	if err != nil {
		return nil, fmt.Errorf("failed to load products: %w", err)
	}
	names := make(map[int64]string, len(products))
	for _, p := range products {
		names[p.ID] = p.Name
	}

	lines := make([]AuthorizationLine, 0, len(items))
	for _, it := range items {
		desc := names[it.ProductID]
		if desc == "" {
			desc = fmt.Sprintf("Product %d", it.ProductID)
		}
		lines = append(lines, AuthorizationLine{
			Description: desc,
			Quantity:    it.Quantity,
			UnitPrice:   it.UnitPrice,
			LineTotal:   it.LineTotal,
		})
	}

	buyerTaxID := ""
	if invoice.BuyerTaxID != nil {
		buyerTaxID = *invoice.BuyerTaxID
	}

	return &AuthorizationRequest{
		DocumentType:     invoice.DocumentType,
		PointOfSale:      invoice.PointOfSale,
		BuyerName:        invoice.BuyerName,
		BuyerTaxID:       buyerTaxID,
		BuyerTaxCategory: invoice.BuyerTaxCategory,
		Lines:            lines,
		Net:              invoice.Net,
		Tax:              invoice.Tax,
		Total:            invoice.Total,
	}, nil
}

// RetryPending submits every retryable PENDING or FAILED invoice up to limit,
// using the manual ceiling. Backing the batch retry endpoint.
func (i *Issuer) RetryPending(ctx context.Context, limit int) (succeeded, failed int, err error) {
	invoices, err := i.store.ListPendingInvoices(ctx, limit)
	if err != nil {
		return 0, 0, err
	}
	for _, inv := range invoices {
		if _, err := i.Submit(ctx, inv.ID, i.cfg.ManualRetryCeiling); err != nil {
			failed++
			continue
		}
		succeeded++
	}
	return succeeded, failed, nil
}
