package invoice

import (
	"context"
	"errors"
	"fmt"
	"time"

	"pos-sync-service/internal/models"
	"pos-sync-service/internal/util"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// CreditLine is one line of a partial credit note request
type CreditLine struct {
	Description string          `json:"description" binding:"required"`
	Quantity    int             `json:"quantity" binding:"required,min=1"`
	UnitPrice   decimal.Decimal `json:"unit_price" binding:"required"`
}

// CreateCreditNote creates a credit note against an issued invoice and
// submits it in the background. Omitting lines reverses the full invoice;
// lines describe a partial return. A second call for the same invoice returns
// ErrAlreadyExists while one is PENDING or ISSUED.
func (i *Issuer) CreateCreditNote(ctx context.Context, originalInvoiceID int64, reason string, lines []CreditLine) (*models.CreditNote, error) {
	ctx, span := util.StartSpan(ctx, "Issuer.CreateCreditNote")
	defer span.End()

	original, err := i.store.GetInvoice(ctx, originalInvoiceID)
	if err != nil {
		return nil, err
	}
	if original.Status != models.InvoiceStatusIssued || original.AuthorizationCode == nil {
		return nil, fmt.Errorf("invoice %d is not issued: %w", originalInvoiceID, models.ErrInvalidState)
	}

	net, tax, total, err := creditAmounts(original, lines)
	if err != nil {
		return nil, err
	}

	note := &models.CreditNote{
		OriginalInvoiceID: originalInvoiceID,
		BranchID:          original.BranchID,
		DocumentType:      original.DocumentType,
		PointOfSale:       original.PointOfSale,
		Status:            models.InvoiceStatusPending,
		Reason:            reason,
		Net:               net,
		Tax:               tax,
		Total:             total,
	}

	if err := i.store.CreateCreditNote(ctx, note); err != nil {
		return nil, err
	}

	i.logger.Info("Created credit note",
		zap.Int64("credit_note_id", note.ID),
		zap.Int64("original_invoice_id", originalInvoiceID),
		zap.String("total", total.String()))

	go i.submitCreditNoteWithRetries(context.WithoutCancel(ctx), note.ID, lines)

	return note, nil
}

// creditAmounts computes the reversal amounts. A full credit mirrors the
// original; a partial credit sums its lines (tax inclusive) and derives the
// tax share from the original's effective rate. The credit never exceeds the
// original total.
func creditAmounts(original *models.Invoice, lines []CreditLine) (net, tax, total decimal.Decimal, err error) {
	if len(lines) == 0 {
		return original.Net, original.Tax, original.Total, nil
	}

	total = decimal.Zero
	for _, l := range lines {
		total = total.Add(l.UnitPrice.Mul(decimal.NewFromInt(int64(l.Quantity))))
	}
	if total.LessThanOrEqual(decimal.Zero) {
		return net, tax, total, fmt.Errorf("credit amount must be positive: %w", models.ErrInvalidArgument)
	}
	if total.GreaterThan(original.Total) {
		return net, tax, total, fmt.Errorf("credit %s exceeds invoice total %s: %w",
			total.String(), original.Total.String(), models.ErrInvalidArgument)
	}

	if original.Net.IsZero() {
		return total, decimal.Zero, total, nil
	}
	rate := original.Tax.Div(original.Net)
	net = total.Div(decimal.NewFromInt(1).Add(rate)).Round(2)
	tax = total.Sub(net)
	return net, tax, total, nil
}

// SubmitCreditNote attempts one authorization round for a PENDING or FAILED
// credit note. Same state machine as invoices, but retries run in-process
// with no scheduled queue behind them.
func (i *Issuer) SubmitCreditNote(ctx context.Context, noteID int64, lines []CreditLine) (*models.CreditNote, error) {
	ctx, span := util.StartSpan(ctx, "Issuer.SubmitCreditNote")
	defer span.End()

	note, err := i.store.GetCreditNote(ctx, noteID)
	if err != nil {
		return nil, err
	}

	switch note.Status {
	case models.InvoiceStatusIssued:
		return note, nil
	case models.InvoiceStatusPending, models.InvoiceStatusFailed:
	default:
		return nil, fmt.Errorf("credit note %d has status %s: %w", noteID, note.Status, models.ErrInvalidState)
	}

	original, err := i.store.GetInvoice(ctx, note.OriginalInvoiceID)
	if err != nil {
		return nil, err
	}

	authReq := i.buildCreditRequest(note, original, lines)

	result, err := i.authorizer.Authorize(ctx, authReq)
	if err != nil {
		return i.recordCreditNoteFailure(ctx, note, err)
	}

	if err := i.store.MarkCreditNoteIssued(ctx, noteID, result.Code, result.Expiry); err != nil {
		if errors.Is(err, models.ErrInvalidState) {
			refreshed, getErr := i.store.GetCreditNote(ctx, noteID)
			if getErr == nil && refreshed.Status == models.InvoiceStatusIssued {
				return refreshed, nil
			}
		}
		return nil, err
	}

	util.CreditNotesIssuedTotal.Inc()

	note, err = i.store.GetCreditNote(ctx, noteID)
	if err != nil {
		return nil, err
	}

	i.logger.Info("Credit note issued",
		zap.Int64("credit_note_id", note.ID),
		zap.String("authorization_code", result.Code))

	event := &models.CreditNoteIssuedEvent{
		BaseEvent: models.BaseEvent{
			EventID:   uuid.New().String(),
			EventType: models.EventTypeCreditNoteIssued,
			Timestamp: time.Now(),
		},
		CreditNoteID:      note.ID,
		OriginalInvoiceID: note.OriginalInvoiceID,
		AuthorizationCode: result.Code,
	}
	if err := i.publisher.PublishCreditNoteIssued(ctx, event); err != nil {
		i.logger.Error("Failed to publish CreditNoteIssued event",
			zap.Int64("credit_note_id", note.ID), zap.Error(err))
	}

	return note, nil
}

func (i *Issuer) recordCreditNoteFailure(ctx context.Context, note *models.CreditNote, cause error) (*models.CreditNote, error) {
	var authErr *AuthorizationError
	retryable := errors.As(cause, &authErr) && authErr.Retryable

	if retryable && note.RetryCount+1 < i.cfg.CreditNoteRetryCeiling {
		if err := i.store.MarkCreditNoteRetry(ctx, note.ID, cause.Error()); err != nil {
			return nil, err
		}
		i.logger.Warn("Credit note submission failed, will retry",
			zap.Int64("credit_note_id", note.ID),
			zap.Int("retry_count", note.RetryCount+1),
			zap.Error(cause))
	} else {
		if err := i.store.MarkCreditNoteFailed(ctx, note.ID, cause.Error()); err != nil {
			return nil, err
		}
		i.logger.Error("Credit note failed terminally",
			zap.Int64("credit_note_id", note.ID),
			zap.Error(cause))
	}

	refreshed, err := i.store.GetCreditNote(ctx, note.ID)
	if err != nil {
		return nil, err
	}
	return refreshed, cause
}

// submitCreditNoteWithRetries drives the in-process attempt loop after
// creation. Each round re-reads status, so an attempt finished elsewhere
// ends the loop.
func (i *Issuer) submitCreditNoteWithRetries(ctx context.Context, noteID int64, lines []CreditLine) {
	for attempt := 1; attempt <= i.cfg.CreditNoteRetryCeiling; attempt++ {
		note, err := i.SubmitCreditNote(ctx, noteID, lines)
		if err == nil {
			return
		}
		if note != nil && note.Status != models.InvoiceStatusPending {
			return
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(i.scheduler.Backoff(attempt)):
		}
	}
}

func (i *Issuer) buildCreditRequest(note *models.CreditNote, original *models.Invoice, lines []CreditLine) *AuthorizationRequest {
	authLines := make([]AuthorizationLine, 0, len(lines))
	for _, l := range lines {
		authLines = append(authLines, AuthorizationLine{
			Description: l.Description,
			Quantity:    l.Quantity,
			UnitPrice:   l.UnitPrice,
			LineTotal:   l.UnitPrice.Mul(decimal.NewFromInt(int64(l.Quantity))),
		})
	}
	if len(authLines) == 0 {
		authLines = append(authLines, AuthorizationLine{
			Description: fmt.Sprintf("Credit for invoice %d", note.OriginalInvoiceID),
			Quantity:    1,
			UnitPrice:   note.Total,
			LineTotal:   note.Total,
		})
	}

	buyerTaxID := ""
	if original.BuyerTaxID != nil {
		buyerTaxID = *original.BuyerTaxID
	}

	reference := ""
	if original.AuthorizationCode != nil {
		reference = *original.AuthorizationCode
	}

	return &AuthorizationRequest{
		DocumentType:     note.DocumentType,
		PointOfSale:      note.PointOfSale,
		BuyerName:        original.BuyerName,
		BuyerTaxID:       buyerTaxID,
		BuyerTaxCategory: original.BuyerTaxCategory,
		Lines:            authLines,
		Net:              note.Net,
		Tax:              note.Tax,
		Total:            note.Total,
		Reference:        reference,
	}
}
