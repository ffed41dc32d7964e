package invoice

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"pos-sync-service/internal/models"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func issuedInvoice(t *testing.T, f *fakeInvoiceStore, issuer *Issuer) *models.Invoice {
	t.Helper()
	sale := seedSale(f, nil)
	inv, err := issuer.CreateForSale(context.Background(), sale.ID)
	require.NoError(t, err)
	issued, err := issuer.Submit(context.Background(), inv.ID, 5)
	require.NoError(t, err)
	require.Equal(t, models.InvoiceStatusIssued, issued.Status)
	return issued
}

func waitForNoteStatus(t *testing.T, f *fakeInvoiceStore, noteID int64, status string) *models.CreditNote {
	t.Helper()
	var note *models.CreditNote
	require.Eventually(t, func() bool {
		n, err := f.GetCreditNote(context.Background(), noteID)
		if err != nil {
			return false
		}
		note = n
		return n.Status == status
	}, 2*time.Second, 5*time.Millisecond)
	return note
}

func TestCreateCreditNoteFullReversal(t *testing.T) {
	f := newFakeInvoiceStore()
	auth := &fakeAuthorizer{responses: []authResponse{authOK("CAE-INV"), authOK("CAE-CN")}}
	issuer := NewIssuer(f, auth, newFakeScheduler(), &fakeIssuePublisher{}, testConfig())

	original := issuedInvoice(t, f, issuer)

	note, err := issuer.CreateCreditNote(context.Background(), original.ID, "customer return", nil)
	require.NoError(t, err)

	assert.Equal(t, original.DocumentType, note.DocumentType)
	assert.Equal(t, original.PointOfSale, note.PointOfSale)
	assert.True(t, note.Net.Equal(original.Net))
	assert.True(t, note.Tax.Equal(original.Tax))
	assert.True(t, note.Total.Equal(original.Total))
	assert.NotZero(t, note.DocumentNumber)

	issued := waitForNoteStatus(t, f, note.ID, models.InvoiceStatusIssued)
	require.NotNil(t, issued.AuthorizationCode)
	assert.Equal(t, "CAE-CN", *issued.AuthorizationCode)
}

func TestCreateCreditNotePartialDerivesTax(t *testing.T) {
	f := newFakeInvoiceStore()
	auth := &fakeAuthorizer{responses: []authResponse{authOK("CAE-INV"), authOK("CAE-CN")}}
	issuer := NewIssuer(f, auth, newFakeScheduler(), &fakeIssuePublisher{}, testConfig())

	original := issuedInvoice(t, f, issuer)

	// Original is 200 net + 42 tax (21%). Crediting one unit at 121.00
	// should split into 100.00 + 21.00.
	note, err := issuer.CreateCreditNote(context.Background(), original.ID, "partial return", []CreditLine{
		{Description: "Yerba 1kg", Quantity: 1, UnitPrice: decimal.RequireFromString("121.00")},
	})
	require.NoError(t, err)

	assert.True(t, note.Total.Equal(decimal.RequireFromString("121.00")), "total=%s", note.Total)
	assert.True(t, note.Net.Equal(decimal.RequireFromString("100.00")), "net=%s", note.Net)
	assert.True(t, note.Tax.Equal(decimal.RequireFromString("21.00")), "tax=%s", note.Tax)

	waitForNoteStatus(t, f, note.ID, models.InvoiceStatusIssued)
}

func TestCreateCreditNoteRejectsExcessAmount(t *testing.T) {
	f := newFakeInvoiceStore()
	auth := &fakeAuthorizer{responses: []authResponse{authOK("CAE-INV")}}
	issuer := NewIssuer(f, auth, newFakeScheduler(), &fakeIssuePublisher{}, testConfig())

	original := issuedInvoice(t, f, issuer)

	_, err := issuer.CreateCreditNote(context.Background(), original.ID, "too much", []CreditLine{
		{Description: "Yerba 1kg", Quantity: 10, UnitPrice: decimal.RequireFromString("121.00")},
	})
	assert.ErrorIs(t, err, models.ErrInvalidArgument)
}

func TestCreateCreditNoteRejectsUnissuedInvoice(t *testing.T) {
	f := newFakeInvoiceStore()
	sale := seedSale(f, nil)
	issuer := NewIssuer(f, &fakeAuthorizer{responses: []authResponse{authTransient()}},
		newFakeScheduler(), &fakeIssuePublisher{}, testConfig())

	inv, err := issuer.CreateForSale(context.Background(), sale.ID)
	require.NoError(t, err)

	_, err = issuer.CreateCreditNote(context.Background(), inv.ID, "return", nil)
	assert.ErrorIs(t, err, models.ErrInvalidState)
}

func TestCreateCreditNoteDuplicateRejected(t *testing.T) {
	f := newFakeInvoiceStore()
	auth := &fakeAuthorizer{responses: []authResponse{authOK("CAE-INV"), authOK("CAE-CN")}}
	issuer := NewIssuer(f, auth, newFakeScheduler(), &fakeIssuePublisher{}, testConfig())

	original := issuedInvoice(t, f, issuer)

	note, err := issuer.CreateCreditNote(context.Background(), original.ID, "return", nil)
	require.NoError(t, err)
	waitForNoteStatus(t, f, note.ID, models.InvoiceStatusIssued)

	_, err = issuer.CreateCreditNote(context.Background(), original.ID, "return again", nil)
	assert.ErrorIs(t, err, models.ErrAlreadyExists)
}

func TestCreateCreditNoteConcurrentSingleWinner(t *testing.T) {
	f := newFakeInvoiceStore()
	auth := &fakeAuthorizer{responses: []authResponse{authOK("CAE-INV"), authOK("CAE-CN")}}
	issuer := NewIssuer(f, auth, newFakeScheduler(), &fakeIssuePublisher{}, testConfig())

	original := issuedInvoice(t, f, issuer)

	const callers = 8
	var wg sync.WaitGroup
	results := make(chan error, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := issuer.CreateCreditNote(context.Background(), original.ID, "customer return", nil)
			results <- err
		}()
	}
	wg.Wait()
	close(results)

	var succeeded, rejected int
	for err := range results {
		switch {
		case err == nil:
			succeeded++
		case errors.Is(err, models.ErrAlreadyExists):
			rejected++
		default:
			t.Fatalf("unexpected error: %v", err)
		}
	}

	assert.Equal(t, 1, succeeded, "exactly one caller wins")
	assert.Equal(t, callers-1, rejected)

	f.mu.Lock()
	noteCount := len(f.notes)
	f.mu.Unlock()
	assert.Equal(t, 1, noteCount)
}

func TestSubmitCreditNoteTerminalAfterCeiling(t *testing.T) {
	f := newFakeInvoiceStore()
	// Invoice issues fine, every credit note attempt hits a transient failure.
	auth := &fakeAuthorizer{responses: []authResponse{authOK("CAE-INV"), authTransient()}}
	pub := &fakeIssuePublisher{}
	issuer := NewIssuer(f, auth, newFakeScheduler(), pub, testConfig())

	original := issuedInvoice(t, f, issuer)

	note, err := issuer.CreateCreditNote(context.Background(), original.ID, "return", nil)
	require.NoError(t, err)

	failed := waitForNoteStatus(t, f, note.ID, models.InvoiceStatusFailed)
	assert.Equal(t, testConfig().CreditNoteRetryCeiling, failed.RetryCount)
	assert.Empty(t, pub.creditNote)
}

func TestCreditNoteMirrorsDocumentType(t *testing.T) {
	f := newFakeInvoiceStore()
	taxID := "30-22222222-7"
	f.customers[10] = &models.Customer{ID: 10, Name: "Mayorista Centro SRL",
		TaxID: &taxID, TaxCategory: models.TaxCategoryRegistered}
	customerID := int64(10)
	sale := seedSale(f, &customerID)

	auth := &fakeAuthorizer{responses: []authResponse{authOK("CAE-A"), authOK("CAE-CN-A")}}
	issuer := NewIssuer(f, auth, newFakeScheduler(), &fakeIssuePublisher{}, testConfig())

	inv, err := issuer.CreateForSale(context.Background(), sale.ID)
	require.NoError(t, err)
	issued, err := issuer.Submit(context.Background(), inv.ID, 5)
	require.NoError(t, err)
	require.Equal(t, models.DocumentTypeA, issued.DocumentType)

	note, err := issuer.CreateCreditNote(context.Background(), issued.ID, "return", nil)
	require.NoError(t, err)
	assert.Equal(t, models.DocumentTypeA, note.DocumentType)
}
