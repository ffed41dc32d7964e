// Package invoice drives fiscal document issuance against the external tax
// authority: invoices for synced sales, manual and scheduled retries, and
// credit notes referencing issued invoices.
package invoice

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"pos-sync-service/internal/util"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// AuthorizationLine is one line of the document sent for authorization
type AuthorizationLine struct {
	Description string          `json:"description"`
	Quantity    int             `json:"quantity"`
	UnitPrice   decimal.Decimal `json:"unit_price"`
	LineTotal   decimal.Decimal `json:"line_total"`
}

// AuthorizationRequest is the document submitted to the tax authority
type AuthorizationRequest struct {
	DocumentType     string              `json:"document_type"`
	PointOfSale      int                 `json:"point_of_sale"`
	BuyerName        string              `json:"buyer_name"`
	BuyerTaxID       string              `json:"buyer_tax_id,omitempty"`
	BuyerTaxCategory string              `json:"buyer_tax_category"`
	Lines            []AuthorizationLine `json:"lines"`
	Net              decimal.Decimal     `json:"net"`
	Tax              decimal.Decimal     `json:"tax"`
	Total            decimal.Decimal     `json:"total"`
	// Reference identifies the original invoice when authorizing a credit note.
	Reference string `json:"reference,omitempty"`
}

// AuthorizationResult is a successful authorization
type AuthorizationResult struct {
	Code   string
	Expiry *time.Time
	Raw    []byte
}

// AuthorizationError is a rejected or failed authorization attempt.
// Retryable distinguishes transient infrastructure trouble from a
// deterministic rejection of the document itself.
type AuthorizationError struct {
	StatusCode int
	Message    string
	Retryable  bool
}

func (e *AuthorizationError) Error() string {
	return fmt.Sprintf("authorization failed (status %d, retryable %t): %s", e.StatusCode, e.Retryable, e.Message)
}

// Authorizer submits documents to the external tax authority
type Authorizer interface {
	Authorize(ctx context.Context, req *AuthorizationRequest) (*AuthorizationResult, error)
}

// HTTPAuthorizer talks to the authority's HTTP endpoint
type HTTPAuthorizer struct {
	baseURL string
	client  *http.Client
	logger  *zap.Logger
}

// NewHTTPAuthorizer creates an authorizer against the given base URL
func NewHTTPAuthorizer(baseURL string, timeout time.Duration) *HTTPAuthorizer {
	return &HTTPAuthorizer{
		baseURL: baseURL,
		client:  &http.Client{Timeout: timeout},
		logger:  util.GetLogger(),
	}
}

type authorityResponse struct {
	Success           bool   `json:"success"`
	AuthorizationCode string `json:"authorization_code"`
	Expiry            string `json:"expiry"`
	Error             string `json:"error"`
	Retryable         bool   `json:"retryable"`
}

// Authorize submits one document. Network errors, timeouts, 5xx and 429
// responses are retryable; any other rejection is final.
func (a *HTTPAuthorizer) Authorize(ctx context.Context, req *AuthorizationRequest) (*AuthorizationResult, error) {
	ctx, span := util.StartSpan(ctx, "HTTPAuthorizer.Authorize")
	defer span.End()

	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal authorization request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, a.baseURL+"/authorize", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to build authorization request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	start := time.Now()
	resp, err := a.client.Do(httpReq)
	util.AuthorizationLatency.Observe(time.Since(start).Seconds())
	if err != nil {
		return nil, &AuthorizationError{Message: err.Error(), Retryable: true}
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &AuthorizationError{StatusCode: resp.StatusCode, Message: err.Error(), Retryable: true}
	}

	if resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests {
		return nil, &AuthorizationError{
			StatusCode: resp.StatusCode,
			Message:    truncate(string(raw), 500),
			Retryable:  true,
		}
	}

	var parsed authorityResponse
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return nil, &AuthorizationError{
			StatusCode: resp.StatusCode,
			Message:    fmt.Sprintf("unparseable authority response: %v", err),
			Retryable:  true,
		}
	}

	if resp.StatusCode != http.StatusOK || !parsed.Success {
		msg := parsed.Error
		if msg == "" {
			msg = fmt.Sprintf("authority returned status %d", resp.StatusCode)
		}
		return nil, &AuthorizationError{
			StatusCode: resp.StatusCode,
			Message:    msg,
			Retryable:  parsed.Retryable,
		}
	}

	result := &AuthorizationResult{Code: parsed.AuthorizationCode, Raw: raw}
	if parsed.Expiry != "" {
		expiry, err := time.Parse(time.RFC3339, parsed.Expiry)
		if err != nil {
			a.logger.Warn("Authority returned unparseable expiry",
				zap.String("expiry", parsed.Expiry), zap.Error(err))
		} else {
			result.Expiry = &expiry
		}
	}

	if result.Code == "" {
		return nil, &AuthorizationError{
			StatusCode: resp.StatusCode,
			Message:    "authority accepted without an authorization code",
			Retryable:  true,
		}
	}

	return result, nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
