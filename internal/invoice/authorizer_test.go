package invoice

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testAuthRequest() *AuthorizationRequest {
	return &AuthorizationRequest{
		DocumentType:     "B",
		PointOfSale:      3,
		BuyerName:        "Final Consumer",
		BuyerTaxCategory: "FINAL_CONSUMER",
		Net:              decimal.RequireFromString("100.00"),
		Tax:              decimal.RequireFromString("21.00"),
		Total:            decimal.RequireFromString("121.00"),
	}
}

func TestAuthorizeSuccess(t *testing.T) {
	expiry := time.Now().Add(10 * 24 * time.Hour).UTC().Truncate(time.Second)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/authorize", r.URL.Path)

		var req AuthorizationRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "B", req.DocumentType)

		json.NewEncoder(w).Encode(map[string]interface{}{
			"success":            true,
			"authorization_code": "CAE-789",
			"expiry":             expiry.Format(time.RFC3339),
		})
	}))
	defer srv.Close()

	a := NewHTTPAuthorizer(srv.URL, 5*time.Second)
	result, err := a.Authorize(context.Background(), testAuthRequest())
	require.NoError(t, err)

	assert.Equal(t, "CAE-789", result.Code)
	require.NotNil(t, result.Expiry)
	assert.True(t, expiry.Equal(*result.Expiry))
	assert.NotEmpty(t, result.Raw)
}

func TestAuthorizeServerErrorIsRetryable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "internal error", http.StatusInternalServerError)
	}))
	defer srv.Close()

	a := NewHTTPAuthorizer(srv.URL, 5*time.Second)
	_, err := a.Authorize(context.Background(), testAuthRequest())
	require.Error(t, err)

	var authErr *AuthorizationError
	require.ErrorAs(t, err, &authErr)
	assert.True(t, authErr.Retryable)
	assert.Equal(t, http.StatusInternalServerError, authErr.StatusCode)
}

func TestAuthorizeRateLimitIsRetryable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer srv.Close()

	a := NewHTTPAuthorizer(srv.URL, 5*time.Second)
	_, err := a.Authorize(context.Background(), testAuthRequest())

	var authErr *AuthorizationError
	require.ErrorAs(t, err, &authErr)
	assert.True(t, authErr.Retryable)
}

func TestAuthorizeRejectionIsNotRetryable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		json.NewEncoder(w).Encode(map[string]interface{}{
			"success":   false,
			"error":     "invalid buyer tax id",
			"retryable": false,
		})
	}))
	defer srv.Close()

	a := NewHTTPAuthorizer(srv.URL, 5*time.Second)
	_, err := a.Authorize(context.Background(), testAuthRequest())

	var authErr *AuthorizationError
	require.ErrorAs(t, err, &authErr)
	assert.False(t, authErr.Retryable)
	assert.Contains(t, authErr.Message, "invalid buyer tax id")
}

func TestAuthorizeConnectionFailureIsRetryable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	srv.Close() // refuse connections

	a := NewHTTPAuthorizer(srv.URL, time.Second)
	_, err := a.Authorize(context.Background(), testAuthRequest())

	var authErr *AuthorizationError
	require.ErrorAs(t, err, &authErr)
	assert.True(t, authErr.Retryable)
}

func TestAuthorizeUnparseableResponseIsRetryable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("<html>gateway error</html>"))
	}))
	defer srv.Close()

	a := NewHTTPAuthorizer(srv.URL, 5*time.Second)
	_, err := a.Authorize(context.Background(), testAuthRequest())

	var authErr *AuthorizationError
	require.ErrorAs(t, err, &authErr)
	assert.True(t, authErr.Retryable)
}

func TestAuthorizeSuccessWithoutCodeIsRetryable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]interface{}{"success": true})
	}))
	defer srv.Close()

	a := NewHTTPAuthorizer(srv.URL, 5*time.Second)
	_, err := a.Authorize(context.Background(), testAuthRequest())

	var authErr *AuthorizationError
	require.ErrorAs(t, err, &authErr)
	assert.True(t, authErr.Retryable)
}
