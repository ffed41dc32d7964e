// Package api exposes the HTTP surface: sync push/pull for registers,
// conflict resolution and invoice operations for the back office.
package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"pos-sync-service/config"
	"pos-sync-service/internal/ingest"
	"pos-sync-service/internal/invoice"
	"pos-sync-service/internal/models"
	"pos-sync-service/internal/store"
	"pos-sync-service/internal/util"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// Handler holds HTTP handlers and their dependencies
type Handler struct {
	store     *store.Store
	processor *ingest.Processor
	resolver  *ingest.Resolver
	issuer    *invoice.Issuer
	cfg       *config.Config
	logger    *zap.Logger
}

// NewHandler creates a new API handler
func NewHandler(st *store.Store, processor *ingest.Processor, resolver *ingest.Resolver, issuer *invoice.Issuer, cfg *config.Config) *Handler {
	return &Handler{
		store:     st,
		processor: processor,
		resolver:  resolver,
		issuer:    issuer,
		cfg:       cfg,
		logger:    util.GetLogger(),
	}
}

// SetupRoutes registers all routes
func (h *Handler) SetupRoutes(router *gin.Engine) {
	router.Use(prometheusMiddleware())

	router.GET("/health", h.health)
	router.GET("/ready", h.ready)
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	v1 := router.Group("/api/v1")
	{
		v1.POST("/sync/push", h.pushSync)
		v1.GET("/sync/pull", h.pullChanges)
		v1.GET("/products/:id", h.getProduct)
		v1.GET("/stock", h.getStock)
		v1.GET("/sync/queue/:id", h.getSyncQueueItem)
		v1.POST("/sync/queue/:id/resolve", h.resolveConflict)

		v1.GET("/invoices/:id", h.getInvoice)
		v1.POST("/invoices/:id/retry", h.retryInvoice)
		v1.POST("/invoices/retry-pending", h.retryPendingInvoices)
		v1.POST("/invoices/:id/credit-notes", h.createCreditNote)
	}
}

func prometheusMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		path := c.FullPath()
		if path == "" {
			path = "unmatched"
		}
		status := strconv.Itoa(c.Writer.Status())

		util.HTTPRequestDuration.WithLabelValues(c.Request.Method, path, status).Observe(time.Since(start).Seconds())
		util.HTTPRequestsTotal.WithLabelValues(c.Request.Method, path, status).Inc()
	}
}

// pushSync ingests one offline batch from a register, then replays any
// requeued conflict items for the same branch so resolved conflicts land in
// the same round trip
func (h *Handler) pushSync(c *gin.Context) {
	var req ingest.PushRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	result, err := h.processor.Process(c.Request.Context(), &req)
	if err != nil {
		h.logger.Error("Sync push failed", zap.Int64("branch_id", req.BranchID), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to process batch"})
		return
	}

	if _, err := h.processor.ReapplyPending(c.Request.Context(), req.BranchID, h.cfg.Sync.ReplayLimit); err != nil {
		h.logger.Error("Post-push replay failed", zap.Int64("branch_id", req.BranchID), zap.Error(err))
	}

	c.JSON(http.StatusOK, result)
}

// pullChanges returns catalog rows changed since the given timestamp so
// registers can refresh their local copies
func (h *Handler) pullChanges(c *gin.Context) {
	branchID, err := strconv.ParseInt(c.Query("branch_id"), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "branch_id is required"})
		return
	}

	since := time.Time{}
	if raw := c.Query("last_sync_at"); raw != "" {
		parsed, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "last_sync_at must be RFC3339"})
			return
		}
		since = parsed
	}

	products, err := h.store.ListProductsUpdatedSince(c.Request.Context(), since)
	if err != nil {
		h.logger.Error("Failed to list products", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load changes"})
		return
	}

	customers, err := h.store.ListCustomersUpdatedSince(c.Request.Context(), since)
	if err != nil {
		h.logger.Error("Failed to list customers", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load changes"})
		return
	}

	stock, err := h.store.ListStockUpdatedSince(c.Request.Context(), branchID, since)
	if err != nil {
		h.logger.Error("Failed to list stock", zap.Int64("branch_id", branchID), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load changes"})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"products":  products,
		"customers": customers,
		"stock":     stock,
		"watermark": time.Now().UTC(),
	})
}

func (h *Handler) getProduct(c *gin.Context) {
	id, ok := pathID(c)
	if !ok {
		return
	}
	product, err := h.store.GetProductByID(c.Request.Context(), id)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, product)
}

func (h *Handler) getStock(c *gin.Context) {
	branchID, err := strconv.ParseInt(c.Query("branch_id"), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "branch_id is required"})
		return
	}
	productID, err := strconv.ParseInt(c.Query("product_id"), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "product_id is required"})
		return
	}

	stock, err := h.store.GetStock(c.Request.Context(), branchID, productID)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, stock)
}

func (h *Handler) getSyncQueueItem(c *gin.Context) {
	id, ok := pathID(c)
	if !ok {
		return
	}
	item, err := h.store.GetSyncQueueItem(c.Request.Context(), id)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, item)
}

type resolveRequest struct {
	Resolution string          `json:"resolution" binding:"required"`
	MergedData json.RawMessage `json:"merged_data"`
}

// resolveConflict applies an operator decision to a conflicted queue item
func (h *Handler) resolveConflict(c *gin.Context) {
	id, ok := pathID(c)
	if !ok {
		return
	}

	var req resolveRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	item, err := h.resolver.Resolve(c.Request.Context(), id, req.Resolution, req.MergedData)
	if err != nil {
		h.respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, item)
}

func (h *Handler) getInvoice(c *gin.Context) {
	id, ok := pathID(c)
	if !ok {
		return
	}
	inv, err := h.issuer.GetInvoice(c.Request.Context(), id)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, inv)
}

// retryInvoice forces one immediate submission attempt with the manual
// ceiling. A transient authority failure reports 502 alongside the invoice's
// updated state; a deterministic rejection reports 422.
func (h *Handler) retryInvoice(c *gin.Context) {
	id, ok := pathID(c)
	if !ok {
		return
	}

	inv, err := h.issuer.Submit(c.Request.Context(), id, h.cfg.Issuance.ManualRetryCeiling)
	if err != nil {
		var authErr *invoice.AuthorizationError
		if errors.As(err, &authErr) {
			status := http.StatusUnprocessableEntity
			if authErr.Retryable {
				status = http.StatusBadGateway
			}
			c.JSON(status, gin.H{"error": authErr.Message, "invoice": inv})
			return
		}
		h.respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, inv)
}

type retryPendingRequest struct {
	Limit int `json:"limit"`
}

const maxBatchRetry = 50

// retryPendingInvoices retries all pending invoices up to a bounded batch
func (h *Handler) retryPendingInvoices(c *gin.Context) {
	req := retryPendingRequest{Limit: maxBatchRetry}
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
	}
	if req.Limit <= 0 || req.Limit > maxBatchRetry {
		req.Limit = maxBatchRetry
	}

	succeeded, failed, err := h.issuer.RetryPending(c.Request.Context(), req.Limit)
	if err != nil {
		h.respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"attempted": succeeded + failed,
		"succeeded": succeeded,
		"failed":    failed,
	})
}

type creditNoteRequest struct {
	Reason string               `json:"reason" binding:"required"`
	Lines  []invoice.CreditLine `json:"lines" binding:"omitempty,dive"`
}

// createCreditNote creates and submits a credit note against an issued invoice
func (h *Handler) createCreditNote(c *gin.Context) {
	id, ok := pathID(c)
	if !ok {
		return
	}

	var req creditNoteRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	note, err := h.issuer.CreateCreditNote(c.Request.Context(), id, req.Reason, req.Lines)
	if err != nil {
		h.respondError(c, err)
		return
	}

	c.JSON(http.StatusCreated, note)
}

func (h *Handler) health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (h *Handler) ready(c *gin.Context) {
	if err := h.store.GetDB().PingContext(c.Request.Context()); err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unavailable", "error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ready"})
}

func pathID(c *gin.Context) (int64, bool) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid id"})
		return 0, false
	}
	return id, true
}

func (h *Handler) respondError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, models.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
	case errors.Is(err, models.ErrInvalidArgument):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	case errors.Is(err, models.ErrAlreadyExists):
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
	case errors.Is(err, models.ErrInvalidState):
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
	case errors.Is(err, models.ErrInsufficientStock), errors.Is(err, models.ErrUnknownReference):
		c.JSON(http.StatusUnprocessableEntity, gin.H{"error": err.Error()})
	default:
		h.logger.Error("Unhandled API error", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
	}
}
