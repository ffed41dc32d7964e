package util

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	SyncBatchesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "sync_batches_total",
		Help: "Total number of sync batches processed",
	})

	SyncItemsProcessedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "sync_items_processed_total",
		Help: "Total number of sync items processed, by outcome",
	}, []string{"outcome"})

	SyncConflictsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "sync_conflicts_total",
		Help: "Total number of sync conflicts, by type",
	}, []string{"type"})

	SyncAlertsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "sync_alerts_total",
		Help: "Total number of sync batches that exceeded alert thresholds",
	})

	ConflictResolutionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "conflict_resolutions_total",
		Help: "Total number of conflict resolutions, by strategy",
	}, []string{"resolution"})

	InvoicesIssuedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "invoices_issued_total",
		Help: "Total number of invoices authorized by the external authority",
	})

	InvoiceRetriesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "invoice_retries_total",
		Help: "Total number of transient invoice submission failures",
	})

	InvoicesFailedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "invoices_failed_total",
		Help: "Total number of invoices that reached terminal FAILED",
	}, []string{"reason"})

	InvoicesStaleTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "invoices_stale_total",
		Help: "Total number of stale PENDING invoices flagged for operators",
	})

	CreditNotesIssuedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "credit_notes_issued_total",
		Help: "Total number of credit notes authorized",
	})

	AuthorizationLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "authorization_latency_seconds",
		Help:    "Latency of external authorization calls",
		Buckets: prometheus.DefBuckets,
	})

	JobsEnqueuedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "jobs_enqueued_total",
		Help: "Total number of jobs enqueued, by queue",
	}, []string{"queue"})

	JobsDeadLetteredTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "jobs_dead_lettered_total",
		Help: "Total number of jobs moved to the dead-letter state, by queue",
	}, []string{"queue"})

	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "http_request_duration_seconds",
		Help:    "HTTP request latency",
		Buckets: prometheus.DefBuckets,
	}, []string{"method", "path", "status"})

	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "http_requests_total",
		Help: "Total number of HTTP requests",
	}, []string{"method", "path", "status"})
)
