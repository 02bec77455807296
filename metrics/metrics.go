// Package metrics defines the Prometheus collectors for the anchoring
// pipeline. The registry created here is the single process-wide metrics
// surface; the HTTP server exposes it at /metrics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

// Metrics bundles the pipeline collectors with their registry.
type Metrics struct {
	Registry *prometheus.Registry

	// InvoicesUploaded counts successful IPFS pins of invoices.
	InvoicesUploaded prometheus.Counter
	// UploadFailures counts invoices routed to ipfs_failed.
	UploadFailures prometheus.Counter
	// BatchesCreated counts batches that reached ready_to_send.
	BatchesCreated prometheus.Counter
	// BatchesAnchored counts anchor transactions sent.
	BatchesAnchored prometheus.Counter
	// BatchesConfirmed counts batches confirmed on-chain.
	BatchesConfirmed prometheus.Counter
	// BatchesFailed counts batches routed to blockchain_failed.
	BatchesFailed prometheus.Counter
	// JobRuns counts job executions by job name and outcome (ok/error).
	JobRuns *prometheus.CounterVec
	// JobDuration observes job execution time by job name.
	JobDuration *prometheus.HistogramVec
}

// New creates the collectors on a fresh registry along with the standard Go
// runtime and process collectors.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	m := &Metrics{
		Registry: reg,
		InvoicesUploaded: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "invanchor_invoices_uploaded_total",
			Help: "Invoices successfully pinned to IPFS.",
		}),
		UploadFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "invanchor_invoice_upload_failures_total",
			Help: "Invoices routed to the terminal ipfs_failed status.",
		}),
		BatchesCreated: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "invanchor_batches_created_total",
			Help: "Invoice batches that reached ready_to_send.",
		}),
		BatchesAnchored: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "invanchor_batches_anchored_total",
			Help: "Anchor transactions sent to the chain.",
		}),
		BatchesConfirmed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "invanchor_batches_confirmed_total",
			Help: "Batches with a confirmed anchor transaction.",
		}),
		BatchesFailed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "invanchor_batches_failed_total",
			Help: "Batches routed to blockchain_failed.",
		}),
		JobRuns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "invanchor_job_runs_total",
			Help: "Job executions by job name and outcome.",
		}, []string{"job", "outcome"}),
		JobDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "invanchor_job_duration_seconds",
			Help:    "Job execution time by job name.",
			Buckets: prometheus.ExponentialBuckets(0.01, 4, 8),
		}, []string{"job"}),
	}
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.InvoicesUploaded, m.UploadFailures,
		m.BatchesCreated, m.BatchesAnchored, m.BatchesConfirmed, m.BatchesFailed,
		m.JobRuns, m.JobDuration,
	)
	return m
}
