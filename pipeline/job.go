// Package pipeline implements the anchoring kernel: the three recurring
// jobs (upload, batch, submit), the confirmation poller, the verification
// query, and the cron scheduler that drives them. Jobs claim work from
// shared storage with conditional updates, perform external I/O outside any
// database transaction, and route per-item failures to terminal statuses
// without halting the run.
package pipeline

import (
	"context"
	"time"

	"github.com/invanchor/invanchor/metrics"
)

// Options carries the per-run flags every job accepts. Force skips
// quiescence and fill gates; DryRun executes read paths and logs intended
// writes without committing anything or calling external writers.
type Options struct {
	Force  bool
	DryRun bool
}

// Result aggregates per-item outcomes of one job run. A claim lost to
// another worker counts as Skipped, not as a failure.
type Result struct {
	Success int
	Failure int
	Skipped int
}

func (r *Result) add(other Result) {
	r.Success += other.Success
	r.Failure += other.Failure
	r.Skipped += other.Skipped
}

// Job is the shape shared by the recurring jobs. Execute must be safe to
// run concurrently with other workers executing the same job; correctness
// comes from the store's claim protocol, not from mutual exclusion.
type Job interface {
	Name() string
	Execute(ctx context.Context, opts Options) (Result, error)
}

// observe records a completed run in the job metrics. A nil Metrics is a
// no-op so lightweight tests can skip the registry.
func observe(m *metrics.Metrics, job string, start time.Time, err error) {
	if m == nil {
		return
	}
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	m.JobRuns.WithLabelValues(job, outcome).Inc()
	m.JobDuration.WithLabelValues(job).Observe(time.Since(start).Seconds())
}
