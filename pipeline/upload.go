package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/invanchor/invanchor/canonical"
	"github.com/invanchor/invanchor/log"
	"github.com/invanchor/invanchor/metrics"
	"github.com/invanchor/invanchor/store"
	"github.com/invanchor/invanchor/types"
)

// Pinner is the pinning-service surface the jobs need. *ipfs.Client
// satisfies it; tests substitute a fake.
type Pinner interface {
	PinJSON(ctx context.Context, content any, name string) (string, error)
}

// UploadConfig tunes the upload job.
type UploadConfig struct {
	// MaxPerRun bounds how many invoices one run picks up.
	MaxPerRun int
	// Concurrency bounds parallel pins within a run.
	Concurrency int
	// Quiescence excludes invoices created within this window, so rows
	// still being written by the issuing side are left alone.
	Quiescence time.Duration
	// StaleClaimAfter returns in-flight claims older than this to the
	// claimable pool (crashed worker recovery).
	StaleClaimAfter time.Duration
}

// DefaultUploadConfig returns the upload defaults: 50 invoices per run,
// 5 parallel pins, 1 minute quiescence, 10 minute stale-claim sweep.
func DefaultUploadConfig() UploadConfig {
	return UploadConfig{
		MaxPerRun:       50,
		Concurrency:     5,
		Quiescence:      time.Minute,
		StaleClaimAfter: 10 * time.Minute,
	}
}

// UploadJob canonicalizes pending invoices, pins them to IPFS, and records
// the resulting CID. Per-invoice failures are terminal for that invoice and
// never abort the rest of the run.
type UploadJob struct {
	cfg    UploadConfig
	store  store.Store
	pins   Pinner
	meter  *metrics.Metrics
	logger *log.Logger

	// now is a clock hook for tests.
	now func() time.Time
}

// NewUploadJob wires an upload job. A nil logger falls back to the package
// default; a nil meter disables metrics.
func NewUploadJob(cfg UploadConfig, st store.Store, pins Pinner, meter *metrics.Metrics, logger *log.Logger) *UploadJob {
	if logger == nil {
		logger = log.Default()
	}
	return &UploadJob{
		cfg:    cfg,
		store:  st,
		pins:   pins,
		meter:  meter,
		logger: logger.Module("upload"),
		now:    time.Now,
	}
}

func (j *UploadJob) Name() string { return "upload" }

// Execute runs one upload pass: sweep stale claims, select pending invoices
// past the quiescence window (skipped under force), and pin them with
// bounded parallelism.
func (j *UploadJob) Execute(ctx context.Context, opts Options) (Result, error) {
	start := j.now()
	res, err := j.run(ctx, opts)
	observe(j.meter, j.Name(), start, err)
	return res, err
}

func (j *UploadJob) run(ctx context.Context, opts Options) (Result, error) {
	now := j.now()

	if !opts.DryRun {
		swept, err := j.store.SweepStaleUploads(ctx, now.Add(-j.cfg.StaleClaimAfter))
		if err != nil {
			return Result{}, fmt.Errorf("sweep stale uploads: %w", err)
		}
		if swept > 0 {
			j.logger.Warn("returned stale upload claims", "count", swept)
		}
	}

	olderThan := now.Add(-j.cfg.Quiescence)
	if opts.Force {
		olderThan = now
	}
	pending, err := j.store.PendingUploads(ctx, olderThan, j.cfg.MaxPerRun)
	if err != nil {
		return Result{}, fmt.Errorf("pending uploads: %w", err)
	}
	if len(pending) == 0 {
		return Result{}, nil
	}
	j.logger.Info("upload run", "pending", len(pending), "dry", opts.DryRun)

	var (
		mu  sync.Mutex
		res Result
	)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(j.cfg.Concurrency)
	for _, inv := range pending {
		inv := inv
		g.Go(func() error {
			one := j.uploadOne(gctx, inv, opts)
			mu.Lock()
			res.add(one)
			mu.Unlock()
			return nil
		})
	}
	g.Wait()
	return res, nil
}

// uploadOne moves a single invoice through canonicalize, claim, pin, and
// commit. A claim lost to another worker is a skip; any failure after the
// claim routes the invoice to the terminal ipfs_failed status, except
// cancellation, which releases the claim so the next run retries.
func (j *UploadJob) uploadOne(ctx context.Context, inv *types.Invoice, opts Options) Result {
	body, immutableHash, err := canonical.Canonicalize(inv)
	if err != nil {
		if opts.DryRun {
			j.logger.Error("canonicalize failed", "invoice", inv.ID, "err", err)
			return Result{Failure: 1}
		}
		// Poison rows are claimed and failed so they stop reappearing.
		if ok, cerr := j.store.ClaimForUpload(ctx, inv.ID); cerr != nil || !ok {
			return Result{Skipped: 1}
		}
		j.fail(ctx, inv.ID, fmt.Errorf("canonicalize: %w", err))
		return Result{Failure: 1}
	}

	name := fmt.Sprintf("invoice-%d-%d.json", inv.ID, j.now().Unix())
	if opts.DryRun {
		j.logger.Info("dry run: would pin invoice",
			"invoice", inv.ID, "name", name, "immutableHash", immutableHash)
		return Result{Skipped: 1}
	}

	ok, err := j.store.ClaimForUpload(ctx, inv.ID)
	if err != nil {
		j.logger.Error("claim failed", "invoice", inv.ID, "err", err)
		return Result{Failure: 1}
	}
	if !ok {
		return Result{Skipped: 1}
	}

	cid, err := j.pins.PinJSON(ctx, json.RawMessage(body), name)
	if err != nil {
		if ctx.Err() != nil {
			j.release(ctx, inv.ID)
			return Result{Skipped: 1}
		}
		j.fail(ctx, inv.ID, fmt.Errorf("pin: %w", err))
		return Result{Failure: 1}
	}

	if err := j.store.MarkIpfsStored(ctx, inv.ID, cid, canonical.CIDHash(cid), immutableHash); err != nil {
		j.logger.Error("record pin failed", "invoice", inv.ID, "cid", cid, "err", err)
		return Result{Failure: 1}
	}
	if j.meter != nil {
		j.meter.InvoicesUploaded.Inc()
	}
	j.logger.Info("invoice pinned", "invoice", inv.ID, "cid", cid)
	return Result{Success: 1}
}

func (j *UploadJob) fail(ctx context.Context, invoiceID int64, cause error) {
	j.logger.Error("invoice upload failed", "invoice", invoiceID, "err", cause)
	if err := j.store.MarkIpfsFailed(context.WithoutCancel(ctx), invoiceID); err != nil {
		j.logger.Error("mark ipfs_failed", "invoice", invoiceID, "err", err)
	}
	if j.meter != nil {
		j.meter.UploadFailures.Inc()
	}
}

// release unwinds a claim on cancellation. It runs on a detached context so
// the unwind itself is not cancelled.
func (j *UploadJob) release(ctx context.Context, invoiceID int64) {
	if err := j.store.ReleaseUploadClaim(context.WithoutCancel(ctx), invoiceID); err != nil {
		j.logger.Error("release upload claim", "invoice", invoiceID, "err", err)
	}
}
