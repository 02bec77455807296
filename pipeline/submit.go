package pipeline

import (
	"context"
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/invanchor/invanchor/log"
	"github.com/invanchor/invanchor/metrics"
	"github.com/invanchor/invanchor/retry"
	"github.com/invanchor/invanchor/store"
	"github.com/invanchor/invanchor/types"
)

// Anchorer is the chain surface the submit job needs. *chain.Client
// satisfies it.
type Anchorer interface {
	AnchorBatch(ctx context.Context, merkleRoot common.Hash, batchSize uint64, metadataURI string) (string, error)
}

// SubmitConfig tunes the submit job.
type SubmitConfig struct {
	// MaxPerRun bounds how many batches one run submits.
	MaxPerRun int
	// SendPause spaces consecutive sends to avoid hammering the RPC node.
	SendPause time.Duration
}

// DefaultSubmitConfig returns the submission defaults: 10 batches per run,
// 2 second pause between sends.
func DefaultSubmitConfig() SubmitConfig {
	return SubmitConfig{MaxPerRun: 10, SendPause: 2 * time.Second}
}

// SubmitJob anchors ready batches on-chain. Each run first drives the
// confirmation poller over in-flight batches, then claims and sends the
// oldest ready batches FIFO.
type SubmitJob struct {
	cfg    SubmitConfig
	store  store.Store
	anchor Anchorer
	poller *ConfirmationPoller
	meter  *metrics.Metrics
	logger *log.Logger

	now func() time.Time
}

// NewSubmitJob wires a submit job. poller may be nil when confirmation is
// driven separately.
func NewSubmitJob(cfg SubmitConfig, st store.Store, anchor Anchorer, poller *ConfirmationPoller, meter *metrics.Metrics, logger *log.Logger) *SubmitJob {
	if logger == nil {
		logger = log.Default()
	}
	return &SubmitJob{
		cfg:    cfg,
		store:  st,
		anchor: anchor,
		poller: poller,
		meter:  meter,
		logger: logger.Module("submit"),
		now:    time.Now,
	}
}

func (j *SubmitJob) Name() string { return "submit" }

// Execute runs one submission pass. Exactly one anchoring transaction is
// sent per claimed batch; a failed send fails the batch rather than risking
// a duplicate anchor.
func (j *SubmitJob) Execute(ctx context.Context, opts Options) (Result, error) {
	start := j.now()
	res, err := j.run(ctx, opts)
	observe(j.meter, j.Name(), start, err)
	return res, err
}

func (j *SubmitJob) run(ctx context.Context, opts Options) (Result, error) {
	var res Result
	if j.poller != nil {
		polled, err := j.poller.run(ctx, opts)
		if err != nil {
			return res, fmt.Errorf("confirmation phase: %w", err)
		}
		res.add(polled)
	}

	ready, err := j.store.ReadyBatches(ctx, j.cfg.MaxPerRun)
	if err != nil {
		return res, fmt.Errorf("ready batches: %w", err)
	}
	if len(ready) == 0 {
		return res, nil
	}
	j.logger.Info("submit run", "ready", len(ready), "dry", opts.DryRun)

	for i, b := range ready {
		if b.Sent() {
			res.Skipped++
			continue
		}
		res.add(j.submitOne(ctx, b, opts))

		if i < len(ready)-1 && !opts.DryRun {
			if err := retry.Sleep(ctx, j.cfg.SendPause); err != nil {
				break
			}
		}
	}
	return res, nil
}

func (j *SubmitJob) submitOne(ctx context.Context, b *types.InvoiceBatch, opts Options) Result {
	if opts.DryRun {
		j.logger.Info("dry run: would anchor batch",
			"batchId", b.BatchID, "root", b.MerkleRoot, "count", b.Count)
		return Result{Skipped: 1}
	}

	ok, err := j.store.ClaimBatchForSubmit(ctx, b.ID)
	if err != nil {
		j.logger.Error("claim batch for submit", "batchId", b.BatchID, "err", err)
		return Result{Failure: 1}
	}
	if !ok {
		return Result{Skipped: 1}
	}

	// Anchor the live membership count; claims may have been trimmed since
	// the batch row was written.
	count := uint64(b.Count)
	if members, err := j.store.BatchInvoices(ctx, b.ID); err == nil && len(members) > 0 {
		count = uint64(len(members))
	}

	txHash, err := j.anchor.AnchorBatch(ctx, common.HexToHash(b.MerkleRoot), count, b.BatchCID)
	if err != nil {
		if ctx.Err() != nil {
			// Cancelled before the send went out; the batch stays ready.
			j.release(ctx, b)
			return Result{Skipped: 1}
		}
		j.logger.Error("anchor batch", "batchId", b.BatchID, "err", err)
		if ferr := j.store.FailBatch(context.WithoutCancel(ctx), b.ID); ferr != nil {
			j.logger.Error("mark batch failed", "batchId", b.BatchID, "err", ferr)
		}
		if j.meter != nil {
			j.meter.BatchesFailed.Inc()
		}
		return Result{Failure: 1}
	}

	if err := j.store.SetBatchTxHash(ctx, b.ID, txHash); err != nil {
		j.logger.Error("record tx hash", "batchId", b.BatchID, "tx", txHash, "err", err)
		return Result{Failure: 1}
	}
	if j.meter != nil {
		j.meter.BatchesAnchored.Inc()
	}
	j.logger.Info("batch anchored", "batchId", b.BatchID, "tx", txHash, "count", count)
	return Result{Success: 1}
}

func (j *SubmitJob) release(ctx context.Context, b *types.InvoiceBatch) {
	if err := j.store.ReleaseSubmitClaim(context.WithoutCancel(ctx), b.ID); err != nil {
		j.logger.Error("release submit claim", "batchId", b.BatchID, "err", err)
	}
}
