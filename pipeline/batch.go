package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/invanchor/invanchor/log"
	"github.com/invanchor/invanchor/merkle"
	"github.com/invanchor/invanchor/metrics"
	"github.com/invanchor/invanchor/store"
	"github.com/invanchor/invanchor/types"
)

// BatchConfig tunes the batch job.
type BatchConfig struct {
	// BatchSize is the target invoice count per batch.
	BatchSize int
	// BatchesPerRun bounds how many batches one run may create.
	BatchesPerRun int
}

// DefaultBatchConfig returns the batching defaults: 10 invoices per batch,
// at most 5 batches per run.
func DefaultBatchConfig() BatchConfig {
	return BatchConfig{BatchSize: 10, BatchesPerRun: 5}
}

// batchMetadata is the pinned per-batch document listing member CIDs in
// canonical (sorted) order.
type batchMetadata struct {
	Cids []string `json:"cids"`
}

// BatchJob groups stored invoices into batches, builds the Merkle tree over
// their CIDs, pins the membership document, and records per-invoice proofs.
// Any failure after membership is claimed reverts the whole batch so a later
// run can rebuild it.
type BatchJob struct {
	cfg    BatchConfig
	store  store.Store
	pins   Pinner
	meter  *metrics.Metrics
	logger *log.Logger

	now func() time.Time
}

// NewBatchJob wires a batch job.
func NewBatchJob(cfg BatchConfig, st store.Store, pins Pinner, meter *metrics.Metrics, logger *log.Logger) *BatchJob {
	if logger == nil {
		logger = log.Default()
	}
	return &BatchJob{
		cfg:    cfg,
		store:  st,
		pins:   pins,
		meter:  meter,
		logger: logger.Module("batch"),
		now:    time.Now,
	}
}

func (j *BatchJob) Name() string { return "batch" }

// Execute runs one batching pass. Success counts batches that reached
// ready_to_send; Skipped counts invoices dropped to claim contention and
// dry-run groups.
func (j *BatchJob) Execute(ctx context.Context, opts Options) (Result, error) {
	start := j.now()
	res, err := j.run(ctx, opts)
	observe(j.meter, j.Name(), start, err)
	return res, err
}

func (j *BatchJob) run(ctx context.Context, opts Options) (Result, error) {
	candidates, err := j.store.BatchCandidates(ctx, j.cfg.BatchSize*j.cfg.BatchesPerRun)
	if err != nil {
		return Result{}, fmt.Errorf("batch candidates: %w", err)
	}
	if len(candidates) == 0 {
		return Result{}, nil
	}

	// Fill gate: wait for at least half a batch unless forced.
	if len(candidates) < j.cfg.BatchSize/2 && !opts.Force {
		j.logger.Debug("below fill gate", "candidates", len(candidates), "batchSize", j.cfg.BatchSize)
		return Result{}, nil
	}
	j.logger.Info("batch run", "candidates", len(candidates), "dry", opts.DryRun)

	var res Result
	for start := 0; start < len(candidates); start += j.cfg.BatchSize {
		end := start + j.cfg.BatchSize
		if end > len(candidates) {
			end = len(candidates)
		}
		res.add(j.buildOne(ctx, candidates[start:end], opts))
		if ctx.Err() != nil {
			break
		}
	}
	return res, nil
}

// newBatchID builds the external batch identifier.
func (j *BatchJob) newBatchID() string {
	return fmt.Sprintf("BATCH-%d-%s", j.now().Unix(), uuid.NewString()[:4])
}

func (j *BatchJob) buildOne(ctx context.Context, group []*types.Invoice, opts Options) Result {
	batchID := j.newBatchID()
	if opts.DryRun {
		j.logger.Info("dry run: would create batch", "batchId", batchID, "count", len(group))
		return Result{Skipped: len(group)}
	}

	batch := &types.InvoiceBatch{
		BatchID: batchID,
		Count:   len(group),
		Status:  types.BatchProcessing,
	}
	if err := j.store.CreateBatch(ctx, batch); err != nil {
		j.logger.Error("create batch", "batchId", batchID, "err", err)
		return Result{Failure: 1}
	}

	// Claim membership; candidates lost to a competing run are dropped.
	var (
		claimed []*types.Invoice
		dropped int
	)
	for _, inv := range group {
		ok, err := j.store.ClaimForBatch(ctx, inv.ID, batch.ID)
		if err != nil {
			j.logger.Error("claim for batch", "invoice", inv.ID, "batchId", batchID, "err", err)
			dropped++
			continue
		}
		if !ok {
			dropped++
			continue
		}
		claimed = append(claimed, inv)
	}
	if len(claimed) == 0 {
		j.revert(ctx, batch.ID, batchID, fmt.Errorf("no invoices claimed"))
		return Result{Skipped: dropped}
	}
	if len(claimed) != len(group) {
		if err := j.store.SetBatchCount(ctx, batch.ID, len(claimed)); err != nil {
			j.revert(ctx, batch.ID, batchID, fmt.Errorf("set count: %w", err))
			return Result{Failure: 1, Skipped: dropped}
		}
	}

	cids := make([]string, len(claimed))
	for i, inv := range claimed {
		cids[i] = inv.CID
	}
	tree, err := merkle.Build(cids)
	if err != nil {
		j.revert(ctx, batch.ID, batchID, fmt.Errorf("merkle build: %w", err))
		return Result{Failure: 1, Skipped: dropped}
	}

	name := fmt.Sprintf("batch-cids-%s-%d.json", batchID, j.now().Unix())
	batchCID, err := j.pins.PinJSON(ctx, batchMetadata{Cids: tree.SortedLeaves}, name)
	if err != nil {
		j.revert(ctx, batch.ID, batchID, fmt.Errorf("pin metadata: %w", err))
		return Result{Failure: 1, Skipped: dropped}
	}

	for _, inv := range claimed {
		proofJSON, err := json.Marshal(tree.ProofHex(inv.CID))
		if err == nil {
			err = j.store.SetInvoiceProof(ctx, inv.ID, string(proofJSON))
		}
		if err != nil {
			j.revert(ctx, batch.ID, batchID, fmt.Errorf("proof for invoice %d: %w", inv.ID, err))
			return Result{Failure: 1, Skipped: dropped}
		}
	}

	if err := j.store.MarkBatchReady(ctx, batch.ID, tree.RootHex(), batchCID); err != nil {
		j.revert(ctx, batch.ID, batchID, fmt.Errorf("mark ready: %w", err))
		return Result{Failure: 1, Skipped: dropped}
	}
	if j.meter != nil {
		j.meter.BatchesCreated.Inc()
	}
	j.logger.Info("batch ready",
		"batchId", batchID, "count", len(claimed), "root", tree.RootHex(), "batchCid", batchCID)
	return Result{Success: 1, Skipped: dropped}
}

// revert undoes a failed batch build on a detached context: the batch is
// failed and members return to the unbatched stored state for a later run.
func (j *BatchJob) revert(ctx context.Context, id int64, batchID string, cause error) {
	j.logger.Error("batch build failed, reverting", "batchId", batchID, "err", cause)
	if err := j.store.RevertBatch(context.WithoutCancel(ctx), id); err != nil {
		j.logger.Error("revert batch", "batchId", batchID, "err", err)
	}
}
