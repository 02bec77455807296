package pipeline

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/invanchor/invanchor/chain"
	"github.com/invanchor/invanchor/log"
	"github.com/invanchor/invanchor/metrics"
	"github.com/invanchor/invanchor/store"
	"github.com/invanchor/invanchor/types"
)

// ConfirmationReader is the chain surface the poller needs. *chain.Client
// satisfies it.
type ConfirmationReader interface {
	ConfirmationStatus(ctx context.Context, txHash string, required uint64) (*chain.Confirmation, error)
}

// InvoiceRegistrar is the optional per-invoice indexing call issued after a
// batch confirms. Failures are logged and ignored.
type InvoiceRegistrar interface {
	RegisterIndividualInvoice(ctx context.Context, merkleRoot common.Hash, invoiceID, cid string, invoiceHash common.Hash) (string, error)
}

// PollerConfig tunes the confirmation poller.
type PollerConfig struct {
	// Confirmations is the required burial depth before a receipt counts.
	Confirmations uint64
	// PendingTimeout fails a batch whose transaction has not confirmed
	// within this window since its last update.
	PendingTimeout time.Duration
	// FinalizeAfter advances confirmed invoices to finalized once their
	// batch has been confirmed this long. Zero disables finalization.
	FinalizeAfter time.Duration
}

// DefaultPollerConfig returns the poller defaults: 6 confirmations, 30
// minute pending timeout, finalization disabled.
func DefaultPollerConfig() PollerConfig {
	return PollerConfig{
		Confirmations:  6,
		PendingTimeout: 30 * time.Minute,
	}
}

// ConfirmationPoller advances batches whose anchoring transaction is in
// flight: confirmed transactions finish the batch, reverted or timed-out
// ones fail it.
type ConfirmationPoller struct {
	cfg       PollerConfig
	store     store.Store
	chain     ConfirmationReader
	registrar InvoiceRegistrar
	meter     *metrics.Metrics
	logger    *log.Logger

	now func() time.Time
}

// NewConfirmationPoller wires a poller. registrar may be nil to skip the
// per-invoice indexing call.
func NewConfirmationPoller(cfg PollerConfig, st store.Store, cr ConfirmationReader, registrar InvoiceRegistrar, meter *metrics.Metrics, logger *log.Logger) *ConfirmationPoller {
	if logger == nil {
		logger = log.Default()
	}
	return &ConfirmationPoller{
		cfg:       cfg,
		store:     st,
		chain:     cr,
		registrar: registrar,
		meter:     meter,
		logger:    logger.Module("poller"),
		now:       time.Now,
	}
}

func (p *ConfirmationPoller) Name() string { return "poller" }

// Execute runs one confirmation pass. Success counts batches confirmed,
// Failure counts batches failed (revert or timeout), Skipped counts batches
// still pending.
func (p *ConfirmationPoller) Execute(ctx context.Context, opts Options) (Result, error) {
	start := p.now()
	res, err := p.run(ctx, opts)
	observe(p.meter, p.Name(), start, err)
	return res, err
}

func (p *ConfirmationPoller) run(ctx context.Context, opts Options) (Result, error) {
	pending, err := p.store.PendingBatches(ctx)
	if err != nil {
		return Result{}, fmt.Errorf("pending batches: %w", err)
	}

	var res Result
	for _, b := range pending {
		st, err := p.chain.ConfirmationStatus(ctx, b.TxHash, p.cfg.Confirmations)
		if err != nil {
			// RPC trouble is transient; the batch stays pending.
			p.logger.Warn("confirmation check failed", "batchId", b.BatchID, "tx", b.TxHash, "err", err)
			res.Skipped++
			continue
		}

		switch {
		case st.Mined && st.Deep && st.Success:
			if opts.DryRun {
				p.logger.Info("dry run: would confirm batch", "batchId", b.BatchID, "block", st.BlockNumber)
				res.Skipped++
				continue
			}
			if err := p.store.ConfirmBatch(ctx, b.ID, st.BlockNumber, p.now()); err != nil {
				p.logger.Error("confirm batch", "batchId", b.BatchID, "err", err)
				res.Failure++
				continue
			}
			if p.meter != nil {
				p.meter.BatchesConfirmed.Inc()
			}
			p.logger.Info("batch confirmed", "batchId", b.BatchID, "tx", b.TxHash, "block", st.BlockNumber)
			p.registerMembers(ctx, b)
			res.Success++

		case st.Mined && st.Deep && !st.Success:
			if opts.DryRun {
				p.logger.Info("dry run: would fail reverted batch", "batchId", b.BatchID)
				res.Skipped++
				continue
			}
			p.failBatch(ctx, b, "transaction reverted")
			res.Failure++

		default:
			if p.cfg.PendingTimeout > 0 && p.now().Sub(b.UpdatedAt) > p.cfg.PendingTimeout {
				if opts.DryRun {
					p.logger.Info("dry run: would fail timed-out batch", "batchId", b.BatchID)
					res.Skipped++
					continue
				}
				p.failBatch(ctx, b, "confirmation timeout")
				res.Failure++
				continue
			}
			res.Skipped++
		}
	}

	if p.cfg.FinalizeAfter > 0 && !opts.DryRun {
		n, err := p.store.FinalizeConfirmed(ctx, p.now().Add(-p.cfg.FinalizeAfter))
		if err != nil {
			p.logger.Error("finalize confirmed", "err", err)
		} else if n > 0 {
			p.logger.Info("finalized invoices", "count", n)
		}
	}
	return res, nil
}

func (p *ConfirmationPoller) failBatch(ctx context.Context, b *types.InvoiceBatch, reason string) {
	p.logger.Error("batch failed", "batchId", b.BatchID, "tx", b.TxHash, "reason", reason)
	if err := p.store.FailBatch(ctx, b.ID); err != nil {
		p.logger.Error("mark batch failed", "batchId", b.BatchID, "err", err)
		return
	}
	if p.meter != nil {
		p.meter.BatchesFailed.Inc()
	}
}

// registerMembers issues the best-effort per-invoice indexing call for every
// member of a freshly confirmed batch.
func (p *ConfirmationPoller) registerMembers(ctx context.Context, b *types.InvoiceBatch) {
	if p.registrar == nil {
		return
	}
	members, err := p.store.BatchInvoices(ctx, b.ID)
	if err != nil {
		p.logger.Warn("list batch members", "batchId", b.BatchID, "err", err)
		return
	}
	root := common.HexToHash(b.MerkleRoot)
	for _, inv := range members {
		_, err := p.registrar.RegisterIndividualInvoice(ctx, root,
			strconv.FormatInt(inv.ID, 10), inv.CID, common.HexToHash(inv.ImmutableHash))
		if err != nil {
			p.logger.Warn("register invoice", "invoice", inv.ID, "err", err)
		}
	}
}
