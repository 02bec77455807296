// Package store persists pipeline state. The Store interface expresses the
// claim protocol every job relies on: each transition is a conditional
// update pinning the row's expected current state, so concurrent workers
// race on the database and exactly one wins. Claim methods return false on
// contention; callers skip silently.
//
// Two implementations ship: Postgres (production, row-level conditional
// updates through lib/pq) and MemStore (tests, dry-run tooling).
package store

import (
	"context"
	"errors"
	"time"

	"github.com/invanchor/invanchor/types"
)

// ErrNotFound is returned by point lookups for unknown ids.
var ErrNotFound = errors.New("store: not found")

// Store is the persistence contract of the pipeline kernel. All mutations
// are short single-purpose transactions; no method performs network I/O.
type Store interface {
	// PendingUploads returns invoices awaiting IPFS upload: status
	// Uploaded, empty cid, created before olderThan, FIFO by creation
	// time, at most limit rows.
	PendingUploads(ctx context.Context, olderThan time.Time, limit int) ([]*types.Invoice, error)

	// ClaimForUpload moves Uploaded -> UploadInFlight. False = another
	// worker owns the row.
	ClaimForUpload(ctx context.Context, invoiceID int64) (bool, error)

	// ReleaseUploadClaim returns UploadInFlight -> Uploaded (cancellation
	// unwind; the invoice stays claimable on the next tick).
	ReleaseUploadClaim(ctx context.Context, invoiceID int64) error

	// MarkIpfsStored records the pin outcome: UploadInFlight -> IpfsStored
	// with cid, cidHash, and immutableHash.
	MarkIpfsStored(ctx context.Context, invoiceID int64, cid, cidHash, immutableHash string) error

	// MarkIpfsFailed routes the invoice to the terminal IpfsFailed status.
	MarkIpfsFailed(ctx context.Context, invoiceID int64) error

	// SweepStaleUploads returns invoices stuck in UploadInFlight since
	// before olderThan to Uploaded, reporting how many were swept.
	SweepStaleUploads(ctx context.Context, olderThan time.Time) (int, error)

	// BatchCandidates returns unbatched stored invoices (status IpfsStored,
	// non-empty cid, no batch), FIFO by creation time, at most limit rows.
	BatchCandidates(ctx context.Context, limit int) ([]*types.Invoice, error)

	// CreateBatch inserts a new batch and fills its numeric ID.
	CreateBatch(ctx context.Context, b *types.InvoiceBatch) error

	// ClaimForBatch moves (IpfsStored, unbatched) -> (Batched, batchID).
	// False = claimed by a competing batch run.
	ClaimForBatch(ctx context.Context, invoiceID, batchID int64) (bool, error)

	// SetBatchCount corrects the batch count to the claimed membership.
	SetBatchCount(ctx context.Context, batchID int64, count int) error

	// SetInvoiceProof stores the serialized Merkle proof and advances the
	// member Batched -> BlockchainPending.
	SetInvoiceProof(ctx context.Context, invoiceID int64, proofJSON string) error

	// MarkBatchReady records the Merkle root and metadata CID and advances
	// the batch Processing -> ReadyToSend.
	MarkBatchReady(ctx context.Context, batchID int64, merkleRoot, batchCID string) error

	// RevertBatch undoes a failed batch build: the batch becomes
	// BlockchainFailed and every member returns to (IpfsStored, no batch,
	// no proof) so a later run can re-batch it.
	RevertBatch(ctx context.Context, batchID int64) error

	// ReadyBatches returns batches awaiting submission (ReadyToSend,
	// non-empty root, no tx hash), FIFO by creation time.
	ReadyBatches(ctx context.Context, limit int) ([]*types.InvoiceBatch, error)

	// ClaimBatchForSubmit moves (ReadyToSend, no tx) -> BlockchainPending.
	ClaimBatchForSubmit(ctx context.Context, batchID int64) (bool, error)

	// ReleaseSubmitClaim returns BlockchainPending (still without a tx
	// hash) -> ReadyToSend on cancellation before send.
	ReleaseSubmitClaim(ctx context.Context, batchID int64) error

	// SetBatchTxHash records the anchoring transaction on a pending batch.
	SetBatchTxHash(ctx context.Context, batchID int64, txHash string) error

	// PendingBatches returns batches in BlockchainPending with a tx hash,
	// i.e. awaiting confirmation.
	PendingBatches(ctx context.Context) ([]*types.InvoiceBatch, error)

	// ConfirmBatch finishes a batch: BlockchainConfirmed with block number
	// and confirmation time, members -> BlockchainConfirmed.
	ConfirmBatch(ctx context.Context, batchID int64, blockNumber uint64, confirmedAt time.Time) error

	// FailBatch marks the batch and all members BlockchainFailed.
	FailBatch(ctx context.Context, batchID int64) error

	// FinalizeConfirmed advances confirmed invoices whose batch confirmed
	// before olderThan to Finalized, reporting how many moved.
	FinalizeConfirmed(ctx context.Context, olderThan time.Time) (int, error)

	// Invoice, Batch, and BatchInvoices are point lookups for the
	// verification endpoint and tests.
	Invoice(ctx context.Context, id int64) (*types.Invoice, error)
	Batch(ctx context.Context, id int64) (*types.InvoiceBatch, error)
	BatchInvoices(ctx context.Context, batchID int64) ([]*types.Invoice, error)
}
