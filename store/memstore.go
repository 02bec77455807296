package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/invanchor/invanchor/types"
)

// MemStore is an in-memory Store with the same conditional-update claim
// semantics as the Postgres implementation. It backs the pipeline tests and
// local dry-run tooling; a single mutex stands in for row-level locks.
type MemStore struct {
	mu sync.Mutex

	invoices map[int64]*types.Invoice
	batches  map[int64]*types.InvoiceBatch

	nextInvoiceID int64
	nextBatchID   int64

	// Now supplies timestamps; tests may replace it.
	Now func() time.Time
}

// NewMemStore returns an empty MemStore.
func NewMemStore() *MemStore {
	return &MemStore{
		invoices: make(map[int64]*types.Invoice),
		batches:  make(map[int64]*types.InvoiceBatch),
		Now:      time.Now,
	}
}

// InsertInvoice seeds an invoice the way the external system would. A zero
// ID is assigned; a zero CreatedAt defaults to now.
func (m *MemStore) InsertInvoice(inv *types.Invoice) int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	if inv.ID == 0 {
		m.nextInvoiceID++
		inv.ID = m.nextInvoiceID
	} else if inv.ID > m.nextInvoiceID {
		m.nextInvoiceID = inv.ID
	}
	if inv.CreatedAt.IsZero() {
		inv.CreatedAt = m.Now()
	}
	inv.UpdatedAt = inv.CreatedAt
	cp := *inv
	m.invoices[inv.ID] = &cp
	return inv.ID
}

// TouchBatch overwrites a batch's UpdatedAt; tests use it to simulate age.
func (m *MemStore) TouchBatch(batchID int64, at time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if b, ok := m.batches[batchID]; ok {
		b.UpdatedAt = at
	}
}

func copyInvoice(inv *types.Invoice) *types.Invoice {
	cp := *inv
	cp.Lines = append([]types.InvoiceLine(nil), inv.Lines...)
	return &cp
}

func copyBatch(b *types.InvoiceBatch) *types.InvoiceBatch {
	cp := *b
	return &cp
}

func (m *MemStore) PendingUploads(ctx context.Context, olderThan time.Time, limit int) ([]*types.Invoice, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*types.Invoice
	for _, inv := range m.invoices {
		if inv.Status == types.StatusUploaded && inv.CID == "" && inv.CreatedAt.Before(olderThan) {
			out = append(out, copyInvoice(inv))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// transition applies fn to the invoice iff it is currently in the expected
// status; this is the MemStore rendition of the conditional UPDATE.
func (m *MemStore) transition(id int64, expected types.Status, fn func(*types.Invoice)) bool {
	inv, ok := m.invoices[id]
	if !ok || inv.Status != expected {
		return false
	}
	fn(inv)
	inv.UpdatedAt = m.Now()
	return true
}

func (m *MemStore) ClaimForUpload(ctx context.Context, invoiceID int64) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.transition(invoiceID, types.StatusUploaded, func(inv *types.Invoice) {
		inv.Status = types.StatusUploadInFlight
	}), nil
}

func (m *MemStore) ReleaseUploadClaim(ctx context.Context, invoiceID int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.transition(invoiceID, types.StatusUploadInFlight, func(inv *types.Invoice) {
		inv.Status = types.StatusUploaded
	})
	return nil
}

func (m *MemStore) MarkIpfsStored(ctx context.Context, invoiceID int64, cid, cidHash, immutableHash string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.transition(invoiceID, types.StatusUploadInFlight, func(inv *types.Invoice) {
		inv.Status = types.StatusIpfsStored
		inv.CID = cid
		inv.CIDHash = cidHash
		inv.ImmutableHash = immutableHash
	}) {
		return ErrNotFound
	}
	return nil
}

func (m *MemStore) MarkIpfsFailed(ctx context.Context, invoiceID int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	inv, ok := m.invoices[invoiceID]
	if !ok {
		return ErrNotFound
	}
	inv.Status = types.StatusIpfsFailed
	inv.UpdatedAt = m.Now()
	return nil
}

func (m *MemStore) SweepStaleUploads(ctx context.Context, olderThan time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, inv := range m.invoices {
		if inv.Status == types.StatusUploadInFlight && inv.UpdatedAt.Before(olderThan) {
			inv.Status = types.StatusUploaded
			inv.UpdatedAt = m.Now()
			n++
		}
	}
	return n, nil
}

func (m *MemStore) BatchCandidates(ctx context.Context, limit int) ([]*types.Invoice, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*types.Invoice
	for _, inv := range m.invoices {
		if inv.Status == types.StatusIpfsStored && inv.CID != "" && inv.BatchID == 0 {
			out = append(out, copyInvoice(inv))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *MemStore) CreateBatch(ctx context.Context, b *types.InvoiceBatch) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextBatchID++
	b.ID = m.nextBatchID
	now := m.Now()
	b.CreatedAt = now
	b.UpdatedAt = now
	m.batches[b.ID] = copyBatch(b)
	return nil
}

func (m *MemStore) ClaimForBatch(ctx context.Context, invoiceID, batchID int64) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	inv, ok := m.invoices[invoiceID]
	if !ok || inv.Status != types.StatusIpfsStored || inv.BatchID != 0 {
		return false, nil
	}
	inv.Status = types.StatusBatched
	inv.BatchID = batchID
	inv.UpdatedAt = m.Now()
	return true, nil
}

func (m *MemStore) SetBatchCount(ctx context.Context, batchID int64, count int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.batches[batchID]
	if !ok {
		return ErrNotFound
	}
	b.Count = count
	b.UpdatedAt = m.Now()
	return nil
}

func (m *MemStore) SetInvoiceProof(ctx context.Context, invoiceID int64, proofJSON string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.transition(invoiceID, types.StatusBatched, func(inv *types.Invoice) {
		inv.MerkleProof = proofJSON
		inv.Status = types.StatusBlockchainPending
	}) {
		return ErrNotFound
	}
	return nil
}

func (m *MemStore) MarkBatchReady(ctx context.Context, batchID int64, merkleRoot, batchCID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.batches[batchID]
	if !ok || b.Status != types.BatchProcessing {
		return ErrNotFound
	}
	b.MerkleRoot = merkleRoot
	b.BatchCID = batchCID
	b.Status = types.BatchReadyToSend
	b.UpdatedAt = m.Now()
	return nil
}

func (m *MemStore) RevertBatch(ctx context.Context, batchID int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.batches[batchID]
	if !ok {
		return ErrNotFound
	}
	b.Status = types.BatchBlockchainFailed
	b.UpdatedAt = m.Now()
	for _, inv := range m.invoices {
		if inv.BatchID == batchID {
			inv.BatchID = 0
			inv.MerkleProof = ""
			inv.Status = types.StatusIpfsStored
			inv.UpdatedAt = m.Now()
		}
	}
	return nil
}

func (m *MemStore) ReadyBatches(ctx context.Context, limit int) ([]*types.InvoiceBatch, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*types.InvoiceBatch
	for _, b := range m.batches {
		if b.Status == types.BatchReadyToSend && b.MerkleRoot != "" && b.TxHash == "" {
			out = append(out, copyBatch(b))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *MemStore) ClaimBatchForSubmit(ctx context.Context, batchID int64) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.batches[batchID]
	if !ok || b.Status != types.BatchReadyToSend || b.TxHash != "" {
		return false, nil
	}
	b.Status = types.BatchBlockchainPending
	b.UpdatedAt = m.Now()
	return true, nil
}

func (m *MemStore) ReleaseSubmitClaim(ctx context.Context, batchID int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.batches[batchID]
	if ok && b.Status == types.BatchBlockchainPending && b.TxHash == "" {
		b.Status = types.BatchReadyToSend
		b.UpdatedAt = m.Now()
	}
	return nil
}

func (m *MemStore) SetBatchTxHash(ctx context.Context, batchID int64, txHash string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.batches[batchID]
	if !ok || b.Status != types.BatchBlockchainPending {
		return ErrNotFound
	}
	b.TxHash = txHash
	b.UpdatedAt = m.Now()
	return nil
}

func (m *MemStore) PendingBatches(ctx context.Context) ([]*types.InvoiceBatch, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*types.InvoiceBatch
	for _, b := range m.batches {
		if b.Status == types.BatchBlockchainPending && b.TxHash != "" {
			out = append(out, copyBatch(b))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (m *MemStore) ConfirmBatch(ctx context.Context, batchID int64, blockNumber uint64, confirmedAt time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.batches[batchID]
	if !ok {
		return ErrNotFound
	}
	b.Status = types.BatchBlockchainConfirmed
	b.BlockNumber = blockNumber
	b.ConfirmedAt = confirmedAt
	b.UpdatedAt = m.Now()
	for _, inv := range m.invoices {
		if inv.BatchID == batchID && inv.Status == types.StatusBlockchainPending {
			inv.Status = types.StatusBlockchainConfirmed
			inv.UpdatedAt = m.Now()
		}
	}
	return nil
}

func (m *MemStore) FailBatch(ctx context.Context, batchID int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.batches[batchID]
	if !ok {
		return ErrNotFound
	}
	b.Status = types.BatchBlockchainFailed
	b.UpdatedAt = m.Now()
	for _, inv := range m.invoices {
		if inv.BatchID == batchID && !inv.Status.Terminal() {
			inv.Status = types.StatusBlockchainFailed
			inv.UpdatedAt = m.Now()
		}
	}
	return nil
}

func (m *MemStore) FinalizeConfirmed(ctx context.Context, olderThan time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, inv := range m.invoices {
		if inv.Status != types.StatusBlockchainConfirmed || inv.BatchID == 0 {
			continue
		}
		b, ok := m.batches[inv.BatchID]
		if !ok || b.Status != types.BatchBlockchainConfirmed || !b.ConfirmedAt.Before(olderThan) {
			continue
		}
		inv.Status = types.StatusFinalized
		inv.UpdatedAt = m.Now()
		n++
	}
	return n, nil
}

func (m *MemStore) Invoice(ctx context.Context, id int64) (*types.Invoice, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	inv, ok := m.invoices[id]
	if !ok {
		return nil, ErrNotFound
	}
	return copyInvoice(inv), nil
}

func (m *MemStore) Batch(ctx context.Context, id int64) (*types.InvoiceBatch, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.batches[id]
	if !ok {
		return nil, ErrNotFound
	}
	return copyBatch(b), nil
}

func (m *MemStore) BatchInvoices(ctx context.Context, batchID int64) ([]*types.Invoice, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*types.Invoice
	for _, inv := range m.invoices {
		if inv.BatchID == batchID {
			out = append(out, copyInvoice(inv))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// compile-time interface check
var _ Store = (*MemStore)(nil)
