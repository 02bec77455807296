package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/invanchor/invanchor/chain"
	"github.com/invanchor/invanchor/log"
	"github.com/invanchor/invanchor/merkle"
	"github.com/invanchor/invanchor/store"
	"github.com/invanchor/invanchor/types"
)

func quietLogger() *log.Logger {
	return log.NewWithHandler(slog.NewTextHandler(io.Discard, nil))
}

// fakePinner issues sequential CIDs and can fail selected names.
type fakePinner struct {
	mu     sync.Mutex
	pins   int
	failOn func(name string) error
	byName map[string]string
}

func newFakePinner() *fakePinner {
	return &fakePinner{byName: make(map[string]string)}
}

func (f *fakePinner) PinJSON(ctx context.Context, content any, name string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failOn != nil {
		if err := f.failOn(name); err != nil {
			return "", err
		}
	}
	f.pins++
	cid := fmt.Sprintf("QmFake%04d", f.pins)
	f.byName[name] = cid
	return cid, nil
}

func (f *fakePinner) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.pins
}

// fakeAnchorer records anchor calls and returns sequential tx hashes.
type fakeAnchorer struct {
	mu    sync.Mutex
	sends int
	err   error
	roots []common.Hash
}

func (f *fakeAnchorer) AnchorBatch(ctx context.Context, root common.Hash, size uint64, uri string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return "", f.err
	}
	f.sends++
	f.roots = append(f.roots, root)
	return fmt.Sprintf("0xtx%04d", f.sends), nil
}

// fakeConfirm serves canned confirmation states per tx hash.
type fakeConfirm struct {
	mu     sync.Mutex
	states map[string]*chain.Confirmation
	err    error
}

func (f *fakeConfirm) ConfirmationStatus(ctx context.Context, txHash string, required uint64) (*chain.Confirmation, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	if st, ok := f.states[txHash]; ok {
		return st, nil
	}
	return &chain.Confirmation{}, nil
}

func seedInvoices(m *store.MemStore, n int, age time.Duration) []int64 {
	ids := make([]int64, n)
	for i := 0; i < n; i++ {
		ids[i] = m.InsertInvoice(&types.Invoice{
			InvoiceNumber: fmt.Sprintf("INV-%03d", i+1),
			Status:        types.StatusUploaded,
			Currency:      "USD",
			CreatedAt:     time.Now().Add(-age).Add(time.Duration(i) * time.Second),
		})
	}
	return ids
}

func newUpload(m *store.MemStore, p Pinner) *UploadJob {
	return NewUploadJob(DefaultUploadConfig(), m, p, nil, quietLogger())
}

func newBatch(m *store.MemStore, p Pinner, size int) *BatchJob {
	cfg := DefaultBatchConfig()
	cfg.BatchSize = size
	return NewBatchJob(cfg, m, p, nil, quietLogger())
}

func newSubmit(m *store.MemStore, a Anchorer, poller *ConfirmationPoller) *SubmitJob {
	cfg := DefaultSubmitConfig()
	cfg.SendPause = 0
	return NewSubmitJob(cfg, m, a, poller, nil, quietLogger())
}

func TestUploadJob_PinsPendingInvoices(t *testing.T) {
	m := store.NewMemStore()
	pins := newFakePinner()
	ids := seedInvoices(m, 3, time.Hour)

	res, err := newUpload(m, pins).Execute(context.Background(), Options{})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if res.Success != 3 || res.Failure != 0 {
		t.Fatalf("result = %+v, want 3 successes", res)
	}

	seen := map[string]bool{}
	for _, id := range ids {
		inv, _ := m.Invoice(context.Background(), id)
		if inv.Status != types.StatusIpfsStored {
			t.Errorf("invoice %d status = %v, want IpfsStored", id, inv.Status)
		}
		if inv.CID == "" || seen[inv.CID] {
			t.Errorf("invoice %d cid = %q, want distinct non-empty", id, inv.CID)
		}
		seen[inv.CID] = true
		if len(inv.ImmutableHash) != 64 {
			t.Errorf("invoice %d immutableHash length = %d, want 64", id, len(inv.ImmutableHash))
		}
		if len(inv.CIDHash) != 64 {
			t.Errorf("invoice %d cidHash length = %d, want 64", id, len(inv.CIDHash))
		}
	}
}

func TestUploadJob_FailureIsolation(t *testing.T) {
	m := store.NewMemStore()
	pins := newFakePinner()
	ids := seedInvoices(m, 3, time.Hour)

	// Fail exactly the second invoice's pin.
	target := fmt.Sprintf("invoice-%d-", ids[1])
	pins.failOn = func(name string) error {
		if strings.HasPrefix(name, target) {
			return errors.New("pin service down")
		}
		return nil
	}

	res, err := newUpload(m, pins).Execute(context.Background(), Options{})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if res.Success != 2 || res.Failure != 1 {
		t.Fatalf("result = %+v, want 2 ok / 1 failed", res)
	}

	inv, _ := m.Invoice(context.Background(), ids[1])
	if inv.Status != types.StatusIpfsFailed {
		t.Errorf("failed invoice status = %v, want IpfsFailed", inv.Status)
	}
	for _, id := range []int64{ids[0], ids[2]} {
		inv, _ := m.Invoice(context.Background(), id)
		if inv.Status != types.StatusIpfsStored {
			t.Errorf("invoice %d status = %v, want IpfsStored", id, inv.Status)
		}
	}

	// The failed invoice is terminal: a second run picks up nothing.
	res, _ = newUpload(m, pins).Execute(context.Background(), Options{})
	if res.Success != 0 || res.Failure != 0 {
		t.Errorf("second run = %+v, want empty", res)
	}
}

func TestUploadJob_QuiescenceWindow(t *testing.T) {
	m := store.NewMemStore()
	pins := newFakePinner()
	m.InsertInvoice(&types.Invoice{Status: types.StatusUploaded, CreatedAt: time.Now()})

	res, _ := newUpload(m, pins).Execute(context.Background(), Options{})
	if res.Success != 0 || pins.count() != 0 {
		t.Fatalf("fresh invoice picked up inside quiescence window: %+v", res)
	}

	res, _ = newUpload(m, pins).Execute(context.Background(), Options{Force: true})
	if res.Success != 1 {
		t.Fatalf("force run = %+v, want 1 success", res)
	}
}

func TestUploadJob_DryRunWritesNothing(t *testing.T) {
	m := store.NewMemStore()
	pins := newFakePinner()
	ids := seedInvoices(m, 2, time.Hour)

	res, err := newUpload(m, pins).Execute(context.Background(), Options{DryRun: true})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if res.Skipped != 2 || res.Success != 0 {
		t.Fatalf("dry run result = %+v, want 2 skipped", res)
	}
	if pins.count() != 0 {
		t.Fatalf("dry run pinned %d documents", pins.count())
	}
	for _, id := range ids {
		inv, _ := m.Invoice(context.Background(), id)
		if inv.Status != types.StatusUploaded || inv.CID != "" {
			t.Errorf("dry run mutated invoice %d: %+v", id, inv)
		}
	}
}

func TestUploadJob_ClaimContention(t *testing.T) {
	m := store.NewMemStore()
	pins := newFakePinner()
	ids := seedInvoices(m, 6, time.Hour)

	// Two workers share the store; every invoice must be pinned exactly once.
	var wg sync.WaitGroup
	for w := 0; w < 2; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := newUpload(m, pins).Execute(context.Background(), Options{}); err != nil {
				t.Errorf("Execute: %v", err)
			}
		}()
	}
	wg.Wait()

	if pins.count() != len(ids) {
		t.Fatalf("pinned %d times, want exactly %d", pins.count(), len(ids))
	}
	for _, id := range ids {
		inv, _ := m.Invoice(context.Background(), id)
		if inv.Status != types.StatusIpfsStored {
			t.Errorf("invoice %d status = %v, want IpfsStored", id, inv.Status)
		}
	}
}

func storedInvoices(t *testing.T, m *store.MemStore, n int) []int64 {
	t.Helper()
	ids := seedInvoices(m, n, time.Hour)
	if _, err := newUpload(m, newFakePinner()).Execute(context.Background(), Options{}); err != nil {
		t.Fatalf("seed upload: %v", err)
	}
	return ids
}

func TestBatchJob_FillGate(t *testing.T) {
	m := store.NewMemStore()
	storedInvoices(t, m, 40)
	job := newBatch(m, newFakePinner(), 100)

	res, err := job.Execute(context.Background(), Options{})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if res != (Result{}) {
		t.Fatalf("gated run = %+v, want no-op", res)
	}
	if ready, _ := m.ReadyBatches(context.Background(), 10); len(ready) != 0 {
		t.Fatal("gated run created a batch")
	}

	res, err = job.Execute(context.Background(), Options{Force: true})
	if err != nil {
		t.Fatalf("forced Execute: %v", err)
	}
	if res.Success != 1 {
		t.Fatalf("forced run = %+v, want 1 batch", res)
	}
	ready, _ := m.ReadyBatches(context.Background(), 10)
	if len(ready) != 1 || ready[0].Count != 40 {
		t.Fatalf("ready = %+v, want one batch of 40", ready)
	}
}

func TestBatchJob_BuildsTreeAndProofs(t *testing.T) {
	m := store.NewMemStore()
	ids := storedInvoices(t, m, 3)

	res, err := newBatch(m, newFakePinner(), 3).Execute(context.Background(), Options{Force: true})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if res.Success != 1 {
		t.Fatalf("result = %+v, want 1 batch", res)
	}

	ready, _ := m.ReadyBatches(context.Background(), 10)
	if len(ready) != 1 {
		t.Fatalf("ready batches = %d, want 1", len(ready))
	}
	batch := ready[0]
	if len(batch.MerkleRoot) != 66 || !strings.HasPrefix(batch.MerkleRoot, "0x") {
		t.Errorf("merkle root = %q, want 0x + 64 hex", batch.MerkleRoot)
	}
	if batch.BatchCID == "" {
		t.Error("batch cid is empty")
	}
	if !strings.HasPrefix(batch.BatchID, "BATCH-") {
		t.Errorf("batch id = %q", batch.BatchID)
	}

	for _, id := range ids {
		inv, _ := m.Invoice(context.Background(), id)
		if inv.Status != types.StatusBlockchainPending {
			t.Errorf("invoice %d status = %v, want BlockchainPending", id, inv.Status)
		}
		var proof []string
		if err := json.Unmarshal([]byte(inv.MerkleProof), &proof); err != nil {
			t.Fatalf("invoice %d proof %q: %v", id, inv.MerkleProof, err)
		}
		if len(proof) != 2 {
			t.Errorf("invoice %d proof length = %d, want 2", id, len(proof))
		}
		if !merkle.VerifyHex(inv.CID, proof, batch.MerkleRoot) {
			t.Errorf("invoice %d proof does not verify against root", id)
		}
	}
}

func TestBatchJob_PinFailureReverts(t *testing.T) {
	m := store.NewMemStore()
	ids := storedInvoices(t, m, 3)

	pins := newFakePinner()
	pins.failOn = func(name string) error {
		if strings.HasPrefix(name, "batch-cids-") {
			return errors.New("pin service down")
		}
		return nil
	}

	res, err := newBatch(m, pins, 3).Execute(context.Background(), Options{Force: true})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if res.Failure != 1 {
		t.Fatalf("result = %+v, want 1 failed batch", res)
	}

	for _, id := range ids {
		inv, _ := m.Invoice(context.Background(), id)
		if inv.Status != types.StatusIpfsStored || inv.BatchID != 0 || inv.MerkleProof != "" {
			t.Errorf("invoice %d not reverted: %+v", id, inv)
		}
	}
	// The reverted invoices batch again on a healthy run.
	res, _ = newBatch(m, newFakePinner(), 3).Execute(context.Background(), Options{Force: true})
	if res.Success != 1 {
		t.Fatalf("retry run = %+v, want 1 batch", res)
	}
}

func TestBatchJob_DryRunWritesNothing(t *testing.T) {
	m := store.NewMemStore()
	storedInvoices(t, m, 3)
	pins := newFakePinner()

	res, err := newBatch(m, pins, 3).Execute(context.Background(), Options{Force: true, DryRun: true})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if res.Success != 0 || res.Skipped != 3 {
		t.Fatalf("dry run = %+v, want 3 skipped", res)
	}
	if pins.count() != 0 {
		t.Fatal("dry run pinned metadata")
	}
	if ready, _ := m.ReadyBatches(context.Background(), 10); len(ready) != 0 {
		t.Fatal("dry run created a batch")
	}
}

// readyBatch drives upload + batch and returns the ready batch.
func readyBatch(t *testing.T, m *store.MemStore, n int) *types.InvoiceBatch {
	t.Helper()
	storedInvoices(t, m, n)
	if _, err := newBatch(m, newFakePinner(), n).Execute(context.Background(), Options{Force: true}); err != nil {
		t.Fatalf("seed batch: %v", err)
	}
	ready, _ := m.ReadyBatches(context.Background(), 10)
	if len(ready) != 1 {
		t.Fatalf("ready batches = %d, want 1", len(ready))
	}
	return ready[0]
}

func TestSubmitJob_AnchorsReadyBatch(t *testing.T) {
	m := store.NewMemStore()
	b := readyBatch(t, m, 3)
	anchor := &fakeAnchorer{}

	res, err := newSubmit(m, anchor, nil).Execute(context.Background(), Options{})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if res.Success != 1 {
		t.Fatalf("result = %+v, want 1 anchored", res)
	}
	if anchor.sends != 1 {
		t.Fatalf("sends = %d, want exactly 1", anchor.sends)
	}
	if anchor.roots[0] != common.HexToHash(b.MerkleRoot) {
		t.Errorf("anchored root = %s, want %s", anchor.roots[0].Hex(), b.MerkleRoot)
	}

	got, _ := m.Batch(context.Background(), b.ID)
	if got.Status != types.BatchBlockchainPending || got.TxHash == "" {
		t.Fatalf("batch after submit = %+v", got)
	}

	// A second run has nothing ready and sends nothing.
	res, _ = newSubmit(m, anchor, nil).Execute(context.Background(), Options{})
	if res.Success != 0 || anchor.sends != 1 {
		t.Fatalf("second run = %+v with %d sends, want no new send", res, anchor.sends)
	}
}

func TestSubmitJob_SendFailureFailsBatch(t *testing.T) {
	m := store.NewMemStore()
	b := readyBatch(t, m, 2)
	anchor := &fakeAnchorer{err: errors.New("rpc down")}

	res, err := newSubmit(m, anchor, nil).Execute(context.Background(), Options{})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if res.Failure != 1 {
		t.Fatalf("result = %+v, want 1 failure", res)
	}

	got, _ := m.Batch(context.Background(), b.ID)
	if got.Status != types.BatchBlockchainFailed {
		t.Errorf("batch status = %v, want failed", got.Status)
	}
	members, _ := m.BatchInvoices(context.Background(), b.ID)
	for _, inv := range members {
		if inv.Status != types.StatusBlockchainFailed {
			t.Errorf("member %d status = %v, want BlockchainFailed", inv.ID, inv.Status)
		}
	}
}

func TestSubmitJob_DryRunWritesNothing(t *testing.T) {
	m := store.NewMemStore()
	b := readyBatch(t, m, 2)
	anchor := &fakeAnchorer{}

	res, err := newSubmit(m, anchor, nil).Execute(context.Background(), Options{DryRun: true})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if res.Skipped != 1 || anchor.sends != 0 {
		t.Fatalf("dry run = %+v with %d sends, want skip and no send", res, anchor.sends)
	}
	got, _ := m.Batch(context.Background(), b.ID)
	if got.Status != types.BatchReadyToSend || got.TxHash != "" {
		t.Errorf("dry run mutated batch: %+v", got)
	}
}

func newPoller(m *store.MemStore, fc *fakeConfirm, cfg PollerConfig) *ConfirmationPoller {
	return NewConfirmationPoller(cfg, m, fc, nil, nil, quietLogger())
}

func TestPoller_ConfirmsDeepSuccessfulBatch(t *testing.T) {
	m := store.NewMemStore()
	b := readyBatch(t, m, 3)
	if _, err := newSubmit(m, &fakeAnchorer{}, nil).Execute(context.Background(), Options{}); err != nil {
		t.Fatalf("submit: %v", err)
	}
	pending, _ := m.PendingBatches(context.Background())
	tx := pending[0].TxHash

	fc := &fakeConfirm{states: map[string]*chain.Confirmation{
		tx: {Mined: true, Deep: true, Success: true, BlockNumber: 777},
	}}
	res, err := newPoller(m, fc, DefaultPollerConfig()).Execute(context.Background(), Options{})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if res.Success != 1 {
		t.Fatalf("result = %+v, want 1 confirmed", res)
	}

	got, _ := m.Batch(context.Background(), b.ID)
	if got.Status != types.BatchBlockchainConfirmed || got.BlockNumber != 777 {
		t.Fatalf("batch = %+v, want confirmed at block 777", got)
	}
	members, _ := m.BatchInvoices(context.Background(), b.ID)
	for _, inv := range members {
		if inv.Status != types.StatusBlockchainConfirmed {
			t.Errorf("member %d status = %v, want confirmed", inv.ID, inv.Status)
		}
	}
}

func TestPoller_RevertedTransactionFailsBatch(t *testing.T) {
	m := store.NewMemStore()
	b := readyBatch(t, m, 2)
	newSubmit(m, &fakeAnchorer{}, nil).Execute(context.Background(), Options{})
	pending, _ := m.PendingBatches(context.Background())

	fc := &fakeConfirm{states: map[string]*chain.Confirmation{
		pending[0].TxHash: {Mined: true, Deep: true, Success: false, BlockNumber: 50},
	}}
	res, _ := newPoller(m, fc, DefaultPollerConfig()).Execute(context.Background(), Options{})
	if res.Failure != 1 {
		t.Fatalf("result = %+v, want 1 failure", res)
	}
	got, _ := m.Batch(context.Background(), b.ID)
	if got.Status != types.BatchBlockchainFailed {
		t.Errorf("batch status = %v, want failed", got.Status)
	}
}

func TestPoller_PendingTimeout(t *testing.T) {
	m := store.NewMemStore()
	b := readyBatch(t, m, 2)
	newSubmit(m, &fakeAnchorer{}, nil).Execute(context.Background(), Options{})

	// Still unmined, and stuck longer than the timeout.
	m.TouchBatch(b.ID, time.Now().Add(-time.Hour))
	cfg := DefaultPollerConfig()
	cfg.PendingTimeout = 30 * time.Minute

	res, _ := newPoller(m, &fakeConfirm{}, cfg).Execute(context.Background(), Options{})
	if res.Failure != 1 {
		t.Fatalf("result = %+v, want 1 timed-out failure", res)
	}
	got, _ := m.Batch(context.Background(), b.ID)
	if got.Status != types.BatchBlockchainFailed {
		t.Errorf("batch status = %v, want failed", got.Status)
	}

	// A shallow-but-progressing batch is left alone.
	m2 := store.NewMemStore()
	readyBatch(t, m2, 2)
	newSubmit(m2, &fakeAnchorer{}, nil).Execute(context.Background(), Options{})
	res, _ = newPoller(m2, &fakeConfirm{}, cfg).Execute(context.Background(), Options{})
	if res.Failure != 0 || res.Skipped != 1 {
		t.Fatalf("fresh pending batch = %+v, want 1 skipped", res)
	}
}

func TestPipelineEndToEnd(t *testing.T) {
	m := store.NewMemStore()
	ctx := context.Background()
	ids := seedInvoices(m, 3, time.Hour)

	pins := newFakePinner()
	if _, err := newUpload(m, pins).Execute(ctx, Options{}); err != nil {
		t.Fatalf("upload: %v", err)
	}
	if _, err := newBatch(m, pins, 3).Execute(ctx, Options{Force: true}); err != nil {
		t.Fatalf("batch: %v", err)
	}

	anchor := &fakeAnchorer{}
	fc := &fakeConfirm{states: map[string]*chain.Confirmation{}}
	poller := newPoller(m, fc, DefaultPollerConfig())
	submit := newSubmit(m, anchor, poller)

	// First submit run anchors; the poller phase sees nothing confirmed yet.
	if _, err := submit.Execute(ctx, Options{}); err != nil {
		t.Fatalf("submit: %v", err)
	}
	pending, _ := m.PendingBatches(ctx)
	if len(pending) != 1 {
		t.Fatalf("pending batches = %d, want 1", len(pending))
	}

	// The receipt lands deep and successful; the next submit run's
	// confirmation phase finishes the batch.
	fc.mu.Lock()
	fc.states[pending[0].TxHash] = &chain.Confirmation{Mined: true, Deep: true, Success: true, BlockNumber: 424242}
	fc.mu.Unlock()
	res, err := submit.Execute(ctx, Options{})
	if err != nil {
		t.Fatalf("second submit: %v", err)
	}
	if res.Success != 1 {
		t.Fatalf("second run = %+v, want 1 confirmation", res)
	}

	batch, _ := m.Batch(ctx, pending[0].ID)
	if batch.Status != types.BatchBlockchainConfirmed || batch.BlockNumber != 424242 {
		t.Fatalf("final batch = %+v", batch)
	}
	for _, id := range ids {
		inv, _ := m.Invoice(ctx, id)
		if inv.Status != types.StatusBlockchainConfirmed {
			t.Errorf("invoice %d final status = %v, want confirmed", id, inv.Status)
		}
	}
	if anchor.sends != 1 {
		t.Errorf("anchor sends = %d, want exactly 1", anchor.sends)
	}
}

func TestEmptyRunsAreIdempotent(t *testing.T) {
	m := store.NewMemStore()
	ctx := context.Background()

	jobs := []Job{
		newUpload(m, newFakePinner()),
		newBatch(m, newFakePinner(), 10),
		newSubmit(m, &fakeAnchorer{}, newPoller(m, &fakeConfirm{}, DefaultPollerConfig())),
	}
	for _, job := range jobs {
		for i := 0; i < 2; i++ {
			res, err := job.Execute(ctx, Options{})
			if err != nil {
				t.Fatalf("%s run %d: %v", job.Name(), i, err)
			}
			if res != (Result{}) {
				t.Errorf("%s empty run = %+v, want zero result", job.Name(), res)
			}
		}
	}
}

func TestScheduler_Trigger(t *testing.T) {
	m := store.NewMemStore()
	seedInvoices(m, 1, time.Hour)
	upload := newUpload(m, newFakePinner())
	s := NewScheduler(DefaultScheduleConfig(), quietLogger(), upload)

	res, err := s.Trigger(context.Background(), "upload", Options{})
	if err != nil {
		t.Fatalf("Trigger: %v", err)
	}
	if res.Success != 1 {
		t.Fatalf("trigger result = %+v, want 1 success", res)
	}

	if _, err := s.Trigger(context.Background(), "nope", Options{}); err == nil {
		t.Fatal("unknown job must error")
	}
}

func TestScheduler_RejectsBadExpression(t *testing.T) {
	cfg := DefaultScheduleConfig()
	cfg.Upload = "not a cron line"
	s := NewScheduler(cfg, quietLogger(), newUpload(store.NewMemStore(), newFakePinner()))
	if err := s.Start(); err == nil {
		s.Stop()
		t.Fatal("Start should reject a malformed expression")
	}
}
