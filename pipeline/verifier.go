package pipeline

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/ethereum/go-ethereum/common"

	"github.com/invanchor/invanchor/chain"
	"github.com/invanchor/invanchor/log"
	"github.com/invanchor/invanchor/store"
)

// ProofChecker is the read-only chain surface verification needs.
// *chain.Client satisfies it.
type ProofChecker interface {
	VerifyInvoiceByCID(ctx context.Context, merkleRoot common.Hash, cid string, proof []common.Hash) (bool, error)
	GetBatch(ctx context.Context, merkleRoot common.Hash) (*chain.BatchView, error)
}

// Fetcher is the gateway read surface. *ipfs.Client satisfies it.
type Fetcher interface {
	GetJSON(ctx context.Context, cid string) ([]byte, error)
}

// BatchInfo is the batch context attached to a verification result.
type BatchInfo struct {
	BatchID     string `json:"batchId"`
	MerkleRoot  string `json:"merkleRoot"`
	BatchCID    string `json:"batchCid"`
	TxHash      string `json:"txHash,omitempty"`
	BlockNumber uint64 `json:"blockNumber,omitempty"`
	Status      string `json:"status"`
	// Anchored fields come from the contract, when the root is on-chain.
	AnchoredSize uint64 `json:"anchoredSize,omitempty"`
	Issuer       string `json:"issuer,omitempty"`
	MetadataURI  string `json:"metadataUri,omitempty"`
	AnchoredAt   int64  `json:"anchoredAt,omitempty"`
}

// Verification is the result of checking one invoice against its anchored
// batch.
type Verification struct {
	InvoiceID int64  `json:"invoiceId"`
	IsValid   bool   `json:"isValid"`
	Reason    string `json:"reason,omitempty"`
	// CID and ImmutableHash identify the pinned document being checked.
	CID           string          `json:"cid,omitempty"`
	ImmutableHash string          `json:"immutableHash,omitempty"`
	BatchInfo     *BatchInfo      `json:"batchInfo,omitempty"`
	Metadata      json.RawMessage `json:"metadata,omitempty"`
}

// Verifier answers the invoice verification query: does the stored Merkle
// proof for this invoice's CID check out against the batch root anchored
// on-chain.
type Verifier struct {
	store  store.Store
	chain  ProofChecker
	fetch  Fetcher
	logger *log.Logger
}

// NewVerifier wires a verifier. fetch may be nil to skip the batch metadata
// lookup.
func NewVerifier(st store.Store, pc ProofChecker, fetch Fetcher, logger *log.Logger) *Verifier {
	if logger == nil {
		logger = log.Default()
	}
	return &Verifier{store: st, chain: pc, fetch: fetch, logger: logger.Module("verify")}
}

// VerifyInvoice checks invoice id end to end. A missing invoice returns
// store.ErrNotFound; every other shortfall (not yet batched, batch not
// anchored, proof rejected) is reported as an invalid result with a reason.
func (v *Verifier) VerifyInvoice(ctx context.Context, id int64) (*Verification, error) {
	inv, err := v.store.Invoice(ctx, id)
	if err != nil {
		return nil, err
	}

	res := &Verification{
		InvoiceID:     inv.ID,
		CID:           inv.CID,
		ImmutableHash: inv.ImmutableHash,
	}
	if inv.CID == "" {
		res.Reason = "invoice not yet pinned"
		return res, nil
	}
	if !inv.Batched() || inv.MerkleProof == "" {
		res.Reason = "invoice not yet batched"
		return res, nil
	}

	batch, err := v.store.Batch(ctx, inv.BatchID)
	if err != nil {
		return nil, fmt.Errorf("load batch %d: %w", inv.BatchID, err)
	}
	res.BatchInfo = &BatchInfo{
		BatchID:     batch.BatchID,
		MerkleRoot:  batch.MerkleRoot,
		BatchCID:    batch.BatchCID,
		TxHash:      batch.TxHash,
		BlockNumber: batch.BlockNumber,
		Status:      batch.Status.String(),
	}
	if batch.MerkleRoot == "" {
		res.Reason = "batch has no merkle root"
		return res, nil
	}

	proof, err := parseProof(inv.MerkleProof)
	if err != nil {
		res.Reason = fmt.Sprintf("malformed stored proof: %v", err)
		return res, nil
	}

	root := common.HexToHash(batch.MerkleRoot)
	ok, err := v.chain.VerifyInvoiceByCID(ctx, root, inv.CID, proof)
	if err != nil {
		return nil, fmt.Errorf("verify on chain: %w", err)
	}
	res.IsValid = ok
	if !ok {
		res.Reason = "proof rejected by contract"
	}

	if view, err := v.chain.GetBatch(ctx, root); err != nil {
		v.logger.Warn("batch lookup failed", "root", batch.MerkleRoot, "err", err)
	} else if view != nil {
		res.BatchInfo.AnchoredSize = view.BatchSize.Uint64()
		res.BatchInfo.Issuer = view.Issuer.Hex()
		res.BatchInfo.MetadataURI = view.MetadataURI
		res.BatchInfo.AnchoredAt = view.Timestamp.Int64()
	} else if ok {
		// The contract validated the proof but reports no batch under the
		// root; surface the inconsistency rather than hiding it.
		res.Reason = "root not anchored"
		res.IsValid = false
	}

	if v.fetch != nil && batch.BatchCID != "" {
		meta, err := v.fetch.GetJSON(ctx, batch.BatchCID)
		if err != nil {
			v.logger.Warn("batch metadata fetch failed", "cid", batch.BatchCID, "err", err)
		} else if meta != nil {
			res.Metadata = meta
		}
	}
	return res, nil
}

// parseProof decodes the stored JSON proof array into hashes.
func parseProof(proofJSON string) ([]common.Hash, error) {
	var hexes []string
	if err := json.Unmarshal([]byte(proofJSON), &hexes); err != nil {
		return nil, err
	}
	proof := make([]common.Hash, len(hexes))
	for i, h := range hexes {
		proof[i] = common.HexToHash(h)
	}
	return proof, nil
}
