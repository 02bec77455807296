package types

import "time"

// InvoiceBatch groups invoices under one Merkle root anchored in a single
// on-chain transaction. Created by the batch job, advanced by the submit job
// and the confirmation poller, never deleted.
type InvoiceBatch struct {
	ID      int64
	BatchID string // human-readable, unique: BATCH-{unixSeconds}-{rand4}
	Count   int    // number of member invoices

	MerkleRoot string // 0x-prefixed lowercase hex, 32 bytes
	BatchCID   string // IPFS CID of the {cids: [...]} metadata object

	Status      BatchStatus
	TxHash      string // anchoring transaction hash, "" until sent
	BlockNumber uint64 // block containing the confirmed transaction
	ConfirmedAt time.Time

	CreatedAt time.Time
	UpdatedAt time.Time
}

// Sent reports whether an anchoring transaction has been issued for the
// batch. A sent batch is never re-signed; failure after send is terminal.
func (b *InvoiceBatch) Sent() bool { return b.TxHash != "" }
