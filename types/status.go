// Package types defines the invoice and batch domain model shared by the
// anchoring pipeline: entities, status enumerations, and the forward-spine
// ordering rules the jobs enforce.
package types

// Status is the lifecycle status of an invoice. The numeric values are the
// persistence encoding and are frozen; ordering decisions must go through
// Rank, never through the raw codes (the failure branches deliberately live
// outside the forward numbering).
type Status int

const (
	StatusUploaded            Status = 1   // created, not yet pinned
	StatusIpfsStored          Status = 2   // pinned, cid recorded
	StatusBatched             Status = 3   // member of a batch, proof pending
	StatusBlockchainPending   Status = 5   // proof assigned, batch in flight
	StatusBlockchainConfirmed Status = 6   // batch anchored and confirmed
	StatusFinalized           Status = 8   // confirmed and past retention
	StatusUploadInFlight      Status = 9   // claimed by an upload worker
	StatusIpfsFailed          Status = 101 // terminal: pin failed permanently
	StatusBlockchainFailed    Status = 102 // terminal: anchoring failed
)

// String returns the human-readable status name.
func (s Status) String() string {
	switch s {
	case StatusUploaded:
		return "uploaded"
	case StatusUploadInFlight:
		return "upload_in_flight"
	case StatusIpfsStored:
		return "ipfs_stored"
	case StatusBatched:
		return "batched"
	case StatusBlockchainPending:
		return "blockchain_pending"
	case StatusBlockchainConfirmed:
		return "blockchain_confirmed"
	case StatusFinalized:
		return "finalized"
	case StatusIpfsFailed:
		return "ipfs_failed"
	case StatusBlockchainFailed:
		return "blockchain_failed"
	default:
		return "unknown"
	}
}

// Rank places a status on the forward spine. Terminal failures and the
// in-flight claim marker rank alongside the stage they branch from, so a
// transition is legal iff the new rank is >= the old one.
func (s Status) Rank() int {
	switch s {
	case StatusUploaded:
		return 1
	case StatusUploadInFlight:
		return 2
	case StatusIpfsStored, StatusIpfsFailed:
		return 3
	case StatusBatched:
		return 4
	case StatusBlockchainPending:
		return 5
	case StatusBlockchainConfirmed, StatusBlockchainFailed:
		return 6
	case StatusFinalized:
		return 7
	default:
		return 0
	}
}

// Terminal reports whether the status is a terminal failure branch.
func (s Status) Terminal() bool {
	return s == StatusIpfsFailed || s == StatusBlockchainFailed
}

// BatchStatus is the lifecycle status of an invoice batch.
type BatchStatus int

const (
	BatchProcessing          BatchStatus = 1 // created, members being claimed
	BatchReadyToSend         BatchStatus = 2 // merkle root + metadata pinned
	BatchBlockchainPending   BatchStatus = 3 // claimed for submit / tx sent
	BatchBlockchainConfirmed BatchStatus = 4 // receipt confirmed
	BatchBlockchainFailed    BatchStatus = 5 // terminal failure
)

// String returns the human-readable batch status name.
func (s BatchStatus) String() string {
	switch s {
	case BatchProcessing:
		return "processing"
	case BatchReadyToSend:
		return "ready_to_send"
	case BatchBlockchainPending:
		return "blockchain_pending"
	case BatchBlockchainConfirmed:
		return "blockchain_confirmed"
	case BatchBlockchainFailed:
		return "blockchain_failed"
	default:
		return "unknown"
	}
}
