package types

import "testing"

func TestStatus_ForwardSpineMonotonic(t *testing.T) {
	spine := []Status{
		StatusUploaded,
		StatusUploadInFlight,
		StatusIpfsStored,
		StatusBatched,
		StatusBlockchainPending,
		StatusBlockchainConfirmed,
		StatusFinalized,
	}
	for i := 1; i < len(spine); i++ {
		if spine[i].Rank() <= spine[i-1].Rank() {
			t.Errorf("%v (rank %d) not after %v (rank %d)",
				spine[i], spine[i].Rank(), spine[i-1], spine[i-1].Rank())
		}
	}
}

func TestStatus_FailureBranchesRankWithStage(t *testing.T) {
	if StatusIpfsFailed.Rank() != StatusIpfsStored.Rank() {
		t.Error("IpfsFailed must rank with IpfsStored")
	}
	if StatusBlockchainFailed.Rank() != StatusBlockchainConfirmed.Rank() {
		t.Error("BlockchainFailed must rank with BlockchainConfirmed")
	}
}

func TestStatus_Terminal(t *testing.T) {
	for _, s := range []Status{StatusIpfsFailed, StatusBlockchainFailed} {
		if !s.Terminal() {
			t.Errorf("%v should be terminal", s)
		}
	}
	for _, s := range []Status{StatusUploaded, StatusIpfsStored, StatusBlockchainConfirmed, StatusFinalized} {
		if s.Terminal() {
			t.Errorf("%v should not be terminal", s)
		}
	}
}

func TestStatus_PersistenceCodesFrozen(t *testing.T) {
	codes := map[Status]int{
		StatusUploaded:            1,
		StatusIpfsStored:          2,
		StatusBatched:             3,
		StatusBlockchainPending:   5,
		StatusBlockchainConfirmed: 6,
		StatusFinalized:           8,
		StatusUploadInFlight:      9,
		StatusIpfsFailed:          101,
		StatusBlockchainFailed:    102,
	}
	for s, want := range codes {
		if int(s) != want {
			t.Errorf("%v encoded as %d, want %d", s, int(s), want)
		}
	}

	batchCodes := map[BatchStatus]int{
		BatchProcessing:          1,
		BatchReadyToSend:         2,
		BatchBlockchainPending:   3,
		BatchBlockchainConfirmed: 4,
		BatchBlockchainFailed:    5,
	}
	for s, want := range batchCodes {
		if int(s) != want {
			t.Errorf("%v encoded as %d, want %d", s, int(s), want)
		}
	}
}

func TestStatusStrings(t *testing.T) {
	if StatusUploaded.String() != "uploaded" || BatchReadyToSend.String() != "ready_to_send" {
		t.Error("status names changed")
	}
	if Status(999).String() != "unknown" || BatchStatus(99).String() != "unknown" {
		t.Error("unknown statuses must render as unknown")
	}
}
