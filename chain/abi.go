package chain

import (
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
)

// anchorABI is the invoice-anchoring contract surface as consumed by the
// pipeline: one state-changing anchor call, a read-only proof check, an
// optional per-invoice indexing write, and the anchored-batch getter.
const anchorABI = `[
  {"name":"anchorBatch","type":"function","stateMutability":"nonpayable",
   "inputs":[{"name":"merkleRoot","type":"bytes32"},{"name":"batchSize","type":"uint256"},{"name":"metadataURI","type":"string"}],
   "outputs":[]},
  {"name":"verifyInvoiceByCID","type":"function","stateMutability":"view",
   "inputs":[{"name":"merkleRoot","type":"bytes32"},{"name":"cid","type":"string"},{"name":"proof","type":"bytes32[]"}],
   "outputs":[{"name":"","type":"bool"}]},
  {"name":"registerIndividualInvoice","type":"function","stateMutability":"nonpayable",
   "inputs":[{"name":"merkleRoot","type":"bytes32"},{"name":"invoiceId","type":"string"},{"name":"cid","type":"string"},{"name":"invoiceHash","type":"bytes32"}],
   "outputs":[]},
  {"name":"getBatch","type":"function","stateMutability":"view",
   "inputs":[{"name":"merkleRoot","type":"bytes32"}],
   "outputs":[{"name":"merkleRoot","type":"bytes32"},{"name":"batchSize","type":"uint256"},{"name":"issuer","type":"address"},{"name":"metadataURI","type":"string"},{"name":"timestamp","type":"uint256"}]},
  {"name":"BatchAnchored","type":"event","anonymous":false,
   "inputs":[{"name":"merkleRoot","type":"bytes32","indexed":true},{"name":"issuer","type":"address","indexed":true},{"name":"batchSize","type":"uint256","indexed":false},{"name":"metadataURI","type":"string","indexed":false}]}
]`

// parsedABI is parsed once at init; the ABI string is a compile-time
// constant so a parse failure is a programmer error.
var parsedABI = func() abi.ABI {
	a, err := abi.JSON(strings.NewReader(anchorABI))
	if err != nil {
		panic(fmt.Sprintf("chain: parse anchor ABI: %v", err))
	}
	return a
}()

// BatchView is the anchored batch tuple returned by getBatch.
type BatchView struct {
	MerkleRoot  common.Hash
	BatchSize   *big.Int
	Issuer      common.Address
	MetadataURI string
	Timestamp   *big.Int
}

// Zero reports whether the view describes an absent batch (the contract
// returns an all-zero tuple for unknown roots).
func (v *BatchView) Zero() bool {
	return v == nil || (v.MerkleRoot == common.Hash{} && v.BatchSize.Sign() == 0)
}

// proofWords converts a sibling path to the ABI's bytes32[] representation.
func proofWords(proof []common.Hash) [][32]byte {
	words := make([][32]byte, len(proof))
	for i, h := range proof {
		words[i] = h
	}
	return words
}
