// Package merkle builds deterministic binary Merkle trees over IPFS CID
// strings and produces per-leaf proofs verifiable by OpenZeppelin's
// MerkleProof library on-chain: leaves are sorted lexicographically, each
// leaf is keccak256 of its UTF-8 bytes, and every pair is hashed in
// byte-wise sorted order. An odd level duplicates its last node.
package merkle

import (
	"bytes"
	"errors"
	"sort"

	"github.com/ethereum/go-ethereum/common"
	"golang.org/x/crypto/sha3"
)

// ErrNoLeaves is returned when a tree is requested over an empty input.
var ErrNoLeaves = errors.New("merkle: no leaves")

// Tree is the result of building a Merkle tree over a set of leaf strings.
type Tree struct {
	// Root is the 32-byte top hash.
	Root common.Hash
	// SortedLeaves holds the input leaves in canonical (ascending) order.
	SortedLeaves []string
	// Proofs maps each original leaf string to its sibling path, bottom-up.
	Proofs map[string][]common.Hash
	// Depth is the number of hashing levels above the leaves.
	Depth int
}

// keccak256 hashes the concatenation of the given byte slices with
// Keccak-256 (the legacy, pre-NIST padding the EVM uses).
func keccak256(data ...[]byte) []byte {
	d := sha3.NewLegacyKeccak256()
	for _, b := range data {
		d.Write(b)
	}
	return d.Sum(nil)
}

// LeafHash returns keccak256 of the leaf's UTF-8 bytes.
func LeafHash(leaf string) common.Hash {
	return common.BytesToHash(keccak256([]byte(leaf)))
}

// hashPair hashes two nodes in byte-wise sorted order, matching
// OpenZeppelin's _hashPair.
func hashPair(a, b common.Hash) common.Hash {
	if bytes.Compare(a[:], b[:]) > 0 {
		a, b = b, a
	}
	return common.BytesToHash(keccak256(a[:], b[:]))
}

// Build constructs the tree over the given leaves. Input order is
// irrelevant: leaves are sorted before hashing, so any permutation of the
// same set yields an identical root and identical proofs keyed by leaf.
func Build(leaves []string) (*Tree, error) {
	if len(leaves) == 0 {
		return nil, ErrNoLeaves
	}

	sorted := make([]string, len(leaves))
	copy(sorted, leaves)
	sort.Strings(sorted)

	level := make([]common.Hash, len(sorted))
	for i, leaf := range sorted {
		level[i] = LeafHash(leaf)
	}

	// Track every leaf index up the tree, collecting siblings per level.
	indices := make([]int, len(sorted))
	for i := range indices {
		indices[i] = i
	}
	proofs := make([][]common.Hash, len(sorted))

	depth := 0
	for len(level) > 1 {
		if len(level)%2 == 1 {
			level = append(level, level[len(level)-1])
		}
		for li := range indices {
			sib := indices[li] ^ 1
			proofs[li] = append(proofs[li], level[sib])
			indices[li] /= 2
		}
		next := make([]common.Hash, 0, len(level)/2)
		for i := 0; i < len(level); i += 2 {
			next = append(next, hashPair(level[i], level[i+1]))
		}
		level = next
		depth++
	}

	t := &Tree{
		Root:         level[0],
		SortedLeaves: sorted,
		Proofs:       make(map[string][]common.Hash, len(sorted)),
		Depth:        depth,
	}
	for i, leaf := range sorted {
		t.Proofs[leaf] = proofs[i]
	}
	return t, nil
}

// Proof returns the sibling path for the given leaf, or nil if the leaf is
// not part of the tree.
func (t *Tree) Proof(leaf string) []common.Hash {
	return t.Proofs[leaf]
}

// ProofHex renders the proof for leaf as 0x-prefixed lowercase hex strings.
func (t *Tree) ProofHex(leaf string) []string {
	proof, ok := t.Proofs[leaf]
	if !ok {
		return nil
	}
	out := make([]string, len(proof))
	for i, h := range proof {
		out[i] = h.Hex()
	}
	return out
}

// RootHex renders the root as 0x-prefixed lowercase hex.
func (t *Tree) RootHex() string { return t.Root.Hex() }
