package merkle

import (
	"encoding/hex"
	"strings"

	"github.com/ethereum/go-ethereum/common"
)

// Verify recomputes the root from a leaf and its sibling path and compares
// it to the expected root. This mirrors OpenZeppelin MerkleProof.verify: at
// each step the running hash and the sibling are combined in byte-wise
// sorted order.
func Verify(leaf string, proof []common.Hash, root common.Hash) bool {
	h := LeafHash(leaf)
	for _, sib := range proof {
		h = hashPair(h, sib)
	}
	return h == root
}

// VerifyHex is Verify over hex-encoded inputs. Hashes are compared
// case-insensitively; malformed hex fails verification rather than erroring.
func VerifyHex(leaf string, proofHex []string, rootHex string) bool {
	root, ok := parseHash(rootHex)
	if !ok {
		return false
	}
	proof := make([]common.Hash, len(proofHex))
	for i, p := range proofHex {
		h, ok := parseHash(p)
		if !ok {
			return false
		}
		proof[i] = h
	}
	return Verify(leaf, proof, root)
}

// parseHash decodes a 32-byte hash from hex, tolerating any case and an
// optional 0x prefix.
func parseHash(s string) (common.Hash, bool) {
	s = strings.TrimPrefix(strings.ToLower(strings.TrimSpace(s)), "0x")
	b, err := hex.DecodeString(s)
	if err != nil || len(b) != common.HashLength {
		return common.Hash{}, false
	}
	return common.BytesToHash(b), true
}
