package merkle

import (
	"errors"
	"fmt"
	"math/rand"
	"strings"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

func TestBuild_EmptyInput(t *testing.T) {
	if _, err := Build(nil); !errors.Is(err, ErrNoLeaves) {
		t.Fatalf("err = %v, want ErrNoLeaves", err)
	}
}

func TestBuild_SingleLeaf(t *testing.T) {
	tree, err := Build([]string{"QmOnly"})
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	if tree.Root != LeafHash("QmOnly") {
		t.Errorf("single-leaf root = %s, want leaf hash %s", tree.Root.Hex(), LeafHash("QmOnly").Hex())
	}
	if tree.Depth != 0 {
		t.Errorf("depth = %d, want 0", tree.Depth)
	}
	if len(tree.Proofs["QmOnly"]) != 0 {
		t.Errorf("single-leaf proof length = %d, want 0", len(tree.Proofs["QmOnly"]))
	}
	if !Verify("QmOnly", nil, tree.Root) {
		t.Error("empty proof must verify for single leaf")
	}
}

func TestBuild_DeterministicAcrossPermutations(t *testing.T) {
	leaves := []string{"QmA", "QmB", "QmC"}
	perms := [][]string{
		{"QmA", "QmB", "QmC"},
		{"QmC", "QmA", "QmB"},
		{"QmB", "QmC", "QmA"},
		{"QmC", "QmB", "QmA"},
	}

	base, err := Build(leaves)
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	for _, p := range perms {
		tree, err := Build(p)
		if err != nil {
			t.Fatalf("Build(%v): %v", p, err)
		}
		if tree.Root != base.Root {
			t.Errorf("root for %v = %s, want %s", p, tree.Root.Hex(), base.Root.Hex())
		}
		for _, leaf := range leaves {
			got := tree.ProofHex(leaf)
			want := base.ProofHex(leaf)
			if strings.Join(got, ",") != strings.Join(want, ",") {
				t.Errorf("proof for %s differs across permutations", leaf)
			}
		}
	}
}

func TestBuild_ThreeLeafShape(t *testing.T) {
	tree, err := Build([]string{"QmA", "QmB", "QmC"})
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	if tree.Depth != 2 {
		t.Errorf("depth = %d, want 2", tree.Depth)
	}
	for _, leaf := range tree.SortedLeaves {
		if len(tree.Proofs[leaf]) != 2 {
			t.Errorf("proof length for %s = %d, want 2", leaf, len(tree.Proofs[leaf]))
		}
	}
	if got := tree.RootHex(); len(got) != 66 || !strings.HasPrefix(got, "0x") {
		t.Errorf("root hex = %q, want 66-char 0x-prefixed string", got)
	}
}

func TestVerify_WrongProofRejected(t *testing.T) {
	tree, err := Build([]string{"QmA", "QmB", "QmC"})
	if err != nil {
		t.Fatalf("Build: %v", err)
	}

	if !Verify("QmA", tree.Proof("QmA"), tree.Root) {
		t.Fatal("valid proof for QmA rejected")
	}
	// Proof swapped for another leaf must not verify.
	if Verify("QmA", tree.Proof("QmB"), tree.Root) {
		t.Error("QmA verified with QmB's proof")
	}
	// Foreign leaf with an arbitrary proof must not verify.
	if Verify("QmZ", tree.Proof("QmA"), tree.Root) {
		t.Error("foreign leaf verified")
	}
}

func TestVerifyHex_CaseInsensitive(t *testing.T) {
	tree, err := Build([]string{"QmA", "QmB", "QmC", "QmD", "QmE"})
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	leaf := "QmC"
	proof := tree.ProofHex(leaf)

	upper := make([]string, len(proof))
	for i, p := range proof {
		upper[i] = strings.ToUpper(strings.TrimPrefix(p, "0x"))
	}
	if !VerifyHex(leaf, upper, strings.ToUpper(tree.RootHex())) {
		t.Error("uppercase un-prefixed proof rejected")
	}
	if VerifyHex(leaf, []string{"0xnothex"}, tree.RootHex()) {
		t.Error("malformed hex proof verified")
	}
}

func TestLeafHash_MatchesGethKeccak(t *testing.T) {
	// The tree must hash exactly like the EVM side; cross-check the sha3
	// implementation against go-ethereum's.
	for _, leaf := range []string{"QmA", "bafybeigdyrzt5", ""} {
		want := common.BytesToHash(crypto.Keccak256([]byte(leaf)))
		if got := LeafHash(leaf); got != want {
			t.Errorf("LeafHash(%q) = %s, want %s", leaf, got.Hex(), want.Hex())
		}
	}
}

func TestBuild_RoundTripFuzz(t *testing.T) {
	rng := rand.New(rand.NewSource(1))
	for size := 1; size <= 33; size++ {
		leaves := make([]string, size)
		for i := range leaves {
			leaves[i] = fmt.Sprintf("Qm%08x%04d", rng.Uint32(), i)
		}
		rng.Shuffle(len(leaves), func(i, j int) { leaves[i], leaves[j] = leaves[j], leaves[i] })

		tree, err := Build(leaves)
		if err != nil {
			t.Fatalf("size %d: Build: %v", size, err)
		}
		for _, leaf := range leaves {
			if !Verify(leaf, tree.Proof(leaf), tree.Root) {
				t.Fatalf("size %d: proof for %s does not verify", size, leaf)
			}
		}
		if Verify("QmNotPresent", tree.Proof(leaves[0]), tree.Root) {
			t.Fatalf("size %d: foreign leaf verified", size)
		}
	}
}

func TestHashPair_SortedOrder(t *testing.T) {
	a := LeafHash("QmA")
	b := LeafHash("QmB")
	if hashPair(a, b) != hashPair(b, a) {
		t.Error("hashPair is not commutative under sorted-pair hashing")
	}
	// Self-pair is the odd-level duplication case.
	dup := hashPair(a, a)
	want := common.BytesToHash(crypto.Keccak256(append(a.Bytes(), a.Bytes()...)))
	if dup != want {
		t.Errorf("self pair = %s, want %s", dup.Hex(), want.Hex())
	}
}
