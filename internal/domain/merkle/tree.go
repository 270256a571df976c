package merkle

import (
	"fmt"

	"github.com/soleid/soleid/internal/domain/chain"
)

// emptyPad fills leaf slots up to the next power of two.
var emptyPad chain.Digest

// emptyRoot is the root of a tree with no leaves.
var emptyRoot = chain.Hash(nil)

// ProofStep is one level of an inclusion proof: the sibling digest and
// which side of the pair it sits on.
type ProofStep struct {
	Sibling chain.Digest `json:"sibling"`
	Right   bool         `json:"right"`
}

// Tree is a binary hash tree over a digest sequence. Internal nodes hash
// the fixed-length concatenation of their children, so there is no
// operand-boundary ambiguity.
type Tree struct {
	leafCount int
	levels    [][]chain.Digest
}

// NewTree builds a tree over the given leaves in order.
func NewTree(leaves []chain.Digest) *Tree {
	t := &Tree{leafCount: len(leaves)}
	if len(leaves) == 0 {
		return t
	}

	width := 1
	for width < len(leaves) {
		width *= 2
	}
	level := make([]chain.Digest, width)
	copy(level, leaves)
	for i := len(leaves); i < width; i++ {
		level[i] = emptyPad
	}

	t.levels = append(t.levels, level)
	for len(level) > 1 {
		next := make([]chain.Digest, len(level)/2)
		for i := range next {
			next[i] = hashPair(level[2*i], level[2*i+1])
		}
		t.levels = append(t.levels, next)
		level = next
	}
	return t
}

func hashPair(left, right chain.Digest) chain.Digest {
	var combined [2 * chain.HashSize]byte
	copy(combined[:chain.HashSize], left[:])
	copy(combined[chain.HashSize:], right[:])
	return chain.Hash(combined[:])
}

// LeafCount returns the number of real (unpadded) leaves.
func (t *Tree) LeafCount() int { return t.leafCount }

// Root returns the tree root. The empty tree's root is the hash of the
// empty byte string.
func (t *Tree) Root() chain.Digest {
	if len(t.levels) == 0 {
		return emptyRoot
	}
	return t.levels[len(t.levels)-1][0]
}

// Proof returns the inclusion proof for leaf i: one sibling per level,
// ceil(log2 n) steps.
func (t *Tree) Proof(i int) ([]ProofStep, error) {
	if i < 0 || i >= t.leafCount {
		return nil, fmt.Errorf("leaf index %d out of range [0,%d)", i, t.leafCount)
	}
	var proof []ProofStep
	idx := i
	for level := 0; level < len(t.levels)-1; level++ {
		sibling := idx ^ 1
		proof = append(proof, ProofStep{
			Sibling: t.levels[level][sibling],
			Right:   sibling > idx,
		})
		idx /= 2
	}
	return proof, nil
}

// VerifyProof folds the siblings upward per recorded direction and
// accepts iff the result equals the expected root.
func VerifyProof(leaf chain.Digest, proof []ProofStep, expectedRoot chain.Digest) bool {
	acc := leaf
	for _, step := range proof {
		if step.Right {
			acc = hashPair(acc, step.Sibling)
		} else {
			acc = hashPair(step.Sibling, acc)
		}
	}
	return acc == expectedRoot
}
