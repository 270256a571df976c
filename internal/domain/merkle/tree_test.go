package merkle

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/soleid/soleid/internal/domain/chain"
)

func digests(n int) []chain.Digest {
	out := make([]chain.Digest, n)
	for i := range out {
		out[i] = chain.Hash([]byte(fmt.Sprintf("leaf-%d", i)))
	}
	return out
}

func TestTreeEmptyRoot(t *testing.T) {
	tree := NewTree(nil)
	assert.Equal(t, 0, tree.LeafCount())
	assert.Equal(t, chain.Hash(nil), tree.Root())

	_, err := tree.Proof(0)
	assert.Error(t, err)
}

func TestTreeRootDeterministic(t *testing.T) {
	leaves := digests(5)
	assert.Equal(t, NewTree(leaves).Root(), NewTree(leaves).Root())

	reordered := append([]chain.Digest(nil), leaves...)
	reordered[0], reordered[1] = reordered[1], reordered[0]
	assert.NotEqual(t, NewTree(leaves).Root(), NewTree(reordered).Root())
}

func TestTreeSingleLeaf(t *testing.T) {
	leaves := digests(1)
	tree := NewTree(leaves)
	assert.Equal(t, leaves[0], tree.Root())

	proof, err := tree.Proof(0)
	require.NoError(t, err)
	assert.Empty(t, proof)
	assert.True(t, VerifyProof(leaves[0], proof, tree.Root()))
}

func TestTreeProofAllLeaves(t *testing.T) {
	for _, n := range []int{1, 2, 3, 4, 5, 7, 8, 9} {
		t.Run(fmt.Sprintf("n=%d", n), func(t *testing.T) {
			leaves := digests(n)
			tree := NewTree(leaves)
			for i := 0; i < n; i++ {
				proof, err := tree.Proof(i)
				require.NoError(t, err)
				assert.True(t, VerifyProof(leaves[i], proof, tree.Root()), "leaf %d", i)
			}
		})
	}
}

func TestVerifyProofRejects(t *testing.T) {
	leaves := digests(8)
	tree := NewTree(leaves)
	proof, err := tree.Proof(3)
	require.NoError(t, err)

	t.Run("wrong leaf", func(t *testing.T) {
		assert.False(t, VerifyProof(leaves[4], proof, tree.Root()))
	})

	t.Run("flipped sibling bit", func(t *testing.T) {
		mangled := append([]ProofStep(nil), proof...)
		mangled[0].Sibling[0] ^= 0x01
		assert.False(t, VerifyProof(leaves[3], mangled, tree.Root()))
	})

	t.Run("flipped direction", func(t *testing.T) {
		mangled := append([]ProofStep(nil), proof...)
		mangled[1].Right = !mangled[1].Right
		assert.False(t, VerifyProof(leaves[3], mangled, tree.Root()))
	})

	t.Run("wrong root", func(t *testing.T) {
		other := NewTree(digests(7)).Root()
		assert.False(t, VerifyProof(leaves[3], proof, other))
	})

	t.Run("truncated proof", func(t *testing.T) {
		assert.False(t, VerifyProof(leaves[3], proof[:len(proof)-1], tree.Root()))
	})
}

func TestTreeProofLength(t *testing.T) {
	tree := NewTree(digests(9))
	proof, err := tree.Proof(0)
	require.NoError(t, err)
	// 9 leaves pad to 16 slots, four levels of siblings
	assert.Len(t, proof, 4)
}
