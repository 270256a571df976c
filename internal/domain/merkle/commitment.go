package merkle

import (
	"errors"
	"fmt"

	"github.com/soleid/soleid/internal/domain/chain"
)

// ChainCommitment is a derived compact-proof index over a state chain.
// It is rebuildable from any chain snapshot and has no independent
// source-of-truth role; appends are checked against the chain invariant
// so the live root always commits to a well-linked sequence.
type ChainCommitment struct {
	head   *chain.StateEntry
	leaves []chain.Digest
	tree   *Tree
}

// NewChainCommitment creates an empty commitment.
func NewChainCommitment() *ChainCommitment {
	return &ChainCommitment{}
}

// BuildChainCommitment rebuilds a commitment from an ordered snapshot.
func BuildChainCommitment(entries []*chain.StateEntry) (*ChainCommitment, error) {
	c := NewChainCommitment()
	for _, entry := range entries {
		if err := c.Append(entry); err != nil {
			return nil, err
		}
	}
	return c, nil
}

// Append adds the next entry, rejecting any whose sequence or prev_hash
// does not extend the current head.
func (c *ChainCommitment) Append(entry *chain.StateEntry) error {
	if entry == nil {
		return errors.New("entry is required")
	}
	if err := entry.VerifyLink(c.head); err != nil {
		return fmt.Errorf("entry does not extend commitment head: %w", err)
	}
	c.head = entry.Clone()
	c.leaves = append(c.leaves, entry.EntryHash)
	c.tree = nil
	return nil
}

// Head returns the committed head entry, if any.
func (c *ChainCommitment) Head() (*chain.StateEntry, bool) {
	if c.head == nil {
		return nil, false
	}
	return c.head.Clone(), true
}

// Size returns the number of committed entries.
func (c *ChainCommitment) Size() int { return len(c.leaves) }

// Root returns the Merkle root over the committed entry hashes.
func (c *ChainCommitment) Root() chain.Digest {
	return c.ensureTree().Root()
}

// Proof returns the inclusion proof for the entry at sequence i.
func (c *ChainCommitment) Proof(i int) ([]ProofStep, error) {
	return c.ensureTree().Proof(i)
}

func (c *ChainCommitment) ensureTree() *Tree {
	if c.tree == nil {
		c.tree = NewTree(c.leaves)
	}
	return c.tree
}
