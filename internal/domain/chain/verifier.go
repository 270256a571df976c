package chain

import (
	"crypto/ed25519"
	"errors"
	"fmt"
	"sync"
)

// ForkError reports two different entries validly claiming the same
// (identity, sequence) slot. It is always fatal and never auto-resolved.
type ForkError struct {
	IdentityID string
	Sequence   uint64
	Expected   Digest
	Actual     Digest
}

func (e *ForkError) Error() string {
	return fmt.Sprintf("fork detected for %s at sequence %d: expected %s, got %s",
		e.IdentityID, e.Sequence, e.Expected.Hex(), e.Actual.Hex())
}

// StaleHeadError reports a claimed head behind the already accepted one.
type StaleHeadError struct {
	IdentityID string
	Claimed    uint64
	Known      uint64
}

func (e *StaleHeadError) Error() string {
	return fmt.Sprintf("stale head for %s: claimed sequence %d, known sequence %d",
		e.IdentityID, e.Claimed, e.Known)
}

// Verifier is a stateful fork and tamper detector. It remembers the last
// accepted head per identity and never accepts two different contents at
// the same (identity, sequence). One instance per observer.
type Verifier struct {
	mu    sync.Mutex
	heads map[string]*StateEntry
}

// NewVerifier creates an empty verifier.
func NewVerifier() *Verifier {
	return &Verifier{heads: make(map[string]*StateEntry)}
}

// Head returns the last accepted head for an identity, if any.
func (v *Verifier) Head(identityID string) (*StateEntry, bool) {
	v.mu.Lock()
	defer v.mu.Unlock()
	head, ok := v.heads[identityID]
	if !ok {
		return nil, false
	}
	return head.Clone(), true
}

// VerifyHead checks a claimed head against the recorded one and, when the
// claim extends it, validates the supplied extension entry by entry.
// An unseen identity's first head is accepted as-is (first-contact trust).
func (v *Verifier) VerifyHead(identityID string, pub ed25519.PublicKey, claimed *StateEntry, extension []*StateEntry) error {
	if claimed == nil {
		return errors.New("claimed head is required")
	}
	if claimed.IdentityID != identityID {
		return fmt.Errorf("claimed head belongs to %s, not %s", claimed.IdentityID, identityID)
	}
	if err := claimed.Validate(pub); err != nil {
		return fmt.Errorf("invalid claimed head: %w", err)
	}

	v.mu.Lock()
	defer v.mu.Unlock()

	known, seen := v.heads[identityID]
	if !seen {
		v.heads[identityID] = claimed.Clone()
		return nil
	}

	switch {
	case claimed.Sequence < known.Sequence:
		return &StaleHeadError{IdentityID: identityID, Claimed: claimed.Sequence, Known: known.Sequence}

	case claimed.Sequence == known.Sequence:
		if claimed.EntryHash != known.EntryHash {
			return &ForkError{
				IdentityID: identityID,
				Sequence:   claimed.Sequence,
				Expected:   known.EntryHash,
				Actual:     claimed.EntryHash,
			}
		}
		return nil

	default:
		if err := verifyExtension(known, claimed, pub, extension); err != nil {
			return err
		}
		v.heads[identityID] = claimed.Clone()
		return nil
	}
}

// verifyExtension checks that extension starts right after known, links
// end-to-end and ends at claimed. Any break is reported as a fork: the
// claimant asserted a longer history it cannot prove.
func verifyExtension(known, claimed *StateEntry, pub ed25519.PublicKey, extension []*StateEntry) error {
	want := claimed.Sequence - known.Sequence
	if uint64(len(extension)) != want {
		return &ForkError{
			IdentityID: claimed.IdentityID,
			Sequence:   known.Sequence + 1,
			Expected:   known.EntryHash,
			Actual:     claimed.EntryHash,
		}
	}
	prev := known
	for _, entry := range extension {
		if err := entry.Validate(pub); err != nil {
			return fmt.Errorf("invalid extension entry at sequence %d: %w", entry.Sequence, err)
		}
		if err := entry.VerifyLink(prev); err != nil {
			return &ForkError{
				IdentityID: claimed.IdentityID,
				Sequence:   entry.Sequence,
				Expected:   prev.EntryHash,
				Actual:     entry.PrevHash,
			}
		}
		prev = entry
	}
	if prev.EntryHash != claimed.EntryHash {
		return &ForkError{
			IdentityID: claimed.IdentityID,
			Sequence:   claimed.Sequence,
			Expected:   prev.EntryHash,
			Actual:     claimed.EntryHash,
		}
	}
	return nil
}

// VerifyChain re-checks the per-entry and linkage invariants for a full
// ordered slice of entries.
func VerifyChain(entries []*StateEntry, pub ed25519.PublicKey) error {
	var prev *StateEntry
	for i, entry := range entries {
		if err := entry.Validate(pub); err != nil {
			return fmt.Errorf("entry %d: %w", i, err)
		}
		if err := entry.VerifyLink(prev); err != nil {
			return fmt.Errorf("entry %d: %w", i, err)
		}
		prev = entry
	}
	return nil
}
