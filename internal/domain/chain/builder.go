package chain

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// Builder produces the next valid entry for one identity. It is pure:
// given a valid predecessor it cannot produce an invalid entry. Lease
// possession is enforced by callers, not here.
type Builder struct {
	identityID string
	signer     Signer
	now        func() time.Time
}

// NewBuilder creates a builder for one identity and signing key.
func NewBuilder(identityID string, signer Signer) (*Builder, error) {
	identityID = strings.TrimSpace(identityID)
	if identityID == "" {
		return nil, errors.New("identity_id is required")
	}
	if signer == nil {
		return nil, errors.New("signer is required")
	}
	return &Builder{identityID: identityID, signer: signer, now: time.Now}, nil
}

// WithClock overrides the timestamp source. Used in tests.
func (b *Builder) WithClock(now func() time.Time) *Builder {
	b.now = now
	return b
}

// Next builds, signs and hashes the entry following prev. A nil prev
// produces the genesis entry at sequence 0.
func (b *Builder) Next(prev *StateEntry, actionType ActionType, summary string, payload map[string]any) (*StateEntry, error) {
	if !actionType.Valid() {
		return nil, fmt.Errorf("unsupported action type: %s", actionType)
	}
	dataHash, err := HashPayload(payload)
	if err != nil {
		return nil, err
	}

	entry := &StateEntry{
		IdentityID:     b.identityID,
		Sequence:       0,
		PrevHash:       Genesis,
		Timestamp:      b.now().UTC(),
		ActionType:     actionType,
		ActionSummary:  summary,
		ActionDataHash: dataHash,
	}
	if prev != nil {
		if prev.IdentityID != b.identityID {
			return nil, fmt.Errorf("predecessor belongs to %s, builder is for %s", prev.IdentityID, b.identityID)
		}
		entry.Sequence = prev.Sequence + 1
		entry.PrevHash = prev.EntryHash
	}

	signable := entry.SignableBytes()
	sig, err := b.signer.Sign(signable, DomainStateEntry)
	if err != nil {
		return nil, fmt.Errorf("failed to sign entry: %w", err)
	}
	if len(sig) != SignatureSize {
		return nil, fmt.Errorf("signer returned %d-byte signature", len(sig))
	}
	entry.Signature = sig
	entry.EntryHash = ComputeEntryHash(signable, sig)
	return entry, nil
}
