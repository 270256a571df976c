package chain

import (
	"bytes"
	"crypto/ed25519"
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

const (
	// HashSize is the size of every digest in the chain.
	HashSize = sha256.Size
	// SignatureSize is the size of an entry signature.
	SignatureSize = ed25519.SignatureSize

	// DomainStateEntry separates state-entry signatures from every other
	// protocol signature produced by the same key.
	DomainStateEntry = "soleid:state-entry:v1"
)

// Digest is a fixed-size SHA-256 digest, hex-encoded in JSON.
type Digest [HashSize]byte

// Genesis is the all-zero digest linking the first entry of a chain.
var Genesis Digest

// Hex returns the lowercase hex encoding of the digest.
func (d Digest) Hex() string { return hex.EncodeToString(d[:]) }

// IsZero reports whether the digest is all zero bytes.
func (d Digest) IsZero() bool { return d == Digest{} }

// ParseDigest decodes a hex-encoded digest.
func ParseDigest(s string) (Digest, error) {
	var d Digest
	raw, err := hex.DecodeString(strings.TrimSpace(s))
	if err != nil {
		return d, fmt.Errorf("invalid digest: %w", err)
	}
	if len(raw) != HashSize {
		return d, fmt.Errorf("invalid digest size: %d", len(raw))
	}
	copy(d[:], raw)
	return d, nil
}

func (d Digest) MarshalJSON() ([]byte, error) {
	return json.Marshal(d.Hex())
}

func (d *Digest) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	parsed, err := ParseDigest(s)
	if err != nil {
		return err
	}
	*d = parsed
	return nil
}

// Hash computes the SHA-256 digest of data.
func Hash(data []byte) Digest {
	return sha256.Sum256(data)
}

// HashPayload computes the digest of a structured action payload.
// A nil payload hashes to the zero digest; the payload itself is never
// stored by the chain.
func HashPayload(payload map[string]any) (Digest, error) {
	if payload == nil {
		return Digest{}, nil
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return Digest{}, fmt.Errorf("failed to serialize payload for hashing: %w", err)
	}
	return Hash(data), nil
}

// ActionType classifies a state entry.
type ActionType string

const (
	ActionTransaction ActionType = "TRANSACTION"
	ActionAttestation ActionType = "ATTESTATION"
	ActionUpgrade     ActionType = "UPGRADE"
	ActionReset       ActionType = "RESET"
	ActionCustom      ActionType = "CUSTOM"
)

var validActionTypes = map[ActionType]struct{}{
	ActionTransaction: {},
	ActionAttestation: {},
	ActionUpgrade:     {},
	ActionReset:       {},
	ActionCustom:      {},
}

// Valid reports whether the action type is one of the known kinds.
func (a ActionType) Valid() bool {
	_, ok := validActionTypes[a]
	return ok
}

// Signer produces domain-separated signatures for one identity key.
type Signer interface {
	Public() ed25519.PublicKey
	Sign(message []byte, domain string) ([]byte, error)
}

// VerifySignature checks a domain-separated ed25519 signature.
func VerifySignature(pub ed25519.PublicKey, signature, message []byte, domain string) bool {
	if len(pub) != ed25519.PublicKeySize || len(signature) != SignatureSize {
		return false
	}
	return ed25519.Verify(pub, domainMessage(message, domain), signature)
}

func domainMessage(message []byte, domain string) []byte {
	out := make([]byte, 0, len(domain)+1+len(message))
	out = append(out, domain...)
	out = append(out, 0x00)
	out = append(out, message...)
	return out
}

// StateEntry is one immutable record of the hash-linked action log.
type StateEntry struct {
	IdentityID     string     `json:"identity_id"`
	Sequence       uint64     `json:"sequence"`
	PrevHash       Digest     `json:"prev_hash"`
	Timestamp      time.Time  `json:"timestamp"`
	ActionType     ActionType `json:"action_type"`
	ActionSummary  string     `json:"action_summary"`
	ActionDataHash Digest     `json:"action_data_hash"`
	Signature      []byte     `json:"signature"`
	EntryHash      Digest     `json:"entry_hash"`
}

// SignableBytes returns the deterministic byte encoding covered by the
// entry signature: length-prefixed strings, big-endian integers, raw
// fixed-size digests.
func (e *StateEntry) SignableBytes() []byte {
	var buf bytes.Buffer
	writeString(&buf, e.IdentityID)
	writeUint64(&buf, e.Sequence)
	buf.Write(e.PrevHash[:])
	writeUint64(&buf, uint64(e.Timestamp.UTC().UnixNano()))
	writeString(&buf, string(e.ActionType))
	writeString(&buf, e.ActionSummary)
	buf.Write(e.ActionDataHash[:])
	return buf.Bytes()
}

func writeString(buf *bytes.Buffer, s string) {
	writeUint64(buf, uint64(len(s)))
	buf.WriteString(s)
}

func writeUint64(buf *bytes.Buffer, v uint64) {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], v)
	buf.Write(b[:])
}

// ComputeEntryHash computes the digest binding signable bytes and signature.
func ComputeEntryHash(signable, signature []byte) Digest {
	combined := make([]byte, 0, len(signable)+len(signature))
	combined = append(combined, signable...)
	combined = append(combined, signature...)
	return Hash(combined)
}

// Validate checks the per-entry invariant: exact field sizes, a valid
// signature under the identity key and state-entry domain, and an entry
// hash matching signable||signature.
func (e *StateEntry) Validate(pub ed25519.PublicKey) error {
	if strings.TrimSpace(e.IdentityID) == "" {
		return errors.New("identity_id is required")
	}
	if !e.ActionType.Valid() {
		return fmt.Errorf("unsupported action type: %s", e.ActionType)
	}
	if e.Timestamp.IsZero() {
		return errors.New("timestamp is required")
	}
	if len(e.Signature) != SignatureSize {
		return fmt.Errorf("invalid signature size: %d", len(e.Signature))
	}
	if e.Sequence == 0 && !e.PrevHash.IsZero() {
		return errors.New("genesis entry must link to the zero digest")
	}
	if e.Sequence > 0 && e.PrevHash.IsZero() {
		return errors.New("non-genesis entry cannot link to the zero digest")
	}
	signable := e.SignableBytes()
	if !VerifySignature(pub, e.Signature, signable, DomainStateEntry) {
		return errors.New("signature verification failed")
	}
	if ComputeEntryHash(signable, e.Signature) != e.EntryHash {
		return errors.New("entry hash mismatch")
	}
	return nil
}

// VerifyLink checks the chain invariant against the previous entry.
func (e *StateEntry) VerifyLink(prev *StateEntry) error {
	if prev == nil {
		if e.Sequence != 0 {
			return fmt.Errorf("first entry has sequence %d, expected 0", e.Sequence)
		}
		if !e.PrevHash.IsZero() {
			return errors.New("genesis prev_hash must be zero")
		}
		return nil
	}
	if e.IdentityID != prev.IdentityID {
		return fmt.Errorf("identity mismatch: %s != %s", e.IdentityID, prev.IdentityID)
	}
	if e.Sequence != prev.Sequence+1 {
		return fmt.Errorf("sequence gap: %d follows %d", e.Sequence, prev.Sequence)
	}
	if e.PrevHash != prev.EntryHash {
		return fmt.Errorf("broken link at sequence %d", e.Sequence)
	}
	return nil
}

// Clone returns a deep copy of the entry.
func (e *StateEntry) Clone() *StateEntry {
	out := *e
	out.Signature = append([]byte(nil), e.Signature...)
	return &out
}
