package lease

import (
	"bytes"
	"crypto/ed25519"
	"encoding/base64"
	"encoding/binary"
	"errors"
	"fmt"
	"strings"
	"time"
)

// DomainLeaseRequest separates lease-request signatures from state-entry
// signatures produced by the same key.
const DomainLeaseRequest = "soleid:lease-request:v1"

// Lease is a time-bounded exclusivity grant held by exactly one running
// process. Sequence counts renewals and is distinct from the chain
// sequence.
type Lease struct {
	IdentityID string    `json:"identity_id"`
	SessionID  string    `json:"session_id"`
	Token      string    `json:"token"`
	TokenID    string    `json:"token_id"`
	AcquiredAt time.Time `json:"acquired_at"`
	ExpiresAt  time.Time `json:"expires_at"`
	Sequence   uint64    `json:"sequence"`
}

// Valid reports whether the lease is held and unexpired at now.
func (l *Lease) Valid(now time.Time) bool {
	return l != nil && l.Token != "" && now.Before(l.ExpiresAt)
}

// Remaining returns the time left until expiry, zero if already past.
func (l *Lease) Remaining(now time.Time) time.Duration {
	if l == nil {
		return 0
	}
	d := l.ExpiresAt.Sub(now)
	if d < 0 {
		return 0
	}
	return d
}

// Grant is the Authority's answer to a successful acquire or renew.
type Grant struct {
	IdentityID string    `json:"identity_id"`
	SessionID  string    `json:"session_id"`
	Token      string    `json:"token"`
	TokenID    string    `json:"token_id"`
	ExpiresAt  time.Time `json:"expires_at"`
	Sequence   uint64    `json:"sequence"`
}

// Request is a signed lease acquisition request. The signature covers
// the deterministic encoding of all fields under the lease-request
// domain tag.
type Request struct {
	IdentityID string    `json:"identity_id"`
	SessionID  string    `json:"session_id"`
	Timestamp  time.Time `json:"timestamp"`
	Nonce      string    `json:"nonce"`
	PublicKey  string    `json:"public_key"` // base64 raw ed25519 public key
	Signature  string    `json:"signature"`  // base64 raw signature
}

// SignableBytes returns the deterministic signing payload.
func (r Request) SignableBytes() []byte {
	var buf bytes.Buffer
	writeString(&buf, strings.TrimSpace(r.IdentityID))
	writeString(&buf, strings.TrimSpace(r.SessionID))
	var ts [8]byte
	binary.BigEndian.PutUint64(ts[:], uint64(r.Timestamp.UTC().UnixNano()))
	buf.Write(ts[:])
	writeString(&buf, strings.TrimSpace(r.Nonce))
	return buf.Bytes()
}

func writeString(buf *bytes.Buffer, s string) {
	var n [8]byte
	binary.BigEndian.PutUint64(n[:], uint64(len(s)))
	buf.Write(n[:])
	buf.WriteString(s)
}

// Signer matches the keystore signing capability.
type Signer interface {
	Public() ed25519.PublicKey
	Sign(message []byte, domain string) ([]byte, error)
}

// Sign sets the request public key and signature for the given key.
func (r *Request) Sign(signer Signer) error {
	r.PublicKey = base64.StdEncoding.EncodeToString(signer.Public())
	sig, err := signer.Sign(r.SignableBytes(), DomainLeaseRequest)
	if err != nil {
		return err
	}
	r.Signature = base64.StdEncoding.EncodeToString(sig)
	return nil
}

// ValidateBasic checks required fields.
func (r Request) ValidateBasic() error {
	if strings.TrimSpace(r.IdentityID) == "" {
		return errors.New("identity_id is required")
	}
	if strings.TrimSpace(r.SessionID) == "" {
		return errors.New("session_id is required")
	}
	if r.Timestamp.IsZero() {
		return errors.New("timestamp is required")
	}
	if strings.TrimSpace(r.Nonce) == "" {
		return errors.New("nonce is required")
	}
	if strings.TrimSpace(r.PublicKey) == "" {
		return errors.New("public_key is required")
	}
	if strings.TrimSpace(r.Signature) == "" {
		return errors.New("signature is required")
	}
	return nil
}

// Verify validates the request signature using the included public key.
func (r Request) Verify() (ed25519.PublicKey, error) {
	if err := r.ValidateBasic(); err != nil {
		return nil, err
	}
	pub, err := base64.StdEncoding.DecodeString(strings.TrimSpace(r.PublicKey))
	if err != nil {
		return nil, fmt.Errorf("invalid public_key: %w", err)
	}
	if len(pub) != ed25519.PublicKeySize {
		return nil, errors.New("invalid public_key size")
	}
	sig, err := base64.StdEncoding.DecodeString(strings.TrimSpace(r.Signature))
	if err != nil {
		return nil, fmt.Errorf("invalid signature: %w", err)
	}
	if len(sig) != ed25519.SignatureSize {
		return nil, errors.New("invalid signature size")
	}
	payload := make([]byte, 0, len(DomainLeaseRequest)+1+len(r.SignableBytes()))
	payload = append(payload, DomainLeaseRequest...)
	payload = append(payload, 0x00)
	payload = append(payload, r.SignableBytes()...)
	if !ed25519.Verify(ed25519.PublicKey(pub), payload, sig) {
		return nil, errors.New("signature verification failed")
	}
	return ed25519.PublicKey(pub), nil
}

// HeldError reports an acquisition rejected because another session
// holds the lease. Callers branch on it: it is clone detection, not a
// generic failure.
type HeldError struct {
	IdentityID      string
	HolderSessionID string
	ExpiresAt       time.Time
}

func (e *HeldError) Error() string {
	return fmt.Sprintf("lease for %s held by session %s until %s",
		e.IdentityID, e.HolderSessionID, e.ExpiresAt.Format(time.RFC3339))
}

// ErrNotHeld is returned when an operation requires a held lease.
var ErrNotHeld = errors.New("no lease held")

// ErrExpired is returned when the held lease is past its expiry.
var ErrExpired = errors.New("lease expired")

// ErrPolicyDenied is returned when the Authority's admission policy
// rejects the identity.
var ErrPolicyDenied = errors.New("lease denied by admission policy")
