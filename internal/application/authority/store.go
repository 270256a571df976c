package authority

import (
	"context"
	"errors"
	"time"

	"github.com/soleid/soleid/internal/domain/chain"
)

// ErrLockBusy means the per-identity exclusion lock is currently taken
// by another in-flight acquisition request.
var ErrLockBusy = errors.New("identity lock busy")

// IdentityRecord pins the public key first seen for an identity.
type IdentityRecord struct {
	IdentityID   string    `json:"identity_id"`
	PublicKey    []byte    `json:"public_key"`
	RegisteredAt time.Time `json:"registered_at"`
}

// LeaseRecord is the durable source of truth for one identity's lease.
// It survives connection loss; the exclusion lock only prevents two
// concurrent acquisition requests from racing.
type LeaseRecord struct {
	IdentityID string    `json:"identity_id"`
	SessionID  string    `json:"session_id"`
	TokenID    string    `json:"token_id"`
	Sequence   uint64    `json:"sequence"`
	AcquiredAt time.Time `json:"acquired_at"`
	ExpiresAt  time.Time `json:"expires_at"`
}

// Active reports whether the lease record is unexpired at now.
func (r *LeaseRecord) Active(now time.Time) bool {
	return r != nil && now.Before(r.ExpiresAt)
}

// Store is the Authority's durable state: identity keys, lease records
// and accepted chain entries, plus the atomic per-identity exclusion
// primitive. Get methods return (nil, nil) for absent records.
type Store interface {
	// TryLock takes the non-blocking mutual-exclusion lock keyed by a
	// hash of the identity id. It returns ErrLockBusy when contended;
	// on success the returned func releases the lock and must always be
	// called, including on error paths.
	TryLock(ctx context.Context, identityID string) (unlock func(), err error)

	GetIdentity(ctx context.Context, identityID string) (*IdentityRecord, error)
	PutIdentity(ctx context.Context, rec *IdentityRecord) error

	GetLease(ctx context.Context, identityID string) (*LeaseRecord, error)
	PutLease(ctx context.Context, rec *LeaseRecord) error
	DeleteLease(ctx context.Context, identityID, sessionID string) error

	GetHead(ctx context.Context, identityID string) (*chain.StateEntry, error)
	AppendEntries(ctx context.Context, identityID string, entries []*chain.StateEntry) error
	GetEntries(ctx context.Context, identityID string, from, to uint64) ([]*chain.StateEntry, error)
}
