package replica

import (
	"context"
	"errors"
	"hash/fnv"
	"sync"

	"github.com/soleid/soleid/internal/application/authority"
	"github.com/soleid/soleid/internal/domain/chain"
)

// ErrNotLeader is returned for writes submitted to a follower.
var ErrNotLeader = errors.New("not the raft leader")

// Store implements authority.Store on a raft node: reads come from the
// local machine, writes are replicated through the log. The exclusion
// lock stays node-local; it guards the leader's read-modify-write
// between GetLease and PutLease, while the log serializes the writes
// themselves.
type Store struct {
	node *Node

	lockMu sync.Mutex
	locks  map[uint64]bool
}

// NewStore wraps a raft node as an Authority store.
func NewStore(node *Node) *Store {
	return &Store{node: node, locks: map[uint64]bool{}}
}

func lockKey(identityID string) uint64 {
	h := fnv.New64a()
	_, _ = h.Write([]byte(identityID))
	return h.Sum64()
}

func (s *Store) TryLock(_ context.Context, identityID string) (func(), error) {
	if !s.node.IsLeader() {
		return nil, ErrNotLeader
	}
	key := lockKey(identityID)
	s.lockMu.Lock()
	defer s.lockMu.Unlock()
	if s.locks[key] {
		return nil, authority.ErrLockBusy
	}
	s.locks[key] = true
	var once sync.Once
	return func() {
		once.Do(func() {
			s.lockMu.Lock()
			delete(s.locks, key)
			s.lockMu.Unlock()
		})
	}, nil
}

func (s *Store) GetIdentity(_ context.Context, identityID string) (*authority.IdentityRecord, error) {
	return s.node.Machine().Identity(identityID), nil
}

func (s *Store) PutIdentity(ctx context.Context, rec *authority.IdentityRecord) error {
	return s.node.Apply(ctx, Command{Op: OpIdentityPut, IdentityID: rec.IdentityID, Identity: rec})
}

func (s *Store) GetLease(_ context.Context, identityID string) (*authority.LeaseRecord, error) {
	return s.node.Machine().Lease(identityID), nil
}

func (s *Store) PutLease(ctx context.Context, rec *authority.LeaseRecord) error {
	return s.node.Apply(ctx, Command{Op: OpLeasePut, IdentityID: rec.IdentityID, Lease: rec})
}

func (s *Store) DeleteLease(ctx context.Context, identityID, sessionID string) error {
	return s.node.Apply(ctx, Command{Op: OpLeaseDelete, IdentityID: identityID, SessionID: sessionID})
}

func (s *Store) GetHead(_ context.Context, identityID string) (*chain.StateEntry, error) {
	return s.node.Machine().Head(identityID), nil
}

func (s *Store) AppendEntries(ctx context.Context, identityID string, entries []*chain.StateEntry) error {
	return s.node.Apply(ctx, Command{Op: OpEntriesAppend, IdentityID: identityID, Entries: entries})
}

func (s *Store) GetEntries(_ context.Context, identityID string, from, to uint64) ([]*chain.StateEntry, error) {
	return s.node.Machine().EntriesRange(identityID, from, to), nil
}
