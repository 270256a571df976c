package memory

import (
	"context"
	"hash/fnv"
	"sync"
	"time"

	"github.com/soleid/soleid/internal/application/authority"
	"github.com/soleid/soleid/internal/domain/chain"
	"github.com/soleid/soleid/internal/domain/revocation"
)

// Store is the in-memory Authority store: identity keys, lease records,
// accepted chain entries and revocation records, plus the per-identity
// try-lock table. Single-node deployments and tests use it directly;
// the raft backend replicates the same shapes.
type Store struct {
	mu         sync.RWMutex
	identities map[string]*authority.IdentityRecord
	leases     map[string]*authority.LeaseRecord
	entries    map[string][]*chain.StateEntry

	lockMu sync.Mutex
	locks  map[uint64]bool

	revMu     sync.RWMutex
	tokenRevs map[string]*revocation.TokenRevocation
	keyRevs   map[string]*revocation.KeyRevocation
}

// NewStore creates an empty store.
func NewStore() *Store {
	return &Store{
		identities: map[string]*authority.IdentityRecord{},
		leases:     map[string]*authority.LeaseRecord{},
		entries:    map[string][]*chain.StateEntry{},
		locks:      map[uint64]bool{},
		tokenRevs:  map[string]*revocation.TokenRevocation{},
		keyRevs:    map[string]*revocation.KeyRevocation{},
	}
}

func lockKey(identityID string) uint64 {
	h := fnv.New64a()
	_, _ = h.Write([]byte(identityID))
	return h.Sum64()
}

// TryLock implements the atomic test-and-set exclusion primitive keyed
// by a hash of the identity id.
func (s *Store) TryLock(_ context.Context, identityID string) (func(), error) {
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
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.identities[identityID]
	if !ok {
		return nil, nil
	}
	out := *rec
	out.PublicKey = append([]byte(nil), rec.PublicKey...)
	return &out, nil
}

func (s *Store) PutIdentity(_ context.Context, rec *authority.IdentityRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	stored := *rec
	stored.PublicKey = append([]byte(nil), rec.PublicKey...)
	s.identities[rec.IdentityID] = &stored
	return nil
}

func (s *Store) GetLease(_ context.Context, identityID string) (*authority.LeaseRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.leases[identityID]
	if !ok {
		return nil, nil
	}
	out := *rec
	return &out, nil
}

func (s *Store) PutLease(_ context.Context, rec *authority.LeaseRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	stored := *rec
	s.leases[rec.IdentityID] = &stored
	return nil
}

func (s *Store) DeleteLease(_ context.Context, identityID, sessionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if rec, ok := s.leases[identityID]; ok && rec.SessionID == sessionID {
		delete(s.leases, identityID)
	}
	return nil
}

func (s *Store) GetHead(_ context.Context, identityID string) (*chain.StateEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	entries := s.entries[identityID]
	if len(entries) == 0 {
		return nil, nil
	}
	return entries[len(entries)-1].Clone(), nil
}

func (s *Store) AppendEntries(_ context.Context, identityID string, entries []*chain.StateEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, e := range entries {
		s.entries[identityID] = append(s.entries[identityID], e.Clone())
	}
	return nil
}

func (s *Store) GetEntries(_ context.Context, identityID string, from, to uint64) ([]*chain.StateEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*chain.StateEntry
	for _, e := range s.entries[identityID] {
		if e.Sequence >= from && e.Sequence <= to {
			out = append(out, e.Clone())
		}
	}
	return out, nil
}

// InsertTokenRevocation implements revocation.Repository. First write
// wins: re-revoking the same token id keeps the original record.
func (s *Store) InsertTokenRevocation(_ context.Context, rec *revocation.TokenRevocation) error {
	s.revMu.Lock()
	defer s.revMu.Unlock()
	if _, ok := s.tokenRevs[rec.TokenID]; ok {
		return nil
	}
	stored := *rec
	s.tokenRevs[rec.TokenID] = &stored
	return nil
}

func (s *Store) GetTokenRevocation(_ context.Context, tokenID string) (*revocation.TokenRevocation, error) {
	s.revMu.RLock()
	defer s.revMu.RUnlock()
	rec, ok := s.tokenRevs[tokenID]
	if !ok {
		return nil, nil
	}
	out := *rec
	return &out, nil
}

func (s *Store) DeleteTokenRevocationsBefore(_ context.Context, cutoff time.Time) (int, error) {
	s.revMu.Lock()
	defer s.revMu.Unlock()
	deleted := 0
	for id, rec := range s.tokenRevs {
		if rec.OriginalExpiry.Before(cutoff) {
			delete(s.tokenRevs, id)
			deleted++
		}
	}
	return deleted, nil
}

func (s *Store) InsertKeyRevocation(_ context.Context, rec *revocation.KeyRevocation) error {
	s.revMu.Lock()
	defer s.revMu.Unlock()
	if _, ok := s.keyRevs[rec.KeyID]; ok {
		return nil
	}
	stored := *rec
	s.keyRevs[rec.KeyID] = &stored
	return nil
}

func (s *Store) GetKeyRevocation(_ context.Context, keyID string) (*revocation.KeyRevocation, error) {
	s.revMu.RLock()
	defer s.revMu.RUnlock()
	rec, ok := s.keyRevs[keyID]
	if !ok {
		return nil, nil
	}
	out := *rec
	return &out, nil
}
