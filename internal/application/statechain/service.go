package statechain

import (
	"context"
	"crypto/ed25519"
	"errors"
	"fmt"
	"sync"

	"github.com/rs/zerolog"

	"github.com/soleid/soleid/internal/domain/chain"
	"github.com/soleid/soleid/internal/domain/merkle"
	"github.com/soleid/soleid/internal/infrastructure/chainfile"
)

// Remote is the Authority-facing transport for chain synchronization.
// Transient failures are retryable by the transport; terminal rejections
// (fork detected, lease missing) are not.
type Remote interface {
	AppendState(ctx context.Context, entry *chain.StateEntry) error
	GetStateHead(ctx context.Context, identityID string) (*chain.StateEntry, error)
	GetStateHistory(ctx context.Context, identityID string, from, to uint64) ([]*chain.StateEntry, error)
}

// LeaseGuard is consulted before every append. A stale or expired lease
// must block the append rather than silently writing an entry nobody
// will accept.
type LeaseGuard func() error

// Service owns the persisted, ordered entry sequence for one identity.
type Service struct {
	mu         sync.Mutex
	identityID string
	pub        ed25519.PublicKey
	builder    *chain.Builder
	entries    []*chain.StateEntry
	store      *chainfile.Store
	remote     Remote
	guard      LeaseGuard
	logger     zerolog.Logger
}

// Option configures optional collaborators.
type Option func(*Service)

// WithStore attaches crash-safe local persistence.
func WithStore(store *chainfile.Store) Option {
	return func(s *Service) { s.store = store }
}

// WithRemote attaches the Authority transport.
func WithRemote(remote Remote) Option {
	return func(s *Service) { s.remote = remote }
}

// WithLeaseGuard attaches the lease-validity check run before appends.
func WithLeaseGuard(guard LeaseGuard) Option {
	return func(s *Service) { s.guard = guard }
}

// NewService creates the chain service and, when persistence is
// configured, performs the crash-recovered local load before any append
// is allowed.
func NewService(identityID string, signer chain.Signer, logger zerolog.Logger, opts ...Option) (*Service, error) {
	builder, err := chain.NewBuilder(identityID, signer)
	if err != nil {
		return nil, err
	}
	s := &Service{
		identityID: identityID,
		pub:        signer.Public(),
		builder:    builder,
		logger:     logger.With().Str("service", "statechain").Str("identity_id", identityID).Logger(),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.store != nil {
		entries, err := s.store.Load()
		if err != nil {
			return nil, fmt.Errorf("failed to load persisted chain: %w", err)
		}
		if err := chain.VerifyChain(entries, s.pub); err != nil {
			return nil, fmt.Errorf("persisted chain failed verification: %w", err)
		}
		s.entries = entries
		if len(entries) > 0 {
			s.logger.Info().Uint64("sequence", entries[len(entries)-1].Sequence).Msg("chain recovered from disk")
		}
	}
	return s, nil
}

// Len returns the number of held entries.
func (s *Service) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

// Head returns the current head entry, if any.
func (s *Service) Head() (*chain.StateEntry, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.entries) == 0 {
		return nil, false
	}
	return s.entries[len(s.entries)-1].Clone(), true
}

// Entries returns a snapshot of all held entries in order.
func (s *Service) Entries() []*chain.StateEntry {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*chain.StateEntry, 0, len(s.entries))
	for _, e := range s.entries {
		out = append(out, e.Clone())
	}
	return out
}

// Append builds, persists and holds the next entry.
func (s *Service) Append(actionType chain.ActionType, summary string, payload map[string]any) (*chain.StateEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.appendLocked(actionType, summary, payload)
}

func (s *Service) appendLocked(actionType chain.ActionType, summary string, payload map[string]any) (*chain.StateEntry, error) {
	if s.guard != nil {
		if err := s.guard(); err != nil {
			return nil, fmt.Errorf("append blocked: %w", err)
		}
	}
	var prev *chain.StateEntry
	if len(s.entries) > 0 {
		prev = s.entries[len(s.entries)-1]
	}
	entry, err := s.builder.Next(prev, actionType, summary, payload)
	if err != nil {
		return nil, err
	}
	if s.store != nil {
		if err := s.store.Append(entry); err != nil {
			return nil, fmt.Errorf("failed to persist entry: %w", err)
		}
	}
	s.entries = append(s.entries, entry)
	s.logger.Debug().Uint64("sequence", entry.Sequence).Str("action_type", string(actionType)).Msg("entry appended")
	return entry.Clone(), nil
}

// AppendAndSync appends locally then pushes to the Authority. On remote
// rejection the local entry is popped and the rejection returned: local
// and remote truth must never diverge.
func (s *Service) AppendAndSync(ctx context.Context, actionType chain.ActionType, summary string, payload map[string]any) (*chain.StateEntry, error) {
	if s.remote == nil {
		return nil, errors.New("no remote configured")
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	entry, err := s.appendLocked(actionType, summary, payload)
	if err != nil {
		return nil, err
	}
	if err := s.remote.AppendState(ctx, entry); err != nil {
		popped := s.entries[:len(s.entries)-1]
		if s.store != nil {
			if rwErr := s.store.Rewrite(popped); rwErr != nil {
				return nil, fmt.Errorf("remote rejected entry and local pop failed: %v (remote: %w)", rwErr, err)
			}
		}
		s.entries = popped
		return nil, fmt.Errorf("remote rejected entry at sequence %d: %w", entry.Sequence, err)
	}
	return entry, nil
}

// Commitment builds the Merkle commitment over the current chain. The
// root plus a per-entry proof lets a third party check that one entry
// is part of the history without seeing the rest of it.
func (s *Service) Commitment() (*merkle.ChainCommitment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return merkle.BuildChainCommitment(s.snapshotLocked())
}

// Verify re-checks the per-entry and linkage invariants for every held
// entry.
func (s *Service) Verify() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return chain.VerifyChain(s.entries, s.pub)
}

// VerifyAgainstRemote compares the local chain with the Authority's
// head. A remote head behind the local one is only rejected when its
// hash differs at the shared sequence (fork); a remote head ahead of the
// local one is fetched and validated entry by entry before acceptance.
func (s *Service) VerifyAgainstRemote(ctx context.Context) error {
	if s.remote == nil {
		return errors.New("no remote configured")
	}
	remoteHead, err := s.remote.GetStateHead(ctx, s.identityID)
	if err != nil {
		return fmt.Errorf("failed to fetch remote head: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if remoteHead == nil {
		return nil
	}
	if err := remoteHead.Validate(s.pub); err != nil {
		return fmt.Errorf("invalid remote head: %w", err)
	}
	if len(s.entries) == 0 {
		return s.adoptRemoteLocked(ctx, nil, remoteHead)
	}

	local := s.entries[len(s.entries)-1]
	switch {
	case remoteHead.Sequence < local.Sequence:
		at := s.entries[remoteHead.Sequence]
		if at.EntryHash != remoteHead.EntryHash {
			return &chain.ForkError{
				IdentityID: s.identityID,
				Sequence:   remoteHead.Sequence,
				Expected:   at.EntryHash,
				Actual:     remoteHead.EntryHash,
			}
		}
		return nil

	case remoteHead.Sequence == local.Sequence:
		if remoteHead.EntryHash != local.EntryHash {
			return &chain.ForkError{
				IdentityID: s.identityID,
				Sequence:   local.Sequence,
				Expected:   local.EntryHash,
				Actual:     remoteHead.EntryHash,
			}
		}
		return nil

	default:
		return s.adoptRemoteLocked(ctx, local, remoteHead)
	}
}

// adoptRemoteLocked fetches the missing range and validates it against
// the invariants and strict linkage before accepting.
func (s *Service) adoptRemoteLocked(ctx context.Context, local *chain.StateEntry, remoteHead *chain.StateEntry) error {
	from := uint64(0)
	if local != nil {
		from = local.Sequence + 1
	}
	missing, err := s.remote.GetStateHistory(ctx, s.identityID, from, remoteHead.Sequence)
	if err != nil {
		return fmt.Errorf("failed to fetch missing range: %w", err)
	}
	if uint64(len(missing)) != remoteHead.Sequence-from+1 {
		return fmt.Errorf("remote returned %d entries for range [%d,%d]", len(missing), from, remoteHead.Sequence)
	}
	prev := local
	for _, entry := range missing {
		if err := entry.Validate(s.pub); err != nil {
			return fmt.Errorf("invalid remote entry at sequence %d: %w", entry.Sequence, err)
		}
		if err := entry.VerifyLink(prev); err != nil {
			return &chain.ForkError{
				IdentityID: s.identityID,
				Sequence:   entry.Sequence,
				Expected:   prevHashOf(prev),
				Actual:     entry.PrevHash,
			}
		}
		prev = entry
	}
	if prev.EntryHash != remoteHead.EntryHash {
		return fmt.Errorf("remote history does not end at the claimed head")
	}

	adopted := append(s.snapshotLocked(), missing...)
	if s.store != nil {
		if err := s.store.Rewrite(adopted); err != nil {
			return fmt.Errorf("failed to persist adopted entries: %w", err)
		}
	}
	s.entries = adopted
	s.logger.Info().Uint64("sequence", remoteHead.Sequence).Msg("adopted remote extension")
	return nil
}

func prevHashOf(prev *chain.StateEntry) chain.Digest {
	if prev == nil {
		return chain.Genesis
	}
	return prev.EntryHash
}

func (s *Service) snapshotLocked() []*chain.StateEntry {
	out := make([]*chain.StateEntry, 0, len(s.entries))
	for _, e := range s.entries {
		out = append(out, e.Clone())
	}
	return out
}
