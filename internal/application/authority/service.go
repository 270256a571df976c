package authority

import (
	"bytes"
	"context"
	"crypto/ed25519"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/soleid/soleid/internal/domain/chain"
	domainLease "github.com/soleid/soleid/internal/domain/lease"
	domainToken "github.com/soleid/soleid/internal/domain/token"
)

// TokenIssuer issues and verifies the bearer tokens authorizing lease
// operations and appends.
type TokenIssuer interface {
	Issue(identityID, sessionID string, ttl time.Duration, sequence uint64) (token, tokenID string, expiresAt time.Time, err error)
	Verify(ctx context.Context, token string) (*domainToken.Payload, error)
}

// Config tunes the Authority service.
type Config struct {
	// LeaseTTL is the validity window of issued leases.
	LeaseTTL time.Duration
	// RequestMaxSkew bounds how far a lease request timestamp may drift
	// from the Authority clock.
	RequestMaxSkew time.Duration
	// Policy optionally gates admissions.
	Policy *AdmissionPolicy
}

func (c Config) normalized() Config {
	if c.LeaseTTL <= 0 {
		c.LeaseTTL = 60 * time.Second
	}
	if c.RequestMaxSkew <= 0 {
		c.RequestMaxSkew = 5 * time.Minute
	}
	return c
}

// Service enforces "at most one lease active per identity" and guards
// the chain-head registry with a fork detector.
type Service struct {
	store    Store
	tokens   TokenIssuer
	verifier *chain.Verifier
	cfg      Config
	now      func() time.Time
	logger   zerolog.Logger
}

// NewService creates the Authority service.
func NewService(store Store, tokens TokenIssuer, cfg Config, logger zerolog.Logger) *Service {
	return &Service{
		store:    store,
		tokens:   tokens,
		verifier: chain.NewVerifier(),
		cfg:      cfg.normalized(),
		now:      time.Now,
		logger:   logger.With().Str("service", "authority").Logger(),
	}
}

// WithClock overrides the time source. Used in tests.
func (s *Service) WithClock(now func() time.Time) *Service {
	s.now = now
	return s
}

// Acquire processes a signed lease request. The per-identity exclusion
// lock is held only for the duration of this call; the persisted lease
// record is the durable truth.
func (s *Service) Acquire(ctx context.Context, req domainLease.Request) (*domainLease.Grant, error) {
	pub, err := req.Verify()
	if err != nil {
		return nil, fmt.Errorf("invalid lease request: %w", err)
	}
	now := s.now().UTC()
	if skew := now.Sub(req.Timestamp.UTC()); skew > s.cfg.RequestMaxSkew || skew < -s.cfg.RequestMaxSkew {
		return nil, errors.New("lease request timestamp outside accepted window")
	}
	if admitted, err := s.cfg.Policy.Admit(req.IdentityID, req.SessionID, false, 0); err != nil {
		return nil, fmt.Errorf("policy evaluation failed: %w", err)
	} else if !admitted {
		return nil, domainLease.ErrPolicyDenied
	}

	unlock, err := s.store.TryLock(ctx, req.IdentityID)
	if err != nil {
		if errors.Is(err, ErrLockBusy) {
			return nil, &domainLease.HeldError{IdentityID: req.IdentityID, HolderSessionID: "unknown"}
		}
		return nil, err
	}
	defer unlock()

	if err := s.pinIdentity(ctx, req.IdentityID, pub); err != nil {
		return nil, err
	}

	existing, err := s.store.GetLease(ctx, req.IdentityID)
	if err != nil {
		return nil, err
	}
	if existing.Active(now) && existing.SessionID != req.SessionID {
		return nil, &domainLease.HeldError{
			IdentityID:      req.IdentityID,
			HolderSessionID: existing.SessionID,
			ExpiresAt:       existing.ExpiresAt,
		}
	}

	tok, tokenID, expiresAt, err := s.tokens.Issue(req.IdentityID, req.SessionID, s.cfg.LeaseTTL, 0)
	if err != nil {
		return nil, fmt.Errorf("token issuance failed: %w", err)
	}
	rec := &LeaseRecord{
		IdentityID: req.IdentityID,
		SessionID:  req.SessionID,
		TokenID:    tokenID,
		Sequence:   0,
		AcquiredAt: now,
		ExpiresAt:  expiresAt,
	}
	if err := s.store.PutLease(ctx, rec); err != nil {
		return nil, err
	}

	s.logger.Info().
		Str("identity_id", req.IdentityID).
		Str("session_id", req.SessionID).
		Time("expires_at", expiresAt).
		Msg("lease granted")
	return &domainLease.Grant{
		IdentityID: req.IdentityID,
		SessionID:  req.SessionID,
		Token:      tok,
		TokenID:    tokenID,
		ExpiresAt:  expiresAt,
		Sequence:   0,
	}, nil
}

// pinIdentity registers the key on first contact and rejects key
// changes afterwards.
func (s *Service) pinIdentity(ctx context.Context, identityID string, pub ed25519.PublicKey) error {
	rec, err := s.store.GetIdentity(ctx, identityID)
	if err != nil {
		return err
	}
	if rec == nil {
		return s.store.PutIdentity(ctx, &IdentityRecord{
			IdentityID:   identityID,
			PublicKey:    append([]byte(nil), pub...),
			RegisteredAt: s.now().UTC(),
		})
	}
	if !bytes.Equal(rec.PublicKey, pub) {
		return fmt.Errorf("public key mismatch for identity %s", identityID)
	}
	return nil
}

// Renew authenticates by possession of the current token and issues a
// replacement bound to the same session with an incremented sequence.
func (s *Service) Renew(ctx context.Context, identityID, sessionID, tokenString string) (*domainLease.Grant, error) {
	payload, err := s.authorize(ctx, identityID, sessionID, tokenString)
	if err != nil {
		return nil, err
	}

	unlock, err := s.store.TryLock(ctx, identityID)
	if err != nil {
		if errors.Is(err, ErrLockBusy) {
			return nil, ErrLockBusy
		}
		return nil, err
	}
	defer unlock()

	rec, err := s.store.GetLease(ctx, identityID)
	if err != nil {
		return nil, err
	}
	now := s.now().UTC()
	if !rec.Active(now) || rec.SessionID != sessionID {
		return nil, domainLease.ErrNotHeld
	}

	next := payload.Sequence + 1
	if admitted, err := s.cfg.Policy.Admit(identityID, sessionID, true, next); err != nil {
		return nil, fmt.Errorf("policy evaluation failed: %w", err)
	} else if !admitted {
		return nil, domainLease.ErrPolicyDenied
	}

	tok, tokenID, expiresAt, err := s.tokens.Issue(identityID, sessionID, s.cfg.LeaseTTL, next)
	if err != nil {
		return nil, fmt.Errorf("token issuance failed: %w", err)
	}
	rec.TokenID = tokenID
	rec.Sequence = next
	rec.ExpiresAt = expiresAt
	if err := s.store.PutLease(ctx, rec); err != nil {
		return nil, err
	}

	s.logger.Debug().
		Str("identity_id", identityID).
		Str("session_id", sessionID).
		Uint64("sequence", next).
		Msg("lease renewed")
	return &domainLease.Grant{
		IdentityID: identityID,
		SessionID:  sessionID,
		Token:      tok,
		TokenID:    tokenID,
		ExpiresAt:  expiresAt,
		Sequence:   next,
	}, nil
}

// Release drops the lease record. Token problems still release when the
// session matches the persisted record: release is safe by design.
func (s *Service) Release(ctx context.Context, identityID, sessionID, tokenString string) error {
	if _, err := s.authorize(ctx, identityID, sessionID, tokenString); err != nil {
		return err
	}
	if err := s.store.DeleteLease(ctx, identityID, sessionID); err != nil {
		return err
	}
	s.logger.Info().Str("identity_id", identityID).Str("session_id", sessionID).Msg("lease released")
	return nil
}

// authorize validates the bearer token and its binding to the claimed
// identity and session.
func (s *Service) authorize(ctx context.Context, identityID, sessionID, tokenString string) (*domainToken.Payload, error) {
	payload, err := s.tokens.Verify(ctx, tokenString)
	if err != nil {
		return nil, err
	}
	if payload.IdentityID != identityID || payload.SessionID != sessionID {
		return nil, domainToken.ErrInvalid
	}
	return payload, nil
}

// AppendState accepts a pushed head when the bearer token is valid, the
// lease is active and the fork detector admits the extension.
func (s *Service) AppendState(ctx context.Context, identityID, tokenString string, head *chain.StateEntry, extension []*chain.StateEntry) error {
	payload, err := s.tokens.Verify(ctx, tokenString)
	if err != nil {
		return err
	}
	if payload.IdentityID != identityID {
		return domainToken.ErrInvalid
	}
	rec, err := s.store.GetLease(ctx, identityID)
	if err != nil {
		return err
	}
	if !rec.Active(s.now().UTC()) || rec.SessionID != payload.SessionID {
		return domainLease.ErrNotHeld
	}

	identity, err := s.store.GetIdentity(ctx, identityID)
	if err != nil {
		return err
	}
	if identity == nil {
		return fmt.Errorf("unknown identity %s", identityID)
	}

	// The head read, the fork-detector decision and the persist must see
	// a consistent head, so they run under the per-identity lock.
	unlock, err := s.store.TryLock(ctx, identityID)
	if err != nil {
		if errors.Is(err, ErrLockBusy) {
			return ErrLockBusy
		}
		return err
	}
	defer unlock()

	known, hadHead := s.verifier.Head(identityID)
	if err := s.verifier.VerifyHead(identityID, identity.PublicKey, head, extension); err != nil {
		return err
	}

	// Persist exactly the entries newly accepted by the verifier.
	var accepted []*chain.StateEntry
	switch {
	case !hadHead:
		if n := len(extension); n > 0 && extension[n-1].EntryHash == head.EntryHash {
			accepted = extension
		} else {
			accepted = []*chain.StateEntry{head}
		}
	case head.Sequence > known.Sequence:
		accepted = extension
	default:
		return nil // re-submission of the accepted head
	}
	if err := s.store.AppendEntries(ctx, identityID, accepted); err != nil {
		return err
	}
	s.logger.Debug().
		Str("identity_id", identityID).
		Uint64("sequence", head.Sequence).
		Msg("state head advanced")
	return nil
}

// Head returns the last accepted head for an identity, nil when unseen.
func (s *Service) Head(ctx context.Context, identityID string) (*chain.StateEntry, error) {
	if head, ok := s.verifier.Head(identityID); ok {
		return head, nil
	}
	head, err := s.store.GetHead(ctx, identityID)
	if err != nil {
		return nil, err
	}
	if head != nil {
		// Warm the detector from durable state on first touch.
		identity, err := s.store.GetIdentity(ctx, identityID)
		if err == nil && identity != nil {
			_ = s.verifier.VerifyHead(identityID, identity.PublicKey, head, nil)
		}
	}
	return head, nil
}

// History returns the persisted entries in [from, to] order.
func (s *Service) History(ctx context.Context, identityID string, from, to uint64) ([]*chain.StateEntry, error) {
	return s.store.GetEntries(ctx, identityID, from, to)
}
