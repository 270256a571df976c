package lease

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	domainLease "github.com/soleid/soleid/internal/domain/lease"
)

// Transport carries lease operations to the remote Authority. Acquire
// authenticates with a signed request; renew and release authenticate by
// possession of the current token.
type Transport interface {
	AcquireLease(ctx context.Context, req domainLease.Request) (*domainLease.Grant, error)
	RenewLease(ctx context.Context, identityID, sessionID, token string) (*domainLease.Grant, error)
	ReleaseLease(ctx context.Context, identityID, sessionID, token string) error
}

// Manager orchestrates acquire/renew/release for one identity in one
// process. All access to the current lease is serialized behind a mutex:
// the heartbeat mutates it concurrently with foreground reads.
type Manager struct {
	identityID string
	signer     domainLease.Signer
	transport  Transport
	now        func() time.Time
	logger     zerolog.Logger

	mu      sync.Mutex
	current *domainLease.Lease

	heartbeat *Heartbeat
}

// Config tunes the manager and its optional heartbeat.
type Config struct {
	// AutoRenew starts a background heartbeat on acquire.
	AutoRenew bool
	Heartbeat HeartbeatConfig
}

// NewManager creates a lease manager.
func NewManager(identityID string, signer domainLease.Signer, transport Transport, cfg Config, logger zerolog.Logger) *Manager {
	m := &Manager{
		identityID: identityID,
		signer:     signer,
		transport:  transport,
		now:        time.Now,
		logger:     logger.With().Str("service", "lease").Str("identity_id", identityID).Logger(),
	}
	if cfg.AutoRenew {
		m.heartbeat = NewHeartbeat(m, cfg.Heartbeat, logger)
	}
	return m
}

// WithClock overrides the time source. Used in tests.
func (m *Manager) WithClock(now func() time.Time) *Manager {
	m.now = now
	return m
}

// Acquire requests exclusivity from the Authority under a fresh random
// session id. A lease held by another session surfaces as
// *lease.HeldError so callers can branch on it.
func (m *Manager) Acquire(ctx context.Context) (*domainLease.Lease, error) {
	m.mu.Lock()
	if m.current.Valid(m.now().UTC()) {
		lease := *m.current
		m.mu.Unlock()
		return &lease, nil
	}
	m.mu.Unlock()

	req := domainLease.Request{
		IdentityID: m.identityID,
		SessionID:  uuid.NewString(),
		Timestamp:  m.now().UTC(),
		Nonce:      uuid.NewString(),
	}
	if err := req.Sign(m.signer); err != nil {
		return nil, fmt.Errorf("failed to sign lease request: %w", err)
	}

	grant, err := m.transport.AcquireLease(ctx, req)
	if err != nil {
		return nil, err
	}

	lease := &domainLease.Lease{
		IdentityID: m.identityID,
		SessionID:  req.SessionID,
		Token:      grant.Token,
		TokenID:    grant.TokenID,
		AcquiredAt: m.now().UTC(),
		ExpiresAt:  grant.ExpiresAt,
		Sequence:   grant.Sequence,
	}
	m.mu.Lock()
	m.current = lease
	m.mu.Unlock()

	m.logger.Info().
		Str("session_id", lease.SessionID).
		Time("expires_at", lease.ExpiresAt).
		Msg("lease acquired")

	if m.heartbeat != nil {
		m.heartbeat.Start()
	}
	snapshot := *lease
	return &snapshot, nil
}

// Renew requests a new token and expiry bound to the same session with
// an incremented lease sequence. On failure the still-valid current
// token remains usable until its original expiry.
func (m *Manager) Renew(ctx context.Context) error {
	m.mu.Lock()
	if m.current == nil {
		m.mu.Unlock()
		return domainLease.ErrNotHeld
	}
	identityID, sessionID, tok := m.current.IdentityID, m.current.SessionID, m.current.Token
	m.mu.Unlock()

	grant, err := m.transport.RenewLease(ctx, identityID, sessionID, tok)
	if err != nil {
		return fmt.Errorf("renewal failed: %w", err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.current == nil || m.current.SessionID != sessionID {
		// Released or replaced while the renewal was in flight.
		return domainLease.ErrNotHeld
	}
	m.current.Token = grant.Token
	m.current.TokenID = grant.TokenID
	m.current.ExpiresAt = grant.ExpiresAt
	m.current.Sequence = grant.Sequence
	m.logger.Debug().
		Str("session_id", sessionID).
		Uint64("sequence", grant.Sequence).
		Time("expires_at", grant.ExpiresAt).
		Msg("lease renewed")
	return nil
}

// Release notifies the Authority best-effort, then clears local state
// and stops the heartbeat. Remote failures are swallowed: a lease that
// merely expires is safe.
func (m *Manager) Release(ctx context.Context) {
	if m.heartbeat != nil {
		m.heartbeat.Stop()
	}

	m.mu.Lock()
	current := m.current
	m.current = nil
	m.mu.Unlock()

	if current == nil {
		return
	}
	if err := m.transport.ReleaseLease(ctx, current.IdentityID, current.SessionID, current.Token); err != nil {
		m.logger.Warn().Err(err).Str("session_id", current.SessionID).Msg("best-effort release failed")
	} else {
		m.logger.Info().Str("session_id", current.SessionID).Msg("lease released")
	}
}

// Check is the cheap local guard required before any append: lease held
// and unexpired.
func (m *Manager) Check() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.current == nil {
		return domainLease.ErrNotHeld
	}
	if !m.current.Valid(m.now().UTC()) {
		return domainLease.ErrExpired
	}
	return nil
}

// Current returns a snapshot of the held lease, if any.
func (m *Manager) Current() (*domainLease.Lease, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.current == nil {
		return nil, false
	}
	snapshot := *m.current
	return &snapshot, true
}

// Expired reports heartbeat-detected expiry. The channel is closed when
// the heartbeat gives up on renewal.
func (m *Manager) Expired() <-chan struct{} {
	if m.heartbeat == nil {
		return nil
	}
	return m.heartbeat.Expired()
}

// clearExpired drops the current lease after the heartbeat gave up.
func (m *Manager) clearExpired(sessionID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.current != nil && m.current.SessionID == sessionID {
		m.current = nil
	}
}
