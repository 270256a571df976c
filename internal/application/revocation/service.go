package revocation

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	domainRevocation "github.com/soleid/soleid/internal/domain/revocation"
)

// Service is the source of truth for the revocation predicate consulted
// during token verification, plus the operator-facing revoke/cleanup
// operations.
type Service struct {
	repo   domainRevocation.Repository
	now    func() time.Time
	logger zerolog.Logger
}

// NewService creates a revocation service.
func NewService(repo domainRevocation.Repository, logger zerolog.Logger) *Service {
	return &Service{
		repo:   repo,
		now:    time.Now,
		logger: logger.With().Str("service", "revocation").Logger(),
	}
}

// WithClock overrides the time source. Used in tests.
func (s *Service) WithClock(now func() time.Time) *Service {
	s.now = now
	return s
}

// RevokeToken records a token revocation. Re-revoking the same token id
// is a no-op upsert.
func (s *Service) RevokeToken(ctx context.Context, tokenID, identityID string, originalExpiry time.Time, reason string) error {
	rec := domainRevocation.NewTokenRevocation(tokenID, identityID, originalExpiry, reason)
	if err := s.repo.InsertTokenRevocation(ctx, rec); err != nil {
		return err
	}
	s.logger.Info().
		Str("token_id", rec.TokenID).
		Str("identity_id", rec.IdentityID).
		Str("reason", rec.Reason).
		Msg("token revoked")
	return nil
}

// RevokeKey marks a token-sealing key revoked with a grace window.
func (s *Service) RevokeKey(ctx context.Context, keyID, reason string, gracePeriodEnd time.Time) error {
	rec := domainRevocation.NewKeyRevocation(keyID, reason, gracePeriodEnd)
	if err := s.repo.InsertKeyRevocation(ctx, rec); err != nil {
		return err
	}
	s.logger.Info().
		Str("key_id", rec.KeyID).
		Str("reason", rec.Reason).
		Time("grace_period_end", rec.GracePeriodEnd).
		Msg("key revoked")
	return nil
}

// CheckToken implements the token service's revocation predicate.
func (s *Service) CheckToken(ctx context.Context, tokenID string) (identityID, reason string, revoked bool, err error) {
	rec, err := s.repo.GetTokenRevocation(ctx, tokenID)
	if err != nil {
		return "", "", false, err
	}
	if rec == nil {
		return "", "", false, nil
	}
	return rec.IdentityID, rec.Reason, true, nil
}

// IsKeyRevoked reports whether a key revocation is effective at now.
// With honorGrace set, a revocation still inside its grace window does
// not count, which keeps rotation zero-downtime.
func (s *Service) IsKeyRevoked(ctx context.Context, keyID string, honorGrace bool) (bool, error) {
	rec, err := s.repo.GetKeyRevocation(ctx, keyID)
	if err != nil {
		return false, err
	}
	return rec.Effective(s.now().UTC(), honorGrace), nil
}

// Cleanup deletes token revocation records whose original expiry plus
// retention has passed. Returns the number of deleted records.
func (s *Service) Cleanup(ctx context.Context, retention time.Duration) (int, error) {
	cutoff := s.now().UTC().Add(-retention)
	n, err := s.repo.DeleteTokenRevocationsBefore(ctx, cutoff)
	if err != nil {
		return 0, err
	}
	if n > 0 {
		s.logger.Info().Int("deleted", n).Time("cutoff", cutoff).Msg("revocation records cleaned up")
	}
	return n, nil
}
