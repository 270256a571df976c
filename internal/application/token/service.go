package token

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/crypto/chacha20poly1305"

	domainToken "github.com/soleid/soleid/internal/domain/token"
	"github.com/soleid/soleid/internal/infrastructure/keystore"
)

// tokenVersion prefixes every sealed token.
var tokenVersion = []byte("SLD1")

// RevocationChecker answers whether a token or its sealing key has been
// revoked.
type RevocationChecker interface {
	CheckToken(ctx context.Context, tokenID string) (identityID, reason string, revoked bool, err error)
	IsKeyRevoked(ctx context.Context, keyID string, honorGrace bool) (bool, error)
}

// Service issues and verifies opaque lease tokens. Tokens are
// authenticated-encrypted with XChaCha20-Poly1305 under the current key;
// tokens sealed under a still-listed previous key remain verifiable
// after rotation.
type Service struct {
	keys        *keystore.TokenKeyStore
	revocations RevocationChecker
	now         func() time.Time
	logger      zerolog.Logger
}

// NewService creates a token service. revocations may be nil, in which
// case no revocation predicate is consulted.
func NewService(keys *keystore.TokenKeyStore, revocations RevocationChecker, logger zerolog.Logger) *Service {
	return &Service{
		keys:        keys,
		revocations: revocations,
		now:         time.Now,
		logger:      logger.With().Str("service", "token").Logger(),
	}
}

// WithClock overrides the time source. Used in tests.
func (s *Service) WithClock(now func() time.Time) *Service {
	s.now = now
	return s
}

// Issue seals a fresh token for one lease session.
func (s *Service) Issue(identityID, sessionID string, ttl time.Duration, sequence uint64) (tokenString, tokenID string, expiresAt time.Time, err error) {
	current := s.keys.CurrentKey()
	now := s.now().UTC()
	payload := domainToken.Payload{
		IdentityID: identityID,
		SessionID:  sessionID,
		IssuedAt:   now,
		ExpiresAt:  now.Add(ttl),
		TokenID:    uuid.NewString(),
		KeyID:      current.ID,
		Sequence:   sequence,
	}
	plaintext, err := json.Marshal(payload)
	if err != nil {
		return "", "", time.Time{}, err
	}

	aead, err := chacha20poly1305.NewX(current.Key)
	if err != nil {
		return "", "", time.Time{}, fmt.Errorf("invalid token key %s: %w", current.ID, err)
	}
	nonce := make([]byte, chacha20poly1305.NonceSizeX)
	if _, err := rand.Read(nonce); err != nil {
		return "", "", time.Time{}, err
	}

	// Clear header: version, key id, nonce. The key id lets any party
	// identify the producing key without decrypting.
	blob := make([]byte, 0, len(tokenVersion)+1+len(current.ID)+len(nonce)+len(plaintext)+aead.Overhead())
	blob = append(blob, tokenVersion...)
	blob = append(blob, byte(len(current.ID)))
	blob = append(blob, current.ID...)
	blob = append(blob, nonce...)
	blob = aead.Seal(blob, nonce, plaintext, blob[:len(blob)-len(nonce)])

	s.logger.Debug().
		Str("identity_id", identityID).
		Str("session_id", sessionID).
		Str("token_id", payload.TokenID).
		Str("key_id", current.ID).
		Msg("token issued")
	return base64.RawURLEncoding.EncodeToString(blob), payload.TokenID, payload.ExpiresAt, nil
}

// Verify opens a token under the current key, then each configured
// previous key in order, failing closed if none succeed; it then checks
// expiry and, when a revocation checker is configured, the revocation
// predicate.
func (s *Service) Verify(ctx context.Context, tokenString string) (*domainToken.Payload, error) {
	blob, err := base64.RawURLEncoding.DecodeString(tokenString)
	if err != nil {
		return nil, domainToken.ErrInvalid
	}
	header, nonce, ciphertext, ok := splitToken(blob)
	if !ok {
		return nil, domainToken.ErrInvalid
	}

	candidates := append([]keystore.NamedKey{s.keys.CurrentKey()}, s.keys.PreviousKeys()...)
	var plaintext []byte
	opened := false
	for _, cand := range candidates {
		aead, err := chacha20poly1305.NewX(cand.Key)
		if err != nil {
			continue
		}
		if pt, err := aead.Open(nil, nonce, ciphertext, header); err == nil {
			plaintext = pt
			opened = true
			break
		}
	}
	if !opened {
		return nil, domainToken.ErrInvalid
	}

	var payload domainToken.Payload
	if err := json.Unmarshal(plaintext, &payload); err != nil {
		return nil, domainToken.ErrInvalid
	}
	if payload.Expired(s.now().UTC()) {
		return nil, domainToken.ErrExpired
	}
	if s.revocations != nil {
		// grace windows keep rotation zero-downtime: a key revocation
		// inside its grace period does not invalidate tokens yet
		keyRevoked, err := s.revocations.IsKeyRevoked(ctx, payload.KeyID, true)
		if err != nil {
			return nil, fmt.Errorf("key revocation check failed: %w", err)
		}
		if keyRevoked {
			return nil, &domainToken.RevokedError{
				IdentityID: payload.IdentityID,
				TokenID:    payload.TokenID,
				Reason:     "sealing key revoked",
			}
		}
		identityID, reason, revoked, err := s.revocations.CheckToken(ctx, payload.TokenID)
		if err != nil {
			return nil, fmt.Errorf("revocation check failed: %w", err)
		}
		if revoked {
			if identityID == "" {
				identityID = payload.IdentityID
			}
			return nil, &domainToken.RevokedError{IdentityID: identityID, TokenID: payload.TokenID, Reason: reason}
		}
	}
	return &payload, nil
}

// splitToken separates the clear header (version, key id, nonce) from
// the ciphertext. The header portion before the nonce is bound as AEAD
// associated data.
func splitToken(blob []byte) (header, nonce, ciphertext []byte, ok bool) {
	i := len(tokenVersion)
	if len(blob) < i+1 {
		return nil, nil, nil, false
	}
	for j := 0; j < i; j++ {
		if blob[j] != tokenVersion[j] {
			return nil, nil, nil, false
		}
	}
	kidLen := int(blob[i])
	i++
	if len(blob) < i+kidLen+chacha20poly1305.NonceSizeX+chacha20poly1305.Overhead {
		return nil, nil, nil, false
	}
	i += kidLen
	header = blob[:i]
	nonce = blob[i : i+chacha20poly1305.NonceSizeX]
	ciphertext = blob[i+chacha20poly1305.NonceSizeX:]
	return header, nonce, ciphertext, true
}

// KeyID extracts the clear-header key id of a token without opening it.
func KeyID(tokenString string) (string, error) {
	blob, err := base64.RawURLEncoding.DecodeString(tokenString)
	if err != nil {
		return "", domainToken.ErrInvalid
	}
	i := len(tokenVersion)
	if len(blob) < i+1 {
		return "", domainToken.ErrInvalid
	}
	kidLen := int(blob[i])
	if len(blob) < i+1+kidLen {
		return "", domainToken.ErrInvalid
	}
	return string(blob[i+1 : i+1+kidLen]), nil
}
