package revocation

import (
	"strings"
	"time"
)

// TokenRevocation marks one issued token as revoked before its natural
// expiry. Records are garbage-collected once the original expiry plus a
// retention window has passed: an expired token is rejected on expiry
// alone and needs no bookkeeping.
type TokenRevocation struct {
	TokenID        string    `json:"token_id"`
	IdentityID     string    `json:"identity_id"`
	OriginalExpiry time.Time `json:"original_expiry"`
	Reason         string    `json:"reason"`
	RevokedAt      time.Time `json:"revoked_at"`
}

// KeyRevocation marks a token-sealing key as revoked. Tokens under the
// key remain acceptable until GracePeriodEnd so rotation causes no
// downtime.
type KeyRevocation struct {
	KeyID          string    `json:"key_id"`
	Reason         string    `json:"reason"`
	GracePeriodEnd time.Time `json:"grace_period_end"`
	RevokedAt      time.Time `json:"revoked_at"`
}

// Effective reports whether the key revocation applies at now. With
// honorGrace set, a revocation inside its grace window is treated as
// not yet effective.
func (k *KeyRevocation) Effective(now time.Time, honorGrace bool) bool {
	if k == nil {
		return false
	}
	if honorGrace && now.Before(k.GracePeriodEnd) {
		return false
	}
	return true
}

// NewTokenRevocation builds a normalized token revocation record.
func NewTokenRevocation(tokenID, identityID string, originalExpiry time.Time, reason string) *TokenRevocation {
	return &TokenRevocation{
		TokenID:        strings.TrimSpace(tokenID),
		IdentityID:     strings.TrimSpace(identityID),
		OriginalExpiry: originalExpiry.UTC(),
		Reason:         strings.TrimSpace(reason),
		RevokedAt:      time.Now().UTC(),
	}
}

// NewKeyRevocation builds a normalized key revocation record.
func NewKeyRevocation(keyID, reason string, gracePeriodEnd time.Time) *KeyRevocation {
	return &KeyRevocation{
		KeyID:          strings.TrimSpace(keyID),
		Reason:         strings.TrimSpace(reason),
		GracePeriodEnd: gracePeriodEnd.UTC(),
		RevokedAt:      time.Now().UTC(),
	}
}
