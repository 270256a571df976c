package token

import (
	"errors"
	"fmt"
	"time"
)

// Payload is the authenticated-encrypted content of a lease token.
type Payload struct {
	IdentityID string    `json:"identity_id"`
	SessionID  string    `json:"session_id"`
	IssuedAt   time.Time `json:"issued_at"`
	ExpiresAt  time.Time `json:"expires_at"`
	TokenID    string    `json:"token_id"`
	KeyID      string    `json:"key_id"`
	Sequence   uint64    `json:"sequence"`
}

// Expired reports whether the token is past its validity at now.
func (p *Payload) Expired(now time.Time) bool {
	return !now.Before(p.ExpiresAt)
}

// ErrInvalid means the token could not be authenticated under any
// configured key. Verification fails closed.
var ErrInvalid = errors.New("token invalid")

// ErrExpired means the token authenticated but is past expires_at.
// Distinct from ErrInvalid: re-acquisition is usually the right response.
var ErrExpired = errors.New("token expired")

// RevokedError means the token was explicitly revoked by an operator
// decision before its natural expiry.
type RevokedError struct {
	IdentityID string
	TokenID    string
	Reason     string
}

func (e *RevokedError) Error() string {
	return fmt.Sprintf("token %s for %s revoked: %s", e.TokenID, e.IdentityID, e.Reason)
}
