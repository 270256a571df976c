package revocation

//go:generate go run go.uber.org/mock/mockgen -destination=mocks/mock_repository.go -package=mocks . Repository

import (
	"context"
	"time"
)

// Repository persists revocation records. Inserts are idempotent upserts.
type Repository interface {
	InsertTokenRevocation(ctx context.Context, rec *TokenRevocation) error
	GetTokenRevocation(ctx context.Context, tokenID string) (*TokenRevocation, error)
	DeleteTokenRevocationsBefore(ctx context.Context, cutoff time.Time) (int, error)
	InsertKeyRevocation(ctx context.Context, rec *KeyRevocation) error
	GetKeyRevocation(ctx context.Context, keyID string) (*KeyRevocation, error)
}
