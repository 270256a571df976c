package revocation

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"

	domainRevocation "github.com/soleid/soleid/internal/domain/revocation"
	"github.com/soleid/soleid/internal/domain/revocation/mocks"
)

func TestRevokeToken(t *testing.T) {
	ctrl := gomock.NewController(t)
	repo := mocks.NewMockRepository(ctrl)
	svc := NewService(repo, zerolog.Nop())

	expiry := time.Now().Add(time.Minute).UTC()
	repo.EXPECT().
		InsertTokenRevocation(gomock.Any(), gomock.Any()).
		DoAndReturn(func(_ context.Context, rec *domainRevocation.TokenRevocation) error {
			assert.Equal(t, "tok-1", rec.TokenID)
			assert.Equal(t, "aid_test", rec.IdentityID)
			assert.Equal(t, "compromised", rec.Reason)
			assert.Equal(t, expiry, rec.OriginalExpiry)
			return nil
		})

	err := svc.RevokeToken(context.Background(), "tok-1", "aid_test", expiry, "compromised")
	require.NoError(t, err)
}

func TestRevokeTokenRepoError(t *testing.T) {
	ctrl := gomock.NewController(t)
	repo := mocks.NewMockRepository(ctrl)
	svc := NewService(repo, zerolog.Nop())

	repo.EXPECT().
		InsertTokenRevocation(gomock.Any(), gomock.Any()).
		Return(errors.New("db down"))

	err := svc.RevokeToken(context.Background(), "tok-1", "aid_test", time.Now(), "x")
	assert.Error(t, err)
}

func TestCheckToken(t *testing.T) {
	ctrl := gomock.NewController(t)
	repo := mocks.NewMockRepository(ctrl)
	svc := NewService(repo, zerolog.Nop())

	t.Run("not revoked", func(t *testing.T) {
		repo.EXPECT().GetTokenRevocation(gomock.Any(), "tok-1").Return(nil, nil)
		_, _, revoked, err := svc.CheckToken(context.Background(), "tok-1")
		require.NoError(t, err)
		assert.False(t, revoked)
	})

	t.Run("revoked", func(t *testing.T) {
		repo.EXPECT().GetTokenRevocation(gomock.Any(), "tok-2").Return(&domainRevocation.TokenRevocation{
			TokenID:    "tok-2",
			IdentityID: "aid_test",
			Reason:     "compromised",
		}, nil)
		identityID, reason, revoked, err := svc.CheckToken(context.Background(), "tok-2")
		require.NoError(t, err)
		assert.True(t, revoked)
		assert.Equal(t, "aid_test", identityID)
		assert.Equal(t, "compromised", reason)
	})

	t.Run("repo error", func(t *testing.T) {
		repo.EXPECT().GetTokenRevocation(gomock.Any(), "tok-3").Return(nil, errors.New("db down"))
		_, _, _, err := svc.CheckToken(context.Background(), "tok-3")
		assert.Error(t, err)
	})
}

func TestIsKeyRevoked(t *testing.T) {
	ctrl := gomock.NewController(t)
	repo := mocks.NewMockRepository(ctrl)
	svc := NewService(repo, zerolog.Nop())

	now := time.Now().UTC()
	svc.WithClock(func() time.Time { return now })

	t.Run("unknown key", func(t *testing.T) {
		repo.EXPECT().GetKeyRevocation(gomock.Any(), "k1").Return(nil, nil)
		revoked, err := svc.IsKeyRevoked(context.Background(), "k1", true)
		require.NoError(t, err)
		assert.False(t, revoked)
	})

	t.Run("inside grace window", func(t *testing.T) {
		rec := &domainRevocation.KeyRevocation{KeyID: "k2", GracePeriodEnd: now.Add(time.Hour)}
		repo.EXPECT().GetKeyRevocation(gomock.Any(), "k2").Return(rec, nil).Times(2)

		revoked, err := svc.IsKeyRevoked(context.Background(), "k2", true)
		require.NoError(t, err)
		assert.False(t, revoked)

		revoked, err = svc.IsKeyRevoked(context.Background(), "k2", false)
		require.NoError(t, err)
		assert.True(t, revoked)
	})

	t.Run("past grace window", func(t *testing.T) {
		rec := &domainRevocation.KeyRevocation{KeyID: "k3", GracePeriodEnd: now.Add(-time.Hour)}
		repo.EXPECT().GetKeyRevocation(gomock.Any(), "k3").Return(rec, nil)
		revoked, err := svc.IsKeyRevoked(context.Background(), "k3", true)
		require.NoError(t, err)
		assert.True(t, revoked)
	})
}

func TestCleanup(t *testing.T) {
	ctrl := gomock.NewController(t)
	repo := mocks.NewMockRepository(ctrl)
	svc := NewService(repo, zerolog.Nop())

	now := time.Now().UTC()
	svc.WithClock(func() time.Time { return now })

	repo.EXPECT().
		DeleteTokenRevocationsBefore(gomock.Any(), now.Add(-24*time.Hour)).
		Return(3, nil)

	n, err := svc.Cleanup(context.Background(), 24*time.Hour)
	require.NoError(t, err)
	assert.Equal(t, 3, n)
}
