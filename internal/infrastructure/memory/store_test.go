package memory

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/soleid/soleid/internal/application/authority"
	"github.com/soleid/soleid/internal/domain/revocation"
)

func TestTryLockExclusion(t *testing.T) {
	store := NewStore()
	ctx := context.Background()

	unlock, err := store.TryLock(ctx, "aid_test")
	require.NoError(t, err)

	_, err = store.TryLock(ctx, "aid_test")
	assert.ErrorIs(t, err, authority.ErrLockBusy)

	// a different identity is independent
	other, err := store.TryLock(ctx, "aid_other")
	require.NoError(t, err)
	other()

	unlock()
	unlock() // idempotent

	reacquired, err := store.TryLock(ctx, "aid_test")
	require.NoError(t, err)
	reacquired()
}

func TestTryLockContention(t *testing.T) {
	store := NewStore()
	ctx := context.Background()

	const goroutines = 32
	var wg sync.WaitGroup
	var mu sync.Mutex
	var unlocks []func()

	for i := 0; i < goroutines; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			unlock, err := store.TryLock(ctx, "aid_test")
			if err != nil {
				return
			}
			mu.Lock()
			unlocks = append(unlocks, unlock)
			mu.Unlock()
		}()
	}
	wg.Wait()
	assert.Len(t, unlocks, 1, "exactly one goroutine may hold the lock")
	for _, unlock := range unlocks {
		unlock()
	}
}

func TestLeaseRoundTrip(t *testing.T) {
	store := NewStore()
	ctx := context.Background()

	rec, err := store.GetLease(ctx, "aid_test")
	require.NoError(t, err)
	assert.Nil(t, rec)

	now := time.Now().UTC()
	require.NoError(t, store.PutLease(ctx, &authority.LeaseRecord{
		IdentityID: "aid_test",
		SessionID:  "session-1",
		ExpiresAt:  now.Add(time.Minute),
	}))

	rec, err = store.GetLease(ctx, "aid_test")
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.Equal(t, "session-1", rec.SessionID)

	// mutating the returned copy does not touch the stored record
	rec.SessionID = "mutated"
	again, err := store.GetLease(ctx, "aid_test")
	require.NoError(t, err)
	assert.Equal(t, "session-1", again.SessionID)

	// delete requires the matching session
	require.NoError(t, store.DeleteLease(ctx, "aid_test", "wrong"))
	rec, err = store.GetLease(ctx, "aid_test")
	require.NoError(t, err)
	assert.NotNil(t, rec)

	require.NoError(t, store.DeleteLease(ctx, "aid_test", "session-1"))
	rec, err = store.GetLease(ctx, "aid_test")
	require.NoError(t, err)
	assert.Nil(t, rec)
}

func TestIdentityPinning(t *testing.T) {
	store := NewStore()
	ctx := context.Background()

	rec, err := store.GetIdentity(ctx, "aid_test")
	require.NoError(t, err)
	assert.Nil(t, rec)

	key := []byte{1, 2, 3}
	require.NoError(t, store.PutIdentity(ctx, &authority.IdentityRecord{
		IdentityID: "aid_test",
		PublicKey:  key,
	}))
	key[0] = 9 // caller's slice is not shared

	rec, err = store.GetIdentity(ctx, "aid_test")
	require.NoError(t, err)
	assert.Equal(t, []byte{1, 2, 3}, rec.PublicKey)
}

func TestTokenRevocationFirstWriteWins(t *testing.T) {
	store := NewStore()
	ctx := context.Background()

	first := revocation.NewTokenRevocation("tok-1", "aid_test", time.Now().Add(time.Minute), "compromised")
	require.NoError(t, store.InsertTokenRevocation(ctx, first))

	second := revocation.NewTokenRevocation("tok-1", "aid_test", time.Now().Add(time.Minute), "rewritten")
	require.NoError(t, store.InsertTokenRevocation(ctx, second))

	rec, err := store.GetTokenRevocation(ctx, "tok-1")
	require.NoError(t, err)
	assert.Equal(t, "compromised", rec.Reason)
}

func TestDeleteTokenRevocationsBefore(t *testing.T) {
	store := NewStore()
	ctx := context.Background()
	now := time.Now().UTC()

	require.NoError(t, store.InsertTokenRevocation(ctx,
		revocation.NewTokenRevocation("old", "aid_test", now.Add(-time.Hour), "x")))
	require.NoError(t, store.InsertTokenRevocation(ctx,
		revocation.NewTokenRevocation("live", "aid_test", now.Add(time.Hour), "x")))

	n, err := store.DeleteTokenRevocationsBefore(ctx, now)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	rec, err := store.GetTokenRevocation(ctx, "old")
	require.NoError(t, err)
	assert.Nil(t, rec)
	rec, err = store.GetTokenRevocation(ctx, "live")
	require.NoError(t, err)
	assert.NotNil(t, rec)
}
