package chainfile

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/soleid/soleid/internal/domain/chain"
)

type fileSigner struct {
	priv ed25519.PrivateKey
}

func (s *fileSigner) Public() ed25519.PublicKey {
	return s.priv.Public().(ed25519.PublicKey)
}

func (s *fileSigner) Sign(message []byte, domain string) ([]byte, error) {
	payload := append([]byte(domain), 0x00)
	payload = append(payload, message...)
	return ed25519.Sign(s.priv, payload), nil
}

func buildEntries(t *testing.T, n int) []*chain.StateEntry {
	t.Helper()
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	builder, err := chain.NewBuilder("aid_test", &fileSigner{priv: priv})
	require.NoError(t, err)

	var prev *chain.StateEntry
	entries := make([]*chain.StateEntry, 0, n)
	for i := 0; i < n; i++ {
		entry, err := builder.Next(prev, chain.ActionTransaction, "tick", map[string]any{"i": i})
		require.NoError(t, err)
		entries = append(entries, entry)
		prev = entry
	}
	return entries
}

func TestAppendAndReload(t *testing.T) {
	dir := t.TempDir()
	entries := buildEntries(t, 3)

	store, err := Open(dir, "aid_test", false)
	require.NoError(t, err)
	_, err = store.Load()
	require.NoError(t, err)
	for _, entry := range entries {
		require.NoError(t, store.Append(entry))
	}
	require.NoError(t, store.Close())

	reopened, err := Open(dir, "aid_test", false)
	require.NoError(t, err)
	defer reopened.Close()
	loaded, err := reopened.Load()
	require.NoError(t, err)
	require.Len(t, loaded, 3)
	assert.Equal(t, entries[2].EntryHash, loaded[2].EntryHash)
}

func TestLoadMissingFileYieldsEmptyChain(t *testing.T) {
	store, err := Open(t.TempDir(), "aid_test", false)
	require.NoError(t, err)
	defer store.Close()

	entries, err := store.Load()
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestAppendRequiresLoad(t *testing.T) {
	store, err := Open(t.TempDir(), "aid_test", false)
	require.NoError(t, err)
	defer store.Close()

	assert.Error(t, store.Append(buildEntries(t, 1)[0]))
}

func TestAppendRejectsBrokenLink(t *testing.T) {
	store, err := Open(t.TempDir(), "aid_test", false)
	require.NoError(t, err)
	defer store.Close()
	_, err = store.Load()
	require.NoError(t, err)

	entries := buildEntries(t, 3)
	require.NoError(t, store.Append(entries[0]))
	assert.Error(t, store.Append(entries[2]))
}

func TestWALReplayedWhenValidExtension(t *testing.T) {
	dir := t.TempDir()
	entries := buildEntries(t, 2)

	store, err := Open(dir, "aid_test", false)
	require.NoError(t, err)
	_, err = store.Load()
	require.NoError(t, err)
	require.NoError(t, store.Append(entries[0]))

	// simulate a crash after the WAL fsync, before the canonical rename
	entryJSON, err := json.Marshal(entries[1])
	require.NoError(t, err)
	sum := chain.Hash(entryJSON)
	walData, err := json.Marshal(map[string]any{
		"identity_id": "aid_test",
		"entry":       entries[1],
		"checksum":    hex.EncodeToString(sum[:]),
	})
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "aid_test.chain.wal"), walData, 0o644))
	require.NoError(t, store.Close())

	reopened, err := Open(dir, "aid_test", false)
	require.NoError(t, err)
	defer reopened.Close()
	loaded, err := reopened.Load()
	require.NoError(t, err)
	require.Len(t, loaded, 2)
	assert.Equal(t, entries[1].EntryHash, loaded[1].EntryHash)

	_, err = os.Stat(filepath.Join(dir, "aid_test.chain.wal"))
	assert.True(t, os.IsNotExist(err))
}

func TestCorruptWALDiscarded(t *testing.T) {
	dir := t.TempDir()
	entries := buildEntries(t, 2)

	store, err := Open(dir, "aid_test", false)
	require.NoError(t, err)
	_, err = store.Load()
	require.NoError(t, err)
	require.NoError(t, store.Append(entries[0]))

	// bad checksum
	walData, err := json.Marshal(map[string]any{
		"identity_id": "aid_test",
		"entry":       entries[1],
		"checksum":    "deadbeef",
	})
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "aid_test.chain.wal"), walData, 0o644))
	require.NoError(t, store.Close())

	reopened, err := Open(dir, "aid_test", false)
	require.NoError(t, err)
	defer reopened.Close()
	loaded, err := reopened.Load()
	require.NoError(t, err)
	require.Len(t, loaded, 1)
}

func TestTruncatedWALDiscarded(t *testing.T) {
	dir := t.TempDir()
	store, err := Open(dir, "aid_test", false)
	require.NoError(t, err)
	defer store.Close()

	require.NoError(t, os.WriteFile(filepath.Join(dir, "aid_test.chain.wal"), []byte(`{"identity_id":"aid`), 0o644))
	loaded, err := store.Load()
	require.NoError(t, err)
	assert.Empty(t, loaded)
}

func TestCorruptCanonicalSurfaced(t *testing.T) {
	dir := t.TempDir()
	store, err := Open(dir, "aid_test", false)
	require.NoError(t, err)
	defer store.Close()

	require.NoError(t, os.WriteFile(filepath.Join(dir, "aid_test.chain.json"), []byte("not json"), 0o644))
	_, err = store.Load()
	assert.ErrorIs(t, err, ErrCorrupt)
}

func TestRewrite(t *testing.T) {
	dir := t.TempDir()
	entries := buildEntries(t, 3)

	store, err := Open(dir, "aid_test", false)
	require.NoError(t, err)
	_, err = store.Load()
	require.NoError(t, err)
	for _, entry := range entries {
		require.NoError(t, store.Append(entry))
	}

	require.NoError(t, store.Rewrite(entries[:2]))
	require.NoError(t, store.Close())

	reopened, err := Open(dir, "aid_test", false)
	require.NoError(t, err)
	defer reopened.Close()
	loaded, err := reopened.Load()
	require.NoError(t, err)
	assert.Len(t, loaded, 2)
}

func TestWriterLockExcludesSecondWriter(t *testing.T) {
	dir := t.TempDir()

	first, err := Open(dir, "aid_test", false)
	require.NoError(t, err)
	defer first.Close()

	_, err = Open(dir, "aid_test", false)
	assert.ErrorIs(t, err, ErrLocked)

	_, err = Open(dir, "aid_test", true)
	assert.ErrorIs(t, err, ErrLocked)
}

func TestReadersShareLock(t *testing.T) {
	dir := t.TempDir()

	a, err := Open(dir, "aid_test", true)
	require.NoError(t, err)
	defer a.Close()

	b, err := Open(dir, "aid_test", true)
	require.NoError(t, err)
	defer b.Close()

	_, err = Open(dir, "aid_test", false)
	assert.ErrorIs(t, err, ErrLocked)
}
