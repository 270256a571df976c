package chain

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type testSigner struct {
	priv ed25519.PrivateKey
}

func newTestSigner(t *testing.T) *testSigner {
	t.Helper()
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	return &testSigner{priv: priv}
}

func (s *testSigner) Public() ed25519.PublicKey {
	return s.priv.Public().(ed25519.PublicKey)
}

func (s *testSigner) Sign(message []byte, domain string) ([]byte, error) {
	payload := append([]byte(domain), 0x00)
	payload = append(payload, message...)
	return ed25519.Sign(s.priv, payload), nil
}

func TestStateEntrySignAndValidate(t *testing.T) {
	signer := newTestSigner(t)
	builder, err := NewBuilder("aid_test", signer)
	require.NoError(t, err)

	genesis, err := builder.Next(nil, ActionAttestation, "identity created", nil)
	require.NoError(t, err)
	assert.Equal(t, uint64(0), genesis.Sequence)
	assert.True(t, genesis.PrevHash.IsZero())
	require.NoError(t, genesis.Validate(signer.Public()))

	entry, err := builder.Next(genesis, ActionTransaction, "pay", map[string]any{"amount": 100})
	require.NoError(t, err)
	assert.Equal(t, uint64(1), entry.Sequence)
	assert.Equal(t, genesis.EntryHash, entry.PrevHash)
	require.NoError(t, entry.Validate(signer.Public()))
	require.NoError(t, entry.VerifyLink(genesis))
}

func TestStateEntryValidateRejectsTamper(t *testing.T) {
	signer := newTestSigner(t)
	builder, err := NewBuilder("aid_test", signer)
	require.NoError(t, err)

	entry, err := builder.Next(nil, ActionTransaction, "pay", map[string]any{"amount": 100})
	require.NoError(t, err)

	t.Run("corrupted entry hash", func(t *testing.T) {
		tampered := entry.Clone()
		tampered.EntryHash[0] ^= 0xff
		assert.Error(t, tampered.Validate(signer.Public()))
	})

	t.Run("modified summary", func(t *testing.T) {
		tampered := entry.Clone()
		tampered.ActionSummary = "pay more"
		assert.Error(t, tampered.Validate(signer.Public()))
	})

	t.Run("modified payload hash", func(t *testing.T) {
		tampered := entry.Clone()
		tampered.ActionDataHash[3] ^= 0x01
		assert.Error(t, tampered.Validate(signer.Public()))
	})

	t.Run("wrong public key", func(t *testing.T) {
		other := newTestSigner(t)
		assert.Error(t, entry.Validate(other.Public()))
	})

	t.Run("truncated signature", func(t *testing.T) {
		tampered := entry.Clone()
		tampered.Signature = tampered.Signature[:16]
		assert.Error(t, tampered.Validate(signer.Public()))
	})
}

func TestStateEntryValidateGenesisLink(t *testing.T) {
	signer := newTestSigner(t)
	builder, err := NewBuilder("aid_test", signer)
	require.NoError(t, err)

	genesis, err := builder.Next(nil, ActionAttestation, "created", nil)
	require.NoError(t, err)

	t.Run("genesis with nonzero prev hash", func(t *testing.T) {
		tampered := genesis.Clone()
		tampered.PrevHash[0] = 0x01
		assert.Error(t, tampered.Validate(signer.Public()))
	})

	t.Run("non-genesis with zero prev hash", func(t *testing.T) {
		entry, err := builder.Next(genesis, ActionCustom, "noop", nil)
		require.NoError(t, err)
		tampered := entry.Clone()
		tampered.PrevHash = Genesis
		assert.Error(t, tampered.Validate(signer.Public()))
	})
}

func TestSignableBytesDeterministic(t *testing.T) {
	signer := newTestSigner(t)
	builder, err := NewBuilder("aid_test", signer)
	require.NoError(t, err)
	builder.WithClock(func() time.Time { return time.Unix(1700000000, 42) })

	a, err := builder.Next(nil, ActionTransaction, "pay", map[string]any{"amount": 100})
	require.NoError(t, err)
	b, err := builder.Next(nil, ActionTransaction, "pay", map[string]any{"amount": 100})
	require.NoError(t, err)

	assert.Equal(t, a.SignableBytes(), b.SignableBytes())
	assert.Equal(t, a.EntryHash, b.EntryHash)
}

func TestHashPayload(t *testing.T) {
	h1, err := HashPayload(map[string]any{"amount": 100})
	require.NoError(t, err)
	assert.False(t, h1.IsZero())

	h2, err := HashPayload(map[string]any{"amount": 101})
	require.NoError(t, err)
	assert.NotEqual(t, h1, h2)

	empty, err := HashPayload(nil)
	require.NoError(t, err)
	assert.True(t, empty.IsZero())
}

func TestDigestJSONRoundTrip(t *testing.T) {
	d := Hash([]byte("hello"))
	data, err := json.Marshal(d)
	require.NoError(t, err)
	assert.JSONEq(t, `"`+d.Hex()+`"`, string(data))

	var back Digest
	require.NoError(t, json.Unmarshal(data, &back))
	assert.Equal(t, d, back)

	assert.Error(t, json.Unmarshal([]byte(`"zz"`), &back))
	assert.Error(t, json.Unmarshal([]byte(`"abcd"`), &back))
}

func TestStateEntryJSONRoundTrip(t *testing.T) {
	signer := newTestSigner(t)
	builder, err := NewBuilder("aid_test", signer)
	require.NoError(t, err)

	entry, err := builder.Next(nil, ActionUpgrade, "model upgraded", map[string]any{"version": "2.0"})
	require.NoError(t, err)

	data, err := json.Marshal(entry)
	require.NoError(t, err)

	var back StateEntry
	require.NoError(t, json.Unmarshal(data, &back))
	require.NoError(t, back.Validate(signer.Public()))
	assert.Equal(t, entry.EntryHash, back.EntryHash)
}
