package keystore

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"strings"
)

// SoftwareKey is an in-process ed25519 signing key. Hardware-backed
// implementations satisfy the same Sign/Public shape and are selected at
// construction by the caller.
type SoftwareKey struct {
	priv ed25519.PrivateKey
}

// GenerateSoftwareKey creates a fresh random signing key.
func GenerateSoftwareKey() (*SoftwareKey, error) {
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, err
	}
	return &SoftwareKey{priv: priv}, nil
}

// NewSoftwareKey wraps an existing ed25519 private key.
func NewSoftwareKey(priv ed25519.PrivateKey) (*SoftwareKey, error) {
	if len(priv) != ed25519.PrivateKeySize {
		return nil, errors.New("invalid private key size")
	}
	return &SoftwareKey{priv: priv}, nil
}

// LoadSoftwareKey parses a hex-encoded ed25519 seed or private key.
func LoadSoftwareKey(hexKey string) (*SoftwareKey, error) {
	raw, err := hex.DecodeString(strings.TrimSpace(hexKey))
	if err != nil {
		return nil, fmt.Errorf("invalid key encoding: %w", err)
	}
	switch len(raw) {
	case ed25519.SeedSize:
		return &SoftwareKey{priv: ed25519.NewKeyFromSeed(raw)}, nil
	case ed25519.PrivateKeySize:
		return &SoftwareKey{priv: ed25519.PrivateKey(raw)}, nil
	default:
		return nil, fmt.Errorf("invalid key size: %d", len(raw))
	}
}

func (k *SoftwareKey) Public() ed25519.PublicKey {
	return k.priv.Public().(ed25519.PublicKey)
}

// Sign produces a domain-separated signature: the domain tag and a zero
// byte are prepended to the message before signing, so a signature for
// one protocol purpose can never replay as valid for another.
func (k *SoftwareKey) Sign(message []byte, domain string) ([]byte, error) {
	payload := make([]byte, 0, len(domain)+1+len(message))
	payload = append(payload, domain...)
	payload = append(payload, 0x00)
	payload = append(payload, message...)
	return ed25519.Sign(k.priv, payload), nil
}

// NamedKey is one symmetric token key with its identifier.
type NamedKey struct {
	ID  string
	Key []byte
}

// TokenKeyStore holds the symmetric keys sealing lease tokens: one
// current key plus zero or more previous keys kept verifiable across
// rotation.
type TokenKeyStore struct {
	keys         map[string][]byte
	currentKeyID string
	previousIDs  []string
}

// NewTokenKeyStore builds a store from explicit key material.
func NewTokenKeyStore(currentKeyID string, keys map[string][]byte, previousIDs []string) (*TokenKeyStore, error) {
	if currentKeyID == "" {
		return nil, errors.New("current key id is required")
	}
	if _, ok := keys[currentKeyID]; !ok {
		return nil, fmt.Errorf("current key %q not present", currentKeyID)
	}
	for _, id := range previousIDs {
		if _, ok := keys[id]; !ok {
			return nil, fmt.Errorf("previous key %q not present", id)
		}
	}
	copied := make(map[string][]byte, len(keys))
	for id, key := range keys {
		copied[id] = append([]byte(nil), key...)
	}
	return &TokenKeyStore{
		keys:         copied,
		currentKeyID: currentKeyID,
		previousIDs:  append([]string(nil), previousIDs...),
	}, nil
}

// NewTokenKeyStoreFromEnv builds a store from environment variables.
// TOKEN_KEYS format: "keyId:hex,keyId2:hex".
// TOKEN_CURRENT_KEY_ID selects the issuing key.
// TOKEN_PREVIOUS_KEY_IDS is a comma-separated ordered list.
func NewTokenKeyStoreFromEnv() (*TokenKeyStore, error) {
	keys := make(map[string][]byte)
	raw := os.Getenv("TOKEN_KEYS")
	for _, p := range strings.Split(raw, ",") {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		parts := strings.SplitN(p, ":", 2)
		if len(parts) != 2 {
			return nil, errors.New("invalid TOKEN_KEYS format")
		}
		key, err := hex.DecodeString(parts[1])
		if err != nil {
			return nil, err
		}
		keys[parts[0]] = key
	}

	var previous []string
	for _, id := range strings.Split(os.Getenv("TOKEN_PREVIOUS_KEY_IDS"), ",") {
		id = strings.TrimSpace(id)
		if id != "" {
			previous = append(previous, id)
		}
	}
	return NewTokenKeyStore(os.Getenv("TOKEN_CURRENT_KEY_ID"), keys, previous)
}

// CurrentKey returns the issuing key id and material.
func (s *TokenKeyStore) CurrentKey() NamedKey {
	return NamedKey{ID: s.currentKeyID, Key: s.keys[s.currentKeyID]}
}

// PreviousKeys returns the still-verifiable rotated keys in order.
func (s *TokenKeyStore) PreviousKeys() []NamedKey {
	out := make([]NamedKey, 0, len(s.previousIDs))
	for _, id := range s.previousIDs {
		out = append(out, NamedKey{ID: id, Key: s.keys[id]})
	}
	return out
}

// GetKey returns key material by id.
func (s *TokenKeyStore) GetKey(keyID string) ([]byte, error) {
	key, ok := s.keys[keyID]
	if !ok {
		return nil, errors.New("key not found")
	}
	return key, nil
}
