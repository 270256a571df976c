package chainfile

import (
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/soleid/soleid/internal/domain/chain"
)

// ErrCorrupt means the canonical chain file exists but cannot be read.
// It is surfaced, never silently truncated.
var ErrCorrupt = errors.New("chain file corrupt")

// ErrLocked means another process holds a conflicting advisory lock.
var ErrLocked = errors.New("chain file locked by another process")

// fileDoc is the canonical on-disk format: one file per identity.
type fileDoc struct {
	IdentityID string              `json:"identity_id"`
	Entries    []*chain.StateEntry `json:"entries"`
}

// walRecord is the transient write-ahead record flushed before the
// canonical file is atomically replaced.
type walRecord struct {
	IdentityID string            `json:"identity_id"`
	Entry      *chain.StateEntry `json:"entry"`
	Checksum   string            `json:"checksum"`
}

// Store persists one identity's chain with crash-safe appends: a
// write-ahead record is fsynced first, then the canonical file is
// written to a temp path and renamed over the old one. Concurrent
// processes are excluded with an advisory flock (exclusive for writers,
// shared for readers).
type Store struct {
	identityID string
	path       string
	walPath    string
	lockPath   string
	lockFile   *os.File
	readOnly   bool
	entries    []*chain.StateEntry
	loaded     bool
}

// Open prepares the store for one identity under dir and takes the
// advisory lock without blocking.
func Open(dir, identityID string, readOnly bool) (*Store, error) {
	identityID = strings.TrimSpace(identityID)
	if identityID == "" {
		return nil, errors.New("identity_id is required")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	base := filepath.Join(dir, sanitize(identityID))
	s := &Store{
		identityID: identityID,
		path:       base + ".chain.json",
		walPath:    base + ".chain.wal",
		lockPath:   base + ".chain.lock",
		readOnly:   readOnly,
	}
	if err := s.lock(); err != nil {
		return nil, err
	}
	return s, nil
}

func sanitize(identityID string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_', r == '.':
			return r
		default:
			return '_'
		}
	}, identityID)
}

func (s *Store) lock() error {
	f, err := os.OpenFile(s.lockPath, os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return err
	}
	how := syscall.LOCK_EX
	if s.readOnly {
		how = syscall.LOCK_SH
	}
	if err := syscall.Flock(int(f.Fd()), how|syscall.LOCK_NB); err != nil {
		_ = f.Close()
		if err == syscall.EWOULDBLOCK {
			return ErrLocked
		}
		return err
	}
	s.lockFile = f
	return nil
}

// Close releases the advisory lock.
func (s *Store) Close() error {
	if s.lockFile == nil {
		return nil
	}
	_ = syscall.Flock(int(s.lockFile.Fd()), syscall.LOCK_UN)
	err := s.lockFile.Close()
	s.lockFile = nil
	return err
}

// Load reads the canonical file, replaying or discarding a leftover
// write-ahead record first. Safe to call on a path that does not exist
// yet: it yields an empty chain.
func (s *Store) Load() ([]*chain.StateEntry, error) {
	entries, err := s.readCanonical()
	if err != nil {
		return nil, err
	}
	entries, err = s.replayWAL(entries)
	if err != nil {
		return nil, err
	}
	s.entries = entries
	s.loaded = true
	return s.snapshot(), nil
}

func (s *Store) readCanonical() ([]*chain.StateEntry, error) {
	data, err := os.ReadFile(s.path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var doc fileDoc
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorrupt, err)
	}
	if doc.IdentityID != s.identityID {
		return nil, fmt.Errorf("%w: file belongs to %s", ErrCorrupt, doc.IdentityID)
	}
	return doc.Entries, nil
}

// replayWAL applies a leftover write-ahead record when it validly
// extends the canonical chain, and discards it otherwise.
func (s *Store) replayWAL(entries []*chain.StateEntry) ([]*chain.StateEntry, error) {
	data, err := os.ReadFile(s.walPath)
	if errors.Is(err, os.ErrNotExist) {
		return entries, nil
	}
	if err != nil {
		return nil, err
	}

	rec, ok := decodeWAL(data, s.identityID)
	if ok {
		var prev *chain.StateEntry
		if len(entries) > 0 {
			prev = entries[len(entries)-1]
		}
		if rec.Entry.VerifyLink(prev) == nil {
			entries = append(entries, rec.Entry)
			if !s.readOnly {
				if err := s.writeCanonical(entries); err != nil {
					return nil, err
				}
			}
		}
	}
	if !s.readOnly {
		if err := os.Remove(s.walPath); err != nil && !errors.Is(err, os.ErrNotExist) {
			return nil, err
		}
	}
	return entries, nil
}

func decodeWAL(data []byte, identityID string) (*walRecord, bool) {
	var rec walRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, false
	}
	if rec.IdentityID != identityID || rec.Entry == nil {
		return nil, false
	}
	entryJSON, err := json.Marshal(rec.Entry)
	if err != nil {
		return nil, false
	}
	sum := chain.Hash(entryJSON)
	if hex.EncodeToString(sum[:]) != rec.Checksum {
		return nil, false
	}
	return &rec, true
}

// Append durably persists one new entry: WAL first, then the canonical
// file, then WAL removal.
func (s *Store) Append(entry *chain.StateEntry) error {
	if s.readOnly {
		return errors.New("store is read-only")
	}
	if !s.loaded {
		return errors.New("store must be loaded before appends")
	}
	var prev *chain.StateEntry
	if len(s.entries) > 0 {
		prev = s.entries[len(s.entries)-1]
	}
	if err := entry.VerifyLink(prev); err != nil {
		return err
	}

	if err := s.writeWAL(entry); err != nil {
		return err
	}
	next := append(s.snapshot(), entry.Clone())
	if err := s.writeCanonical(next); err != nil {
		return err
	}
	if err := os.Remove(s.walPath); err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	s.entries = next
	return nil
}

// Rewrite replaces the persisted chain wholesale. Used when a remote
// rejection forces the last local entry to be popped.
func (s *Store) Rewrite(entries []*chain.StateEntry) error {
	if s.readOnly {
		return errors.New("store is read-only")
	}
	if err := s.writeCanonical(entries); err != nil {
		return err
	}
	s.entries = make([]*chain.StateEntry, 0, len(entries))
	for _, e := range entries {
		s.entries = append(s.entries, e.Clone())
	}
	s.loaded = true
	return nil
}

func (s *Store) writeWAL(entry *chain.StateEntry) error {
	entryJSON, err := json.Marshal(entry)
	if err != nil {
		return err
	}
	sum := chain.Hash(entryJSON)
	data, err := json.Marshal(walRecord{
		IdentityID: s.identityID,
		Entry:      entry,
		Checksum:   hex.EncodeToString(sum[:]),
	})
	if err != nil {
		return err
	}
	f, err := os.OpenFile(s.walPath, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	if _, err := f.Write(data); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Sync(); err != nil {
		_ = f.Close()
		return err
	}
	return f.Close()
}

func (s *Store) writeCanonical(entries []*chain.StateEntry) error {
	data, err := json.Marshal(fileDoc{IdentityID: s.identityID, Entries: entries})
	if err != nil {
		return err
	}
	tmp := s.path + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	if _, err := f.Write(data); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Sync(); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	return os.Rename(tmp, s.path)
}

func (s *Store) snapshot() []*chain.StateEntry {
	out := make([]*chain.StateEntry, 0, len(s.entries))
	for _, e := range s.entries {
		out = append(out, e.Clone())
	}
	return out
}
