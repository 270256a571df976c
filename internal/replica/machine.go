package replica

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/soleid/soleid/internal/application/authority"
	"github.com/soleid/soleid/internal/domain/chain"
)

// Op names one replicated Authority write.
type Op string

const (
	OpIdentityPut   Op = "IDENTITY_PUT"
	OpLeasePut      Op = "LEASE_PUT"
	OpLeaseDelete   Op = "LEASE_DELETE"
	OpEntriesAppend Op = "ENTRIES_APPEND"
)

var validOps = map[Op]struct{}{
	OpIdentityPut:   {},
	OpLeasePut:      {},
	OpLeaseDelete:   {},
	OpEntriesAppend: {},
}

// Command is one replicated log record.
type Command struct {
	Op         Op                        `json:"op"`
	IdentityID string                    `json:"identity_id"`
	SessionID  string                    `json:"session_id,omitempty"`
	Identity   *authority.IdentityRecord `json:"identity,omitempty"`
	Lease      *authority.LeaseRecord    `json:"lease,omitempty"`
	Entries    []*chain.StateEntry       `json:"entries,omitempty"`
}

// ValidateBasic checks required command fields.
func (c Command) ValidateBasic() error {
	if _, ok := validOps[c.Op]; !ok {
		return fmt.Errorf("unsupported op: %s", c.Op)
	}
	if c.IdentityID == "" {
		return errors.New("identity_id is required")
	}
	switch c.Op {
	case OpIdentityPut:
		if c.Identity == nil {
			return errors.New("identity payload is required")
		}
	case OpLeasePut:
		if c.Lease == nil {
			return errors.New("lease payload is required")
		}
	case OpLeaseDelete:
		if c.SessionID == "" {
			return errors.New("session_id is required")
		}
	case OpEntriesAppend:
		if len(c.Entries) == 0 {
			return errors.New("entries payload is required")
		}
	}
	return nil
}

type snapshot struct {
	Identities map[string]*authority.IdentityRecord `json:"identities"`
	Leases     map[string]*authority.LeaseRecord    `json:"leases"`
	Entries    map[string][]*chain.StateEntry       `json:"entries"`
}

// Machine is the deterministic Authority state machine replicated
// through raft. Commands that reach Apply have already passed the
// leader's business checks; Apply only maintains structural invariants
// so every replica converges to the same state.
type Machine struct {
	mu sync.RWMutex
	s  snapshot
}

// NewMachine creates an empty machine.
func NewMachine() *Machine {
	return &Machine{s: emptySnapshot()}
}

func emptySnapshot() snapshot {
	return snapshot{
		Identities: map[string]*authority.IdentityRecord{},
		Leases:     map[string]*authority.LeaseRecord{},
		Entries:    map[string][]*chain.StateEntry{},
	}
}

// Apply executes one validated command.
func (m *Machine) Apply(cmd Command) error {
	if err := cmd.ValidateBasic(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	switch cmd.Op {
	case OpIdentityPut:
		m.s.Identities[cmd.IdentityID] = cmd.Identity
	case OpLeasePut:
		m.s.Leases[cmd.IdentityID] = cmd.Lease
	case OpLeaseDelete:
		if rec, ok := m.s.Leases[cmd.IdentityID]; ok && rec.SessionID == cmd.SessionID {
			delete(m.s.Leases, cmd.IdentityID)
		}
	case OpEntriesAppend:
		existing := m.s.Entries[cmd.IdentityID]
		for _, e := range cmd.Entries {
			var prev *chain.StateEntry
			if len(existing) > 0 {
				prev = existing[len(existing)-1]
			}
			if err := e.VerifyLink(prev); err != nil {
				return fmt.Errorf("entry %d does not extend replicated chain: %w", e.Sequence, err)
			}
			existing = append(existing, e)
		}
		m.s.Entries[cmd.IdentityID] = existing
	}
	return nil
}

// Identity returns the stored identity record, nil when absent.
func (m *Machine) Identity(identityID string) *authority.IdentityRecord {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rec, ok := m.s.Identities[identityID]
	if !ok {
		return nil
	}
	out := *rec
	out.PublicKey = append([]byte(nil), rec.PublicKey...)
	return &out
}

// Lease returns the stored lease record, nil when absent.
func (m *Machine) Lease(identityID string) *authority.LeaseRecord {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rec, ok := m.s.Leases[identityID]
	if !ok {
		return nil
	}
	out := *rec
	return &out
}

// Head returns the last replicated entry for an identity.
func (m *Machine) Head(identityID string) *chain.StateEntry {
	m.mu.RLock()
	defer m.mu.RUnlock()
	entries := m.s.Entries[identityID]
	if len(entries) == 0 {
		return nil
	}
	return entries[len(entries)-1].Clone()
}

// EntriesRange returns replicated entries with sequence in [from, to].
func (m *Machine) EntriesRange(identityID string, from, to uint64) []*chain.StateEntry {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*chain.StateEntry
	for _, e := range m.s.Entries[identityID] {
		if e.Sequence >= from && e.Sequence <= to {
			out = append(out, e.Clone())
		}
	}
	return out
}

// Marshal serializes the current snapshot.
func (m *Machine) Marshal() ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return json.Marshal(m.s)
}

// Unmarshal restores the machine from a snapshot payload.
func (m *Machine) Unmarshal(data []byte) error {
	if len(data) == 0 {
		return errors.New("empty snapshot")
	}
	var s snapshot
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	if s.Identities == nil {
		s.Identities = map[string]*authority.IdentityRecord{}
	}
	if s.Leases == nil {
		s.Leases = map[string]*authority.LeaseRecord{}
	}
	if s.Entries == nil {
		s.Entries = map[string][]*chain.StateEntry{}
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.s = s
	return nil
}
