package postgres

import (
	"context"
	"hash/fnv"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/soleid/soleid/internal/application/authority"
	"github.com/soleid/soleid/internal/domain/chain"
	"github.com/soleid/soleid/internal/domain/revocation"
)

// Store implements authority.Store and revocation.Repository on
// Postgres. The per-identity exclusion primitive is a session-scoped
// advisory lock held on a pinned pool connection.
type Store struct {
	pool *pgxpool.Pool
}

func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

func lockKey(identityID string) int64 {
	h := fnv.New64a()
	_, _ = h.Write([]byte(identityID))
	return int64(h.Sum64())
}

// TryLock takes pg_try_advisory_lock on a connection pinned for the
// lock's lifetime; releasing the lock releases the connection.
func (s *Store) TryLock(ctx context.Context, identityID string) (func(), error) {
	conn, err := s.pool.Acquire(ctx)
	if err != nil {
		return nil, err
	}
	var locked bool
	if err := conn.QueryRow(ctx, `SELECT pg_try_advisory_lock($1)`, lockKey(identityID)).Scan(&locked); err != nil {
		conn.Release()
		return nil, err
	}
	if !locked {
		conn.Release()
		return nil, authority.ErrLockBusy
	}
	unlock := func() {
		_, _ = conn.Exec(context.Background(), `SELECT pg_advisory_unlock($1)`, lockKey(identityID))
		conn.Release()
	}
	return unlock, nil
}

func (s *Store) GetIdentity(ctx context.Context, identityID string) (*authority.IdentityRecord, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT identity_id, public_key, registered_at
		FROM identities WHERE identity_id=$1
	`, identityID)
	var rec authority.IdentityRecord
	if err := row.Scan(&rec.IdentityID, &rec.PublicKey, &rec.RegisteredAt); err != nil {
		if err == pgx.ErrNoRows {
			return nil, nil
		}
		return nil, err
	}
	return &rec, nil
}

func (s *Store) PutIdentity(ctx context.Context, rec *authority.IdentityRecord) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO identities (identity_id, public_key, registered_at)
		VALUES ($1,$2,$3)
		ON CONFLICT (identity_id) DO UPDATE SET public_key=EXCLUDED.public_key
	`, rec.IdentityID, rec.PublicKey, rec.RegisteredAt)
	return err
}

func (s *Store) GetLease(ctx context.Context, identityID string) (*authority.LeaseRecord, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT identity_id, session_id, token_id, sequence, acquired_at, expires_at
		FROM leases WHERE identity_id=$1
	`, identityID)
	var rec authority.LeaseRecord
	if err := row.Scan(&rec.IdentityID, &rec.SessionID, &rec.TokenID, &rec.Sequence, &rec.AcquiredAt, &rec.ExpiresAt); err != nil {
		if err == pgx.ErrNoRows {
			return nil, nil
		}
		return nil, err
	}
	return &rec, nil
}

func (s *Store) PutLease(ctx context.Context, rec *authority.LeaseRecord) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO leases (identity_id, session_id, token_id, sequence, acquired_at, expires_at)
		VALUES ($1,$2,$3,$4,$5,$6)
		ON CONFLICT (identity_id) DO UPDATE SET
			session_id=EXCLUDED.session_id,
			token_id=EXCLUDED.token_id,
			sequence=EXCLUDED.sequence,
			acquired_at=EXCLUDED.acquired_at,
			expires_at=EXCLUDED.expires_at
	`, rec.IdentityID, rec.SessionID, rec.TokenID, rec.Sequence, rec.AcquiredAt, rec.ExpiresAt)
	return err
}

func (s *Store) DeleteLease(ctx context.Context, identityID, sessionID string) error {
	_, err := s.pool.Exec(ctx, `DELETE FROM leases WHERE identity_id=$1 AND session_id=$2`, identityID, sessionID)
	return err
}

func (s *Store) GetHead(ctx context.Context, identityID string) (*chain.StateEntry, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT identity_id, sequence, prev_hash, ts, action_type, action_summary, action_data_hash, signature, entry_hash
		FROM chain_entries WHERE identity_id=$1 ORDER BY sequence DESC LIMIT 1
	`, identityID)
	entry, err := scanEntry(row)
	if err != nil {
		return nil, err
	}
	return entry, nil
}

func (s *Store) AppendEntries(ctx context.Context, identityID string, entries []*chain.StateEntry) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)
	for _, e := range entries {
		if _, err := tx.Exec(ctx, `
			INSERT INTO chain_entries
			(identity_id, sequence, prev_hash, ts, action_type, action_summary, action_data_hash, signature, entry_hash)
			VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)
			ON CONFLICT (identity_id, sequence) DO NOTHING
		`, identityID, int64(e.Sequence), e.PrevHash.Hex(), e.Timestamp, string(e.ActionType),
			e.ActionSummary, e.ActionDataHash.Hex(), e.Signature, e.EntryHash.Hex()); err != nil {
			return err
		}
	}
	return tx.Commit(ctx)
}

func (s *Store) GetEntries(ctx context.Context, identityID string, from, to uint64) ([]*chain.StateEntry, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT identity_id, sequence, prev_hash, ts, action_type, action_summary, action_data_hash, signature, entry_hash
		FROM chain_entries
		WHERE identity_id=$1 AND sequence BETWEEN $2 AND $3
		ORDER BY sequence ASC
	`, identityID, int64(from), int64(to))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*chain.StateEntry
	for rows.Next() {
		entry, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, entry)
	}
	return out, rows.Err()
}

func scanEntry(row pgx.Row) (*chain.StateEntry, error) {
	var (
		e          chain.StateEntry
		seq        int64
		prevHash   string
		actionType string
		dataHash   string
		entryHash  string
	)
	if err := row.Scan(&e.IdentityID, &seq, &prevHash, &e.Timestamp, &actionType, &e.ActionSummary, &dataHash, &e.Signature, &entryHash); err != nil {
		if err == pgx.ErrNoRows {
			return nil, nil
		}
		return nil, err
	}
	e.Sequence = uint64(seq)
	e.ActionType = chain.ActionType(actionType)
	var err error
	if e.PrevHash, err = chain.ParseDigest(prevHash); err != nil {
		return nil, err
	}
	if e.ActionDataHash, err = chain.ParseDigest(dataHash); err != nil {
		return nil, err
	}
	if e.EntryHash, err = chain.ParseDigest(entryHash); err != nil {
		return nil, err
	}
	return &e, nil
}

// InsertTokenRevocation implements revocation.Repository; the first
// record for a token id wins.
func (s *Store) InsertTokenRevocation(ctx context.Context, rec *revocation.TokenRevocation) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO token_revocations (token_id, identity_id, original_expiry, reason, revoked_at)
		VALUES ($1,$2,$3,$4,$5)
		ON CONFLICT (token_id) DO NOTHING
	`, rec.TokenID, rec.IdentityID, rec.OriginalExpiry, rec.Reason, rec.RevokedAt)
	return err
}

func (s *Store) GetTokenRevocation(ctx context.Context, tokenID string) (*revocation.TokenRevocation, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT token_id, identity_id, original_expiry, reason, revoked_at
		FROM token_revocations WHERE token_id=$1
	`, tokenID)
	var rec revocation.TokenRevocation
	if err := row.Scan(&rec.TokenID, &rec.IdentityID, &rec.OriginalExpiry, &rec.Reason, &rec.RevokedAt); err != nil {
		if err == pgx.ErrNoRows {
			return nil, nil
		}
		return nil, err
	}
	return &rec, nil
}

func (s *Store) DeleteTokenRevocationsBefore(ctx context.Context, cutoff time.Time) (int, error) {
	res, err := s.pool.Exec(ctx, `DELETE FROM token_revocations WHERE original_expiry < $1`, cutoff)
	if err != nil {
		return 0, err
	}
	return int(res.RowsAffected()), nil
}

func (s *Store) InsertKeyRevocation(ctx context.Context, rec *revocation.KeyRevocation) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO key_revocations (key_id, reason, grace_period_end, revoked_at)
		VALUES ($1,$2,$3,$4)
		ON CONFLICT (key_id) DO NOTHING
	`, rec.KeyID, rec.Reason, rec.GracePeriodEnd, rec.RevokedAt)
	return err
}

func (s *Store) GetKeyRevocation(ctx context.Context, keyID string) (*revocation.KeyRevocation, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT key_id, reason, grace_period_end, revoked_at
		FROM key_revocations WHERE key_id=$1
	`, keyID)
	var rec revocation.KeyRevocation
	if err := row.Scan(&rec.KeyID, &rec.Reason, &rec.GracePeriodEnd, &rec.RevokedAt); err != nil {
		if err == pgx.ErrNoRows {
			return nil, nil
		}
		return nil, err
	}
	return &rec, nil
}
