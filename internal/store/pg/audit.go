package pg

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"entitycore.org/internal/audit"
	"entitycore.org/internal/ids"
)

var _ audit.Store = (*Store)(nil)

// appendAttempts bounds the internal retry when a concurrent writer commits
// between our tip read and insert. Contention is transient; anything still
// colliding after this many rounds surfaces to the caller.
const appendAttempts = 3

// Append writes the next chain entry. The chain tip row is locked with
// SELECT ... FOR UPDATE so concurrent appenders serialize on sequence
// allocation; the hash computation and insert commit atomically with the
// lock held (tip-then-insert, same order for all writers).
//
// Under READ COMMITTED a writer that blocked on the tip lock wakes holding
// the re-evaluated old tip row, not the row its winner just inserted, so it
// can seal an already-taken sequence. That collision lands on the sequence
// unique index and the whole transaction is retried against the fresh tip. A
// collision on the event_id index means a concurrent append with the same
// idempotency key won; its stored entry is replayed instead.
func (s *Store) Append(ctx context.Context, ev audit.Event) (audit.Entry, error) {
	var lastErr error
	for attempt := 0; attempt < appendAttempts; attempt++ {
		entry, err := s.appendOnce(ctx, ev)
		if err == nil {
			return entry, nil
		}
		if pgErr, ok := maybePgError(err); ok && pgErr.Code == pgErrUniqueViolation {
			if ev.EventID != "" && strings.Contains(pgErr.ConstraintName, "event_id") {
				return s.EntryByEventID(ctx, ev.EventID)
			}
			lastErr = err
			continue
		}
		return audit.Entry{}, err
	}
	return audit.Entry{}, lastErr
}

func (s *Store) appendOnce(ctx context.Context, ev audit.Event) (audit.Entry, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return audit.Entry{}, err
	}
	defer func() { _ = tx.Rollback() }()

	var (
		tipSequence uint64
		tipHash     string
	)
	err = tx.QueryRowContext(ctx, `
		select sequence, entry_hash
		from audit_log
		order by sequence desc
		limit 1
		for update
	`).Scan(&tipSequence, &tipHash)
	if errors.Is(err, sql.ErrNoRows) {
		tipSequence, tipHash = 0, audit.GenesisHash
	} else if err != nil {
		return audit.Entry{}, err
	}

	// Idempotency check only after the tip lock: a duplicate key written by a
	// concurrent appender is committed and visible by the time we hold it.
	if ev.EventID != "" {
		existing, err := auditEntryBy(ctx, tx, `where event_id = $1`, ev.EventID)
		if err == nil {
			return existing, nil
		}
		if !errors.Is(err, audit.ErrNoEntry) {
			return audit.Entry{}, err
		}
	}

	entry, err := audit.Seal(ev, tipSequence+1, tipHash)
	if err != nil {
		return audit.Entry{}, err
	}
	entry.ID = ids.New()

	detailsJSON, err := marshalMap(entry.Details)
	if err != nil {
		return audit.Entry{}, fmt.Errorf("marshal details: %w", err)
	}
	if err := tx.QueryRowContext(ctx, `
		insert into audit_log (
			id, sequence, previous_hash, entry_hash, hash_version, event_id,
			source, occurred_at, actor_id, actor_type, entity_id, entity_type,
			action, correlation_id, details
		)
		values ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)
		returning created_at
	`,
		entry.ID, entry.Sequence, entry.PreviousHash, entry.EntryHash, entry.HashVersion,
		nullIfEmpty(entry.EventID), entry.Source, entry.OccurredAt, nullIfEmpty(entry.ActorID),
		entry.ActorType, nullIfEmpty(entry.EntityID), nullIfEmpty(entry.EntityType),
		entry.Action, nullIfEmpty(entry.CorrelationID), detailsJSON,
	).Scan(&entry.CreatedAt); err != nil {
		return audit.Entry{}, err
	}

	if err := tx.Commit(); err != nil {
		return audit.Entry{}, err
	}
	return entry, nil
}

func (s *Store) EntryByEventID(ctx context.Context, eventID string) (audit.Entry, error) {
	return auditEntryBy(ctx, s.db, `where event_id = $1`, eventID)
}

func (s *Store) BySequence(ctx context.Context, sequence uint64) (audit.Entry, error) {
	return auditEntryBy(ctx, s.db, `where sequence = $1`, sequence)
}

func (s *Store) Range(ctx context.Context, start, end uint64) ([]audit.Entry, error) {
	var (
		where string
		args  []any
	)
	switch {
	case start != 0 && end != 0:
		where, args = `where sequence >= $1 and sequence <= $2`, []any{start, end}
	case start != 0:
		where, args = `where sequence >= $1`, []any{start}
	case end != 0:
		where, args = `where sequence <= $1`, []any{end}
	}

	rows, err := s.db.QueryContext(ctx, auditSelect+where+` order by sequence asc`, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []audit.Entry
	for rows.Next() {
		entry, err := scanAuditEntry(rows)
		if err != nil {
			return nil, err
		}
		entries = append(entries, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return entries, nil
}

func (s *Store) Tip(ctx context.Context) (uint64, string, error) {
	var (
		sequence uint64
		hash     string
	)
	err := s.db.QueryRowContext(ctx, `
		select sequence, entry_hash
		from audit_log
		order by sequence desc
		limit 1
	`).Scan(&sequence, &hash)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, audit.GenesisHash, nil
	}
	if err != nil {
		return 0, "", err
	}
	return sequence, hash, nil
}

const auditSelect = `
	select id, sequence, previous_hash, entry_hash, hash_version, event_id,
	       source, occurred_at, actor_id, actor_type, entity_id, entity_type,
	       action, correlation_id, details, created_at
	from audit_log `

type rowScanner interface {
	Scan(dest ...any) error
}

type querier interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func auditEntryBy(ctx context.Context, q querier, where string, args ...any) (audit.Entry, error) {
	entry, err := scanAuditEntry(q.QueryRowContext(ctx, auditSelect+where, args...))
	if errors.Is(err, sql.ErrNoRows) {
		return audit.Entry{}, audit.ErrNoEntry
	}
	if err != nil {
		return audit.Entry{}, err
	}
	return entry, nil
}

func scanAuditEntry(row rowScanner) (audit.Entry, error) {
	var (
		entry         audit.Entry
		eventID       sql.NullString
		actorID       sql.NullString
		entityID      sql.NullString
		entityType    sql.NullString
		correlationID sql.NullString
		raw           []byte
	)
	if err := row.Scan(
		&entry.ID, &entry.Sequence, &entry.PreviousHash, &entry.EntryHash, &entry.HashVersion,
		&eventID, &entry.Source, &entry.OccurredAt, &actorID, &entry.ActorType,
		&entityID, &entityType, &entry.Action, &correlationID, &raw, &entry.CreatedAt,
	); err != nil {
		return audit.Entry{}, err
	}
	entry.EventID = stringOrEmpty(eventID)
	entry.ActorID = stringOrEmpty(actorID)
	entry.EntityID = stringOrEmpty(entityID)
	entry.EntityType = stringOrEmpty(entityType)
	entry.CorrelationID = stringOrEmpty(correlationID)
	var err error
	if entry.Details, err = unmarshalMap(raw); err != nil {
		return audit.Entry{}, err
	}
	// Timestamps come back in the session timezone; the chain hashed UTC.
	entry.OccurredAt = entry.OccurredAt.UTC()
	return entry, nil
}
