// Package audit maintains the append-only, hash-chained audit ledger.
//
// Every entry links to its predecessor: entry_hash is the SHA-256 of the
// previous entry's hash concatenated with a canonical JSON serialization of
// the entry's own fields. Sequence numbers are gapless and allocated under a
// write lock on the chain tip, so the chain is tamper-evident: altering,
// removing, or reordering any stored entry breaks the recomputed digests from
// that point forward.
package audit

import (
	"errors"
	"time"
)

const (
	// GenesisHash anchors the first chain entry.
	GenesisHash = "0000000000000000000000000000000000000000000000000000000000000000"
	// HashVersion tags the canonicalization format used for the entry digest.
	HashVersion = 1
	// DefaultSource names this subsystem in entries recorded on behalf of callers
	// that do not override it.
	DefaultSource = "entity_permissions_core"
)

var (
	ErrNoEntry      = errors.New("audit: entry not found")
	ErrInvalidInput = errors.New("audit: invalid input")
)

// Event is the caller-supplied portion of an audit entry. EventID, ActorID,
// EntityID, EntityType and CorrelationID are optional; a non-empty EventID acts
// as an idempotency key (re-recording returns the original entry).
type Event struct {
	EventID       string
	Source        string
	Action        string
	ActorID       string
	ActorType     string
	EntityID      string
	EntityType    string
	CorrelationID string
	Details       map[string]any
	OccurredAt    time.Time
}

// Entry is an immutable, sequenced audit record anchored into the hash chain.
type Entry struct {
	ID            string         `json:"id"`
	Sequence      uint64         `json:"sequence"`
	PreviousHash  string         `json:"previous_hash"`
	EntryHash     string         `json:"entry_hash"`
	HashVersion   int            `json:"hash_version"`
	EventID       string         `json:"event_id,omitempty"`
	Source        string         `json:"source"`
	OccurredAt    time.Time      `json:"occurred_at"`
	ActorID       string         `json:"actor_id,omitempty"`
	ActorType     string         `json:"actor_type"`
	EntityID      string         `json:"entity_id,omitempty"`
	EntityType    string         `json:"entity_type,omitempty"`
	Action        string         `json:"action"`
	CorrelationID string         `json:"correlation_id,omitempty"`
	Details       map[string]any `json:"details"`
	CreatedAt     time.Time      `json:"created_at"`
}
