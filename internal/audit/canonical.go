package audit

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"github.com/gowebpki/jcs"
)

// CanonicalPayload serializes every hashed entry field (all but EntryHash,
// whitespace-free with sorted keys per RFC 8785) into the stable digest input.
// The layout is a compatibility-sensitive wire format: changing a key, the
// timestamp encoding, or the null handling makes existing chains unverifiable.
func CanonicalPayload(e Entry) ([]byte, error) {
	details := e.Details
	if details == nil {
		details = map[string]any{}
	}
	payload := map[string]any{
		"sequence":       e.Sequence,
		"hash_version":   e.HashVersion,
		"event_id":       nullable(e.EventID),
		"source":         e.Source,
		"action":         e.Action,
		"actor_id":       nullable(e.ActorID),
		"actor_type":     e.ActorType,
		"entity_id":      nullable(e.EntityID),
		"entity_type":    nullable(e.EntityType),
		"correlation_id": nullable(e.CorrelationID),
		"details":        details,
		"occurred_at":    canonicalTime(e.OccurredAt),
		"previous_hash":  e.PreviousHash,
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("audit: serialize payload: %w", err)
	}
	canonical, err := jcs.Transform(raw)
	if err != nil {
		return nil, fmt.Errorf("audit: canonicalize payload: %w", err)
	}
	return canonical, nil
}

// ComputeEntryHash returns the hex SHA-256 of previousHash ++ canonical.
func ComputeEntryHash(previousHash string, canonical []byte) string {
	h := sha256.New()
	h.Write([]byte(previousHash))
	h.Write(canonical)
	return hex.EncodeToString(h.Sum(nil))
}

// Seal places ev at the given chain position and computes its entry hash.
// OccurredAt is normalized to UTC and truncated to microseconds: relational
// stores keep microsecond precision, and hashing finer-grained timestamps
// would break verification after a storage round trip.
func Seal(ev Event, sequence uint64, previousHash string) (Entry, error) {
	e := Entry{
		Sequence:      sequence,
		PreviousHash:  previousHash,
		HashVersion:   HashVersion,
		EventID:       ev.EventID,
		Source:        ev.Source,
		OccurredAt:    ev.OccurredAt.UTC().Truncate(time.Microsecond),
		ActorID:       ev.ActorID,
		ActorType:     ev.ActorType,
		EntityID:      ev.EntityID,
		EntityType:    ev.EntityType,
		Action:        ev.Action,
		CorrelationID: ev.CorrelationID,
		Details:       ev.Details,
	}
	canonical, err := CanonicalPayload(e)
	if err != nil {
		return Entry{}, err
	}
	e.EntryHash = ComputeEntryHash(previousHash, canonical)
	return e, nil
}

// canonicalTime renders a timestamp the way existing chains hashed it: UTC
// with an explicit +00:00 offset, six-digit microseconds when nonzero and no
// fractional part otherwise. An RFC 3339 "Z" suffix or trimmed fraction would
// change the digest input and orphan every previously written chain.
func canonicalTime(t time.Time) string {
	t = t.UTC()
	s := t.Format("2006-01-02T15:04:05")
	if micro := t.Nanosecond() / 1000; micro != 0 {
		s += fmt.Sprintf(".%06d", micro)
	}
	return s + "+00:00"
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}
