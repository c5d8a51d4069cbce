package audit

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"entitycore.org/internal/obs"
)

// Log records audit entries into the hash chain and mirrors them to the
// structured log stream.
type Log struct {
	store  Store
	source string
	now    func() time.Time
}

// LogOption configures Log behavior.
type LogOption func(*Log)

// WithSource overrides the default source stamped onto recorded entries.
func WithSource(source string) LogOption {
	return func(l *Log) {
		if s := strings.TrimSpace(source); s != "" {
			l.source = s
		}
	}
}

// WithClock overrides the time source (useful for tests).
func WithClock(fn func() time.Time) LogOption {
	return func(l *Log) {
		if fn != nil {
			l.now = fn
		}
	}
}

// NewLog constructs an audit log over the given store.
func NewLog(store Store, opts ...LogOption) *Log {
	l := &Log{store: store, source: DefaultSource, now: time.Now}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Record writes an audit entry for an internal action, filling in source,
// actor type, and occurrence time defaults.
func (l *Log) Record(ctx context.Context, ev Event) (Entry, error) {
	if ev.Source == "" {
		ev.Source = l.source
	}
	if ev.ActorType == "" {
		ev.ActorType = "user"
	}
	return l.RecordEvent(ctx, ev)
}

// RecordEvent persists an entry derived from an externally supplied event.
// A non-empty EventID makes the call idempotent: replays return the original
// entry with no new sequence number.
func (l *Log) RecordEvent(ctx context.Context, ev Event) (Entry, error) {
	if strings.TrimSpace(ev.Action) == "" {
		return Entry{}, fmt.Errorf("%w: action is required", ErrInvalidInput)
	}
	if strings.TrimSpace(ev.Source) == "" {
		return Entry{}, fmt.Errorf("%w: source is required", ErrInvalidInput)
	}
	if ev.OccurredAt.IsZero() {
		ev.OccurredAt = l.now()
	}

	// Fast idempotency path. Append re-checks under the tip lock, so a racing
	// duplicate still resolves to a single entry.
	if ev.EventID != "" {
		existing, err := l.store.EntryByEventID(ctx, ev.EventID)
		if err == nil {
			return existing, nil
		}
		if !errors.Is(err, ErrNoEntry) {
			return Entry{}, err
		}
	}

	entry, err := l.store.Append(ctx, ev)
	if err != nil {
		return Entry{}, err
	}

	obs.AuditEntries.Inc()
	obs.LogEvent("audit.recorded", map[string]any{
		"sequence":   entry.Sequence,
		"entry_hash": entry.EntryHash,
		"action":     entry.Action,
		"actor_id":   entry.ActorID,
		"entity_id":  entry.EntityID,
		"source":     entry.Source,
		"event_id":   entry.EventID,
	})
	return entry, nil
}
