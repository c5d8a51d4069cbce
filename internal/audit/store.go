package audit

import (
	"context"
	"sync"
	"time"

	"entitycore.org/internal/ids"
)

// Store persists chain entries. Append must serialize concurrent writers so
// sequence numbers stay gapless, and must treat a matching non-empty EventID
// as an idempotent replay, returning the stored entry unchanged.
type Store interface {
	Append(ctx context.Context, ev Event) (Entry, error)
	EntryByEventID(ctx context.Context, eventID string) (Entry, error)
	BySequence(ctx context.Context, sequence uint64) (Entry, error)
	// Range returns entries with sequence in [start, end] in ascending order.
	// A zero bound leaves that side open.
	Range(ctx context.Context, start, end uint64) ([]Entry, error)
	// Tip returns the highest sequence and its entry hash, or (0, GenesisHash)
	// for an empty chain.
	Tip(ctx context.Context) (uint64, string, error)
}

// InMemory implements Store with in-process concurrency safety. It is a test
// backend: a mutex stands in for the row-level tip lock the Postgres store
// takes. Production deployments require a store with real row locking.
type InMemory struct {
	mu      sync.Mutex
	entries []Entry
	byEvent map[string]int // event_id -> index into entries
	now     func() time.Time
}

// NewInMemory creates an empty chain.
func NewInMemory() *InMemory {
	return &InMemory{
		byEvent: make(map[string]int),
		now:     time.Now,
	}
}

func (s *InMemory) Append(ctx context.Context, ev Event) (Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if ev.EventID != "" {
		if idx, ok := s.byEvent[ev.EventID]; ok {
			return s.entries[idx], nil
		}
	}

	sequence := uint64(len(s.entries)) + 1
	previous := GenesisHash
	if n := len(s.entries); n > 0 {
		previous = s.entries[n-1].EntryHash
	}

	entry, err := Seal(ev, sequence, previous)
	if err != nil {
		return Entry{}, err
	}
	entry.ID = ids.New()
	entry.CreatedAt = s.now().UTC()

	s.entries = append(s.entries, entry)
	if entry.EventID != "" {
		s.byEvent[entry.EventID] = len(s.entries) - 1
	}
	return entry, nil
}

func (s *InMemory) EntryByEventID(ctx context.Context, eventID string) (Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if idx, ok := s.byEvent[eventID]; ok {
		return s.entries[idx], nil
	}
	return Entry{}, ErrNoEntry
}

func (s *InMemory) BySequence(ctx context.Context, sequence uint64) (Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if sequence == 0 || sequence > uint64(len(s.entries)) {
		return Entry{}, ErrNoEntry
	}
	return s.entries[sequence-1], nil
}

func (s *InMemory) Range(ctx context.Context, start, end uint64) ([]Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Entry
	for _, e := range s.entries {
		if start != 0 && e.Sequence < start {
			continue
		}
		if end != 0 && e.Sequence > end {
			break
		}
		out = append(out, e)
	}
	return out, nil
}

func (s *InMemory) Tip(ctx context.Context) (uint64, string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if n := len(s.entries); n > 0 {
		return s.entries[n-1].Sequence, s.entries[n-1].EntryHash, nil
	}
	return 0, GenesisHash, nil
}

// Tamper overwrites a stored entry in place. Test hook for verifier coverage;
// a real chain has no mutation path.
func (s *InMemory) Tamper(sequence uint64, mutate func(*Entry)) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if sequence == 0 || sequence > uint64(len(s.entries)) {
		return false
	}
	mutate(&s.entries[sequence-1])
	return true
}
