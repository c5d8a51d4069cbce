package events

import (
	"context"
	"sort"
	"sync"
	"time"

	"entitycore.org/internal/ids"
)

// InMemory implements Store with in-process concurrency safety. Test backend.
type InMemory struct {
	mu     sync.RWMutex
	events map[string]PlatformEvent // event_id -> record
	order  []string
	now    func() time.Time
}

// NewInMemory creates an empty event store.
func NewInMemory() *InMemory {
	return &InMemory{
		events: make(map[string]PlatformEvent),
		now:    time.Now,
	}
}

func (s *InMemory) Insert(ctx context.Context, ev PlatformEvent) (PlatformEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if ev.ID == "" {
		ev.ID = ids.New()
	}
	ev.CreatedAt = s.now().UTC()
	s.events[ev.EventID] = ev
	s.order = append(s.order, ev.EventID)
	return ev, nil
}

func (s *InMemory) ByEventID(ctx context.Context, eventID string) (PlatformEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ev, ok := s.events[eventID]
	if !ok {
		return PlatformEvent{}, ErrNotFound
	}
	return ev, nil
}

func (s *InMemory) BySourceCorrelation(ctx context.Context, source, correlationID string) (PlatformEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, id := range s.order {
		ev := s.events[id]
		if ev.Source == source && ev.CorrelationID == correlationID {
			return ev, nil
		}
	}
	return PlatformEvent{}, ErrNotFound
}

func (s *InMemory) ListEvents(ctx context.Context, f Filter) ([]PlatformEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []PlatformEvent
	for _, id := range s.order {
		ev := s.events[id]
		if f.EventType != "" && ev.EventType != f.EventType {
			continue
		}
		if f.Source != "" && ev.Source != f.Source {
			continue
		}
		out = append(out, ev)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].OccurredAt.After(out[j].OccurredAt)
	})
	limit := f.Limit
	if limit <= 0 || limit > 1000 {
		limit = 50
	}
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *InMemory) MarkDelivery(ctx context.Context, eventID string, upd DeliveryUpdate) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	ev, ok := s.events[eventID]
	if !ok {
		return ErrNotFound
	}
	ev.DeliveryState = upd.State
	ev.DeliveryAttempts = upd.Attempts
	ev.LastError = upd.LastError
	s.events[eventID] = ev
	return nil
}
