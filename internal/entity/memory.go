package entity

import (
	"context"
	"sync"
	"time"

	"entitycore.org/internal/ids"
)

// InMemory implements Store with in-process concurrency safety. Test backend.
type InMemory struct {
	mu       sync.RWMutex
	entities map[string]Entity
	byKey    map[[2]string]string // (name, type) -> id
	now      func() time.Time
}

// NewInMemory creates an empty entity store.
func NewInMemory() *InMemory {
	return &InMemory{
		entities: make(map[string]Entity),
		byKey:    make(map[[2]string]string),
		now:      time.Now,
	}
}

func (s *InMemory) Create(ctx context.Context, e Entity) (Entity, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := [2]string{e.Name, e.Type}
	if _, ok := s.byKey[key]; ok {
		return Entity{}, ErrConflict
	}
	if e.ID == "" {
		e.ID = ids.New()
	}
	now := s.now().UTC()
	e.CreatedAt = now
	e.UpdatedAt = now
	s.entities[e.ID] = e
	s.byKey[key] = e.ID
	return e, nil
}

func (s *InMemory) Get(ctx context.Context, id string) (Entity, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.entities[id]
	if !ok {
		return Entity{}, ErrNotFound
	}
	return e, nil
}

func (s *InMemory) ParentID(ctx context.Context, id string) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.entities[id]
	if !ok {
		return "", ErrNotFound
	}
	return e.ParentID, nil
}

func (s *InMemory) List(ctx context.Context, f Filter) ([]Entity, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []Entity
	for _, e := range s.entities {
		if len(f.Types) > 0 && !contains(f.Types, e.Type) {
			continue
		}
		if f.ParentID != "" && e.ParentID != f.ParentID {
			continue
		}
		out = append(out, e)
	}
	return out, nil
}

func (s *InMemory) Update(ctx context.Context, id string, upd Update) (Entity, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.entities[id]
	if !ok {
		return Entity{}, ErrNotFound
	}
	if upd.Name != nil && *upd.Name != e.Name {
		newKey := [2]string{*upd.Name, e.Type}
		if _, exists := s.byKey[newKey]; exists {
			return Entity{}, ErrConflict
		}
		delete(s.byKey, [2]string{e.Name, e.Type})
		s.byKey[newKey] = id
		e.Name = *upd.Name
	}
	if upd.Status != nil {
		e.Status = *upd.Status
	}
	if upd.ParentID != nil {
		e.ParentID = *upd.ParentID
	}
	if upd.Attributes != nil {
		e.Attributes = upd.Attributes
	}
	e.UpdatedAt = s.now().UTC()
	s.entities[id] = e
	return e, nil
}

func contains(values []string, v string) bool {
	for _, candidate := range values {
		if candidate == v {
			return true
		}
	}
	return false
}
