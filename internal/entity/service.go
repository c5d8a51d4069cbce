package entity

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"entitycore.org/internal/audit"
	"entitycore.org/internal/obs"
)

// Service encapsulates entity CRUD with auditing. Entities are never deleted;
// retirement is an archive status change.
type Service struct {
	store Store
	audit *audit.Log
}

// NewService constructs an entity service.
func NewService(store Store, auditLog *audit.Log) (*Service, error) {
	if store == nil {
		return nil, errors.New("entity: store is required")
	}
	if auditLog == nil {
		return nil, errors.New("entity: audit log is required")
	}
	return &Service{store: store, audit: auditLog}, nil
}

// Create persists a new entity. (Name, Type) must be unique.
func (s *Service) Create(ctx context.Context, e Entity, actorID string) (Entity, error) {
	e.Name = strings.TrimSpace(e.Name)
	if e.Name == "" {
		return Entity{}, fmt.Errorf("%w: name is required", ErrInvalidInput)
	}
	if !ValidType(e.Type) {
		return Entity{}, fmt.Errorf("%w: unsupported type %q", ErrInvalidInput, e.Type)
	}
	if e.Status == "" {
		e.Status = StatusActive
	}
	if !ValidStatus(e.Status) {
		return Entity{}, fmt.Errorf("%w: unsupported status %q", ErrInvalidInput, e.Status)
	}
	if e.ParentID != "" {
		if _, err := s.store.Get(ctx, e.ParentID); err != nil {
			return Entity{}, fmt.Errorf("parent %s: %w", e.ParentID, err)
		}
	}
	if e.Attributes == nil {
		e.Attributes = map[string]any{}
	}

	created, err := s.store.Create(ctx, e)
	if err != nil {
		return Entity{}, err
	}

	if _, err := s.audit.Record(ctx, audit.Event{
		Action:     "entity.create",
		ActorID:    actorID,
		EntityID:   created.ID,
		EntityType: created.Type,
		Details:    map[string]any{"name": created.Name, "type": created.Type},
	}); err != nil {
		return Entity{}, err
	}
	obs.LogEvent("entity.created", map[string]any{
		"entity_id":   created.ID,
		"entity_type": created.Type,
		"actor_id":    actorID,
	})
	return created, nil
}

// Get returns the entity or ErrNotFound.
func (s *Service) Get(ctx context.Context, id string) (Entity, error) {
	return s.store.Get(ctx, id)
}

// List returns entities matching the filter.
func (s *Service) List(ctx context.Context, f Filter) ([]Entity, error) {
	return s.store.List(ctx, f)
}

// Update applies a partial patch. A parent change that would make the entity
// its own ancestor is rejected with ErrCycle.
func (s *Service) Update(ctx context.Context, id string, upd Update, actorID string) (Entity, error) {
	current, err := s.store.Get(ctx, id)
	if err != nil {
		return Entity{}, err
	}
	if upd.Name != nil {
		trimmed := strings.TrimSpace(*upd.Name)
		if trimmed == "" {
			return Entity{}, fmt.Errorf("%w: name is required", ErrInvalidInput)
		}
		upd.Name = &trimmed
	}
	if upd.Status != nil && !ValidStatus(*upd.Status) {
		return Entity{}, fmt.Errorf("%w: unsupported status %q", ErrInvalidInput, *upd.Status)
	}
	if upd.ParentID != nil && *upd.ParentID != "" {
		if err := s.checkNoCycle(ctx, current.ID, *upd.ParentID); err != nil {
			return Entity{}, err
		}
	}

	updated, err := s.store.Update(ctx, id, upd)
	if err != nil {
		return Entity{}, err
	}

	if _, err := s.audit.Record(ctx, audit.Event{
		Action:     "entity.update",
		ActorID:    actorID,
		EntityID:   updated.ID,
		EntityType: updated.Type,
		Details:    changedFields(upd),
	}); err != nil {
		return Entity{}, err
	}
	return updated, nil
}

// Archive retires an entity. The row is retained for audit trails and lineage.
func (s *Service) Archive(ctx context.Context, id, actorID string) (Entity, error) {
	status := StatusArchived
	archived, err := s.store.Update(ctx, id, Update{Status: &status})
	if err != nil {
		return Entity{}, err
	}
	if _, err := s.audit.Record(ctx, audit.Event{
		Action:     "entity.archive",
		ActorID:    actorID,
		EntityID:   archived.ID,
		EntityType: archived.Type,
		Details:    map[string]any{},
	}); err != nil {
		return Entity{}, err
	}
	return archived, nil
}

// checkNoCycle walks the proposed parent's lineage and rejects the change if
// it passes through the entity being updated.
func (s *Service) checkNoCycle(ctx context.Context, id, parentID string) error {
	if parentID == id {
		return fmt.Errorf("%w: entity %s cannot be its own parent", ErrCycle, id)
	}
	if _, err := s.store.Get(ctx, parentID); err != nil {
		return fmt.Errorf("parent %s: %w", parentID, err)
	}
	visited := map[string]struct{}{}
	current := parentID
	for current != "" {
		if current == id {
			return fmt.Errorf("%w: parent %s is a descendant of %s", ErrCycle, parentID, id)
		}
		if _, seen := visited[current]; seen {
			break
		}
		visited[current] = struct{}{}
		next, err := s.store.ParentID(ctx, current)
		if err != nil {
			return err
		}
		current = next
	}
	return nil
}

func changedFields(upd Update) map[string]any {
	changes := map[string]any{}
	if upd.Name != nil {
		changes["name"] = *upd.Name
	}
	if upd.Status != nil {
		changes["status"] = *upd.Status
	}
	if upd.ParentID != nil {
		changes["parent_id"] = *upd.ParentID
	}
	if upd.Attributes != nil {
		changes["attributes"] = upd.Attributes
	}
	return changes
}
