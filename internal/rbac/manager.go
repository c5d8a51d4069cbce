package rbac

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"entitycore.org/internal/audit"
	"entitycore.org/internal/cache"
	"entitycore.org/internal/entity"
	"entitycore.org/internal/obs"
)

// Manager coordinates role definitions and role assignments. Every successful
// mutation writes an audit entry; role-definition changes flush the whole
// permission cache (they can affect any cached decision referencing the role),
// assignment changes flush only the affected principal.
type Manager struct {
	store    Store
	entities entity.Reader
	audit    *audit.Log
	cache    cache.PermissionCache
	now      func() time.Time
}

// NewManager constructs a role/assignment manager.
func NewManager(store Store, entities entity.Reader, auditLog *audit.Log, permCache cache.PermissionCache) (*Manager, error) {
	if store == nil || entities == nil || auditLog == nil || permCache == nil {
		return nil, errors.New("rbac: store, entity reader, audit log, and cache are required")
	}
	return &Manager{
		store:    store,
		entities: entities,
		audit:    auditLog,
		cache:    permCache,
		now:      time.Now,
	}, nil
}

// CreateRole creates a role and its permission rows. Fails with
// ErrRoleConflict when the name is taken.
func (m *Manager) CreateRole(ctx context.Context, req RoleCreate, actorID string) (Role, error) {
	req.Name = strings.TrimSpace(req.Name)
	if req.Name == "" {
		return Role{}, fmt.Errorf("%w: role name is required", ErrInvalidInput)
	}
	scopeTypes, err := normalizeScopeTypes(req.ScopeTypes)
	if err != nil {
		return Role{}, err
	}
	actions := dedupeActions(req.Permissions)

	if err := m.store.EnsurePermissions(ctx, actions); err != nil {
		return Role{}, err
	}
	role, err := m.store.CreateRole(ctx, Role{
		Name:        req.Name,
		Description: strings.TrimSpace(req.Description),
		ScopeTypes:  scopeTypes,
		Permissions: actions,
	})
	if err != nil {
		return Role{}, err
	}

	if _, err := m.audit.Record(ctx, audit.Event{
		Action:  "role.create",
		ActorID: actorID,
		Details: map[string]any{"role_id": role.ID, "name": role.Name, "permissions": actions},
	}); err != nil {
		return Role{}, err
	}
	obs.LogEvent("role.created", map[string]any{"role_id": role.ID, "actor_id": actorID})
	m.cache.Invalidate(ctx)
	return role, nil
}

// UpdateRole applies a partial patch to a role definition.
func (m *Manager) UpdateRole(ctx context.Context, roleID string, upd RoleUpdate, actorID string) (Role, error) {
	changes := map[string]any{}
	if upd.Description != nil {
		trimmed := strings.TrimSpace(*upd.Description)
		upd.Description = &trimmed
		changes["description"] = trimmed
	}
	if upd.ScopeTypes != nil {
		scopeTypes, err := normalizeScopeTypes(*upd.ScopeTypes)
		if err != nil {
			return Role{}, err
		}
		upd.ScopeTypes = &scopeTypes
		changes["scope_types"] = scopeTypes
	}
	if upd.Permissions != nil {
		actions := dedupeActions(*upd.Permissions)
		if err := m.store.EnsurePermissions(ctx, actions); err != nil {
			return Role{}, err
		}
		upd.Permissions = &actions
		changes["permissions"] = actions
	}

	role, err := m.store.UpdateRole(ctx, roleID, upd)
	if err != nil {
		return Role{}, err
	}

	if _, err := m.audit.Record(ctx, audit.Event{
		Action:  "role.update",
		ActorID: actorID,
		Details: map[string]any{"role_id": role.ID, "changes": changes},
	}); err != nil {
		return Role{}, err
	}
	m.cache.Invalidate(ctx)
	return role, nil
}

// ListRoles returns all role definitions.
func (m *Manager) ListRoles(ctx context.Context) ([]Role, error) {
	return m.store.ListRoles(ctx)
}

// AssignRole binds a role to a principal. When the target entity falls outside
// the role's scope types the call fails with ErrScope. Re-assigning an
// identical binding is idempotent: the existing assignment comes back
// unchanged, with no audit entry and no cache invalidation.
func (m *Manager) AssignRole(ctx context.Context, req AssignmentCreate, actorID string) (Assignment, error) {
	if req.PrincipalID == "" || req.PrincipalType == "" {
		return Assignment{}, fmt.Errorf("%w: principal id and type are required", ErrInvalidInput)
	}
	role, err := m.store.GetRole(ctx, req.RoleID)
	if err != nil {
		return Assignment{}, err
	}

	var entityType string
	if req.EntityID != "" {
		target, err := m.entities.Get(ctx, req.EntityID)
		if err != nil {
			return Assignment{}, fmt.Errorf("%w: entity %s not found for assignment", ErrScope, req.EntityID)
		}
		if len(role.ScopeTypes) > 0 && !containsString(role.ScopeTypes, target.Type) {
			return Assignment{}, fmt.Errorf("%w: role %s cannot be assigned to entity type %s", ErrScope, role.Name, target.Type)
		}
		entityType = target.Type
	}

	existing, err := m.store.FindAssignment(ctx, req.PrincipalID, req.PrincipalType, req.RoleID, req.EntityID)
	if err == nil {
		return existing, nil
	}
	if !errors.Is(err, ErrAssignmentNotFound) {
		return Assignment{}, err
	}

	if req.EffectiveAt.IsZero() {
		req.EffectiveAt = m.now().UTC()
	}
	assignment, err := m.store.CreateAssignment(ctx, Assignment{
		PrincipalID:   req.PrincipalID,
		PrincipalType: req.PrincipalType,
		EntityID:      req.EntityID,
		RoleID:        req.RoleID,
		EffectiveAt:   req.EffectiveAt,
		ExpiresAt:     req.ExpiresAt,
	})
	if err != nil {
		return Assignment{}, err
	}

	if _, err := m.audit.Record(ctx, audit.Event{
		Action:     "role_assignment.create",
		ActorID:    actorID,
		EntityID:   req.EntityID,
		EntityType: entityType,
		Details: map[string]any{
			"role_id":        req.RoleID,
			"principal_id":   req.PrincipalID,
			"principal_type": req.PrincipalType,
		},
	}); err != nil {
		return Assignment{}, err
	}
	obs.LogEvent("role.assigned", map[string]any{
		"role_id":      req.RoleID,
		"principal_id": req.PrincipalID,
		"entity_id":    req.EntityID,
	})
	m.cache.InvalidateForPrincipal(ctx, req.PrincipalID)
	return assignment, nil
}

// RevokeAssignment hard-deletes an assignment and flushes the affected
// principal's cached decisions.
func (m *Manager) RevokeAssignment(ctx context.Context, assignmentID, actorID string) error {
	removed, err := m.store.DeleteAssignment(ctx, assignmentID)
	if err != nil {
		return err
	}

	var entityType string
	if removed.EntityID != "" {
		if target, err := m.entities.Get(ctx, removed.EntityID); err == nil {
			entityType = target.Type
		}
	}
	if _, err := m.audit.Record(ctx, audit.Event{
		Action:     "role_assignment.delete",
		ActorID:    actorID,
		EntityID:   removed.EntityID,
		EntityType: entityType,
		Details:    map[string]any{"assignment_id": assignmentID},
	}); err != nil {
		return err
	}
	obs.LogEvent("role.assignment_revoked", map[string]any{
		"assignment_id": assignmentID,
		"actor_id":      actorID,
	})
	m.cache.InvalidateForPrincipal(ctx, removed.PrincipalID)
	return nil
}

// ListAssignments returns assignments matching the filter.
func (m *Manager) ListAssignments(ctx context.Context, f AssignmentFilter) ([]Assignment, error) {
	return m.store.ListAssignments(ctx, f)
}

// EnsureBaselinePermissions idempotently creates permission rows for the given
// action strings.
func (m *Manager) EnsureBaselinePermissions(ctx context.Context, actions []string) error {
	return m.store.EnsurePermissions(ctx, dedupeActions(actions))
}

func normalizeScopeTypes(scopeTypes []string) ([]string, error) {
	out := make([]string, 0, len(scopeTypes))
	seen := make(map[string]struct{}, len(scopeTypes))
	for _, t := range scopeTypes {
		t = strings.TrimSpace(t)
		if t == "" {
			continue
		}
		if !entity.ValidType(t) {
			return nil, fmt.Errorf("%w: unknown scope type %q", ErrInvalidInput, t)
		}
		if _, ok := seen[t]; ok {
			continue
		}
		seen[t] = struct{}{}
		out = append(out, t)
	}
	return out, nil
}

func dedupeActions(actions []string) []string {
	out := make([]string, 0, len(actions))
	seen := make(map[string]struct{}, len(actions))
	for _, a := range actions {
		a = strings.TrimSpace(a)
		if a == "" {
			continue
		}
		if _, ok := seen[a]; ok {
			continue
		}
		seen[a] = struct{}{}
		out = append(out, a)
	}
	return out
}

func containsString(values []string, v string) bool {
	for _, candidate := range values {
		if candidate == v {
			return true
		}
	}
	return false
}
