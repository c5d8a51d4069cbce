// Package authz evaluates whether a principal may perform an action on an
// entity, resolving role assignments across the entity parent hierarchy.
package authz

import (
	"context"
	"errors"
	"time"

	"entitycore.org/internal/audit"
	"entitycore.org/internal/cache"
	"entitycore.org/internal/entity"
	"entitycore.org/internal/obs"
)

// Candidate is a role assignment row that grants the requested action within
// the resource's lineage. ScopeTypes mirrors the granting role's restriction
// so the engine can filter on the resource's own type.
type Candidate struct {
	RoleID     string
	ScopeTypes []string
}

// Source yields candidate grants. Implementations must already filter on
// principal identity, effective/expiry windows against now, the action, and
// assignment entity membership in lineage (or a global assignment).
type Source interface {
	Candidates(ctx context.Context, principalID, principalType, action string, lineage []string, now time.Time) ([]Candidate, error)
}

// Engine resolves authorization decisions, memoizing them in the permission
// cache and anchoring every evaluation into the audit chain.
type Engine struct {
	entities entity.Reader
	source   Source
	cache    cache.PermissionCache
	audit    *audit.Log
	now      func() time.Time
}

// NewEngine constructs an authorization engine.
func NewEngine(entities entity.Reader, source Source, permCache cache.PermissionCache, auditLog *audit.Log) (*Engine, error) {
	if entities == nil || source == nil || permCache == nil || auditLog == nil {
		return nil, errors.New("authz: entity reader, source, cache, and audit log are required")
	}
	return &Engine{
		entities: entities,
		source:   source,
		cache:    permCache,
		audit:    auditLog,
		now:      time.Now,
	}, nil
}

// Authorize reports whether the principal may perform action on the resource
// entity. It fails with entity.ErrNotFound when the resource does not exist.
// Evaluation short-circuits on the first applicable grant: authorization is
// boolean, not ranked. A grant at an ancestor entity covers descendants.
func (e *Engine) Authorize(ctx context.Context, principalID, principalType, action, resourceID string) (bool, error) {
	start := e.now()
	defer func() {
		obs.AuthzDuration.Observe(time.Since(start).Seconds())
	}()

	resource, err := e.entities.Get(ctx, resourceID)
	if err != nil {
		return false, err
	}

	key := cache.Key{
		PrincipalID:   principalID,
		PrincipalType: principalType,
		ResourceID:    resourceID,
		Action:        action,
	}
	if cached, ok := e.cache.Get(ctx, key); ok {
		obs.AuthzDecisions.WithLabelValues(decisionOutcome(cached)).Inc()
		obs.LogEvent("authz.evaluated", map[string]any{
			"principal_id": principalID,
			"resource_id":  resourceID,
			"action":       action,
			"outcome":      decisionOutcome(cached),
			"cached":       true,
		})
		return cached, nil
	}

	lineage, err := e.lineage(ctx, resource)
	if err != nil {
		return false, err
	}

	candidates, err := e.source.Candidates(ctx, principalID, principalType, action, lineage, e.now().UTC())
	if err != nil {
		return false, err
	}

	authorized := false
	for _, candidate := range candidates {
		if len(candidate.ScopeTypes) > 0 && !containsString(candidate.ScopeTypes, resource.Type) {
			continue
		}
		authorized = true
		break
	}

	outcome := decisionOutcome(authorized)
	if _, err := e.audit.Record(ctx, audit.Event{
		Action:     "authorization.evaluate",
		ActorID:    principalID,
		ActorType:  principalType,
		EntityID:   resource.ID,
		EntityType: resource.Type,
		Details: map[string]any{
			"action":         action,
			"principal_type": principalType,
			"authorized":     authorized,
		},
	}); err != nil {
		return false, err
	}

	obs.AuthzDecisions.WithLabelValues(outcome).Inc()
	obs.LogEvent("authz.evaluated", map[string]any{
		"principal_id": principalID,
		"resource_id":  resourceID,
		"action":       action,
		"outcome":      outcome,
		"cached":       false,
	})

	e.cache.Set(ctx, key, authorized, principalID)
	return authorized, nil
}

// lineage returns the resource id followed by its ancestor chain. The walk is
// bounded by a visited set: a cyclic parent link terminates the walk instead
// of looping.
func (e *Engine) lineage(ctx context.Context, resource entity.Entity) ([]string, error) {
	lineage := []string{resource.ID}
	visited := map[string]struct{}{resource.ID: {}}
	current := resource.ID
	for {
		parent, err := e.entities.ParentID(ctx, current)
		if err != nil {
			if errors.Is(err, entity.ErrNotFound) {
				break
			}
			return nil, err
		}
		if parent == "" {
			break
		}
		if _, seen := visited[parent]; seen {
			break
		}
		lineage = append(lineage, parent)
		visited[parent] = struct{}{}
		current = parent
	}
	return lineage, nil
}

func decisionOutcome(authorized bool) string {
	if authorized {
		return "granted"
	}
	return "denied"
}

func containsString(values []string, v string) bool {
	for _, candidate := range values {
		if candidate == v {
			return true
		}
	}
	return false
}
