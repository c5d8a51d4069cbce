package rbac

import (
	"context"
	"sync"
	"time"

	"entitycore.org/internal/authz"
	"entitycore.org/internal/ids"
)

// InMemory implements Store and authz.Source with in-process concurrency
// safety. Test backend.
type InMemory struct {
	mu          sync.RWMutex
	roles       map[string]Role
	rolesByName map[string]string
	permissions map[string]Permission // action -> row
	assignments map[string]Assignment
	now         func() time.Time
}

var _ Store = (*InMemory)(nil)
var _ authz.Source = (*InMemory)(nil)

// NewInMemory creates an empty RBAC store.
func NewInMemory() *InMemory {
	return &InMemory{
		roles:       make(map[string]Role),
		rolesByName: make(map[string]string),
		permissions: make(map[string]Permission),
		assignments: make(map[string]Assignment),
		now:         time.Now,
	}
}

func (s *InMemory) CreateRole(ctx context.Context, role Role) (Role, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.rolesByName[role.Name]; ok {
		return Role{}, ErrRoleConflict
	}
	role.ID = ids.New()
	now := s.now().UTC()
	role.CreatedAt = now
	role.UpdatedAt = now
	s.roles[role.ID] = role
	s.rolesByName[role.Name] = role.ID
	return role, nil
}

func (s *InMemory) GetRole(ctx context.Context, roleID string) (Role, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	role, ok := s.roles[roleID]
	if !ok {
		return Role{}, ErrRoleNotFound
	}
	return role, nil
}

func (s *InMemory) UpdateRole(ctx context.Context, roleID string, upd RoleUpdate) (Role, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	role, ok := s.roles[roleID]
	if !ok {
		return Role{}, ErrRoleNotFound
	}
	if upd.Description != nil {
		role.Description = *upd.Description
	}
	if upd.ScopeTypes != nil {
		role.ScopeTypes = *upd.ScopeTypes
	}
	if upd.Permissions != nil {
		role.Permissions = *upd.Permissions
	}
	role.UpdatedAt = s.now().UTC()
	s.roles[roleID] = role
	return role, nil
}

func (s *InMemory) ListRoles(ctx context.Context) ([]Role, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Role, 0, len(s.roles))
	for _, role := range s.roles {
		out = append(out, role)
	}
	return out, nil
}

func (s *InMemory) EnsurePermissions(ctx context.Context, actions []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, action := range actions {
		if _, ok := s.permissions[action]; ok {
			continue
		}
		s.permissions[action] = Permission{
			ID:        ids.New(),
			Action:    action,
			CreatedAt: s.now().UTC(),
		}
	}
	return nil
}

func (s *InMemory) CreateAssignment(ctx context.Context, a Assignment) (Assignment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	a.ID = ids.New()
	a.CreatedAt = s.now().UTC()
	s.assignments[a.ID] = a
	return a, nil
}

func (s *InMemory) FindAssignment(ctx context.Context, principalID, principalType, roleID, entityID string) (Assignment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, a := range s.assignments {
		if a.PrincipalID == principalID && a.PrincipalType == principalType &&
			a.RoleID == roleID && a.EntityID == entityID {
			return a, nil
		}
	}
	return Assignment{}, ErrAssignmentNotFound
}

func (s *InMemory) GetAssignment(ctx context.Context, id string) (Assignment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	a, ok := s.assignments[id]
	if !ok {
		return Assignment{}, ErrAssignmentNotFound
	}
	return a, nil
}

func (s *InMemory) DeleteAssignment(ctx context.Context, id string) (Assignment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.assignments[id]
	if !ok {
		return Assignment{}, ErrAssignmentNotFound
	}
	delete(s.assignments, id)
	return a, nil
}

func (s *InMemory) ListAssignments(ctx context.Context, f AssignmentFilter) ([]Assignment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []Assignment
	for _, a := range s.assignments {
		if f.PrincipalID != "" && a.PrincipalID != f.PrincipalID {
			continue
		}
		if f.EntityID != "" && a.EntityID != f.EntityID {
			continue
		}
		out = append(out, a)
	}
	return out, nil
}

// Candidates implements authz.Source over the in-memory tables, mirroring the
// Postgres join: principal match, active window, lineage (or global)
// assignment, and a role granting the action.
func (s *InMemory) Candidates(ctx context.Context, principalID, principalType, action string, lineage []string, now time.Time) ([]authz.Candidate, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	inLineage := make(map[string]struct{}, len(lineage))
	for _, id := range lineage {
		inLineage[id] = struct{}{}
	}

	var out []authz.Candidate
	for _, a := range s.assignments {
		if a.PrincipalID != principalID || a.PrincipalType != principalType {
			continue
		}
		if a.EffectiveAt.After(now) {
			continue
		}
		if a.ExpiresAt != nil && !a.ExpiresAt.After(now) {
			continue
		}
		if a.EntityID != "" {
			if _, ok := inLineage[a.EntityID]; !ok {
				continue
			}
		}
		role, ok := s.roles[a.RoleID]
		if !ok {
			continue
		}
		if !containsString(role.Permissions, action) {
			continue
		}
		out = append(out, authz.Candidate{RoleID: role.ID, ScopeTypes: role.ScopeTypes})
	}
	return out, nil
}
