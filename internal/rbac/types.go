package rbac

import (
	"errors"
	"time"
)

var (
	ErrRoleNotFound       = errors.New("rbac: role not found")
	ErrRoleConflict       = errors.New("rbac: role already exists")
	ErrAssignmentNotFound = errors.New("rbac: assignment not found")
	// ErrScope is returned when an assignment targets an entity whose type is
	// outside the role's scope types.
	ErrScope        = errors.New("rbac: role scope mismatch")
	ErrInvalidInput = errors.New("rbac: invalid input")
)

// Role grants a set of permission actions. ScopeTypes restricts which entity
// types the role may be assigned against; an empty set means unscoped.
type Role struct {
	ID          string    `json:"id"`
	Name        string    `json:"name"`
	Description string    `json:"description,omitempty"`
	IsSystem    bool      `json:"is_system"`
	ScopeTypes  []string  `json:"scope_types"`
	Permissions []string  `json:"permissions"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// Permission names a grantable action, e.g. "document:upload". Rows are
// created lazily whenever a role references a new action.
type Permission struct {
	ID        string    `json:"id"`
	Action    string    `json:"action"`
	CreatedAt time.Time `json:"created_at"`
}

// Assignment binds a role to a principal, optionally scoped to an entity.
// An empty EntityID is a global grant. Unique on
// (principal_id, principal_type, role_id, entity_id).
type Assignment struct {
	ID            string     `json:"id"`
	PrincipalID   string     `json:"principal_id"`
	PrincipalType string     `json:"principal_type"`
	EntityID      string     `json:"entity_id,omitempty"`
	RoleID        string     `json:"role_id"`
	EffectiveAt   time.Time  `json:"effective_at"`
	ExpiresAt     *time.Time `json:"expires_at,omitempty"`
	CreatedAt     time.Time  `json:"created_at"`
}

// RoleCreate carries the fields for a new role.
type RoleCreate struct {
	Name        string
	Description string
	ScopeTypes  []string
	Permissions []string
}

// RoleUpdate is a partial role patch; nil fields are left unchanged.
type RoleUpdate struct {
	Description *string
	ScopeTypes  *[]string
	Permissions *[]string
}

// AssignmentCreate carries the fields for a new role assignment.
type AssignmentCreate struct {
	PrincipalID   string
	PrincipalType string
	RoleID        string
	EntityID      string
	EffectiveAt   time.Time
	ExpiresAt     *time.Time
}

// AssignmentFilter narrows ListAssignments results.
type AssignmentFilter struct {
	PrincipalID string
	EntityID    string
}
