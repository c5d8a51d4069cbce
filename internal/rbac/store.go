package rbac

import "context"

// Store persists roles, permissions, and assignments.
type Store interface {
	CreateRole(ctx context.Context, role Role) (Role, error)
	GetRole(ctx context.Context, roleID string) (Role, error)
	UpdateRole(ctx context.Context, roleID string, upd RoleUpdate) (Role, error)
	ListRoles(ctx context.Context) ([]Role, error)

	// EnsurePermissions idempotently creates permission rows for the given
	// action strings; existing actions are left untouched.
	EnsurePermissions(ctx context.Context, actions []string) error

	CreateAssignment(ctx context.Context, a Assignment) (Assignment, error)
	// FindAssignment locates an assignment by its natural key
	// (principal, principal type, role, entity). Empty entityID means global.
	FindAssignment(ctx context.Context, principalID, principalType, roleID, entityID string) (Assignment, error)
	GetAssignment(ctx context.Context, id string) (Assignment, error)
	// DeleteAssignment hard-deletes and returns the removed row so callers can
	// audit it and invalidate the affected principal.
	DeleteAssignment(ctx context.Context, id string) (Assignment, error)
	ListAssignments(ctx context.Context, f AssignmentFilter) ([]Assignment, error)
}
