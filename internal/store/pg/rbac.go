package pg

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"entitycore.org/internal/authz"
	"entitycore.org/internal/ids"
	"entitycore.org/internal/rbac"
)

var (
	_ rbac.Store   = (*Store)(nil)
	_ authz.Source = (*Store)(nil)
)

func (s *Store) CreateRole(ctx context.Context, role rbac.Role) (rbac.Role, error) {
	scopeJSON, err := json.Marshal(emptyIfNil(role.ScopeTypes))
	if err != nil {
		return rbac.Role{}, fmt.Errorf("marshal scope types: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return rbac.Role{}, err
	}
	defer func() { _ = tx.Rollback() }()

	var (
		out  rbac.Role
		desc sql.NullString
		raw  []byte
	)
	row := tx.QueryRowContext(ctx, `
		insert into roles (id, name, description, is_system, scope_types)
		values ($1, $2, $3, $4, $5)
		returning id, name, description, is_system, scope_types, created_at, updated_at
	`, ids.New(), role.Name, nullIfEmpty(role.Description), role.IsSystem, scopeJSON)
	if err := row.Scan(&out.ID, &out.Name, &desc, &out.IsSystem, &raw, &out.CreatedAt, &out.UpdatedAt); err != nil {
		if pgErr, ok := maybePgError(err); ok && pgErr.Code == pgErrUniqueViolation {
			return rbac.Role{}, rbac.ErrRoleConflict
		}
		return rbac.Role{}, err
	}
	out.Description = stringOrEmpty(desc)
	if err := json.Unmarshal(raw, &out.ScopeTypes); err != nil {
		return rbac.Role{}, fmt.Errorf("decode scope types: %w", err)
	}

	if err := s.linkRolePermissions(ctx, tx, out.ID, role.Permissions); err != nil {
		return rbac.Role{}, err
	}
	if err := tx.Commit(); err != nil {
		return rbac.Role{}, err
	}
	out.Permissions = emptyIfNil(role.Permissions)
	return out, nil
}

func (s *Store) GetRole(ctx context.Context, roleID string) (rbac.Role, error) {
	var (
		out  rbac.Role
		desc sql.NullString
		raw  []byte
	)
	err := s.db.QueryRowContext(ctx, `
		select id, name, description, is_system, scope_types, created_at, updated_at
		from roles
		where id = $1
	`, roleID).Scan(&out.ID, &out.Name, &desc, &out.IsSystem, &raw, &out.CreatedAt, &out.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return rbac.Role{}, rbac.ErrRoleNotFound
	}
	if err != nil {
		return rbac.Role{}, err
	}
	out.Description = stringOrEmpty(desc)
	if err := json.Unmarshal(raw, &out.ScopeTypes); err != nil {
		return rbac.Role{}, fmt.Errorf("decode scope types: %w", err)
	}
	if out.Permissions, err = s.rolePermissions(ctx, roleID); err != nil {
		return rbac.Role{}, err
	}
	return out, nil
}

func (s *Store) UpdateRole(ctx context.Context, roleID string, upd rbac.RoleUpdate) (rbac.Role, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return rbac.Role{}, err
	}
	defer func() { _ = tx.Rollback() }()

	var (
		sets []string
		args []any
		idx  = 1
	)
	if upd.Description != nil {
		sets = append(sets, fmt.Sprintf("description = $%d", idx))
		args = append(args, nullIfEmpty(*upd.Description))
		idx++
	}
	if upd.ScopeTypes != nil {
		scopeJSON, err := json.Marshal(emptyIfNil(*upd.ScopeTypes))
		if err != nil {
			return rbac.Role{}, fmt.Errorf("marshal scope types: %w", err)
		}
		sets = append(sets, fmt.Sprintf("scope_types = $%d", idx))
		args = append(args, scopeJSON)
		idx++
	}
	if len(sets) > 0 {
		sets = append(sets, "updated_at = now()")
		query := fmt.Sprintf(`update roles set %s where id = $%d`, strings.Join(sets, ", "), idx)
		args = append(args, roleID)
		res, err := tx.ExecContext(ctx, query, args...)
		if err != nil {
			return rbac.Role{}, err
		}
		aff, err := res.RowsAffected()
		if err != nil {
			return rbac.Role{}, err
		}
		if aff == 0 {
			return rbac.Role{}, rbac.ErrRoleNotFound
		}
	} else {
		var exists int
		if err := tx.QueryRowContext(ctx, `select 1 from roles where id = $1`, roleID).Scan(&exists); err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return rbac.Role{}, rbac.ErrRoleNotFound
			}
			return rbac.Role{}, err
		}
	}

	if upd.Permissions != nil {
		if _, err := tx.ExecContext(ctx, `delete from role_permissions where role_id = $1`, roleID); err != nil {
			return rbac.Role{}, err
		}
		if err := s.linkRolePermissions(ctx, tx, roleID, *upd.Permissions); err != nil {
			return rbac.Role{}, err
		}
	}
	if err := tx.Commit(); err != nil {
		return rbac.Role{}, err
	}
	return s.GetRole(ctx, roleID)
}

func (s *Store) ListRoles(ctx context.Context) ([]rbac.Role, error) {
	rows, err := s.db.QueryContext(ctx, `
		select id, name, description, is_system, scope_types, created_at, updated_at
		from roles
		order by created_at desc
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var roles []rbac.Role
	for rows.Next() {
		var (
			out  rbac.Role
			desc sql.NullString
			raw  []byte
		)
		if err := rows.Scan(&out.ID, &out.Name, &desc, &out.IsSystem, &raw, &out.CreatedAt, &out.UpdatedAt); err != nil {
			return nil, err
		}
		out.Description = stringOrEmpty(desc)
		if err := json.Unmarshal(raw, &out.ScopeTypes); err != nil {
			return nil, fmt.Errorf("decode scope types: %w", err)
		}
		roles = append(roles, out)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	for i := range roles {
		if roles[i].Permissions, err = s.rolePermissions(ctx, roles[i].ID); err != nil {
			return nil, err
		}
	}
	return roles, nil
}

func (s *Store) EnsurePermissions(ctx context.Context, actions []string) error {
	for _, action := range actions {
		if _, err := s.db.ExecContext(ctx, `
			insert into permissions (id, action)
			values ($1, $2)
			on conflict (action) do nothing
		`, ids.New(), action); err != nil {
			return err
		}
	}
	return nil
}

func (s *Store) CreateAssignment(ctx context.Context, a rbac.Assignment) (rbac.Assignment, error) {
	var (
		out      rbac.Assignment
		entityID sql.NullString
		expires  sql.NullTime
	)
	var expiresArg sql.NullTime
	if a.ExpiresAt != nil {
		expiresArg = sql.NullTime{Time: *a.ExpiresAt, Valid: true}
	}
	row := s.db.QueryRowContext(ctx, `
		insert into role_assignments (id, principal_id, principal_type, entity_id, role_id, effective_at, expires_at)
		values ($1, $2, $3, $4, $5, $6, $7)
		returning id, principal_id, principal_type, entity_id, role_id, effective_at, expires_at, created_at
	`, ids.New(), a.PrincipalID, a.PrincipalType, nullIfEmpty(a.EntityID), a.RoleID, a.EffectiveAt, expiresArg)
	if err := row.Scan(&out.ID, &out.PrincipalID, &out.PrincipalType, &entityID, &out.RoleID, &out.EffectiveAt, &expires, &out.CreatedAt); err != nil {
		if pgErr, ok := maybePgError(err); ok {
			switch pgErr.Code {
			case pgErrUniqueViolation:
				// Lost a race with an identical assignment; resolve to it.
				return s.FindAssignment(ctx, a.PrincipalID, a.PrincipalType, a.RoleID, a.EntityID)
			case pgErrForeignKeyViolation:
				return rbac.Assignment{}, rbac.ErrRoleNotFound
			}
		}
		return rbac.Assignment{}, err
	}
	out.EntityID = stringOrEmpty(entityID)
	if expires.Valid {
		t := expires.Time
		out.ExpiresAt = &t
	}
	return out, nil
}

func (s *Store) FindAssignment(ctx context.Context, principalID, principalType, roleID, entityID string) (rbac.Assignment, error) {
	var (
		out     rbac.Assignment
		entID   sql.NullString
		expires sql.NullTime
	)
	err := s.db.QueryRowContext(ctx, `
		select id, principal_id, principal_type, entity_id, role_id, effective_at, expires_at, created_at
		from role_assignments
		where principal_id = $1 and principal_type = $2 and role_id = $3 and coalesce(entity_id, '') = $4
	`, principalID, principalType, roleID, entityID).Scan(
		&out.ID, &out.PrincipalID, &out.PrincipalType, &entID, &out.RoleID, &out.EffectiveAt, &expires, &out.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return rbac.Assignment{}, rbac.ErrAssignmentNotFound
	}
	if err != nil {
		return rbac.Assignment{}, err
	}
	out.EntityID = stringOrEmpty(entID)
	if expires.Valid {
		t := expires.Time
		out.ExpiresAt = &t
	}
	return out, nil
}

func (s *Store) GetAssignment(ctx context.Context, id string) (rbac.Assignment, error) {
	return s.assignmentBy(ctx, `where id = $1`, id)
}

func (s *Store) DeleteAssignment(ctx context.Context, id string) (rbac.Assignment, error) {
	var (
		out     rbac.Assignment
		entID   sql.NullString
		expires sql.NullTime
	)
	err := s.db.QueryRowContext(ctx, `
		delete from role_assignments
		where id = $1
		returning id, principal_id, principal_type, entity_id, role_id, effective_at, expires_at, created_at
	`, id).Scan(&out.ID, &out.PrincipalID, &out.PrincipalType, &entID, &out.RoleID, &out.EffectiveAt, &expires, &out.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return rbac.Assignment{}, rbac.ErrAssignmentNotFound
	}
	if err != nil {
		return rbac.Assignment{}, err
	}
	out.EntityID = stringOrEmpty(entID)
	if expires.Valid {
		t := expires.Time
		out.ExpiresAt = &t
	}
	return out, nil
}

func (s *Store) ListAssignments(ctx context.Context, f rbac.AssignmentFilter) ([]rbac.Assignment, error) {
	var (
		where []string
		args  []any
		idx   = 1
	)
	if f.PrincipalID != "" {
		where = append(where, fmt.Sprintf("principal_id = $%d", idx))
		args = append(args, f.PrincipalID)
		idx++
	}
	if f.EntityID != "" {
		where = append(where, fmt.Sprintf("entity_id = $%d", idx))
		args = append(args, f.EntityID)
		idx++
	}
	query := `
		select id, principal_id, principal_type, entity_id, role_id, effective_at, expires_at, created_at
		from role_assignments`
	if len(where) > 0 {
		query += " where " + strings.Join(where, " and ")
	}
	query += " order by created_at desc"

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var assignments []rbac.Assignment
	for rows.Next() {
		var (
			out     rbac.Assignment
			entID   sql.NullString
			expires sql.NullTime
		)
		if err := rows.Scan(&out.ID, &out.PrincipalID, &out.PrincipalType, &entID, &out.RoleID, &out.EffectiveAt, &expires, &out.CreatedAt); err != nil {
			return nil, err
		}
		out.EntityID = stringOrEmpty(entID)
		if expires.Valid {
			t := expires.Time
			out.ExpiresAt = &t
		}
		assignments = append(assignments, out)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return assignments, nil
}

// Candidates implements authz.Source: assignments for the principal that are
// active at now, attached within the lineage (or global), joined to roles
// granting the action.
func (s *Store) Candidates(ctx context.Context, principalID, principalType, action string, lineage []string, now time.Time) ([]authz.Candidate, error) {
	rows, err := s.db.QueryContext(ctx, `
		select r.id, r.scope_types
		from role_assignments ra
		join roles r on r.id = ra.role_id
		join role_permissions rp on rp.role_id = r.id
		join permissions p on p.id = rp.permission_id
		where ra.principal_id = $1
		  and ra.principal_type = $2
		  and p.action = $3
		  and ra.effective_at <= $4
		  and (ra.expires_at is null or ra.expires_at > $4)
		  and (ra.entity_id is null or ra.entity_id = any($5))
	`, principalID, principalType, action, now, lineage)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []authz.Candidate
	for rows.Next() {
		var (
			c   authz.Candidate
			raw []byte
		)
		if err := rows.Scan(&c.RoleID, &raw); err != nil {
			return nil, err
		}
		if err := json.Unmarshal(raw, &c.ScopeTypes); err != nil {
			return nil, fmt.Errorf("decode scope types: %w", err)
		}
		out = append(out, c)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

func (s *Store) linkRolePermissions(ctx context.Context, tx *sql.Tx, roleID string, actions []string) error {
	for _, action := range actions {
		var permID string
		err := tx.QueryRowContext(ctx, `select id from permissions where action = $1`, action).Scan(&permID)
		if err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return fmt.Errorf("%w: permission %s", rbac.ErrInvalidInput, action)
			}
			return err
		}
		if _, err := tx.ExecContext(ctx, `
			insert into role_permissions (role_id, permission_id)
			values ($1, $2)
			on conflict do nothing
		`, roleID, permID); err != nil {
			return err
		}
	}
	return nil
}

func (s *Store) rolePermissions(ctx context.Context, roleID string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `
		select p.action
		from role_permissions rp
		join permissions p on p.id = rp.permission_id
		where rp.role_id = $1
		order by p.action
	`, roleID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	actions := []string{}
	for rows.Next() {
		var action string
		if err := rows.Scan(&action); err != nil {
			return nil, err
		}
		actions = append(actions, action)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return actions, nil
}

func (s *Store) assignmentBy(ctx context.Context, where string, args ...any) (rbac.Assignment, error) {
	var (
		out     rbac.Assignment
		entID   sql.NullString
		expires sql.NullTime
	)
	err := s.db.QueryRowContext(ctx, `
		select id, principal_id, principal_type, entity_id, role_id, effective_at, expires_at, created_at
		from role_assignments `+where, args...).Scan(
		&out.ID, &out.PrincipalID, &out.PrincipalType, &entID, &out.RoleID, &out.EffectiveAt, &expires, &out.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return rbac.Assignment{}, rbac.ErrAssignmentNotFound
	}
	if err != nil {
		return rbac.Assignment{}, err
	}
	out.EntityID = stringOrEmpty(entID)
	if expires.Valid {
		t := expires.Time
		out.ExpiresAt = &t
	}
	return out, nil
}

func emptyIfNil(values []string) []string {
	if values == nil {
		return []string{}
	}
	return values
}
