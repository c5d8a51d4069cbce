package pg

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"entitycore.org/internal/entity"
	"entitycore.org/internal/ids"
)

var _ entity.Store = (*Store)(nil)

func (s *Store) Create(ctx context.Context, e entity.Entity) (entity.Entity, error) {
	attrJSON, err := marshalMap(e.Attributes)
	if err != nil {
		return entity.Entity{}, fmt.Errorf("marshal attributes: %w", err)
	}
	if e.ID == "" {
		e.ID = ids.New()
	}

	var (
		out    entity.Entity
		parent sql.NullString
		raw    []byte
	)
	row := s.db.QueryRowContext(ctx, `
		insert into entities (id, name, type, status, parent_id, attributes)
		values ($1, $2, $3, $4, $5, $6)
		returning id, name, type, status, parent_id, attributes, created_at, updated_at
	`, e.ID, e.Name, e.Type, e.Status, nullIfEmpty(e.ParentID), attrJSON)
	if err := row.Scan(&out.ID, &out.Name, &out.Type, &out.Status, &parent, &raw, &out.CreatedAt, &out.UpdatedAt); err != nil {
		if pgErr, ok := maybePgError(err); ok {
			switch pgErr.Code {
			case pgErrUniqueViolation:
				return entity.Entity{}, entity.ErrConflict
			case pgErrForeignKeyViolation:
				return entity.Entity{}, entity.ErrNotFound
			}
		}
		return entity.Entity{}, err
	}
	out.ParentID = stringOrEmpty(parent)
	if out.Attributes, err = unmarshalMap(raw); err != nil {
		return entity.Entity{}, err
	}
	return out, nil
}

func (s *Store) Get(ctx context.Context, id string) (entity.Entity, error) {
	var (
		out    entity.Entity
		parent sql.NullString
		raw    []byte
	)
	err := s.db.QueryRowContext(ctx, `
		select id, name, type, status, parent_id, attributes, created_at, updated_at
		from entities
		where id = $1
	`, id).Scan(&out.ID, &out.Name, &out.Type, &out.Status, &parent, &raw, &out.CreatedAt, &out.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return entity.Entity{}, entity.ErrNotFound
	}
	if err != nil {
		return entity.Entity{}, err
	}
	out.ParentID = stringOrEmpty(parent)
	if out.Attributes, err = unmarshalMap(raw); err != nil {
		return entity.Entity{}, err
	}
	return out, nil
}

func (s *Store) ParentID(ctx context.Context, id string) (string, error) {
	var parent sql.NullString
	err := s.db.QueryRowContext(ctx, `select parent_id from entities where id = $1`, id).Scan(&parent)
	if errors.Is(err, sql.ErrNoRows) {
		return "", entity.ErrNotFound
	}
	if err != nil {
		return "", err
	}
	return stringOrEmpty(parent), nil
}

func (s *Store) List(ctx context.Context, f entity.Filter) ([]entity.Entity, error) {
	var (
		where []string
		args  []any
		idx   = 1
	)
	if len(f.Types) > 0 {
		where = append(where, fmt.Sprintf("type = any($%d)", idx))
		args = append(args, f.Types)
		idx++
	}
	if f.ParentID != "" {
		where = append(where, fmt.Sprintf("parent_id = $%d", idx))
		args = append(args, f.ParentID)
		idx++
	}
	query := `
		select id, name, type, status, parent_id, attributes, created_at, updated_at
		from entities`
	if len(where) > 0 {
		query += " where " + strings.Join(where, " and ")
	}
	query += " order by created_at desc"

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []entity.Entity
	for rows.Next() {
		var (
			out    entity.Entity
			parent sql.NullString
			raw    []byte
		)
		if err := rows.Scan(&out.ID, &out.Name, &out.Type, &out.Status, &parent, &raw, &out.CreatedAt, &out.UpdatedAt); err != nil {
			return nil, err
		}
		out.ParentID = stringOrEmpty(parent)
		if out.Attributes, err = unmarshalMap(raw); err != nil {
			return nil, err
		}
		result = append(result, out)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return result, nil
}

func (s *Store) Update(ctx context.Context, id string, upd entity.Update) (entity.Entity, error) {
	var (
		sets []string
		args []any
		idx  = 1
	)
	if upd.Name != nil {
		sets = append(sets, fmt.Sprintf("name = $%d", idx))
		args = append(args, *upd.Name)
		idx++
	}
	if upd.Status != nil {
		sets = append(sets, fmt.Sprintf("status = $%d", idx))
		args = append(args, *upd.Status)
		idx++
	}
	if upd.ParentID != nil {
		sets = append(sets, fmt.Sprintf("parent_id = $%d", idx))
		args = append(args, nullIfEmpty(*upd.ParentID))
		idx++
	}
	if upd.Attributes != nil {
		attrJSON, err := marshalMap(upd.Attributes)
		if err != nil {
			return entity.Entity{}, fmt.Errorf("marshal attributes: %w", err)
		}
		sets = append(sets, fmt.Sprintf("attributes = $%d", idx))
		args = append(args, attrJSON)
		idx++
	}
	if len(sets) > 0 {
		sets = append(sets, "updated_at = now()")
		query := fmt.Sprintf(`update entities set %s where id = $%d`, strings.Join(sets, ", "), idx)
		args = append(args, id)
		res, err := s.db.ExecContext(ctx, query, args...)
		if err != nil {
			if pgErr, ok := maybePgError(err); ok && pgErr.Code == pgErrUniqueViolation {
				return entity.Entity{}, entity.ErrConflict
			}
			return entity.Entity{}, err
		}
		aff, err := res.RowsAffected()
		if err != nil {
			return entity.Entity{}, err
		}
		if aff == 0 {
			return entity.Entity{}, entity.ErrNotFound
		}
	}
	return s.Get(ctx, id)
}

func marshalMap(m map[string]any) ([]byte, error) {
	if len(m) == 0 {
		return []byte("{}"), nil
	}
	return json.Marshal(m)
}

func unmarshalMap(raw []byte) (map[string]any, error) {
	out := map[string]any{}
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &out); err != nil {
			return nil, fmt.Errorf("decode json column: %w", err)
		}
	}
	return out, nil
}
