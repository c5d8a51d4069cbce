package entity

import "context"

// Reader is the narrow read contract the authorization engine consumes:
// it only needs an entity's type/status and the parent link for lineage walks.
type Reader interface {
	Get(ctx context.Context, id string) (Entity, error)
	// ParentID returns the parent link for id, empty when the entity is a root.
	ParentID(ctx context.Context, id string) (string, error)
}

// Filter narrows List results.
type Filter struct {
	Types    []string
	ParentID string
}

// Store persists entities.
type Store interface {
	Reader
	Create(ctx context.Context, e Entity) (Entity, error)
	List(ctx context.Context, f Filter) ([]Entity, error)
	Update(ctx context.Context, id string, upd Update) (Entity, error)
}
