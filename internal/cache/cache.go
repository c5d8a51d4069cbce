// Package cache memoizes authorization decisions. The cache is never the
// system of record: every value in it is reproducible by re-running the
// authorization engine, so backend failures degrade to misses and stale
// entries can only delay, never change, an outcome.
package cache

import "context"

// Key identifies a single cached authorization decision.
type Key struct {
	PrincipalID   string
	PrincipalType string
	ResourceID    string
	Action        string
}

// PermissionCache caches boolean authorization decisions with principal-scoped
// invalidation. Get's second return reports whether the lookup hit.
type PermissionCache interface {
	Get(ctx context.Context, key Key) (bool, bool)
	Set(ctx context.Context, key Key, value bool, principalID string)
	Invalidate(ctx context.Context)
	InvalidateForPrincipal(ctx context.Context, principalID string)
}
