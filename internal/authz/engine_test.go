package authz_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"entitycore.org/internal/audit"
	"entitycore.org/internal/authz"
	"entitycore.org/internal/cache"
	"entitycore.org/internal/entity"
	"entitycore.org/internal/obs"
	"entitycore.org/internal/rbac"
)

type fixture struct {
	entities *entity.InMemory
	rbac     *rbac.InMemory
	cache    *cache.Memory
	audit    *audit.InMemory
	engine   *authz.Engine
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		entities: entity.NewInMemory(),
		rbac:     rbac.NewInMemory(),
		cache:    cache.NewMemory(),
		audit:    audit.NewInMemory(),
	}
	engine, err := authz.NewEngine(f.entities, f.rbac, f.cache, audit.NewLog(f.audit))
	if err != nil {
		t.Fatal(err)
	}
	f.engine = engine
	return f
}

func (f *fixture) entity(t *testing.T, name, typ, parentID string) entity.Entity {
	t.Helper()
	e, err := f.entities.Create(context.Background(), entity.Entity{
		Name:     name,
		Type:     typ,
		Status:   entity.StatusActive,
		ParentID: parentID,
	})
	if err != nil {
		t.Fatal(err)
	}
	return e
}

func (f *fixture) role(t *testing.T, name string, scopeTypes, actions []string) rbac.Role {
	t.Helper()
	role, err := f.rbac.CreateRole(context.Background(), rbac.Role{
		Name:        name,
		ScopeTypes:  scopeTypes,
		Permissions: actions,
	})
	if err != nil {
		t.Fatal(err)
	}
	return role
}

func (f *fixture) assign(t *testing.T, principalID, roleID, entityID string) rbac.Assignment {
	t.Helper()
	a, err := f.rbac.CreateAssignment(context.Background(), rbac.Assignment{
		PrincipalID:   principalID,
		PrincipalType: "user",
		RoleID:        roleID,
		EntityID:      entityID,
		EffectiveAt:   time.Now().Add(-time.Hour),
	})
	if err != nil {
		t.Fatal(err)
	}
	return a
}

func TestAuthorizeDirectGrant(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	issuer := f.entity(t, "acme", entity.TypeIssuer, "")
	role := f.role(t, "issuer-admin", nil, []string{"entity.write"})
	f.assign(t, "user-1", role.ID, issuer.ID)

	ok, err := f.engine.Authorize(ctx, "user-1", "user", "entity.write", issuer.ID)
	if err != nil {
		t.Fatal(err)
	}
	if !ok {
		t.Fatal("expected grant")
	}

	denied, err := f.engine.Authorize(ctx, "user-2", "user", "entity.write", issuer.ID)
	if err != nil {
		t.Fatal(err)
	}
	if denied {
		t.Fatal("unassigned principal granted")
	}
}

func TestAuthorizeDeterministic(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	issuer := f.entity(t, "acme", entity.TypeIssuer, "")
	role := f.role(t, "viewer", nil, []string{"entity.read"})
	f.assign(t, "user-1", role.ID, issuer.ID)

	for i := 0; i < 5; i++ {
		ok, err := f.engine.Authorize(ctx, "user-1", "user", "entity.read", issuer.ID)
		if err != nil {
			t.Fatal(err)
		}
		if !ok {
			t.Fatalf("run %d flipped to deny", i)
		}
	}
}

func TestAuthorizeInheritsFromAncestor(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	issuer := f.entity(t, "acme", entity.TypeIssuer, "")
	offering := f.entity(t, "acme-bond", entity.TypeOffering, issuer.ID)
	sibling := f.entity(t, "other", entity.TypeIssuer, "")

	role := f.role(t, "manager", nil, []string{"entity.write"})
	f.assign(t, "user-1", role.ID, issuer.ID)

	ok, err := f.engine.Authorize(ctx, "user-1", "user", "entity.write", offering.ID)
	if err != nil {
		t.Fatal(err)
	}
	if !ok {
		t.Fatal("ancestor grant did not cover child")
	}

	crossed, err := f.engine.Authorize(ctx, "user-1", "user", "entity.write", sibling.ID)
	if err != nil {
		t.Fatal(err)
	}
	if crossed {
		t.Fatal("grant leaked to unrelated entity")
	}
}

func TestAuthorizeGlobalAssignment(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	issuer := f.entity(t, "acme", entity.TypeIssuer, "")
	role := f.role(t, "platform-auditor", nil, []string{"audit.read"})
	f.assign(t, "user-1", role.ID, "")

	ok, err := f.engine.Authorize(ctx, "user-1", "user", "audit.read", issuer.ID)
	if err != nil {
		t.Fatal(err)
	}
	if !ok {
		t.Fatal("global assignment not applied")
	}
}

func TestAuthorizeScopeTypesFilterOnResourceType(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	issuer := f.entity(t, "acme", entity.TypeIssuer, "")
	offering := f.entity(t, "acme-bond", entity.TypeOffering, issuer.ID)

	role := f.role(t, "issuer-only", []string{entity.TypeIssuer}, []string{"entity.write"})
	f.assign(t, "user-1", role.ID, issuer.ID)

	ok, err := f.engine.Authorize(ctx, "user-1", "user", "entity.write", issuer.ID)
	if err != nil {
		t.Fatal(err)
	}
	if !ok {
		t.Fatal("in-scope resource denied")
	}

	// The grant sits in the offering's lineage, but the role is scoped to
	// issuer-typed resources.
	scoped, err := f.engine.Authorize(ctx, "user-1", "user", "entity.write", offering.ID)
	if err != nil {
		t.Fatal(err)
	}
	if scoped {
		t.Fatal("scope type filter bypassed")
	}
}

func TestAuthorizeMissingEntity(t *testing.T) {
	f := newFixture(t)
	_, err := f.engine.Authorize(context.Background(), "user-1", "user", "entity.read", "no-such")
	if !errors.Is(err, entity.ErrNotFound) {
		t.Fatalf("expected entity.ErrNotFound, got %v", err)
	}
}

func TestAuthorizeRespectsEffectiveWindow(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	issuer := f.entity(t, "acme", entity.TypeIssuer, "")
	role := f.role(t, "viewer", nil, []string{"entity.read"})

	future, err := f.rbac.CreateAssignment(ctx, rbac.Assignment{
		PrincipalID:   "user-1",
		PrincipalType: "user",
		RoleID:        role.ID,
		EntityID:      issuer.ID,
		EffectiveAt:   time.Now().Add(time.Hour),
	})
	if err != nil {
		t.Fatal(err)
	}

	ok, err := f.engine.Authorize(ctx, "user-1", "user", "entity.read", issuer.ID)
	if err != nil {
		t.Fatal(err)
	}
	if ok {
		t.Fatal("not-yet-effective assignment granted")
	}
	if _, err := f.rbac.DeleteAssignment(ctx, future.ID); err != nil {
		t.Fatal(err)
	}

	expired := time.Now().Add(-time.Minute)
	if _, err := f.rbac.CreateAssignment(ctx, rbac.Assignment{
		PrincipalID:   "user-2",
		PrincipalType: "user",
		RoleID:        role.ID,
		EntityID:      issuer.ID,
		EffectiveAt:   time.Now().Add(-time.Hour),
		ExpiresAt:     &expired,
	}); err != nil {
		t.Fatal(err)
	}
	ok, err = f.engine.Authorize(ctx, "user-2", "user", "entity.read", issuer.ID)
	if err != nil {
		t.Fatal(err)
	}
	if ok {
		t.Fatal("expired assignment granted")
	}
}

func TestAuthorizeUsesCacheAndPrincipalInvalidation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	issuer := f.entity(t, "acme", entity.TypeIssuer, "")
	role := f.role(t, "viewer", nil, []string{"entity.read"})
	assignment := f.assign(t, "user-1", role.ID, issuer.ID)

	ok, err := f.engine.Authorize(ctx, "user-1", "user", "entity.read", issuer.ID)
	if err != nil || !ok {
		t.Fatalf("grant expected: ok=%v err=%v", ok, err)
	}

	// Revoking without invalidation leaves the stale positive decision.
	if _, err := f.rbac.DeleteAssignment(ctx, assignment.ID); err != nil {
		t.Fatal(err)
	}
	stale, err := f.engine.Authorize(ctx, "user-1", "user", "entity.read", issuer.ID)
	if err != nil {
		t.Fatal(err)
	}
	if !stale {
		t.Fatal("expected cached decision before invalidation")
	}

	f.cache.InvalidateForPrincipal(ctx, "user-1")
	fresh, err := f.engine.Authorize(ctx, "user-1", "user", "entity.read", issuer.ID)
	if err != nil {
		t.Fatal(err)
	}
	if fresh {
		t.Fatal("revocation not visible after invalidation")
	}
}

func TestAuthorizeSurvivesCyclicParentLinks(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	a := f.entity(t, "a", entity.TypeIssuer, "")
	b := f.entity(t, "b", entity.TypeOffering, a.ID)

	// Corrupt the hierarchy directly: a -> b -> a.
	parent := b.ID
	if _, err := f.entities.Update(ctx, a.ID, entity.Update{ParentID: &parent}); err != nil {
		t.Fatal(err)
	}

	role := f.role(t, "viewer", nil, []string{"entity.read"})
	f.assign(t, "user-1", role.ID, a.ID)

	ok, err := f.engine.Authorize(ctx, "user-1", "user", "entity.read", b.ID)
	if err != nil {
		t.Fatal(err)
	}
	if !ok {
		t.Fatal("lineage walk failed under cycle")
	}
}

func TestAuthorizeWritesAuditEntry(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	issuer := f.entity(t, "acme", entity.TypeIssuer, "")

	if _, err := f.engine.Authorize(ctx, "user-1", "user", "entity.read", issuer.ID); err != nil {
		t.Fatal(err)
	}

	entries, err := f.audit.Range(ctx, 0, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 1 {
		t.Fatalf("expected one audit entry, got %d", len(entries))
	}
	entry := entries[0]
	if entry.Action != "authorization.evaluate" {
		t.Fatalf("unexpected action: %s", entry.Action)
	}
	if entry.Details["authorized"] != false {
		t.Fatalf("decision not recorded: %v", entry.Details)
	}
}

func TestAuthorizeCountsCachedDecisions(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	issuer := f.entity(t, "acme", entity.TypeIssuer, "")
	role := f.role(t, "viewer", nil, []string{"entity.read"})
	f.assign(t, "user-1", role.ID, issuer.ID)

	granted := obs.AuthzDecisions.WithLabelValues("granted")
	before := testutil.ToFloat64(granted)

	// First call evaluates, second is served from the cache; both must land
	// in the decision counter.
	for i := 0; i < 2; i++ {
		ok, err := f.engine.Authorize(ctx, "user-1", "user", "entity.read", issuer.ID)
		if err != nil {
			t.Fatal(err)
		}
		if !ok {
			t.Fatalf("run %d denied", i)
		}
	}

	if got := testutil.ToFloat64(granted) - before; got != 2 {
		t.Fatalf("expected 2 counted decisions, got %v", got)
	}
}
