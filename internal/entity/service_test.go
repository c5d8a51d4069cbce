package entity

import (
	"context"
	"errors"
	"testing"

	"entitycore.org/internal/audit"
)

func newService(t *testing.T) (*Service, *InMemory, *audit.InMemory) {
	t.Helper()
	store := NewInMemory()
	chain := audit.NewInMemory()
	svc, err := NewService(store, audit.NewLog(chain))
	if err != nil {
		t.Fatal(err)
	}
	return svc, store, chain
}

func TestCreateValidatesAndAudits(t *testing.T) {
	svc, _, chain := newService(t)
	ctx := context.Background()

	created, err := svc.Create(ctx, Entity{Name: "acme", Type: TypeIssuer}, "admin-1")
	if err != nil {
		t.Fatal(err)
	}
	if created.ID == "" || created.Status != StatusActive {
		t.Fatalf("defaults not applied: %+v", created)
	}

	entries, err := chain.Range(ctx, 0, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 1 || entries[0].Action != "entity.create" {
		t.Fatalf("audit entry missing: %+v", entries)
	}

	if _, err := svc.Create(ctx, Entity{Name: "", Type: TypeIssuer}, "admin-1"); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("expected ErrInvalidInput, got %v", err)
	}
	if _, err := svc.Create(ctx, Entity{Name: "x", Type: "starship"}, "admin-1"); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("expected ErrInvalidInput for type, got %v", err)
	}
}

func TestCreateConflictOnNameType(t *testing.T) {
	svc, _, _ := newService(t)
	ctx := context.Background()

	if _, err := svc.Create(ctx, Entity{Name: "acme", Type: TypeIssuer}, "admin-1"); err != nil {
		t.Fatal(err)
	}
	if _, err := svc.Create(ctx, Entity{Name: "acme", Type: TypeIssuer}, "admin-1"); !errors.Is(err, ErrConflict) {
		t.Fatalf("expected ErrConflict, got %v", err)
	}
	// Same name under a different type is a distinct entity.
	if _, err := svc.Create(ctx, Entity{Name: "acme", Type: TypeOffering}, "admin-1"); err != nil {
		t.Fatal(err)
	}
}

func TestCreateRequiresExistingParent(t *testing.T) {
	svc, _, _ := newService(t)
	_, err := svc.Create(context.Background(), Entity{Name: "child", Type: TypeOffering, ParentID: "missing"}, "admin-1")
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestUpdateRejectsCycles(t *testing.T) {
	svc, _, _ := newService(t)
	ctx := context.Background()

	a, err := svc.Create(ctx, Entity{Name: "a", Type: TypeIssuer}, "admin-1")
	if err != nil {
		t.Fatal(err)
	}
	b, err := svc.Create(ctx, Entity{Name: "b", Type: TypeOffering, ParentID: a.ID}, "admin-1")
	if err != nil {
		t.Fatal(err)
	}
	c, err := svc.Create(ctx, Entity{Name: "c", Type: TypeOffering, ParentID: b.ID}, "admin-1")
	if err != nil {
		t.Fatal(err)
	}

	self := a.ID
	if _, err := svc.Update(ctx, a.ID, Update{ParentID: &self}, "admin-1"); !errors.Is(err, ErrCycle) {
		t.Fatalf("self-parent accepted: %v", err)
	}
	descendant := c.ID
	if _, err := svc.Update(ctx, a.ID, Update{ParentID: &descendant}, "admin-1"); !errors.Is(err, ErrCycle) {
		t.Fatalf("descendant parent accepted: %v", err)
	}

	// Re-rooting b elsewhere is legal.
	root := ""
	if _, err := svc.Update(ctx, b.ID, Update{ParentID: &root}, "admin-1"); err != nil {
		t.Fatal(err)
	}
}

func TestUpdatePartialPatch(t *testing.T) {
	svc, _, _ := newService(t)
	ctx := context.Background()

	e, err := svc.Create(ctx, Entity{Name: "acme", Type: TypeIssuer, Attributes: map[string]any{"tier": "gold"}}, "admin-1")
	if err != nil {
		t.Fatal(err)
	}

	status := StatusInactive
	updated, err := svc.Update(ctx, e.ID, Update{Status: &status}, "admin-1")
	if err != nil {
		t.Fatal(err)
	}
	if updated.Status != StatusInactive {
		t.Fatalf("status not patched: %s", updated.Status)
	}
	if updated.Name != "acme" || updated.Attributes["tier"] != "gold" {
		t.Fatalf("untouched fields changed: %+v", updated)
	}
}

func TestArchiveRetainsRow(t *testing.T) {
	svc, store, chain := newService(t)
	ctx := context.Background()

	e, err := svc.Create(ctx, Entity{Name: "acme", Type: TypeIssuer}, "admin-1")
	if err != nil {
		t.Fatal(err)
	}
	archived, err := svc.Archive(ctx, e.ID, "admin-1")
	if err != nil {
		t.Fatal(err)
	}
	if archived.Status != StatusArchived {
		t.Fatalf("unexpected status: %s", archived.Status)
	}

	// Lineage and audit trails still see the row.
	if _, err := store.Get(ctx, e.ID); err != nil {
		t.Fatalf("archived entity vanished: %v", err)
	}
	entries, _ := chain.Range(ctx, 0, 0)
	last := entries[len(entries)-1]
	if last.Action != "entity.archive" {
		t.Fatalf("archive not audited: %s", last.Action)
	}
}

func TestUpdateMissingEntity(t *testing.T) {
	svc, _, _ := newService(t)
	name := "new"
	if _, err := svc.Update(context.Background(), "missing", Update{Name: &name}, "admin-1"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}
