package pg

import (
	"context"
	"database/sql"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jackc/pgx/v5/pgconn"

	"entitycore.org/internal/audit"
	"entitycore.org/internal/entity"
	"entitycore.org/internal/events"
	"entitycore.org/internal/rbac"
)

func newMockStore(t *testing.T) (*Store, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return NewStore(db), mock
}

func TestAuditAppendLocksTipAndSeals(t *testing.T) {
	store, mock := newMockStore(t)
	occurred := time.Date(2026, 2, 3, 4, 5, 6, 0, time.UTC)

	mock.ExpectBegin()
	mock.ExpectQuery("select sequence, entry_hash").WillReturnError(sql.ErrNoRows)
	mock.ExpectQuery("insert into audit_log").
		WillReturnRows(sqlmock.NewRows([]string{"created_at"}).AddRow(time.Now()))
	mock.ExpectCommit()

	ev := audit.Event{
		Source:     "core",
		Action:     "entity.create",
		ActorType:  "user",
		OccurredAt: occurred,
	}
	entry, err := store.Append(context.Background(), ev)
	if err != nil {
		t.Fatal(err)
	}
	if entry.Sequence != 1 || entry.PreviousHash != audit.GenesisHash {
		t.Fatalf("empty chain not anchored at genesis: %+v", entry)
	}

	sealed, err := audit.Seal(ev, 1, audit.GenesisHash)
	if err != nil {
		t.Fatal(err)
	}
	if entry.EntryHash != sealed.EntryHash {
		t.Fatalf("stored digest diverges from sealing: %s vs %s", entry.EntryHash, sealed.EntryHash)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestAuditAppendChainsOntoTip(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectBegin()
	mock.ExpectQuery("select sequence, entry_hash").
		WillReturnRows(sqlmock.NewRows([]string{"sequence", "entry_hash"}).AddRow(3, "abc123"))
	mock.ExpectQuery("insert into audit_log").
		WillReturnRows(sqlmock.NewRows([]string{"created_at"}).AddRow(time.Now()))
	mock.ExpectCommit()

	entry, err := store.Append(context.Background(), audit.Event{
		Source:     "core",
		Action:     "entity.update",
		ActorType:  "user",
		OccurredAt: time.Now(),
	})
	if err != nil {
		t.Fatal(err)
	}
	if entry.Sequence != 4 || entry.PreviousHash != "abc123" {
		t.Fatalf("tip not extended: %+v", entry)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestAuditAppendReplaysExistingEventID(t *testing.T) {
	store, mock := newMockStore(t)
	now := time.Now().UTC()

	rows := sqlmock.NewRows([]string{
		"id", "sequence", "previous_hash", "entry_hash", "hash_version", "event_id",
		"source", "occurred_at", "actor_id", "actor_type", "entity_id", "entity_type",
		"action", "correlation_id", "details", "created_at",
	}).AddRow("row-1", 7, "prev", "hash", 1, "evt-1", "ingest", now, nil, "service", nil, nil,
		"payment.settled", nil, []byte(`{}`), now)

	// The duplicate-key lookup runs only after the tip lock is held, so a
	// concurrently committed twin is already visible to it.
	mock.ExpectBegin()
	mock.ExpectQuery("select sequence, entry_hash").
		WillReturnRows(sqlmock.NewRows([]string{"sequence", "entry_hash"}).AddRow(7, "hash"))
	mock.ExpectQuery("where event_id").WithArgs("evt-1").WillReturnRows(rows)
	mock.ExpectRollback()

	entry, err := store.Append(context.Background(), audit.Event{
		EventID:    "evt-1",
		Source:     "ingest",
		Action:     "payment.settled",
		OccurredAt: now,
	})
	if err != nil {
		t.Fatal(err)
	}
	if entry.Sequence != 7 || entry.EntryHash != "hash" {
		t.Fatalf("replay did not return stored entry: %+v", entry)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestAuditAppendRetriesSequenceCollision(t *testing.T) {
	store, mock := newMockStore(t)

	// First round loses the race: another writer committed the sequence we
	// sealed. The append restarts against the fresh tip.
	mock.ExpectBegin()
	mock.ExpectQuery("select sequence, entry_hash").WillReturnError(sql.ErrNoRows)
	mock.ExpectQuery("insert into audit_log").
		WillReturnError(&pgconn.PgError{Code: pgErrUniqueViolation, ConstraintName: "audit_log_sequence_uq"})
	mock.ExpectRollback()

	mock.ExpectBegin()
	mock.ExpectQuery("select sequence, entry_hash").
		WillReturnRows(sqlmock.NewRows([]string{"sequence", "entry_hash"}).AddRow(1, "feedface"))
	mock.ExpectQuery("insert into audit_log").
		WillReturnRows(sqlmock.NewRows([]string{"created_at"}).AddRow(time.Now()))
	mock.ExpectCommit()

	entry, err := store.Append(context.Background(), audit.Event{
		Source:     "core",
		Action:     "entity.update",
		ActorType:  "user",
		OccurredAt: time.Now(),
	})
	if err != nil {
		t.Fatal(err)
	}
	if entry.Sequence != 2 || entry.PreviousHash != "feedface" {
		t.Fatalf("retry did not rebase on the fresh tip: %+v", entry)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestAuditAppendResolvesEventIDRaceToStoredEntry(t *testing.T) {
	store, mock := newMockStore(t)
	now := time.Now().UTC()

	// A twin with the same idempotency key commits between our duplicate
	// check and insert; the unique index fires and the winner's row is
	// replayed instead of surfacing the violation.
	mock.ExpectBegin()
	mock.ExpectQuery("select sequence, entry_hash").WillReturnError(sql.ErrNoRows)
	mock.ExpectQuery("where event_id").WithArgs("evt-9").WillReturnError(sql.ErrNoRows)
	mock.ExpectQuery("insert into audit_log").
		WillReturnError(&pgconn.PgError{Code: pgErrUniqueViolation, ConstraintName: "audit_log_event_id_uq"})
	mock.ExpectRollback()

	mock.ExpectQuery("where event_id").WithArgs("evt-9").
		WillReturnRows(sqlmock.NewRows([]string{
			"id", "sequence", "previous_hash", "entry_hash", "hash_version", "event_id",
			"source", "occurred_at", "actor_id", "actor_type", "entity_id", "entity_type",
			"action", "correlation_id", "details", "created_at",
		}).AddRow("row-9", 1, audit.GenesisHash, "winner", 1, "evt-9", "ingest", now, nil, "service",
			nil, nil, "payment.settled", nil, []byte(`{}`), now))

	entry, err := store.Append(context.Background(), audit.Event{
		EventID:    "evt-9",
		Source:     "ingest",
		Action:     "payment.settled",
		OccurredAt: now,
	})
	if err != nil {
		t.Fatal(err)
	}
	if entry.EntryHash != "winner" || entry.Sequence != 1 {
		t.Fatalf("race not resolved to stored entry: %+v", entry)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestEntityCreateMapsConstraintViolations(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectQuery("insert into entities").
		WillReturnError(&pgconn.PgError{Code: pgErrUniqueViolation})
	_, err := store.Create(context.Background(), entity.Entity{Name: "acme", Type: entity.TypeIssuer, Status: entity.StatusActive})
	if !errors.Is(err, entity.ErrConflict) {
		t.Fatalf("expected ErrConflict, got %v", err)
	}

	mock.ExpectQuery("insert into entities").
		WillReturnError(&pgconn.PgError{Code: pgErrForeignKeyViolation})
	_, err = store.Create(context.Background(), entity.Entity{Name: "child", Type: entity.TypeOffering, Status: entity.StatusActive, ParentID: "missing"})
	if !errors.Is(err, entity.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestCreateRoleMapsUniqueViolation(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectBegin()
	mock.ExpectQuery("insert into roles").
		WillReturnError(&pgconn.PgError{Code: pgErrUniqueViolation})
	mock.ExpectRollback()

	_, err := store.CreateRole(context.Background(), rbac.Role{Name: "issuer-admin"})
	if !errors.Is(err, rbac.ErrRoleConflict) {
		t.Fatalf("expected ErrRoleConflict, got %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestMarkDeliveryMissingRow(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectExec("update platform_events").
		WillReturnResult(sqlmock.NewResult(0, 0))
	err := store.MarkDelivery(context.Background(), "missing", events.DeliveryUpdate{State: events.DeliveryFailed, Attempts: 1})
	if !errors.Is(err, events.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}
