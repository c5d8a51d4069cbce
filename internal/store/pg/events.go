package pg

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"

	"entitycore.org/internal/events"
	"entitycore.org/internal/ids"
)

var _ events.Store = (*Store)(nil)

func (s *Store) Insert(ctx context.Context, ev events.PlatformEvent) (events.PlatformEvent, error) {
	if ev.ID == "" {
		ev.ID = ids.New()
	}
	payloadJSON, err := marshalMap(ev.Payload)
	if err != nil {
		return events.PlatformEvent{}, fmt.Errorf("marshal payload: %w", err)
	}
	contextJSON, err := marshalMap(ev.Context)
	if err != nil {
		return events.PlatformEvent{}, fmt.Errorf("marshal context: %w", err)
	}

	err = s.db.QueryRowContext(ctx, `
		insert into platform_events (
			id, event_id, event_type, source, occurred_at, correlation_id,
			schema_version, payload, context, delivery_state, delivery_attempts, last_error
		)
		values ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		returning created_at
	`,
		ev.ID, ev.EventID, ev.EventType, ev.Source, ev.OccurredAt, nullIfEmpty(ev.CorrelationID),
		ev.SchemaVersion, payloadJSON, contextJSON, ev.DeliveryState, ev.DeliveryAttempts,
		nullIfEmpty(ev.LastError),
	).Scan(&ev.CreatedAt)
	if err != nil {
		if pgErr, ok := maybePgError(err); ok && pgErr.Code == pgErrUniqueViolation {
			// Lost a race with a concurrent ingest of the same
			// (source, correlation_id); the winner's row is the record.
			if ev.CorrelationID != "" {
				if existing, lookErr := s.BySourceCorrelation(ctx, ev.Source, ev.CorrelationID); lookErr == nil {
					return existing, nil
				}
			}
		}
		return events.PlatformEvent{}, err
	}
	return ev, nil
}

func (s *Store) ByEventID(ctx context.Context, eventID string) (events.PlatformEvent, error) {
	return s.eventBy(ctx, `where event_id = $1`, eventID)
}

func (s *Store) BySourceCorrelation(ctx context.Context, source, correlationID string) (events.PlatformEvent, error) {
	return s.eventBy(ctx, `where source = $1 and correlation_id = $2`, source, correlationID)
}

func (s *Store) ListEvents(ctx context.Context, f events.Filter) ([]events.PlatformEvent, error) {
	query := eventSelect
	var (
		args  []any
		where []string
	)
	if f.EventType != "" {
		args = append(args, f.EventType)
		where = append(where, "event_type = $"+strconv.Itoa(len(args)))
	}
	if f.Source != "" {
		args = append(args, f.Source)
		where = append(where, "source = $"+strconv.Itoa(len(args)))
	}
	for i, clause := range where {
		if i == 0 {
			query += "where " + clause
		} else {
			query += " and " + clause
		}
	}
	limit := f.Limit
	if limit <= 0 {
		limit = 50
	}
	args = append(args, limit)
	query += " order by occurred_at desc, id desc limit $" + strconv.Itoa(len(args))

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []events.PlatformEvent
	for rows.Next() {
		ev, err := scanPlatformEvent(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

func (s *Store) MarkDelivery(ctx context.Context, eventID string, upd events.DeliveryUpdate) error {
	res, err := s.db.ExecContext(ctx, `
		update platform_events
		set delivery_state = $1, delivery_attempts = $2, last_error = $3
		where event_id = $4
	`, upd.State, upd.Attempts, nullIfEmpty(upd.LastError), eventID)
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return events.ErrNotFound
	}
	return nil
}

const eventSelect = `
	select id, event_id, event_type, source, occurred_at, correlation_id,
	       schema_version, payload, context, delivery_state, delivery_attempts,
	       last_error, created_at
	from platform_events `

func (s *Store) eventBy(ctx context.Context, where string, args ...any) (events.PlatformEvent, error) {
	ev, err := scanPlatformEvent(s.db.QueryRowContext(ctx, eventSelect+where, args...))
	if errors.Is(err, sql.ErrNoRows) {
		return events.PlatformEvent{}, events.ErrNotFound
	}
	if err != nil {
		return events.PlatformEvent{}, err
	}
	return ev, nil
}

func scanPlatformEvent(row rowScanner) (events.PlatformEvent, error) {
	var (
		ev            events.PlatformEvent
		correlationID sql.NullString
		lastError     sql.NullString
		payloadRaw    []byte
		contextRaw    []byte
	)
	if err := row.Scan(
		&ev.ID, &ev.EventID, &ev.EventType, &ev.Source, &ev.OccurredAt, &correlationID,
		&ev.SchemaVersion, &payloadRaw, &contextRaw, &ev.DeliveryState, &ev.DeliveryAttempts,
		&lastError, &ev.CreatedAt,
	); err != nil {
		return events.PlatformEvent{}, err
	}
	ev.CorrelationID = stringOrEmpty(correlationID)
	ev.LastError = stringOrEmpty(lastError)
	var err error
	if ev.Payload, err = unmarshalMap(payloadRaw); err != nil {
		return events.PlatformEvent{}, err
	}
	if ev.Context, err = unmarshalMap(contextRaw); err != nil {
		return events.PlatformEvent{}, err
	}
	ev.OccurredAt = ev.OccurredAt.UTC()
	return ev, nil
}
