package events

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"entitycore.org/internal/ids"
	"entitycore.org/internal/obs"
)

// Service coordinates event ingestion, deduplication, delivery, and querying.
type Service struct {
	store        Store
	publisher    Publisher
	orchestrator Orchestrator
	source       string
	now          func() time.Time
}

// ServiceOption configures Service behavior.
type ServiceOption func(*Service)

// WithPublisher sets the transport publisher (NullPublisher by default).
func WithPublisher(p Publisher) ServiceOption {
	return func(s *Service) {
		if p != nil {
			s.publisher = p
		}
	}
}

// WithOrchestrator sets the workflow orchestrator handed ingested events.
func WithOrchestrator(o Orchestrator) ServiceOption {
	return func(s *Service) {
		s.orchestrator = o
	}
}

// WithDefaultSource overrides the source stamped on events that omit one.
func WithDefaultSource(source string) ServiceOption {
	return func(s *Service) {
		if src := strings.TrimSpace(source); src != "" {
			s.source = src
		}
	}
}

// WithClock overrides the time source (useful for tests).
func WithClock(fn func() time.Time) ServiceOption {
	return func(s *Service) {
		if fn != nil {
			s.now = fn
		}
	}
}

// NewService constructs an event service.
func NewService(store Store, opts ...ServiceOption) (*Service, error) {
	if store == nil {
		return nil, errors.New("events: store is required")
	}
	s := &Service{
		store:     store,
		publisher: NullPublisher{},
		source:    "entity_permissions_core",
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Ingest persists and publishes an event, then hands it to the workflow
// orchestrator. A request repeating an already-seen (source, correlation_id)
// pair returns the original record unchanged with no new persistence,
// publish, or dispatch. Orchestrator failures are logged and swallowed: the
// persisted row is authoritative and the orchestrator retries independently.
func (s *Service) Ingest(ctx context.Context, req IngestRequest) (PlatformEvent, error) {
	if strings.TrimSpace(req.EventType) == "" {
		return PlatformEvent{}, fmt.Errorf("%w: event type is required", ErrInvalidInput)
	}
	if req.Source == "" {
		req.Source = s.source
	}

	if req.CorrelationID != "" {
		existing, err := s.store.BySourceCorrelation(ctx, req.Source, req.CorrelationID)
		if err == nil {
			obs.EventsIngested.WithLabelValues("deduplicated").Inc()
			obs.LogEvent("events.ingest_deduplicated", map[string]any{
				"source":         req.Source,
				"event_type":     req.EventType,
				"correlation_id": req.CorrelationID,
				"event_id":       existing.EventID,
			})
			return existing, nil
		}
		if !errors.Is(err, ErrNotFound) {
			return PlatformEvent{}, err
		}
	}

	record, err := s.PublishEvent(ctx, req)
	if err != nil {
		obs.EventsIngested.WithLabelValues("failed").Inc()
		// On a transport failure the row is already durable; hand it back so
		// callers can see the failed delivery state they are expected to retry.
		return record, err
	}

	obs.EventsIngested.WithLabelValues("stored").Inc()
	obs.LogEvent("events.ingested", map[string]any{
		"event_id":   record.EventID,
		"event_type": record.EventType,
		"source":     record.Source,
	})

	s.dispatch(ctx, record)
	return record, nil
}

// PublishEvent builds the canonical envelope, persists the event row, and
// pushes it through the transport publisher. The row commit is the durable
// record: a publish failure is recorded as a failed delivery and surfaces as
// ErrTransport, but the row already exists (at-least-once delivery).
func (s *Service) PublishEvent(ctx context.Context, req IngestRequest) (PlatformEvent, error) {
	occurredAt := req.OccurredAt
	if occurredAt.IsZero() {
		occurredAt = s.now()
	}
	schemaVersion := req.SchemaVersion
	if schemaVersion == "" {
		schemaVersion = DefaultSchemaVersion
	}
	payload := req.Payload
	if payload == nil {
		payload = map[string]any{}
	}
	eventContext := req.Context
	if eventContext == nil {
		eventContext = map[string]any{}
	}

	envelope := Envelope{
		EventID:       ids.NewEventID(),
		EventType:     req.EventType,
		Source:        req.Source,
		OccurredAt:    occurredAt.UTC(),
		CorrelationID: req.CorrelationID,
		SchemaVersion: schemaVersion,
		Payload:       payload,
		Context:       eventContext,
	}

	record, err := s.store.Insert(ctx, PlatformEvent{
		EventID:       envelope.EventID,
		EventType:     envelope.EventType,
		Source:        envelope.Source,
		OccurredAt:    envelope.OccurredAt,
		CorrelationID: envelope.CorrelationID,
		SchemaVersion: envelope.SchemaVersion,
		Payload:       envelope.Payload,
		Context:       envelope.Context,
		DeliveryState: DeliveryPending,
	})
	if err != nil {
		return PlatformEvent{}, err
	}

	if err := s.publisher.Publish(ctx, envelope); err != nil {
		record.DeliveryState = DeliveryFailed
		record.DeliveryAttempts++
		record.LastError = err.Error()
		if markErr := s.store.MarkDelivery(ctx, record.EventID, DeliveryUpdate{
			State:     DeliveryFailed,
			Attempts:  record.DeliveryAttempts,
			LastError: record.LastError,
		}); markErr != nil {
			obs.LogEvent("events.delivery_mark_failed", map[string]any{
				"event_id": record.EventID,
				"error":    markErr.Error(),
			})
		}
		return record, fmt.Errorf("%w: %v", ErrTransport, err)
	}

	record.DeliveryState = DeliverySucceeded
	record.DeliveryAttempts++
	record.LastError = ""
	if err := s.store.MarkDelivery(ctx, record.EventID, DeliveryUpdate{
		State:    DeliverySucceeded,
		Attempts: record.DeliveryAttempts,
	}); err != nil {
		return PlatformEvent{}, err
	}
	return record, nil
}

// ListEvents returns stored events matching the filter, newest first.
func (s *Service) ListEvents(ctx context.Context, f Filter) ([]PlatformEvent, error) {
	return s.store.ListEvents(ctx, f)
}

// GetEvent returns the event with the given event id or ErrNotFound.
func (s *Service) GetEvent(ctx context.Context, eventID string) (PlatformEvent, error) {
	return s.store.ByEventID(ctx, eventID)
}

// dispatch hands a stored event to the workflow orchestrator. Panics and
// errors are contained here so workflow problems never fail ingestion.
func (s *Service) dispatch(ctx context.Context, record PlatformEvent) {
	if s.orchestrator == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			obs.LogEvent("events.workflow_dispatch_panicked", map[string]any{
				"event_id": record.EventID,
				"panic":    fmt.Sprint(r),
			})
		}
	}()
	if err := s.orchestrator.HandleEvent(ctx, record); err != nil {
		obs.LogEvent("events.workflow_dispatch_failed", map[string]any{
			"event_id":   record.EventID,
			"event_type": record.EventType,
			"error":      err.Error(),
		})
	}
}
