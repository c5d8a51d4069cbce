package events

import "context"

// DeliveryUpdate mutates the outbox bookkeeping fields on a stored event.
type DeliveryUpdate struct {
	State     string
	Attempts  int
	LastError string
}

// Store persists platform events.
type Store interface {
	Insert(ctx context.Context, ev PlatformEvent) (PlatformEvent, error)
	ByEventID(ctx context.Context, eventID string) (PlatformEvent, error)
	// BySourceCorrelation locates the dedup anchor: an existing event with the
	// same (source, correlation_id) pair.
	BySourceCorrelation(ctx context.Context, source, correlationID string) (PlatformEvent, error)
	ListEvents(ctx context.Context, f Filter) ([]PlatformEvent, error)
	MarkDelivery(ctx context.Context, eventID string, upd DeliveryUpdate) error
}
