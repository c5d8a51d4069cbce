package events

import (
	"errors"
	"time"
)

var (
	ErrNotFound     = errors.New("events: event not found")
	ErrInvalidInput = errors.New("events: invalid input")
	// ErrTransport wraps publisher failures. The event row is already durable
	// when this surfaces; the caller may retry delivery.
	ErrTransport = errors.New("events: transport publish failed")
)

// Delivery states for the outbox-style bookkeeping on stored events.
const (
	DeliveryPending   = "pending"
	DeliverySucceeded = "succeeded"
	DeliveryFailed    = "failed"
)

// DefaultSchemaVersion stamps envelopes whose producer did not pin one.
const DefaultSchemaVersion = "v1"

// Envelope is the canonical wire shape handed to transport publishers.
type Envelope struct {
	EventID       string         `json:"event_id"`
	EventType     string         `json:"event_type"`
	Source        string         `json:"source"`
	OccurredAt    time.Time      `json:"occurred_at"`
	CorrelationID string         `json:"correlation_id,omitempty"`
	SchemaVersion string         `json:"schema_version"`
	Payload       map[string]any `json:"payload"`
	Context       map[string]any `json:"context"`
}

// PlatformEvent is the stored record of a normalized domain event. Everything
// except the delivery fields is immutable after ingestion.
type PlatformEvent struct {
	ID               string         `json:"id"`
	EventID          string         `json:"event_id"`
	EventType        string         `json:"event_type"`
	Source           string         `json:"source"`
	OccurredAt       time.Time      `json:"occurred_at"`
	CorrelationID    string         `json:"correlation_id,omitempty"`
	SchemaVersion    string         `json:"schema_version"`
	Payload          map[string]any `json:"payload"`
	Context          map[string]any `json:"context"`
	DeliveryState    string         `json:"delivery_state"`
	DeliveryAttempts int            `json:"delivery_attempts"`
	LastError        string         `json:"last_error,omitempty"`
	CreatedAt        time.Time      `json:"created_at"`
}

// IngestRequest carries the caller-supplied fields for a new event.
type IngestRequest struct {
	EventType     string
	Source        string
	Payload       map[string]any
	Context       map[string]any
	CorrelationID string
	OccurredAt    time.Time
	SchemaVersion string
}

// Filter narrows List results.
type Filter struct {
	EventType string
	Source    string
	Limit     int
}
