package events

import (
	"context"
	"sync"

	"entitycore.org/internal/obs"
)

// Publisher delivers event envelopes to an external transport. Swappable;
// unconfigured deployments use NullPublisher.
type Publisher interface {
	Publish(ctx context.Context, envelope Envelope) error
}

// Orchestrator is the downstream workflow collaborator. Dispatch is
// fire-and-forget from the core's perspective: failures are logged, never
// surfaced to ingestion callers.
type Orchestrator interface {
	HandleEvent(ctx context.Context, event PlatformEvent) error
}

// NullPublisher is the no-op transport used when no publisher is configured.
type NullPublisher struct{}

func (NullPublisher) Publish(ctx context.Context, envelope Envelope) error {
	obs.LogEvent("events.publish_skipped", map[string]any{
		"event_id":   envelope.EventID,
		"event_type": envelope.EventType,
	})
	return nil
}

// StreamPublisher fan-outs envelopes to in-process subscribers (SSE/WebSocket
// bridges in upstream transport layers). Slow subscribers are dropped rather
// than blocking the ingestion path.
type StreamPublisher struct {
	mu   sync.RWMutex
	subs map[int]chan Envelope
	next int
}

// NewStreamPublisher initialises an empty fan-out publisher.
func NewStreamPublisher() *StreamPublisher {
	return &StreamPublisher{subs: make(map[int]chan Envelope)}
}

// Subscribe registers a subscriber and returns a channel which will receive
// envelopes. The channel is closed when the provided context ends.
func (p *StreamPublisher) Subscribe(ctx context.Context) <-chan Envelope {
	ch := make(chan Envelope, 16)

	p.mu.Lock()
	id := p.next
	p.next++
	p.subs[id] = ch
	p.mu.Unlock()

	go func() {
		<-ctx.Done()
		p.mu.Lock()
		delete(p.subs, id)
		close(ch)
		p.mu.Unlock()
	}()

	return ch
}

// Publish fan-outs the envelope to all subscribers.
func (p *StreamPublisher) Publish(ctx context.Context, envelope Envelope) error {
	p.mu.RLock()
	defer p.mu.RUnlock()
	for _, ch := range p.subs {
		select {
		case ch <- envelope:
		default:
			// Drop when subscriber is slow to avoid blocking.
		}
	}
	return nil
}
