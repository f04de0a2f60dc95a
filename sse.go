package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
)

// Event names a WHEP SSE subscription can ask for.
var sseEventTypes = []string{"active", "inactive", "layers", "viewercount"}

// sseEvent is one queued notification.
type sseEvent struct {
	Type string
	Data any
}

// sseSubscription is a per-resource event queue with a blocking drain: the
// reader parks until an event arrives or the subscription is torn down,
// instead of spinning. The queue itself is unbounded FIFO.
type sseSubscription struct {
	resourceID string
	types      map[string]struct{}

	mu     sync.Mutex
	queue  []sseEvent
	closed bool
	notify chan struct{}
	done   chan struct{}
}

func newSSESubscription(resourceID string, types []string) *sseSubscription {
	sub := &sseSubscription{
		resourceID: resourceID,
		types:      make(map[string]struct{}, len(types)),
		notify:     make(chan struct{}, 1),
		done:       make(chan struct{}),
	}
	for _, t := range types {
		sub.types[t] = struct{}{}
	}
	return sub
}

// wants reports whether the subscription asked for this event type.
func (s *sseSubscription) wants(eventType string) bool {
	_, ok := s.types[eventType]
	return ok
}

// push appends an event and wakes the drain loop.
func (s *sseSubscription) push(ev sseEvent) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.queue = append(s.queue, ev)
	s.mu.Unlock()
	select {
	case s.notify <- struct{}{}:
	default:
	}
}

// next blocks until an event is available, the subscription is torn down
// or the caller's context ends. The second return is false on teardown.
func (s *sseSubscription) next(ctx context.Context) (sseEvent, bool) {
	for {
		s.mu.Lock()
		if len(s.queue) > 0 {
			ev := s.queue[0]
			s.queue = s.queue[1:]
			s.mu.Unlock()
			return ev, true
		}
		closed := s.closed
		s.mu.Unlock()
		if closed {
			return sseEvent{}, false
		}
		select {
		case <-s.notify:
		case <-s.done:
		case <-ctx.Done():
			return sseEvent{}, false
		}
	}
}

// close terminates the delivery loop immediately and drops queued events.
func (s *sseSubscription) close() {
	s.mu.Lock()
	if !s.closed {
		s.closed = true
		s.queue = nil
		close(s.done)
	}
	s.mu.Unlock()
}

// RegisterSSE creates (or reuses) the SSE subscription for a resource and
// enqueues the synthetic initial viewer-count event.
func (s *Server) RegisterSSE(resourceID string, types []string) (*sseSubscription, error) {
	sub := s.getSubscriber(resourceID)
	if sub == nil {
		return nil, notFound("Invalid resource ID")
	}
	endpoint := s.GetEndpoint(sub.EndpointID)
	if endpoint == nil {
		return nil, notFound("Invalid endpoint ID")
	}
	if len(types) == 0 {
		types = sseEventTypes
	}

	sub.mu.Lock()
	if sub.sse == nil {
		sub.sse = newSSESubscription(resourceID, types)
	}
	sse := sub.sse
	sub.mu.Unlock()

	sse.push(sseEvent{Type: "viewercount", Data: map[string]int{"viewercount": endpoint.countSubscribers()}})
	slog.Debug("Registered SSE subscription", "resource", resourceID, "events", types)
	return sse, nil
}

// LookupSSE returns the live subscription for a resource, if any.
func (s *Server) LookupSSE(resourceID string) *sseSubscription {
	sub := s.getSubscriber(resourceID)
	if sub == nil {
		return nil
	}
	sub.mu.Lock()
	defer sub.mu.Unlock()
	return sub.sse
}

// UnregisterSSE drops a resource's subscription and stops its delivery
// loop. The resource itself stays alive.
func (s *Server) UnregisterSSE(resourceID string) error {
	sub := s.getSubscriber(resourceID)
	if sub == nil {
		return notFound("Invalid resource ID")
	}
	sub.mu.Lock()
	sse := sub.sse
	sub.sse = nil
	sub.mu.Unlock()
	if sse == nil {
		return notFound("No SSE subscription")
	}
	sse.close()
	return nil
}

// broadcastToEndpoint fans an event out to the SSE subscriptions of every
// subscriber attached to the endpoint.
func (s *Server) broadcastToEndpoint(endpoint *Endpoint, ev sseEvent) {
	for _, uuid := range endpoint.subscriberIDs() {
		sub := s.getSubscriber(uuid)
		if sub == nil {
			continue
		}
		sub.mu.Lock()
		sse := sub.sse
		sub.mu.Unlock()
		if sse != nil {
			sse.push(ev)
		}
	}
}

// broadcastViewerCount recomputes and publishes the endpoint's viewer
// count after a subscriber joins or leaves.
func (s *Server) broadcastViewerCount(endpoint *Endpoint) {
	count := endpoint.countSubscribers()
	s.broadcastToEndpoint(endpoint, sseEvent{
		Type: "viewercount",
		Data: map[string]int{"viewercount": count},
	})
}

// formatSSE renders one event in text/event-stream framing.
func formatSSE(ev sseEvent) string {
	payload, err := json.Marshal(ev.Data)
	if err != nil {
		payload = []byte("{}")
	}
	return fmt.Sprintf("event: %s\ndata: %s\n\n", ev.Type, payload)
}
