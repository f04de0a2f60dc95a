package main

import (
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/pion/webrtc/v4"
)

// AuthPolicy decides whether a bearer token may act on an endpoint. The
// three variants are explicit: no auth, a static token, or a caller-supplied
// predicate.
type AuthPolicy struct {
	required  bool
	token     string
	predicate func(token string) bool
}

// NoAuth accepts every request without looking at the Authorization header.
func NoAuth() AuthPolicy {
	return AuthPolicy{}
}

// StaticToken requires the bearer token to equal the configured secret.
func StaticToken(token string) AuthPolicy {
	return AuthPolicy{required: true, token: token}
}

// TokenPredicate delegates the decision to a callback.
func TokenPredicate(fn func(token string) bool) AuthPolicy {
	return AuthPolicy{required: true, predicate: fn}
}

// Authorize checks a raw Authorization header value against the policy.
// Endpoints without a policy skip the check entirely.
func (p AuthPolicy) Authorize(header string) bool {
	if !p.required {
		return true
	}
	if !strings.HasPrefix(header, "Bearer ") {
		return false
	}
	token := strings.TrimPrefix(header, "Bearer ")
	if token == "" {
		return false
	}
	if p.predicate != nil {
		return p.predicate(token)
	}
	return token == p.token
}

// Endpoint is a publishable source, mapped to a mountpoint on the Janus
// Streaming plugin. One endpoint serves at most one subscriber at a time.
type Endpoint struct {
	ID         string
	Mountpoint any
	Pin        string
	Label      string
	Auth       AuthPolicy
	ICEServers []webrtc.ICEServer

	mu          sync.Mutex
	subscribers map[string]struct{}
	enabled     bool
	active      bool
	stopMonitor chan struct{}
}

// countSubscribers returns the endpoint's current viewer count.
func (e *Endpoint) countSubscribers() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.subscribers)
}

func (e *Endpoint) inUse() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.enabled
}

// tryClaim marks the endpoint in use for a subscription being set up, so
// concurrent attempts fail fast instead of racing through setup together.
// It fails when the endpoint is already claimed or serving.
func (e *Endpoint) tryClaim() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.enabled {
		return false
	}
	e.enabled = true
	return true
}

// releaseClaim undoes tryClaim when the subscription never committed.
func (e *Endpoint) releaseClaim() {
	e.mu.Lock()
	if len(e.subscribers) == 0 {
		e.enabled = false
	}
	e.mu.Unlock()
}

// addSubscriber records a subscriber and flags the endpoint in use; the two
// change atomically under the endpoint lock.
func (e *Endpoint) addSubscriber(uuid string) {
	e.mu.Lock()
	e.subscribers[uuid] = struct{}{}
	e.enabled = true
	e.mu.Unlock()
}

// removeSubscriber is the inverse of addSubscriber.
func (e *Endpoint) removeSubscriber(uuid string) {
	e.mu.Lock()
	delete(e.subscribers, uuid)
	if len(e.subscribers) == 0 {
		e.enabled = false
	}
	e.mu.Unlock()
}

// subscriberIDs snapshots the current subscriber set.
func (e *Endpoint) subscriberIDs() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	ids := make([]string, 0, len(e.subscribers))
	for id := range e.subscribers {
		ids = append(ids, id)
	}
	return ids
}

// EndpointOptions carries the optional attributes of CreateEndpoint.
type EndpointOptions struct {
	Pin        string
	Label      string
	Auth       AuthPolicy
	ICEServers []webrtc.ICEServer
}

// CreateEndpoint registers a new WHEP endpoint and starts its mountpoint
// monitor. The id and mountpoint reference are mandatory.
func (s *Server) CreateEndpoint(id string, mountpoint any, opts EndpointOptions) (*Endpoint, error) {
	if id == "" || mountpoint == nil || mountpoint == "" {
		return nil, invalidArgument("Invalid arguments")
	}
	label := opts.Label
	if label == "" {
		label = fmt.Sprintf("WHEP Endpoint %v", mountpoint)
	}
	endpoint := &Endpoint{
		ID:          id,
		Mountpoint:  mountpoint,
		Pin:         opts.Pin,
		Label:       label,
		Auth:        opts.Auth,
		ICEServers:  opts.ICEServers,
		subscribers: make(map[string]struct{}),
		stopMonitor: make(chan struct{}),
	}

	s.mu.Lock()
	if _, exists := s.endpoints[id]; exists {
		s.mu.Unlock()
		return nil, invalidArgument("Endpoint already exists")
	}
	s.endpoints[id] = endpoint
	s.mu.Unlock()

	go s.runMonitor(endpoint)
	slog.Info("Created new WHEP endpoint", "endpoint", id, "mountpoint", mountpoint)
	return endpoint, nil
}

// DestroyEndpoint tears down every subscriber referencing the endpoint,
// stops its monitor and removes it from the registry.
func (s *Server) DestroyEndpoint(id string) error {
	s.mu.Lock()
	endpoint, exists := s.endpoints[id]
	if !exists {
		s.mu.Unlock()
		return notFound("Invalid endpoint ID")
	}
	delete(s.endpoints, id)
	s.mu.Unlock()

	for _, uuid := range endpoint.subscriberIDs() {
		if sub := s.getSubscriber(uuid); sub != nil {
			s.teardownSubscriber(sub, true)
		}
	}
	close(endpoint.stopMonitor)
	slog.Info("Destroyed WHEP endpoint", "endpoint", id)
	return nil
}

// GetEndpoint returns the endpoint, or nil when unknown.
func (s *Server) GetEndpoint(id string) *Endpoint {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.endpoints[id]
}

// EndpointInfo is the read-only listing form of an endpoint.
type EndpointInfo struct {
	ID          string `json:"id"`
	Label       string `json:"label"`
	Subscribers int    `json:"subscribers"`
	Active      bool   `json:"active"`
}

// ListEndpoints returns a snapshot of the registry.
func (s *Server) ListEndpoints() []EndpointInfo {
	s.mu.RLock()
	endpoints := make([]*Endpoint, 0, len(s.endpoints))
	for _, e := range s.endpoints {
		endpoints = append(endpoints, e)
	}
	s.mu.RUnlock()

	list := make([]EndpointInfo, 0, len(endpoints))
	for _, e := range endpoints {
		e.mu.Lock()
		list = append(list, EndpointInfo{
			ID:          e.ID,
			Label:       e.Label,
			Subscribers: len(e.subscribers),
			Active:      e.active,
		})
		e.mu.Unlock()
	}
	return list
}
