package main

import (
	"context"
	"log/slog"
	"sync"

	"github.com/google/uuid"
	"github.com/pion/webrtc/v4"

	"janus-whep-gateway/janus"
)

// SubscriberState tracks a WHEP resource through its lifecycle. Closed and
// Failed are terminal; a terminal subscriber is removed from the registry.
type SubscriberState int

const (
	StateCreating SubscriberState = iota
	StateAttaching
	StateNegotiating
	StateActive
	StateClosed
	StateFailed
)

func (s SubscriberState) String() string {
	switch s {
	case StateCreating:
		return "creating"
	case StateAttaching:
		return "attaching"
	case StateNegotiating:
		return "negotiating"
	case StateActive:
		return "active"
	case StateClosed:
		return "closed"
	case StateFailed:
		return "failed"
	}
	return "unknown"
}

func (s SubscriberState) terminal() bool {
	return s == StateClosed || s == StateFailed
}

// Subscriber is one WHEP resource: a single egress session against a Janus
// Streaming mountpoint. All mutation happens under its lock.
type Subscriber struct {
	ID         string
	EndpointID string

	mu       sync.Mutex
	state    SubscriberState
	resource string
	etag     string
	iceUfrag string
	icePwd   string
	pending  []janus.Candidate
	handle   uint64
	sse      *sseSubscription
}

// State returns the subscriber's current lifecycle state.
func (sub *Subscriber) State() SubscriberState {
	sub.mu.Lock()
	defer sub.mu.Unlock()
	return sub.state
}

// Resource returns the resource path assigned at creation.
func (sub *Subscriber) Resource() string {
	sub.mu.Lock()
	defer sub.mu.Unlock()
	return sub.resource
}

// ETag returns the entity tag issued at creation. It is never rotated.
func (sub *Subscriber) ETag() string {
	sub.mu.Lock()
	defer sub.mu.Unlock()
	return sub.etag
}

func (s *Server) getSubscriber(uuid string) *Subscriber {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.subscribers[uuid]
}

// Subscribe implements the WHEP resource creation path: validate, attach a
// Streaming handle, issue the watch request (forwarding the client offer if
// one was supplied) and return the session SDP for the 201 body.
func (s *Server) Subscribe(ctx context.Context, endpointID, authHeader, offer string) (*Subscriber, string, error) {
	endpoint := s.GetEndpoint(endpointID)
	if endpoint == nil {
		return nil, "", notFound("Invalid endpoint ID")
	}
	// The claim is taken before any backend round trip so concurrent
	// subscribes cannot both pass the single-subscriber gate. Every
	// failure path below must release it.
	if !endpoint.tryClaim() {
		return nil, "", forbidden("Endpoint ID already in use")
	}
	if !endpoint.Auth.Authorize(authHeader) {
		endpoint.releaseClaim()
		return nil, "", forbidden("Unauthorized")
	}
	if !s.janus.Connected() {
		endpoint.releaseClaim()
		return nil, "", unavailable("Janus unavailable")
	}

	sub := &Subscriber{
		ID:         uuid.NewString(),
		EndpointID: endpointID,
		state:      StateCreating,
	}
	s.mu.Lock()
	s.subscribers[sub.ID] = sub
	s.mu.Unlock()

	slog.Info("Subscribing to WHEP endpoint", "endpoint", endpointID, "resource", sub.ID)
	sub.mu.Lock()
	sub.state = StateAttaching
	sub.mu.Unlock()

	resourceID := sub.ID
	handle, err := s.janus.Attach(ctx, janus.StreamingPlugin, func(ev janus.HandleEvent) {
		s.backendTeardown(resourceID, ev)
	})
	if err != nil {
		s.discardSubscriber(sub)
		endpoint.releaseClaim()
		return nil, "", internalError("%s", err.Error())
	}

	sub.mu.Lock()
	sub.handle = handle
	pending := sub.pending
	sub.pending = nil
	sub.mu.Unlock()
	if len(pending) > 0 {
		if err := s.janus.Trickle(handle, pending); err != nil {
			slog.Warn("Failed to flush buffered candidates", "resource", sub.ID, "err", err)
		}
	}

	body := map[string]any{
		"request": "watch",
		"id":      endpoint.Mountpoint,
	}
	if endpoint.Pin != "" {
		body["pin"] = endpoint.Pin
	}
	var jsep *webrtc.SessionDescription
	if offer != "" {
		jsep = &webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: offer}
	}
	reply, err := s.janus.Message(ctx, handle, body, jsep)
	if err != nil {
		s.janus.Detach(handle)
		s.discardSubscriber(sub)
		endpoint.releaseClaim()
		slog.Error("Error subscribing", "endpoint", endpointID, "err", err)
		return nil, "", internalError("%s", err.Error())
	}
	if reply.Jsep == nil || reply.Jsep.SDP == "" {
		s.janus.Detach(handle)
		s.discardSubscriber(sub)
		endpoint.releaseClaim()
		return nil, "", internalError("No SDP in subscribe response")
	}
	sdp := reply.Jsep.SDP

	sub.mu.Lock()
	if offer != "" {
		// Client-initiated negotiation is complete once Janus answered.
		sub.iceUfrag, sub.icePwd = extractICECredentials(offer)
		sub.state = StateActive
	} else {
		// Janus originated the offer; the client answer arrives via PATCH.
		sub.iceUfrag, sub.icePwd = extractICECredentials(sdp)
		sub.state = StateNegotiating
	}
	sub.resource = s.cfg.BasePath + "/resource/" + sub.ID
	sub.etag = randomString(16)
	sub.mu.Unlock()

	// Commit under the registry lock: the endpoint may have been destroyed
	// while the watch request was in flight, and a destroy that ran before
	// this point never saw the subscriber, so the handle must be released
	// here instead.
	s.mu.Lock()
	registered := s.endpoints[endpointID] == endpoint
	if registered {
		endpoint.addSubscriber(sub.ID)
	}
	s.mu.Unlock()
	if !registered {
		s.janus.Detach(handle)
		s.discardSubscriber(sub)
		endpoint.releaseClaim()
		return nil, "", notFound("Invalid endpoint ID")
	}

	s.emit(Event{Kind: EventNewSubscriber, EndpointID: endpointID})
	s.broadcastViewerCount(endpoint)
	return sub, sdp, nil
}

// PatchAnswer finalizes negotiation with the client's SDP answer.
func (s *Server) PatchAnswer(ctx context.Context, resourceID, answer string) error {
	sub := s.getSubscriber(resourceID)
	if sub == nil {
		return notFound("Invalid resource ID")
	}
	endpoint := s.GetEndpoint(sub.EndpointID)
	if endpoint == nil {
		return notFound("Invalid endpoint ID")
	}
	if !s.janus.Connected() {
		return unavailable("Janus unavailable")
	}

	sub.mu.Lock()
	if sub.state != StateNegotiating {
		sub.mu.Unlock()
		return internalError("Session already answered")
	}
	handle := sub.handle
	sub.mu.Unlock()
	if handle == 0 {
		return notFound("Invalid resource ID")
	}

	jsep := &webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: answer}
	if _, err := s.janus.Message(ctx, handle, map[string]any{"request": "start"}, jsep); err != nil {
		slog.Error("Error finalizing subscription", "resource", resourceID, "err", err)
		sub.mu.Lock()
		sub.state = StateFailed
		sub.mu.Unlock()
		s.teardownSubscriber(sub, true)
		return internalError("%s", err.Error())
	}

	sub.mu.Lock()
	sub.state = StateActive
	sub.mu.Unlock()
	slog.Info("Completed WHEP negotiation", "resource", resourceID)
	return nil
}

// PatchTrickle applies an RFC 8840 fragment to a resource: auth and ETag
// precondition first, then restart detection, then candidate forwarding
// (buffered while no backend handle exists).
func (s *Server) PatchTrickle(resourceID, authHeader, ifMatch, contentType, fragment string) error {
	sub := s.getSubscriber(resourceID)
	if sub == nil {
		return notFound("Invalid resource ID")
	}
	endpoint := s.GetEndpoint(sub.EndpointID)
	if endpoint == nil {
		return notFound("Invalid endpoint ID")
	}
	if !s.janus.Connected() {
		return unavailable("Janus unavailable")
	}
	if !endpoint.Auth.Authorize(authHeader) {
		return forbidden("Unauthorized")
	}

	sub.mu.Lock()
	etag := sub.etag
	ufrag, pwd := sub.iceUfrag, sub.icePwd
	sub.mu.Unlock()
	if s.cfg.StrictETags && !etagMatches(ifMatch, etag) {
		return preconditionFailed("Precondition Failed")
	}
	if contentType != contentTypeTrickle {
		return notAcceptable("Unsupported content type")
	}

	frag := parseTrickleFragment(fragment)
	if frag.isRestart(ufrag, pwd) {
		// ICE restarts are detected but not supported.
		return internalError("Restarts not supported")
	}
	if len(frag.candidates) == 0 {
		return nil
	}

	sub.mu.Lock()
	handle := sub.handle
	if handle == 0 {
		sub.pending = append(sub.pending, frag.candidates...)
		sub.mu.Unlock()
		return nil
	}
	sub.mu.Unlock()

	if err := s.janus.Trickle(handle, frag.candidates); err != nil {
		return internalError("%s", err.Error())
	}
	return nil
}

// DeleteResource terminates a subscription on explicit client request.
func (s *Server) DeleteResource(resourceID, authHeader string) error {
	sub := s.getSubscriber(resourceID)
	if sub == nil {
		return notFound("Invalid resource ID")
	}
	endpoint := s.GetEndpoint(sub.EndpointID)
	if endpoint == nil {
		return notFound("Invalid endpoint ID")
	}
	if !endpoint.Auth.Authorize(authHeader) {
		return forbidden("Unauthorized")
	}
	slog.Info("Terminating WHEP session", "resource", resourceID)
	s.teardownSubscriber(sub, true)
	return nil
}

// backendTeardown handles Janus-pushed termination: a hangup detaches the
// handle first, a detached event means the handle is already gone. Both
// force the same removal path as an explicit delete.
func (s *Server) backendTeardown(resourceID string, ev janus.HandleEvent) {
	sub := s.getSubscriber(resourceID)
	if sub == nil {
		return
	}
	slog.Info("Backend closed WHEP session", "resource", resourceID, "event", ev.String())
	s.teardownSubscriber(sub, ev == janus.EventHangup)
}

// teardownSubscriber is the single removal path: transition to Closed,
// release the backend handle, detach from the endpoint, stop SSE delivery
// and notify listeners. Safe to call more than once.
func (s *Server) teardownSubscriber(sub *Subscriber, detach bool) {
	sub.mu.Lock()
	if sub.state.terminal() && sub.state != StateFailed {
		sub.mu.Unlock()
		return
	}
	if sub.state != StateFailed {
		sub.state = StateClosed
	}
	handle := sub.handle
	sub.handle = 0
	sse := sub.sse
	sub.sse = nil
	sub.mu.Unlock()

	if detach && handle != 0 {
		if err := s.janus.Detach(handle); err != nil {
			slog.Debug("Detach failed during teardown", "resource", sub.ID, "err", err)
		}
	}

	s.mu.Lock()
	_, present := s.subscribers[sub.ID]
	delete(s.subscribers, sub.ID)
	s.mu.Unlock()
	if !present {
		return
	}

	if sse != nil {
		sse.close()
	}
	if endpoint := s.GetEndpoint(sub.EndpointID); endpoint != nil {
		endpoint.removeSubscriber(sub.ID)
		s.emit(Event{Kind: EventSubscriberGone, EndpointID: sub.EndpointID})
		s.broadcastViewerCount(endpoint)
	}
}

// discardSubscriber removes a half-created subscriber that never joined
// its endpoint.
func (s *Server) discardSubscriber(sub *Subscriber) {
	sub.mu.Lock()
	sub.state = StateFailed
	sub.handle = 0
	sub.mu.Unlock()
	s.mu.Lock()
	delete(s.subscribers, sub.ID)
	s.mu.Unlock()
}

// SubscriberInfo is the read-only listing form of a subscriber.
type SubscriberInfo struct {
	UUID     string `json:"uuid"`
	Endpoint string `json:"endpoint"`
	State    string `json:"state"`
}

// ListSubscribers returns a snapshot of every live subscriber.
func (s *Server) ListSubscribers() []SubscriberInfo {
	s.mu.RLock()
	subs := make([]*Subscriber, 0, len(s.subscribers))
	for _, sub := range s.subscribers {
		subs = append(subs, sub)
	}
	s.mu.RUnlock()

	list := make([]SubscriberInfo, 0, len(subs))
	for _, sub := range subs {
		list = append(list, SubscriberInfo{
			UUID:     sub.ID,
			Endpoint: sub.EndpointID,
			State:    sub.State().String(),
		})
	}
	return list
}

// etagMatches implements the If-Match precondition: the wildcard (bare or
// quoted) always matches, otherwise the quoted entity tag must match.
func etagMatches(ifMatch, etag string) bool {
	switch ifMatch {
	case "*", `"*"`:
		return true
	}
	return ifMatch == `"`+etag+`"`
}
