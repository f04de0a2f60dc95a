package main

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"janus-whep-gateway/janus"
)

// EventKind enumerates the notifications a Server observer can receive.
type EventKind int

const (
	EventNewSubscriber EventKind = iota
	EventSubscriberGone
	EventBackendDisconnected
	EventBackendReconnected
	EventEndpointActive
	EventEndpointInactive
)

// Event is one server-level notification. EndpointID is empty for the
// backend connectivity events.
type Event struct {
	Kind       EventKind
	EndpointID string
}

// Server owns the endpoint and subscriber registries, the Janus control
// channel and the reconnect supervisor. All HTTP handlers operate on it;
// its lifetime is the process lifetime minus Cleanup.
type Server struct {
	cfg   *Config
	janus *janus.Client

	mu          sync.RWMutex
	endpoints   map[string]*Endpoint
	subscribers map[string]*Subscriber

	monitorMu sync.Mutex
	monitor   uint64

	reconnecting  atomic.Bool
	everConnected atomic.Bool
	closed        atomic.Bool

	eventMu sync.Mutex
	onEvent func(Event)
}

// NewServer creates a server around the given configuration. The Janus
// connection is established by Start.
func NewServer(cfg *Config) *Server {
	s := &Server{
		cfg:         cfg,
		endpoints:   make(map[string]*Endpoint),
		subscribers: make(map[string]*Subscriber),
	}
	s.janus = janus.NewClient(janus.Config{
		Address:           cfg.Janus.Address,
		APISecret:         cfg.Janus.APISecret,
		KeepaliveInterval: cfg.KeepaliveInterval,
	})
	s.janus.OnDisconnected(s.handleDisconnect)
	return s
}

// OnEvent registers the single observer for server-level notifications.
func (s *Server) OnEvent(fn func(Event)) {
	s.eventMu.Lock()
	s.onEvent = fn
	s.eventMu.Unlock()
}

func (s *Server) emit(ev Event) {
	s.eventMu.Lock()
	fn := s.onEvent
	s.eventMu.Unlock()
	if fn != nil {
		fn(ev)
	}
}

// Start connects to Janus (retrying in the background if the backend is
// down) and serves the WHEP API. It blocks until the listener fails.
func (s *Server) Start() error {
	s.reconnecting.Store(true)
	go s.connectLoop()

	addr := fmt.Sprintf(":%d", s.cfg.Port)
	slog.Info("WHEP server started", "addr", addr, "basePath", s.cfg.BasePath)
	return http.ListenAndServe(addr, s.Handler())
}

// Handler returns the fully routed WHEP API handler, CORS included.
func (s *Server) Handler() http.Handler {
	return corsMiddleware(s.routes())
}

// Cleanup shuts the Janus channel down for process exit.
func (s *Server) Cleanup() {
	s.closed.Store(true)
	s.mu.RLock()
	endpoints := make([]*Endpoint, 0, len(s.endpoints))
	for _, e := range s.endpoints {
		endpoints = append(endpoints, e)
	}
	s.mu.RUnlock()
	for _, e := range endpoints {
		if err := s.DestroyEndpoint(e.ID); err != nil {
			slog.Debug("Endpoint cleanup failed", "endpoint", e.ID, "err", err)
		}
	}
	s.janus.Close()
}

// connectLoop tries to establish the control channel until it succeeds,
// with a fixed delay between attempts. There is no retry ceiling.
func (s *Server) connectLoop() {
	for !s.closed.Load() {
		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		err := s.janus.Connect(ctx)
		cancel()
		if err == nil {
			s.reconnecting.Store(false)
			if s.everConnected.Swap(true) {
				// Distinguishable from the initial startup connection.
				slog.Info("Reconnected to Janus")
				s.emit(Event{Kind: EventBackendReconnected})
			}
			return
		}
		slog.Warn("Janus connection attempt failed, retrying", "err", err, "delay", s.cfg.ReconnectDelay)
		time.Sleep(s.cfg.ReconnectDelay)
	}
}

// handleDisconnect is the reconnect supervisor: on control-channel loss it
// cascades a forced teardown of every live subscriber, treating each as a
// backend-initiated termination, then schedules reconnection.
func (s *Server) handleDisconnect() {
	if s.closed.Load() {
		return
	}
	slog.Warn("Lost connectivity to Janus, tearing down sessions and reconnecting")
	s.dropMonitorHandle()

	s.mu.RLock()
	subs := make([]*Subscriber, 0, len(s.subscribers))
	for _, sub := range s.subscribers {
		subs = append(subs, sub)
	}
	s.mu.RUnlock()
	for _, sub := range subs {
		// The handle died with the connection; nothing to detach.
		s.teardownSubscriber(sub, false)
	}
	s.emit(Event{Kind: EventBackendDisconnected})

	if s.reconnecting.CompareAndSwap(false, true) {
		time.AfterFunc(s.cfg.ReconnectDelay, s.connectLoop)
	}
}

const randCharset = "ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz0123456789"

// randomString generates an opaque token, e.g. an entity tag.
func randomString(n int) string {
	b := make([]byte, n)
	for i := range b {
		b[i] = randCharset[rand.Intn(len(randCharset))]
	}
	return string(b)
}
