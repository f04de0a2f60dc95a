package main

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"janus-whep-gateway/janus"
)

// runMonitor polls the backend for the endpoint's mountpoint liveness on a
// fixed interval until the endpoint is destroyed. While the backend is
// unreachable a tick is simply skipped; there is no escalation and no
// backoff growth.
func (s *Server) runMonitor(endpoint *Endpoint) {
	ticker := time.NewTicker(s.cfg.MonitorInterval)
	defer ticker.Stop()
	for {
		select {
		case <-endpoint.stopMonitor:
			return
		case <-ticker.C:
			if !s.janus.Connected() {
				continue
			}
			active, err := s.mountpointActive(endpoint.Mountpoint)
			if err != nil {
				slog.Debug("Mountpoint liveness query failed", "endpoint", endpoint.ID, "err", err)
				continue
			}
			s.recordLiveness(endpoint, active)
		}
	}
}

// recordLiveness updates the stored flag and broadcasts the transition to
// the endpoint's SSE subscribers when the observed state changed.
func (s *Server) recordLiveness(endpoint *Endpoint, active bool) {
	endpoint.mu.Lock()
	changed := endpoint.active != active
	endpoint.active = active
	endpoint.mu.Unlock()
	if !changed {
		return
	}

	name := "inactive"
	kind := EventEndpointInactive
	if active {
		name = "active"
		kind = EventEndpointActive
	}
	slog.Info("Mountpoint state changed", "endpoint", endpoint.ID, "state", name)
	s.emit(Event{Kind: kind, EndpointID: endpoint.ID})
	s.broadcastToEndpoint(endpoint, sseEvent{Type: name, Data: map[string]string{"endpoint": endpoint.ID}})
}

// mountpointActive issues a Streaming plugin info request on the shared
// monitor handle, lazily attaching one. A plugin-level error (unknown or
// disabled mountpoint) counts as inactive.
func (s *Server) mountpointActive(mountpoint any) (bool, error) {
	handle, err := s.monitorHandle()
	if err != nil {
		return false, err
	}

	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.MonitorInterval)
	defer cancel()
	reply, err := s.janus.Message(ctx, handle, map[string]any{
		"request": "info",
		"id":      mountpoint,
	}, nil)
	if err != nil {
		var pluginErr *janus.PluginError
		if errors.As(err, &pluginErr) {
			return false, nil
		}
		return false, err
	}

	info, ok := reply.Data["info"].(map[string]any)
	if !ok {
		return false, nil
	}
	if enabled, ok := info["enabled"].(bool); ok {
		return enabled, nil
	}
	return true, nil
}

// monitorHandle returns the shared Streaming handle used for liveness
// queries, attaching a fresh one after (re)connects.
func (s *Server) monitorHandle() (uint64, error) {
	s.monitorMu.Lock()
	defer s.monitorMu.Unlock()
	if s.monitor != 0 {
		return s.monitor, nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	handle, err := s.janus.Attach(ctx, janus.StreamingPlugin, func(janus.HandleEvent) {
		s.monitorMu.Lock()
		s.monitor = 0
		s.monitorMu.Unlock()
	})
	if err != nil {
		return 0, err
	}
	s.monitor = handle
	return handle, nil
}

// dropMonitorHandle forgets the shared handle after a disconnect so the
// next query attaches a new one.
func (s *Server) dropMonitorHandle() {
	s.monitorMu.Lock()
	s.monitor = 0
	s.monitorMu.Unlock()
}
