package janus

import (
	"encoding/json"
	"fmt"

	"github.com/pion/webrtc/v4"
)

// Connection states
const (
	ConnectionStateDisconnected = "disconnected"
	ConnectionStateConnecting   = "connecting"
	ConnectionStateConnected    = "connected"
)

// Plugin identifiers
const (
	StreamingPlugin = "janus.plugin.streaming"
)

// HandleEvent is an asynchronous notification pushed by Janus for a handle.
type HandleEvent int

const (
	// EventHangup means the PeerConnection behind the handle was closed.
	EventHangup HandleEvent = iota
	// EventDetached means the handle itself is gone on the Janus side.
	EventDetached
)

func (e HandleEvent) String() string {
	switch e {
	case EventHangup:
		return "hangup"
	case EventDetached:
		return "detached"
	}
	return "unknown"
}

// EventListener receives push events for one handle. Listeners are invoked
// on their own goroutine and must not call back into the client while
// holding application locks that a request path may also take.
type EventListener func(event HandleEvent)

// Candidate is one trickled ICE candidate, or the end-of-candidates
// sentinel when Completed is set.
type Candidate struct {
	Candidate     string `json:"candidate,omitempty"`
	SDPMLineIndex uint16 `json:"sdpMLineIndex"`
	Completed     bool   `json:"completed,omitempty"`
}

// MarshalJSON emits the bare {"completed": true} form for the sentinel,
// which is what the Janus API expects.
func (c Candidate) MarshalJSON() ([]byte, error) {
	if c.Completed {
		return json.Marshal(map[string]bool{"completed": true})
	}
	type plain struct {
		Candidate     string `json:"candidate"`
		SDPMLineIndex uint16 `json:"sdpMLineIndex"`
	}
	return json.Marshal(plain{Candidate: c.Candidate, SDPMLineIndex: c.SDPMLineIndex})
}

// PluginReply is the authoritative result of a plugin message, i.e. the
// event that follows the intermediate ack.
type PluginReply struct {
	Data map[string]any
	Jsep *webrtc.SessionDescription
}

// APIError is an error reported by Janus itself.
type APIError struct {
	Code   int    `json:"code"`
	Reason string `json:"reason"`
}

func (e *APIError) Error() string {
	return e.Reason
}

// PluginError is an error reported by a plugin inside plugindata.
type PluginError struct {
	Reason string
}

func (e *PluginError) Error() string {
	return e.Reason
}

// request is an outbound Janus envelope.
type request struct {
	Janus       string                     `json:"janus"`
	Transaction string                     `json:"transaction"`
	SessionID   uint64                     `json:"session_id,omitempty"`
	HandleID    uint64                     `json:"handle_id,omitempty"`
	Plugin      string                     `json:"plugin,omitempty"`
	Body        map[string]any             `json:"body,omitempty"`
	Jsep        *webrtc.SessionDescription `json:"jsep,omitempty"`
	Candidates  []Candidate                `json:"candidates,omitempty"`
	APISecret   string                     `json:"apisecret,omitempty"`
}

// response is an inbound Janus envelope, either a correlated reply or a
// push event (no transaction).
type response struct {
	Janus       string                     `json:"janus"`
	Transaction string                     `json:"transaction,omitempty"`
	SessionID   uint64                     `json:"session_id,omitempty"`
	Sender      uint64                     `json:"sender,omitempty"`
	Data        *responseData              `json:"data,omitempty"`
	PluginData  *pluginData                `json:"plugindata,omitempty"`
	Jsep        *webrtc.SessionDescription `json:"jsep,omitempty"`
	Error       *APIError                  `json:"error,omitempty"`
}

type responseData struct {
	ID uint64 `json:"id"`
}

type pluginData struct {
	Plugin string         `json:"plugin"`
	Data   map[string]any `json:"data"`
}

// pluginError extracts a plugin-level error from the reply, if any.
func (r *response) pluginError() error {
	if r.Error != nil {
		return r.Error
	}
	if r.PluginData == nil || r.PluginData.Data == nil {
		return nil
	}
	data := r.PluginData.Data
	if e, ok := data["error"].(string); ok && e != "" {
		return &PluginError{Reason: e}
	}
	if reason, ok := data["reason"].(string); ok && reason != "" {
		return &PluginError{Reason: reason}
	}
	return nil
}

func (r *response) String() string {
	return fmt.Sprintf("janus=%s transaction=%s sender=%d", r.Janus, r.Transaction, r.Sender)
}
