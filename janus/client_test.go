package janus

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

// fakeJanus speaks just enough of the Janus WebSocket API to exercise the
// client: session creation, handle attach/detach, the ack-then-event shape
// of plugin messages and pushed notifications.
type fakeJanus struct {
	t   *testing.T
	srv *httptest.Server

	mu      sync.Mutex
	conn    *websocket.Conn
	writeMu sync.Mutex

	nextHandle uint64

	// silent suppresses replies to plugin messages, leaving the
	// transaction pending.
	silent bool
	// watchErr makes watch requests fail with a plugin error.
	watchErr string

	watchBodies []map[string]any
	trickled    []json.RawMessage
}

func newFakeJanus(t *testing.T) *fakeJanus {
	f := &fakeJanus{t: t, nextHandle: 100}
	upgrader := websocket.Upgrader{Subprotocols: []string{"janus-protocol"}}
	f.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		f.mu.Lock()
		f.conn = conn
		f.mu.Unlock()
		f.serve(conn)
	}))
	t.Cleanup(f.srv.Close)
	return f
}

func (f *fakeJanus) url() string {
	return "ws" + strings.TrimPrefix(f.srv.URL, "http")
}

func (f *fakeJanus) write(msg map[string]any) {
	f.mu.Lock()
	conn := f.conn
	f.mu.Unlock()
	if conn == nil {
		return
	}
	f.writeMu.Lock()
	defer f.writeMu.Unlock()
	if err := conn.WriteJSON(msg); err != nil {
		f.t.Logf("fake janus write: %v", err)
	}
}

func (f *fakeJanus) serve(conn *websocket.Conn) {
	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			return
		}
		var req map[string]any
		if err := json.Unmarshal(raw, &req); err != nil {
			f.t.Errorf("fake janus: bad request: %v", err)
			continue
		}
		tx, _ := req["transaction"].(string)

		switch req["janus"] {
		case "create":
			f.write(map[string]any{"janus": "success", "transaction": tx, "data": map[string]any{"id": 1234}})
		case "keepalive":
			f.write(map[string]any{"janus": "ack", "transaction": tx})
		case "attach":
			f.mu.Lock()
			f.nextHandle++
			handle := f.nextHandle
			f.mu.Unlock()
			f.write(map[string]any{"janus": "success", "transaction": tx, "data": map[string]any{"id": handle}})
		case "detach":
			f.write(map[string]any{"janus": "success", "transaction": tx})
		case "trickle":
			cands, _ := json.Marshal(req["candidates"])
			f.mu.Lock()
			f.trickled = append(f.trickled, cands)
			f.mu.Unlock()
			f.write(map[string]any{"janus": "ack", "transaction": tx})
		case "message":
			f.handleMessage(req, tx)
		}
	}
}

func (f *fakeJanus) handleMessage(req map[string]any, tx string) {
	f.mu.Lock()
	silent := f.silent
	watchErr := f.watchErr
	f.mu.Unlock()
	if silent {
		return
	}
	handle, _ := req["handle_id"].(float64)
	body, _ := req["body"].(map[string]any)
	request, _ := body["request"].(string)

	f.write(map[string]any{"janus": "ack", "transaction": tx})

	event := map[string]any{
		"janus":       "event",
		"transaction": tx,
		"sender":      handle,
	}
	switch request {
	case "watch":
		f.mu.Lock()
		f.watchBodies = append(f.watchBodies, body)
		f.mu.Unlock()
		if watchErr != "" {
			event["plugindata"] = map[string]any{
				"plugin": StreamingPlugin,
				"data":   map[string]any{"error": watchErr},
			}
		} else {
			event["plugindata"] = map[string]any{
				"plugin": StreamingPlugin,
				"data":   map[string]any{"streaming": "event", "result": map[string]any{"status": "preparing"}},
			}
			event["jsep"] = map[string]any{"type": "offer", "sdp": "v=0\r\na=ice-ufrag:abcd\r\na=ice-pwd:efgh\r\n"}
		}
	case "start":
		event["plugindata"] = map[string]any{
			"plugin": StreamingPlugin,
			"data":   map[string]any{"streaming": "event", "result": map[string]any{"status": "starting"}},
		}
	case "info":
		event["plugindata"] = map[string]any{
			"plugin": StreamingPlugin,
			"data":   map[string]any{"streaming": "info", "info": map[string]any{"enabled": true}},
		}
	}
	f.write(event)
}

func (f *fakeJanus) pushEvent(kind string, sender uint64) {
	f.write(map[string]any{"janus": kind, "sender": sender})
}

func (f *fakeJanus) dropConnection() {
	f.mu.Lock()
	conn := f.conn
	f.conn = nil
	f.mu.Unlock()
	if conn != nil {
		conn.Close()
	}
}

func connectedClient(t *testing.T, f *fakeJanus) *Client {
	t.Helper()
	c := NewClient(Config{Address: f.url()})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := c.Connect(ctx); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	t.Cleanup(c.Close)
	return c
}

func TestConnectCreatesSession(t *testing.T) {
	f := newFakeJanus(t)
	c := connectedClient(t, f)
	if !c.Connected() {
		t.Fatal("client should report connected after Connect")
	}
}

func TestConnectRejectsBadAddress(t *testing.T) {
	c := NewClient(Config{Address: "ws://127.0.0.1:1"})
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := c.Connect(ctx); err == nil {
		t.Fatal("Connect to closed port should fail")
	}
	if c.Connected() {
		t.Fatal("client should stay disconnected after a failed dial")
	}
}

func TestMessageToleratesAck(t *testing.T) {
	f := newFakeJanus(t)
	c := connectedClient(t, f)
	ctx := context.Background()

	handle, err := c.Attach(ctx, StreamingPlugin, func(HandleEvent) {})
	if err != nil {
		t.Fatalf("Attach: %v", err)
	}
	if handle == 0 {
		t.Fatal("Attach returned zero handle")
	}

	reply, err := c.Message(ctx, handle, map[string]any{"request": "watch", "id": 42}, nil)
	if err != nil {
		t.Fatalf("Message: %v", err)
	}
	if reply.Jsep == nil || !strings.Contains(reply.Jsep.SDP, "ice-ufrag") {
		t.Fatalf("watch reply missing jsep: %+v", reply)
	}

	f.mu.Lock()
	bodies := f.watchBodies
	f.mu.Unlock()
	if len(bodies) != 1 || bodies[0]["id"] != float64(42) {
		t.Fatalf("unexpected watch bodies: %v", bodies)
	}
}

func TestMessagePluginError(t *testing.T) {
	f := newFakeJanus(t)
	f.watchErr = "No such mountpoint"
	c := connectedClient(t, f)
	ctx := context.Background()

	handle, err := c.Attach(ctx, StreamingPlugin, func(HandleEvent) {})
	if err != nil {
		t.Fatalf("Attach: %v", err)
	}
	_, err = c.Message(ctx, handle, map[string]any{"request": "watch", "id": 99}, nil)
	var perr *PluginError
	if !errors.As(err, &perr) {
		t.Fatalf("expected PluginError, got %v", err)
	}
	if perr.Reason != "No such mountpoint" {
		t.Fatalf("unexpected reason: %q", perr.Reason)
	}
}

func TestTrickleCompletedSentinel(t *testing.T) {
	f := newFakeJanus(t)
	c := connectedClient(t, f)
	ctx := context.Background()

	handle, err := c.Attach(ctx, StreamingPlugin, func(HandleEvent) {})
	if err != nil {
		t.Fatalf("Attach: %v", err)
	}
	err = c.Trickle(handle, []Candidate{
		{Candidate: "candidate:1 1 udp 2113667327 192.0.2.1 61665 typ host", SDPMLineIndex: 0},
		{Completed: true},
	})
	if err != nil {
		t.Fatalf("Trickle: %v", err)
	}

	deadline := time.After(2 * time.Second)
	for {
		f.mu.Lock()
		n := len(f.trickled)
		f.mu.Unlock()
		if n > 0 {
			break
		}
		select {
		case <-deadline:
			t.Fatal("trickle never reached the backend")
		case <-time.After(10 * time.Millisecond):
		}
	}

	f.mu.Lock()
	raw := string(f.trickled[0])
	f.mu.Unlock()
	if !strings.Contains(raw, `"sdpMLineIndex":0`) {
		t.Errorf("candidate missing m-line index: %s", raw)
	}
	if !strings.Contains(raw, `{"completed":true}`) {
		t.Errorf("end-of-candidates sentinel not in bare form: %s", raw)
	}
}

func TestPushEventReachesListener(t *testing.T) {
	f := newFakeJanus(t)
	c := connectedClient(t, f)
	ctx := context.Background()

	got := make(chan HandleEvent, 1)
	handle, err := c.Attach(ctx, StreamingPlugin, func(ev HandleEvent) { got <- ev })
	if err != nil {
		t.Fatalf("Attach: %v", err)
	}

	f.pushEvent("hangup", handle)
	select {
	case ev := <-got:
		if ev != EventHangup {
			t.Fatalf("expected hangup, got %v", ev)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("listener never received the hangup")
	}
}

func TestDisconnectAbandonsPending(t *testing.T) {
	f := newFakeJanus(t)
	f.silent = false
	c := connectedClient(t, f)
	ctx := context.Background()

	disconnected := make(chan struct{})
	c.OnDisconnected(func() { close(disconnected) })

	handle, err := c.Attach(ctx, StreamingPlugin, func(HandleEvent) {})
	if err != nil {
		t.Fatalf("Attach: %v", err)
	}

	f.mu.Lock()
	f.silent = true
	f.mu.Unlock()

	errCh := make(chan error, 1)
	go func() {
		_, err := c.Message(ctx, handle, map[string]any{"request": "watch", "id": 1}, nil)
		errCh <- err
	}()

	// Give the message a moment to go out before killing the link.
	time.Sleep(50 * time.Millisecond)
	f.dropConnection()

	select {
	case err := <-errCh:
		if !errors.Is(err, ErrDisconnected) {
			t.Fatalf("expected ErrDisconnected, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("pending message never resolved after disconnect")
	}
	select {
	case <-disconnected:
	case <-time.After(2 * time.Second):
		t.Fatal("disconnect callback never fired")
	}
	if c.Connected() {
		t.Fatal("client should report disconnected")
	}
}

func TestOperationsRequireConnection(t *testing.T) {
	c := NewClient(Config{Address: "ws://127.0.0.1:1"})
	if _, err := c.Attach(context.Background(), StreamingPlugin, nil); !errors.Is(err, ErrNotConnected) {
		t.Fatalf("Attach: expected ErrNotConnected, got %v", err)
	}
	if _, err := c.Message(context.Background(), 1, nil, nil); !errors.Is(err, ErrNotConnected) {
		t.Fatalf("Message: expected ErrNotConnected, got %v", err)
	}
	if err := c.Trickle(1, nil); !errors.Is(err, ErrNotConnected) {
		t.Fatalf("Trickle: expected ErrNotConnected, got %v", err)
	}
}
