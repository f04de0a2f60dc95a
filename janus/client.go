package janus

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/pion/webrtc/v4"
)

const (
	// Janus requires this subprotocol on its WebSocket transport.
	wsSubprotocol = "janus-protocol"

	defaultKeepalive = 15 * time.Second
)

// ErrDisconnected is returned to callers whose pending transaction was
// abandoned because the control channel dropped.
var ErrDisconnected = errors.New("janus: connection lost")

// ErrNotConnected is returned when an operation is attempted while the
// control channel is down.
var ErrNotConnected = errors.New("janus: not connected")

// Config carries the static connection parameters for a Client.
type Config struct {
	// Address is the Janus WebSocket URL, e.g. ws://127.0.0.1:8188.
	Address string
	// APISecret is attached to every request when set.
	APISecret string
	// KeepaliveInterval defaults to 15s when zero.
	KeepaliveInterval time.Duration
}

// Client owns the single control channel to Janus. It correlates outbound
// requests with inbound replies through per-transaction channels, tolerates
// intermediate acks on plugin messages, and dispatches transactionless push
// events to the listener registered for the target handle.
type Client struct {
	cfg Config

	// onDisconnected fires once per lost connection, after all pending
	// transactions have been abandoned.
	onDisconnected func()

	mu        sync.Mutex
	conn      *websocket.Conn
	state     string
	sessionID uint64
	pending   map[string]chan *response
	listeners map[uint64]EventListener
	kaStop    chan struct{}

	writeMu sync.Mutex
}

// NewClient creates a disconnected client. Call Connect to open the
// control channel.
func NewClient(cfg Config) *Client {
	if cfg.KeepaliveInterval <= 0 {
		cfg.KeepaliveInterval = defaultKeepalive
	}
	return &Client{
		cfg:       cfg,
		state:     ConnectionStateDisconnected,
		pending:   make(map[string]chan *response),
		listeners: make(map[uint64]EventListener),
	}
}

// OnDisconnected registers the callback invoked when the control channel is
// lost. Must be set before Connect.
func (c *Client) OnDisconnected(fn func()) {
	c.mu.Lock()
	c.onDisconnected = fn
	c.mu.Unlock()
}

// Connected reports whether a Janus session is currently live.
func (c *Client) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state == ConnectionStateConnected
}

// Connect dials Janus, creates the API session and starts the keepalive
// loop. It can be called again after a disconnect; all per-connection state
// is rebuilt from scratch.
func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	if c.state != ConnectionStateDisconnected {
		c.mu.Unlock()
		return errors.New("janus: already connected or connecting")
	}
	c.state = ConnectionStateConnecting
	c.mu.Unlock()

	dialer := websocket.Dialer{
		Subprotocols:     []string{wsSubprotocol},
		HandshakeTimeout: 10 * time.Second,
	}
	conn, _, err := dialer.DialContext(ctx, c.cfg.Address, nil)
	if err != nil {
		c.mu.Lock()
		c.state = ConnectionStateDisconnected
		c.mu.Unlock()
		return fmt.Errorf("janus: dial %s: %w", c.cfg.Address, err)
	}

	c.mu.Lock()
	c.conn = conn
	c.pending = make(map[string]chan *response)
	c.listeners = make(map[uint64]EventListener)
	c.kaStop = make(chan struct{})
	c.mu.Unlock()

	go c.readLoop(conn)

	// The session must exist before the channel is usable.
	reply, err := c.roundTrip(ctx, &request{Janus: "create"})
	if err != nil {
		c.teardown(conn)
		return fmt.Errorf("janus: create session: %w", err)
	}
	if reply.Error != nil {
		c.teardown(conn)
		return fmt.Errorf("janus: create session: %w", reply.Error)
	}

	c.mu.Lock()
	if c.conn != conn {
		// The connection died while the session was being created.
		c.mu.Unlock()
		return ErrDisconnected
	}
	c.sessionID = reply.Data.ID
	c.state = ConnectionStateConnected
	stop := c.kaStop
	c.mu.Unlock()

	slog.Info("Connected to Janus", "address", c.cfg.Address, "session", reply.Data.ID)
	go c.keepaliveLoop(stop)
	return nil
}

// Close shuts the control channel down without invoking the disconnect
// callback, for process shutdown.
func (c *Client) Close() {
	c.mu.Lock()
	c.onDisconnected = nil
	conn := c.conn
	c.mu.Unlock()
	if conn != nil {
		c.teardown(conn)
	}
}

// Attach requests a new plugin handle bound to the session. The listener
// receives hangup/detached push events for the handle until it is detached.
func (c *Client) Attach(ctx context.Context, plugin string, listener EventListener) (uint64, error) {
	c.mu.Lock()
	session := c.sessionID
	connected := c.state == ConnectionStateConnected
	c.mu.Unlock()
	if !connected {
		return 0, ErrNotConnected
	}

	reply, err := c.roundTrip(ctx, &request{
		Janus:     "attach",
		SessionID: session,
		Plugin:    plugin,
	})
	if err != nil {
		return 0, err
	}
	if reply.Error != nil {
		return 0, reply.Error
	}
	handle := reply.Data.ID

	c.mu.Lock()
	c.listeners[handle] = listener
	c.mu.Unlock()
	slog.Debug("Attached plugin handle", "plugin", plugin, "handle", handle)
	return handle, nil
}

// Message sends a plugin request and waits for the authoritative result.
// An intermediate "ack" never resolves the call; only the following event
// (or an error) does.
func (c *Client) Message(ctx context.Context, handle uint64, body map[string]any, jsep *webrtc.SessionDescription) (*PluginReply, error) {
	c.mu.Lock()
	session := c.sessionID
	connected := c.state == ConnectionStateConnected
	c.mu.Unlock()
	if !connected {
		return nil, ErrNotConnected
	}

	tx, ch, err := c.send(&request{
		Janus:     "message",
		SessionID: session,
		HandleID:  handle,
		Body:      body,
		Jsep:      jsep,
	})
	if err != nil {
		return nil, err
	}
	defer c.unregister(tx)

	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case reply, ok := <-ch:
			if !ok {
				return nil, ErrDisconnected
			}
			if reply.Janus == "ack" {
				// Authoritative result still pending.
				continue
			}
			if err := reply.pluginError(); err != nil {
				return nil, err
			}
			out := &PluginReply{Jsep: reply.Jsep}
			if reply.PluginData != nil {
				out.Data = reply.PluginData.Data
			}
			return out, nil
		}
	}
}

// Trickle forwards one or more ICE candidates to a handle. Fire-and-forget
// for the caller; the ack is still awaited internally for cleanup.
func (c *Client) Trickle(handle uint64, candidates []Candidate) error {
	c.mu.Lock()
	session := c.sessionID
	connected := c.state == ConnectionStateConnected
	c.mu.Unlock()
	if !connected {
		return ErrNotConnected
	}

	tx, ch, err := c.send(&request{
		Janus:      "trickle",
		SessionID:  session,
		HandleID:   handle,
		Candidates: candidates,
	})
	if err != nil {
		return err
	}
	go c.drainOne(tx, ch)
	return nil
}

// Detach releases a plugin handle and drops its event listener.
func (c *Client) Detach(handle uint64) error {
	c.mu.Lock()
	session := c.sessionID
	connected := c.state == ConnectionStateConnected
	delete(c.listeners, handle)
	c.mu.Unlock()
	if !connected {
		return ErrNotConnected
	}

	tx, ch, err := c.send(&request{
		Janus:     "detach",
		SessionID: session,
		HandleID:  handle,
	})
	if err != nil {
		return err
	}
	go c.drainOne(tx, ch)
	return nil
}

// send registers a fresh transaction and writes the request out.
func (c *Client) send(req *request) (string, chan *response, error) {
	c.mu.Lock()
	conn := c.conn
	if conn == nil {
		c.mu.Unlock()
		return "", nil, ErrNotConnected
	}
	tx := transactionID()
	ch := make(chan *response, 4)
	c.pending[tx] = ch
	c.mu.Unlock()

	req.Transaction = tx
	req.APISecret = c.cfg.APISecret

	c.writeMu.Lock()
	err := conn.WriteJSON(req)
	c.writeMu.Unlock()
	if err != nil {
		c.unregister(tx)
		return "", nil, fmt.Errorf("janus: write: %w", err)
	}
	return tx, ch, nil
}

// roundTrip sends a request and waits for exactly one reply.
func (c *Client) roundTrip(ctx context.Context, req *request) (*response, error) {
	tx, ch, err := c.send(req)
	if err != nil {
		return nil, err
	}
	defer c.unregister(tx)

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case reply, ok := <-ch:
		if !ok {
			return nil, ErrDisconnected
		}
		return reply, nil
	}
}

// drainOne consumes the single reply of a fire-and-forget request so the
// transaction table stays clean.
func (c *Client) drainOne(tx string, ch chan *response) {
	<-ch
	c.unregister(tx)
}

func (c *Client) unregister(tx string) {
	c.mu.Lock()
	delete(c.pending, tx)
	c.mu.Unlock()
}

// readLoop pumps inbound messages until the connection dies, then tears the
// session down and raises the disconnected signal.
func (c *Client) readLoop(conn *websocket.Conn) {
	for {
		var msg response
		if err := conn.ReadJSON(&msg); err != nil {
			slog.Warn("Janus control channel closed", "err", err)
			c.teardownAndNotify(conn)
			return
		}
		c.dispatch(&msg)
	}
}

// dispatch routes one inbound message: correlated replies resolve their
// transaction, transactionless messages are push events keyed by sender.
func (c *Client) dispatch(msg *response) {
	if msg.Transaction != "" {
		c.mu.Lock()
		ch := c.pending[msg.Transaction]
		c.mu.Unlock()
		if ch != nil {
			select {
			case ch <- msg:
			default:
				slog.Warn("Dropping reply, transaction channel full", "transaction", msg.Transaction)
			}
		}
		return
	}

	switch msg.Janus {
	case "hangup", "detached":
		c.mu.Lock()
		listener := c.listeners[msg.Sender]
		if msg.Janus == "detached" {
			delete(c.listeners, msg.Sender)
		}
		c.mu.Unlock()
		if listener != nil {
			ev := EventHangup
			if msg.Janus == "detached" {
				ev = EventDetached
			}
			go listener(ev)
		}
	case "webrtcup", "media", "slowlink", "timeout":
		slog.Debug("Janus notification", "type", msg.Janus, "sender", msg.Sender)
	default:
		slog.Debug("Unhandled Janus message", "type", msg.Janus)
	}
}

// keepaliveLoop renews the session on a fixed interval while connected.
func (c *Client) keepaliveLoop(stop chan struct{}) {
	ticker := time.NewTicker(c.cfg.KeepaliveInterval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			c.mu.Lock()
			session := c.sessionID
			connected := c.state == ConnectionStateConnected
			c.mu.Unlock()
			if !connected {
				return
			}
			tx, ch, err := c.send(&request{Janus: "keepalive", SessionID: session})
			if err != nil {
				slog.Warn("Keepalive send failed", "err", err)
				continue
			}
			go c.drainOne(tx, ch)
		}
	}
}

// teardown discards all per-connection state. Pending transactions are
// abandoned, not resolved.
func (c *Client) teardown(conn *websocket.Conn) bool {
	c.mu.Lock()
	if c.conn != conn || conn == nil {
		// A newer connection already took over.
		c.mu.Unlock()
		return false
	}
	c.conn = nil
	c.sessionID = 0
	c.state = ConnectionStateDisconnected
	for tx, ch := range c.pending {
		close(ch)
		delete(c.pending, tx)
	}
	c.listeners = make(map[uint64]EventListener)
	if c.kaStop != nil {
		close(c.kaStop)
		c.kaStop = nil
	}
	c.mu.Unlock()

	conn.Close()
	return true
}

func (c *Client) teardownAndNotify(conn *websocket.Conn) {
	if !c.teardown(conn) {
		return
	}
	c.mu.Lock()
	fn := c.onDisconnected
	c.mu.Unlock()
	if fn != nil {
		fn()
	}
}

const txCharset = "ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz0123456789"

// transactionID generates a random correlation identifier.
func transactionID() string {
	b := make([]byte, 12)
	for i := range b {
		b[i] = txCharset[rand.Intn(len(txCharset))]
	}
	return string(b)
}
