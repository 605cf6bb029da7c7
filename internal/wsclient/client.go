// Package wsclient is a WebSocket client for the typing gateway, used by the
// end-to-end probe, the load generator and the gateway tests. Server frames
// are routed by type to handlers registered with On.
package wsclient

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"

	"github.com/campusly/presence/internal/protocol"
)

// Metrics tracks per-connection performance data.
type Metrics struct {
	ConnectLatency   time.Duration
	FirstMsgLatency  time.Duration
	MessagesReceived int
	MessagesSent     int
	Errors           int
}

// Client represents one participant connection to the gateway.
type Client struct {
	conn net.Conn
	rd   io.Reader // conn, behind any bytes buffered during the handshake

	writeMu sync.Mutex

	mu            sync.Mutex
	sessionID     string
	participantID string
	metrics       Metrics
	handlers      map[string]func(json.RawMessage)
	start         time.Time

	ready     chan struct{}
	readyOnce sync.Once
	done      chan struct{}
	closeOnce sync.Once
}

// Dial connects to the gateway at url (ws://host:port/ws?participant=...)
// and starts reading frames in the background.
func Dial(ctx context.Context, url string) (*Client, error) {
	start := time.Now()
	conn, br, _, err := ws.Dial(ctx, url)
	if err != nil {
		return nil, fmt.Errorf("wsclient: dial %s: %w", url, err)
	}

	c := &Client{
		conn:     conn,
		rd:       conn,
		handlers: make(map[string]func(json.RawMessage)),
		start:    start,
		ready:    make(chan struct{}),
		done:     make(chan struct{}),
	}
	// Frames the server sent right after the handshake may already sit in br.
	if br != nil {
		c.rd = io.MultiReader(br, conn)
	}
	c.metrics.ConnectLatency = time.Since(start)

	go c.readLoop()
	return c, nil
}

// Send sends a JSON message to the server. It is goroutine-safe.
func (c *Client) Send(msg interface{}) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("wsclient: marshal: %w", err)
	}
	c.mu.Lock()
	c.metrics.MessagesSent++
	c.mu.Unlock()
	return wsutil.WriteClientMessage(lockedWriter{c}, ws.OpText, data)
}

// lockedWriter serializes whole writes to the connection, so pong replies
// from the read loop never interleave with Send.
type lockedWriter struct{ c *Client }

func (w lockedWriter) Write(p []byte) (int, error) {
	w.c.writeMu.Lock()
	defer w.c.writeMu.Unlock()
	return w.c.conn.Write(p)
}

// OpenDirect opens the direct context with peer.
func (c *Client) OpenDirect(peer string) error {
	return c.Send(protocol.OpenContextMsg{Type: protocol.TypeOpenContext, Mode: "direct", PeerID: peer})
}

// OpenGroup opens the group context groupID.
func (c *Client) OpenGroup(groupID string) error {
	return c.Send(protocol.OpenContextMsg{Type: protocol.TypeOpenContext, Mode: "group", GroupID: groupID})
}

// Typing reports a keystroke in contextKey.
func (c *Client) Typing(contextKey string) error {
	return c.Send(protocol.TypingMsg{Type: protocol.TypeTyping, ContextKey: contextKey})
}

// CloseContext closes contextKey.
func (c *Client) CloseContext(contextKey string) error {
	return c.Send(protocol.CloseContextMsg{Type: protocol.TypeCloseContext, ContextKey: contextKey})
}

// Ping sends an application-level ping.
func (c *Client) Ping() error {
	return c.Send(protocol.PingMsg{Type: protocol.TypePing})
}

// On registers a handler for a specific server message type. The handler
// receives the full raw JSON of the message. Handlers run on the read loop
// goroutine; registering a second handler for a type replaces the first.
func (c *Client) On(msgType string, handler func(json.RawMessage)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.handlers[msgType] = handler
}

// WaitForSession blocks until the server has assigned a session ID or the
// context is cancelled.
func (c *Client) WaitForSession(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-c.done:
		return fmt.Errorf("wsclient: connection closed before session was created")
	case <-c.ready:
		return nil
	}
}

// Done is closed when the read loop stops.
func (c *Client) Done() <-chan struct{} { return c.done }

// Close closes the connection and stops the read loop. It is safe to call
// multiple times.
func (c *Client) Close() error {
	var err error
	c.closeOnce.Do(func() {
		err = c.conn.Close()
	})
	<-c.done
	return err
}

// SessionID returns the session ID assigned by the server, or an empty string
// if the handshake has not completed yet.
func (c *Client) SessionID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sessionID
}

// ParticipantID returns the participant id the server bound to the session.
func (c *Client) ParticipantID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.participantID
}

// GetMetrics returns a copy of the client's metrics.
func (c *Client) GetMetrics() Metrics {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.metrics
}

// readLoop reads frames until the connection closes. Pings are answered,
// text frames go to dispatch.
func (c *Client) readLoop() {
	defer close(c.done)
	defer c.closeOnce.Do(func() { c.conn.Close() })

	control := wsutil.ControlFrameHandler(lockedWriter{c}, ws.StateClientSide)
	rd := &wsutil.Reader{
		Source:         c.rd,
		State:          ws.StateClientSide,
		CheckUTF8:      true,
		OnIntermediate: control,
	}
	for {
		hdr, err := rd.NextFrame()
		if err != nil {
			return
		}
		if hdr.OpCode.IsControl() {
			if err := control(hdr, rd); err != nil {
				return
			}
			continue
		}
		data, err := io.ReadAll(rd)
		if err != nil {
			return
		}
		if hdr.OpCode == ws.OpText {
			c.dispatch(data)
		}
	}
}

// dispatch records a server frame and hands it to the handler for its type.
// session_created also completes the handshake.
func (c *Client) dispatch(data []byte) {
	var env protocol.Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		c.mu.Lock()
		c.metrics.Errors++
		c.mu.Unlock()
		return
	}

	c.mu.Lock()
	c.metrics.MessagesReceived++
	if c.metrics.FirstMsgLatency == 0 {
		c.metrics.FirstMsgLatency = time.Since(c.start)
	}
	if env.Type == protocol.TypeSessionCreated {
		var msg protocol.SessionCreatedMsg
		if json.Unmarshal(data, &msg) == nil && msg.SessionID != "" {
			c.sessionID = msg.SessionID
			c.participantID = msg.ParticipantID
			c.readyOnce.Do(func() { close(c.ready) })
		}
	}
	handler := c.handlers[env.Type]
	c.mu.Unlock()

	if handler != nil {
		handler(json.RawMessage(data))
	}
}
