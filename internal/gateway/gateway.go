// Package gateway connects WebSocket clients to typing presence. Each
// connection gets a typing.Manager speaking for its participant; client
// frames open and close conversation contexts and report keystrokes, and
// every change in a context's typist list is pushed back as a typists frame.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/campusly/presence/internal/channel"
	"github.com/campusly/presence/internal/protocol"
	"github.com/campusly/presence/internal/ratelimit"
	"github.com/campusly/presence/internal/session"
	"github.com/campusly/presence/internal/typing"
	"github.com/campusly/presence/internal/ws"
)

// requestTimeout bounds the Redis and transport work done for one frame.
const requestTimeout = 3 * time.Second

// Gateway holds the per-connection typing state of one gateway instance.
type Gateway struct {
	transport channel.Transport
	cfg       typing.Config
	sessions  *session.Store     // optional
	limiter   *ratelimit.Limiter // optional
	server    *ws.Server

	mu    sync.Mutex
	conns map[string]*connState // session id -> state
}

// connState is what the gateway keeps for one connection.
type connState struct {
	manager *typing.Manager
	outbox  *typistsOutbox
}

// New creates a gateway publishing on t. sessions and limiter may be nil, in
// which case contexts are not recorded in Redis and frames are not rate
// limited.
func New(t channel.Transport, cfg typing.Config, sessions *session.Store, limiter *ratelimit.Limiter) *Gateway {
	return &Gateway{
		transport: t,
		cfg:       cfg,
		sessions:  sessions,
		limiter:   limiter,
		conns:     make(map[string]*connState),
	}
}

// Dispatcher returns a dispatcher with the gateway's frame handlers
// registered. Its Dispatch method is the server's onMessage callback.
func (g *Gateway) Dispatcher() *ws.MessageDispatcher {
	d := ws.NewMessageDispatcher()
	d.Register(protocol.TypeOpenContext, g.handleOpen)
	d.Register(protocol.TypeTyping, g.handleTyping)
	d.Register(protocol.TypeCloseContext, g.handleClose)
	return d
}

// Bind installs the gateway's lifecycle hooks on server. It must be called
// before the server starts.
func (g *Gateway) Bind(server *ws.Server) {
	g.server = server
	server.SetOnConnect(func(conn *ws.Connection) { g.manager(conn) })
	server.SetOnDisconnect(g.disconnect)
	server.SetContextCounter(g.OpenContexts)
	if g.limiter != nil {
		server.SetAdmit(g.admit)
	}
}

// OpenContexts returns the number of contexts open across all connections.
func (g *Gateway) OpenContexts() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	n := 0
	for _, st := range g.conns {
		n += st.manager.Len()
	}
	return n
}

// Close releases every connection's contexts.
func (g *Gateway) Close() error {
	g.mu.Lock()
	conns := g.conns
	g.conns = make(map[string]*connState)
	g.mu.Unlock()

	var errs []error
	for _, st := range conns {
		if err := st.manager.CloseAll(); err != nil {
			errs = append(errs, err)
		}
		st.outbox.close()
	}
	return errors.Join(errs...)
}

// manager returns the connection's typing manager, creating it on first use.
// A connection the server has already dropped gets a closed manager, so late
// frames cannot open contexts nobody will release.
func (g *Gateway) manager(conn *ws.Connection) *typing.Manager {
	return g.state(conn).manager
}

func (g *Gateway) state(conn *ws.Connection) *connState {
	g.mu.Lock()
	defer g.mu.Unlock()

	if st, ok := g.conns[conn.ID]; ok {
		return st
	}
	if g.server != nil && g.server.Connections().Get(conn.ID) == nil {
		m := typing.NewManager(g.transport, conn.Participant, g.cfg, nil)
		_ = m.CloseAll()
		out := newTypistsOutbox(nil)
		out.close()
		return &connState{manager: m, outbox: out}
	}
	out := newTypistsOutbox(func(key string, typists []string) {
		g.pushTypists(conn, key, typists)
	})
	st := &connState{
		manager: typing.NewManager(g.transport, conn.Participant, g.cfg, out.push),
		outbox:  out,
	}
	g.conns[conn.ID] = st
	return st
}

func (g *Gateway) disconnect(conn *ws.Connection) {
	g.mu.Lock()
	st, ok := g.conns[conn.ID]
	delete(g.conns, conn.ID)
	g.mu.Unlock()

	if !ok {
		return
	}
	st.outbox.close()
	keys := st.manager.Keys()
	if err := st.manager.CloseAll(); err != nil {
		log.Printf("[gateway] close contexts session=%s: %v", conn.ID, err)
	}
	log.Printf("[gateway] disconnect session=%s participant=%s closed %d contexts",
		conn.ID, conn.Participant, len(keys))
}

func (g *Gateway) admit(r *http.Request, remoteIP string) (bool, int) {
	ctx, cancel := context.WithTimeout(r.Context(), requestTimeout)
	defer cancel()

	res, _ := g.limiter.Hit(ctx, remoteIP, ratelimit.RuleConnect)
	if res.Allowed {
		return true, 0
	}
	log.Printf("[gateway] connect rate limited ip=%s", remoteIP)
	return false, res.RetryAfterSeconds()
}

// allow applies rule to the connection's session and tells the client when
// it is over the limit.
func (g *Gateway) allow(ctx context.Context, conn *ws.Connection, rule ratelimit.Rule) bool {
	if g.limiter == nil {
		return true
	}
	res, _ := g.limiter.Hit(ctx, conn.ID, rule)
	if res.Allowed {
		return true
	}
	g.send(conn, protocol.TypeRateLimited, protocol.RateLimitedMsg{
		RetryAfter: res.RetryAfterSeconds(),
	})
	return false
}

// ResolveContext derives the context key and mode an open_context frame
// names for participant.
func ResolveContext(participant string, msg protocol.OpenContextMsg) (string, typing.Mode, error) {
	if msg.ContextKey != "" {
		return resolveKey(participant, msg.ContextKey)
	}

	mode, err := typing.ParseMode(msg.Mode)
	if err != nil {
		return "", "", err
	}
	switch mode {
	case typing.ModeDirect:
		if msg.PeerID == "" {
			return "", "", fmt.Errorf("direct context needs peer_id")
		}
		if msg.PeerID == participant {
			return "", "", fmt.Errorf("direct context with self")
		}
		return typing.DirectKey(participant, msg.PeerID), mode, nil
	default:
		if msg.GroupID == "" {
			return "", "", fmt.Errorf("group context needs group_id")
		}
		return typing.GroupKey(msg.GroupID), mode, nil
	}
}

// resolveKey validates a client-supplied context key. A direct key must name
// the participant as one of its two members.
func resolveKey(participant, key string) (string, typing.Mode, error) {
	switch {
	case strings.HasPrefix(key, "dm:"):
		a, b, ok := strings.Cut(strings.TrimPrefix(key, "dm:"), ":")
		if !ok || a == "" || b == "" {
			return "", "", fmt.Errorf("malformed direct key %q", key)
		}
		if a != participant && b != participant {
			return "", "", fmt.Errorf("not a member of %q", key)
		}
		if typing.DirectKey(a, b) != key {
			return "", "", fmt.Errorf("non-canonical direct key %q", key)
		}
		return key, typing.ModeDirect, nil
	case strings.HasPrefix(key, "group:") && len(key) > len("group:"):
		return key, typing.ModeGroup, nil
	default:
		return "", "", fmt.Errorf("unknown context key %q", key)
	}
}

func (g *Gateway) handleOpen(conn *ws.Connection, msg interface{}) {
	openMsg, ok := msg.(protocol.OpenContextMsg)
	if !ok {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
	defer cancel()

	if !g.allow(ctx, conn, ratelimit.RuleOpen) {
		return
	}

	key, mode, err := ResolveContext(conn.Participant, openMsg)
	if err != nil {
		g.send(conn, protocol.TypeError, protocol.ErrorMsg{
			Code: protocol.CodeInvalidContext, Message: err.Error(),
		})
		return
	}

	st := g.state(conn)
	c, err := st.manager.Open(ctx, key, mode)
	if err != nil {
		log.Printf("[gateway] open context=%s session=%s: %v", key, conn.ID, err)
		g.send(conn, protocol.TypeError, protocol.ErrorMsg{
			Code: protocol.CodeTransport, Message: "could not open context",
		})
		return
	}

	if g.sessions != nil {
		if err := g.sessions.AddContext(ctx, conn.ID, key); err != nil {
			log.Printf("[gateway] record context=%s session=%s: %v", key, conn.ID, err)
		}
	}

	g.send(conn, protocol.TypeContextOpened, protocol.ContextOpenedMsg{
		ContextKey: key,
		Channel:    c.Channel(),
	})
	if typists := c.Typists(); len(typists) > 0 {
		st.outbox.push(key, typists)
	}
	log.Printf("[gateway] open context=%s mode=%s session=%s participant=%s",
		key, mode, conn.ID, conn.Participant)
}

func (g *Gateway) handleTyping(conn *ws.Connection, msg interface{}) {
	typingMsg, ok := msg.(protocol.TypingMsg)
	if !ok {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
	defer cancel()

	if !g.allow(ctx, conn, ratelimit.RuleTyping) {
		return
	}

	decision, err := g.manager(conn).Notify(ctx, typingMsg.ContextKey)
	switch {
	case errors.Is(err, typing.ErrNotOpen):
		g.send(conn, protocol.TypeError, protocol.ErrorMsg{
			Code: protocol.CodeNotOpen, Message: "context not open",
		})
	case err != nil:
		// Announcements are best effort; the next keystroke after the
		// throttle window tries again.
		log.Printf("[typing] announce dropped context=%s session=%s: %v",
			typingMsg.ContextKey, conn.ID, err)
	case decision == typing.SendNow && g.sessions != nil:
		if err := g.sessions.Touch(ctx, conn.ID); err != nil {
			log.Printf("[gateway] touch session=%s: %v", conn.ID, err)
		}
	}
}

func (g *Gateway) handleClose(conn *ws.Connection, msg interface{}) {
	closeMsg, ok := msg.(protocol.CloseContextMsg)
	if !ok {
		return
	}
	key := closeMsg.ContextKey

	st := g.state(conn)
	err := st.manager.CloseContext(key)
	st.outbox.forget(key)
	if errors.Is(err, typing.ErrNotOpen) {
		g.send(conn, protocol.TypeError, protocol.ErrorMsg{
			Code: protocol.CodeNotOpen, Message: "context not open",
		})
		return
	}
	if err != nil {
		log.Printf("[gateway] close context=%s session=%s: %v", key, conn.ID, err)
	}

	if g.sessions != nil {
		ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
		defer cancel()
		if err := g.sessions.RemoveContext(ctx, conn.ID, key); err != nil {
			log.Printf("[gateway] forget context=%s session=%s: %v", key, conn.ID, err)
		}
	}
	g.send(conn, protocol.TypeContextClosed, protocol.ContextClosedMsg{ContextKey: key})
}

// pushTypists renders a context's typist list for the client. It runs on the
// connection's outbox goroutine.
func (g *Gateway) pushTypists(conn *ws.Connection, key string, typists []string) {
	if typists == nil {
		typists = []string{}
	}
	g.send(conn, protocol.TypeTypists, protocol.TypistsMsg{
		ContextKey:   key,
		Participants: typists,
		Text:         typing.FormatIndicator(typists),
	})
}

// send writes a server frame, through the server when bound so the write
// timeout applies.
func (g *Gateway) send(conn *ws.Connection, msgType string, payload interface{}) {
	if g.server == nil {
		ws.Send(conn, msgType, payload)
		return
	}
	data, err := protocol.NewServerMessage(msgType, payload)
	if err != nil {
		log.Printf("[gateway] build %s session=%s: %v", msgType, conn.ID, err)
		return
	}
	if err := g.server.SendMessage(conn.ID, data); err != nil {
		log.Printf("[gateway] send %s session=%s: %v", msgType, conn.ID, err)
	}
}
