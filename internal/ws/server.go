// Package ws serves the typing gateway's WebSocket endpoint. Upgraded
// connections are watched by a poller instead of a goroutine each, and a
// bounded worker pool reads frames from the ones that become readable.
package ws

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"
	"unicode"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
	"github.com/google/uuid"

	"github.com/campusly/presence/internal/metrics"
	"github.com/campusly/presence/internal/protocol"
	"github.com/campusly/presence/internal/session"
)

const (
	// maxParticipantLen bounds the participant id accepted on the upgrade URL.
	maxParticipantLen = 128

	// pollTimeout bounds each poller wait so the event loop notices Shutdown.
	pollTimeout = 500 * time.Millisecond

	// sessionTimeout bounds the Redis calls made on connect and disconnect.
	sessionTimeout = 3 * time.Second
)

// ServerConfig holds tunable parameters for the WebSocket server.
type ServerConfig struct {
	ListenAddr     string        // e.g. ":8080"
	WorkerPoolSize int           // concurrent frame readers
	MaxConnections int           // upgrades beyond this get 503
	MaxFrameSize   int           // larger client frames close the connection
	ReadTimeout    time.Duration // per frame, once the socket is readable
	WriteTimeout   time.Duration // per server frame
	Heartbeat      HeartbeatConfig
}

func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		ListenAddr:     ":8080",
		WorkerPoolSize: 256,
		MaxConnections: 100000,
		MaxFrameSize:   4 << 10,
		ReadTimeout:    10 * time.Second,
		WriteTimeout:   10 * time.Second,
		Heartbeat:      DefaultHeartbeatConfig(),
	}
}

// AdmitFunc decides whether an upgrade request from remoteIP may proceed. A
// rejection carries the number of seconds the client should wait.
type AdmitFunc func(r *http.Request, remoteIP string) (ok bool, retryAfter int)

// errFrameTooLarge closes connections that send frames over MaxFrameSize.
var errFrameTooLarge = errors.New("ws: frame too large")

// Server accepts WebSocket clients and hands their text frames to onMessage.
type Server struct {
	config       ServerConfig
	poller       *poller
	conns        *ConnectionManager
	sessionStore *session.Store // may be nil
	workers      chan struct{}  // semaphore of WorkerPoolSize slots
	httpServer   *http.Server
	startedAt    time.Time

	onMessage    func(conn *Connection, data []byte)
	onConnect    func(conn *Connection)
	onDisconnect func(conn *Connection)
	admit        AdmitFunc
	contexts     func() int

	done     chan struct{}
	stopOnce sync.Once
}

// NewServer creates a Server. onMessage runs on a worker goroutine for every
// complete text frame a client sends.
func NewServer(config ServerConfig, sessionStore *session.Store, onMessage func(conn *Connection, data []byte)) *Server {
	def := DefaultServerConfig()
	if config.WorkerPoolSize <= 0 {
		config.WorkerPoolSize = def.WorkerPoolSize
	}
	if config.MaxFrameSize <= 0 {
		config.MaxFrameSize = def.MaxFrameSize
	}
	return &Server{
		config:       config,
		conns:        NewConnectionManager(),
		sessionStore: sessionStore,
		workers:      make(chan struct{}, config.WorkerPoolSize),
		onMessage:    onMessage,
		done:         make(chan struct{}),
	}
}

// Start listens on the configured address and serves until Shutdown.
func (s *Server) Start() error {
	l, err := net.Listen("tcp", s.config.ListenAddr)
	if err != nil {
		return fmt.Errorf("ws: listen %s: %w", s.config.ListenAddr, err)
	}
	return s.Serve(l)
}

// Serve accepts connections on l and blocks until Shutdown. Besides /ws it
// serves /health and /metrics.
func (s *Server) Serve(l net.Listener) error {
	p, err := newPoller()
	if err != nil {
		return err
	}
	s.poller = p
	s.startedAt = time.Now()

	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleUpgrade)
	mux.HandleFunc("/health", s.handleHealth)
	mux.Handle("/metrics", metrics.Handler())
	s.httpServer = &http.Server{Addr: l.Addr().String(), Handler: mux}

	go s.startEventLoop()
	StartHeartbeat(s, s.config.Heartbeat)

	log.Printf("ws: listening on %s (workers=%d, max_conns=%d, max_frame=%d)",
		l.Addr(), s.config.WorkerPoolSize, s.config.MaxConnections, s.config.MaxFrameSize)

	if err := s.httpServer.Serve(l); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("ws: serve: %w", err)
	}
	return nil
}

// checkUpgrade validates an upgrade request before the handshake. A non-zero
// status rejects it.
func (s *Server) checkUpgrade(w http.ResponseWriter, r *http.Request) (participant, remoteIP string, status int) {
	if s.conns.Count() >= s.config.MaxConnections {
		return "", "", http.StatusServiceUnavailable
	}

	// Without a participant id the connection gets a random one.
	participant = r.URL.Query().Get("participant")
	if participant == "" {
		participant = uuid.NewString()
	} else if !ValidParticipant(participant) {
		return "", "", http.StatusBadRequest
	}

	remoteIP = ClientIP(r)
	if s.admit != nil {
		if ok, retryAfter := s.admit(r, remoteIP); !ok {
			w.Header().Set("Retry-After", strconv.Itoa(retryAfter))
			return "", "", http.StatusTooManyRequests
		}
	}
	return participant, remoteIP, 0
}

func (s *Server) handleUpgrade(w http.ResponseWriter, r *http.Request) {
	participant, remoteIP, status := s.checkUpgrade(w, r)
	if status != 0 {
		http.Error(w, strings.ToLower(http.StatusText(status)), status)
		return
	}

	conn, _, _, err := ws.UpgradeHTTP(r, w)
	if err != nil {
		log.Printf("ws: upgrade ip=%s: %v", remoteIP, err)
		return
	}

	token, readConn, err := s.poller.Add(conn)
	if err != nil {
		log.Printf("ws: watch ip=%s: %v", remoteIP, err)
		conn.Close()
		return
	}

	c := &Connection{
		ID:          uuid.NewString(),
		Participant: participant,
		RemoteIP:    remoteIP,
		Conn:        readConn,
		CreatedAt:   time.Now(),
		token:       token,

		writeTimeout: s.config.WriteTimeout,
	}
	c.Touch()
	s.conns.Add(c)
	metrics.ConnectionsTotal.Inc()

	if s.sessionStore != nil {
		ctx, cancel := context.WithTimeout(context.Background(), sessionTimeout)
		if err := s.sessionStore.Create(ctx, c.ID, participant); err != nil {
			log.Printf("ws: create session %s: %v", c.ID, err)
		}
		cancel()
	}

	Send(c, protocol.TypeSessionCreated, protocol.SessionCreatedMsg{
		SessionID:     c.ID,
		ParticipantID: participant,
	})
	if s.onConnect != nil {
		s.onConnect(c)
	}

	log.Printf("ws: connected session=%s participant=%s ip=%s (total=%d)",
		c.ID, participant, remoteIP, s.conns.Count())
}

// ValidParticipant reports whether id is acceptable as a participant id:
// non-empty, bounded, and free of whitespace and control characters.
func ValidParticipant(id string) bool {
	if id == "" || len(id) > maxParticipantLen {
		return false
	}
	return strings.IndexFunc(id, func(r rune) bool {
		return unicode.IsSpace(r) || unicode.IsControl(r)
	}) < 0
}

// ClientIP returns the client address of r, preferring the first
// X-Forwarded-For entry set by the load balancer.
func ClientIP(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		first, _, _ := strings.Cut(fwd, ",")
		if ip := strings.TrimSpace(first); ip != "" {
			return ip
		}
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

type healthResponse struct {
	Status      string `json:"status"`
	Connections int    `json:"connections"`
	Contexts    int    `json:"contexts"`
	Uptime      string `json:"uptime"`
}

// handleHealth reports liveness for the load balancer.
func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	resp := healthResponse{
		Status:      "ok",
		Connections: s.conns.Count(),
		Uptime:      time.Since(s.startedAt).Round(time.Second).String(),
	}
	if s.contexts != nil {
		resp.Contexts = s.contexts()
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(resp)
}

// startEventLoop hands every readable connection to a worker until Shutdown.
func (s *Server) startEventLoop() {
	for {
		select {
		case <-s.done:
			return
		default:
		}

		tokens, err := s.poller.Wait(pollTimeout)
		if err != nil {
			select {
			case <-s.done:
				return
			default:
			}
			log.Printf("ws: poll: %v", err)
			continue
		}

		for _, token := range tokens {
			s.workers <- struct{}{}
			go func() {
				defer func() { <-s.workers }()
				s.handleConn(token)
			}()
		}
	}
}

// handleConn reads one frame from a readable connection. The connection is
// rearmed afterwards unless it was removed.
func (s *Server) handleConn(token int) {
	c := s.conns.byPollerToken(token)
	if c == nil {
		// Readable before handleUpgrade registered it.
		s.poller.Rearm(token)
		return
	}

	// Level-triggered readiness may dispatch the same connection twice.
	if !c.reading.CompareAndSwap(false, true) {
		return
	}
	defer s.poller.Rearm(token)
	defer c.reading.Store(false)

	data, err := s.readFrame(c)
	var netErr net.Error
	switch {
	case errors.As(err, &netErr) && netErr.Timeout():
		// Readable but no complete frame; the heartbeat reaps dead peers.
	case err != nil:
		if errors.Is(err, errFrameTooLarge) {
			log.Printf("ws: session=%s sent an oversized frame", c.ID)
		}
		s.RemoveConnection(c)
	case len(data) > 0 && s.onMessage != nil:
		s.onMessage(c, data)
	}
}

// readFrame reads the next frame from c. Control frames return no data and
// a ping is answered with a pong carrying its payload; a close frame returns
// io.EOF.
func (s *Server) readFrame(c *Connection) ([]byte, error) {
	if s.config.ReadTimeout > 0 {
		_ = c.Conn.SetReadDeadline(time.Now().Add(s.config.ReadTimeout))
		defer c.Conn.SetReadDeadline(time.Time{})
	}

	header, body, err := wsutil.NextReader(c.Conn, ws.StateServerSide)
	if err != nil {
		return nil, err
	}
	c.Touch()

	switch {
	case header.OpCode == ws.OpClose:
		return nil, io.EOF
	case header.OpCode.IsControl():
		payload := make([]byte, header.Length)
		if _, err := io.ReadFull(body, payload); err != nil {
			return nil, err
		}
		if header.OpCode == ws.OpPing {
			err := c.writeWithin(s.config.WriteTimeout, func(w net.Conn) error {
				return ws.WriteFrame(w, ws.NewPongFrame(payload))
			})
			if err != nil {
				return nil, fmt.Errorf("ws: pong: %w", err)
			}
		}
		return nil, nil
	case header.Length > int64(s.config.MaxFrameSize):
		return nil, errFrameTooLarge
	}

	data := make([]byte, header.Length)
	if _, err := io.ReadFull(body, data); err != nil {
		return nil, err
	}
	return data, nil
}

// SetOnConnect registers a callback run after the client has been sent its
// session id. Set it before Start.
func (s *Server) SetOnConnect(fn func(conn *Connection)) {
	s.onConnect = fn
}

// SetOnDisconnect registers a callback run once per removed connection,
// before its Redis session is deleted.
func (s *Server) SetOnDisconnect(fn func(conn *Connection)) {
	s.onDisconnect = fn
}

// SetAdmit installs a guard consulted before each upgrade.
func (s *Server) SetAdmit(fn AdmitFunc) {
	s.admit = fn
}

// SetContextCounter installs the source of the /health contexts figure.
func (s *Server) SetContextCounter(fn func() int) {
	s.contexts = fn
}

// RemoveConnection unwatches and closes c, then runs the disconnect path.
// Concurrent removals of the same connection run that path once.
func (s *Server) RemoveConnection(c *Connection) {
	if s.poller != nil {
		if err := s.poller.Remove(c.token); err != nil {
			log.Printf("ws: unwatch session=%s: %v", c.ID, err)
		}
	}
	if !s.conns.Remove(c.ID) {
		return
	}
	metrics.ConnectionsTotal.Dec()

	if s.onDisconnect != nil {
		s.onDisconnect(c)
	}
	if s.sessionStore != nil {
		ctx, cancel := context.WithTimeout(context.Background(), sessionTimeout)
		if err := s.sessionStore.Delete(ctx, c.ID); err != nil {
			log.Printf("ws: delete session %s: %v", c.ID, err)
		}
		cancel()
	}

	log.Printf("ws: disconnected session=%s (total=%d)", c.ID, s.conns.Count())
}

// SendMessage writes a text frame to the connection with session id connID,
// bounded by the configured write timeout. It is safe for concurrent use.
func (s *Server) SendMessage(connID string, data []byte) error {
	c := s.conns.Get(connID)
	if c == nil {
		return fmt.Errorf("ws: connection %s not found", connID)
	}
	return c.WriteMessage(data)
}

func (s *Server) Connections() *ConnectionManager {
	return s.conns
}

// Shutdown stops accepting upgrades, removes every connection through the
// normal disconnect path and releases the poller.
func (s *Server) Shutdown() error {
	log.Println("ws: shutting down")
	s.stopOnce.Do(func() { close(s.done) })

	if s.httpServer != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.httpServer.Shutdown(ctx); err != nil {
			log.Printf("ws: http shutdown: %v", err)
		}
	}

	conns := s.conns.All()
	for _, c := range conns {
		s.RemoveConnection(c)
	}
	if s.poller != nil {
		_ = s.poller.Close()
	}

	log.Printf("ws: stopped, closed %d connections", len(conns))
	return nil
}
