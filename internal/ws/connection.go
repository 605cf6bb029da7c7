package ws

import (
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
)

// Connection is one upgraded client socket and the participant behind it.
type Connection struct {
	ID          string   // session id, a UUID
	Participant string   // who this connection announces as
	RemoteIP    string   // for per-IP limits
	Conn        net.Conn // frames are read from and written to this
	CreatedAt   time.Time

	token        int
	writeTimeout time.Duration // bounds every write; zero means none
	lastActive   atomic.Int64  // unix nanos
	reading      atomic.Bool   // a worker owns the read side

	writeMu sync.Mutex
}

// Touch records client activity.
func (c *Connection) Touch() {
	c.lastActive.Store(time.Now().UnixNano())
}

// LastActive returns when the client last sent a frame.
func (c *Connection) LastActive() time.Time {
	return time.Unix(0, c.lastActive.Load())
}

// WriteMessage sends data as one text frame, bounded by the server's write
// timeout.
func (c *Connection) WriteMessage(data []byte) error {
	return c.writeWithin(c.writeTimeout, func(w net.Conn) error {
		return wsutil.WriteServerMessage(w, ws.OpText, data)
	})
}

// writeWithin runs write under the write lock, bounded by timeout when it is
// positive. Frames from concurrent writers never interleave, and a deadline
// set for one write never leaks into the next.
func (c *Connection) writeWithin(timeout time.Duration, write func(net.Conn) error) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if timeout > 0 {
		_ = c.Conn.SetWriteDeadline(time.Now().Add(timeout))
		defer c.Conn.SetWriteDeadline(time.Time{})
	}
	return write(c.Conn)
}

// Close closes the socket.
func (c *Connection) Close() error {
	return c.Conn.Close()
}

// ConnectionManager indexes live connections by session id and by poller
// token. It is safe for concurrent use.
type ConnectionManager struct {
	mu      sync.RWMutex
	byID    map[string]*Connection
	byToken map[int]*Connection
}

func NewConnectionManager() *ConnectionManager {
	return &ConnectionManager{
		byID:    make(map[string]*Connection),
		byToken: make(map[int]*Connection),
	}
}

func (cm *ConnectionManager) Add(conn *Connection) {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	cm.byID[conn.ID] = conn
	cm.byToken[conn.token] = conn
}

// Remove unregisters and closes the connection with session id. It reports
// false when another caller already removed it, so exactly one caller runs
// the disconnect path.
func (cm *ConnectionManager) Remove(id string) bool {
	cm.mu.Lock()
	conn := cm.byID[id]
	if conn != nil {
		delete(cm.byID, id)
		delete(cm.byToken, conn.token)
	}
	cm.mu.Unlock()

	if conn == nil {
		return false
	}
	conn.Close()
	return true
}

// Get returns the connection with session id, or nil.
func (cm *ConnectionManager) Get(id string) *Connection {
	cm.mu.RLock()
	defer cm.mu.RUnlock()
	return cm.byID[id]
}

func (cm *ConnectionManager) byPollerToken(token int) *Connection {
	cm.mu.RLock()
	defer cm.mu.RUnlock()
	return cm.byToken[token]
}

func (cm *ConnectionManager) Count() int {
	cm.mu.RLock()
	defer cm.mu.RUnlock()
	return len(cm.byID)
}

// All returns a snapshot of the live connections.
func (cm *ConnectionManager) All() []*Connection {
	cm.mu.RLock()
	defer cm.mu.RUnlock()
	conns := make([]*Connection, 0, len(cm.byID))
	for _, conn := range cm.byID {
		conns = append(conns, conn)
	}
	return conns
}
