package ws

import (
	"log"
	"net"
	"time"

	"github.com/gobwas/ws"
)

// HeartbeatConfig holds heartbeat tuning parameters.
type HeartbeatConfig struct {
	Interval time.Duration // how often to ping; zero disables the heartbeat
	Timeout  time.Duration // grace after Interval before an idle connection is dropped
}

// DefaultHeartbeatConfig returns the production heartbeat: ping every 30s,
// drop after 40s of silence.
func DefaultHeartbeatConfig() HeartbeatConfig {
	return HeartbeatConfig{
		Interval: 30 * time.Second,
		Timeout:  10 * time.Second,
	}
}

// StartHeartbeat pings every connection each Interval and drops those that
// have sent nothing for Interval + Timeout. Dropping a connection runs the
// server's disconnect path, which releases its typing contexts. The goroutine
// exits when the server shuts down.
func StartHeartbeat(server *Server, config HeartbeatConfig) {
	if config.Interval <= 0 {
		return
	}
	go func() {
		ticker := time.NewTicker(config.Interval)
		defer ticker.Stop()

		for {
			select {
			case <-server.done:
				return
			case <-ticker.C:
				if n := checkConnections(server, config, time.Now()); n > 0 {
					log.Printf("ws: heartbeat dropped %d connections (total=%d)", n, server.conns.Count())
				}
			}
		}
	}()
}

// checkConnections drops connections idle past the deadline at now and pings
// the rest. It returns how many connections were dropped.
func checkConnections(server *Server, config HeartbeatConfig, now time.Time) int {
	deadline := config.Interval + config.Timeout
	dropped := 0

	for _, c := range server.Connections().All() {
		if idle := now.Sub(c.LastActive()); idle > deadline {
			log.Printf("ws: heartbeat timeout session=%s participant=%s last_activity=%s ago",
				c.ID, c.Participant, idle.Round(time.Second))
			server.RemoveConnection(c)
			dropped++
			continue
		}

		if err := c.WritePing(server.config.WriteTimeout); err != nil {
			log.Printf("ws: heartbeat ping failed session=%s: %v", c.ID, err)
			server.RemoveConnection(c)
			dropped++
		}
	}
	return dropped
}

// WritePing sends a WebSocket ping frame, giving up after timeout when it is
// positive. Clients answer with a pong, which counts as activity.
func (c *Connection) WritePing(timeout time.Duration) error {
	return c.writeWithin(timeout, func(w net.Conn) error {
		return ws.WriteFrame(w, ws.NewPingFrame(nil))
	})
}
