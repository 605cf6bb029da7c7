// Package messaging provides a NATS client wrapper for pub/sub messaging
// between presence gateway instances. It handles connection lifecycle,
// keyed subscriptions, and the mapping from typing channel names to NATS
// subjects.
package messaging

import (
	"encoding/base64"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
)

// SubjectTyping is the root of all typing subjects: typing.<encoded key>.
const SubjectTyping = "typing"

// TypingSubject maps a channel name ("typing:<context_key>") to its NATS
// subject. The key is base64url encoded, which yields a single subject token
// with no wildcards and keeps distinct keys on distinct subjects. Names
// without the typing: prefix are encoded as a whole.
func TypingSubject(channel string) string {
	key := strings.TrimPrefix(channel, SubjectTyping+":")
	return SubjectTyping + "." + base64.RawURLEncoding.EncodeToString([]byte(key))
}

// NATSConfig holds NATS connection settings.
type NATSConfig struct {
	URL            string        // nats://localhost:4222
	Name           string        // client name shown in server monitoring
	ConnectTimeout time.Duration // per dial attempt
	ReconnectWait  time.Duration
	MaxReconnects  int           // -1 retries forever
	DrainTimeout   time.Duration // upper bound on Close
}

// DefaultNATSConfig returns the settings typingd runs with.
func DefaultNATSConfig() NATSConfig {
	return NATSConfig{
		URL:            nats.DefaultURL,
		Name:           "typingd",
		ConnectTimeout: 2 * time.Second,
		ReconnectWait:  2 * time.Second,
		MaxReconnects:  -1,
		DrainTimeout:   5 * time.Second,
	}
}

// NATSClient is a NATS connection whose subscriptions are tracked by key.
type NATSClient struct {
	conn   *nats.Conn
	closed chan struct{}

	mu   sync.Mutex
	subs map[string]*nats.Subscription
}

func (cfg NATSConfig) options(closed chan struct{}) []nats.Option {
	return []nats.Option{
		nats.Name(cfg.Name),
		nats.Timeout(cfg.ConnectTimeout),
		nats.ReconnectWait(cfg.ReconnectWait),
		nats.MaxReconnects(cfg.MaxReconnects),
		nats.DrainTimeout(cfg.DrainTimeout),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			log.Printf("[nats] lost connection: %v", err)
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Printf("[nats] back on %s", nc.ConnectedUrl())
		}),
		// Slow consumers land here; the typing feed tolerates the loss.
		nats.ErrorHandler(func(_ *nats.Conn, sub *nats.Subscription, err error) {
			if sub != nil {
				log.Printf("[nats] subject=%s: %v", sub.Subject, err)
				return
			}
			log.Printf("[nats] async error: %v", err)
		}),
		nats.ClosedHandler(func(_ *nats.Conn) {
			close(closed)
		}),
	}
}

// NewNATSClient dials cfg.URL. The initial connection is not retried.
func NewNATSClient(cfg NATSConfig) (*NATSClient, error) {
	closed := make(chan struct{})
	nc, err := nats.Connect(cfg.URL, cfg.options(closed)...)
	if err != nil {
		return nil, fmt.Errorf("messaging: connect %s: %w", cfg.URL, err)
	}
	log.Printf("[nats] connected to %s as %q", nc.ConnectedUrl(), cfg.Name)

	return &NATSClient{
		conn:   nc,
		closed: closed,
		subs:   make(map[string]*nats.Subscription),
	}, nil
}

// Publish sends data on subject.
func (c *NATSClient) Publish(subject string, data []byte) error {
	if err := c.conn.Publish(subject, data); err != nil {
		return fmt.Errorf("messaging: publish %s: %w", subject, err)
	}
	return nil
}

// Subscribe registers a handler for subject under key, replacing whatever
// key held before. Several keys may share a subject, e.g. two local
// participants in one conversation; each gets its own copy of every message.
func (c *NATSClient) Subscribe(key, subject string, handler func(data []byte)) error {
	sub, err := c.conn.Subscribe(subject, func(msg *nats.Msg) {
		handler(msg.Data)
	})
	if err != nil {
		return fmt.Errorf("messaging: subscribe %s: %w", subject, err)
	}
	// Interest must reach the server before the caller's first publish.
	if err := c.conn.Flush(); err != nil {
		log.Printf("[nats] flush after subscribe %s: %v", subject, err)
	}

	c.mu.Lock()
	prev := c.subs[key]
	c.subs[key] = sub
	c.mu.Unlock()

	if prev != nil {
		_ = prev.Unsubscribe()
	}
	return nil
}

// Unsubscribe drops the subscription held under key.
func (c *NATSClient) Unsubscribe(key string) error {
	c.mu.Lock()
	sub, ok := c.subs[key]
	delete(c.subs, key)
	c.mu.Unlock()

	if !ok {
		return fmt.Errorf("messaging: no subscription under %s", key)
	}
	if err := sub.Unsubscribe(); err != nil {
		return fmt.Errorf("messaging: unsubscribe %s: %w", key, err)
	}
	return nil
}

// Connected reports whether the connection is currently usable.
func (c *NATSClient) Connected() bool {
	return c.conn.IsConnected()
}

// Close drains the connection, which delivers in-flight messages to every
// subscription before closing, and waits at most DrainTimeout for it.
func (c *NATSClient) Close() {
	c.mu.Lock()
	n := len(c.subs)
	c.subs = make(map[string]*nats.Subscription)
	c.mu.Unlock()

	if err := c.conn.Drain(); err != nil {
		log.Printf("[nats] drain: %v", err)
		c.conn.Close()
	}
	<-c.closed
	log.Printf("[nats] closed, %d subscriptions drained", n)
}
