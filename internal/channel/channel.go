// Package channel defines the publish/subscribe transport typing presence
// runs on, and implements it over NATS, Redis pub/sub and any watermill
// publisher/subscriber pair (Redis Streams, in-process go channels).
package channel

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
)

// ErrUnsubscribed is returned by Publish on a subscription that has been
// torn down.
var ErrUnsubscribed = errors.New("channel: subscription closed")

// Handler receives the payload of one event delivered on a subscription.
type Handler func(payload []byte)

// Transport opens subscriptions on named broadcast channels. Delivery is
// at-least-once to peers subscribed at publish time.
type Transport interface {
	Subscribe(ctx context.Context, channel string) (Subscription, error)
	// Close unsubscribes every subscription still open. The underlying
	// client connection stays with whoever created it.
	Close() error
}

// Subscription is a handle on one subscribed channel.
type Subscription interface {
	Channel() string
	Publish(ctx context.Context, event string, payload []byte) error
	OnEvent(event string, handler Handler)
	Unsubscribe() error
}

// Envelope wraps an event name and its JSON payload for transports that
// carry a single opaque byte slice per message.
type Envelope struct {
	Event   string          `json:"event"`
	Payload json.RawMessage `json:"payload"`
}

// EncodeEnvelope builds the wire bytes for event. The payload must be a JSON
// document.
func EncodeEnvelope(event string, payload []byte) ([]byte, error) {
	data, err := json.Marshal(Envelope{Event: event, Payload: payload})
	if err != nil {
		return nil, fmt.Errorf("channel: encode %s envelope: %w", event, err)
	}
	return data, nil
}

// DecodeEnvelope parses wire bytes produced by EncodeEnvelope.
func DecodeEnvelope(data []byte) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return Envelope{}, fmt.Errorf("channel: decode envelope: %w", err)
	}
	if env.Event == "" {
		return Envelope{}, fmt.Errorf("channel: envelope without event")
	}
	return env, nil
}

// handlerSet is the event -> handler registry embedded by every
// subscription implementation.
type handlerSet struct {
	mu      sync.RWMutex
	byEvent map[string]Handler
}

// OnEvent registers handler for event, replacing any earlier one.
func (h *handlerSet) OnEvent(event string, handler Handler) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.byEvent == nil {
		h.byEvent = make(map[string]Handler)
	}
	h.byEvent[event] = handler
}

// dispatch calls the handler registered for event. Events nobody listens
// to are dropped.
func (h *handlerSet) dispatch(event string, payload []byte) {
	h.mu.RLock()
	handler := h.byEvent[event]
	h.mu.RUnlock()
	if handler != nil {
		handler(payload)
	}
}

// registry tracks the live subscriptions of a transport so Close can tear
// them down.
type registry struct {
	mu   sync.Mutex
	subs map[Subscription]struct{}
}

func (r *registry) add(s Subscription) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.subs == nil {
		r.subs = make(map[Subscription]struct{})
	}
	r.subs[s] = struct{}{}
}

func (r *registry) remove(s Subscription) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.subs, s)
}

// closeAll unsubscribes every registered subscription and returns the
// first error encountered.
func (r *registry) closeAll() error {
	r.mu.Lock()
	subs := make([]Subscription, 0, len(r.subs))
	for s := range r.subs {
		subs = append(subs, s)
	}
	r.mu.Unlock()

	var first error
	for _, s := range subs {
		if err := s.Unsubscribe(); err != nil && first == nil {
			first = err
		}
	}
	return first
}
