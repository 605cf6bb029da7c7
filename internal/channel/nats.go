package channel

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/campusly/presence/internal/messaging"
)

// NATS carries typing channels on NATS subjects (typing.<context_key>).
type NATS struct {
	client *messaging.NATSClient
	seq    atomic.Uint64
	registry
}

// NewNATS creates a transport on an already connected client.
func NewNATS(client *messaging.NATSClient) *NATS {
	return &NATS{client: client}
}

// Subscribe subscribes to the subject derived from channel.
func (t *NATS) Subscribe(ctx context.Context, channel string) (Subscription, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s := &natsSubscription{
		transport: t,
		channel:   channel,
		subject:   messaging.TypingSubject(channel),
		key:       fmt.Sprintf("%s#%d", channel, t.seq.Add(1)),
	}
	err := t.client.Subscribe(s.key, s.subject, func(data []byte) {
		if s.closed.Load() {
			return
		}
		env, err := DecodeEnvelope(data)
		if err != nil {
			return
		}
		s.dispatch(env.Event, env.Payload)
	})
	if err != nil {
		return nil, fmt.Errorf("channel: nats subscribe %s: %w", channel, err)
	}
	t.add(s)
	return s, nil
}

// Close unsubscribes every open subscription.
func (t *NATS) Close() error {
	return t.closeAll()
}

type natsSubscription struct {
	handlerSet
	transport *NATS
	channel   string
	subject   string
	key       string
	closed    atomic.Bool
	once      sync.Once
}

func (s *natsSubscription) Channel() string { return s.channel }

func (s *natsSubscription) Publish(ctx context.Context, event string, payload []byte) error {
	if s.closed.Load() {
		return ErrUnsubscribed
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	data, err := EncodeEnvelope(event, payload)
	if err != nil {
		return err
	}
	return s.transport.client.Publish(s.subject, data)
}

func (s *natsSubscription) Unsubscribe() error {
	var err error
	s.once.Do(func() {
		s.closed.Store(true)
		s.transport.remove(s)
		err = s.transport.client.Unsubscribe(s.key)
	})
	return err
}
