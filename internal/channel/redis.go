package channel

import (
	"context"
	"fmt"
	"sync"

	"github.com/redis/go-redis/v9"
)

// Redis carries typing channels on Redis PUBLISH/SUBSCRIBE. Channel names
// are used verbatim.
type Redis struct {
	rdb *redis.Client
	registry
}

// NewRedis creates a transport on the given client.
func NewRedis(rdb *redis.Client) *Redis {
	return &Redis{rdb: rdb}
}

// Subscribe subscribes to channel and waits for Redis to confirm the
// subscription before returning.
func (t *Redis) Subscribe(ctx context.Context, channel string) (Subscription, error) {
	ps := t.rdb.Subscribe(ctx, channel)
	if _, err := ps.Receive(ctx); err != nil {
		_ = ps.Close()
		return nil, fmt.Errorf("channel: redis subscribe %s: %w", channel, err)
	}

	s := &redisSubscription{
		transport: t,
		channel:   channel,
		ps:        ps,
		stop:      make(chan struct{}),
		done:      make(chan struct{}),
	}
	go s.receiveLoop()
	t.add(s)
	return s, nil
}

// Close unsubscribes every open subscription.
func (t *Redis) Close() error {
	return t.closeAll()
}

type redisSubscription struct {
	handlerSet
	transport *Redis
	channel   string
	ps        *redis.PubSub
	stop      chan struct{}
	done      chan struct{}
	once      sync.Once
}

func (s *redisSubscription) receiveLoop() {
	defer close(s.done)
	msgs := s.ps.Channel()
	for {
		select {
		case <-s.stop:
			return
		case msg, ok := <-msgs:
			if !ok {
				return
			}
			env, err := DecodeEnvelope([]byte(msg.Payload))
			if err != nil {
				continue
			}
			s.dispatch(env.Event, env.Payload)
		}
	}
}

func (s *redisSubscription) Channel() string { return s.channel }

func (s *redisSubscription) Publish(ctx context.Context, event string, payload []byte) error {
	select {
	case <-s.stop:
		return ErrUnsubscribed
	default:
	}
	data, err := EncodeEnvelope(event, payload)
	if err != nil {
		return err
	}
	if err := s.transport.rdb.Publish(ctx, s.channel, data).Err(); err != nil {
		return fmt.Errorf("channel: redis publish %s: %w", s.channel, err)
	}
	return nil
}

// Unsubscribe stops the receive loop and closes the pub/sub connection. It
// must not be called from inside a handler of the same subscription.
func (s *redisSubscription) Unsubscribe() error {
	var err error
	s.once.Do(func() {
		close(s.stop)
		s.transport.remove(s)
		err = s.ps.Close()
		<-s.done
	})
	if err != nil {
		return fmt.Errorf("channel: redis unsubscribe %s: %w", s.channel, err)
	}
	return nil
}
