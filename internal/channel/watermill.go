package channel

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"
	rstream "github.com/ThreeDotsLabs/watermill-redisstream/pkg/redisstream"
	"github.com/redis/go-redis/v9"
)

// MetadataEvent is the watermill metadata key holding the event name.
const MetadataEvent = "event"

// Watermill carries typing channels as watermill topics. Each subscription
// must receive every message on its topic, so the subscriber has to run in
// fan-out mode (gochannel, or redisstream without a consumer group).
type Watermill struct {
	pub    message.Publisher
	sub    message.Subscriber
	closer func() error
	registry
}

// NewWatermill creates a transport on an existing publisher/subscriber pair.
// Closing the transport does not close them.
func NewWatermill(pub message.Publisher, sub message.Subscriber) *Watermill {
	return &Watermill{pub: pub, sub: sub}
}

// NewInProcess returns a transport backed by watermill go channels, one per
// topic. Only subscriptions made through the returned transport see each
// other's messages, which makes it suitable for a single gateway node and
// tests. Publish waits for every subscriber on the topic to take the
// message, so messages on a channel are delivered in publish order. A slow
// handler only holds up its own topic.
func NewInProcess(logger watermill.LoggerAdapter) *Watermill {
	ps := newTopicPubSub(logger)
	return &Watermill{pub: ps, sub: ps, closer: ps.Close}
}

// topicPubSub gives every topic its own GoChannel. A GoChannel holds one
// lock across a blocking publish and new subscriptions need it too, so
// sharing one between topics couples unrelated channels. A topic's
// GoChannel is created by its first subscriber and closed with its last.
type topicPubSub struct {
	logger watermill.LoggerAdapter

	mu     sync.Mutex
	topics map[string]*topicChannel
	closed bool
}

type topicChannel struct {
	gc   *gochannel.GoChannel
	refs int
}

func newTopicPubSub(logger watermill.LoggerAdapter) *topicPubSub {
	if logger == nil {
		logger = watermill.NopLogger{}
	}
	return &topicPubSub{logger: logger, topics: make(map[string]*topicChannel)}
}

func (p *topicPubSub) Subscribe(ctx context.Context, topic string) (<-chan *message.Message, error) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil, errors.New("channel: in-process transport closed")
	}
	tc, ok := p.topics[topic]
	if !ok {
		tc = &topicChannel{gc: gochannel.NewGoChannel(gochannel.Config{
			OutputChannelBuffer:            64,
			BlockPublishUntilSubscriberAck: true,
		}, p.logger)}
		p.topics[topic] = tc
	}
	tc.refs++
	p.mu.Unlock()

	msgs, err := tc.gc.Subscribe(ctx, topic)
	if err != nil {
		p.release(topic, tc)
		return nil, err
	}
	go func() {
		<-ctx.Done()
		p.release(topic, tc)
	}()
	return msgs, nil
}

func (p *topicPubSub) release(topic string, tc *topicChannel) {
	p.mu.Lock()
	tc.refs--
	last := tc.refs == 0 && p.topics[topic] == tc
	if last {
		delete(p.topics, topic)
	}
	p.mu.Unlock()

	if last {
		_ = tc.gc.Close()
	}
}

// Publish drops messages for topics nobody subscribes to.
func (p *topicPubSub) Publish(topic string, msgs ...*message.Message) error {
	p.mu.Lock()
	tc, ok := p.topics[topic]
	p.mu.Unlock()
	if !ok {
		return nil
	}
	return tc.gc.Publish(topic, msgs...)
}

func (p *topicPubSub) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	topics := p.topics
	p.topics = make(map[string]*topicChannel)
	p.mu.Unlock()

	var firstErr error
	for _, tc := range topics {
		if err := tc.gc.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// NewRedisStream returns a transport backed by Redis Streams, one stream per
// channel. Subscribers run in fan-out mode and start at the stream tail.
func NewRedisStream(rdb *redis.Client, logger watermill.LoggerAdapter) (*Watermill, error) {
	marshaller := rstream.DefaultMarshallerUnmarshaller{}

	pub, err := rstream.NewPublisher(rstream.PublisherConfig{
		Client:     rdb,
		Marshaller: marshaller,
	}, logger)
	if err != nil {
		return nil, fmt.Errorf("channel: redisstream publisher: %w", err)
	}

	sub, err := rstream.NewSubscriber(rstream.SubscriberConfig{
		Client:       rdb,
		Unmarshaller: marshaller,
	}, logger)
	if err != nil {
		_ = pub.Close()
		return nil, fmt.Errorf("channel: redisstream subscriber: %w", err)
	}

	return &Watermill{
		pub: pub,
		sub: sub,
		closer: func() error {
			subErr := sub.Close()
			if err := pub.Close(); err != nil {
				return err
			}
			return subErr
		},
	}, nil
}

// Subscribe subscribes to the topic named channel. The subscription outlives
// ctx; only Unsubscribe ends it.
func (t *Watermill) Subscribe(ctx context.Context, channel string) (Subscription, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	subCtx, cancel := context.WithCancel(context.Background())
	msgs, err := t.sub.Subscribe(subCtx, channel)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("channel: watermill subscribe %s: %w", channel, err)
	}

	s := &watermillSubscription{
		transport: t,
		channel:   channel,
		cancel:    cancel,
		done:      make(chan struct{}),
	}
	go s.receiveLoop(msgs)
	t.add(s)
	return s, nil
}

// Close unsubscribes every open subscription and, for transports built by
// NewInProcess or NewRedisStream, closes the publisher and subscriber.
func (t *Watermill) Close() error {
	err := t.closeAll()
	if t.closer != nil {
		if cerr := t.closer(); cerr != nil && err == nil {
			err = cerr
		}
	}
	return err
}

type watermillSubscription struct {
	handlerSet
	transport *Watermill
	channel   string
	cancel    context.CancelFunc
	done      chan struct{}
	mu        sync.RWMutex
	closed    bool
	once      sync.Once
}

func (s *watermillSubscription) receiveLoop(msgs <-chan *message.Message) {
	defer close(s.done)
	for msg := range msgs {
		s.mu.RLock()
		closed := s.closed
		s.mu.RUnlock()
		if !closed {
			s.dispatch(msg.Metadata.Get(MetadataEvent), msg.Payload)
		}
		msg.Ack()
	}
}

func (s *watermillSubscription) Channel() string { return s.channel }

func (s *watermillSubscription) Publish(ctx context.Context, event string, payload []byte) error {
	s.mu.RLock()
	closed := s.closed
	s.mu.RUnlock()
	if closed {
		return ErrUnsubscribed
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	msg := message.NewMessage(watermill.NewUUID(), payload)
	msg.Metadata.Set(MetadataEvent, event)
	msg.SetContext(ctx)
	if err := s.transport.pub.Publish(s.channel, msg); err != nil {
		return fmt.Errorf("channel: watermill publish %s: %w", s.channel, err)
	}
	return nil
}

// Unsubscribe cancels the watermill subscription and waits for its message
// channel to drain. It must not be called from inside a handler of the same
// subscription.
func (s *watermillSubscription) Unsubscribe() error {
	s.once.Do(func() {
		s.mu.Lock()
		s.closed = true
		s.mu.Unlock()
		s.transport.remove(s)
		s.cancel()
		<-s.done
	})
	return nil
}
