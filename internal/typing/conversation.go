package typing

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/campusly/presence/internal/channel"
	"github.com/campusly/presence/internal/metrics"
)

// DefaultSweepInterval is the cadence at which expired peers are evicted.
const DefaultSweepInterval = 1000 * time.Millisecond

// ErrClosed is returned by operations on a closed Conversation.
var ErrClosed = errors.New("typing: conversation closed")

// Config holds the timing parameters of a conversation context.
type Config struct {
	ExpiryWindow     time.Duration // peer visibility without refresh (default: 5s)
	ThrottleInterval time.Duration // min spacing of local announcements (default: 2.5s)
	SweepInterval    time.Duration // eviction cadence (default: 1s)

	// Now returns the current time in Unix milliseconds. Nil means the wall
	// clock.
	Now func() int64
}

// DefaultConfig returns the standard timings.
func DefaultConfig() Config {
	return Config{
		ExpiryWindow:     DefaultExpiryWindow,
		ThrottleInterval: DefaultThrottleInterval,
		SweepInterval:    DefaultSweepInterval,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.ExpiryWindow <= 0 {
		c.ExpiryWindow = d.ExpiryWindow
	}
	if c.ThrottleInterval <= 0 {
		c.ThrottleInterval = d.ThrottleInterval
	}
	if c.SweepInterval <= 0 {
		c.SweepInterval = d.SweepInterval
	}
	if c.Now == nil {
		c.Now = func() int64 { return time.Now().UnixMilli() }
	}
	return c
}

// ChangeFunc is called with the visible typists of a context whenever that
// list changes. It runs outside the conversation's state lock, so it may
// call Typists, but it must not call Close.
type ChangeFunc func(contextKey string, typists []string)

// Conversation is one open conversation context: a channel subscription
// plus the tracker and throttle that belong to it. All entry points are
// serialized, so the tracker and throttle see a single logical thread.
type Conversation struct {
	key           string
	mode          Mode
	participantID string
	cfg           Config
	sub           channel.Subscription
	onChange      ChangeFunc

	// emitMu orders state changes together with their ChangeFunc call so
	// observers never see lists out of order.
	emitMu   sync.Mutex
	mu       sync.Mutex
	tracker  *Tracker
	throttle *Throttle
	closed   bool

	stop      chan struct{}
	done      chan struct{}
	closeOnce sync.Once
	closeErr  error
}

// Open subscribes to the typing channel of contextKey and starts the sweep
// loop. onChange may be nil.
func Open(ctx context.Context, t channel.Transport, participantID, contextKey string, mode Mode, cfg Config, onChange ChangeFunc) (*Conversation, error) {
	if participantID == "" {
		return nil, fmt.Errorf("typing: open %s: empty participant id", contextKey)
	}
	if contextKey == "" {
		return nil, fmt.Errorf("typing: open: empty context key")
	}
	cfg = cfg.withDefaults()

	sub, err := t.Subscribe(ctx, ChannelName(contextKey))
	if err != nil {
		return nil, fmt.Errorf("typing: open %s: %w", contextKey, err)
	}

	c := &Conversation{
		key:           contextKey,
		mode:          mode,
		participantID: participantID,
		cfg:           cfg,
		sub:           sub,
		onChange:      onChange,
		tracker:       NewTracker(participantID, cfg.ExpiryWindow),
		throttle:      NewThrottle(cfg.ThrottleInterval),
		stop:          make(chan struct{}),
		done:          make(chan struct{}),
	}
	sub.OnEvent(EventTyping, c.handleAnnouncement)
	go c.sweepLoop()

	metrics.OpenContexts.Inc()
	return c, nil
}

// Key returns the context key.
func (c *Conversation) Key() string { return c.key }

// Mode returns the conversation mode carried in outgoing announcements.
func (c *Conversation) Mode() Mode { return c.mode }

// Channel returns the name of the subscribed channel.
func (c *Conversation) Channel() string { return c.sub.Channel() }

// NotifyTyping handles one local "user is typing" signal. If the throttle
// allows it, an announcement is published; a publish failure is returned
// but not retried, and the throttle window still counts from this attempt.
func (c *Conversation) NotifyTyping(ctx context.Context) (Decision, error) {
	now := c.cfg.Now()

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return Skip, ErrClosed
	}
	decision := c.throttle.RequestAnnounce(now)
	c.mu.Unlock()

	if decision == Skip {
		metrics.AnnouncementsTotal.WithLabelValues(metrics.OutcomeSkipped).Inc()
		return Skip, nil
	}

	payload, err := Announcement{
		ParticipantID: c.participantID,
		TimestampMs:   now,
		ContextMode:   c.mode,
	}.Marshal()
	if err != nil {
		return SendNow, err
	}
	if err := c.sub.Publish(ctx, EventTyping, payload); err != nil {
		metrics.AnnouncementsTotal.WithLabelValues(metrics.OutcomeDropped).Inc()
		return SendNow, fmt.Errorf("typing: announce in %s: %w", c.key, err)
	}
	metrics.AnnouncementsTotal.WithLabelValues(metrics.OutcomeSent).Inc()
	return SendNow, nil
}

// Typists returns the participants currently typing, in the order they
// started.
func (c *Conversation) Typists() []string {
	now := c.cfg.Now()
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.tracker.TypistsAt(now)
}

// handleAnnouncement is the transport callback for typing events.
func (c *Conversation) handleAnnouncement(payload []byte) {
	a, err := ParseAnnouncement(payload)
	if err != nil {
		metrics.AnnouncementsTotal.WithLabelValues(metrics.OutcomeMalformed).Inc()
		return
	}
	if a.ParticipantID == c.participantID {
		metrics.AnnouncementsTotal.WithLabelValues(metrics.OutcomeSelf).Inc()
		return
	}

	c.emitMu.Lock()
	defer c.emitMu.Unlock()

	now := c.cfg.Now()
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	before := c.tracker.TypistsAt(now)
	c.tracker.OnRemoteAnnouncement(a.ParticipantID, a.TimestampMs)
	after := c.tracker.TypistsAt(now)
	c.mu.Unlock()

	metrics.AnnouncementsTotal.WithLabelValues(metrics.OutcomeReceived).Inc()
	if !slices.Equal(before, after) {
		c.emit(after)
	}
}

func (c *Conversation) sweepLoop() {
	defer close(c.done)

	ticker := time.NewTicker(c.cfg.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.stop:
			return
		case <-ticker.C:
			c.sweep()
		}
	}
}

// sweep evicts expired peers and reports the new list if anyone left.
func (c *Conversation) sweep() {
	c.emitMu.Lock()
	defer c.emitMu.Unlock()

	now := c.cfg.Now()
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	removed := c.tracker.Sweep(now)
	typists := c.tracker.CurrentTypists()
	c.mu.Unlock()

	if removed > 0 {
		metrics.EvictionsTotal.Add(float64(removed))
		c.emit(typists)
	}
}

func (c *Conversation) emit(typists []string) {
	if c.onChange != nil {
		c.onChange(c.key, typists)
	}
}

// Close stops the sweep loop, discards all typing state and unsubscribes
// from the channel. After Close returns no ChangeFunc call is in flight or
// will start. Close is idempotent.
func (c *Conversation) Close() error {
	c.closeOnce.Do(func() {
		c.emitMu.Lock()
		c.mu.Lock()
		c.closed = true
		c.tracker.Reset()
		c.throttle.Reset()
		c.mu.Unlock()
		c.emitMu.Unlock()

		close(c.stop)
		<-c.done

		if err := c.sub.Unsubscribe(); err != nil {
			c.closeErr = fmt.Errorf("typing: close %s: %w", c.key, err)
		}
		metrics.OpenContexts.Dec()
	})
	return c.closeErr
}
