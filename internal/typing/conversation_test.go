package typing

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ThreeDotsLabs/watermill"

	"github.com/campusly/presence/internal/channel"
)

type fakeClock struct {
	ms atomic.Int64
}

func (c *fakeClock) Now() int64      { return c.ms.Load() }
func (c *fakeClock) Set(ms int64)    { c.ms.Store(ms) }
func (c *fakeClock) Advance(d int64) { c.ms.Add(d) }

// changeLog records every ChangeFunc call.
type changeLog struct {
	mu    sync.Mutex
	lists [][]string
}

func (l *changeLog) record(_ string, typists []string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.lists = append(l.lists, typists)
}

func (l *changeLog) snapshot() [][]string {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([][]string, len(l.lists))
	copy(out, l.lists)
	return out
}

func newTransport(t *testing.T) channel.Transport {
	t.Helper()
	tr := channel.NewInProcess(watermill.NopLogger{})
	t.Cleanup(func() { _ = tr.Close() })
	return tr
}

// manualConfig disables the sweep ticker so tests drive sweeps by hand.
func manualConfig(clock *fakeClock) Config {
	cfg := DefaultConfig()
	cfg.SweepInterval = time.Hour
	cfg.Now = clock.Now
	return cfg
}

func mustOpen(t *testing.T, tr channel.Transport, participant, key string, cfg Config, onChange ChangeFunc) *Conversation {
	t.Helper()
	c, err := Open(context.Background(), tr, participant, key, ModeOf(key), cfg, onChange)
	if err != nil {
		t.Fatalf("Open(%s, %s): %v", participant, key, err)
	}
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func TestConversation_AnnouncementReachesPeer(t *testing.T) {
	tr := newTransport(t)
	clock := &fakeClock{}
	key := DirectKey("A", "B")

	a := mustOpen(t, tr, "A", key, manualConfig(clock), nil)
	b := mustOpen(t, tr, "B", key, manualConfig(clock), nil)

	clock.Set(1000)
	d, err := a.NotifyTyping(context.Background())
	if err != nil {
		t.Fatalf("NotifyTyping: %v", err)
	}
	if d != SendNow {
		t.Fatalf("first NotifyTyping = %v, want send_now", d)
	}

	if got := b.Typists(); !equalIDs(got, []string{"A"}) {
		t.Fatalf("B sees %v, want [A]", got)
	}
	if got := a.Typists(); len(got) != 0 {
		t.Fatalf("A sees itself: %v", got)
	}
}

func TestConversation_EndToEndScenario(t *testing.T) {
	tr := newTransport(t)
	clock := &fakeClock{}
	key := DirectKey("A", "B")
	changes := &changeLog{}

	a := mustOpen(t, tr, "A", key, manualConfig(clock), nil)
	b := mustOpen(t, tr, "B", key, manualConfig(clock), changes.record)

	steps := []struct {
		at   int64
		want Decision
	}{
		{0, SendNow},
		{1000, Skip},
		{2600, SendNow},
	}
	for _, s := range steps {
		clock.Set(s.at)
		d, err := a.NotifyTyping(context.Background())
		if err != nil {
			t.Fatalf("NotifyTyping at %d: %v", s.at, err)
		}
		if d != s.want {
			t.Fatalf("NotifyTyping at %d = %v, want %v", s.at, d, s.want)
		}
		if s.at == 0 {
			// sweep at t=0 is the first tick
			b.sweep()
		}
	}

	b.mu.Lock()
	lastSeen, _ := b.tracker.LastSeen("A")
	b.mu.Unlock()
	if lastSeen != 2600 {
		t.Fatalf("B lastSeen(A) = %d, want 2600", lastSeen)
	}

	for tick := int64(1000); tick <= 7000; tick += 1000 {
		clock.Set(tick)
		b.sweep()
		if got := b.Typists(); !equalIDs(got, []string{"A"}) {
			t.Fatalf("at %d B sees %v, want [A]", tick, got)
		}
	}

	clock.Set(7599)
	if got := b.Typists(); !equalIDs(got, []string{"A"}) {
		t.Fatalf("at 7599 B sees %v, want [A]", got)
	}
	clock.Set(7600)
	if got := b.Typists(); len(got) != 0 {
		t.Fatalf("at 7600 B still sees %v", got)
	}

	clock.Set(8000)
	b.sweep()
	b.mu.Lock()
	held := b.tracker.Len()
	b.mu.Unlock()
	if held != 0 {
		t.Fatalf("sweep at 8000 left %d records", held)
	}

	lists := changes.snapshot()
	if len(lists) != 2 {
		t.Fatalf("expected 2 change notifications, got %d: %v", len(lists), lists)
	}
	if !equalIDs(lists[0], []string{"A"}) || len(lists[1]) != 0 {
		t.Errorf("unexpected change sequence: %v", lists)
	}
}

func TestConversation_MalformedPayloadsDropped(t *testing.T) {
	tr := newTransport(t)
	clock := &fakeClock{}
	clock.Set(100)
	key := GroupKey("study-group")

	b := mustOpen(t, tr, "B", key, manualConfig(clock), nil)

	raw, err := tr.Subscribe(context.Background(), ChannelName(key))
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	defer raw.Unsubscribe()

	ctx := context.Background()
	for _, payload := range []string{
		`{"timestampMs":100}`,
		`{"participantId":"X"}`,
		`not json`,
		`{"participantId":"Z","timestampMs":100,"contextMode":"group"}`,
	} {
		if err := raw.Publish(ctx, EventTyping, []byte(payload)); err != nil {
			t.Fatalf("Publish(%s): %v", payload, err)
		}
	}

	if got := b.Typists(); !equalIDs(got, []string{"Z"}) {
		t.Fatalf("B sees %v, want [Z]", got)
	}
}

func TestConversation_SelfAnnouncementIgnored(t *testing.T) {
	tr := newTransport(t)
	clock := &fakeClock{}
	key := GroupKey("g")

	b := mustOpen(t, tr, "B", key, manualConfig(clock), nil)
	other := mustOpen(t, tr, "B", key, manualConfig(clock), nil) // same identity, second device

	if _, err := other.NotifyTyping(context.Background()); err != nil {
		t.Fatalf("NotifyTyping: %v", err)
	}
	if got := b.Typists(); len(got) != 0 {
		t.Fatalf("own identity shown as typing: %v", got)
	}
}

func TestConversation_ExpiredPeerReturnsBeforeSweep(t *testing.T) {
	tr := newTransport(t)
	clock := &fakeClock{}
	key := DirectKey("A", "B")
	changes := &changeLog{}

	a := mustOpen(t, tr, "A", key, manualConfig(clock), nil)
	b := mustOpen(t, tr, "B", key, manualConfig(clock), changes.record)

	clock.Set(1000)
	if _, err := a.NotifyTyping(context.Background()); err != nil {
		t.Fatalf("NotifyTyping: %v", err)
	}

	// past the window with no sweep: A is held but hidden
	clock.Set(7000)
	if got := b.Typists(); len(got) != 0 {
		t.Fatalf("B sees expired %v", got)
	}
	if d, err := a.NotifyTyping(context.Background()); err != nil || d != SendNow {
		t.Fatalf("NotifyTyping = %v, %v", d, err)
	}

	if got := b.Typists(); !equalIDs(got, []string{"A"}) {
		t.Fatalf("B sees %v, want [A]", got)
	}
	lists := changes.snapshot()
	if len(lists) != 2 || !equalIDs(lists[0], []string{"A"}) || !equalIDs(lists[1], []string{"A"}) {
		t.Fatalf("changes = %v, want [[A] [A]]", lists)
	}
}

func TestConversation_ContextsAreIndependent(t *testing.T) {
	tr := newTransport(t)
	clock := &fakeClock{}

	a1 := mustOpen(t, tr, "A", GroupKey("one"), manualConfig(clock), nil)
	a2 := mustOpen(t, tr, "A", GroupKey("two"), manualConfig(clock), nil)
	b1 := mustOpen(t, tr, "B", GroupKey("one"), manualConfig(clock), nil)
	b2 := mustOpen(t, tr, "B", GroupKey("two"), manualConfig(clock), nil)

	ctx := context.Background()
	if d, _ := a1.NotifyTyping(ctx); d != SendNow {
		t.Fatalf("a1 first = %v", d)
	}
	// Throttle state is per context: a2's first request is exempt too.
	if d, _ := a2.NotifyTyping(ctx); d != SendNow {
		t.Fatalf("a2 first = %v", d)
	}

	if got := b1.Typists(); !equalIDs(got, []string{"A"}) {
		t.Errorf("b1 sees %v", got)
	}
	if got := b2.Typists(); !equalIDs(got, []string{"A"}) {
		t.Errorf("b2 sees %v", got)
	}

	if err := a2.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	clock.Advance(3000)
	if d, _ := a1.NotifyTyping(ctx); d != SendNow {
		t.Errorf("a1 after closing a2 = %v", d)
	}
}

func TestConversation_Close(t *testing.T) {
	tr := newTransport(t)
	clock := &fakeClock{}
	key := DirectKey("A", "B")
	changes := &changeLog{}

	a := mustOpen(t, tr, "A", key, manualConfig(clock), nil)
	b, err := Open(context.Background(), tr, "B", key, ModeDirect, manualConfig(clock), changes.record)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}

	if _, err := a.NotifyTyping(context.Background()); err != nil {
		t.Fatalf("NotifyTyping: %v", err)
	}
	before := len(changes.snapshot())

	if err := b.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := b.Close(); err != nil {
		t.Fatalf("second Close: %v", err)
	}

	if got := b.Typists(); len(got) != 0 {
		t.Errorf("state survived close: %v", got)
	}
	if _, err := b.NotifyTyping(context.Background()); !errors.Is(err, ErrClosed) {
		t.Errorf("NotifyTyping after close error = %v, want ErrClosed", err)
	}

	clock.Advance(5000)
	if _, err := a.NotifyTyping(context.Background()); err != nil {
		t.Fatalf("NotifyTyping: %v", err)
	}
	b.sweep()
	if after := len(changes.snapshot()); after != before {
		t.Errorf("change callback fired after close (%d -> %d)", before, after)
	}
}

func TestConversation_SweepTimerEvicts(t *testing.T) {
	tr := newTransport(t)
	cfg := Config{
		ExpiryWindow:     300 * time.Millisecond,
		ThrottleInterval: 100 * time.Millisecond,
		SweepInterval:    10 * time.Millisecond,
	}
	key := DirectKey("A", "B")

	a := mustOpen(t, tr, "A", key, cfg, nil)
	b := mustOpen(t, tr, "B", key, cfg, nil)

	if _, err := a.NotifyTyping(context.Background()); err != nil {
		t.Fatalf("NotifyTyping: %v", err)
	}
	if got := b.Typists(); !equalIDs(got, []string{"A"}) {
		t.Fatalf("B sees %v, want [A]", got)
	}

	deadline := time.Now().Add(2 * time.Second)
	for {
		b.mu.Lock()
		held := b.tracker.Len()
		b.mu.Unlock()
		if held == 0 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("sweep timer never evicted A")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

type failingTransport struct{}

func (failingTransport) Subscribe(context.Context, string) (channel.Subscription, error) {
	return nil, errors.New("transport unavailable")
}

func (failingTransport) Close() error { return nil }

func TestOpen_Errors(t *testing.T) {
	if _, err := Open(context.Background(), failingTransport{}, "A", GroupKey("g"), ModeGroup, DefaultConfig(), nil); err == nil {
		t.Error("expected subscribe failure to surface")
	}
	tr := newTransport(t)
	if _, err := Open(context.Background(), tr, "", GroupKey("g"), ModeGroup, DefaultConfig(), nil); err == nil {
		t.Error("expected error for empty participant")
	}
	if _, err := Open(context.Background(), tr, "A", "", ModeGroup, DefaultConfig(), nil); err == nil {
		t.Error("expected error for empty key")
	}
}

// brokenSubscription accepts subscriptions but fails every publish.
type brokenSubscription struct {
	channel string
}

func (s *brokenSubscription) Channel() string { return s.channel }

func (s *brokenSubscription) Publish(context.Context, string, []byte) error {
	return errors.New("disconnected")
}

func (s *brokenSubscription) OnEvent(string, channel.Handler) {}

func (s *brokenSubscription) Unsubscribe() error { return nil }

type brokenTransport struct{}

func (brokenTransport) Subscribe(_ context.Context, name string) (channel.Subscription, error) {
	return &brokenSubscription{channel: name}, nil
}

func (brokenTransport) Close() error { return nil }

func TestConversation_PublishFailureDroppedNotRetried(t *testing.T) {
	clock := &fakeClock{}
	c, err := Open(context.Background(), brokenTransport{}, "A", GroupKey("g"), ModeGroup, manualConfig(clock), nil)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer c.Close()

	d, err := c.NotifyTyping(context.Background())
	if d != SendNow || err == nil {
		t.Fatalf("NotifyTyping = %v, %v; want send_now with error", d, err)
	}

	// The failed attempt still counts for the throttle window.
	clock.Set(1000)
	if d, err := c.NotifyTyping(context.Background()); d != Skip || err != nil {
		t.Fatalf("NotifyTyping inside window = %v, %v; want skip", d, err)
	}
	clock.Set(2500)
	if d, _ := c.NotifyTyping(context.Background()); d != SendNow {
		t.Fatalf("NotifyTyping after window = %v, want send_now", d)
	}
}
