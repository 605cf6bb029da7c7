package typing

import (
	"context"
	"errors"
	"sync"
	"testing"
)

func TestManager_OpenIsIdempotent(t *testing.T) {
	tr := newTransport(t)
	m := NewManager(tr, "A", manualConfig(&fakeClock{}), nil)
	defer m.CloseAll()

	key := GroupKey("g")
	c1, err := m.Open(context.Background(), key, ModeGroup)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	c2, err := m.Open(context.Background(), key, ModeGroup)
	if err != nil {
		t.Fatalf("second Open: %v", err)
	}
	if c1 != c2 {
		t.Fatal("second Open created a new conversation")
	}
	if m.Len() != 1 {
		t.Fatalf("Len = %d, want 1", m.Len())
	}
	if m.Get(key) != c1 {
		t.Fatal("Get returned a different conversation")
	}
}

func TestManager_NotOpen(t *testing.T) {
	m := NewManager(newTransport(t), "A", DefaultConfig(), nil)

	if _, err := m.Notify(context.Background(), "group:missing"); !errors.Is(err, ErrNotOpen) {
		t.Errorf("Notify error = %v, want ErrNotOpen", err)
	}
	if err := m.CloseContext("group:missing"); !errors.Is(err, ErrNotOpen) {
		t.Errorf("CloseContext error = %v, want ErrNotOpen", err)
	}
	if m.Get("group:missing") != nil {
		t.Error("Get returned a conversation for an unopened key")
	}
}

func TestManager_NotifyReachesOtherManager(t *testing.T) {
	tr := newTransport(t)
	clock := &fakeClock{}

	var mu sync.Mutex
	var seen []string
	var seenKey string
	onChange := func(key string, typists []string) {
		mu.Lock()
		defer mu.Unlock()
		seenKey = key
		seen = typists
	}

	alice := NewManager(tr, "alice", manualConfig(clock), nil)
	bob := NewManager(tr, "bob", manualConfig(clock), onChange)
	defer alice.CloseAll()
	defer bob.CloseAll()

	key := DirectKey("alice", "bob")
	ctx := context.Background()
	if _, err := alice.Open(ctx, key, ModeDirect); err != nil {
		t.Fatalf("alice Open: %v", err)
	}
	if _, err := bob.Open(ctx, key, ModeDirect); err != nil {
		t.Fatalf("bob Open: %v", err)
	}

	if d, err := alice.Notify(ctx, key); err != nil || d != SendNow {
		t.Fatalf("Notify = %v, %v", d, err)
	}

	mu.Lock()
	defer mu.Unlock()
	if seenKey != key || !equalIDs(seen, []string{"alice"}) {
		t.Fatalf("bob saw %q %v, want %q [alice]", seenKey, seen, key)
	}
}

func TestManager_CloseContextAndCloseAll(t *testing.T) {
	tr := newTransport(t)
	m := NewManager(tr, "A", manualConfig(&fakeClock{}), nil)
	ctx := context.Background()

	keys := []string{GroupKey("b"), GroupKey("a"), DirectKey("A", "Z")}
	for _, k := range keys {
		if _, err := m.Open(ctx, k, ModeOf(k)); err != nil {
			t.Fatalf("Open(%s): %v", k, err)
		}
	}

	got := m.Keys()
	want := []string{"dm:A:Z", "group:a", "group:b"}
	if !equalIDs(got, want) {
		t.Fatalf("Keys = %v, want %v", got, want)
	}

	c := m.Get(GroupKey("a"))
	if err := m.CloseContext(GroupKey("a")); err != nil {
		t.Fatalf("CloseContext: %v", err)
	}
	if _, err := c.NotifyTyping(ctx); !errors.Is(err, ErrClosed) {
		t.Errorf("closed conversation still accepts typing: %v", err)
	}
	if m.Len() != 2 {
		t.Fatalf("Len = %d, want 2", m.Len())
	}

	if err := m.CloseAll(); err != nil {
		t.Fatalf("CloseAll: %v", err)
	}
	if m.Len() != 0 {
		t.Fatalf("Len after CloseAll = %d", m.Len())
	}
	if err := m.CloseAll(); err != nil {
		t.Fatalf("second CloseAll: %v", err)
	}
	if _, err := m.Open(ctx, GroupKey("late"), ModeGroup); !errors.Is(err, ErrClosed) {
		t.Fatalf("Open after CloseAll error = %v, want ErrClosed", err)
	}
}
