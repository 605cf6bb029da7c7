package typing

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/campusly/presence/internal/channel"
)

// ErrNotOpen is returned for operations on a context the manager has not
// opened.
var ErrNotOpen = errors.New("typing: context not open")

// Manager owns the open conversation contexts of one local participant,
// typically one WebSocket connection. Contexts never share state.
type Manager struct {
	transport     channel.Transport
	participantID string
	cfg           Config
	onChange      ChangeFunc

	mu     sync.Mutex
	convs  map[string]*Conversation
	closed bool
}

// NewManager creates a manager opening contexts on t for participantID.
func NewManager(t channel.Transport, participantID string, cfg Config, onChange ChangeFunc) *Manager {
	return &Manager{
		transport:     t,
		participantID: participantID,
		cfg:           cfg,
		onChange:      onChange,
		convs:         make(map[string]*Conversation),
	}
}

// ParticipantID returns the local participant the manager announces as.
func (m *Manager) ParticipantID() string { return m.participantID }

// Open opens contextKey, or returns the already open conversation for it.
// After CloseAll it returns ErrClosed.
func (m *Manager) Open(ctx context.Context, contextKey string, mode Mode) (*Conversation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return nil, ErrClosed
	}
	if c, ok := m.convs[contextKey]; ok {
		return c, nil
	}
	c, err := Open(ctx, m.transport, m.participantID, contextKey, mode, m.cfg, m.onChange)
	if err != nil {
		return nil, err
	}
	m.convs[contextKey] = c
	return c, nil
}

// Get returns the open conversation for contextKey, or nil.
func (m *Manager) Get(contextKey string) *Conversation {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.convs[contextKey]
}

// Notify forwards a local typing signal to the open context.
func (m *Manager) Notify(ctx context.Context, contextKey string) (Decision, error) {
	c := m.Get(contextKey)
	if c == nil {
		return Skip, fmt.Errorf("%w: %s", ErrNotOpen, contextKey)
	}
	return c.NotifyTyping(ctx)
}

// CloseContext closes and forgets one context.
func (m *Manager) CloseContext(contextKey string) error {
	m.mu.Lock()
	c, ok := m.convs[contextKey]
	delete(m.convs, contextKey)
	m.mu.Unlock()

	if !ok {
		return fmt.Errorf("%w: %s", ErrNotOpen, contextKey)
	}
	return c.Close()
}

// CloseAll closes every open context concurrently and returns the first
// error. The manager accepts no new contexts afterwards.
func (m *Manager) CloseAll() error {
	m.mu.Lock()
	m.closed = true
	convs := m.convs
	m.convs = make(map[string]*Conversation)
	m.mu.Unlock()

	var g errgroup.Group
	for _, c := range convs {
		g.Go(c.Close)
	}
	return g.Wait()
}

// Keys returns the open context keys, sorted.
func (m *Manager) Keys() []string {
	m.mu.Lock()
	keys := make([]string, 0, len(m.convs))
	for k := range m.convs {
		keys = append(keys, k)
	}
	m.mu.Unlock()
	sort.Strings(keys)
	return keys
}

// Len returns the number of open contexts.
func (m *Manager) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.convs)
}
