package gateway

import "sync"

// typistsOutbox delivers typist lists to one connection from its own
// goroutine, so a slow client never holds up the conversation handlers that
// produce them. Lists for the same context that queue up while a write is in
// flight collapse into the latest one.
type typistsOutbox struct {
	send func(key string, typists []string)

	mu      sync.Mutex
	pending map[string][]string
	order   []string
	closed  bool

	wake chan struct{}
	done chan struct{}
	idle chan struct{}
}

func newTypistsOutbox(send func(key string, typists []string)) *typistsOutbox {
	o := &typistsOutbox{
		send:    send,
		pending: make(map[string][]string),
		wake:    make(chan struct{}, 1),
		done:    make(chan struct{}),
		idle:    make(chan struct{}),
	}
	go o.run()
	return o
}

// push queues typists for key and returns without waiting for the write.
func (o *typistsOutbox) push(key string, typists []string) {
	cp := make([]string, len(typists))
	copy(cp, typists)

	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		return
	}
	if _, ok := o.pending[key]; !ok {
		o.order = append(o.order, key)
	}
	o.pending[key] = cp
	o.mu.Unlock()

	select {
	case o.wake <- struct{}{}:
	default:
	}
}

// forget drops a queued list for key, if any.
func (o *typistsOutbox) forget(key string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if _, ok := o.pending[key]; !ok {
		return
	}
	delete(o.pending, key)
	for i, k := range o.order {
		if k == key {
			o.order = append(o.order[:i], o.order[i+1:]...)
			break
		}
	}
}

// close discards queued lists and stops the delivery goroutine. A write in
// progress is allowed to finish.
func (o *typistsOutbox) close() {
	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		return
	}
	o.closed = true
	o.pending = nil
	o.order = nil
	o.mu.Unlock()
	close(o.done)
}

func (o *typistsOutbox) run() {
	defer close(o.idle)
	for {
		select {
		case <-o.done:
			return
		case <-o.wake:
		}
		for {
			key, typists, ok := o.pop()
			if !ok {
				break
			}
			o.send(key, typists)
		}
	}
}

func (o *typistsOutbox) pop() (string, []string, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.closed || len(o.order) == 0 {
		return "", nil, false
	}
	key := o.order[0]
	o.order = o.order[1:]
	typists := o.pending[key]
	delete(o.pending, key)
	return key, typists, true
}
