//go:build !linux

package ws

import (
	"errors"
	"net"
	"os"
	"sync"
	"time"
)

// poller is the portable stand-in for epoll. A goroutine per connection
// blocks on a one-byte read; the byte is kept and replayed to the next
// reader, and the goroutine does not read again until the server rearms the
// connection.
type poller struct {
	mu      sync.Mutex
	next    int
	watched map[int]*watchedConn
	ready   chan int
	done    chan struct{}
	once    sync.Once
}

type watchedConn struct {
	net.Conn
	token int
	rearm chan struct{}
	stop  chan struct{}

	mu      sync.Mutex
	pending []byte // bytes read by the watcher, not yet seen by the server
}

func (w *watchedConn) Read(b []byte) (int, error) {
	w.mu.Lock()
	if len(w.pending) > 0 {
		n := copy(b, w.pending)
		w.pending = w.pending[n:]
		w.mu.Unlock()
		return n, nil
	}
	w.mu.Unlock()
	return w.Conn.Read(b)
}

func newPoller() (*poller, error) {
	return &poller{
		watched: make(map[int]*watchedConn),
		ready:   make(chan int, 128),
		done:    make(chan struct{}),
	}, nil
}

// Add starts watching conn. Frames must be read from the returned net.Conn
// so the byte consumed by the watcher is not lost.
func (p *poller) Add(conn net.Conn) (int, net.Conn, error) {
	p.mu.Lock()
	p.next++
	w := &watchedConn{
		Conn:  conn,
		token: p.next,
		rearm: make(chan struct{}, 1),
		stop:  make(chan struct{}),
	}
	p.watched[w.token] = w
	p.mu.Unlock()

	go p.watch(w)
	return w.token, w, nil
}

func (p *poller) watch(w *watchedConn) {
	buf := make([]byte, 1)
	for {
		w.mu.Lock()
		buffered := len(w.pending) > 0
		w.mu.Unlock()

		if !buffered {
			_, err := w.Conn.Read(buf)
			switch {
			case errors.Is(err, os.ErrDeadlineExceeded):
				// A deadline left behind by the server's last read.
				_ = w.Conn.SetReadDeadline(time.Time{})
				continue
			case err == nil:
				w.mu.Lock()
				w.pending = append(w.pending, buf[0])
				w.mu.Unlock()
			}
			// On any other error the server's read observes the failure.
		}

		select {
		case p.ready <- w.token:
		case <-w.stop:
			return
		case <-p.done:
			return
		}

		select {
		case <-w.rearm:
		case <-w.stop:
			return
		case <-p.done:
			return
		}
	}
}

// Remove stops watching token. Removing an unknown token is a no-op.
func (p *poller) Remove(token int) error {
	p.mu.Lock()
	w, ok := p.watched[token]
	delete(p.watched, token)
	p.mu.Unlock()
	if ok {
		close(w.stop)
	}
	return nil
}

// Rearm lets the watcher of token look for the next frame.
func (p *poller) Rearm(token int) {
	p.mu.Lock()
	w := p.watched[token]
	p.mu.Unlock()
	if w == nil {
		return
	}
	select {
	case w.rearm <- struct{}{}:
	default:
	}
}

// Wait blocks for at most timeout until at least one connection is ready and
// returns the tokens of every ready connection.
func (p *poller) Wait(timeout time.Duration) ([]int, error) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	var first int
	select {
	case first = <-p.ready:
	case <-timer.C:
		return nil, nil
	case <-p.done:
		return nil, net.ErrClosed
	}

	ready := []int{first}
	for {
		select {
		case token := <-p.ready:
			ready = append(ready, token)
		default:
			return ready, nil
		}
	}
}

// Len returns the number of watched connections.
func (p *poller) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.watched)
}

// Close stops every watcher.
func (p *poller) Close() error {
	p.once.Do(func() { close(p.done) })
	p.mu.Lock()
	p.watched = make(map[int]*watchedConn)
	p.mu.Unlock()
	return nil
}
