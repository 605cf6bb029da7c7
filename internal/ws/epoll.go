//go:build linux

package ws

import (
	"errors"
	"fmt"
	"net"
	"sync"
	"syscall"
	"time"

	"golang.org/x/sys/unix"
)

// poller multiplexes read readiness of many connections over one epoll
// instance. Connections are identified by a token, which on Linux is the
// socket file descriptor.
type poller struct {
	fd     int               // epoll file descriptor
	mu     sync.RWMutex      // protects tokens
	tokens map[int]struct{}  // registered fds
	events []unix.EpollEvent // reusable event buffer for Wait
}

func newPoller() (*poller, error) {
	fd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, fmt.Errorf("ws: epoll create: %w", err)
	}
	return &poller{
		fd:     fd,
		tokens: make(map[int]struct{}),
		events: make([]unix.EpollEvent, 128),
	}, nil
}

// Add registers conn for read and hang-up notifications. It returns the
// token Wait reports for conn, and the net.Conn frames must be read from.
func (p *poller) Add(conn net.Conn) (int, net.Conn, error) {
	fd := socketFD(conn)
	if fd < 0 {
		return -1, nil, fmt.Errorf("ws: epoll add: %T has no file descriptor", conn)
	}
	if err := unix.EpollCtl(p.fd, unix.EPOLL_CTL_ADD, fd, &unix.EpollEvent{
		Events: unix.EPOLLIN | unix.EPOLLHUP | unix.EPOLLRDHUP,
		Fd:     int32(fd),
	}); err != nil {
		return -1, nil, fmt.Errorf("ws: epoll add fd=%d: %w", fd, err)
	}

	p.mu.Lock()
	p.tokens[fd] = struct{}{}
	p.mu.Unlock()
	return fd, conn, nil
}

// Remove unregisters token. Removing an unknown token is a no-op.
func (p *poller) Remove(token int) error {
	p.mu.Lock()
	_, ok := p.tokens[token]
	delete(p.tokens, token)
	p.mu.Unlock()
	if !ok {
		return nil
	}
	// The kernel drops closed fds on its own; ENOENT/EBADF just mean the
	// socket went first.
	err := unix.EpollCtl(p.fd, unix.EPOLL_CTL_DEL, token, nil)
	if err != nil && !errors.Is(err, unix.ENOENT) && !errors.Is(err, unix.EBADF) {
		return fmt.Errorf("ws: epoll remove fd=%d: %w", token, err)
	}
	return nil
}

// Rearm is a no-op: epoll is level-triggered, so unread data is reported
// again by the next Wait.
func (p *poller) Rearm(int) {}

// Wait blocks for at most timeout until registered connections are ready and
// returns their tokens. A timeout or an interrupted wait yields no tokens and
// no error.
func (p *poller) Wait(timeout time.Duration) ([]int, error) {
	n, err := unix.EpollWait(p.fd, p.events, int(timeout/time.Millisecond))
	if err != nil {
		if errors.Is(err, unix.EINTR) {
			return nil, nil
		}
		return nil, fmt.Errorf("ws: epoll wait: %w", err)
	}

	p.mu.RLock()
	ready := make([]int, 0, n)
	for i := 0; i < n; i++ {
		fd := int(p.events[i].Fd)
		if _, ok := p.tokens[fd]; ok {
			ready = append(ready, fd)
		}
	}
	p.mu.RUnlock()
	return ready, nil
}

// Len returns the number of registered connections.
func (p *poller) Len() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.tokens)
}

// Close closes the epoll instance.
func (p *poller) Close() error {
	p.mu.Lock()
	p.tokens = make(map[int]struct{})
	p.mu.Unlock()
	return unix.Close(p.fd)
}

// socketFD extracts the file descriptor from conn through SyscallConn, which
// unlike File does not duplicate it.
func socketFD(conn net.Conn) int {
	sc, ok := conn.(syscall.Conn)
	if !ok {
		return -1
	}
	raw, err := sc.SyscallConn()
	if err != nil {
		return -1
	}

	fd := -1
	if err := raw.Control(func(sfd uintptr) { fd = int(sfd) }); err != nil {
		return -1
	}
	return fd
}
