// Package eventloop provides an epoll-backed, single-threaded
// readiness loop that registers host fds and delivers
// (proxy.ID, readable, writable) callbacks to a dispatcher.
package eventloop

import (
	"sync"

	"golang.org/x/sys/unix"

	"github.com/lumenvm/tsi-proxy/internal/logging"
	"github.com/lumenvm/tsi-proxy/internal/proxy"
)

// Handler receives readiness notifications for a registered fd's
// owning proxy.
type Handler func(id proxy.ID, readable, writable bool)

// Loop is an epoll-based event loop. Safe for Register/Unregister from
// the thread driving Run; it does not run handlers concurrently.
type Loop struct {
	epfd int

	mu      sync.Mutex
	byFd    map[int]proxy.ID
	handler Handler
}

// New creates an epoll instance.
func New(handler Handler) (*Loop, error) {
	fd, err := unix.EpollCreate1(0)
	if err != nil {
		return nil, err
	}

	return &Loop{epfd: fd, byFd: make(map[int]proxy.ID), handler: handler}, nil
}

// Register adds fd to the epoll set, watching for both read and write
// readiness.
func (l *Loop) Register(fd int, id proxy.ID) error {
	l.mu.Lock()
	l.byFd[fd] = id
	l.mu.Unlock()

	ev := unix.EpollEvent{Events: unix.EPOLLIN | unix.EPOLLOUT, Fd: int32(fd)}

	return unix.EpollCtl(l.epfd, unix.EPOLL_CTL_ADD, fd, &ev)
}

// Unregister removes fd from the epoll set.
func (l *Loop) Unregister(fd int) error {
	l.mu.Lock()
	delete(l.byFd, fd)
	l.mu.Unlock()

	return unix.EpollCtl(l.epfd, unix.EPOLL_CTL_DEL, fd, nil)
}

// RunOnce blocks up to timeoutMs waiting for readiness events and
// dispatches them to the handler. A negative timeout blocks
// indefinitely; zero returns immediately.
func (l *Loop) RunOnce(timeoutMs int) error {
	var events [64]unix.EpollEvent

	n, err := unix.EpollWait(l.epfd, events[:], timeoutMs)
	if err != nil {
		if err == unix.EINTR {
			return nil
		}

		return err
	}

	for i := 0; i < n; i++ {
		fd := int(events[i].Fd)

		l.mu.Lock()
		id, ok := l.byFd[fd]
		l.mu.Unlock()

		if !ok {
			continue
		}

		readable := events[i].Events&unix.EPOLLIN != 0
		writable := events[i].Events&unix.EPOLLOUT != 0

		l.handler(id, readable, writable)
	}

	return nil
}

// Run blocks, repeatedly calling RunOnce until stop is closed.
func (l *Loop) Run(stop <-chan struct{}) {
	for {
		select {
		case <-stop:
			return
		default:
		}

		if err := l.RunOnce(100); err != nil {
			logging.Log.Warn("event loop wait failed", logging.Ctx{"err": err.Error()})
		}
	}
}

// Close releases the epoll fd.
func (l *Loop) Close() error {
	return unix.Close(l.epfd)
}
