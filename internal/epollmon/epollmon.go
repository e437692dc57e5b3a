// Package epollmon implements a single-dispatcher epoll readiness monitor:
// one epoll instance, a map of fd to callback, and a dispatch loop bounded
// by a short wait timeout so Shutdown returns promptly.
package epollmon

import (
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sys/unix"
)

// pollTimeout bounds how long the dispatcher loop can be blocked in
// epoll_wait before it re-checks for shutdown.
const pollTimeout = 200 * time.Millisecond

// Events is the readiness mask delivered to a callback.
type Events uint32

const (
	In     Events = unix.EPOLLIN
	Out    Events = unix.EPOLLOUT
	Err    Events = unix.EPOLLERR
	Hup    Events = unix.EPOLLHUP
	RdHup  Events = unix.EPOLLRDHUP
)

// Callback is invoked on the dispatcher goroutine with the readiness mask
// for the fd it was registered for. It must not block.
type Callback func(Events)

// ErrAlreadyRegistered is returned by AddFD for a duplicate fd.
var ErrAlreadyRegistered = errors.New("epollmon: fd already registered")

// ErrNotRegistered is returned by RemoveFD for an fd that isn't tracked.
var ErrNotRegistered = errors.New("epollmon: fd not registered")

// Monitor owns one epoll instance and its dispatcher goroutine.
type Monitor struct {
	log *zap.SugaredLogger

	epfd int

	mu    sync.Mutex
	fds   map[int]Callback

	startOnce sync.Once
	stopOnce  sync.Once
	started   bool
	done      chan struct{}
	stopped   chan struct{}
}

// New creates an epoll instance. Call Start to begin dispatching.
func New(log *zap.SugaredLogger) (*Monitor, error) {
	epfd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, err
	}
	return &Monitor{
		log:     log,
		epfd:    epfd,
		fds:     make(map[int]Callback),
		done:    make(chan struct{}),
		stopped: make(chan struct{}),
	}, nil
}

// AddFD atomically adds fd to the epoll set with the given event mask and
// stores its callback. Duplicate registration fails.
func (m *Monitor) AddFD(fd int, events Events, cb Callback) error {
	m.mu.Lock()
	if _, exists := m.fds[fd]; exists {
		m.mu.Unlock()
		return ErrAlreadyRegistered
	}
	m.fds[fd] = cb
	m.mu.Unlock()

	ev := &unix.EpollEvent{Events: uint32(events), Fd: int32(fd)}
	if err := unix.EpollCtl(m.epfd, unix.EPOLL_CTL_ADD, fd, ev); err != nil {
		m.mu.Lock()
		delete(m.fds, fd)
		m.mu.Unlock()
		return err
	}
	return nil
}

// RemoveFD removes fd from the epoll set. Safe to call from within a
// callback for the same fd; subsequent events for fd are not delivered.
func (m *Monitor) RemoveFD(fd int) error {
	m.mu.Lock()
	if _, exists := m.fds[fd]; !exists {
		m.mu.Unlock()
		return ErrNotRegistered
	}
	delete(m.fds, fd)
	m.mu.Unlock()

	err := unix.EpollCtl(m.epfd, unix.EPOLL_CTL_DEL, fd, nil)
	if err != nil && !errors.Is(err, unix.ENOENT) && !errors.Is(err, unix.EBADF) {
		return err
	}
	return nil
}

// Start launches the dispatcher goroutine. Idempotent.
func (m *Monitor) Start() {
	m.startOnce.Do(func() {
		m.started = true
		go m.run()
	})
}

func (m *Monitor) run() {
	defer close(m.stopped)
	events := make([]unix.EpollEvent, 256)
	for {
		select {
		case <-m.done:
			return
		default:
		}

		n, err := unix.EpollWait(m.epfd, events, int(pollTimeout/time.Millisecond))
		if err != nil {
			if errors.Is(err, unix.EINTR) {
				continue
			}
			if m.log != nil {
				m.log.Errorw("epollmon: epoll_wait failed", "error", err)
			}
			time.Sleep(10 * time.Millisecond)
			continue
		}

		for i := 0; i < n; i++ {
			fd := int(events[i].Fd)
			m.mu.Lock()
			cb, ok := m.fds[fd]
			m.mu.Unlock()
			if ok && cb != nil {
				cb(Events(events[i].Events))
			}
		}
	}
}

// Shutdown signals the dispatcher to exit and waits until it has.
// Idempotent.
func (m *Monitor) Shutdown() {
	m.stopOnce.Do(func() {
		close(m.done)
		if m.started {
			<-m.stopped
		}
		_ = unix.Close(m.epfd)
	})
}
