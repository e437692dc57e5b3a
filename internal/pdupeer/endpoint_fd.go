package pdupeer

import (
	"bytes"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sys/unix"

	"github.com/mellowdrifter/pdufabric/internal/epollmon"
	"github.com/mellowdrifter/pdufabric/internal/pdu"
	"github.com/mellowdrifter/pdufabric/internal/pduqueue"
)

// fdEndpoint is the socket-backed PDUPeerEndpoint variant: one fd shared
// by a send half (four-state machine) and a receive half (growable
// buffer), plus a callback goroutine that delivers events in order.
type fdEndpoint struct {
	log     *zap.SugaredLogger
	cfg     Config
	queue   *pduqueue.Queue
	monitor *epollmon.Monitor
	peer    *Peer

	// fdMu/fdCond guard the fd and connectedness; waitConnected blocks on
	// fdCond until a send-capable fd appears or shutdown is requested.
	fdMu   sync.Mutex
	fdCond *sync.Cond
	fd     int

	// recvMu guards the receive buffer. Per the lock-ordering invariant,
	// closeFD always takes recvMu before fdMu.
	recvMu  sync.Mutex
	recvBuf []byte
	recvLen int

	// recvPoke wakes the recv goroutine: the epoll callback sends on it
	// (non-blocking) when EPOLLIN fires. A ticker fallback also fires
	// periodically so the recv loop self-polls even when no monitor is
	// wired (e.g. a socketpair endpoint under test) or an EPOLLIN
	// notification is ever missed.
	recvPoke chan struct{}

	inboxMu sync.Mutex
	inbox   []*pdu.PDU

	eventsMu   sync.Mutex
	eventsCond *sync.Cond
	events     []Event

	cbMu sync.RWMutex
	cb   EventCallback

	shuttingDown atomic.Bool
	done         chan struct{}
	shutdownOnce sync.Once
	wg           sync.WaitGroup

	stats fdStats
}

type fdStats struct {
	pduSendCount      atomic.Uint64
	pduRecvCount      atomic.Uint64
	pduSendErrors     atomic.Uint64
	byteSendCount     atomic.Uint64
	byteRecvCount     atomic.Uint64
	pduRecvReadyCount atomic.Uint64
	disconnectCount   atomic.Uint64
}

// NewFDEndpoint constructs a socket-backed endpoint with fd unset
// (Disconnected). Call SetFD to adopt an already-connected socket, or use
// NewNetworkConnector for an endpoint that dials out itself.
func NewFDEndpoint(log *zap.SugaredLogger, cfg Config, queue *pduqueue.Queue, monitor *epollmon.Monitor) *fdEndpoint {
	e := &fdEndpoint{
		log:      log,
		cfg:      cfg,
		queue:    queue,
		monitor:  monitor,
		fd:       -1,
		done:     make(chan struct{}),
		recvPoke: make(chan struct{}, 1),
	}
	e.fdCond = sync.NewCond(&e.fdMu)
	e.eventsCond = sync.NewCond(&e.eventsMu)
	e.recvBuf = make([]byte, cfg.RecvBufferSize)
	return e
}

// bindPeer attaches the owning Peer so emitted events carry a back-
// reference, without the endpoint holding an owning pointer into the set.
func (e *fdEndpoint) bindPeer(p *Peer) { e.peer = p }

func (e *fdEndpoint) Start() error {
	e.wg.Add(3)
	go e.sendThreadRun()
	go e.recvThreadRun()
	go e.callbackThreadRun()
	if e.cfg.PDUSendTimeout > 0 {
		e.wg.Add(1)
		go e.expiryThreadRun()
	}
	return nil
}

func (e *fdEndpoint) Shutdown() {
	e.shutdownOnce.Do(func() {
		e.shuttingDown.Store(true)
		close(e.done)
		e.fdCond.Broadcast()
		e.eventsMu.Lock()
		e.eventsCond.Broadcast()
		e.eventsMu.Unlock()
		e.queue.Shutdown()
		e.closeFD()
		e.wg.Wait()
	})
}

func (e *fdEndpoint) currentFD() int {
	e.fdMu.Lock()
	defer e.fdMu.Unlock()
	return e.fd
}

func (e *fdEndpoint) IsConnected() bool {
	return e.currentFD() >= 0
}

func (e *fdEndpoint) SendPDU(p *pdu.PDU) error {
	if !e.IsConnected() {
		return ErrNotConnected
	}
	return e.queue.EnqueuePDU(p)
}

func (e *fdEndpoint) RecvPDU() (*pdu.PDU, bool) {
	e.inboxMu.Lock()
	defer e.inboxMu.Unlock()
	if len(e.inbox) == 0 {
		return nil, false
	}
	p := e.inbox[0]
	e.inbox = e.inbox[1:]
	return p, true
}

func (e *fdEndpoint) IsPDUReady() bool {
	e.inboxMu.Lock()
	defer e.inboxMu.Unlock()
	return len(e.inbox) > 0
}

func (e *fdEndpoint) SetEventCallback(cb EventCallback) {
	e.cbMu.Lock()
	e.cb = cb
	e.cbMu.Unlock()
}

func (e *fdEndpoint) callback() EventCallback {
	e.cbMu.RLock()
	defer e.cbMu.RUnlock()
	return e.cb
}

// SetFD adopts an already-connected socket: sets non-blocking, registers
// with the epoll monitor for EPOLLIN|EPOLLRDHUP, resets the receive
// cursor, and publishes Connected. fd == -1 means the caller observed a
// failed handoff (e.g. a rejected acceptor handshake); it only bumps the
// disconnect counter.
func (e *fdEndpoint) SetFD(fd int) error {
	if fd < 0 {
		e.stats.disconnectCount.Add(1)
		return nil
	}
	if err := unix.SetNonblock(fd, true); err != nil {
		return err
	}

	e.recvMu.Lock()
	e.recvBuf = make([]byte, e.cfg.RecvBufferSize)
	e.recvLen = 0
	e.recvMu.Unlock()

	e.fdMu.Lock()
	e.fd = fd
	e.fdMu.Unlock()
	e.fdCond.Broadcast()

	if e.monitor != nil {
		if err := e.monitor.AddFD(fd, epollmon.In|epollmon.RdHup, e.HandleEPollEvent); err != nil {
			return err
		}
	}
	e.publishEvent(Event{Type: Connected, Peer: e.peer})
	return nil
}

// HandleEPollEvent reacts to readiness delivered by the epoll monitor.
func (e *fdEndpoint) HandleEPollEvent(mask epollmon.Events) {
	if mask&(epollmon.Err|epollmon.Hup|epollmon.RdHup) != 0 {
		e.closeFD()
		return
	}
	if mask&epollmon.In != 0 {
		e.signalRecvWork()
	}
}

func (e *fdEndpoint) signalRecvWork() {
	select {
	case e.recvPoke <- struct{}{}:
	default:
	}
}

// closeFD removes fd from the monitor, closes it, clears the outbound
// queue, and publishes exactly one Disconnected event. Taking recvMu
// before fdMu matches the fd-state lock ordering invariant; the fd<0
// guard makes the whole operation idempotent so concurrent callers (epoll
// callback, recv thread, send thread) can never double-fire the event.
func (e *fdEndpoint) closeFD() {
	e.recvMu.Lock()
	e.fdMu.Lock()
	fd := e.fd
	if fd < 0 {
		e.fdMu.Unlock()
		e.recvMu.Unlock()
		return
	}
	e.fd = -1
	e.fdMu.Unlock()
	e.recvLen = 0
	e.recvMu.Unlock()

	if e.monitor != nil {
		_ = e.monitor.RemoveFD(fd)
	}
	_ = unix.Close(fd)
	e.queue.Clear()
	e.fdCond.Broadcast()
	e.publishEvent(Event{Type: Disconnected, Peer: e.peer})
}

// waitConnected blocks until a send-capable fd is present, or returns
// false if shutting down.
func (e *fdEndpoint) waitConnected() bool {
	e.fdMu.Lock()
	defer e.fdMu.Unlock()
	for e.fd < 0 {
		if e.shuttingDown.Load() {
			return false
		}
		e.fdCond.Wait()
	}
	return true
}

// sendThreadRun implements the Disconnected -> Connected -> PDUReady ->
// BufferAvailable send state machine. Disconnected is waitConnected();
// Connected pops one PDU (blocking); PDUReady/BufferAvailable are
// sendOne's framing and drain loop.
func (e *fdEndpoint) sendThreadRun() {
	defer e.wg.Done()
	for {
		if !e.waitConnected() {
			return
		}
		p, ok := e.queue.WaitForNextPDU()
		if !ok {
			return
		}
		e.sendOne(p)
	}
}

func (e *fdEndpoint) sendOne(p *pdu.PDU) {
	var buf bytes.Buffer
	if err := p.MarshalTo(&buf); err != nil {
		e.log.Errorw("pdupeer: failed to marshal outbound pdu", "error", err)
		return
	}
	data := buf.Bytes()
	deadline := time.Now().Add(e.cfg.SendTimeout)

	for len(data) > 0 {
		fd := e.currentFD()
		if fd < 0 {
			return
		}
		n, err := unix.Write(fd, data)
		if err == nil {
			data = data[n:]
			e.stats.byteSendCount.Add(uint64(n))
			continue
		}
		if errors.Is(err, unix.EAGAIN) {
			ready, perr := e.pollWritable(fd, deadline)
			if perr != nil {
				e.emitSendErrorAndClose(p)
				return
			}
			if !ready {
				e.emitSendErrorAndClose(p)
				return
			}
			continue
		}
		e.emitSendErrorAndClose(p)
		return
	}
	e.stats.pduSendCount.Add(1)
}

func (e *fdEndpoint) pollWritable(fd int, deadline time.Time) (bool, error) {
	for {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return false, nil
		}
		ms := int(remaining / time.Millisecond)
		if ms <= 0 {
			ms = 1
		}
		pfd := []unix.PollFd{{Fd: int32(fd), Events: unix.POLLOUT}}
		n, err := unix.Poll(pfd, ms)
		if err != nil {
			if errors.Is(err, unix.EINTR) {
				continue
			}
			return false, err
		}
		if n == 0 {
			return false, nil
		}
		if pfd[0].Revents&(unix.POLLERR|unix.POLLHUP) != 0 {
			return false, errors.New("pdupeer: fd error during writability poll")
		}
		return true, nil
	}
}

func (e *fdEndpoint) emitSendErrorAndClose(p *pdu.PDU) {
	e.stats.pduSendErrors.Add(1)
	e.publishEvent(Event{Type: SendError, Peer: e.peer, PDU: p})
	e.closeFD()
}

// expiryThreadRun periodically fails queue-expired PDUs, emitting the
// SendError event spec.md §4.3/§9 calls the redesigned behavior (the
// source's equivalent path logs and drops without an event).
func (e *fdEndpoint) expiryThreadRun() {
	defer e.wg.Done()
	interval := e.cfg.PDUSendTimeout / 4
	if interval <= 0 || interval > time.Second {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-e.done:
			return
		case <-ticker.C:
			for _, p := range e.queue.FailExpiredPDUs() {
				e.stats.pduSendErrors.Add(1)
				e.publishEvent(Event{Type: SendError, Peer: e.peer, PDU: p})
			}
		}
	}
}

// recvThreadRun wakes on an epoll-delivered poke or a 200ms self-poll
// tick (bounding staleness the same way EPollMonitor's own dispatch loop
// bounds shutdown latency), and drains whatever is currently readable.
func (e *fdEndpoint) recvThreadRun() {
	defer e.wg.Done()
	ticker := time.NewTicker(200 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-e.done:
			return
		case <-e.recvPoke:
		case <-ticker.C:
		}
		if e.currentFD() < 0 {
			continue
		}
		e.recvUntilBlockedOrComplete()
	}
}

func (e *fdEndpoint) recvUntilBlockedOrComplete() {
	for {
		fd := e.currentFD()
		if fd < 0 {
			return
		}

		e.recvMu.Lock()
		if e.recvLen == len(e.recvBuf) {
			if err := e.growRecvBufferLocked(); err != nil {
				e.recvMu.Unlock()
				e.log.Errorw("pdupeer: receive buffer overflow", "error", err)
				e.closeFD()
				return
			}
		}
		target := e.recvBuf[e.recvLen:]
		e.recvMu.Unlock()

		n, err := unix.Read(fd, target)
		if err != nil {
			if errors.Is(err, unix.EAGAIN) {
				return
			}
			e.closeFD()
			return
		}
		if n == 0 {
			e.closeFD()
			return
		}

		e.recvMu.Lock()
		e.recvLen += n
		e.recvMu.Unlock()
		e.stats.byteRecvCount.Add(uint64(n))

		if !e.drainCompletePDUs() {
			return
		}
	}
}

// growRecvBufferLocked must be called with recvMu held. It grows the
// buffer by one step, never shrinks it, and caps it at RecvBufferMaxSize.
func (e *fdEndpoint) growRecvBufferLocked() error {
	next := len(e.recvBuf) + e.cfg.RecvBufferStepSize
	if next > e.cfg.RecvBufferMaxSize {
		return ErrPeerBufferOverflow
	}
	grown := make([]byte, next)
	copy(grown, e.recvBuf[:e.recvLen])
	e.recvBuf = grown
	return nil
}

// drainCompletePDUs extracts every complete PDU currently in the receive
// buffer. It returns false if the connection was closed (version
// mismatch), true otherwise.
func (e *fdEndpoint) drainCompletePDUs() bool {
	for {
		e.recvMu.Lock()
		p, consumed, err := pdu.DecodeFromBuffer(e.recvBuf[:e.recvLen])
		if err != nil {
			e.recvMu.Unlock()
			if errors.Is(err, pdu.ErrVersionInvalid) {
				if e.log != nil {
					e.log.Errorw("pdupeer: closing session", "error", ErrPDUVersionInvalid)
				}
				e.closeFD()
				return false
			}
			return true
		}
		remaining := e.recvLen - consumed
		copy(e.recvBuf, e.recvBuf[consumed:e.recvLen])
		for i := remaining; i < e.recvLen; i++ {
			e.recvBuf[i] = 0
		}
		e.recvLen = remaining
		e.recvMu.Unlock()

		e.stats.pduRecvCount.Add(1)
		e.stats.pduRecvReadyCount.Add(1)

		e.inboxMu.Lock()
		e.inbox = append(e.inbox, p)
		e.inboxMu.Unlock()

		e.publishEvent(Event{Type: ReceivedPDU, Peer: e.peer, PDU: p})
	}
}

func (e *fdEndpoint) publishEvent(ev Event) {
	e.eventsMu.Lock()
	e.events = append(e.events, ev)
	e.eventsMu.Unlock()
	e.eventsCond.Signal()
}

func (e *fdEndpoint) callbackThreadRun() {
	defer e.wg.Done()
	for {
		e.eventsMu.Lock()
		for len(e.events) == 0 {
			if e.shuttingDown.Load() {
				e.eventsMu.Unlock()
				return
			}
			e.eventsCond.Wait()
		}
		ev := e.events[0]
		e.events = e.events[1:]
		e.eventsMu.Unlock()

		e.safeDeliver(ev)
	}
}

func (e *fdEndpoint) safeDeliver(ev Event) {
	defer func() {
		if r := recover(); r != nil {
			e.log.Errorw("pdupeer: event callback panicked", "panic", r)
		}
	}()
	if cb := e.callback(); cb != nil {
		cb(ev)
	}
}

// Stats returns a snapshot of this endpoint's counters.
func (e *fdEndpoint) Stats() Stats {
	return Stats{
		PDUSendCount:      e.stats.pduSendCount.Load(),
		PDURecvCount:      e.stats.pduRecvCount.Load(),
		PDUSendErrors:     e.stats.pduSendErrors.Load(),
		ByteSendCount:     e.stats.byteSendCount.Load(),
		ByteRecvCount:     e.stats.byteRecvCount.Load(),
		PDURecvReadyCount: e.stats.pduRecvReadyCount.Load(),
		DisconnectCount:   e.stats.disconnectCount.Load(),
	}
}
