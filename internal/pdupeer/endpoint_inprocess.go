package pdupeer

import (
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/mellowdrifter/pdufabric/internal/pdu"
	"github.com/mellowdrifter/pdufabric/internal/pduqueue"
)

// inProcessEndpoint is the in-process short-circuit variant: a send
// goroutine moves PDUs straight from the shared queue into a bounded
// internal deque and fires ReceivedPDU, and a callback goroutine delivers
// events. There is no fd, no recv thread, and no framing.
type inProcessEndpoint struct {
	log         *zap.SugaredLogger
	queue       *pduqueue.Queue
	peer        *Peer
	sendTimeout time.Duration

	deque chan *pdu.PDU

	cbMu sync.RWMutex
	cb   EventCallback

	connectOnce sync.Once
	connected   atomic.Bool

	shuttingDown atomic.Bool
	done         chan struct{}
	shutdownOnce sync.Once
	wg           sync.WaitGroup

	eventsMu   sync.Mutex
	eventsCond *sync.Cond
	events     []Event
}

// NewInProcessEndpoint constructs an in-process endpoint with the given
// bounded internal deque capacity and per-PDU queue send timeout (0
// disables expiry, mirroring the socket-backed endpoint's Config.PDUSendTimeout).
func NewInProcessEndpoint(log *zap.SugaredLogger, queue *pduqueue.Queue, dequeCapacity int, sendTimeout time.Duration) *inProcessEndpoint {
	e := &inProcessEndpoint{
		log:         log,
		queue:       queue,
		sendTimeout: sendTimeout,
		deque:       make(chan *pdu.PDU, dequeCapacity),
		done:        make(chan struct{}),
	}
	e.eventsCond = sync.NewCond(&e.eventsMu)
	return e
}

func (e *inProcessEndpoint) bindPeer(p *Peer) { e.peer = p }

// Start requires an event callback to already be set; an in-process
// endpoint with nowhere to deliver ReceivedPDU events is a misconfiguration.
func (e *inProcessEndpoint) Start() error {
	e.cbMu.RLock()
	hasCB := e.cb != nil
	e.cbMu.RUnlock()
	if !hasCB {
		return ErrPDUPeerEndpoint
	}
	e.wg.Add(2)
	go e.sendThreadRun()
	go e.callbackThreadRun()
	if e.sendTimeout > 0 {
		e.wg.Add(1)
		go e.expiryThreadRun()
	}
	return nil
}

// expiryThreadRun periodically fails queue-expired PDUs, mirroring
// fdEndpoint's expiry driver so both endpoint variants honor
// Config.PDUSendTimeout the same way.
func (e *inProcessEndpoint) expiryThreadRun() {
	defer e.wg.Done()
	interval := e.sendTimeout / 4
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
				e.publishEvent(Event{Type: SendError, Peer: e.peer, PDU: p})
			}
		}
	}
}

func (e *inProcessEndpoint) Shutdown() {
	e.shutdownOnce.Do(func() {
		e.shuttingDown.Store(true)
		close(e.done)
		e.eventsMu.Lock()
		e.eventsCond.Broadcast()
		e.eventsMu.Unlock()
		e.queue.Shutdown()
		e.wg.Wait()
	})
}

func (e *inProcessEndpoint) sendThreadRun() {
	defer e.wg.Done()
	for {
		p, ok := e.queue.WaitForNextPDU()
		if !ok {
			return
		}
		e.connectOnce.Do(func() {
			e.connected.Store(true)
			e.publishEvent(Event{Type: Connected, Peer: e.peer})
		})
		select {
		case e.deque <- p:
		case <-e.done:
			return
		}
		e.publishEvent(Event{Type: ReceivedPDU, Peer: e.peer, PDU: p})
	}
}

func (e *inProcessEndpoint) RecvPDU() (*pdu.PDU, bool) {
	select {
	case p := <-e.deque:
		return p, true
	default:
		return nil, false
	}
}

func (e *inProcessEndpoint) IsPDUReady() bool {
	return len(e.deque) > 0
}

func (e *inProcessEndpoint) IsConnected() bool {
	return e.connected.Load()
}

func (e *inProcessEndpoint) SendPDU(p *pdu.PDU) error {
	return e.queue.EnqueuePDU(p)
}

func (e *inProcessEndpoint) SetEventCallback(cb EventCallback) {
	e.cbMu.Lock()
	e.cb = cb
	e.cbMu.Unlock()
}

func (e *inProcessEndpoint) callback() EventCallback {
	e.cbMu.RLock()
	defer e.cbMu.RUnlock()
	return e.cb
}

// SetFD is not meaningful for the in-process variant.
func (e *inProcessEndpoint) SetFD(int) error {
	return ErrPDUPeerEndpoint
}

func (e *inProcessEndpoint) publishEvent(ev Event) {
	e.eventsMu.Lock()
	e.events = append(e.events, ev)
	e.eventsMu.Unlock()
	e.eventsCond.Signal()
}

func (e *inProcessEndpoint) callbackThreadRun() {
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

func (e *inProcessEndpoint) safeDeliver(ev Event) {
	defer func() {
		if r := recover(); r != nil {
			e.log.Errorw("pdupeer: event callback panicked", "panic", r)
		}
	}()
	if cb := e.callback(); cb != nil {
		cb(ev)
	}
}
