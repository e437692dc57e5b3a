// Package pduqueue implements the bounded, FIFO outbound queue each peer
// uses to hand PDUs to its endpoint: block/drop/callback/throw overflow
// policies, per-PDU expiry, and the stats counters peers report.
package pduqueue

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/mellowdrifter/pdufabric/internal/pdu"
)

// OverflowPolicy selects what EnqueuePDU does when the queue is full.
type OverflowPolicy int

const (
	// Block suspends the producer until space is free or the queue is
	// shutting down.
	Block OverflowPolicy = iota
	// Drop discards the new arrival and advances the drop counter. It
	// does NOT evict the oldest entry.
	Drop
	// Callback raises ErrQueueFull synchronously; the caller decides
	// what to do (matches the source's CALLBACK policy, which differs
	// from THROW only in the caller's handling convention).
	Callback
	// Throw raises ErrQueueFull synchronously.
	Throw
)

// ErrQueueFull is returned by EnqueuePDU under the Throw/Callback policies.
var ErrQueueFull = errors.New("pduqueue: queue full")

// ErrShuttingDown is returned by EnqueuePDU under the Block policy when the
// queue is shut down while the producer is suspended.
var ErrShuttingDown = errors.New("pduqueue: shutting down")

type holder struct {
	pdu        *pdu.PDU
	enqueuedAt time.Time
}

// Stats is a snapshot of the queue's counters.
type Stats struct {
	TotalQueued      uint64
	CurrentSize      int
	AverageQueueSize float64
	DropCount        uint64
}

// Queue is a bounded FIFO of outbound PDUs.
type Queue struct {
	mu       sync.Mutex
	notEmpty *sync.Cond
	notFull  *sync.Cond

	items   []holder
	maxSize int
	policy  OverflowPolicy
	timeout time.Duration

	shuttingDown bool

	totalQueued   uint64
	dropCount     uint64
	sizeSamples   uint64
	sizeSampleSum float64
}

// New constructs a Queue with the given capacity, overflow policy, and
// per-PDU send timeout (0 disables expiry).
func New(maxSize int, policy OverflowPolicy, sendTimeout time.Duration) *Queue {
	q := &Queue{maxSize: maxSize, policy: policy, timeout: sendTimeout}
	q.notEmpty = sync.NewCond(&q.mu)
	q.notFull = sync.NewCond(&q.mu)
	return q
}

// EnqueuePDU adds p to the tail of the queue, applying the configured
// overflow policy when the queue is at capacity.
func (q *Queue) EnqueuePDU(p *pdu.PDU) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	for len(q.items) >= q.maxSize {
		switch q.policy {
		case Block:
			if q.shuttingDown {
				return ErrShuttingDown
			}
			q.notFull.Wait()
			if q.shuttingDown {
				return ErrShuttingDown
			}
			continue
		case Drop:
			q.dropCount++
			return nil
		case Callback, Throw:
			return ErrQueueFull
		default:
			return fmt.Errorf("pduqueue: unknown overflow policy %d", q.policy)
		}
	}

	q.items = append(q.items, holder{pdu: p, enqueuedAt: time.Now()})
	q.totalQueued++
	q.sizeSamples++
	q.sizeSampleSum += float64(len(q.items))
	q.notEmpty.Signal()
	return nil
}

// GetNextPDU performs a non-blocking pop from the head of the queue.
func (q *Queue) GetNextPDU() (*pdu.PDU, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.popLocked()
}

func (q *Queue) popLocked() (*pdu.PDU, bool) {
	if len(q.items) == 0 {
		return nil, false
	}
	h := q.items[0]
	q.items = q.items[1:]
	q.notFull.Signal()
	return h.pdu, true
}

// WaitForNextPDU blocks until a PDU is available or the queue shuts down.
// ok is false when the queue shut down before a PDU became available; it
// is the return-value replacement for the source's shutdown exception.
func (q *Queue) WaitForNextPDU() (p *pdu.PDU, ok bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	for len(q.items) == 0 {
		if q.shuttingDown {
			return nil, false
		}
		q.notEmpty.Wait()
	}
	return q.popLocked()
}

// TriggerWaiters wakes every goroutine blocked on the queue's condition
// variables without changing queue contents. Used during shutdown.
func (q *Queue) TriggerWaiters() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.notEmpty.Broadcast()
	q.notFull.Broadcast()
}

// Shutdown marks the queue as shutting down and wakes all waiters.
func (q *Queue) Shutdown() {
	q.mu.Lock()
	q.shuttingDown = true
	q.mu.Unlock()
	q.TriggerWaiters()
}

// Clear discards every queued PDU and signals not-full.
func (q *Queue) Clear() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.items = nil
	q.notFull.Broadcast()
}

// FailExpiredPDUs pops every PDU from the head whose age exceeds the
// configured send timeout, returning the ones it dropped. Expiry only
// ever affects a contiguous expired prefix, matching the source.
func (q *Queue) FailExpiredPDUs() []*pdu.PDU {
	if q.timeout <= 0 {
		return nil
	}
	q.mu.Lock()
	defer q.mu.Unlock()

	var expired []*pdu.PDU
	now := time.Now()
	for len(q.items) > 0 && now.Sub(q.items[0].enqueuedAt) > q.timeout {
		expired = append(expired, q.items[0].pdu)
		q.items = q.items[1:]
	}
	if len(expired) > 0 {
		q.notFull.Broadcast()
	}
	return expired
}

// Stats returns a snapshot of the queue's counters.
func (q *Queue) Stats() Stats {
	q.mu.Lock()
	defer q.mu.Unlock()
	avg := 0.0
	if q.sizeSamples > 0 {
		avg = q.sizeSampleSum / float64(q.sizeSamples)
	}
	return Stats{
		TotalQueued:      q.totalQueued,
		CurrentSize:      len(q.items),
		AverageQueueSize: avg,
		DropCount:        q.dropCount,
	}
}
