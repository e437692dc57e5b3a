package pduqueue

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mellowdrifter/pdufabric/internal/pdu"
)

func mustPDU(opcode uint32) *pdu.PDU {
	return pdu.New(opcode, []byte("x"), nil)
}

func TestFIFOOrdering(t *testing.T) {
	q := New(10, Block, 0)
	for i := uint32(1); i <= 3; i++ {
		require.NoError(t, q.EnqueuePDU(mustPDU(i)))
	}
	for i := uint32(1); i <= 3; i++ {
		p, ok := q.GetNextPDU()
		require.True(t, ok)
		assert.Equal(t, i, p.Opcode)
	}
	_, ok := q.GetNextPDU()
	assert.False(t, ok)
}

func TestDropPolicyDoesNotEvictOldest(t *testing.T) {
	q := New(2, Drop, 0)
	require.NoError(t, q.EnqueuePDU(mustPDU(1)))
	require.NoError(t, q.EnqueuePDU(mustPDU(2)))
	require.NoError(t, q.EnqueuePDU(mustPDU(3))) // dropped, not oldest-evicted

	stats := q.Stats()
	assert.Equal(t, uint64(1), stats.DropCount)
	assert.Equal(t, 2, stats.CurrentSize)

	p, ok := q.GetNextPDU()
	require.True(t, ok)
	assert.Equal(t, uint32(1), p.Opcode) // oldest survived
}

func TestThrowPolicyReturnsErrQueueFull(t *testing.T) {
	q := New(1, Throw, 0)
	require.NoError(t, q.EnqueuePDU(mustPDU(1)))
	err := q.EnqueuePDU(mustPDU(2))
	assert.ErrorIs(t, err, ErrQueueFull)
}

func TestBlockPolicyUnblocksOnConsumer(t *testing.T) {
	q := New(2, Block, 0)
	require.NoError(t, q.EnqueuePDU(mustPDU(1)))
	require.NoError(t, q.EnqueuePDU(mustPDU(2)))

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		require.NoError(t, q.EnqueuePDU(mustPDU(3)))
	}()

	time.Sleep(20 * time.Millisecond)
	_, ok := q.GetNextPDU()
	require.True(t, ok)

	wg.Wait()
	stats := q.Stats()
	assert.Equal(t, uint64(0), stats.DropCount)
	assert.Equal(t, 2, stats.CurrentSize)
}

func TestBlockPolicyShutdownUnblocksProducer(t *testing.T) {
	q := New(1, Block, 0)
	require.NoError(t, q.EnqueuePDU(mustPDU(1)))

	done := make(chan error, 1)
	go func() {
		done <- q.EnqueuePDU(mustPDU(2))
	}()

	time.Sleep(20 * time.Millisecond)
	q.Shutdown()

	select {
	case err := <-done:
		assert.ErrorIs(t, err, ErrShuttingDown)
	case <-time.After(time.Second):
		t.Fatal("producer did not unblock on shutdown")
	}
}

func TestWaitForNextPDUShutdown(t *testing.T) {
	q := New(1, Block, 0)
	done := make(chan bool, 1)
	go func() {
		_, ok := q.WaitForNextPDU()
		done <- ok
	}()

	time.Sleep(20 * time.Millisecond)
	q.Shutdown()

	select {
	case ok := <-done:
		assert.False(t, ok)
	case <-time.After(time.Second):
		t.Fatal("waiter did not unblock on shutdown")
	}
}

func TestFailExpiredPDUs(t *testing.T) {
	q := New(10, Block, 10*time.Millisecond)
	require.NoError(t, q.EnqueuePDU(mustPDU(1)))
	time.Sleep(20 * time.Millisecond)
	require.NoError(t, q.EnqueuePDU(mustPDU(2)))

	expired := q.FailExpiredPDUs()
	require.Len(t, expired, 1)
	assert.Equal(t, uint32(1), expired[0].Opcode)

	p, ok := q.GetNextPDU()
	require.True(t, ok)
	assert.Equal(t, uint32(2), p.Opcode)
}

func TestClearSignalsNotFull(t *testing.T) {
	q := New(1, Block, 0)
	require.NoError(t, q.EnqueuePDU(mustPDU(1)))

	done := make(chan error, 1)
	go func() {
		done <- q.EnqueuePDU(mustPDU(2))
	}()
	time.Sleep(20 * time.Millisecond)
	q.Clear()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("producer did not unblock after Clear")
	}
}
