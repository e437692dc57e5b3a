package pdupeer

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"

	"github.com/mellowdrifter/pdufabric/internal/pdu"
	"github.com/mellowdrifter/pdufabric/internal/pduqueue"
)

// Buffer growth is bounded: growing past RecvBufferMaxSize is rejected.
func TestRecvBufferGrowthBounded(t *testing.T) {
	cfg := testConfig()
	cfg.RecvBufferSize = 16
	cfg.RecvBufferStepSize = 16
	cfg.RecvBufferMaxSize = 32

	q := pduqueue.New(4, pduqueue.Block, 0)
	ep := NewFDEndpoint(nil, cfg, q, nil)

	ep.recvLen = len(ep.recvBuf)
	require.NoError(t, ep.growRecvBufferLocked())
	assert.Equal(t, 32, len(ep.recvBuf))

	ep.recvLen = len(ep.recvBuf)
	err := ep.growRecvBufferLocked()
	assert.ErrorIs(t, err, ErrPeerBufferOverflow)
	assert.LessOrEqual(t, len(ep.recvBuf), cfg.RecvBufferMaxSize)
}

func socketpair(t *testing.T) (a, b int) {
	t.Helper()
	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM, 0)
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = unix.Close(fds[0])
		_ = unix.Close(fds[1])
	})
	return fds[0], fds[1]
}

// Exactly-one Connected and exactly-one Disconnected per transition.
func TestExactlyOneConnectedAndDisconnected(t *testing.T) {
	cfg := testConfig()
	a, b := socketpair(t)

	q := pduqueue.New(4, pduqueue.Block, 0)
	ep := NewFDEndpoint(nil, cfg, q, nil)

	var connects, disconnects int
	done := make(chan struct{})
	ep.SetEventCallback(func(ev Event) {
		switch ev.Type {
		case Connected:
			connects++
		case Disconnected:
			disconnects++
			close(done)
		}
	})
	require.NoError(t, ep.Start())
	defer ep.Shutdown()

	require.NoError(t, ep.SetFD(a))
	require.Eventually(t, func() bool { return connects == 1 }, time.Second, 5*time.Millisecond)

	_ = unix.Close(b) // remote shutdown -> recv sees EOF -> closeFD

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("no Disconnected event observed")
	}
	assert.Equal(t, 1, connects)
	assert.Equal(t, 1, disconnects)
}

// Send timeout -> SendError, fd closed, Disconnected follows.
func TestSendTimeoutEmitsSendError(t *testing.T) {
	cfg := testConfig()
	cfg.SendTimeout = 200 * time.Millisecond

	a, _ := socketpair(t)
	// Shrink the send buffer so a large write saturates it without a peer
	// ever draining (b is never read from).
	require.NoError(t, unix.SetsockoptInt(a, unix.SOL_SOCKET, unix.SO_SNDBUF, 1024))

	q := pduqueue.New(4, pduqueue.Block, 0)
	ep := NewFDEndpoint(nil, cfg, q, nil)

	events := make(chan Event, 8)
	ep.SetEventCallback(func(ev Event) { events <- ev })
	require.NoError(t, ep.Start())
	defer ep.Shutdown()
	require.NoError(t, ep.SetFD(a))

	big := make([]byte, 64*1024)
	require.NoError(t, ep.queue.EnqueuePDU(pdu.New(1, big, nil)))

	var sawSendError, sawDisconnected bool
	deadline := time.After(3 * time.Second)
	for !sawSendError || !sawDisconnected {
		select {
		case ev := <-events:
			if ev.Type == SendError {
				sawSendError = true
			}
			if ev.Type == Disconnected {
				sawDisconnected = true
			}
		case <-deadline:
			t.Fatalf("timed out waiting for SendError+Disconnected (sawSendError=%v sawDisconnected=%v)", sawSendError, sawDisconnected)
		}
	}
}

// Queue expiry (pduSendTimeout) surfaces as a SendError event rather than
// the silently-dropped behavior the original left commented out.
func TestQueueExpiryEmitsSendError(t *testing.T) {
	cfg := testConfig()
	cfg.PDUSendTimeout = 30 * time.Millisecond

	q := pduqueue.New(4, pduqueue.Block, cfg.PDUSendTimeout)
	ep := NewFDEndpoint(nil, cfg, q, nil)

	events := make(chan Event, 8)
	ep.SetEventCallback(func(ev Event) { events <- ev })
	require.NoError(t, ep.Start())
	defer ep.Shutdown()

	// Never call SetFD: the endpoint stays Disconnected, so sendThreadRun
	// never pops this PDU, leaving it in the queue to expire.
	require.NoError(t, q.EnqueuePDU(pdu.New(9, []byte("stale"), nil)))

	select {
	case ev := <-events:
		require.Equal(t, SendError, ev.Type)
		assert.Equal(t, uint32(9), ev.PDU.Opcode)
	case <-time.After(2 * time.Second):
		t.Fatal("no SendError observed for expired queued PDU")
	}
}
