package pdupeer

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mellowdrifter/pdufabric/internal/pdu"
	"github.com/mellowdrifter/pdufabric/internal/pduqueue"
)

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.SendTimeout = time.Second
	cfg.RecvBufferSize = 256
	cfg.RecvBufferStepSize = 256
	cfg.RecvBufferMaxSize = 1024
	return cfg
}

// 1. Ping-pong over TCP loopback: A (connector, identity 1) dials B's
// listener; B has an acceptor-only peer configured with id 1. A sends
// opcode 7 "ping"; B's callback receives exactly one ReceivedPDU.
func TestScenarioPingPongOverLoopback(t *testing.T) {
	bb, err := NewBuilder(nil, BuilderConfig{
		ListenAddr: "127.0.0.1:0",
		Peers:      []PeerConfig{{ID: 1}},
		Endpoint:   testConfig(),
	})
	require.NoError(t, err)
	require.NoError(t, bb.Start())
	defer bb.Shutdown()

	received := make(chan *pdu.PDU, 4)
	bb.PeerSet().SetEventCallback(func(ev Event) {
		if ev.Type == ReceivedPDU {
			received <- ev.PDU
		}
	})

	ab, err := NewBuilder(nil, BuilderConfig{
		PeerSetID: 1,
		Peers: []PeerConfig{{
			ID:        1,
			Connector: &ConnectorConfig{IP: [4]byte{127, 0, 0, 1}, Port: bb.ListenPort()},
		}},
		Endpoint: testConfig(),
	})
	require.NoError(t, err)
	require.NoError(t, ab.Start())
	defer ab.Shutdown()

	peerA, ok := ab.PeerSet().peerByID(1)
	require.True(t, ok)

	require.Eventually(t, func() bool { return peerA.IsConnected() }, 2*time.Second, 10*time.Millisecond)
	require.NoError(t, peerA.EnqueuePDU(pdu.New(7, []byte("ping"), nil)))

	select {
	case p := <-received:
		assert.Equal(t, uint32(7), p.Opcode)
		assert.Equal(t, "ping", string(p.Payload))
	case <-time.After(2 * time.Second):
		t.Fatal("B never received the ping")
	}

	select {
	case p := <-received:
		t.Fatalf("unexpected second ReceivedPDU (opcode %d)", p.Opcode)
	case <-time.After(100 * time.Millisecond):
	}
}

// 2. In-process short-circuit: three enqueued PDUs are delivered in
// opcode order.
func TestScenarioInProcessShortCircuit(t *testing.T) {
	q := pduqueue.New(8, pduqueue.Block, 0)
	ep := NewInProcessEndpoint(nil, q, 8, 0)
	var order []uint32
	var mu sync.Mutex
	done := make(chan struct{})
	ep.SetEventCallback(func(ev Event) {
		if ev.Type == ReceivedPDU {
			mu.Lock()
			order = append(order, ev.PDU.Opcode)
			if len(order) == 3 {
				close(done)
			}
			mu.Unlock()
		}
	})
	peer := NewPeer(1, q, ep)
	require.NoError(t, peer.Start())
	defer peer.Shutdown()

	for i := uint32(1); i <= 3; i++ {
		require.NoError(t, peer.EnqueuePDU(pdu.New(i, nil, nil)))
	}

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("did not receive all three events")
	}
	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []uint32{1, 2, 3}, order)
}

// 5. Handshake id routing: a connector that writes 7 bytes then closes is
// dropped without affecting peer state.
func TestScenarioHandshakeShortReadDropped(t *testing.T) {
	bb, err := NewBuilder(nil, BuilderConfig{
		ListenAddr: "127.0.0.1:0",
		Peers:      []PeerConfig{{ID: 0x1122334455667788}},
		Endpoint:   testConfig(),
	})
	require.NoError(t, err)
	require.NoError(t, bb.Start())
	defer bb.Shutdown()

	cfd, err := dialRaw("127.0.0.1", bb.ListenPort())
	require.NoError(t, err)
	_, err = writeRaw(cfd, []byte{1, 2, 3, 4, 5, 6, 7})
	require.NoError(t, err)
	closeRaw(cfd)

	time.Sleep(100 * time.Millisecond)
	p, ok := bb.PeerSet().peerByID(0x1122334455667788)
	require.True(t, ok)
	assert.False(t, p.IsConnected())
}

// Shutdown completeness: after Shutdown returns, no further events are
// delivered through the peer's callback.
func TestScenarioShutdownCompleteness(t *testing.T) {
	q := pduqueue.New(8, pduqueue.Block, 0)
	ep := NewInProcessEndpoint(nil, q, 8, 0)
	var delivered int
	var mu sync.Mutex
	ep.SetEventCallback(func(Event) {
		mu.Lock()
		delivered++
		mu.Unlock()
	})
	peer := NewPeer(1, q, ep)
	require.NoError(t, peer.Start())

	require.NoError(t, peer.EnqueuePDU(pdu.New(1, nil, nil)))
	time.Sleep(50 * time.Millisecond)
	peer.Shutdown()

	mu.Lock()
	before := delivered
	mu.Unlock()

	// The queue still accepts a further enqueue (it is not full), but no
	// goroutine is left to move it, so nothing should be delivered after.
	_ = peer.EnqueuePDU(pdu.New(2, nil, nil))
	time.Sleep(50 * time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, before, delivered)
}
