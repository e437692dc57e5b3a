package pdupeer

import (
	"time"

	"github.com/mellowdrifter/pdufabric/internal/pdu"
	"github.com/mellowdrifter/pdufabric/internal/pduqueue"
)

// Endpoint is a single transport to exactly one peer: either a socket-
// backed endpoint with its own send/receive/callback threads and framing
// state machine, or an in-process short-circuit endpoint that loops sends
// straight to receives. There is exactly one canonical interface with two
// concrete families; nothing in this package replicates a second
// parallel hierarchy.
type Endpoint interface {
	// Start spawns the endpoint's worker goroutines. Fails with
	// ErrPDUPeerEndpoint if the endpoint requires an event callback that
	// has not been set.
	Start() error
	// Shutdown signals every worker goroutine to exit and waits for them.
	// Idempotent.
	Shutdown()
	// SendPDU is a synchronous convenience that enqueues onto the shared
	// queue; returns ErrNotConnected when invoked on an acceptor-side
	// endpoint whose fd is not yet set.
	SendPDU(p *pdu.PDU) error
	// RecvPDU returns one complete PDU if available, false otherwise.
	RecvPDU() (*pdu.PDU, bool)
	// IsPDUReady reports whether RecvPDU would currently succeed.
	IsPDUReady() bool
	// IsConnected reports whether the endpoint currently has a live
	// transport (fd set, or in-process connect having fired).
	IsConnected() bool
	// SetEventCallback installs the callback events are delivered to.
	SetEventCallback(cb EventCallback)
	// SetFD adopts an already-connected socket (acceptor path). Returns
	// ErrPDUPeerEndpoint for endpoint families that are not fd-backed.
	SetFD(fd int) error
}

// Config carries the tunables spec.md §6 lists as configuration knobs.
type Config struct {
	SendTimeout           time.Duration
	RecvBufferSize        int
	RecvBufferMaxSize     int
	RecvBufferStepSize    int
	QueueMaxSize          int
	QueuePolicy           pduqueue.OverflowPolicy
	PDUSendTimeout        time.Duration
	PeerSetID             uint64
}

// DefaultConfig returns reasonable tunables for tests and small daemons.
func DefaultConfig() Config {
	return Config{
		SendTimeout:        5 * time.Second,
		RecvBufferSize:     4096,
		RecvBufferMaxSize:  1 << 20,
		RecvBufferStepSize: 4096,
		QueueMaxSize:       256,
		QueuePolicy:        pduqueue.Block,
		PDUSendTimeout:     0,
	}
}

// Stats are the monotonically increasing counters spec.md §4.4 requires.
type Stats struct {
	PDUSendCount      uint64
	PDURecvCount      uint64
	PDUSendErrors     uint64
	ByteSendCount     uint64
	ByteRecvCount     uint64
	PDURecvReadyCount uint64
	DisconnectCount   uint64
}
