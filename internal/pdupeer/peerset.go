package pdupeer

import (
	"sync"

	"go.uber.org/zap"

	"github.com/mellowdrifter/pdufabric/internal/epollmon"
	"github.com/mellowdrifter/pdufabric/internal/pdu"
	"github.com/mellowdrifter/pdufabric/internal/pduqueue"
)

// PeerSet is a collection of peers keyed by peer-id. All mutations and
// broadcasts take one set-wide lock; event callbacks always run outside
// it, on each peer's own callback goroutine.
type PeerSet struct {
	log     *zap.SugaredLogger
	monitor *epollmon.Monitor

	mu      sync.Mutex
	peers   map[uint64]*Peer
	cb      EventCallback
	running bool
}

// NewPeerSet constructs an empty set sharing one epoll monitor.
func NewPeerSet(log *zap.SugaredLogger, monitor *epollmon.Monitor) *PeerSet {
	return &PeerSet{log: log, monitor: monitor, peers: make(map[uint64]*Peer)}
}

// PeerAdd inserts p under the set lock, wires the current event callback,
// and starts it if the set is already running.
func (s *PeerSet) PeerAdd(p *Peer) error {
	s.mu.Lock()
	s.peers[p.ID] = p
	cb := s.cb
	running := s.running
	s.mu.Unlock()

	if cb != nil {
		p.SetEventCallback(cb)
	}
	if running {
		return p.Start()
	}
	return nil
}

// PeerDelete shuts the peer down, then removes it.
func (s *PeerSet) PeerDelete(id uint64) {
	s.mu.Lock()
	p, ok := s.peers[id]
	delete(s.peers, id)
	s.mu.Unlock()
	if ok {
		p.Shutdown()
	}
}

// PeerCreate is the acceptor path: wrap fd in a fresh FD endpoint and
// queue, key the resulting peer by fd (any sufficiently unique value
// works, since network peer-ids are large), add it to the set, and adopt
// the fd.
func (s *PeerSet) PeerCreate(fd int, cfg Config) (*Peer, error) {
	q := pduqueue.New(cfg.QueueMaxSize, cfg.QueuePolicy, cfg.PDUSendTimeout)
	ep := NewFDEndpoint(s.log, cfg, q, s.monitor)
	p := NewPeer(uint64(fd), q, ep)

	if err := s.PeerAdd(p); err != nil {
		return nil, err
	}
	if err := ep.SetFD(fd); err != nil {
		return nil, err
	}
	return p, nil
}

// peerByID looks a peer up by id; used by the acceptor to route a
// handshake to the matching peer.
func (s *PeerSet) peerByID(id uint64) (*Peer, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.peers[id]
	return p, ok
}

func (s *PeerSet) snapshot() []*Peer {
	s.mu.Lock()
	defer s.mu.Unlock()
	peers := make([]*Peer, 0, len(s.peers))
	for _, p := range s.peers {
		peers = append(peers, p)
	}
	return peers
}

// BroadcastAsync takes a snapshot of the peers under the set lock and then
// enqueues pd on each of them outside it, so a peer added or removed while
// the broadcast runs may be missed or still reached. Per-peer failures are
// logged but do not abort the broadcast.
func (s *PeerSet) BroadcastAsync(pd *pdu.PDU) {
	for _, p := range s.snapshot() {
		if err := p.EnqueuePDU(pd); err != nil {
			if s.log != nil {
				s.log.Warnw("pdupeer: broadcast enqueue failed", "peer", p.ID, "error", err)
			}
		}
	}
}

// SetEventCallback stores cb on the set and propagates it to every
// current peer.
func (s *PeerSet) SetEventCallback(cb EventCallback) {
	s.mu.Lock()
	s.cb = cb
	s.mu.Unlock()
	for _, p := range s.snapshot() {
		p.SetEventCallback(cb)
	}
}

// GetConnectedCount sums IsConnected() over every peer.
func (s *PeerSet) GetConnectedCount() int {
	n := 0
	for _, p := range s.snapshot() {
		if p.IsConnected() {
			n++
		}
	}
	return n
}

// Start marks the set running and starts every peer currently in it.
func (s *PeerSet) Start() error {
	s.mu.Lock()
	s.running = true
	s.mu.Unlock()
	for _, p := range s.snapshot() {
		if err := p.Start(); err != nil {
			return err
		}
	}
	return nil
}

// Shutdown shuts every peer down.
func (s *PeerSet) Shutdown() {
	for _, p := range s.snapshot() {
		p.Shutdown()
	}
}
