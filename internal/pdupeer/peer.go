package pdupeer

import (
	"github.com/mellowdrifter/pdufabric/internal/pdu"
	"github.com/mellowdrifter/pdufabric/internal/pduqueue"
)

// peerBinder lets an endpoint learn the Peer it belongs to so published
// events can carry a back-reference, without the endpoint owning the
// peer (or the set) by pointer from construction time.
type peerBinder interface {
	bindPeer(*Peer)
}

// Peer is a logical remote or local participant: a u64 identity composed
// of one outbound queue and one endpoint.
type Peer struct {
	ID       uint64
	queue    *pduqueue.Queue
	endpoint Endpoint
}

// NewPeer composes queue and endpoint under the given peer-id.
func NewPeer(id uint64, queue *pduqueue.Queue, endpoint Endpoint) *Peer {
	p := &Peer{ID: id, queue: queue, endpoint: endpoint}
	if b, ok := endpoint.(peerBinder); ok {
		b.bindPeer(p)
	}
	return p
}

// EnqueuePDU forwards to the peer's outbound queue.
func (p *Peer) EnqueuePDU(pd *pdu.PDU) error { return p.queue.EnqueuePDU(pd) }

// RecvPDU forwards to the peer's endpoint.
func (p *Peer) RecvPDU() (*pdu.PDU, bool) { return p.endpoint.RecvPDU() }

// IsPDUReady forwards to the peer's endpoint.
func (p *Peer) IsPDUReady() bool { return p.endpoint.IsPDUReady() }

// IsConnected forwards to the peer's endpoint.
func (p *Peer) IsConnected() bool { return p.endpoint.IsConnected() }

// SetEventCallback forwards to the peer's endpoint.
func (p *Peer) SetEventCallback(cb EventCallback) { p.endpoint.SetEventCallback(cb) }

// Start proxies to the endpoint.
func (p *Peer) Start() error { return p.endpoint.Start() }

// Shutdown proxies to the endpoint.
func (p *Peer) Shutdown() { p.endpoint.Shutdown() }

// QueueStats reports this peer's outbound queue counters.
func (p *Peer) QueueStats() pduqueue.Stats { return p.queue.Stats() }

// Endpoint exposes the underlying endpoint, used by the acceptor to route
// an adopted fd via SetFD.
func (p *Peer) Endpoint() Endpoint { return p.endpoint }
