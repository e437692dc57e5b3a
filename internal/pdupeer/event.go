package pdupeer

import "github.com/mellowdrifter/pdufabric/internal/pdu"

// EventType enumerates the kinds of notification a PDUPeerEvent carries.
type EventType int

const (
	Connected EventType = iota
	Disconnected
	ReceivedPDU
	SendError
)

func (t EventType) String() string {
	switch t {
	case Connected:
		return "Connected"
	case Disconnected:
		return "Disconnected"
	case ReceivedPDU:
		return "ReceivedPDU"
	case SendError:
		return "SendError"
	default:
		return "Unknown"
	}
}

// Event is a typed notification delivered to a peer's event callback,
// always on that peer's callback goroutine and never while any internal
// lock is held.
type Event struct {
	Type EventType
	Peer *Peer
	PDU  *pdu.PDU
}

// EventCallback receives events for one peer (or, at the set level, for
// every peer in the set).
type EventCallback func(Event)
