package pdupeer

import "errors"

// Error kinds mirrored from the spec's abstract error taxonomy. Transport
// failures (CouldNotConnect, PDUVersionInvalid, buffer overflow) are never
// returned from a public call: they are logged, and the session is retried
// or closed (a close publishes Disconnected). Events carry no error value.
// Only ErrNotConnected and ErrPDUPeerEndpoint are returned to callers, at
// the synchronous misuse/config boundary. ErrPeerBufferOutOfMemory and
// ErrRequestBlocked are declared but not produced by this package.
var (
	ErrCouldNotConnect       = errors.New("pdupeer: could not connect")
	ErrNotConnected          = errors.New("pdupeer: not connected")
	ErrPDUVersionInvalid     = errors.New("pdupeer: pdu version invalid")
	ErrPeerBufferOverflow    = errors.New("pdupeer: receive buffer overflow")
	ErrPeerBufferOutOfMemory = errors.New("pdupeer: receive buffer allocation failed")
	ErrPDUPeerEndpoint       = errors.New("pdupeer: endpoint misconfigured")
	ErrRequestBlocked        = errors.New("pdupeer: request blocked")
)
