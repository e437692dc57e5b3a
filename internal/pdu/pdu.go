// Package pdu implements the Peer Data Unit wire record: a fixed header
// followed by a payload and an optional-data segment.
package pdu

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"sync/atomic"
)

// Version is the compile-time PDU version this build speaks. Any header
// carrying a different value is rejected outright.
const Version uint32 = 1

// HeaderSize is the fixed, packed size of a PDU header on the wire:
// five uint32 fields, no padding.
const HeaderSize = 4 * 5

// ErrVersionInvalid is returned by Decode when the header's version field
// does not match Version. It is unrecoverable for the stream it came from.
var ErrVersionInvalid = errors.New("pdu: version invalid")

// ErrShortHeader is returned when fewer than HeaderSize bytes are available.
var ErrShortHeader = errors.New("pdu: short header")

// ErrShortBody is returned when the header is well-formed but the payload
// or optional-data bytes it promises are not (yet) available.
var ErrShortBody = errors.New("pdu: short body")

// OptionalData is a reference-counted, immutable byte block. Multiple PDUs
// may alias one OptionalData; it is released once every holder has dropped
// its reference. This is the one place in the fabric where ownership is
// shared rather than transferred by value.
type OptionalData struct {
	bytes      []byte
	attributes uint32
	refs       atomic.Int32
}

// NewOptionalData wraps b (not copied) with a single initial reference.
func NewOptionalData(b []byte, attributes uint32) *OptionalData {
	od := &OptionalData{bytes: b, attributes: attributes}
	od.refs.Store(1)
	return od
}

// Retain increments the reference count and returns od, so callers can
// chain it at the point a new alias is handed out.
func (od *OptionalData) Retain() *OptionalData {
	if od == nil {
		return nil
	}
	od.refs.Add(1)
	return od
}

// Release decrements the reference count. Callers must not touch od.Bytes
// after the count reaches zero.
func (od *OptionalData) Release() {
	if od == nil {
		return
	}
	od.refs.Add(-1)
}

// Bytes returns the underlying immutable byte block.
func (od *OptionalData) Bytes() []byte {
	if od == nil {
		return nil
	}
	return od.bytes
}

// Attributes returns the 32-bit attribute word carried alongside the block.
func (od *OptionalData) Attributes() uint32 {
	if od == nil {
		return 0
	}
	return od.attributes
}

// PDU is the unit of transmission: a fixed header, an opaque payload owned
// by the PDU, and an optional shared/immutable data block.
type PDU struct {
	Version  uint32
	Opcode   uint32
	Payload  []byte
	Optional *OptionalData
}

// New constructs a PDU at the current wire version.
func New(opcode uint32, payload []byte, optional *OptionalData) *PDU {
	return &PDU{Version: Version, Opcode: opcode, Payload: payload, Optional: optional}
}

func (p *PDU) payloadSize() uint32 {
	return uint32(len(p.Payload))
}

func (p *PDU) optionalSize() uint32 {
	if p.Optional == nil {
		return 0
	}
	return uint32(len(p.Optional.Bytes()))
}

// WireLen returns the total length this PDU occupies on the wire.
func (p *PDU) WireLen() int {
	return HeaderSize + len(p.Payload) + int(p.optionalSize())
}

// MarshalTo writes the PDU to w in wire order: header, then payload, then
// optional data, as separate writes. Each segment's write loops on partial
// writes the way a raw socket write can produce them.
func (p *PDU) MarshalTo(w io.Writer) error {
	buf := make([]byte, HeaderSize)
	binary.BigEndian.PutUint32(buf[0:4], p.Version)
	binary.BigEndian.PutUint32(buf[4:8], p.Opcode)
	binary.BigEndian.PutUint32(buf[8:12], p.payloadSize())
	binary.BigEndian.PutUint32(buf[12:16], p.optionalSize())
	binary.BigEndian.PutUint32(buf[16:20], p.Optional.Attributes())

	if err := writeFull(w, buf); err != nil {
		return fmt.Errorf("pdu: write header: %w", err)
	}
	if err := writeFull(w, p.Payload); err != nil {
		return fmt.Errorf("pdu: write payload: %w", err)
	}
	if p.Optional != nil {
		if err := writeFull(w, p.Optional.Bytes()); err != nil {
			return fmt.Errorf("pdu: write optional: %w", err)
		}
	}
	return nil
}

func writeFull(w io.Writer, b []byte) error {
	for len(b) > 0 {
		n, err := w.Write(b)
		if err != nil {
			return err
		}
		b = b[n:]
	}
	return nil
}

// header is the decoded, pre-validation view of a PDU's fixed fields.
type header struct {
	version                uint32
	opcode                 uint32
	payloadSize            uint32
	optionalDataSize       uint32
	optionalDataAttributes uint32
}

func decodeHeader(buf []byte) (header, error) {
	if len(buf) < HeaderSize {
		return header{}, ErrShortHeader
	}
	return header{
		version:                binary.BigEndian.Uint32(buf[0:4]),
		opcode:                 binary.BigEndian.Uint32(buf[4:8]),
		payloadSize:            binary.BigEndian.Uint32(buf[8:12]),
		optionalDataSize:       binary.BigEndian.Uint32(buf[12:16]),
		optionalDataAttributes: binary.BigEndian.Uint32(buf[16:20]),
	}, nil
}

// Decode reads exactly one PDU from r. Validation (version check) happens
// after the full frame has been extracted, matching the receive-buffer
// extraction order used by the socket endpoint.
func Decode(r io.Reader) (*PDU, error) {
	hbuf := make([]byte, HeaderSize)
	if _, err := io.ReadFull(r, hbuf); err != nil {
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			return nil, ErrShortHeader
		}
		return nil, err
	}
	h, err := decodeHeader(hbuf)
	if err != nil {
		return nil, err
	}

	payload := make([]byte, h.payloadSize)
	if h.payloadSize > 0 {
		if _, err := io.ReadFull(r, payload); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrShortBody, err)
		}
	}

	var optional *OptionalData
	if h.optionalDataSize > 0 {
		ob := make([]byte, h.optionalDataSize)
		if _, err := io.ReadFull(r, ob); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrShortBody, err)
		}
		optional = NewOptionalData(ob, h.optionalDataAttributes)
	}

	if h.version != Version {
		return nil, ErrVersionInvalid
	}

	return &PDU{Version: h.version, Opcode: h.opcode, Payload: payload, Optional: optional}, nil
}

// DecodeFromBuffer extracts exactly one PDU from buf if a complete frame
// is present, returning the number of bytes consumed. It is the extraction
// primitive used by the endpoint's in-memory receive buffer rather than an
// io.Reader, since that buffer is filled incrementally by non-blocking recv
// calls and must not block waiting for more bytes.
func DecodeFromBuffer(buf []byte) (p *PDU, consumed int, err error) {
	h, err := decodeHeader(buf)
	if err != nil {
		return nil, 0, ErrShortHeader
	}
	total := HeaderSize + int(h.payloadSize) + int(h.optionalDataSize)
	if len(buf) < total {
		return nil, 0, ErrShortBody
	}

	payload := make([]byte, h.payloadSize)
	copy(payload, buf[HeaderSize:HeaderSize+int(h.payloadSize)])

	var optional *OptionalData
	if h.optionalDataSize > 0 {
		ob := make([]byte, h.optionalDataSize)
		copy(ob, buf[HeaderSize+int(h.payloadSize):total])
		optional = NewOptionalData(ob, h.optionalDataAttributes)
	}

	if h.version != Version {
		return nil, total, ErrVersionInvalid
	}

	return &PDU{Version: h.version, Opcode: h.opcode, Payload: payload, Optional: optional}, total, nil
}

// Equal reports whether p and other have byte-identical headers, payload
// and optional data.
func (p *PDU) Equal(other *PDU) bool {
	if p == nil || other == nil {
		return p == other
	}
	if p.Version != other.Version || p.Opcode != other.Opcode {
		return false
	}
	if !bytes.Equal(p.Payload, other.Payload) {
		return false
	}
	if (p.Optional == nil) != (other.Optional == nil) {
		return false
	}
	if p.Optional == nil {
		return true
	}
	return p.Optional.Attributes() == other.Optional.Attributes() &&
		bytes.Equal(p.Optional.Bytes(), other.Optional.Bytes())
}
