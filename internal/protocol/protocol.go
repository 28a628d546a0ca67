package protocol

import (
	"encoding/binary"
	"fmt"
	"strings"

	"udpcopier/internal/errors"
)

// Wire layout: five big-endian uint64 fields followed by a fixed-capacity
// payload region.
const (
	HeaderSize     = 40
	MaxPayloadSize = 65507 - HeaderSize // largest IPv4 UDP payload minus header

	offSeq     = 0
	offAck     = 8
	offDataLen = 16
	offStart   = 24
	offFin     = 32
)

// Kind classifies a segment by its control flags
type Kind int

const (
	KindData Kind = iota
	KindStart
	KindFin
)

func (k Kind) String() string {
	switch k {
	case KindData:
		return "DATA"
	case KindStart:
		return "START"
	case KindFin:
		return "FIN"
	default:
		return "UNKNOWN"
	}
}

// Header is the fixed segment header.
//
// For data segments Seq is the cumulative byte offset after the payload and
// Ack is the packet index. Acknowledgments mirror the header they refer to.
type Header struct {
	Seq     uint64
	Ack     uint64
	DataLen uint64
	Start   bool
	Fin     bool
}

// Kind returns the segment kind implied by the control flags
func (h Header) Kind() Kind {
	switch {
	case h.Start:
		return KindStart
	case h.Fin:
		return KindFin
	default:
		return KindData
	}
}

// Validate checks the flag invariants: start and fin are mutually
// exclusive and neither may carry payload.
func (h Header) Validate() error {
	if h.Start && h.Fin {
		return errors.NewHeaderError("validate", HeaderSize, "start and fin both set")
	}
	if (h.Start || h.Fin) && h.DataLen != 0 {
		return errors.NewHeaderError("validate", HeaderSize, "control segment carries payload")
	}
	return nil
}

// String provides a human-readable representation for debugging
func (h Header) String() string {
	var flags []string
	if h.Start {
		flags = append(flags, "START")
	}
	if h.Fin {
		flags = append(flags, "FIN")
	}
	return fmt.Sprintf("Header{Seq:%d, Ack:%d, DataLen:%d, Flags:[%s]}",
		h.Seq, h.Ack, h.DataLen, strings.Join(flags, "|"))
}

// Segment is a decoded datagram. Payload is the whole payload region that
// followed the header; only the first DataLen bytes are meaningful.
type Segment struct {
	Header
	Payload []byte
}

// Body returns the meaningful payload bytes, bounded by capacity and by the
// bytes actually present in the datagram.
func (s *Segment) Body(capacity int) ([]byte, error) {
	if s.DataLen > uint64(capacity) {
		return nil, errors.NewHeaderError("body", len(s.Payload)+HeaderSize,
			fmt.Sprintf("data_len %d exceeds payload capacity %d", s.DataLen, capacity))
	}
	if s.DataLen > uint64(len(s.Payload)) {
		return nil, errors.NewHeaderError("body", len(s.Payload)+HeaderSize,
			fmt.Sprintf("data_len %d exceeds datagram payload %d", s.DataLen, len(s.Payload)))
	}
	return s.Payload[:s.DataLen], nil
}

// Codec encodes and decodes fixed-size datagrams for one payload capacity
type Codec struct {
	capacity int
}

// NewCodec creates a codec whose datagrams are HeaderSize+capacity bytes
func NewCodec(capacity int) (*Codec, error) {
	if capacity <= 0 || capacity > MaxPayloadSize {
		return nil, errors.NewValidationError("payload_capacity", capacity,
			fmt.Sprintf("must be between 1 and %d", MaxPayloadSize))
	}
	return &Codec{capacity: capacity}, nil
}

// Capacity returns the payload capacity
func (c *Codec) Capacity() int {
	return c.capacity
}

// DatagramSize returns the constant on-wire size
func (c *Codec) DatagramSize() int {
	return HeaderSize + c.capacity
}

// Encode writes h and payload into a new datagram. DataLen is taken from
// len(payload); the rest of the payload region is zero.
func (c *Codec) Encode(h Header, payload []byte) ([]byte, error) {
	if len(payload) > c.capacity {
		return nil, errors.NewProtocolError("encode",
			fmt.Sprintf("payload of %d bytes exceeds capacity %d", len(payload), c.capacity), nil)
	}
	h.DataLen = uint64(len(payload))
	if err := h.Validate(); err != nil {
		return nil, err
	}

	buf := make([]byte, c.DatagramSize())
	PutHeader(buf, h)
	copy(buf[HeaderSize:], payload)
	return buf, nil
}

// EncodeHeader encodes a header with an empty payload region, keeping
// h.DataLen as given. Acknowledgments mirror the DataLen of the segment they
// refer to without echoing its payload.
func (c *Codec) EncodeHeader(h Header) ([]byte, error) {
	if err := h.Validate(); err != nil {
		return nil, err
	}
	buf := make([]byte, c.DatagramSize())
	PutHeader(buf, h)
	return buf, nil
}

// Decode parses a datagram. It fails only when the buffer is shorter than
// the header; DataLen is checked later by Segment.Body.
func (c *Codec) Decode(buf []byte) (*Segment, error) {
	h, err := ReadHeader(buf)
	if err != nil {
		return nil, err
	}
	return &Segment{Header: h, Payload: buf[HeaderSize:]}, nil
}

// PutHeader writes h into the first HeaderSize bytes of buf
func PutHeader(buf []byte, h Header) {
	_ = buf[HeaderSize-1]
	binary.BigEndian.PutUint64(buf[offSeq:], h.Seq)
	binary.BigEndian.PutUint64(buf[offAck:], h.Ack)
	binary.BigEndian.PutUint64(buf[offDataLen:], h.DataLen)
	binary.BigEndian.PutUint64(buf[offStart:], boolToWire(h.Start))
	binary.BigEndian.PutUint64(buf[offFin:], boolToWire(h.Fin))
}

// ReadHeader reads a header from buf
func ReadHeader(buf []byte) (Header, error) {
	if len(buf) < HeaderSize {
		return Header{}, errors.NewHeaderError("decode", len(buf), "shorter than header")
	}
	return Header{
		Seq:     binary.BigEndian.Uint64(buf[offSeq:]),
		Ack:     binary.BigEndian.Uint64(buf[offAck:]),
		DataLen: binary.BigEndian.Uint64(buf[offDataLen:]),
		Start:   binary.BigEndian.Uint64(buf[offStart:]) != 0,
		Fin:     binary.BigEndian.Uint64(buf[offFin:]) != 0,
	}, nil
}

func boolToWire(b bool) uint64 {
	if b {
		return 1
	}
	return 0
}

// Control segment constructors

// StartHeader is the connection-establishment request
func StartHeader() Header {
	return Header{Start: true}
}

// FinHeader is the connection-teardown request
func FinHeader() Header {
	return Header{Fin: true}
}

// DataHeader describes packet index whose payload ends at byte offset end.
// DataLen is filled in by Encode.
func DataHeader(index, end uint64) Header {
	return Header{Seq: end, Ack: index}
}

// AckFor mirrors the header of the segment being acknowledged
func AckFor(h Header) Header {
	return Header{Seq: h.Seq, Ack: h.Ack, DataLen: h.DataLen, Start: h.Start, Fin: h.Fin}
}

// GapHint tells the sender which index is missing. DataLen is zero, which
// distinguishes it from a positive acknowledgment of a data segment.
func GapHint(nextExpected, bytesWritten uint64) Header {
	return Header{Seq: bytesWritten, Ack: nextExpected}
}

// IsGapHint reports whether an acknowledgment is a gap hint
func IsGapHint(h Header) bool {
	return h.Kind() == KindData && h.DataLen == 0
}
