// Package sequencer implements the receiver's in-order delivery decisions.
package sequencer

import (
	"fmt"
	"io"

	"udpcopier/internal/errors"
	"udpcopier/internal/protocol"
)

// GapHintCopies is how many gap hints answer one out-of-order segment
const GapHintCopies = 2

// Outcome classifies an incoming data segment
type Outcome int

const (
	Delivered   Outcome = iota // in order, written to the sink
	Redelivered                // already written, acknowledged again
	OutOfOrder                 // ahead of the next expected index, dropped
)

func (o Outcome) String() string {
	switch o {
	case Delivered:
		return "delivered"
	case Redelivered:
		return "redelivered"
	case OutOfOrder:
		return "out_of_order"
	default:
		return "unknown"
	}
}

// Decision is the result of handling one segment: what happened and which
// acknowledgment headers to send back, in order.
type Decision struct {
	Outcome Outcome
	Index   uint64
	Written int
	Replies []protocol.Header
}

// Sequencer owns the receive-side sequence state of one connection. Only
// contiguous bytes ever reach the sink; out-of-order payload is discarded.
type Sequencer struct {
	sink     io.Writer
	capacity int

	nextExpected uint64
	bytesWritten uint64
}

// New creates a sequencer writing to sink and accepting payloads of at most
// capacity bytes
func New(sink io.Writer, capacity int) *Sequencer {
	return &Sequencer{sink: sink, capacity: capacity}
}

// NextExpected returns the index of the next in-order packet
func (s *Sequencer) NextExpected() uint64 { return s.nextExpected }

// BytesWritten returns the number of bytes delivered to the sink
func (s *Sequencer) BytesWritten() uint64 { return s.bytesWritten }

// Handle classifies a data segment, writes it to the sink when it is the
// next in order and returns the acknowledgments to emit.
//
// Malformed segments return an error matching errors.ErrMalformedHeader and
// leave the state untouched. Sink failures match errors.ErrFileSystem.
func (s *Sequencer) Handle(seg *protocol.Segment) (Decision, error) {
	if seg.Kind() != protocol.KindData {
		return Decision{}, errors.NewProtocolError("sequence", fmt.Sprintf("unexpected %s segment", seg.Kind()), nil)
	}
	if seg.DataLen == 0 {
		return Decision{}, errors.NewHeaderError("sequence", protocol.HeaderSize+len(seg.Payload), "data segment without payload")
	}
	body, err := seg.Body(s.capacity)
	if err != nil {
		return Decision{}, err
	}

	index := seg.Ack
	switch {
	case index == s.nextExpected:
		if seg.Seq != s.bytesWritten+seg.DataLen {
			return Decision{}, errors.NewHeaderError("sequence", protocol.HeaderSize+len(seg.Payload),
				fmt.Sprintf("seq %d does not follow offset %d", seg.Seq, s.bytesWritten))
		}
		n, err := s.sink.Write(body)
		if err != nil {
			return Decision{}, wrapSinkError(err)
		}
		if n != len(body) {
			return Decision{}, wrapSinkError(io.ErrShortWrite)
		}
		s.nextExpected++
		s.bytesWritten += uint64(n)
		return Decision{
			Outcome: Delivered,
			Index:   index,
			Written: n,
			Replies: []protocol.Header{protocol.AckFor(seg.Header)},
		}, nil

	case index < s.nextExpected:
		return Decision{
			Outcome: Redelivered,
			Index:   index,
			Replies: []protocol.Header{protocol.AckFor(seg.Header)},
		}, nil

	default:
		hint := protocol.GapHint(s.nextExpected, s.bytesWritten)
		replies := make([]protocol.Header, GapHintCopies)
		for i := range replies {
			replies[i] = hint
		}
		return Decision{Outcome: OutOfOrder, Index: index, Replies: replies}, nil
	}
}

func wrapSinkError(err error) error {
	if errors.Is(err, errors.ErrFileSystem) {
		return err
	}
	return errors.NewFileSystemError("write", "sink", err)
}
