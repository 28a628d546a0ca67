// Package window implements the sender's selective-repeat send window.
//
// The whole transfer is packetized up front. Each round the window offers
// every unacknowledged packet in [base, base+cwnd) for transmission, then
// folds acknowledgments into the per-packet state and the congestion
// controller. At most one congestion reduction is applied per round.
package window

import (
	"fmt"
	"io"

	"udpcopier/internal/congestion"
	"udpcopier/internal/protocol"
)

// Packet is one prebuilt data segment. Datagram is immutable once built.
type Packet struct {
	Index    int
	Datagram []byte
	Length   int
	End      uint64

	acked     bool
	sends     int
	lastRound int
}

// Build slices the first n bytes of r into ceil(n/capacity) packets.
// Errors from r are returned unchanged.
func Build(codec *protocol.Codec, r io.Reader, n int64) ([]*Packet, error) {
	if n < 0 {
		return nil, fmt.Errorf("negative byte count %d", n)
	}
	capacity := int64(codec.Capacity())
	count := (n + capacity - 1) / capacity
	packets := make([]*Packet, 0, count)

	var end uint64
	for i := int64(0); i < count; i++ {
		size := min(capacity, n-int64(end))
		payload := make([]byte, size)
		if _, err := io.ReadFull(r, payload); err != nil {
			return nil, err
		}
		end += uint64(size)

		datagram, err := codec.Encode(protocol.DataHeader(uint64(i), end), payload)
		if err != nil {
			return nil, err
		}
		packets = append(packets, &Packet{
			Index:    int(i),
			Datagram: datagram,
			Length:   int(size),
			End:      end,
		})
	}
	return packets, nil
}

// AckKind classifies an acknowledgment received by the sender
type AckKind int

const (
	AckFresh AckKind = iota
	AckDuplicate
	AckGapHint
	AckStale
	AckInvalid
)

func (k AckKind) String() string {
	switch k {
	case AckFresh:
		return "fresh"
	case AckDuplicate:
		return "duplicate"
	case AckGapHint:
		return "gap_hint"
	case AckStale:
		return "stale"
	case AckInvalid:
		return "invalid"
	default:
		return "unknown"
	}
}

// AckResult describes how an acknowledgment changed the window
type AckResult struct {
	Kind    AckKind
	Index   int
	Bytes   int
	Reduced bool // a congestion reduction was applied
}

// Stats counts window activity over one transfer
type Stats struct {
	Rounds          int
	Transmissions   int
	Retransmissions int
	FreshAcks       int
	DuplicateAcks   int
	GapHints        int
	Timeouts        int
	Reductions      int
	Suppressed      int // loss signals ignored after this round's reduction
}

// Window owns the packet set and acknowledgment state of one transfer.
// It is not safe for concurrent use.
type Window struct {
	packets []*Packet
	cc      *congestion.Controller

	base         int
	ackedCount   int
	round        int
	roundPending int
	reduced      bool
	stats        Stats
}

// New creates a window over packets driven by cc
func New(packets []*Packet, cc *congestion.Controller) *Window {
	return &Window{packets: packets, cc: cc}
}

// Len returns the number of packets in the transfer
func (w *Window) Len() int { return len(w.packets) }

// Base returns the lowest unacknowledged index, or Len when done
func (w *Window) Base() int { return w.base }

// Done reports whether every packet has been acknowledged
func (w *Window) Done() bool { return w.ackedCount == len(w.packets) }

// Controller returns the congestion controller
func (w *Window) Controller() *congestion.Controller { return w.cc }

// Stats returns a snapshot of the window counters
func (w *Window) Stats() Stats { return w.stats }

// Round returns the current round number, starting at 1
func (w *Window) Round() int { return w.round }

// Packet returns the packet at index i
func (w *Window) Packet(i int) *Packet { return w.packets[i] }

// Acked reports whether packet i has been acknowledged
func (w *Window) Acked(i int) bool { return w.packets[i].acked }

// Sends returns how many times packet i has been offered for transmission
func (w *Window) Sends(i int) int { return w.packets[i].sends }

// BeginRound starts a new round and returns the indices to transmit: every
// unacknowledged packet in [base, base+cwnd). Each returned packet is
// counted as sent.
func (w *Window) BeginRound() []int {
	w.advanceBase()
	w.round++
	w.reduced = false
	w.stats.Rounds++

	end := min(w.base+w.cc.Window(), len(w.packets))
	indices := make([]int, 0, end-w.base)
	for i := w.base; i < end; i++ {
		p := w.packets[i]
		if p.acked {
			continue
		}
		if p.sends > 0 {
			w.stats.Retransmissions++
		}
		p.sends++
		p.lastRound = w.round
		w.stats.Transmissions++
		indices = append(indices, i)
	}
	w.roundPending = len(indices)
	return indices
}

// RoundComplete reports whether every packet sent this round is acknowledged
func (w *Window) RoundComplete() bool {
	return w.roundPending == 0
}

// OnAck folds one acknowledgment header into the window
func (w *Window) OnAck(h protocol.Header) AckResult {
	if h.Kind() != protocol.KindData {
		return AckResult{Kind: AckInvalid, Index: -1}
	}
	if h.Ack >= uint64(len(w.packets)) {
		return AckResult{Kind: AckInvalid, Index: -1}
	}
	idx := int(h.Ack)
	p := w.packets[idx]

	if protocol.IsGapHint(h) {
		if p.acked {
			return AckResult{Kind: AckStale, Index: idx}
		}
		w.stats.GapHints++
		return AckResult{Kind: AckGapHint, Index: idx, Reduced: w.signalLoss(congestion.EventDuplicateAck)}
	}

	if h.Seq != p.End || h.DataLen != uint64(p.Length) {
		return AckResult{Kind: AckInvalid, Index: idx}
	}

	if p.acked {
		w.stats.DuplicateAcks++
		return AckResult{Kind: AckDuplicate, Index: idx, Bytes: p.Length, Reduced: w.signalLoss(congestion.EventDuplicateAck)}
	}

	p.acked = true
	w.ackedCount++
	w.stats.FreshAcks++
	if p.lastRound == w.round {
		w.roundPending--
	}
	w.cc.OnAck()
	return AckResult{Kind: AckFresh, Index: idx, Bytes: p.Length}
}

// OnTimeout applies a receive timeout. It returns true when packets were
// outstanding and a reduction was applied.
func (w *Window) OnTimeout() bool {
	if w.Done() {
		return false
	}
	w.stats.Timeouts++
	return w.signalLoss(congestion.EventTimeout)
}

func (w *Window) signalLoss(ev congestion.Event) bool {
	if w.reduced {
		w.stats.Suppressed++
		return false
	}
	w.reduced = true
	w.stats.Reductions++
	switch ev {
	case congestion.EventTimeout:
		w.cc.OnTimeout()
	default:
		w.cc.OnDuplicateAck()
	}
	return true
}

// advanceBase moves base past acknowledged packets. Acknowledgments are
// never revoked, so scanning forward from the previous base finds the same
// lowest unacknowledged index as a scan from zero.
func (w *Window) advanceBase() {
	for w.base < len(w.packets) && w.packets[w.base].acked {
		w.base++
	}
}
