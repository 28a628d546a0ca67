package window

import (
	"bytes"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"udpcopier/internal/congestion"
	"udpcopier/internal/protocol"
)

func buildWindow(t *testing.T, size, capacity, initial int) *Window {
	t.Helper()
	codec, err := protocol.NewCodec(capacity)
	require.NoError(t, err)

	data := bytes.Repeat([]byte("x"), size)
	packets, err := Build(codec, bytes.NewReader(data), int64(size))
	require.NoError(t, err)

	return New(packets, congestion.NewController(initial, 1024))
}

func ackFor(w *Window, i int) protocol.Header {
	p := w.Packet(i)
	return protocol.Header{Seq: p.End, Ack: uint64(i), DataLen: uint64(p.Length)}
}

func TestBuild(t *testing.T) {
	codec, err := protocol.NewCodec(100)
	require.NoError(t, err)

	data := make([]byte, 950)
	for i := range data {
		data[i] = byte(i)
	}

	packets, err := Build(codec, bytes.NewReader(data), int64(len(data)))
	require.NoError(t, err)
	require.Len(t, packets, 10)

	var rebuilt []byte
	for i, p := range packets {
		assert.Equal(t, i, p.Index)
		assert.Len(t, p.Datagram, codec.DatagramSize())

		seg, err := codec.Decode(p.Datagram)
		require.NoError(t, err)
		assert.Equal(t, uint64(i), seg.Ack)
		assert.Equal(t, p.End, seg.Seq)

		body, err := seg.Body(codec.Capacity())
		require.NoError(t, err)
		rebuilt = append(rebuilt, body...)
	}
	assert.Equal(t, 50, packets[9].Length)
	assert.Equal(t, uint64(950), packets[9].End)
	assert.Equal(t, data, rebuilt)
}

func TestBuild_ShortSource(t *testing.T) {
	codec, err := protocol.NewCodec(100)
	require.NoError(t, err)

	_, err = Build(codec, bytes.NewReader(make([]byte, 150)), 300)
	assert.Error(t, err)
}

func TestBuild_Empty(t *testing.T) {
	codec, err := protocol.NewCodec(100)
	require.NoError(t, err)

	packets, err := Build(codec, bytes.NewReader(nil), 0)
	require.NoError(t, err)
	assert.Empty(t, packets)

	w := New(packets, congestion.NewController(4, 16))
	assert.True(t, w.Done())
	assert.Empty(t, w.BeginRound())
	assert.False(t, w.OnTimeout())
}

func TestBeginRound_ClipsToWindowAndLength(t *testing.T) {
	w := buildWindow(t, 500, 100, 4)

	assert.Equal(t, []int{0, 1, 2, 3}, w.BeginRound())
	for i := 0; i < 4; i++ {
		res := w.OnAck(ackFor(w, i))
		assert.Equal(t, AckFresh, res.Kind)
	}
	assert.True(t, w.RoundComplete())
	assert.Equal(t, 8, w.Controller().Window())

	// Only one packet remains even though cwnd is 8
	assert.Equal(t, []int{4}, w.BeginRound())
	assert.Equal(t, 4, w.Base())
}

func TestSelectiveRepeat_SkipsAcknowledged(t *testing.T) {
	w := buildWindow(t, 1000, 100, 4)

	w.BeginRound()
	w.OnAck(ackFor(w, 0))
	w.OnAck(ackFor(w, 2))
	assert.False(t, w.RoundComplete())

	assert.True(t, w.OnTimeout())
	require.Equal(t, 4, w.Controller().Window())

	assert.Equal(t, []int{1, 3, 4}, w.BeginRound())
	assert.Equal(t, 1, w.Base())
	assert.Equal(t, 2, w.Sends(1))
	assert.Equal(t, 1, w.Sends(2))
	assert.Equal(t, 2, w.Stats().Retransmissions)
}

func TestDuplicateAck_ResetsWindow(t *testing.T) {
	w := buildWindow(t, 2000, 100, 7)

	w.BeginRound()
	res := w.OnAck(ackFor(w, 2))
	require.Equal(t, AckFresh, res.Kind)
	require.Equal(t, 8, w.Controller().Window())

	res = w.OnAck(ackFor(w, 2))
	assert.Equal(t, AckDuplicate, res.Kind)
	assert.True(t, res.Reduced)
	assert.Equal(t, 4, w.Controller().Threshold())
	assert.Equal(t, 7, w.Controller().Window())
	assert.True(t, w.Acked(2))
}

func TestOneReductionPerRound(t *testing.T) {
	w := buildWindow(t, 2000, 100, 8)

	w.BeginRound()
	w.OnAck(ackFor(w, 0))

	first := w.OnAck(protocol.GapHint(1, 100))
	second := w.OnAck(protocol.GapHint(1, 100))
	assert.Equal(t, AckGapHint, first.Kind)
	assert.True(t, first.Reduced)
	assert.False(t, second.Reduced)
	assert.False(t, w.OnTimeout())

	stats := w.Stats()
	assert.Equal(t, 1, stats.Reductions)
	assert.Equal(t, 2, stats.Suppressed)
	assert.Equal(t, 2, stats.GapHints)
	assert.False(t, w.Acked(1), "a gap hint never acknowledges the missing packet")

	w.BeginRound()
	assert.True(t, w.OnTimeout())
	assert.Equal(t, 2, w.Stats().Reductions)
}

func TestOnAck_RejectsInvalid(t *testing.T) {
	w := buildWindow(t, 300, 100, 4)
	w.BeginRound()

	res := w.OnAck(protocol.Header{Seq: 100, Ack: 9, DataLen: 100})
	assert.Equal(t, AckInvalid, res.Kind)

	res = w.OnAck(protocol.Header{Seq: 150, Ack: 0, DataLen: 100})
	assert.Equal(t, AckInvalid, res.Kind)

	res = w.OnAck(protocol.AckFor(protocol.FinHeader()))
	assert.Equal(t, AckInvalid, res.Kind)

	assert.Equal(t, 0, w.Stats().FreshAcks)
}

func TestOnAck_StaleGapHint(t *testing.T) {
	w := buildWindow(t, 300, 100, 4)
	w.BeginRound()
	w.OnAck(ackFor(w, 0))

	res := w.OnAck(protocol.GapHint(0, 0))
	assert.Equal(t, AckStale, res.Kind)
	assert.False(t, res.Reduced)
}

func TestBaseIsMonotonic(t *testing.T) {
	w := buildWindow(t, 10000, 100, 4)
	rng := rand.New(rand.NewSource(7))

	lastBase := 0
	for rounds := 0; !w.Done() && rounds < 1000; rounds++ {
		sent := w.BeginRound()
		assert.GreaterOrEqual(t, w.Base(), lastBase)
		lastBase = w.Base()

		// deliver a random subset of acknowledgments in random order
		rng.Shuffle(len(sent), func(i, j int) { sent[i], sent[j] = sent[j], sent[i] })
		for _, i := range sent {
			if rng.Intn(4) == 0 {
				continue
			}
			w.OnAck(ackFor(w, i))
			if rng.Intn(10) == 0 {
				w.OnAck(ackFor(w, i))
			}
		}
		if !w.RoundComplete() {
			w.OnTimeout()
		}
		assert.GreaterOrEqual(t, w.Controller().Window(), 1)
		assert.GreaterOrEqual(t, w.Controller().Threshold(), 1)
	}
	assert.True(t, w.Done())
	w.BeginRound()
	assert.Equal(t, w.Len(), w.Base())
}
