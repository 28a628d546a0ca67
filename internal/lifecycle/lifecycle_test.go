package lifecycle

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"udpcopier/internal/errors"
	"udpcopier/internal/network"
	"udpcopier/internal/protocol"
)

func newExchange(t *testing.T, tr network.Transport, attempts int) Exchange {
	t.Helper()
	codec, err := protocol.NewCodec(64)
	require.NoError(t, err)
	return Exchange{
		Transport: tr,
		Codec:     codec,
		Peer:      "pipe",
		Attempts:  attempts,
		Timeout:   20 * time.Millisecond,
		Backoff:   network.NewBackoff(time.Millisecond, 4*time.Millisecond),
	}
}

// responder answers control segments arriving on end until ctx is done
func responder(ctx context.Context, t *testing.T, end *network.PipeEnd, reply func(protocol.Header) bool) {
	codec, err := protocol.NewCodec(64)
	require.NoError(t, err)
	go func() {
		for ctx.Err() == nil {
			buf, err := end.Receive(5 * time.Millisecond)
			if err != nil {
				continue
			}
			h, err := protocol.ReadHeader(buf)
			if err != nil || !reply(h) {
				continue
			}
			ack, _ := codec.EncodeHeader(protocol.AckFor(h))
			end.Send(ack)
		}
	}()
}

func TestMachine_Transitions(t *testing.T) {
	m := NewMachine("sender")
	assert.Equal(t, Closed, m.State())

	require.NoError(t, m.Transition(Handshaking))
	require.NoError(t, m.Transition(Established))
	require.NoError(t, m.Transition(Closing))
	require.NoError(t, m.Transition(Closed))

	// receiver path
	require.NoError(t, m.Transition(Established))
	require.NoError(t, m.Transition(Closed))
}

func TestMachine_RejectsIllegalTransitions(t *testing.T) {
	tests := []struct {
		name string
		from []State
		to   State
	}{
		{"closed to closing", nil, Closing},
		{"handshaking to closing", []State{Handshaking}, Closing},
		{"closing to established", []State{Handshaking, Established, Closing}, Established},
		{"established to handshaking", []State{Established}, Handshaking},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := NewMachine("test")
			for _, s := range tt.from {
				require.NoError(t, m.Transition(s))
			}
			before := m.State()

			err := m.Transition(tt.to)
			assert.True(t, errors.Is(err, errors.ErrProtocol))
			assert.Equal(t, before, m.State())
		})
	}
}

func TestMachine_Reset(t *testing.T) {
	tests := []struct {
		name string
		path []State
	}{
		{"from closed", nil},
		{"from handshaking", []State{Handshaking}},
		{"from established", []State{Established}},
		{"from closing", []State{Handshaking, Established, Closing}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := NewMachine("test")
			for _, s := range tt.path {
				require.NoError(t, m.Transition(s))
			}

			m.Reset()
			assert.Equal(t, Closed, m.State())
			// a reset machine can start a new connection
			assert.NoError(t, m.Transition(Handshaking))
		})
	}
}

func TestStateString(t *testing.T) {
	assert.Equal(t, "CLOSED", Closed.String())
	assert.Equal(t, "HANDSHAKING", Handshaking.String())
	assert.Equal(t, "ESTABLISHED", Established.String())
	assert.Equal(t, "CLOSING", Closing.String())
	assert.Equal(t, "UNKNOWN", State(42).String())
}

func TestHandshake_Succeeds(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	a, b := network.NewPipe(16)
	responder(ctx, t, b, func(h protocol.Header) bool { return h.Start })

	m := NewMachine("sender")
	require.NoError(t, Handshake(ctx, m, newExchange(t, a, 5)))
	assert.Equal(t, Established, m.State())
	assert.Equal(t, 1, a.Sent())
}

func TestHandshake_RetriesAfterLoss(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	a, b := network.NewPipe(16)
	lost := 0
	a.SetFault(func([]byte) network.Action {
		if lost < 2 {
			lost++
			return network.Drop
		}
		return network.Pass
	})
	responder(ctx, t, b, func(h protocol.Header) bool { return h.Start })

	m := NewMachine("sender")
	require.NoError(t, Handshake(ctx, m, newExchange(t, a, 5)))
	assert.Equal(t, 3, a.Sent())
}

func TestHandshake_ExhaustsAttempts(t *testing.T) {
	a, _ := network.NewPipe(16)
	a.SetFault(func([]byte) network.Action { return network.Drop })

	m := NewMachine("sender")
	err := Handshake(context.Background(), m, newExchange(t, a, 5))
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.ErrHandshakeTimeout))

	var hsErr *errors.HandshakeError
	require.True(t, errors.As(err, &hsErr))
	assert.Equal(t, 5, hsErr.Attempts)

	assert.Equal(t, 5, a.Sent(), "exactly one START per attempt")
	assert.Equal(t, Closed, m.State())

	// no further network activity after the failure is reported
	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, 5, a.Sent())
}

func TestHandshake_IgnoresUnrelatedReplies(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	a, b := network.NewPipe(16)
	codec, err := protocol.NewCodec(64)
	require.NoError(t, err)

	go func() {
		if _, err := b.Receive(time.Second); err != nil {
			return
		}
		stray, _ := codec.EncodeHeader(protocol.Header{Seq: 64, Ack: 0, DataLen: 64})
		b.Send(stray)
		b.Send([]byte("junk"))
		ack, _ := codec.EncodeHeader(protocol.AckFor(protocol.StartHeader()))
		b.Send(ack)
	}()

	m := NewMachine("sender")
	require.NoError(t, Handshake(ctx, m, newExchange(t, a, 1)))
	assert.Equal(t, Established, m.State())
}

func TestHandshake_Cancelled(t *testing.T) {
	a, _ := network.NewPipe(16)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	m := NewMachine("sender")
	err := Handshake(ctx, m, newExchange(t, a, 5))
	assert.ErrorIs(t, err, errors.ErrCancelled)
	assert.Equal(t, 0, a.Sent())
	assert.Equal(t, Closed, m.State())
}

func TestTeardown_Acknowledged(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	a, b := network.NewPipe(16)
	responder(ctx, t, b, func(h protocol.Header) bool { return h.Fin })

	m := NewMachine("sender")
	require.NoError(t, m.Transition(Handshaking))
	require.NoError(t, m.Transition(Established))

	acked, err := Teardown(ctx, m, newExchange(t, a, 5))
	require.NoError(t, err)
	assert.True(t, acked)
	assert.Equal(t, Closed, m.State())
}

func TestTeardown_FinAckLostEveryTime(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	a, b := network.NewPipe(16)
	b.SetFault(func([]byte) network.Action { return network.Drop })
	responder(ctx, t, b, func(h protocol.Header) bool { return h.Fin })

	m := NewMachine("sender")
	require.NoError(t, m.Transition(Handshaking))
	require.NoError(t, m.Transition(Established))

	acked, err := Teardown(ctx, m, newExchange(t, a, 5))
	require.NoError(t, err)
	assert.False(t, acked)
	assert.Equal(t, Closed, m.State(), "best-effort close never hangs")
	assert.Equal(t, 5, a.Sent())
	assert.Eventually(t, func() bool { return b.Dropped() == 5 }, time.Second, 5*time.Millisecond)
}
