package network

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"udpcopier/internal/errors"
)

func TestBackoff_Delay(t *testing.T) {
	b := NewBackoff(10*time.Millisecond, 100*time.Millisecond)

	tests := []struct {
		attempt int
		want    time.Duration
	}{
		{0, 10 * time.Millisecond},
		{1, 20 * time.Millisecond},
		{2, 40 * time.Millisecond},
		{3, 80 * time.Millisecond},
		{4, 100 * time.Millisecond},
		{60, 100 * time.Millisecond},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.want, b.Delay(tt.attempt), "attempt %d", tt.attempt)
	}
}

func TestBackoff_MaxBelowMin(t *testing.T) {
	b := NewBackoff(50*time.Millisecond, time.Millisecond)
	assert.Equal(t, 50*time.Millisecond, b.Delay(3))
}

func TestLinkStats(t *testing.T) {
	ls := NewLinkStats()
	assert.Equal(t, 0.0, ls.LossRate())

	ls.UpdateRound(10*time.Millisecond, 4, false)
	assert.Equal(t, 10*time.Millisecond, ls.SmoothedRound)

	ls.UpdateRound(20*time.Millisecond, 8, true)
	assert.Equal(t, 13*time.Millisecond, ls.SmoothedRound)
	assert.Equal(t, 2, ls.Rounds)
	assert.Equal(t, 12, ls.Datagrams)
	assert.Equal(t, 0.5, ls.LossRate())
}

func TestPipe_DeliversCopies(t *testing.T) {
	a, b := NewPipe(8)

	msg := []byte("hello")
	require.NoError(t, a.Send(msg))
	msg[0] = 'j'

	got, err := b.Receive(time.Second)
	require.NoError(t, err)
	assert.Equal(t, []byte("hello"), got)

	require.NoError(t, b.Send([]byte("back")))
	got, err = a.Receive(time.Second)
	require.NoError(t, err)
	assert.Equal(t, []byte("back"), got)
}

func TestPipe_ReceiveTimeout(t *testing.T) {
	_, b := NewPipe(1)

	_, err := b.Receive(10 * time.Millisecond)
	assert.ErrorIs(t, err, errors.ErrTimeout)
}

func TestPipe_Faults(t *testing.T) {
	a, b := NewPipe(16)

	actions := map[byte]Action{'1': Drop, '2': Duplicate, '3': Hold}
	a.SetFault(func(d []byte) Action { return actions[d[0]] })

	for _, m := range []string{"1", "2", "3", "4"} {
		require.NoError(t, a.Send([]byte(m)))
	}

	var got []string
	for {
		d, err := b.Receive(10 * time.Millisecond)
		if err != nil {
			break
		}
		got = append(got, string(d))
	}

	assert.Equal(t, []string{"2", "2", "4", "3"}, got)
	assert.Equal(t, 4, a.Sent())
	assert.Equal(t, 1, a.Dropped())
}

func TestPipe_FullQueueDrops(t *testing.T) {
	a, _ := NewPipe(1)

	require.NoError(t, a.Send([]byte("x")))
	require.NoError(t, a.Send([]byte("y")))
	assert.Equal(t, 1, a.Dropped())
}

func TestPipe_Closed(t *testing.T) {
	a, _ := NewPipe(1)
	require.NoError(t, a.Close())
	require.NoError(t, a.Close())

	err := a.Send([]byte("x"))
	assert.True(t, errors.Is(err, errors.ErrNetwork))

	_, err = a.Receive(time.Second)
	assert.True(t, errors.Is(err, errors.ErrNetwork))
}

func TestUDPTransport_LatchesPeer(t *testing.T) {
	server, err := Listen("127.0.0.1:0")
	require.NoError(t, err)
	defer server.Close()

	addr := server.LocalAddr().String()
	client, err := Dial(addr)
	require.NoError(t, err)
	defer client.Close()

	other, err := Dial(addr)
	require.NoError(t, err)
	defer other.Close()

	assert.Error(t, server.Send([]byte("nobody")), "no peer latched yet")

	require.NoError(t, client.Send([]byte("first")))
	got, err := server.Receive(time.Second)
	require.NoError(t, err)
	assert.Equal(t, []byte("first"), got)
	require.NotNil(t, server.Peer())

	// datagrams from a second source are ignored while a peer is latched
	require.NoError(t, other.Send([]byte("intruder")))
	_, err = server.Receive(100 * time.Millisecond)
	assert.ErrorIs(t, err, errors.ErrTimeout)

	require.NoError(t, server.Send([]byte("reply")))
	got, err = client.Receive(time.Second)
	require.NoError(t, err)
	assert.Equal(t, []byte("reply"), got)

	server.ResetPeer()
	assert.Nil(t, server.Peer())
}
