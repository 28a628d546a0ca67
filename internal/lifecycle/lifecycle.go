// Package lifecycle drives connection setup and teardown: the state machine
// shared by both roles and the bounded START and FIN retry exchanges.
package lifecycle

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"udpcopier/internal/errors"
	"udpcopier/internal/network"
	"udpcopier/internal/protocol"
)

// State is a connection lifecycle state
type State int

const (
	Closed State = iota
	Handshaking
	Established
	Closing
)

func (s State) String() string {
	switch s {
	case Closed:
		return "CLOSED"
	case Handshaking:
		return "HANDSHAKING"
	case Established:
		return "ESTABLISHED"
	case Closing:
		return "CLOSING"
	default:
		return "UNKNOWN"
	}
}

// transitions lists the legal successors of each state. The receiver moves
// from CLOSED straight to ESTABLISHED on START and from ESTABLISHED back to
// CLOSED on FIN or idle timeout.
var transitions = map[State][]State{
	Closed:      {Handshaking, Established},
	Handshaking: {Established, Closed},
	Established: {Closing, Closed},
	Closing:     {Closed},
}

// Machine tracks the lifecycle state of one connection
type Machine struct {
	role  string
	state State
}

// NewMachine creates a machine in CLOSED for the named role
func NewMachine(role string) *Machine {
	return &Machine{role: role}
}

// State returns the current state
func (m *Machine) State() State {
	return m.state
}

// Transition moves to state to, rejecting moves the lifecycle does not allow
func (m *Machine) Transition(to State) error {
	for _, next := range transitions[m.state] {
		if next == to {
			slog.Info("Connection state changed", "role", m.role, "from", m.state.String(), "to", to.String())
			m.state = to
			return nil
		}
	}
	return errors.NewProtocolError("transition", fmt.Sprintf("illegal transition %s -> %s", m.state, to), nil)
}

// Reset forces the machine to CLOSED from any state. It is used when a
// connection is abandoned and must not fail.
func (m *Machine) Reset() {
	if m.state == Closed {
		return
	}
	slog.Info("Connection state changed", "role", m.role, "from", m.state.String(), "to", Closed.String(), "forced", true)
	m.state = Closed
}

// Exchange holds what a bounded control exchange needs
type Exchange struct {
	Transport network.Transport
	Codec     *protocol.Codec
	Peer      string
	Attempts  int
	Timeout   time.Duration // how long each attempt waits for a reply
	Backoff   network.Backoff
}

// Handshake sends START up to Attempts times until the peer answers with a
// start acknowledgment. On success the machine is ESTABLISHED; when every
// attempt times out it returns an error matching errors.ErrHandshakeTimeout
// and the machine is back in CLOSED.
func Handshake(ctx context.Context, m *Machine, ex Exchange) error {
	if err := m.Transition(Handshaking); err != nil {
		return err
	}

	acked, attempts, err := exchange(ctx, ex, protocol.StartHeader(), func(h protocol.Header) bool { return h.Start })
	if err != nil {
		m.Reset()
		return err
	}
	if !acked {
		m.Reset()
		return errors.NewHandshakeError(ex.Peer, attempts, errors.ErrTimeout)
	}

	slog.Info("Handshake complete", "peer", ex.Peer, "attempts", attempts)
	return m.Transition(Established)
}

// Teardown sends FIN up to Attempts times until the peer acknowledges it.
// The machine always ends in CLOSED; acked reports whether the close was
// confirmed. Errors are returned only for transport faults and cancellation.
func Teardown(ctx context.Context, m *Machine, ex Exchange) (bool, error) {
	if err := m.Transition(Closing); err != nil {
		return false, err
	}

	acked, attempts, err := exchange(ctx, ex, protocol.FinHeader(), func(h protocol.Header) bool { return h.Fin })
	m.Reset()
	if err != nil {
		return false, err
	}

	if acked {
		slog.Info("Teardown acknowledged", "peer", ex.Peer, "attempts", attempts)
	} else {
		slog.Warn("Teardown not acknowledged, closing anyway", "peer", ex.Peer, "attempts", attempts)
	}
	return acked, nil
}

// exchange sends request and waits for a reply satisfying match, retrying
// with backoff. Unrelated datagrams such as late data acknowledgments are
// skipped without consuming an attempt.
func exchange(ctx context.Context, ex Exchange, request protocol.Header, match func(protocol.Header) bool) (bool, int, error) {
	datagram, err := ex.Codec.EncodeHeader(request)
	if err != nil {
		return false, 0, err
	}

	for attempt := 0; attempt < ex.Attempts; attempt++ {
		if ctx.Err() != nil {
			return false, attempt, errors.ErrCancelled
		}
		if err := ex.Transport.Send(datagram); err != nil {
			return false, attempt + 1, err
		}

		ok, err := awaitReply(ctx, ex, match)
		if err != nil {
			return false, attempt + 1, err
		}
		if ok {
			return true, attempt + 1, nil
		}

		slog.Debug("Control exchange timed out",
			"request", request.Kind().String(),
			"attempt", attempt+1,
			"max_attempts", ex.Attempts)

		if attempt+1 < ex.Attempts {
			if err := sleep(ctx, ex.Backoff.Delay(attempt)); err != nil {
				return false, attempt + 1, err
			}
		}
	}
	return false, ex.Attempts, nil
}

func awaitReply(ctx context.Context, ex Exchange, match func(protocol.Header) bool) (bool, error) {
	deadline := time.Now().Add(ex.Timeout)
	for {
		if ctx.Err() != nil {
			return false, errors.ErrCancelled
		}
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return false, nil
		}

		buf, err := ex.Transport.Receive(remaining)
		if errors.Is(err, errors.ErrTimeout) {
			return false, nil
		}
		if err != nil {
			return false, err
		}

		h, err := protocol.ReadHeader(buf)
		if err != nil {
			slog.Warn("Discarding malformed reply", "error", err)
			continue
		}
		if match(h) {
			return true, nil
		}
	}
}

func sleep(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return errors.ErrCancelled
	}
}
