package network

import (
	"net"
	"sync"
	"time"

	"udpcopier/internal/errors"
)

// Action decides what a pipe does with one outgoing datagram
type Action int

const (
	Pass      Action = iota // deliver normally
	Drop                    // lose the datagram
	Duplicate               // deliver twice
	Hold                    // deliver after the next passed datagram
)

// Fault inspects an outgoing datagram and chooses its fate. It is called
// with the sending end's lock held.
type Fault func(datagram []byte) Action

// PipeEnd is one side of an in-memory datagram link. Delivery is
// asynchronous and lossy when the receiving queue is full, like a real
// socket buffer.
type PipeEnd struct {
	mu     sync.Mutex
	in     chan []byte
	out    chan []byte
	fault  Fault
	held   [][]byte
	closed chan struct{}
	once   sync.Once

	sent    int
	dropped int
}

// NewPipe returns two connected ends, each queueing up to capacity
// datagrams
func NewPipe(capacity int) (*PipeEnd, *PipeEnd) {
	ab := make(chan []byte, capacity)
	ba := make(chan []byte, capacity)
	a := &PipeEnd{in: ba, out: ab, closed: make(chan struct{})}
	b := &PipeEnd{in: ab, out: ba, closed: make(chan struct{})}
	return a, b
}

// SetFault installs the fault applied to datagrams sent from this end
func (p *PipeEnd) SetFault(f Fault) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.fault = f
}

// Sent returns the number of Send calls on this end
func (p *PipeEnd) Sent() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.sent
}

// Dropped returns how many datagrams sent from this end were lost
func (p *PipeEnd) Dropped() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.dropped
}

// Send queues a copy of datagram for the other end
func (p *PipeEnd) Send(datagram []byte) error {
	select {
	case <-p.closed:
		return errors.NewNetworkError("send", "pipe", net.ErrClosed)
	default:
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	p.sent++

	d := make([]byte, len(datagram))
	copy(d, datagram)

	action := Pass
	if p.fault != nil {
		action = p.fault(d)
	}

	switch action {
	case Drop:
		p.dropped++
	case Hold:
		p.held = append(p.held, d)
	case Duplicate:
		p.deliver(d)
		p.deliver(d)
	default:
		p.deliver(d)
		for _, h := range p.held {
			p.deliver(h)
		}
		p.held = nil
	}
	return nil
}

func (p *PipeEnd) deliver(d []byte) {
	select {
	case p.out <- d:
	default:
		p.dropped++
	}
}

// Receive waits up to timeout for a datagram from the other end
func (p *PipeEnd) Receive(timeout time.Duration) ([]byte, error) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case d := <-p.in:
		return d, nil
	case <-timer.C:
		return nil, errors.ErrTimeout
	case <-p.closed:
		return nil, errors.NewNetworkError("receive", "pipe", net.ErrClosed)
	}
}

// Close stops this end; further calls on it fail
func (p *PipeEnd) Close() error {
	p.once.Do(func() { close(p.closed) })
	return nil
}
