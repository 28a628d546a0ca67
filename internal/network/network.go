package network

import (
	"fmt"
	"log/slog"
	"net"
	"time"

	"udpcopier/internal/config"
	"udpcopier/internal/errors"
)

// Transport is the datagram primitive the transfer engine runs on: send one
// datagram to the peer, or wait a bounded time for the next one.
type Transport interface {
	// Send transmits one datagram to the peer
	Send(datagram []byte) error
	// Receive returns the next datagram, or errors.ErrTimeout when nothing
	// arrives within timeout. The returned slice is owned by the caller.
	Receive(timeout time.Duration) ([]byte, error)
	Close() error
}

// UDPTransport carries datagrams over a UDP socket to a single peer.
//
// A dialed transport talks to a fixed peer. A listening transport latches
// onto the address of the first datagram it receives and ignores any other
// source until ResetPeer is called.
type UDPTransport struct {
	conn *net.UDPConn
	peer *net.UDPAddr
	buf  []byte
}

// Dial creates a transport bound to an ephemeral local port that exchanges
// datagrams with addr. The socket is left unconnected so that ICMP errors
// from a peer that is not listening yet do not abort the handshake.
func Dial(addr string) (*UDPTransport, error) {
	raddr, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		return nil, errors.NewNetworkError("resolve", addr, err)
	}
	conn, err := net.ListenUDP("udp", nil)
	if err != nil {
		return nil, errors.NewNetworkError("dial", addr, err)
	}
	tuneSocket(conn)

	return &UDPTransport{conn: conn, peer: raddr, buf: make([]byte, config.ReadBufferLen)}, nil
}

// Listen creates a transport bound to addr that waits for a peer
func Listen(addr string) (*UDPTransport, error) {
	laddr, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		return nil, errors.NewNetworkError("resolve", addr, err)
	}
	conn, err := net.ListenUDP("udp", laddr)
	if err != nil {
		return nil, errors.NewNetworkError("listen", addr, err)
	}
	tuneSocket(conn)

	return &UDPTransport{conn: conn, buf: make([]byte, config.ReadBufferLen)}, nil
}

// LocalAddr returns the bound socket address
func (t *UDPTransport) LocalAddr() net.Addr {
	return t.conn.LocalAddr()
}

// Peer returns the current peer address, nil while none is latched
func (t *UDPTransport) Peer() *net.UDPAddr {
	return t.peer
}

// ResetPeer forgets the latched peer so the next datagram from any address
// starts a new connection
func (t *UDPTransport) ResetPeer() {
	t.peer = nil
}

// Send transmits a datagram to the peer
func (t *UDPTransport) Send(datagram []byte) error {
	if t.peer == nil {
		return errors.NewNetworkError("send", t.conn.LocalAddr().String(), fmt.Errorf("no peer latched"))
	}
	if _, err := t.conn.WriteToUDP(datagram, t.peer); err != nil {
		return errors.NewNetworkError("send", t.peer.String(), err)
	}
	return nil
}

// Receive waits up to timeout for a datagram from the peer
func (t *UDPTransport) Receive(timeout time.Duration) ([]byte, error) {
	if err := t.conn.SetReadDeadline(time.Now().Add(timeout)); err != nil {
		return nil, errors.NewNetworkError("set_deadline", t.conn.LocalAddr().String(), err)
	}

	for {
		n, from, err := t.conn.ReadFromUDP(t.buf)
		if err != nil {
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				return nil, errors.ErrTimeout
			}
			return nil, errors.NewNetworkError("receive", t.conn.LocalAddr().String(), err)
		}

		if t.peer == nil {
			t.peer = from
			slog.Debug("Peer latched", "peer", from.String())
		} else if !sameAddr(t.peer, from) {
			slog.Debug("Ignoring datagram from unknown source", "source", from.String(), "peer", t.peer.String())
			continue
		}

		datagram := make([]byte, n)
		copy(datagram, t.buf[:n])
		return datagram, nil
	}
}

// Close releases the socket
func (t *UDPTransport) Close() error {
	return t.conn.Close()
}

func sameAddr(a, b *net.UDPAddr) bool {
	return a.Port == b.Port && a.IP.Equal(b.IP)
}

// tuneSocket enlarges the socket buffers so a full congestion window of
// datagrams fits without kernel drops
func tuneSocket(conn *net.UDPConn) {
	if err := conn.SetReadBuffer(config.UDPBufferSize); err != nil {
		slog.Warn("Failed to set UDP read buffer", "error", err)
	}
	if err := conn.SetWriteBuffer(config.UDPBufferSize); err != nil {
		slog.Warn("Failed to set UDP write buffer", "error", err)
	}
}
