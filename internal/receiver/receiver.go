// Package receiver drives the receiving side of a transfer. It answers
// START and FIN, feeds data segments to the sequencer and closes the
// connection on FIN or when the peer goes idle.
package receiver

import (
	"context"
	"io"
	"log/slog"
	"net"
	"time"

	"udpcopier/internal/config"
	"udpcopier/internal/errors"
	"udpcopier/internal/filesystem"
	"udpcopier/internal/lifecycle"
	"udpcopier/internal/logging"
	"udpcopier/internal/network"
	"udpcopier/internal/progress"
	"udpcopier/internal/protocol"
	"udpcopier/internal/sequencer"
)

// Close reasons reported in Result
const (
	ReasonFin       = "fin"
	ReasonIdle      = "idle"
	ReasonCancelled = "cancelled"
)

// Options tunes one receive session
type Options struct {
	IdleTimeout time.Duration // silence that ends an established connection
	Linger      time.Duration // how long FIN retransmissions are answered after close
	Progress    *progress.Stats
}

// Result summarizes a finished receive session
type Result struct {
	Bytes       int64
	Reason      string
	Duration    time.Duration
	Delivered   int
	Redelivered int
	OutOfOrder  int
	Malformed   int
	Digest      string
}

// Receiver owns a listening transport and the destination path
type Receiver struct {
	cfg       *config.Config
	transport *network.UDPTransport
}

// Listen binds the configured port
func Listen(cfg *config.Config) (*Receiver, error) {
	transport, err := network.Listen(cfg.ListenAddress())
	if err != nil {
		return nil, err
	}
	return &Receiver{cfg: cfg, transport: transport}, nil
}

// Addr returns the bound address
func (r *Receiver) Addr() net.Addr {
	return r.transport.LocalAddr()
}

// Close releases the socket
func (r *Receiver) Close() error {
	return r.transport.Close()
}

// Serve accepts one connection and appends its bytes to the output file
func (r *Receiver) Serve(ctx context.Context) (*Result, error) {
	codec, err := protocol.NewCodec(r.cfg.PayloadSize)
	if err != nil {
		return nil, err
	}

	sink, err := filesystem.OpenSink(r.cfg.OutputFile)
	if err != nil {
		return nil, err
	}

	opts := Options{
		IdleTimeout: r.cfg.IdleTimeout,
		Linger:      r.cfg.Linger,
		Progress:    progress.NewStats("receiver", 0),
	}
	if r.cfg.ShowProgress {
		reporter := progress.NewReporter(opts.Progress, true)
		reporter.Start()
		defer reporter.Stop()
	}

	res, err := Receive(ctx, r.transport, codec, sink, opts)
	if err != nil {
		return nil, err
	}
	res.Digest = sink.Digest()
	return res, nil
}

// Run listens on the configured port and receives one file
func Run(ctx context.Context, cfg *config.Config) error {
	r, err := Listen(cfg)
	if err != nil {
		return err
	}
	defer r.Close()

	slog.Info("Receiver ready", "address", r.Addr().String())
	start := time.Now()

	res, err := r.Serve(ctx)
	if err != nil {
		logging.LogSessionEnd(false, 0, time.Since(start))
		return err
	}

	if res.Reason == ReasonFin {
		digest := res.Digest
		if !cfg.LogDigest {
			digest = ""
		}
		logging.LogTransferComplete(res.Bytes, res.Duration, digest)
	} else {
		slog.Warn("Connection closed before FIN", "reason", res.Reason, "bytes", res.Bytes)
	}
	logging.LogSessionEnd(res.Reason == ReasonFin, res.Bytes, time.Since(start))
	return nil
}

// session is the per-connection receive state
type session struct {
	transport network.Transport
	codec     *protocol.Codec
	sink      io.WriteCloser
	opts      Options

	machine *lifecycle.Machine
	seq     *sequencer.Sequencer
	result  Result
	started time.Time
}

// Receive serves one connection on transport, appending in-order payload
// to sink. The sink is closed when the connection ends. Only sink failures,
// transport faults and errors closing the sink are returned as errors; an
// idle peer or a cancelled context ends the session with the matching
// Reason.
func Receive(ctx context.Context, transport network.Transport, codec *protocol.Codec, sink io.WriteCloser, opts Options) (*Result, error) {
	s := &session{
		transport: transport,
		codec:     codec,
		sink:      sink,
		opts:      opts,
		machine:   lifecycle.NewMachine("receiver"),
	}
	return s.run(ctx)
}

func (s *session) run(ctx context.Context) (*Result, error) {
	for {
		if ctx.Err() != nil {
			return s.finish(ReasonCancelled)
		}

		buf, err := s.transport.Receive(s.opts.IdleTimeout)
		if errors.Is(err, errors.ErrTimeout) {
			if s.machine.State() == lifecycle.Established {
				slog.Warn("Peer idle, closing connection", "idle_timeout", s.opts.IdleTimeout)
				if err := s.machine.Transition(lifecycle.Closed); err != nil {
					s.sink.Close()
					return nil, err
				}
				return s.finish(ReasonIdle)
			}
			continue
		}
		if err != nil {
			s.sink.Close()
			return nil, err
		}

		seg, err := s.codec.Decode(buf)
		if err == nil {
			err = seg.Validate()
		}
		if err != nil {
			s.result.Malformed++
			slog.Warn("Discarding malformed segment", "error", err)
			continue
		}

		switch seg.Kind() {
		case protocol.KindStart:
			if err := s.onStart(seg); err != nil {
				s.sink.Close()
				return nil, err
			}
		case protocol.KindFin:
			if err := s.reply(protocol.AckFor(seg.Header)); err != nil {
				s.sink.Close()
				return nil, err
			}
			if s.machine.State() != lifecycle.Established {
				continue
			}
			if err := s.machine.Transition(lifecycle.Closed); err != nil {
				s.sink.Close()
				return nil, err
			}
			res, err := s.finish(ReasonFin)
			if err != nil {
				return nil, err
			}
			s.linger(ctx)
			return res, nil
		default:
			if err := s.onData(seg); err != nil {
				s.sink.Close()
				return nil, err
			}
		}
	}
}

func (s *session) onStart(seg *protocol.Segment) error {
	if s.machine.State() == lifecycle.Established {
		slog.Debug("Duplicate START, re-sending acknowledgment")
		return s.reply(protocol.AckFor(seg.Header))
	}

	if err := s.machine.Transition(lifecycle.Established); err != nil {
		return err
	}
	s.seq = sequencer.New(s.sink, s.codec.Capacity())
	s.started = time.Now()
	return s.reply(protocol.AckFor(seg.Header))
}

func (s *session) onData(seg *protocol.Segment) error {
	if s.machine.State() != lifecycle.Established {
		slog.Debug("Discarding data outside a connection", "header", seg.Header.String())
		return nil
	}

	d, err := s.seq.Handle(seg)
	if errors.Is(err, errors.ErrMalformedHeader) {
		s.result.Malformed++
		slog.Warn("Discarding malformed segment", "error", err)
		return nil
	}
	if err != nil {
		return err
	}

	switch d.Outcome {
	case sequencer.Delivered:
		s.result.Delivered++
		if s.opts.Progress != nil {
			s.opts.Progress.UpdateTransferred(int64(d.Written))
		}
	case sequencer.Redelivered:
		s.result.Redelivered++
	case sequencer.OutOfOrder:
		s.result.OutOfOrder++
		slog.Debug("Out-of-order segment", "index", d.Index, "next_expected", s.seq.NextExpected())
	}

	for _, h := range d.Replies {
		if err := s.reply(h); err != nil {
			return err
		}
	}
	return nil
}

func (s *session) reply(h protocol.Header) error {
	datagram, err := s.codec.EncodeHeader(h)
	if err != nil {
		return err
	}
	return s.transport.Send(datagram)
}

// finish closes the sink and fills in the result
func (s *session) finish(reason string) (*Result, error) {
	s.result.Reason = reason
	if s.seq != nil {
		s.result.Bytes = int64(s.seq.BytesWritten())
	}
	if !s.started.IsZero() {
		s.result.Duration = time.Since(s.started)
	}

	slog.Info("Connection closed",
		"reason", reason,
		"bytes", s.result.Bytes,
		"delivered", s.result.Delivered,
		"redelivered", s.result.Redelivered,
		"out_of_order", s.result.OutOfOrder,
		"malformed", s.result.Malformed)

	if err := s.sink.Close(); err != nil {
		return nil, err
	}
	return &s.result, nil
}

// linger keeps answering retransmitted FINs for a while so a lost FIN
// acknowledgment does not leave the sender retrying into silence
func (s *session) linger(ctx context.Context) {
	deadline := time.Now().Add(s.opts.Linger)
	for ctx.Err() == nil {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return
		}

		buf, err := s.transport.Receive(remaining)
		if err != nil {
			return
		}
		h, err := protocol.ReadHeader(buf)
		if err != nil || !h.Fin {
			continue
		}
		if err := s.reply(protocol.AckFor(h)); err != nil {
			return
		}
	}
}
