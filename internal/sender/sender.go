// Package sender drives the sending side of a transfer: handshake, the
// round-based data phase and best-effort teardown.
package sender

import (
	"context"
	"log/slog"
	"time"

	"udpcopier/internal/config"
	"udpcopier/internal/congestion"
	"udpcopier/internal/errors"
	"udpcopier/internal/filesystem"
	"udpcopier/internal/lifecycle"
	"udpcopier/internal/logging"
	"udpcopier/internal/network"
	"udpcopier/internal/progress"
	"udpcopier/internal/protocol"
	"udpcopier/internal/window"
)

// Options tunes one transfer
type Options struct {
	Peer              string
	InitialWindow     int
	MaxWindow         int
	DataTimeout       time.Duration // receive timeout that ends a round
	ControlTimeout    time.Duration // per-attempt wait for START and FIN acknowledgments
	PeerTimeout       time.Duration // silence during the data phase that ends the transfer
	HandshakeAttempts int
	FinAttempts       int
	Backoff           network.Backoff
	Progress          *progress.Stats // optional; counts acknowledged bytes
}

// OptionsFromConfig derives transfer options from the configuration
func OptionsFromConfig(cfg *config.Config) Options {
	return Options{
		Peer:              cfg.ReceiverAddress(),
		InitialWindow:     cfg.InitialWindow,
		MaxWindow:         cfg.MaxWindow,
		DataTimeout:       cfg.DataTimeout,
		ControlTimeout:    cfg.DataTimeout,
		PeerTimeout:       cfg.IdleTimeout,
		HandshakeAttempts: cfg.HandshakeAttempts,
		FinAttempts:       cfg.FinAttempts,
		Backoff:           network.NewBackoff(cfg.MinDelay, cfg.MaxDelay),
	}
}

// Result summarizes a finished transfer
type Result struct {
	Packets       int
	Bytes         int64
	Window        window.Stats
	Link          network.LinkStats
	Duration      time.Duration
	Digest        string
	GracefulClose bool // the FIN was acknowledged
}

// Run sends the configured file to the configured receiver
func Run(ctx context.Context, cfg *config.Config) error {
	slog.Info("Starting sender", "receiver", cfg.ReceiverAddress())
	start := time.Now()

	src, err := filesystem.OpenSource(cfg.FilePath, cfg.ByteCount)
	if err != nil {
		return err
	}
	defer src.Close()

	codec, err := protocol.NewCodec(cfg.PayloadSize)
	if err != nil {
		return err
	}

	// The source is read exactly once, before any datagram is sent
	packets, err := window.Build(codec, src, src.Size())
	if err != nil {
		if errors.Is(err, errors.ErrFileSystem) {
			return err
		}
		return errors.NewFileSystemError("read", cfg.FilePath, err)
	}
	digest := src.Digest()
	if cfg.LogDigest {
		slog.Info("Source digest computed", "blake2b", digest, "bytes", src.Size())
	}

	transport, err := network.Dial(cfg.ReceiverAddress())
	if err != nil {
		return err
	}
	defer transport.Close()

	opts := OptionsFromConfig(cfg)
	opts.Progress = progress.NewStats("sender", src.Size())
	if cfg.ShowProgress {
		reporter := progress.NewReporter(opts.Progress, true)
		reporter.Start()
		defer reporter.Stop()
	}

	logging.LogSessionStart("sender", src.Size(), cfg.PayloadSize, cfg.InitialWindow)

	res, err := Transfer(ctx, transport, codec, packets, opts)
	if err != nil {
		logging.LogSessionEnd(false, opts.Progress.GetTransferred(), time.Since(start))
		return err
	}
	res.Digest = digest

	logging.LogNetworkMetrics(res.Link.SmoothedRound, res.Window.Rounds, res.Window.Retransmissions, res.Link.LossRate())
	if !cfg.LogDigest {
		digest = ""
	}
	logging.LogTransferComplete(res.Bytes, res.Duration, digest)
	logging.LogSessionEnd(true, res.Bytes, time.Since(start))
	return nil
}

// Transfer runs a full connection over transport: handshake, data phase
// until every packet is acknowledged, then teardown. Only handshake
// exhaustion, transport faults and cancellation are returned as errors.
func Transfer(ctx context.Context, transport network.Transport, codec *protocol.Codec, packets []*window.Packet, opts Options) (*Result, error) {
	start := time.Now()
	machine := lifecycle.NewMachine("sender")
	exchange := lifecycle.Exchange{
		Transport: transport,
		Codec:     codec,
		Peer:      opts.Peer,
		Attempts:  opts.HandshakeAttempts,
		Timeout:   opts.ControlTimeout,
		Backoff:   opts.Backoff,
	}

	if err := lifecycle.Handshake(ctx, machine, exchange); err != nil {
		return nil, err
	}

	w := window.New(packets, congestion.NewController(opts.InitialWindow, opts.MaxWindow))
	link := network.NewLinkStats()
	if err := runDataPhase(ctx, transport, w, link, opts); err != nil {
		return nil, err
	}

	exchange.Attempts = opts.FinAttempts
	acked, err := lifecycle.Teardown(ctx, machine, exchange)
	if err != nil {
		return nil, err
	}

	var total int64
	for _, p := range packets {
		total += int64(p.Length)
	}

	return &Result{
		Packets:       len(packets),
		Bytes:         total,
		Window:        w.Stats(),
		Link:          *link,
		Duration:      time.Since(start),
		GracefulClose: acked,
	}, nil
}

// runDataPhase repeats rounds until the window is fully acknowledged. A
// round transmits the eligible packets, then folds acknowledgments in until
// all of them are acknowledged or a receive times out. When no fresh
// acknowledgment arrives for PeerTimeout the peer is considered gone.
func runDataPhase(ctx context.Context, transport network.Transport, w *window.Window, link *network.LinkStats, opts Options) error {
	lastHeard := time.Now()
	for !w.Done() {
		if ctx.Err() != nil {
			return errors.ErrCancelled
		}

		roundStart := time.Now()
		indices := w.BeginRound()
		for _, i := range indices {
			if err := transport.Send(w.Packet(i).Datagram); err != nil {
				return err
			}
		}

		cc := w.Controller()
		slog.Debug("Round started",
			"round", w.Round(),
			"base", w.Base(),
			"sent", len(indices),
			"cwnd", cc.Window(),
			"phase", cc.Phase().String())

		lost, fresh, err := collectAcks(transport, w, opts)
		if err != nil {
			return err
		}
		link.UpdateRound(time.Since(roundStart), len(indices), lost)

		if fresh > 0 {
			lastHeard = time.Now()
		} else if opts.PeerTimeout > 0 && time.Since(lastHeard) >= opts.PeerTimeout {
			slog.Warn("Peer silent, abandoning transfer",
				"peer", opts.Peer,
				"silence", time.Since(lastHeard),
				"base", w.Base())
			return errors.NewNetworkError("receive", opts.Peer, errors.ErrTimeout)
		}
	}
	return nil
}

// collectAcks reports whether the round saw a loss signal and how many
// fresh acknowledgments it folded in
func collectAcks(transport network.Transport, w *window.Window, opts Options) (bool, int, error) {
	lost := false
	fresh := 0
	for !w.RoundComplete() {
		buf, err := transport.Receive(opts.DataTimeout)
		if errors.Is(err, errors.ErrTimeout) {
			applied := w.OnTimeout()
			logCongestion(w, congestion.EventTimeout, applied)
			return true, fresh, nil
		}
		if err != nil {
			return lost, fresh, err
		}

		h, err := protocol.ReadHeader(buf)
		if err != nil {
			slog.Warn("Discarding malformed acknowledgment", "error", err)
			continue
		}
		if h.Kind() != protocol.KindData {
			// late START acknowledgment
			continue
		}

		res := w.OnAck(h)
		switch res.Kind {
		case window.AckFresh:
			fresh++
			if opts.Progress != nil {
				opts.Progress.UpdateTransferred(int64(res.Bytes))
			}
		case window.AckDuplicate, window.AckGapHint:
			lost = true
			logCongestion(w, congestion.EventDuplicateAck, res.Reduced)
		case window.AckInvalid:
			slog.Warn("Ignoring acknowledgment outside the transfer", "header", h.String())
		}
	}
	return lost, fresh, nil
}

func logCongestion(w *window.Window, ev congestion.Event, applied bool) {
	cc := w.Controller()
	logging.LogCongestionEvent(string(ev), w.Round(), cc.Window(), cc.Threshold(), applied)
}
