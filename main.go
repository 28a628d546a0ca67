/*
Copyright 2025 Yousaf Gill. All rights reserved.
Use of this source code is governed by the MIT license
that can be found in the LICENSE file.

UDPCopier is a reliable file transfer utility that runs a TCP-like protocol
over plain UDP datagrams: a START/FIN handshake, a selective-repeat send
window and slow start with congestion avoidance.

The program operates in two modes:

1. Receiver Mode: udpcopier -receive PORT OUTPUT
   Appends the bytes of one incoming transfer to OUTPUT

2. Sender Mode: udpcopier HOST PORT FILE BYTES
   Sends the first BYTES bytes of FILE (-1 for the whole file)

	Detail: provided in README.md
*/
package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"udpcopier/internal/config"
	"udpcopier/internal/logging"
	"udpcopier/internal/receiver"
	"udpcopier/internal/sender"
)

func main() {
	// Setup structured logging first
	if err := logging.SetupLogger(); err != nil {
		slog.Error("Failed to setup logging", "error", err)
		os.Exit(1)
	}

	// Parse command line arguments
	cfg, err := config.ParseFlags()
	if err != nil {
		slog.Error("Configuration error", "error", err)
		os.Exit(1)
	}

	logging.LogConfig(cfg)

	ctx, stop := setupSignalHandling()
	defer stop()

	if err := run(ctx, cfg); err != nil {
		stop()
		os.Exit(1)
	}
}

// run dispatches to the configured role
func run(ctx context.Context, cfg *config.Config) error {
	if cfg.IsReceiver {
		if err := receiver.Run(ctx, cfg); err != nil {
			logging.LogError(err, "receiver")
			return err
		}
		return nil
	}

	if err := sender.Run(ctx, cfg); err != nil {
		logging.LogError(err, "sender")
		return err
	}
	return nil
}

// setupSignalHandling returns a context cancelled on SIGINT or SIGTERM so a
// running transfer stops at its next receive and releases its socket and file
func setupSignalHandling() (context.Context, context.CancelFunc) {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	release := watchShutdown(ctx, stop, func(cause error) {
		slog.Info("Shutting down", "cause", cause)
	})
	return ctx, release
}

// watchShutdown calls onSignal if ctx ends before the returned release
// function is called. Release stops the watcher, then calls stop.
func watchShutdown(ctx context.Context, stop context.CancelFunc, onSignal func(error)) context.CancelFunc {
	released := make(chan struct{})
	go func() {
		select {
		case <-released:
			return
		case <-ctx.Done():
		}
		select {
		case <-released:
		default:
			onSignal(context.Cause(ctx))
		}
	}()

	var once sync.Once
	return func() {
		once.Do(func() {
			close(released)
			stop()
		})
	}
}
