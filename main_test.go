package main

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestWatchShutdown_NormalReleaseIsQuiet(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	var calls atomic.Int32

	release := watchShutdown(ctx, cancel, func(error) { calls.Add(1) })
	release()
	release()

	assert.Error(t, ctx.Err(), "release cancels the context")
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, int32(0), calls.Load())
}

func TestWatchShutdown_SignalIsReported(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	var calls atomic.Int32

	release := watchShutdown(ctx, cancel, func(cause error) {
		assert.ErrorIs(t, cause, context.Canceled)
		calls.Add(1)
	})
	defer release()

	// the signal side cancels the context on its own
	cancel()
	assert.Eventually(t, func() bool { return calls.Load() == 1 }, time.Second, 5*time.Millisecond)
}
