package network

import (
	"fmt"
	"log/slog"
	"time"
)

// Backoff computes the delay between retries of a control exchange
type Backoff struct {
	minDelay time.Duration
	maxDelay time.Duration
}

// NewBackoff creates a backoff doubling from minDelay up to maxDelay
func NewBackoff(minDelay, maxDelay time.Duration) Backoff {
	if maxDelay < minDelay {
		maxDelay = minDelay
	}
	return Backoff{minDelay: minDelay, maxDelay: maxDelay}
}

// Delay returns min(minDelay * 2^attempt, maxDelay)
func (b Backoff) Delay(attempt int) time.Duration {
	delay := b.minDelay
	for i := 0; i < attempt && delay < b.maxDelay; i++ {
		delay *= 2
	}

	// Apply bounds
	if delay > b.maxDelay {
		delay = b.maxDelay
	}
	return delay
}

// LinkStats tracks link behaviour across the rounds of one transfer
type LinkStats struct {
	Rounds        int
	Datagrams     int
	Losses        int
	SmoothedRound time.Duration // exponential moving average of round duration
}

// NewLinkStats creates empty link statistics
func NewLinkStats() *LinkStats {
	return &LinkStats{}
}

// UpdateRound folds one finished round into the statistics
func (ls *LinkStats) UpdateRound(duration time.Duration, sent int, lost bool) {
	ls.Rounds++
	ls.Datagrams += sent
	if lost {
		ls.Losses++
	}

	prev := ls.SmoothedRound
	if prev == 0 {
		ls.SmoothedRound = duration
		return
	}
	ls.SmoothedRound = (7*prev + 3*duration) / 10

	// Log significant changes in network conditions
	if duration > 2*prev {
		slog.Debug("Round time increasing",
			"round_ms", fmt.Sprintf("%.2f", float64(duration)/float64(time.Millisecond)),
			"smoothed_ms", fmt.Sprintf("%.2f", float64(ls.SmoothedRound)/float64(time.Millisecond)))
	}
}

// LossRate returns the fraction of rounds that saw a loss signal
func (ls *LinkStats) LossRate() float64 {
	if ls.Rounds == 0 {
		return 0
	}
	return float64(ls.Losses) / float64(ls.Rounds)
}
