// Package congestion implements the sender's window-based congestion
// control: slow start, congestion avoidance and loss response.
package congestion

import (
	"fmt"
	"math"
)

// Infinite is the initial slow-start threshold
const Infinite = math.MaxInt

// Phase represents the congestion control phase
type Phase int

const (
	SlowStart Phase = iota
	CongestionAvoidance
)

func (p Phase) String() string {
	switch p {
	case SlowStart:
		return "SLOW_START"
	case CongestionAvoidance:
		return "CONGESTION_AVOIDANCE"
	default:
		return "UNKNOWN"
	}
}

// Event names a transition applied to the controller
type Event string

const (
	EventAck          Event = "ack"
	EventDuplicateAck Event = "duplicate_ack"
	EventTimeout      Event = "timeout"
)

// Controller tracks cwnd and ssthresh in packets. cwnd and ssthresh never
// drop below 1; cwnd never exceeds the configured maximum.
type Controller struct {
	cwnd     int
	ssthresh int
	initial  int
	max      int

	// fresh ACKs counted toward the next linear increase
	avoidanceAcks int
}

// NewController creates a controller starting at the initial window.
// maxWindow bounds growth; a non-positive value means unbounded.
func NewController(initialWindow, maxWindow int) *Controller {
	if initialWindow < 1 {
		initialWindow = 1
	}
	if maxWindow <= 0 {
		maxWindow = Infinite
	}
	if maxWindow < initialWindow {
		maxWindow = initialWindow
	}
	return &Controller{
		cwnd:     initialWindow,
		ssthresh: Infinite,
		initial:  initialWindow,
		max:      maxWindow,
	}
}

// Window returns the current congestion window in packets
func (c *Controller) Window() int {
	return c.cwnd
}

// Threshold returns the current slow-start threshold
func (c *Controller) Threshold() int {
	return c.ssthresh
}

// InitialWindow returns the window restored after a loss
func (c *Controller) InitialWindow() int {
	return c.initial
}

// Phase returns the current growth phase
func (c *Controller) Phase() Phase {
	if c.cwnd < c.ssthresh {
		return SlowStart
	}
	return CongestionAvoidance
}

// OnAck applies a fresh acknowledgment. In slow start every ACK adds one
// packet, which doubles the window per round, without passing ssthresh.
// In congestion avoidance the window grows by one after a full window of
// ACKs.
func (c *Controller) OnAck() {
	if c.cwnd < c.ssthresh {
		c.cwnd++
		if c.cwnd > c.ssthresh {
			c.cwnd = c.ssthresh
		}
	} else {
		c.avoidanceAcks++
		if c.avoidanceAcks >= c.cwnd {
			c.avoidanceAcks = 0
			c.cwnd++
		}
	}
	if c.cwnd > c.max {
		c.cwnd = c.max
	}
}

// OnDuplicateAck responds to a duplicate acknowledgment: ssthresh becomes
// half the window and the window restarts from the initial size.
func (c *Controller) OnDuplicateAck() {
	c.ssthresh = max(c.cwnd/2, 1)
	c.restart()
}

// OnTimeout responds to a receive timeout with packets outstanding.
// ssthresh is halved from the smaller of itself and the window.
func (c *Controller) OnTimeout() {
	c.ssthresh = max(min(c.ssthresh, c.cwnd)/2, 1)
	c.restart()
}

func (c *Controller) restart() {
	c.cwnd = max(c.initial, 1)
	c.avoidanceAcks = 0
}

// String returns a compact representation for logging
func (c *Controller) String() string {
	ssthresh := "inf"
	if c.ssthresh != Infinite {
		ssthresh = fmt.Sprintf("%d", c.ssthresh)
	}
	return fmt.Sprintf("cwnd=%d ssthresh=%s phase=%s", c.cwnd, ssthresh, c.Phase())
}
