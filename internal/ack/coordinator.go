// Package ack implements render-acknowledgment flow control. Each batch
// gets a countdown of its frames; when the last frame completes, one
// frameAcknowledgment carrying the batch's highest frame number is sent.
//
// The server is expected to slow down when acknowledgments lag. Nothing
// here enforces that; the contract is cooperative.
package ack

import (
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/zsiec/multiview/internal/wire"
)

// Sender delivers an outbound control message. It reports whether the
// message was handed to the transport.
type Sender interface {
	Send(v any) bool
}

// Observer is told about every acknowledgment attempt.
type Observer interface {
	AckSent(frameNumber uint64, ok bool)
}

// Coordinator creates per-batch countdowns.
type Coordinator struct {
	sender   Sender
	observer Observer
	log      *slog.Logger

	sent        atomic.Int64
	failed      atomic.Int64
	outstanding atomic.Int64
	lastAcked   atomic.Uint64
}

// NewCoordinator creates a Coordinator that acknowledges through sender.
func NewCoordinator(sender Sender, observer Observer, log *slog.Logger) *Coordinator {
	if log == nil {
		log = slog.Default()
	}
	return &Coordinator{
		sender:   sender,
		observer: observer,
		log:      log.With("component", "ack"),
	}
}

// Batch counts outstanding renders for one inbound batch.
type Batch struct {
	c              *Coordinator
	maxFrameNumber uint64

	mu        sync.Mutex
	remaining int
	acked     bool
}

// Track starts a countdown of frameCount renders. A batch with no frames
// is acknowledged immediately.
func (c *Coordinator) Track(frameCount int, maxFrameNumber uint64) *Batch {
	b := &Batch{c: c, maxFrameNumber: maxFrameNumber, remaining: frameCount}
	c.outstanding.Add(1)
	if frameCount <= 0 {
		b.remaining = 0
		b.fire()
	}
	return b
}

// Done records one completed frame. Calls beyond the frame count are
// ignored, so the acknowledgment is sent at most once.
func (b *Batch) Done() {
	b.mu.Lock()
	if b.acked || b.remaining == 0 {
		b.mu.Unlock()
		return
	}
	b.remaining--
	last := b.remaining == 0
	b.mu.Unlock()
	if last {
		b.fire()
	}
}

// Remaining returns the number of frames not yet completed.
func (b *Batch) Remaining() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.remaining
}

// MaxFrameNumber returns the frame number the batch acknowledges.
func (b *Batch) MaxFrameNumber() uint64 {
	return b.maxFrameNumber
}

func (b *Batch) fire() {
	b.mu.Lock()
	if b.acked {
		b.mu.Unlock()
		return
	}
	b.acked = true
	b.mu.Unlock()
	b.c.acknowledge(b.maxFrameNumber)
}

func (c *Coordinator) acknowledge(frameNumber uint64) {
	c.outstanding.Add(-1)
	ok := c.sender != nil && c.sender.Send(wire.NewFrameAcknowledgment(frameNumber))
	if ok {
		c.sent.Add(1)
		for {
			prev := c.lastAcked.Load()
			if frameNumber <= prev || c.lastAcked.CompareAndSwap(prev, frameNumber) {
				break
			}
		}
	} else {
		c.failed.Add(1)
		c.log.Debug("acknowledgment not sent", "frame", frameNumber)
	}
	if c.observer != nil {
		c.observer.AckSent(frameNumber, ok)
	}
}

// Stats is a snapshot of acknowledgment activity.
type Stats struct {
	Sent        int64  `json:"sent"`
	Failed      int64  `json:"failed"`
	Outstanding int64  `json:"outstanding"`
	LastAcked   uint64 `json:"lastAcked"`
}

// Stats returns current counters.
func (c *Coordinator) Stats() Stats {
	return Stats{
		Sent:        c.sent.Load(),
		Failed:      c.failed.Load(),
		Outstanding: c.outstanding.Load(),
		LastAcked:   c.lastAcked.Load(),
	}
}
