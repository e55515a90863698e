package render

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/zsiec/multiview/internal/clock"
)

// channel is the per-camera rendering pipeline: a worker goroutine, its
// surface, and a single pending-frame slot.
type channel struct {
	cameraID string
	surface  Surface
	d        *Dispatcher
	log      *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	ticker clock.Ticker
	done   chan struct{}

	// mu guards state, pending, and consecutiveErrors
	mu                sync.Mutex
	state             State
	pending           *job
	consecutiveErrors int

	rendered atomic.Int64
	dropped  atomic.Int64
	errors   atomic.Int64
	drawing  atomic.Bool
}

// ChannelInfo is a point-in-time view of one channel for debugging.
type ChannelInfo struct {
	CameraID          string `json:"cameraId"`
	State             string `json:"state"`
	Pending           bool   `json:"pending"`
	Drawing           bool   `json:"drawing"`
	ConsecutiveErrors int    `json:"consecutiveErrors"`
	Rendered          int64  `json:"rendered"`
	Dropped           int64  `json:"dropped"`
	Errors            int64  `json:"errors"`
}

func (c *channel) info() ChannelInfo {
	c.mu.Lock()
	defer c.mu.Unlock()
	return ChannelInfo{
		CameraID:          c.cameraID,
		State:             c.state.String(),
		Pending:           c.pending != nil,
		Drawing:           c.drawing.Load(),
		ConsecutiveErrors: c.consecutiveErrors,
		Rendered:          c.rendered.Load(),
		Dropped:           c.dropped.Load(),
		Errors:            c.errors.Load(),
	}
}

func (c *channel) currentState() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// offer places j in the pending slot. It returns the job it superseded,
// or j itself when the channel is not ready to accept frames.
func (c *channel) offer(j *job) (superseded *job, accepted bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != StateReady {
		return nil, false
	}
	prev := c.pending
	c.pending = j
	return prev, true
}

// run is the worker loop. It exits when the channel is torn down.
func (c *channel) run() {
	defer close(c.done)
	defer c.ticker.Stop()

	if init, ok := c.surface.(Initializer); ok {
		if !c.initialize(init) {
			return
		}
	}

	for {
		select {
		case <-c.ctx.Done():
			return
		case <-c.ticker.C():
			c.renderPending()
		}
	}
}

func (c *channel) initialize(init Initializer) bool {
	ctx, cancel := context.WithTimeout(c.ctx, c.d.cfg.InitTimeout)
	defer cancel()

	if err := init.Init(ctx); err != nil {
		c.errors.Add(1)
		c.log.Warn("surface init failed", "error", err)
		c.d.observeError(c.cameraID, err)
		c.d.teardown(c, "init failed")
		return false
	}

	c.mu.Lock()
	if c.state == StateInitializing {
		c.state = StateReady
	}
	ready := c.state == StateReady
	c.mu.Unlock()
	if ready {
		c.log.Debug("channel ready")
	}
	return ready
}

// renderPending draws the pending frame, if any. Only the worker calls
// it, so at most one draw per channel is ever in progress.
func (c *channel) renderPending() {
	c.mu.Lock()
	if c.state != StateReady || c.pending == nil {
		c.mu.Unlock()
		return
	}
	j := c.pending
	c.pending = nil
	c.drawing.Store(true)
	c.mu.Unlock()

	start := c.d.clock.Now()
	err := c.draw(j)
	took := c.d.clock.Now().Sub(start)
	c.drawing.Store(false)

	if err == nil {
		c.mu.Lock()
		c.consecutiveErrors = 0
		c.mu.Unlock()
		c.rendered.Add(1)
		j.complete(Rendered)
		c.d.observeRendered(c.cameraID, took)
		return
	}

	c.mu.Lock()
	c.consecutiveErrors++
	tripped := c.consecutiveErrors >= c.d.cfg.ErrorThreshold
	n := c.consecutiveErrors
	c.mu.Unlock()

	c.errors.Add(1)
	c.log.Warn("render failed", "error", err, "consecutive", n)
	c.d.observeError(c.cameraID, err)
	if tripped {
		c.log.Error("render error threshold reached, tearing down channel", "threshold", c.d.cfg.ErrorThreshold)
		c.d.teardown(c, "error threshold")
	}
	j.complete(Failed)
}

// draw calls the surface, converting a panic into an error so a faulty
// surface counts toward the error threshold instead of killing the
// process.
func (c *channel) draw(j *job) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("render: surface panic: %v", r)
		}
	}()
	return c.surface.Draw(j.bm.Image())
}

// terminate marks the channel terminated and returns the pending job for
// the caller to complete. It reports false if already terminated.
func (c *channel) terminate() (*job, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state == StateTerminated {
		return nil, false
	}
	c.state = StateTerminated
	j := c.pending
	c.pending = nil
	c.cancel()
	return j, true
}
