package render

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/zsiec/multiview/internal/clock"
	"github.com/zsiec/multiview/media"
)

// Defaults applied to zero Config fields.
const (
	DefaultRefreshInterval = 16 * time.Millisecond
	DefaultErrorThreshold  = 3
	DefaultInitTimeout     = 5 * time.Second
)

// Config controls a Dispatcher.
type Config struct {
	// RefreshInterval is the worker tick period, one display refresh.
	RefreshInterval time.Duration
	// ErrorThreshold is the number of consecutive draw errors that
	// tears a channel down.
	ErrorThreshold int
	InitTimeout    time.Duration
	Clock          clock.Clock
	Observer       Observer
	Log            *slog.Logger
}

// Dispatcher owns the per-camera render channels.
type Dispatcher struct {
	cfg   Config
	clock clock.Clock
	log   *slog.Logger

	mu       sync.Mutex
	channels map[string]*channel
	workers  sync.WaitGroup
	closed   bool
}

// NewDispatcher creates a Dispatcher with no channels.
func NewDispatcher(cfg Config) *Dispatcher {
	if cfg.RefreshInterval <= 0 {
		cfg.RefreshInterval = DefaultRefreshInterval
	}
	if cfg.ErrorThreshold <= 0 {
		cfg.ErrorThreshold = DefaultErrorThreshold
	}
	if cfg.InitTimeout <= 0 {
		cfg.InitTimeout = DefaultInitTimeout
	}
	log := cfg.Log
	if log == nil {
		log = slog.Default()
	}
	return &Dispatcher{
		cfg:      cfg,
		clock:    clock.OrReal(cfg.Clock),
		log:      log.With("component", "render"),
		channels: make(map[string]*channel),
	}
}

// BindSurface creates the render channel for cameraID. Binding a camera
// that already has a channel tears the old one down first. Surfaces that
// implement Initializer start in StateInitializing; others are ready on
// return.
func (d *Dispatcher) BindSurface(cameraID string, s Surface) error {
	if s == nil {
		return ErrNilSurface
	}

	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return ErrClosed
	}
	old := d.channels[cameraID]
	ctx, cancel := context.WithCancel(context.Background())
	c := &channel{
		cameraID: cameraID,
		surface:  s,
		d:        d,
		log:      d.log.With("camera", cameraID),
		ctx:      ctx,
		cancel:   cancel,
		ticker:   d.clock.NewTicker(d.cfg.RefreshInterval),
		done:     make(chan struct{}),
		state:    StateReady,
	}
	if _, ok := s.(Initializer); ok {
		c.state = StateInitializing
	}
	d.channels[cameraID] = c
	d.workers.Add(1)
	d.mu.Unlock()

	if old != nil {
		d.finish(old, "rebind")
	}

	go func() {
		defer d.workers.Done()
		c.run()
	}()
	c.log.Debug("surface bound", "rebind", old != nil)
	return nil
}

// DispatchFrame hands bm to the camera's channel. Ownership of bm passes
// to the dispatcher in every case. onRendered is called exactly once:
// after the frame is drawn, or immediately if the camera has no ready
// channel, or when the frame is superseded or dropped by teardown. It
// reports whether the frame was accepted into a channel.
func (d *Dispatcher) DispatchFrame(cameraID string, bm *media.Bitmap, onRendered func(Outcome)) bool {
	j := &job{bm: bm, onRendered: onRendered}

	d.mu.Lock()
	c := d.channels[cameraID]
	d.mu.Unlock()

	if c == nil {
		j.complete(DroppedNoChannel)
		d.observeDropped(cameraID, DroppedNoChannel)
		return false
	}
	prev, ok := c.offer(j)
	if !ok {
		c.dropped.Add(1)
		j.complete(DroppedNoChannel)
		d.observeDropped(cameraID, DroppedNoChannel)
		return false
	}
	if prev != nil {
		c.dropped.Add(1)
		prev.complete(DroppedSuperseded)
		d.observeDropped(cameraID, DroppedSuperseded)
	}
	return true
}

// Teardown terminates the camera's channel, dropping any pending frame.
// A draw already in progress is not awaited; its frame still completes
// when the draw returns. It reports whether a channel existed.
func (d *Dispatcher) Teardown(cameraID string) bool {
	d.mu.Lock()
	c := d.channels[cameraID]
	if c != nil {
		delete(d.channels, cameraID)
	}
	d.mu.Unlock()
	if c == nil {
		return false
	}
	d.finish(c, "teardown")
	return true
}

// TeardownAll terminates every channel.
func (d *Dispatcher) TeardownAll() {
	d.mu.Lock()
	chans := make([]*channel, 0, len(d.channels))
	for id, c := range d.channels {
		chans = append(chans, c)
		delete(d.channels, id)
	}
	d.mu.Unlock()
	for _, c := range chans {
		d.finish(c, "teardown")
	}
}

// State returns the lifecycle stage of the camera's channel.
func (d *Dispatcher) State(cameraID string) State {
	d.mu.Lock()
	c := d.channels[cameraID]
	d.mu.Unlock()
	if c == nil {
		return StateNone
	}
	return c.currentState()
}

// Channels returns debug info for every live channel, sorted by camera.
func (d *Dispatcher) Channels() []ChannelInfo {
	d.mu.Lock()
	chans := make([]*channel, 0, len(d.channels))
	for _, c := range d.channels {
		chans = append(chans, c)
	}
	d.mu.Unlock()

	out := make([]ChannelInfo, 0, len(chans))
	for _, c := range chans {
		out = append(out, c.info())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CameraID < out[j].CameraID })
	return out
}

// Channel returns debug info for one camera.
func (d *Dispatcher) Channel(cameraID string) (ChannelInfo, bool) {
	d.mu.Lock()
	c := d.channels[cameraID]
	d.mu.Unlock()
	if c == nil {
		return ChannelInfo{}, false
	}
	return c.info(), true
}

// Close tears down every channel, refuses further binds, and waits for
// worker goroutines to exit or ctx to end.
func (d *Dispatcher) Close(ctx context.Context) error {
	d.mu.Lock()
	d.closed = true
	d.mu.Unlock()
	d.TeardownAll()

	done := make(chan struct{})
	go func() {
		d.workers.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// teardown removes c from the map if it is still the current channel
// for its camera, then finishes it. Workers use it for self-teardown.
func (d *Dispatcher) teardown(c *channel, reason string) {
	d.mu.Lock()
	if d.channels[c.cameraID] == c {
		delete(d.channels, c.cameraID)
	}
	d.mu.Unlock()
	d.finish(c, reason)
}

func (d *Dispatcher) finish(c *channel, reason string) {
	pending, ok := c.terminate()
	if !ok {
		return
	}
	if pending != nil {
		c.dropped.Add(1)
		pending.complete(DroppedTeardown)
		d.observeDropped(c.cameraID, DroppedTeardown)
	}
	c.log.Info("channel torn down", "reason", reason)
	if d.cfg.Observer != nil {
		d.cfg.Observer.ChannelTornDown(c.cameraID, reason)
	}
}

func (d *Dispatcher) observeRendered(cameraID string, took time.Duration) {
	if d.cfg.Observer != nil {
		d.cfg.Observer.FrameRendered(cameraID, took)
	}
}

func (d *Dispatcher) observeDropped(cameraID string, o Outcome) {
	if d.cfg.Observer != nil {
		d.cfg.Observer.FrameDropped(cameraID, o)
	}
}

func (d *Dispatcher) observeError(cameraID string, err error) {
	if d.cfg.Observer != nil {
		d.cfg.Observer.RenderError(cameraID, err)
	}
}
