// Package stats tracks per-camera delivery metrics: frame counters and a
// sliding-window render rate.
package stats

import (
	"math"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/zsiec/multiview/internal/clock"
)

// fpsWindow is the span over which the render rate is measured.
const fpsWindow = 2 * time.Second

// CameraStats is a point-in-time view of one camera, serialized by the
// preview API.
type CameraStats struct {
	CameraID       string  `json:"cameraId"`
	Received       int64   `json:"received"`
	Rendered       int64   `json:"rendered"`
	Dropped        int64   `json:"dropped"`
	RenderErrors   int64   `json:"renderErrors"`
	FPS            float64 `json:"fps"`
	ServerFPS      float64 `json:"serverFps"`
	LastFrame      uint64  `json:"lastFrame"`
	LastRenderedMS int64   `json:"lastRenderedMs,omitempty"`
}

// camera holds the counters for one camera id.
type camera struct {
	received     atomic.Int64
	rendered     atomic.Int64
	dropped      atomic.Int64
	renderErrors atomic.Int64
	lastFrame    atomic.Uint64
	serverFPS    atomic.Uint64 // float64 bits

	// fpsWindowMu guards fpsWindow
	fpsWindowMu sync.Mutex
	fpsWindow   []time.Time
}

// Tracker records statistics for every camera. It is safe for
// concurrent use.
type Tracker struct {
	clock clock.Clock

	mu      sync.RWMutex
	cameras map[string]*camera
}

// NewTracker creates an empty Tracker. A nil clock uses wall time.
func NewTracker(c clock.Clock) *Tracker {
	return &Tracker{
		clock:   clock.OrReal(c),
		cameras: make(map[string]*camera),
	}
}

func (t *Tracker) camera(id string) *camera {
	t.mu.RLock()
	c, ok := t.cameras[id]
	t.mu.RUnlock()
	if ok {
		return c
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if c, ok := t.cameras[id]; ok {
		return c
	}
	c = &camera{}
	t.cameras[id] = c
	return c
}

// RecordReceived counts a decoded frame.
func (t *Tracker) RecordReceived(id string, frameNumber uint64) {
	c := t.camera(id)
	c.received.Add(1)
	for {
		prev := c.lastFrame.Load()
		if frameNumber <= prev || c.lastFrame.CompareAndSwap(prev, frameNumber) {
			return
		}
	}
}

// RecordRendered counts a frame drawn to its surface and updates the
// render-rate window.
func (t *Tracker) RecordRendered(id string) {
	c := t.camera(id)
	c.rendered.Add(1)

	now := t.clock.Now()
	c.fpsWindowMu.Lock()
	c.fpsWindow = append(c.fpsWindow, now)
	cutoff := now.Add(-fpsWindow)
	j := 0
	for j < len(c.fpsWindow) && c.fpsWindow[j].Before(cutoff) {
		j++
	}
	c.fpsWindow = c.fpsWindow[j:]
	c.fpsWindowMu.Unlock()
}

// RecordDropped counts a frame that never reached its surface.
func (t *Tracker) RecordDropped(id string) {
	t.camera(id).dropped.Add(1)
}

// RecordRenderError counts a failed draw.
func (t *Tracker) RecordRenderError(id string) {
	t.camera(id).renderErrors.Add(1)
}

// SetServerFPS stores the capture rate reported by the server.
func (t *Tracker) SetServerFPS(id string, fps float64) {
	t.camera(id).serverFPS.Store(math.Float64bits(fps))
}

// FPS returns the render rate over the last two seconds, or 0 for an
// unknown camera or fewer than two frames in the window.
func (t *Tracker) FPS(id string) float64 {
	t.mu.RLock()
	c, ok := t.cameras[id]
	t.mu.RUnlock()
	if !ok {
		return 0
	}
	return c.fps(t.clock.Now())
}

func (c *camera) fps(now time.Time) float64 {
	c.fpsWindowMu.Lock()
	defer c.fpsWindowMu.Unlock()

	cutoff := now.Add(-fpsWindow)
	j := 0
	for j < len(c.fpsWindow) && c.fpsWindow[j].Before(cutoff) {
		j++
	}
	window := c.fpsWindow[j:]
	if len(window) < 2 {
		return 0
	}

	first := window[0]
	last := window[len(window)-1]
	dur := last.Sub(first).Seconds()
	if dur <= 0 {
		return 0
	}
	return float64(len(window)-1) / dur
}

// Remove forgets a camera.
func (t *Tracker) Remove(id string) {
	t.mu.Lock()
	delete(t.cameras, id)
	t.mu.Unlock()
}

// Reset forgets every camera.
func (t *Tracker) Reset() {
	t.mu.Lock()
	clear(t.cameras)
	t.mu.Unlock()
}

// Snapshot returns stats for one camera.
func (t *Tracker) Snapshot(id string) (CameraStats, bool) {
	t.mu.RLock()
	c, ok := t.cameras[id]
	t.mu.RUnlock()
	if !ok {
		return CameraStats{}, false
	}
	return c.snapshot(id, t.clock.Now()), true
}

// All returns stats for every known camera, sorted by id.
func (t *Tracker) All() []CameraStats {
	t.mu.RLock()
	ids := make([]string, 0, len(t.cameras))
	cams := make(map[string]*camera, len(t.cameras))
	for id, c := range t.cameras {
		ids = append(ids, id)
		cams[id] = c
	}
	t.mu.RUnlock()

	sort.Strings(ids)
	now := t.clock.Now()
	out := make([]CameraStats, 0, len(ids))
	for _, id := range ids {
		out = append(out, cams[id].snapshot(id, now))
	}
	return out
}

func (c *camera) snapshot(id string, now time.Time) CameraStats {
	s := CameraStats{
		CameraID:     id,
		Received:     c.received.Load(),
		Rendered:     c.rendered.Load(),
		Dropped:      c.dropped.Load(),
		RenderErrors: c.renderErrors.Load(),
		FPS:          c.fps(now),
		ServerFPS:    math.Float64frombits(c.serverFPS.Load()),
		LastFrame:    c.lastFrame.Load(),
	}
	c.fpsWindowMu.Lock()
	if n := len(c.fpsWindow); n > 0 {
		s.LastRenderedMS = c.fpsWindow[n-1].UnixMilli()
	}
	c.fpsWindowMu.Unlock()
	return s
}
