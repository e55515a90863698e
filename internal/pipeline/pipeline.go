// Package pipeline runs one inbound message through the client: binary
// batches are decoded, diffed against the connected cameras, composited
// and dispatched; text messages update overlays, framerates and the
// server log forwarder.
package pipeline

import (
	"errors"
	"log/slog"
	"sort"
	"sync/atomic"
	"time"

	"github.com/zsiec/multiview/internal/ack"
	"github.com/zsiec/multiview/internal/camera"
	"github.com/zsiec/multiview/internal/compositing"
	"github.com/zsiec/multiview/internal/metrics"
	"github.com/zsiec/multiview/internal/overlay"
	"github.com/zsiec/multiview/internal/render"
	"github.com/zsiec/multiview/internal/stats"
	"github.com/zsiec/multiview/internal/tap"
	"github.com/zsiec/multiview/internal/transport"
	"github.com/zsiec/multiview/internal/wire"
	"github.com/zsiec/multiview/media"
)

// FramerateSink receives server-reported per-camera frame rates.
type FramerateSink interface {
	FramerateUpdate(cameraFPS map[string]float64)
}

// LogSink receives log records forwarded by the server.
type LogSink interface {
	ServerLog(level, name, message string, at time.Time)
}

// Dispatcher is the subset of render.Dispatcher the pipeline drives.
type Dispatcher interface {
	DispatchFrame(cameraID string, bm *media.Bitmap, onRendered func(render.Outcome)) bool
	Teardown(cameraID string) bool
	TeardownAll()
}

var _ Dispatcher = (*render.Dispatcher)(nil)

// Config wires a Pipeline. Pool, Store, Compositor, Dispatcher, Acks and
// Cameras are required. Stats defaults to a fresh tracker; the rest are
// optional.
type Config struct {
	Pool       *media.Pool
	Store      *overlay.Store
	Compositor *compositing.Compositor
	Dispatcher Dispatcher
	Acks       *ack.Coordinator
	Cameras    *camera.Registry
	Tap        *tap.Tap
	Stats      *stats.Tracker
	Metrics    *metrics.Metrics
	Framerate  FramerateSink
	Logs       LogSink
	Log        *slog.Logger
}

// Debug holds the pipeline's forwarding counters, served by the preview
// debug endpoint.
type Debug struct {
	Batches         int64  `json:"batches"`
	EmptyBatches    int64  `json:"emptyBatches"`
	DecodeErrors    int64  `json:"decodeErrors"`
	FramesForwarded int64  `json:"framesForwarded"`
	ControlMessages int64  `json:"controlMessages"`
	ControlErrors   int64  `json:"controlErrors"`
	OverlayUpdates  int64  `json:"overlayUpdates"`
	OverlayRejected int64  `json:"overlayRejected"`
	LastBatchFrames int    `json:"lastBatchFrames"`
	LastMaxFrame    uint64 `json:"lastMaxFrame"`
}

// Pipeline handles every inbound message. HandleMessage is not safe for
// concurrent use; the transport calls it from a single read goroutine.
type Pipeline struct {
	cfg Config
	log *slog.Logger

	batches         atomic.Int64
	emptyBatches    atomic.Int64
	decodeErrors    atomic.Int64
	framesForwarded atomic.Int64
	controlMessages atomic.Int64
	controlErrors   atomic.Int64
	overlayUpdates  atomic.Int64
	overlayRejected atomic.Int64
	lastBatchFrames atomic.Int32
	lastMaxFrame    atomic.Uint64
}

// New creates a Pipeline.
func New(cfg Config) *Pipeline {
	log := cfg.Log
	if log == nil {
		log = slog.Default()
	}
	if cfg.Stats == nil {
		cfg.Stats = stats.NewTracker(nil)
	}
	return &Pipeline{
		cfg: cfg,
		log: log.With("component", "pipeline"),
	}
}

// HandleMessage routes a transport message by payload type.
func (p *Pipeline) HandleMessage(m transport.Message) {
	if m.Binary {
		_ = p.HandleBatch(m.Data)
		return
	}
	_ = p.HandleControl(m.Data)
}

// HandleBatch decodes one binary batch and pushes every frame through
// compositing and dispatch. A batch that fails to decode is abandoned
// without acknowledgment. An empty batch is a no-op.
func (p *Pipeline) HandleBatch(data []byte) error {
	b, err := wire.DecodeBatch(data, p.cfg.Pool)
	if errors.Is(err, wire.ErrEmptyBatch) {
		p.emptyBatches.Add(1)
		return nil
	}
	if err != nil {
		p.decodeErrors.Add(1)
		p.cfg.Metrics.DecodeError()
		p.log.Warn("dropping malformed batch", "error", err, "bytes", len(data))
		return err
	}
	p.batches.Add(1)
	p.cfg.Metrics.BatchReceived()
	p.lastBatchFrames.Store(int32(len(b.Frames)))
	p.lastMaxFrame.Store(b.MaxFrameNumber)

	p.syncCameras(b.CameraIDs)

	tracked := p.cfg.Acks.Track(len(b.Frames), b.MaxFrameNumber)
	for i := range b.Frames {
		f := b.Frames[i]
		b.Frames[i].Bitmap = nil

		p.cfg.Stats.RecordReceived(f.CameraID, f.FrameNumber)
		p.cfg.Metrics.FrameReceived(f.CameraID)

		out := p.cfg.Compositor.Composite(f.CameraID, f.Bitmap)
		if p.cfg.Tap != nil {
			p.cfg.Tap.Publish(f.CameraID, f.FrameNumber, out.Image())
		}
		p.cfg.Dispatcher.DispatchFrame(f.CameraID, out, func(render.Outcome) {
			tracked.Done()
		})
		p.framesForwarded.Add(1)
	}
	return nil
}

// syncCameras updates the connected set and releases everything held
// for cameras that left.
func (p *Pipeline) syncCameras(ids map[string]struct{}) {
	added, removed := p.cfg.Cameras.Sync(ids)
	for _, id := range removed {
		p.forget(id)
	}
	if len(added) > 0 || len(removed) > 0 {
		p.cfg.Metrics.SetCameraCount(len(ids))
		p.log.Info("cameras changed", "added", added, "removed", removed)
	}
}

func (p *Pipeline) forget(id string) {
	p.cfg.Dispatcher.Teardown(id)
	p.cfg.Store.Clear(id)
	p.cfg.Stats.Remove(id)
	if p.cfg.Tap != nil {
		p.cfg.Tap.Forget(id)
	}
	p.cfg.Metrics.ForgetCamera(id)
}

// Reset drops all per-camera state. It is called when the connection
// is lost.
func (p *Pipeline) Reset() {
	p.cfg.Dispatcher.TeardownAll()
	p.cfg.Store.ClearAll()
	for _, id := range p.cfg.Cameras.Clear() {
		p.cfg.Metrics.ForgetCamera(id)
	}
	p.cfg.Stats.Reset()
	if p.cfg.Tap != nil {
		p.cfg.Tap.ForgetAll()
	}
	p.cfg.Metrics.SetCameraCount(0)
}

// HandleControl applies one text control message. Unknown message types
// are ignored; malformed ones are logged and returned.
func (p *Pipeline) HandleControl(data []byte) error {
	msg, err := wire.ParseControl(data)
	if errors.Is(err, wire.ErrUnknownMessage) {
		p.log.Debug("ignoring control message", "error", err)
		return nil
	}
	if err != nil {
		p.controlErrors.Add(1)
		p.log.Warn("malformed control message", "error", err)
		return err
	}
	p.controlMessages.Add(1)
	p.cfg.Metrics.ControlMessage(msg.MessageType())

	switch m := msg.(type) {
	case *wire.FramerateUpdate:
		for id, fps := range m.CameraFPS {
			p.cfg.Stats.SetServerFPS(id, fps)
			p.cfg.Metrics.SetServerFPS(id, fps)
		}
		if p.cfg.Framerate != nil {
			p.cfg.Framerate.FramerateUpdate(m.CameraFPS)
		}
	case *wire.LogRecord:
		if p.cfg.Logs != nil {
			p.cfg.Logs.ServerLog(m.Level, m.Name, m.Message, m.Time())
		}
	case *wire.OverlayUpdate:
		p.applyOverlay(m)
	case *wire.OverlayBatch:
		ids := make([]string, 0, len(m.Overlays))
		for id := range m.Overlays {
			ids = append(ids, id)
		}
		sort.Strings(ids)
		for _, id := range ids {
			p.applyOverlay(m.Overlays[id])
		}
	}
	return nil
}

// applyOverlay replaces the camera's cached annotation. A payload that
// fails to parse leaves the previous entry in place.
func (p *Pipeline) applyOverlay(u *wire.OverlayUpdate) {
	a, err := overlay.Parse(u.OverlayType, u.Data)
	if err != nil {
		p.overlayRejected.Add(1)
		p.log.Warn("rejecting overlay", "camera", u.CameraID, "error", err)
		return
	}
	if _, ok := a.(*overlay.Unknown); ok {
		p.log.Debug("unknown overlay kind", "camera", u.CameraID, "kind", u.OverlayType)
	}
	p.cfg.Store.Set(u.CameraID, overlay.Entry{
		Annotation:  a,
		FrameNumber: u.FrameNumber,
		Received:    time.Now(),
	})
	p.overlayUpdates.Add(1)
}

// Debug returns a snapshot of the pipeline counters.
func (p *Pipeline) Debug() Debug {
	return Debug{
		Batches:         p.batches.Load(),
		EmptyBatches:    p.emptyBatches.Load(),
		DecodeErrors:    p.decodeErrors.Load(),
		FramesForwarded: p.framesForwarded.Load(),
		ControlMessages: p.controlMessages.Load(),
		ControlErrors:   p.controlErrors.Load(),
		OverlayUpdates:  p.overlayUpdates.Load(),
		OverlayRejected: p.overlayRejected.Load(),
		LastBatchFrames: int(p.lastBatchFrames.Load()),
		LastMaxFrame:    p.lastMaxFrame.Load(),
	}
}
