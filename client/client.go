// Package client is the embeddable multi-camera streaming client. A
// Client owns one server connection and everything downstream of it:
// batch decoding, overlay compositing, per-camera render workers and
// render acknowledgments. Applications bind a Surface per camera and
// observe the connected camera list; frames flow without further calls.
package client

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/zsiec/multiview/internal/ack"
	"github.com/zsiec/multiview/internal/camera"
	"github.com/zsiec/multiview/internal/clock"
	"github.com/zsiec/multiview/internal/compositing"
	"github.com/zsiec/multiview/internal/metrics"
	"github.com/zsiec/multiview/internal/overlay"
	"github.com/zsiec/multiview/internal/pipeline"
	"github.com/zsiec/multiview/internal/render"
	"github.com/zsiec/multiview/internal/stats"
	"github.com/zsiec/multiview/internal/tap"
	"github.com/zsiec/multiview/internal/transport"
	"github.com/zsiec/multiview/media"
)

var ErrDestroyed = errors.New("client: destroyed")

// destroyTimeout bounds how long Destroy waits for render workers.
const destroyTimeout = 2 * time.Second

// Config controls a Client. Zero durations and counts take the
// transport and render defaults.
type Config struct {
	ServerURL            string
	ReconnectBaseDelay   time.Duration
	MaxReconnectAttempts int
	// HeartbeatInterval is the ping period. Negative disables pings.
	HeartbeatInterval time.Duration
	DialTimeout       time.Duration

	RefreshInterval time.Duration
	ErrorThreshold  int
	InitTimeout     time.Duration

	// Framerate additionally receives framerate_update messages; the
	// client always records them in its own stats and metrics.
	Framerate FramerateSink
	// Logs receives log_record messages. Nil forwards them to Log.
	Logs LogSink
	// Registry receives the client's metrics. Nil creates a private
	// registry that also carries Go runtime collectors.
	Registry *prometheus.Registry
	Log      *slog.Logger

	dial  transport.DialFunc
	clock clock.Clock
}

// Client is the collaborator-facing streaming client.
type Client struct {
	log      *slog.Logger
	registry *prometheus.Registry

	conn       *transport.Connection
	pool       *media.Pool
	store      *overlay.Store
	dispatcher *render.Dispatcher
	acks       *ack.Coordinator
	cameras    *camera.Registry
	tap        *tap.Tap
	stats      *stats.Tracker
	metrics    *metrics.Metrics
	pipeline   *pipeline.Pipeline

	mu          sync.Mutex
	initialized bool
	destroyed   bool
	unsubscribe []func()
}

// New builds a Client. Nothing connects until Initialize or Connect.
func New(cfg Config) *Client {
	log := cfg.Log
	if log == nil {
		log = slog.Default()
	}
	reg := cfg.Registry
	if reg == nil {
		reg = prometheus.NewRegistry()
		reg.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)
	}
	logs := cfg.Logs
	if logs == nil {
		logs = SlogSink{Log: log}
	}

	c := &Client{
		log:      log.With("component", "client"),
		registry: reg,
		pool:     media.NewPool(),
		store:    overlay.NewStore(),
		cameras:  camera.NewRegistry(log),
		tap:      tap.New(log),
		stats:    stats.NewTracker(cfg.clock),
		metrics:  metrics.New(reg),
	}
	obs := &pipeline.Observer{Stats: c.stats, Metrics: c.metrics}

	c.conn = transport.New(transport.Config{
		URL:               cfg.ServerURL,
		BaseDelay:         cfg.ReconnectBaseDelay,
		MaxAttempts:       cfg.MaxReconnectAttempts,
		HeartbeatInterval: cfg.HeartbeatInterval,
		DialTimeout:       cfg.DialTimeout,
		Dial:              cfg.dial,
		Clock:             cfg.clock,
		Log:               log,
	})
	c.dispatcher = render.NewDispatcher(render.Config{
		RefreshInterval: cfg.RefreshInterval,
		ErrorThreshold:  cfg.ErrorThreshold,
		InitTimeout:     cfg.InitTimeout,
		Clock:           cfg.clock,
		Observer:        obs,
		Log:             log,
	})
	c.acks = ack.NewCoordinator(c.conn, obs, log)
	c.pipeline = pipeline.New(pipeline.Config{
		Pool:  c.pool,
		Store: c.store,
		Compositor: compositing.New(compositing.Config{
			Store:    c.store,
			Pool:     c.pool,
			Observer: obs,
			Log:      log,
		}),
		Dispatcher: c.dispatcher,
		Acks:       c.acks,
		Cameras:    c.cameras,
		Tap:        c.tap,
		Stats:      c.stats,
		Metrics:    c.metrics,
		Framerate:  cfg.Framerate,
		Logs:       logs,
		Log:        log,
	})
	c.metrics.SetConnectionState(c.conn.State().String())
	return c
}

// Initialize wires the client to its connection and connects. Calling
// it again is a no-op apart from reconnecting if disconnected.
func (c *Client) Initialize(ctx context.Context) error {
	c.mu.Lock()
	if c.destroyed {
		c.mu.Unlock()
		return ErrDestroyed
	}
	if !c.initialized {
		c.initialized = true
		c.unsubscribe = append(c.unsubscribe,
			c.conn.OnMessage(c.pipeline.HandleMessage),
			c.conn.OnStateChange(c.onStateChange),
			c.conn.OnError(func(err error) {
				c.log.Warn("connection error", "error", err)
			}),
			c.conn.OnSendFailed(func(v any, err error) {
				c.metrics.SendFailed()
				c.log.Debug("send failed", "error", err)
			}),
		)
	}
	c.mu.Unlock()
	return c.Connect(ctx)
}

// Destroy disconnects, releases every camera channel and stops the
// client for good.
func (c *Client) Destroy() {
	c.mu.Lock()
	if c.destroyed {
		c.mu.Unlock()
		return
	}
	c.destroyed = true
	unsubs := c.unsubscribe
	c.unsubscribe = nil
	c.mu.Unlock()

	c.conn.Disconnect()
	for _, fn := range unsubs {
		fn()
	}
	c.pipeline.Reset()

	ctx, cancel := context.WithTimeout(context.Background(), destroyTimeout)
	defer cancel()
	if err := c.dispatcher.Close(ctx); err != nil {
		c.log.Warn("render workers did not stop", "error", err)
	}
	c.log.Info("client destroyed", "outstanding_bitmaps", c.pool.Outstanding())
}

func (c *Client) onStateChange(from, to transport.State) {
	c.metrics.SetConnectionState(to.String())
	if to == transport.StateReconnecting && from != transport.StateReconnecting {
		c.metrics.ReconnectScheduled()
	}
	if from == transport.StateConnected && to != transport.StateConnected {
		c.pipeline.Reset()
	}
	c.log.Info("connection state", "from", from, "to", to, "attempt", c.conn.Attempt())
}

// Connect opens the server connection. It is a no-op while connecting
// or connected.
func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	destroyed := c.destroyed
	c.mu.Unlock()
	if destroyed {
		return ErrDestroyed
	}
	return c.conn.Connect(ctx)
}

// Disconnect closes the connection and cancels any pending reconnect.
func (c *Client) Disconnect() {
	c.conn.Disconnect()
}

// Send writes a control message. []byte is sent as binary, string as
// text and anything else as JSON. It reports false when not connected.
func (c *Client) Send(v any) bool {
	return c.conn.Send(v)
}

// State returns the connection state.
func (c *Client) State() State {
	return c.conn.State()
}

// OnStateChange subscribes to connection state transitions.
func (c *Client) OnStateChange(fn func(from, to State)) func() {
	return c.conn.OnStateChange(fn)
}

// BindSurfaceForCamera starts rendering cameraID's frames onto s,
// replacing any surface already bound.
func (c *Client) BindSurfaceForCamera(cameraID string, s Surface) error {
	c.mu.Lock()
	destroyed := c.destroyed
	c.mu.Unlock()
	if destroyed {
		return ErrDestroyed
	}
	return c.dispatcher.BindSurface(cameraID, s)
}

// UnbindCamera stops rendering cameraID. It reports whether a surface
// was bound.
func (c *Client) UnbindCamera(cameraID string) bool {
	return c.dispatcher.Teardown(cameraID)
}

// FPS returns cameraID's render rate over the last two seconds.
func (c *Client) FPS(cameraID string) float64 {
	return c.stats.FPS(cameraID)
}

// SubscribeToFrames calls fn with every composited frame for cameraID,
// independent of any bound surface. It returns an unsubscribe func,
// which may be called from inside fn.
func (c *Client) SubscribeToFrames(cameraID string, fn func(Frame)) func() {
	_, unsubscribe := c.tap.Subscribe(cameraID, fn)
	return unsubscribe
}

// LatestFrame returns the last composited frame for cameraID.
func (c *Client) LatestFrame(cameraID string) (Frame, bool) {
	return c.tap.Latest(cameraID)
}

// ConnectedCameraIDs returns the cameras in the most recent batch,
// sorted.
func (c *Client) ConnectedCameraIDs() []string {
	return c.cameras.IDs()
}

// WatchCameraIDs calls fn with the connected camera list now and on
// every change. fn runs on the connection's read goroutine and must not
// block. It returns an unsubscribe func.
func (c *Client) WatchCameraIDs(fn func(ids []string)) func() {
	return c.cameras.Watch(fn)
}

// Cameras returns the status of every connected camera.
func (c *Client) Cameras() []CameraStatus {
	list := c.cameras.List()
	out := make([]CameraStatus, 0, len(list))
	for _, cam := range list {
		st, _ := c.stats.Snapshot(cam.ID)
		out = append(out, CameraStatus{
			ID:        cam.ID,
			FPS:       st.FPS,
			ServerFPS: st.ServerFPS,
			Channel:   c.dispatcher.State(cam.ID).String(),
			FirstSeen: cam.FirstSeen,
			LastSeen:  cam.LastSeen,
		})
	}
	return out
}

// CameraDebug returns the detailed view of a connected camera.
func (c *Client) CameraDebug(cameraID string) (CameraDebug, bool) {
	var cam *camera.Camera
	for _, cc := range c.cameras.List() {
		if cc.ID == cameraID {
			cam = &cc
			break
		}
	}
	if cam == nil {
		return CameraDebug{}, false
	}
	d := CameraDebug{Camera: *cam}
	d.Stats, _ = c.stats.Snapshot(cameraID)
	if info, ok := c.dispatcher.Channel(cameraID); ok {
		d.Channel = &info
	}
	if e, ok := c.store.Get(cameraID); ok {
		d.Overlay = &OverlayInfo{
			Kind:        string(e.Annotation.Kind()),
			FrameNumber: e.FrameNumber,
			Received:    e.Received,
		}
	}
	return d, true
}

// Debug returns a client-wide diagnostic snapshot.
func (c *Client) Debug() Debug {
	return Debug{
		State:              c.conn.State().String(),
		Attempt:            c.conn.Attempt(),
		URL:                c.conn.URL(),
		Pipeline:           c.pipeline.Debug(),
		Acks:               c.acks.Stats(),
		Channels:           c.dispatcher.Channels(),
		Subscribers:        c.tap.Stats(),
		Overlays:           c.store.Len(),
		OutstandingBitmaps: c.pool.Outstanding(),
	}
}

// Gatherer exposes the client's metrics registry.
func (c *Client) Gatherer() prometheus.Gatherer {
	return c.registry
}
