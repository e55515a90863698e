package client

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"github.com/zsiec/multiview/internal/ack"
	"github.com/zsiec/multiview/internal/camera"
	"github.com/zsiec/multiview/internal/pipeline"
	"github.com/zsiec/multiview/internal/render"
	"github.com/zsiec/multiview/internal/stats"
	"github.com/zsiec/multiview/internal/tap"
	"github.com/zsiec/multiview/internal/transport"
)

// State is the connection state.
type State = transport.State

const (
	StateDisconnected = transport.StateDisconnected
	StateConnecting   = transport.StateConnecting
	StateConnected    = transport.StateConnected
	StateReconnecting = transport.StateReconnecting
	StateFailed       = transport.StateFailed
)

// Surface is a drawing target for one camera. Draw is called from the
// camera's render worker with a frame that is only valid for the call.
type Surface = render.Surface

// Initializer is implemented by surfaces that need setup before their
// first frame.
type Initializer = render.Initializer

// SurfaceFunc adapts a function to Surface.
type SurfaceFunc = render.SurfaceFunc

// Frame is a composited frame delivered to SubscribeToFrames callbacks.
// Its image is shared between subscribers and must not be modified.
type Frame = tap.Frame

// FramerateSink receives server-reported frame rates per camera.
type FramerateSink interface {
	FramerateUpdate(cameraFPS map[string]float64)
}

// LogSink receives log records forwarded by the server.
type LogSink interface {
	ServerLog(level, name, message string, at time.Time)
}

var (
	_ pipeline.FramerateSink = (FramerateSink)(nil)
	_ pipeline.LogSink       = (LogSink)(nil)
)

// SlogSink forwards server log records to a slog.Logger.
type SlogSink struct {
	Log *slog.Logger
}

// ServerLog logs the record at the slog level matching its Python-style
// level name.
func (s SlogSink) ServerLog(level, name, message string, at time.Time) {
	log := s.Log
	if log == nil {
		log = slog.Default()
	}
	log.Log(context.Background(), ServerLevel(level), message, "source", "server", "logger", name, "at", at)
}

// ServerLevel maps a server level name onto a slog level. Unknown names
// map to Info.
func ServerLevel(level string) slog.Level {
	switch strings.ToUpper(level) {
	case "DEBUG", "TRACE":
		return slog.LevelDebug
	case "WARNING", "WARN":
		return slog.LevelWarn
	case "ERROR":
		return slog.LevelError
	case "CRITICAL", "FATAL":
		return slog.LevelError + 4
	default:
		return slog.LevelInfo
	}
}

// CameraStatus summarises one connected camera.
type CameraStatus struct {
	ID        string    `json:"id"`
	FPS       float64   `json:"fps"`
	ServerFPS float64   `json:"serverFps"`
	Channel   string    `json:"channel"`
	FirstSeen time.Time `json:"firstSeen"`
	LastSeen  time.Time `json:"lastSeen"`
}

// OverlayInfo describes a camera's cached annotation.
type OverlayInfo struct {
	Kind        string    `json:"kind"`
	FrameNumber uint64    `json:"frameNumber"`
	Received    time.Time `json:"received"`
}

// CameraDebug is the detailed view of one camera.
type CameraDebug struct {
	Camera  camera.Camera       `json:"camera"`
	Stats   stats.CameraStats   `json:"stats"`
	Channel *render.ChannelInfo `json:"channel,omitempty"`
	Overlay *OverlayInfo        `json:"overlay,omitempty"`
}

// Debug is a client-wide diagnostic snapshot.
type Debug struct {
	State              string                `json:"state"`
	Attempt            int                   `json:"attempt"`
	URL                string                `json:"url"`
	Pipeline           pipeline.Debug        `json:"pipeline"`
	Acks               ack.Stats             `json:"acks"`
	Channels           []render.ChannelInfo  `json:"channels"`
	Subscribers        []tap.SubscriberStats `json:"subscribers"`
	Overlays           int                   `json:"overlays"`
	OutstandingBitmaps int64                 `json:"outstandingBitmaps"`
}
