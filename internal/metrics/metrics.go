// Package metrics exposes Prometheus instrumentation for the streaming
// pipeline. A nil *Metrics is valid and records nothing.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/zsiec/multiview/internal/compositing"
	"github.com/zsiec/multiview/internal/render"
)

const namespace = "multiview"

// ConnectionStates lists every label value of the connection_state gauge.
var ConnectionStates = []string{"disconnected", "connecting", "connected", "reconnecting", "failed"}

// Metrics holds every collector the client reports.
type Metrics struct {
	framesReceived   *prometheus.CounterVec
	framesComposited *prometheus.CounterVec
	framesRendered   *prometheus.CounterVec
	framesDropped    *prometheus.CounterVec
	renderDuration   prometheus.Histogram
	renderErrors     *prometheus.CounterVec
	overlaySkipped   *prometheus.CounterVec
	teardowns        *prometheus.CounterVec
	acksSent         *prometheus.CounterVec
	batches          prometheus.Counter
	decodeErrors     prometheus.Counter
	controlMessages  *prometheus.CounterVec
	reconnects       prometheus.Counter
	sendFailures     prometheus.Counter
	connectionState  *prometheus.GaugeVec
	cameras          prometheus.Gauge
	serverFPS        *prometheus.GaugeVec
}

var (
	_ render.Observer      = (*Metrics)(nil)
	_ compositing.Observer = (*Metrics)(nil)
)

// New registers the collectors with reg. A nil reg uses
// prometheus.DefaultRegisterer.
func New(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)

	return &Metrics{
		framesReceived: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "frames_received_total",
			Help:      "Frames decoded from inbound batches",
		}, []string{"camera"}),
		framesComposited: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "frames_composited_total",
			Help:      "Frames composited, by whether an overlay was drawn",
		}, []string{"camera", "overlay"}),
		framesRendered: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "frames_rendered_total",
			Help:      "Frames drawn to a surface",
		}, []string{"camera"}),
		framesDropped: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "frames_dropped_total",
			Help:      "Frames released without being drawn",
		}, []string{"camera", "reason"}),
		renderDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "render_duration_seconds",
			Help:      "Time spent in surface draw calls",
			Buckets:   []float64{.0005, .001, .0025, .005, .01, .016, .033, .05, .1, .25},
		}),
		renderErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "render_errors_total",
			Help:      "Failed surface draws and initializations",
		}, []string{"camera"}),
		overlaySkipped: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "overlay_skipped_total",
			Help:      "Cached overlays that could not be drawn",
		}, []string{"camera", "reason"}),
		teardowns: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "channel_teardowns_total",
			Help:      "Render channels torn down",
		}, []string{"reason"}),
		acksSent: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "acknowledgments_total",
			Help:      "Frame acknowledgments, by send result",
		}, []string{"result"}),
		batches: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "batches_total",
			Help:      "Binary frame batches received",
		}),
		decodeErrors: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "decode_errors_total",
			Help:      "Binary batches abandoned due to decode errors",
		}),
		controlMessages: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "control_messages_total",
			Help:      "Text control messages received, by type",
		}, []string{"type"}),
		reconnects: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "reconnect_attempts_total",
			Help:      "Scheduled reconnect attempts",
		}),
		sendFailures: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "send_failures_total",
			Help:      "Outbound messages refused or failed",
		}),
		connectionState: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "connection_state",
			Help:      "1 for the current transport state, 0 otherwise",
		}, []string{"state"}),
		cameras: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "connected_cameras",
			Help:      "Cameras present in the latest batch",
		}),
		serverFPS: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "server_fps",
			Help:      "Capture rate reported by the server",
		}, []string{"camera"}),
	}
}

func (m *Metrics) FrameReceived(cameraID string) {
	if m == nil {
		return
	}
	m.framesReceived.WithLabelValues(cameraID).Inc()
}

func (m *Metrics) FrameComposited(cameraID string, withOverlay bool) {
	if m == nil {
		return
	}
	label := "no"
	if withOverlay {
		label = "yes"
	}
	m.framesComposited.WithLabelValues(cameraID, label).Inc()
}

func (m *Metrics) OverlaySkipped(cameraID string, reason compositing.OverlayFailure) {
	if m == nil {
		return
	}
	m.overlaySkipped.WithLabelValues(cameraID, string(reason)).Inc()
}

func (m *Metrics) FrameRendered(cameraID string, took time.Duration) {
	if m == nil {
		return
	}
	m.framesRendered.WithLabelValues(cameraID).Inc()
	m.renderDuration.Observe(took.Seconds())
}

func (m *Metrics) FrameDropped(cameraID string, o render.Outcome) {
	if m == nil {
		return
	}
	m.framesDropped.WithLabelValues(cameraID, o.String()).Inc()
}

func (m *Metrics) RenderError(cameraID string, _ error) {
	if m == nil {
		return
	}
	m.renderErrors.WithLabelValues(cameraID).Inc()
}

func (m *Metrics) ChannelTornDown(_ string, reason string) {
	if m == nil {
		return
	}
	m.teardowns.WithLabelValues(reason).Inc()
}

func (m *Metrics) AckSent(_ uint64, ok bool) {
	if m == nil {
		return
	}
	result := "sent"
	if !ok {
		result = "failed"
	}
	m.acksSent.WithLabelValues(result).Inc()
}

func (m *Metrics) BatchReceived() {
	if m == nil {
		return
	}
	m.batches.Inc()
}

func (m *Metrics) DecodeError() {
	if m == nil {
		return
	}
	m.decodeErrors.Inc()
}

func (m *Metrics) ControlMessage(messageType string) {
	if m == nil {
		return
	}
	m.controlMessages.WithLabelValues(messageType).Inc()
}

func (m *Metrics) ReconnectScheduled() {
	if m == nil {
		return
	}
	m.reconnects.Inc()
}

func (m *Metrics) SendFailed() {
	if m == nil {
		return
	}
	m.sendFailures.Inc()
}

// SetConnectionState marks state as current and every other state as 0.
func (m *Metrics) SetConnectionState(state string) {
	if m == nil {
		return
	}
	for _, s := range ConnectionStates {
		v := 0.0
		if s == state {
			v = 1
		}
		m.connectionState.WithLabelValues(s).Set(v)
	}
}

func (m *Metrics) SetCameraCount(n int) {
	if m == nil {
		return
	}
	m.cameras.Set(float64(n))
}

func (m *Metrics) SetServerFPS(cameraID string, fps float64) {
	if m == nil {
		return
	}
	m.serverFPS.WithLabelValues(cameraID).Set(fps)
}

// ForgetCamera deletes per-camera series for a camera that went away.
func (m *Metrics) ForgetCamera(cameraID string) {
	if m == nil {
		return
	}
	labels := prometheus.Labels{"camera": cameraID}
	m.framesReceived.DeletePartialMatch(labels)
	m.framesComposited.DeletePartialMatch(labels)
	m.framesRendered.DeletePartialMatch(labels)
	m.framesDropped.DeletePartialMatch(labels)
	m.renderErrors.DeletePartialMatch(labels)
	m.overlaySkipped.DeletePartialMatch(labels)
	m.serverFPS.DeletePartialMatch(labels)
}
