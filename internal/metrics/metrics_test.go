package metrics

import (
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/zsiec/multiview/internal/render"
)

// value returns the sum of all series of the named family.
func value(t *testing.T, reg *prometheus.Registry, name string) float64 {
	t.Helper()
	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("Gather: %v", err)
	}
	var sum float64
	for _, f := range families {
		if f.GetName() != name {
			continue
		}
		for _, m := range f.GetMetric() {
			switch {
			case m.GetCounter() != nil:
				sum += m.GetCounter().GetValue()
			case m.GetGauge() != nil:
				sum += m.GetGauge().GetValue()
			}
		}
	}
	return sum
}

func TestNilMetricsIsSafe(t *testing.T) {
	t.Parallel()

	var m *Metrics
	m.FrameReceived("A")
	m.FrameRendered("A", time.Millisecond)
	m.FrameDropped("A", render.DroppedSuperseded)
	m.SetConnectionState("connected")
	m.ForgetCamera("A")
}

func TestCounters(t *testing.T) {
	t.Parallel()

	reg := prometheus.NewRegistry()
	m := New(reg)

	m.FrameReceived("A")
	m.FrameReceived("B")
	m.FrameRendered("A", 2*time.Millisecond)
	m.FrameDropped("A", render.DroppedSuperseded)
	m.RenderError("A", errors.New("x"))
	m.ChannelTornDown("A", "error threshold")
	m.AckSent(10, true)
	m.AckSent(11, false)
	m.DecodeError()
	m.BatchReceived()

	tests := []struct {
		name string
		want float64
	}{
		{"multiview_frames_received_total", 2},
		{"multiview_frames_rendered_total", 1},
		{"multiview_frames_dropped_total", 1},
		{"multiview_render_errors_total", 1},
		{"multiview_channel_teardowns_total", 1},
		{"multiview_acknowledgments_total", 2},
		{"multiview_decode_errors_total", 1},
		{"multiview_batches_total", 1},
	}
	for _, tt := range tests {
		if got := value(t, reg, tt.name); got != tt.want {
			t.Errorf("%s = %v, want %v", tt.name, got, tt.want)
		}
	}
}

func TestConnectionStateOneHot(t *testing.T) {
	t.Parallel()

	reg := prometheus.NewRegistry()
	m := New(reg)
	m.SetConnectionState("connecting")
	m.SetConnectionState("connected")

	if got := value(t, reg, "multiview_connection_state"); got != 1 {
		t.Errorf("sum of connection_state = %v, want 1", got)
	}
}

func TestForgetCamera(t *testing.T) {
	t.Parallel()

	reg := prometheus.NewRegistry()
	m := New(reg)
	m.FrameReceived("A")
	m.SetServerFPS("A", 30)
	m.ForgetCamera("A")

	if got := value(t, reg, "multiview_frames_received_total"); got != 0 {
		t.Errorf("frames_received after forget = %v, want 0", got)
	}
	if got := value(t, reg, "multiview_server_fps"); got != 0 {
		t.Errorf("server_fps after forget = %v, want 0", got)
	}
}
