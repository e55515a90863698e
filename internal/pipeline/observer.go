package pipeline

import (
	"time"

	"github.com/zsiec/multiview/internal/ack"
	"github.com/zsiec/multiview/internal/compositing"
	"github.com/zsiec/multiview/internal/metrics"
	"github.com/zsiec/multiview/internal/render"
	"github.com/zsiec/multiview/internal/stats"
)

// Observer forwards stage events to the stats tracker and the metrics
// collectors. Either may be nil.
type Observer struct {
	Stats   *stats.Tracker
	Metrics *metrics.Metrics
}

var (
	_ render.Observer      = (*Observer)(nil)
	_ compositing.Observer = (*Observer)(nil)
	_ ack.Observer         = (*Observer)(nil)
)

func (o *Observer) FrameRendered(cameraID string, took time.Duration) {
	if o.Stats != nil {
		o.Stats.RecordRendered(cameraID)
	}
	o.Metrics.FrameRendered(cameraID, took)
}

func (o *Observer) FrameDropped(cameraID string, out render.Outcome) {
	if o.Stats != nil {
		o.Stats.RecordDropped(cameraID)
	}
	o.Metrics.FrameDropped(cameraID, out)
}

func (o *Observer) RenderError(cameraID string, err error) {
	if o.Stats != nil {
		o.Stats.RecordRenderError(cameraID)
	}
	o.Metrics.RenderError(cameraID, err)
}

func (o *Observer) ChannelTornDown(cameraID, reason string) {
	o.Metrics.ChannelTornDown(cameraID, reason)
}

func (o *Observer) FrameComposited(cameraID string, withOverlay bool) {
	o.Metrics.FrameComposited(cameraID, withOverlay)
}

func (o *Observer) OverlaySkipped(cameraID string, reason compositing.OverlayFailure) {
	o.Metrics.OverlaySkipped(cameraID, reason)
}

func (o *Observer) AckSent(frameNumber uint64, ok bool) {
	o.Metrics.AckSent(frameNumber, ok)
}
