package render

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/zsiec/multiview/media"
)

var (
	ErrNilSurface = errors.New("render: nil surface")
	ErrClosed     = errors.New("render: dispatcher closed")
)

// Outcome reports how a dispatched frame left the pipeline.
type Outcome int

const (
	Rendered Outcome = iota
	DroppedSuperseded
	DroppedNoChannel
	DroppedTeardown
	Failed
)

func (o Outcome) String() string {
	switch o {
	case Rendered:
		return "rendered"
	case DroppedSuperseded:
		return "superseded"
	case DroppedNoChannel:
		return "no_channel"
	case DroppedTeardown:
		return "teardown"
	case Failed:
		return "failed"
	default:
		return fmt.Sprintf("outcome(%d)", int(o))
	}
}

// Dropped reports whether the frame never reached the surface.
func (o Outcome) Dropped() bool {
	return o != Rendered && o != Failed
}

// State is the lifecycle stage of a camera channel.
type State int

const (
	StateNone State = iota
	StateInitializing
	StateReady
	StateTerminated
)

func (s State) String() string {
	switch s {
	case StateNone:
		return "none"
	case StateInitializing:
		return "initializing"
	case StateReady:
		return "ready"
	case StateTerminated:
		return "terminated"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Observer receives per-camera render events. Implementations must be
// safe for concurrent use; calls arrive from worker goroutines.
type Observer interface {
	FrameRendered(cameraID string, took time.Duration)
	FrameDropped(cameraID string, o Outcome)
	RenderError(cameraID string, err error)
	ChannelTornDown(cameraID string, reason string)
}

// job is one dispatched bitmap and its completion callback.
type job struct {
	bm         *media.Bitmap
	onRendered func(Outcome)
	once       sync.Once
}

// complete releases the bitmap and runs the callback, once.
func (j *job) complete(o Outcome) {
	j.once.Do(func() {
		if j.bm != nil {
			j.bm.Close()
			j.bm = nil
		}
		if j.onRendered != nil {
			j.onRendered(o)
		}
	})
}
