// Package compositing merges decoded camera frames with their cached
// overlay annotations.
package compositing

import (
	"context"
	"errors"
	"log/slog"

	"golang.org/x/image/draw"

	"github.com/zsiec/multiview/internal/overlay"
	"github.com/zsiec/multiview/media"
)

// OverlayFailure classifies why an overlay was not drawn.
type OverlayFailure string

const (
	FailureNoRenderer OverlayFailure = "no_renderer"
	FailureRender     OverlayFailure = "render"
)

// Observer receives compositing outcomes. Implementations must be safe
// for concurrent use.
type Observer interface {
	FrameComposited(cameraID string, withOverlay bool)
	OverlaySkipped(cameraID string, reason OverlayFailure)
}

// Compositor draws a frame into a fresh bitmap and applies the camera's
// cached annotation on top.
type Compositor struct {
	store    *overlay.Store
	registry *overlay.Registry
	pool     *media.Pool
	observer Observer
	log      *slog.Logger
}

// Config wires a Compositor to its collaborators. Registry defaults to
// overlay.DefaultRegistry and Pool to a new pool.
type Config struct {
	Store    *overlay.Store
	Registry *overlay.Registry
	Pool     *media.Pool
	Observer Observer
	Log      *slog.Logger
}

// New creates a Compositor.
func New(cfg Config) *Compositor {
	log := cfg.Log
	if log == nil {
		log = slog.Default()
	}
	if cfg.Registry == nil {
		cfg.Registry = overlay.DefaultRegistry()
	}
	if cfg.Pool == nil {
		cfg.Pool = media.NewPool()
	}
	if cfg.Store == nil {
		cfg.Store = overlay.NewStore()
	}
	return &Compositor{
		store:    cfg.Store,
		registry: cfg.Registry,
		pool:     cfg.Pool,
		observer: cfg.Observer,
		log:      log.With("component", "compositor"),
	}
}

// Composite consumes src and returns a new bitmap holding src with the
// camera's overlay drawn on it. src is closed before Composite returns
// and must not be used afterwards. Overlay problems are logged and the
// raw frame is returned; Composite never fails.
func (c *Compositor) Composite(cameraID string, src *media.Bitmap) *media.Bitmap {
	r := src.Bounds()
	dst := c.pool.Get(r.Dx(), r.Dy())
	draw.Draw(dst.Image(), dst.Bounds(), src.Image(), r.Min, draw.Src)

	withOverlay, renderFailed := c.drawOverlay(cameraID, dst)
	if renderFailed {
		// a renderer failed part way; restore the untouched frame
		draw.Draw(dst.Image(), dst.Bounds(), src.Image(), r.Min, draw.Src)
	}
	src.Close()
	if c.observer != nil {
		c.observer.FrameComposited(cameraID, withOverlay)
	}
	return dst
}

// drawOverlay reports whether an overlay was drawn and whether a
// renderer ran and failed.
func (c *Compositor) drawOverlay(cameraID string, dst *media.Bitmap) (drawn, renderFailed bool) {
	entry, ok := c.store.Get(cameraID)
	if !ok || entry.Annotation == nil {
		return false, false
	}
	kind := entry.Annotation.Kind()
	rn, err := c.registry.Lookup(kind)
	if err != nil {
		c.log.Debug("no renderer for overlay, compositing raw frame", "camera", cameraID, "kind", kind)
		c.skip(cameraID, FailureNoRenderer)
		return false, false
	}
	if err := rn.Render(dst.Image(), entry.Annotation); err != nil {
		level := slog.LevelWarn
		if errors.Is(err, overlay.ErrInvalidAnnotation) {
			level = slog.LevelDebug
		}
		c.log.Log(context.Background(), level, "overlay render failed, compositing raw frame", "camera", cameraID, "kind", kind, "error", err)
		c.skip(cameraID, FailureRender)
		return false, true
	}
	return true, false
}

func (c *Compositor) skip(cameraID string, reason OverlayFailure) {
	if c.observer != nil {
		c.observer.OverlaySkipped(cameraID, reason)
	}
}
