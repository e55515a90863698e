package render

import (
	"context"
	"image"
)

// Surface is a drawing target bound to one camera. Draw is only ever
// called from that camera's worker goroutine and must not retain img
// after returning.
type Surface interface {
	Draw(img *image.RGBA) error
}

// Initializer is implemented by surfaces that need setup before the
// first frame. Init runs on the worker goroutine; frames dispatched
// before it returns are dropped.
type Initializer interface {
	Init(ctx context.Context) error
}

// SurfaceFunc adapts a function to Surface.
type SurfaceFunc func(img *image.RGBA) error

func (f SurfaceFunc) Draw(img *image.RGBA) error {
	return f(img)
}
