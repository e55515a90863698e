// Package media defines the frame and bitmap types that flow through the
// multiview pipeline, from batch decoding through compositing and rendering.
package media

import (
	"errors"
	"image"
	"sync"
	"sync/atomic"
)

// ErrBitmapClosed is returned when a bitmap is released more than once.
var ErrBitmapClosed = errors.New("media: bitmap already closed")

// Frame is one decoded camera picture from an inbound batch. Ownership of
// Bitmap moves with the Frame: whoever holds the Frame must eventually
// pass the bitmap on or close it.
type Frame struct {
	CameraID    string
	FrameNumber uint64
	Bitmap      *Bitmap
}

// Bitmap is an exclusively-owned RGBA buffer that must be closed exactly
// once. Closing returns the pixel storage to the Pool it came from.
type Bitmap struct {
	img    *image.RGBA
	pool   *Pool
	closed atomic.Bool
}

// Image returns the underlying pixels. The result must not be used after
// Close.
func (b *Bitmap) Image() *image.RGBA {
	return b.img
}

// Bounds returns the bitmap rectangle.
func (b *Bitmap) Bounds() image.Rectangle {
	return b.img.Rect
}

// Closed reports whether the bitmap has been released.
func (b *Bitmap) Closed() bool {
	return b.closed.Load()
}

// Close releases the bitmap. A second Close returns ErrBitmapClosed and
// leaves the pool untouched.
func (b *Bitmap) Close() error {
	if !b.closed.CompareAndSwap(false, true) {
		return ErrBitmapClosed
	}
	if b.pool != nil {
		b.pool.put(b.img)
	}
	b.img = nil
	return nil
}

// Pool hands out bitmaps backed by recycled pixel buffers and tracks how
// many are currently outstanding, which makes leaks observable in tests
// and in debug snapshots.
type Pool struct {
	buffers     sync.Pool
	outstanding atomic.Int64
	allocated   atomic.Int64
}

// NewPool creates an empty bitmap pool.
func NewPool() *Pool {
	return &Pool{}
}

// Get returns a zeroed bitmap of the given size.
func (p *Pool) Get(width, height int) *Bitmap {
	if width < 0 {
		width = 0
	}
	if height < 0 {
		height = 0
	}
	need := width * height * 4
	var pix []byte
	if v, ok := p.buffers.Get().(*[]byte); ok && cap(*v) >= need {
		pix = (*v)[:need]
		clear(pix)
	} else {
		pix = make([]byte, need)
		p.allocated.Add(1)
	}
	p.outstanding.Add(1)
	return &Bitmap{
		img: &image.RGBA{
			Pix:    pix,
			Stride: width * 4,
			Rect:   image.Rect(0, 0, width, height),
		},
		pool: p,
	}
}

// FromImage returns a pooled bitmap holding a copy of src.
func (p *Pool) FromImage(src *image.RGBA) *Bitmap {
	r := src.Bounds()
	b := p.Get(r.Dx(), r.Dy())
	dst := b.img
	for y := 0; y < r.Dy(); y++ {
		so := src.PixOffset(r.Min.X, r.Min.Y+y)
		copy(dst.Pix[y*dst.Stride:(y+1)*dst.Stride], src.Pix[so:so+r.Dx()*4])
	}
	return b
}

// Outstanding returns the number of bitmaps handed out and not yet closed.
func (p *Pool) Outstanding() int64 {
	return p.outstanding.Load()
}

// Allocated returns how many pixel buffers were freshly allocated rather
// than recycled.
func (p *Pool) Allocated() int64 {
	return p.allocated.Load()
}

func (p *Pool) put(img *image.RGBA) {
	p.outstanding.Add(-1)
	pix := img.Pix
	p.buffers.Put(&pix)
}

// CloneRGBA returns an independent copy of img that shares no memory with
// the original.
func CloneRGBA(img *image.RGBA) *image.RGBA {
	out := &image.RGBA{
		Pix:    make([]byte, len(img.Pix)),
		Stride: img.Stride,
		Rect:   img.Rect,
	}
	copy(out.Pix, img.Pix)
	return out
}
