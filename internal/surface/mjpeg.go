// Package surface provides render surfaces that make camera output
// viewable outside the process.
package surface

import (
	"bytes"
	"errors"
	"fmt"
	"image"
	"image/jpeg"
	"log/slog"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/image/draw"

	"github.com/zsiec/multiview/internal/render"
)

// Boundary separates parts of the multipart MJPEG stream.
const Boundary = "frameboundary"

// DefaultQuality is the JPEG quality used when none is configured.
const DefaultQuality = 80

// ErrClosed is returned by Draw after Close.
var ErrClosed = errors.New("surface: closed")

// MJPEGConfig controls an MJPEG surface. A zero Width or Height keeps
// the frame's native size; otherwise frames are scaled to fit inside
// Width x Height with their aspect ratio preserved.
type MJPEGConfig struct {
	CameraID string
	Width    int
	Height   int
	Quality  int
	Log      *slog.Logger
}

// MJPEG is a render.Surface that JPEG-encodes each drawn frame and
// serves the result as a multipart/x-mixed-replace stream. Viewers
// always get the newest frame; a slow viewer skips frames.
type MJPEG struct {
	cfg MJPEGConfig
	log *slog.Logger

	mu      sync.RWMutex
	latest  []byte
	viewers map[chan []byte]struct{}
	closed  bool

	scratch *image.RGBA
	frames  atomic.Int64
	bytes   atomic.Int64
}

var _ render.Surface = (*MJPEG)(nil)

// NewMJPEG creates an MJPEG surface.
func NewMJPEG(cfg MJPEGConfig) *MJPEG {
	if cfg.Quality <= 0 || cfg.Quality > 100 {
		cfg.Quality = DefaultQuality
	}
	log := cfg.Log
	if log == nil {
		log = slog.Default()
	}
	return &MJPEG{
		cfg:     cfg,
		log:     log.With("component", "mjpeg", "camera", cfg.CameraID),
		viewers: make(map[chan []byte]struct{}),
	}
}

// Draw encodes img and hands it to every viewer. It runs on the
// camera's render worker, so calls never overlap.
func (m *MJPEG) Draw(img *image.RGBA) error {
	m.mu.RLock()
	closed := m.closed
	m.mu.RUnlock()
	if closed {
		return ErrClosed
	}

	src := image.Image(img)
	if dst := m.fit(img.Bounds()); dst != img.Bounds().Size() {
		if m.scratch == nil || m.scratch.Bounds().Size() != dst {
			m.scratch = image.NewRGBA(image.Rectangle{Max: dst})
		}
		draw.ApproxBiLinear.Scale(m.scratch, m.scratch.Bounds(), img, img.Bounds(), draw.Src, nil)
		src = m.scratch
	}

	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, src, &jpeg.Options{Quality: m.cfg.Quality}); err != nil {
		return fmt.Errorf("encode jpeg: %w", err)
	}
	frame := buf.Bytes()
	m.frames.Add(1)
	m.bytes.Add(int64(len(frame)))

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	m.latest = frame
	for ch := range m.viewers {
		offerLatest(ch, frame)
	}
	return nil
}

// fit returns the output size for a frame of bounds r.
func (m *MJPEG) fit(r image.Rectangle) image.Point {
	w, h := r.Dx(), r.Dy()
	if m.cfg.Width <= 0 || m.cfg.Height <= 0 || w == 0 || h == 0 {
		return r.Size()
	}
	if w <= m.cfg.Width && h <= m.cfg.Height {
		return r.Size()
	}
	sw := float64(m.cfg.Width) / float64(w)
	sh := float64(m.cfg.Height) / float64(h)
	s := min(sw, sh)
	return image.Pt(max(1, int(float64(w)*s)), max(1, int(float64(h)*s)))
}

// offerLatest replaces whatever is queued on ch with frame.
func offerLatest(ch chan []byte, frame []byte) {
	select {
	case <-ch:
	default:
	}
	select {
	case ch <- frame:
	default:
	}
}

// Latest returns the most recent encoded frame.
func (m *MJPEG) Latest() ([]byte, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.latest, m.latest != nil
}

// Subscribe returns a channel that receives encoded frames, starting
// with the latest one if any. The channel is closed by the returned
// func or by Close.
func (m *MJPEG) Subscribe() (<-chan []byte, func()) {
	ch := make(chan []byte, 1)
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		close(ch)
		return ch, func() {}
	}
	if m.latest != nil {
		ch <- m.latest
	}
	m.viewers[ch] = struct{}{}
	m.mu.Unlock()

	return ch, func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		if _, ok := m.viewers[ch]; ok {
			delete(m.viewers, ch)
			close(ch)
		}
	}
}

// Viewers returns the number of connected stream viewers.
func (m *MJPEG) Viewers() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.viewers)
}

// Stats reports frames and bytes encoded.
func (m *MJPEG) Stats() (frames, encoded int64) {
	return m.frames.Load(), m.bytes.Load()
}

// Close ends every viewer stream. Later draws fail with ErrClosed.
func (m *MJPEG) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return
	}
	m.closed = true
	for ch := range m.viewers {
		close(ch)
	}
	clear(m.viewers)
}

// ServeHTTP streams frames until the client goes away or the surface
// is closed. If no frame arrives within idle the stream ends.
func (m *MJPEG) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	m.Stream(w, r, 0)
}

// Stream is ServeHTTP with an idle timeout; zero means none.
func (m *MJPEG) Stream(w http.ResponseWriter, r *http.Request, idle time.Duration) {
	frames, unsubscribe := m.Subscribe()
	defer unsubscribe()

	mw := multipart.NewWriter(w)
	if err := mw.SetBoundary(Boundary); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "multipart/x-mixed-replace; boundary="+Boundary)
	w.Header().Set("Cache-Control", "no-cache, no-store, must-revalidate")
	w.WriteHeader(http.StatusOK)
	rc := http.NewResponseController(w)
	_ = rc.Flush()

	m.log.Debug("viewer connected", "remote", r.RemoteAddr)
	defer m.log.Debug("viewer disconnected", "remote", r.RemoteAddr)

	var timeout <-chan time.Time
	var timer *time.Timer
	if idle > 0 {
		timer = time.NewTimer(idle)
		defer timer.Stop()
		timeout = timer.C
	}

	for {
		select {
		case <-r.Context().Done():
			return
		case <-timeout:
			m.log.Debug("stream idle", "remote", r.RemoteAddr)
			return
		case frame, ok := <-frames:
			if !ok {
				return
			}
			if timer != nil {
				timer.Reset(idle)
			}
			part, err := mw.CreatePart(textproto.MIMEHeader{
				"Content-Type":   {"image/jpeg"},
				"Content-Length": {strconv.Itoa(len(frame))},
			})
			if err != nil {
				return
			}
			if _, err := part.Write(frame); err != nil {
				return
			}
			if err := rc.Flush(); err != nil {
				return
			}
		}
	}
}
