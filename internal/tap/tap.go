// Package tap fans composited frames out to consumers outside the render
// path, such as recorders or previews. Subscribers receive read-only
// copies; the pipeline's own bitmaps are never shared.
package tap

import (
	"image"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/zsiec/multiview/media"
)

// subscriberBuffer is the per-subscriber queue depth. A subscriber that
// falls further behind loses frames rather than stalling the pipeline.
const subscriberBuffer = 2

// Frame is one composited frame as seen by a subscriber. Image is shared
// between subscribers and must be treated as read-only.
type Frame struct {
	CameraID    string
	FrameNumber uint64
	Image       *image.RGBA
	At          time.Time
}

// SubscriberStats captures per-subscriber delivery counts.
type SubscriberStats struct {
	ID        string `json:"id"`
	CameraID  string `json:"cameraId"`
	Delivered int64  `json:"delivered"`
	Dropped   int64  `json:"dropped"`
}

type subscriber struct {
	id        string
	cameraID  string
	ch        chan Frame
	delivered atomic.Int64
	dropped   atomic.Int64
}

// trySend queues f without blocking, counting a drop when the
// subscriber's buffer is full.
func (s *subscriber) trySend(f Frame) {
	select {
	case s.ch <- f:
	default:
		s.dropped.Add(1)
	}
}

// Tap is the fan-out hub for composited frames, keyed by camera.
type Tap struct {
	log *slog.Logger

	mu   sync.RWMutex
	subs map[string]map[string]*subscriber

	latestMu sync.Mutex
	latest   map[string]*cached
}

// cached is a camera's cached frame. Once shared has been set the image
// may be referenced outside the tap and is never written again.
type cached struct {
	frame  Frame
	shared bool
}

// reusable reports whether img can be copied into the cached image in
// place.
func (l *cached) reusable(img *image.RGBA) bool {
	c := l.frame.Image
	return !l.shared && c.Rect == img.Rect && c.Stride == img.Stride && len(c.Pix) == len(img.Pix)
}

// New creates a Tap with no subscribers.
func New(log *slog.Logger) *Tap {
	if log == nil {
		log = slog.Default()
	}
	return &Tap{
		log:    log.With("component", "tap"),
		subs:   make(map[string]map[string]*subscriber),
		latest: make(map[string]*cached),
	}
}

// Subscribe calls fn for each composited frame of cameraID, on a
// goroutine owned by the subscription. The latest frame, if any, is
// delivered first. The returned func unsubscribes and does not wait for
// fn, so it is safe to call from inside fn. Queued frames are discarded;
// a call to fn already in progress may finish after it returns.
func (t *Tap) Subscribe(cameraID string, fn func(Frame)) (id string, unsubscribe func()) {
	s := &subscriber{
		id:       uuid.NewString(),
		cameraID: cameraID,
		ch:       make(chan Frame, subscriberBuffer),
	}

	if f, ok := t.Latest(cameraID); ok {
		s.trySend(f)
	}

	t.mu.Lock()
	if t.subs[cameraID] == nil {
		t.subs[cameraID] = make(map[string]*subscriber)
	}
	t.subs[cameraID][s.id] = s
	t.mu.Unlock()

	var stopped atomic.Bool
	go func() {
		for f := range s.ch {
			if stopped.Load() {
				continue
			}
			fn(f)
			s.delivered.Add(1)
		}
		t.log.Debug("subscriber stopped", "camera", cameraID, "subscriber", s.id)
	}()

	t.log.Debug("subscriber added", "camera", cameraID, "subscriber", s.id)

	var once sync.Once
	return s.id, func() {
		once.Do(func() {
			stopped.Store(true)
			t.mu.Lock()
			delete(t.subs[cameraID], s.id)
			if len(t.subs[cameraID]) == 0 {
				delete(t.subs, cameraID)
			}
			t.mu.Unlock()
			close(s.ch)
			t.log.Debug("subscriber removed", "camera", cameraID, "subscriber", s.id)
		})
	}
}

// HasSubscribers reports whether anyone is subscribed to cameraID.
func (t *Tap) HasSubscribers(cameraID string) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.subs[cameraID]) > 0
}

// Publish copies img and delivers it to cameraID's subscribers. img is
// not retained. While nobody holds the cached frame, the copy reuses its
// buffer instead of allocating.
func (t *Tap) Publish(cameraID string, frameNumber uint64, img *image.RGBA) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	subs := t.subs[cameraID]

	t.latestMu.Lock()
	l := t.latest[cameraID]
	if l != nil && l.reusable(img) {
		copy(l.frame.Image.Pix, img.Pix)
	} else {
		l = &cached{frame: Frame{Image: media.CloneRGBA(img)}}
		t.latest[cameraID] = l
	}
	l.frame.CameraID = cameraID
	l.frame.FrameNumber = frameNumber
	l.frame.At = time.Now()
	l.shared = len(subs) > 0
	f := l.frame
	t.latestMu.Unlock()

	for _, s := range subs {
		s.trySend(f)
	}
}

// Latest returns the most recently published frame for cameraID. The
// image stays valid after later publishes.
func (t *Tap) Latest(cameraID string) (Frame, bool) {
	t.latestMu.Lock()
	defer t.latestMu.Unlock()
	l, ok := t.latest[cameraID]
	if !ok {
		return Frame{}, false
	}
	l.shared = true
	return l.frame, true
}

// Forget drops the cached latest frame for cameraID. Subscriptions stay
// in place so they resume if the camera returns.
func (t *Tap) Forget(cameraID string) {
	t.latestMu.Lock()
	delete(t.latest, cameraID)
	t.latestMu.Unlock()
}

// ForgetAll drops every cached frame.
func (t *Tap) ForgetAll() {
	t.latestMu.Lock()
	clear(t.latest)
	t.latestMu.Unlock()
}

// SubscriberCount returns the number of active subscriptions.
func (t *Tap) SubscriberCount() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	n := 0
	for _, m := range t.subs {
		n += len(m)
	}
	return n
}

// Stats returns delivery metrics for every subscriber, sorted by camera
// then id.
func (t *Tap) Stats() []SubscriberStats {
	t.mu.RLock()
	out := make([]SubscriberStats, 0)
	for _, m := range t.subs {
		for _, s := range m {
			out = append(out, SubscriberStats{
				ID:        s.id,
				CameraID:  s.cameraID,
				Delivered: s.delivered.Load(),
				Dropped:   s.dropped.Load(),
			})
		}
	}
	t.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool {
		if out[i].CameraID != out[j].CameraID {
			return out[i].CameraID < out[j].CameraID
		}
		return out[i].ID < out[j].ID
	})
	return out
}
