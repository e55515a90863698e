package render

import (
	"context"
	"errors"
	"image"
	"image/color"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/zsiec/multiview/internal/clock/clocktest"
	"github.com/zsiec/multiview/media"
)

const waitTimeout = 2 * time.Second

type recordingSurface struct {
	mu    sync.Mutex
	drawn []uint8
	err   func(n int) error
	calls int
}

func (s *recordingSurface) Draw(img *image.RGBA) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	if s.err != nil {
		if err := s.err(s.calls); err != nil {
			return err
		}
	}
	s.drawn = append(s.drawn, img.Pix[0])
	return nil
}

func (s *recordingSurface) values() []uint8 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]uint8(nil), s.drawn...)
}

type testObserver struct {
	rendered atomic.Int64
	dropped  atomic.Int64
	errors   atomic.Int64
	mu       sync.Mutex
	reasons  []string
}

func (o *testObserver) FrameRendered(string, time.Duration) { o.rendered.Add(1) }
func (o *testObserver) FrameDropped(string, Outcome)        { o.dropped.Add(1) }
func (o *testObserver) RenderError(string, error)           { o.errors.Add(1) }
func (o *testObserver) ChannelTornDown(_ string, reason string) {
	o.mu.Lock()
	o.reasons = append(o.reasons, reason)
	o.mu.Unlock()
}

func (o *testObserver) teardownReasons() []string {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([]string(nil), o.reasons...)
}

func newTestDispatcher(t *testing.T) (*Dispatcher, *clocktest.Fake, *testObserver) {
	t.Helper()
	fc := clocktest.New()
	obs := &testObserver{}
	d := NewDispatcher(Config{Clock: fc, Observer: obs})
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), waitTimeout)
		defer cancel()
		d.Close(ctx)
	})
	return d, fc, obs
}

// frame returns a 1x1 bitmap whose red channel is v.
func frame(pool *media.Pool, v uint8) *media.Bitmap {
	b := pool.Get(1, 1)
	b.Image().SetRGBA(0, 0, color.RGBA{R: v, A: 255})
	return b
}

func outcomeChan() (chan Outcome, func(Outcome)) {
	ch := make(chan Outcome, 1)
	return ch, func(o Outcome) { ch <- o }
}

func waitOutcome(t *testing.T, ch <-chan Outcome) Outcome {
	t.Helper()
	select {
	case o := <-ch:
		return o
	case <-time.After(waitTimeout):
		t.Fatal("timed out waiting for render completion")
		return 0
	}
}

func waitState(t *testing.T, d *Dispatcher, id string, want State) {
	t.Helper()
	deadline := time.Now().Add(waitTimeout)
	for time.Now().Before(deadline) {
		if d.State(id) == want {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("State(%s) = %v, want %v", id, d.State(id), want)
}

func TestDispatchWithoutChannelCompletesImmediately(t *testing.T) {
	t.Parallel()

	d, _, obs := newTestDispatcher(t)
	pool := media.NewPool()
	bm := frame(pool, 1)

	var got Outcome = -1
	if d.DispatchFrame("A", bm, func(o Outcome) { got = o }) {
		t.Fatal("DispatchFrame = true without a channel")
	}
	if got != DroppedNoChannel {
		t.Fatalf("outcome = %v, want %v", got, DroppedNoChannel)
	}
	if !bm.Closed() || pool.Outstanding() != 0 {
		t.Error("bitmap not released")
	}
	if obs.dropped.Load() != 1 {
		t.Errorf("dropped = %d, want 1", obs.dropped.Load())
	}
}

func TestOnlyLatestPendingFrameIsRendered(t *testing.T) {
	t.Parallel()

	d, fc, _ := newTestDispatcher(t)
	s := &recordingSurface{}
	if err := d.BindSurface("A", s); err != nil {
		t.Fatalf("BindSurface: %v", err)
	}
	if d.State("A") != StateReady {
		t.Fatalf("State = %v, want ready", d.State("A"))
	}

	pool := media.NewPool()
	var outcomes []Outcome
	for v := uint8(1); v <= 2; v++ {
		if !d.DispatchFrame("A", frame(pool, v), func(o Outcome) { outcomes = append(outcomes, o) }) {
			t.Fatalf("DispatchFrame(%d) rejected", v)
		}
	}
	ch, done := outcomeChan()
	d.DispatchFrame("A", frame(pool, 3), done)

	if len(outcomes) != 2 || outcomes[0] != DroppedSuperseded || outcomes[1] != DroppedSuperseded {
		t.Fatalf("superseded outcomes = %v, want two superseded", outcomes)
	}

	fc.Tick()
	if o := waitOutcome(t, ch); o != Rendered {
		t.Fatalf("outcome = %v, want rendered", o)
	}
	if got := s.values(); len(got) != 1 || got[0] != 3 {
		t.Fatalf("drawn = %v, want [3]", got)
	}
	if pool.Outstanding() != 0 {
		t.Errorf("Outstanding = %d, want 0", pool.Outstanding())
	}
}

func TestRenderOrderIsMonotonic(t *testing.T) {
	t.Parallel()

	d, fc, _ := newTestDispatcher(t)
	s := &recordingSurface{}
	d.BindSurface("A", s)
	pool := media.NewPool()

	for v := uint8(1); v <= 9; v += 2 {
		d.DispatchFrame("A", frame(pool, v), nil)
		ch, done := outcomeChan()
		d.DispatchFrame("A", frame(pool, v+1), done)
		fc.Tick()
		waitOutcome(t, ch)
	}

	got := s.values()
	for i := 1; i < len(got); i++ {
		if got[i] < got[i-1] {
			t.Fatalf("drawn = %v, not monotonic", got)
		}
	}
	if len(got) != 5 {
		t.Errorf("drawn %d frames, want 5", len(got))
	}
	if pool.Outstanding() != 0 {
		t.Errorf("Outstanding = %d, want 0", pool.Outstanding())
	}
}

func TestErrorThresholdTearsDownChannel(t *testing.T) {
	t.Parallel()

	d, fc, obs := newTestDispatcher(t)
	s := &recordingSurface{err: func(int) error { return errors.New("surface lost") }}
	d.BindSurface("A", s)
	pool := media.NewPool()

	for i := 0; i < DefaultErrorThreshold; i++ {
		if d.State("A") != StateReady {
			t.Fatalf("attempt %d: State = %v, want ready", i, d.State("A"))
		}
		ch, done := outcomeChan()
		d.DispatchFrame("A", frame(pool, 1), done)
		fc.Tick()
		if o := waitOutcome(t, ch); o != Failed {
			t.Fatalf("attempt %d: outcome = %v, want failed", i, o)
		}
	}

	if d.State("A") != StateNone {
		t.Fatalf("State = %v after threshold, want none", d.State("A"))
	}
	if d.DispatchFrame("A", frame(pool, 1), nil) {
		t.Error("torn-down channel accepted a frame")
	}
	if obs.errors.Load() != int64(DefaultErrorThreshold) {
		t.Errorf("errors = %d, want %d", obs.errors.Load(), DefaultErrorThreshold)
	}
	if r := obs.teardownReasons(); len(r) != 1 || r[0] != "error threshold" {
		t.Errorf("teardown reasons = %v", r)
	}
	if pool.Outstanding() != 0 {
		t.Errorf("Outstanding = %d, want 0", pool.Outstanding())
	}

	// re-binding recovers the camera
	d.BindSurface("A", &recordingSurface{})
	if d.State("A") != StateReady {
		t.Errorf("State after rebind = %v, want ready", d.State("A"))
	}
}

func TestSuccessResetsErrorCount(t *testing.T) {
	t.Parallel()

	d, fc, _ := newTestDispatcher(t)
	// fail, fail, succeed, fail, fail
	s := &recordingSurface{err: func(n int) error {
		if n == 3 {
			return nil
		}
		return errors.New("flaky")
	}}
	d.BindSurface("A", s)
	pool := media.NewPool()

	for i := 0; i < 5; i++ {
		ch, done := outcomeChan()
		d.DispatchFrame("A", frame(pool, 1), done)
		fc.Tick()
		waitOutcome(t, ch)
	}
	if d.State("A") != StateReady {
		t.Fatalf("State = %v, want ready", d.State("A"))
	}
	info, _ := d.Channel("A")
	if info.ConsecutiveErrors != 2 {
		t.Errorf("ConsecutiveErrors = %d, want 2", info.ConsecutiveErrors)
	}
}

func TestSurfacePanicCountsAsError(t *testing.T) {
	t.Parallel()

	d, fc, _ := newTestDispatcher(t)
	d.BindSurface("A", SurfaceFunc(func(*image.RGBA) error { panic("bad surface") }))
	pool := media.NewPool()

	ch, done := outcomeChan()
	d.DispatchFrame("A", frame(pool, 1), done)
	fc.Tick()
	if o := waitOutcome(t, ch); o != Failed {
		t.Fatalf("outcome = %v, want failed", o)
	}
	if pool.Outstanding() != 0 {
		t.Errorf("Outstanding = %d, want 0", pool.Outstanding())
	}
}

func TestRebindTearsDownOldChannel(t *testing.T) {
	t.Parallel()

	d, fc, _ := newTestDispatcher(t)
	first := &recordingSurface{}
	d.BindSurface("A", first)
	pool := media.NewPool()

	ch, done := outcomeChan()
	d.DispatchFrame("A", frame(pool, 1), done)

	second := &recordingSurface{}
	d.BindSurface("A", second)
	if o := waitOutcome(t, ch); o != DroppedTeardown {
		t.Fatalf("pending outcome = %v, want teardown", o)
	}

	ch, done = outcomeChan()
	d.DispatchFrame("A", frame(pool, 2), done)
	fc.Tick()
	waitOutcome(t, ch)

	if len(first.values()) != 0 {
		t.Errorf("old surface drew %v", first.values())
	}
	if got := second.values(); len(got) != 1 || got[0] != 2 {
		t.Errorf("new surface drew %v, want [2]", got)
	}
}

func TestTeardownDropsPending(t *testing.T) {
	t.Parallel()

	d, _, _ := newTestDispatcher(t)
	d.BindSurface("A", &recordingSurface{})
	pool := media.NewPool()

	ch, done := outcomeChan()
	d.DispatchFrame("A", frame(pool, 1), done)
	if !d.Teardown("A") {
		t.Fatal("Teardown = false")
	}
	if o := waitOutcome(t, ch); o != DroppedTeardown {
		t.Fatalf("outcome = %v, want teardown", o)
	}
	if d.Teardown("A") {
		t.Error("second Teardown = true")
	}
	if pool.Outstanding() != 0 {
		t.Errorf("Outstanding = %d, want 0", pool.Outstanding())
	}
}

func TestTeardownDuringDrawStillCompletes(t *testing.T) {
	t.Parallel()

	d, fc, _ := newTestDispatcher(t)
	entered := make(chan struct{})
	release := make(chan struct{})
	d.BindSurface("A", SurfaceFunc(func(*image.RGBA) error {
		close(entered)
		<-release
		return nil
	}))
	pool := media.NewPool()

	ch, done := outcomeChan()
	d.DispatchFrame("A", frame(pool, 1), done)
	fc.Tick()
	<-entered

	d.Teardown("A")
	if d.State("A") != StateNone {
		t.Fatalf("State = %v, want none", d.State("A"))
	}
	close(release)
	if o := waitOutcome(t, ch); o != Rendered {
		t.Fatalf("in-flight outcome = %v, want rendered", o)
	}
	if pool.Outstanding() != 0 {
		t.Errorf("Outstanding = %d, want 0", pool.Outstanding())
	}
}

type initSurface struct {
	recordingSurface
	release chan struct{}
	err     error
}

func (s *initSurface) Init(ctx context.Context) error {
	select {
	case <-s.release:
		return s.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func TestInitializerGatesFrames(t *testing.T) {
	t.Parallel()

	d, fc, _ := newTestDispatcher(t)
	s := &initSurface{release: make(chan struct{})}
	d.BindSurface("A", s)
	if d.State("A") != StateInitializing {
		t.Fatalf("State = %v, want initializing", d.State("A"))
	}

	pool := media.NewPool()
	if d.DispatchFrame("A", frame(pool, 1), nil) {
		t.Error("initializing channel accepted a frame")
	}

	close(s.release)
	waitState(t, d, "A", StateReady)

	ch, done := outcomeChan()
	d.DispatchFrame("A", frame(pool, 2), done)
	fc.Tick()
	if o := waitOutcome(t, ch); o != Rendered {
		t.Fatalf("outcome = %v, want rendered", o)
	}
}

func TestInitializerFailureTearsDown(t *testing.T) {
	t.Parallel()

	d, _, obs := newTestDispatcher(t)
	s := &initSurface{release: make(chan struct{}), err: errors.New("no gpu")}
	close(s.release)
	d.BindSurface("A", s)

	waitState(t, d, "A", StateNone)
	if obs.errors.Load() != 1 {
		t.Errorf("errors = %d, want 1", obs.errors.Load())
	}
}

func TestTeardownAllAndClose(t *testing.T) {
	t.Parallel()

	d := NewDispatcher(Config{Clock: clocktest.New()})
	pool := media.NewPool()
	var dropped atomic.Int64
	for _, id := range []string{"A", "B", "C"} {
		d.BindSurface(id, &recordingSurface{})
		d.DispatchFrame(id, frame(pool, 1), func(o Outcome) {
			if o == DroppedTeardown {
				dropped.Add(1)
			}
		})
	}
	if n := len(d.Channels()); n != 3 {
		t.Fatalf("Channels = %d, want 3", n)
	}

	ctx, cancel := context.WithTimeout(context.Background(), waitTimeout)
	defer cancel()
	if err := d.Close(ctx); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if dropped.Load() != 3 {
		t.Errorf("dropped = %d, want 3", dropped.Load())
	}
	if len(d.Channels()) != 0 {
		t.Error("channels remain after Close")
	}
	if err := d.BindSurface("A", &recordingSurface{}); !errors.Is(err, ErrClosed) {
		t.Errorf("BindSurface after Close = %v, want ErrClosed", err)
	}
	if pool.Outstanding() != 0 {
		t.Errorf("Outstanding = %d, want 0", pool.Outstanding())
	}
}

func TestBindNilSurface(t *testing.T) {
	t.Parallel()

	d, _, _ := newTestDispatcher(t)
	if err := d.BindSurface("A", nil); !errors.Is(err, ErrNilSurface) {
		t.Fatalf("err = %v, want ErrNilSurface", err)
	}
}

func TestRealClockRenders(t *testing.T) {
	t.Parallel()

	d := NewDispatcher(Config{RefreshInterval: time.Millisecond})
	defer d.Close(context.Background())
	s := &recordingSurface{}
	d.BindSurface("A", s)

	ch, done := outcomeChan()
	d.DispatchFrame("A", frame(media.NewPool(), 7), done)
	if o := waitOutcome(t, ch); o != Rendered {
		t.Fatalf("outcome = %v, want rendered", o)
	}
}

func TestOutcomeStrings(t *testing.T) {
	t.Parallel()

	if Rendered.Dropped() || Failed.Dropped() || !DroppedSuperseded.Dropped() {
		t.Error("Dropped classification wrong")
	}
	if DroppedTeardown.String() != "teardown" || StateReady.String() != "ready" {
		t.Error("unexpected names")
	}
}
