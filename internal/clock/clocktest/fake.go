// Package clocktest provides a manually advanced clock for tests.
package clocktest

import (
	"sort"
	"sync"
	"time"

	"github.com/zsiec/multiview/internal/clock"
)

// Fake is a clock.Clock whose time only moves when Advance is called.
// Timer callbacks run synchronously inside Advance, in deadline order.
type Fake struct {
	mu      sync.Mutex
	now     time.Time
	timers  []*fakeTimer
	tickers []*fakeTicker
}

var _ clock.Clock = (*Fake)(nil)

// New returns a fake clock starting at a fixed instant.
func New() *Fake {
	return &Fake{now: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}
}

func (f *Fake) Now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.now
}

func (f *Fake) AfterFunc(d time.Duration, fn func()) clock.Timer {
	f.mu.Lock()
	defer f.mu.Unlock()
	t := &fakeTimer{clock: f, when: f.now.Add(d), fn: fn, delay: d}
	f.timers = append(f.timers, t)
	return t
}

func (f *Fake) NewTicker(d time.Duration) clock.Ticker {
	if d <= 0 {
		panic("clocktest: non-positive ticker interval")
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	t := &fakeTicker{clock: f, every: d, next: f.now.Add(d), c: make(chan time.Time, 1)}
	f.tickers = append(f.tickers, t)
	return t
}

// Advance moves time forward by d, firing every timer and ticker that
// falls due. Ticks are delivered without blocking; a tick is lost if the
// previous one was not yet received, matching time.Ticker.
func (f *Fake) Advance(d time.Duration) {
	f.mu.Lock()
	target := f.now.Add(d)
	f.mu.Unlock()

	for {
		f.mu.Lock()
		sort.SliceStable(f.timers, func(i, j int) bool { return f.timers[i].when.Before(f.timers[j].when) })
		if len(f.timers) == 0 || f.timers[0].when.After(target) {
			f.mu.Unlock()
			break
		}
		t := f.timers[0]
		f.timers = f.timers[1:]
		if t.when.After(f.now) {
			f.now = t.when
		}
		f.mu.Unlock()
		t.fn()
	}

	f.mu.Lock()
	f.now = target
	tickers := append([]*fakeTicker(nil), f.tickers...)
	f.mu.Unlock()

	for _, tk := range tickers {
		tk.fire(target)
	}
}

// PendingTimers returns the delays of timers that have not fired or been
// stopped.
func (f *Fake) PendingTimers() []time.Duration {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]time.Duration, 0, len(f.timers))
	for _, t := range f.timers {
		out = append(out, t.delay)
	}
	return out
}

// Tick delivers one tick to every active ticker immediately, regardless
// of their interval.
func (f *Fake) Tick() {
	f.mu.Lock()
	now := f.now
	tickers := append([]*fakeTicker(nil), f.tickers...)
	f.mu.Unlock()
	for _, tk := range tickers {
		tk.send(now)
	}
}

type fakeTimer struct {
	clock *Fake
	when  time.Time
	delay time.Duration
	fn    func()
}

func (t *fakeTimer) Stop() bool {
	f := t.clock
	f.mu.Lock()
	defer f.mu.Unlock()
	for i, o := range f.timers {
		if o == t {
			f.timers = append(f.timers[:i], f.timers[i+1:]...)
			return true
		}
	}
	return false
}

type fakeTicker struct {
	clock *Fake
	every time.Duration
	next  time.Time
	c     chan time.Time
}

func (t *fakeTicker) C() <-chan time.Time { return t.c }

func (t *fakeTicker) Stop() {
	f := t.clock
	f.mu.Lock()
	defer f.mu.Unlock()
	for i, o := range f.tickers {
		if o == t {
			f.tickers = append(f.tickers[:i], f.tickers[i+1:]...)
			return
		}
	}
}

func (t *fakeTicker) fire(now time.Time) {
	if now.Before(t.next) {
		return
	}
	for !t.next.After(now) {
		t.next = t.next.Add(t.every)
	}
	t.send(now)
}

func (t *fakeTicker) send(now time.Time) {
	select {
	case t.c <- now:
	default:
	}
}
