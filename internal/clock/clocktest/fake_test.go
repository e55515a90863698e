package clocktest

import (
	"testing"
	"time"
)

func TestAfterFuncFiresInOrder(t *testing.T) {
	t.Parallel()

	c := New()
	var order []int
	c.AfterFunc(2*time.Second, func() { order = append(order, 2) })
	c.AfterFunc(time.Second, func() { order = append(order, 1) })

	c.Advance(500 * time.Millisecond)
	if len(order) != 0 {
		t.Fatalf("fired early: %v", order)
	}
	c.Advance(2 * time.Second)
	if len(order) != 2 || order[0] != 1 || order[1] != 2 {
		t.Fatalf("order = %v, want [1 2]", order)
	}
}

func TestTimerStop(t *testing.T) {
	t.Parallel()

	c := New()
	fired := false
	tm := c.AfterFunc(time.Second, func() { fired = true })
	if !tm.Stop() {
		t.Fatal("Stop = false, want true")
	}
	if tm.Stop() {
		t.Fatal("second Stop = true, want false")
	}
	c.Advance(time.Hour)
	if fired {
		t.Fatal("stopped timer fired")
	}
}

func TestTimerScheduledFromCallback(t *testing.T) {
	t.Parallel()

	c := New()
	count := 0
	var schedule func()
	schedule = func() {
		count++
		if count < 3 {
			c.AfterFunc(time.Second, schedule)
		}
	}
	c.AfterFunc(time.Second, schedule)
	c.Advance(10 * time.Second)
	if count != 3 {
		t.Fatalf("count = %d, want 3", count)
	}
}

func TestTicker(t *testing.T) {
	t.Parallel()

	c := New()
	tk := c.NewTicker(time.Second)
	defer tk.Stop()

	select {
	case <-tk.C():
		t.Fatal("tick before advance")
	default:
	}
	c.Advance(time.Second)
	select {
	case <-tk.C():
	default:
		t.Fatal("no tick after interval")
	}
}

func TestPendingTimers(t *testing.T) {
	t.Parallel()

	c := New()
	c.AfterFunc(3*time.Second, func() {})
	c.AfterFunc(time.Second, func() {})
	got := c.PendingTimers()
	if len(got) != 2 {
		t.Fatalf("len = %d, want 2", len(got))
	}
}
