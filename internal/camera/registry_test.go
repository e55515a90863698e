package camera

import (
	"slices"
	"testing"
)

func set(ids ...string) map[string]struct{} {
	m := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		m[id] = struct{}{}
	}
	return m
}

func TestSyncReportsDiff(t *testing.T) {
	t.Parallel()
	r := NewRegistry(nil)

	added, removed := r.Sync(set("B", "A", "C"))
	if !slices.Equal(added, []string{"A", "B", "C"}) || len(removed) != 0 {
		t.Fatalf("first Sync = %v, %v", added, removed)
	}

	added, removed = r.Sync(set("A", "B", "D"))
	if !slices.Equal(added, []string{"D"}) {
		t.Errorf("added = %v, want [D]", added)
	}
	if !slices.Equal(removed, []string{"C"}) {
		t.Errorf("removed = %v, want [C]", removed)
	}
	if !slices.Equal(r.IDs(), []string{"A", "B", "D"}) {
		t.Errorf("IDs = %v", r.IDs())
	}
	if r.Has("C") {
		t.Error("Has(C) = true after removal")
	}
}

func TestSyncUnchangedDoesNotNotify(t *testing.T) {
	t.Parallel()
	r := NewRegistry(nil)
	r.Sync(set("A"))

	calls := 0
	stop := r.Watch(func([]string) { calls++ })
	defer stop()
	r.Sync(set("A"))
	if calls != 1 {
		t.Errorf("watch calls = %d, want 1 (initial only)", calls)
	}
}

func TestWatch(t *testing.T) {
	t.Parallel()
	r := NewRegistry(nil)

	var seen [][]string
	stop := r.Watch(func(ids []string) { seen = append(seen, ids) })
	r.Sync(set("A"))
	r.Sync(set("A", "B"))
	r.Clear()
	stop()
	r.Sync(set("Z"))

	want := [][]string{{}, {"A"}, {"A", "B"}, {}}
	if len(seen) != len(want) {
		t.Fatalf("seen = %v, want %v", seen, want)
	}
	for i := range want {
		if !slices.Equal(seen[i], want[i]) {
			t.Errorf("seen[%d] = %v, want %v", i, seen[i], want[i])
		}
	}
}

func TestClearReturnsRemoved(t *testing.T) {
	t.Parallel()
	r := NewRegistry(nil)
	r.Sync(set("B", "A"))

	removed := r.Clear()
	if !slices.Equal(removed, []string{"A", "B"}) {
		t.Errorf("Clear = %v, want [A B]", removed)
	}
	if len(r.List()) != 0 {
		t.Error("List not empty after Clear")
	}
}

func TestListSorted(t *testing.T) {
	t.Parallel()
	r := NewRegistry(nil)
	r.Sync(set("b", "a"))

	l := r.List()
	if len(l) != 2 || l[0].ID != "a" || l[1].ID != "b" {
		t.Fatalf("List = %+v", l)
	}
	if l[0].FirstSeen.IsZero() {
		t.Error("FirstSeen not set")
	}
}
