// Package camera tracks which cameras the server is currently sending,
// derived from the camera-id set of each inbound batch.
package camera

import (
	"log/slog"
	"slices"
	"sort"
	"strings"
	"sync"
	"time"
)

// Camera is one connected camera.
type Camera struct {
	ID        string    `json:"id"`
	FirstSeen time.Time `json:"firstSeen"`
	LastSeen  time.Time `json:"lastSeen"`
}

// Registry holds the connected-camera list and notifies watchers when
// it changes.
type Registry struct {
	log *slog.Logger
	now func() time.Time

	mu       sync.RWMutex
	cameras  map[string]*Camera
	watchers map[int]func([]string)
	nextID   int
}

// NewRegistry creates an empty registry. If log is nil, slog.Default()
// is used.
func NewRegistry(log *slog.Logger) *Registry {
	if log == nil {
		log = slog.Default()
	}
	return &Registry{
		log:      log.With("component", "camera-registry"),
		now:      time.Now,
		cameras:  make(map[string]*Camera),
		watchers: make(map[int]func([]string)),
	}
}

// Sync replaces the connected set with ids and returns the cameras that
// appeared and disappeared, each sorted.
func (r *Registry) Sync(ids map[string]struct{}) (added, removed []string) {
	now := r.now()

	r.mu.Lock()
	for id := range ids {
		if c, ok := r.cameras[id]; ok {
			c.LastSeen = now
			continue
		}
		r.cameras[id] = &Camera{ID: id, FirstSeen: now, LastSeen: now}
		added = append(added, id)
	}
	for id := range r.cameras {
		if _, ok := ids[id]; !ok {
			delete(r.cameras, id)
			removed = append(removed, id)
		}
	}
	r.mu.Unlock()

	sort.Strings(added)
	sort.Strings(removed)
	for _, id := range added {
		r.log.Info("camera connected", "camera", id)
	}
	for _, id := range removed {
		r.log.Info("camera disconnected", "camera", id)
	}
	if len(added) > 0 || len(removed) > 0 {
		r.notify()
	}
	return added, removed
}

// Clear forgets every camera and returns the ids that were removed.
func (r *Registry) Clear() []string {
	r.mu.Lock()
	removed := make([]string, 0, len(r.cameras))
	for id := range r.cameras {
		removed = append(removed, id)
	}
	clear(r.cameras)
	r.mu.Unlock()

	sort.Strings(removed)
	if len(removed) > 0 {
		r.log.Info("cameras cleared", "count", len(removed))
		r.notify()
	}
	return removed
}

// IDs returns the connected camera ids, sorted.
func (r *Registry) IDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]string, 0, len(r.cameras))
	for id := range r.cameras {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Has reports whether id is connected.
func (r *Registry) Has(id string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.cameras[id]
	return ok
}

// List returns every connected camera sorted by id.
func (r *Registry) List() []Camera {
	r.mu.RLock()
	out := make([]Camera, 0, len(r.cameras))
	for _, c := range r.cameras {
		out = append(out, *c)
	}
	r.mu.RUnlock()
	slices.SortFunc(out, func(a, b Camera) int { return strings.Compare(a.ID, b.ID) })
	return out
}

// Watch calls fn with the current id list now and after every change.
// It returns a func that stops the notifications.
func (r *Registry) Watch(fn func(ids []string)) func() {
	r.mu.Lock()
	id := r.nextID
	r.nextID++
	r.watchers[id] = fn
	r.mu.Unlock()

	fn(r.IDs())
	return func() {
		r.mu.Lock()
		delete(r.watchers, id)
		r.mu.Unlock()
	}
}

func (r *Registry) notify() {
	ids := r.IDs()
	r.mu.RLock()
	keys := make([]int, 0, len(r.watchers))
	for k := range r.watchers {
		keys = append(keys, k)
	}
	sort.Ints(keys)
	fns := make([]func([]string), 0, len(keys))
	for _, k := range keys {
		fns = append(fns, r.watchers[k])
	}
	r.mu.RUnlock()

	for _, fn := range fns {
		fn(slices.Clone(ids))
	}
}
