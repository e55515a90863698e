package overlay

import (
	"sync"
	"time"
)

// Entry is the cached annotation for one camera.
type Entry struct {
	Annotation  Annotation
	FrameNumber uint64
	Received    time.Time
}

// Store caches the most recent annotation per camera. A Set replaces the
// previous entry outright; reads never consume.
type Store struct {
	mu      sync.RWMutex
	entries map[string]Entry
}

// NewStore creates an empty overlay store.
func NewStore() *Store {
	return &Store{entries: make(map[string]Entry)}
}

// Set overwrites the annotation for cameraID.
func (s *Store) Set(cameraID string, e Entry) {
	s.mu.Lock()
	s.entries[cameraID] = e
	s.mu.Unlock()
}

// Get returns the cached annotation for cameraID.
func (s *Store) Get(cameraID string) (Entry, bool) {
	s.mu.RLock()
	e, ok := s.entries[cameraID]
	s.mu.RUnlock()
	return e, ok
}

// Clear drops the annotation for cameraID.
func (s *Store) Clear(cameraID string) {
	s.mu.Lock()
	delete(s.entries, cameraID)
	s.mu.Unlock()
}

// ClearAll drops every cached annotation.
func (s *Store) ClearAll() {
	s.mu.Lock()
	clear(s.entries)
	s.mu.Unlock()
}

// Len returns the number of cameras with a cached annotation.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.entries)
}
