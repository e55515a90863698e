package surface

import (
	"log/slog"
	"sort"
	"sync"
)

// Set holds one MJPEG surface per camera, created on demand.
type Set struct {
	cfg MJPEGConfig

	mu       sync.RWMutex
	surfaces map[string]*MJPEG
}

// NewSet creates a Set whose surfaces share cfg apart from CameraID.
func NewSet(cfg MJPEGConfig) *Set {
	if cfg.Log == nil {
		cfg.Log = slog.Default()
	}
	return &Set{cfg: cfg, surfaces: make(map[string]*MJPEG)}
}

// Ensure returns the surface for cameraID, creating it if needed. The
// bool reports whether it was created.
func (s *Set) Ensure(cameraID string) (*MJPEG, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if m, ok := s.surfaces[cameraID]; ok {
		return m, false
	}
	cfg := s.cfg
	cfg.CameraID = cameraID
	m := NewMJPEG(cfg)
	s.surfaces[cameraID] = m
	return m, true
}

// Get returns the surface for cameraID.
func (s *Set) Get(cameraID string) (*MJPEG, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	m, ok := s.surfaces[cameraID]
	return m, ok
}

// Remove closes and forgets the surface for cameraID.
func (s *Set) Remove(cameraID string) {
	s.mu.Lock()
	m, ok := s.surfaces[cameraID]
	delete(s.surfaces, cameraID)
	s.mu.Unlock()
	if ok {
		m.Close()
	}
}

// Retain removes every surface whose camera is not in ids and returns
// the removed camera ids, sorted.
func (s *Set) Retain(ids []string) []string {
	keep := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		keep[id] = struct{}{}
	}
	var removed []string
	s.mu.RLock()
	for id := range s.surfaces {
		if _, ok := keep[id]; !ok {
			removed = append(removed, id)
		}
	}
	s.mu.RUnlock()
	sort.Strings(removed)
	for _, id := range removed {
		s.Remove(id)
	}
	return removed
}

// IDs returns the cameras that have a surface, sorted.
func (s *Set) IDs() []string {
	s.mu.RLock()
	ids := make([]string, 0, len(s.surfaces))
	for id := range s.surfaces {
		ids = append(ids, id)
	}
	s.mu.RUnlock()
	sort.Strings(ids)
	return ids
}

// Close closes every surface.
func (s *Set) Close() {
	s.mu.Lock()
	all := s.surfaces
	s.surfaces = make(map[string]*MJPEG)
	s.mu.Unlock()
	for _, m := range all {
		m.Close()
	}
}
