package overlay

import (
	"fmt"
	"image"
	"sync"
)

// Renderer draws one kind of annotation onto a frame in place. Render
// must validate the annotation before touching dst, so a rejected
// annotation leaves the frame unmodified.
type Renderer interface {
	Render(dst *image.RGBA, a Annotation) error
}

// RendererFunc adapts a function to Renderer.
type RendererFunc func(dst *image.RGBA, a Annotation) error

func (f RendererFunc) Render(dst *image.RGBA, a Annotation) error {
	return f(dst, a)
}

// Registry maps annotation kinds to renderers.
type Registry struct {
	mu        sync.RWMutex
	renderers map[Kind]Renderer
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{renderers: make(map[Kind]Renderer)}
}

// DefaultRegistry returns a registry with the built-in charuco and pose
// renderers.
func DefaultRegistry() *Registry {
	r := NewRegistry()
	r.Register(KindCharuco, CharucoRenderer{})
	r.Register(KindPose, PoseRenderer{})
	return r
}

// Register installs r for kind, replacing any previous renderer.
func (r *Registry) Register(kind Kind, rn Renderer) {
	r.mu.Lock()
	r.renderers[kind] = rn
	r.mu.Unlock()
}

// Lookup returns the renderer for kind or an error wrapping ErrNoRenderer.
func (r *Registry) Lookup(kind Kind) (Renderer, error) {
	r.mu.RLock()
	rn, ok := r.renderers[kind]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrNoRenderer, kind)
	}
	return rn, nil
}

// Kinds returns the registered kinds.
func (r *Registry) Kinds() []Kind {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Kind, 0, len(r.renderers))
	for k := range r.renderers {
		out = append(out, k)
	}
	return out
}
