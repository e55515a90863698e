package preview

import (
	"bytes"
	"image"
	"image/jpeg"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/zsiec/multiview/client"
	"github.com/zsiec/multiview/internal/camera"
	"github.com/zsiec/multiview/internal/surface"
)

type fakeSource struct {
	cameras []client.CameraStatus
	frames  map[string]client.Frame
}

func (f *fakeSource) State() client.State            { return client.StateConnected }
func (f *fakeSource) Cameras() []client.CameraStatus { return f.cameras }
func (f *fakeSource) Debug() client.Debug            { return client.Debug{State: "connected"} }

func (f *fakeSource) LatestFrame(id string) (client.Frame, bool) {
	fr, ok := f.frames[id]
	return fr, ok
}

func (f *fakeSource) CameraDebug(id string) (client.CameraDebug, bool) {
	for _, c := range f.cameras {
		if c.ID == id {
			return client.CameraDebug{Camera: camera.Camera{ID: id}}, true
		}
	}
	return client.CameraDebug{}, false
}

func newTestServer(t *testing.T, src Source, streams *surface.Set, g prometheus.Gatherer) *Server {
	t.Helper()
	s, err := NewServer(Config{Addr: ":0", Source: src, Streams: streams, Gatherer: g})
	if err != nil {
		t.Fatalf("NewServer: %v", err)
	}
	return s
}

func get(t *testing.T, h http.Handler, path string) *httptest.ResponseRecorder {
	t.Helper()
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
	return rec
}

func TestNewServerValidation(t *testing.T) {
	t.Parallel()
	if _, err := NewServer(Config{Addr: ":0"}); err == nil {
		t.Error("missing Source: want error")
	}
	if _, err := NewServer(Config{Source: &fakeSource{}}); err == nil {
		t.Error("missing Addr: want error")
	}
}

func TestListCameras(t *testing.T) {
	t.Parallel()
	src := &fakeSource{cameras: []client.CameraStatus{{ID: "A", FPS: 30, Channel: "ready"}}}
	h := newTestServer(t, src, nil, nil).Handler()

	rec := get(t, h, "/api/cameras")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	if ct := rec.Header().Get("Content-Type"); ct != "application/json" {
		t.Errorf("Content-Type = %q", ct)
	}
	if rec.Header().Get("Access-Control-Allow-Origin") != "*" {
		t.Error("missing CORS header")
	}
	var got []client.CameraStatus
	if err := json.Unmarshal(rec.Body.Bytes(), &got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(got) != 1 || got[0].ID != "A" || got[0].Channel != "ready" {
		t.Fatalf("cameras = %+v", got)
	}
}

func TestListCamerasEmptyIsArray(t *testing.T) {
	t.Parallel()
	h := newTestServer(t, &fakeSource{}, nil, nil).Handler()
	rec := get(t, h, "/api/cameras")
	if body := strings.TrimSpace(rec.Body.String()); body != "[]" {
		t.Fatalf("body = %q, want []", body)
	}
}

func TestCameraDebug(t *testing.T) {
	t.Parallel()
	src := &fakeSource{cameras: []client.CameraStatus{{ID: "A"}}}
	h := newTestServer(t, src, nil, nil).Handler()

	if rec := get(t, h, "/api/cameras/A/debug"); rec.Code != http.StatusOK {
		t.Fatalf("A status = %d, want 200", rec.Code)
	}
	rec := get(t, h, "/api/cameras/Z/debug")
	if rec.Code != http.StatusNotFound {
		t.Fatalf("Z status = %d, want 404", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "camera not found") {
		t.Fatalf("body = %s", rec.Body.String())
	}
}

func TestSnapshot(t *testing.T) {
	t.Parallel()
	img := image.NewRGBA(image.Rect(0, 0, 20, 10))
	src := &fakeSource{frames: map[string]client.Frame{"A": {CameraID: "A", FrameNumber: 42, Image: img}}}
	h := newTestServer(t, src, nil, nil).Handler()

	rec := get(t, h, "/cameras/A/snapshot.jpg")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	if got := rec.Header().Get("X-Frame-Number"); got != "42" {
		t.Errorf("X-Frame-Number = %q, want 42", got)
	}
	decoded, err := jpeg.Decode(bytes.NewReader(rec.Body.Bytes()))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if decoded.Bounds().Dx() != 20 {
		t.Fatalf("width = %d, want 20", decoded.Bounds().Dx())
	}

	if rec := get(t, h, "/cameras/B/snapshot.jpg"); rec.Code != http.StatusNotFound {
		t.Fatalf("missing camera status = %d, want 404", rec.Code)
	}
}

func TestStreamRoutes(t *testing.T) {
	t.Parallel()
	h := newTestServer(t, &fakeSource{}, nil, nil).Handler()
	if rec := get(t, h, "/cameras/A/stream"); rec.Code != http.StatusNotImplemented {
		t.Fatalf("no streams status = %d, want 501", rec.Code)
	}

	set := surface.NewSet(surface.MJPEGConfig{})
	h = newTestServer(t, &fakeSource{}, set, nil).Handler()
	if rec := get(t, h, "/cameras/A/stream"); rec.Code != http.StatusNotFound {
		t.Fatalf("unknown camera status = %d, want 404", rec.Code)
	}
}

func TestHealthAndMetrics(t *testing.T) {
	t.Parallel()
	reg := prometheus.NewRegistry()
	reg.MustRegister(prometheus.NewCounter(prometheus.CounterOpts{Name: "preview_test_total", Help: "test"}))
	h := newTestServer(t, &fakeSource{}, nil, reg).Handler()

	rec := get(t, h, "/healthz")
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), `"connection":"connected"`) {
		t.Fatalf("healthz = %d %s", rec.Code, rec.Body.String())
	}
	rec = get(t, h, "/metrics")
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), "preview_test_total") {
		t.Fatalf("metrics = %d %s", rec.Code, rec.Body.String())
	}

	h = newTestServer(t, &fakeSource{}, nil, nil).Handler()
	if rec := get(t, h, "/metrics"); rec.Code != http.StatusNotFound {
		t.Fatalf("metrics without gatherer = %d, want 404", rec.Code)
	}
}
