// Package preview serves a local HTTP view of the client: camera status
// and debug JSON, per-camera MJPEG streams and snapshots, and Prometheus
// metrics.
package preview

import (
	"bytes"
	"context"
	"errors"
	"image/jpeg"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	jsoniter "github.com/json-iterator/go"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/zsiec/multiview/client"
	"github.com/zsiec/multiview/internal/certs"
	"github.com/zsiec/multiview/internal/surface"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Source supplies the client state the server exposes. *client.Client
// implements it.
type Source interface {
	State() client.State
	Cameras() []client.CameraStatus
	CameraDebug(cameraID string) (client.CameraDebug, bool)
	Debug() client.Debug
	LatestFrame(cameraID string) (client.Frame, bool)
}

var _ Source = (*client.Client)(nil)

// Config holds the preview server settings.
type Config struct {
	Addr string
	// Source is required.
	Source Source
	// Streams supplies MJPEG surfaces; nil disables /cameras/{id}/stream.
	Streams *surface.Set
	// Gatherer backs /metrics; nil disables it.
	Gatherer prometheus.Gatherer
	// Cert enables TLS when set.
	Cert        *certs.CertInfo
	JPEGQuality int
	// StreamIdle ends an MJPEG stream that has had no frame for this
	// long. Zero keeps streams open.
	StreamIdle time.Duration
	Log        *slog.Logger
}

// shutdownTimeout bounds graceful shutdown of open requests.
const shutdownTimeout = 5 * time.Second

// Server is the preview HTTP server.
type Server struct {
	cfg Config
	log *slog.Logger
}

// NewServer creates a preview Server. It returns an error if required
// fields are missing.
func NewServer(cfg Config) (*Server, error) {
	if cfg.Source == nil {
		return nil, errors.New("preview: Source is required")
	}
	if cfg.Addr == "" {
		return nil, errors.New("preview: Addr is required")
	}
	if cfg.JPEGQuality <= 0 || cfg.JPEGQuality > 100 {
		cfg.JPEGQuality = surface.DefaultQuality
	}
	log := cfg.Log
	if log == nil {
		log = slog.Default()
	}
	return &Server{cfg: cfg, log: log.With("component", "preview")}, nil
}

// Handler returns the router with every route and middleware applied.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(s.logRequests)
	r.Use(corsMiddleware)

	r.Get("/healthz", s.handleHealth)
	r.Route("/api", func(r chi.Router) {
		r.Get("/debug", s.handleDebug)
		r.Get("/cameras", s.handleListCameras)
		r.Get("/cameras/{id}/debug", s.handleCameraDebug)
	})
	r.Route("/cameras/{id}", func(r chi.Router) {
		r.Get("/stream", s.handleStream)
		r.Get("/snapshot.jpg", s.handleSnapshot)
	})
	if s.cfg.Gatherer != nil {
		r.Handle("/metrics", promhttp.HandlerFor(s.cfg.Gatherer, promhttp.HandlerOpts{}))
	}
	return r
}

// Start serves until ctx is cancelled or the listener fails.
func (s *Server) Start(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.cfg.Addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	if s.cfg.Cert != nil {
		srv.TLSConfig = s.cfg.Cert.TLSConfig()
	}

	stop := context.AfterFunc(ctx, func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			srv.Close()
		}
	})
	defer stop()

	var err error
	if s.cfg.Cert != nil {
		s.log.Info("preview server listening", "addr", s.cfg.Addr, "tls", true, "fingerprint", s.cfg.Cert.FingerprintHex())
		err = srv.ListenAndServeTLS("", "")
	} else {
		s.log.Info("preview server listening", "addr", s.cfg.Addr)
		err = srv.ListenAndServe()
	}
	if ctx.Err() != nil || errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		s.log.Debug("request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"bytes", ww.BytesWritten(),
			"took", time.Since(start),
		)
	})
}

func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		next.ServeHTTP(w, r)
	})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("encoding JSON response", "error", err)
	}
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]string{"error": msg})
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"status":     "ok",
		"connection": s.cfg.Source.State().String(),
	})
}

func (s *Server) handleDebug(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.cfg.Source.Debug())
}

func (s *Server) handleListCameras(w http.ResponseWriter, _ *http.Request) {
	resp := s.cfg.Source.Cameras()
	if resp == nil {
		resp = make([]client.CameraStatus, 0)
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleCameraDebug(w http.ResponseWriter, r *http.Request) {
	d, ok := s.cfg.Source.CameraDebug(chi.URLParam(r, "id"))
	if !ok {
		writeError(w, http.StatusNotFound, "camera not found")
		return
	}
	writeJSON(w, http.StatusOK, d)
}

func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	if s.cfg.Streams == nil {
		writeError(w, http.StatusNotImplemented, "streams not configured")
		return
	}
	m, ok := s.cfg.Streams.Get(chi.URLParam(r, "id"))
	if !ok {
		writeError(w, http.StatusNotFound, "camera not found")
		return
	}
	m.Stream(w, r, s.cfg.StreamIdle)
}

func (s *Server) handleSnapshot(w http.ResponseWriter, r *http.Request) {
	f, ok := s.cfg.Source.LatestFrame(chi.URLParam(r, "id"))
	if !ok {
		writeError(w, http.StatusNotFound, "no frame for camera")
		return
	}
	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, f.Image, &jpeg.Options{Quality: s.cfg.JPEGQuality}); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	w.Header().Set("Content-Type", "image/jpeg")
	w.Header().Set("Content-Length", strconv.Itoa(buf.Len()))
	w.Header().Set("Cache-Control", "no-store")
	w.Header().Set("X-Frame-Number", strconv.FormatUint(f.FrameNumber, 10))
	w.WriteHeader(http.StatusOK)
	w.Write(buf.Bytes())
}
