package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/zsiec/multiview/client"
	"github.com/zsiec/multiview/internal/certs"
	"github.com/zsiec/multiview/internal/config"
	"github.com/zsiec/multiview/internal/preview"
	"github.com/zsiec/multiview/internal/surface"
)

var version = "dev"

const maxConnectRetry = 10 * time.Second

func main() {
	root := &cobra.Command{
		Use:           "multiview",
		Short:         "Multi-camera streaming client",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.AddCommand(runCmd(), versionCmd())

	if err := root.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %s\n", err)
		os.Exit(1)
	}
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintln(cmd.OutOrStdout(), "multiview", version)
		},
	}
}

type runOptions struct {
	configPath string
	serverURL  string
	previewTo  string
	noPreview  bool
	debug      bool
}

func runCmd() *cobra.Command {
	var opts runOptions
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Connect to a frame server and serve the preview",
		Long: `Connect to a frame server, render every camera it sends and serve a
local preview with per-camera MJPEG streams, snapshots and metrics.

Flags override the config file, which overrides built-in defaults.
MULTIVIEW_SERVER_URL, MULTIVIEW_PREVIEW_ADDR and MULTIVIEW_MAX_RECONNECT
override the file as well.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return run(cmd.Context(), opts)
		},
	}
	cmd.Flags().StringVarP(&opts.configPath, "config", "c", "", "YAML config file")
	cmd.Flags().StringVar(&opts.serverURL, "server", "", "frame server WebSocket URL")
	cmd.Flags().StringVar(&opts.previewTo, "preview", "", "preview listen address")
	cmd.Flags().BoolVar(&opts.noPreview, "no-preview", false, "disable the preview server")
	cmd.Flags().BoolVar(&opts.debug, "debug", false, "enable debug logging")
	return cmd
}

func run(ctx context.Context, opts runOptions) error {
	level := slog.LevelInfo
	if opts.debug || os.Getenv("DEBUG") != "" {
		level = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))

	cfg, err := config.Load(opts.configPath)
	if err != nil {
		return err
	}
	if opts.serverURL != "" {
		cfg.Server.URL = opts.serverURL
	}
	if opts.previewTo != "" {
		cfg.Preview.Addr = opts.previewTo
	}
	if opts.noPreview {
		cfg.Preview.Disabled = true
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	if ctx == nil {
		ctx = context.Background()
	}
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	slog.Info("multiview starting",
		"version", version,
		"server", cfg.Server.URL,
		"preview", previewAddr(cfg.Preview),
	)

	c := client.New(client.Config{
		ServerURL:            cfg.Server.URL,
		ReconnectBaseDelay:   cfg.Server.ReconnectBaseDelay,
		MaxReconnectAttempts: cfg.Server.MaxReconnectAttempts,
		HeartbeatInterval:    cfg.Server.HeartbeatInterval,
		DialTimeout:          cfg.Server.DialTimeout,
		RefreshInterval:      cfg.Render.RefreshInterval,
		ErrorThreshold:       cfg.Render.ErrorThreshold,
		InitTimeout:          cfg.Render.InitTimeout,
	})
	defer c.Destroy()

	streams := surface.NewSet(surface.MJPEGConfig{
		Width:   cfg.Preview.Width,
		Height:  cfg.Preview.Height,
		Quality: cfg.Preview.JPEGQuality,
	})
	defer streams.Close()
	stopWatch := c.WatchCameraIDs(func(ids []string) {
		bindSurfaces(c, streams, ids)
	})
	defer stopWatch()

	c.OnStateChange(func(_, to client.State) {
		if to == client.StateFailed {
			slog.Error("giving up on frame server", "url", cfg.Server.URL)
		}
	})

	g, ctx := errgroup.WithContext(ctx)

	if !cfg.Preview.Disabled {
		srv, err := newPreview(cfg.Preview, c, streams)
		if err != nil {
			return err
		}
		g.Go(func() error {
			return srv.Start(ctx)
		})
	}

	g.Go(func() error {
		if !connect(ctx, c, cfg.Server.ReconnectBaseDelay) {
			return nil
		}
		<-ctx.Done()
		slog.Info("shutting down")
		return nil
	})

	return g.Wait()
}

// connect retries the first connection until it succeeds or ctx ends.
// Once connected, the client reconnects on its own.
func connect(ctx context.Context, c *client.Client, base time.Duration) bool {
	for attempt := 0; ; attempt++ {
		err := c.Initialize(ctx)
		if err == nil {
			return true
		}
		delay := min(base<<min(attempt, 10), maxConnectRetry)
		slog.Warn("initial connect failed", "error", err, "retry_in", delay)
		select {
		case <-ctx.Done():
			return false
		case <-time.After(delay):
		}
	}
}

// bindSurfaces gives every newly seen camera an MJPEG surface and drops
// the surfaces of cameras that left.
func bindSurfaces(c *client.Client, streams *surface.Set, ids []string) {
	for _, id := range streams.Retain(ids) {
		slog.Debug("camera surface removed", "camera", id)
	}
	for _, id := range ids {
		m, created := streams.Ensure(id)
		if !created {
			continue
		}
		if err := c.BindSurfaceForCamera(id, m); err != nil {
			slog.Warn("bind surface", "camera", id, "error", err)
			streams.Remove(id)
			continue
		}
		slog.Info("camera surface bound", "camera", id)
	}
}

func newPreview(pc config.PreviewConfig, c *client.Client, streams *surface.Set) (*preview.Server, error) {
	var cert *certs.CertInfo
	if pc.TLS {
		var err error
		cert, err = certs.Generate(certs.DefaultValidity, pc.TLSHosts...)
		if err != nil {
			return nil, fmt.Errorf("generate preview certificate: %w", err)
		}
		slog.Info("certificate generated",
			"fingerprint", cert.FingerprintHex(),
			"expires", cert.NotAfter.Format(time.RFC3339),
		)
	}
	return preview.NewServer(preview.Config{
		Addr:        pc.Addr,
		Source:      c,
		Streams:     streams,
		Gatherer:    c.Gatherer(),
		Cert:        cert,
		JPEGQuality: pc.JPEGQuality,
		StreamIdle:  pc.StreamIdle,
	})
}

func previewAddr(pc config.PreviewConfig) string {
	if pc.Disabled {
		return "disabled"
	}
	return pc.Addr
}
