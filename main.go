package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"runtime"
	"syscall"
	"time"

	"github.com/pkg/errors"
	"github.com/urfave/cli/v2"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/Tutortoise/object-detection-service/config"
	"github.com/Tutortoise/object-detection-service/detections"
	"github.com/Tutortoise/object-detection-service/logging"
	"github.com/Tutortoise/object-detection-service/metrics"
	"github.com/Tutortoise/object-detection-service/model"
	"github.com/Tutortoise/object-detection-service/video"
)

func main() {
	app := &cli.App{
		Name:   "detectord",
		Usage:  "detect objects in uploaded images and videos",
		Flags:  config.Flags(),
		Action: run,
	}
	if err := app.Run(os.Args); err != nil {
		log.Fatal(err)
	}
}

func run(c *cli.Context) error {
	cfg := config.FromContext(c)
	if err := cfg.Validate(); err != nil {
		return err
	}

	level := cfg.LogLevel
	if cfg.Debug {
		level = "debug"
	}
	logger, err := logging.New("detectord", level)
	if err != nil {
		return err
	}
	defer logger.Sync()

	for _, dir := range []string{cfg.UploadDir, cfg.ResultsDir} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return errors.Wrapf(err, "create %s", dir)
		}
	}

	m := metrics.New()
	handle := model.NewHandle(newLoader(cfg, logger.Named("model")), logger.Named("model"), m)

	if !video.Available() {
		logger.Warn("ffmpeg/ffprobe not found on PATH; video uploads will fail")
	}
	state := newAppState(cfg, handle, video.FFmpeg{Codec: cfg.VideoCodec}, logger, m)
	m.RegisterPool(state.poolStats)

	ctx, stop := signal.NotifyContext(c.Context, os.Interrupt, syscall.SIGTERM)
	defer stop()

	if cfg.Warmup {
		if err := handle.Warm(ctx); err != nil {
			// requests retry the load
			logger.Warnw("model warm-up failed", "error", err)
		}
	}

	srv := &http.Server{
		Handler:           state.router(),
		Addr:              cfg.Addr,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       5 * time.Minute,
		WriteTimeout:      30 * time.Minute,
	}

	serveErr := make(chan error, 1)
	go func() {
		logger.Infow("starting server", "addr", srv.Addr, "model", cfg.ModelPath)
		serveErr <- srv.ListenAndServe()
	}()

	select {
	case err := <-serveErr:
		if !errors.Is(err, http.ErrServerClosed) {
			return multierr.Combine(err, handle.Close(), detections.DestroyEnvironment())
		}
	case <-ctx.Done():
		logger.Info("shutting down")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	return multierr.Combine(
		srv.Shutdown(shutdownCtx),
		handle.Close(),
		detections.DestroyEnvironment(),
	)
}

func newLoader(cfg config.Config, logger *zap.SugaredLogger) model.Loader {
	libPath := cfg.ORTLibPath
	if libPath == "" {
		libPath = detections.DefaultLibraryPath(filepath.Dir(cfg.ModelPath))
	}
	return func(ctx context.Context) (model.Model, error) {
		d, err := detections.Load(ctx, detections.Config{
			ModelPath:     cfg.ModelPath,
			LibraryPath:   libPath,
			LabelsPath:    cfg.LabelsPath,
			ConfThreshold: float32(cfg.Conf),
			IoUThreshold:  cfg.IoU,
			PoolSize:      cfg.Sessions,
			Threads:       max(1, runtime.NumCPU()/cfg.Sessions),
		}, logger)
		if err != nil {
			return nil, err
		}
		return d, nil
	}
}
