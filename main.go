package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/krau/plantdoc/artifact"
	"github.com/krau/plantdoc/config"
	"github.com/krau/plantdoc/logging"
	"github.com/krau/plantdoc/onnx"
	"github.com/krau/plantdoc/server"
	"github.com/krau/plantdoc/service"
)

func main() {
	if err := run(); err != nil {
		slog.Error("Fatal", slog.String("error", err.Error()))
		os.Exit(1)
	}
}

func run() error {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	cfg, err := config.Load(config.Path())
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	logging.Init(cfg.LogFormat, logging.ParseLevel(cfg.LogLevel))
	slog.Info("Starting plantdoc", slog.Int("plants", len(cfg.Plants)))

	filter, err := service.ParseFilter(cfg.ResizeFilter)
	if err != nil {
		return err
	}

	if err := onnx.Init(onnx.LibPath(cfg.Libonnx)); err != nil {
		return fmt.Errorf("initialize ONNX Runtime environment: %w", err)
	}
	defer onnx.Destroy()

	fetcher := artifact.NewFetcher(cfg.DownloadTimeoutDuration())
	sessionOpts := onnx.Options{
		ImageSize:      cfg.ImageSize,
		Sessions:       cfg.SessionsPerModel,
		IntraOpThreads: cfg.IntraOpThreads,
	}
	open := func(ctx context.Context, p config.Profile) (service.Model, error) {
		if err := fetcher.Ensure(ctx, p.ModelPath, p.ModelUrl); err != nil {
			return nil, err
		}
		s, err := onnx.Open(p.ModelPath, sessionOpts)
		if err != nil {
			return nil, err
		}
		w, h := s.InputSize()
		slog.Info("Model ready",
			slog.String("plant", p.Key),
			slog.String("layout", s.Layout().String()),
			slog.Int("width", w),
			slog.Int("height", h),
			slog.Int("classes", s.OutputSize()))
		return s, nil
	}

	registry, err := service.LoadRegistry(ctx, cfg.Plants, open)
	if err != nil {
		return fmt.Errorf("load models: %w", err)
	}
	defer registry.Close()

	slog.Info("Models ready", slog.Int("plants", registry.Len()))

	gin.SetMode(gin.ReleaseMode)
	r := server.New(service.NewPredictor(registry, filter, cfg.MaxPixels), server.Options{
		Token:        cfg.Token,
		MaxBodyBytes: cfg.MaxBodyBytes,
		CORSOrigin:   cfg.CORSOrigin,
	})

	srv := &http.Server{Addr: cfg.Addr(), Handler: r}
	errCh := make(chan error, 1)
	go func() {
		slog.Info("Listening on", slog.String("address", cfg.Addr()))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("server error: %w", err)
	case <-ctx.Done():
	}

	slog.Info("shutting down")
	shutdownCtx, stop := context.WithTimeout(context.Background(), 10*time.Second)
	defer stop()
	return srv.Shutdown(shutdownCtx)
}
