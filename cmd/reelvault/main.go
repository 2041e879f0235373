package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/reelvault/reelvault/internal/cleanup"
	"github.com/reelvault/reelvault/internal/config"
	"github.com/reelvault/reelvault/internal/database"
	"github.com/reelvault/reelvault/internal/handlers"
	"github.com/reelvault/reelvault/internal/middleware"
	"github.com/reelvault/reelvault/internal/sharecache"
	"github.com/reelvault/reelvault/internal/storage"
	"github.com/reelvault/reelvault/internal/storage/filesystem"
	"github.com/reelvault/reelvault/internal/storage/s3"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load configuration", "error", err)
		os.Exit(1)
	}

	slog.Info("starting reelvault",
		"port", cfg.Port,
		"storage_backend", cfg.StorageBackend,
		"max_file_size", cfg.MaxFileSize,
		"session_expiry_hours", cfg.SessionExpiryHours,
	)

	db, err := database.Initialize(cfg.DBPath)
	if err != nil {
		slog.Error("failed to initialize database", "error", err)
		os.Exit(1)
	}
	defer db.Close()
	slog.Info("database initialized", "path", cfg.DBPath)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var backend storage.Backend
	switch cfg.StorageBackend {
	case "s3":
		backend, err = s3.New(ctx, s3.Config{
			Bucket:          cfg.S3Bucket,
			Region:          cfg.S3Region,
			Endpoint:        cfg.S3Endpoint,
			AccessKeyID:     cfg.S3AccessKeyID,
			SecretAccessKey: cfg.S3SecretAccessKey,
			PathStyle:       cfg.S3ForcePathStyle,
		})
	default:
		backend, err = filesystem.New(cfg.MediaDir)
	}
	if err != nil {
		slog.Error("failed to initialize storage backend", "error", err)
		os.Exit(1)
	}

	identity, err := sharecache.NewIdentityClient(
		cfg.IdentityURL,
		cfg.OwnerID,
		cfg.OwnerRole,
		cfg.IdentityServiceToken,
		30*time.Second,
	)
	if err != nil {
		slog.Error("failed to initialize identity client", "error", err)
		os.Exit(1)
	}
	shares := sharecache.New(identity, time.Duration(cfg.ShareCacheTTLSeconds)*time.Second, nil)

	sweeper := cleanup.NewSweeper(db, backend, time.Duration(cfg.SessionExpiryHours)*time.Hour)
	go sweeper.Run(ctx, time.Duration(cfg.CleanupIntervalMinutes)*time.Minute)

	mux := http.NewServeMux()
	mux.Handle("/api/v1/upload/session", handlers.SessionInitHandler(db, cfg))
	mux.Handle("/api/v1/upload/session/", handlers.SessionAbortHandler(db, backend))
	mux.Handle("/api/v1/upload/chunk", handlers.UploadChunkHandler(db, backend, cfg))
	mux.Handle("/api/v1/upload/complete", handlers.UploadCompleteHandler(db, backend, cfg))
	mux.Handle("/api/v1/shares/invalidate", handlers.SharesInvalidateHandler(shares, cfg))
	mux.Handle("/files/", handlers.FileServeHandler(shares, backend, cfg))
	mux.Handle("/health", handlers.HealthHandler(db))
	mux.Handle("/metrics", promhttp.Handler())

	handler := middleware.Recovery(middleware.Logging(middleware.Identity(mux)))

	server := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	serverErr := make(chan error, 1)
	go func() {
		slog.Info("listening", "addr", server.Addr)
		serverErr <- server.ListenAndServe()
	}()

	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, os.Interrupt, syscall.SIGTERM)

	select {
	case err := <-serverErr:
		slog.Error("server failed", "error", err)
		os.Exit(1)
	case sig := <-shutdown:
		slog.Info("shutdown signal received", "signal", sig.String())
	}

	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		slog.Error("graceful shutdown failed", "error", err)
		os.Exit(1)
	}
	slog.Info("server stopped")
}
