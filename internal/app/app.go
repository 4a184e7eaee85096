package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/clipstitch/backend/internal/cleanup"
	"github.com/clipstitch/backend/internal/config"
	"github.com/clipstitch/backend/internal/db"
	"github.com/clipstitch/backend/internal/handlers"
	"github.com/clipstitch/backend/internal/httpserver"
	"github.com/clipstitch/backend/internal/merge"
	"github.com/clipstitch/backend/internal/middleware"
	"github.com/clipstitch/backend/internal/repositories"
	"github.com/clipstitch/backend/internal/storage"
	"github.com/clipstitch/backend/internal/upload"
)

// Run bootstraps the ClipStitch backend application.
func Run(ctx context.Context, args []string) error {
	if len(args) == 0 {
		return errors.New("expected command: serve or migrate")
	}

	switch args[0] {
	case "serve":
		return serve(ctx)
	case "migrate":
		return runMigrations(ctx, args[1:])
	default:
		return fmt.Errorf("unknown command %q", args[0])
	}
}

func serve(ctx context.Context) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: logLevel(cfg.LogLevel)}))
	slog.SetDefault(logger)

	var (
		uploadRepo repositories.UploadSessionRepository
		mergeRepo  repositories.MergeSessionRepository
	)
	if cfg.DatabaseURL != "" {
		pool, err := db.Connect(ctx, cfg.DatabaseURL, cfg.MergeWorkers)
		if err != nil {
			return err
		}
		defer pool.Close()

		uploadRepo = repositories.NewPostgresUploadSessionRepository(pool)
		mergeRepo = repositories.NewPostgresMergeSessionRepository(pool)
	} else {
		logger.Warn("no database configured, using in-memory session stores")
		uploadRepo = repositories.NewMemoryUploadSessionRepository()
		mergeRepo = repositories.NewMemoryMergeSessionRepository()
	}

	staging, err := upload.NewStaging(cfg.StagingDir)
	if err != nil {
		return err
	}

	uploads := upload.NewManager(uploadRepo, staging, upload.ManagerConfig{
		MaxUploadBytes: cfg.MaxUploadBytes,
		MaxOpenUploads: cfg.MaxOpenUploads,
	}, logger)

	local, err := storage.NewLocalStore(cfg.StagingDir+"-assets", cfg.ObjectStore.PublicBaseURL)
	if err != nil {
		return err
	}

	var durable storage.ObjectStore
	if cfg.ObjectStore.Enabled {
		s3Store, err := storage.NewS3Store(ctx, cfg.ObjectStore)
		if err != nil {
			return err
		}
		durable = s3Store
	}
	assets := storage.NewFallbackStore(durable, local, logger)

	transcoder := merge.NewFFmpegTranscoder(cfg.FFmpegPath, cfg.FFprobePath, cfg.FFmpegTimeout)
	readiness := merge.NewReadiness(uploadRepo)

	var scheduler *merge.Scheduler
	requeue := func(ctx context.Context, mergeSessionID string) error {
		if scheduler == nil {
			return nil
		}
		_, err := scheduler.Trigger(ctx, mergeSessionID)
		return err
	}

	sweeper := cleanup.NewSweeper(uploadRepo, mergeRepo, staging, requeue, cleanup.SweeperConfig{
		Interval:          cfg.SweepInterval,
		UploadIdleTimeout: cfg.UploadIdleTimeout,
		ScratchDir:        cfg.ScratchDir,
		MergeMaxRetries:   cfg.MergeMaxRetries,
	}, logger)

	scheduler = merge.NewScheduler(mergeRepo, readiness, staging, transcoder, assets, sweeper, merge.SchedulerConfig{
		Workers:      cfg.MergeWorkers,
		QueueSize:    cfg.MergeQueueSize,
		MaxRetries:   cfg.MergeMaxRetries,
		MergeTimeout: cfg.MergeTimeout,
		LeaseTTL:     cfg.MergeLeaseTTL,
		ScratchDir:   cfg.ScratchDir,
		MaxClipCount: cfg.MaxClipCount,
	}, logger)

	sweeper.Start()

	deps := handlers.Dependencies{
		Uploads:       uploads,
		Challenges:    scheduler,
		Signer:        assets,
		Limiter:       middleware.NewIPRateLimiter(cfg.RateLimitRequests, cfg.RateLimitWindow, cfg.RateLimitBurst, cfg.RateLimitTTL),
		SignTTL:       cfg.SignTTL,
		MaxChunkBytes: cfg.MaxChunkBytes,
		MediaRoot:     local.Root(),
	}

	mux := http.NewServeMux()
	handlers.RegisterRoutes(mux, deps)

	handler := middleware.RequestLogger(logger)(mux)

	srv := httpserver.New(cfg.AppPort, handler)

	logger.Info("starting http server", "port", cfg.AppPort)

	srvErr := make(chan error, 1)
	go func() {
		srvErr <- srv.Start()
	}()

	signalCh := make(chan os.Signal, 1)
	signal.Notify(signalCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case <-ctx.Done():
		logger.Info("context canceled, shutting down server")
	case sig := <-signalCh:
		logger.Info("received signal, shutting down", "signal", sig.String())
	case err := <-srvErr:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), httpserver.ShutdownTimeout)
	defer cancel()

	// Stop accepting requests first, then drain in-flight merges, then halt
	// retention sweeps. In-flight merges either finish or their leases expire
	// and the next instance re-claims them.
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("http server shutdown", "error", err)
	}
	if err := scheduler.Shutdown(shutdownCtx); err != nil {
		logger.Error("merge scheduler shutdown", "error", err)
	}
	return sweeper.Stop(shutdownCtx)
}

func logLevel(level string) slog.Level {
	switch level {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
