package cmd

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/jmylchreest/transcodarr/internal/config"
	"github.com/jmylchreest/transcodarr/internal/events"
	"github.com/jmylchreest/transcodarr/internal/ffmpeg"
	internalhttp "github.com/jmylchreest/transcodarr/internal/http"
	"github.com/jmylchreest/transcodarr/internal/http/handlers"
	"github.com/jmylchreest/transcodarr/internal/http/middleware"
	"github.com/jmylchreest/transcodarr/internal/objectstore"
	"github.com/jmylchreest/transcodarr/internal/scheduler"
	"github.com/jmylchreest/transcodarr/internal/service"
	"github.com/jmylchreest/transcodarr/internal/startup"
	"github.com/jmylchreest/transcodarr/internal/storage"
	"github.com/jmylchreest/transcodarr/internal/transcode"
	"github.com/jmylchreest/transcodarr/internal/version"
	"github.com/jmylchreest/transcodarr/pkg/httpclient"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the transcodarr server",
	Long: `Start the transcodarr HTTP server.

The server provides:
- /upload-and-process and /process-url job submission
- /process-url/follow and /api/v1/jobs/{id}/events progress streams
- /api/v1/jobs/ws websocket job events
- /output/{jobId} artifact redirects
- Health check endpoint and OpenAPI documentation at /docs`,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)

	serveCmd.Flags().String("host", "0.0.0.0", "Host to bind to")
	serveCmd.Flags().Int("port", 3000, "Port to listen on")
	serveCmd.Flags().String("data-dir", "/tmp/transcodarr", "Base directory for staged uploads and outputs")
	serveCmd.Flags().Int("max-concurrent", 4, "Maximum number of jobs running at once")

	mustBindPFlag("server.host", serveCmd.Flags().Lookup("host"))
	mustBindPFlag("server.port", serveCmd.Flags().Lookup("port"))
	mustBindPFlag("storage.base_dir", serveCmd.Flags().Lookup("data-dir"))
	mustBindPFlag("jobs.max_concurrent", serveCmd.Flags().Lookup("max-concurrent"))
}

func runServe(_ *cobra.Command, _ []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	logger := slog.Default()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if cfg.Auth.APIKey == "" {
		key, err := middleware.GenerateAPIKey()
		if err != nil {
			return fmt.Errorf("generating API key: %w", err)
		}
		cfg.Auth.APIKey = key
		// Printed outside the logger so the redactor does not mask it.
		fmt.Fprintf(os.Stderr, "No API key configured. Generated key for this run: %s\n", key)
	}

	store, err := openStore(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer func() {
		if err := store.Close(); err != nil {
			logger.Warn("closing job store", slog.Any("error", err))
		}
	}()

	staging, err := storage.NewStaging(cfg.Storage.UploadPath(), cfg.Storage.OutputPath())
	if err != nil {
		return fmt.Errorf("initializing staging: %w", err)
	}

	clients := httpclient.NewRegistry()
	objects, err := objectstore.New(cfg.ObjectStore, cfg.Storage.PublishPath(), clients, logger)
	if err != nil {
		return fmt.Errorf("initializing object store: %w", err)
	}

	ffmpegPath, ffprobePath, err := resolveBinaries(ctx, cfg.FFmpeg, logger)
	if err != nil {
		return err
	}

	// Startup recovery runs before the pool accepts work so nothing it
	// touches can belong to a live job.
	interrupted, err := startup.RecoverInterruptedJobs(ctx, logger, store)
	if err != nil {
		logger.Warn("recovering interrupted jobs", slog.Any("error", err))
	}
	if n := startup.CleanupOrphanedFiles(logger, staging.Dirs(), interrupted); n > 0 {
		logger.Info("removed orphaned staging files", slog.Int("count", n))
	}

	broadcaster := events.NewBroadcaster(logger)
	broadcaster.Start()
	defer broadcaster.Stop()

	publishers := events.Multi{broadcaster}
	if cfg.Events.Kafka.Enabled {
		kafka, err := events.NewKafkaPublisher(cfg.Events.Kafka.Brokers, cfg.Events.Kafka.Topic, logger)
		if err != nil {
			return fmt.Errorf("initializing kafka publisher: %w", err)
		}
		defer func() { _ = kafka.Close() }()
		publishers = append(publishers, kafka)
	}

	feederCfg := transcode.FeederConfig{
		ChunkSize:      int(cfg.Download.ChunkSize.Bytes()),
		ConnectTimeout: cfg.Download.ConnectTimeout,
		IdleTimeout:    cfg.Download.IdleTimeout,
		MaxSize:        int64(cfg.Download.MaxSize.Bytes()),
	}
	downloads := transcode.NewDownloadClient(feederCfg, cfg.Download.CircuitThreshold, cfg.Download.CircuitTimeout,
		version.UserAgent(), logger)
	clients.Register("download", downloads)

	runner := transcode.NewRunner(transcode.RunnerConfig{
		FFmpegPath:      ffmpegPath,
		AssumedDuration: cfg.FFmpeg.AssumedDuration,
		MaxErrorLog:     int(cfg.FFmpeg.MaxErrorLogSize.Bytes()),
		Timeout:         cfg.Jobs.Timeout,
		ProbeRemote:     cfg.FFmpeg.ProbeRemote,
		KeyPrefix:       cfg.ObjectStore.KeyPrefix,
	}, transcode.RunnerDeps{
		Prober:   ffmpeg.NewProber(ffprobePath, logger).WithTimeout(cfg.FFmpeg.ProbeTimeout),
		Feeder:   transcode.NewFeeder(downloads, feederCfg, logger),
		Staging:  staging,
		Store:    store,
		Uploader: objects,
		Events:   publishers,
		Logger:   logger,
	})
	pool := transcode.NewPool(runner, cfg.Jobs.MaxConcurrent, transcode.NewRegistry(cfg.Jobs.MaxPerClient), logger)

	var sweeper *scheduler.Sweeper
	if cfg.Cleanup.Enabled {
		sweeper, err = newSweeper(cfg, staging, store, logger)
		if err != nil {
			return err
		}
		sweeper.WithProtect(activeJobFiles(pool))
		if err := sweeper.Start(ctx); err != nil {
			return fmt.Errorf("starting sweeper: %w", err)
		}
	}

	jobs := service.NewJobService(store, pool, staging, cfg.FFmpeg.CommandToken).WithLogger(logger)

	server := internalhttp.NewServer(internalhttp.ServerConfig{
		Host:            cfg.Server.Host,
		Port:            cfg.Server.Port,
		ReadTimeout:     cfg.Server.ReadTimeout,
		WriteTimeout:    cfg.Server.WriteTimeout,
		IdleTimeout:     internalhttp.DefaultServerConfig().IdleTimeout,
		ShutdownTimeout: cfg.Server.ShutdownTimeout,
		CORSOrigins:     cfg.Server.CORSOrigins,
		APIKey:          cfg.Auth.APIKey,
		PublicFiles:     cfg.Auth.PublicFiles,
	}, logger, version.Version)

	handlers.NewHealthHandler(version.Version).
		WithClients(clients).
		WithStore(store.name, store).
		WithPool(pool).
		WithStagingDir(cfg.Storage.BaseDir).
		Register(server.API())
	handlers.NewAuthHandler().Register(server.API())

	jobHandler := handlers.NewJobHandler(jobs, broadcaster, cfg.Server.MaxUploadSize.Bytes()).WithLogger(logger)
	jobHandler.Register(server.API())
	jobHandler.RegisterRoutes(server.Router())
	handlers.NewJobEventsHandler(broadcaster, logger).RegisterRoutes(server.Router())

	if local, ok := objects.(*objectstore.LocalStore); ok {
		handlers.RegisterFiles(server.Router(), local.Root())
	}

	logger.Info("starting transcodarr",
		slog.String("address", cfg.Server.Address()),
		slog.String("version", version.Version),
		slog.String("store", store.name),
		slog.String("object_store", objects.Name()),
		slog.Int("max_concurrent", cfg.Jobs.MaxConcurrent),
	)

	serveErr := server.ListenAndServe(ctx)

	// Jobs outlive their requests, so the pool drains after the listener closes.
	drainCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := pool.Shutdown(drainCtx); err != nil {
		logger.Warn("jobs still running at shutdown", slog.Any("error", err))
	}
	if sweeper != nil {
		sweeper.Stop()
	}

	if serveErr != nil && !errors.Is(serveErr, context.Canceled) {
		return serveErr
	}
	return nil
}

// resolveBinaries locates ffmpeg and ffprobe. A missing ffprobe only
// degrades progress estimates.
func resolveBinaries(ctx context.Context, cfg config.FFmpegConfig, logger *slog.Logger) (string, string, error) {
	ffmpegPath, err := ffmpeg.FindBinary(cfg.BinaryPath, "ffmpeg", ffmpeg.FFmpegBinaryEnv)
	if err != nil {
		return "", "", fmt.Errorf("locating ffmpeg: %w", err)
	}
	ffprobePath, err := ffmpeg.FindBinary(cfg.ProbePath, "ffprobe", ffmpeg.FFprobeBinaryEnv)
	if err != nil {
		logger.Warn("ffprobe not found, progress will use the assumed duration", slog.Any("error", err))
		ffprobePath = ""
	}

	if info, err := ffmpeg.NewBinaryDetector(ffmpegPath, ffprobePath).Detect(ctx); err == nil {
		logger.Info("ffmpeg detected",
			slog.String("path", info.FFmpegPath),
			slog.String("version", info.Version))
	} else {
		logger.Warn("reading ffmpeg version", slog.Any("error", err))
	}
	return ffmpegPath, ffprobePath, nil
}

func newSweeper(cfg *config.Config, staging *storage.Staging, store *openedStore, logger *slog.Logger) (*scheduler.Sweeper, error) {
	sweeper, err := scheduler.NewSweeper(scheduler.SweeperConfig{
		Schedule:     cfg.Cleanup.Schedule,
		Retention:    cfg.Cleanup.Retention,
		JobRetention: cfg.Cleanup.JobRetention,
	}, staging.Dirs(), store, logger)
	if err != nil {
		return nil, fmt.Errorf("initializing sweeper: %w", err)
	}
	return sweeper, nil
}

// activeJobFiles protects staged files named after a job still in the pool.
func activeJobFiles(pool *transcode.Pool) func(name string) bool {
	return func(name string) bool {
		for _, job := range pool.Active() {
			if strings.Contains(name, job.JobID.String()) {
				return true
			}
		}
		return false
	}
}
