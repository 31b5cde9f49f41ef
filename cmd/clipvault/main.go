// Package main is the CLI entrypoint for clipvault. It provides subcommands
// for running the worker (serve), managing database migrations (migrate),
// and printing version information (version). The serve command loads
// configuration, connects to PostgreSQL and Redis, runs pending migrations,
// starts the job dispatch loops and the operator HTTP surface, and handles
// graceful shutdown on SIGINT/SIGTERM.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"

	"github.com/clipvault/clipvault/internal/api"
	"github.com/clipvault/clipvault/internal/batchprocessor"
	"github.com/clipvault/clipvault/internal/blobstore"
	"github.com/clipvault/clipvault/internal/config"
	"github.com/clipvault/clipvault/internal/database"
	"github.com/clipvault/clipvault/internal/discordclient"
	"github.com/clipvault/clipvault/internal/errs"
	"github.com/clipvault/clipvault/internal/jobqueue"
	"github.com/clipvault/clipvault/internal/mediapipeline"
	"github.com/clipvault/clipvault/internal/metrics"
	"github.com/clipvault/clipvault/internal/scanscheduler"
	"github.com/clipvault/clipvault/internal/settings"
	"github.com/clipvault/clipvault/internal/thumbnail"
	"github.com/clipvault/clipvault/internal/worker"
)

// Build-time variables set via ldflags.
var (
	version   = "dev"
	commit    = "unknown"
	buildDate = "unknown"
)

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	switch os.Args[1] {
	case "serve":
		if err := runServe(); err != nil {
			fmt.Fprintf(os.Stderr, "error: %v\n", err)
			os.Exit(1)
		}
	case "migrate":
		if err := runMigrate(); err != nil {
			fmt.Fprintf(os.Stderr, "error: %v\n", err)
			os.Exit(1)
		}
	case "version":
		runVersion()
	case "help", "--help", "-h":
		printUsage()
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n\n", os.Args[1])
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Println("clipvault — Discord clip ingestion and thumbnailing worker")
	fmt.Println()
	fmt.Println("Usage:")
	fmt.Println("  clipvault <command> [options]")
	fmt.Println()
	fmt.Println("Commands:")
	fmt.Println("  serve     Start the worker and operator HTTP surface")
	fmt.Println("  migrate   Run database migrations")
	fmt.Println("  version   Print version information")
	fmt.Println("  help      Show this help message")
	fmt.Println()
	fmt.Println("Configuration:")
	fmt.Println("  Config file:  clipvault.toml (or set CLIPVAULT_CONFIG_PATH)")
	fmt.Println("  Env vars:     unprefixed (e.g. DATABASE_URL, REDIS_URL); CLIPVAULT_ only for http/logging/metrics")
}

// runServe starts the full clipvault worker: loads config, connects to
// PostgreSQL and Redis, runs migrations, wires the batch/scan/thumbnail
// pipeline, and starts the job dispatch loops and operator HTTP surface.
func runServe() error {
	logger := setupLogger("info", "json")

	logger.Info("starting clipvault", slog.String("version", version), slog.String("commit", commit))

	cfgPath := configPath()
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	logger = setupLogger(cfg.Logging.Level, cfg.Logging.Format)
	logger.Info("configuration loaded", slog.String("path", cfgPath))

	ctx := context.Background()

	retryBaseDelay, err := cfg.Database.RetryBaseDelayParsed()
	if err != nil {
		return fmt.Errorf("parsing database retry base delay: %w", err)
	}
	retryMaxDelay, err := cfg.Database.RetryMaxDelayParsed()
	if err != nil {
		return fmt.Errorf("parsing database retry max delay: %w", err)
	}
	retryCfg := errs.RetryConfig{
		MaxAttempts: cfg.Database.RetryMaxAttempts,
		BaseDelay:   retryBaseDelay,
		MaxDelay:    retryMaxDelay,
	}

	db, err := database.NewWithRetryConfig(ctx, cfg.Database.URL, cfg.Database.PoolMax, retryCfg, logger)
	if err != nil {
		return fmt.Errorf("connecting to database: %w", err)
	}
	defer db.Close()

	if err := database.MigrateUp(cfg.Database.URL, logger); err != nil {
		return fmt.Errorf("running migrations: %w", err)
	}

	redisOpts, err := redis.ParseURL(cfg.Redis.URL)
	if err != nil {
		return fmt.Errorf("parsing redis url: %w", err)
	}
	redisClient := redis.NewClient(redisOpts)
	defer redisClient.Close()

	hostname, _ := os.Hostname()
	consumer := fmt.Sprintf("%s-%d", hostname, os.Getpid())
	queue := jobqueue.New(redisClient, cfg.Redis.StreamMaxLen, consumer)

	store, err := blobstore.New(ctx, cfg.Storage)
	if err != nil {
		return fmt.Errorf("constructing blob store: %w", err)
	}

	discord := discordclient.New(cfg.Discord.APIBaseURL, cfg.Discord.BotToken, cfg.Discord.UserAgent)

	guilds := database.NewGuildRepository(db)
	channels := database.NewChannelRepository(db)
	scanStatus := database.NewScanStatusRepository(db)
	authors := database.NewAuthorRepository(db)
	messages := database.NewMessageRepository(db)
	clips := database.NewClipRepository(db)
	thumbs := database.NewThumbnailRepository(db)
	failed := database.NewFailedThumbnailRepository(db)
	settingsRepo := database.NewSettingsRepository(db)

	settingsTTL := time.Duration(cfg.Settings.CacheTTLSeconds) * time.Second
	resolver := settings.New(settingsRepo, settingsTTL)

	downloadTimeout, err := cfg.Thumbnails.DownloadTimeoutParsed()
	if err != nil {
		return fmt.Errorf("parsing thumbnails.download_timeout: %w", err)
	}
	connectTimeout, err := cfg.Thumbnails.DownloadConnectTimeoutParsed()
	if err != nil {
		return fmt.Errorf("parsing thumbnails.download_connect_timeout: %w", err)
	}

	pipeline, err := mediapipeline.New(store, mediapipeline.Config{
		Small:           mediapipeline.Dimensions{Width: cfg.Thumbnails.SmallWidth, Height: cfg.Thumbnails.SmallHeight},
		Large:           mediapipeline.Dimensions{Width: cfg.Thumbnails.LargeWidth, Height: cfg.Thumbnails.LargeHeight},
		Timestamp:       cfg.Thumbnails.Timestamp,
		Quality:         cfg.Thumbnails.Quality,
		DownloadTimeout: downloadTimeout,
		ConnectTimeout:  connectTimeout,
	})
	if err != nil {
		return fmt.Errorf("constructing media pipeline: %w", err)
	}

	var metricsRegistry *prometheus.Registry
	var m *metrics.Metrics
	if cfg.Metrics.Enabled {
		metricsRegistry = prometheus.NewRegistry()
		m = metrics.New(metricsRegistry)
	} else {
		m = metrics.New(nil)
	}

	thumbHandler := thumbnail.NewHandler(pipeline, clips, thumbs, failed, m, logger)
	batch := batchprocessor.New(resolver, authors, messages, clips, thumbHandler, discord, m, logger)

	purgeCooldown := time.Duration(cfg.Purge.CooldownMinutes) * time.Minute
	scheduler := scanscheduler.New(discord, guilds, channels, scanStatus, messages, clips, thumbs, failed, store, batch, thumbHandler, queue, purgeCooldown, m, logger)

	workerBlockDuration, err := cfg.Worker.BlockDurationParsed()
	if err != nil {
		return fmt.Errorf("parsing worker.block_duration: %w", err)
	}
	minIdleTime, err := cfg.Worker.MinIdleTimeParsed()
	if err != nil {
		return fmt.Errorf("parsing worker.min_idle_time: %w", err)
	}
	staleScanCleanupInterval, err := cfg.Worker.StaleScanCleanupIntervalParsed()
	if err != nil {
		return fmt.Errorf("parsing worker.stale_scan_cleanup_interval: %w", err)
	}
	dbHealthCheckInterval, err := cfg.Worker.DBHealthCheckIntervalParsed()
	if err != nil {
		return fmt.Errorf("parsing worker.db_health_check_interval: %w", err)
	}
	staleThumbnailCleanupInterval, err := cfg.Worker.StaleThumbnailCleanupIntervalParsed()
	if err != nil {
		return fmt.Errorf("parsing worker.stale_thumbnail_cleanup_interval: %w", err)
	}

	host := worker.New(queue, scheduler, db, scanStatus, thumbHandler, worker.Config{
		Concurrency:                   cfg.Worker.Concurrency,
		JobBatchSize:                  int64(cfg.Worker.JobBatchSize),
		BlockDuration:                 workerBlockDuration,
		MinIdleTime:                   minIdleTime,
		StaleScanCleanupInterval:      staleScanCleanupInterval,
		StaleScanTimeoutMinutes:       cfg.Worker.StaleScanTimeoutMinutes,
		DBHealthCheckInterval:         dbHealthCheckInterval,
		StaleThumbnailCleanupInterval: staleThumbnailCleanupInterval,
		StaleThumbnailTimeoutMinutes:  cfg.Worker.StaleThumbnailTimeoutMinutes,
	}, m, logger)

	srv := api.NewServer(db, scanStatus, queue, m, metricsRegistry, version, logger)

	workerCtx, cancelWorker := context.WithCancel(ctx)
	workerDone := make(chan struct{})
	go func() {
		host.Run(workerCtx)
		close(workerDone)
	}()

	shutdownCh := make(chan os.Signal, 1)
	signal.Notify(shutdownCh, syscall.SIGINT, syscall.SIGTERM)

	errCh := make(chan error, 1)
	go func() {
		if err := srv.Start(cfg.HTTP.Listen); err != nil {
			errCh <- fmt.Errorf("operator HTTP server: %w", err)
		}
	}()

	select {
	case err := <-errCh:
		cancelWorker()
		<-workerDone
		return err
	case sig := <-shutdownCh:
		logger.Info("shutdown signal received", slog.String("signal", sig.String()))
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("operator HTTP server shutdown error", slog.String("error", err.Error()))
	}

	cancelWorker()
	<-workerDone

	logger.Info("clipvault stopped")
	return nil
}

// runMigrate handles the migrate subcommand with up/down/status operations.
func runMigrate() error {
	logger := setupLogger("info", "text")

	cfgPath := configPath()
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	action := "up"
	if len(os.Args) >= 3 {
		action = os.Args[2]
	}

	switch action {
	case "up":
		return database.MigrateUp(cfg.Database.URL, logger)
	case "down":
		return database.MigrateDown(cfg.Database.URL, logger)
	case "status":
		v, dirty, err := database.MigrateStatus(cfg.Database.URL)
		if err != nil {
			return err
		}
		fmt.Printf("Migration version: %d\n", v)
		fmt.Printf("Dirty: %v\n", dirty)
		return nil
	default:
		return fmt.Errorf("unknown migrate action: %s (use: up, down, status)", action)
	}
}

// runVersion prints version information and exits.
func runVersion() {
	fmt.Printf("clipvault %s\n", version)
	fmt.Printf("  commit:     %s\n", commit)
	fmt.Printf("  built:      %s\n", buildDate)
}

// configPath returns the config file path from CLIPVAULT_CONFIG_PATH env
// var or the default "clipvault.toml".
func configPath() string {
	if p := os.Getenv("CLIPVAULT_CONFIG_PATH"); p != "" {
		return p
	}
	return "clipvault.toml"
}

// setupLogger creates a slog.Logger with the given level and format.
func setupLogger(level, format string) *slog.Logger {
	var lvl slog.Level
	switch strings.ToLower(level) {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{Level: lvl}

	var handler slog.Handler
	switch strings.ToLower(format) {
	case "text":
		handler = slog.NewTextHandler(os.Stdout, opts)
	default:
		handler = slog.NewJSONHandler(os.Stdout, opts)
	}

	return slog.New(handler)
}
