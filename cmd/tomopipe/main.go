package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	goredis "github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/cryoetlab/tomopipe/internal/application/dispatcher"
	"github.com/cryoetlab/tomopipe/internal/application/registry"
	"github.com/cryoetlab/tomopipe/internal/application/scheduler"
	"github.com/cryoetlab/tomopipe/internal/application/stages"
	"github.com/cryoetlab/tomopipe/internal/application/watcher"
	"github.com/cryoetlab/tomopipe/internal/config"
	"github.com/cryoetlab/tomopipe/internal/domain"
	"github.com/cryoetlab/tomopipe/internal/ports"
	"github.com/cryoetlab/tomopipe/internal/schema"
	memoryevents "github.com/cryoetlab/tomopipe/pkg/adapters/events/memory"
	redisevents "github.com/cryoetlab/tomopipe/pkg/adapters/events/redis"
	"github.com/cryoetlab/tomopipe/pkg/adapters/metrics/prometheus"
	filestorage "github.com/cryoetlab/tomopipe/pkg/adapters/storage/file"
	memorystorage "github.com/cryoetlab/tomopipe/pkg/adapters/storage/memory"
	redisstorage "github.com/cryoetlab/tomopipe/pkg/adapters/storage/redis"
	"github.com/cryoetlab/tomopipe/pkg/api/grpc"
	"github.com/cryoetlab/tomopipe/pkg/api/http"
	"github.com/cryoetlab/tomopipe/pkg/api/websocket"
)

var (
	// Version is set by build flags
	Version   = "dev"
	BuildTime = "unknown"
)

func main() {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}

	// Initialize logger
	logger := initLogger(cfg.LogLevel)
	defer logger.Sync()

	logger.Info("starting tomopipe",
		zap.String("version", Version),
		zap.String("build_time", BuildTime))

	// Load the pipeline configuration document
	pipeline, err := schema.Load(cfg.PipelineConfig)
	if err != nil {
		logger.Fatal("invalid pipeline configuration",
			zap.String("path", cfg.PipelineConfig),
			zap.Error(err))
	}

	graph := domain.NewGraph(pipeline.Toggles())

	ctx, stop := context.WithCancel(context.Background())
	defer stop()

	// Redis is shared by the redis state backend and the streams event bus
	var redisClient *goredis.Client
	if cfg.State.Backend == "redis" {
		redisClient = goredis.NewClient(&goredis.Options{
			Addr:         cfg.Redis.Addr,
			Password:     cfg.Redis.Password,
			DB:           cfg.Redis.DB,
			PoolSize:     cfg.Redis.PoolSize,
			MinIdleConns: cfg.Redis.MinIdleConns,
			MaxRetries:   cfg.Redis.MaxRetries,
			DialTimeout:  cfg.Redis.DialTimeout,
			ReadTimeout:  cfg.Redis.ReadTimeout,
			WriteTimeout: cfg.Redis.WriteTimeout,
		})
		if err := redisClient.Ping(ctx).Err(); err != nil {
			logger.Fatal("failed to connect to Redis", zap.Error(err))
		}
		logger.Info("connected to Redis", zap.String("addr", cfg.Redis.Addr))
	}

	// State store backend
	var store ports.StateStore
	switch cfg.State.Backend {
	case "file":
		store, err = filestorage.NewStore(cfg.State.Dir)
		if err != nil {
			logger.Fatal("failed to open state directory", zap.Error(err))
		}
	case "redis":
		store = redisstorage.NewStore(redisClient, logger)
	default:
		store = memorystorage.NewStore()
	}

	// Event bus: Redis Streams when Redis is configured, in-process fan-out
	// otherwise
	var eventBus ports.EventBus
	if redisClient != nil {
		eventBus = redisevents.NewStreamsBus(
			redisClient,
			"tomopipe-observers",
			fmt.Sprintf("tomopipe-%d", os.Getpid()),
			logger,
		)
	} else {
		eventBus = memoryevents.NewBus()
	}

	metricsCollector := prometheus.NewCollector()

	// Orchestration core
	reg := registry.New(store, cfg.Watcher.OverwriteDuplicates, logger)
	if err := reg.Restore(ctx); err != nil {
		logger.Fatal("failed to restore state", zap.Error(err))
	}

	pool := dispatcher.NewPool(pipeline.Setup.CPUs, pipeline.Setup.GPUs, metricsCollector)
	disp := dispatcher.New(pool, logger)
	disp.Start(ctx)

	runner := stages.NewExecutor(pipeline, stages.NewExecRunner(logger), cfg.WorkDir, logger)

	sched := scheduler.New(graph, reg, disp, runner, eventBus, metricsCollector, scheduler.RetryPolicy{
		MaxAttempts: cfg.Stages.MaxAttempts,
		Base:        cfg.Stages.RetryBase,
		Ceiling:     cfg.Stages.RetryCeiling,
		TimeoutFor:  cfg.Stages.TimeoutFor,
	}, logger)
	sched.Start(ctx)

	// Raw data watcher
	static := domain.AcquisitionMeta{
		PixelSizeNm:  pipeline.Data.PixelSize,
		ExposureDose: pipeline.Data.Exposure,
		TiltAxisDeg:  pipeline.Setup.TiltAxis,
	}
	w := watcher.New(watcher.Options{
		RawDir:        pipeline.Setup.Data.RawDataDir,
		Extension:     pipeline.Data.Extension,
		FramesName:    pipeline.Setup.Data.FramesName,
		MdocDuplicate: pipeline.Setup.Data.MdocDuplicate,
		ReadMdoc:      pipeline.ReadMdoc(),
		PollInterval:  cfg.Watcher.PollInterval,
		StablePolls:   cfg.Watcher.StablePolls,
		Static:        static,
	}, graph, sched, reg.Known, logger)
	go w.Run(ctx)

	// API servers
	httpServer := http.NewServer(&http.Config{
		Port:      cfg.HTTPPort,
		Registry:  reg,
		Scheduler: sched,
		Slots:     disp,
		Logger:    logger,
	})

	wsHandler := websocket.NewHandler(eventBus, logger)
	httpServer.SetupWebSocket(wsHandler)

	grpcServer, err := grpc.NewServer(&grpc.Config{
		Port:   cfg.GRPCPort,
		Logger: logger,
	})
	if err != nil {
		logger.Fatal("failed to create gRPC server", zap.Error(err))
	}

	go func() {
		if err := httpServer.Start(); err != nil {
			logger.Fatal("HTTP server failed", zap.Error(err))
		}
	}()

	go func() {
		if err := grpcServer.Start(); err != nil {
			logger.Fatal("gRPC server failed", zap.Error(err))
		}
	}()

	logger.Info("tomopipe started",
		zap.Int("http_port", cfg.HTTPPort),
		zap.Int("grpc_port", cfg.GRPCPort),
		zap.String("raw_data_dir", pipeline.Setup.Data.RawDataDir),
		zap.Int("cpu_slots", pipeline.Setup.CPUs),
		zap.Int("gpu_slots", pipeline.Setup.GPUs))

	// Wait for interrupt signal
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	<-sigCh

	logger.Info("received shutdown signal")

	// Graceful shutdown
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Timeouts.ShutdownTimeout)
	defer cancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("HTTP server shutdown error", zap.Error(err))
	}

	if err := grpcServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("gRPC server shutdown error", zap.Error(err))
	}

	// Stop the watcher and orchestration loops, then drain in-flight work
	stop()
	sched.Wait()
	disp.Wait()

	if err := eventBus.Close(); err != nil {
		logger.Error("event bus close error", zap.Error(err))
	}

	if err := store.Close(); err != nil {
		logger.Error("state store close error", zap.Error(err))
	}

	logger.Info("tomopipe shut down complete")
}

// initLogger initializes the logger based on log level
func initLogger(level string) *zap.Logger {
	var zapLevel zapcore.Level
	switch level {
	case "debug":
		zapLevel = zapcore.DebugLevel
	case "info":
		zapLevel = zapcore.InfoLevel
	case "warn":
		zapLevel = zapcore.WarnLevel
	case "error":
		zapLevel = zapcore.ErrorLevel
	default:
		zapLevel = zapcore.InfoLevel
	}

	config := zap.NewProductionConfig()
	config.Level = zap.NewAtomicLevelAt(zapLevel)
	config.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder

	logger, err := config.Build()
	if err != nil {
		panic(fmt.Sprintf("failed to initialize logger: %v", err))
	}

	return logger
}
