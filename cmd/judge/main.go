package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	goredis "github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/Harsh-BH/Sentinel/judge/internal/config"
	amqpdelivery "github.com/Harsh-BH/Sentinel/judge/internal/delivery/amqp"
	handler "github.com/Harsh-BH/Sentinel/judge/internal/delivery/http"
	"github.com/Harsh-BH/Sentinel/judge/internal/delivery/http/middleware"
	"github.com/Harsh-BH/Sentinel/judge/internal/domain"
	"github.com/Harsh-BH/Sentinel/judge/internal/judge"
	"github.com/Harsh-BH/Sentinel/judge/internal/languages"
	"github.com/Harsh-BH/Sentinel/judge/internal/pool"
	"github.com/Harsh-BH/Sentinel/judge/internal/repository"
	"github.com/Harsh-BH/Sentinel/judge/internal/repository/memory"
	redisrepo "github.com/Harsh-BH/Sentinel/judge/internal/repository/redis"
	"github.com/Harsh-BH/Sentinel/judge/internal/sandbox"
	"github.com/Harsh-BH/Sentinel/judge/internal/usecase"
)

func main() {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	// Initialize logger
	logger, err := newLogger(cfg.Log.Level)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to build logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	logger.Info("Starting Sentinel Judge", zap.String("sandbox_backend", cfg.Sandbox.Backend))

	gin.SetMode(cfg.Server.GinMode)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	registry := languages.NewRegistry(map[domain.Language]string{
		domain.LangCpp:    cfg.Languages.ImageCpp,
		domain.LangPython: cfg.Languages.ImagePython,
		domain.LangJava:   cfg.Languages.ImageJava,
	})

	// Isolation runtime. Unreachable at startup is fatal.
	provisioner, closeProvisioner := newProvisioner(ctx, cfg, registry, logger)
	defer closeProvisioner()

	engine := judge.NewEngine(provisioner, registry, judge.Config{
		WorkDir:             cfg.Sandbox.WorkDir,
		CompileTimeout:      cfg.Sandbox.CompileTimeout,
		StrictCompileStderr: cfg.Sandbox.StrictCompileStderr,
		OutputLimit:         cfg.Sandbox.MaxOutputBytes,
		CompileOutputLimit:  cfg.Sandbox.MaxCompileOutput,
		CPUs:                cfg.Sandbox.CPUQuota,
		PidsLimit:           cfg.Sandbox.PidsLimit,
		KillGrace:           cfg.Sandbox.KillGrace,
		ReleaseTimeout:      cfg.Sandbox.ReleaseTimeout,
	}, logger)

	// Submission lock
	lock, closeLock := newSubmissionLock(ctx, cfg, logger)
	defer closeLock()

	judgeUC := usecase.NewJudgeSubmissionUsecase(engine, lock, usecase.Limits{
		DefaultTimeLimitMs:   cfg.Limits.DefaultTimeLimitMs,
		MaxTimeLimitMs:       cfg.Limits.MaxTimeLimitMs,
		DefaultMemoryLimitMb: cfg.Limits.DefaultMemoryLimitMb,
		MaxMemoryLimitMb:     cfg.Limits.MaxMemoryLimitMb,
		MaxTestCases:         cfg.Limits.MaxTestCases,
		CompileTimeout:       cfg.Sandbox.CompileTimeout,
		KillGrace:            cfg.Sandbox.KillGrace,
	}, logger)

	// Optional queue transport
	var workerPool *pool.WorkerPool
	if cfg.AMQP.URL != "" {
		messages := make(chan *domain.JudgeMessage, cfg.AMQP.PoolSize)
		consumer, err := amqpdelivery.NewConsumer(cfg.AMQP.URL, cfg.AMQP.Queue, cfg.AMQP.PoolSize, messages, logger)
		if err != nil {
			logger.Fatal("Failed to initialize AMQP consumer", zap.Error(err))
		}
		defer consumer.Close()
		logger.Info("Connected to RabbitMQ", zap.String("queue", cfg.AMQP.Queue))

		workerPool = pool.NewWorkerPool(cfg.AMQP.PoolSize, messages, judgeUC, logger)
		workerPool.Start(ctx)

		go func() {
			if err := consumer.Start(ctx); err != nil {
				logger.Error("AMQP consumer error", zap.Error(err))
			}
		}()
	}

	rateLimiter := middleware.NewRateLimiter(cfg.Server.RateLimitRPS, cfg.Server.RateLimitBurst)
	stopCleanup := make(chan struct{})
	defer close(stopCleanup)
	go rateLimiter.RunCleanup(5*time.Minute, stopCleanup)

	router := handler.NewRouter(handler.RouterDeps{
		JudgeUC:      judgeUC,
		Registry:     registry,
		Sandbox:      provisioner,
		RateLimiter:  rateLimiter,
		MaxBodyBytes: cfg.Server.MaxBodyBytes,
		Logger:       logger,
	})

	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	go func() {
		logger.Info("Judge server listening", zap.Int("port", cfg.Server.Port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal("Server failed", zap.Error(err))
		}
	}()

	// Graceful shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("Shutting down judge...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("Server forced to shutdown", zap.Error(err))
	}

	cancel()
	if workerPool != nil {
		workerPool.Stop()
	}

	logger.Info("Judge stopped")
}

func newLogger(level string) (*zap.Logger, error) {
	lvl, err := zap.ParseAtomicLevel(level)
	if err != nil {
		return nil, fmt.Errorf("log level %q: %w", level, err)
	}
	zcfg := zap.NewProductionConfig()
	zcfg.Level = lvl
	return zcfg.Build()
}

func newProvisioner(ctx context.Context, cfg *config.Config, registry *languages.Registry, logger *zap.Logger) (sandbox.Provisioner, func()) {
	pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	switch cfg.Sandbox.Backend {
	case config.BackendNsjail:
		p := sandbox.NewNsjailProvisioner(sandbox.NsjailConfig{
			Path:      cfg.Sandbox.NsjailPath,
			ConfigDir: cfg.Sandbox.NsjailConfigDir,
		}, logger)
		if err := p.Ping(pingCtx); err != nil {
			logger.Fatal("Sandbox runtime unavailable", zap.Error(err))
		}
		return p, func() {}
	default:
		p, err := sandbox.NewDockerProvisioner(sandbox.DockerConfig{
			User:      cfg.Sandbox.User,
			KillGrace: cfg.Sandbox.KillGrace,
			Instance:  cfg.Sandbox.InstanceID,
		}, logger)
		if err != nil {
			logger.Fatal("Failed to create Docker client", zap.Error(err))
		}
		if err := p.Ping(pingCtx); err != nil {
			logger.Fatal("Sandbox runtime unavailable", zap.Error(err))
		}
		logger.Info("Connected to Docker")

		if n, err := p.ReapOrphans(ctx); err != nil {
			logger.Warn("Failed to remove leftover sandboxes", zap.Error(err))
		} else if n > 0 {
			logger.Info("Removed leftover sandboxes", zap.Int("count", n))
		}

		if cfg.Languages.PrepullImage {
			for _, img := range registry.Images() {
				if err := p.EnsureImage(ctx, img); err != nil {
					logger.Warn("Failed to pull image", zap.String("image", img), zap.Error(err))
				}
			}
		}
		return p, func() { p.Close() }
	}
}

func newSubmissionLock(ctx context.Context, cfg *config.Config, logger *zap.Logger) (repository.SubmissionLock, func()) {
	if cfg.Redis.URL == "" {
		logger.Info("Using in-process submission lock")
		return memory.NewLock(), func() {}
	}

	redisOpts, err := goredis.ParseURL(cfg.Redis.URL)
	if err != nil {
		logger.Fatal("Invalid Redis URL", zap.Error(err))
	}
	rdb := goredis.NewClient(redisOpts)
	if err := rdb.Ping(ctx).Err(); err != nil {
		logger.Fatal("Failed to connect to Redis", zap.Error(err))
	}
	logger.Info("Connected to Redis")
	return redisrepo.NewSubmissionLock(rdb), func() { rdb.Close() }
}
