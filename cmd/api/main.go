package main

import (
	"context"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"distributed-job-scheduler/internal/api"
	"distributed-job-scheduler/internal/config"
	"distributed-job-scheduler/internal/jobs"
	"distributed-job-scheduler/internal/logging"
	"distributed-job-scheduler/internal/payload"
	"distributed-job-scheduler/internal/ratelimit"
	"distributed-job-scheduler/internal/scheduler"
	"distributed-job-scheduler/internal/store"
)

func main() {
	cfg := config.Load()
	logger := logging.Must(cfg.Env, cfg.LogLevel)
	defer func() { _ = logger.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	st, err := store.New(ctx, cfg.PostgresDSN, logger)
	if err != nil {
		logger.Fatalw("connect postgres", "error", err)
	}
	defer st.Close()

	if err := st.RunMigrations(ctx); err != nil {
		logger.Fatalw("migrations", "error", err)
	}

	reg := payload.NewRegistry()
	env, err := jobs.NewEnv(ctx, cfg, logger)
	if err != nil {
		logger.Fatalw("init job environment", "error", err)
	}
	if err := jobs.Register(reg, env); err != nil {
		logger.Fatalw("register job kinds", "error", err)
	}

	// The API only submits and inspects; workers run the poll loop.
	executor := scheduler.New(st, reg, scheduler.SettingsFromConfig(cfg), logger)

	redisLimiter := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	defer redisLimiter.Close()
	limiter := ratelimit.NewTokenBucket(redisLimiter, cfg.RateLimitCapacity, cfg.RateLimitRefill, time.Hour)

	server := api.New(executor, reg, limiter, logger)
	httpServer := &http.Server{
		Addr:              ":" + cfg.HTTPPort,
		Handler:           server.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	logger.Infow("api listening", "port", cfg.HTTPPort, "kinds", reg.Kinds(), "immediate", cfg.Immediate)
	go func() {
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatalw("listen", "error", err)
		}
	}()

	<-ctx.Done()
	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancelShutdown()
	_ = httpServer.Shutdown(shutdownCtx)
}
