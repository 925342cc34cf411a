package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"distributed-job-scheduler/internal/config"
	"distributed-job-scheduler/internal/jobs"
	"distributed-job-scheduler/internal/lock"
	"distributed-job-scheduler/internal/logging"
	"distributed-job-scheduler/internal/payload"
	"distributed-job-scheduler/internal/scheduler"
	"distributed-job-scheduler/internal/store"
	"distributed-job-scheduler/internal/telemetry"
)

const shutdownTimeout = 30 * time.Second

func main() {
	cfg := config.Load()
	logger := logging.Must(cfg.Env, cfg.LogLevel).Named("worker")
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

	var opts []scheduler.Option
	if cfg.ClaimLockRedis {
		claimLock := lock.NewRedis(cfg)
		defer claimLock.Close()
		opts = append(opts, scheduler.WithClaimLocker(claimLock))
	}

	executor := scheduler.New(st, reg, scheduler.SettingsFromConfig(cfg), logger, opts...)

	metrics := &http.Server{Addr: cfg.MetricsAddr, Handler: telemetry.Handler()}
	go func() {
		if err := metrics.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Errorw("metrics server stopped", "error", err)
		}
	}()

	if err := executor.Start(ctx); err != nil {
		logger.Fatalw("start executor", "error", err)
	}
	s := executor.Settings()
	logger.Infow("worker started",
		"worker_id", s.WorkerID,
		"kinds", reg.Kinds(),
		"concurrency", s.Concurrency,
		"read_ahead", s.ReadAhead,
		"sleep_delay", s.SleepDelay,
		"claim_lock_redis", cfg.ClaimLockRedis,
	)

	<-ctx.Done()
	logger.Infow("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := executor.Stop(shutdownCtx, true); err != nil {
		logger.Warnw("executor stop", "error", err)
	}
	_ = metrics.Shutdown(shutdownCtx)
	if shutdownCtx.Err() != nil {
		logger.Errorw("shutdown timed out with attempts still running")
		_ = logger.Sync()
		os.Exit(1)
	}
}
