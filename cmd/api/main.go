package main

import (
	"context"
	"errors"
	stdlog "log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/mcclellann/loanrecon/pkg/allocation"
	"github.com/mcclellann/loanrecon/pkg/config"
	"github.com/mcclellann/loanrecon/pkg/lock"
	"github.com/mcclellann/loanrecon/pkg/logger"
	"github.com/mcclellann/loanrecon/pkg/store"
	"go.uber.org/zap"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		stdlog.Fatalf("Failed to load configuration: %v", err)
	}

	log, err := logger.New(logger.Config{
		Level:  cfg.Log.Level,
		Format: cfg.Log.Format,
		Output: cfg.Log.Output,
	}, cfg.App.Name)
	if err != nil {
		stdlog.Fatalf("Failed to initialize logger: %v", err)
	}
	defer func() { _ = log.Sync() }()

	sqliteStore, err := store.NewSQLiteStore(cfg.Database.DSN, log)
	if err != nil {
		log.Fatal("Failed to initialize SQLite store", zap.Error(err))
	}
	defer sqliteStore.Close()

	locker, closeLocker, err := newLocker(cfg.Redis, log)
	if err != nil {
		log.Fatal("Failed to initialize locker", zap.Error(err))
	}
	defer closeLocker()

	server := NewServer(sqliteStore, locker, log, ServerOptions{
		SampleLimit: cfg.Consistency.SampleLimit,
		MaxBodySize: cfg.HTTP.MaxBodySize,
		Workers:     cfg.Allocation.Workers,
	})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if cfg.Allocation.JobEnabled {
		go server.runAllocationJob(ctx, cfg.Allocation)
	}

	httpServer := &http.Server{
		Addr:         ":" + cfg.App.Port,
		Handler:      server.routes(),
		ReadTimeout:  cfg.HTTP.ReadTimeout,
		WriteTimeout: cfg.HTTP.WriteTimeout,
	}
	go func() {
		log.Info("Server starting", zap.String("addr", httpServer.Addr), zap.String("env", cfg.App.Env))
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("Server stopped", zap.Error(err))
			stop()
		}
	}()

	<-ctx.Done()
	log.Info("Shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.HTTP.ShutdownTimeout)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Error("Graceful shutdown failed", zap.Error(err))
	}
}

// newLocker returns the Redis lock when enabled so several instances serialize on
// the same loan, and an in-process keyed mutex otherwise.
func newLocker(cfg config.RedisConfig, log *zap.Logger) (lock.Locker, func(), error) {
	if !cfg.Enabled {
		return lock.NewKeyedMutex(), func() {}, nil
	}
	redisLocker, err := lock.NewRedisLocker(lock.RedisConfig{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
		TTL:      cfg.LockTTL,
	}, log)
	if err != nil {
		return nil, nil, err
	}
	return redisLocker, func() { _ = redisLocker.Close() }, nil
}

// runAllocationJob periodically allocates open payments. The checkpoint advances
// while a run fills its batch and wraps to the start once a run comes up short, so
// payments left unresolved are retried on the next pass.
func (s *Server) runAllocationJob(ctx context.Context, cfg config.AllocationConfig) {
	ticker := time.NewTicker(cfg.JobInterval)
	defer ticker.Stop()

	var checkpoint int64
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			checkpoint = s.runAllocationPass(ctx, cfg, checkpoint)
		}
	}
}

func (s *Server) runAllocationPass(ctx context.Context, cfg config.AllocationConfig, checkpoint int64) int64 {
	report, err := s.engine.RunBatch(ctx, allocation.BatchOptions{
		AfterID: checkpoint,
		Limit:   cfg.BatchSize,
		Workers: cfg.Workers,
	})
	if err != nil {
		s.log.Error("Allocation job failed", zap.Int64("after_id", checkpoint), zap.Error(err))
		if report == nil {
			return checkpoint
		}
	}
	if report.Processed < cfg.BatchSize || cfg.BatchSize == 0 {
		return 0
	}
	return report.LastID
}
