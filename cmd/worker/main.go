package main

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/dontdude/sandrun/internal/bootstrap"
	"github.com/dontdude/sandrun/internal/config"
	"github.com/dontdude/sandrun/internal/domain"
	"github.com/dontdude/sandrun/internal/platform/queue"
	"github.com/dontdude/sandrun/internal/worker"
)

func main() {
	if err := run(); err != nil {
		slog.Error("Worker failed", "error", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	slog.SetDefault(cfg.NewLogger())
	slog.Info("Starting sandrun worker...")

	if cfg.Queue.RedisAddr == "" {
		return errors.New("queue.redis_addr (REDIS_ADDR) is required")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Fail fast if the backend is unavailable.
	rt, err := bootstrap.Build(ctx, cfg)
	if err != nil {
		return err
	}
	defer rt.Close()
	rt.StartMaintenance(ctx, cfg)

	q, err := queue.NewRedisQueue(ctx, cfg.Queue.RedisAddr, queue.Options{
		Stream:      cfg.Queue.Stream,
		Group:       cfg.Queue.Group,
		LogsChannel: cfg.Queue.LogsChannel,
	})
	if err != nil {
		return err
	}
	defer q.Close()

	jobs, err := q.Subscribe(ctx)
	if err != nil {
		return err
	}

	// Keep our own unacked entries fresh so recovery never steals them.
	go q.StartKeepAlive(ctx, cfg.KeepAliveInterval())

	// Jobs abandoned by a crashed worker come back through here.
	recovered := make(chan domain.Job)
	go q.StartRecoveryRoutine(ctx, cfg.Worker.RecoverInterval, cfg.Worker.RecoverMaxAge, recovered)

	// Running jobs finish on their own timeout even after a signal.
	pool := worker.NewPool(cfg.Worker.Concurrency, rt.Engine, q)
	pool.Start(context.WithoutCancel(ctx))

	slog.Info("Worker consuming jobs", "stream", cfg.Queue.Stream, "group", cfg.Queue.Group)
	for {
		var job domain.Job
		var ok bool
		select {
		case job, ok = <-jobs:
			if !ok {
				jobs = nil
				continue
			}
		case job = <-recovered:
		case <-ctx.Done():
			pool.Stop()
			return nil
		}
		pool.Submit(ctx, job)
	}
}
