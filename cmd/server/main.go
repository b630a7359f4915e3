package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"slices"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/dontdude/sandrun/internal/bootstrap"
	"github.com/dontdude/sandrun/internal/codegen"
	"github.com/dontdude/sandrun/internal/config"
	"github.com/dontdude/sandrun/internal/platform/queue"
	"github.com/dontdude/sandrun/internal/platform/web"
	"github.com/dontdude/sandrun/internal/room"
)

const shutdownTimeout = 30 * time.Second

func main() {
	if err := run(); err != nil {
		slog.Error("Server failed", "error", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	slog.SetDefault(cfg.NewLogger())

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	rt, err := bootstrap.Build(ctx, cfg)
	if err != nil {
		return err
	}
	defer rt.Close()
	rt.StartMaintenance(ctx, cfg)

	limiter := web.NewRateLimiter(cfg.RateLimit.Rate, cfg.RateLimit.Burst)
	go limiter.Cleanup(ctx)

	checkOrigin := originChecker(cfg.Server.AllowedOrigins)
	srv := &server{
		executor:  rt.Engine,
		results:   newResultHub(checkOrigin),
		rooms:     room.NewHub(checkOrigin),
		generator: codegen.NewClient(cfg.Codegen.BaseURL, cfg.Codegen.APIKey, cfg.Codegen.Model),
		limiter:   limiter,
		maxBody:   cfg.Server.MaxBodyBytes,
	}

	// Async submission needs Redis.
	if cfg.Queue.RedisAddr != "" {
		q, err := queue.NewRedisQueue(ctx, cfg.Queue.RedisAddr, queue.Options{
			Stream:      cfg.Queue.Stream,
			Group:       cfg.Queue.Group,
			LogsChannel: cfg.Queue.LogsChannel,
		})
		if err != nil {
			return err
		}
		defer q.Close()
		srv.queue = q

		go func() {
			if err := srv.results.Run(ctx, q); err != nil {
				slog.Error("Result broadcaster stopped", "error", err)
			}
		}()
	}

	mux := srv.routes()
	mux.Handle("GET /metrics", promhttp.Handler())

	httpServer := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:           web.CORS(cfg.Server.AllowedOrigins, mux),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("API server starting", "addr", httpServer.Addr, "asyncJobs", srv.queue != nil)
		errCh <- httpServer.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			return err
		}
	case <-ctx.Done():
	}

	slog.Info("Shutting down server...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	return httpServer.Shutdown(shutdownCtx)
}

// originChecker allows websocket upgrades from configured origins and from
// clients that send no Origin header.
func originChecker(origins []string) func(*http.Request) bool {
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		return origin == "" || slices.Contains(origins, "*") || slices.Contains(origins, origin)
	}
}
