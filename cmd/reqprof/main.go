package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/nordan/reqprof/internal/capture"
	httpx "github.com/nordan/reqprof/internal/http"
	"github.com/nordan/reqprof/internal/service/query"
	"github.com/nordan/reqprof/internal/service/retention"
	"github.com/nordan/reqprof/internal/storage"
	"github.com/nordan/reqprof/pkg/config"
	"github.com/nordan/reqprof/pkg/logger"

	_ "github.com/nordan/reqprof/internal/storage/gormstore"
	_ "github.com/nordan/reqprof/internal/storage/mongostore"
	_ "github.com/nordan/reqprof/internal/storage/sqlitestore"
)

func main() {
	cfg := config.Load()
	log := logger.New("reqprof", logger.ParseLevel(cfg.LogLevel))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	store, err := storage.Open(cfg.Storage, log)
	if err != nil {
		log.Error("failed to open storage", "engine", cfg.Storage.Engine, "error", err)
		os.Exit(1)
	}
	defer store.Close()
	if err := store.Ping(ctx); err != nil {
		log.Error("storage ping failed", "engine", cfg.Storage.Engine, "error", err)
		os.Exit(1)
	}

	profiler, err := capture.New(cfg.Capture, store, log)
	if err != nil {
		log.Error("failed to configure capture", "error", err)
		os.Exit(1)
	}

	if cfg.Retention.Enabled && cfg.Retention.Period > 0 {
		sweeper := retention.New(store, cfg.Retention.Period, log)
		go sweeper.Run(ctx)
	}

	limiter := httpx.NewMemoryRateLimiter()
	if addr := strings.TrimSpace(cfg.RateLimitRedisAddr); addr != "" {
		redisLimiter, err := httpx.NewRedisRateLimiter(addr, cfg.RateLimitRedisPass, cfg.RateLimitRedisDB, log)
		if err != nil {
			log.Warn("redis rate limiter unavailable, using in-memory limiter", "error", err)
		} else {
			limiter = redisLimiter
		}
	}

	queries := query.New(store, cfg, log)
	router := httpx.NewRouter(log, queries, limiter, cfg.EndpointRoot)
	defer router.Close()

	mux := http.NewServeMux()
	mux.Handle("/"+strings.Trim(cfg.EndpointRoot, "/")+"/", router)
	mux.Handle("GET /metrics", router)

	// Demo routes that exercise the middleware when the binary runs
	// standalone; embedders wrap their own handlers instead.
	mux.Handle("GET /ping", profiler.WrapFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"status":"pong"}`))
	}))
	mux.Handle("GET /items/{id}", profiler.WrapFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"id":"` + r.PathValue("id") + `"}`))
	}))

	srv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errorCh := make(chan error, 1)
	go func() {
		log.Info("profiler server starting", "addr", cfg.Addr, "engine", cfg.Storage.Engine, "root", cfg.EndpointRoot)
		errorCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Error("graceful shutdown failed", "error", err)
		}
		log.Info("profiler server stopped")
	case err := <-errorCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("server error", "error", err)
			os.Exit(1)
		}
	}
}
