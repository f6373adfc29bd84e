// Command roomd serves the multi-room chat coordinator over HTTP and
// WebSocket, backed by one SQLite database per room and an optional
// shared Redis instance for rate-limiter state.
package main

import (
	"context"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"time"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"

	"roomcoordinator/server/internal/blob"
	"roomcoordinator/server/internal/metrics"
	"roomcoordinator/server/internal/router"
	"roomcoordinator/server/internal/store"
)

func main() {
	addr := flag.String("addr", ":8080", "HTTP listen address")
	dataDir := flag.String("data-dir", "data", "root directory for per-room SQLite databases and blob storage")
	redisAddr := flag.String("redis-addr", "", "shared Redis address for rate-limiter state (empty disables Redis, falls back to in-process limiting)")
	metricsAddr := flag.String("metrics-addr", ":9090", "Prometheus /metrics listen address (empty disables it)")
	dev := flag.Bool("dev", false, "emit human-readable logs instead of JSON")
	envFile := flag.String("env-file", ".env", "dotenv file loaded into the environment after flags are parsed (ignored if absent)")
	flag.Parse()

	if err := godotenv.Load(*envFile); err != nil && !os.IsNotExist(err) {
		slog.Warn("failed to load env file", "path", *envFile, "err", err)
	}

	configureLogging(*dev)

	if err := router.EnsureDataDir(*dataDir); err != nil {
		slog.Error("create data directory failed", "err", err)
		os.Exit(1)
	}

	blobMeta, err := store.Open(filepath.Join(*dataDir, "blobs.db"))
	if err != nil {
		slog.Error("open blob metadata store failed", "err", err)
		os.Exit(1)
	}
	defer blobMeta.Close()

	blobs, err := blob.NewStore(filepath.Join(*dataDir, "blobs"), blobMeta)
	if err != nil {
		slog.Error("open blob store failed", "err", err)
		os.Exit(1)
	}

	var redisClient *redis.Client
	if *redisAddr != "" {
		redisClient = redis.NewClient(&redis.Options{Addr: *redisAddr})
		pingCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := redisClient.Ping(pingCtx).Err(); err != nil {
			slog.Error("redis ping failed, falling back to in-process rate limiting", "addr", *redisAddr, "err", err)
			redisClient = nil
		} else {
			slog.Info("connected to redis for rate-limiter state", "addr", *redisAddr)
		}
	}

	registry := prometheus.NewRegistry()
	mcol := metrics.New(registry)

	rt := router.New(*dataDir, blobs, redisClient, mcol)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt)
	go func() {
		<-sigCh
		slog.Info("shutdown signal received")
		cancel()
	}()

	if *metricsAddr != "" {
		go runMetricsServer(ctx, *metricsAddr, registry)
	}

	slog.Info("roomd starting", "addr", *addr, "data_dir", *dataDir)
	if err := rt.Run(ctx, *addr); err != nil {
		slog.Error("router exited with error", "err", err)
		os.Exit(1)
	}
}

func configureLogging(dev bool) {
	var handler slog.Handler
	opts := &slog.HandlerOptions{Level: slog.LevelInfo}
	if dev {
		handler = slog.NewTextHandler(os.Stderr, opts)
	} else {
		handler = slog.NewJSONHandler(os.Stderr, opts)
	}
	slog.SetDefault(slog.New(handler))
}

func runMetricsServer(ctx context.Context, addr string, registry *prometheus.Registry) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
	srv := &http.Server{Addr: addr, Handler: mux}

	go func() {
		<-ctx.Done()
		shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutCtx)
	}()

	slog.Info("metrics server listening", "addr", addr)
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		slog.Error("metrics server failed", "err", err)
	}
}
