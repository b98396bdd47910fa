package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"offline-submission-queue/internal/api"
	"offline-submission-queue/internal/config"
	"offline-submission-queue/internal/connectivity"
	"offline-submission-queue/internal/gateway"
	"offline-submission-queue/internal/queue"
	"offline-submission-queue/internal/ratelimit"
	"offline-submission-queue/internal/store"
	"offline-submission-queue/internal/telemetry"
	"offline-submission-queue/internal/uploader"
	"offline-submission-queue/internal/worker"
)

func main() {
	cfg := config.Load()
	if path := os.Getenv("CONFIG_FILE"); path != "" {
		loaded, err := config.LoadFile(path)
		if err != nil {
			slog.Error("load config", "path", path, "error", err)
			os.Exit(1)
		}
		cfg = loaded
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: parseLevel(cfg.LogLevel)}))
	slog.SetDefault(logger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		ch := make(chan os.Signal, 1)
		signal.Notify(ch, syscall.SIGINT, syscall.SIGTERM)
		<-ch
		cancel()
	}()

	st, err := store.Open(ctx, cfg)
	if err != nil {
		fatal(logger, "open store", err)
	}
	defer st.Close()

	q, err := queue.Open(ctx, st,
		queue.WithLogger(logger),
		queue.WithMaxAttempts(cfg.MaxAttempts),
		queue.WithName(cfg.StoreKey),
	)
	if err != nil {
		fatal(logger, "open queue", err)
	}

	up, err := uploader.New(ctx, cfg, logger)
	if err != nil {
		fatal(logger, "init uploader", err)
	}
	gw := gateway.NewHTTPGateway(cfg.GatewayURL, cfg.GatewayToken, cfg.GatewayTimeout)

	var obs connectivity.Observer
	if cfg.ProbeURL != "" {
		prober := connectivity.NewProber(cfg.ProbeURL, cfg.ProbeInterval, cfg.ProbeTimeout, logger)
		go prober.Run(ctx)
		obs = prober
	} else {
		logger.Warn("PROBE_URL not set, assuming the gateway is always reachable")
		obs = connectivity.NewManual(true)
	}

	processor := worker.NewProcessor(cfg, q, gw, up, obs, logger)

	if cfg.AttachmentRoot != "" {
		if err := os.MkdirAll(cfg.AttachmentRoot, 0o750); err != nil {
			fatal(logger, "create attachment root", err)
		}
	}

	var limiter api.Limiter
	if cfg.RateLimitCapacity > 0 {
		var client *redis.Client
		if rs, ok := st.(*store.RedisStore); ok {
			client = rs.Client()
		} else {
			client = redis.NewClient(&redis.Options{
				Addr:     cfg.RedisAddr,
				Password: cfg.RedisPassword,
				DB:       cfg.RedisDB,
			})
			defer client.Close()
		}
		limiter = ratelimit.NewTokenBucket(client, cfg.RateLimitCapacity, cfg.RateLimitRefill, time.Hour)
	}

	server := api.New(cfg, q, processor, obs, limiter, logger)
	httpServer := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           server.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	if cfg.MetricsAddr != "" && cfg.MetricsAddr != cfg.HTTPAddr {
		go func() {
			if err := http.ListenAndServe(cfg.MetricsAddr, telemetry.Handler()); err != nil {
				logger.Warn("metrics server stopped", "error", err)
			}
		}()
	}

	go func() {
		logger.Info("api listening", "addr", cfg.HTTPAddr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			fatal(logger, "listen", err)
		}
	}()

	logger.Info("agent started",
		"store", cfg.StoreBackend,
		"gateway", cfg.GatewayURL,
		"schedule", cfg.SyncSchedule,
		"outstanding", q.Counts().Outstanding(),
	)
	if err := processor.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("sync loop stopped", "error", err)
		cancel()
	}

	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancelShutdown()
	_ = httpServer.Shutdown(shutdownCtx)
	logger.Info("agent stopped")
}

func parseLevel(s string) slog.Level {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func fatal(logger *slog.Logger, msg string, err error) {
	logger.Error(msg, "error", err)
	os.Exit(1)
}
