package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"library_rental/pkg/circuitbreaker"
	"library_rental/pkg/middleware"
	"library_rental/pkg/queue"

	"github.com/joho/godotenv"
	"golang.org/x/time/rate"
)

const maxRetries = 10

func main() {
	_ = godotenv.Load()
	log := newLogger(getEnv("LOG_FORMAT", "json"))
	slog.SetDefault(log)

	if err := run(log); err != nil {
		log.Error("gateway stopped", "error", err)
		os.Exit(1)
	}
}

func run(log *slog.Logger) error {
	retryInterval := getEnvDuration("RETRY_INTERVAL", 10*time.Second)

	g := &gateway{
		upstream: strings.TrimRight(getEnv("LIBRARY_SERVICE_URL", "http://localhost:8060"), "/"),
		client:   &http.Client{Timeout: 10 * time.Second},
		breaker: circuitbreaker.New(
			getEnvInt("BREAKER_MAX_FAILURES", 5),
			getEnvDuration("BREAKER_TIMEOUT", 30*time.Second),
		),
		retries:       queue.New(log),
		retryInterval: retryInterval,
		maxRetries:    maxRetries,
		log:           log,
	}
	limiter := middleware.NewIPRateLimiter(
		rate.Limit(getEnvFloat("RATE_LIMIT_RPS", 10)),
		getEnvInt("RATE_LIMIT_BURST", 20),
	)
	router := g.routes(limiter, middleware.SplitOrigins(getEnv("CORS_ORIGINS", "*")))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	go g.retries.Run(ctx, retryInterval, g.send)
	go limiter.RunSweeper(ctx, time.Minute, 10*time.Minute)

	addr := ":" + getEnv("PORT", "8080")
	httpServer := &http.Server{Addr: addr, Handler: router, ReadHeaderTimeout: 10 * time.Second}

	errCh := make(chan error, 1)
	go func() {
		log.Info("gateway starting", "addr", addr, "upstream", g.upstream)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	if n := g.retries.Size(); n > 0 {
		log.Warn("shutting down with undelivered returns", "pending", n)
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return httpServer.Shutdown(shutdownCtx)
}

func newLogger(format string) *slog.Logger {
	if format == "text" {
		return slog.New(slog.NewTextHandler(os.Stdout, nil))
	}
	return slog.New(slog.NewJSONHandler(os.Stdout, nil))
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if n, err := strconv.Atoi(os.Getenv(key)); err == nil {
		return n
	}
	return defaultValue
}

func getEnvFloat(key string, defaultValue float64) float64 {
	if f, err := strconv.ParseFloat(os.Getenv(key), 64); err == nil {
		return f
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if d, err := time.ParseDuration(os.Getenv(key)); err == nil && d > 0 {
		return d
	}
	return defaultValue
}
