package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"library_rental/pkg/database"
	"library_rental/pkg/idempotency"
	"library_rental/pkg/library"
	"library_rental/pkg/middleware"
	"library_rental/pkg/store"

	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"
)

func main() {
	_ = godotenv.Load()
	log := newLogger(getEnv("LOG_FORMAT", "json"))
	slog.SetDefault(log)

	if err := run(log); err != nil {
		log.Error("library service stopped", "error", err)
		os.Exit(1)
	}
}

func run(log *slog.Logger) error {
	db, err := database.Open(database.ConfigFromEnv(), log)
	if err != nil {
		return err
	}

	ttl, err := time.ParseDuration(getEnv("IDEMPOTENCY_TTL", "24h"))
	if err != nil {
		return err
	}
	idem := newIdempotencyStore(log, ttl)

	idemWait, err := time.ParseDuration(getEnv("IDEMPOTENCY_WAIT", "5s"))
	if err != nil {
		return err
	}

	srv := &server{
		svc:      library.NewService(store.New(db)),
		db:       db,
		idem:     idem,
		idemWait: idemWait,
		log:      log,
	}
	router := srv.routes(middleware.SplitOrigins(getEnv("CORS_ORIGINS", "*")))

	addr := ":" + getEnv("PORT", "8060")
	httpServer := &http.Server{Addr: addr, Handler: router, ReadHeaderTimeout: 10 * time.Second}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() {
		log.Info("library service starting", "addr", addr)
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

	log.Info("shutting down library service")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return httpServer.Shutdown(shutdownCtx)
}

// newIdempotencyStore uses Redis when REDIS_ADDR is set and reachable and
// falls back to a process-local store otherwise.
func newIdempotencyStore(log *slog.Logger, ttl time.Duration) idempotency.Store {
	addr := os.Getenv("REDIS_ADDR")
	if addr == "" {
		log.Info("REDIS_ADDR not set, idempotency keys kept in memory")
		return idempotency.NewMemoryStore(ttl)
	}

	rdb := redis.NewClient(&redis.Options{Addr: addr, Password: os.Getenv("REDIS_PASSWORD"), DB: 0})
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		log.Warn("redis unreachable, idempotency keys kept in memory", "addr", addr, "error", err)
		_ = rdb.Close()
		return idempotency.NewMemoryStore(ttl)
	}
	log.Info("redis connected", "addr", addr)
	return idempotency.NewRedisStore(rdb, ttl)
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
