package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"github.com/jackc/pgx/v5/pgxpool"

	sagaengine "github.com/nevindra/sagaengine"
	"github.com/nevindra/sagaengine/observer"
	"github.com/nevindra/sagaengine/store/postgres"
)

func main() {
	// 1. Required collaborators
	dbURL := os.Getenv("ENGINE_DATABASE_URL")
	if dbURL == "" {
		log.Fatal("ENGINE_DATABASE_URL is required")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	pool, err := pgxpool.New(ctx, dbURL)
	if err != nil {
		log.Fatalf("sagaengine: connect: %v", err)
	}
	defer pool.Close()

	store := postgres.New(pool)

	// 2. Observer (opt-in via OTEL_EXPORTER_OTLP_ENDPOINT)
	opts := []sagaengine.Option{
		sagaengine.WithStore(store),
		sagaengine.WithWorkerID(envOrDefault("ENGINE_WORKER_ID", sagaengine.NewID())),
		sagaengine.WithPollInterval(envInt64OrDefault("ENGINE_POLL_INTERVAL_MS", 500)),
		sagaengine.WithLeaseTTL(envInt64OrDefault("ENGINE_LEASE_TTL_MS", 30000)),
	}

	if os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT") != "" {
		inst, shutdown, err := observer.Init(ctx)
		if err != nil {
			log.Fatalf("sagaengine: observer init: %v", err)
		}
		defer shutdown(context.Background())

		opts = append(opts, sagaengine.WithTracer(observer.NewTracer()), sagaengine.WithMetrics(inst))
		log.Println("sagaengine: OTEL observability enabled")
	}

	// 3. Run
	eng := sagaengine.New(opts...)
	if err := eng.Run(ctx); err != nil && err != context.Canceled {
		log.Fatalf("sagaengine: %v", err)
	}
}

func envOrDefault(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func envInt64OrDefault(key string, def int64) int64 {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return def
	}
	return n
}
