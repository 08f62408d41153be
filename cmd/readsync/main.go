package main

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel"

	"github.com/shopworks/readsync/internal/consumer"
	"github.com/shopworks/readsync/internal/dlq"
	"github.com/shopworks/readsync/internal/outbox"
	"github.com/shopworks/readsync/internal/projection"
	"github.com/shopworks/readsync/internal/readstore"
	"github.com/shopworks/readsync/internal/replay"
	"github.com/shopworks/readsync/internal/retry"
	"github.com/shopworks/readsync/libs/config"
	"github.com/shopworks/readsync/libs/db"
	"github.com/shopworks/readsync/libs/httpx"
	"github.com/shopworks/readsync/libs/kafkax"
	otelx "github.com/shopworks/readsync/libs/otel"
	"github.com/shopworks/readsync/libs/runtime"
)

func main() {
	service := config.String("SERVICE_NAME", "readsync")
	port, err := config.Port("PORT", "8087")
	if err != nil {
		panic(err)
	}
	logger := runtime.NewLogger(service)

	ctx, stop := runtime.SignalContext()
	defer stop()

	otelShutdown, err := otelx.Setup(ctx, otelx.ConfigFromEnv(service))
	if err != nil {
		logger.Error("otel setup failed", "err", err)
	} else {
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = otelShutdown(shutdownCtx)
		}()
	}

	dbURL, err := config.RequiredString("DATABASE_URL")
	if err != nil {
		panic(err)
	}
	pool, err := db.Open(ctx, dbURL)
	if err != nil {
		logger.Error("db connection failed", "err", err)
		panic(err)
	}
	defer pool.Close()

	redisClient := redis.NewClient(&redis.Options{
		Addr: config.String("REDIS_ADDR", "localhost:6379"),
	})
	defer redisClient.Close()
	store := readstore.NewRedisStore(redisClient, config.String("READ_MODEL_KEY_PREFIX", "readmodel"))

	reorderWindow, err := config.Duration("REORDER_WINDOW", 5*time.Second)
	if err != nil {
		panic(err)
	}
	maxAttempts, err := config.Int("MAX_ATTEMPTS", 5)
	if err != nil {
		panic(err)
	}
	backoffBase, err := config.Duration("RETRY_BACKOFF_BASE", 100*time.Millisecond)
	if err != nil {
		panic(err)
	}
	backoffCap, err := config.Duration("RETRY_BACKOFF_CAP", 5*time.Second)
	if err != nil {
		panic(err)
	}
	workers, err := config.Int("PROJECTION_WORKERS", 4)
	if err != nil {
		panic(err)
	}
	batchSize, err := config.Int("BATCH_SIZE", 50)
	if err != nil {
		panic(err)
	}

	deadLetters := dlq.NewRepository(pool)
	coord := retry.NewCoordinator(maxAttempts, retry.Backoff{Base: backoffBase, Cap: backoffCap}, deadLetters, logger)

	metrics, err := projection.NewMetrics(otel.Meter("readsync"))
	if err != nil {
		logger.Error("metric instruments failed", "err", err)
		panic(err)
	}

	engine := projection.New(store, coord, metrics, logger, projection.Config{
		Workers:       workers,
		ReorderWindow: reorderWindow,
	})
	engineCtx, cancelEngine := context.WithCancel(context.Background())
	engine.Start(engineCtx)

	brokers := config.String("KAFKA_BROKERS", "")
	topic := config.String("KAFKA_TOPIC", "catalog.events.v1")
	cons := consumer.New(logger, engine, consumer.Config{
		Brokers:   brokers,
		GroupID:   config.String("KAFKA_GROUP_ID", "readsync"),
		Topic:     topic,
		BatchSize: batchSize,
	})
	go cons.Run(ctx)

	outboxRepo := outbox.NewRepository(pool)

	// The write side normally runs its own publisher; enabling it here lets
	// a single-process deployment drain the outbox too.
	if isTruthy(config.String("OUTBOX_PUBLISHER_ENABLED", "false")) {
		publisher := outbox.NewPublisher(outboxRepo, logger, outbox.PublisherConfig{
			Brokers:    brokers,
			Topic:      topic,
			ProducerID: service,
			PollEvery:  2 * time.Second,
			BatchSize:  batchSize,
		})
		go publisher.Run(ctx)
	}

	replaySvc := replay.New(engine, deadLetters, outboxRepo, logger, replay.Config{
		ProducerID: service + "-replay",
		SettleWait: reorderWindow + backoffCap*time.Duration(maxAttempts) + 10*time.Second,
	})

	mux := runtime.NewBaseMuxWithReady(
		runtime.ReadyCheck{Name: "db", Check: db.ReadyCheck(pool)},
		runtime.ReadyCheck{Name: "redis", Check: store.ReadyCheck()},
		runtime.ReadyCheck{Name: "kafka", Check: kafkax.ReadyCheck(brokers)},
	)
	replay.NewHandler(replaySvc, logger).Register(mux)

	handler := httpx.Chain(mux,
		httpx.WithRequestID,
		httpx.WithAccessLog(logger),
	)
	handler = otelhttp.NewHandler(handler, "readsync-ops")
	srv := &http.Server{
		Addr:              ":" + port,
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		logger.Info("ops server starting", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("ops server error", "err", err)
		}
	}()

	<-ctx.Done()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("ops server shutdown error", "err", err)
	}
	// Workers drain after the consumer stops feeding them; unsettled
	// offsets stay uncommitted and are redelivered on restart.
	cancelEngine()
	engine.Wait()
	logger.Info("projection stopped")
}

func isTruthy(s string) bool {
	switch strings.TrimSpace(strings.ToLower(s)) {
	case "1", "true", "t", "yes", "y", "on":
		return true
	default:
		return false
	}
}
