// Package consumer reads envelopes from the bus and feeds the projection
// engine. Offsets are committed manually, only after every message in a
// fetched batch has settled: applied, suppressed, skipped or dead-lettered.
package consumer

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/segmentio/kafka-go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/shopworks/readsync/internal/event"
	"github.com/shopworks/readsync/internal/projection"
	"github.com/shopworks/readsync/internal/retry"
	"github.com/shopworks/readsync/libs/kafkax"
)

// Reader is the slice of kafka.Reader the consumer needs.
type Reader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

type Config struct {
	Brokers   string
	GroupID   string
	Topic     string
	BatchSize int
	BatchWait time.Duration
}

type Consumer struct {
	reader    Reader
	engine    *projection.Engine
	logger    *slog.Logger
	batchSize int
	batchWait time.Duration
}

func New(logger *slog.Logger, engine *projection.Engine, cfg Config) *Consumer {
	brokers := kafkax.SplitBrokers(cfg.Brokers)
	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:  brokers,
		GroupID:  cfg.GroupID,
		Topic:    cfg.Topic,
		MinBytes: 1,
		MaxBytes: 10e6,
	})
	return NewWithReader(reader, logger, engine, cfg)
}

func NewWithReader(reader Reader, logger *slog.Logger, engine *projection.Engine, cfg Config) *Consumer {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 50
	}
	if cfg.BatchWait <= 0 {
		cfg.BatchWait = 200 * time.Millisecond
	}
	return &Consumer{
		reader:    reader,
		engine:    engine,
		logger:    logger,
		batchSize: cfg.BatchSize,
		batchWait: cfg.BatchWait,
	}
}

func (c *Consumer) Run(ctx context.Context) {
	defer c.reader.Close()

	for {
		batch, ok := c.fetchBatch(ctx)
		if !ok {
			return
		}
		if len(batch) == 0 {
			continue
		}
		if !c.processBatch(ctx, batch) {
			return
		}
	}
}

// fetchBatch blocks for the first message, then keeps fetching until the
// batch is full or batchWait elapses. ok=false means shutdown.
func (c *Consumer) fetchBatch(ctx context.Context) ([]kafka.Message, bool) {
	first, err := c.reader.FetchMessage(ctx)
	if err != nil {
		if ctx.Err() != nil {
			return nil, false
		}
		c.logger.Error("kafka fetch error", "err", err)
		time.Sleep(1 * time.Second)
		return nil, true
	}

	batch := []kafka.Message{first}
	deadline := time.Now().Add(c.batchWait)
	for len(batch) < c.batchSize {
		fetchCtx, cancel := context.WithDeadline(ctx, deadline)
		msg, err := c.reader.FetchMessage(fetchCtx)
		cancel()
		if err != nil {
			if ctx.Err() != nil {
				return nil, false
			}
			break // batch window elapsed or transient fetch error
		}
		batch = append(batch, msg)
	}
	return batch, true
}

// processBatch dispatches every message to its affinity worker, waits for
// all of them to settle, then commits the batch's offsets. It reports false
// when the context was cancelled; nothing is committed in that case so the
// unsettled messages are redelivered.
func (c *Consumer) processBatch(ctx context.Context, batch []kafka.Message) bool {
	settled := make(chan projection.Disposition, len(batch))
	inFlight := 0

	for _, msg := range batch {
		meta := kafkax.ExtractEventMeta(msg)
		msgCtx := kafkax.ExtractTraceContext(ctx, msg)

		env, err := event.Validate(msg.Value)
		if err != nil {
			var unknown *event.UnknownTypeError
			if errors.As(err, &unknown) {
				// Forward compatibility: newer producers may emit types we
				// don't handle yet. Skip and acknowledge.
				c.logger.Info("unrecognized event type skipped",
					"event_type", meta.EventType,
					"aggregate_id", env.AggregateID,
					"version", env.Version,
					"correlation_id", env.CorrelationID,
				)
				continue
			}
			c.logger.Error("envelope failed validation, skipping",
				"event_id", meta.EventID,
				"topic", msg.Topic,
				"partition", msg.Partition,
				"offset", msg.Offset,
				"err", err,
			)
			continue
		}

		spanCtx, span := otel.Tracer("readsync").Start(msgCtx, "projection.consume",
			trace.WithAttributes(
				attribute.String("messaging.system", "kafka"),
				attribute.String("messaging.destination", msg.Topic),
				attribute.String("aggregate.id", env.AggregateID),
				attribute.Int64("aggregate.version", int64(env.Version)),
			),
		)

		task := projection.Task{
			Envelope: env,
			Ref: retry.MessageRef{
				Topic:     msg.Topic,
				Partition: msg.Partition,
				Offset:    msg.Offset,
			},
			Done: func(d projection.Disposition) {
				span.End()
				settled <- d
			},
		}
		if err := c.engine.Submit(spanCtx, task); err != nil {
			span.End()
			return false
		}
		inFlight++
	}

	for inFlight > 0 {
		select {
		case <-settled:
			inFlight--
		case <-ctx.Done():
			return false
		}
	}

	if err := c.reader.CommitMessages(ctx, batch...); err != nil {
		if ctx.Err() != nil {
			return false
		}
		// The batch was fully applied; redelivery after a failed commit is
		// absorbed by duplicate suppression.
		c.logger.Error("offset commit failed", "err", err)
	}
	return true
}
