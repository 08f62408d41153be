package outbox

import (
	"context"
	"log/slog"
	"strconv"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/shopworks/readsync/libs/kafkax"
	otelx "github.com/shopworks/readsync/libs/otel"
)

// Source yields staged rows to publish. *Repository is the pg implementation.
type Source interface {
	Sweep(ctx context.Context, limit int, publish func(Record) error) (int, error)
}

// Writer is the slice of kafka.Writer the publisher needs.
type Writer interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
}

// Publisher drains the outbox to the bus: exactly one message per staged
// row, keyed by aggregate id so the bus preserves per-aggregate order.
type Publisher struct {
	source     Source
	writer     Writer
	logger     *slog.Logger
	topic      string
	producerID string
	pollEvery  time.Duration
	batchSize  int
}

type PublisherConfig struct {
	Brokers    string
	Topic      string
	ProducerID string
	PollEvery  time.Duration
	BatchSize  int
}

func NewPublisher(source Source, logger *slog.Logger, cfg PublisherConfig) *Publisher {
	brokers := kafkax.SplitBrokers(cfg.Brokers)
	var writer Writer
	if len(brokers) > 0 {
		writer = &kafka.Writer{
			Addr:     kafka.TCP(brokers...),
			Balancer: &kafka.Hash{},
		}
	}
	return NewPublisherWithWriter(source, writer, logger, cfg)
}

func NewPublisherWithWriter(source Source, writer Writer, logger *slog.Logger, cfg PublisherConfig) *Publisher {
	if cfg.PollEvery <= 0 {
		cfg.PollEvery = 2 * time.Second
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 50
	}
	return &Publisher{
		source:     source,
		writer:     writer,
		logger:     logger,
		topic:      cfg.Topic,
		producerID: cfg.ProducerID,
		pollEvery:  cfg.PollEvery,
		batchSize:  cfg.BatchSize,
	}
}

func (p *Publisher) Run(ctx context.Context) {
	if p.writer == nil {
		p.logger.Warn("outbox publisher disabled (no kafka brokers configured)")
		return
	}
	if c, ok := p.writer.(interface{ Close() error }); ok {
		defer c.Close()
	}

	ticker := time.NewTicker(p.pollEvery)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := p.source.Sweep(ctx, p.batchSize, func(rcd Record) error {
				return p.publish(ctx, rcd)
			})
			if err != nil {
				p.logger.Error("outbox sweep failed", "err", err)
				continue
			}
			if n > 0 {
				p.logger.Info("outbox rows published", "count", n)
			}
		}
	}
}

func (p *Publisher) publish(ctx context.Context, rcd Record) error {
	env := rcd.Envelope(p.producerID)
	value, err := env.Marshal()
	if err != nil {
		return err
	}
	msgCtx := otelx.ContextWithTraceContext(ctx, rcd.Traceparent, rcd.Tracestate)
	msg := kafka.Message{
		Topic: p.topic,
		Key:   []byte(rcd.AggregateID),
		Value: value,
		Headers: []kafka.Header{
			{Key: kafkax.HeaderEventID, Value: []byte(rcd.EventID)},
			{Key: kafkax.HeaderEventType, Value: []byte(string(rcd.Type))},
			{Key: kafkax.HeaderVersion, Value: []byte(strconv.FormatUint(rcd.Version, 10))},
			{Key: kafkax.HeaderProducerID, Value: []byte(p.producerID)},
			{Key: kafkax.HeaderCorrelationID, Value: []byte(env.CorrelationID)},
		},
	}
	msg.Headers = kafkax.InjectTraceHeaders(msgCtx, msg.Headers)
	return p.writer.WriteMessages(ctx, msg)
}
