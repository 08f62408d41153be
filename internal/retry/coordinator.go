// Package retry bounds how long the projection fights a failing apply before
// quarantining the envelope. Transient store errors back off between
// attempts; fatal ones re-attempt immediately. Exhaustion dead-letters the
// envelope so the consumer group never stalls on one poison message.
package retry

import (
	"context"
	"log/slog"
	"time"

	"github.com/shopworks/readsync/internal/dlq"
	"github.com/shopworks/readsync/internal/event"
	"github.com/shopworks/readsync/internal/readstore"
)

// MessageRef locates the bus message an envelope arrived on.
type MessageRef struct {
	Topic     string
	Partition int
	Offset    int64
}

// Sink receives envelopes whose retries are exhausted.
type Sink interface {
	Quarantine(ctx context.Context, e dlq.Entry) error
}

type Outcome int

const (
	OutcomeApplied Outcome = iota
	OutcomeDeadLettered
)

type Coordinator struct {
	maxAttempts int
	backoff     Backoff
	sink        Sink
	logger      *slog.Logger
	sleep       func(ctx context.Context, d time.Duration) error
	now         func() time.Time
}

func NewCoordinator(maxAttempts int, backoff Backoff, sink Sink, logger *slog.Logger) *Coordinator {
	if maxAttempts < 1 {
		maxAttempts = 1
	}
	return &Coordinator{
		maxAttempts: maxAttempts,
		backoff:     backoff,
		sink:        sink,
		logger:      logger,
		sleep:       sleepCtx,
		now:         time.Now,
	}
}

// Execute runs op until it succeeds or maxAttempts is reached, then
// quarantines the envelope and reports OutcomeDeadLettered. A non-nil error
// is returned only when the context is cancelled or the quarantine itself
// fails; in both cases the message must stay uncommitted for redelivery.
func (c *Coordinator) Execute(ctx context.Context, env event.Envelope, ref MessageRef, op func(context.Context) error) (Outcome, error) {
	var firstFailed time.Time
	var lastErr error

	for attempt := 1; attempt <= c.maxAttempts; attempt++ {
		err := op(ctx)
		if err == nil {
			return OutcomeApplied, nil
		}
		lastErr = err
		if firstFailed.IsZero() {
			firstFailed = c.now()
		}
		c.logger.Warn("apply attempt failed",
			"aggregate_id", env.AggregateID,
			"version", env.Version,
			"correlation_id", env.CorrelationID,
			"attempt", attempt,
			"transient", readstore.IsTransient(err),
			"err", err,
		)
		if attempt == c.maxAttempts {
			break
		}
		if readstore.IsTransient(err) {
			if err := c.sleep(ctx, c.backoff.Delay(attempt)); err != nil {
				return 0, err
			}
		}
	}

	raw, _ := env.Marshal()
	entry := dlq.Entry{
		EventID:       env.EventID,
		TenantID:      env.TenantID,
		AggregateID:   env.AggregateID,
		Envelope:      raw,
		Topic:         ref.Topic,
		Partition:     ref.Partition,
		Offset:        ref.Offset,
		FailureReason: lastErr.Error(),
		AttemptCount:  c.maxAttempts,
		FirstFailedAt: firstFailed.UTC(),
		LastAttemptAt: c.now().UTC(),
	}
	if err := c.sink.Quarantine(ctx, entry); err != nil {
		return 0, err
	}
	c.logger.Error("envelope dead-lettered",
		"aggregate_id", env.AggregateID,
		"version", env.Version,
		"correlation_id", env.CorrelationID,
		"attempts", c.maxAttempts,
		"reason", lastErr.Error(),
	)
	return OutcomeDeadLettered, nil
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
