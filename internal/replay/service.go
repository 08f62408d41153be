// Package replay is the operator repair surface: it reinjects quarantined
// dead letters or an aggregate's outbox history back into the projection
// engine. Reinjected envelopes take the normal apply path, so duplicate
// suppression makes replaying already-applied versions harmless.
package replay

import (
	"context"
	"log/slog"
	"time"

	"github.com/shopworks/readsync/internal/dlq"
	"github.com/shopworks/readsync/internal/event"
	"github.com/shopworks/readsync/internal/outbox"
	"github.com/shopworks/readsync/internal/projection"
	"github.com/shopworks/readsync/internal/retry"
)

// Engine is the slice of projection.Engine the replayer needs.
type Engine interface {
	Submit(ctx context.Context, t projection.Task) error
}

// DeadLetters is the quarantine store replays are drawn from.
type DeadLetters interface {
	Get(ctx context.Context, id int64) (dlq.Entry, error)
	List(ctx context.Context, limit int) ([]dlq.Entry, error)
	MarkReplayed(ctx context.Context, id int64) error
}

// History lists an aggregate's staged outbox rows from a version onward.
type History interface {
	ListFromVersion(ctx context.Context, aggregateID string, fromVersion uint64) ([]outbox.Record, error)
}

type Service struct {
	engine      Engine
	deadLetters DeadLetters
	history     History
	logger      *slog.Logger
	producerID  string
	settleWait  time.Duration
}

type Config struct {
	ProducerID string
	// SettleWait bounds how long one reinjected envelope may take to
	// settle. It must exceed the reorder window plus worst-case retry
	// backoff, since a replayed envelope can buffer or retry like any
	// other.
	SettleWait time.Duration
}

func New(engine Engine, deadLetters DeadLetters, history History, logger *slog.Logger, cfg Config) *Service {
	if cfg.ProducerID == "" {
		cfg.ProducerID = "readsync-replay"
	}
	if cfg.SettleWait <= 0 {
		cfg.SettleWait = 30 * time.Second
	}
	return &Service{
		engine:      engine,
		deadLetters: deadLetters,
		history:     history,
		logger:      logger,
		producerID:  cfg.ProducerID,
		settleWait:  cfg.SettleWait,
	}
}

// Result reports how reinjected envelopes settled.
type Result struct {
	Submitted    int `json:"submitted"`
	Applied      int `json:"applied"`
	Duplicates   int `json:"duplicates"`
	DeadLettered int `json:"dead_lettered"`
}

func (r *Result) count(d projection.Disposition) {
	switch d {
	case projection.DispositionApplied:
		r.Applied++
	case projection.DispositionDuplicate:
		r.Duplicates++
	case projection.DispositionDeadLettered:
		r.DeadLettered++
	}
}

// DeadLetter reinjects one quarantined envelope. The entry is marked
// replayed unless the envelope dead-letters again.
func (s *Service) DeadLetter(ctx context.Context, id int64) (Result, error) {
	entry, err := s.deadLetters.Get(ctx, id)
	if err != nil {
		return Result{}, err
	}
	env, err := event.Validate(entry.Envelope)
	if err != nil {
		return Result{}, err
	}

	ref := retry.MessageRef{Topic: entry.Topic, Partition: entry.Partition, Offset: entry.Offset}
	d, err := s.inject(ctx, env, ref)
	if err != nil {
		return Result{}, err
	}
	res := Result{Submitted: 1}
	res.count(d)
	if d != projection.DispositionDeadLettered {
		if err := s.deadLetters.MarkReplayed(ctx, id); err != nil {
			return res, err
		}
	}
	s.logger.Info("dead letter replayed",
		"dead_letter_id", id,
		"aggregate_id", env.AggregateID,
		"version", env.Version,
		"applied", d == projection.DispositionApplied,
	)
	return res, nil
}

// Aggregate reinjects the aggregate's outbox history from the given version
// onward, in version order.
func (s *Service) Aggregate(ctx context.Context, aggregateID string, fromVersion uint64) (Result, error) {
	records, err := s.history.ListFromVersion(ctx, aggregateID, fromVersion)
	if err != nil {
		return Result{}, err
	}

	var res Result
	for _, rcd := range records {
		d, err := s.inject(ctx, rcd.Envelope(s.producerID), retry.MessageRef{Topic: "replay"})
		if err != nil {
			return res, err
		}
		res.Submitted++
		res.count(d)
	}
	s.logger.Info("aggregate history replayed",
		"aggregate_id", aggregateID,
		"from_version", fromVersion,
		"submitted", res.Submitted,
		"applied", res.Applied,
	)
	return res, nil
}

// inject submits one envelope and blocks until it settles.
func (s *Service) inject(ctx context.Context, env event.Envelope, ref retry.MessageRef) (projection.Disposition, error) {
	ctx, cancel := context.WithTimeout(ctx, s.settleWait)
	defer cancel()

	settled := make(chan projection.Disposition, 1)
	err := s.engine.Submit(ctx, projection.Task{
		Envelope: env,
		Ref:      ref,
		Done:     func(d projection.Disposition) { settled <- d },
	})
	if err != nil {
		return 0, err
	}
	select {
	case d := <-settled:
		return d, nil
	case <-ctx.Done():
		return 0, ctx.Err()
	}
}
