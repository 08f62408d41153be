package retry

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/shopworks/readsync/internal/dlq"
	"github.com/shopworks/readsync/internal/event"
	"github.com/shopworks/readsync/internal/readstore"
)

type memSink struct {
	mu      sync.Mutex
	entries []dlq.Entry
	err     error
}

func (s *memSink) Quarantine(_ context.Context, e dlq.Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	s.entries = append(s.entries, e)
	return nil
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testEnvelope() event.Envelope {
	return event.Envelope{
		EventID:     "e-1",
		TenantID:    "t-1",
		AggregateID: "p-1",
		Type:        event.TypeUpdate,
		Version:     4,
	}
}

func TestExecute_SucceedsAfterTransientFailures(t *testing.T) {
	sink := &memSink{}
	c := NewCoordinator(5, Backoff{Base: time.Millisecond, Cap: time.Millisecond}, sink, discardLogger())
	var slept int
	c.sleep = func(context.Context, time.Duration) error { slept++; return nil }

	calls := 0
	outcome, err := c.Execute(context.Background(), testEnvelope(), MessageRef{}, func(context.Context) error {
		calls++
		if calls < 3 {
			return readstore.NewTransient("upsert", errors.New("connection reset"))
		}
		return nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if outcome != OutcomeApplied {
		t.Fatalf("expected applied, got %v", outcome)
	}
	if calls != 3 || slept != 2 {
		t.Fatalf("expected 3 calls with 2 backoffs, got calls=%d slept=%d", calls, slept)
	}
	if len(sink.entries) != 0 {
		t.Fatalf("nothing should be dead-lettered")
	}
}

func TestExecute_FatalErrorsExhaustWithoutBackoff(t *testing.T) {
	sink := &memSink{}
	c := NewCoordinator(5, Backoff{Base: time.Second, Cap: time.Second}, sink, discardLogger())
	c.sleep = func(context.Context, time.Duration) error {
		t.Fatal("fatal errors must not back off")
		return nil
	}

	calls := 0
	outcome, err := c.Execute(context.Background(), testEnvelope(), MessageRef{Topic: "shop.catalog.events.v1", Partition: 2, Offset: 41}, func(context.Context) error {
		calls++
		return readstore.NewFatal("upsert", errors.New("wrong type for key"))
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if outcome != OutcomeDeadLettered {
		t.Fatalf("expected dead-lettered, got %v", outcome)
	}
	if calls != 5 {
		t.Fatalf("expected 5 attempts, got %d", calls)
	}
	if len(sink.entries) != 1 {
		t.Fatalf("expected 1 dead letter, got %d", len(sink.entries))
	}
	e := sink.entries[0]
	if e.AttemptCount != 5 || e.AggregateID != "p-1" || e.Offset != 41 {
		t.Fatalf("unexpected entry: %+v", e)
	}
	if e.FailureReason == "" || e.FirstFailedAt.IsZero() || e.LastAttemptAt.IsZero() {
		t.Fatalf("entry missing failure metadata: %+v", e)
	}
}

func TestExecute_QuarantineFailureSurfaces(t *testing.T) {
	sink := &memSink{err: errors.New("db down")}
	c := NewCoordinator(1, Backoff{}, sink, discardLogger())

	_, err := c.Execute(context.Background(), testEnvelope(), MessageRef{}, func(context.Context) error {
		return readstore.NewFatal("upsert", errors.New("boom"))
	})
	if err == nil {
		t.Fatal("expected error so the offset stays uncommitted")
	}
}

func TestExecute_CancelledDuringBackoff(t *testing.T) {
	sink := &memSink{}
	c := NewCoordinator(3, Backoff{Base: time.Minute, Cap: time.Minute}, sink, discardLogger())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := c.Execute(ctx, testEnvelope(), MessageRef{}, func(context.Context) error {
		return readstore.NewTransient("upsert", errors.New("timeout"))
	})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if len(sink.entries) != 0 {
		t.Fatalf("cancelled execution must not dead-letter")
	}
}
