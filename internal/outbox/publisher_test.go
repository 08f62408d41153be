package outbox

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"testing"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/shopworks/readsync/internal/event"
	"github.com/shopworks/readsync/libs/kafkax"
)

type fakeSource struct {
	rows      []Record
	published []int64
}

func (s *fakeSource) Sweep(_ context.Context, limit int, publish func(Record) error) (int, error) {
	n := 0
	for _, rcd := range s.rows {
		if n == limit {
			break
		}
		if contains(s.published, rcd.ID) {
			continue
		}
		if err := publish(rcd); err != nil {
			return 0, err
		}
		s.published = append(s.published, rcd.ID)
		n++
	}
	return n, nil
}

func contains(ids []int64, id int64) bool {
	for _, v := range ids {
		if v == id {
			return true
		}
	}
	return false
}

type fakeWriter struct {
	msgs []kafka.Message
	err  error
}

func (w *fakeWriter) WriteMessages(_ context.Context, msgs ...kafka.Message) error {
	if w.err != nil {
		return w.err
	}
	w.msgs = append(w.msgs, msgs...)
	return nil
}

func testRecord(id int64, version uint64) Record {
	return Record{
		ID:            id,
		EventID:       "evt-1",
		TenantID:      "t1",
		AggregateType: "product",
		AggregateID:   "p1",
		Type:          event.TypeUpdate,
		Version:       version,
		Payload:       []byte(`{"title":"A"}`),
		CreatedAt:     time.Now(),
	}
}

func newTestPublisher(source Source, writer Writer) *Publisher {
	return NewPublisherWithWriter(source, writer, slog.Default(), PublisherConfig{
		Topic:      "catalog.events.v1",
		ProducerID: "readsync-test",
		BatchSize:  10,
	})
}

func TestPublisher_OneMessagePerRow(t *testing.T) {
	source := &fakeSource{rows: []Record{testRecord(1, 1), testRecord(2, 2), testRecord(3, 3)}}
	writer := &fakeWriter{}
	p := newTestPublisher(source, writer)

	ctx := context.Background()
	if _, err := source.Sweep(ctx, 10, func(rcd Record) error { return p.publish(ctx, rcd) }); err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if len(writer.msgs) != 3 {
		t.Fatalf("expected 3 messages, got %d", len(writer.msgs))
	}
	if len(source.published) != 3 {
		t.Fatalf("expected 3 rows marked published, got %d", len(source.published))
	}

	msg := writer.msgs[0]
	if msg.Topic != "catalog.events.v1" {
		t.Fatalf("unexpected topic %q", msg.Topic)
	}
	if string(msg.Key) != "p1" {
		t.Fatalf("message must be keyed by aggregate id, got %q", msg.Key)
	}
	if got := kafkax.HeaderValue(msg.Headers, kafkax.HeaderVersion); got != "1" {
		t.Fatalf("version header = %q, want 1", got)
	}
	if got := kafkax.HeaderValue(msg.Headers, kafkax.HeaderEventType); got != "UPDATE" {
		t.Fatalf("event_type header = %q, want UPDATE", got)
	}

	var env event.Envelope
	if err := json.Unmarshal(msg.Value, &env); err != nil {
		t.Fatalf("message value is not an envelope: %v", err)
	}
	if env.AggregateID != "p1" || env.Version != 1 || env.ProducerID != "readsync-test" {
		t.Fatalf("unexpected envelope: %+v", env)
	}
}

func TestPublisher_FailedPublishLeavesRowsUnpublished(t *testing.T) {
	source := &fakeSource{rows: []Record{testRecord(1, 1), testRecord(2, 2)}}
	writer := &fakeWriter{err: errors.New("broker unreachable")}
	p := newTestPublisher(source, writer)

	ctx := context.Background()
	if _, err := source.Sweep(ctx, 10, func(rcd Record) error { return p.publish(ctx, rcd) }); err == nil {
		t.Fatal("expected sweep to surface the publish error")
	}
	if len(source.published) != 0 {
		t.Fatalf("failed publish must not mark rows published, got %v", source.published)
	}

	// The next sweep re-covers the same rows once the broker is back.
	writer.err = nil
	if _, err := source.Sweep(ctx, 10, func(rcd Record) error { return p.publish(ctx, rcd) }); err != nil {
		t.Fatalf("recovery sweep: %v", err)
	}
	if len(writer.msgs) != 2 || len(source.published) != 2 {
		t.Fatalf("recovery sweep should publish both rows, got %d msgs, %d published", len(writer.msgs), len(source.published))
	}
}

func TestRecord_Envelope(t *testing.T) {
	rcd := testRecord(1, 7)
	env := rcd.Envelope("producer-a")
	if env.Version != 7 || env.Type != event.TypeUpdate || env.TenantID != "t1" {
		t.Fatalf("unexpected envelope: %+v", env)
	}
	if env.CorrelationID != rcd.EventID {
		t.Fatalf("correlation id should default to the event id")
	}
}
