// Package outbox implements the transactional-outbox contract the projection
// depends on: exactly one envelope per committed mutation, version = previous
// version + 1, recoverable when the bus publish fails after commit.
package outbox

import (
	"time"

	"github.com/shopworks/readsync/internal/event"
)

// Event is a domain mutation staged in the outbox table inside the write
// transaction that produced it.
type Event struct {
	TenantID      string
	AggregateType string
	AggregateID   string
	Type          event.Type
	Payload       []byte
}

// Record is a staged outbox row. Version is assigned at insert time.
type Record struct {
	ID            int64
	EventID       string
	TenantID      string
	AggregateType string
	AggregateID   string
	Type          event.Type
	Version       uint64
	Payload       []byte
	Traceparent   string
	Tracestate    string
	CreatedAt     time.Time
}

// Envelope renders the row as the wire envelope the bus carries.
func (r Record) Envelope(producerID string) event.Envelope {
	return event.Envelope{
		EventID:       r.EventID,
		TenantID:      r.TenantID,
		AggregateID:   r.AggregateID,
		AggregateType: r.AggregateType,
		Type:          r.Type,
		Version:       r.Version,
		Payload:       r.Payload,
		OccurredAt:    r.CreatedAt.UTC(),
		ProducerID:    producerID,
		CorrelationID: r.EventID,
	}
}
