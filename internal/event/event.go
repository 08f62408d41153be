package event

import (
	"encoding/json"
	"time"
)

// Type is the mutation kind carried by an envelope.
type Type string

const (
	TypeCreate Type = "CREATE"
	TypeUpdate Type = "UPDATE"
	TypeDelete Type = "DELETE"
)

// Envelope is the versioned wire format for domain events. The write side
// publishes exactly one envelope per committed mutation, with Version equal
// to the aggregate's previous version plus one.
type Envelope struct {
	EventID       string          `json:"event_id"`
	TenantID      string          `json:"tenant_id"`
	AggregateID   string          `json:"aggregate_id"`
	AggregateType string          `json:"aggregate_type"`
	Type          Type            `json:"event_type"`
	Version       uint64          `json:"version"`
	Payload       json.RawMessage `json:"payload,omitempty"`
	OccurredAt    time.Time       `json:"occurred_at"`
	ProducerID    string          `json:"producer_id"`
	CorrelationID string          `json:"correlation_id,omitempty"`
}

func (e Envelope) Marshal() ([]byte, error) {
	return json.Marshal(e)
}

func knownType(t Type) bool {
	switch t {
	case TypeCreate, TypeUpdate, TypeDelete:
		return true
	}
	return false
}
