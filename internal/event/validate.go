package event

import (
	"encoding/json"
	"fmt"
)

// SchemaError marks an envelope that can never be applied: malformed JSON or
// a missing required field. Callers skip and acknowledge, never retry.
type SchemaError struct {
	Field  string
	Reason string
}

func (e *SchemaError) Error() string {
	if e.Field == "" {
		return "invalid envelope: " + e.Reason
	}
	return fmt.Sprintf("invalid envelope: field %s: %s", e.Field, e.Reason)
}

// UnknownTypeError marks an envelope whose event type this consumer does not
// recognize. Newer producers may emit types we don't handle yet; the message
// is acknowledged and skipped rather than treated as fatal.
type UnknownTypeError struct {
	Type Type
}

func (e *UnknownTypeError) Error() string {
	return fmt.Sprintf("unrecognized event type %q", string(e.Type))
}

// Validate parses and checks a raw envelope from the bus.
func Validate(raw []byte) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return Envelope{}, &SchemaError{Reason: err.Error()}
	}
	if env.AggregateID == "" {
		return Envelope{}, &SchemaError{Field: "aggregate_id", Reason: "missing"}
	}
	if env.Type == "" {
		return Envelope{}, &SchemaError{Field: "event_type", Reason: "missing"}
	}
	if env.Version == 0 {
		return Envelope{}, &SchemaError{Field: "version", Reason: "missing or zero"}
	}
	if !knownType(env.Type) {
		return env, &UnknownTypeError{Type: env.Type}
	}
	return env, nil
}
