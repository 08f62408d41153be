// Package readstore defines the projection target: a point-addressable store
// holding one denormalized record per aggregate, keyed by (tenant, aggregate).
// The applied-version watermark lives on the record itself so no cross-store
// atomicity is needed between data and watermark.
package readstore

import (
	"context"
	"encoding/json"
	"errors"
	"time"
)

type State string

const (
	StateActive  State = "ACTIVE"
	StateDeleted State = "DELETED"
)

// Record is the read-optimized projection of one aggregate. DELETE events
// soft-delete: State flips to DELETED, the last payload is retained for
// auditability and the version keeps advancing.
type Record struct {
	TenantID       string          `json:"tenant_id"`
	AggregateID    string          `json:"aggregate_id"`
	AggregateType  string          `json:"aggregate_type"`
	AppliedVersion uint64          `json:"applied_version"`
	State          State           `json:"state"`
	Payload        json.RawMessage `json:"payload,omitempty"`
	UpdatedAt      time.Time       `json:"updated_at"`
}

type Store interface {
	// Get returns the record and whether it exists.
	Get(ctx context.Context, tenantID, aggregateID string) (Record, bool, error)
	// Upsert writes the full record.
	Upsert(ctx context.Context, rec Record) error
	// MarkDeleted soft-deletes the record, retaining its payload, and
	// advances the applied version. A missing record becomes a tombstone.
	MarkDeleted(ctx context.Context, tenantID, aggregateID string, version uint64) error
}

// Error wraps a store failure with its retry classification. Transient
// failures (timeouts, connection resets) are retried with backoff; anything
// else is routed to the dead-letter queue.
type Error struct {
	Op        string
	Transient bool
	Err       error
}

func (e *Error) Error() string {
	return "readstore: " + e.Op + ": " + e.Err.Error()
}

func (e *Error) Unwrap() error { return e.Err }

func NewTransient(op string, err error) error {
	return &Error{Op: op, Transient: true, Err: err}
}

func NewFatal(op string, err error) error {
	return &Error{Op: op, Transient: false, Err: err}
}

// IsTransient reports whether err should be retried with backoff.
// Unclassified errors are treated as fatal.
func IsTransient(err error) bool {
	var se *Error
	if errors.As(err, &se) {
		return se.Transient
	}
	return false
}
