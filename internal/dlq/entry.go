// Package dlq persists poison envelopes after retries exhaust so the
// consumer group can move on. Entries are replayed only by an explicit
// operator action.
package dlq

import "time"

type Entry struct {
	ID            int64
	EventID       string
	TenantID      string
	AggregateID   string
	Envelope      []byte
	Topic         string
	Partition     int
	Offset        int64
	FailureReason string
	AttemptCount  int
	FirstFailedAt time.Time
	LastAttemptAt time.Time
	ReplayedAt    *time.Time
}
