package readstore

import (
	"context"
	"sync"
	"time"
)

// Memory is an in-process Store used in tests and local development.
// FailWrites injects a fixed number of failures into upcoming writes.
type Memory struct {
	mu       sync.Mutex
	records  map[string]Record
	failures int
	failErr  error
	writes   int
}

func NewMemory() *Memory {
	return &Memory{records: make(map[string]Record)}
}

// FailWrites makes the next n Upsert/MarkDeleted calls return err.
func (m *Memory) FailWrites(n int, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failures = n
	m.failErr = err
}

// Writes returns the number of write attempts seen, including failed ones.
func (m *Memory) Writes() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.writes
}

func (m *Memory) Get(_ context.Context, tenantID, aggregateID string) (Record, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.records[tenantID+"/"+aggregateID]
	return rec, ok, nil
}

func (m *Memory) Upsert(_ context.Context, rec Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.writes++
	if m.failures > 0 {
		m.failures--
		return m.failErr
	}
	rec.UpdatedAt = time.Now().UTC()
	m.records[rec.TenantID+"/"+rec.AggregateID] = rec
	return nil
}

func (m *Memory) MarkDeleted(_ context.Context, tenantID, aggregateID string, version uint64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.writes++
	if m.failures > 0 {
		m.failures--
		return m.failErr
	}
	key := tenantID + "/" + aggregateID
	rec, ok := m.records[key]
	if !ok {
		rec = Record{TenantID: tenantID, AggregateID: aggregateID}
	}
	rec.State = StateDeleted
	rec.AppliedVersion = version
	rec.UpdatedAt = time.Now().UTC()
	m.records[key] = rec
	return nil
}
