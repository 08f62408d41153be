package readstore

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisStore keeps each record as a JSON value under a deterministic key.
// Writes are unconditional: the projection engine guarantees a single writer
// per aggregate through partition affinity, so no CAS is required.
type RedisStore struct {
	client *redis.Client
	prefix string
}

func NewRedisStore(client *redis.Client, prefix string) *RedisStore {
	if prefix == "" {
		prefix = "readmodel"
	}
	return &RedisStore{client: client, prefix: prefix}
}

func (s *RedisStore) key(tenantID, aggregateID string) string {
	return s.prefix + ":" + tenantID + ":" + aggregateID
}

func (s *RedisStore) Get(ctx context.Context, tenantID, aggregateID string) (Record, bool, error) {
	raw, err := s.client.Get(ctx, s.key(tenantID, aggregateID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return Record{}, false, nil
	}
	if err != nil {
		return Record{}, false, classify("get", err)
	}
	var rec Record
	if err := json.Unmarshal(raw, &rec); err != nil {
		return Record{}, false, NewFatal("get", err)
	}
	return rec, true, nil
}

func (s *RedisStore) Upsert(ctx context.Context, rec Record) error {
	rec.UpdatedAt = time.Now().UTC()
	raw, err := json.Marshal(rec)
	if err != nil {
		return NewFatal("upsert", err)
	}
	if err := s.client.Set(ctx, s.key(rec.TenantID, rec.AggregateID), raw, 0).Err(); err != nil {
		return classify("upsert", err)
	}
	return nil
}

func (s *RedisStore) MarkDeleted(ctx context.Context, tenantID, aggregateID string, version uint64) error {
	rec, ok, err := s.Get(ctx, tenantID, aggregateID)
	if err != nil {
		return err
	}
	if !ok {
		// Tombstone so redeliveries of the DELETE stay idempotent.
		rec = Record{TenantID: tenantID, AggregateID: aggregateID}
	}
	rec.State = StateDeleted
	rec.AppliedVersion = version
	return s.Upsert(ctx, rec)
}

func (s *RedisStore) ReadyCheck() func(context.Context) error {
	return func(ctx context.Context) error {
		return s.client.Ping(ctx).Err()
	}
}

func classify(op string, err error) error {
	var netErr net.Error
	switch {
	case errors.As(err, &netErr),
		errors.Is(err, context.DeadlineExceeded),
		errors.Is(err, redis.ErrClosed):
		return NewTransient(op, err)
	default:
		return NewFatal(op, err)
	}
}
