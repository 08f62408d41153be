package outbox

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/shopworks/readsync/internal/event"
	"github.com/shopworks/readsync/libs/db"
	otelx "github.com/shopworks/readsync/libs/otel"
)

type Repository struct {
	pool *db.Pool
}

func NewRepository(pool *db.Pool) *Repository {
	return &Repository{pool: pool}
}

// Insert stages the event inside the caller's write transaction and assigns
// version = previous version + 1 for the aggregate. The write side already
// serializes mutations per aggregate (it holds the aggregate's row lock), so
// the MAX subquery cannot race with another insert for the same aggregate.
func (r *Repository) Insert(ctx context.Context, tx pgx.Tx, evt Event) (uint64, error) {
	traceparent, tracestate := otelx.TraceContextStrings(ctx)
	var version uint64
	err := tx.QueryRow(ctx, `
		INSERT INTO outbox_events
			(event_id, tenant_id, aggregate_type, aggregate_id, event_type, version, payload, traceparent, tracestate)
		VALUES ($1, $2, $3, $4, $5,
			COALESCE((SELECT MAX(version) FROM outbox_events WHERE tenant_id = $2 AND aggregate_id = $4), 0) + 1,
			$6, $7, $8)
		RETURNING version
	`, uuid.NewString(), evt.TenantID, evt.AggregateType, evt.AggregateID, string(evt.Type), evt.Payload, traceparent, tracestate).Scan(&version)
	if err != nil {
		return 0, fmt.Errorf("stage outbox event for %s: %w", evt.AggregateID, err)
	}
	return version, nil
}

// Sweep locks a batch of unpublished rows, hands each to publish in insert
// order, marks them published and commits. Rows whose publish fails stay
// unpublished and are re-covered by the next sweep, which is what makes the
// commit-then-publish step recoverable.
func (r *Repository) Sweep(ctx context.Context, limit int, publish func(Record) error) (int, error) {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return 0, err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	records, err := r.fetchUnpublished(ctx, tx, limit)
	if err != nil {
		return 0, err
	}
	if len(records) == 0 {
		return 0, tx.Commit(ctx)
	}

	ids := make([]int64, 0, len(records))
	for _, rcd := range records {
		if err := publish(rcd); err != nil {
			return 0, fmt.Errorf("publish outbox row %d: %w", rcd.ID, err)
		}
		ids = append(ids, rcd.ID)
	}
	if err := r.markPublished(ctx, tx, ids); err != nil {
		return 0, err
	}
	if err := tx.Commit(ctx); err != nil {
		return 0, err
	}
	return len(records), nil
}

func (r *Repository) fetchUnpublished(ctx context.Context, tx pgx.Tx, limit int) ([]Record, error) {
	rows, err := tx.Query(ctx, `
		SELECT id, event_id, tenant_id, aggregate_type, aggregate_id, event_type, version,
		       payload, traceparent, tracestate, created_at
		FROM outbox_events
		WHERE published_at IS NULL
		ORDER BY id
		LIMIT $1
		FOR UPDATE SKIP LOCKED
	`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanRecords(rows)
}

func (r *Repository) markPublished(ctx context.Context, tx pgx.Tx, ids []int64) error {
	if len(ids) == 0 {
		return nil
	}
	_, err := tx.Exec(ctx, `
		UPDATE outbox_events
		SET published_at = now()
		WHERE id = ANY($1)
	`, ids)
	return err
}

// ListFromVersion returns the aggregate's staged history from the given
// version onward, in version order. The replay endpoint reinjects these.
func (r *Repository) ListFromVersion(ctx context.Context, aggregateID string, fromVersion uint64) ([]Record, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT id, event_id, tenant_id, aggregate_type, aggregate_id, event_type, version,
		       payload, traceparent, tracestate, created_at
		FROM outbox_events
		WHERE aggregate_id = $1 AND version >= $2
		ORDER BY version
	`, aggregateID, fromVersion)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanRecords(rows)
}

func scanRecords(rows pgx.Rows) ([]Record, error) {
	var records []Record
	for rows.Next() {
		var rcd Record
		var eventType string
		if err := rows.Scan(&rcd.ID, &rcd.EventID, &rcd.TenantID, &rcd.AggregateType, &rcd.AggregateID,
			&eventType, &rcd.Version, &rcd.Payload, &rcd.Traceparent, &rcd.Tracestate, &rcd.CreatedAt); err != nil {
			return nil, err
		}
		rcd.Type = event.Type(eventType)
		records = append(records, rcd)
	}
	return records, rows.Err()
}
