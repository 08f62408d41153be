package dlq

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/shopworks/readsync/libs/db"
)

var ErrNotFound = errors.New("dead letter not found")

type Repository struct {
	pool *db.Pool
}

func NewRepository(pool *db.Pool) *Repository {
	return &Repository{pool: pool}
}

func (r *Repository) Quarantine(ctx context.Context, e Entry) error {
	_, err := r.pool.Exec(ctx, `
		INSERT INTO dead_letter_events
			(event_id, tenant_id, aggregate_id, envelope, topic, partition, kafka_offset,
			 failure_reason, attempt_count, first_failed_at, last_attempt_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
	`, e.EventID, e.TenantID, e.AggregateID, e.Envelope, e.Topic, e.Partition, e.Offset,
		e.FailureReason, e.AttemptCount, e.FirstFailedAt, e.LastAttemptAt)
	if err != nil {
		return fmt.Errorf("quarantine event %s: %w", e.EventID, err)
	}
	return nil
}

func (r *Repository) Get(ctx context.Context, id int64) (Entry, error) {
	row := r.pool.QueryRow(ctx, `
		SELECT id, event_id, tenant_id, aggregate_id, envelope, topic, partition, kafka_offset,
		       failure_reason, attempt_count, first_failed_at, last_attempt_at, replayed_at
		FROM dead_letter_events
		WHERE id = $1
	`, id)
	e, err := scanEntry(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return Entry{}, ErrNotFound
	}
	return e, err
}

// List returns unreplayed entries, oldest first.
func (r *Repository) List(ctx context.Context, limit int) ([]Entry, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := r.pool.Query(ctx, `
		SELECT id, event_id, tenant_id, aggregate_id, envelope, topic, partition, kafka_offset,
		       failure_reason, attempt_count, first_failed_at, last_attempt_at, replayed_at
		FROM dead_letter_events
		WHERE replayed_at IS NULL
		ORDER BY id
		LIMIT $1
	`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []Entry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

func (r *Repository) MarkReplayed(ctx context.Context, id int64) error {
	tag, err := r.pool.Exec(ctx, `
		UPDATE dead_letter_events
		SET replayed_at = now()
		WHERE id = $1 AND replayed_at IS NULL
	`, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func scanEntry(row pgx.Row) (Entry, error) {
	var e Entry
	err := row.Scan(&e.ID, &e.EventID, &e.TenantID, &e.AggregateID, &e.Envelope,
		&e.Topic, &e.Partition, &e.Offset, &e.FailureReason, &e.AttemptCount,
		&e.FirstFailedAt, &e.LastAttemptAt, &e.ReplayedAt)
	return e, err
}
