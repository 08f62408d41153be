package projection

import (
	"context"
	"log/slog"
	"time"

	"github.com/shopworks/readsync/internal/event"
	"github.com/shopworks/readsync/internal/readstore"
	"github.com/shopworks/readsync/internal/retry"
)

type aggKey struct {
	tenant string
	id     string
}

// aggState caches the watermark once it has been read from the record.
// The cache stays valid because this worker is the aggregate's only writer.
type aggState struct {
	exists  bool
	version uint64
}

type worker struct {
	id      int
	tasks   chan Task
	store   readstore.Store
	coord   *retry.Coordinator
	metrics *Metrics
	logger  *slog.Logger
	window  time.Duration

	states  map[aggKey]aggState
	buffers map[aggKey]*reorderBuffer
	timer   *time.Timer
	now     func() time.Time
}

func newWorker(id int, store readstore.Store, coord *retry.Coordinator, metrics *Metrics, logger *slog.Logger, cfg Config) *worker {
	t := time.NewTimer(time.Hour)
	if !t.Stop() {
		<-t.C
	}
	return &worker{
		id:      id,
		tasks:   make(chan Task, cfg.QueueSize),
		store:   store,
		coord:   coord,
		metrics: metrics,
		logger:  logger.With("worker", id),
		window:  cfg.ReorderWindow,
		states:  make(map[aggKey]aggState),
		buffers: make(map[aggKey]*reorderBuffer),
		timer:   t,
		now:     time.Now,
	}
}

func (w *worker) run(ctx context.Context) {
	defer w.timer.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case t := <-w.tasks:
			w.handle(ctx, t)
		case <-w.timer.C:
			w.flushExpired(ctx)
		}
		w.armTimer()
	}
}

func (w *worker) handle(ctx context.Context, t Task) {
	key := aggKey{t.Envelope.TenantID, t.Envelope.AggregateID}
	st, ok := w.states[key]
	if !ok {
		var rec readstore.Record
		var exists bool
		outcome, err := w.coord.Execute(ctx, t.Envelope, t.Ref, func(ctx context.Context) error {
			var err error
			rec, exists, err = w.store.Get(ctx, key.tenant, key.id)
			return err
		})
		if err != nil {
			return // abandoned, will be redelivered
		}
		if outcome == retry.OutcomeDeadLettered {
			w.metrics.DeadLettered(ctx)
			t.Done(DispositionDeadLettered)
			return
		}
		st = aggState{exists: exists, version: rec.AppliedVersion}
		w.states[key] = st
	}

	v := t.Envelope.Version
	switch {
	case v <= st.version:
		w.metrics.Duplicate(ctx)
		w.logger.Debug("duplicate suppressed",
			"aggregate_id", key.id,
			"version", v,
			"watermark", st.version,
			"correlation_id", t.Envelope.CorrelationID,
		)
		t.Done(DispositionDuplicate)

	case v == st.version+1:
		if !w.apply(ctx, key, t, false) {
			return
		}
		w.drainContiguous(ctx, key)

	default:
		buf, ok := w.buffers[key]
		if !ok {
			buf = newReorderBuffer(w.now())
			w.buffers[key] = buf
		}
		if !buf.add(t) {
			w.metrics.Duplicate(ctx)
			t.Done(DispositionDuplicate)
			return
		}
		w.metrics.Gap(ctx)
		w.logger.Info("ordering gap, envelope buffered",
			"aggregate_id", key.id,
			"version", v,
			"watermark", st.version,
			"correlation_id", t.Envelope.CorrelationID,
		)
	}
}

// drainContiguous applies buffered envelopes that the last apply unblocked.
// Buffered versions at or below the watermark settle as duplicates.
func (w *worker) drainContiguous(ctx context.Context, key aggKey) {
	buf, ok := w.buffers[key]
	if !ok {
		return
	}
	for {
		t, ok := buf.next()
		if !ok {
			delete(w.buffers, key)
			return
		}
		st := w.states[key]
		switch {
		case t.Envelope.Version <= st.version:
			buf.pop()
			w.metrics.Duplicate(ctx)
			t.Done(DispositionDuplicate)
		case t.Envelope.Version == st.version+1:
			buf.pop()
			if !w.apply(ctx, key, t, false) {
				return
			}
		default:
			return // still gapped; wait for the window
		}
	}
}

// flushExpired force-drains buffers whose reorder window has elapsed.
// Liveness wins over strict ordering: the projection is advisory, never the
// system of record, so each jump past missing versions is applied and
// reported as a consistency warning rather than held forever.
func (w *worker) flushExpired(ctx context.Context) {
	now := w.now()
	for key, buf := range w.buffers {
		if !buf.expired(now, w.window) {
			continue
		}
		for {
			t, ok := buf.next()
			if !ok {
				break
			}
			buf.pop()
			st := w.states[key]
			v := t.Envelope.Version
			if v <= st.version {
				w.metrics.Duplicate(ctx)
				t.Done(DispositionDuplicate)
				continue
			}
			if v > st.version+1 {
				w.metrics.ConsistencyWarning(ctx)
				w.logger.Warn("reorder window elapsed, applying past gap",
					"aggregate_id", key.id,
					"version", v,
					"watermark", st.version,
					"correlation_id", t.Envelope.CorrelationID,
				)
			}
			if !w.apply(ctx, key, t, true) {
				return
			}
		}
		delete(w.buffers, key)
	}
}

// apply writes one envelope through the retry coordinator and advances the
// watermark on success. It reports false only when the context was cancelled
// and the task was abandoned unsettled.
func (w *worker) apply(ctx context.Context, key aggKey, t Task, forced bool) bool {
	env := t.Envelope
	st := w.states[key]
	degraded := !st.exists && env.Type != event.TypeCreate

	start := w.now()
	outcome, err := w.coord.Execute(ctx, env, t.Ref, func(ctx context.Context) error {
		if env.Type == event.TypeDelete {
			return w.store.MarkDeleted(ctx, key.tenant, key.id, env.Version)
		}
		return w.store.Upsert(ctx, readstore.Record{
			TenantID:       env.TenantID,
			AggregateID:    env.AggregateID,
			AggregateType:  env.AggregateType,
			AppliedVersion: env.Version,
			State:          readstore.StateActive,
			Payload:        env.Payload,
		})
	})
	if err != nil {
		return false
	}
	if outcome == retry.OutcomeDeadLettered {
		w.metrics.DeadLettered(ctx)
		t.Done(DispositionDeadLettered)
		return true
	}

	st.exists = true
	st.version = env.Version
	w.states[key] = st
	w.metrics.Applied(ctx, w.now().Sub(start))
	if degraded {
		w.metrics.DegradedCreate(ctx)
		w.logger.Warn("no record for non-create event, applied as full upsert",
			"aggregate_id", key.id,
			"version", env.Version,
			"event_type", string(env.Type),
			"correlation_id", env.CorrelationID,
		)
	}
	w.logger.Info("event applied",
		"aggregate_id", key.id,
		"version", env.Version,
		"event_type", string(env.Type),
		"correlation_id", env.CorrelationID,
		"forced", forced,
	)
	t.Done(DispositionApplied)
	return true
}

// armTimer points the wakeup at the earliest buffer deadline, if any.
func (w *worker) armTimer() {
	if !w.timer.Stop() {
		select {
		case <-w.timer.C:
		default:
		}
	}
	var earliest time.Time
	for _, buf := range w.buffers {
		if earliest.IsZero() || buf.bufferedSince.Before(earliest) {
			earliest = buf.bufferedSince
		}
	}
	if earliest.IsZero() {
		return
	}
	d := earliest.Add(w.window).Sub(w.now())
	if d < 0 {
		d = 0
	}
	w.timer.Reset(d)
}
