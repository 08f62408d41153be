// Package projection applies domain events to the read store with strictly
// monotonic per-aggregate versioning. Each aggregate is bound to exactly one
// worker by hashing its key, so duplicate/gap bookkeeping needs no locks and
// distinct aggregates proceed fully in parallel.
package projection

import (
	"context"
	"hash/fnv"
	"log/slog"
	"sync"
	"time"

	"github.com/shopworks/readsync/internal/event"
	"github.com/shopworks/readsync/internal/readstore"
	"github.com/shopworks/readsync/internal/retry"
)

// Disposition is the terminal state of a submitted envelope. A task's Done
// callback fires exactly once, after which its bus offset may be committed.
type Disposition int

const (
	DispositionApplied Disposition = iota
	DispositionDuplicate
	DispositionDeadLettered
)

// Task is one envelope plus its bus coordinates and settle callback.
// Done may be called from a worker goroutine, possibly after Submit returns
// (buffered envelopes settle when their gap fills or the window expires).
type Task struct {
	Envelope event.Envelope
	Ref      retry.MessageRef
	Done     func(Disposition)
}

type Config struct {
	Workers       int
	ReorderWindow time.Duration
	QueueSize     int
}

type Engine struct {
	workers []*worker
	logger  *slog.Logger
	wg      sync.WaitGroup
}

func New(store readstore.Store, coord *retry.Coordinator, metrics *Metrics, logger *slog.Logger, cfg Config) *Engine {
	if cfg.Workers <= 0 {
		cfg.Workers = 4
	}
	if cfg.ReorderWindow <= 0 {
		cfg.ReorderWindow = 5 * time.Second
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 256
	}

	e := &Engine{logger: logger}
	for i := 0; i < cfg.Workers; i++ {
		e.workers = append(e.workers, newWorker(i, store, coord, metrics, logger, cfg))
	}
	return e
}

// Start launches the worker pool. Workers exit when ctx is cancelled;
// unsettled tasks are abandoned and their offsets stay uncommitted.
func (e *Engine) Start(ctx context.Context) {
	for _, w := range e.workers {
		e.wg.Add(1)
		go func(w *worker) {
			defer e.wg.Done()
			w.run(ctx)
		}(w)
	}
}

// Wait blocks until all workers have exited.
func (e *Engine) Wait() {
	e.wg.Wait()
}

// Submit routes the task to its aggregate's worker.
func (e *Engine) Submit(ctx context.Context, t Task) error {
	w := e.workers[e.partition(t.Envelope)]
	select {
	case w.tasks <- t:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (e *Engine) partition(env event.Envelope) int {
	h := fnv.New32a()
	h.Write([]byte(env.TenantID))
	h.Write([]byte{0})
	h.Write([]byte(env.AggregateID))
	return int(h.Sum32() % uint32(len(e.workers)))
}
