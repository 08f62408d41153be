package projection

import (
	"sort"
	"time"
)

// pending is an out-of-order envelope waiting for its gap to fill.
type pending struct {
	task Task
}

// reorderBuffer holds one aggregate's out-of-order envelopes, sorted by
// version. It is owned exclusively by the worker assigned that aggregate's
// partition, so no locking is needed.
type reorderBuffer struct {
	entries       []pending
	bufferedSince time.Time
}

func newReorderBuffer(now time.Time) *reorderBuffer {
	return &reorderBuffer{bufferedSince: now}
}

// add inserts the task in version order. It reports false when that version
// is already buffered, which makes the new arrival a duplicate.
func (b *reorderBuffer) add(t Task) bool {
	v := t.Envelope.Version
	i := sort.Search(len(b.entries), func(i int) bool {
		return b.entries[i].task.Envelope.Version >= v
	})
	if i < len(b.entries) && b.entries[i].task.Envelope.Version == v {
		return false
	}
	b.entries = append(b.entries, pending{})
	copy(b.entries[i+1:], b.entries[i:])
	b.entries[i] = pending{task: t}
	return true
}

// next returns the lowest buffered version without removing it.
func (b *reorderBuffer) next() (Task, bool) {
	if len(b.entries) == 0 {
		return Task{}, false
	}
	return b.entries[0].task, true
}

func (b *reorderBuffer) pop() {
	b.entries = b.entries[1:]
}

func (b *reorderBuffer) expired(now time.Time, window time.Duration) bool {
	return now.Sub(b.bufferedSince) >= window
}
