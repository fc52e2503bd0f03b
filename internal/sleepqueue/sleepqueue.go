// Package sleepqueue holds continuous-send work orders between passes.
// The in-memory queue is a cache over the durable state (state=Sleeping
// plus sleepUntil on the work order); it is rebuilt from a table scan at
// startup and bounded so a runaway UI cannot park unlimited campaigns.
package sleepqueue

import (
	"sort"
	"sync"
	"time"
)

// Entry is one parked work order.
type Entry struct {
	WorkOrderID string
	SleepUntil  time.Time
}

// Queue is a bounded set of sleeping work orders ordered by wake time.
type Queue struct {
	mu      sync.Mutex
	limit   int
	entries []Entry
}

// New creates a queue bounded at limit entries.
func New(limit int) *Queue {
	return &Queue{limit: limit}
}

// TryPark inserts the work order, keeping wake order. Re-parking an
// already parked work order updates its wake time; otherwise a full
// queue returns false.
func (q *Queue) TryPark(workOrderID string, sleepUntil time.Time) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	for i := range q.entries {
		if q.entries[i].WorkOrderID == workOrderID {
			q.entries[i].SleepUntil = sleepUntil
			q.sortLocked()
			return true
		}
	}
	if len(q.entries) >= q.limit {
		return false
	}
	q.entries = append(q.entries, Entry{WorkOrderID: workOrderID, SleepUntil: sleepUntil})
	q.sortLocked()
	return true
}

// Remove drops the work order from the queue; unknown ids are a no-op.
func (q *Queue) Remove(workOrderID string) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for i := range q.entries {
		if q.entries[i].WorkOrderID == workOrderID {
			q.entries = append(q.entries[:i], q.entries[i+1:]...)
			return
		}
	}
}

// Due removes and returns every entry whose wake time has passed.
func (q *Queue) Due(now time.Time) []Entry {
	q.mu.Lock()
	defer q.mu.Unlock()

	var due []Entry
	remaining := q.entries[:0]
	for _, e := range q.entries {
		if !e.SleepUntil.After(now) {
			due = append(due, e)
			continue
		}
		remaining = append(remaining, e)
	}
	q.entries = remaining
	return due
}

// Len reports the current number of parked work orders.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.entries)
}

// Snapshot returns a copy of the entries in wake order, for the ops
// endpoint.
func (q *Queue) Snapshot() []Entry {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]Entry, len(q.entries))
	copy(out, q.entries)
	return out
}

func (q *Queue) sortLocked() {
	sort.Slice(q.entries, func(i, j int) bool {
		return q.entries[i].SleepUntil.Before(q.entries[j].SleepUntil)
	})
}
