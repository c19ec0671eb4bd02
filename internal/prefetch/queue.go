package prefetch

import (
	"sync"
	"time"

	"github.com/doctrine-ai/doctrine/internal/metrics"
)

// Priority orders prefetch work; higher values drain first.
type Priority int

const (
	PriorityLow Priority = iota
	PriorityMed
	PriorityHigh
)

// String returns the metric label for the priority.
func (p Priority) String() string {
	switch p {
	case PriorityHigh:
		return "high"
	case PriorityMed:
		return "med"
	default:
		return "low"
	}
}

// Task is one queued prefetch.
type Task struct {
	Query     string
	Priority  Priority
	CreatedAt time.Time
}

// queue is a bounded three-band priority queue. On overflow it sheds the
// newest low-priority work first so the oldest high-confidence
// predictions survive.
type queue struct {
	mu    sync.Mutex
	bands [3][]Task
	cap   int
}

func newQueue(capacity int) *queue {
	if capacity <= 0 {
		capacity = 32
	}
	return &queue{cap: capacity}
}

func (q *queue) len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.lenLocked()
}

func (q *queue) lenLocked() int {
	return len(q.bands[0]) + len(q.bands[1]) + len(q.bands[2])
}

// push enqueues a task, shedding on overflow: newest LOW, then newest
// MED, then newest HIGH. Returns false when the task itself was shed.
func (q *queue) push(t Task) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	q.bands[t.Priority] = append(q.bands[t.Priority], t)
	for q.lenLocked() > q.cap {
		if !q.dropNewestLocked() {
			break
		}
	}
	// the task may have been the victim of its own overflow
	band := q.bands[t.Priority]
	for i := len(band) - 1; i >= 0; i-- {
		if band[i] == t {
			metrics.PrefetchEnqueued.WithLabelValues(t.Priority.String()).Inc()
			return true
		}
	}
	return false
}

func (q *queue) dropNewestLocked() bool {
	for _, p := range []Priority{PriorityLow, PriorityMed, PriorityHigh} {
		if n := len(q.bands[p]); n > 0 {
			q.bands[p] = q.bands[p][:n-1]
			metrics.PrefetchDropped.WithLabelValues(p.String()).Inc()
			return true
		}
	}
	return false
}

// pop returns the oldest task in the highest band at or above minBand.
func (q *queue) pop(minBand Priority) (Task, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for p := PriorityHigh; p >= minBand; p-- {
		if len(q.bands[p]) > 0 {
			t := q.bands[p][0]
			q.bands[p] = q.bands[p][1:]
			return t, true
		}
	}
	return Task{}, false
}
