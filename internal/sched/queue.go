package sched

import (
	"container/heap"
	"sync"
	"time"

	"github.com/ttakah/trackmirror/internal/model"
)

// Queue holds pending scheduled tasks ordered by (due, kind, track, detail).
// The ordering is total, so repeated runs over the same input pop tasks in
// the same sequence. The queue never merges or drops tasks; deduplication is
// the reconciler's concern.
//
// Push may be called from outside the scheduler pass (the admin force-poll
// path), so the queue carries its own lock.
type Queue struct {
	mu    sync.Mutex
	tasks taskHeap
}

func NewQueue() *Queue {
	q := &Queue{}
	heap.Init(&q.tasks)
	return q
}

func (q *Queue) Push(task model.Task) {
	q.mu.Lock()
	defer q.mu.Unlock()
	heap.Push(&q.tasks, task)
}

// PopDue removes and returns the earliest task whose due time is at or
// before now. A future-dated head is left in place and returned as the next
// wake hint so callers can skip idle passes without re-scanning.
func (q *Queue) PopDue(now time.Time) (model.Task, time.Time, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.tasks.Len() == 0 {
		return model.Task{}, time.Time{}, false
	}
	head := q.tasks[0]
	if head.Due.After(now) {
		return model.Task{}, head.Due, false
	}
	task := heap.Pop(&q.tasks).(model.Task)
	return task, time.Time{}, true
}

func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.tasks.Len()
}

type taskHeap []model.Task

func (h taskHeap) Len() int           { return len(h) }
func (h taskHeap) Less(i, j int) bool { return h[i].Less(h[j]) }
func (h taskHeap) Swap(i, j int)      { h[i], h[j] = h[j], h[i] }

func (h *taskHeap) Push(x any) {
	*h = append(*h, x.(model.Task))
}

func (h *taskHeap) Pop() any {
	old := *h
	n := len(old)
	task := old[n-1]
	*h = old[:n-1]
	return task
}
